// Package store persists the forecast temperature series in SQLite.
//
// The on-disk contract is a single table:
//
//	predictions(id INTEGER PRIMARY KEY, dt TIMESTAMP, temperature INTEGER, upload_time TIMESTAMP)
//
// dt and upload_time hold Unix epoch seconds. Other tools read this table
// directly, so its layout must not change without a migration.
package store

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/tempmonitor/forecast-etl/internal/domain"

	_ "github.com/mattn/go-sqlite3"
)

//go:embed sql/create-predictions.sql
var createPredictionsSQL string

//go:embed sql/drop-predictions.sql
var dropPredictionsSQL string

//go:embed sql/insert-prediction.sql
var insertPredictionSQL string

//go:embed sql/select-predictions.sql
var selectPredictionsSQL string

//go:embed sql/count-predictions.sql
var countPredictionsSQL string

//go:embed sql/table-exists.sql
var tableExistsSQL string

// TableName is the table holding the series.
const TableName = "predictions"

var (
	// ErrOpen reports a store that could not be opened or reached.
	ErrOpen = errors.New("store open")

	// ErrWrite reports a failed schema or insert statement.
	ErrWrite = errors.New("store write")
)

// Options configures Open.
type Options struct {
	// Path is a file path, a "file:" URI, or ":memory:".
	Path        string
	BusyTimeout time.Duration
	// ReadOnly opens an existing database without creating or altering
	// anything on disk.
	ReadOnly bool
}

// Row is a persisted reading together with its store-assigned id.
type Row struct {
	ID int64
	domain.Reading
}

// querier is the subset of *sql.DB and *sql.Tx the store needs.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Store owns the predictions table. A Store returned by Open talks to the
// database directly; the Store handed to an InTx callback is bound to that
// transaction.
type Store struct {
	db     *sql.DB
	q      querier
	inTx   bool
	logger *slog.Logger
}

// Open opens or creates the SQLite database described by opts and checks
// that it is reachable. With opts.ReadOnly a missing database is an error
// rather than created. Failures wrap ErrOpen.
func Open(ctx context.Context, opts Options, logger *slog.Logger) (*Store, error) {
	dsn, err := buildDSN(opts)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrOpen, err)
	}

	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrOpen, err)
	}

	// One writer per run; a single connection also keeps ":memory:" databases
	// from splitting across pooled connections.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("%w: ping %s: %w", ErrOpen, opts.Path, err)
	}

	return New(db, logger), nil
}

// New wraps an already open database.
func New(db *sql.DB, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{db: db, q: db, logger: logger}
}

// Close releases the database. Closing a transaction-bound Store is a no-op.
func (s *Store) Close() error {
	if s.inTx || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// InTx runs fn against a Store bound to a single transaction. The
// transaction commits when fn returns nil and rolls back otherwise, so a
// failed run leaves the table as it was. Calling InTx on a transaction-bound
// Store runs fn in the existing transaction.
func (s *Store) InTx(ctx context.Context, fn func(tx *Store) error) error {
	if s.inTx {
		return fn(s)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("%w: begin: %w", ErrWrite, err)
	}

	bound := &Store{db: s.db, q: tx, inTx: true, logger: s.logger}
	if err := fn(bound); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			s.logger.Error("rollback failed", "error", rbErr)
		}
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("%w: commit: %w", ErrWrite, err)
	}
	return nil
}

// RecreateSchema drops the predictions table if present and creates it
// empty. It is safe on a database that never had the table.
func (s *Store) RecreateSchema(ctx context.Context) error {
	if _, err := s.q.ExecContext(ctx, dropPredictionsSQL); err != nil {
		return fmt.Errorf("%w: drop %s: %w", ErrWrite, TableName, err)
	}
	s.logger.Debug("table dropped", "table", TableName)
	return s.EnsureSchema(ctx)
}

// EnsureSchema creates the predictions table when it does not exist.
func (s *Store) EnsureSchema(ctx context.Context) error {
	if _, err := s.q.ExecContext(ctx, createPredictionsSQL); err != nil {
		return fmt.Errorf("%w: create %s: %w", ErrWrite, TableName, err)
	}
	s.logger.Debug("schema ensured", "table", TableName)
	return nil
}

// Insert appends one row. Nothing is deduplicated: the same reading inserted
// twice produces two rows.
func (s *Store) Insert(ctx context.Context, r domain.Reading) error {
	_, err := s.q.ExecContext(ctx, insertPredictionSQL,
		r.ObservationTime.Unix(),
		r.Temperature,
		r.IngestionTime.Unix(),
	)
	if err != nil {
		return fmt.Errorf("%w: insert reading at %s: %w", ErrWrite, r.ObservationTime.Format(time.RFC3339), err)
	}
	return nil
}

// Readings returns every row in insertion order. Times come back in UTC at
// second precision.
func (s *Store) Readings(ctx context.Context) ([]Row, error) {
	rows, err := s.q.QueryContext(ctx, selectPredictionsSQL)
	if err != nil {
		return nil, fmt.Errorf("query %s: %w", TableName, err)
	}
	defer func() {
		if err := rows.Close(); err != nil {
			s.logger.Error("close predictions rows", "error", err)
		}
	}()

	var out []Row
	for rows.Next() {
		var (
			row        Row
			dt, upload int64
		)
		if err := rows.Scan(&row.ID, &dt, &row.Temperature, &upload); err != nil {
			return nil, fmt.Errorf("scan %s: %w", TableName, err)
		}
		row.ObservationTime = time.Unix(dt, 0).UTC()
		row.IngestionTime = time.Unix(upload, 0).UTC()
		out = append(out, row)
	}
	return out, rows.Err()
}

// Count returns the number of rows in the predictions table.
func (s *Store) Count(ctx context.Context) (int, error) {
	var n int
	if err := s.q.QueryRowContext(ctx, countPredictionsSQL).Scan(&n); err != nil {
		return 0, fmt.Errorf("count %s: %w", TableName, err)
	}
	return n, nil
}

// TableExists reports whether the predictions table is present.
func (s *Store) TableExists(ctx context.Context) (bool, error) {
	var n int
	if err := s.q.QueryRowContext(ctx, tableExistsSQL, TableName).Scan(&n); err != nil {
		return false, fmt.Errorf("lookup table %s: %w", TableName, err)
	}
	return n > 0, nil
}
