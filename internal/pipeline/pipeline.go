package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/tempmonitor/forecast-etl/internal/domain"
	"github.com/tempmonitor/forecast-etl/internal/observability"
	"github.com/tempmonitor/forecast-etl/internal/store"
)

// Source produces the raw bytes of one forecast document.
type Source interface {
	Name() string
	Fetch(ctx context.Context) ([]byte, error)
}

// Publisher forwards committed readings downstream.
type Publisher interface {
	Publish(ctx context.Context, locationID string, readings []domain.Reading) error
}

// Options control a single run.
type Options struct {
	// Recreate drops and recreates the predictions table inside the run's
	// transaction before inserting.
	Recreate bool
}

// Result describes a committed run.
type Result struct {
	Inserted   int
	IngestedAt time.Time
}

// LastRun describes the most recent committed run.
type LastRun struct {
	LocationID string    `json:"location_id"`
	IngestedAt time.Time `json:"ingestion_time"`
	Rows       int       `json:"rows"`
}

// Pipeline orchestrates one fetch-parse-store run.
type Pipeline struct {
	source     Source
	store      *store.Store
	publisher  Publisher
	logger     *slog.Logger
	metrics    *observability.Metrics
	last       atomic.Pointer[LastRun]
	staleAfter time.Duration
}

// New creates a Pipeline. publisher may be nil to disable publishing.
func New(source Source, st *store.Store, publisher Publisher, logger *slog.Logger, metrics *observability.Metrics) *Pipeline {
	return &Pipeline{
		source:    source,
		store:     st,
		publisher: publisher,
		logger:    logger,
		metrics:   metrics,
	}
}

// SetStaleAfter makes CheckReadiness fail once the last committed run is
// older than d. Zero disables the check. Call it before the first Run.
func (p *Pipeline) SetStaleAfter(d time.Duration) {
	p.staleAfter = d
}

// LastRun returns the most recent committed run, if any.
func (p *Pipeline) LastRun() (LastRun, bool) {
	last := p.last.Load()
	if last == nil {
		return LastRun{}, false
	}
	return *last, true
}

// CheckReadiness returns nil once a run has committed and, when a stale
// limit is set, that run is recent enough.
func (p *Pipeline) CheckReadiness(_ context.Context) error {
	last := p.last.Load()
	if last == nil {
		return errors.New("no run has committed yet")
	}
	if p.staleAfter > 0 {
		if age := domain.Now().Sub(last.IngestedAt); age > p.staleAfter {
			return fmt.Errorf("last committed run at %s is %s old (limit %s)",
				last.IngestedAt.Format(time.RFC3339), age.Truncate(time.Second), p.staleAfter)
		}
	}
	return nil
}

// Run fetches the document, derives its readings, and stores them in a
// single transaction. On any error the predictions table is left as it was
// before the run. Committed readings are then handed to the publisher; a
// publish failure is returned but does not undo the commit.
func (p *Pipeline) Run(ctx context.Context, opts Options) (Result, error) {
	start := time.Now()
	p.metrics.PipelineRunning.Set(1)
	defer func() {
		p.metrics.RunDuration.Observe(time.Since(start).Seconds())
		p.metrics.PipelineRunning.Set(0)
	}()

	ingestedAt := domain.IngestionTime()
	log := p.logger.With("source", p.source.Name(), "ingestion_time", ingestedAt.Format(time.RFC3339))
	log.Info("run started", "recreate", opts.Recreate)

	readings, locationID, err := p.load(ctx, opts, ingestedAt)
	if err != nil {
		p.metrics.RunsTotal.WithLabelValues("error").Inc()
		log.Error("run failed", "error", err)
		return Result{IngestedAt: ingestedAt}, err
	}

	p.metrics.RunsTotal.WithLabelValues("success").Inc()
	p.metrics.RowsInserted.Add(float64(len(readings)))
	p.metrics.LastSuccess.SetToCurrentTime()
	p.last.Store(&LastRun{LocationID: locationID, IngestedAt: ingestedAt, Rows: len(readings)})
	log.Info("run committed", "location_id", locationID, "rows", len(readings))

	res := Result{Inserted: len(readings), IngestedAt: ingestedAt}
	if p.publisher == nil || len(readings) == 0 {
		return res, nil
	}
	if err := p.publisher.Publish(ctx, locationID, readings); err != nil {
		p.metrics.PublishErrors.Inc()
		log.Error("publish failed", "error", err, "readings", len(readings))
		return res, fmt.Errorf("publish: %w", err)
	}
	p.metrics.ReadingsPublished.Add(float64(len(readings)))
	return res, nil
}

// load runs the fetch, decode, and transactional insert steps and returns
// the committed readings.
func (p *Pipeline) load(ctx context.Context, opts Options, ingestedAt time.Time) ([]domain.Reading, string, error) {
	data, err := p.source.Fetch(ctx)
	if err != nil {
		return nil, "", fmt.Errorf("fetch: %w", err)
	}

	doc, err := domain.Decode(data)
	if err != nil {
		return nil, "", err
	}

	readings := make([]domain.Reading, 0, doc.RepCount())
	err = p.store.InTx(ctx, func(tx *store.Store) error {
		if opts.Recreate {
			if err := tx.RecreateSchema(ctx); err != nil {
				return err
			}
		}
		if err := tx.EnsureSchema(ctx); err != nil {
			return err
		}
		for r, err := range domain.Readings(doc, ingestedAt) {
			if err != nil {
				return err
			}
			p.metrics.ReadingsParsed.Inc()
			if err := tx.Insert(ctx, r); err != nil {
				return err
			}
			readings = append(readings, r)
		}
		return nil
	})
	if err != nil {
		return nil, "", err
	}
	return readings, doc.LocationID(), nil
}
