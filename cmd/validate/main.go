// Command validate cross-checks a predictions database against the forecast
// document it was imported from. It verifies the latest run's row count,
// observation times, temperatures, and ingestion timestamp.
//
// Usage:
//
//	go run ./cmd/validate \
//	  -db forecast.db \
//	  -doc testdata/response.json
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/tempmonitor/forecast-etl/internal/domain"
	"github.com/tempmonitor/forecast-etl/internal/store"
)

// phase tracks pass/fail for a validation phase.
type phase struct {
	name   string
	errors []string
}

func (p *phase) errorf(format string, args ...any) {
	p.errors = append(p.errors, fmt.Sprintf(format, args...))
}

func (p *phase) passed() bool { return len(p.errors) == 0 }

func main() {
	dbPath := flag.String("db", "", "path to the predictions SQLite database")
	docPath := flag.String("doc", "", "path to the DataPoint JSON document that was imported")
	flag.Parse()

	if *dbPath == "" || *docPath == "" {
		flag.Usage()
		os.Exit(1)
	}

	if code := run(context.Background(), *dbPath, *docPath, os.Stdout); code != 0 {
		os.Exit(code)
	}
}

func run(ctx context.Context, dbPath, docPath string, out io.Writer) int {
	fmt.Fprintln(out, "=== Forecast Import Validation ===")
	fmt.Fprintln(out)

	data, err := os.ReadFile(docPath)
	if err != nil {
		fmt.Fprintf(out, "FATAL: read document: %v\n", err)
		return 1
	}
	// The ingestion time is not known here, so expected readings carry a
	// zero one and only observation time and temperature are compared.
	expected, err := domain.ParseDocument(data, time.Time{})
	if err != nil {
		fmt.Fprintf(out, "FATAL: parse document: %v\n", err)
		return 1
	}

	st, err := store.Open(ctx, store.Options{Path: dbPath, BusyTimeout: time.Second, ReadOnly: true},
		slog.New(slog.NewTextHandler(io.Discard, nil)))
	if err != nil {
		fmt.Fprintf(out, "FATAL: open database: %v\n", err)
		return 1
	}
	defer st.Close()

	exists, err := st.TableExists(ctx)
	if err != nil {
		fmt.Fprintf(out, "FATAL: inspect database: %v\n", err)
		return 1
	}
	if !exists {
		fmt.Fprintf(out, "FATAL: %s has no %s table\n", dbPath, store.TableName)
		return 1
	}
	rows, err := st.Readings(ctx)
	if err != nil {
		fmt.Fprintf(out, "FATAL: read rows: %v\n", err)
		return 1
	}

	latest := latestRun(rows, len(expected))
	phases := []*phase{
		validateCount(rows, expected),
		validateSeries(latest, expected),
		validateIngestion(rows, latest),
	}

	allPassed := true
	for _, p := range phases {
		status := "\033[32mPASS\033[0m"
		if !p.passed() {
			status = fmt.Sprintf("\033[31mFAIL (%d errors)\033[0m", len(p.errors))
			allPassed = false
		}
		fmt.Fprintf(out, "  %-42s %s\n", p.name, status)
	}

	fmt.Fprintln(out)
	fmt.Fprintf(out, "Rows: %d in table, %d expected per run\n", len(rows), len(expected))

	for _, p := range phases {
		if p.passed() {
			continue
		}
		fmt.Fprintf(out, "\n--- %s ---\n", p.name)
		for i, e := range p.errors {
			fmt.Fprintf(out, "  [%d] %s\n", i+1, e)
		}
	}

	if allPassed {
		fmt.Fprintln(out, "\nAll validations passed.")
		return 0
	}
	fmt.Fprintln(out, "\nValidation FAILED.")
	return 1
}

// latestRun returns the last n rows by id, the rows written by the most
// recent import of the document.
func latestRun(rows []store.Row, n int) []store.Row {
	if n > len(rows) {
		return rows
	}
	return rows[len(rows)-n:]
}

func validateCount(rows []store.Row, expected []domain.Reading) *phase {
	p := &phase{name: "Row count"}
	switch {
	case len(rows) < len(expected):
		p.errorf("table has %d rows, document has %d reps", len(rows), len(expected))
	case len(expected) > 0 && len(rows)%len(expected) != 0:
		p.errorf("table has %d rows, not a whole number of %d-rep runs", len(rows), len(expected))
	}
	return p
}

func validateSeries(latest []store.Row, expected []domain.Reading) *phase {
	p := &phase{name: "Observation times and temperatures"}
	if len(latest) != len(expected) {
		p.errorf("latest run has %d rows, expected %d", len(latest), len(expected))
		return p
	}
	for i, row := range latest {
		want := expected[i]
		if !row.ObservationTime.Equal(want.ObservationTime) {
			p.errorf("row id %d: observation time %s, expected %s",
				row.ID, row.ObservationTime.Format(time.RFC3339), want.ObservationTime.Format(time.RFC3339))
		}
		if row.Temperature != want.Temperature {
			p.errorf("row id %d: temperature %d, expected %d", row.ID, row.Temperature, want.Temperature)
		}
		if i > 0 && row.ObservationTime.Before(latest[i-1].ObservationTime) {
			p.errorf("row id %d: observation time before previous row", row.ID)
		}
	}
	return p
}

func validateIngestion(all, latest []store.Row) *phase {
	p := &phase{name: "Ingestion timestamp"}
	if len(latest) == 0 {
		return p
	}
	stamp := latest[0].IngestionTime
	for _, row := range latest[1:] {
		if !row.IngestionTime.Equal(stamp) {
			p.errorf("row id %d: ingestion time %s differs from run's %s",
				row.ID, row.IngestionTime.Format(time.RFC3339), stamp.Format(time.RFC3339))
		}
	}
	for _, row := range all[:len(all)-len(latest)] {
		if row.IngestionTime.After(stamp) {
			p.errorf("row id %d: earlier row has later ingestion time %s", row.ID, row.IngestionTime.Format(time.RFC3339))
		}
	}
	return p
}
