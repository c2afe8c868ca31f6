// Command tempmonitor imports a Met Office DataPoint 3-hourly site forecast
// into a SQLite predictions table.
//
// Usage:
//
//	tempmonitor [-R] [-fixture path] [-ingested-at RFC3339] [-schedule dur] <output.db>
//
// With no schedule it performs a single run and exits non-zero on failure.
// With a schedule it keeps running, serving /healthz, /readyz and /metrics.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/tempmonitor/forecast-etl/internal/adapter/datapoint"
	httpadapter "github.com/tempmonitor/forecast-etl/internal/adapter/http"
	kafkaadapter "github.com/tempmonitor/forecast-etl/internal/adapter/kafka"
	"github.com/tempmonitor/forecast-etl/internal/config"
	"github.com/tempmonitor/forecast-etl/internal/domain"
	"github.com/tempmonitor/forecast-etl/internal/observability"
	"github.com/tempmonitor/forecast-etl/internal/pipeline"
	"github.com/tempmonitor/forecast-etl/internal/scheduler"
	"github.com/tempmonitor/forecast-etl/internal/store"
)

const (
	exitOK    = 0
	exitError = 1
	exitUsage = 2
)

func main() {
	os.Exit(run(os.Args[1:], os.Stderr))
}

func run(args []string, stderr io.Writer) int {
	// A missing .env file is normal outside development.
	_ = godotenv.Load()

	opts, err := parseArgs(args, stderr)
	if errors.Is(err, flag.ErrHelp) {
		return exitOK
	}
	if err != nil {
		fmt.Fprintln(stderr, err)
		return exitUsage
	}

	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load config", "error", err)
		return exitError
	}
	opts.apply(cfg)
	if err := cfg.ValidateSource(); err != nil {
		slog.Error("invalid source configuration", "error", err)
		return exitError
	}

	logger := observability.NewLogger(cfg)
	metrics := observability.NewMetrics()

	if !opts.ingestedAt.IsZero() {
		domain.SetClock(clockwork.NewFakeClockAt(opts.ingestedAt))
		defer domain.SetClock(nil)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	st, err := store.Open(ctx, store.Options{Path: opts.output, BusyTimeout: cfg.SQLiteBusyTimeout}, logger)
	if err != nil {
		logger.Error("failed to open store", "error", err, "path", opts.output)
		return exitError
	}
	defer func() {
		if err := st.Close(); err != nil {
			logger.Error("store close error", "error", err)
		}
	}()

	var publisher pipeline.Publisher
	if cfg.KafkaEnabled() {
		w := kafkaadapter.NewWriter(cfg.KafkaBrokers, cfg.KafkaTopic, logger)
		defer func() {
			if err := w.Close(); err != nil {
				logger.Error("kafka writer close error", "error", err)
			}
		}()
		publisher = w
		logger.Info("kafka publishing enabled", "topic", cfg.KafkaTopic)
	}

	p := pipeline.New(newSource(cfg, metrics, logger), st, publisher, logger, metrics)

	if cfg.ScheduleInterval == 0 {
		if _, err := p.Run(ctx, pipeline.Options{Recreate: opts.recreate}); err != nil {
			return exitError
		}
		return exitOK
	}
	return serve(ctx, cfg, p, opts.recreate, logger)
}

// serve runs the pipeline on a schedule alongside the HTTP server until a
// shutdown signal arrives.
func serve(ctx context.Context, cfg *config.Config, p *pipeline.Pipeline, recreate bool, logger *slog.Logger) int {
	p.SetStaleAfter(2 * cfg.ScheduleInterval)
	srv := httpadapter.NewServer(cfg.HTTPAddr, p, prometheus.DefaultGatherer, logger)
	go func() {
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server error", "error", err)
		}
	}()

	sched := scheduler.New(p, cfg.ScheduleInterval, recreate, logger)
	if err := sched.Start(ctx); err != nil {
		logger.Error("failed to start scheduler", "error", err)
		return exitError
	}

	<-ctx.Done()
	logger.Info("shutting down")

	sched.Stop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("http server shutdown error", "error", err)
	}

	logger.Info("shutdown complete")
	return exitOK
}

func newSource(cfg *config.Config, metrics *observability.Metrics, logger *slog.Logger) pipeline.Source {
	if cfg.FixturePath != "" {
		logger.Info("reading forecast from fixture", "path", cfg.FixturePath)
		return datapoint.NewFileSource(cfg.FixturePath)
	}
	return datapoint.NewClient(datapoint.ClientConfig{
		APIKey:     cfg.DataPointAPIKey,
		LocationID: cfg.DataPointLocationID,
		BaseURL:    cfg.DataPointBaseURL,
		Resolution: cfg.DataPointResolution,
		Timeout:    cfg.DataPointTimeout,
		RateLimit:  cfg.DataPointRateLimit,
	}, metrics, logger)
}

// cliOptions holds command-line settings. Flags override the matching
// environment variables.
type cliOptions struct {
	output     string
	recreate   bool
	fixture    string
	ingestedAt time.Time
	schedule   time.Duration
}

func parseArgs(args []string, stderr io.Writer) (cliOptions, error) {
	var (
		opts       cliOptions
		ingestedAt string
	)

	fs := flag.NewFlagSet("tempmonitor", flag.ContinueOnError)
	fs.SetOutput(stderr)
	fs.BoolVar(&opts.recreate, "R", false, "drop and recreate the predictions table before inserting")
	fs.BoolVar(&opts.recreate, "recreate", false, "same as -R")
	fs.StringVar(&opts.fixture, "fixture", "", "read the forecast document from this file instead of DataPoint")
	fs.StringVar(&ingestedAt, "ingested-at", "", "fixed RFC 3339 ingestion time for every row")
	fs.DurationVar(&opts.schedule, "schedule", 0, "repeat the import at this interval (0 runs once)")
	fs.Usage = func() {
		fmt.Fprintln(fs.Output(), "usage: tempmonitor [flags] <output.db>")
		fs.PrintDefaults()
	}

	if err := fs.Parse(args); err != nil {
		return cliOptions{}, err
	}
	if fs.NArg() != 1 {
		fs.Usage()
		return cliOptions{}, errors.New("exactly one output path is required")
	}
	opts.output = fs.Arg(0)

	if opts.schedule < 0 {
		return cliOptions{}, errors.New("-schedule must not be negative")
	}
	if ingestedAt != "" {
		t, err := time.Parse(time.RFC3339, ingestedAt)
		if err != nil {
			return cliOptions{}, fmt.Errorf("invalid -ingested-at: %w", err)
		}
		opts.ingestedAt = t.UTC()
	}
	return opts, nil
}

// apply overrides configuration with any flags that were set.
func (o cliOptions) apply(cfg *config.Config) {
	if o.fixture != "" {
		cfg.FixturePath = o.fixture
	}
	if o.schedule > 0 {
		cfg.ScheduleInterval = o.schedule
	}
}
