package scheduler

import (
	"context"
	"errors"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/go-co-op/gocron"

	"github.com/tempmonitor/forecast-etl/internal/pipeline"
)

// Runner executes one import run.
type Runner interface {
	Run(ctx context.Context, opts pipeline.Options) (pipeline.Result, error)
}

// Scheduler repeats import runs at a fixed interval. Runs never overlap: a
// tick that fires while a run is in progress is dropped, not queued, and the
// next run waits for the following tick.
type Scheduler struct {
	scheduler *gocron.Scheduler
	runner    Runner
	interval  time.Duration
	recreate  atomic.Bool
	logger    *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
}

// New creates a Scheduler. recreate applies to the first run only.
func New(runner Runner, interval time.Duration, recreate bool, logger *slog.Logger) *Scheduler {
	sched := gocron.NewScheduler(time.UTC)
	sched.SetMaxConcurrentJobs(1, gocron.RescheduleMode)

	s := &Scheduler{
		scheduler: sched,
		runner:    runner,
		interval:  interval,
		logger:    logger,
	}
	s.recreate.Store(recreate)
	return s
}

// Start schedules the import job and starts the underlying scheduler. The
// first run starts immediately. Runs are cancelled when ctx is done or Stop
// is called.
func (s *Scheduler) Start(ctx context.Context) error {
	if s.interval <= 0 {
		return errors.New("schedule interval must be positive")
	}
	s.ctx, s.cancel = context.WithCancel(ctx)

	_, err := s.scheduler.Every(s.interval).Do(s.runOnce)
	if err != nil {
		s.cancel()
		return err
	}

	s.logger.Info("scheduler started", "interval", s.interval)
	s.scheduler.StartAsync()
	return nil
}

// Stop cancels any in-flight run and waits for the scheduler to halt.
func (s *Scheduler) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	s.scheduler.Stop()
}

func (s *Scheduler) runOnce() {
	if s.ctx.Err() != nil {
		return
	}
	opts := pipeline.Options{Recreate: s.recreate.Swap(false)}
	res, err := s.runner.Run(s.ctx, opts)
	if err != nil {
		s.logger.Error("scheduled run failed", "error", err)
		return
	}
	s.logger.Info("scheduled run complete", "rows", res.Inserted, "next_run", s.nextRun())
}

func (s *Scheduler) nextRun() string {
	_, next := s.scheduler.NextRun()
	if next.IsZero() {
		return ""
	}
	return next.Format(time.RFC3339)
}
