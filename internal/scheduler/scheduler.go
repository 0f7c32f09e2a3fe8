// Package scheduler registers pipeline work with a cron runner. The
// pipeline itself stays trigger-agnostic: each registered callback is a
// bounded dispatch cycle that is safe to fire from cron, HTTP, or the CLI.
package scheduler

import (
	"context"
	"log/slog"

	"github.com/robfig/cron/v3"
)

// Scheduler wraps a cron instance with context-aware jobs.
type Scheduler struct {
	cron   *cron.Cron
	logger *slog.Logger
}

// New constructs a Scheduler.
func New(logger *slog.Logger) *Scheduler {
	return &Scheduler{
		cron:   cron.New(cron.WithParser(cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor))),
		logger: logger,
	}
}

// Register schedules fn under the cron spec (standard five-field specs and
// descriptors like "@every 1m"). The job's error is logged, not fatal: a
// failed cycle simply waits for the next tick.
func (s *Scheduler) Register(ctx context.Context, spec, name string, fn func(context.Context) error) error {
	_, err := s.cron.AddFunc(spec, func() {
		if err := fn(ctx); err != nil {
			s.logger.Error("scheduled job failed", slog.String("job", name), slog.Any("error", err))
		}
	})
	return err
}

// Start launches the cron loop in its own goroutine.
func (s *Scheduler) Start() {
	s.cron.Start()
}

// Stop halts scheduling and waits for running jobs to finish.
func (s *Scheduler) Stop() {
	<-s.cron.Stop().Done()
}
