// Package scheduler implements the job scheduler and runtime (C8): a
// declarative registry of named, interval-driven jobs, each run with a
// per-job timeout, same-job-id run coalescing, and a graceful shutdown
// drain window.
package scheduler

import (
	"context"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/aegiscore/vault/internal/telemetry"
)

// Job is one scheduled unit of work. Run should respect ctx's deadline —
// the scheduler cancels it once the job's Timeout elapses.
type Job struct {
	Name     string
	Interval time.Duration
	Timeout  time.Duration
	RunOnce  bool // one-shot job (e.g. token_migration), not re-ticked
	Run      func(ctx context.Context) error
}

// Scheduler drives a fixed set of registered jobs on independent tickers.
type Scheduler struct {
	logger        *slog.Logger
	jobs          []Job
	defaultTimeout time.Duration
	group         singleflight.Group
	drain         time.Duration
}

// New builds a scheduler. defaultTimeout backs any Job with Timeout unset.
// drain bounds how long Run waits for in-flight runs after ctx is cancelled.
func New(logger *slog.Logger, defaultTimeout, drain time.Duration) *Scheduler {
	return &Scheduler{logger: logger, defaultTimeout: defaultTimeout, drain: drain}
}

// Register adds a job to the scheduler. Must be called before Run.
func (s *Scheduler) Register(j Job) {
	if j.Timeout == 0 {
		j.Timeout = s.defaultTimeout
	}
	s.jobs = append(s.jobs, j)
}

// Run starts every registered job on its own ticker (run-once jobs fire
// immediately and exit) and blocks until ctx is cancelled, then waits up to
// the configured drain window for in-flight runs to finish.
func (s *Scheduler) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)

	for _, job := range s.jobs {
		job := job
		if job.RunOnce {
			g.Go(func() error {
				s.execute(gctx, job)
				return nil
			})
			continue
		}
		g.Go(func() error {
			s.loop(gctx, job)
			return nil
		})
	}

	done := make(chan error, 1)
	go func() { done <- g.Wait() }()

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
	}

	// The drain clock starts now, at shutdown, not at Run's own startup —
	// jobs get up to s.drain past cancellation to finish in flight.
	select {
	case err := <-done:
		return err
	case <-time.After(s.drain):
		s.logger.Warn("scheduler drain window elapsed with jobs still running")
		return nil
	}
}

func (s *Scheduler) loop(ctx context.Context, job Job) {
	s.logger.Info("scheduler job started", "job", job.Name, "interval", job.Interval)

	s.execute(ctx, job)

	ticker := time.NewTicker(job.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("scheduler job stopped", "job", job.Name)
			return
		case <-ticker.C:
			s.execute(ctx, job)
		}
	}
}

// execute coalesces concurrent invocations of the same job id — if a run is
// already in flight when the ticker fires again, the new tick is a no-op
// (spec §4.8's "same-job-id runs never overlap").
func (s *Scheduler) execute(ctx context.Context, job Job) {
	_, err, shared := s.group.Do(job.Name, func() (any, error) {
		runCtx, cancel := context.WithTimeout(ctx, job.Timeout)
		defer cancel()

		start := time.Now()
		runErr := job.Run(runCtx)
		telemetry.JobDuration.WithLabelValues(job.Name).Observe(time.Since(start).Seconds())

		status := "ok"
		if runErr != nil {
			status = "error"
		}
		telemetry.JobExecutionsTotal.WithLabelValues(job.Name, status).Inc()

		return nil, runErr
	})

	if shared {
		s.logger.Debug("scheduler job run coalesced with an in-flight run", "job", job.Name)
	}
	if err != nil {
		s.logger.Error("scheduler job failed", "job", job.Name, "error", err)
	}
}
