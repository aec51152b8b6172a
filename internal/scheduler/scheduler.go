// Package scheduler runs the periodic background jobs of the billing daemon.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"time"

	"github.com/MarkoPoloResearchLab/billing/internal/lease"
	"github.com/MarkoPoloResearchLab/billing/pkg/ledger"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const jobLeasePrefix = "job:"

// ErrJobPanicked reports a job run that panicked. The job keeps its schedule.
var ErrJobPanicked = errors.New("scheduled job panicked")

// Job is one periodic task.
type Job struct {
	Name     string
	Interval time.Duration
	// Timeout bounds a single run; zero means the interval.
	Timeout time.Duration
	// RunAtStart runs the job once before the first tick.
	RunAtStart bool
	Run        func(ctx context.Context) error
}

// Observer receives the outcome of every run.
type Observer interface {
	ObserveJob(name string, duration time.Duration, err error)
}

// Option customizes a Runner.
type Option func(*Runner)

// WithLeases makes every run claim a lease named after the job, so only one
// daemon instance runs a job per interval.
func WithLeases(store lease.Store) Option {
	return func(runner *Runner) {
		runner.leases = store
	}
}

// WithObserver reports every run to observer.
func WithObserver(observer Observer) Option {
	return func(runner *Runner) {
		runner.observer = observer
	}
}

// Runner supervises a set of jobs.
type Runner struct {
	jobs     []Job
	leases   lease.Store
	observer Observer
	logger   *zap.Logger
}

// NewRunner validates jobs and returns a Runner.
func NewRunner(jobs []Job, logger *zap.Logger, options ...Option) (*Runner, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	seen := map[string]struct{}{}
	for _, job := range jobs {
		if job.Name == "" || job.Run == nil {
			return nil, fmt.Errorf("%w: job needs a name and a run function", ledger.ErrInvalidServiceConfig)
		}
		if job.Interval <= 0 {
			return nil, fmt.Errorf("%w: job %s needs a positive interval", ledger.ErrInvalidServiceConfig, job.Name)
		}
		if _, duplicate := seen[job.Name]; duplicate {
			return nil, fmt.Errorf("%w: job %s registered twice", ledger.ErrInvalidServiceConfig, job.Name)
		}
		seen[job.Name] = struct{}{}
	}
	runner := &Runner{jobs: jobs, logger: logger}
	for _, option := range options {
		if option != nil {
			option(runner)
		}
	}
	return runner, nil
}

// Run blocks until ctx is done. Job failures are logged and never stop the
// other jobs.
func (runner *Runner) Run(ctx context.Context) error {
	group, groupCtx := errgroup.WithContext(ctx)
	for _, job := range runner.jobs {
		job := job
		group.Go(func() error {
			runner.loop(groupCtx, job)
			return nil
		})
	}
	return group.Wait()
}

func (runner *Runner) loop(ctx context.Context, job Job) {
	runner.logger.Info("job scheduled", zap.String("job", job.Name), zap.Duration("interval", job.Interval))
	if job.RunAtStart {
		_ = runner.RunOnce(ctx, job)
	}
	ticker := time.NewTicker(job.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			runner.logger.Info("job stopped", zap.String("job", job.Name))
			return
		case <-ticker.C:
			_ = runner.RunOnce(ctx, job)
		}
	}
}

// RunOnce runs job a single time with its timeout, lease and panic guard.
// A lease held by another instance skips the run and returns nil.
func (runner *Runner) RunOnce(ctx context.Context, job Job) (err error) {
	timeout := job.Timeout
	if timeout <= 0 {
		timeout = job.Interval
	}
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	if runner.leases != nil {
		token, leaseErr := runner.leases.Acquire(runCtx, jobLeasePrefix+job.Name, job.Interval)
		if errors.Is(leaseErr, lease.ErrLeaseHeld) {
			runner.logger.Debug("job skipped, lease held elsewhere", zap.String("job", job.Name))
			return nil
		}
		if leaseErr != nil {
			runner.logger.Warn("job lease unavailable", zap.String("job", job.Name), zap.Error(leaseErr))
			return leaseErr
		}
		// Held until expiry on success; released on failure so another
		// instance may retry.
		defer func() {
			if err != nil {
				if releaseErr := runner.leases.Release(context.WithoutCancel(ctx), jobLeasePrefix+job.Name, token); releaseErr != nil {
					runner.logger.Warn("job lease release failed", zap.String("job", job.Name), zap.Error(releaseErr))
				}
			}
		}()
	}

	started := time.Now()
	defer func() {
		if recovered := recover(); recovered != nil {
			err = fmt.Errorf("%w: %v", ErrJobPanicked, recovered)
			runner.logger.Error("job panicked",
				zap.String("job", job.Name),
				zap.Any("panic", recovered),
				zap.ByteString("stack", debug.Stack()),
			)
		}
		duration := time.Since(started)
		if runner.observer != nil {
			runner.observer.ObserveJob(job.Name, duration, err)
		}
		if err != nil {
			runner.logger.Error("job failed", zap.String("job", job.Name), zap.Duration("duration", duration), zap.Error(err))
			return
		}
		runner.logger.Debug("job finished", zap.String("job", job.Name), zap.Duration("duration", duration))
	}()
	return job.Run(runCtx)
}
