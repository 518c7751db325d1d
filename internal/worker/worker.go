// Package worker claims sync jobs, holds their lease while the watermark
// protocol runs against a source adapter, and commits the result.
package worker

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.uber.org/zap"

	"github.com/leejennwah/scm-sync/internal/breaker"
	"github.com/leejennwah/scm-sync/internal/clock"
	"github.com/leejennwah/scm-sync/internal/cursor"
	"github.com/leejennwah/scm-sync/internal/job"
	"github.com/leejennwah/scm-sync/internal/metrics"
	"github.com/leejennwah/scm-sync/internal/retry"
	"github.com/leejennwah/scm-sync/internal/scm"
)

var tracer = otel.Tracer("scm-sync/worker")

// Config holds worker configuration.
type Config struct {
	WorkerID         string
	JobTypes         []scm.JobType
	Lease            time.Duration
	RenewInterval    time.Duration
	MaxRenewFailures int
	BatchSize        int
	// Policy applies to jobs that do not carry their own.
	Policy       scm.Policy
	Overlap      cursor.Overlap
	PollInterval time.Duration
	// MaxConsecutiveSameTenant caps back-to-back claims from one tenant.
	// Zero disables the cap.
	MaxConsecutiveSameTenant int
	// MaxTenantsPerRound caps the distinct tenants served per polling round.
	// Zero disables the cap.
	MaxTenantsPerRound int
	Bulk               scm.BulkThresholds
}

// DefaultConfig returns sensible worker defaults.
func DefaultConfig() Config {
	return Config{
		WorkerID:                 fmt.Sprintf("worker-%s", uuid.New().String()[:8]),
		Lease:                    120 * time.Second,
		RenewInterval:            30 * time.Second,
		MaxRenewFailures:         3,
		BatchSize:                100,
		Policy:                   scm.PolicyStrict,
		PollInterval:             5 * time.Second,
		MaxConsecutiveSameTenant: 3,
		Bulk:                     scm.DefaultBulkThresholds(),
	}
}

// Worker executes sync jobs one at a time. Run many workers for parallelism.
type Worker struct {
	repos    scm.Registry
	jobs     job.Repository
	cursors  *cursor.Cursors
	breakers *breaker.Controller
	adapters scm.Adapters
	ledger   scm.Ledger
	clock    clock.Clock
	backoff  *retry.Policy
	metrics  *metrics.Metrics
	logger   *zap.Logger
	cfg      Config
	picker   *picker
	waker    Waker
}

// Waker blocks an idle worker until new work may be claimable or the
// timeout passes.
type Waker interface {
	Wait(ctx context.Context, jobTypes []scm.JobType, timeout time.Duration) error
}

// New creates a worker.
func New(
	repos scm.Registry,
	jobs job.Repository,
	cursors *cursor.Cursors,
	breakers *breaker.Controller,
	adapters scm.Adapters,
	ledger scm.Ledger,
	clk clock.Clock,
	m *metrics.Metrics,
	logger *zap.Logger,
	cfg Config,
) *Worker {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	if cfg.Policy == "" {
		cfg.Policy = scm.PolicyStrict
	}
	return &Worker{
		repos:    repos,
		jobs:     jobs,
		cursors:  cursors,
		breakers: breakers,
		adapters: adapters,
		ledger:   ledger,
		clock:    clk,
		backoff:  retry.DefaultPolicy(),
		metrics:  m,
		logger:   logger.With(zap.String("worker_id", cfg.WorkerID)),
		cfg:      cfg,
		picker:   newPicker(cfg.MaxConsecutiveSameTenant, cfg.MaxTenantsPerRound),
	}
}

// SetWaker replaces the fixed idle poll with wk. The poll interval stays the
// upper bound on the wait.
func (w *Worker) SetWaker(wk Waker) {
	w.waker = wk
}

// ID returns the worker id used as lease holder.
func (w *Worker) ID() string {
	return w.cfg.WorkerID
}

// Run polls for jobs until the context is cancelled. Store errors back off
// exponentially; an empty queue waits PollInterval.
func (w *Worker) Run(ctx context.Context) error {
	w.logger.Info("worker started")
	failures := 0
	for {
		if ctx.Err() != nil {
			w.logger.Info("worker shutting down")
			return nil
		}

		rep, err := w.RunOnce(ctx)
		switch {
		case err != nil && ctx.Err() == nil:
			failures++
			w.logger.Error("run once failed", zap.Int("consecutive_failures", failures), zap.Error(err))
			_ = w.backoff.Wait(ctx, failures)
		case rep == nil:
			failures = 0
			w.idle(ctx)
		default:
			failures = 0
		}
	}
}

// RunOnce claims and executes at most one job. It returns a nil report when
// nothing was claimable.
func (w *Worker) RunOnce(ctx context.Context) (*Report, error) {
	claim, err := w.claim(ctx)
	if err != nil {
		return nil, err
	}
	if claim == nil {
		return nil, nil
	}
	return w.execute(ctx, claim)
}

// ExecuteJob claims the given pending job and executes it under the normal
// lease protocol. It returns job.ErrJobNotFound when the job is not pending.
func (w *Worker) ExecuteJob(ctx context.Context, id uuid.UUID) (*Report, error) {
	now := w.clock.Now()
	claim, err := w.jobs.Claim(ctx, job.ClaimRequest{
		WorkerID: w.cfg.WorkerID,
		JobID:    &id,
		Lease:    w.cfg.Lease,
		Now:      now,
	})
	if err != nil {
		return nil, fmt.Errorf("claim job %s: %w", id, err)
	}
	if claim == nil {
		return nil, fmt.Errorf("%w: %s is not pending", job.ErrJobNotFound, id)
	}
	return w.execute(ctx, claim)
}

// claim runs the tenant-fair picker against the queue. A restricted claim
// that finds nothing starts a new round, and finally falls back to an
// unrestricted claim so a lone tenant is never starved.
func (w *Worker) claim(ctx context.Context) (*job.Claim, error) {
	attempts := w.picker.filters()
	for _, f := range attempts {
		now := w.clock.Now()
		c, err := w.jobs.Claim(ctx, job.ClaimRequest{
			WorkerID:       w.cfg.WorkerID,
			JobTypes:       w.cfg.JobTypes,
			Tenants:        f.include,
			ExcludeTenants: f.exclude,
			Lease:          w.cfg.Lease,
			Now:            now,
		})
		if err != nil {
			return nil, fmt.Errorf("claim: %w", err)
		}
		if c != nil {
			w.picker.record(c.Job.TenantKey)
			return c, nil
		}
	}
	w.picker.idle()
	return nil, nil
}

func (w *Worker) idle(ctx context.Context) {
	if w.waker == nil {
		w.sleep(ctx, w.cfg.PollInterval)
		return
	}
	if err := w.waker.Wait(ctx, w.cfg.JobTypes, w.cfg.PollInterval); err != nil {
		w.logger.Warn("wake wait failed, polling", zap.Error(err))
		w.sleep(ctx, w.cfg.PollInterval)
	}
}

func (w *Worker) sleep(ctx context.Context, d time.Duration) {
	if d <= 0 {
		return
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
