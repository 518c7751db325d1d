// Package reaper reclaims runs whose worker stopped renewing the lease, and
// runs that exceeded the absolute run time cap.
package reaper

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/leejennwah/scm-sync/internal/breaker"
	"github.com/leejennwah/scm-sync/internal/clock"
	"github.com/leejennwah/scm-sync/internal/job"
	"github.com/leejennwah/scm-sync/internal/metrics"
	"github.com/leejennwah/scm-sync/internal/scm"
)

var tracer = otel.Tracer("scm-sync/reaper")

// Config holds reaper configuration.
type Config struct {
	Interval time.Duration
	// Grace is how long past lease expiry a run is left alone.
	Grace time.Duration
	// RunMax caps total run time regardless of lease state.
	RunMax time.Duration
	Policy job.ReclaimPolicy
	// Limit bounds the runs handled per sweep.
	Limit int
}

// DefaultConfig returns sensible reaper defaults.
func DefaultConfig() Config {
	return Config{
		Interval: 60 * time.Second,
		Grace:    30 * time.Second,
		RunMax:   time.Hour,
		Policy:   job.ReclaimToPending,
		Limit:    100,
	}
}

// Reclaim describes one stale run found by a sweep.
type Reclaim struct {
	RunID          uuid.UUID         `json:"run_id"`
	JobID          uuid.UUID         `json:"job_id"`
	RepoID         string            `json:"repo_id"`
	JobType        scm.JobType       `json:"job_type"`
	WorkerID       string            `json:"worker_id"`
	LeaseExpiresAt time.Time         `json:"lease_expires_at"`
	StartedAt      time.Time         `json:"started_at"`
	Reason         string            `json:"reason"`
	Policy         job.ReclaimPolicy `json:"policy"`
	// Reclaimed is false in dry runs and when the run changed under us.
	Reclaimed bool `json:"reclaimed"`
}

// SweepReport is the result of one sweep.
type SweepReport struct {
	At        time.Time `json:"at"`
	DryRun    bool      `json:"dry_run"`
	Reclaimed int       `json:"reclaimed"`
	// Raced counts runs renewed or finished between listing and reclaim.
	Raced int       `json:"raced"`
	Runs  []Reclaim `json:"runs"`
}

// Reaper sweeps the job queue for abandoned runs.
type Reaper struct {
	jobs     job.Repository
	breakers *breaker.Controller
	clock    clock.Clock
	metrics  *metrics.Metrics
	logger   *zap.Logger
	cfg      Config
}

// New creates a reaper.
func New(jobs job.Repository, breakers *breaker.Controller, clk clock.Clock, m *metrics.Metrics, logger *zap.Logger, cfg Config) *Reaper {
	if cfg.Limit <= 0 {
		cfg.Limit = 100
	}
	if !cfg.Policy.Valid() {
		cfg.Policy = job.ReclaimToPending
	}
	return &Reaper{
		jobs:     jobs,
		breakers: breakers,
		clock:    clk,
		metrics:  m,
		logger:   logger,
		cfg:      cfg,
	}
}

// Run sweeps every Interval until the context is cancelled.
func (r *Reaper) Run(ctx context.Context) error {
	r.logger.Info("reaper started",
		zap.Duration("interval", r.cfg.Interval),
		zap.Duration("grace", r.cfg.Grace),
		zap.Duration("run_max", r.cfg.RunMax),
		zap.String("policy", string(r.cfg.Policy)),
	)
	ticker := time.NewTicker(r.cfg.Interval)
	defer ticker.Stop()

	for {
		if _, err := r.Sweep(ctx, false); err != nil && ctx.Err() == nil {
			r.logger.Error("sweep failed", zap.Error(err))
		}
		select {
		case <-ctx.Done():
			r.logger.Info("reaper shutting down")
			return nil
		case <-ticker.C:
		}
	}
}

// Sweep reclaims every stale run once. Each reclaim is a compare-and-set on
// the lease observed while listing, so a worker renewing concurrently wins.
func (r *Reaper) Sweep(ctx context.Context, dryRun bool) (*SweepReport, error) {
	ctx, span := tracer.Start(ctx, "reaper.sweep",
		trace.WithAttributes(attribute.Bool("sweep.dry_run", dryRun)),
	)
	defer span.End()

	now := r.clock.Now()
	leaseCutoff := now.Add(-r.cfg.Grace)
	startedCutoff := now.Add(-r.cfg.RunMax)
	if r.cfg.RunMax <= 0 {
		startedCutoff = time.Time{}
	}

	runs, err := r.jobs.ListStaleRuns(ctx, leaseCutoff, startedCutoff, r.cfg.Limit)
	if err != nil {
		return nil, fmt.Errorf("list stale runs: %w", err)
	}

	report := &SweepReport{At: now, DryRun: dryRun, Runs: []Reclaim{}}
	for _, run := range runs {
		reason := ""
		switch {
		case r.cfg.RunMax > 0 && run.StartedAt.Before(startedCutoff):
			reason = job.FailReapedRunaway
		case run.LeaseExpiresAt.Before(leaseCutoff):
			reason = job.FailReapedExpired
		default:
			continue
		}

		rc := Reclaim{
			RunID:          run.ID,
			JobID:          run.JobID,
			RepoID:         run.RepoID,
			JobType:        run.JobType,
			WorkerID:       run.WorkerID,
			LeaseExpiresAt: run.LeaseExpiresAt,
			StartedAt:      run.StartedAt,
			Reason:         reason,
			Policy:         r.cfg.Policy,
		}
		if dryRun {
			report.Runs = append(report.Runs, rc)
			continue
		}

		ok, err := r.jobs.ReclaimRun(ctx, run, r.cfg.Policy, reason, now)
		if err != nil {
			return report, fmt.Errorf("reclaim run %s: %w", run.ID, err)
		}
		if !ok {
			report.Raced++
			r.logger.Debug("run changed before reclaim", zap.String("run_id", run.ID.String()))
			report.Runs = append(report.Runs, rc)
			continue
		}

		rc.Reclaimed = true
		report.Reclaimed++
		report.Runs = append(report.Runs, rc)
		r.metrics.RunsReclaimed.WithLabelValues(reason, string(r.cfg.Policy)).Inc()
		r.logger.Warn("run reclaimed",
			zap.String("run_id", run.ID.String()),
			zap.String("job_id", run.JobID.String()),
			zap.String("repo_id", run.RepoID),
			zap.String("job_type", string(run.JobType)),
			zap.String("worker_id", run.WorkerID),
			zap.String("reason", reason),
			zap.String("policy", string(r.cfg.Policy)),
		)

		if reason == job.FailReapedRunaway && r.breakers != nil {
			key := scm.Key{RepoID: run.RepoID, JobType: run.JobType}
			if _, err := r.breakers.Observe(ctx, key, breaker.KindTimeout); err != nil {
				r.logger.Warn("breaker observe failed", zap.String("key", key.String()), zap.Error(err))
			}
		}
	}

	span.SetAttributes(
		attribute.Int("sweep.reclaimed", report.Reclaimed),
		attribute.Int("sweep.raced", report.Raced),
	)
	if report.Reclaimed > 0 {
		r.logger.Info("sweep reclaimed runs", zap.Int("count", report.Reclaimed))
	}
	return report, nil
}
