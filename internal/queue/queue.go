// Package queue wakes idle workers when sync jobs are enqueued. The job
// table stays authoritative: a lost or duplicate signal only changes when a
// worker polls next.
package queue

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/leejennwah/scm-sync/internal/job"
	"github.com/leejennwah/scm-sync/internal/scm"
)

// Signal carries enqueue notifications between processes.
type Signal interface {
	// Notify records that a job of type jt became claimable.
	Notify(ctx context.Context, jt scm.JobType) error

	// Wait blocks until a notification for one of jobTypes arrives or the
	// timeout passes. An empty jobTypes waits on every job type.
	Wait(ctx context.Context, jobTypes []scm.JobType, timeout time.Duration) error
}

// NotifyingRepository signals after every enqueue that inserted a job.
type NotifyingRepository struct {
	job.Repository
	signal Signal
	logger *zap.Logger
}

// Notify wraps jobs so that successful enqueues wake a worker.
func Notify(jobs job.Repository, s Signal, logger *zap.Logger) *NotifyingRepository {
	return &NotifyingRepository{Repository: jobs, signal: s, logger: logger}
}

// Enqueue inserts j and signals its job type. A failed signal is logged and
// does not fail the enqueue.
func (r *NotifyingRepository) Enqueue(ctx context.Context, j *job.SyncJob) (bool, error) {
	ok, err := r.Repository.Enqueue(ctx, j)
	if err != nil || !ok {
		return ok, err
	}
	if err := r.signal.Notify(ctx, j.JobType); err != nil {
		r.logger.Warn("wake signal failed",
			zap.String("job_id", j.ID.String()),
			zap.String("job_type", string(j.JobType)),
			zap.Error(err),
		)
	}
	return true, nil
}
