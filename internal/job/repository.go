package job

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/leejennwah/scm-sync/internal/scm"
)

// ClaimRequest selects the next pending job for a worker.
type ClaimRequest struct {
	WorkerID string
	// JobID restricts the claim to one job.
	JobID *uuid.UUID
	// JobTypes restricts the claim to these types; empty means any.
	JobTypes []scm.JobType
	// Tenants restricts the claim to these tenants; empty means any.
	Tenants []string
	// ExcludeTenants skips jobs of these tenants.
	ExcludeTenants []string
	Lease          time.Duration
	Now            time.Time
}

// Claim is a job moved to running together with its new run.
type Claim struct {
	Job *SyncJob
	Run *Run
}

// ReclaimPolicy decides what happens to the job of a reclaimed run.
type ReclaimPolicy string

const (
	// ReclaimToPending requeues the job.
	ReclaimToPending ReclaimPolicy = "to_pending"
	// ReclaimToFailed marks the job failed without retry.
	ReclaimToFailed ReclaimPolicy = "to_failed"
)

// Valid reports whether the policy is known.
func (p ReclaimPolicy) Valid() bool {
	return p == ReclaimToPending || p == ReclaimToFailed
}

// Counts are the queue-wide numbers the concurrency ceilings are checked
// against.
type Counts struct {
	Pending int
	Running int
	// ActiveByInstance counts pending and running jobs per upstream server.
	ActiveByInstance map[string]int
}

// KeyStats summarizes the queue state of one stream.
type KeyStats struct {
	Pending        int
	Running        int
	LastOutcome    Outcome
	LastError      string
	LastFinishedAt *time.Time
}

// Repository defines the persistence interface for the job queue. Every
// mutation is a single atomic operation.
type Repository interface {
	// Enqueue inserts a pending job. It returns false without error when the
	// stream already has a pending or running job.
	Enqueue(ctx context.Context, j *SyncJob) (bool, error)

	// Claim atomically moves the best pending job matching the request to
	// running and creates its run with a lease. It returns nil when no job
	// matches.
	Claim(ctx context.Context, req ClaimRequest) (*Claim, error)

	// RenewLease extends the lease of a running run held by workerID. It
	// returns ErrLeaseLost when the run is no longer held.
	RenewLease(ctx context.Context, runID uuid.UUID, workerID string, until, now time.Time) error

	// FinishRun records the result of a run held by workerID and moves the
	// job to done or failed. It returns ErrLeaseLost when the run is no
	// longer held.
	FinishRun(ctx context.Context, runID uuid.UUID, workerID string, res Result, now time.Time) error

	// ListStaleRuns returns running runs whose lease expired before
	// leaseCutoff or that started before startedCutoff.
	ListStaleRuns(ctx context.Context, leaseCutoff, startedCutoff time.Time, limit int) ([]*Run, error)

	// ReclaimRun compare-and-sets a running run on (ID, LeaseExpiresAt) to
	// reclaimed and applies the policy to its job. It returns false when the
	// run changed since it was read.
	ReclaimRun(ctx context.Context, run *Run, policy ReclaimPolicy, reason string, now time.Time) (bool, error)

	// Counts returns queue-wide pending and running counts.
	Counts(ctx context.Context) (*Counts, error)

	// ActiveStatuses returns the status of every stream with a pending or
	// running job.
	ActiveStatuses(ctx context.Context) (map[scm.Key]Status, error)

	// Stats returns per stream queue statistics.
	Stats(ctx context.Context) (map[scm.Key]*KeyStats, error)

	// GetJob retrieves a job by id.
	GetJob(ctx context.Context, id uuid.UUID) (*SyncJob, error)

	// ListRuns returns the runs of a job, oldest first.
	ListRuns(ctx context.Context, jobID uuid.UUID) ([]*Run, error)
}
