package job

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/leejennwah/scm-sync/internal/scm"
)

// RunStatus is the state of one execution attempt.
type RunStatus string

const (
	RunRunning   RunStatus = "running"
	RunDone      RunStatus = "done"
	RunFailed    RunStatus = "failed"
	RunReclaimed RunStatus = "reclaimed"
)

// Outcome is the result class of a finished run.
type Outcome string

const (
	OutcomeSuccess Outcome = "success"
	OutcomePartial Outcome = "partial"
	OutcomeFailure Outcome = "failure"
)

// Failure reasons recorded on runs.
const (
	FailSourceError   = "source_error"
	FailRateLimited   = "rate_limited"
	FailTimeout       = "timeout"
	FailRecordError   = "record_error"
	FailIntegrity     = "integrity"
	FailLeaseLost     = "lease_lost"
	FailSetup         = "setup_error"
	FailInterrupted   = "interrupted"
	FailReapedExpired = "reaped_expired"
	FailReapedRunaway = "reaped_runaway"
)

// Run is one execution attempt of a SyncJob. The lease is the pair
// (WorkerID, LeaseExpiresAt).
type Run struct {
	ID             uuid.UUID       `json:"run_id"`
	JobID          uuid.UUID       `json:"job_id"`
	RepoID         string          `json:"repo_id"`
	JobType        scm.JobType     `json:"job_type"`
	WorkerID       string          `json:"worker_id"`
	Mode           scm.Mode        `json:"mode"`
	Status         RunStatus       `json:"status"`
	LeaseExpiresAt time.Time       `json:"lease_expires_at"`
	StartedAt      time.Time       `json:"started_at"`
	HeartbeatAt    time.Time       `json:"heartbeat_at"`
	FinishedAt     *time.Time      `json:"finished_at,omitempty"`
	Outcome        Outcome         `json:"outcome,omitempty"`
	Reason         string          `json:"reason,omitempty"`
	Summary        json.RawMessage `json:"summary,omitempty"`
}

// Result is what a worker reports when releasing its lease.
type Result struct {
	Outcome Outcome
	Reason  string
	Error   string
	Summary json.RawMessage
}

// JobStatus maps the outcome to the job's terminal status.
func (r Result) JobStatus() Status {
	if r.Outcome == OutcomeFailure {
		return StatusFailed
	}
	return StatusDone
}

// RunStatus maps the outcome to the run's terminal status.
func (r Result) RunStatus() RunStatus {
	if r.Outcome == OutcomeFailure {
		return RunFailed
	}
	return RunDone
}
