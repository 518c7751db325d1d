// Package job defines sync jobs, their runs, and the job queue contract.
package job

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/leejennwah/scm-sync/internal/scm"
)

var (
	// ErrJobNotFound is returned when a job lookup misses.
	ErrJobNotFound = errors.New("job not found")

	// ErrLeaseLost is returned when a run is no longer held by the caller.
	ErrLeaseLost = errors.New("lease lost")

	// ErrInvalidParams is returned when job params do not fit the job type.
	ErrInvalidParams = errors.New("invalid job params")

	// ErrAlreadyActive is returned when a stream already has a pending or
	// running job.
	ErrAlreadyActive = errors.New("stream already has an active job")
)

// Status represents the current state of a job in its lifecycle.
type Status string

const (
	StatusPending Status = "pending"
	StatusRunning Status = "running"
	StatusDone    Status = "done"
	StatusFailed  Status = "failed"
)

// validTransitions defines the allowed state machine transitions. Running
// back to pending is the reaper's requeue.
var validTransitions = map[Status][]Status{
	StatusPending: {StatusRunning},
	StatusRunning: {StatusDone, StatusFailed, StatusPending},
	StatusDone:    {},
	StatusFailed:  {},
}

// CanTransitionTo reports whether s may move to next.
func (s Status) CanTransitionTo(next Status) bool {
	for _, allowed := range validTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// Active reports whether the job still holds its (repo, job_type) slot.
func (s Status) Active() bool {
	return s == StatusPending || s == StatusRunning
}

// Reason records why a job was enqueued.
type Reason string

const (
	ReasonIncremental Reason = "incremental"
	ReasonRepair      Reason = "repair"
	ReasonProbe       Reason = "probe"
	ReasonDegraded    Reason = "degraded"
	ReasonManual      Reason = "manual"
)

// Priority returns the queue priority of the reason. Lower runs first.
func (r Reason) Priority() int {
	switch r {
	case ReasonManual:
		return 0
	case ReasonProbe:
		return 10
	case ReasonIncremental:
		return 100
	case ReasonDegraded:
		return 150
	case ReasonRepair:
		return 200
	default:
		return 100
	}
}

// Params are the typed window parameters of a job. Watermarks must match the
// job type's watermark kind.
type Params struct {
	Mode             scm.Mode       `json:"mode"`
	Policy           scm.Policy     `json:"policy,omitempty"`
	Since            *scm.Watermark `json:"since,omitempty"`
	Until            *scm.Watermark `json:"until,omitempty"`
	AdvanceWatermark bool           `json:"advance_watermark,omitempty"`
}

// Validate checks the params against the job type.
func (p Params) Validate(jt scm.JobType) error {
	if !jt.Valid() {
		return fmt.Errorf("%w: %w", ErrInvalidParams, scm.ErrUnknownJobType)
	}
	if !p.Mode.Valid() {
		return fmt.Errorf("%w: unknown mode %q", ErrInvalidParams, p.Mode)
	}
	if p.Policy != "" && !p.Policy.Valid() {
		return fmt.Errorf("%w: unknown policy %q", ErrInvalidParams, p.Policy)
	}
	kind := jt.WatermarkKind()
	for _, w := range []*scm.Watermark{p.Since, p.Until} {
		if w != nil && w.Kind != kind {
			return fmt.Errorf("%w: %s watermark for %s", ErrInvalidParams, w.Kind, jt)
		}
	}
	switch p.Mode {
	case scm.ModeBackfill:
		if p.Since == nil {
			return fmt.Errorf("%w: backfill requires a start", ErrInvalidParams)
		}
		if p.Until != nil && p.Since.After(*p.Until) {
			return fmt.Errorf("%w: backfill start after end", ErrInvalidParams)
		}
	case scm.ModeIncremental:
		if p.Since != nil {
			return fmt.Errorf("%w: incremental runs take their start from the cursor", ErrInvalidParams)
		}
		if p.AdvanceWatermark {
			return fmt.Errorf("%w: advance flag only applies to backfills", ErrInvalidParams)
		}
	}
	return nil
}

// SyncJob is one unit of sync work for a (repo, job_type) stream.
type SyncJob struct {
	ID          uuid.UUID   `json:"job_id"`
	RepoID      string      `json:"repo_id"`
	JobType     scm.JobType `json:"job_type"`
	Status      Status      `json:"status"`
	Priority    int         `json:"priority"`
	Reason      Reason      `json:"reason"`
	Params      Params      `json:"params"`
	TenantKey   string      `json:"tenant_key"`
	InstanceKey string      `json:"instance_key"`
	Attempts    int         `json:"attempts"`
	LastError   string      `json:"last_error,omitempty"`
	EnqueuedAt  time.Time   `json:"enqueued_at"`
	UpdatedAt   time.Time   `json:"updated_at"`
}

// New builds a pending job for the repository after validating params.
func New(repo *scm.Repository, jt scm.JobType, reason Reason, params Params, now time.Time) (*SyncJob, error) {
	if err := scm.ValidateSourceID(repo.ID); err != nil {
		return nil, err
	}
	if jt.RepoType() != repo.Type {
		return nil, fmt.Errorf("%w: %s does not apply to %s repositories", ErrInvalidParams, jt, repo.Type)
	}
	if err := params.Validate(jt); err != nil {
		return nil, err
	}
	return &SyncJob{
		ID:          uuid.New(),
		RepoID:      repo.ID,
		JobType:     jt,
		Status:      StatusPending,
		Priority:    reason.Priority(),
		Reason:      reason,
		Params:      params,
		TenantKey:   repo.TenantKey(),
		InstanceKey: repo.InstanceKey(),
		EnqueuedAt:  now,
		UpdatedAt:   now,
	}, nil
}

// Key returns the stream the job belongs to.
func (j *SyncJob) Key() scm.Key {
	return scm.Key{RepoID: j.RepoID, JobType: j.JobType}
}

// TransitionTo validates and performs a state transition.
func (j *SyncJob) TransitionTo(newStatus Status, now time.Time) error {
	if _, ok := validTransitions[j.Status]; !ok {
		return fmt.Errorf("unknown current status: %s", j.Status)
	}
	if !j.Status.CanTransitionTo(newStatus) {
		return fmt.Errorf("invalid transition from %s to %s", j.Status, newStatus)
	}
	j.Status = newStatus
	j.UpdatedAt = now
	return nil
}
