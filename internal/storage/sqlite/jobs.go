package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/leejennwah/scm-sync/internal/job"
	"github.com/leejennwah/scm-sync/internal/scm"
)

const jobColumns = `job_id, repo_id, job_type, status, priority, reason, params,
	tenant_key, instance_key, attempts, last_error, enqueued_at, updated_at`

const runColumns = `run_id, job_id, repo_id, job_type, worker_id, mode, status,
	lease_expires_at, started_at, heartbeat_at, finished_at, outcome, reason, summary`

// Enqueue inserts a pending job unless the stream already has an active one.
func (s *Store) Enqueue(ctx context.Context, j *job.SyncJob) (bool, error) {
	params, err := json.Marshal(j.Params)
	if err != nil {
		return false, fmt.Errorf("marshal params: %w", err)
	}

	// The partial unique index on (repo_id, job_type) for active jobs turns a
	// duplicate into a no-op.
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO sync_jobs (`+jobColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT DO NOTHING`,
		j.ID.String(), j.RepoID, string(j.JobType), string(j.Status), j.Priority, string(j.Reason), string(params),
		j.TenantKey, j.InstanceKey, j.Attempts, j.LastError, toMS(j.EnqueuedAt), toMS(j.UpdatedAt),
	)
	if err != nil {
		return false, fmt.Errorf("insert job: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("rows affected: %w", err)
	}
	return n == 1, nil
}

// Claim moves the best matching pending job to running and opens its run in
// one transaction.
func (s *Store) Claim(ctx context.Context, req job.ClaimRequest) (*job.Claim, error) {
	where := []string{"status = 'pending'"}
	var args []any
	if req.JobID != nil {
		where = append(where, "job_id = ?")
		args = append(args, req.JobID.String())
	}
	if len(req.JobTypes) > 0 {
		where = append(where, "job_type IN ("+placeholders(len(req.JobTypes))+")")
		for _, jt := range req.JobTypes {
			args = append(args, string(jt))
		}
	}
	if len(req.Tenants) > 0 {
		where = append(where, "tenant_key IN ("+placeholders(len(req.Tenants))+")")
		for _, t := range req.Tenants {
			args = append(args, t)
		}
	}
	if len(req.ExcludeTenants) > 0 {
		where = append(where, "tenant_key NOT IN ("+placeholders(len(req.ExcludeTenants))+")")
		for _, t := range req.ExcludeTenants {
			args = append(args, t)
		}
	}

	query := `
		UPDATE sync_jobs
		SET status = 'running', attempts = attempts + 1, updated_at = ?
		WHERE job_id = (
			SELECT job_id FROM sync_jobs
			WHERE ` + strings.Join(where, " AND ") + `
			ORDER BY priority, enqueued_at, job_id
			LIMIT 1
		) AND status = 'pending'
		RETURNING ` + jobColumns
	args = append([]any{toMS(req.Now)}, args...)

	var claim *job.Claim
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		j, err := scanJob(tx.QueryRowContext(ctx, query, args...))
		if err != nil {
			if err == job.ErrJobNotFound {
				return nil
			}
			return fmt.Errorf("claim job: %w", err)
		}

		run := &job.Run{
			ID:             uuid.New(),
			JobID:          j.ID,
			RepoID:         j.RepoID,
			JobType:        j.JobType,
			WorkerID:       req.WorkerID,
			Mode:           j.Params.Mode,
			Status:         job.RunRunning,
			LeaseExpiresAt: req.Now.Add(req.Lease),
			StartedAt:      req.Now,
			HeartbeatAt:    req.Now,
		}
		_, err = tx.ExecContext(ctx, `
			INSERT INTO sync_runs (run_id, job_id, repo_id, job_type, worker_id, mode, status,
				lease_expires_at, started_at, heartbeat_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			run.ID.String(), run.JobID.String(), run.RepoID, string(run.JobType), run.WorkerID, string(run.Mode), string(run.Status),
			toMS(run.LeaseExpiresAt), toMS(run.StartedAt), toMS(run.HeartbeatAt),
		)
		if err != nil {
			return fmt.Errorf("insert run: %w", err)
		}
		claim = &job.Claim{Job: j, Run: run}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return claim, nil
}

// RenewLease extends a held lease.
func (s *Store) RenewLease(ctx context.Context, runID uuid.UUID, workerID string, until, now time.Time) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE sync_runs SET lease_expires_at = ?, heartbeat_at = ?
		WHERE run_id = ? AND worker_id = ? AND status = 'running'`,
		toMS(until), toMS(now), runID.String(), workerID,
	)
	if err != nil {
		return fmt.Errorf("renew lease: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if n == 0 {
		return job.ErrLeaseLost
	}
	return nil
}

// FinishRun closes a held run and moves its job to a terminal status.
func (s *Store) FinishRun(ctx context.Context, runID uuid.UUID, workerID string, res job.Result, now time.Time) error {
	var summary sql.NullString
	if len(res.Summary) > 0 {
		summary = sql.NullString{String: string(res.Summary), Valid: true}
	}

	return s.withTx(ctx, func(tx *sql.Tx) error {
		var jobID string
		err := tx.QueryRowContext(ctx, `
			UPDATE sync_runs
			SET status = ?, finished_at = ?, outcome = ?, reason = ?, summary = ?
			WHERE run_id = ? AND worker_id = ? AND status = 'running'
			RETURNING job_id`,
			string(res.RunStatus()), toMS(now), string(res.Outcome), res.Reason, summary, runID.String(), workerID,
		).Scan(&jobID)
		if noRows(err) {
			return job.ErrLeaseLost
		}
		if err != nil {
			return fmt.Errorf("finish run: %w", err)
		}

		_, err = tx.ExecContext(ctx, `
			UPDATE sync_jobs SET status = ?, last_error = ?, updated_at = ?
			WHERE job_id = ? AND status = 'running'`,
			string(res.JobStatus()), res.Error, toMS(now), jobID,
		)
		if err != nil {
			return fmt.Errorf("finish job: %w", err)
		}
		return nil
	})
}

// ListStaleRuns returns running runs past their lease or running too long.
func (s *Store) ListStaleRuns(ctx context.Context, leaseCutoff, startedCutoff time.Time, limit int) ([]*job.Run, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+runColumns+` FROM sync_runs
		WHERE status = 'running' AND (lease_expires_at < ? OR started_at < ?)
		ORDER BY lease_expires_at
		LIMIT ?`,
		toMS(leaseCutoff), toMS(startedCutoff), limit,
	)
	if err != nil {
		return nil, fmt.Errorf("query stale runs: %w", err)
	}
	defer rows.Close()
	return scanRuns(rows)
}

// ReclaimRun compare-and-sets the run on its observed lease and applies the
// policy to the job.
func (s *Store) ReclaimRun(ctx context.Context, run *job.Run, policy job.ReclaimPolicy, reason string, now time.Time) (bool, error) {
	next := job.StatusPending
	if policy == job.ReclaimToFailed {
		next = job.StatusFailed
	}

	reclaimed := false
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
			UPDATE sync_runs
			SET status = 'reclaimed', finished_at = ?, outcome = 'failure', reason = ?
			WHERE run_id = ? AND status = 'running' AND lease_expires_at = ?`,
			toMS(now), reason, run.ID.String(), toMS(run.LeaseExpiresAt),
		)
		if err != nil {
			return fmt.Errorf("reclaim run: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("rows affected: %w", err)
		}
		if n == 0 {
			return nil
		}

		_, err = tx.ExecContext(ctx, `
			UPDATE sync_jobs SET status = ?, last_error = ?, updated_at = ?
			WHERE job_id = ? AND status = 'running'`,
			string(next), reason, toMS(now), run.JobID.String(),
		)
		if err != nil {
			return fmt.Errorf("reclaim job: %w", err)
		}
		reclaimed = true
		return nil
	})
	if err != nil {
		return false, err
	}
	return reclaimed, nil
}

// Counts returns queue-wide active job counts.
func (s *Store) Counts(ctx context.Context) (*job.Counts, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT status, instance_key, COUNT(*) FROM sync_jobs
		WHERE status IN ('pending', 'running')
		GROUP BY status, instance_key`)
	if err != nil {
		return nil, fmt.Errorf("count jobs: %w", err)
	}
	defer rows.Close()

	c := &job.Counts{ActiveByInstance: make(map[string]int)}
	for rows.Next() {
		var status, instance string
		var n int
		if err := rows.Scan(&status, &instance, &n); err != nil {
			return nil, fmt.Errorf("scan counts: %w", err)
		}
		switch job.Status(status) {
		case job.StatusPending:
			c.Pending += n
		case job.StatusRunning:
			c.Running += n
		}
		c.ActiveByInstance[instance] += n
	}
	return c, rows.Err()
}

// ActiveStatuses returns the status of every stream holding an active job.
func (s *Store) ActiveStatuses(ctx context.Context) (map[scm.Key]job.Status, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT repo_id, job_type, status FROM sync_jobs
		WHERE status IN ('pending', 'running')`)
	if err != nil {
		return nil, fmt.Errorf("query active jobs: %w", err)
	}
	defer rows.Close()

	out := make(map[scm.Key]job.Status)
	for rows.Next() {
		var repoID, jt, status string
		if err := rows.Scan(&repoID, &jt, &status); err != nil {
			return nil, fmt.Errorf("scan active job: %w", err)
		}
		out[scm.Key{RepoID: repoID, JobType: scm.JobType(jt)}] = job.Status(status)
	}
	return out, rows.Err()
}

// Stats returns per-stream queue counts and the latest finished run.
func (s *Store) Stats(ctx context.Context) (map[scm.Key]*job.KeyStats, error) {
	out := make(map[scm.Key]*job.KeyStats)
	get := func(key scm.Key) *job.KeyStats {
		st, ok := out[key]
		if !ok {
			st = &job.KeyStats{}
			out[key] = st
		}
		return st
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT repo_id, job_type, status, COUNT(*) FROM sync_jobs
		WHERE status IN ('pending', 'running')
		GROUP BY repo_id, job_type, status`)
	if err != nil {
		return nil, fmt.Errorf("query job stats: %w", err)
	}
	for rows.Next() {
		var repoID, jt, status string
		var n int
		if err := rows.Scan(&repoID, &jt, &status, &n); err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan job stats: %w", err)
		}
		st := get(scm.Key{RepoID: repoID, JobType: scm.JobType(jt)})
		if job.Status(status) == job.StatusPending {
			st.Pending = n
		} else {
			st.Running = n
		}
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	rows, err = s.db.QueryContext(ctx, `
		SELECT r.repo_id, r.job_type, r.outcome, j.last_error, r.finished_at
		FROM sync_runs r JOIN sync_jobs j ON j.job_id = r.job_id
		WHERE r.finished_at IS NOT NULL AND r.finished_at = (
			SELECT MAX(r2.finished_at) FROM sync_runs r2
			WHERE r2.repo_id = r.repo_id AND r2.job_type = r.job_type
		)`)
	if err != nil {
		return nil, fmt.Errorf("query last runs: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var repoID, jt, outcome, lastErr string
		var finished int64
		if err := rows.Scan(&repoID, &jt, &outcome, &lastErr, &finished); err != nil {
			return nil, fmt.Errorf("scan last run: %w", err)
		}
		st := get(scm.Key{RepoID: repoID, JobType: scm.JobType(jt)})
		st.LastOutcome = job.Outcome(outcome)
		st.LastError = lastErr
		t := fromMS(finished)
		st.LastFinishedAt = &t
	}
	return out, rows.Err()
}

// GetJob retrieves a job by id.
func (s *Store) GetJob(ctx context.Context, id uuid.UUID) (*job.SyncJob, error) {
	j, err := scanJob(s.db.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM sync_jobs WHERE job_id = ?`, id.String()))
	if err != nil {
		return nil, fmt.Errorf("get job %s: %w", id, err)
	}
	return j, nil
}

// ListRuns returns the runs of a job, oldest first.
func (s *Store) ListRuns(ctx context.Context, jobID uuid.UUID) ([]*job.Run, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+runColumns+` FROM sync_runs WHERE job_id = ? ORDER BY started_at, run_id`,
		jobID.String(),
	)
	if err != nil {
		return nil, fmt.Errorf("query runs: %w", err)
	}
	defer rows.Close()
	return scanRuns(rows)
}

func scanJob(row scanner) (*job.SyncJob, error) {
	j := &job.SyncJob{}
	var id, params string
	var enqueuedAt, updatedAt int64
	err := row.Scan(&id, &j.RepoID, &j.JobType, &j.Status, &j.Priority, &j.Reason, &params,
		&j.TenantKey, &j.InstanceKey, &j.Attempts, &j.LastError, &enqueuedAt, &updatedAt)
	if noRows(err) {
		return nil, job.ErrJobNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan job: %w", err)
	}
	if j.ID, err = uuid.Parse(id); err != nil {
		return nil, fmt.Errorf("parse job id: %w", err)
	}
	if err := json.Unmarshal([]byte(params), &j.Params); err != nil {
		return nil, fmt.Errorf("unmarshal params: %w", err)
	}
	j.EnqueuedAt = fromMS(enqueuedAt)
	j.UpdatedAt = fromMS(updatedAt)
	return j, nil
}

func scanRuns(rows *sql.Rows) ([]*job.Run, error) {
	var out []*job.Run
	for rows.Next() {
		r := &job.Run{}
		var id, jobID string
		var lease, started, heartbeat int64
		var finished sql.NullInt64
		var summary sql.NullString
		err := rows.Scan(&id, &jobID, &r.RepoID, &r.JobType, &r.WorkerID, &r.Mode, &r.Status,
			&lease, &started, &heartbeat, &finished, &r.Outcome, &r.Reason, &summary)
		if err != nil {
			return nil, fmt.Errorf("scan run: %w", err)
		}
		if r.ID, err = uuid.Parse(id); err != nil {
			return nil, fmt.Errorf("parse run id: %w", err)
		}
		if r.JobID, err = uuid.Parse(jobID); err != nil {
			return nil, fmt.Errorf("parse job id: %w", err)
		}
		r.LeaseExpiresAt = fromMS(lease)
		r.StartedAt = fromMS(started)
		r.HeartbeatAt = fromMS(heartbeat)
		r.FinishedAt = fromNullMS(finished)
		if summary.Valid {
			r.Summary = json.RawMessage(summary.String)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}
