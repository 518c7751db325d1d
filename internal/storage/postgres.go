package storage

import (
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/leejennwah/scm-sync/internal/breaker"
	"github.com/leejennwah/scm-sync/internal/clock"
	"github.com/leejennwah/scm-sync/internal/job"
	"github.com/leejennwah/scm-sync/internal/scm"
)

//go:embed migrations/001_init.sql
var postgresSchema string

const pgUniqueViolation = "23505"

// PostgresStore implements every repository contract on PostgreSQL. Claims
// use FOR UPDATE SKIP LOCKED so concurrent workers never block each other.
type PostgresStore struct {
	pool   *pgxpool.Pool
	clock  clock.Clock
	logger *zap.Logger
}

// NewPostgresStore creates a Postgres-backed store.
func NewPostgresStore(pool *pgxpool.Pool, clk clock.Clock, logger *zap.Logger) *PostgresStore {
	return &PostgresStore{pool: pool, clock: clk, logger: logger}
}

// Migrate applies the embedded schema. It is idempotent.
func (r *PostgresStore) Migrate(ctx context.Context) error {
	if _, err := r.pool.Exec(ctx, postgresSchema); err != nil {
		return fmt.Errorf("apply migration: %w", err)
	}
	r.logger.Info("postgres schema applied")
	return nil
}

// Ping checks the connection.
func (r *PostgresStore) Ping(ctx context.Context) error {
	return r.pool.Ping(ctx)
}

// Close releases the pool.
func (r *PostgresStore) Close() error {
	r.pool.Close()
	return nil
}

func (r *PostgresStore) now() time.Time {
	return pgTime(r.clock.Now())
}

// pgTime truncates to the microsecond precision of timestamptz so values read
// back compare equal to the ones written.
func pgTime(t time.Time) time.Time {
	return t.UTC().Truncate(time.Microsecond)
}

func isPgUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation
}

func (r *PostgresStore) withTx(ctx context.Context, fn func(tx pgx.Tx) error) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

// EnsureRepository inserts the repository unless (repo_type, url) is known.
func (r *PostgresStore) EnsureRepository(ctx context.Context, repo *scm.Repository) (*scm.Repository, error) {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO repositories (repo_id, repo_type, url, project_key, default_branch, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (repo_type, url) DO NOTHING`,
		repo.ID, repo.Type, repo.URL, repo.ProjectKey, repo.DefaultBranch, r.now(),
	)
	if err != nil {
		if isPgUniqueViolation(err) {
			return nil, fmt.Errorf("%w: %s", scm.ErrRepoIDConflict, repo.ID)
		}
		return nil, fmt.Errorf("insert repository: %w", err)
	}
	return r.scanRepo(r.pool.QueryRow(ctx, `
		SELECT repo_id, repo_type, url, project_key, default_branch, created_at
		FROM repositories WHERE repo_type = $1 AND url = $2`, repo.Type, repo.URL))
}

// GetRepository retrieves a repository by id.
func (r *PostgresStore) GetRepository(ctx context.Context, id string) (*scm.Repository, error) {
	repo, err := r.scanRepo(r.pool.QueryRow(ctx, `
		SELECT repo_id, repo_type, url, project_key, default_branch, created_at
		FROM repositories WHERE repo_id = $1`, id))
	if err != nil {
		return nil, fmt.Errorf("get repository %s: %w", id, err)
	}
	return repo, nil
}

// ListRepositories returns all repositories ordered by id.
func (r *PostgresStore) ListRepositories(ctx context.Context) ([]*scm.Repository, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT repo_id, repo_type, url, project_key, default_branch, created_at
		FROM repositories ORDER BY repo_id`)
	if err != nil {
		return nil, fmt.Errorf("query repositories: %w", err)
	}
	defer rows.Close()

	var repos []*scm.Repository
	for rows.Next() {
		repo, err := r.scanRepo(rows)
		if err != nil {
			return nil, err
		}
		repos = append(repos, repo)
	}
	return repos, rows.Err()
}

func (r *PostgresStore) scanRepo(row pgx.Row) (*scm.Repository, error) {
	repo := &scm.Repository{}
	err := row.Scan(&repo.ID, &repo.Type, &repo.URL, &repo.ProjectKey, &repo.DefaultBranch, &repo.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, scm.ErrRepoNotFound
		}
		return nil, fmt.Errorf("scan repository: %w", err)
	}
	repo.CreatedAt = repo.CreatedAt.UTC()
	return repo, nil
}

const pgJobColumns = `job_id, repo_id, job_type, status, priority, reason, params,
	tenant_key, instance_key, attempts, last_error, enqueued_at, updated_at`

const pgRunColumns = `run_id, job_id, repo_id, job_type, worker_id, mode, status,
	lease_expires_at, started_at, heartbeat_at, finished_at, outcome, reason, summary`

// Enqueue inserts a pending job. The partial unique index on active jobs
// makes a duplicate a no-op.
func (r *PostgresStore) Enqueue(ctx context.Context, j *job.SyncJob) (bool, error) {
	params, err := json.Marshal(j.Params)
	if err != nil {
		return false, fmt.Errorf("marshal params: %w", err)
	}
	tag, err := r.pool.Exec(ctx, `
		INSERT INTO sync_jobs (`+pgJobColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
		ON CONFLICT DO NOTHING`,
		j.ID, j.RepoID, j.JobType, j.Status, j.Priority, j.Reason, params,
		j.TenantKey, j.InstanceKey, j.Attempts, j.LastError, pgTime(j.EnqueuedAt), pgTime(j.UpdatedAt),
	)
	if err != nil {
		return false, fmt.Errorf("insert job: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// Claim moves the best matching pending job to running and opens its run.
func (r *PostgresStore) Claim(ctx context.Context, req job.ClaimRequest) (*job.Claim, error) {
	now := pgTime(req.Now)
	args := []any{now}
	where := "status = 'pending'"
	if req.JobID != nil {
		args = append(args, *req.JobID)
		where += fmt.Sprintf(" AND job_id = $%d", len(args))
	}
	if len(req.JobTypes) > 0 {
		types := make([]string, len(req.JobTypes))
		for i, jt := range req.JobTypes {
			types[i] = string(jt)
		}
		args = append(args, types)
		where += fmt.Sprintf(" AND job_type = ANY($%d)", len(args))
	}
	if len(req.Tenants) > 0 {
		args = append(args, req.Tenants)
		where += fmt.Sprintf(" AND tenant_key = ANY($%d)", len(args))
	}
	if len(req.ExcludeTenants) > 0 {
		args = append(args, req.ExcludeTenants)
		where += fmt.Sprintf(" AND tenant_key <> ALL($%d)", len(args))
	}

	query := `
		UPDATE sync_jobs SET status = 'running', attempts = attempts + 1, updated_at = $1
		WHERE job_id = (
			SELECT job_id FROM sync_jobs
			WHERE ` + where + `
			ORDER BY priority, enqueued_at, job_id
			LIMIT 1
			FOR UPDATE SKIP LOCKED
		)
		RETURNING ` + pgJobColumns

	var claim *job.Claim
	err := r.withTx(ctx, func(tx pgx.Tx) error {
		j, err := scanPgJob(tx.QueryRow(ctx, query, args...))
		if errors.Is(err, job.ErrJobNotFound) {
			return nil
		}
		if err != nil {
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
			LeaseExpiresAt: pgTime(now.Add(req.Lease)),
			StartedAt:      now,
			HeartbeatAt:    now,
		}
		_, err = tx.Exec(ctx, `
			INSERT INTO sync_runs (run_id, job_id, repo_id, job_type, worker_id, mode, status,
				lease_expires_at, started_at, heartbeat_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
			run.ID, run.JobID, run.RepoID, run.JobType, run.WorkerID, run.Mode, run.Status,
			run.LeaseExpiresAt, run.StartedAt, run.HeartbeatAt,
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
func (r *PostgresStore) RenewLease(ctx context.Context, runID uuid.UUID, workerID string, until, now time.Time) error {
	tag, err := r.pool.Exec(ctx, `
		UPDATE sync_runs SET lease_expires_at = $1, heartbeat_at = $2
		WHERE run_id = $3 AND worker_id = $4 AND status = 'running'`,
		pgTime(until), pgTime(now), runID, workerID,
	)
	if err != nil {
		return fmt.Errorf("renew lease: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return job.ErrLeaseLost
	}
	return nil
}

// FinishRun closes a held run and moves its job to a terminal status.
func (r *PostgresStore) FinishRun(ctx context.Context, runID uuid.UUID, workerID string, res job.Result, now time.Time) error {
	var summary []byte
	if len(res.Summary) > 0 {
		summary = res.Summary
	}
	return r.withTx(ctx, func(tx pgx.Tx) error {
		var jobID uuid.UUID
		err := tx.QueryRow(ctx, `
			UPDATE sync_runs SET status = $1, finished_at = $2, outcome = $3, reason = $4, summary = $5
			WHERE run_id = $6 AND worker_id = $7 AND status = 'running'
			RETURNING job_id`,
			res.RunStatus(), pgTime(now), res.Outcome, res.Reason, summary, runID, workerID,
		).Scan(&jobID)
		if errors.Is(err, pgx.ErrNoRows) {
			return job.ErrLeaseLost
		}
		if err != nil {
			return fmt.Errorf("finish run: %w", err)
		}

		_, err = tx.Exec(ctx, `
			UPDATE sync_jobs SET status = $1, last_error = $2, updated_at = $3
			WHERE job_id = $4 AND status = 'running'`,
			res.JobStatus(), res.Error, pgTime(now), jobID,
		)
		if err != nil {
			return fmt.Errorf("finish job: %w", err)
		}
		return nil
	})
}

// ListStaleRuns returns running runs past their lease or running too long.
func (r *PostgresStore) ListStaleRuns(ctx context.Context, leaseCutoff, startedCutoff time.Time, limit int) ([]*job.Run, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT `+pgRunColumns+` FROM sync_runs
		WHERE status = 'running' AND (lease_expires_at < $1 OR started_at < $2)
		ORDER BY lease_expires_at
		LIMIT $3`,
		pgTime(leaseCutoff), pgTime(startedCutoff), limit,
	)
	if err != nil {
		return nil, fmt.Errorf("query stale runs: %w", err)
	}
	defer rows.Close()
	return scanPgRuns(rows)
}

// ReclaimRun compare-and-sets the run on its observed lease and applies the
// policy to the job.
func (r *PostgresStore) ReclaimRun(ctx context.Context, run *job.Run, policy job.ReclaimPolicy, reason string, now time.Time) (bool, error) {
	next := job.StatusPending
	if policy == job.ReclaimToFailed {
		next = job.StatusFailed
	}

	reclaimed := false
	err := r.withTx(ctx, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, `
			UPDATE sync_runs SET status = 'reclaimed', finished_at = $1, outcome = 'failure', reason = $2
			WHERE run_id = $3 AND status = 'running' AND lease_expires_at = $4`,
			pgTime(now), reason, run.ID, pgTime(run.LeaseExpiresAt),
		)
		if err != nil {
			return fmt.Errorf("reclaim run: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return nil
		}
		_, err = tx.Exec(ctx, `
			UPDATE sync_jobs SET status = $1, last_error = $2, updated_at = $3
			WHERE job_id = $4 AND status = 'running'`,
			next, reason, pgTime(now), run.JobID,
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
func (r *PostgresStore) Counts(ctx context.Context) (*job.Counts, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT status, instance_key, COUNT(*) FROM sync_jobs
		WHERE status IN ('pending', 'running')
		GROUP BY status, instance_key`)
	if err != nil {
		return nil, fmt.Errorf("query counts: %w", err)
	}
	defer rows.Close()

	c := &job.Counts{ActiveByInstance: make(map[string]int)}
	for rows.Next() {
		var status job.Status
		var instance string
		var n int
		if err := rows.Scan(&status, &instance, &n); err != nil {
			return nil, fmt.Errorf("scan count: %w", err)
		}
		if status == job.StatusPending {
			c.Pending += n
		} else {
			c.Running += n
		}
		c.ActiveByInstance[instance] += n
	}
	return c, rows.Err()
}

// ActiveStatuses returns the status of every stream holding an active job.
func (r *PostgresStore) ActiveStatuses(ctx context.Context) (map[scm.Key]job.Status, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT repo_id, job_type, status FROM sync_jobs WHERE status IN ('pending', 'running')`)
	if err != nil {
		return nil, fmt.Errorf("query active jobs: %w", err)
	}
	defer rows.Close()

	out := make(map[scm.Key]job.Status)
	for rows.Next() {
		var key scm.Key
		var status job.Status
		if err := rows.Scan(&key.RepoID, &key.JobType, &status); err != nil {
			return nil, fmt.Errorf("scan active job: %w", err)
		}
		out[key] = status
	}
	return out, rows.Err()
}

// Stats returns per-stream queue counts and the latest finished run.
func (r *PostgresStore) Stats(ctx context.Context) (map[scm.Key]*job.KeyStats, error) {
	out := make(map[scm.Key]*job.KeyStats)
	get := func(key scm.Key) *job.KeyStats {
		if st, ok := out[key]; ok {
			return st
		}
		st := &job.KeyStats{}
		out[key] = st
		return st
	}

	rows, err := r.pool.Query(ctx, `
		SELECT repo_id, job_type,
			COUNT(*) FILTER (WHERE status = 'pending'),
			COUNT(*) FILTER (WHERE status = 'running')
		FROM sync_jobs WHERE status IN ('pending', 'running')
		GROUP BY repo_id, job_type`)
	if err != nil {
		return nil, fmt.Errorf("query job stats: %w", err)
	}
	for rows.Next() {
		var key scm.Key
		var pending, running int
		if err := rows.Scan(&key.RepoID, &key.JobType, &pending, &running); err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan job stats: %w", err)
		}
		st := get(key)
		st.Pending, st.Running = pending, running
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	rows, err = r.pool.Query(ctx, `
		SELECT DISTINCT ON (r.repo_id, r.job_type) r.repo_id, r.job_type, r.outcome, j.last_error, r.finished_at
		FROM sync_runs r JOIN sync_jobs j ON j.job_id = r.job_id
		WHERE r.finished_at IS NOT NULL
		ORDER BY r.repo_id, r.job_type, r.finished_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("query last runs: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var key scm.Key
		var outcome job.Outcome
		var lastErr string
		var finished time.Time
		if err := rows.Scan(&key.RepoID, &key.JobType, &outcome, &lastErr, &finished); err != nil {
			return nil, fmt.Errorf("scan last run: %w", err)
		}
		st := get(key)
		st.LastOutcome = outcome
		st.LastError = lastErr
		finished = finished.UTC()
		st.LastFinishedAt = &finished
	}
	return out, rows.Err()
}

// GetJob retrieves a job by id.
func (r *PostgresStore) GetJob(ctx context.Context, id uuid.UUID) (*job.SyncJob, error) {
	j, err := scanPgJob(r.pool.QueryRow(ctx, `SELECT `+pgJobColumns+` FROM sync_jobs WHERE job_id = $1`, id))
	if err != nil {
		return nil, fmt.Errorf("get job %s: %w", id, err)
	}
	return j, nil
}

// ListRuns returns the runs of a job, oldest first.
func (r *PostgresStore) ListRuns(ctx context.Context, jobID uuid.UUID) ([]*job.Run, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT `+pgRunColumns+` FROM sync_runs WHERE job_id = $1 ORDER BY started_at, run_id`, jobID)
	if err != nil {
		return nil, fmt.Errorf("query runs: %w", err)
	}
	defer rows.Close()
	return scanPgRuns(rows)
}

func scanPgJob(row pgx.Row) (*job.SyncJob, error) {
	j := &job.SyncJob{}
	var params []byte
	err := row.Scan(&j.ID, &j.RepoID, &j.JobType, &j.Status, &j.Priority, &j.Reason, &params,
		&j.TenantKey, &j.InstanceKey, &j.Attempts, &j.LastError, &j.EnqueuedAt, &j.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, job.ErrJobNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan job: %w", err)
	}
	if err := json.Unmarshal(params, &j.Params); err != nil {
		return nil, fmt.Errorf("unmarshal params: %w", err)
	}
	j.EnqueuedAt = j.EnqueuedAt.UTC()
	j.UpdatedAt = j.UpdatedAt.UTC()
	return j, nil
}

func scanPgRuns(rows pgx.Rows) ([]*job.Run, error) {
	var runs []*job.Run
	for rows.Next() {
		run := &job.Run{}
		var summary []byte
		if err := rows.Scan(&run.ID, &run.JobID, &run.RepoID, &run.JobType, &run.WorkerID, &run.Mode, &run.Status,
			&run.LeaseExpiresAt, &run.StartedAt, &run.HeartbeatAt, &run.FinishedAt, &run.Outcome, &run.Reason, &summary,
		); err != nil {
			return nil, fmt.Errorf("scan run: %w", err)
		}
		run.LeaseExpiresAt = run.LeaseExpiresAt.UTC()
		run.StartedAt = run.StartedAt.UTC()
		run.HeartbeatAt = run.HeartbeatAt.UTC()
		if run.FinishedAt != nil {
			t := run.FinishedAt.UTC()
			run.FinishedAt = &t
		}
		if len(summary) > 0 {
			run.Summary = summary
		}
		runs = append(runs, run)
	}
	return runs, rows.Err()
}

// GetCursor returns the stored value or nil when the key is absent.
func (r *PostgresStore) GetCursor(ctx context.Context, namespace, key string) (json.RawMessage, error) {
	var value []byte
	err := r.pool.QueryRow(ctx,
		`SELECT value FROM kv_store WHERE namespace = $1 AND key = $2`, namespace, key,
	).Scan(&value)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get %s/%s: %w", namespace, key, err)
	}
	return value, nil
}

// SetCursor upserts the value.
func (r *PostgresStore) SetCursor(ctx context.Context, namespace, key string, value json.RawMessage) error {
	if !json.Valid(value) {
		return fmt.Errorf("set %s/%s: value is not valid JSON", namespace, key)
	}
	_, err := r.pool.Exec(ctx, `
		INSERT INTO kv_store (namespace, key, value, updated_at) VALUES ($1, $2, $3, $4)
		ON CONFLICT (namespace, key) DO UPDATE SET value = EXCLUDED.value, updated_at = EXCLUDED.updated_at`,
		namespace, key, []byte(value), r.now(),
	)
	if err != nil {
		return fmt.Errorf("set %s/%s: %w", namespace, key, err)
	}
	return nil
}

// LoadBreaker returns the stored snapshot or nil.
func (r *PostgresStore) LoadBreaker(ctx context.Context, key scm.Key) (*breaker.Snapshot, error) {
	var detail []byte
	var version int64
	err := r.pool.QueryRow(ctx,
		`SELECT detail, version FROM breaker_states WHERE repo_id = $1 AND job_type = $2`,
		key.RepoID, key.JobType,
	).Scan(&detail, &version)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load breaker: %w", err)
	}
	return decodeBreaker(detail, version)
}

// SaveBreaker writes the snapshot if the stored version equals expected.
func (r *PostgresStore) SaveBreaker(ctx context.Context, s *breaker.Snapshot, expected int64) error {
	next := expected + 1
	s.Version = next
	detail, err := json.Marshal(s)
	if err != nil {
		s.Version = expected
		return fmt.Errorf("marshal breaker: %w", err)
	}

	var tag pgconn.CommandTag
	if expected == 0 {
		tag, err = r.pool.Exec(ctx, `
			INSERT INTO breaker_states (repo_id, job_type, state, failure_rate_ema, sample_count,
				opened_at, consecutive_successes, probe_budget_remaining, version, detail, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
			ON CONFLICT (repo_id, job_type) DO NOTHING`,
			s.RepoID, s.JobType, s.State, s.FailureRateEMA, s.SampleCount,
			s.OpenedAt, s.ConsecutiveSuccesses, s.ProbeBudgetRemaining, next, detail, pgTime(s.UpdatedAt),
		)
	} else {
		tag, err = r.pool.Exec(ctx, `
			UPDATE breaker_states
			SET state = $1, failure_rate_ema = $2, sample_count = $3, opened_at = $4,
				consecutive_successes = $5, probe_budget_remaining = $6, version = $7, detail = $8, updated_at = $9
			WHERE repo_id = $10 AND job_type = $11 AND version = $12`,
			s.State, s.FailureRateEMA, s.SampleCount, s.OpenedAt,
			s.ConsecutiveSuccesses, s.ProbeBudgetRemaining, next, detail, pgTime(s.UpdatedAt),
			s.RepoID, s.JobType, expected,
		)
	}
	if err != nil {
		s.Version = expected
		return fmt.Errorf("save breaker: %w", err)
	}
	if tag.RowsAffected() == 0 {
		s.Version = expected
		return breaker.ErrVersionConflict
	}
	return nil
}

// ListBreakers returns every stored snapshot.
func (r *PostgresStore) ListBreakers(ctx context.Context) ([]*breaker.Snapshot, error) {
	rows, err := r.pool.Query(ctx, `SELECT detail, version FROM breaker_states ORDER BY repo_id, job_type`)
	if err != nil {
		return nil, fmt.Errorf("list breakers: %w", err)
	}
	defer rows.Close()

	var out []*breaker.Snapshot
	for rows.Next() {
		var detail []byte
		var version int64
		if err := rows.Scan(&detail, &version); err != nil {
			return nil, fmt.Errorf("scan breaker: %w", err)
		}
		s, err := decodeBreaker(detail, version)
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

func decodeBreaker(detail []byte, version int64) (*breaker.Snapshot, error) {
	s := &breaker.Snapshot{}
	if err := json.Unmarshal(detail, s); err != nil {
		return nil, fmt.Errorf("unmarshal breaker: %w", err)
	}
	s.Version = version
	return s, nil
}

// UpsertRecord writes a record keyed by (job_type, record_key). The insert
// races safely; a conflicting row is locked and compared by checksum.
func (r *PostgresStore) UpsertRecord(ctx context.Context, repoID string, jt scm.JobType, rec *scm.Record) (scm.UpsertAction, error) {
	if err := rec.Validate(jt); err != nil {
		return "", err
	}
	sum, err := rec.ContentChecksum()
	if err != nil {
		return "", err
	}
	var payload []byte
	if len(rec.Payload) > 0 {
		payload = rec.Payload
	}
	now := r.now()

	var action scm.UpsertAction
	err = r.withTx(ctx, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, `
			INSERT INTO ledger_records (job_type, record_key, repo_id, watermark, checksum, bulk, payload, created_at, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $8)
			ON CONFLICT (job_type, record_key) DO NOTHING`,
			jt, rec.Key, repoID, rec.Watermark.String(), sum, rec.Bulk, payload, now,
		)
		if err != nil {
			return fmt.Errorf("insert record %s: %w", rec.Key, err)
		}
		if tag.RowsAffected() == 1 {
			action = scm.ActionInserted
			return nil
		}

		var existing string
		if err := tx.QueryRow(ctx, `
			SELECT checksum FROM ledger_records WHERE job_type = $1 AND record_key = $2 FOR UPDATE`,
			jt, rec.Key,
		).Scan(&existing); err != nil {
			return fmt.Errorf("lookup record %s: %w", rec.Key, err)
		}
		if existing == sum {
			action = scm.ActionSkipped
			return nil
		}
		if jt.Immutable() {
			return fmt.Errorf("%w: %s record %s changed content", scm.ErrIntegrity, jt, rec.Key)
		}
		if _, err := tx.Exec(ctx, `
			UPDATE ledger_records SET watermark = $1, checksum = $2, bulk = $3, payload = $4, updated_at = $5
			WHERE job_type = $6 AND record_key = $7`,
			rec.Watermark.String(), sum, rec.Bulk, payload, now, jt, rec.Key,
		); err != nil {
			return fmt.Errorf("update record %s: %w", rec.Key, err)
		}
		action = scm.ActionUpdated
		return nil
	})
	if err != nil {
		return "", err
	}
	return action, nil
}

// CountRecords returns the number of stored records for the stream.
func (r *PostgresStore) CountRecords(ctx context.Context, repoID string, jt scm.JobType) (int, error) {
	var n int
	if err := r.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM ledger_records WHERE repo_id = $1 AND job_type = $2`, repoID, jt,
	).Scan(&n); err != nil {
		return 0, fmt.Errorf("count records: %w", err)
	}
	return n, nil
}
