package sqlite

import (
	"context"
	"encoding/json"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/leejennwah/scm-sync/internal/breaker"
	"github.com/leejennwah/scm-sync/internal/clock"
	"github.com/leejennwah/scm-sync/internal/job"
	"github.com/leejennwah/scm-sync/internal/scm"
)

var t0 = time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC)

func newTestStore(t *testing.T) (*Store, *clock.Fake) {
	t.Helper()
	clk := clock.NewFake(t0)
	s, err := Open(context.Background(), filepath.Join(t.TempDir(), "sync.db"), zap.NewNop(), WithClock(clk))
	require.NoError(t, err)
	require.NoError(t, s.Migrate(context.Background()))
	t.Cleanup(func() { s.Close() })
	return s, clk
}

func ensureRepo(t *testing.T, s *Store, rt scm.RepoType, url, project string) *scm.Repository {
	t.Helper()
	r, err := scm.NewRepository(rt, url, project, "main")
	require.NoError(t, err)
	got, err := s.EnsureRepository(context.Background(), r)
	require.NoError(t, err)
	return got
}

func newJob(t *testing.T, repo *scm.Repository, jt scm.JobType, reason job.Reason, now time.Time) *job.SyncJob {
	t.Helper()
	j, err := job.New(repo, jt, reason, job.Params{Mode: scm.ModeIncremental, Policy: scm.PolicyStrict}, now)
	require.NoError(t, err)
	return j
}

func TestMigrate_Idempotent(t *testing.T) {
	s, _ := newTestStore(t)
	require.NoError(t, s.Migrate(context.Background()))

	var version int
	require.NoError(t, s.db.QueryRow("PRAGMA user_version").Scan(&version))
	assert.Equal(t, currentSchemaVersion, version)
}

func TestEnsureRepository(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestStore(t)

	first := ensureRepo(t, s, scm.RepoTypeGit, "https://git.example.com/team/app.git", "team/app")
	assert.Equal(t, "git:team/app", first.ID)
	assert.True(t, first.CreatedAt.Equal(t0))

	again := ensureRepo(t, s, scm.RepoTypeGit, "https://git.example.com/team/app.git", "other/name")
	assert.Equal(t, first.ID, again.ID, "identity is (type, url)")

	clash, err := scm.NewRepository(scm.RepoTypeGit, "https://mirror.example.com/app.git", "team/app", "")
	require.NoError(t, err)
	_, err = s.EnsureRepository(ctx, clash)
	assert.ErrorIs(t, err, scm.ErrRepoIDConflict)

	_, err = s.GetRepository(ctx, "git:missing")
	assert.ErrorIs(t, err, scm.ErrRepoNotFound)

	ensureRepo(t, s, scm.RepoTypeSVN, "svn://svn.example.com/core", "core")
	all, err := s.ListRepositories(ctx)
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, "git:team/app", all[0].ID)
	assert.Equal(t, "svn:core", all[1].ID)
}

func TestEnqueue_OneActiveJobPerStream(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestStore(t)
	repo := ensureRepo(t, s, scm.RepoTypeGit, "https://git.example.com/team/app.git", "team/app")

	ok, err := s.Enqueue(ctx, newJob(t, repo, scm.JobTypeCommits, job.ReasonIncremental, t0))
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = s.Enqueue(ctx, newJob(t, repo, scm.JobTypeCommits, job.ReasonRepair, t0))
	require.NoError(t, err)
	assert.False(t, ok, "second active job for the stream is a no-op")

	ok, err = s.Enqueue(ctx, newJob(t, repo, scm.JobTypeMRs, job.ReasonIncremental, t0))
	require.NoError(t, err)
	assert.True(t, ok, "other job types are separate streams")

	counts, err := s.Counts(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, counts.Pending)
	assert.Equal(t, 2, counts.ActiveByInstance["git.example.com"])
}

func TestClaim_PriorityAndFilters(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestStore(t)
	a := ensureRepo(t, s, scm.RepoTypeGit, "https://git.example.com/alpha/app.git", "alpha/app")
	b := ensureRepo(t, s, scm.RepoTypeGit, "https://git.example.com/beta/app.git", "beta/app")

	jobA := newJob(t, a, scm.JobTypeCommits, job.ReasonRepair, t0)
	jobB := newJob(t, b, scm.JobTypeCommits, job.ReasonIncremental, t0.Add(time.Second))
	for _, j := range []*job.SyncJob{jobA, jobB} {
		ok, err := s.Enqueue(ctx, j)
		require.NoError(t, err)
		require.True(t, ok)
	}

	c, err := s.Claim(ctx, job.ClaimRequest{WorkerID: "w1", ExcludeTenants: []string{"beta"}, Lease: time.Minute, Now: t0})
	require.NoError(t, err)
	require.NotNil(t, c)
	assert.Equal(t, jobA.ID, c.Job.ID, "beta excluded")
	assert.Equal(t, job.StatusRunning, c.Job.Status)
	assert.Equal(t, 1, c.Job.Attempts)
	assert.True(t, c.Run.LeaseExpiresAt.Equal(t0.Add(time.Minute)))

	c, err = s.Claim(ctx, job.ClaimRequest{WorkerID: "w1", JobTypes: []scm.JobType{scm.JobTypeMRs}, Lease: time.Minute, Now: t0})
	require.NoError(t, err)
	assert.Nil(t, c)

	c, err = s.Claim(ctx, job.ClaimRequest{WorkerID: "w1", Lease: time.Minute, Now: t0})
	require.NoError(t, err)
	require.NotNil(t, c)
	assert.Equal(t, jobB.ID, c.Job.ID)

	statuses, err := s.ActiveStatuses(ctx)
	require.NoError(t, err)
	assert.Equal(t, job.StatusRunning, statuses[jobA.Key()])
	assert.Equal(t, job.StatusRunning, statuses[jobB.Key()])
}

func TestClaim_ConcurrentWorkersClaimOnce(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestStore(t)
	repo := ensureRepo(t, s, scm.RepoTypeSVN, "svn://svn.example.com/core", "core")
	_, err := s.Enqueue(ctx, newJob(t, repo, scm.JobTypeSVNRevisions, job.ReasonIncremental, t0))
	require.NoError(t, err)

	var mu sync.Mutex
	claimed := 0
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			c, err := s.Claim(ctx, job.ClaimRequest{WorkerID: "w" + string(rune('a'+i)), Lease: time.Minute, Now: t0})
			assert.NoError(t, err)
			if c != nil {
				mu.Lock()
				claimed++
				mu.Unlock()
			}
		}(i)
	}
	wg.Wait()
	assert.Equal(t, 1, claimed)
}

func TestLease_RenewFinishAndReclaim(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestStore(t)
	repo := ensureRepo(t, s, scm.RepoTypeGit, "https://git.example.com/team/app.git", "team/app")
	j := newJob(t, repo, scm.JobTypeCommits, job.ReasonIncremental, t0)
	_, err := s.Enqueue(ctx, j)
	require.NoError(t, err)

	c, err := s.Claim(ctx, job.ClaimRequest{WorkerID: "w1", Lease: time.Minute, Now: t0})
	require.NoError(t, err)
	require.NotNil(t, c)

	assert.ErrorIs(t, s.RenewLease(ctx, c.Run.ID, "w2", t0.Add(2*time.Minute), t0), job.ErrLeaseLost)
	require.NoError(t, s.RenewLease(ctx, c.Run.ID, "w1", t0.Add(2*time.Minute), t0.Add(30*time.Second)))

	stale, err := s.ListStaleRuns(ctx, t0.Add(3*time.Minute), t0.Add(-time.Hour), 10)
	require.NoError(t, err)
	require.Len(t, stale, 1)
	assert.True(t, stale[0].LeaseExpiresAt.Equal(t0.Add(2*time.Minute)))

	// A renewal after the read invalidates the observed lease.
	require.NoError(t, s.RenewLease(ctx, c.Run.ID, "w1", t0.Add(4*time.Minute), t0.Add(time.Minute)))
	ok, err := s.ReclaimRun(ctx, stale[0], job.ReclaimToPending, job.FailReapedExpired, t0.Add(3*time.Minute))
	require.NoError(t, err)
	assert.False(t, ok)

	stale, err = s.ListStaleRuns(ctx, t0.Add(5*time.Minute), t0.Add(-time.Hour), 10)
	require.NoError(t, err)
	require.Len(t, stale, 1)
	ok, err = s.ReclaimRun(ctx, stale[0], job.ReclaimToPending, job.FailReapedExpired, t0.Add(5*time.Minute))
	require.NoError(t, err)
	assert.True(t, ok)

	assert.ErrorIs(t, s.RenewLease(ctx, c.Run.ID, "w1", t0.Add(6*time.Minute), t0.Add(5*time.Minute)), job.ErrLeaseLost)
	assert.ErrorIs(t, s.FinishRun(ctx, c.Run.ID, "w1", job.Result{Outcome: job.OutcomeSuccess}, t0.Add(5*time.Minute)), job.ErrLeaseLost)

	got, err := s.GetJob(ctx, j.ID)
	require.NoError(t, err)
	assert.Equal(t, job.StatusPending, got.Status)
	assert.Equal(t, job.FailReapedExpired, got.LastError)

	c2, err := s.Claim(ctx, job.ClaimRequest{WorkerID: "w2", Lease: time.Minute, Now: t0.Add(6 * time.Minute)})
	require.NoError(t, err)
	require.NotNil(t, c2)
	assert.Equal(t, 2, c2.Job.Attempts)

	summary := json.RawMessage(`{"records":3}`)
	require.NoError(t, s.FinishRun(ctx, c2.Run.ID, "w2", job.Result{Outcome: job.OutcomeSuccess, Summary: summary}, t0.Add(7*time.Minute)))

	runs, err := s.ListRuns(ctx, j.ID)
	require.NoError(t, err)
	require.Len(t, runs, 2)
	assert.Equal(t, job.RunReclaimed, runs[0].Status)
	assert.Equal(t, job.RunDone, runs[1].Status)
	assert.JSONEq(t, `{"records":3}`, string(runs[1].Summary))

	stats, err := s.Stats(ctx)
	require.NoError(t, err)
	st := stats[j.Key()]
	require.NotNil(t, st)
	assert.Equal(t, job.OutcomeSuccess, st.LastOutcome)
	assert.Equal(t, 0, st.Pending+st.Running)
}

func TestReclaimRun_ConcurrentReapersReclaimOnce(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestStore(t)
	repo := ensureRepo(t, s, scm.RepoTypeGit, "https://git.example.com/team/app.git", "team/app")
	_, err := s.Enqueue(ctx, newJob(t, repo, scm.JobTypeCommits, job.ReasonIncremental, t0))
	require.NoError(t, err)
	_, err = s.Claim(ctx, job.ClaimRequest{WorkerID: "w1", Lease: time.Minute, Now: t0})
	require.NoError(t, err)

	stale, err := s.ListStaleRuns(ctx, t0.Add(2*time.Minute), t0.Add(-time.Hour), 10)
	require.NoError(t, err)
	require.Len(t, stale, 1)

	var mu sync.Mutex
	wins := 0
	var wg sync.WaitGroup
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, err := s.ReclaimRun(ctx, stale[0], job.ReclaimToFailed, job.FailReapedExpired, t0.Add(2*time.Minute))
			assert.NoError(t, err)
			if ok {
				mu.Lock()
				wins++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, wins)

	got, err := s.GetJob(ctx, stale[0].JobID)
	require.NoError(t, err)
	assert.Equal(t, job.StatusFailed, got.Status)
}

func TestCursor_Upsert(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestStore(t)

	raw, err := s.GetCursor(ctx, "scm.sync", "commits_cursor:git:team/app")
	require.NoError(t, err)
	assert.Nil(t, raw)

	require.NoError(t, s.SetCursor(ctx, "scm.sync", "commits_cursor:git:team/app", json.RawMessage(`{"last_commit_ts":"2024-05-01T09:00:00Z"}`)))
	require.NoError(t, s.SetCursor(ctx, "scm.sync", "commits_cursor:git:team/app", json.RawMessage(`{"last_commit_ts":"2024-05-02T09:00:00Z"}`)))
	assert.Error(t, s.SetCursor(ctx, "scm.sync", "bad", json.RawMessage(`{`)))

	raw, err = s.GetCursor(ctx, "scm.sync", "commits_cursor:git:team/app")
	require.NoError(t, err)
	assert.JSONEq(t, `{"last_commit_ts":"2024-05-02T09:00:00Z"}`, string(raw))

	all, err := s.ListCursors(ctx, "scm.sync")
	require.NoError(t, err)
	assert.Len(t, all, 1)
}

func TestBreaker_VersionedSave(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestStore(t)
	key := scm.Key{RepoID: "git:team/app", JobType: scm.JobTypeCommits}

	got, err := s.LoadBreaker(ctx, key)
	require.NoError(t, err)
	assert.Nil(t, got)

	snap := breaker.NewSnapshot(key)
	snap.Samples = []breaker.Sample{{At: t0, Kind: breaker.KindFailure}}
	snap.SampleCount = 1
	require.NoError(t, s.SaveBreaker(ctx, snap, 0))
	assert.Equal(t, int64(1), snap.Version)

	stale := breaker.NewSnapshot(key)
	assert.ErrorIs(t, s.SaveBreaker(ctx, stale, 0), breaker.ErrVersionConflict)
	assert.Equal(t, int64(0), stale.Version)

	snap.State = breaker.StateOpen
	opened := t0
	snap.OpenedAt = &opened
	require.NoError(t, s.SaveBreaker(ctx, snap, 1))
	assert.ErrorIs(t, s.SaveBreaker(ctx, snap, 1), breaker.ErrVersionConflict)

	got, err = s.LoadBreaker(ctx, key)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, breaker.StateOpen, got.State)
	assert.Equal(t, int64(2), got.Version)
	require.Len(t, got.Samples, 1)
	assert.True(t, got.OpenedAt.Equal(t0))

	all, err := s.ListBreakers(ctx)
	require.NoError(t, err)
	assert.Len(t, all, 1)
}

func TestLedger_UpsertActions(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestStore(t)

	commit := &scm.Record{
		Key:       scm.CommitKey("git:team/app", "abc123"),
		Watermark: scm.Timestamp(t0),
		Payload:   json.RawMessage(`{"sha":"abc123"}`),
	}
	action, err := s.UpsertRecord(ctx, "git:team/app", scm.JobTypeCommits, commit)
	require.NoError(t, err)
	assert.Equal(t, scm.ActionInserted, action)

	action, err = s.UpsertRecord(ctx, "git:team/app", scm.JobTypeCommits, commit)
	require.NoError(t, err)
	assert.Equal(t, scm.ActionSkipped, action)

	changed := *commit
	changed.Payload = json.RawMessage(`{"sha":"abc123","msg":"rewritten"}`)
	_, err = s.UpsertRecord(ctx, "git:team/app", scm.JobTypeCommits, &changed)
	assert.ErrorIs(t, err, scm.ErrIntegrity, "commits are immutable")

	mr := &scm.Record{
		Key:       scm.MRID("git:team/app", 7),
		Watermark: scm.Timestamp(t0),
		Payload:   json.RawMessage(`{"state":"opened"}`),
	}
	_, err = s.UpsertRecord(ctx, "git:team/app", scm.JobTypeMRs, mr)
	require.NoError(t, err)
	mr.Payload = json.RawMessage(`{"state":"merged"}`)
	action, err = s.UpsertRecord(ctx, "git:team/app", scm.JobTypeMRs, mr)
	require.NoError(t, err)
	assert.Equal(t, scm.ActionUpdated, action)

	bad := &scm.Record{Key: "x", Watermark: scm.Timestamp(t0), Checksum: "deadbeef", Payload: json.RawMessage(`{}`)}
	_, err = s.UpsertRecord(ctx, "git:team/app", scm.JobTypeMRs, bad)
	assert.ErrorIs(t, err, scm.ErrIntegrity)

	n, err := s.CountRecords(ctx, "git:team/app", scm.JobTypeCommits)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}
