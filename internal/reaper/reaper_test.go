package reaper

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/leejennwah/scm-sync/internal/breaker"
	"github.com/leejennwah/scm-sync/internal/clock"
	"github.com/leejennwah/scm-sync/internal/job"
	"github.com/leejennwah/scm-sync/internal/metrics"
	"github.com/leejennwah/scm-sync/internal/scm"
	"github.com/leejennwah/scm-sync/internal/storage/sqlite"
)

var t0 = time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC)

const lease = time.Minute

type testEnv struct {
	store    *sqlite.Store
	clk      *clock.Fake
	breakers *breaker.Controller
	metrics  *metrics.Metrics
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	ctx := context.Background()
	clk := clock.NewFake(t0)
	store, err := sqlite.Open(ctx, filepath.Join(t.TempDir(), "sync.db"), zap.NewNop(), sqlite.WithClock(clk))
	require.NoError(t, err)
	require.NoError(t, store.Migrate(ctx))
	t.Cleanup(func() { store.Close() })
	m := metrics.New(prometheus.NewRegistry())
	return &testEnv{
		store:    store,
		clk:      clk,
		breakers: breaker.NewController(store, breaker.DefaultConfig(), clk, m, zap.NewNop()),
		metrics:  m,
	}
}

func (e *testEnv) reaper(cfg Config) *Reaper {
	return New(e.store, e.breakers, e.clk, e.metrics, zap.NewNop(), cfg)
}

// claimed enqueues and claims a job, returning its run.
func (e *testEnv) claimed(t *testing.T, project string) *job.Claim {
	t.Helper()
	ctx := context.Background()
	r, err := scm.NewRepository(scm.RepoTypeSVN, "svn://svn.example.com/"+project, project, "")
	require.NoError(t, err)
	repo, err := e.store.EnsureRepository(ctx, r)
	require.NoError(t, err)
	j, err := job.New(repo, scm.JobTypeSVNRevisions, job.ReasonIncremental, job.Params{Mode: scm.ModeIncremental}, e.clk.Now())
	require.NoError(t, err)
	ok, err := e.store.Enqueue(ctx, j)
	require.NoError(t, err)
	require.True(t, ok)
	c, err := e.store.Claim(ctx, job.ClaimRequest{WorkerID: "w1", JobID: &j.ID, Lease: lease, Now: e.clk.Now()})
	require.NoError(t, err)
	require.NotNil(t, c)
	return c
}

func (e *testEnv) jobStatus(t *testing.T, c *job.Claim) (job.Status, job.RunStatus) {
	t.Helper()
	ctx := context.Background()
	j, err := e.store.GetJob(ctx, c.Job.ID)
	require.NoError(t, err)
	runs, err := e.store.ListRuns(ctx, c.Job.ID)
	require.NoError(t, err)
	require.NotEmpty(t, runs)
	return j.Status, runs[len(runs)-1].Status
}

func TestSweep_LeavesValidAndGraceLeases(t *testing.T) {
	ctx := context.Background()
	e := newTestEnv(t)
	c := e.claimed(t, "core")
	r := e.reaper(DefaultConfig())

	e.clk.Advance(lease - time.Second)
	report, err := r.Sweep(ctx, false)
	require.NoError(t, err)
	assert.Empty(t, report.Runs)

	e.clk.Advance(DefaultConfig().Grace)
	report, err = r.Sweep(ctx, false)
	require.NoError(t, err)
	assert.Empty(t, report.Runs, "lease expired less than grace ago")

	js, rs := e.jobStatus(t, c)
	assert.Equal(t, job.StatusRunning, js)
	assert.Equal(t, job.RunRunning, rs)
}

func TestSweep_ReclaimsExpiredToPending(t *testing.T) {
	ctx := context.Background()
	e := newTestEnv(t)
	c := e.claimed(t, "core")

	e.clk.Advance(lease + DefaultConfig().Grace + time.Second)
	report, err := e.reaper(DefaultConfig()).Sweep(ctx, false)
	require.NoError(t, err)
	require.Len(t, report.Runs, 1)
	assert.Equal(t, 1, report.Reclaimed)
	assert.True(t, report.Runs[0].Reclaimed)
	assert.Equal(t, job.FailReapedExpired, report.Runs[0].Reason)
	assert.Equal(t, c.Run.ID, report.Runs[0].RunID)

	js, rs := e.jobStatus(t, c)
	assert.Equal(t, job.StatusPending, js)
	assert.Equal(t, job.RunReclaimed, rs)

	next, err := e.store.Claim(ctx, job.ClaimRequest{WorkerID: "w2", Lease: lease, Now: e.clk.Now()})
	require.NoError(t, err)
	require.NotNil(t, next, "requeued job is claimable again")
	assert.Equal(t, c.Job.ID, next.Job.ID)

	snap, err := e.breakers.Peek(ctx, c.Job.Key())
	require.NoError(t, err)
	assert.Empty(t, snap.Samples, "expired leases say nothing about the source")
}

func TestSweep_ToFailedPolicy(t *testing.T) {
	ctx := context.Background()
	e := newTestEnv(t)
	c := e.claimed(t, "core")
	cfg := DefaultConfig()
	cfg.Policy = job.ReclaimToFailed

	e.clk.Advance(lease + cfg.Grace + time.Second)
	report, err := e.reaper(cfg).Sweep(ctx, false)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Reclaimed)

	js, rs := e.jobStatus(t, c)
	assert.Equal(t, job.StatusFailed, js)
	assert.Equal(t, job.RunReclaimed, rs)

	j, err := e.store.GetJob(ctx, c.Job.ID)
	require.NoError(t, err)
	assert.Equal(t, job.FailReapedExpired, j.LastError)
}

func TestSweep_ReclaimsRunawayDespiteValidLease(t *testing.T) {
	ctx := context.Background()
	e := newTestEnv(t)
	c := e.claimed(t, "core")
	cfg := DefaultConfig()

	for elapsed := time.Duration(0); elapsed <= cfg.RunMax; elapsed += 30 * time.Second {
		e.clk.Advance(30 * time.Second)
		now := e.clk.Now()
		require.NoError(t, e.store.RenewLease(ctx, c.Run.ID, "w1", now.Add(lease), now))
	}

	report, err := e.reaper(cfg).Sweep(ctx, false)
	require.NoError(t, err)
	require.Len(t, report.Runs, 1)
	assert.Equal(t, job.FailReapedRunaway, report.Runs[0].Reason)
	assert.True(t, report.Runs[0].Reclaimed)

	snap, err := e.breakers.Peek(ctx, c.Job.Key())
	require.NoError(t, err)
	require.Len(t, snap.Samples, 1)
	assert.Equal(t, breaker.KindTimeout, snap.Samples[0].Kind)
}

func TestSweep_DryRunChangesNothing(t *testing.T) {
	ctx := context.Background()
	e := newTestEnv(t)
	c := e.claimed(t, "core")

	e.clk.Advance(lease + DefaultConfig().Grace + time.Second)
	report, err := e.reaper(DefaultConfig()).Sweep(ctx, true)
	require.NoError(t, err)
	assert.True(t, report.DryRun)
	require.Len(t, report.Runs, 1)
	assert.False(t, report.Runs[0].Reclaimed)
	assert.Equal(t, 0, report.Reclaimed)

	js, rs := e.jobStatus(t, c)
	assert.Equal(t, job.StatusRunning, js)
	assert.Equal(t, job.RunRunning, rs)
}

// renewingStore renews every listed run before the reaper gets to it, like a
// worker heartbeat landing between the list and the compare-and-set.
type renewingStore struct {
	*sqlite.Store
	clk *clock.Fake
}

func (s renewingStore) ListStaleRuns(ctx context.Context, leaseCutoff, startedCutoff time.Time, limit int) ([]*job.Run, error) {
	runs, err := s.Store.ListStaleRuns(ctx, leaseCutoff, startedCutoff, limit)
	if err != nil {
		return nil, err
	}
	for _, r := range runs {
		now := s.clk.Now()
		if err := s.Store.RenewLease(ctx, r.ID, r.WorkerID, now.Add(lease), now); err != nil {
			return nil, err
		}
	}
	return runs, nil
}

func TestSweep_LosesRaceToRenewal(t *testing.T) {
	ctx := context.Background()
	e := newTestEnv(t)
	c := e.claimed(t, "core")
	r := New(renewingStore{Store: e.store, clk: e.clk}, e.breakers, e.clk, e.metrics, zap.NewNop(), DefaultConfig())

	e.clk.Advance(lease + DefaultConfig().Grace + time.Second)
	report, err := r.Sweep(ctx, false)
	require.NoError(t, err)
	assert.Equal(t, 0, report.Reclaimed)
	assert.Equal(t, 1, report.Raced)

	js, rs := e.jobStatus(t, c)
	assert.Equal(t, job.StatusRunning, js)
	assert.Equal(t, job.RunRunning, rs)
}

func TestSweep_ConcurrentReapersReclaimOnce(t *testing.T) {
	ctx := context.Background()
	e := newTestEnv(t)
	e.claimed(t, "core")
	e.clk.Advance(lease + DefaultConfig().Grace + time.Second)

	results := make(chan *SweepReport, 4)
	for i := 0; i < 4; i++ {
		go func() {
			rep, err := e.reaper(DefaultConfig()).Sweep(ctx, false)
			assert.NoError(t, err)
			results <- rep
		}()
	}
	total := 0
	for i := 0; i < 4; i++ {
		if rep := <-results; rep != nil {
			total += rep.Reclaimed
		}
	}
	assert.Equal(t, 1, total)
}
