package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/leejennwah/scm-sync/internal/breaker"
	"github.com/leejennwah/scm-sync/internal/clock"
	"github.com/leejennwah/scm-sync/internal/cursor"
	"github.com/leejennwah/scm-sync/internal/job"
	"github.com/leejennwah/scm-sync/internal/metrics"
	"github.com/leejennwah/scm-sync/internal/scm"
	"github.com/leejennwah/scm-sync/internal/source/jsonl"
	"github.com/leejennwah/scm-sync/internal/storage/sqlite"
)

var t0 = time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC)

// fakeSource serves canned records per repository, paginated by offset.
type fakeSource struct {
	mu       sync.Mutex
	records  map[string][]scm.Record
	err      error
	onFetch  func(ctx context.Context, req scm.FetchRequest) error
	requests []scm.FetchRequest
}

func (f *fakeSource) set(repoID string, recs []scm.Record) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.records[repoID] = recs
}

func (f *fakeSource) Fetch(ctx context.Context, req scm.FetchRequest) (*scm.FetchResult, error) {
	f.mu.Lock()
	f.requests = append(f.requests, req)
	hook, ferr, recs := f.onFetch, f.err, f.records[req.Repo.ID]
	f.mu.Unlock()

	if hook != nil {
		if err := hook(ctx, req); err != nil {
			return nil, err
		}
	}
	if ferr != nil {
		return nil, ferr
	}

	var in []scm.Record
	for _, r := range recs {
		if r.Watermark.Compare(req.Since) < 0 {
			continue
		}
		if req.Until != nil && r.Watermark.After(*req.Until) {
			continue
		}
		in = append(in, r)
	}
	off := 0
	if req.Marker != "" {
		off, _ = strconv.Atoi(req.Marker)
	}
	end := min(off+req.BatchSize, len(in))
	res := &scm.FetchResult{Records: append([]scm.Record(nil), in[off:end]...)}
	if end < len(in) {
		res.HasMore = true
		res.LastMarker = strconv.Itoa(end)
	}
	return res, nil
}

func (f *fakeSource) lastRequest() scm.FetchRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.requests[len(f.requests)-1]
}

// failingLedger rejects the listed record keys.
type failingLedger struct {
	scm.Ledger
	fail map[string]bool
}

func (l *failingLedger) UpsertRecord(ctx context.Context, repoID string, jt scm.JobType, rec *scm.Record) (scm.UpsertAction, error) {
	if l.fail[rec.Key] {
		return "", errors.New("disk full")
	}
	return l.Ledger.UpsertRecord(ctx, repoID, jt, rec)
}

// unrenewable fails every lease renewal with a store error.
type unrenewable struct {
	job.Repository
}

func (unrenewable) RenewLease(context.Context, uuid.UUID, string, time.Time, time.Time) error {
	return errors.New("database unavailable")
}

type testEnv struct {
	store    *sqlite.Store
	clk      *clock.Fake
	cursors  *cursor.Cursors
	breakers *breaker.Controller
	source   *fakeSource
	metrics  *metrics.Metrics
	jobs     job.Repository
	ledger   scm.Ledger
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
		cursors:  cursor.New(store),
		breakers: breaker.NewController(store, breaker.DefaultConfig(), clk, m, zap.NewNop()),
		source:   &fakeSource{records: map[string][]scm.Record{}},
		metrics:  m,
		jobs:     store,
		ledger:   store,
	}
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.WorkerID = "w1"
	cfg.RenewInterval = time.Hour
	cfg.BatchSize = 2
	return cfg
}

func (e *testEnv) worker(cfg Config) *Worker {
	adapters := scm.Adapters{
		scm.JobTypeSVNRevisions: e.source,
		scm.JobTypeCommits:      e.source,
	}
	return New(e.store, e.jobs, e.cursors, e.breakers, adapters, e.ledger, e.clk, e.metrics, zap.NewNop(), cfg)
}

func (e *testEnv) svnRepo(t *testing.T, project string) *scm.Repository {
	t.Helper()
	r, err := scm.NewRepository(scm.RepoTypeSVN, "svn://svn.example.com/"+project, project, "")
	require.NoError(t, err)
	r, err = e.store.EnsureRepository(context.Background(), r)
	require.NoError(t, err)
	return r
}

func (e *testEnv) enqueue(t *testing.T, repo *scm.Repository, jt scm.JobType, params job.Params) *job.SyncJob {
	t.Helper()
	reason := job.ReasonIncremental
	if params.Mode == scm.ModeBackfill {
		reason = job.ReasonManual
	}
	j, err := job.New(repo, jt, reason, params, e.clk.Now())
	require.NoError(t, err)
	ok, err := e.store.Enqueue(context.Background(), j)
	require.NoError(t, err)
	require.True(t, ok)
	e.clk.Advance(time.Second)
	return j
}

func (e *testEnv) cursorAt(t *testing.T, repoID string, jt scm.JobType) *scm.Watermark {
	t.Helper()
	v, err := e.cursors.Get(context.Background(), repoID, jt)
	require.NoError(t, err)
	if v == nil {
		return nil
	}
	return &v.Watermark
}

func (e *testEnv) status(t *testing.T, id uuid.UUID) job.Status {
	t.Helper()
	j, err := e.store.GetJob(context.Background(), id)
	require.NoError(t, err)
	return j.Status
}

func revisions(repoID string, revs ...int64) []scm.Record {
	out := make([]scm.Record, 0, len(revs))
	for _, r := range revs {
		out = append(out, scm.Record{
			Key:          scm.SVNKey(repoID, r),
			Watermark:    scm.Revision(r),
			ChangedPaths: 1,
			Payload:      json.RawMessage(fmt.Sprintf(`{"rev":%d}`, r)),
		})
	}
	return out
}

func incremental() job.Params {
	return job.Params{Mode: scm.ModeIncremental}
}

func rev(n int64) *scm.Watermark {
	w := scm.Revision(n)
	return &w
}

func TestRunOnce_EmptyQueue(t *testing.T) {
	e := newTestEnv(t)
	rep, err := e.worker(testConfig()).RunOnce(context.Background())
	require.NoError(t, err)
	assert.Nil(t, rep)
}

func TestRunOnce_StrictIncrementalAdvancesCursor(t *testing.T) {
	ctx := context.Background()
	e := newTestEnv(t)
	repo := e.svnRepo(t, "core")
	e.source.set(repo.ID, revisions(repo.ID, 1, 2, 3, 4, 5))
	j := e.enqueue(t, repo, scm.JobTypeSVNRevisions, incremental())

	rep, err := e.worker(testConfig()).RunOnce(ctx)
	require.NoError(t, err)
	require.NotNil(t, rep)

	assert.Equal(t, job.OutcomeSuccess, rep.Outcome)
	assert.Equal(t, 5, rep.Fetched)
	assert.Equal(t, 5, rep.Inserted)
	assert.Empty(t, rep.Errors)
	assert.Nil(t, rep.CursorBefore)
	require.NotNil(t, rep.CursorAfter)
	assert.Equal(t, int64(5), rep.CursorAfter.Rev)
	assert.True(t, rep.CursorWritten)
	assert.Len(t, e.source.requests, 3, "five records in pages of two")

	assert.Equal(t, int64(5), e.cursorAt(t, repo.ID, scm.JobTypeSVNRevisions).Rev)
	assert.Equal(t, job.StatusDone, e.status(t, j.ID))

	v, err := e.cursors.Get(ctx, repo.ID, scm.JobTypeSVNRevisions)
	require.NoError(t, err)
	assert.Equal(t, rep.RunID.String(), v.RunID)
	assert.Equal(t, 5, v.SyncedCount)

	runs, err := e.store.ListRuns(ctx, j.ID)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, job.RunDone, runs[0].Status)
	var summary Report
	require.NoError(t, json.Unmarshal(runs[0].Summary, &summary))
	assert.Equal(t, 5, summary.Inserted)
	assert.Equal(t, job.OutcomeSuccess, summary.Outcome)

	snap, err := e.breakers.Peek(ctx, j.Key())
	require.NoError(t, err)
	require.Len(t, snap.Samples, 1)
	assert.Equal(t, breaker.KindSuccess, snap.Samples[0].Kind)
}

func TestRunOnce_StrictRecordErrorKeepsCursor(t *testing.T) {
	ctx := context.Background()
	e := newTestEnv(t)
	repo := e.svnRepo(t, "core")
	e.source.set(repo.ID, revisions(repo.ID, 1, 2, 3, 4))
	e.ledger = &failingLedger{Ledger: e.store, fail: map[string]bool{scm.SVNKey(repo.ID, 3): true}}
	j := e.enqueue(t, repo, scm.JobTypeSVNRevisions, incremental())

	rep, err := e.worker(testConfig()).RunOnce(ctx)
	require.NoError(t, err)

	assert.Equal(t, job.OutcomeFailure, rep.Outcome)
	assert.Equal(t, job.FailRecordError, rep.Reason)
	assert.Equal(t, 2, rep.Inserted, "rows before the failure stay written")
	require.Len(t, rep.Errors, 1)
	assert.Equal(t, scm.ReasonWrite, rep.Errors[0].Reason)
	assert.False(t, rep.CursorWritten)
	assert.Nil(t, e.cursorAt(t, repo.ID, scm.JobTypeSVNRevisions))
	assert.Equal(t, job.StatusFailed, e.status(t, j.ID))

	n, err := e.store.CountRecords(ctx, repo.ID, scm.JobTypeSVNRevisions)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	snap, err := e.breakers.Peek(ctx, j.Key())
	require.NoError(t, err)
	require.Len(t, snap.Samples, 1)
	assert.Equal(t, breaker.KindPartial, snap.Samples[0].Kind, "data errors do not count against the source")
}

func TestRunOnce_StrictNeverMovesCursorBack(t *testing.T) {
	ctx := context.Background()
	e := newTestEnv(t)
	repo := e.svnRepo(t, "core")
	require.NoError(t, e.cursors.Put(ctx, repo.ID, scm.JobTypeSVNRevisions, &cursor.Value{
		Watermark: scm.Revision(10), SyncedAt: t0,
	}))
	e.source.set(repo.ID, revisions(repo.ID, 8, 9, 10))
	e.enqueue(t, repo, scm.JobTypeSVNRevisions, incremental())

	cfg := testConfig()
	cfg.Overlap = cursor.Overlap{Revs: 3}
	rep, err := e.worker(cfg).RunOnce(ctx)
	require.NoError(t, err)

	assert.Equal(t, int64(7), e.source.lastRequest().Since.Rev)
	assert.Equal(t, job.OutcomeSuccess, rep.Outcome)
	assert.Equal(t, int64(10), e.cursorAt(t, repo.ID, scm.JobTypeSVNRevisions).Rev)
}

func TestRunOnce_BestEffortAdvancesToLastSuccess(t *testing.T) {
	ctx := context.Background()
	e := newTestEnv(t)
	repo := e.svnRepo(t, "core")
	e.source.set(repo.ID, revisions(repo.ID, 1, 2, 3, 4))
	e.ledger = &failingLedger{Ledger: e.store, fail: map[string]bool{scm.SVNKey(repo.ID, 3): true}}
	j := e.enqueue(t, repo, scm.JobTypeSVNRevisions, job.Params{Mode: scm.ModeIncremental, Policy: scm.PolicyBestEffort})

	rep, err := e.worker(testConfig()).RunOnce(ctx)
	require.NoError(t, err)

	assert.Equal(t, job.OutcomePartial, rep.Outcome)
	assert.Equal(t, scm.PolicyBestEffort, rep.Policy)
	assert.Equal(t, 3, rep.Inserted)
	require.Len(t, rep.Errors, 1)
	assert.Equal(t, scm.SVNKey(repo.ID, 3), rep.Errors[0].ID)
	assert.Equal(t, "3", rep.Errors[0].Watermark)
	assert.Equal(t, int64(2), e.cursorAt(t, repo.ID, scm.JobTypeSVNRevisions).Rev)
	assert.Equal(t, job.StatusDone, e.status(t, j.ID))
}

func TestRunOnce_MalformedExportLineFollowsPolicy(t *testing.T) {
	ctx := context.Background()
	e := newTestEnv(t)
	repo := e.svnRepo(t, "core")
	src := jsonl.New(t.TempDir())
	path := src.Path(repo.ID, scm.JobTypeSVNRevisions)
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte("{\"rev\":1}\n{\"rev\":2}\n{\"rev\":3,\"changed_paths\":\"x\"}\n{\"rev\":4}\n"), 0o644))
	w := New(e.store, e.jobs, e.cursors, e.breakers, jsonl.Adapters(filepath.Dir(filepath.Dir(path))), e.ledger, e.clk, e.metrics, zap.NewNop(), testConfig())

	e.enqueue(t, repo, scm.JobTypeSVNRevisions, incremental())
	rep, err := w.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, job.OutcomeFailure, rep.Outcome)
	assert.Equal(t, job.FailRecordError, rep.Reason)
	assert.Equal(t, 2, rep.Inserted)
	require.Len(t, rep.Errors, 1)
	assert.Equal(t, "svn_revisions.jsonl:3", rep.Errors[0].ID)
	assert.Equal(t, scm.ReasonInvalid, rep.Errors[0].Reason)
	assert.Equal(t, "3", rep.Errors[0].Watermark)
	assert.Nil(t, e.cursorAt(t, repo.ID, scm.JobTypeSVNRevisions))

	e.enqueue(t, repo, scm.JobTypeSVNRevisions, job.Params{Mode: scm.ModeIncremental, Policy: scm.PolicyBestEffort})
	rep, err = w.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, job.OutcomePartial, rep.Outcome)
	assert.Equal(t, 1, rep.Inserted, "the line is skipped and the revision after it written")
	assert.Equal(t, 2, rep.Skipped)
	require.Len(t, rep.Errors, 1)
	assert.Equal(t, int64(2), e.cursorAt(t, repo.ID, scm.JobTypeSVNRevisions).Rev)
}

func TestRunOnce_BackfillLeavesCursorUnlessFlagged(t *testing.T) {
	ctx := context.Background()
	e := newTestEnv(t)
	repo := e.svnRepo(t, "core")
	require.NoError(t, e.cursors.Put(ctx, repo.ID, scm.JobTypeSVNRevisions, &cursor.Value{
		Watermark: scm.Revision(500), SyncedAt: t0,
	}))
	e.source.set(repo.ID, revisions(repo.ID, 100, 1500, 2000, 2500))
	w := e.worker(testConfig())

	e.enqueue(t, repo, scm.JobTypeSVNRevisions, job.Params{Mode: scm.ModeBackfill, Since: rev(100), Until: rev(2000)})
	rep, err := w.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, job.OutcomeSuccess, rep.Outcome)
	assert.Equal(t, 3, rep.Fetched)
	assert.False(t, rep.CursorWritten)
	assert.Equal(t, int64(500), e.cursorAt(t, repo.ID, scm.JobTypeSVNRevisions).Rev)

	e.enqueue(t, repo, scm.JobTypeSVNRevisions, job.Params{
		Mode: scm.ModeBackfill, Since: rev(100), Until: rev(2000), AdvanceWatermark: true,
	})
	rep, err = w.RunOnce(ctx)
	require.NoError(t, err)
	assert.True(t, rep.CursorWritten)
	assert.Equal(t, 3, rep.Skipped, "replayed window is idempotent")
	assert.Equal(t, int64(2000), e.cursorAt(t, repo.ID, scm.JobTypeSVNRevisions).Rev)
}

func TestRunOnce_ReplayIsIdempotent(t *testing.T) {
	ctx := context.Background()
	e := newTestEnv(t)
	repo := e.svnRepo(t, "core")
	e.source.set(repo.ID, revisions(repo.ID, 1, 2, 3))
	cfg := testConfig()
	cfg.Overlap = cursor.Overlap{Revs: 1}
	w := e.worker(cfg)

	e.enqueue(t, repo, scm.JobTypeSVNRevisions, incremental())
	_, err := w.RunOnce(ctx)
	require.NoError(t, err)

	e.enqueue(t, repo, scm.JobTypeSVNRevisions, incremental())
	rep, err := w.RunOnce(ctx)
	require.NoError(t, err)

	assert.Equal(t, int64(2), e.source.lastRequest().Since.Rev)
	assert.Equal(t, 0, rep.Inserted)
	assert.Equal(t, 2, rep.Skipped)
	assert.Equal(t, int64(3), e.cursorAt(t, repo.ID, scm.JobTypeSVNRevisions).Rev)

	n, err := e.store.CountRecords(ctx, repo.ID, scm.JobTypeSVNRevisions)
	require.NoError(t, err)
	assert.Equal(t, 3, n)
}

func TestRunOnce_IntegrityErrorIsFatal(t *testing.T) {
	ctx := context.Background()
	e := newTestEnv(t)
	repo := e.svnRepo(t, "core")
	e.source.set(repo.ID, revisions(repo.ID, 1, 2))
	cfg := testConfig()
	cfg.Overlap = cursor.Overlap{Revs: 2}
	w := e.worker(cfg)

	e.enqueue(t, repo, scm.JobTypeSVNRevisions, incremental())
	_, err := w.RunOnce(ctx)
	require.NoError(t, err)

	changed := revisions(repo.ID, 1, 2)
	changed[0].Payload = json.RawMessage(`{"rev":1,"rewritten":true}`)
	e.source.set(repo.ID, changed)
	j := e.enqueue(t, repo, scm.JobTypeSVNRevisions, job.Params{Mode: scm.ModeIncremental, Policy: scm.PolicyBestEffort})

	rep, err := w.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, job.OutcomeFailure, rep.Outcome)
	assert.Equal(t, job.FailIntegrity, rep.Reason)
	require.Len(t, rep.Errors, 1)
	assert.Equal(t, scm.ReasonIntegrity, rep.Errors[0].Reason)
	assert.Equal(t, job.StatusFailed, e.status(t, j.ID))
	assert.Equal(t, int64(2), e.cursorAt(t, repo.ID, scm.JobTypeSVNRevisions).Rev)
}

func TestRunOnce_SourceErrorReportsBreaker(t *testing.T) {
	ctx := context.Background()
	e := newTestEnv(t)
	repo := e.svnRepo(t, "core")
	e.source.err = scm.NewHTTPError(429, errors.New("slow down"))
	j := e.enqueue(t, repo, scm.JobTypeSVNRevisions, incremental())

	rep, err := e.worker(testConfig()).RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, job.OutcomeFailure, rep.Outcome)
	assert.Equal(t, job.FailRateLimited, rep.Reason)
	assert.Equal(t, breaker.KindRateLimited, rep.Kind)
	assert.Equal(t, job.StatusFailed, e.status(t, j.ID))

	snap, err := e.breakers.Peek(ctx, j.Key())
	require.NoError(t, err)
	require.Len(t, snap.Samples, 1)
	assert.Equal(t, breaker.KindRateLimited, snap.Samples[0].Kind)
}

func TestRunOnce_DegradedBatchSize(t *testing.T) {
	ctx := context.Background()
	e := newTestEnv(t)
	repo := e.svnRepo(t, "core")
	key := scm.Key{RepoID: repo.ID, JobType: scm.JobTypeSVNRevisions}
	for i := 0; i < breaker.DefaultConfig().MinSamples; i++ {
		_, err := e.breakers.Observe(ctx, key, breaker.KindFailure)
		require.NoError(t, err)
	}
	e.enqueue(t, repo, scm.JobTypeSVNRevisions, incremental())

	cfg := testConfig()
	cfg.BatchSize = 100
	rep, err := e.worker(cfg).RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, breaker.DefaultConfig().DegradedBatchSize, rep.BatchSize)
	assert.Equal(t, breaker.DefaultConfig().DegradedBatchSize, e.source.lastRequest().BatchSize)
}

func TestRunOnce_TagsBulkRecords(t *testing.T) {
	ctx := context.Background()
	e := newTestEnv(t)
	r, err := scm.NewRepository(scm.RepoTypeGit, "https://git.example.com/team/app.git", "team/app", "main")
	require.NoError(t, err)
	repo, err := e.store.EnsureRepository(ctx, r)
	require.NoError(t, err)
	e.source.set(repo.ID, []scm.Record{
		{Key: scm.CommitKey(repo.ID, "aaa"), Watermark: scm.Timestamp(t0.Add(-time.Hour)), Additions: 800, Deletions: 300},
		{Key: scm.CommitKey(repo.ID, "bbb"), Watermark: scm.Timestamp(t0.Add(-time.Minute)), Additions: 5, Deletions: 5},
	})
	e.enqueue(t, repo, scm.JobTypeCommits, incremental())

	rep, err := e.worker(testConfig()).RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, job.OutcomeSuccess, rep.Outcome)
	assert.Equal(t, 1, rep.Bulk)
	assert.Equal(t, 2, rep.Inserted)
	assert.True(t, e.cursorAt(t, repo.ID, scm.JobTypeCommits).TS.Equal(t0.Add(-time.Minute)))
}

func TestRunOnce_LeaseLostAbandonsRun(t *testing.T) {
	ctx := context.Background()
	e := newTestEnv(t)
	repo := e.svnRepo(t, "core")
	e.source.set(repo.ID, revisions(repo.ID, 1, 2))
	j := e.enqueue(t, repo, scm.JobTypeSVNRevisions, incremental())

	e.source.onFetch = func(context.Context, scm.FetchRequest) error {
		runs, err := e.store.ListRuns(context.Background(), j.ID)
		require.NoError(t, err)
		ok, err := e.store.ReclaimRun(context.Background(), runs[0], job.ReclaimToPending, job.FailReapedExpired, e.clk.Now())
		require.NoError(t, err)
		require.True(t, ok)
		return nil
	}

	rep, err := e.worker(testConfig()).RunOnce(ctx)
	require.NoError(t, err)
	assert.True(t, rep.LeaseLost)
	assert.Equal(t, job.FailLeaseLost, rep.Reason)
	assert.False(t, rep.CursorWritten)
	assert.Nil(t, e.cursorAt(t, repo.ID, scm.JobTypeSVNRevisions))
	assert.Equal(t, job.StatusPending, e.status(t, j.ID))

	runs, err := e.store.ListRuns(ctx, j.ID)
	require.NoError(t, err)
	assert.Equal(t, job.RunReclaimed, runs[0].Status)

	snap, err := e.breakers.Peek(ctx, j.Key())
	require.NoError(t, err)
	assert.Empty(t, snap.Samples)
}

func TestRunOnce_RenewFailuresAbortRun(t *testing.T) {
	ctx := context.Background()
	e := newTestEnv(t)
	repo := e.svnRepo(t, "core")
	j := e.enqueue(t, repo, scm.JobTypeSVNRevisions, incremental())
	e.jobs = unrenewable{Repository: e.store}
	e.source.onFetch = func(ctx context.Context, _ scm.FetchRequest) error {
		<-ctx.Done()
		return ctx.Err()
	}

	cfg := testConfig()
	cfg.RenewInterval = 5 * time.Millisecond
	cfg.MaxRenewFailures = 2
	rep, err := e.worker(cfg).RunOnce(ctx)
	require.NoError(t, err)
	assert.True(t, rep.LeaseLost)
	assert.Contains(t, rep.Error, "2 consecutive renewal failures")

	runs, err := e.store.ListRuns(ctx, j.ID)
	require.NoError(t, err)
	assert.Equal(t, job.RunRunning, runs[0].Status, "left for the reaper")
}

func TestRunOnce_ShutdownFinishesRunAsInterrupted(t *testing.T) {
	e := newTestEnv(t)
	repo := e.svnRepo(t, "core")
	j := e.enqueue(t, repo, scm.JobTypeSVNRevisions, incremental())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	e.source.onFetch = func(ctx context.Context, _ scm.FetchRequest) error {
		cancel()
		return ctx.Err()
	}

	rep, err := e.worker(testConfig()).RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, job.OutcomeFailure, rep.Outcome)
	assert.Equal(t, job.FailInterrupted, rep.Reason)
	assert.Empty(t, rep.Kind)
	assert.Equal(t, job.StatusFailed, e.status(t, j.ID))
}

func TestRunOnce_MissingAdapterIsSetupError(t *testing.T) {
	ctx := context.Background()
	e := newTestEnv(t)
	r, err := scm.NewRepository(scm.RepoTypeGit, "https://git.example.com/team/app.git", "team/app", "main")
	require.NoError(t, err)
	repo, err := e.store.EnsureRepository(ctx, r)
	require.NoError(t, err)
	j := e.enqueue(t, repo, scm.JobTypeMRs, incremental())

	rep, err := e.worker(testConfig()).RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, job.FailSetup, rep.Reason)
	assert.Contains(t, rep.Error, scm.ErrNoAdapter.Error())

	snap, err := e.breakers.Peek(ctx, j.Key())
	require.NoError(t, err)
	assert.Empty(t, snap.Samples)
}

func TestExecuteJob(t *testing.T) {
	ctx := context.Background()
	e := newTestEnv(t)
	repo := e.svnRepo(t, "core")
	e.source.set(repo.ID, revisions(repo.ID, 1))
	w := e.worker(testConfig())

	_, err := w.ExecuteJob(ctx, uuid.New())
	assert.ErrorIs(t, err, job.ErrJobNotFound)

	j := e.enqueue(t, repo, scm.JobTypeSVNRevisions, incremental())
	rep, err := w.ExecuteJob(ctx, j.ID)
	require.NoError(t, err)
	assert.Equal(t, j.ID, rep.JobID)
	assert.Equal(t, job.OutcomeSuccess, rep.Outcome)
}

func TestRunOnce_CapsConsecutiveClaimsPerTenant(t *testing.T) {
	ctx := context.Background()
	e := newTestEnv(t)
	var order []string
	for _, p := range []string{"alpha/a1", "alpha/a2", "alpha/a3", "beta/b1"} {
		repo := e.svnRepo(t, p)
		e.enqueue(t, repo, scm.JobTypeSVNRevisions, incremental())
	}

	cfg := testConfig()
	cfg.MaxConsecutiveSameTenant = 2
	w := e.worker(cfg)
	for i := 0; i < 4; i++ {
		rep, err := w.RunOnce(ctx)
		require.NoError(t, err)
		require.NotNil(t, rep)
		order = append(order, rep.RepoID)
	}
	assert.Equal(t, []string{"svn:alpha/a1", "svn:alpha/a2", "svn:beta/b1", "svn:alpha/a3"}, order)
}

func TestPicker_ConsecutiveCap(t *testing.T) {
	p := newPicker(2, 0)
	assert.Equal(t, []claimFilter{{}}, p.filters())

	p.record("alpha")
	p.record("alpha")
	assert.Equal(t, []claimFilter{{exclude: []string{"alpha"}}, {}}, p.filters())

	p.record("beta")
	assert.Equal(t, []claimFilter{{}}, p.filters())
}

func TestPicker_TenantsPerRound(t *testing.T) {
	p := newPicker(0, 2)
	p.record("alpha")
	assert.Equal(t, []claimFilter{{}}, p.filters(), "round not full yet")

	p.record("beta")
	assert.Equal(t, []claimFilter{{include: []string{"alpha", "beta"}}, {}}, p.filters())

	p.record("gamma")
	assert.Equal(t, []claimFilter{{}}, p.filters(), "a claim outside a full round starts the next one")

	p.idle()
	assert.Equal(t, []claimFilter{{}}, p.filters())
}

func TestPicker_RoundAndStreakCombined(t *testing.T) {
	p := newPicker(1, 2)
	p.record("alpha")
	p.record("beta")
	assert.Equal(t, []claimFilter{
		{include: []string{"alpha"}, exclude: []string{"beta"}},
		{exclude: []string{"beta"}},
		{},
	}, p.filters())
}

// cancelWaker cancels the run loop on its first wait.
type cancelWaker struct {
	cancel   context.CancelFunc
	jobTypes []scm.JobType
	timeout  time.Duration
	calls    int
}

func (c *cancelWaker) Wait(_ context.Context, jobTypes []scm.JobType, timeout time.Duration) error {
	c.calls++
	c.jobTypes, c.timeout = jobTypes, timeout
	c.cancel()
	return nil
}

func TestRun_IdleWaitsOnWaker(t *testing.T) {
	e := newTestEnv(t)
	cfg := testConfig()
	cfg.JobTypes = []scm.JobType{scm.JobTypeSVNRevisions}
	cfg.PollInterval = time.Hour

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	wk := &cancelWaker{cancel: cancel}
	w := e.worker(cfg)
	w.SetWaker(wk)

	require.NoError(t, w.Run(ctx))
	assert.Equal(t, 1, wk.calls)
	assert.Equal(t, []scm.JobType{scm.JobTypeSVNRevisions}, wk.jobTypes)
	assert.Equal(t, time.Hour, wk.timeout)
}
