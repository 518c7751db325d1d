package storage

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/leejennwah/scm-sync/internal/clock"
	"github.com/leejennwah/scm-sync/internal/job"
	"github.com/leejennwah/scm-sync/internal/scm"
	"github.com/leejennwah/scm-sync/internal/storage/sqlite"
)

func TestOpen_SelectsBackend(t *testing.T) {
	ctx := context.Background()
	clk := clock.NewFake(time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC))

	b, err := Open(ctx, "sqlite://"+filepath.Join(t.TempDir(), "a.db"), clk, zap.NewNop())
	require.NoError(t, err)
	defer b.Close()
	assert.IsType(t, &sqlite.Store{}, b)
	require.NoError(t, b.Migrate(ctx))
	require.NoError(t, b.Ping(ctx))

	_, err = Open(ctx, "", clk, zap.NewNop())
	assert.Error(t, err)
}

// TestPostgres_ClaimCycle runs against a live database when
// SCM_TEST_DATABASE_URL is set.
func TestPostgres_ClaimCycle(t *testing.T) {
	dsn := os.Getenv("SCM_TEST_DATABASE_URL")
	if dsn == "" {
		t.Skip("SCM_TEST_DATABASE_URL not set")
	}
	ctx := context.Background()
	now := time.Now().UTC()
	clk := clock.NewFake(now)

	b, err := Open(ctx, dsn, clk, zap.NewNop())
	require.NoError(t, err)
	defer b.Close()
	require.NoError(t, b.Migrate(ctx))

	repo, err := scm.NewRepository(scm.RepoTypeGit, "https://git.example.com/it/"+now.Format("150405.000000")+".git", "", "main")
	require.NoError(t, err)
	repo, err = b.EnsureRepository(ctx, repo)
	require.NoError(t, err)

	j, err := job.New(repo, scm.JobTypeCommits, job.ReasonManual, job.Params{Mode: scm.ModeIncremental}, now)
	require.NoError(t, err)
	ok, err := b.Enqueue(ctx, j)
	require.NoError(t, err)
	require.True(t, ok)

	c, err := b.Claim(ctx, job.ClaimRequest{WorkerID: "it", JobID: &j.ID, Lease: time.Minute, Now: now})
	require.NoError(t, err)
	require.NotNil(t, c)

	require.NoError(t, b.RenewLease(ctx, c.Run.ID, "it", now.Add(2*time.Minute), now))
	require.NoError(t, b.FinishRun(ctx, c.Run.ID, "it", job.Result{Outcome: job.OutcomeSuccess}, now.Add(time.Minute)))
	assert.ErrorIs(t, b.FinishRun(ctx, c.Run.ID, "it", job.Result{Outcome: job.OutcomeSuccess}, now), job.ErrLeaseLost)

	got, err := b.GetJob(ctx, j.ID)
	require.NoError(t, err)
	assert.Equal(t, job.StatusDone, got.Status)
}
