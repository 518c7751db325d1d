package job

import (
	"errors"
	"testing"
	"time"

	"github.com/leejennwah/scm-sync/internal/scm"
)

var testNow = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

func testRepo(t *testing.T, rt scm.RepoType) *scm.Repository {
	t.Helper()
	r, err := scm.NewRepository(rt, "https://scm.example.com/team/app", "team/app", "main")
	if err != nil {
		t.Fatalf("new repository: %v", err)
	}
	return r
}

func TestNew(t *testing.T) {
	j, err := New(testRepo(t, scm.RepoTypeGit), scm.JobTypeCommits, ReasonIncremental, Params{Mode: scm.ModeIncremental}, testNow)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if j.Status != StatusPending {
		t.Errorf("expected status pending, got %s", j.Status)
	}
	if j.Priority != 100 {
		t.Errorf("expected priority 100, got %d", j.Priority)
	}
	if j.TenantKey != "team" {
		t.Errorf("expected tenant team, got %s", j.TenantKey)
	}
	if j.InstanceKey != "scm.example.com" {
		t.Errorf("expected instance scm.example.com, got %s", j.InstanceKey)
	}
}

func TestNew_RejectsInvalidParams(t *testing.T) {
	repo := testRepo(t, scm.RepoTypeSVN)
	since := scm.Revision(10)
	until := scm.Revision(5)
	ts := scm.Timestamp(testNow)

	tests := []struct {
		name   string
		jt     scm.JobType
		params Params
	}{
		{"wrong repo type", scm.JobTypeCommits, Params{Mode: scm.ModeIncremental}},
		{"unknown mode", scm.JobTypeSVNRevisions, Params{Mode: "sideways"}},
		{"backfill without start", scm.JobTypeSVNRevisions, Params{Mode: scm.ModeBackfill}},
		{"backfill start after end", scm.JobTypeSVNRevisions, Params{Mode: scm.ModeBackfill, Since: &since, Until: &until}},
		{"timestamp for svn", scm.JobTypeSVNRevisions, Params{Mode: scm.ModeBackfill, Since: &ts}},
		{"incremental with start", scm.JobTypeSVNRevisions, Params{Mode: scm.ModeIncremental, Since: &since}},
		{"incremental with advance flag", scm.JobTypeSVNRevisions, Params{Mode: scm.ModeIncremental, AdvanceWatermark: true}},
		{"unknown policy", scm.JobTypeSVNRevisions, Params{Mode: scm.ModeIncremental, Policy: "lenient"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := New(repo, tt.jt, ReasonManual, tt.params, testNow); !errors.Is(err, ErrInvalidParams) {
				t.Errorf("expected ErrInvalidParams, got %v", err)
			}
		})
	}
}

func TestTransitionTo_ValidPath(t *testing.T) {
	j := &SyncJob{Status: StatusPending}

	transitions := []Status{StatusRunning, StatusPending, StatusRunning, StatusDone}
	for _, s := range transitions {
		if err := j.TransitionTo(s, testNow); err != nil {
			t.Fatalf("transition to %s failed: %v", s, err)
		}
	}
	if j.Status != StatusDone {
		t.Errorf("expected done, got %s", j.Status)
	}
}

func TestTransitionTo_InvalidTransition(t *testing.T) {
	tests := []struct {
		from Status
		to   Status
	}{
		{StatusPending, StatusDone},
		{StatusPending, StatusFailed},
		{StatusDone, StatusPending},
		{StatusFailed, StatusRunning},
	}

	for _, tt := range tests {
		t.Run(string(tt.from)+"->"+string(tt.to), func(t *testing.T) {
			j := &SyncJob{Status: tt.from}
			if err := j.TransitionTo(tt.to, testNow); err == nil {
				t.Errorf("expected error for %s -> %s", tt.from, tt.to)
			}
		})
	}
}

func TestReasonPriority(t *testing.T) {
	if !(ReasonManual.Priority() < ReasonProbe.Priority() &&
		ReasonProbe.Priority() < ReasonIncremental.Priority() &&
		ReasonIncremental.Priority() < ReasonRepair.Priority()) {
		t.Error("expected manual < probe < incremental < repair")
	}
}

func TestResultStatus(t *testing.T) {
	if (Result{Outcome: OutcomePartial}).JobStatus() != StatusDone {
		t.Error("partial runs complete the job")
	}
	if (Result{Outcome: OutcomeFailure}).RunStatus() != RunFailed {
		t.Error("failed runs are marked failed")
	}
}
