// Package status reports the health of every sync stream: breaker state,
// cursor position and age, queue counts and the last error.
package status

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/leejennwah/scm-sync/internal/breaker"
	"github.com/leejennwah/scm-sync/internal/clock"
	"github.com/leejennwah/scm-sync/internal/cursor"
	"github.com/leejennwah/scm-sync/internal/job"
	"github.com/leejennwah/scm-sync/internal/scm"
)

// Entry is the health of one (repo, job_type) stream.
type Entry struct {
	RepoID               string         `json:"repo_id"`
	JobType              scm.JobType    `json:"job_type"`
	Tenant               string         `json:"tenant"`
	State                breaker.State  `json:"state"`
	Degraded             bool           `json:"degraded"`
	FailureRateEMA       float64        `json:"failure_rate_ema"`
	FailureRate          float64        `json:"failure_rate"`
	RateLimitRate        float64        `json:"rate_limit_rate"`
	TimeoutRate          float64        `json:"timeout_rate"`
	Samples              int            `json:"samples"`
	ProbeBudgetRemaining int            `json:"probe_budget_remaining"`
	OpenedAt             *time.Time     `json:"opened_at,omitempty"`
	Watermark            *scm.Watermark `json:"watermark,omitempty"`
	SyncedAt             *time.Time     `json:"synced_at,omitempty"`
	CursorAgeSeconds     *float64       `json:"cursor_age_seconds,omitempty"`
	Pending              int            `json:"pending"`
	Running              int            `json:"running"`
	LastOutcome          job.Outcome    `json:"last_outcome,omitempty"`
	LastError            string         `json:"last_error,omitempty"`
	LastFinishedAt       *time.Time     `json:"last_finished_at,omitempty"`
}

// Key returns the stream of the entry.
func (e *Entry) Key() scm.Key {
	return scm.Key{RepoID: e.RepoID, JobType: e.JobType}
}

// Totals aggregate a snapshot.
type Totals struct {
	Streams  int `json:"streams"`
	Pending  int `json:"pending"`
	Running  int `json:"running"`
	Open     int `json:"open"`
	HalfOpen int `json:"half_open"`
	Degraded int `json:"degraded"`
}

// Snapshot is the health of all streams at one instant.
type Snapshot struct {
	GeneratedAt time.Time `json:"generated_at"`
	Totals      Totals    `json:"totals"`
	Entries     []Entry   `json:"entries"`
}

// Filter narrows a snapshot. Empty fields match everything.
type Filter struct {
	RepoID  string
	JobType scm.JobType
}

func (f Filter) match(repoID string, jt scm.JobType) bool {
	return (f.RepoID == "" || f.RepoID == repoID) && (f.JobType == "" || f.JobType == jt)
}

// Collector assembles snapshots from the stores. It only reads.
type Collector struct {
	repos    scm.Registry
	jobs     job.Repository
	cursors  *cursor.Cursors
	breakers *breaker.Controller
	clock    clock.Clock
}

// NewCollector creates a status collector.
func NewCollector(repos scm.Registry, jobs job.Repository, cursors *cursor.Cursors, breakers *breaker.Controller, clk clock.Clock) *Collector {
	return &Collector{repos: repos, jobs: jobs, cursors: cursors, breakers: breakers, clock: clk}
}

// Collect returns the health of every stream matching f, ordered by repo
// and job type.
func (c *Collector) Collect(ctx context.Context, f Filter) (*Snapshot, error) {
	now := c.clock.Now()
	repos, err := c.repos.ListRepositories(ctx)
	if err != nil {
		return nil, fmt.Errorf("list repositories: %w", err)
	}
	stats, err := c.jobs.Stats(ctx)
	if err != nil {
		return nil, fmt.Errorf("queue stats: %w", err)
	}

	snap := &Snapshot{GeneratedAt: now, Entries: []Entry{}}
	for _, repo := range repos {
		for _, jt := range repo.JobTypes() {
			if !f.match(repo.ID, jt) {
				continue
			}
			e, err := c.entry(ctx, repo, jt, stats, now)
			if err != nil {
				return nil, err
			}
			snap.Entries = append(snap.Entries, *e)
		}
	}
	sort.SliceStable(snap.Entries, func(i, k int) bool {
		a, b := snap.Entries[i], snap.Entries[k]
		if a.RepoID != b.RepoID {
			return a.RepoID < b.RepoID
		}
		return a.JobType < b.JobType
	})

	for _, e := range snap.Entries {
		t := &snap.Totals
		t.Streams++
		t.Pending += e.Pending
		t.Running += e.Running
		switch e.State {
		case breaker.StateOpen:
			t.Open++
		case breaker.StateHalfOpen:
			t.HalfOpen++
		}
		if e.Degraded {
			t.Degraded++
		}
	}
	return snap, nil
}

func (c *Collector) entry(ctx context.Context, repo *scm.Repository, jt scm.JobType, stats map[scm.Key]*job.KeyStats, now time.Time) (*Entry, error) {
	key := scm.Key{RepoID: repo.ID, JobType: jt}
	e := &Entry{RepoID: repo.ID, JobType: jt, Tenant: repo.TenantKey()}

	b, err := c.breakers.Peek(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("breaker %s: %w", key, err)
	}
	rates := c.breakers.Rates(b)
	e.State = b.State
	e.Degraded = b.Degraded()
	e.FailureRateEMA = b.FailureRateEMA
	e.FailureRate = rates.Failure
	e.RateLimitRate = rates.RateLimit
	e.TimeoutRate = rates.Timeout
	e.Samples = len(b.Samples)
	e.ProbeBudgetRemaining = b.ProbeBudgetRemaining
	e.OpenedAt = b.OpenedAt

	v, err := c.cursors.Get(ctx, repo.ID, jt)
	if err != nil {
		return nil, fmt.Errorf("cursor %s: %w", key, err)
	}
	if v != nil {
		wm, at := v.Watermark, v.SyncedAt
		age := v.Age(now).Seconds()
		e.Watermark, e.SyncedAt, e.CursorAgeSeconds = &wm, &at, &age
	}

	if st, ok := stats[key]; ok {
		e.Pending = st.Pending
		e.Running = st.Running
		e.LastOutcome = st.LastOutcome
		e.LastError = st.LastError
		e.LastFinishedAt = st.LastFinishedAt
	}
	return e, nil
}
