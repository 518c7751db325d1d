// Package scheduler decides which (repository, job type) streams are due and
// enqueues sync jobs for them. It never executes work itself.
package scheduler

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/leejennwah/scm-sync/internal/breaker"
	"github.com/leejennwah/scm-sync/internal/clock"
	"github.com/leejennwah/scm-sync/internal/cursor"
	"github.com/leejennwah/scm-sync/internal/job"
	"github.com/leejennwah/scm-sync/internal/metrics"
	"github.com/leejennwah/scm-sync/internal/scm"
)

var tracer = otel.Tracer("scm-sync/scheduler")

// Config holds scan policy and concurrency ceilings. Zero ceilings are
// unlimited.
type Config struct {
	// ScanInterval is the cursor age after which a stream is due.
	ScanInterval time.Duration
	// TickInterval is how often Run scans when Cron is empty.
	TickInterval time.Duration
	// Cron is an optional standard cron expression replacing TickInterval.
	Cron string
	// RepairWindow is the cursor age that triggers a repair backfill instead
	// of an incremental run. Zero disables repairs.
	RepairWindow time.Duration

	MaxRunning             int
	MaxQueueDepth          int
	GlobalConcurrency      int
	PerInstanceConcurrency int
	MaxEnqueuePerScan      int

	TenantFairness    bool
	TenantMaxPerRound int

	// JobTypes limits scanning to these types; empty means all.
	JobTypes []scm.JobType
}

// DefaultConfig returns the standard scan policy.
func DefaultConfig() Config {
	return Config{
		ScanInterval:           300 * time.Second,
		TickInterval:           60 * time.Second,
		RepairWindow:           24 * time.Hour,
		MaxRunning:             20,
		MaxQueueDepth:          200,
		GlobalConcurrency:      50,
		PerInstanceConcurrency: 4,
		MaxEnqueuePerScan:      50,
		TenantFairness:         true,
		TenantMaxPerRound:      1,
	}
}

// Action is what a scan decided for one stream.
type Action string

const (
	ActionEnqueue      Action = "enqueue"
	ActionWouldEnqueue Action = "would_enqueue"
	ActionSkip         Action = "skip"
)

// Skip reasons.
const (
	SkipActive              = "active"
	SkipNotDue              = "not_due"
	SkipBreakerOpen         = "breaker_open"
	SkipProbeExhausted      = "probe_budget_exhausted"
	SkipProbeDeferred       = "probe_deferred"
	SkipMaxRunning          = "max_running"
	SkipQueueDepth          = "queue_depth"
	SkipGlobalConcurrency   = "global_concurrency"
	SkipInstanceConcurrency = "instance_concurrency"
	SkipMaxEnqueue          = "max_enqueue_per_scan"
)

// Decision is the scan result for one stream. Reason is the job reason for
// enqueues and the skip reason otherwise.
type Decision struct {
	Key    scm.Key    `json:"key"`
	Tenant string     `json:"tenant"`
	Action Action     `json:"action"`
	Reason string     `json:"reason"`
	Mode   scm.Mode   `json:"mode,omitempty"`
	JobID  *uuid.UUID `json:"job_id,omitempty"`
}

// RepoError records a repository whose evaluation failed.
type RepoError struct {
	RepoID string `json:"repo_id"`
	Error  string `json:"error"`
}

// ScanReport summarizes one scan pass.
type ScanReport struct {
	StartedAt time.Time   `json:"started_at"`
	DryRun    bool        `json:"dry_run"`
	Repos     int         `json:"repos"`
	Enqueued  int         `json:"enqueued"`
	Decisions []Decision  `json:"decisions"`
	Errors    []RepoError `json:"errors,omitempty"`
}

// Scheduler scans registered repositories and enqueues due work.
type Scheduler struct {
	repos    scm.Registry
	jobs     job.Repository
	cursors  *cursor.Cursors
	breakers *breaker.Controller
	clock    clock.Clock
	metrics  *metrics.Metrics
	logger   *zap.Logger
	cfg      Config

	mu        sync.Mutex
	lastStart string
}

// New creates a scheduler. m may be nil.
func New(
	repos scm.Registry,
	jobs job.Repository,
	cursors *cursor.Cursors,
	breakers *breaker.Controller,
	clk clock.Clock,
	m *metrics.Metrics,
	logger *zap.Logger,
	cfg Config,
) *Scheduler {
	return &Scheduler{
		repos:    repos,
		jobs:     jobs,
		cursors:  cursors,
		breakers: breakers,
		clock:    clk,
		metrics:  m,
		logger:   logger,
		cfg:      cfg,
	}
}

// Run scans on every tick until the context is cancelled. Scan errors are
// logged and retried on the next tick.
func (s *Scheduler) Run(ctx context.Context) error {
	s.logger.Info("scheduler started",
		zap.Duration("tick_interval", s.cfg.TickInterval),
		zap.String("cron", s.cfg.Cron),
	)

	if s.cfg.Cron != "" {
		return s.runCron(ctx)
	}

	ticker := time.NewTicker(s.cfg.TickInterval)
	defer ticker.Stop()

	s.tick(ctx)
	for {
		select {
		case <-ctx.Done():
			s.logger.Info("scheduler shutting down")
			return nil
		case <-ticker.C:
			s.tick(ctx)
		}
	}
}

func (s *Scheduler) runCron(ctx context.Context) error {
	c := cron.New(cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger)))
	if _, err := c.AddFunc(s.cfg.Cron, func() { s.tick(ctx) }); err != nil {
		return fmt.Errorf("parse cron %q: %w", s.cfg.Cron, err)
	}
	c.Start()
	<-ctx.Done()
	<-c.Stop().Done()
	s.logger.Info("scheduler shutting down")
	return nil
}

func (s *Scheduler) tick(ctx context.Context) {
	report, err := s.Scan(ctx, false)
	if err != nil {
		s.logger.Error("scan failed", zap.Error(err))
		return
	}
	s.logger.Info("scan completed",
		zap.Int("repos", report.Repos),
		zap.Int("enqueued", report.Enqueued),
		zap.Int("repo_errors", len(report.Errors)),
	)
}

type candidate struct {
	repo   *scm.Repository
	jt     scm.JobType
	reason job.Reason
	params job.Params
}

func (c *candidate) key() scm.Key {
	return scm.Key{RepoID: c.repo.ID, JobType: c.jt}
}

// Scan runs one pass. With dryRun it computes the same decisions without
// enqueuing, consuming probe budget or persisting breaker transitions.
func (s *Scheduler) Scan(ctx context.Context, dryRun bool) (*ScanReport, error) {
	ctx, span := tracer.Start(ctx, "scheduler.scan",
		trace.WithAttributes(attribute.Bool("scan.dry_run", dryRun)),
	)
	defer span.End()

	now := s.clock.Now()
	report := &ScanReport{StartedAt: now, DryRun: dryRun}
	defer func() {
		if s.metrics != nil {
			s.metrics.ScanDuration.Observe(s.clock.Now().Sub(now).Seconds())
		}
	}()

	repos, err := s.repos.ListRepositories(ctx)
	if err != nil {
		return nil, fmt.Errorf("list repositories: %w", err)
	}
	report.Repos = len(repos)

	counts, err := s.jobs.Counts(ctx)
	if err != nil {
		return nil, fmt.Errorf("count jobs: %w", err)
	}
	active, err := s.jobs.ActiveStatuses(ctx)
	if err != nil {
		return nil, fmt.Errorf("list active jobs: %w", err)
	}
	if counts.ActiveByInstance == nil {
		counts.ActiveByInstance = make(map[string]int)
	}
	if s.metrics != nil {
		s.metrics.QueuePending.Set(float64(counts.Pending))
		s.metrics.QueueRunning.Set(float64(counts.Running))
	}

	var candidates []*candidate
	for _, repo := range repos {
		cands, skips, err := s.evaluate(ctx, repo, active, now, dryRun)
		if err != nil {
			s.logger.Warn("repository evaluation failed",
				zap.String("repo_id", repo.ID),
				zap.Error(err),
			)
			report.Errors = append(report.Errors, RepoError{RepoID: repo.ID, Error: err.Error()})
			if s.metrics != nil {
				s.metrics.ScanRepoErrors.Inc()
			}
			continue
		}
		candidates = append(candidates, cands...)
		report.Decisions = append(report.Decisions, skips...)
	}

	for _, c := range s.order(candidates, dryRun) {
		d := Decision{Key: c.key(), Tenant: c.repo.TenantKey(), Action: ActionSkip, Mode: c.params.Mode}
		if reason := s.admit(c, counts, report.Enqueued); reason != "" {
			d.Reason = reason
			report.Decisions = append(report.Decisions, d)
			continue
		}

		d.Reason = string(c.reason)
		if dryRun {
			d.Action = ActionWouldEnqueue
			report.Decisions = append(report.Decisions, d)
			report.Enqueued++
			s.reserve(c, counts)
			continue
		}

		id, skip, err := s.enqueue(ctx, c, now)
		if err != nil {
			s.logger.Warn("enqueue failed",
				zap.String("repo_id", c.repo.ID),
				zap.String("job_type", string(c.jt)),
				zap.Error(err),
			)
			report.Errors = append(report.Errors, RepoError{RepoID: c.repo.ID, Error: err.Error()})
			if s.metrics != nil {
				s.metrics.ScanRepoErrors.Inc()
			}
			continue
		}
		if skip != "" {
			d.Reason = skip
			report.Decisions = append(report.Decisions, d)
			continue
		}
		d.Action = ActionEnqueue
		d.JobID = &id
		report.Decisions = append(report.Decisions, d)
		report.Enqueued++
		s.reserve(c, counts)
	}

	if s.metrics != nil {
		for _, d := range report.Decisions {
			s.metrics.ScanDecisions.WithLabelValues(string(d.Action), d.Reason).Inc()
		}
	}
	span.SetAttributes(
		attribute.Int("scan.repos", report.Repos),
		attribute.Int("scan.enqueued", report.Enqueued),
	)
	return report, nil
}

// evaluate returns the due candidates and skip decisions for one repository.
// Any error aborts the repository only.
func (s *Scheduler) evaluate(ctx context.Context, repo *scm.Repository, active map[scm.Key]job.Status, now time.Time, dryRun bool) ([]*candidate, []Decision, error) {
	snaps := make(map[scm.JobType]*breaker.Snapshot)
	states := make(map[scm.JobType]breaker.State)
	for _, jt := range repo.JobTypes() {
		key := scm.Key{RepoID: repo.ID, JobType: jt}
		var snap *breaker.Snapshot
		var err error
		if dryRun {
			snap, err = s.breakers.Peek(ctx, key)
		} else {
			snap, err = s.breakers.Current(ctx, key)
		}
		if err != nil {
			return nil, nil, fmt.Errorf("%s: %w", jt, err)
		}
		snaps[jt], states[jt] = snap, snap.State
	}

	var cands []*candidate
	var skips []Decision
	for _, jt := range repo.JobTypes() {
		if !s.scans(jt) {
			continue
		}
		key := scm.Key{RepoID: repo.ID, JobType: jt}
		skip := func(reason string) {
			skips = append(skips, Decision{Key: key, Tenant: repo.TenantKey(), Action: ActionSkip, Reason: reason})
		}
		if _, ok := active[key]; ok {
			skip(SkipActive)
			continue
		}

		cur, err := s.cursors.Get(ctx, repo.ID, jt)
		if err != nil {
			return nil, nil, fmt.Errorf("%s: %w", jt, err)
		}

		c, reason := s.eligible(repo, jt, cur, snaps[jt], states, now)
		if c == nil {
			skip(reason)
			continue
		}
		cands = append(cands, c)
	}
	return cands, skips, nil
}

// eligible applies the breaker and cursor-age rules to one stream.
// states holds the breaker state of every stream of the repository.
func (s *Scheduler) eligible(repo *scm.Repository, jt scm.JobType, cur *cursor.Value, snap *breaker.Snapshot, states map[scm.JobType]breaker.State, now time.Time) (*candidate, string) {
	bcfg := s.breakers.Config()
	age := time.Duration(1<<63 - 1)
	if cur != nil {
		age = cur.Age(now)
	}
	incremental := func(r job.Reason) *candidate {
		return &candidate{repo: repo, jt: jt, reason: r, params: job.Params{Mode: scm.ModeIncremental}}
	}
	degraded := func() (*candidate, string) {
		if bcfg.DegradedAllowed(jt) && age >= bcfg.DegradedMinInterval {
			return incremental(job.ReasonDegraded), ""
		}
		return nil, SkipBreakerOpen
	}

	switch snap.State {
	case breaker.StateOpen:
		return degraded()
	case breaker.StateHalfOpen:
		if bcfg.ProbeAllowedFor(jt, states) {
			if snap.ProbeBudgetRemaining > 0 {
				return incremental(job.ReasonProbe), ""
			}
			return nil, SkipProbeExhausted
		}
		if c, _ := degraded(); c != nil {
			return c, ""
		}
		// Waits for an allowlisted stream of the repository to close.
		return nil, SkipProbeDeferred
	}

	switch {
	case cur == nil:
		return incremental(job.ReasonIncremental), ""
	case s.cfg.RepairWindow > 0 && age >= s.cfg.RepairWindow:
		since := cur.Watermark
		return &candidate{repo: repo, jt: jt, reason: job.ReasonRepair, params: job.Params{
			Mode:             scm.ModeBackfill,
			Policy:           scm.PolicyBestEffort,
			Since:            &since,
			AdvanceWatermark: true,
		}}, ""
	case age >= s.cfg.ScanInterval:
		return incremental(job.ReasonIncremental), ""
	}
	return nil, SkipNotDue
}

// admit checks the scan budget and concurrency ceilings. Probes are exempt
// from the global ceilings but not from the per-instance one.
func (s *Scheduler) admit(c *candidate, counts *job.Counts, enqueued int) string {
	if s.cfg.MaxEnqueuePerScan > 0 && enqueued >= s.cfg.MaxEnqueuePerScan {
		return SkipMaxEnqueue
	}
	if s.cfg.PerInstanceConcurrency > 0 && counts.ActiveByInstance[c.repo.InstanceKey()] >= s.cfg.PerInstanceConcurrency {
		return SkipInstanceConcurrency
	}
	if c.reason == job.ReasonProbe {
		return ""
	}
	switch {
	case s.cfg.MaxRunning > 0 && counts.Running >= s.cfg.MaxRunning:
		return SkipMaxRunning
	case s.cfg.MaxQueueDepth > 0 && counts.Pending >= s.cfg.MaxQueueDepth:
		return SkipQueueDepth
	case s.cfg.GlobalConcurrency > 0 && counts.Pending+counts.Running >= s.cfg.GlobalConcurrency:
		return SkipGlobalConcurrency
	}
	return ""
}

func (s *Scheduler) reserve(c *candidate, counts *job.Counts) {
	counts.Pending++
	counts.ActiveByInstance[c.repo.InstanceKey()]++
}

// enqueue inserts the job, consuming a probe unit first for probes. It
// returns a skip reason when the job was not inserted.
func (s *Scheduler) enqueue(ctx context.Context, c *candidate, now time.Time) (uuid.UUID, string, error) {
	if c.reason == job.ReasonProbe {
		ok, err := s.breakers.TryConsumeProbe(ctx, c.key())
		if err != nil {
			return uuid.Nil, "", err
		}
		if !ok {
			return uuid.Nil, SkipProbeExhausted, nil
		}
	}

	j, err := job.New(c.repo, c.jt, c.reason, c.params, now)
	if err != nil {
		return uuid.Nil, "", err
	}
	ok, err := s.jobs.Enqueue(ctx, j)
	if err != nil {
		return uuid.Nil, "", err
	}
	if !ok {
		return uuid.Nil, SkipActive, nil
	}

	if s.metrics != nil {
		s.metrics.JobsEnqueued.WithLabelValues(string(c.jt), string(c.reason)).Inc()
	}
	s.logger.Info("job enqueued",
		zap.String("job_id", j.ID.String()),
		zap.String("repo_id", j.RepoID),
		zap.String("job_type", string(j.JobType)),
		zap.String("reason", string(j.Reason)),
		zap.String("tenant", j.TenantKey),
	)
	return j.ID, "", nil
}

// order arranges candidates for admission. With tenant fairness enabled it
// rotates round-robin across tenants, taking at most TenantMaxPerRound per
// tenant per round. Each scan starts at the tenant after the one the
// previous scan started at.
func (s *Scheduler) order(cands []*candidate, dryRun bool) []*candidate {
	if !s.cfg.TenantFairness || len(cands) == 0 {
		return cands
	}

	byTenant := make(map[string][]*candidate)
	var tenants []string
	for _, c := range cands {
		t := c.repo.TenantKey()
		if _, ok := byTenant[t]; !ok {
			tenants = append(tenants, t)
		}
		byTenant[t] = append(byTenant[t], c)
	}
	sort.Strings(tenants)
	for _, t := range tenants {
		q := byTenant[t]
		sort.SliceStable(q, func(i, j int) bool { return q[i].reason.Priority() < q[j].reason.Priority() })
	}

	s.mu.Lock()
	offset := sort.SearchStrings(tenants, s.lastStart)
	if offset < len(tenants) && tenants[offset] == s.lastStart {
		offset++
	}
	if offset >= len(tenants) || s.lastStart == "" {
		offset = 0
	}
	if !dryRun {
		s.lastStart = tenants[offset]
	}
	s.mu.Unlock()
	rotated := make([]string, 0, len(tenants))
	rotated = append(rotated, tenants[offset:]...)
	rotated = append(rotated, tenants[:offset]...)

	per := s.cfg.TenantMaxPerRound
	if per <= 0 {
		per = 1
	}
	out := make([]*candidate, 0, len(cands))
	for len(out) < len(cands) {
		for _, t := range rotated {
			q := byTenant[t]
			take := per
			if take > len(q) {
				take = len(q)
			}
			out = append(out, q[:take]...)
			byTenant[t] = q[take:]
		}
	}
	return out
}

func (s *Scheduler) scans(jt scm.JobType) bool {
	if len(s.cfg.JobTypes) == 0 {
		return true
	}
	for _, t := range s.cfg.JobTypes {
		if t == jt {
			return true
		}
	}
	return false
}
