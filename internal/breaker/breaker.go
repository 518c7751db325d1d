// Package breaker implements the per-stream circuit breaker and degradation
// controller. The state machine is pure; Controller persists it through a
// versioned Store with optimistic compare-and-set.
package breaker

import (
	"time"

	"github.com/leejennwah/scm-sync/internal/scm"
)

// State is the breaker position.
type State string

const (
	StateClosed   State = "closed"
	StateOpen     State = "open"
	StateHalfOpen State = "half_open"
)

// Kind is the class of an observed run outcome.
type Kind string

const (
	KindSuccess     Kind = "success"
	KindPartial     Kind = "partial"
	KindFailure     Kind = "failure"
	KindRateLimited Kind = "rate_limited"
	KindTimeout     Kind = "timeout"
)

// Failed reports whether the kind counts against the source. Partial runs
// count as successes.
func (k Kind) Failed() bool {
	return k == KindFailure || k == KindRateLimited || k == KindTimeout
}

// KindFromSource maps an adapter error classification to a breaker kind.
func KindFromSource(k scm.ErrorKind) Kind {
	switch k {
	case scm.KindRateLimited:
		return KindRateLimited
	case scm.KindTimeout:
		return KindTimeout
	default:
		return KindFailure
	}
}

// Config holds breaker thresholds and degraded-mode parameters.
type Config struct {
	WindowSize           int
	WindowDuration       time.Duration
	FailureRateThreshold float64
	RateLimitThreshold   float64
	TimeoutThreshold     float64
	MinSamples           int
	EMAEnabled           bool
	EMAAlpha             float64
	OpenDuration         time.Duration
	ProbeBudget          int
	ProbeJobTypes        []scm.JobType
	RecoverySuccessCount int

	// Degraded mode, active while the breaker is not closed.
	BackfillOnlyMode     bool
	BackfillOnlyJobTypes []scm.JobType
	DegradedBatchSize    int
	DegradedMinInterval  time.Duration
}

// DefaultConfig returns the standard thresholds.
func DefaultConfig() Config {
	return Config{
		WindowSize:           20,
		WindowDuration:       30 * time.Minute,
		FailureRateThreshold: 0.3,
		RateLimitThreshold:   0.2,
		TimeoutThreshold:     0.2,
		MinSamples:           5,
		EMAAlpha:             0.5,
		OpenDuration:         300 * time.Second,
		ProbeBudget:          2,
		ProbeJobTypes:        []scm.JobType{scm.JobTypeCommits},
		RecoverySuccessCount: 2,
		BackfillOnlyMode:     true,
		BackfillOnlyJobTypes: []scm.JobType{scm.JobTypeCommits},
		DegradedBatchSize:    20,
		DegradedMinInterval:  1800 * time.Second,
	}
}

// ProbeAllowed reports whether half-open probes may run for jt.
func (c Config) ProbeAllowed(jt scm.JobType) bool {
	return contains(c.ProbeJobTypes, jt)
}

// ProbeAllowedFor reports whether a half-open jt stream may probe, given the
// breaker state of every stream of its repository. Allowlisted types probe
// first. Other types probe once no allowlisted stream of the repository is
// tripped, which is immediately when the repository has none.
func (c Config) ProbeAllowedFor(jt scm.JobType, states map[scm.JobType]State) bool {
	if c.ProbeAllowed(jt) {
		return true
	}
	for t, st := range states {
		if c.ProbeAllowed(t) && st != StateClosed {
			return false
		}
	}
	return true
}

// DegradedAllowed reports whether jt may still be admitted while open.
func (c Config) DegradedAllowed(jt scm.JobType) bool {
	return c.BackfillOnlyMode && contains(c.BackfillOnlyJobTypes, jt)
}

func contains(list []scm.JobType, jt scm.JobType) bool {
	for _, v := range list {
		if v == jt {
			return true
		}
	}
	return false
}

// Sample is one observed outcome in the sliding window.
type Sample struct {
	At   time.Time `json:"at"`
	Kind Kind      `json:"kind"`
}

// Snapshot is the persisted breaker state of one stream.
type Snapshot struct {
	RepoID               string      `json:"repo_id"`
	JobType              scm.JobType `json:"job_type"`
	State                State       `json:"state"`
	FailureRateEMA       float64     `json:"failure_rate_ema"`
	RateLimitEMA         float64     `json:"rate_limit_ema"`
	TimeoutEMA           float64     `json:"timeout_ema"`
	SampleCount          int         `json:"sample_count"`
	Samples              []Sample    `json:"samples"`
	OpenedAt             *time.Time  `json:"opened_at,omitempty"`
	ConsecutiveSuccesses int         `json:"consecutive_successes"`
	ProbeBudgetRemaining int         `json:"probe_budget_remaining"`
	ProbeRefilledAt      *time.Time  `json:"probe_refilled_at,omitempty"`
	Version              int64       `json:"version"`
	UpdatedAt            time.Time   `json:"updated_at"`
}

// NewSnapshot returns a closed breaker for the stream.
func NewSnapshot(key scm.Key) *Snapshot {
	return &Snapshot{RepoID: key.RepoID, JobType: key.JobType, State: StateClosed}
}

// Key returns the stream of the snapshot.
func (s *Snapshot) Key() scm.Key {
	return scm.Key{RepoID: s.RepoID, JobType: s.JobType}
}

// Degraded reports whether degraded-mode parameters apply.
func (s *Snapshot) Degraded() bool {
	return s.State != StateClosed
}

func (s *Snapshot) clone() *Snapshot {
	c := *s
	c.Samples = append([]Sample(nil), s.Samples...)
	if s.OpenedAt != nil {
		t := *s.OpenedAt
		c.OpenedAt = &t
	}
	if s.ProbeRefilledAt != nil {
		t := *s.ProbeRefilledAt
		c.ProbeRefilledAt = &t
	}
	return &c
}

// Rates are the fractions of failing, rate-limited and timed-out outcomes.
type Rates struct {
	Failure   float64
	RateLimit float64
	Timeout   float64
}

// Machine applies transitions to snapshots.
type Machine struct {
	cfg Config
}

// NewMachine returns a state machine for cfg.
func NewMachine(cfg Config) Machine {
	return Machine{cfg: cfg}
}

// Advance applies time-based transitions: open to half_open once the open
// duration has elapsed, and the per-interval probe budget refill while half
// open. It reports whether the snapshot changed.
func (m Machine) Advance(s *Snapshot, now time.Time) bool {
	changed := m.trim(s, now)
	switch s.State {
	case StateOpen:
		if s.OpenedAt != nil && !now.Before(s.OpenedAt.Add(m.cfg.OpenDuration)) {
			m.toHalfOpen(s, now)
			return true
		}
	case StateHalfOpen:
		if s.ProbeRefilledAt != nil && !now.Before(s.ProbeRefilledAt.Add(m.cfg.OpenDuration)) &&
			s.ProbeBudgetRemaining < m.cfg.ProbeBudget {
			s.ProbeBudgetRemaining = m.cfg.ProbeBudget
			t := now
			s.ProbeRefilledAt = &t
			return true
		}
	}
	return changed
}

// Record applies one observed outcome.
func (m Machine) Record(s *Snapshot, kind Kind, now time.Time) {
	m.Advance(s, now)

	s.Samples = append(s.Samples, Sample{At: now, Kind: kind})
	m.trim(s, now)
	m.updateEMA(s, kind)

	switch s.State {
	case StateClosed:
		if m.shouldTrip(s) {
			m.toOpen(s, now)
		}
	case StateHalfOpen:
		if kind.Failed() {
			m.toOpen(s, now)
			return
		}
		s.ConsecutiveSuccesses++
		if s.ConsecutiveSuccesses >= m.cfg.RecoverySuccessCount {
			m.toClosed(s)
		}
	case StateOpen:
		// Outcomes of degraded admissions are tracked but do not move the
		// breaker until the open duration has elapsed.
	}
}

// Rates computes the window rates, or the EMAs when smoothing is enabled.
func (m Machine) Rates(s *Snapshot) Rates {
	if m.cfg.EMAEnabled {
		return Rates{Failure: s.FailureRateEMA, RateLimit: s.RateLimitEMA, Timeout: s.TimeoutEMA}
	}
	n := len(s.Samples)
	if n == 0 {
		return Rates{}
	}
	var failed, limited, timedOut int
	for _, smp := range s.Samples {
		if smp.Kind.Failed() {
			failed++
		}
		switch smp.Kind {
		case KindRateLimited:
			limited++
		case KindTimeout:
			timedOut++
		}
	}
	return Rates{
		Failure:   float64(failed) / float64(n),
		RateLimit: float64(limited) / float64(n),
		Timeout:   float64(timedOut) / float64(n),
	}
}

func (m Machine) shouldTrip(s *Snapshot) bool {
	if len(s.Samples) < m.cfg.MinSamples {
		return false
	}
	r := m.Rates(s)
	return r.Failure > m.cfg.FailureRateThreshold ||
		r.RateLimit > m.cfg.RateLimitThreshold ||
		r.Timeout > m.cfg.TimeoutThreshold
}

func (m Machine) trim(s *Snapshot, now time.Time) bool {
	before := len(s.Samples)
	if m.cfg.WindowDuration > 0 {
		cutoff := now.Add(-m.cfg.WindowDuration)
		i := 0
		for i < len(s.Samples) && s.Samples[i].At.Before(cutoff) {
			i++
		}
		s.Samples = s.Samples[i:]
	}
	if m.cfg.WindowSize > 0 && len(s.Samples) > m.cfg.WindowSize {
		s.Samples = s.Samples[len(s.Samples)-m.cfg.WindowSize:]
	}
	s.SampleCount = len(s.Samples)
	return len(s.Samples) != before
}

func (m Machine) updateEMA(s *Snapshot, kind Kind) {
	x := func(b bool) float64 {
		if b {
			return 1
		}
		return 0
	}
	fail, limited, timedOut := x(kind.Failed()), x(kind == KindRateLimited), x(kind == KindTimeout)
	if len(s.Samples) == 1 {
		s.FailureRateEMA, s.RateLimitEMA, s.TimeoutEMA = fail, limited, timedOut
		return
	}
	a := m.cfg.EMAAlpha
	s.FailureRateEMA = a*fail + (1-a)*s.FailureRateEMA
	s.RateLimitEMA = a*limited + (1-a)*s.RateLimitEMA
	s.TimeoutEMA = a*timedOut + (1-a)*s.TimeoutEMA
}

func (m Machine) toOpen(s *Snapshot, now time.Time) {
	t := now
	s.State = StateOpen
	s.OpenedAt = &t
	s.ConsecutiveSuccesses = 0
	s.ProbeBudgetRemaining = 0
	s.ProbeRefilledAt = nil
}

func (m Machine) toHalfOpen(s *Snapshot, now time.Time) {
	t := now
	s.State = StateHalfOpen
	s.ConsecutiveSuccesses = 0
	s.ProbeBudgetRemaining = m.cfg.ProbeBudget
	s.ProbeRefilledAt = &t
}

func (m Machine) toClosed(s *Snapshot) {
	s.State = StateClosed
	s.OpenedAt = nil
	s.ConsecutiveSuccesses = 0
	s.ProbeBudgetRemaining = 0
	s.ProbeRefilledAt = nil
	s.Samples = nil
	s.SampleCount = 0
	s.FailureRateEMA, s.RateLimitEMA, s.TimeoutEMA = 0, 0, 0
}
