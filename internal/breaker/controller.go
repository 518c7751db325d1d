package breaker

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/leejennwah/scm-sync/internal/clock"
	"github.com/leejennwah/scm-sync/internal/metrics"
	"github.com/leejennwah/scm-sync/internal/retry"
	"github.com/leejennwah/scm-sync/internal/scm"
)

// ErrVersionConflict is returned by Store.SaveBreaker when the stored version
// differs from the expected one.
var ErrVersionConflict = errors.New("breaker state version conflict")

// Store persists breaker snapshots with optimistic concurrency.
type Store interface {
	// LoadBreaker returns the snapshot of the stream, or nil if none exists.
	LoadBreaker(ctx context.Context, key scm.Key) (*Snapshot, error)

	// SaveBreaker writes s if the stored version equals expected (0 means
	// "not stored yet") and sets s.Version to the new version. It returns
	// ErrVersionConflict otherwise.
	SaveBreaker(ctx context.Context, s *Snapshot, expected int64) error

	// ListBreakers returns all stored snapshots.
	ListBreakers(ctx context.Context) ([]*Snapshot, error)
}

// Controller reads and mutates breaker state. Concurrent writers are
// reconciled by re-reading and re-applying on version conflicts.
type Controller struct {
	store   Store
	machine Machine
	cfg     Config
	clock   clock.Clock
	retry   *retry.Policy
	metrics *metrics.Metrics
	logger  *zap.Logger
}

// NewController creates a controller. m may be nil.
func NewController(store Store, cfg Config, clk clock.Clock, m *metrics.Metrics, logger *zap.Logger) *Controller {
	return &Controller{
		store:   store,
		machine: NewMachine(cfg),
		cfg:     cfg,
		clock:   clk,
		retry:   retry.ConflictPolicy(),
		metrics: m,
		logger:  logger,
	}
}

// Config returns the breaker configuration.
func (c *Controller) Config() Config {
	return c.cfg
}

// Peek returns the state with time-based transitions applied, without
// persisting them.
func (c *Controller) Peek(ctx context.Context, key scm.Key) (*Snapshot, error) {
	s, err := c.load(ctx, key)
	if err != nil {
		return nil, err
	}
	c.machine.Advance(s, c.clock.Now())
	return s, nil
}

// Current returns the state with time-based transitions applied and
// persisted.
func (c *Controller) Current(ctx context.Context, key scm.Key) (*Snapshot, error) {
	return c.update(ctx, key, func(s *Snapshot) (bool, error) {
		return c.machine.Advance(s, c.clock.Now()), nil
	})
}

// Observe records a run outcome.
func (c *Controller) Observe(ctx context.Context, key scm.Key, kind Kind) (*Snapshot, error) {
	return c.update(ctx, key, func(s *Snapshot) (bool, error) {
		c.machine.Record(s, kind, c.clock.Now())
		return true, nil
	})
}

// TryConsumeProbe takes one unit of half-open probe budget. It reports false
// when the breaker is not half open or the budget is exhausted.
func (c *Controller) TryConsumeProbe(ctx context.Context, key scm.Key) (bool, error) {
	consumed := false
	_, err := c.update(ctx, key, func(s *Snapshot) (bool, error) {
		consumed = false
		changed := c.machine.Advance(s, c.clock.Now())
		if s.State != StateHalfOpen || s.ProbeBudgetRemaining <= 0 {
			return changed, nil
		}
		s.ProbeBudgetRemaining--
		consumed = true
		return true, nil
	})
	if err != nil {
		return false, err
	}
	return consumed, nil
}

// Reset closes the breaker and clears its window.
func (c *Controller) Reset(ctx context.Context, key scm.Key) (*Snapshot, error) {
	return c.update(ctx, key, func(s *Snapshot) (bool, error) {
		c.machine.toClosed(s)
		return true, nil
	})
}

// BatchSize returns the fetch batch size for a stream in state s.
func (c *Controller) BatchSize(s *Snapshot, normal int) int {
	if s != nil && s.Degraded() && c.cfg.DegradedBatchSize > 0 && c.cfg.DegradedBatchSize < normal {
		return c.cfg.DegradedBatchSize
	}
	return normal
}

// Rates returns the rates the trip decision uses for s.
func (c *Controller) Rates(s *Snapshot) Rates {
	return c.machine.Rates(s)
}

// List returns every stored snapshot with time-based transitions applied in
// memory.
func (c *Controller) List(ctx context.Context) ([]*Snapshot, error) {
	all, err := c.store.ListBreakers(ctx)
	if err != nil {
		return nil, fmt.Errorf("list breakers: %w", err)
	}
	now := c.clock.Now()
	for _, s := range all {
		c.machine.Advance(s, now)
	}
	return all, nil
}

func (c *Controller) load(ctx context.Context, key scm.Key) (*Snapshot, error) {
	s, err := c.store.LoadBreaker(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("load breaker %s: %w", key, err)
	}
	if s == nil {
		s = NewSnapshot(key)
	}
	return s, nil
}

func (c *Controller) update(ctx context.Context, key scm.Key, fn func(*Snapshot) (bool, error)) (*Snapshot, error) {
	var result *Snapshot
	err := c.retry.Do(ctx, func(err error) bool { return errors.Is(err, ErrVersionConflict) }, func() error {
		s, err := c.load(ctx, key)
		if err != nil {
			return err
		}
		before := s.State
		expected := s.Version

		changed, err := fn(s)
		if err != nil {
			return err
		}
		if !changed {
			result = s
			return nil
		}

		s.UpdatedAt = c.clock.Now()
		if err := c.store.SaveBreaker(ctx, s, expected); err != nil {
			return err
		}
		if before != s.State {
			c.logger.Info("circuit breaker transition",
				zap.String("repo_id", key.RepoID),
				zap.String("job_type", string(key.JobType)),
				zap.String("from", string(before)),
				zap.String("to", string(s.State)),
			)
			if c.metrics != nil {
				c.metrics.BreakerTransitions.WithLabelValues(string(key.JobType), string(before), string(s.State)).Inc()
			}
		}
		result = s
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("update breaker %s: %w", key, err)
	}
	return result, nil
}
