// Package retry provides exponential backoff for optimistic-concurrency
// conflicts and poll-loop errors.
package retry

import (
	"context"
	"errors"
	"math"
	"math/rand"
	"time"
)

// ErrExhausted is returned by Do when every attempt hit a retryable error.
var ErrExhausted = errors.New("retries exhausted")

// Policy defines parameters for retry behavior with exponential backoff and jitter.
type Policy struct {
	MaxRetries  int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	Multiplier  float64
	JitterRatio float64 // 0.0 to 1.0
}

// DefaultPolicy returns the backoff used for poll-loop errors.
func DefaultPolicy() *Policy {
	return &Policy{
		MaxRetries:  3,
		BaseDelay:   100 * time.Millisecond,
		MaxDelay:    2 * time.Second,
		Multiplier:  2.0,
		JitterRatio: 0.1,
	}
}

// ConflictPolicy returns a short backoff for compare-and-set conflicts.
func ConflictPolicy() *Policy {
	return &Policy{
		MaxRetries:  8,
		BaseDelay:   5 * time.Millisecond,
		MaxDelay:    200 * time.Millisecond,
		Multiplier:  2.0,
		JitterRatio: 0.5,
	}
}

// NextDelay computes the delay before the next retry attempt.
func (p *Policy) NextDelay(attempt int) time.Duration {
	if attempt <= 0 {
		return p.BaseDelay
	}

	delay := float64(p.BaseDelay) * math.Pow(p.Multiplier, float64(attempt-1))
	if delay > float64(p.MaxDelay) {
		delay = float64(p.MaxDelay)
	}

	// Jitter of +/- JitterRatio spreads out competing writers.
	delay += delay * p.JitterRatio * (2*rand.Float64() - 1)
	if delay < 0 {
		delay = float64(p.BaseDelay)
	}

	return time.Duration(delay)
}

// ShouldRetry reports whether another attempt should be made.
func (p *Policy) ShouldRetry(attempt int) bool {
	return attempt < p.MaxRetries
}

// Wait sleeps for the attempt's delay or until ctx is done.
func (p *Policy) Wait(ctx context.Context, attempt int) error {
	t := time.NewTimer(p.NextDelay(attempt))
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Do calls fn until it succeeds, returns an error retryable rejects, or the
// attempts run out.
func (p *Policy) Do(ctx context.Context, retryable func(error) bool, fn func() error) error {
	for attempt := 0; ; attempt++ {
		err := fn()
		if err == nil || !retryable(err) {
			return err
		}
		if !p.ShouldRetry(attempt) {
			return errors.Join(ErrExhausted, err)
		}
		if werr := p.Wait(ctx, attempt+1); werr != nil {
			return werr
		}
	}
}
