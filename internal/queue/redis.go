package queue

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/leejennwah/scm-sync/internal/scm"
)

const (
	wakeKeyPrefix = "scm-sync:wake:"
	// maxPending bounds each wake list; workers drain one token per claim
	// attempt, so older tokens carry no extra information.
	maxPending = 64
)

// RedisSignal implements Signal with one Redis list per job type. Notify
// pushes a token and Wait pops one with BRPOP, so each enqueue wakes at most
// one worker.
type RedisSignal struct {
	client *redis.Client
	logger *zap.Logger
}

// NewRedisSignal creates a Redis-backed wake signal.
func NewRedisSignal(client *redis.Client, logger *zap.Logger) *RedisSignal {
	return &RedisSignal{client: client, logger: logger}
}

func wakeKey(jt scm.JobType) string {
	return wakeKeyPrefix + string(jt)
}

// Notify pushes a wake token for jt.
func (s *RedisSignal) Notify(ctx context.Context, jt scm.JobType) error {
	key := wakeKey(jt)
	pipe := s.client.TxPipeline()
	pipe.LPush(ctx, key, "1")
	pipe.LTrim(ctx, key, 0, maxPending-1)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("push wake token %s: %w", jt, err)
	}
	return nil
}

// Wait pops one wake token. It returns nil on timeout and on cancellation.
func (s *RedisSignal) Wait(ctx context.Context, jobTypes []scm.JobType, timeout time.Duration) error {
	if len(jobTypes) == 0 {
		jobTypes = scm.AllJobTypes()
	}
	keys := make([]string, len(jobTypes))
	for i, jt := range jobTypes {
		keys[i] = wakeKey(jt)
	}
	if timeout < time.Second {
		timeout = time.Second
	}

	result, err := s.client.BRPop(ctx, timeout, keys...).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) || ctx.Err() != nil {
			return nil
		}
		return fmt.Errorf("brpop wake token: %w", err)
	}
	if len(result) == 2 {
		s.logger.Debug("woken", zap.String("key", result[0]))
	}
	return nil
}

// Pending returns the number of unconsumed wake tokens for jt.
func (s *RedisSignal) Pending(ctx context.Context, jt scm.JobType) (int64, error) {
	return s.client.LLen(ctx, wakeKey(jt)).Result()
}
