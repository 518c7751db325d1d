package cursor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const redisKeyPrefix = "cursor:"

// RedisStore implements Store with one Redis hash per namespace. HSET on a
// single field is atomic, which gives the upsert semantics SetCursor needs.
type RedisStore struct {
	client *redis.Client
	logger *zap.Logger
}

// NewRedisStore creates a Redis-backed cursor store.
func NewRedisStore(client *redis.Client, logger *zap.Logger) *RedisStore {
	return &RedisStore{
		client: client,
		logger: logger,
	}
}

// GetCursor reads one field of the namespace hash.
func (s *RedisStore) GetCursor(ctx context.Context, namespace, key string) (json.RawMessage, error) {
	val, err := s.client.HGet(ctx, redisKeyPrefix+namespace, key).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, fmt.Errorf("hget cursor: %w", err)
	}
	if !json.Valid(val) {
		s.logger.Error("invalid cursor value in redis",
			zap.String("namespace", namespace),
			zap.String("key", key),
		)
		return nil, fmt.Errorf("cursor %s/%s holds invalid json", namespace, key)
	}
	return json.RawMessage(val), nil
}

// SetCursor writes one field of the namespace hash.
func (s *RedisStore) SetCursor(ctx context.Context, namespace, key string, value json.RawMessage) error {
	if err := s.client.HSet(ctx, redisKeyPrefix+namespace, key, []byte(value)).Err(); err != nil {
		return fmt.Errorf("hset cursor: %w", err)
	}
	return nil
}

// Keys lists the cursor keys stored in a namespace.
func (s *RedisStore) Keys(ctx context.Context, namespace string) ([]string, error) {
	keys, err := s.client.HKeys(ctx, redisKeyPrefix+namespace).Result()
	if err != nil {
		return nil, fmt.Errorf("hkeys cursor: %w", err)
	}
	return keys, nil
}
