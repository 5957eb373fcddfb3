package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
)

// RedisCounterStore implements CounterStore on a shared Redis instance.
// Concurrent requests for the same identity are serialized by Redis itself;
// INCR is the atomic primitive, not application-level locking.
type RedisCounterStore struct {
	client *redis.Client
}

// NewRedisCounterStore creates a counter store on the given client.
func NewRedisCounterStore(client *redis.Client) *RedisCounterStore {
	return &RedisCounterStore{client: client}
}

// Incr atomically increments key, setting the window expiry on the increment
// that creates the counter, and returns the count and remaining TTL.
func (s *RedisCounterStore) Incr(ctx context.Context, key string, window time.Duration) (int64, time.Duration, error) {
	pipe := s.client.TxPipeline()
	incr := pipe.Incr(ctx, key)
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, 0, fmt.Errorf("incr %s: %w", key, err)
	}

	count := incr.Val()
	if count == 1 {
		if err := s.client.PExpire(ctx, key, window).Err(); err != nil {
			return 0, 0, fmt.Errorf("pexpire %s: %w", key, err)
		}
	}

	ttl, err := s.client.PTTL(ctx, key).Result()
	if err != nil {
		return 0, 0, fmt.Errorf("pttl %s: %w", key, err)
	}
	if ttl < 0 {
		// Counter exists without expiry (e.g. expiry write lost); repair it
		// rather than letting the key leak forever.
		if err := s.client.PExpire(ctx, key, window).Err(); err != nil {
			return 0, 0, fmt.Errorf("pexpire %s: %w", key, err)
		}
		ttl = window
	}

	return count, ttl, nil
}
