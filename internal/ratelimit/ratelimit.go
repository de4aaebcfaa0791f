// Package ratelimit provides the injected throttling capability for
// message sends. Counters live in Redis so the budget holds across
// horizontally scaled instances; a no-op limiter covers dev setups
// without Redis.
package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Limiter answers whether one more event is allowed for a key.
type Limiter interface {
	Allow(ctx context.Context, key string) (bool, error)
}

// RedisLimiter is a fixed-window counter: INCR per event, EXPIRE on the
// first event of a window. Coarse, but cheap and shared across instances.
type RedisLimiter struct {
	client *redis.Client
	prefix string
	window time.Duration
	budget int
}

// NewRedisLimiter creates a limiter allowing budget events per window.
func NewRedisLimiter(client *redis.Client, window time.Duration, budget int) *RedisLimiter {
	return &RedisLimiter{
		client: client,
		prefix: "ratelimit:",
		window: window,
		budget: budget,
	}
}

func (l *RedisLimiter) Allow(ctx context.Context, key string) (bool, error) {
	count, err := l.client.Incr(ctx, l.prefix+key).Result()
	if err != nil {
		return false, fmt.Errorf("rate limit incr: %w", err)
	}
	if count == 1 {
		if err := l.client.Expire(ctx, l.prefix+key, l.window).Err(); err != nil {
			return false, fmt.Errorf("rate limit expire: %w", err)
		}
	}
	return count <= int64(l.budget), nil
}

// Unlimited never throttles.
type Unlimited struct{}

func (Unlimited) Allow(context.Context, string) (bool, error) {
	return true, nil
}
