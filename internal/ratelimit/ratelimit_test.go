package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func setupLimiter(t *testing.T, window time.Duration, budget int) (*RedisLimiter, *miniredis.Miniredis) {
	s := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: s.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewRedisLimiter(client, window, budget), s
}

func TestAllowWithinBudget(t *testing.T) {
	limiter, _ := setupLimiter(t, time.Minute, 3)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		ok, err := limiter.Allow(ctx, "usr_1")
		if err != nil {
			t.Fatalf("Allow failed: %v", err)
		}
		if !ok {
			t.Fatalf("event %d should be within budget", i+1)
		}
	}

	ok, err := limiter.Allow(ctx, "usr_1")
	if err != nil {
		t.Fatalf("Allow failed: %v", err)
	}
	if ok {
		t.Fatal("fourth event should exceed a budget of 3")
	}
}

func TestBudgetIsPerKey(t *testing.T) {
	limiter, _ := setupLimiter(t, time.Minute, 1)
	ctx := context.Background()

	if ok, _ := limiter.Allow(ctx, "usr_1"); !ok {
		t.Fatal("first event for usr_1 should pass")
	}
	if ok, _ := limiter.Allow(ctx, "usr_2"); !ok {
		t.Fatal("usr_2 has its own budget")
	}
	if ok, _ := limiter.Allow(ctx, "usr_1"); ok {
		t.Fatal("second event for usr_1 should be throttled")
	}
}

func TestWindowResets(t *testing.T) {
	limiter, s := setupLimiter(t, time.Second, 1)
	ctx := context.Background()

	if ok, _ := limiter.Allow(ctx, "usr_1"); !ok {
		t.Fatal("first event should pass")
	}
	if ok, _ := limiter.Allow(ctx, "usr_1"); ok {
		t.Fatal("second event in the window should be throttled")
	}

	s.FastForward(2 * time.Second)

	if ok, _ := limiter.Allow(ctx, "usr_1"); !ok {
		t.Fatal("event in a fresh window should pass")
	}
}

func TestUnlimitedAlwaysAllows(t *testing.T) {
	var limiter Limiter = Unlimited{}
	for i := 0; i < 100; i++ {
		ok, err := limiter.Allow(context.Background(), "usr_1")
		if err != nil || !ok {
			t.Fatalf("Unlimited must always allow, got ok=%v err=%v", ok, err)
		}
	}
}
