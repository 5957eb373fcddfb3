package ratelimit

import (
	"context"
	"fmt"
	"testing"
	"time"
)

type failingStore struct{}

func (failingStore) Incr(context.Context, string, time.Duration) (int64, time.Duration, error) {
	return 0, 0, fmt.Errorf("connection refused")
}

func newTestLimiter(maxRequests int, window time.Duration) (*Limiter, *MemoryCounterStore, *time.Time) {
	store := NewMemoryCounterStore()
	now := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	store.SetClock(func() time.Time { return now })

	limiter := New(store, Config{
		Window:      window,
		MaxRequests: maxRequests,
		KeyPrefix:   "test",
	}, nil)
	limiter.now = func() time.Time { return now }

	return limiter, store, &now
}

func TestLimiter_AllowsUpToMax(t *testing.T) {
	limiter, _, _ := newTestLimiter(5, time.Minute)
	ctx := context.Background()

	for i := 1; i <= 5; i++ {
		result := limiter.Check(ctx, "client-a")
		if !result.Allowed {
			t.Fatalf("call %d should be allowed", i)
		}
		if want := 5 - i; result.Remaining != want {
			t.Errorf("call %d remaining = %d, want %d", i, result.Remaining, want)
		}
	}

	result := limiter.Check(ctx, "client-a")
	if result.Allowed {
		t.Error("call 6 should be denied")
	}
	if result.Remaining != 0 {
		t.Errorf("denied remaining = %d, want 0", result.Remaining)
	}
}

func TestLimiter_WindowReset(t *testing.T) {
	limiter, store, now := newTestLimiter(2, time.Minute)
	ctx := context.Background()

	limiter.Check(ctx, "client-a")
	limiter.Check(ctx, "client-a")
	if result := limiter.Check(ctx, "client-a"); result.Allowed {
		t.Fatal("third call within window should be denied")
	}

	// Advance past the window; a fresh call is allowed again.
	*now = now.Add(time.Minute + time.Second)
	store.SetClock(func() time.Time { return *now })

	if result := limiter.Check(ctx, "client-a"); !result.Allowed {
		t.Error("call after window expiry should be allowed")
	}
}

func TestLimiter_IdentitiesIndependent(t *testing.T) {
	limiter, _, _ := newTestLimiter(1, time.Minute)
	ctx := context.Background()

	limiter.Check(ctx, "client-a")
	if result := limiter.Check(ctx, "client-a"); result.Allowed {
		t.Fatal("second call for client-a should be denied")
	}
	if result := limiter.Check(ctx, "client-b"); !result.Allowed {
		t.Error("client-b should have its own window")
	}
}

func TestLimiter_FailsOpenOnStoreError(t *testing.T) {
	limiter := New(failingStore{}, Config{
		Window:      time.Minute,
		MaxRequests: 10,
		KeyPrefix:   "test",
	}, nil)

	result := limiter.Check(context.Background(), "client-a")
	if !result.Allowed {
		t.Error("limiter should fail open when the store is unreachable")
	}
	if result.Remaining != 10 {
		t.Errorf("fail-open remaining = %d, want 10", result.Remaining)
	}
}

func TestLimiter_ResetTimeTracksTTL(t *testing.T) {
	limiter, store, now := newTestLimiter(2, time.Minute)
	ctx := context.Background()

	limiter.Check(ctx, "client-a")

	// One second into the window the third call is denied and reset should
	// land at the original window boundary, not a fresh full window.
	*now = now.Add(time.Second)
	store.SetClock(func() time.Time { return *now })

	limiter.Check(ctx, "client-a")
	result := limiter.Check(ctx, "client-a")
	if result.Allowed {
		t.Fatal("third call should be denied")
	}

	remaining := result.ResetTime.Sub(*now)
	if remaining != 59*time.Second {
		t.Errorf("time until reset = %v, want 59s", remaining)
	}
}
