// Package ratelimit implements a per-identity sliding-window rate limiter
// backed by a shared atomic counter store.
package ratelimit

import (
	"context"
	"time"

	"github.com/PixelForge-AI/generation_service/internal/logging"
)

// Config holds the limiter settings for one class of requests.
type Config struct {
	Window      time.Duration
	MaxRequests int
	KeyPrefix   string
}

// Result is the outcome of a rate limit check.
type Result struct {
	Allowed   bool
	Limit     int
	Remaining int
	ResetTime time.Time
}

// CounterStore atomically increments a windowed counter. The increment that
// creates the counter must also set its expiry to window; ttl is the
// remaining time until the counter resets.
type CounterStore interface {
	Incr(ctx context.Context, key string, window time.Duration) (count int64, ttl time.Duration, err error)
}

// Limiter gates requests per identity against a counter store.
type Limiter struct {
	store  CounterStore
	config Config
	logger *logging.Logger
	now    func() time.Time
}

// New creates a limiter. A nil logger disables logging.
func New(store CounterStore, config Config, logger *logging.Logger) *Limiter {
	if logger == nil {
		logger = logging.Default("ratelimit")
	}
	return &Limiter{
		store:  store,
		config: config,
		logger: logger,
		now:    time.Now,
	}
}

// Config returns the limiter configuration.
func (l *Limiter) Config() Config {
	return l.config
}

// Check increments the identity's window counter and reports whether the
// request is allowed. If the counter store is unreachable the limiter fails
// open: availability is preferred over strict enforcement for this gate.
func (l *Limiter) Check(ctx context.Context, identity string) Result {
	key := l.config.KeyPrefix + ":" + identity

	count, ttl, err := l.store.Incr(ctx, key, l.config.Window)
	if err != nil {
		l.logger.Warn("rate limit store unreachable, failing open", "err", err, "identity", identity)
		return Result{
			Allowed:   true,
			Limit:     l.config.MaxRequests,
			Remaining: l.config.MaxRequests,
			ResetTime: l.now().Add(l.config.Window),
		}
	}
	if ttl < 0 {
		ttl = l.config.Window
	}

	remaining := l.config.MaxRequests - int(count)
	if remaining < 0 {
		remaining = 0
	}

	return Result{
		Allowed:   count <= int64(l.config.MaxRequests),
		Limit:     l.config.MaxRequests,
		Remaining: remaining,
		ResetTime: l.now().Add(ttl),
	}
}
