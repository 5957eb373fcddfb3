// Package middleware provides HTTP middleware for the generation service.
package middleware

import (
	"context"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/PixelForge-AI/generation_service/internal/errors"
	"github.com/PixelForge-AI/generation_service/internal/logging"
	"github.com/PixelForge-AI/generation_service/internal/metrics"
	"github.com/PixelForge-AI/generation_service/internal/ratelimit"
)

type rateLimitResultKey struct{}

// RateLimitMiddleware gates requests through the sliding-window limiter
// before any quota check runs.
type RateLimitMiddleware struct {
	limiter *ratelimit.Limiter
	logger  *logging.Logger
	metrics *metrics.Metrics
}

// NewRateLimitMiddleware creates the middleware. m may be nil.
func NewRateLimitMiddleware(limiter *ratelimit.Limiter, logger *logging.Logger, m *metrics.Metrics) *RateLimitMiddleware {
	return &RateLimitMiddleware{limiter: limiter, logger: logger, metrics: m}
}

// Handler checks the caller's rate limit and either rejects with 429 plus a
// Retry-After header or passes the request through. Limit headers are set on
// both outcomes.
func (m *RateLimitMiddleware) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		identity := resolveIdentity(r)
		result := m.limiter.Check(r.Context(), identity)

		if m.metrics != nil {
			m.metrics.RecordRateLimitDecision(result.Allowed)
		}

		for k, v := range Headers(result) {
			w.Header().Set(k, v)
		}

		if !result.Allowed {
			retryAfter := int64(time.Until(result.ResetTime).Seconds())
			if retryAfter < 1 {
				retryAfter = 1
			}
			w.Header().Set("Retry-After", strconv.FormatInt(retryAfter, 10))

			m.logger.LogSecurityEvent(r.Context(), "rate_limit_exceeded", map[string]interface{}{
				"identity": identity,
				"path":     r.URL.Path,
				"method":   r.Method,
			})

			writeServiceError(w, errors.RateLimitExceeded(result.Limit, retryAfter))
			return
		}

		ctx := context.WithValue(r.Context(), rateLimitResultKey{}, result)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// Headers returns the observability headers for a rate limit result.
func Headers(result ratelimit.Result) map[string]string {
	return map[string]string{
		"X-RateLimit-Limit":     strconv.Itoa(result.Limit),
		"X-RateLimit-Remaining": strconv.Itoa(result.Remaining),
		"X-RateLimit-Reset":     strconv.FormatInt(result.ResetTime.Unix(), 10),
	}
}

// HeadersFromContext returns the limit headers for the check that ran for
// this request, or an empty map when no check ran.
func HeadersFromContext(ctx context.Context) map[string]string {
	result, ok := ctx.Value(rateLimitResultKey{}).(ratelimit.Result)
	if !ok {
		return map[string]string{}
	}
	return Headers(result)
}

// resolveIdentity prefers the authenticated user ID and falls back to the
// caller's IP address.
func resolveIdentity(r *http.Request) string {
	if userID := logging.GetUserID(r.Context()); userID != "" {
		return userID
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
