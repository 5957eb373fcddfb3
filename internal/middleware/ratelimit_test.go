package middleware

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/PixelForge-AI/generation_service/internal/logging"
	"github.com/PixelForge-AI/generation_service/internal/ratelimit"
)

func newTestRateLimit(maxRequests int) *RateLimitMiddleware {
	limiter := ratelimit.New(ratelimit.NewMemoryCounterStore(), ratelimit.Config{
		Window:      time.Minute,
		MaxRequests: maxRequests,
		KeyPrefix:   "test",
	}, nil)
	return NewRateLimitMiddleware(limiter, logging.New("test", "error", "json"), nil)
}

func TestRateLimitMiddleware_AllowsAndSetsHeaders(t *testing.T) {
	mw := newTestRateLimit(2)
	handler := mw.Handler(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest("POST", "/v1/generations", nil)
	req.RemoteAddr = "10.0.0.1:4000"
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if rec.Header().Get("X-RateLimit-Limit") != "2" {
		t.Errorf("X-RateLimit-Limit = %q, want 2", rec.Header().Get("X-RateLimit-Limit"))
	}
	if rec.Header().Get("X-RateLimit-Remaining") != "1" {
		t.Errorf("X-RateLimit-Remaining = %q, want 1", rec.Header().Get("X-RateLimit-Remaining"))
	}
}

func TestRateLimitMiddleware_DeniesWithRetryAfter(t *testing.T) {
	mw := newTestRateLimit(2)
	handler := mw.Handler(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	for i := 0; i < 3; i++ {
		req := httptest.NewRequest("POST", "/v1/generations", nil)
		req.RemoteAddr = "10.0.0.1:4000"
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)

		if i < 2 {
			if rec.Code != http.StatusOK {
				t.Fatalf("call %d status = %d, want 200", i+1, rec.Code)
			}
			continue
		}

		if rec.Code != http.StatusTooManyRequests {
			t.Fatalf("call 3 status = %d, want 429", rec.Code)
		}
		retryAfter := rec.Header().Get("Retry-After")
		if retryAfter == "" {
			t.Error("denied response missing Retry-After")
		}
		if rec.Header().Get("X-RateLimit-Remaining") != "0" {
			t.Errorf("denied X-RateLimit-Remaining = %q, want 0", rec.Header().Get("X-RateLimit-Remaining"))
		}
	}
}

func TestRateLimitMiddleware_SeparateIdentities(t *testing.T) {
	mw := newTestRateLimit(1)
	handler := mw.Handler(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	first := httptest.NewRequest("POST", "/v1/generations", nil)
	first.RemoteAddr = "10.0.0.1:4000"
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, first)
	if rec.Code != http.StatusOK {
		t.Fatalf("first identity status = %d, want 200", rec.Code)
	}

	// Same path, different caller: has its own window.
	second := httptest.NewRequest("POST", "/v1/generations", nil)
	second.RemoteAddr = "10.0.0.2:4000"
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, second)
	if rec.Code != http.StatusOK {
		t.Errorf("second identity status = %d, want 200", rec.Code)
	}
}

func TestRateLimitMiddleware_PrefersUserIdentity(t *testing.T) {
	mw := newTestRateLimit(1)
	handler := mw.Handler(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	for i, want := range []int{http.StatusOK, http.StatusTooManyRequests} {
		req := httptest.NewRequest("POST", "/v1/generations", nil)
		// Different source addresses, same authenticated client.
		req.RemoteAddr = "10.0.0.1:4000"
		if i == 1 {
			req.RemoteAddr = "10.0.0.2:4000"
		}
		req = req.WithContext(logging.WithUserID(req.Context(), "client-a"))
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		if rec.Code != want {
			t.Errorf("call %d status = %d, want %d", i+1, rec.Code, want)
		}
	}
}

func TestHeadersFromContext_EmptyWithoutCheck(t *testing.T) {
	headers := HeadersFromContext(context.Background())
	if len(headers) != 0 {
		t.Errorf("headers without a check = %v, want empty", headers)
	}
}

func TestHeadersFromContext_PresentAfterCheck(t *testing.T) {
	mw := newTestRateLimit(3)
	var headers map[string]string
	handler := mw.Handler(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		headers = HeadersFromContext(r.Context())
	}))

	req := httptest.NewRequest("GET", "/v1/quota", nil)
	req.RemoteAddr = "10.0.0.1:4000"
	handler.ServeHTTP(httptest.NewRecorder(), req)

	if headers["X-RateLimit-Limit"] != "3" {
		t.Errorf("limit header = %q, want 3", headers["X-RateLimit-Limit"])
	}
	if headers["X-RateLimit-Remaining"] != "2" {
		t.Errorf("remaining header = %q, want 2", headers["X-RateLimit-Remaining"])
	}
}
