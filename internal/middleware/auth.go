package middleware

import (
	"net/http"

	"github.com/PixelForge-AI/generation_service/internal/errors"
	"github.com/PixelForge-AI/generation_service/internal/logging"
)

// ClientResolver maps an API key to a client ID. It returns "" for unknown keys.
type ClientResolver func(apiKey string) string

// AuthMiddleware resolves the calling client from the X-API-Key header and
// stores its ID on the request context for rate limiting and quota checks.
type AuthMiddleware struct {
	resolve   ClientResolver
	skipPaths map[string]bool
}

// NewAuthMiddleware creates an auth middleware that skips the given paths.
func NewAuthMiddleware(resolve ClientResolver, skipPaths []string) *AuthMiddleware {
	skip := make(map[string]bool, len(skipPaths))
	for _, p := range skipPaths {
		skip[p] = true
	}
	return &AuthMiddleware{resolve: resolve, skipPaths: skip}
}

// Handler returns the auth middleware handler.
func (m *AuthMiddleware) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if m.skipPaths[r.URL.Path] {
			next.ServeHTTP(w, r)
			return
		}

		apiKey := r.Header.Get("X-API-Key")
		if apiKey == "" {
			writeServiceError(w, errors.Unauthorized("missing API key"))
			return
		}

		clientID := m.resolve(apiKey)
		if clientID == "" {
			writeServiceError(w, errors.Unauthorized("invalid API key"))
			return
		}

		ctx := logging.WithUserID(r.Context(), clientID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}
