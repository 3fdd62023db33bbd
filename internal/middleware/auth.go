package middleware

import (
	"net/http"
	"strings"

	"github.com/troupehq/troupe/internal/service"
)

// publicPaths are exempt from authentication.
var publicPaths = map[string]bool{
	"/health": true,
	"/ready":  true,
}

// Auth returns middleware that validates the operator API key. Requests
// may present the key as X-API-Key, as Authorization: Bearer, or on
// WebSocket upgrades as a ?token= query parameter. When auth is disabled
// every request passes through.
func Auth(authSvc *service.AuthService) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !authSvc.Enabled() {
				next.ServeHTTP(w, r)
				return
			}

			// Skip auth for public paths.
			if publicPaths[r.URL.Path] {
				next.ServeHTTP(w, r)
				return
			}

			// Browsers cannot set headers on a WebSocket dial, so /ws
			// accepts the key as a query parameter.
			if r.URL.Path == "/ws" {
				if err := authSvc.VerifyKey(r.URL.Query().Get("token")); err != nil {
					http.Error(w, `{"error":"authorization required"}`, http.StatusUnauthorized)
					return
				}
				next.ServeHTTP(w, r)
				return
			}

			// Try X-API-Key header first.
			if apiKey := r.Header.Get("X-API-Key"); apiKey != "" {
				if err := authSvc.VerifyKey(apiKey); err != nil {
					http.Error(w, `{"error":"invalid api key"}`, http.StatusUnauthorized)
					return
				}
				next.ServeHTTP(w, r)
				return
			}

			// Fall back to Authorization: Bearer <key>.
			authHeader := r.Header.Get("Authorization")
			if authHeader == "" {
				http.Error(w, `{"error":"authorization required"}`, http.StatusUnauthorized)
				return
			}

			key := strings.TrimPrefix(authHeader, "Bearer ")
			if key == authHeader {
				http.Error(w, `{"error":"invalid authorization header"}`, http.StatusUnauthorized)
				return
			}

			if err := authSvc.VerifyKey(key); err != nil {
				http.Error(w, `{"error":"invalid api key"}`, http.StatusUnauthorized)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}
