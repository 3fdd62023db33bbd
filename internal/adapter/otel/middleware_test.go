package otel_test

import (
	"net/http"
	"net/http/httptest"
	"testing"

	otelad "github.com/troupehq/troupe/internal/adapter/otel"
)

func TestHTTPMiddlewarePassesRequestsThrough(t *testing.T) {
	mw := otelad.HTTPMiddleware("troupe")

	for _, path := range []string{"/health", "/ready", "/ws", "/api/v1/runs/active"} {
		called := false
		h := mw(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			called = true
			w.WriteHeader(http.StatusOK)
		}))

		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))

		if !called {
			t.Errorf("%s: handler not reached", path)
		}
		if rec.Code != http.StatusOK {
			t.Errorf("%s: status = %d, want 200", path, rec.Code)
		}
	}
}
