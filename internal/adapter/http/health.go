package http

import (
	"context"
	"net/http"
	"time"
)

// HealthCheck probes one collaborator and reports an error when it is down.
type HealthCheck func(ctx context.Context) error

const readinessTimeout = 5 * time.Second

// HealthHandler reports liveness. It always answers; process-up is the
// signal.
func HealthHandler(version string) http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{
			"status":  "ok",
			"version": version,
		})
	}
}

// ReadinessHandler runs every registered check and reports 503 with the
// per-check outcomes when any collaborator is down.
func ReadinessHandler(checks map[string]HealthCheck) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), readinessTimeout)
		defer cancel()

		status := "ok"
		results := make(map[string]string, len(checks))
		for name, check := range checks {
			if err := check(ctx); err != nil {
				status = "degraded"
				results[name] = err.Error()
				continue
			}
			results[name] = "ok"
		}

		code := http.StatusOK
		if status != "ok" {
			code = http.StatusServiceUnavailable
		}
		writeJSON(w, code, map[string]any{
			"status": status,
			"checks": results,
		})
	}
}
