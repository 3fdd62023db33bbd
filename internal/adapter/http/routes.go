package http

import (
	"net/http"

	"github.com/go-chi/chi/v5"
)

// MountRoutes registers the control-surface routes on the given chi router.
func MountRoutes(r chi.Router, h *Handlers) {
	r.Route("/api/v1", func(r chi.Router) {
		// Version
		r.Get("/", func(w http.ResponseWriter, _ *http.Request) {
			w.Header().Set("Content-Type", "application/json")
			_, _ = w.Write([]byte(`{"version":"0.1.0"}`))
		})

		// Runs (one active run at a time; /runs/active addresses it)
		r.Post("/runs", h.StartRun)
		r.Get("/runs/active", h.GetActiveRun)
		r.Post("/runs/active/pause", h.PauseRun)
		r.Post("/runs/active/resume", h.ResumeRun)
		r.Post("/runs/active/abort", h.AbortRun)
		r.Get("/runs/active/progress", h.GetProgress)
		r.Get("/runs/active/output", h.GetOutput)
		r.Get("/runs/history", h.GetHistory)
		r.Get("/runs/{id}/events", h.GetRunEvents)

		// Gavel checkpoints
		r.Get("/gavel", h.GetActiveGavel)
		r.Post("/gavel/{id}/approve", h.ApproveGavel)
		r.Post("/gavel/{id}/reject", h.RejectGavel)

		// Pipeline definitions
		r.Get("/pipelines", h.ListPipelines)
		r.Get("/pipelines/{id}", h.GetPipeline)
		r.Put("/pipelines/{id}", h.PutPipeline)
		r.Delete("/pipelines/{id}", h.DeletePipeline)

		// Record stores
		r.Post("/records/{store}", h.CreateRecord)
		r.Post("/records/{store}/query", h.QueryRecords)
		r.Get("/records/{store}", h.ListRecords)
		r.Get("/records/{store}/{id}", h.GetRecord)
		r.Put("/records/{store}/{id}", h.UpdateRecord)
		r.Delete("/records/{store}/{id}", h.DeleteRecord)
	})
}
