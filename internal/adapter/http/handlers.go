package http

import (
	"net/http"

	"github.com/troupehq/troupe/internal/domain/event"
	"github.com/troupehq/troupe/internal/domain/pipeline"
	"github.com/troupehq/troupe/internal/domain/run"
	"github.com/troupehq/troupe/internal/port/datastore"
	"github.com/troupehq/troupe/internal/port/pipelines"
	"github.com/troupehq/troupe/internal/service"
)

// Handlers holds the HTTP handler dependencies.
type Handlers struct {
	Engine    *service.Engine
	Pipelines pipelines.Store
	Records   datastore.Store
}

// ---------------------------------------------------------------------------
// Runs
// ---------------------------------------------------------------------------

type startRunRequest struct {
	PipelineID string             `json:"pipeline_id,omitempty"`
	Pipeline   *pipeline.Pipeline `json:"pipeline,omitempty"`
	Mode       string             `json:"mode,omitempty"`
	UserInput  string             `json:"user_input"`
	Context    map[string]any     `json:"context,omitempty"`
}

// StartRun launches a run. 409 while one is active.
func (h *Handlers) StartRun(w http.ResponseWriter, r *http.Request) {
	req, ok := readJSON[startRunRequest](w, r)
	if !ok {
		return
	}

	started, err := h.Engine.StartRun(r.Context(), service.StartOptions{
		PipelineID: req.PipelineID,
		Pipeline:   req.Pipeline,
		Mode:       run.Mode(req.Mode),
		UserInput:  req.UserInput,
		Context:    req.Context,
	})
	if err != nil {
		writeDomainError(w, err, "pipeline not found")
		return
	}
	writeJSON(w, http.StatusCreated, started)
}

// GetActiveRun returns the active run snapshot. 404 when idle.
func (h *Handlers) GetActiveRun(w http.ResponseWriter, _ *http.Request) {
	state := h.Engine.GetRunState()
	if state == nil {
		writeError(w, http.StatusNotFound, "no active run")
		return
	}
	writeJSON(w, http.StatusOK, state)
}

// PauseRun requests a cooperative pause.
func (h *Handlers) PauseRun(w http.ResponseWriter, r *http.Request) {
	if err := h.Engine.PauseRun(r.Context()); err != nil {
		writeDomainError(w, err, "no active run")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "pausing"})
}

// ResumeRun reopens the pause gate.
func (h *Handlers) ResumeRun(w http.ResponseWriter, r *http.Request) {
	if err := h.Engine.ResumeRun(r.Context()); err != nil {
		writeDomainError(w, err, "no active run")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "running"})
}

// AbortRun signals cancellation to the active run.
func (h *Handlers) AbortRun(w http.ResponseWriter, r *http.Request) {
	if err := h.Engine.AbortRun(r.Context()); err != nil {
		writeDomainError(w, err, "no active run")
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "aborting"})
}

// GetProgress reports progress counters for the active run, falling back to
// the most recent archived run when idle.
func (h *Handlers) GetProgress(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, h.Engine.GetProgress())
}

type outputResponse struct {
	Output string `json:"output"`
}

// GetOutput returns the most recent run output. 404 before any run finished.
func (h *Handlers) GetOutput(w http.ResponseWriter, _ *http.Request) {
	out, err := h.Engine.GetOutput()
	if err != nil {
		writeDomainError(w, err, "no run output")
		return
	}
	writeJSON(w, http.StatusOK, outputResponse{Output: out})
}

// GetHistory returns archived runs, most recent first.
func (h *Handlers) GetHistory(w http.ResponseWriter, _ *http.Request) {
	history := h.Engine.GetHistory()
	if history == nil {
		history = []*run.Run{}
	}
	writeJSON(w, http.StatusOK, history)
}

// GetRunEvents returns the persisted event trajectory for one run.
func (h *Handlers) GetRunEvents(w http.ResponseWriter, r *http.Request) {
	events, err := h.Engine.GetRunEvents(r.Context(), urlParam(r, "id"))
	if err != nil {
		writeDomainError(w, err, "run not found")
		return
	}
	if events == nil {
		events = []event.Event{}
	}
	writeJSON(w, http.StatusOK, events)
}
