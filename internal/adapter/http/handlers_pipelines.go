package http

import (
	"fmt"
	"net/http"

	"github.com/troupehq/troupe/internal/domain"
	"github.com/troupehq/troupe/internal/domain/pipeline"
)

// ListPipelines returns all stored definitions.
func (h *Handlers) ListPipelines(w http.ResponseWriter, r *http.Request) {
	defs, err := h.Pipelines.List(r.Context())
	if err != nil {
		writeDomainError(w, err, "pipelines unavailable")
		return
	}
	if defs == nil {
		defs = []pipeline.Pipeline{}
	}
	writeJSON(w, http.StatusOK, defs)
}

// GetPipeline returns one definition by id.
func (h *Handlers) GetPipeline(w http.ResponseWriter, r *http.Request) {
	def, err := h.Pipelines.Get(r.Context(), urlParam(r, "id"))
	if err != nil {
		writeDomainError(w, err, "pipeline not found")
		return
	}
	writeJSON(w, http.StatusOK, def)
}

// PutPipeline stores or replaces a definition under the URL id. The body is
// structurally validated; authoring-level checks belong to the builder.
func (h *Handlers) PutPipeline(w http.ResponseWriter, r *http.Request) {
	def, ok := readJSON[pipeline.Pipeline](w, r)
	if !ok {
		return
	}
	def.ID = urlParam(r, "id")
	def.Builtin = false // stored definitions are always operator-owned

	if err := def.Validate(); err != nil {
		writeDomainError(w, fmt.Errorf("%v: %w", err, domain.ErrValidation), "")
		return
	}
	if err := h.Pipelines.Save(r.Context(), &def); err != nil {
		writeDomainError(w, err, "pipeline not found")
		return
	}
	writeJSON(w, http.StatusOK, def)
}

// DeletePipeline removes a definition. Builtins are rejected.
func (h *Handlers) DeletePipeline(w http.ResponseWriter, r *http.Request) {
	if err := h.Pipelines.Delete(r.Context(), urlParam(r, "id")); err != nil {
		writeDomainError(w, err, "pipeline not found")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
