package http

import (
	"errors"
	"net/http"

	"github.com/troupehq/troupe/internal/domain/gavel"
)

// GetActiveGavel returns the outstanding checkpoint request. 404 when none.
func (h *Handlers) GetActiveGavel(w http.ResponseWriter, _ *http.Request) {
	req := h.Engine.ActiveGavel()
	if req == nil {
		writeError(w, http.StatusNotFound, "no active gavel request")
		return
	}
	writeJSON(w, http.StatusOK, req)
}

type approveGavelRequest struct {
	Modifications string `json:"modifications,omitempty"`
}

// ApproveGavel settles the active checkpoint as approved, optionally
// replacing the candidate text.
func (h *Handlers) ApproveGavel(w http.ResponseWriter, r *http.Request) {
	// An empty body approves the candidate unchanged.
	var req approveGavelRequest
	if r.ContentLength > 0 {
		var ok bool
		if req, ok = readJSON[approveGavelRequest](w, r); !ok {
			return
		}
	}

	if err := h.Engine.ApproveGavel(r.Context(), urlParam(r, "id"), req.Modifications); err != nil {
		writeGavelError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "approved"})
}

// RejectGavel settles the active checkpoint as rejected.
func (h *Handlers) RejectGavel(w http.ResponseWriter, r *http.Request) {
	if err := h.Engine.RejectGavel(r.Context(), urlParam(r, "id")); err != nil {
		writeGavelError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "rejected"})
}

func writeGavelError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, gavel.ErrNoActive):
		writeError(w, http.StatusNotFound, "no active gavel request")
	case errors.Is(err, gavel.ErrIDMismatch):
		writeError(w, http.StatusConflict, "gavel id does not match the active request")
	default:
		writeDomainError(w, err, "gavel request not found")
	}
}
