package http

import (
	"net/http"

	"github.com/troupehq/troupe/internal/port/datastore"
)

// Record handlers are a thin pass-through to the record store so operators
// can seed and inspect stores without going through a run.

type recordRequest struct {
	Fields map[string]any `json:"fields,omitempty"`
	Text   string         `json:"text,omitempty"`
}

// CreateRecord stores a new record in the named store.
func (h *Handlers) CreateRecord(w http.ResponseWriter, r *http.Request) {
	req, ok := readJSON[recordRequest](w, r)
	if !ok {
		return
	}
	rec, err := h.Records.Create(r.Context(), urlParam(r, "store"), datastore.Record{
		Fields: req.Fields,
		Text:   req.Text,
	})
	if err != nil {
		writeDomainError(w, err, "record store unavailable")
		return
	}
	writeJSON(w, http.StatusCreated, rec)
}

// GetRecord returns one record by id.
func (h *Handlers) GetRecord(w http.ResponseWriter, r *http.Request) {
	rec, err := h.Records.Get(r.Context(), urlParam(r, "store"), urlParam(r, "id"))
	if err != nil {
		writeDomainError(w, err, "record not found")
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

// UpdateRecord replaces a record's fields and text.
func (h *Handlers) UpdateRecord(w http.ResponseWriter, r *http.Request) {
	req, ok := readJSON[recordRequest](w, r)
	if !ok {
		return
	}
	rec, err := h.Records.Update(r.Context(), urlParam(r, "store"), urlParam(r, "id"), datastore.Record{
		Fields: req.Fields,
		Text:   req.Text,
	})
	if err != nil {
		writeDomainError(w, err, "record not found")
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

// DeleteRecord removes a record.
func (h *Handlers) DeleteRecord(w http.ResponseWriter, r *http.Request) {
	if err := h.Records.Delete(r.Context(), urlParam(r, "store"), urlParam(r, "id")); err != nil {
		writeDomainError(w, err, "record not found")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ListRecords returns all records in the named store.
func (h *Handlers) ListRecords(w http.ResponseWriter, r *http.Request) {
	recs, err := h.Records.List(r.Context(), urlParam(r, "store"))
	if err != nil {
		writeDomainError(w, err, "record store unavailable")
		return
	}
	if recs == nil {
		recs = []datastore.Record{}
	}
	writeJSON(w, http.StatusOK, recs)
}

type queryRecordsRequest struct {
	Query string `json:"query"`
	TopK  int    `json:"top_k,omitempty"`
}

// QueryRecords runs a semantic retrieval query against the named store.
func (h *Handlers) QueryRecords(w http.ResponseWriter, r *http.Request) {
	req, ok := readJSON[queryRecordsRequest](w, r)
	if !ok {
		return
	}
	if req.Query == "" {
		writeError(w, http.StatusBadRequest, "query is required")
		return
	}
	result, err := h.Records.Query(r.Context(), urlParam(r, "store"), req.Query, req.TopK)
	if err != nil {
		writeDomainError(w, err, "record store unavailable")
		return
	}
	writeJSON(w, http.StatusOK, result)
}
