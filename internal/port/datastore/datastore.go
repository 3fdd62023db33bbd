// Package datastore defines the record-store port: schema-light record CRUD
// plus semantic retrieval queries. The engine's crud_pipeline and
// rag_pipeline actions and injection-mode delivery are its only callers.
package datastore

import "context"

// Record is one stored document in a named store.
type Record struct {
	ID      string         `json:"id"`
	StoreID string         `json:"store_id"`
	Fields  map[string]any `json:"fields"`
	Text    string         `json:"text"`
}

// Match is one retrieval hit.
type Match struct {
	Record Record  `json:"record"`
	Score  float32 `json:"score"`
}

// QueryResult is the outcome of a retrieval query.
type QueryResult struct {
	Matches []Match `json:"matches"`
	Count   int     `json:"count"`
}

// Store is the record-store contract.
type Store interface {
	// Create stores a new record and returns it with its assigned id.
	Create(ctx context.Context, storeID string, rec Record) (*Record, error)

	// Get returns the record with the given id, or domain.ErrNotFound.
	Get(ctx context.Context, storeID, id string) (*Record, error)

	// Update replaces the record's fields, or domain.ErrNotFound.
	Update(ctx context.Context, storeID, id string, rec Record) (*Record, error)

	// Delete removes the record, or domain.ErrNotFound.
	Delete(ctx context.Context, storeID, id string) error

	// List returns all records in the store.
	List(ctx context.Context, storeID string) ([]Record, error)

	// Query runs a semantic retrieval query against the store. An empty
	// store yields an empty result, never an error.
	Query(ctx context.Context, storeID, query string, topK int) (*QueryResult, error)
}
