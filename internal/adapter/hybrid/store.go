// Package hybrid composes the relational record store and the semantic index
// into the full datastore port. CRUD goes to the relational store, which is
// the source of truth; the index follows along and serves Query, with ids
// resolved back against the relational store so results never go stale.
package hybrid

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/troupehq/troupe/internal/adapter/chromem"
	"github.com/troupehq/troupe/internal/domain"
	"github.com/troupehq/troupe/internal/port/datastore"
)

// Relational is the CRUD half, satisfied by the postgres record store.
type Relational interface {
	Create(ctx context.Context, storeID string, rec datastore.Record) (*datastore.Record, error)
	Get(ctx context.Context, storeID, id string) (*datastore.Record, error)
	Update(ctx context.Context, storeID, id string, rec datastore.Record) (*datastore.Record, error)
	Delete(ctx context.Context, storeID, id string) error
	List(ctx context.Context, storeID string) ([]datastore.Record, error)
}

// Semantic is the index half, satisfied by the chromem index.
type Semantic interface {
	Add(ctx context.Context, storeID, id, text string) error
	Remove(ctx context.Context, storeID, id string) error
	Query(ctx context.Context, storeID, query string, topK int) ([]chromem.Match, error)
}

// Store implements datastore.Store over a relational store and an index.
type Store struct {
	db    Relational
	index Semantic
}

// New creates the hybrid store.
func New(db Relational, index Semantic) *Store {
	return &Store{db: db, index: index}
}

// Create stores the record, then indexes its text. Indexing is best-effort:
// the record is durable once the relational write lands, and the next update
// reindexes it.
func (s *Store) Create(ctx context.Context, storeID string, rec datastore.Record) (*datastore.Record, error) {
	created, err := s.db.Create(ctx, storeID, rec)
	if err != nil {
		return nil, err
	}
	if err := s.index.Add(ctx, storeID, created.ID, created.Text); err != nil {
		slog.Warn("index record", "store_id", storeID, "record_id", created.ID, "error", err)
	}
	return created, nil
}

// Get returns the record from the relational store.
func (s *Store) Get(ctx context.Context, storeID, id string) (*datastore.Record, error) {
	return s.db.Get(ctx, storeID, id)
}

// Update replaces the record and reindexes it. A record whose text was
// cleared is dropped from the index.
func (s *Store) Update(ctx context.Context, storeID, id string, rec datastore.Record) (*datastore.Record, error) {
	updated, err := s.db.Update(ctx, storeID, id, rec)
	if err != nil {
		return nil, err
	}
	if updated.Text == "" {
		if err := s.index.Remove(ctx, storeID, id); err != nil {
			slog.Warn("unindex record", "store_id", storeID, "record_id", id, "error", err)
		}
	} else if err := s.index.Add(ctx, storeID, id, updated.Text); err != nil {
		slog.Warn("index record", "store_id", storeID, "record_id", id, "error", err)
	}
	return updated, nil
}

// Delete removes the record from both halves.
func (s *Store) Delete(ctx context.Context, storeID, id string) error {
	if err := s.db.Delete(ctx, storeID, id); err != nil {
		return err
	}
	if err := s.index.Remove(ctx, storeID, id); err != nil {
		slog.Warn("unindex record", "store_id", storeID, "record_id", id, "error", err)
	}
	return nil
}

// List returns all records from the relational store.
func (s *Store) List(ctx context.Context, storeID string) ([]datastore.Record, error) {
	return s.db.List(ctx, storeID)
}

// Query runs the semantic search and resolves hit ids against the relational
// store. Hits whose record has since been deleted are skipped; the index may
// lag a beat behind.
func (s *Store) Query(ctx context.Context, storeID, query string, topK int) (*datastore.QueryResult, error) {
	hits, err := s.index.Query(ctx, storeID, query, topK)
	if err != nil {
		return nil, fmt.Errorf("semantic query: %w", err)
	}

	matches := make([]datastore.Match, 0, len(hits))
	for _, hit := range hits {
		rec, err := s.db.Get(ctx, storeID, hit.ID)
		if err != nil {
			if errors.Is(err, domain.ErrNotFound) {
				continue
			}
			return nil, fmt.Errorf("resolve match %s: %w", hit.ID, err)
		}
		matches = append(matches, datastore.Match{Record: *rec, Score: hit.Score})
	}
	return &datastore.QueryResult{Matches: matches, Count: len(matches)}, nil
}
