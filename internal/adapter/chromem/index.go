// Package chromem implements the semantic half of the record store on the
// embedded chromem-go vector database. Each record store maps to one
// collection; records are embedded through the generation port's Embedder.
// The hybrid adapter composes this index with the relational store into the
// full datastore port.
package chromem

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sync"

	chromemgo "github.com/philippgille/chromem-go"

	"github.com/troupehq/troupe/internal/config"
	"github.com/troupehq/troupe/internal/port/generation"
)

const defaultTopK = 5

// Match is one semantic hit: a record id and its similarity score. The
// caller resolves ids against the relational store.
type Match struct {
	ID    string
	Score float32
}

// Index is an embedded vector index over record text.
type Index struct {
	db       *chromemgo.DB
	embedder generation.Embedder
	topK     int

	mu          sync.Mutex
	collections map[string]*chromemgo.Collection
}

// New opens the index. An empty path keeps everything in memory; otherwise
// collections persist under the directory and survive restarts.
func New(cfg config.Retrieval, embedder generation.Embedder) (*Index, error) {
	var db *chromemgo.DB
	if cfg.Path == "" {
		db = chromemgo.NewDB()
	} else {
		if err := os.MkdirAll(cfg.Path, 0o750); err != nil {
			return nil, fmt.Errorf("create index directory: %w", err)
		}
		var err error
		db, err = chromemgo.NewPersistentDB(cfg.Path, cfg.Compress)
		if err != nil {
			return nil, fmt.Errorf("open semantic index: %w", err)
		}
	}

	topK := cfg.DefaultTopK
	if topK <= 0 {
		topK = defaultTopK
	}
	slog.Info("semantic index ready", "path", cfg.Path, "compress", cfg.Compress, "default_top_k", topK)

	return &Index{
		db:          db,
		embedder:    embedder,
		topK:        topK,
		collections: map[string]*chromemgo.Collection{},
	}, nil
}

// embeddingFunc adapts the Embedder to chromem's callback. It is passed on
// every collection access; chromem falls back to its built-in OpenAI
// embedder when given nil, which is never what we want.
func (ix *Index) embeddingFunc() chromemgo.EmbeddingFunc {
	return func(ctx context.Context, text string) ([]float32, error) {
		return ix.embedder.Embed(ctx, text)
	}
}

func (ix *Index) collection(storeID string) (*chromemgo.Collection, error) {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	if c, ok := ix.collections[storeID]; ok {
		return c, nil
	}
	c, err := ix.db.GetOrCreateCollection(storeID, nil, ix.embeddingFunc())
	if err != nil {
		return nil, fmt.Errorf("open collection %s: %w", storeID, err)
	}
	ix.collections[storeID] = c
	return c, nil
}

// Add embeds and upserts one record's text. Records without text are not
// indexed; they remain reachable through the relational store only.
func (ix *Index) Add(ctx context.Context, storeID, id, text string) error {
	if text == "" {
		return nil
	}
	c, err := ix.collection(storeID)
	if err != nil {
		return err
	}
	doc := chromemgo.Document{ID: id, Content: text}
	if err := c.AddDocument(ctx, doc); err != nil {
		return fmt.Errorf("index record %s/%s: %w", storeID, id, err)
	}
	return nil
}

// Remove drops a record from the index. Unknown ids are not an error; a
// record may never have been indexed.
func (ix *Index) Remove(ctx context.Context, storeID, id string) error {
	ix.mu.Lock()
	c, ok := ix.collections[storeID]
	ix.mu.Unlock()
	if !ok {
		// Collection may exist from a previous process; open it lazily.
		var err error
		c, err = ix.collection(storeID)
		if err != nil {
			return err
		}
	}
	if c.Count() == 0 {
		return nil
	}
	if err := c.Delete(ctx, nil, nil, id); err != nil {
		return fmt.Errorf("unindex record %s/%s: %w", storeID, id, err)
	}
	return nil
}

// Query embeds the query text and returns the closest records, best first.
// An empty or unknown store yields an empty result, never an error. topK
// values below 1 fall back to the configured default, and are capped at the
// collection size as chromem requires.
func (ix *Index) Query(ctx context.Context, storeID, query string, topK int) ([]Match, error) {
	c, err := ix.collection(storeID)
	if err != nil {
		return nil, err
	}
	if topK <= 0 {
		topK = ix.topK
	}
	count := c.Count()
	if count == 0 {
		return nil, nil
	}
	if topK > count {
		topK = count
	}

	results, err := c.Query(ctx, query, topK, nil, nil)
	if err != nil {
		return nil, fmt.Errorf("query store %s: %w", storeID, err)
	}
	matches := make([]Match, len(results))
	for i, r := range results {
		matches[i] = Match{ID: r.ID, Score: r.Similarity}
	}
	return matches, nil
}
