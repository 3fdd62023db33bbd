// Package pipelines defines the port for resolving and storing pipeline
// definitions. Definitions are authored and validated by an external builder;
// the engine reads them by id at run start.
package pipelines

import (
	"context"

	"github.com/troupehq/troupe/internal/domain/pipeline"
)

// Store resolves and persists pipeline definitions.
type Store interface {
	// Get returns the definition with the given id, or domain.ErrNotFound.
	Get(ctx context.Context, id string) (*pipeline.Pipeline, error)

	// List returns all known definitions.
	List(ctx context.Context) ([]pipeline.Pipeline, error)

	// Save stores or replaces a definition.
	Save(ctx context.Context, p *pipeline.Pipeline) error

	// Delete removes a definition. Deleting a builtin is rejected.
	Delete(ctx context.Context, id string) error
}
