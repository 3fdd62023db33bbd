// Package eventstore defines the port interface for the append-only engine
// event log.
package eventstore

import (
	"context"

	"github.com/troupehq/troupe/internal/domain/event"
)

// Store is the port interface for appending and loading engine events.
type Store interface {
	// Append persists a new event. The store assigns the per-run version
	// (sequence) number and the creation timestamp.
	Append(ctx context.Context, ev *event.Event) error

	// LoadByRun returns all events for the given run, ordered by version.
	LoadByRun(ctx context.Context, runID string) ([]event.Event, error)
}
