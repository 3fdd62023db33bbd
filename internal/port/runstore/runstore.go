// Package runstore defines the port for the durable archive of terminal
// runs. The engine archives best-effort at finalization and warms its
// in-memory history from the archive at startup.
package runstore

import (
	"context"

	"github.com/troupehq/troupe/internal/domain/run"
)

// Store persists terminal run snapshots.
type Store interface {
	// Archive stores a terminal run snapshot, replacing any previous
	// snapshot with the same id.
	Archive(ctx context.Context, r *run.Run) error

	// Recent returns up to limit terminal runs, most recently ended first.
	Recent(ctx context.Context, limit int) ([]*run.Run, error)
}
