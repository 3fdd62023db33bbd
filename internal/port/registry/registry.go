// Package registry defines the participant-resolution port. The character
// registry owns team/position/pool indirection; the engine hands it an
// action's participant references and gets back an ordered callable list.
package registry

import (
	"context"

	"github.com/troupehq/troupe/internal/domain/participant"
	"github.com/troupehq/troupe/internal/domain/pipeline"
)

// Resolver resolves participant references into callable participants.
// The returned order is the invocation order and must be deterministic for
// identical input.
type Resolver interface {
	Resolve(ctx context.Context, refs []pipeline.ParticipantRef) ([]participant.Participant, error)
}
