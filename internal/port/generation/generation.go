// Package generation defines the text-generation port. One prompt goes to
// one participant; one text response (or an error) comes back. Prompt
// assembly from character traits is the backend's concern.
package generation

import (
	"context"

	"github.com/troupehq/troupe/internal/domain/participant"
)

// Request is a single generation call.
type Request struct {
	Participant participant.Participant
	Prompt      string
	// Context carries additional material the backend may prepend to the
	// prompt: retrieval snippets, prior participant responses, run context.
	Context map[string]string
}

// Client executes one prompt against one participant.
type Client interface {
	Generate(ctx context.Context, req Request) (string, error)
}

// Embedder turns text into an embedding vector for semantic retrieval.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}
