// Package sink defines the output-sink port: where a completed run's final
// product is delivered, according to the run's operating mode.
package sink

import "context"

// Sink receives final run output. Implementations own the host surface
// (chat window, prompt builder, template engine); the engine only calls the
// method matching the run's mode.
type Sink interface {
	// DeliverText delivers final text to the conversational surface
	// (synthesis mode).
	DeliverText(ctx context.Context, runID, text string) error

	// DeliverPrompt delivers final text as a replacement generation prompt
	// (compilation mode).
	DeliverPrompt(ctx context.Context, runID, prompt string) error

	// DeliverInjections delivers a token -> retrieved-text map for
	// substitution into the host's prompt template (injection mode).
	DeliverInjections(ctx context.Context, runID string, tokens map[string]string) error
}
