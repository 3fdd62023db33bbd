// Package queuesink implements the output sink over the message queue: final
// run output is published on the run.output subject for whichever host
// surface (chat window, prompt builder, template engine) is subscribed.
package queuesink

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/troupehq/troupe/internal/domain/run"
	"github.com/troupehq/troupe/internal/port/messagequeue"
)

// Sink publishes final run output to the queue.
type Sink struct {
	queue messagequeue.Queue
}

// New creates a queue-backed output sink.
func New(queue messagequeue.Queue) *Sink {
	return &Sink{queue: queue}
}

// DeliverText publishes final text for the conversational surface.
func (s *Sink) DeliverText(ctx context.Context, runID, text string) error {
	return s.publish(ctx, messagequeue.RunOutputPayload{
		RunID: runID,
		Mode:  string(run.ModeSynthesis),
		Text:  text,
	})
}

// DeliverPrompt publishes final text as a replacement generation prompt.
func (s *Sink) DeliverPrompt(ctx context.Context, runID, prompt string) error {
	return s.publish(ctx, messagequeue.RunOutputPayload{
		RunID:  runID,
		Mode:   string(run.ModeCompilation),
		Prompt: prompt,
	})
}

// DeliverInjections publishes the token -> retrieved-text map for the host's
// prompt template.
func (s *Sink) DeliverInjections(ctx context.Context, runID string, tokens map[string]string) error {
	return s.publish(ctx, messagequeue.RunOutputPayload{
		RunID:      runID,
		Mode:       string(run.ModeInjection),
		Injections: tokens,
	})
}

func (s *Sink) publish(ctx context.Context, payload messagequeue.RunOutputPayload) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal run output: %w", err)
	}
	if err := s.queue.Publish(ctx, messagequeue.SubjectRunOutput, data); err != nil {
		return fmt.Errorf("publish run output: %w", err)
	}
	slog.Debug("run output delivered", "run_id", payload.RunID, "mode", payload.Mode)
	return nil
}
