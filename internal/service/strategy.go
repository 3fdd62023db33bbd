package service

import (
	"context"
	"fmt"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	otelad "github.com/troupehq/troupe/internal/adapter/otel"
	"github.com/troupehq/troupe/internal/domain"
	"github.com/troupehq/troupe/internal/domain/participant"
	"github.com/troupehq/troupe/internal/domain/pipeline"
	"github.com/troupehq/troupe/internal/domain/run"
	"github.com/troupehq/troupe/internal/port/generation"
)

// generate wraps one generation call with its span and latency metric.
func (e *Engine) generate(ctx context.Context, req generation.Request) (string, error) {
	genCtx, span := otelad.StartGenerateSpan(ctx, req.Participant.ID, req.Participant.Model)
	defer span.End()
	start := time.Now()
	text, err := e.gen.Generate(genCtx, req)
	e.telemetry.Generation(ctx, req.Participant.ID, time.Since(start), err != nil)
	if err != nil {
		span.RecordError(err)
	}
	return text, err
}

// orchestrate runs the participants under the given strategy and returns the
// ordered responses.
func (e *Engine) orchestrate(ctx context.Context, strat pipeline.Strategy, parts []participant.Participant, prompt string, base map[string]string) ([]run.Response, error) {
	switch strat {
	case pipeline.StrategyParallel:
		return e.runParallel(ctx, parts, prompt, base)
	case pipeline.StrategyConsensus:
		return e.runConsensus(ctx, parts, prompt, base)
	case pipeline.StrategySequential, pipeline.StrategyRoundRobin:
		// round_robin is behaviorally identical to sequential.
		return e.runSequential(ctx, parts, prompt, base)
	default:
		return nil, fmt.Errorf("strategy %q: %w", strat, domain.ErrValidation)
	}
}

// runSequential invokes participants one at a time; each sees the prior
// participant's response as additional context.
func (e *Engine) runSequential(ctx context.Context, parts []participant.Participant, prompt string, base map[string]string) ([]run.Response, error) {
	responses := make([]run.Response, 0, len(parts))
	for _, p := range parts {
		reqCtx := cloneVars(base)
		if n := len(responses); n > 0 {
			prev := responses[n-1]
			reqCtx["previous_participant"] = prev.ParticipantName
			reqCtx["previous_response"] = prev.Text
		}
		text, err := e.generate(ctx, generation.Request{
			Participant: p,
			Prompt:      prompt,
			Context:     reqCtx,
		})
		if err != nil {
			return nil, fmt.Errorf("participant %s: %w", p.ID, err)
		}
		responses = append(responses, run.Response{ParticipantID: p.ID, ParticipantName: p.Name, Text: text})
	}
	return responses, nil
}

// runParallel fans participants out concurrently with identical context,
// bounded by the engine's semaphore. Results are collected as they finish
// but reported in participant order.
func (e *Engine) runParallel(ctx context.Context, parts []participant.Participant, prompt string, base map[string]string) ([]run.Response, error) {
	sem := semaphore.NewWeighted(e.maxParallel)
	g, gctx := errgroup.WithContext(ctx)
	results := make([]run.Response, len(parts))

	for i, p := range parts {
		g.Go(func() error {
			if err := sem.Acquire(gctx, 1); err != nil {
				return err
			}
			defer sem.Release(1)
			text, err := e.generate(gctx, generation.Request{
				Participant: p,
				Prompt:      prompt,
				Context:     cloneVars(base),
			})
			if err != nil {
				return fmt.Errorf("participant %s: %w", p.ID, err)
			}
			results[i] = run.Response{ParticipantID: p.ID, ParticipantName: p.Name, Text: text}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return results, nil
}

// runConsensus runs a parallel round, then has the first participant
// synthesize all responses into one more response appended to the list and
// flagged as the synthesis. A single response needs no synthesis.
func (e *Engine) runConsensus(ctx context.Context, parts []participant.Participant, prompt string, base map[string]string) ([]run.Response, error) {
	responses, err := e.runParallel(ctx, parts, prompt, base)
	if err != nil {
		return nil, err
	}
	if len(responses) <= 1 {
		return responses, nil
	}

	synthesizer := parts[0]
	text, err := e.generate(ctx, generation.Request{
		Participant: synthesizer,
		Prompt:      synthesisPrompt(prompt, responses),
		Context:     cloneVars(base),
	})
	if err != nil {
		return nil, fmt.Errorf("synthesize responses: %w", err)
	}
	return append(responses, run.Response{
		ParticipantID:   synthesizer.ID,
		ParticipantName: synthesizer.Name,
		Text:            text,
		Synthesis:       true,
	}), nil
}

// synthesisPrompt lays every response out verbatim under the original prompt.
func synthesisPrompt(prompt string, responses []run.Response) string {
	var b strings.Builder
	b.WriteString("Synthesize the following responses into a single unified response.\n\n")
	b.WriteString("Original prompt:\n")
	b.WriteString(prompt)
	b.WriteString("\n\nResponses:\n")
	for _, r := range responses {
		b.WriteString("\n--- ")
		b.WriteString(r.ParticipantName)
		b.WriteString(" ---\n")
		b.WriteString(r.Text)
		b.WriteString("\n")
	}
	return b.String()
}

// consolidateResponses picks a standard action's output: the synthesis when
// one exists, else the last response in declaration order.
func consolidateResponses(responses []run.Response) run.Response {
	for i := len(responses) - 1; i >= 0; i-- {
		if responses[i].Synthesis {
			return responses[i]
		}
	}
	if n := len(responses); n > 0 {
		return responses[n-1]
	}
	return run.Response{}
}
