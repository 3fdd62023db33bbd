package service

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"strings"
	"time"

	otelad "github.com/troupehq/troupe/internal/adapter/otel"
	"github.com/troupehq/troupe/internal/domain"
	"github.com/troupehq/troupe/internal/domain/event"
	"github.com/troupehq/troupe/internal/domain/pipeline"
	"github.com/troupehq/troupe/internal/domain/run"
)

// executePhase drives one phase through its lifecycle. Stages advance
// strictly in order; respond only occurs when the phase declares a gavel.
func (e *Engine) executePhase(ctx context.Context, r *run.Run, def *pipeline.Pipeline, idx int) error {
	ph := &def.Phases[idx]

	ctx, span := otelad.StartPhaseSpan(ctx, r.ID, ph.ID)
	defer span.End()

	ps := &run.PhaseState{
		ID:        ph.ID,
		Name:      ph.Name,
		Stage:     run.PhaseStart,
		StartedAt: time.Now().UTC(),
	}
	e.mutate(func(rr *run.Run) {
		ps.Input = rr.UserInput
		if idx > 0 {
			ps.Input = rr.Phases[idx-1].Output
		}
		ps.Variables = snapshotGlobals(rr.Globals)
		rr.Phases = append(rr.Phases, ps)
		rr.CurrentPhase = ph.ID
	})
	e.notifyPhase(ctx, event.TypePhaseStarted, r.ID, ph.ID, run.PhaseStart, "")

	e.mutate(func(*run.Run) { ps.Stage = run.PhaseBeforeActions })

	e.mutate(func(*run.Run) { ps.Stage = run.PhaseInProgress })
	for i := range ph.Actions {
		if err := e.checkpoint(ctx); err != nil {
			return e.failPhase(ctx, r, ps, err)
		}
		if err := e.executeAction(ctx, r, ph, &ph.Actions[i], ps); err != nil {
			return e.failPhase(ctx, r, ps, err)
		}
	}

	e.mutate(func(*run.Run) { ps.Stage = run.PhaseAfterActions })
	output := consolidateOutput(ph, ps)

	if ph.Gavel != nil {
		e.mutate(func(*run.Run) { ps.Stage = run.PhaseRespond })
		settled, err := e.awaitGavel(ctx, r, ph.ID, "", ph.Gavel, output)
		if err != nil {
			if !errors.Is(err, domain.ErrAborted) {
				e.mutate(func(rr *run.Run) { rr.AddError(ph.ID, "", err.Error()) })
			}
			return e.failPhase(ctx, r, ps, err)
		}
		output = settled
	}

	now := time.Now().UTC()
	e.mutate(func(rr *run.Run) {
		ps.Output = output
		ps.Stage = run.PhaseEnd
		ps.EndedAt = &now
		rr.CompletedPhases++
		rr.CurrentPhase = ""
	})
	e.notifyPhase(ctx, event.TypePhaseCompleted, r.ID, ph.ID, run.PhaseEnd, "")
	e.notifyProgress(ctx)
	return nil
}

// failPhase stamps the failure on the phase and propagates it upward.
func (e *Engine) failPhase(ctx context.Context, r *run.Run, ps *run.PhaseState, err error) error {
	now := time.Now().UTC()
	var stage run.PhaseStage
	e.mutate(func(*run.Run) {
		ps.Error = err.Error()
		ps.EndedAt = &now
		stage = ps.Stage
	})
	e.notifyPhase(ctx, event.TypePhaseFailed, r.ID, ps.ID, stage, err.Error())
	if errors.Is(err, domain.ErrAborted) {
		return err
	}
	return fmt.Errorf("phase %s: %w", ps.ID, err)
}

// consolidateOutput derives a phase's output from its actions. synthesize and
// user_gavel defer to the respond gavel: they produce the candidate the same
// way last_action does.
func consolidateOutput(ph *pipeline.Phase, ps *run.PhaseState) string {
	switch ph.Output.Consolidation {
	case pipeline.ConsolidationMerge:
		parts := make([]string, 0, len(ps.Actions))
		for _, as := range ps.Actions {
			if as.Output != "" {
				parts = append(parts, as.Output)
			}
		}
		return strings.Join(parts, "\n\n")
	case pipeline.ConsolidationDesignated:
		if as := ps.Action(ph.Output.ActionID); as != nil {
			return as.Output
		}
		return ""
	default:
		// last_action, synthesize, user_gavel. An explicit phase_output
		// routing wins over the final action's output.
		if ps.Output != "" {
			return ps.Output
		}
		if n := len(ps.Actions); n > 0 {
			return ps.Actions[n-1].Output
		}
		return ""
	}
}

// snapshotGlobals copies the globals bag as it stands at phase start.
func snapshotGlobals(globals map[string]any) map[string]any {
	out := make(map[string]any, len(globals))
	for k, v := range globals {
		if sub, ok := v.(map[string]any); ok {
			out[k] = maps.Clone(sub)
			continue
		}
		out[k] = v
	}
	return out
}
