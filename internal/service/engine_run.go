package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	otelad "github.com/troupehq/troupe/internal/adapter/otel"
	"github.com/troupehq/troupe/internal/domain"
	"github.com/troupehq/troupe/internal/domain/event"
	"github.com/troupehq/troupe/internal/domain/pipeline"
	"github.com/troupehq/troupe/internal/domain/run"
)

// execute is the run goroutine body: phases strictly in declared order, the
// boundary gate checked before each, then the terminal transition.
func (e *Engine) execute(ctx context.Context, def *pipeline.Pipeline) {
	e.mu.RLock()
	r := e.active
	e.mu.RUnlock()

	ctx, span := otelad.StartRunSpan(ctx, r.ID, def.ID, string(r.Mode))
	defer span.End()

	var runErr error
	for i := range def.Phases {
		if err := e.checkpoint(ctx); err != nil {
			runErr = err
			break
		}
		if err := e.executePhase(ctx, r, def, i); err != nil {
			runErr = err
			break
		}
	}
	e.finalize(ctx, r, def, runErr)
}

// finalize moves the run to its terminal status, delivers the output of a
// completed run, archives the run and frees the controller slot. Emissions
// use a detached context so an abort cannot suppress its own terminal events.
func (e *Engine) finalize(ctx context.Context, r *run.Run, def *pipeline.Pipeline, runErr error) {
	ctx = context.WithoutCancel(ctx)

	status := run.StatusCompleted
	evType := event.TypeRunCompleted
	errMsg := ""
	switch {
	case runErr == nil:
	case errors.Is(runErr, domain.ErrAborted):
		status = run.StatusAborted
		evType = event.TypeRunAborted
		errMsg = domain.ErrAborted.Error()
	default:
		status = run.StatusError
		evType = event.TypeRunFailed
		errMsg = runErr.Error()
	}

	if status == run.StatusCompleted {
		e.mutate(func(rr *run.Run) {
			if n := len(rr.Phases); n > 0 {
				rr.Output = rr.Phases[n-1].Output
			}
		})
		e.deliver(ctx, r, def)
	}

	now := time.Now().UTC()
	e.mu.Lock()
	r.Status = status
	r.EndedAt = &now
	r.CurrentPhase = ""
	r.CurrentAction = ""
	cancel := e.cancel
	e.active = nil
	e.def = nil
	e.cancel = nil
	e.resume = nil
	e.done = nil
	e.mu.Unlock()
	cancel()

	// Terminal runs are immutable from here on; history owns the object.
	e.history.Add(r)
	if e.archive != nil {
		if err := e.archive.Archive(ctx, r); err != nil {
			slog.Warn("archive run", "run_id", r.ID, "error", err)
		}
	}

	e.telemetry.RunFinished(ctx, string(status), now.Sub(r.StartedAt))
	e.emitLifecycle(ctx, lifecycleInfo{runID: r.ID, pipelineID: r.PipelineID, status: status}, evType, errMsg)
	if status == run.StatusCompleted {
		e.notifyOutput(ctx, r)
	}
	e.emitProgress(ctx, r.ID, r.Progress())
	slog.Info("run finished",
		"run_id", r.ID,
		"status", status,
		"phases", r.CompletedPhases,
		"actions", r.CompletedActions,
		"error", errMsg,
	)
}

// deliver pushes the final output through the sink for the run's operating
// mode. Delivery is best-effort: a failure lands on the run's error list and
// the run still completes.
func (e *Engine) deliver(ctx context.Context, r *run.Run, def *pipeline.Pipeline) {
	if e.sink == nil {
		return
	}
	ctx, span := otelad.StartDeliverySpan(ctx, r.ID, string(r.Mode))
	defer span.End()

	var err error
	switch r.Mode {
	case run.ModeSynthesis:
		err = e.sink.DeliverText(ctx, r.ID, r.Output)
	case run.ModeCompilation:
		err = e.sink.DeliverPrompt(ctx, r.ID, r.Output)
	case run.ModeInjection:
		var tokens map[string]string
		tokens, err = e.computeInjections(ctx, def, r)
		if err == nil {
			e.mutate(func(rr *run.Run) { rr.Injections = tokens })
			err = e.sink.DeliverInjections(ctx, r.ID, tokens)
		}
	}
	if err != nil {
		slog.Error("deliver output", "run_id", r.ID, "mode", r.Mode, "error", err)
		e.mutate(func(rr *run.Run) {
			rr.AddError("", "", fmt.Sprintf("deliver output: %v", err))
		})
	}
}
