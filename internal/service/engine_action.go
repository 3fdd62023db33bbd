package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	otelad "github.com/troupehq/troupe/internal/adapter/otel"
	"github.com/troupehq/troupe/internal/domain"
	"github.com/troupehq/troupe/internal/domain/event"
	"github.com/troupehq/troupe/internal/domain/gavel"
	"github.com/troupehq/troupe/internal/domain/pipeline"
	"github.com/troupehq/troupe/internal/domain/run"
)

// executeAction drives one action through the retry/timeout wrapper: up to
// retryCount+1 attempts with linear backoff between them. An abort stops the
// loop wherever it lands, including mid-backoff, and is never retried.
func (e *Engine) executeAction(ctx context.Context, r *run.Run, ph *pipeline.Phase, act *pipeline.Action, ps *run.PhaseState) error {
	ctx, span := otelad.StartActionSpan(ctx, ph.ID, act.ID, string(act.Type))
	defer span.End()

	as := &run.ActionState{
		ID:        act.ID,
		Name:      act.Name,
		Type:      act.Type,
		Stage:     run.ActionCalled,
		StartedAt: time.Now().UTC(),
	}
	e.mutate(func(rr *run.Run) {
		ps.Actions = append(ps.Actions, as)
		rr.CurrentAction = act.ID
	})

	input := resolveInput(r, ps, act)
	vars := templateVars(r, ps, input)
	e.mutate(func(*run.Run) {
		as.Input = input
		as.Stage = run.ActionStart
	})

	// user_gavel suspends inline: the checkpoint's own timeout governs and
	// its failures are never retried.
	if act.Type == pipeline.ActionUserGavel {
		return e.executeGavelAction(ctx, r, ph, act, ps, as, input)
	}

	timeout := e.actionTimeout
	if act.Execution.TimeoutMS > 0 {
		timeout = time.Duration(act.Execution.TimeoutMS) * time.Millisecond
	}
	maxTries := act.Execution.RetryCount + 1

	e.mutate(func(*run.Run) { as.Stage = run.ActionInProgress })
	e.notifyAction(ctx, event.TypeActionStarted, r.ID, ph.ID, act.ID, run.ActionInProgress, 0, "")

	var (
		output     string
		responses  []run.Response
		attemptErr error
	)
	for attempt := 1; attempt <= maxTries; attempt++ {
		e.mutate(func(*run.Run) { as.Attempts = attempt })
		e.telemetry.ActionAttempt(ctx, string(act.Type))
		output, responses, attemptErr = e.runAttempt(ctx, act, input, vars, timeout)
		if attemptErr == nil {
			break
		}
		if !retryable(attemptErr) || attempt == maxTries {
			break
		}

		backoff := time.Duration(attempt) * e.retryBackoff
		e.notifyRetry(ctx, r.ID, ph.ID, act.ID, attempt, maxTries, attemptErr.Error(), backoff)
		timer := time.NewTimer(backoff)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			attemptErr = domain.ErrAborted
		}
		if errors.Is(attemptErr, domain.ErrAborted) {
			break
		}
	}
	if attemptErr != nil {
		return e.failAction(ctx, r, ph, act, ps, as, attemptErr)
	}
	e.completeAction(ctx, r, ph, act, ps, as, output, responses)
	return nil
}

// executeGavelAction runs a user_gavel action: one suspension whose adopted
// resolution becomes the output. Attempts is always 1.
func (e *Engine) executeGavelAction(ctx context.Context, r *run.Run, ph *pipeline.Phase, act *pipeline.Action, ps *run.PhaseState, as *run.ActionState, input string) error {
	spec := act.Gavel
	if spec == nil {
		spec = &pipeline.GavelSpec{Editable: true}
	}
	e.mutate(func(*run.Run) {
		as.Stage = run.ActionInProgress
		as.Attempts = 1
	})
	e.notifyAction(ctx, event.TypeActionStarted, r.ID, ph.ID, act.ID, run.ActionInProgress, 1, "")

	output, err := e.awaitGavel(ctx, r, ph.ID, act.ID, spec, input)
	if err != nil {
		return e.failAction(ctx, r, ph, act, ps, as, err)
	}
	e.completeAction(ctx, r, ph, act, ps, as, output, nil)
	return nil
}

// attemptOutcome carries a dispatch result across the timeout race.
type attemptOutcome struct {
	output    string
	responses []run.Response
	err       error
}

// runAttempt executes one dispatch attempt, racing it against the per-action
// timeout and the abort signal. The loser's work is cancelled; a late result
// is discarded.
func (e *Engine) runAttempt(ctx context.Context, act *pipeline.Action, input string, vars map[string]string, timeout time.Duration) (string, []run.Response, error) {
	attemptCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	outcome := make(chan attemptOutcome, 1)
	go func() {
		output, responses, err := e.dispatch(attemptCtx, act, input, vars)
		outcome <- attemptOutcome{output: output, responses: responses, err: err}
	}()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case res := <-outcome:
		if res.err != nil && ctx.Err() != nil {
			return "", nil, domain.ErrAborted
		}
		return res.output, res.responses, res.err
	case <-timer.C:
		return "", nil, fmt.Errorf("attempt timed out after %s: %w", timeout, domain.ErrTimeout)
	case <-ctx.Done():
		return "", nil, domain.ErrAborted
	}
}

func (e *Engine) completeAction(ctx context.Context, r *run.Run, ph *pipeline.Phase, act *pipeline.Action, ps *run.PhaseState, as *run.ActionState, output string, responses []run.Response) {
	now := time.Now().UTC()
	var attempts int
	e.mutate(func(rr *run.Run) {
		as.Output = output
		as.Responses = responses
		as.Stage = run.ActionComplete
		as.EndedAt = &now
		rr.CompletedActions++
		rr.CurrentAction = ""
		routeOutput(rr, ps, act, output)
		attempts = as.Attempts
	})
	e.notifyAction(ctx, event.TypeActionCompleted, r.ID, ph.ID, act.ID, run.ActionComplete, attempts, "")
	e.notifyProgress(ctx)
}

func (e *Engine) failAction(ctx context.Context, r *run.Run, ph *pipeline.Phase, act *pipeline.Action, ps *run.PhaseState, as *run.ActionState, err error) error {
	now := time.Now().UTC()
	aborted := errors.Is(err, domain.ErrAborted)
	var attempts int
	e.mutate(func(rr *run.Run) {
		as.Error = err.Error()
		as.Stage = run.ActionFailed
		as.EndedAt = &now
		rr.CurrentAction = ""
		if !aborted {
			rr.AddError(ph.ID, act.ID, err.Error())
		}
		attempts = as.Attempts
	})
	e.notifyAction(ctx, event.TypeActionFailed, r.ID, ph.ID, act.ID, run.ActionFailed, attempts, err.Error())
	if aborted {
		return err
	}
	return fmt.Errorf("action %s: %w", act.ID, err)
}

// resolveInput picks an action's input per its declared source. A missing
// referent resolves to the empty string; the default source is the phase
// input, falling back to the run's raw user text.
func resolveInput(r *run.Run, ps *run.PhaseState, act *pipeline.Action) string {
	switch act.Input.Source {
	case pipeline.InputPhaseInput:
		return ps.Input
	case pipeline.InputPreviousAction:
		if sibling := ps.Action(act.Input.Action); sibling != nil {
			return sibling.Output
		}
		return ""
	case pipeline.InputGlobal:
		if v, ok := r.Globals[act.Input.Key]; ok {
			return stringify(v)
		}
		return ""
	case pipeline.InputCustom:
		return act.Input.Value
	default:
		if ps.Input != "" {
			return ps.Input
		}
		return r.UserInput
	}
}

// routeOutput applies an action's declared output routing. With no target the
// output stays on the ActionState alone, available for previous_action pickup.
func routeOutput(r *run.Run, ps *run.PhaseState, act *pipeline.Action, output string) {
	switch act.Output.Target {
	case pipeline.OutputPhaseOutput:
		if act.Output.Append && ps.Output != "" {
			ps.Output += "\n\n" + output
			return
		}
		ps.Output = output
	case pipeline.OutputGlobal:
		if act.Output.Key != "" {
			r.Globals[act.Output.Key] = output
			return
		}
		r.CustomGlobals()[act.ID] = output
	}
}

// retryable reports whether an attempt failure is transient. Aborts,
// definition faults, missing referents, unreachable collaborators and
// human-checkpoint outcomes are fatal immediately; timeouts and generation
// failures retry within budget.
func retryable(err error) bool {
	if err == nil {
		return false
	}
	switch {
	case errors.Is(err, domain.ErrAborted),
		errors.Is(err, domain.ErrValidation),
		errors.Is(err, domain.ErrNotFound),
		errors.Is(err, domain.ErrUnavailable),
		errors.Is(err, gavel.ErrTimeoutNoSkip),
		errors.Is(err, gavel.ErrPending):
		return false
	}
	return true
}
