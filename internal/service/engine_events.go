package service

import (
	"context"
	"encoding/json"
	"log/slog"
	"strconv"
	"time"

	"github.com/troupehq/troupe/internal/adapter/ws"
	"github.com/troupehq/troupe/internal/domain/event"
	"github.com/troupehq/troupe/internal/domain/gavel"
	"github.com/troupehq/troupe/internal/domain/run"
	"github.com/troupehq/troupe/internal/logger"
	"github.com/troupehq/troupe/internal/port/messagequeue"
)

// lifecycleInfo is the snapshot of run fields a lifecycle notification needs,
// captured under the lock and emitted after it is released.
type lifecycleInfo struct {
	runID      string
	pipelineID string
	status     run.Status
	phase      string
	action     string
}

// lifecycleLocked captures lifecycle fields; the caller holds e.mu.
func (e *Engine) lifecycleLocked() lifecycleInfo {
	return lifecycleInfo{
		runID:      e.active.ID,
		pipelineID: e.active.PipelineID,
		status:     e.active.Status,
		phase:      e.active.CurrentPhase,
		action:     e.active.CurrentAction,
	}
}

// emitLifecycle records a run status transition everywhere it is observed:
// the event log, the NATS lifecycle subject and the WebSocket hub.
func (e *Engine) emitLifecycle(ctx context.Context, info lifecycleInfo, evType event.Type, errMsg string) {
	e.appendEvent(ctx, evType, info.runID, info.phase, info.action, map[string]string{
		"status": string(info.status),
		"error":  errMsg,
	})
	e.publishJSON(ctx, messagequeue.SubjectRunLifecycle, messagequeue.RunLifecyclePayload{
		RunID:      info.runID,
		PipelineID: info.pipelineID,
		Status:     string(info.status),
		Phase:      info.phase,
		Action:     info.action,
		Error:      errMsg,
	})
	e.hub.BroadcastEvent(ctx, ws.EventRunStatus, ws.RunStatusEvent{
		RunID:      info.runID,
		PipelineID: info.pipelineID,
		Status:     string(info.status),
		Phase:      info.phase,
		Action:     info.action,
		Error:      errMsg,
	})
}

// notifyProgress broadcasts the active run's progress counters.
func (e *Engine) notifyProgress(ctx context.Context) {
	e.mu.RLock()
	if e.active == nil {
		e.mu.RUnlock()
		return
	}
	runID := e.active.ID
	p := e.active.Progress()
	e.mu.RUnlock()
	e.emitProgress(ctx, runID, p)
}

// emitProgress publishes one progress reading. Progress is transient: it
// goes to NATS and the hub but is not persisted.
func (e *Engine) emitProgress(ctx context.Context, runID string, p run.Progress) {
	e.publishJSON(ctx, messagequeue.SubjectRunProgress, messagequeue.RunProgressPayload{
		RunID:            runID,
		Percent:          p.Percent,
		CompletedPhases:  p.CompletedPhases,
		TotalPhases:      p.TotalPhases,
		CompletedActions: p.CompletedActions,
		TotalActions:     p.TotalActions,
		CurrentPhase:     p.CurrentPhase,
		CurrentAction:    p.CurrentAction,
	})
	e.hub.BroadcastEvent(ctx, ws.EventRunProgress, ws.RunProgressEvent{
		RunID:            runID,
		Status:           string(p.Status),
		Percent:          p.Percent,
		CompletedPhases:  p.CompletedPhases,
		TotalPhases:      p.TotalPhases,
		CompletedActions: p.CompletedActions,
		TotalActions:     p.TotalActions,
		CurrentPhase:     p.CurrentPhase,
		CurrentAction:    p.CurrentAction,
	})
}

// notifyRetry announces a failed attempt that will be retried after backoff.
func (e *Engine) notifyRetry(ctx context.Context, runID, phaseID, actionID string, attempt, maxTries int, lastErr string, backoff time.Duration) {
	e.appendEvent(ctx, event.TypeActionRetry, runID, phaseID, actionID, map[string]string{
		"attempt":    strconv.Itoa(attempt),
		"max_tries":  strconv.Itoa(maxTries),
		"last_error": lastErr,
	})
	e.publishJSON(ctx, messagequeue.SubjectRunRetry, messagequeue.RunRetryPayload{
		RunID:     runID,
		PhaseID:   phaseID,
		ActionID:  actionID,
		Attempt:   attempt,
		MaxTries:  maxTries,
		LastError: lastErr,
		BackoffMS: backoff.Milliseconds(),
	})
	e.hub.BroadcastEvent(ctx, ws.EventActionRetry, ws.ActionRetryEvent{
		RunID:     runID,
		PhaseID:   phaseID,
		ActionID:  actionID,
		Attempt:   attempt,
		MaxTries:  maxTries,
		LastError: lastErr,
		BackoffMS: backoff.Milliseconds(),
	})
}

// notifyPhase records a phase stage transition.
func (e *Engine) notifyPhase(ctx context.Context, evType event.Type, runID, phaseID string, stage run.PhaseStage, errMsg string) {
	e.appendEvent(ctx, evType, runID, phaseID, "", map[string]string{
		"stage": string(stage),
		"error": errMsg,
	})
	e.hub.BroadcastEvent(ctx, ws.EventPhaseStatus, ws.PhaseStatusEvent{
		RunID:   runID,
		PhaseID: phaseID,
		Stage:   string(stage),
		Error:   errMsg,
	})
}

// notifyAction records an action stage transition.
func (e *Engine) notifyAction(ctx context.Context, evType event.Type, runID, phaseID, actionID string, stage run.ActionStage, attempts int, errMsg string) {
	e.appendEvent(ctx, evType, runID, phaseID, actionID, map[string]string{
		"stage":    string(stage),
		"attempts": strconv.Itoa(attempts),
		"error":    errMsg,
	})
	e.hub.BroadcastEvent(ctx, ws.EventActionStatus, ws.ActionStatusEvent{
		RunID:    runID,
		PhaseID:  phaseID,
		ActionID: actionID,
		Stage:    string(stage),
		Attempts: attempts,
		Error:    errMsg,
	})
}

// notifyGavelRequested announces a checkpoint awaiting a human.
func (e *Engine) notifyGavelRequested(ctx context.Context, req *gavel.Request) {
	e.appendEvent(ctx, event.TypeGavelRequested, req.RunID, req.PhaseID, req.ActionID, map[string]string{
		"gavel_id": req.ID,
		"prompt":   req.Prompt,
	})
	e.publishJSON(ctx, messagequeue.SubjectGavelRequested, messagequeue.GavelRequestedPayload{
		GavelID:   req.ID,
		RunID:     req.RunID,
		PhaseID:   req.PhaseID,
		ActionID:  req.ActionID,
		Prompt:    req.Prompt,
		Candidate: req.Candidate,
		Editable:  req.Editable,
		AllowSkip: req.AllowSkip,
		TimeoutMS: req.TimeoutMS,
	})
	e.hub.BroadcastEvent(ctx, ws.EventGavelRequested, ws.GavelRequestedEvent{
		GavelID:   req.ID,
		RunID:     req.RunID,
		PhaseID:   req.PhaseID,
		ActionID:  req.ActionID,
		Prompt:    req.Prompt,
		Candidate: req.Candidate,
		Editable:  req.Editable,
		AllowSkip: req.AllowSkip,
		TimeoutMS: req.TimeoutMS,
	})
}

// notifyGavelResolved announces a settled checkpoint.
func (e *Engine) notifyGavelResolved(ctx context.Context, req *gavel.Request, decision gavel.Decision, modified bool) {
	e.appendEvent(ctx, event.TypeGavelResolved, req.RunID, req.PhaseID, req.ActionID, map[string]string{
		"gavel_id": req.ID,
		"decision": string(decision),
		"modified": strconv.FormatBool(modified),
	})
	e.publishJSON(ctx, messagequeue.SubjectGavelResolved, messagequeue.GavelResolvedPayload{
		GavelID:  req.ID,
		RunID:    req.RunID,
		Decision: string(decision),
		Modified: modified,
	})
	e.hub.BroadcastEvent(ctx, ws.EventGavelResolved, ws.GavelResolvedEvent{
		GavelID:  req.ID,
		RunID:    req.RunID,
		Decision: string(decision),
		Modified: modified,
	})
}

// notifyOutput announces a completed run's delivered output.
func (e *Engine) notifyOutput(ctx context.Context, r *run.Run) {
	e.appendEvent(ctx, event.TypeRunOutput, r.ID, "", "", map[string]string{
		"mode": string(r.Mode),
	})
	e.hub.BroadcastEvent(ctx, ws.EventRunOutput, ws.RunOutputEvent{
		RunID:      r.ID,
		Mode:       string(r.Mode),
		Output:     r.Output,
		Injections: r.Injections,
	})
}

// appendEvent persists one event to the run trajectory. Append failures are
// logged, never fatal: the event log observes the run, it does not drive it.
func (e *Engine) appendEvent(ctx context.Context, evType event.Type, runID, phaseID, actionID string, payload map[string]string) {
	if e.events == nil {
		return
	}
	payloadJSON, err := json.Marshal(payload)
	if err != nil {
		slog.Error("marshal event payload", "type", evType, "error", err)
		return
	}
	ev := event.Event{
		RunID:     runID,
		PhaseID:   phaseID,
		ActionID:  actionID,
		Type:      evType,
		Payload:   payloadJSON,
		RequestID: logger.RequestID(ctx),
	}
	if err := e.events.Append(ctx, &ev); err != nil {
		slog.Error("append event", "type", evType, "run_id", runID, "error", err)
	}
}

// publishJSON sends a fire-and-forget notification to the queue.
func (e *Engine) publishJSON(ctx context.Context, subject string, payload any) {
	if e.queue == nil {
		return
	}
	data, err := json.Marshal(payload)
	if err != nil {
		slog.Error("marshal queue payload", "subject", subject, "error", err)
		return
	}
	if err := e.queue.Publish(ctx, subject, data); err != nil {
		slog.Error("publish queue message", "subject", subject, "error", err)
	}
}
