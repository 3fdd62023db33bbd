package ws

import (
	"context"
	"encoding/json"
	"log/slog"
)

// Event type constants for WebSocket messages.
const (
	EventRunStatus      = "run_status"
	EventPhaseStatus    = "phase_status"
	EventActionStatus   = "action_status"
	EventRunProgress    = "run_progress"
	EventActionRetry    = "action_retry"
	EventGavelRequested = "gavel_requested"
	EventGavelResolved  = "gavel_resolved"
	EventRunOutput      = "run_output"
)

// RunStatusEvent is broadcast on every run status transition.
type RunStatusEvent struct {
	RunID      string `json:"run_id"`
	PipelineID string `json:"pipeline_id"`
	Status     string `json:"status"`
	Phase      string `json:"phase,omitempty"`
	Action     string `json:"action,omitempty"`
	Error      string `json:"error,omitempty"`
}

// PhaseStatusEvent is broadcast when a phase enters or leaves a lifecycle stage.
type PhaseStatusEvent struct {
	RunID   string `json:"run_id"`
	PhaseID string `json:"phase_id"`
	Stage   string `json:"stage"`
	Error   string `json:"error,omitempty"`
}

// ActionStatusEvent is broadcast when an action starts, completes or fails.
type ActionStatusEvent struct {
	RunID    string `json:"run_id"`
	PhaseID  string `json:"phase_id"`
	ActionID string `json:"action_id"`
	Stage    string `json:"stage"`
	Attempts int    `json:"attempts,omitempty"`
	Error    string `json:"error,omitempty"`
}

// RunProgressEvent is broadcast after each completed action and phase.
type RunProgressEvent struct {
	RunID            string `json:"run_id"`
	Status           string `json:"status"`
	Percent          int    `json:"percent"`
	CompletedPhases  int    `json:"completed_phases"`
	TotalPhases      int    `json:"total_phases"`
	CompletedActions int    `json:"completed_actions"`
	TotalActions     int    `json:"total_actions"`
	CurrentPhase     string `json:"current_phase,omitempty"`
	CurrentAction    string `json:"current_action,omitempty"`
}

// ActionRetryEvent is broadcast before an action attempt is retried.
type ActionRetryEvent struct {
	RunID     string `json:"run_id"`
	PhaseID   string `json:"phase_id"`
	ActionID  string `json:"action_id"`
	Attempt   int    `json:"attempt"`
	MaxTries  int    `json:"max_tries"`
	LastError string `json:"last_error"`
	BackoffMS int64  `json:"backoff_ms"`
}

// GavelRequestedEvent is broadcast when a checkpoint suspends the run.
type GavelRequestedEvent struct {
	GavelID   string `json:"gavel_id"`
	RunID     string `json:"run_id"`
	PhaseID   string `json:"phase_id"`
	ActionID  string `json:"action_id,omitempty"`
	Prompt    string `json:"prompt,omitempty"`
	Candidate string `json:"candidate"`
	Editable  bool   `json:"editable"`
	AllowSkip bool   `json:"allow_skip"`
	TimeoutMS int64  `json:"timeout_ms,omitempty"`
}

// GavelResolvedEvent is broadcast when a checkpoint settles.
type GavelResolvedEvent struct {
	GavelID  string `json:"gavel_id"`
	RunID    string `json:"run_id"`
	Decision string `json:"decision"`
	Modified bool   `json:"modified"`
}

// RunOutputEvent is broadcast once, when a completed run delivers its output.
type RunOutputEvent struct {
	RunID      string            `json:"run_id"`
	Mode       string            `json:"mode"`
	Output     string            `json:"output,omitempty"`
	Injections map[string]string `json:"injections,omitempty"`
}

// BroadcastEvent is a convenience method that marshals a typed event and broadcasts it.
func (h *Hub) BroadcastEvent(ctx context.Context, eventType string, payload any) {
	data, err := json.Marshal(payload)
	if err != nil {
		slog.Error("marshal ws event payload", "type", eventType, "error", err)
		return
	}

	h.Broadcast(ctx, Message{
		Type:    eventType,
		Payload: json.RawMessage(data),
	})
}
