// Package event defines the engine's outbound event types. Events are
// persisted append-only per run and broadcast fire-and-forget to live
// subscribers; no acknowledgement is ever required.
package event

import (
	"encoding/json"
	"time"
)

// Type identifies the kind of engine event.
type Type string

const (
	TypeRunStarted   Type = "run.started"
	TypeRunPaused    Type = "run.paused"
	TypeRunResumed   Type = "run.resumed"
	TypeRunCompleted Type = "run.completed"
	TypeRunFailed    Type = "run.failed"
	TypeRunAborted   Type = "run.aborted"
	TypeRunProgress  Type = "run.progress"
	TypeRunOutput    Type = "run.output"

	TypePhaseStarted   Type = "phase.started"
	TypePhaseCompleted Type = "phase.completed"
	TypePhaseFailed    Type = "phase.failed"

	TypeActionStarted   Type = "action.started"
	TypeActionCompleted Type = "action.completed"
	TypeActionFailed    Type = "action.failed"
	TypeActionRetry     Type = "action.retry"

	TypeGavelRequested Type = "gavel.requested"
	TypeGavelResolved  Type = "gavel.resolved"
)

// Event is a single immutable entry in a run's trajectory. Version is the
// per-run sequence number assigned at append time.
type Event struct {
	ID        string          `json:"id"`
	RunID     string          `json:"run_id"`
	PhaseID   string          `json:"phase_id,omitempty"`
	ActionID  string          `json:"action_id,omitempty"`
	Type      Type            `json:"type"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	RequestID string          `json:"request_id,omitempty"`
	Version   int             `json:"version"`
	CreatedAt time.Time       `json:"created_at"`
}
