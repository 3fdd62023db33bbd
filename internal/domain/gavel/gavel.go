// Package gavel defines the human-checkpoint types: a single-slot request
// that suspends a run until approved, rejected, or timed out.
package gavel

import (
	"errors"
	"time"
)

var (
	// ErrPending indicates a gavel request is already outstanding.
	ErrPending = errors.New("a gavel request is already pending")
	// ErrNoActive indicates no gavel request is outstanding.
	ErrNoActive = errors.New("no active gavel request")
	// ErrIDMismatch indicates the resolution names a different request.
	ErrIDMismatch = errors.New("gavel id does not match the active request")
	// ErrTimeoutNoSkip indicates the checkpoint expired and skipping is not allowed.
	ErrTimeoutNoSkip = errors.New("gavel timed out and skipping is not allowed")
)

// Decision is the outcome of a gavel checkpoint.
type Decision string

const (
	DecisionApproved Decision = "approved"
	DecisionRejected Decision = "rejected"
	DecisionSkipped  Decision = "skipped"   // timeout with allow_skip
	DecisionTimedOut Decision = "timed_out" // timeout without allow_skip, fatal
)

// Request is an ephemeral single-slot checkpoint. At most one exists at a
// time; it is destroyed when resolved.
type Request struct {
	ID        string    `json:"id"`
	RunID     string    `json:"run_id"`
	PhaseID   string    `json:"phase_id"`
	ActionID  string    `json:"action_id,omitempty"`
	Prompt    string    `json:"prompt,omitempty"`
	Candidate string    `json:"candidate"`
	Editable  bool      `json:"editable"`
	AllowSkip bool      `json:"allow_skip"`
	TimeoutMS int64     `json:"timeout_ms,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// Resolution settles a request. An approval may carry a modification that
// replaces the candidate; a rejection keeps the candidate untouched.
type Resolution struct {
	Decision     Decision  `json:"decision"`
	Modification string    `json:"modification,omitempty"`
	ResolvedAt   time.Time `json:"resolved_at"`
}

// Adopt returns the output the checkpoint settles on: the modification for a
// modified approval, otherwise the original candidate.
func (res Resolution) Adopt(candidate string) string {
	if res.Decision == DecisionApproved && res.Modification != "" {
		return res.Modification
	}
	return candidate
}
