package messagequeue

// RunLifecyclePayload is the schema for troupe.run.lifecycle messages.
type RunLifecyclePayload struct {
	RunID      string `json:"run_id"`
	PipelineID string `json:"pipeline_id"`
	Status     string `json:"status"`
	Phase      string `json:"phase,omitempty"`
	Action     string `json:"action,omitempty"`
	Error      string `json:"error,omitempty"`
}

// RunProgressPayload is the schema for troupe.run.progress messages.
type RunProgressPayload struct {
	RunID            string `json:"run_id"`
	Percent          int    `json:"percent"`
	CompletedPhases  int    `json:"completed_phases"`
	TotalPhases      int    `json:"total_phases"`
	CompletedActions int    `json:"completed_actions"`
	TotalActions     int    `json:"total_actions"`
	CurrentPhase     string `json:"current_phase,omitempty"`
	CurrentAction    string `json:"current_action,omitempty"`
}

// RunRetryPayload is the schema for troupe.run.retry messages.
type RunRetryPayload struct {
	RunID     string `json:"run_id"`
	PhaseID   string `json:"phase_id"`
	ActionID  string `json:"action_id"`
	Attempt   int    `json:"attempt"`
	MaxTries  int    `json:"max_tries"`
	LastError string `json:"last_error"`
	BackoffMS int64  `json:"backoff_ms"`
}

// RunOutputPayload is the schema for troupe.run.output messages: a completed
// run's final product, shaped by its operating mode. Synthesis carries text
// for the conversational surface, compilation a replacement prompt, and
// injection a token -> retrieved-text map.
type RunOutputPayload struct {
	RunID      string            `json:"run_id"`
	Mode       string            `json:"mode"`
	Text       string            `json:"text,omitempty"`
	Prompt     string            `json:"prompt,omitempty"`
	Injections map[string]string `json:"injections,omitempty"`
}

// GavelRequestedPayload is the schema for troupe.gavel.requested messages.
type GavelRequestedPayload struct {
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

// GavelResolvedPayload is the schema for troupe.gavel.resolved messages.
type GavelResolvedPayload struct {
	GavelID  string `json:"gavel_id"`
	RunID    string `json:"run_id"`
	Decision string `json:"decision"`
	Modified bool   `json:"modified"`
}

// GavelDecisionPayload is the schema for inbound troupe.gavel.decision
// messages: a remote operator approving or rejecting the active checkpoint.
type GavelDecisionPayload struct {
	GavelID      string `json:"gavel_id"`
	Decision     string `json:"decision"` // "approve" | "reject"
	Modification string `json:"modification,omitempty"`
}
