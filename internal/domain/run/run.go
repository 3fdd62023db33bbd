// Package run defines the live state tree of a pipeline run: the run itself,
// its per-phase states and their per-action states. The tree has a single
// writer (the run goroutine); readers get deep snapshots via Clone.
package run

import (
	"time"

	"github.com/troupehq/troupe/internal/domain/pipeline"
)

// Status represents the top-level state of a run.
type Status string

const (
	StatusIdle      Status = "idle" // controller resting state, never archived
	StatusRunning   Status = "running"
	StatusPaused    Status = "paused"
	StatusCompleted Status = "completed"
	StatusError     Status = "error"
	StatusAborted   Status = "aborted"
)

// Terminal reports whether the status is final.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusError || s == StatusAborted
}

// Mode selects how the run's final output is delivered.
type Mode string

const (
	ModeSynthesis   Mode = "synthesis"   // final text to the conversational surface
	ModeCompilation Mode = "compilation" // final text as a replacement generation prompt
	ModeInjection   Mode = "injection"   // token -> retrieved-text map for the host's prompt template
)

// Valid reports whether the mode is one of the three delivery modes.
func (m Mode) Valid() bool {
	return m == ModeSynthesis || m == ModeCompilation || m == ModeInjection
}

// PhaseStage is a phase's lifecycle stage. Stages advance strictly in order;
// respond only occurs when the phase declares a gavel.
type PhaseStage string

const (
	PhaseStart         PhaseStage = "start"
	PhaseBeforeActions PhaseStage = "before_actions"
	PhaseInProgress    PhaseStage = "in_progress"
	PhaseAfterActions  PhaseStage = "after_actions"
	PhaseRespond       PhaseStage = "respond"
	PhaseEnd           PhaseStage = "end"
)

// ActionStage is an action's lifecycle stage.
type ActionStage string

const (
	ActionCalled     ActionStage = "called"
	ActionStart      ActionStage = "start"
	ActionInProgress ActionStage = "in_progress"
	ActionComplete   ActionStage = "complete"
	ActionFailed     ActionStage = "failed"
)

// GlobalsCustomKey is the reserved globals key holding the per-action custom
// sub-map (outputs routed to a global without an explicit key land here,
// keyed by action id).
const GlobalsCustomKey = "custom"

// Response is one participant's contribution to an action.
type Response struct {
	ParticipantID   string `json:"participant_id"`
	ParticipantName string `json:"participant_name"`
	Text            string `json:"text"`
	Synthesis       bool   `json:"synthesis,omitempty"`
}

// Error is one recorded failure with its phase/action context.
type Error struct {
	Phase     string    `json:"phase"`
	Action    string    `json:"action,omitempty"`
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
}

// Run is one execution of a pipeline.
type Run struct {
	ID           string         `json:"id"`
	PipelineID   string         `json:"pipeline_id"`
	PipelineName string         `json:"pipeline_name"`
	Mode         Mode           `json:"mode"`
	Status       Status         `json:"status"`

	UserInput string         `json:"user_input"`
	Context   map[string]any `json:"context,omitempty"`
	Globals   map[string]any `json:"globals,omitempty"`

	Phases        []*PhaseState `json:"phases"`
	CurrentPhase  string        `json:"current_phase,omitempty"`
	CurrentAction string        `json:"current_action,omitempty"`

	TotalPhases      int `json:"total_phases"`
	CompletedPhases  int `json:"completed_phases"`
	TotalActions     int `json:"total_actions"`
	CompletedActions int `json:"completed_actions"`

	Output     string            `json:"output,omitempty"`
	Injections map[string]string `json:"injections,omitempty"`
	Errors     []Error           `json:"errors,omitempty"`

	StartedAt time.Time  `json:"started_at"`
	EndedAt   *time.Time `json:"ended_at,omitempty"`
}

// PhaseState tracks one phase's execution.
type PhaseState struct {
	ID        string         `json:"id"`
	Name      string         `json:"name,omitempty"`
	Stage     PhaseStage     `json:"stage"`
	Actions   []*ActionState `json:"actions"`
	Input     string         `json:"input,omitempty"`
	Output    string         `json:"output,omitempty"`
	Variables map[string]any `json:"variables,omitempty"`
	Error     string         `json:"error,omitempty"`
	StartedAt time.Time      `json:"started_at"`
	EndedAt   *time.Time     `json:"ended_at,omitempty"`
}

// ActionState tracks one action's execution.
type ActionState struct {
	ID        string              `json:"id"`
	Name      string              `json:"name,omitempty"`
	Type      pipeline.ActionType `json:"type"`
	Stage     ActionStage         `json:"stage"`
	Input     string              `json:"input,omitempty"`
	Output    string              `json:"output,omitempty"`
	Responses []Response          `json:"responses,omitempty"`
	Error     string              `json:"error,omitempty"`
	Attempts  int                 `json:"attempts"`
	StartedAt time.Time           `json:"started_at"`
	EndedAt   *time.Time          `json:"ended_at,omitempty"`
}

// New builds a Run for the given pipeline with status running. Globals are
// seeded from the definition's declared globals plus the reserved custom
// sub-map; counters are derived from the definition.
func New(id string, p *pipeline.Pipeline, mode Mode, userInput string, runCtx map[string]any) *Run {
	globals := make(map[string]any, len(p.Globals)+1)
	for k, v := range p.Globals {
		globals[k] = v
	}
	globals[GlobalsCustomKey] = map[string]any{}

	return &Run{
		ID:           id,
		PipelineID:   p.ID,
		PipelineName: p.Name,
		Mode:         mode,
		Status:       StatusRunning,
		UserInput:    userInput,
		Context:      runCtx,
		Globals:      globals,
		Phases:       make([]*PhaseState, 0, len(p.Phases)),
		TotalPhases:  len(p.Phases),
		TotalActions: p.TotalActions(),
		StartedAt:    time.Now().UTC(),
	}
}

// Phase returns the phase state with the given id, or nil.
func (r *Run) Phase(id string) *PhaseState {
	for _, ps := range r.Phases {
		if ps.ID == id {
			return ps
		}
	}
	return nil
}

// Action returns the action state with the given id, or nil.
func (ps *PhaseState) Action(id string) *ActionState {
	for _, as := range ps.Actions {
		if as.ID == id {
			return as
		}
	}
	return nil
}

// CustomGlobals returns the reserved custom sub-map, creating it if a caller
// removed it from the bag.
func (r *Run) CustomGlobals() map[string]any {
	if m, ok := r.Globals[GlobalsCustomKey].(map[string]any); ok {
		return m
	}
	m := map[string]any{}
	r.Globals[GlobalsCustomKey] = m
	return m
}

// AddError appends a failure with its phase/action context.
func (r *Run) AddError(phaseID, actionID, message string) {
	r.Errors = append(r.Errors, Error{
		Phase:     phaseID,
		Action:    actionID,
		Message:   message,
		Timestamp: time.Now().UTC(),
	})
}

// ProgressPercent computes completion as completedActions/totalActions when
// actions are declared, else completedPhases/totalPhases, else 0. A completed
// run always reports 100.
func (r *Run) ProgressPercent() int {
	if r.Status == StatusCompleted {
		return 100
	}
	switch {
	case r.TotalActions > 0:
		return r.CompletedActions * 100 / r.TotalActions
	case r.TotalPhases > 0:
		return r.CompletedPhases * 100 / r.TotalPhases
	default:
		return 0
	}
}

// Progress is the read-model for progress queries.
type Progress struct {
	Status           Status `json:"status"`
	Percent          int    `json:"percent"`
	CompletedPhases  int    `json:"completed_phases"`
	TotalPhases      int    `json:"total_phases"`
	CompletedActions int    `json:"completed_actions"`
	TotalActions     int    `json:"total_actions"`
	CurrentPhase     string `json:"current_phase,omitempty"`
	CurrentAction    string `json:"current_action,omitempty"`
}

// Progress builds the progress read-model for this run.
func (r *Run) Progress() Progress {
	return Progress{
		Status:           r.Status,
		Percent:          r.ProgressPercent(),
		CompletedPhases:  r.CompletedPhases,
		TotalPhases:      r.TotalPhases,
		CompletedActions: r.CompletedActions,
		TotalActions:     r.TotalActions,
		CurrentPhase:     r.CurrentPhase,
		CurrentAction:    r.CurrentAction,
	}
}

// Clone returns a deep copy of the run, safe to hand to readers while the
// run goroutine keeps mutating the original.
func (r *Run) Clone() *Run {
	if r == nil {
		return nil
	}
	out := *r
	out.Context = cloneMap(r.Context)
	out.Globals = cloneMap(r.Globals)
	out.Injections = cloneStringMap(r.Injections)
	out.Errors = append([]Error(nil), r.Errors...)
	out.EndedAt = cloneTime(r.EndedAt)

	out.Phases = make([]*PhaseState, len(r.Phases))
	for i, ps := range r.Phases {
		out.Phases[i] = ps.clone()
	}
	return &out
}

func (ps *PhaseState) clone() *PhaseState {
	out := *ps
	out.Variables = cloneMap(ps.Variables)
	out.EndedAt = cloneTime(ps.EndedAt)
	out.Actions = make([]*ActionState, len(ps.Actions))
	for i, as := range ps.Actions {
		c := *as
		c.Responses = append([]Response(nil), as.Responses...)
		c.EndedAt = cloneTime(as.EndedAt)
		out.Actions[i] = &c
	}
	return &out
}

func cloneMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		if sub, ok := v.(map[string]any); ok {
			out[k] = cloneMap(sub)
			continue
		}
		out[k] = v
	}
	return out
}

func cloneStringMap(m map[string]string) map[string]string {
	if m == nil {
		return nil
	}
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	c := *t
	return &c
}
