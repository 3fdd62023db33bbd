// Package pipeline defines the immutable pipeline definition consumed by the
// run engine: an ordered list of phases, each an ordered list of actions.
// Definitions are produced by an external builder; the engine only checks
// structural integrity before executing them.
package pipeline

import (
	"errors"
	"fmt"
)

var (
	ErrIDRequired           = errors.New("pipeline id is required")
	ErrNameRequired         = errors.New("pipeline name is required")
	ErrNoPhases             = errors.New("pipeline must have at least one phase")
	ErrPhaseIDRequired      = errors.New("phase id is required")
	ErrDuplicatePhaseID     = errors.New("duplicate phase id")
	ErrNoActions            = errors.New("phase must have at least one action")
	ErrActionIDRequired     = errors.New("action id is required")
	ErrDuplicateActionID    = errors.New("duplicate action id")
	ErrInvalidActionType    = errors.New("invalid action type")
	ErrInvalidStrategy      = errors.New("invalid orchestration strategy")
	ErrInvalidInputSource   = errors.New("invalid input source")
	ErrInvalidOutputTarget  = errors.New("invalid output target")
	ErrInvalidConsolidation = errors.New("invalid consolidation mode")
	ErrUnknownActionRef     = errors.New("reference to unknown action")
	ErrCRUDConfigRequired   = errors.New("crud_pipeline action requires crud config")
	ErrRAGConfigRequired    = errors.New("rag action requires rag config")
	ErrInvalidCRUDOp        = errors.New("invalid crud operation")
	ErrInjectionToken       = errors.New("injection query token is required")
)

// ActionType selects the execution path for an action. The set is closed:
// registration rejects anything else, so execution can switch exhaustively.
type ActionType string

const (
	ActionStandard          ActionType = "standard"
	ActionCRUDPipeline      ActionType = "crud_pipeline"
	ActionRAGPipeline       ActionType = "rag_pipeline"
	ActionDeliberativeRAG   ActionType = "deliberative_rag"
	ActionUserGavel         ActionType = "user_gavel"
	ActionSystem            ActionType = "system"
	ActionCharacterWorkshop ActionType = "character_workshop"
)

// Strategy selects how a standard action's participants are orchestrated.
type Strategy string

const (
	StrategySequential Strategy = "sequential"
	StrategyParallel   Strategy = "parallel"
	StrategyRoundRobin Strategy = "round_robin"
	StrategyConsensus  Strategy = "consensus"
)

// InputSource selects where an action's input comes from.
type InputSource string

const (
	InputDefault        InputSource = ""                // phase input, falling back to user text
	InputPhaseInput     InputSource = "phase_input"
	InputPreviousAction InputSource = "previous_action" // named sibling action's output
	InputGlobal         InputSource = "global"
	InputCustom         InputSource = "custom" // literal value
)

// OutputTarget selects where an action's output is routed.
type OutputTarget string

const (
	OutputNone        OutputTarget = ""            // recorded on the action state only
	OutputPhaseOutput OutputTarget = "phase_output"
	OutputGlobal      OutputTarget = "global" // named global, or custom sub-map when key is empty
)

// Consolidation selects how a phase's final output is derived from its actions.
type Consolidation string

const (
	ConsolidationLastAction Consolidation = "last_action"
	ConsolidationMerge      Consolidation = "merge"
	ConsolidationDesignated Consolidation = "designated"
	ConsolidationSynthesize Consolidation = "synthesize"
	ConsolidationUserGavel  Consolidation = "user_gavel"
)

// CRUDOp is one record-store operation.
type CRUDOp string

const (
	CRUDCreate CRUDOp = "create"
	CRUDRead   CRUDOp = "read"
	CRUDUpdate CRUDOp = "update"
	CRUDDelete CRUDOp = "delete"
)

// Pipeline is a validated, read-only run definition.
type Pipeline struct {
	ID          string           `json:"id" yaml:"id"`
	Name        string           `json:"name" yaml:"name"`
	Description string           `json:"description,omitempty" yaml:"description,omitempty"`
	Builtin     bool             `json:"builtin,omitempty" yaml:"-"`
	Globals     map[string]any   `json:"globals,omitempty" yaml:"globals,omitempty"`
	Phases      []Phase          `json:"phases" yaml:"phases"`
	Injections  []InjectionQuery `json:"injections,omitempty" yaml:"injections,omitempty"`
}

// Phase is one ordered stage of a pipeline.
type Phase struct {
	ID      string       `json:"id" yaml:"id"`
	Name    string       `json:"name,omitempty" yaml:"name,omitempty"`
	Actions []Action     `json:"actions" yaml:"actions"`
	Gavel   *GavelSpec   `json:"gavel,omitempty" yaml:"gavel,omitempty"`
	Output  OutputPolicy `json:"output,omitempty" yaml:"output,omitempty"`
}

// OutputPolicy controls phase output consolidation.
type OutputPolicy struct {
	Consolidation Consolidation `json:"consolidation,omitempty" yaml:"consolidation,omitempty"`
	ActionID      string        `json:"action_id,omitempty" yaml:"action_id,omitempty"` // for "designated"
}

// Action is one unit of work within a phase.
type Action struct {
	ID           string            `json:"id" yaml:"id"`
	Name         string            `json:"name,omitempty" yaml:"name,omitempty"`
	Type         ActionType        `json:"type" yaml:"type"`
	Strategy     Strategy          `json:"strategy,omitempty" yaml:"strategy,omitempty"`
	Execution    ExecPolicy        `json:"execution,omitempty" yaml:"execution,omitempty"`
	Participants []ParticipantRef  `json:"participants,omitempty" yaml:"participants,omitempty"`
	Input        InputSpec         `json:"input,omitempty" yaml:"input,omitempty"`
	Output       OutputSpec        `json:"output,omitempty" yaml:"output,omitempty"`
	Template     string            `json:"template,omitempty" yaml:"template,omitempty"` // system actions
	Gavel        *GavelSpec        `json:"gavel,omitempty" yaml:"gavel,omitempty"`
	CRUD         *CRUDSpec         `json:"crud,omitempty" yaml:"crud,omitempty"`
	RAG          *RAGSpec          `json:"rag,omitempty" yaml:"rag,omitempty"`
	Retrieval    *RAGSpec          `json:"retrieval,omitempty" yaml:"retrieval,omitempty"` // optional context sub-step for standard actions
}

// ExecPolicy bounds a single action's execution.
type ExecPolicy struct {
	TimeoutMS  int64 `json:"timeout_ms,omitempty" yaml:"timeout_ms,omitempty"` // per attempt; 0 = engine default
	RetryCount int   `json:"retry_count,omitempty" yaml:"retry_count,omitempty"`
}

// ParticipantRef names a participant directly or through team/position/pool
// indirection; resolution is the registry's concern.
type ParticipantRef struct {
	Agent    string `json:"agent,omitempty" yaml:"agent,omitempty"`
	Team     string `json:"team,omitempty" yaml:"team,omitempty"`
	Position string `json:"position,omitempty" yaml:"position,omitempty"`
	Pool     string `json:"pool,omitempty" yaml:"pool,omitempty"`
	Count    int    `json:"count,omitempty" yaml:"count,omitempty"`
}

// InputSpec selects an action's input source.
type InputSpec struct {
	Source InputSource `json:"source,omitempty" yaml:"source,omitempty"`
	Action string      `json:"action,omitempty" yaml:"action,omitempty"` // for previous_action
	Key    string      `json:"key,omitempty" yaml:"key,omitempty"`       // for global
	Value  string      `json:"value,omitempty" yaml:"value,omitempty"`   // for custom
}

// OutputSpec routes an action's output.
type OutputSpec struct {
	Target OutputTarget `json:"target,omitempty" yaml:"target,omitempty"`
	Key    string       `json:"key,omitempty" yaml:"key,omitempty"`
	Append bool         `json:"append,omitempty" yaml:"append,omitempty"` // phase_output: append instead of replace
}

// GavelSpec configures a human checkpoint.
type GavelSpec struct {
	Prompt    string `json:"prompt,omitempty" yaml:"prompt,omitempty"`
	Editable  bool   `json:"editable,omitempty" yaml:"editable,omitempty"`
	AllowSkip bool   `json:"allow_skip,omitempty" yaml:"allow_skip,omitempty"`
	TimeoutMS int64  `json:"timeout_ms,omitempty" yaml:"timeout_ms,omitempty"` // 0 = wait forever
}

// CRUDSpec configures a crud_pipeline action.
type CRUDSpec struct {
	Op       CRUDOp         `json:"op" yaml:"op"`
	StoreID  string         `json:"store_id" yaml:"store_id"`
	RecordID string         `json:"record_id,omitempty" yaml:"record_id,omitempty"` // template; read/update/delete
	Field    string         `json:"field,omitempty" yaml:"field,omitempty"`         // field receiving the resolved input (default "text")
	Data     map[string]any `json:"data,omitempty" yaml:"data,omitempty"`           // literal extra fields
}

// RAGSpec configures a retrieval query.
type RAGSpec struct {
	StoreID       string `json:"store_id" yaml:"store_id"`
	QueryTemplate string `json:"query_template,omitempty" yaml:"query_template,omitempty"` // default "{{input}}"
	TopK          int    `json:"top_k,omitempty" yaml:"top_k,omitempty"`
}

// InjectionQuery computes one token substitution for injection-mode delivery.
type InjectionQuery struct {
	Token         string `json:"token" yaml:"token"`
	StoreID       string `json:"store_id" yaml:"store_id"`
	QueryTemplate string `json:"query_template,omitempty" yaml:"query_template,omitempty"`
	TopK          int    `json:"top_k,omitempty" yaml:"top_k,omitempty"`
}

// validActionTypes is the closed dispatch set.
var validActionTypes = map[ActionType]bool{
	ActionStandard:          true,
	ActionCRUDPipeline:      true,
	ActionRAGPipeline:       true,
	ActionDeliberativeRAG:   true,
	ActionUserGavel:         true,
	ActionSystem:            true,
	ActionCharacterWorkshop: true,
}

// Validate checks the definition for structural correctness. It does not
// resolve participants or verify store ids; those are execution-time concerns
// of the owning collaborators.
func (p *Pipeline) Validate() error {
	if p.ID == "" {
		return ErrIDRequired
	}
	if p.Name == "" {
		return ErrNameRequired
	}
	if len(p.Phases) == 0 {
		return ErrNoPhases
	}

	phaseIDs := make(map[string]bool, len(p.Phases))
	for i := range p.Phases {
		ph := &p.Phases[i]
		if ph.ID == "" {
			return fmt.Errorf("phase %d: %w", i, ErrPhaseIDRequired)
		}
		if phaseIDs[ph.ID] {
			return fmt.Errorf("phase %q: %w", ph.ID, ErrDuplicatePhaseID)
		}
		phaseIDs[ph.ID] = true

		if err := validatePhase(ph); err != nil {
			return fmt.Errorf("phase %q: %w", ph.ID, err)
		}
	}

	for i, q := range p.Injections {
		if q.Token == "" {
			return fmt.Errorf("injection %d: %w", i, ErrInjectionToken)
		}
	}
	return nil
}

func validatePhase(ph *Phase) error {
	if len(ph.Actions) == 0 {
		return ErrNoActions
	}

	actionIDs := make(map[string]bool, len(ph.Actions))
	for i := range ph.Actions {
		a := &ph.Actions[i]
		if a.ID == "" {
			return fmt.Errorf("action %d: %w", i, ErrActionIDRequired)
		}
		if actionIDs[a.ID] {
			return fmt.Errorf("action %q: %w", a.ID, ErrDuplicateActionID)
		}
		actionIDs[a.ID] = true

		if err := validateAction(a); err != nil {
			return fmt.Errorf("action %q: %w", a.ID, err)
		}
	}

	// previous_action references must point at a declared sibling.
	for i := range ph.Actions {
		a := &ph.Actions[i]
		if a.Input.Source == InputPreviousAction && !actionIDs[a.Input.Action] {
			return fmt.Errorf("action %q input references %q: %w", a.ID, a.Input.Action, ErrUnknownActionRef)
		}
	}

	switch ph.Output.Consolidation {
	case "", ConsolidationLastAction, ConsolidationMerge, ConsolidationSynthesize, ConsolidationUserGavel:
	case ConsolidationDesignated:
		if !actionIDs[ph.Output.ActionID] {
			return fmt.Errorf("designated action %q: %w", ph.Output.ActionID, ErrUnknownActionRef)
		}
	default:
		return fmt.Errorf("%q: %w", ph.Output.Consolidation, ErrInvalidConsolidation)
	}
	return nil
}

func validateAction(a *Action) error {
	if !validActionTypes[a.Type] {
		return fmt.Errorf("%q: %w", a.Type, ErrInvalidActionType)
	}

	switch a.Strategy {
	case "", StrategySequential, StrategyParallel, StrategyRoundRobin, StrategyConsensus:
	default:
		return fmt.Errorf("%q: %w", a.Strategy, ErrInvalidStrategy)
	}

	switch a.Input.Source {
	case InputDefault, InputPhaseInput, InputPreviousAction, InputGlobal, InputCustom:
	default:
		return fmt.Errorf("%q: %w", a.Input.Source, ErrInvalidInputSource)
	}

	switch a.Output.Target {
	case OutputNone, OutputPhaseOutput, OutputGlobal:
	default:
		return fmt.Errorf("%q: %w", a.Output.Target, ErrInvalidOutputTarget)
	}

	switch a.Type {
	case ActionCRUDPipeline:
		if a.CRUD == nil {
			return ErrCRUDConfigRequired
		}
		switch a.CRUD.Op {
		case CRUDCreate, CRUDRead, CRUDUpdate, CRUDDelete:
		default:
			return fmt.Errorf("%q: %w", a.CRUD.Op, ErrInvalidCRUDOp)
		}
	case ActionRAGPipeline, ActionDeliberativeRAG:
		if a.RAG == nil {
			return ErrRAGConfigRequired
		}
	}
	return nil
}

// TotalActions counts the actions declared across all phases.
func (p *Pipeline) TotalActions() int {
	n := 0
	for i := range p.Phases {
		n += len(p.Phases[i].Actions)
	}
	return n
}

// FindPhase returns the phase with the given id, or nil.
func (p *Pipeline) FindPhase(id string) *Phase {
	for i := range p.Phases {
		if p.Phases[i].ID == id {
			return &p.Phases[i]
		}
	}
	return nil
}

// FindAction returns the action with the given id within the phase, or nil.
func (ph *Phase) FindAction(id string) *Action {
	for i := range ph.Actions {
		if ph.Actions[i].ID == id {
			return &ph.Actions[i]
		}
	}
	return nil
}
