// Package participant defines the resolved, callable participant descriptor
// returned by the registry. Resolution (team/position/pool indirection) is
// the registry's concern; the engine only orders and invokes participants.
package participant

// Participant is one callable text-generating agent.
type Participant struct {
	ID      string `json:"id"`
	Name    string `json:"name"`
	Persona string `json:"persona,omitempty"` // system prompt fragment describing the character
	Model   string `json:"model,omitempty"`   // generation model override
}
