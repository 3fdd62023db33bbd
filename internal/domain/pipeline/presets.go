package pipeline

// BuiltinPipelines returns the set of built-in pipeline definitions. They are
// registered at startup alongside any file-based definitions and serve as
// working references for the definition format.
func BuiltinPipelines() []Pipeline {
	return []Pipeline{
		draftReview(),
		writersRoom(),
		loreRecall(),
	}
}

// draftReview is the minimal two-phase shape: one participant drafts, a
// deterministic template stamps the review wrapper.
func draftReview() Pipeline {
	return Pipeline{
		ID:          "draft-review",
		Name:        "Draft and Review",
		Description: "One participant drafts from the user input; a system action wraps the draft for review.",
		Builtin:     true,
		Phases: []Phase{
			{
				ID:   "draft",
				Name: "Draft",
				Actions: []Action{
					{
						ID:           "compose",
						Name:         "Compose draft",
						Type:         ActionStandard,
						Participants: []ParticipantRef{{Agent: "narrator"}},
						Output:       OutputSpec{Target: OutputPhaseOutput},
					},
				},
			},
			{
				ID:   "review",
				Name: "Review",
				Actions: []Action{
					{
						ID:       "stamp",
						Name:     "Stamp review header",
						Type:     ActionSystem,
						Template: "Reviewed: {{input}}",
						Output:   OutputSpec{Target: OutputPhaseOutput},
					},
				},
			},
		},
	}
}

// writersRoom runs a consensus brainstorm, then a human gavel on the synthesis.
func writersRoom() Pipeline {
	return Pipeline{
		ID:          "writers-room",
		Name:        "Writers' Room",
		Description: "Three participants pitch in parallel, the first synthesizes, a human approves the result.",
		Builtin:     true,
		Phases: []Phase{
			{
				ID:   "pitch",
				Name: "Pitch",
				Actions: []Action{
					{
						ID:       "brainstorm",
						Name:     "Brainstorm",
						Type:     ActionStandard,
						Strategy: StrategyConsensus,
						Participants: []ParticipantRef{
							{Agent: "lead-writer"},
							{Agent: "editor"},
							{Agent: "critic"},
						},
						Output: OutputSpec{Target: OutputPhaseOutput},
					},
				},
				Gavel: &GavelSpec{
					Prompt:    "Approve the synthesized pitch?",
					Editable:  true,
					AllowSkip: true,
					TimeoutMS: 300000,
				},
			},
		},
	}
}

// loreRecall retrieves store context first, then lets a participant answer
// with the retrieved passage routed in through a global.
func loreRecall() Pipeline {
	return Pipeline{
		ID:          "lore-recall",
		Name:        "Lore Recall",
		Description: "Retrieves relevant lore for the user input, then answers grounded on it.",
		Builtin:     true,
		Phases: []Phase{
			{
				ID:   "recall",
				Name: "Recall",
				Actions: []Action{
					{
						ID:     "lookup",
						Name:   "Look up lore",
						Type:   ActionRAGPipeline,
						RAG:    &RAGSpec{StoreID: "lore", QueryTemplate: "{{input}}", TopK: 3},
						Output: OutputSpec{Target: OutputGlobal, Key: "lore"},
					},
					{
						ID:           "answer",
						Name:         "Answer",
						Type:         ActionStandard,
						Participants: []ParticipantRef{{Agent: "loremaster"}},
						Input:        InputSpec{Source: InputPhaseInput},
						Retrieval:    &RAGSpec{StoreID: "lore", TopK: 3},
						Output:       OutputSpec{Target: OutputPhaseOutput},
					},
				},
			},
		},
	}
}
