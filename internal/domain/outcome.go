package domain

// Outcome describes how a turn ended.
type Outcome string

const (
	OutcomePromptIssued Outcome = "prompt_issued"
	OutcomeCompleted    Outcome = "completed"
	OutcomeError        Outcome = "error"
)
