package domain

import "strings"

// Step is the persisted marker recording where a session's flow is suspended.
type Step string

const (
	StepInit                 Step = ""
	StepAwaitingPolicyNumber Step = "awaiting_policy_number"
	StepAwaitingBirthYear    Step = "awaiting_birth_year"
	StepFinalizing           Step = "finalizing"
	StepEnded                Step = "ended"
)

// ConversationState is the per-session record collected by the renewal flow.
// Callers must serialize turns per session; the state has a single writer.
type ConversationState struct {
	SessionID    string
	PolicyNumber string
	BirthYear    string
	Awaiting     Step
	LastActivity string
	TTL          int64
}

// HasPolicyNumber reports whether a policy number has been collected.
func (s ConversationState) HasPolicyNumber() bool {
	return strings.TrimSpace(s.PolicyNumber) != ""
}

// HasBirthYear reports whether a birth year has been collected.
func (s ConversationState) HasBirthYear() bool {
	return strings.TrimSpace(s.BirthYear) != ""
}

// Complete reports whether both fields have been collected.
func (s ConversationState) Complete() bool {
	return s.HasPolicyNumber() && s.HasBirthYear()
}

// Turn is a single persisted request/response exchange.
type Turn struct {
	PK        string
	SK        string
	SessionID string
	Text      string
	Reply     string
	Outcome   string
	TTL       int64
}
