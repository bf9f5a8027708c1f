package models

import "encoding/json"

// RunStatus is the terminal disposition of a run.
type RunStatus string

const (
	RunCompleted   RunStatus = "completed"
	RunInterrupted RunStatus = "interrupted"
	RunErrored     RunStatus = "error"
)

// ErrorKind classifies fatal run failures.
type ErrorKind string

const (
	ErrKindModel            ErrorKind = "model_error"
	ErrKindModelBehavior    ErrorKind = "model_behavior"
	ErrKindMaxTurnsExceeded ErrorKind = "max_turns_exceeded"
	ErrKindCancelled        ErrorKind = "cancelled"
	ErrKindUnexpected       ErrorKind = "unexpected"
)

// InterruptionKind names the reason a run yielded back to its caller.
type InterruptionKind string

const (
	InterruptToolApproval  InterruptionKind = "tool_approval"
	InterruptToolAuth      InterruptionKind = "tool_auth"
	InterruptClarification InterruptionKind = "clarification_required"
)

// Interruption describes one pending decision blocking a run. Fields beyond
// the common head are populated per kind: approval interrupts carry the call
// arguments and signature, auth interrupts the authorization challenge,
// clarification interrupts the question and its options.
type Interruption struct {
	Kind       InterruptionKind `json:"kind"`
	ToolCallID string           `json:"toolCallId"`
	ToolName   string           `json:"toolName"`
	SessionID  string           `json:"sessionId,omitempty"`

	Args      json.RawMessage `json:"args,omitempty"`
	Signature string          `json:"signature,omitempty"`

	AuthKey          string   `json:"authKey,omitempty"`
	AuthorizationURL string   `json:"authorizationUrl,omitempty"`
	SchemeType       string   `json:"schemeType,omitempty"`
	Scopes           []string `json:"scopes,omitempty"`

	Question string   `json:"question,omitempty"`
	Options  []string `json:"options,omitempty"`
}

// OutcomeError is the error payload of an errored run.
type OutcomeError struct {
	Kind    ErrorKind `json:"kind"`
	Message string    `json:"message,omitempty"`
}

// RunOutcome is the terminal result of a run.
type RunOutcome struct {
	Status        RunStatus      `json:"status"`
	Output        string         `json:"output,omitempty"`
	Error         *OutcomeError  `json:"error,omitempty"`
	Interruptions []Interruption `json:"interruptions,omitempty"`
}

// Completed builds a completed outcome carrying the final assistant text.
func Completed(output string) RunOutcome {
	return RunOutcome{Status: RunCompleted, Output: output}
}

// Interrupted builds an interrupted outcome from pending interruptions.
func Interrupted(interruptions []Interruption) RunOutcome {
	return RunOutcome{Status: RunInterrupted, Interruptions: interruptions}
}

// Errored builds an errored outcome.
func Errored(kind ErrorKind, message string) RunOutcome {
	return RunOutcome{Status: RunErrored, Error: &OutcomeError{Kind: kind, Message: message}}
}
