package tools

import (
	"encoding/json"
	"fmt"

	"github.com/haasonsaas/runloop/internal/auth"
	"github.com/haasonsaas/runloop/pkg/models"
)

// Kind discriminates tool outcomes.
type Kind int

const (
	// KindOK carries a result payload for the transcript.
	KindOK Kind = iota
	// KindFailure carries a coded failure the model can read and react to.
	KindFailure
	// KindAuthRequired suspends the run until the user authorizes.
	KindAuthRequired
	// KindClarification suspends the run until the user answers a question.
	KindClarification
	// KindInterrupted propagates interruptions of a nested run.
	KindInterrupted
)

// Failure codes surfaced in synthesized tool messages.
const (
	CodeInvalidInput    = "INVALID_INPUT"
	CodeExecutionFailed = "EXECUTION_FAILED"
)

// Outcome is the result of one tool execution. Exactly the fields of the
// active Kind are meaningful.
type Outcome struct {
	Kind Kind

	// KindOK
	Content string

	// KindFailure
	FailureCode    string
	FailureMessage string

	// KindAuthRequired
	Challenge *auth.Challenge

	// KindClarification
	Question string
	Options  []string

	// KindInterrupted
	Interruptions []models.Interruption
}

// Ok returns a successful outcome with a plain string payload.
func Ok(content string) Outcome {
	return Outcome{Kind: KindOK, Content: content}
}

// OkJSON marshals v as the result payload.
func OkJSON(v any) Outcome {
	data, err := json.Marshal(v)
	if err != nil {
		return Errf("encode result: %v", err)
	}
	return Outcome{Kind: KindOK, Content: string(data)}
}

// Errf returns an execution failure.
func Errf(format string, args ...any) Outcome {
	return Outcome{
		Kind:           KindFailure,
		FailureCode:    CodeExecutionFailed,
		FailureMessage: fmt.Sprintf(format, args...),
	}
}

// Invalidf returns an argument validation failure.
func Invalidf(format string, args ...any) Outcome {
	return Outcome{
		Kind:           KindFailure,
		FailureCode:    CodeInvalidInput,
		FailureMessage: fmt.Sprintf(format, args...),
	}
}

// RequireAuth suspends the run on an authorization challenge.
func RequireAuth(ch *auth.Challenge) Outcome {
	return Outcome{Kind: KindAuthRequired, Challenge: ch}
}

// NeedClarification suspends the run on a question for the user.
func NeedClarification(question string, options ...string) Outcome {
	return Outcome{Kind: KindClarification, Question: question, Options: options}
}

// PropagateInterruptions forwards a nested run's interruptions to the parent.
func PropagateInterruptions(ints []models.Interruption) Outcome {
	return Outcome{Kind: KindInterrupted, Interruptions: ints}
}

// Payload renders the transcript content for OK and failure outcomes.
func (o Outcome) Payload() string {
	switch o.Kind {
	case KindOK:
		return o.Content
	case KindFailure:
		return failurePayload(o.FailureCode, o.FailureMessage)
	default:
		return ""
	}
}

// Synthesized tool-message payloads. Rendered through json.Marshal so
// messages embed cleanly regardless of content.

// NotFoundPayload is appended when the model names an unregistered tool.
func NotFoundPayload() string {
	return `{"error":"tool_not_found"}`
}

// CancelledPayload replaces the result of a tool that outlived its
// cancellation grace window.
func CancelledPayload() string {
	return `{"error":"cancelled"}`
}

// ApprovalDeniedPayload is appended instead of executing a rejected call.
func ApprovalDeniedPayload(reason string) string {
	payload := struct {
		Status          string `json:"status"`
		RejectionReason string `json:"rejection_reason,omitempty"`
	}{Status: "approval_denied", RejectionReason: reason}
	data, err := json.Marshal(payload)
	if err != nil {
		return `{"status":"approval_denied"}`
	}
	return string(data)
}

func failurePayload(code, message string) string {
	payload := struct {
		Code    string `json:"code"`
		Message string `json:"message,omitempty"`
	}{Code: code, Message: message}
	data, err := json.Marshal(payload)
	if err != nil {
		return `{"code":"` + code + `"}`
	}
	return string(data)
}
