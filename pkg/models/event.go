package models

import (
	"encoding/json"
	"time"
)

// EventType identifies a run event kind. The values double as SSE event
// names on the streaming boundary.
type EventType string

const (
	EventRunStart           EventType = "run_start"
	EventAssistantMessage   EventType = "assistant_message"
	EventToolCallsRequested EventType = "tool_calls_requested"
	EventToolPhase          EventType = "tool_phase"
	EventApprovalRequired   EventType = "approval_required"
	EventApprovalDecision   EventType = "approval_decision"
	EventToolPartialResult  EventType = "tool_partial_result"
	EventToolStreamingOut   EventType = "tool_streaming_output"
	EventToolProgress       EventType = "tool_progress_update"
	EventTokenUsage         EventType = "token_usage"
	EventRunEnd             EventType = "run_end"
	EventError              EventType = "error"

	// EventStreamEnd terminates an SSE stream; it is emitted by the
	// boundary, never by the engine.
	EventStreamEnd EventType = "stream_end"
)

// ToolPhaseState is the lifecycle step reported by a tool_phase event.
type ToolPhaseState string

const (
	ToolPhaseStarted   ToolPhaseState = "started"
	ToolPhaseCompleted ToolPhaseState = "completed"
	ToolPhaseFailed    ToolPhaseState = "failed"
)

// Event is one element of the totally-ordered stream a run emits. Exactly
// one payload pointer is set, matching Type.
type Event struct {
	Version        int       `json:"version"`
	Type           EventType `json:"type"`
	Time           time.Time `json:"time"`
	Sequence       uint64    `json:"sequence"`
	RunID          string    `json:"run_id"`
	TraceID        string    `json:"trace_id,omitempty"`
	ConversationID string    `json:"conversation_id,omitempty"`
	AgentName      string    `json:"agent_name,omitempty"`

	Assistant  *AssistantPayload  `json:"assistant,omitempty"`
	ToolCalls  *ToolCallsPayload  `json:"tool_calls,omitempty"`
	ToolPhase  *ToolPhasePayload  `json:"tool_phase,omitempty"`
	Approval   *ApprovalPayload   `json:"approval,omitempty"`
	ToolStream *ToolStreamPayload `json:"tool_stream,omitempty"`
	Usage      *TokenUsage        `json:"usage,omitempty"`
	End        *RunEndPayload     `json:"end,omitempty"`
	Error      *ErrorPayload      `json:"error,omitempty"`
}

// AssistantPayload carries the content of an assistant_message event.
type AssistantPayload struct {
	Content   string     `json:"content,omitempty"`
	ToolCalls []ToolCall `json:"tool_calls,omitempty"`
	Thinking  string     `json:"thinking,omitempty"`
}

// ToolCallsPayload carries the batch announced by tool_calls_requested.
type ToolCallsPayload struct {
	Calls []ToolCall `json:"calls"`
}

// ToolPhasePayload reports one tool call crossing a lifecycle boundary.
type ToolPhasePayload struct {
	ToolCallID string         `json:"tool_call_id"`
	ToolName   string         `json:"tool_name"`
	Phase      ToolPhaseState `json:"phase"`
	Result     string         `json:"result,omitempty"`
	Error      string         `json:"error,omitempty"`
}

// ApprovalPayload carries approval_required and approval_decision events.
type ApprovalPayload struct {
	ToolCallID        string          `json:"tool_call_id"`
	ToolName          string          `json:"tool_name,omitempty"`
	Args              json.RawMessage `json:"args,omitempty"`
	Signature         string          `json:"signature,omitempty"`
	Status            ApprovalStatus  `json:"status"`
	AdditionalContext map[string]any  `json:"additional_context,omitempty"`
}

// ToolStreamPayload carries tool-emitted pass-through events.
type ToolStreamPayload struct {
	ToolCallID string  `json:"tool_call_id"`
	Data       string  `json:"data,omitempty"`
	Message    string  `json:"message,omitempty"`
	Progress   float64 `json:"progress,omitempty"`
}

// RunEndPayload closes the stream with the outcome and run accounting.
type RunEndPayload struct {
	Outcome       RunOutcome `json:"outcome"`
	TurnCount     int        `json:"turn_count"`
	DroppedEvents int        `json:"dropped_events"`
	DurationMs    int64      `json:"duration_ms"`
}

// ErrorPayload carries error events.
type ErrorPayload struct {
	Kind    ErrorKind `json:"kind"`
	Message string    `json:"message"`
}
