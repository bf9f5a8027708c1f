package models

import (
	"time"
)

// ApprovalStatus is the decision state of a tool call requiring approval.
type ApprovalStatus string

const (
	ApprovalPending  ApprovalStatus = "pending"
	ApprovalApproved ApprovalStatus = "approved"
	ApprovalRejected ApprovalStatus = "rejected"
)

// ApprovalEntry is a persisted decision about a specific tool call. Entries
// are keyed by tool-call id and additionally carry the call signature so
// decisions survive provider id churn.
type ApprovalEntry struct {
	ToolCallID        string         `json:"toolCallId"`
	ToolName          string         `json:"toolName,omitempty"`
	Signature         string         `json:"signature,omitempty"`
	Status            ApprovalStatus `json:"status"`
	Approved          bool           `json:"approved,omitempty"`
	AdditionalContext map[string]any `json:"additionalContext,omitempty"`
	Timestamp         time.Time      `json:"timestamp"`
}

// Decided reports whether the entry carries a usable decision.
func (e ApprovalEntry) Decided() bool {
	return e.Status == ApprovalApproved || e.Status == ApprovalRejected
}

// RunState is an immutable snapshot of a run. Transitions return new values;
// callers never mutate a state they have handed out.
type RunState struct {
	RunID            string
	TraceID          string
	ConversationID   string
	CurrentAgentName string
	Messages         []Message
	Context          any
	TurnCount        int
	Approvals        map[string]ApprovalEntry
}

// NewRunState builds the initial state for a run.
func NewRunState(runID, traceID, conversationID, agentName string, messages []Message, callerContext any) RunState {
	msgs := make([]Message, len(messages))
	copy(msgs, messages)
	return RunState{
		RunID:            runID,
		TraceID:          traceID,
		ConversationID:   conversationID,
		CurrentAgentName: agentName,
		Messages:         msgs,
		Context:          callerContext,
		Approvals:        map[string]ApprovalEntry{},
	}
}

// AppendMessage returns a copy of the state with msg appended.
func (s RunState) AppendMessage(msg Message) RunState {
	next := s
	msgs := make([]Message, len(s.Messages)+1)
	copy(msgs, s.Messages)
	msgs[len(s.Messages)] = msg
	next.Messages = msgs
	return next
}

// AppendMessages returns a copy of the state with msgs appended in order.
func (s RunState) AppendMessages(msgs []Message) RunState {
	next := s
	out := make([]Message, len(s.Messages)+len(msgs))
	copy(out, s.Messages)
	copy(out[len(s.Messages):], msgs)
	next.Messages = out
	return next
}

// SetApproval returns a copy of the state with the entry recorded under the
// given tool-call id.
func (s RunState) SetApproval(toolCallID string, entry ApprovalEntry) RunState {
	next := s
	approvals := make(map[string]ApprovalEntry, len(s.Approvals)+1)
	for k, v := range s.Approvals {
		approvals[k] = v
	}
	approvals[toolCallID] = entry
	next.Approvals = approvals
	return next
}

// SeedApprovals returns a copy of the state with all entries merged in.
func (s RunState) SeedApprovals(entries map[string]ApprovalEntry) RunState {
	next := s
	approvals := make(map[string]ApprovalEntry, len(s.Approvals)+len(entries))
	for k, v := range s.Approvals {
		approvals[k] = v
	}
	for k, v := range entries {
		approvals[k] = v
	}
	next.Approvals = approvals
	return next
}

// IncrementTurn returns a copy of the state with the turn counter advanced.
func (s RunState) IncrementTurn() RunState {
	next := s
	next.TurnCount++
	return next
}

// LastAssistantWithToolCalls returns the most recent assistant message that
// carries tool calls, or false when none exists.
func (s RunState) LastAssistantWithToolCalls() (Message, bool) {
	for i := len(s.Messages) - 1; i >= 0; i-- {
		if s.Messages[i].HasToolCalls() {
			return s.Messages[i], true
		}
	}
	return Message{}, false
}

// ToolResultFor returns the tool message answering the given call id.
func (s RunState) ToolResultFor(toolCallID string) (Message, bool) {
	for _, m := range s.Messages {
		if m.Role == RoleTool && m.ToolCallID == toolCallID {
			return m, true
		}
	}
	return Message{}, false
}

// TokenUsage is the aggregate token accounting of one model call.
type TokenUsage struct {
	Prompt     int `json:"prompt"`
	Completion int `json:"completion"`
	Total      int `json:"total"`
}

// Add returns the component-wise sum of two usages.
func (u TokenUsage) Add(other TokenUsage) TokenUsage {
	return TokenUsage{
		Prompt:     u.Prompt + other.Prompt,
		Completion: u.Completion + other.Completion,
		Total:      u.Total + other.Total,
	}
}
