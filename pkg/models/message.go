package models

import (
	"encoding/json"
	"fmt"
)

// Role indicates the message author type.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
	RoleTool      Role = "tool"
)

// Message is one entry in a conversation transcript. Content is either a
// plain string or an ordered list of parts; Parts wins when non-empty.
type Message struct {
	Role        Role          `json:"role"`
	Content     string        `json:"content,omitempty"`
	Parts       []ContentPart `json:"parts,omitempty"`
	ToolCalls   []ToolCall    `json:"tool_calls,omitempty"`
	ToolCallID  string        `json:"tool_call_id,omitempty"`
	Attachments []Attachment  `json:"attachments,omitempty"`
}

// Attachment references a file or media object carried alongside a message.
type Attachment struct {
	ID       string `json:"id"`
	Type     string `json:"type"` // image, audio, video, document
	URL      string `json:"url"`
	Filename string `json:"filename,omitempty"`
	MimeType string `json:"mime_type,omitempty"`
	Size     int64  `json:"size,omitempty"`
}

// ToolCall is a model-issued request to execute a tool. ID is assigned by
// the provider per assistant message and is not stable across re-emissions;
// use Signature to correlate calls across id churn.
type ToolCall struct {
	ID        string          `json:"id"`
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments"`
}

// NewUserMessage builds a user message from plain text.
func NewUserMessage(text string) Message {
	return Message{Role: RoleUser, Content: text}
}

// NewUserMessageParts builds a user message from content parts.
// Parts are validated; the first invalid part aborts construction.
func NewUserMessageParts(parts []ContentPart) (Message, error) {
	for i, p := range parts {
		if err := p.Validate(); err != nil {
			return Message{}, fmt.Errorf("part %d: %w", i, err)
		}
	}
	return Message{Role: RoleUser, Parts: parts}, nil
}

// NewSystemMessage builds a system message.
func NewSystemMessage(text string) Message {
	return Message{Role: RoleSystem, Content: text}
}

// NewAssistantMessage builds an assistant message carrying text and/or tool
// calls. At least one of the two must be present.
func NewAssistantMessage(text string, toolCalls []ToolCall) (Message, error) {
	if text == "" && len(toolCalls) == 0 {
		return Message{}, fmt.Errorf("assistant message requires content or tool calls")
	}
	for i, tc := range toolCalls {
		if tc.ID == "" || tc.Name == "" {
			return Message{}, fmt.Errorf("tool call %d: id and name are required", i)
		}
	}
	return Message{Role: RoleAssistant, Content: text, ToolCalls: toolCalls}, nil
}

// NewToolMessage builds a tool-result message for a specific tool call.
func NewToolMessage(toolCallID, content string) (Message, error) {
	if toolCallID == "" {
		return Message{}, fmt.Errorf("tool message requires tool_call_id")
	}
	return Message{Role: RoleTool, ToolCallID: toolCallID, Content: content}, nil
}

// Validate checks role/field combinations.
func (m Message) Validate() error {
	switch m.Role {
	case RoleUser, RoleSystem:
		if len(m.ToolCalls) > 0 {
			return fmt.Errorf("%s message cannot carry tool calls", m.Role)
		}
		if m.ToolCallID != "" {
			return fmt.Errorf("%s message cannot carry tool_call_id", m.Role)
		}
	case RoleAssistant:
		if m.ToolCallID != "" {
			return fmt.Errorf("assistant message cannot carry tool_call_id")
		}
		if m.Content == "" && len(m.Parts) == 0 && len(m.ToolCalls) == 0 {
			return fmt.Errorf("assistant message requires content or tool calls")
		}
	case RoleTool:
		if m.ToolCallID == "" {
			return fmt.Errorf("tool message requires tool_call_id")
		}
		if len(m.ToolCalls) > 0 {
			return fmt.Errorf("tool message cannot carry tool calls")
		}
	default:
		return fmt.Errorf("unknown role %q", m.Role)
	}
	for i, p := range m.Parts {
		if err := p.Validate(); err != nil {
			return fmt.Errorf("part %d: %w", i, err)
		}
	}
	return nil
}

// GetTextContent returns the concatenated text parts when content is
// composite, the bare content string otherwise.
func (m Message) GetTextContent() string {
	if len(m.Parts) == 0 {
		return m.Content
	}
	var out string
	for _, p := range m.Parts {
		if p.Type == PartText {
			out += p.Text
		}
	}
	return out
}

// HasToolCalls reports whether the message requests any tool executions.
func (m Message) HasToolCalls() bool {
	return m.Role == RoleAssistant && len(m.ToolCalls) > 0
}

// wireMessage mirrors Message but with a raw content field so the wire form
// accepts both a string and an array of parts.
type wireMessage struct {
	Role        Role            `json:"role"`
	Content     json.RawMessage `json:"content,omitempty"`
	Parts       []ContentPart   `json:"parts,omitempty"`
	ToolCalls   []ToolCall      `json:"tool_calls,omitempty"`
	ToolCallID  string          `json:"tool_call_id,omitempty"`
	Attachments []Attachment    `json:"attachments,omitempty"`
}

// UnmarshalJSON accepts content as either a JSON string or an ordered array
// of content parts.
func (m *Message) UnmarshalJSON(data []byte) error {
	var w wireMessage
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	m.Role = w.Role
	m.Parts = w.Parts
	m.ToolCalls = w.ToolCalls
	m.ToolCallID = w.ToolCallID
	m.Attachments = w.Attachments
	m.Content = ""
	if len(w.Content) == 0 {
		return nil
	}
	switch w.Content[0] {
	case '"':
		return json.Unmarshal(w.Content, &m.Content)
	case '[':
		var parts []ContentPart
		if err := json.Unmarshal(w.Content, &parts); err != nil {
			return fmt.Errorf("content parts: %w", err)
		}
		m.Parts = parts
		return nil
	case 'n': // null
		return nil
	default:
		return fmt.Errorf("content must be a string or an array of parts")
	}
}
