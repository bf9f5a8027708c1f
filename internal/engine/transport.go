package engine

import (
	"context"
	"encoding/json"

	"github.com/haasonsaas/runloop/pkg/models"
)

// ToolDeclaration describes one callable tool to the model.
type ToolDeclaration struct {
	// Name is the tool name the model addresses calls to.
	Name string `json:"name"`

	// Description tells the model what the tool does.
	Description string `json:"description,omitempty"`

	// Schema is the JSON Schema for the tool arguments.
	Schema json.RawMessage `json:"schema,omitempty"`
}

// ModelRequest contains all parameters for one completion call.
type ModelRequest struct {
	// Model selects the provider model. If empty, the transport's default
	// model is used.
	Model string `json:"model,omitempty"`

	// Instructions is the system prompt. Most providers carry this outside
	// the message list.
	Instructions string `json:"instructions,omitempty"`

	// Messages is the conversation transcript in chronological order.
	Messages []models.Message `json:"messages"`

	// Tools declares the tools the model may call. Empty disables tool use.
	Tools []ToolDeclaration `json:"tools,omitempty"`

	// MaxTokens limits the response length. 0 uses the transport default.
	MaxTokens int `json:"max_tokens,omitempty"`
}

// ModelResponse is the aggregated result of one completion call.
type ModelResponse struct {
	// Content is the assistant text, if any.
	Content string `json:"content,omitempty"`

	// ToolCalls are the tool executions the model requested, in the order
	// the model declared them.
	ToolCalls []models.ToolCall `json:"tool_calls,omitempty"`

	// Thinking carries extended reasoning text for models that expose it.
	// It is surfaced on events but never persisted to the transcript.
	Thinking string `json:"thinking,omitempty"`

	// Usage is the token accounting for this call.
	Usage models.TokenUsage `json:"usage"`
}

// ModelTransport abstracts a completion provider. Complete blocks until the
// full response is aggregated; the engine applies its own per-call timeout
// through ctx.
type ModelTransport interface {
	Complete(ctx context.Context, req *ModelRequest) (*ModelResponse, error)

	// Name identifies the transport for logging.
	Name() string
}
