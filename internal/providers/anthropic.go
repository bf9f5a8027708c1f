// Package providers implements engine.ModelTransport against hosted LLM
// APIs: Anthropic Claude, OpenAI-compatible chat completions, Google Gemini,
// and AWS Bedrock Converse.
//
// Each transport is synchronous: Complete sends one request and returns the
// aggregated assistant turn (text, tool calls, thinking, token usage). The
// engine owns timeouts and cancellation through ctx; transports own format
// conversion and retries for transient failures (rate limits, 5xx,
// timeouts) with exponential backoff.
//
// Transports are safe for concurrent use.
package providers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/haasonsaas/runloop/internal/engine"
	"github.com/haasonsaas/runloop/pkg/models"
)

// AnthropicConfig configures an AnthropicTransport.
type AnthropicConfig struct {
	// APIKey authenticates against the Anthropic API (required).
	APIKey string

	// BaseURL overrides the API endpoint. Empty uses the default.
	BaseURL string

	// DefaultModel is used when the request does not name a model.
	// Default: "claude-sonnet-4-20250514".
	DefaultModel string

	// MaxRetries bounds retry attempts for transient failures. Default: 3.
	MaxRetries int

	// RetryDelay is the base backoff delay. Default: 1s.
	RetryDelay time.Duration
}

// AnthropicTransport talks to the Anthropic Messages API.
type AnthropicTransport struct {
	client       anthropic.Client
	defaultModel string
	retry        retrier
}

var _ engine.ModelTransport = (*AnthropicTransport)(nil)

// NewAnthropicTransport validates cfg, applies defaults, and returns a
// ready transport.
func NewAnthropicTransport(cfg AnthropicConfig) (*AnthropicTransport, error) {
	if cfg.APIKey == "" {
		return nil, errors.New("anthropic: API key is required")
	}
	if cfg.DefaultModel == "" {
		cfg.DefaultModel = "claude-sonnet-4-20250514"
	}

	opts := []option.RequestOption{option.WithAPIKey(cfg.APIKey)}
	if strings.TrimSpace(cfg.BaseURL) != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}

	return &AnthropicTransport{
		client:       anthropic.NewClient(opts...),
		defaultModel: cfg.DefaultModel,
		retry:        newRetrier(cfg.MaxRetries, cfg.RetryDelay),
	}, nil
}

// Name identifies the transport for logging.
func (t *AnthropicTransport) Name() string {
	return "anthropic"
}

// Complete sends one Messages request and aggregates the response.
func (t *AnthropicTransport) Complete(ctx context.Context, req *engine.ModelRequest) (*engine.ModelResponse, error) {
	model := t.model(req.Model)

	params, err := t.buildParams(req, model)
	if err != nil {
		return nil, err
	}

	var msg *anthropic.Message
	err = t.retry.do(ctx, func() error {
		var callErr error
		msg, callErr = t.client.Messages.New(ctx, params)
		if callErr != nil {
			return t.wrapErr(callErr, model)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	return translateAnthropicResponse(msg)
}

func (t *AnthropicTransport) buildParams(req *engine.ModelRequest, model string) (anthropic.MessageNewParams, error) {
	messages, system, err := t.convertMessages(req.Messages)
	if err != nil {
		return anthropic.MessageNewParams{}, fmt.Errorf("anthropic: convert messages: %w", err)
	}

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(model),
		Messages:  messages,
		MaxTokens: int64(t.maxTokens(req.MaxTokens)),
	}

	// The system prompt rides outside the message list. Transcript system
	// messages are folded in after the instructions so nothing is dropped.
	if req.Instructions != "" {
		system = append([]anthropic.TextBlockParam{{Type: "text", Text: req.Instructions}}, system...)
	}
	if len(system) > 0 {
		params.System = system
	}

	if len(req.Tools) > 0 {
		tools, err := t.convertTools(req.Tools)
		if err != nil {
			return anthropic.MessageNewParams{}, fmt.Errorf("anthropic: convert tools: %w", err)
		}
		params.Tools = tools
	}

	return params, nil
}

// convertMessages maps the transcript onto Anthropic content blocks. The
// Messages API requires alternating roles, so consecutive tool results are
// coalesced into a single user message of tool_result blocks.
func (t *AnthropicTransport) convertMessages(messages []models.Message) ([]anthropic.MessageParam, []anthropic.TextBlockParam, error) {
	var out []anthropic.MessageParam
	var system []anthropic.TextBlockParam
	var results []anthropic.ContentBlockParamUnion

	flushResults := func() {
		if len(results) > 0 {
			out = append(out, anthropic.NewUserMessage(results...))
			results = nil
		}
	}

	for _, msg := range messages {
		switch msg.Role {
		case models.RoleSystem:
			if text := msg.GetTextContent(); text != "" {
				system = append(system, anthropic.TextBlockParam{Type: "text", Text: text})
			}

		case models.RoleTool:
			results = append(results, anthropic.NewToolResultBlock(msg.ToolCallID, msg.Content, false))

		case models.RoleAssistant:
			flushResults()
			var content []anthropic.ContentBlockParamUnion
			if text := msg.GetTextContent(); text != "" {
				content = append(content, anthropic.NewTextBlock(text))
			}
			for _, tc := range msg.ToolCalls {
				input, err := argsToMap(tc.Arguments)
				if err != nil {
					return nil, nil, fmt.Errorf("tool call %s: %w", tc.ID, err)
				}
				content = append(content, anthropic.NewToolUseBlock(tc.ID, input, tc.Name))
			}
			if len(content) == 0 {
				continue
			}
			out = append(out, anthropic.NewAssistantMessage(content...))

		default:
			flushResults()
			if text := msg.GetTextContent(); text != "" {
				out = append(out, anthropic.NewUserMessage(anthropic.NewTextBlock(text)))
			}
		}
	}
	flushResults()

	return out, system, nil
}

func (t *AnthropicTransport) convertTools(decls []engine.ToolDeclaration) ([]anthropic.ToolUnionParam, error) {
	var out []anthropic.ToolUnionParam

	for _, decl := range decls {
		var schema anthropic.ToolInputSchemaParam
		if err := json.Unmarshal(toolSchema(decl.Schema), &schema); err != nil {
			return nil, fmt.Errorf("invalid schema for tool %s: %w", decl.Name, err)
		}

		tool := anthropic.ToolUnionParamOfTool(schema, decl.Name)
		if tool.OfTool == nil {
			return nil, fmt.Errorf("invalid schema for tool %s: missing tool definition", decl.Name)
		}
		if decl.Description != "" {
			tool.OfTool.Description = anthropic.String(decl.Description)
		}
		out = append(out, tool)
	}

	return out, nil
}

func translateAnthropicResponse(msg *anthropic.Message) (*engine.ModelResponse, error) {
	if msg == nil {
		return nil, errors.New("anthropic: response message is nil")
	}

	resp := &engine.ModelResponse{}
	var text, thinking strings.Builder

	for _, block := range msg.Content {
		switch block.Type {
		case "text":
			text.WriteString(block.Text)
		case "thinking":
			thinking.WriteString(block.Thinking)
		case "tool_use":
			args := json.RawMessage(block.Input)
			if len(args) == 0 {
				args = json.RawMessage(`{}`)
			}
			resp.ToolCalls = append(resp.ToolCalls, models.ToolCall{
				ID:        block.ID,
				Name:      block.Name,
				Arguments: args,
			})
		}
	}

	resp.Content = text.String()
	resp.Thinking = thinking.String()
	resp.Usage = models.TokenUsage{
		Prompt:     int(msg.Usage.InputTokens),
		Completion: int(msg.Usage.OutputTokens),
		Total:      int(msg.Usage.InputTokens + msg.Usage.OutputTokens),
	}

	return resp, nil
}

func (t *AnthropicTransport) model(model string) string {
	if model == "" {
		return t.defaultModel
	}
	return model
}

func (t *AnthropicTransport) maxTokens(maxTokens int) int {
	if maxTokens <= 0 {
		return defaultMaxTokens
	}
	return maxTokens
}

type anthropicErrorPayload struct {
	Error struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error"`
	RequestID string `json:"request_id"`
}

// wrapErr lifts SDK errors into *Error, pulling status, error type, and
// request id out of the API error body when present.
func (t *AnthropicTransport) wrapErr(err error, model string) error {
	if err == nil {
		return nil
	}
	var already *Error
	if errors.As(err, &already) {
		return err
	}

	var apiErr *anthropic.Error
	if errors.As(err, &apiErr) {
		terr := &Error{
			Provider: "anthropic",
			Model:    model,
			Cause:    err,
			Reason:   ReasonUnknown,
		}
		terr = terr.WithStatus(apiErr.StatusCode)

		requestID := apiErr.RequestID
		if raw := apiErr.RawJSON(); raw != "" {
			var payload anthropicErrorPayload
			if json.Unmarshal([]byte(raw), &payload) == nil {
				if payload.Error.Message != "" {
					terr = terr.WithMessage(payload.Error.Message)
				}
				if payload.Error.Type != "" {
					terr = terr.WithCode(payload.Error.Type)
				}
				if payload.RequestID != "" {
					requestID = payload.RequestID
				}
			}
		}
		if terr.Message == "" {
			terr.Message = "anthropic request failed"
		}
		if requestID != "" {
			terr = terr.WithRequestID(requestID)
		}
		return terr
	}

	return NewError("anthropic", model, err)
}
