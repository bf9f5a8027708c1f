package providers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	openai "github.com/sashabaranov/go-openai"

	"github.com/haasonsaas/runloop/internal/engine"
	"github.com/haasonsaas/runloop/pkg/models"
)

// OpenAIConfig configures an OpenAITransport. Setting BaseURL points the
// transport at any OpenAI-compatible endpoint (OpenRouter, Venice, local
// inference servers); Name distinguishes such deployments in logs.
type OpenAIConfig struct {
	// APIKey authenticates against the endpoint (required).
	APIKey string

	// BaseURL overrides the API endpoint. Empty uses api.openai.com.
	BaseURL string

	// Name overrides the transport name for compatible endpoints.
	// Default: "openai".
	Name string

	// DefaultModel is used when the request does not name a model.
	// Default: "gpt-4o".
	DefaultModel string

	// MaxRetries bounds retry attempts for transient failures. Default: 3.
	MaxRetries int

	// RetryDelay is the base backoff delay. Default: 1s.
	RetryDelay time.Duration
}

// OpenAITransport talks to the OpenAI chat completions API or any
// compatible server.
type OpenAITransport struct {
	client       *openai.Client
	name         string
	defaultModel string
	retry        retrier
}

// NewOpenAITransport validates cfg, applies defaults, and returns a ready
// transport.
func NewOpenAITransport(cfg OpenAIConfig) (*OpenAITransport, error) {
	if cfg.APIKey == "" {
		return nil, errors.New("openai: API key is required")
	}
	if cfg.Name == "" {
		cfg.Name = "openai"
	}
	if cfg.DefaultModel == "" {
		cfg.DefaultModel = "gpt-4o"
	}

	clientCfg := openai.DefaultConfig(cfg.APIKey)
	if strings.TrimSpace(cfg.BaseURL) != "" {
		clientCfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	}

	return &OpenAITransport{
		client:       openai.NewClientWithConfig(clientCfg),
		name:         cfg.Name,
		defaultModel: cfg.DefaultModel,
		retry:        newRetrier(cfg.MaxRetries, cfg.RetryDelay),
	}, nil
}

// Name identifies the transport for logging.
func (t *OpenAITransport) Name() string {
	return t.name
}

// Complete sends one chat completion request and aggregates the response.
func (t *OpenAITransport) Complete(ctx context.Context, req *engine.ModelRequest) (*engine.ModelResponse, error) {
	model := t.model(req.Model)

	chatReq := openai.ChatCompletionRequest{
		Model:    model,
		Messages: t.convertMessages(req.Messages, req.Instructions),
	}
	if req.MaxTokens > 0 {
		chatReq.MaxTokens = req.MaxTokens
	}
	if len(req.Tools) > 0 {
		chatReq.Tools = t.convertTools(req.Tools)
	}

	var resp openai.ChatCompletionResponse
	err := t.retry.do(ctx, func() error {
		var callErr error
		resp, callErr = t.client.CreateChatCompletion(ctx, chatReq)
		if callErr != nil {
			return t.wrapErr(callErr, model)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	return t.translate(resp, model)
}

// convertMessages maps the transcript onto chat completion messages. The
// system prompt becomes the leading system message; transcript system
// messages stay inline in order.
func (t *OpenAITransport) convertMessages(messages []models.Message, instructions string) []openai.ChatCompletionMessage {
	out := make([]openai.ChatCompletionMessage, 0, len(messages)+1)

	if instructions != "" {
		out = append(out, openai.ChatCompletionMessage{
			Role:    openai.ChatMessageRoleSystem,
			Content: instructions,
		})
	}

	for _, msg := range messages {
		switch msg.Role {
		case models.RoleSystem:
			out = append(out, openai.ChatCompletionMessage{
				Role:    openai.ChatMessageRoleSystem,
				Content: msg.GetTextContent(),
			})

		case models.RoleAssistant:
			m := openai.ChatCompletionMessage{
				Role:    openai.ChatMessageRoleAssistant,
				Content: msg.GetTextContent(),
			}
			for _, tc := range msg.ToolCalls {
				args := string(tc.Arguments)
				if args == "" {
					args = "{}"
				}
				m.ToolCalls = append(m.ToolCalls, openai.ToolCall{
					ID:   tc.ID,
					Type: openai.ToolTypeFunction,
					Function: openai.FunctionCall{
						Name:      tc.Name,
						Arguments: args,
					},
				})
			}
			out = append(out, m)

		case models.RoleTool:
			out = append(out, openai.ChatCompletionMessage{
				Role:       openai.ChatMessageRoleTool,
				Content:    msg.Content,
				ToolCallID: msg.ToolCallID,
			})

		default:
			out = append(out, openai.ChatCompletionMessage{
				Role:    openai.ChatMessageRoleUser,
				Content: msg.GetTextContent(),
			})
		}
	}

	return out
}

func (t *OpenAITransport) convertTools(decls []engine.ToolDeclaration) []openai.Tool {
	out := make([]openai.Tool, len(decls))

	for i, decl := range decls {
		var schemaMap map[string]any
		if err := json.Unmarshal(toolSchema(decl.Schema), &schemaMap); err != nil {
			// One bad schema must not disable tool calling for the rest.
			schemaMap = map[string]any{"type": "object", "properties": map[string]any{}}
		}
		out[i] = openai.Tool{
			Type: openai.ToolTypeFunction,
			Function: &openai.FunctionDefinition{
				Name:        decl.Name,
				Description: decl.Description,
				Parameters:  schemaMap,
			},
		}
	}

	return out
}

func (t *OpenAITransport) translate(resp openai.ChatCompletionResponse, model string) (*engine.ModelResponse, error) {
	if len(resp.Choices) == 0 {
		return nil, &Error{
			Reason:   ReasonUnknown,
			Provider: t.name,
			Model:    model,
			Message:  "response contained no choices",
		}
	}

	choice := resp.Choices[0]
	out := &engine.ModelResponse{
		Content: choice.Message.Content,
		Usage: models.TokenUsage{
			Prompt:     resp.Usage.PromptTokens,
			Completion: resp.Usage.CompletionTokens,
			Total:      resp.Usage.TotalTokens,
		},
	}

	for _, tc := range choice.Message.ToolCalls {
		if tc.Function.Name == "" {
			continue
		}
		id := tc.ID
		if id == "" {
			// Some compatible servers omit call ids; the engine needs one
			// to correlate results and approvals.
			id = generateToolCallID(tc.Function.Name)
		}
		args := json.RawMessage(tc.Function.Arguments)
		if len(args) == 0 {
			args = json.RawMessage(`{}`)
		}
		out.ToolCalls = append(out.ToolCalls, models.ToolCall{
			ID:        id,
			Name:      tc.Function.Name,
			Arguments: args,
		})
	}

	return out, nil
}

func (t *OpenAITransport) model(model string) string {
	if model == "" {
		return t.defaultModel
	}
	return model
}

// wrapErr lifts go-openai errors into *Error. The SDK surfaces API failures
// as *openai.APIError and transport failures as *openai.RequestError.
func (t *OpenAITransport) wrapErr(err error, model string) error {
	if err == nil {
		return nil
	}
	var already *Error
	if errors.As(err, &already) {
		return err
	}

	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		terr := &Error{
			Provider: t.name,
			Model:    model,
			Cause:    err,
			Reason:   ReasonUnknown,
		}
		terr = terr.WithStatus(apiErr.HTTPStatusCode).WithMessage(apiErr.Message)
		if code, ok := apiErr.Code.(string); ok && code != "" {
			terr = terr.WithCode(code)
		} else if apiErr.Type != "" {
			terr = terr.WithCode(apiErr.Type)
		}
		return terr
	}

	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) {
		terr := NewError(t.name, model, err)
		return terr.WithStatus(reqErr.HTTPStatusCode)
	}

	return NewError(t.name, model, err)
}

// generateToolCallID synthesizes a call id for providers that omit one.
func generateToolCallID(name string) string {
	return fmt.Sprintf("call_%s_%d", name, time.Now().UnixNano())
}
