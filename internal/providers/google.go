package providers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"net/http"
	"strings"
	"time"

	"google.golang.org/genai"

	"github.com/haasonsaas/runloop/internal/engine"
	"github.com/haasonsaas/runloop/pkg/models"
)

// GoogleConfig configures a GoogleTransport.
type GoogleConfig struct {
	// APIKey authenticates against the Gemini API (required).
	APIKey string

	// DefaultModel is used when the request does not name a model.
	// Default: "gemini-2.0-flash".
	DefaultModel string

	// MaxRetries bounds retry attempts for transient failures. Default: 3.
	MaxRetries int

	// RetryDelay is the base backoff delay. Default: 1s.
	RetryDelay time.Duration
}

// GoogleTransport talks to the Gemini API through the official Gen AI SDK.
//
// Gemini correlates tool results by function name rather than call id, and
// never assigns ids to the calls it emits. The transport synthesizes ids on
// the way out and resolves them back to names on the way in, so the rest of
// the system can keep its id-based bookkeeping.
type GoogleTransport struct {
	client       *genai.Client
	defaultModel string
	retry        retrier
}

// NewGoogleTransport validates cfg, applies defaults, and returns a ready
// transport.
func NewGoogleTransport(cfg GoogleConfig) (*GoogleTransport, error) {
	if cfg.APIKey == "" {
		return nil, errors.New("google: API key is required")
	}
	if cfg.DefaultModel == "" {
		cfg.DefaultModel = "gemini-2.0-flash"
	}

	client, err := genai.NewClient(context.Background(), &genai.ClientConfig{
		APIKey:  cfg.APIKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("google: create client: %w", err)
	}

	return &GoogleTransport{
		client:       client,
		defaultModel: cfg.DefaultModel,
		retry:        newRetrier(cfg.MaxRetries, cfg.RetryDelay),
	}, nil
}

// Name identifies the transport for logging.
func (t *GoogleTransport) Name() string {
	return "google"
}

// Complete sends one GenerateContent request and aggregates the response.
func (t *GoogleTransport) Complete(ctx context.Context, req *engine.ModelRequest) (*engine.ModelResponse, error) {
	model := t.model(req.Model)

	contents, err := t.convertMessages(req.Messages)
	if err != nil {
		return nil, fmt.Errorf("google: convert messages: %w", err)
	}
	config := t.buildConfig(req)

	var resp *genai.GenerateContentResponse
	err = t.retry.do(ctx, func() error {
		var callErr error
		resp, callErr = t.client.Models.GenerateContent(ctx, model, contents, config)
		if callErr != nil {
			return t.wrapErr(callErr, model)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	return t.translate(resp)
}

// convertMessages maps the transcript onto Gemini contents. System messages
// are folded into SystemInstruction by buildConfig, so they are skipped
// here. Consecutive tool results are grouped into one user content.
func (t *GoogleTransport) convertMessages(messages []models.Message) ([]*genai.Content, error) {
	var out []*genai.Content
	var results []*genai.Part

	flushResults := func() {
		if len(results) > 0 {
			out = append(out, &genai.Content{Role: genai.RoleUser, Parts: results})
			results = nil
		}
	}

	for _, msg := range messages {
		switch msg.Role {
		case models.RoleSystem:
			continue

		case models.RoleTool:
			// Gemini matches function responses by name, not id.
			name := toolNameForCallID(msg.ToolCallID, messages)
			var response map[string]any
			if err := json.Unmarshal([]byte(msg.Content), &response); err != nil || response == nil {
				response = map[string]any{"result": msg.Content}
			}
			results = append(results, &genai.Part{
				FunctionResponse: &genai.FunctionResponse{
					Name:     name,
					Response: response,
				},
			})

		case models.RoleAssistant:
			flushResults()
			content := &genai.Content{Role: genai.RoleModel}
			if text := msg.GetTextContent(); text != "" {
				content.Parts = append(content.Parts, &genai.Part{Text: text})
			}
			for _, tc := range msg.ToolCalls {
				args, err := argsToMap(tc.Arguments)
				if err != nil {
					return nil, fmt.Errorf("tool call %s: %w", tc.ID, err)
				}
				content.Parts = append(content.Parts, &genai.Part{
					FunctionCall: &genai.FunctionCall{
						Name: tc.Name,
						Args: args,
					},
				})
			}
			if len(content.Parts) > 0 {
				out = append(out, content)
			}

		default:
			flushResults()
			if text := msg.GetTextContent(); text != "" {
				out = append(out, &genai.Content{
					Role:  genai.RoleUser,
					Parts: []*genai.Part{{Text: text}},
				})
			}
		}
	}
	flushResults()

	return out, nil
}

func (t *GoogleTransport) buildConfig(req *engine.ModelRequest) *genai.GenerateContentConfig {
	config := &genai.GenerateContentConfig{}

	var system []*genai.Part
	if req.Instructions != "" {
		system = append(system, &genai.Part{Text: req.Instructions})
	}
	for _, msg := range req.Messages {
		if msg.Role == models.RoleSystem {
			if text := msg.GetTextContent(); text != "" {
				system = append(system, &genai.Part{Text: text})
			}
		}
	}
	if len(system) > 0 {
		config.SystemInstruction = &genai.Content{Parts: system}
	}

	if req.MaxTokens > 0 {
		maxTokens := min(req.MaxTokens, math.MaxInt32)
		config.MaxOutputTokens = int32(maxTokens)
	}

	if len(req.Tools) > 0 {
		config.Tools = t.convertTools(req.Tools)
	}

	return config
}

func (t *GoogleTransport) convertTools(decls []engine.ToolDeclaration) []*genai.Tool {
	declarations := make([]*genai.FunctionDeclaration, 0, len(decls))

	for _, decl := range decls {
		var schemaMap map[string]any
		if err := json.Unmarshal(toolSchema(decl.Schema), &schemaMap); err != nil {
			continue
		}
		declarations = append(declarations, &genai.FunctionDeclaration{
			Name:        decl.Name,
			Description: decl.Description,
			Parameters:  toGeminiSchema(schemaMap),
		})
	}

	if len(declarations) == 0 {
		return nil
	}
	return []*genai.Tool{{FunctionDeclarations: declarations}}
}

// toGeminiSchema converts a JSON Schema map to Gemini's Schema type.
func toGeminiSchema(schemaMap map[string]any) *genai.Schema {
	if schemaMap == nil {
		return nil
	}

	schema := &genai.Schema{}

	if typ, ok := schemaMap["type"].(string); ok {
		schema.Type = genai.Type(strings.ToUpper(typ))
	}
	if desc, ok := schemaMap["description"].(string); ok {
		schema.Description = desc
	}
	if enum, ok := schemaMap["enum"].([]any); ok {
		for _, e := range enum {
			if s, ok := e.(string); ok {
				schema.Enum = append(schema.Enum, s)
			}
		}
	}
	if props, ok := schemaMap["properties"].(map[string]any); ok {
		schema.Properties = make(map[string]*genai.Schema)
		for name, prop := range props {
			if propMap, ok := prop.(map[string]any); ok {
				schema.Properties[name] = toGeminiSchema(propMap)
			}
		}
	}
	if required, ok := schemaMap["required"].([]any); ok {
		for _, r := range required {
			if s, ok := r.(string); ok {
				schema.Required = append(schema.Required, s)
			}
		}
	}
	if items, ok := schemaMap["items"].(map[string]any); ok {
		schema.Items = toGeminiSchema(items)
	}

	return schema
}

func (t *GoogleTransport) translate(resp *genai.GenerateContentResponse) (*engine.ModelResponse, error) {
	if resp == nil {
		return nil, errors.New("google: response is nil")
	}

	out := &engine.ModelResponse{}
	var text, thinking strings.Builder

	for _, candidate := range resp.Candidates {
		if candidate == nil || candidate.Content == nil {
			continue
		}
		for _, part := range candidate.Content.Parts {
			if part == nil {
				continue
			}
			if part.Text != "" {
				if part.Thought {
					thinking.WriteString(part.Text)
				} else {
					text.WriteString(part.Text)
				}
			}
			if part.FunctionCall != nil {
				args, err := json.Marshal(part.FunctionCall.Args)
				if err != nil {
					args = []byte(`{}`)
				}
				out.ToolCalls = append(out.ToolCalls, models.ToolCall{
					ID:        generateToolCallID(part.FunctionCall.Name),
					Name:      part.FunctionCall.Name,
					Arguments: args,
				})
			}
		}
	}

	out.Content = text.String()
	out.Thinking = thinking.String()

	if u := resp.UsageMetadata; u != nil {
		out.Usage = models.TokenUsage{
			Prompt:     int(u.PromptTokenCount),
			Completion: int(u.CandidatesTokenCount),
			Total:      int(u.TotalTokenCount),
		}
		if out.Usage.Total == 0 {
			out.Usage.Total = out.Usage.Prompt + out.Usage.Completion
		}
	}

	return out, nil
}

func (t *GoogleTransport) model(model string) string {
	if model == "" {
		return t.defaultModel
	}
	return model
}

// wrapErr lifts SDK errors into *Error. The Gen AI SDK does not expose a
// stable typed error, so the status is recovered from the error text using
// the terms the API actually emits.
func (t *GoogleTransport) wrapErr(err error, model string) error {
	if err == nil {
		return nil
	}
	var already *Error
	if errors.As(err, &already) {
		return err
	}

	terr := NewError("google", model, err)

	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "429"), strings.Contains(msg, "resource exhausted"):
		terr = terr.WithStatus(http.StatusTooManyRequests)
	case strings.Contains(msg, "401"), strings.Contains(msg, "unauthenticated"):
		terr = terr.WithStatus(http.StatusUnauthorized)
	case strings.Contains(msg, "403"), strings.Contains(msg, "permission denied"):
		terr = terr.WithStatus(http.StatusForbidden)
	case strings.Contains(msg, "404"), strings.Contains(msg, "not found"):
		terr = terr.WithStatus(http.StatusNotFound)
	case strings.Contains(msg, "500"):
		terr = terr.WithStatus(http.StatusInternalServerError)
	case strings.Contains(msg, "503"):
		terr = terr.WithStatus(http.StatusServiceUnavailable)
	}

	return terr
}

// toolNameForCallID recovers the function name for a tool result by scanning
// the transcript for the originating call, falling back to the
// "call_<name>_<nonce>" shape produced by generateToolCallID.
func toolNameForCallID(toolCallID string, messages []models.Message) string {
	for _, msg := range messages {
		for _, tc := range msg.ToolCalls {
			if tc.ID == toolCallID {
				return tc.Name
			}
		}
	}
	trimmed := strings.TrimPrefix(toolCallID, "call_")
	if i := strings.LastIndex(trimmed, "_"); i > 0 {
		return trimmed[:i]
	}
	return trimmed
}
