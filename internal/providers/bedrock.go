package providers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime/document"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime/types"
	"github.com/aws/smithy-go"
	smithyhttp "github.com/aws/smithy-go/transport/http"

	"github.com/haasonsaas/runloop/internal/engine"
	"github.com/haasonsaas/runloop/pkg/models"
)

// BedrockConfig configures the AWS Bedrock transport. When AccessKeyID and
// SecretAccessKey are empty, credentials resolve through the standard AWS
// chain (environment, shared config, instance role).
type BedrockConfig struct {
	Region          string
	AccessKeyID     string
	SecretAccessKey string
	SessionToken    string
	DefaultModel    string
	MaxRetries      int
	RetryDelay      time.Duration
}

// BedrockTransport sends completions through the Bedrock Converse API.
type BedrockTransport struct {
	client       *bedrockruntime.Client
	defaultModel string
	retry        retrier
}

// NewBedrockTransport resolves AWS configuration once and returns a transport
// bound to the configured region.
func NewBedrockTransport(cfg BedrockConfig) (*BedrockTransport, error) {
	region := cfg.Region
	if region == "" {
		region = "us-east-1"
	}
	opts := []func(*config.LoadOptions) error{config.WithRegion(region)}
	if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
		opts = append(opts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, cfg.SessionToken),
		))
	}
	awsCfg, err := config.LoadDefaultConfig(context.Background(), opts...)
	if err != nil {
		return nil, fmt.Errorf("bedrock: load AWS config: %w", err)
	}
	model := cfg.DefaultModel
	if model == "" {
		model = "anthropic.claude-3-sonnet-20240229-v1:0"
	}
	return &BedrockTransport{
		client:       bedrockruntime.NewFromConfig(awsCfg),
		defaultModel: model,
		retry:        newRetrier(cfg.MaxRetries, cfg.RetryDelay),
	}, nil
}

// Name implements engine.ModelTransport.
func (t *BedrockTransport) Name() string { return "bedrock" }

// Complete implements engine.ModelTransport.
func (t *BedrockTransport) Complete(ctx context.Context, req *engine.ModelRequest) (*engine.ModelResponse, error) {
	model := t.model(req)
	input, err := t.buildInput(req, model)
	if err != nil {
		return nil, err
	}
	var output *bedrockruntime.ConverseOutput
	err = t.retry.do(ctx, func() error {
		var callErr error
		output, callErr = t.client.Converse(ctx, input)
		if callErr != nil {
			return t.wrapErr(callErr, model)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return t.translate(output, model)
}

func (t *BedrockTransport) model(req *engine.ModelRequest) string {
	if req.Model != "" {
		return req.Model
	}
	return t.defaultModel
}

func (t *BedrockTransport) buildInput(req *engine.ModelRequest, model string) (*bedrockruntime.ConverseInput, error) {
	messages, system, err := t.convertMessages(req.Messages)
	if err != nil {
		return nil, err
	}
	if req.Instructions != "" {
		system = append([]types.SystemContentBlock{
			&types.SystemContentBlockMemberText{Value: req.Instructions},
		}, system...)
	}
	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = defaultMaxTokens
	}
	maxTokens = min(maxTokens, math.MaxInt32)
	input := &bedrockruntime.ConverseInput{
		ModelId:  aws.String(model),
		Messages: messages,
		InferenceConfig: &types.InferenceConfiguration{
			MaxTokens: aws.Int32(int32(maxTokens)),
		},
	}
	if len(system) > 0 {
		input.System = system
	}
	if toolCfg := t.convertTools(req.Tools); toolCfg != nil {
		input.ToolConfig = toolCfg
	}
	return input, nil
}

// convertMessages maps the transcript onto Converse messages. Tool results
// travel as toolResult blocks inside user messages, and consecutive results
// are folded into a single message so the role sequence keeps alternating.
func (t *BedrockTransport) convertMessages(messages []models.Message) ([]types.Message, []types.SystemContentBlock, error) {
	converted := make([]types.Message, 0, len(messages))
	var system []types.SystemContentBlock
	var pendingResults []types.ContentBlock

	flushResults := func() {
		if len(pendingResults) == 0 {
			return
		}
		converted = append(converted, types.Message{
			Role:    types.ConversationRoleUser,
			Content: pendingResults,
		})
		pendingResults = nil
	}

	for _, msg := range messages {
		switch msg.Role {
		case models.RoleSystem:
			if text := msg.GetTextContent(); text != "" {
				system = append(system, &types.SystemContentBlockMemberText{Value: text})
			}
		case models.RoleTool:
			pendingResults = append(pendingResults, &types.ContentBlockMemberToolResult{
				Value: types.ToolResultBlock{
					ToolUseId: aws.String(msg.ToolCallID),
					Content: []types.ToolResultContentBlock{
						&types.ToolResultContentBlockMemberText{Value: msg.Content},
					},
				},
			})
		case models.RoleAssistant:
			flushResults()
			var blocks []types.ContentBlock
			if text := msg.GetTextContent(); text != "" {
				blocks = append(blocks, &types.ContentBlockMemberText{Value: text})
			}
			for _, tc := range msg.ToolCalls {
				args, err := argsToMap(tc.Arguments)
				if err != nil {
					return nil, nil, fmt.Errorf("tool call %s: %w", tc.ID, err)
				}
				blocks = append(blocks, &types.ContentBlockMemberToolUse{
					Value: types.ToolUseBlock{
						ToolUseId: aws.String(tc.ID),
						Name:      aws.String(tc.Name),
						Input:     document.NewLazyDocument(args),
					},
				})
			}
			if len(blocks) == 0 {
				continue
			}
			converted = append(converted, types.Message{
				Role:    types.ConversationRoleAssistant,
				Content: blocks,
			})
		default:
			flushResults()
			converted = append(converted, types.Message{
				Role: types.ConversationRoleUser,
				Content: []types.ContentBlock{
					&types.ContentBlockMemberText{Value: msg.GetTextContent()},
				},
			})
		}
	}
	flushResults()
	return converted, system, nil
}

func (t *BedrockTransport) convertTools(decls []engine.ToolDeclaration) *types.ToolConfiguration {
	if len(decls) == 0 {
		return nil
	}
	tools := make([]types.Tool, 0, len(decls))
	for _, decl := range decls {
		var schema any
		if err := json.Unmarshal(toolSchema(decl.Schema), &schema); err != nil {
			// One bad schema must not disable tool calling for the rest.
			schema = map[string]any{"type": "object", "properties": map[string]any{}}
		}
		spec := types.ToolSpecification{
			Name:        aws.String(decl.Name),
			InputSchema: &types.ToolInputSchemaMemberJson{Value: document.NewLazyDocument(schema)},
		}
		if decl.Description != "" {
			spec.Description = aws.String(decl.Description)
		}
		tools = append(tools, &types.ToolMemberToolSpec{Value: spec})
	}
	return &types.ToolConfiguration{Tools: tools}
}

func (t *BedrockTransport) translate(output *bedrockruntime.ConverseOutput, model string) (*engine.ModelResponse, error) {
	if output == nil {
		return nil, &Error{
			Reason:   ReasonUnknown,
			Provider: "bedrock",
			Model:    model,
			Message:  "response was empty",
		}
	}
	msg, ok := output.Output.(*types.ConverseOutputMemberMessage)
	if !ok {
		return nil, &Error{
			Reason:   ReasonUnknown,
			Provider: "bedrock",
			Model:    model,
			Message:  fmt.Sprintf("unexpected output type %T", output.Output),
		}
	}
	resp := &engine.ModelResponse{}
	var text, thinking strings.Builder
	for _, block := range msg.Value.Content {
		switch b := block.(type) {
		case *types.ContentBlockMemberText:
			text.WriteString(b.Value)
		case *types.ContentBlockMemberReasoningContent:
			if rt, ok := b.Value.(*types.ReasoningContentBlockMemberReasoningText); ok {
				thinking.WriteString(aws.ToString(rt.Value.Text))
			}
		case *types.ContentBlockMemberToolUse:
			resp.ToolCalls = append(resp.ToolCalls, models.ToolCall{
				ID:        aws.ToString(b.Value.ToolUseId),
				Name:      aws.ToString(b.Value.Name),
				Arguments: decodeDocument(b.Value.Input),
			})
		}
	}
	resp.Content = text.String()
	resp.Thinking = thinking.String()
	if usage := output.Usage; usage != nil {
		resp.Usage = models.TokenUsage{
			Prompt:     int(aws.ToInt32(usage.InputTokens)),
			Completion: int(aws.ToInt32(usage.OutputTokens)),
			Total:      int(aws.ToInt32(usage.TotalTokens)),
		}
		if resp.Usage.Total == 0 {
			resp.Usage.Total = resp.Usage.Prompt + resp.Usage.Completion
		}
	}
	return resp, nil
}

func decodeDocument(doc document.Interface) json.RawMessage {
	if doc == nil {
		return json.RawMessage(`{}`)
	}
	data, err := doc.MarshalSmithyDocument()
	if err != nil || len(data) == 0 {
		return json.RawMessage(`{}`)
	}
	return json.RawMessage(data)
}

// wrapErr maps SDK failures onto provider errors. Bedrock signals throttling
// and service health through exception names rather than bare status codes,
// so those are checked after the generic HTTP classification.
func (t *BedrockTransport) wrapErr(err error, model string) error {
	var perr *Error
	if errors.As(err, &perr) {
		return perr
	}
	wrapped := NewError("bedrock", model, err)
	var respErr *smithyhttp.ResponseError
	if errors.As(err, &respErr) {
		wrapped = wrapped.WithStatus(respErr.HTTPStatusCode())
	}
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		wrapped = wrapped.WithCode(apiErr.ErrorCode()).WithMessage(apiErr.ErrorMessage())
		if reason := classifyBedrockCode(apiErr.ErrorCode()); reason != ReasonUnknown {
			wrapped.Reason = reason
		}
	}
	return wrapped
}

func classifyBedrockCode(code string) Reason {
	switch code {
	case "ThrottlingException", "TooManyRequestsException":
		return ReasonRateLimit
	case "ServiceUnavailableException", "InternalServerException", "ModelNotReadyException":
		return ReasonServer
	case "AccessDeniedException", "UnrecognizedClientException", "ExpiredTokenException":
		return ReasonAuth
	case "ResourceNotFoundException":
		return ReasonModelNotFound
	case "ValidationException":
		return ReasonInvalidRequest
	case "ModelTimeoutException":
		return ReasonTimeout
	}
	return ReasonUnknown
}
