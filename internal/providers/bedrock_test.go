package providers

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime/document"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime/types"
	"github.com/aws/smithy-go"

	"github.com/haasonsaas/runloop/internal/engine"
	"github.com/haasonsaas/runloop/pkg/models"
)

func TestBedrockConvertMessages(t *testing.T) {
	tr := &BedrockTransport{}

	messages := []models.Message{
		{Role: models.RoleSystem, Content: "Be terse."},
		{Role: models.RoleUser, Content: "What's the weather in NYC and LA?"},
		{
			Role: models.RoleAssistant,
			ToolCalls: []models.ToolCall{
				{ID: "call_1", Name: "get_weather", Arguments: json.RawMessage(`{"location":"NYC"}`)},
				{ID: "call_2", Name: "get_weather", Arguments: json.RawMessage(`{"location":"LA"}`)},
			},
		},
		{Role: models.RoleTool, ToolCallID: "call_1", Content: "Sunny, 72F"},
		{Role: models.RoleTool, ToolCallID: "call_2", Content: "Foggy, 61F"},
	}

	converted, system, err := tr.convertMessages(messages)
	if err != nil {
		t.Fatalf("convertMessages() error = %v", err)
	}

	if len(system) != 1 {
		t.Errorf("system len = %d, want the extracted block", len(system))
	}

	// user, assistant(toolUse), user(folded toolResults).
	if len(converted) != 3 {
		t.Fatalf("convertMessages() len = %d, want 3", len(converted))
	}
	if converted[0].Role != types.ConversationRoleUser || converted[1].Role != types.ConversationRoleAssistant {
		t.Errorf("roles = %v/%v, want user/assistant", converted[0].Role, converted[1].Role)
	}

	use, ok := converted[1].Content[0].(*types.ContentBlockMemberToolUse)
	if !ok {
		t.Fatalf("assistant block type = %T, want toolUse", converted[1].Content[0])
	}
	if aws.ToString(use.Value.ToolUseId) != "call_1" || aws.ToString(use.Value.Name) != "get_weather" {
		t.Errorf("toolUse = %+v, want id and name carried over", use.Value)
	}

	if converted[2].Role != types.ConversationRoleUser || len(converted[2].Content) != 2 {
		t.Fatalf("folded results = role %v with %d blocks, want user with 2", converted[2].Role, len(converted[2].Content))
	}
	result, ok := converted[2].Content[0].(*types.ContentBlockMemberToolResult)
	if !ok {
		t.Fatalf("result block type = %T, want toolResult", converted[2].Content[0])
	}
	if aws.ToString(result.Value.ToolUseId) != "call_1" {
		t.Errorf("toolResult id = %q, want call_1", aws.ToString(result.Value.ToolUseId))
	}
}

func TestBedrockConvertTools(t *testing.T) {
	tr := &BedrockTransport{}

	if got := tr.convertTools(nil); got != nil {
		t.Errorf("convertTools(nil) = %+v, want nil", got)
	}

	got := tr.convertTools([]engine.ToolDeclaration{
		{
			Name:        "test_tool",
			Description: "A test tool",
			Schema:      json.RawMessage(`{"type":"object","properties":{"arg":{"type":"string"}}}`),
		},
	})
	if got == nil || len(got.Tools) != 1 {
		t.Fatalf("convertTools() = %+v, want one tool", got)
	}
	spec, ok := got.Tools[0].(*types.ToolMemberToolSpec)
	if !ok {
		t.Fatalf("tool type = %T, want toolSpec", got.Tools[0])
	}
	if aws.ToString(spec.Value.Name) != "test_tool" || aws.ToString(spec.Value.Description) != "A test tool" {
		t.Errorf("spec = %+v, want name and description", spec.Value)
	}
}

func TestBedrockTranslate(t *testing.T) {
	tr := &BedrockTransport{}

	output := &bedrockruntime.ConverseOutput{
		Output: &types.ConverseOutputMemberMessage{
			Value: types.Message{
				Role: types.ConversationRoleAssistant,
				Content: []types.ContentBlock{
					&types.ContentBlockMemberReasoningContent{
						Value: &types.ReasoningContentBlockMemberReasoningText{
							Value: types.ReasoningTextBlock{Text: aws.String("The user wants weather.")},
						},
					},
					&types.ContentBlockMemberText{Value: "Let me check."},
					&types.ContentBlockMemberToolUse{
						Value: types.ToolUseBlock{
							ToolUseId: aws.String("call_1"),
							Name:      aws.String("get_weather"),
							Input:     document.NewLazyDocument(map[string]any{"location": "NYC"}),
						},
					},
				},
			},
		},
		Usage: &types.TokenUsage{
			InputTokens:  aws.Int32(12),
			OutputTokens: aws.Int32(7),
			TotalTokens:  aws.Int32(19),
		},
	}

	got, err := tr.translate(output, "anthropic.claude-3-sonnet-20240229-v1:0")
	if err != nil {
		t.Fatalf("translate() error = %v", err)
	}
	if got.Content != "Let me check." {
		t.Errorf("Content = %q, want the text block", got.Content)
	}
	if got.Thinking != "The user wants weather." {
		t.Errorf("Thinking = %q, want the reasoning text", got.Thinking)
	}
	if len(got.ToolCalls) != 1 {
		t.Fatalf("ToolCalls len = %d, want 1", len(got.ToolCalls))
	}
	var args map[string]any
	if err := json.Unmarshal(got.ToolCalls[0].Arguments, &args); err != nil || args["location"] != "NYC" {
		t.Errorf("Arguments = %s, want the tool input", got.ToolCalls[0].Arguments)
	}
	if got.Usage.Prompt != 12 || got.Usage.Completion != 7 || got.Usage.Total != 19 {
		t.Errorf("Usage = %+v, want 12/7/19", got.Usage)
	}
}

func TestBedrockTranslateRejectsUnexpectedOutput(t *testing.T) {
	tr := &BedrockTransport{}

	if _, err := tr.translate(nil, "model"); err == nil {
		t.Error("translate(nil) = nil error, want failure")
	}
	if _, err := tr.translate(&bedrockruntime.ConverseOutput{}, "model"); err == nil {
		t.Error("translate() without message output = nil error, want failure")
	}
}

func TestDecodeDocument(t *testing.T) {
	if got := decodeDocument(nil); string(got) != "{}" {
		t.Errorf("decodeDocument(nil) = %s, want empty object", got)
	}

	got := decodeDocument(document.NewLazyDocument(map[string]any{"q": "x"}))
	var decoded map[string]any
	if err := json.Unmarshal(got, &decoded); err != nil || decoded["q"] != "x" {
		t.Errorf("decodeDocument() = %s, want the document content", got)
	}
}

func TestClassifyBedrockCode(t *testing.T) {
	tests := []struct {
		code string
		want Reason
	}{
		{"ThrottlingException", ReasonRateLimit},
		{"TooManyRequestsException", ReasonRateLimit},
		{"ServiceUnavailableException", ReasonServer},
		{"ModelNotReadyException", ReasonServer},
		{"AccessDeniedException", ReasonAuth},
		{"ExpiredTokenException", ReasonAuth},
		{"ResourceNotFoundException", ReasonModelNotFound},
		{"ValidationException", ReasonInvalidRequest},
		{"ModelTimeoutException", ReasonTimeout},
		{"SomethingElse", ReasonUnknown},
	}

	for _, tt := range tests {
		if got := classifyBedrockCode(tt.code); got != tt.want {
			t.Errorf("classifyBedrockCode(%q) = %v, want %v", tt.code, got, tt.want)
		}
	}
}

func TestBedrockWrapErr(t *testing.T) {
	tr := &BedrockTransport{}

	apiErr := &smithy.GenericAPIError{Code: "ThrottlingException", Message: "slow down"}
	wrapped := tr.wrapErr(apiErr, "anthropic.claude-3-sonnet-20240229-v1:0")

	var terr *Error
	if !errors.As(wrapped, &terr) {
		t.Fatalf("wrapErr() type = %T, want *Error", wrapped)
	}
	if terr.Reason != ReasonRateLimit {
		t.Errorf("Reason = %v, want %v", terr.Reason, ReasonRateLimit)
	}
	if terr.Code != "ThrottlingException" || terr.Message != "slow down" {
		t.Errorf("wrapped = %+v, want code and message carried over", terr)
	}

	plain := tr.wrapErr(errors.New("dial tcp: connection timeout"), "model")
	if !errors.As(plain, &terr) {
		t.Fatalf("wrapErr(plain) type = %T, want *Error", plain)
	}
	if terr.Reason != ReasonTimeout {
		t.Errorf("plain reason = %v, want timeout", terr.Reason)
	}
}
