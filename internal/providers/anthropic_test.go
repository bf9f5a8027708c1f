package providers

import (
	"encoding/json"
	"testing"

	"github.com/anthropics/anthropic-sdk-go"

	"github.com/haasonsaas/runloop/internal/engine"
	"github.com/haasonsaas/runloop/pkg/models"
)

func TestNewAnthropicTransport(t *testing.T) {
	if _, err := NewAnthropicTransport(AnthropicConfig{}); err == nil {
		t.Error("NewAnthropicTransport() without API key = nil error, want failure")
	}

	tr, err := NewAnthropicTransport(AnthropicConfig{APIKey: "test-key"})
	if err != nil {
		t.Fatalf("NewAnthropicTransport() error = %v", err)
	}
	if tr.Name() != "anthropic" {
		t.Errorf("Name() = %q, want anthropic", tr.Name())
	}
	if tr.defaultModel != "claude-sonnet-4-20250514" {
		t.Errorf("defaultModel = %q, want the default", tr.defaultModel)
	}
}

func TestAnthropicConvertMessages(t *testing.T) {
	tr := &AnthropicTransport{}

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
		{Role: models.RoleAssistant, Content: "NYC is sunny, LA is foggy."},
	}

	got, system, err := tr.convertMessages(messages)
	if err != nil {
		t.Fatalf("convertMessages() error = %v", err)
	}

	if len(system) != 1 || system[0].Text != "Be terse." {
		t.Errorf("system = %+v, want the extracted system text", system)
	}

	// user, assistant(tool_use), user(coalesced results), assistant.
	if len(got) != 4 {
		t.Fatalf("convertMessages() len = %d, want 4", len(got))
	}
	wantRoles := []anthropic.MessageParamRole{
		anthropic.MessageParamRoleUser,
		anthropic.MessageParamRoleAssistant,
		anthropic.MessageParamRoleUser,
		anthropic.MessageParamRoleAssistant,
	}
	for i, want := range wantRoles {
		if got[i].Role != want {
			t.Errorf("message[%d].Role = %v, want %v", i, got[i].Role, want)
		}
	}
	if len(got[2].Content) != 2 {
		t.Errorf("coalesced tool results = %d blocks, want 2", len(got[2].Content))
	}
}

func TestAnthropicConvertMessagesRejectsBadArguments(t *testing.T) {
	tr := &AnthropicTransport{}

	_, _, err := tr.convertMessages([]models.Message{
		{
			Role: models.RoleAssistant,
			ToolCalls: []models.ToolCall{
				{ID: "call_1", Name: "search", Arguments: json.RawMessage(`{"q":`)},
			},
		},
	})
	if err == nil {
		t.Fatal("convertMessages() with invalid arguments = nil error, want failure")
	}
}

func TestAnthropicBuildParams(t *testing.T) {
	tr := &AnthropicTransport{defaultModel: "claude-sonnet-4-20250514"}

	req := &engine.ModelRequest{
		Instructions: "You are a router.",
		Messages: []models.Message{
			{Role: models.RoleSystem, Content: "Transcript system note."},
			{Role: models.RoleUser, Content: "Hi"},
		},
	}

	params, err := tr.buildParams(req, "claude-sonnet-4-20250514")
	if err != nil {
		t.Fatalf("buildParams() error = %v", err)
	}

	if params.MaxTokens != int64(defaultMaxTokens) {
		t.Errorf("MaxTokens = %d, want the default %d", params.MaxTokens, defaultMaxTokens)
	}
	if len(params.System) != 2 {
		t.Fatalf("System len = %d, want instructions plus transcript note", len(params.System))
	}
	if params.System[0].Text != "You are a router." {
		t.Errorf("System[0] = %q, want the instructions first", params.System[0].Text)
	}
	if params.System[1].Text != "Transcript system note." {
		t.Errorf("System[1] = %q, want the transcript system text", params.System[1].Text)
	}
}

func TestAnthropicConvertTools(t *testing.T) {
	tr := &AnthropicTransport{}

	got, err := tr.convertTools([]engine.ToolDeclaration{
		{
			Name:        "test_tool",
			Description: "A test tool",
			Schema:      json.RawMessage(`{"type":"object","properties":{"arg":{"type":"string"}}}`),
		},
	})
	if err != nil {
		t.Fatalf("convertTools() error = %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("convertTools() len = %d, want 1", len(got))
	}
	if got[0].OfTool == nil || got[0].OfTool.Name != "test_tool" {
		t.Errorf("tool = %+v, want OfTool with the declared name", got[0])
	}

	if _, err := tr.convertTools([]engine.ToolDeclaration{
		{Name: "broken", Schema: json.RawMessage(`{"type":`)},
	}); err == nil {
		t.Error("convertTools() with invalid schema = nil error, want failure")
	}
}

func TestTranslateAnthropicResponse(t *testing.T) {
	msg := &anthropic.Message{
		Content: []anthropic.ContentBlockUnion{
			{Type: "thinking", Thinking: "The user wants weather."},
			{Type: "text", Text: "Let me check."},
			{Type: "tool_use", ID: "call_1", Name: "get_weather"},
		},
		Usage: anthropic.Usage{InputTokens: 10, OutputTokens: 5},
	}

	got, err := translateAnthropicResponse(msg)
	if err != nil {
		t.Fatalf("translateAnthropicResponse() error = %v", err)
	}
	if got.Content != "Let me check." {
		t.Errorf("Content = %q, want the text block", got.Content)
	}
	if got.Thinking != "The user wants weather." {
		t.Errorf("Thinking = %q, want the thinking block", got.Thinking)
	}
	if len(got.ToolCalls) != 1 {
		t.Fatalf("ToolCalls len = %d, want 1", len(got.ToolCalls))
	}
	if got.ToolCalls[0].ID != "call_1" || got.ToolCalls[0].Name != "get_weather" {
		t.Errorf("ToolCalls[0] = %+v, want id and name carried over", got.ToolCalls[0])
	}
	if string(got.ToolCalls[0].Arguments) != "{}" {
		t.Errorf("empty input = %s, want synthesized empty object", got.ToolCalls[0].Arguments)
	}
	if got.Usage.Prompt != 10 || got.Usage.Completion != 5 || got.Usage.Total != 15 {
		t.Errorf("Usage = %+v, want 10/5/15", got.Usage)
	}
}

func TestTranslateAnthropicResponseNil(t *testing.T) {
	if _, err := translateAnthropicResponse(nil); err == nil {
		t.Fatal("translateAnthropicResponse(nil) = nil error, want failure")
	}
}
