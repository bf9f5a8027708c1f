package engine

import (
	"context"
	"sync"
	"testing"

	"github.com/haasonsaas/runloop/pkg/models"
)

func TestHooksFireAcrossRunLifecycle(t *testing.T) {
	transport := &scriptTransport{responses: []*ModelResponse{
		toolCallResponse(toolCall("tc-1", "echo", `{"text":"hi"}`)),
		{Content: "done", Usage: models.TokenUsage{Prompt: 5, Completion: 2, Total: 7}},
	}}
	env := newTestEnv(t, transport, nil)
	env.addTool(t, echoTool())

	var mu sync.Mutex
	var fired []string
	var gotRunID string
	var gotResult string
	var gotUsage models.TokenUsage
	var gotOutcome models.RunOutcome
	record := func(name string) {
		mu.Lock()
		fired = append(fired, name)
		mu.Unlock()
	}

	req := userRequest("hello")
	req.ConversationID = "conv-hooks"
	req.Hooks = &Hooks{
		OnRunStart: func(_ context.Context, runID, conversationID string) {
			gotRunID = runID
			if conversationID != "conv-hooks" {
				t.Errorf("conversation id %q", conversationID)
			}
			record("run_start")
		},
		OnAssistantMessage: func(_ context.Context, msg models.Message) {
			record("assistant")
		},
		OnToolCalls: func(_ context.Context, calls []models.ToolCall) {
			if len(calls) != 1 || calls[0].ID != "tc-1" {
				t.Errorf("calls %+v", calls)
			}
			record("tool_calls")
		},
		OnToolResult: func(_ context.Context, toolCallID, result string) {
			if toolCallID == "tc-1" {
				gotResult = result
			}
			record("tool_result")
		},
		OnTokenUsage: func(_ context.Context, usage models.TokenUsage) {
			gotUsage = usage
			record("token_usage")
		},
		OnRunEnd: func(_ context.Context, outcome models.RunOutcome) {
			gotOutcome = outcome
			record("run_end")
		},
	}

	res := env.run(t, req)
	if res.Outcome.Status != models.RunCompleted {
		t.Fatalf("outcome: %+v", res.Outcome)
	}

	mu.Lock()
	defer mu.Unlock()
	want := []string{"run_start", "assistant", "tool_calls", "tool_result", "assistant", "token_usage", "run_end"}
	if len(fired) != len(want) {
		t.Fatalf("fired %v", fired)
	}
	for i := range want {
		if fired[i] != want[i] {
			t.Fatalf("fired %v, want %v", fired, want)
		}
	}
	if gotRunID != res.RunID {
		t.Fatalf("run id %q vs %q", gotRunID, res.RunID)
	}
	if gotResult != "echo:hi" {
		t.Fatalf("tool result %q", gotResult)
	}
	if gotUsage.Total != 7 {
		t.Fatalf("usage %+v", gotUsage)
	}
	if gotOutcome.Status != models.RunCompleted || gotOutcome.Output != "done" {
		t.Fatalf("outcome hook %+v", gotOutcome)
	}
}

func TestHookErrorFiresOnFatal(t *testing.T) {
	transport := &scriptTransport{responses: []*ModelResponse{{Content: ""}}}
	env := newTestEnv(t, transport, nil)

	var kind models.ErrorKind
	req := userRequest("misbehave")
	req.Hooks = &Hooks{
		OnError: func(_ context.Context, k models.ErrorKind, _ string) { kind = k },
	}
	res := env.run(t, req)

	if res.Outcome.Status != models.RunErrored {
		t.Fatalf("outcome: %+v", res.Outcome)
	}
	if kind != models.ErrKindModelBehavior {
		t.Fatalf("error hook kind %q", kind)
	}
}

func TestHookPanicIsContained(t *testing.T) {
	transport := &scriptTransport{responses: []*ModelResponse{{Content: "fine"}}}
	env := newTestEnv(t, transport, nil)

	req := userRequest("hello")
	req.Hooks = &Hooks{
		OnRunStart: func(context.Context, string, string) { panic("rogue hook") },
		OnRunEnd:   func(context.Context, models.RunOutcome) { panic("rogue hook") },
	}
	res := env.run(t, req)

	if res.Outcome.Status != models.RunCompleted || res.Outcome.Output != "fine" {
		t.Fatalf("hook panic altered the run: %+v", res.Outcome)
	}
}

func TestNilHooksAreSafe(t *testing.T) {
	var h *Hooks
	logger := DefaultOptions().Logger
	h.runStart(context.Background(), logger, "r", "c")
	h.assistantMessage(context.Background(), logger, models.Message{})
	h.toolCalls(context.Background(), logger, nil)
	h.toolResult(context.Background(), logger, "tc", "out")
	h.tokenUsage(context.Background(), logger, models.TokenUsage{})
	h.errorHook(context.Background(), logger, models.ErrKindUnexpected, "boom")
	h.runEnd(context.Background(), logger, models.RunOutcome{})
}
