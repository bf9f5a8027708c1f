package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"

	"github.com/haasonsaas/runloop/internal/tools"
	"github.com/haasonsaas/runloop/pkg/models"
)

// approvalEnv is a test fixture around one gated tool that counts its
// executions.
type approvalEnv struct {
	*testEnv
	executions *int
	mu         *sync.Mutex
}

func newApprovalEnv(t *testing.T, responses ...*ModelResponse) *approvalEnv {
	t.Helper()
	var mu sync.Mutex
	executions := 0
	env := newTestEnv(t, &scriptTransport{responses: responses}, nil)
	env.addTool(t, &tools.Tool{
		Name:          "approve_test",
		Description:   "a gated operation",
		Schema:        json.RawMessage(`{"type":"object","properties":{"x":{"type":"number"}},"required":["x"]}`),
		NeedsApproval: tools.ApprovalAlways,
		Execute: func(_ context.Context, args json.RawMessage, _ *tools.RunContext) tools.Outcome {
			var in struct {
				X float64 `json:"x"`
			}
			if err := json.Unmarshal(args, &in); err != nil {
				return tools.Invalidf("%v", err)
			}
			mu.Lock()
			executions++
			mu.Unlock()
			return tools.Ok(fmt.Sprintf("ok:%v", in.X))
		},
	})
	return &approvalEnv{testEnv: env, executions: &executions, mu: &mu}
}

func (env *approvalEnv) executed() int {
	env.mu.Lock()
	defer env.mu.Unlock()
	return *env.executions
}

func TestApprovalInterruptThenApproved(t *testing.T) {
	env := newApprovalEnv(t,
		toolCallResponse(toolCall("tc-1", "approve_test", `{"x":42}`)),
		&ModelResponse{Content: "done"},
	)
	sink := &captureSink{}
	ctx := context.Background()

	req := userRequest("run tool")
	req.ConversationID = "conv-appr"
	req.MaxTurns = 5
	req.Sink = sink
	first := env.run(t, req)

	if first.Outcome.Status != models.RunInterrupted {
		t.Fatalf("first run should interrupt: %+v", first.Outcome)
	}
	if len(first.Outcome.Interruptions) != 1 {
		t.Fatalf("interruptions: %+v", first.Outcome.Interruptions)
	}
	intr := first.Outcome.Interruptions[0]
	if intr.Kind != models.InterruptToolApproval || intr.ToolCallID != "tc-1" || intr.ToolName != "approve_test" {
		t.Fatalf("interruption %+v", intr)
	}
	if intr.Signature == "" {
		t.Fatal("interruption must carry the call signature")
	}
	if intr.SessionID != first.RunID {
		t.Fatalf("session id %q, run id %q", intr.SessionID, first.RunID)
	}
	if env.executed() != 0 {
		t.Fatalf("tool ran before approval: %d", env.executed())
	}
	if got := len(sink.ofType(models.EventApprovalRequired)); got != 1 {
		t.Fatalf("approval_required events = %d", got)
	}

	// The pending entry is persisted before the run returns.
	entries, err := env.approvals.Get(ctx, "conv-appr")
	if err != nil {
		t.Fatal(err)
	}
	if entries["tc-1"].Status != models.ApprovalPending {
		t.Fatalf("persisted entry %+v", entries["tc-1"])
	}
	if entries["tc-1"].Signature != intr.Signature {
		t.Fatal("persisted signature differs from interruption signature")
	}

	second := env.run(t, &RunRequest{
		AgentName:      "helper",
		ConversationID: "conv-appr",
		Sink:           sink,
		Approvals: []ApprovalSubmission{{
			ToolCallID: "tc-1",
			SessionID:  intr.SessionID,
			Approved:   true,
		}},
	})

	if second.Outcome.Status != models.RunCompleted || second.Outcome.Output != "done" {
		t.Fatalf("second run outcome: %+v", second.Outcome)
	}
	if env.executed() != 1 {
		t.Fatalf("tool executed %d times, want 1", env.executed())
	}
	var toolMessages []models.Message
	for _, m := range second.Messages {
		if m.Role == models.RoleTool {
			toolMessages = append(toolMessages, m)
		}
	}
	if len(toolMessages) != 1 || toolMessages[0].Content != "ok:42" {
		t.Fatalf("tool messages %+v", toolMessages)
	}
	if got := len(sink.ofType(models.EventApprovalDecision)); got != 1 {
		t.Fatalf("approval_decision events = %d", got)
	}

	entries, err = env.approvals.Get(ctx, "conv-appr")
	if err != nil {
		t.Fatal(err)
	}
	if entries["tc-1"].Status != models.ApprovalApproved {
		t.Fatalf("decision not persisted: %+v", entries["tc-1"])
	}
}

func TestApprovalRejectedSynthesizesDeniedResult(t *testing.T) {
	env := newApprovalEnv(t,
		toolCallResponse(toolCall("tc-1", "approve_test", `{"x":42}`)),
		&ModelResponse{Content: "understood"},
	)

	req := userRequest("run tool")
	req.ConversationID = "conv-rej"
	first := env.run(t, req)
	if first.Outcome.Status != models.RunInterrupted {
		t.Fatalf("first run: %+v", first.Outcome)
	}

	second := env.run(t, &RunRequest{
		AgentName:      "helper",
		ConversationID: "conv-rej",
		Approvals: []ApprovalSubmission{{
			ToolCallID:        "tc-1",
			Approved:          false,
			AdditionalContext: map[string]any{"rejectionReason": "nope"},
		}},
	})

	if second.Outcome.Status != models.RunCompleted {
		t.Fatalf("second run: %+v", second.Outcome)
	}
	if env.executed() != 0 {
		t.Fatalf("rejected tool executed %d times", env.executed())
	}

	var denied models.Message
	for _, m := range second.Messages {
		if m.Role == models.RoleTool && m.ToolCallID == "tc-1" {
			denied = m
		}
	}
	var payload struct {
		Status          string `json:"status"`
		RejectionReason string `json:"rejection_reason"`
	}
	if err := json.Unmarshal([]byte(denied.Content), &payload); err != nil {
		t.Fatalf("denied payload %q: %v", denied.Content, err)
	}
	if payload.Status != "approval_denied" || payload.RejectionReason != "nope" {
		t.Fatalf("denied payload %+v", payload)
	}
}

func TestApprovalPendingReinterrupts(t *testing.T) {
	env := newApprovalEnv(t,
		toolCallResponse(toolCall("tc-1", "approve_test", `{"x":1}`)),
	)

	req := userRequest("run tool")
	req.ConversationID = "conv-pend"
	first := env.run(t, req)
	second := env.run(t, &RunRequest{AgentName: "helper", ConversationID: "conv-pend"})

	for i, res := range []*RunResult{first, second} {
		if res.Outcome.Status != models.RunInterrupted {
			t.Fatalf("run %d: %+v", i+1, res.Outcome)
		}
		if len(res.Outcome.Interruptions) != 1 || res.Outcome.Interruptions[0].ToolCallID != "tc-1" {
			t.Fatalf("run %d interruptions: %+v", i+1, res.Outcome.Interruptions)
		}
	}
	if env.executed() != 0 {
		t.Fatalf("tool executed %d times", env.executed())
	}
}

func TestApprovalAppliesAcrossIDChurn(t *testing.T) {
	env := newApprovalEnv(t,
		toolCallResponse(toolCall("tc-new", "approve_test", `{"x":42}`)),
		&ModelResponse{Content: "done"},
	)
	ctx := context.Background()

	// A decision recorded for a previous incarnation of the call, whose id
	// no longer exists anywhere in the conversation.
	old := toolCall("tc-old", "approve_test", `{"x":42}`)
	if err := env.approvals.Record(ctx, "conv-churn", "run-old", models.ApprovalEntry{
		ToolCallID: "tc-old",
		ToolName:   "approve_test",
		Signature:  old.Signature(),
		Status:     models.ApprovalApproved,
	}); err != nil {
		t.Fatal(err)
	}

	req := userRequest("run tool")
	req.ConversationID = "conv-churn"
	res := env.run(t, req)

	if res.Outcome.Status != models.RunCompleted {
		t.Fatalf("decision should apply by signature: %+v", res.Outcome)
	}
	if env.executed() != 1 {
		t.Fatalf("tool executed %d times, want 1", env.executed())
	}
}

func TestApprovalBatchCollectsAllUndecided(t *testing.T) {
	var echoRan bool
	transport := &scriptTransport{responses: []*ModelResponse{
		toolCallResponse(
			toolCall("tc-echo", "echo", `{"text":"first"}`),
			toolCall("tc-a", "gated", `{"n":1}`),
			toolCall("tc-b", "gated", `{"n":2}`),
			toolCall("tc-late", "echo", `{"text":"after"}`),
		),
	}}
	env := newTestEnv(t, transport, nil)
	env.addTool(t, &tools.Tool{
		Name: "echo",
		Execute: func(_ context.Context, args json.RawMessage, _ *tools.RunContext) tools.Outcome {
			echoRan = true
			return tools.Ok("echoed")
		},
	})
	var gatedRan int
	env.addTool(t, &tools.Tool{
		Name:          "gated",
		NeedsApproval: tools.ApprovalAlways,
		Execute: func(context.Context, json.RawMessage, *tools.RunContext) tools.Outcome {
			gatedRan++
			return tools.Ok("never")
		},
	})

	req := userRequest("do all four")
	req.ConversationID = "conv-batch"
	res := env.run(t, req)

	if res.Outcome.Status != models.RunInterrupted {
		t.Fatalf("outcome: %+v", res.Outcome)
	}
	ints := res.Outcome.Interruptions
	if len(ints) != 2 || ints[0].ToolCallID != "tc-a" || ints[1].ToolCallID != "tc-b" {
		t.Fatalf("interruptions: %+v", ints)
	}
	if !echoRan {
		t.Fatal("call before the first undecided approval should execute")
	}
	if gatedRan != 0 {
		t.Fatal("gated calls executed without approval")
	}
	// The trailing echo call stays untouched until the decisions land.
	for _, m := range res.Messages {
		if m.Role == models.RoleTool && m.ToolCallID == "tc-late" {
			t.Fatal("call after the first undecided approval should not run")
		}
	}
}

func TestApprovalDecisionWithoutStoreStillApplies(t *testing.T) {
	// No conversation id: decisions cannot be persisted but still gate the
	// current run.
	env := newApprovalEnv(t,
		toolCallResponse(toolCall("tc-1", "approve_test", `{"x":7}`)),
		&ModelResponse{Content: "done"},
	)

	first := env.run(t, userRequest("run tool"))
	if first.Outcome.Status != models.RunInterrupted {
		t.Fatalf("first run: %+v", first.Outcome)
	}

	// Resume is transcript-driven: replay the produced messages.
	second := env.run(t, &RunRequest{
		AgentName: "helper",
		Messages:  first.Messages,
		Approvals: []ApprovalSubmission{{ToolCallID: "tc-1", Approved: true}},
	})
	if second.Outcome.Status != models.RunCompleted {
		t.Fatalf("second run: %+v", second.Outcome)
	}
	if env.executed() != 1 {
		t.Fatalf("tool executed %d times", env.executed())
	}
}
