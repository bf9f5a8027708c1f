package observability

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/haasonsaas/runloop/pkg/models"
)

func newTestMetrics() *Metrics {
	// Fresh registry per test to avoid duplicate-registration panics.
	return NewMetricsWith(prometheus.NewRegistry())
}

func TestRecordRun(t *testing.T) {
	m := newTestMetrics()

	m.RecordRun("support", "completed", 1.5)
	m.RecordRun("support", "completed", 0.2)
	m.RecordRun("support", "error", 0.1)

	expected := `
		# HELP runloop_runs_total Total number of runs by agent and terminal status
		# TYPE runloop_runs_total counter
		runloop_runs_total{agent="support",status="completed"} 2
		runloop_runs_total{agent="support",status="error"} 1
	`
	if err := testutil.CollectAndCompare(m.RunCounter, strings.NewReader(expected)); err != nil {
		t.Errorf("Unexpected metric value: %v", err)
	}
	if count := testutil.CollectAndCount(m.RunDuration); count != 1 {
		t.Errorf("Expected 1 duration series, got %d", count)
	}
}

func TestRecordTokens(t *testing.T) {
	m := newTestMetrics()

	m.RecordTokens("support", 100, 40)
	m.RecordTokens("support", 50, 0)

	if got := testutil.ToFloat64(m.TokensUsed.WithLabelValues("support", "prompt")); got != 150 {
		t.Errorf("prompt tokens = %v, want 150", got)
	}
	if got := testutil.ToFloat64(m.TokensUsed.WithLabelValues("support", "completion")); got != 40 {
		t.Errorf("completion tokens = %v, want 40", got)
	}
	// Zero counts must not create series.
	if count := testutil.CollectAndCount(m.TokensUsed); count != 2 {
		t.Errorf("Expected 2 token series, got %d", count)
	}
}

func TestRecordToolExecution(t *testing.T) {
	m := newTestMetrics()

	m.RecordToolExecution("get_weather", "success", 0.05)
	m.RecordToolExecution("get_weather", "error", 0.01)

	expected := `
		# HELP runloop_tool_executions_total Total number of tool executions by tool name and status
		# TYPE runloop_tool_executions_total counter
		runloop_tool_executions_total{status="error",tool_name="get_weather"} 1
		runloop_tool_executions_total{status="success",tool_name="get_weather"} 1
	`
	if err := testutil.CollectAndCompare(m.ToolExecutionCounter, strings.NewReader(expected)); err != nil {
		t.Errorf("Unexpected metric value: %v", err)
	}
}

func TestRecordInterruption(t *testing.T) {
	m := newTestMetrics()

	m.RecordInterruption("tool_approval")
	m.RecordInterruption("tool_approval")
	m.RecordInterruption("tool_auth")

	if got := testutil.ToFloat64(m.InterruptionCounter.WithLabelValues("tool_approval")); got != 2 {
		t.Errorf("tool_approval interruptions = %v, want 2", got)
	}
	if got := testutil.ToFloat64(m.InterruptionCounter.WithLabelValues("tool_auth")); got != 1 {
		t.Errorf("tool_auth interruptions = %v, want 1", got)
	}
}

func TestRecordHTTPRequest(t *testing.T) {
	m := newTestMetrics()

	m.RecordHTTPRequest("POST", "/chat", "200", 0.02)
	m.RecordHTTPRequest("POST", "/chat", "200", 0.04)
	m.RecordHTTPRequest("GET", "/healthz", "200", 0.001)

	if got := testutil.ToFloat64(m.HTTPRequestCounter.WithLabelValues("POST", "/chat", "200")); got != 2 {
		t.Errorf("POST /chat requests = %v, want 2", got)
	}
	if got := testutil.ToFloat64(m.HTTPRequestCounter.WithLabelValues("GET", "/healthz", "200")); got != 1 {
		t.Errorf("GET /healthz requests = %v, want 1", got)
	}
}

func TestMetricsSinkRunLifecycle(t *testing.T) {
	m := newTestMetrics()
	sink := NewMetricsSink(m)
	ctx := context.Background()
	start := time.Now()

	sink.Emit(ctx, models.Event{Type: models.EventRunStart, RunID: "run-1", AgentName: "support"})

	if got := testutil.ToFloat64(m.ActiveRuns); got != 1 {
		t.Errorf("active runs after start = %v, want 1", got)
	}

	sink.Emit(ctx, models.Event{Type: models.EventAssistantMessage, RunID: "run-1", AgentName: "support"})
	sink.Emit(ctx, models.Event{
		Type: models.EventTokenUsage, RunID: "run-1", AgentName: "support",
		Usage: &models.TokenUsage{Prompt: 100, Completion: 30, Total: 130},
	})
	sink.Emit(ctx, models.Event{
		Type: models.EventToolPhase, RunID: "run-1", AgentName: "support", Time: start,
		ToolPhase: &models.ToolPhasePayload{ToolCallID: "tc-1", ToolName: "get_weather", Phase: models.ToolPhaseStarted},
	})
	sink.Emit(ctx, models.Event{
		Type: models.EventToolPhase, RunID: "run-1", AgentName: "support", Time: start.Add(50 * time.Millisecond),
		ToolPhase: &models.ToolPhasePayload{ToolCallID: "tc-1", ToolName: "get_weather", Phase: models.ToolPhaseCompleted},
	})
	sink.Emit(ctx, models.Event{
		Type: models.EventApprovalDecision, RunID: "run-1",
		Approval: &models.ApprovalPayload{ToolCallID: "tc-2", Status: models.ApprovalApproved},
	})
	sink.Emit(ctx, models.Event{
		Type: models.EventRunEnd, RunID: "run-1", AgentName: "support",
		End: &models.RunEndPayload{
			Outcome:       models.RunOutcome{Status: models.RunCompleted},
			TurnCount:     1,
			DroppedEvents: 3,
			DurationMs:    1200,
		},
	})

	if got := testutil.ToFloat64(m.ActiveRuns); got != 0 {
		t.Errorf("active runs after end = %v, want 0", got)
	}
	if got := testutil.ToFloat64(m.RunCounter.WithLabelValues("support", "completed")); got != 1 {
		t.Errorf("completed runs = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.TurnCounter.WithLabelValues("support")); got != 1 {
		t.Errorf("turns = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.TokensUsed.WithLabelValues("support", "prompt")); got != 100 {
		t.Errorf("prompt tokens = %v, want 100", got)
	}
	if got := testutil.ToFloat64(m.ToolExecutionCounter.WithLabelValues("get_weather", "success")); got != 1 {
		t.Errorf("tool executions = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.ApprovalDecisionCounter.WithLabelValues("approved")); got != 1 {
		t.Errorf("approval decisions = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.EventsDropped); got != 3 {
		t.Errorf("dropped events = %v, want 3", got)
	}
}

func TestMetricsSinkInterruptedRun(t *testing.T) {
	m := newTestMetrics()
	sink := NewMetricsSink(m)
	ctx := context.Background()

	sink.Emit(ctx, models.Event{Type: models.EventRunStart, RunID: "run-2", AgentName: "support"})
	sink.Emit(ctx, models.Event{
		Type: models.EventRunEnd, RunID: "run-2", AgentName: "support",
		End: &models.RunEndPayload{
			Outcome: models.RunOutcome{
				Status: models.RunInterrupted,
				Interruptions: []models.Interruption{
					{Kind: models.InterruptToolApproval, ToolCallID: "tc-1"},
					{Kind: models.InterruptToolAuth, ToolCallID: "tc-2"},
				},
			},
		},
	})

	if got := testutil.ToFloat64(m.RunCounter.WithLabelValues("support", "interrupted")); got != 1 {
		t.Errorf("interrupted runs = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.InterruptionCounter.WithLabelValues("tool_approval")); got != 1 {
		t.Errorf("tool_approval interruptions = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.InterruptionCounter.WithLabelValues("tool_auth")); got != 1 {
		t.Errorf("tool_auth interruptions = %v, want 1", got)
	}
}

func TestMetricsSinkToolFailure(t *testing.T) {
	m := newTestMetrics()
	sink := NewMetricsSink(m)
	ctx := context.Background()
	start := time.Now()

	sink.Emit(ctx, models.Event{
		Type: models.EventToolPhase, RunID: "run-3", Time: start,
		ToolPhase: &models.ToolPhasePayload{ToolCallID: "tc-1", ToolName: "search", Phase: models.ToolPhaseStarted},
	})
	sink.Emit(ctx, models.Event{
		Type: models.EventToolPhase, RunID: "run-3", Time: start.Add(10 * time.Millisecond),
		ToolPhase: &models.ToolPhasePayload{ToolCallID: "tc-1", ToolName: "search", Phase: models.ToolPhaseFailed, Error: "boom"},
	})

	if got := testutil.ToFloat64(m.ToolExecutionCounter.WithLabelValues("search", "error")); got != 1 {
		t.Errorf("failed tool executions = %v, want 1", got)
	}
}

func TestMetricsSinkErrorEvent(t *testing.T) {
	m := newTestMetrics()
	sink := NewMetricsSink(m)

	sink.Emit(context.Background(), models.Event{
		Type:  models.EventError,
		RunID: "run-4",
		Error: &models.ErrorPayload{Kind: models.ErrKindModel, Message: "provider unavailable"},
	})

	if got := testutil.ToFloat64(m.ErrorCounter.WithLabelValues("engine", "model_error")); got != 1 {
		t.Errorf("errors = %v, want 1", got)
	}
}

func TestMetricsSinkForgetsUnclosedToolStarts(t *testing.T) {
	m := newTestMetrics()
	sink := NewMetricsSink(m)
	ctx := context.Background()

	sink.Emit(ctx, models.Event{
		Type: models.EventToolPhase, RunID: "run-5", Time: time.Now(),
		ToolPhase: &models.ToolPhasePayload{ToolCallID: "tc-1", ToolName: "search", Phase: models.ToolPhaseStarted},
	})
	sink.Emit(ctx, models.Event{
		Type: models.EventRunEnd, RunID: "run-5",
		End:  &models.RunEndPayload{Outcome: models.RunOutcome{Status: models.RunErrored}},
	})

	sink.mu.Lock()
	remaining := len(sink.toolStart)
	sink.mu.Unlock()
	if remaining != 0 {
		t.Errorf("tool start entries after run end = %d, want 0", remaining)
	}
}
