package engine

import (
	"context"
	"encoding/json"
	"sync/atomic"
	"time"

	"github.com/haasonsaas/runloop/pkg/models"
)

// Emitter produces the totally-ordered event stream of one run. Sequence
// numbers are monotonic per run; every subscriber observes the same order.
type Emitter struct {
	runID          string
	traceID        string
	conversationID string
	agentName      string
	sequence       uint64
	sink           Sink
	sinks          []Sink
}

func newEmitter(runID, traceID, conversationID, agentName string, sinks ...Sink) *Emitter {
	return &Emitter{
		runID:          runID,
		traceID:        traceID,
		conversationID: conversationID,
		agentName:      agentName,
		sink:           NewMultiSink(sinks...),
		sinks:          sinks,
	}
}

func (e *Emitter) nextSeq() uint64 {
	return atomic.AddUint64(&e.sequence, 1)
}

func (e *Emitter) base(t models.EventType) models.Event {
	return models.Event{
		Version:        1,
		Type:           t,
		Time:           time.Now(),
		Sequence:       e.nextSeq(),
		RunID:          e.runID,
		TraceID:        e.traceID,
		ConversationID: e.conversationID,
		AgentName:      e.agentName,
	}
}

func (e *Emitter) send(ctx context.Context, ev models.Event) {
	e.sink.Emit(ctx, ev)
}

// Dropped sums the backpressure drop counters across subscribers.
func (e *Emitter) Dropped() int {
	var total uint64
	for _, s := range e.sinks {
		if c, ok := s.(DroppedCounter); ok {
			total += c.DroppedCount()
		}
	}
	return int(total)
}

// RunStart emits the run_start event.
func (e *Emitter) RunStart(ctx context.Context) {
	e.send(ctx, e.base(models.EventRunStart))
}

// Assistant emits an assistant_message event.
func (e *Emitter) Assistant(ctx context.Context, content string, toolCalls []models.ToolCall, thinking string) {
	ev := e.base(models.EventAssistantMessage)
	ev.Assistant = &models.AssistantPayload{
		Content:   content,
		ToolCalls: toolCalls,
		Thinking:  thinking,
	}
	e.send(ctx, ev)
}

// ToolCallsRequested announces the tool batch of the current turn.
func (e *Emitter) ToolCallsRequested(ctx context.Context, calls []models.ToolCall) {
	ev := e.base(models.EventToolCallsRequested)
	ev.ToolCalls = &models.ToolCallsPayload{Calls: calls}
	e.send(ctx, ev)
}

// ToolPhase reports one tool call crossing a lifecycle boundary.
func (e *Emitter) ToolPhase(ctx context.Context, toolCallID, toolName string, phase models.ToolPhaseState, result, errMsg string) {
	ev := e.base(models.EventToolPhase)
	ev.ToolPhase = &models.ToolPhasePayload{
		ToolCallID: toolCallID,
		ToolName:   toolName,
		Phase:      phase,
		Result:     result,
		Error:      errMsg,
	}
	e.send(ctx, ev)
}

// ApprovalRequired emits an approval_required event for an undecided call.
func (e *Emitter) ApprovalRequired(ctx context.Context, toolCallID, toolName string, args json.RawMessage, signature string) {
	ev := e.base(models.EventApprovalRequired)
	ev.Approval = &models.ApprovalPayload{
		ToolCallID: toolCallID,
		ToolName:   toolName,
		Args:       args,
		Signature:  signature,
		Status:     models.ApprovalPending,
	}
	e.send(ctx, ev)
}

// ApprovalDecision broadcasts a recorded decision.
func (e *Emitter) ApprovalDecision(ctx context.Context, entry models.ApprovalEntry) {
	ev := e.base(models.EventApprovalDecision)
	ev.Approval = &models.ApprovalPayload{
		ToolCallID:        entry.ToolCallID,
		ToolName:          entry.ToolName,
		Signature:         entry.Signature,
		Status:            entry.Status,
		AdditionalContext: entry.AdditionalContext,
	}
	e.send(ctx, ev)
}

// ToolStream passes a tool-emitted event through to subscribers.
func (e *Emitter) ToolStream(ctx context.Context, t models.EventType, toolCallID, data, message string, progress float64) {
	ev := e.base(t)
	ev.ToolStream = &models.ToolStreamPayload{
		ToolCallID: toolCallID,
		Data:       data,
		Message:    message,
		Progress:   progress,
	}
	e.send(ctx, ev)
}

// TokenUsage reports the accounting of one model call.
func (e *Emitter) TokenUsage(ctx context.Context, usage models.TokenUsage) {
	ev := e.base(models.EventTokenUsage)
	ev.Usage = &usage
	e.send(ctx, ev)
}

// RunEnd closes the stream with the outcome and run accounting.
func (e *Emitter) RunEnd(ctx context.Context, outcome models.RunOutcome, turnCount, droppedEvents int, duration time.Duration) {
	ev := e.base(models.EventRunEnd)
	ev.End = &models.RunEndPayload{
		Outcome:       outcome,
		TurnCount:     turnCount,
		DroppedEvents: droppedEvents,
		DurationMs:    duration.Milliseconds(),
	}
	e.send(ctx, ev)
}

// Error emits an error event for a fatal run failure.
func (e *Emitter) Error(ctx context.Context, kind models.ErrorKind, message string) {
	ev := e.base(models.EventError)
	ev.Error = &models.ErrorPayload{Kind: kind, Message: message}
	e.send(ctx, ev)
}

// phaseReporter bridges the tool-facing Reporter to the run's emitter,
// scoped to one tool call.
type phaseReporter struct {
	ctx        context.Context
	em         *Emitter
	toolCallID string
}

func (r phaseReporter) PartialResult(data string) {
	r.em.ToolStream(r.ctx, models.EventToolPartialResult, r.toolCallID, data, "", 0)
}

func (r phaseReporter) StreamingOutput(data string) {
	r.em.ToolStream(r.ctx, models.EventToolStreamingOut, r.toolCallID, data, "", 0)
}

func (r phaseReporter) Progress(message string, fraction float64) {
	r.em.ToolStream(r.ctx, models.EventToolProgress, r.toolCallID, "", message, fraction)
}
