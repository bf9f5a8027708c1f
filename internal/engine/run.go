package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/haasonsaas/runloop/internal/approvals"
	"github.com/haasonsaas/runloop/internal/memory"
	"github.com/haasonsaas/runloop/pkg/models"
)

// run owns one engine run from admission to terminal outcome. Exactly one
// goroutine advances it.
type run struct {
	eng    *Engine
	agent  *Agent
	req    *RunRequest
	opts   *Options
	logger *slog.Logger
	em     *Emitter

	runID          string
	traceID        string
	conversationID string
	approvalScope  string
	maxTurns       int

	// watermark counts transcript messages already persisted; everything
	// past it is appended on flush. seeded is the transcript length after
	// seeding (history plus request messages); messages past it were
	// produced by this run.
	watermark int
	seeded    int
	usage     models.TokenUsage

	// sigIndex holds persisted decisions keyed by call signature, built at
	// seed time. The approval gate falls back to it when a provider
	// regenerated tool-call ids, so a recorded decision follows the call.
	sigIndex map[string]models.ApprovalEntry
}

// execute drives the run to a terminal outcome. All failures after
// admission are folded into the outcome; execute never panics outward.
func (r *run) execute(ctx context.Context) *RunResult {
	start := time.Now()
	r.em.RunStart(ctx)
	r.req.Hooks.runStart(ctx, r.logger, r.runID, r.conversationID)

	state, err := r.seedState(ctx)
	if err != nil {
		r.logger.Error("run admission failed", "error", err)
		outcome := models.Errored(models.ErrKindUnexpected, err.Error())
		return r.finish(ctx, state, outcome, start)
	}

	outcome, state := r.loop(ctx, state)
	return r.finish(ctx, state, outcome, start)
}

// seedState loads the conversation, applies request approval submissions,
// rehydrates persisted decisions onto the open tool batch, and builds the
// initial RunState.
func (r *run) seedState(ctx context.Context) (models.RunState, error) {
	var persisted []models.Message
	if r.conversationID != "" && r.eng.memory != nil {
		conv, err := r.eng.memory.GetConversation(ctx, r.conversationID)
		switch {
		case err == nil:
			persisted = conv.Messages
		case errors.Is(err, memory.ErrNotFound):
			// New conversation.
		default:
			return models.RunState{}, fmt.Errorf("load conversation %s: %w", r.conversationID, err)
		}
	}
	r.watermark = len(persisted)

	msgs := make([]models.Message, 0, len(persisted)+len(r.req.Messages))
	msgs = append(msgs, persisted...)
	msgs = append(msgs, r.req.Messages...)
	r.seeded = len(msgs)
	state := models.NewRunState(r.runID, r.traceID, r.conversationID, r.agent.Name, msgs, r.req.Context)

	// Record caller decisions before the run starts so they survive this
	// run regardless of its outcome. Write failures are logged and the
	// decision still applies in-state.
	now := time.Now()
	for _, sub := range r.req.Approvals {
		if sub.ToolCallID == "" {
			continue
		}
		entry := sub.Entry()
		entry.Timestamp = now
		if r.eng.approvals != nil && r.approvalScope != "" {
			if err := r.eng.approvals.Record(ctx, r.approvalScope, sub.SessionID, entry); err != nil {
				r.logger.Warn("recording approval decision failed", "tool_call_id", sub.ToolCallID, "error", err)
			}
		}
		r.em.ApprovalDecision(ctx, entry)
	}

	entries := map[string]models.ApprovalEntry{}
	if r.eng.approvals != nil && r.approvalScope != "" {
		got, err := r.eng.approvals.Get(ctx, r.approvalScope)
		if err != nil {
			return state, fmt.Errorf("load approvals for %s: %w", r.approvalScope, err)
		}
		entries = got
	}
	// Overlay fresh submissions for the case where the store write failed
	// or no store is configured. Identity fields recorded with the pending
	// entry are kept; a submission only carries the decision.
	for _, sub := range r.req.Approvals {
		if sub.ToolCallID == "" {
			continue
		}
		entry := sub.Entry()
		entry.Timestamp = now
		if prev, ok := entries[sub.ToolCallID]; ok {
			if entry.ToolName == "" {
				entry.ToolName = prev.ToolName
			}
			if entry.Signature == "" {
				entry.Signature = prev.Signature
			}
		}
		entries[sub.ToolCallID] = entry
	}
	r.sigIndex = approvals.SignatureIndexOf(entries)

	var tail []models.ToolCall
	if batch, ok := openToolBatch(state.Messages); ok {
		tail = batch.assistant.ToolCalls
	}
	return state.SeedApprovals(approvals.Rehydrate(entries, tail)), nil
}

// loop is the turn state machine. Each iteration either services the open
// tool batch at the transcript tail or performs the next model call.
func (r *run) loop(ctx context.Context, state models.RunState) (models.RunOutcome, models.RunState) {
	for {
		if err := ctx.Err(); err != nil {
			return models.Errored(models.ErrKindCancelled, err.Error()), state
		}

		if batch, ok := openToolBatch(state.Messages); ok {
			res := r.toolPhase(ctx, state, batch)
			state = res.state
			if res.fatal != nil {
				return models.Errored(res.fatal.Kind, res.fatal.Message), state
			}
			if len(res.interruptions) > 0 {
				return models.Interrupted(res.interruptions), state
			}
			state = state.IncrementTurn()
			continue
		}

		if state.TurnCount >= r.maxTurns {
			r.logger.Warn("run exceeded max turns", "max_turns", r.maxTurns)
			return models.Errored(models.ErrKindMaxTurnsExceeded,
				fmt.Sprintf("reached max turns: %d", r.maxTurns)), state
		}

		resp, err := r.modelCall(ctx, state)
		if err != nil {
			if ctx.Err() != nil {
				return models.Errored(models.ErrKindCancelled, ctx.Err().Error()), state
			}
			r.logger.Error("model call failed", "transport", r.agent.Transport.Name(), "error", err)
			return models.Errored(models.ErrKindModel, err.Error()), state
		}
		if resp.Content == "" && len(resp.ToolCalls) == 0 {
			return models.Errored(models.ErrKindModelBehavior,
				"model returned neither content nor tool calls"), state
		}

		assistant := models.Message{
			Role:      models.RoleAssistant,
			Content:   resp.Content,
			ToolCalls: resp.ToolCalls,
		}
		state = state.AppendMessage(assistant)
		r.em.Assistant(ctx, resp.Content, resp.ToolCalls, resp.Thinking)
		r.req.Hooks.assistantMessage(ctx, r.logger, assistant)

		if resp.Usage.Total > 0 || resp.Usage.Prompt > 0 || resp.Usage.Completion > 0 {
			r.usage = r.usage.Add(resp.Usage)
			r.em.TokenUsage(ctx, resp.Usage)
			r.req.Hooks.tokenUsage(ctx, r.logger, resp.Usage)
		}

		if len(resp.ToolCalls) == 0 {
			r.flush(ctx, state)
			return models.Completed(resp.Content), state
		}

		r.em.ToolCallsRequested(ctx, resp.ToolCalls)
		r.req.Hooks.toolCalls(ctx, r.logger, resp.ToolCalls)
		r.flush(ctx, state)
	}
}

// modelCall performs one completion with the configured timeout.
func (r *run) modelCall(ctx context.Context, state models.RunState) (*ModelResponse, error) {
	msgs := state.Messages
	if r.req.Memory != nil && r.req.Memory.MaxMessages > 0 {
		msgs = memory.TrimMessages(msgs, r.req.Memory.MaxMessages)
	}
	mreq := &ModelRequest{
		Model:        r.agent.Model,
		Instructions: r.agent.Instructions,
		Messages:     msgs,
		Tools:        r.toolDeclarations(),
		MaxTokens:    r.agent.MaxTokens,
	}
	callCtx := ctx
	if r.opts.ModelTimeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, r.opts.ModelTimeout)
		defer cancel()
	}
	resp, err := r.agent.Transport.Complete(callCtx, mreq)
	if err != nil {
		return nil, err
	}
	if resp == nil {
		return nil, fmt.Errorf("transport %s returned no response", r.agent.Transport.Name())
	}
	return resp, nil
}

func (r *run) toolDeclarations() []ToolDeclaration {
	list := r.eng.tools.List(r.agent.Name)
	if len(list) == 0 {
		return nil
	}
	decls := make([]ToolDeclaration, len(list))
	for i, t := range list {
		decls[i] = ToolDeclaration{Name: t.Name, Description: t.Description, Schema: t.Schema}
	}
	return decls
}

// flush appends transcript messages past the watermark to the conversation.
// Persistence failures are logged and swallowed so bookkeeping cannot fail
// a run.
func (r *run) flush(ctx context.Context, state models.RunState) {
	if !r.persistEnabled() || r.deferPersist() {
		return
	}
	r.appendPending(ctx, state, nil)
}

func (r *run) persistEnabled() bool {
	if r.eng.memory == nil || r.conversationID == "" {
		return false
	}
	return r.req.Memory == nil || !r.req.Memory.Disabled
}

func (r *run) deferPersist() bool {
	return r.req.Memory != nil && r.req.Memory.StoreOnCompletion
}

func (r *run) appendPending(ctx context.Context, state models.RunState, metadata map[string]any) {
	pending := state.Messages[r.watermark:]
	if len(pending) == 0 && len(metadata) == 0 {
		return
	}
	if err := r.eng.memory.AppendMessages(ctx, r.conversationID, pending, metadata); err != nil {
		r.logger.Error("persisting conversation failed",
			"conversation_id", r.conversationID, "messages", len(pending), "error", err)
		return
	}
	r.watermark = len(state.Messages)
}

// finish persists outstanding messages, emits the terminal events, and
// builds the result.
func (r *run) finish(ctx context.Context, state models.RunState, outcome models.RunOutcome, start time.Time) *RunResult {
	// Terminal persistence must survive cancellation.
	persistCtx := ctx
	if persistCtx.Err() != nil {
		var cancel context.CancelFunc
		persistCtx, cancel = context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
	}
	if r.persistEnabled() {
		r.appendPending(persistCtx, state, map[string]any{
			"runId":   r.runID,
			"traceId": r.traceID,
		})
	}

	if outcome.Status == models.RunErrored && outcome.Error != nil {
		r.em.Error(ctx, outcome.Error.Kind, outcome.Error.Message)
		r.req.Hooks.errorHook(ctx, r.logger, outcome.Error.Kind, outcome.Error.Message)
	}

	duration := time.Since(start)
	dropped := r.em.Dropped()
	r.em.RunEnd(ctx, outcome, state.TurnCount, dropped, duration)
	r.req.Hooks.runEnd(ctx, r.logger, outcome)

	newStart := r.seeded
	if newStart > len(state.Messages) {
		newStart = len(state.Messages)
	}
	return &RunResult{
		RunID:          r.runID,
		TraceID:        r.traceID,
		ConversationID: r.conversationID,
		Messages:       state.Messages,
		NewMessages:    state.Messages[newStart:],
		Outcome:        outcome,
		TurnCount:      state.TurnCount,
		Usage:          r.usage,
		DroppedEvents:  dropped,
		Duration:       duration,
	}
}

// toolBatch is the transcript's trailing tool batch: the assistant message
// that owns it and the call ids already answered by the trailing tool
// messages. Resolution is scoped to the batch's own trailing run, so a
// provider reusing a call id from an earlier batch does not mask the new
// call.
type toolBatch struct {
	assistant models.Message
	resolved  map[string]bool
}

// openToolBatch finds an unfinished trailing batch: a message run of the
// form [assistant{tool_calls}, tool...] where some call still lacks its
// result. A trailing user, system, or plain assistant message means no
// batch is open.
func openToolBatch(msgs []models.Message) (toolBatch, bool) {
	i := len(msgs) - 1
	resolved := map[string]bool{}
	for i >= 0 && msgs[i].Role == models.RoleTool {
		resolved[msgs[i].ToolCallID] = true
		i--
	}
	if i < 0 {
		return toolBatch{}, false
	}
	m := msgs[i]
	if !m.HasToolCalls() {
		return toolBatch{}, false
	}
	for _, tc := range m.ToolCalls {
		if !resolved[tc.ID] {
			return toolBatch{assistant: m, resolved: resolved}, true
		}
	}
	return toolBatch{}, false
}
