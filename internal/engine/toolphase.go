package engine

import (
	"context"
	"runtime/debug"
	"sync"
	"time"

	"github.com/haasonsaas/runloop/internal/auth"
	"github.com/haasonsaas/runloop/internal/tools"
	"github.com/haasonsaas/runloop/pkg/models"
)

// phaseOutcome is the result of servicing one tool batch.
type phaseOutcome struct {
	state         models.RunState
	interruptions []models.Interruption
	fatal         *RunError
}

// toolPhase services the trailing batch. Calls run in declaration order;
// calls already answered by the batch's tool messages are skipped. With
// ParallelTools enabled, a batch of independent, fully gated calls executes
// concurrently instead.
func (r *run) toolPhase(ctx context.Context, state models.RunState, batch toolBatch) phaseOutcome {
	if r.opts.ParallelTools {
		if prepared, ok := r.prepareParallel(ctx, state, batch); ok {
			return r.runParallel(ctx, state, prepared)
		}
	}
	return r.runSequential(ctx, state, batch)
}

func (r *run) runSequential(ctx context.Context, state models.RunState, batch toolBatch) phaseOutcome {
	// Undecided approvals are collected across the whole batch so the
	// approver gets one round-trip; execution stops at the first one.
	var pending []models.Interruption

	for _, tc := range batch.assistant.ToolCalls {
		if batch.resolved[tc.ID] {
			continue
		}
		collecting := len(pending) > 0

		if err := ctx.Err(); err != nil {
			return phaseOutcome{state: state, fatal: wrapRunError(models.ErrKindCancelled, err)}
		}

		tool, found := r.eng.tools.Get(r.agent.Name, tc.Name)
		if !found {
			if collecting {
				continue
			}
			state = r.appendSynthesized(ctx, state, tc, tools.NotFoundPayload(), "tool_not_found")
			continue
		}

		if err := tool.ValidateArgs(tc.Arguments); err != nil {
			if collecting {
				continue
			}
			state = r.appendSynthesized(ctx, state, tc, tools.Invalidf("%v", err).Payload(), "invalid_input")
			continue
		}

		rc := r.runContextFor(ctx, tc)

		if tool.NeedsApproval != nil && tool.NeedsApproval(tc.Arguments, rc) {
			var entry models.ApprovalEntry
			var decided bool
			state, entry, decided = r.approvalFor(state, tc)
			if !decided {
				var intr models.Interruption
				state, intr = r.interruptApproval(ctx, state, tc)
				pending = append(pending, intr)
				continue
			}
			if entry.Status == models.ApprovalRejected {
				if collecting {
					continue
				}
				state = r.appendSynthesized(ctx, state, tc,
					tools.ApprovalDeniedPayload(rejectionReason(entry)), "approval_denied")
				continue
			}
		}
		if collecting {
			continue
		}

		if tool.Auth != nil && r.eng.auth != nil {
			cred, challenge, err := r.eng.auth.Acquire(ctx, r.agent.Name, tc.Name, tool.Auth, r.runID, tc.ID)
			if err != nil {
				r.logger.Error("credential acquisition failed", "tool", tc.Name, "error", err)
				return phaseOutcome{state: state, fatal: wrapRunError(models.ErrKindUnexpected, err)}
			}
			if challenge != nil {
				return phaseOutcome{
					state:         state,
					interruptions: []models.Interruption{r.authInterruption(ctx, tc, challenge)},
				}
			}
			rc.Credential = cred
			rc.Auth = r.eng.auth.InvokerFor(r.agent.Name, tc.Name, tool.Auth)
		}

		r.em.ToolPhase(ctx, tc.ID, tc.Name, models.ToolPhaseStarted, "", "")
		out, cancelled := r.executeTool(ctx, tool, tc, rc)
		if cancelled {
			state = state.AppendMessage(toolMessage(tc.ID, tools.CancelledPayload()))
			r.em.ToolPhase(ctx, tc.ID, tc.Name, models.ToolPhaseFailed, "", "cancelled")
			return phaseOutcome{
				state: state,
				fatal: runErrorf(models.ErrKindCancelled, "run cancelled during tool %s", tc.Name),
			}
		}

		var interruptions []models.Interruption
		state, interruptions = r.processOutcome(ctx, state, tc, out)
		if len(interruptions) > 0 {
			return phaseOutcome{state: state, interruptions: interruptions}
		}
		r.flush(ctx, state)
	}

	return phaseOutcome{state: state, interruptions: pending}
}

// processOutcome folds a tool outcome into the transcript: results become
// tool messages, interrupt outcomes become interruptions.
func (r *run) processOutcome(ctx context.Context, state models.RunState, tc models.ToolCall, out tools.Outcome) (models.RunState, []models.Interruption) {
	switch out.Kind {
	case tools.KindFailure:
		payload := out.Payload()
		state = state.AppendMessage(toolMessage(tc.ID, payload))
		r.em.ToolPhase(ctx, tc.ID, tc.Name, models.ToolPhaseFailed, "", out.FailureMessage)
		r.req.Hooks.toolResult(ctx, r.logger, tc.ID, payload)
		return state, nil
	case tools.KindAuthRequired:
		return state, []models.Interruption{r.authInterruption(ctx, tc, out.Challenge)}
	case tools.KindClarification:
		return state, []models.Interruption{{
			Kind:       models.InterruptClarification,
			ToolCallID: tc.ID,
			ToolName:   tc.Name,
			SessionID:  r.runID,
			Question:   out.Question,
			Options:    out.Options,
		}}
	case tools.KindInterrupted:
		return state, out.Interruptions
	default: // KindOK
		payload := out.Payload()
		state = state.AppendMessage(toolMessage(tc.ID, payload))
		r.em.ToolPhase(ctx, tc.ID, tc.Name, models.ToolPhaseCompleted, payload, "")
		r.req.Hooks.toolResult(ctx, r.logger, tc.ID, payload)
		return state, nil
	}
}

// executeTool runs the tool body in its own goroutine so the engine can
// enforce the per-tool timeout and the cancellation grace window. The
// second return reports that the run was cancelled and the tool did not
// return within the grace window; its eventual result is discarded.
func (r *run) executeTool(ctx context.Context, tool *tools.Tool, tc models.ToolCall, rc *tools.RunContext) (tools.Outcome, bool) {
	execCtx := ctx
	if r.opts.ToolTimeout > 0 {
		var cancel context.CancelFunc
		execCtx, cancel = context.WithTimeout(ctx, r.opts.ToolTimeout)
		defer cancel()
	}

	resCh := make(chan tools.Outcome, 1)
	go func() {
		defer func() {
			if rec := recover(); rec != nil {
				r.logger.Error("tool panicked",
					"tool", tc.Name, "tool_call_id", tc.ID,
					"panic", rec, "stack", string(debug.Stack()))
				resCh <- tools.Errf("tool %s panicked: %v", tc.Name, rec)
			}
		}()
		resCh <- tool.Execute(execCtx, tc.Arguments, rc)
	}()

	select {
	case out := <-resCh:
		return out, false
	case <-execCtx.Done():
	}

	if ctx.Err() == nil {
		// Per-tool timeout with the run still alive: the step failed, the
		// run continues.
		go r.drainLateResult(resCh, tc, "timeout")
		return tools.Errf("tool %s timed out after %s", tc.Name, r.opts.ToolTimeout), false
	}

	// Run cancelled: the in-flight tool gets the grace window to return.
	timer := time.NewTimer(r.opts.CancelGrace)
	defer timer.Stop()
	select {
	case out := <-resCh:
		return out, false
	case <-timer.C:
		go r.drainLateResult(resCh, tc, "cancellation")
		return tools.Outcome{}, true
	}
}

// drainLateResult consumes a result that arrived past its deadline so the
// executing goroutine can exit, and records the loss.
func (r *run) drainLateResult(resCh <-chan tools.Outcome, tc models.ToolCall, reason string) {
	<-resCh
	r.logger.Warn("discarding late tool result",
		"tool", tc.Name, "tool_call_id", tc.ID, "after", reason)
}

// appendSynthesized appends an engine-made tool result (unknown tool,
// invalid arguments, denied approval) without executing anything.
func (r *run) appendSynthesized(ctx context.Context, state models.RunState, tc models.ToolCall, payload, errMsg string) models.RunState {
	r.em.ToolPhase(ctx, tc.ID, tc.Name, models.ToolPhaseStarted, "", "")
	state = state.AppendMessage(toolMessage(tc.ID, payload))
	r.em.ToolPhase(ctx, tc.ID, tc.Name, models.ToolPhaseFailed, "", errMsg)
	r.req.Hooks.toolResult(ctx, r.logger, tc.ID, payload)
	r.flush(ctx, state)
	return state
}

// approvalFor resolves the decision for a call: the in-state entry when
// decided, otherwise a persisted decision matched by call signature.
// Signature matches cover providers that regenerate tool-call ids and
// nested runs re-executed after an approval interrupt.
func (r *run) approvalFor(state models.RunState, tc models.ToolCall) (models.RunState, models.ApprovalEntry, bool) {
	if entry, ok := state.Approvals[tc.ID]; ok && entry.Decided() {
		return state, entry, true
	}
	if entry, ok := r.sigIndex[tc.Signature()]; ok && entry.Decided() {
		entry.ToolCallID = tc.ID
		return state.SetApproval(tc.ID, entry), entry, true
	}
	return state, models.ApprovalEntry{}, false
}

// interruptApproval records a pending decision for an undecided
// approval-requiring call and builds its interruption.
func (r *run) interruptApproval(ctx context.Context, state models.RunState, tc models.ToolCall) (models.RunState, models.Interruption) {
	sig := tc.Signature()
	entry := models.ApprovalEntry{
		ToolCallID: tc.ID,
		ToolName:   tc.Name,
		Signature:  sig,
		Status:     models.ApprovalPending,
		Timestamp:  time.Now(),
	}
	state = state.SetApproval(tc.ID, entry)
	if r.eng.approvals != nil && r.approvalScope != "" {
		if err := r.eng.approvals.Record(ctx, r.approvalScope, r.runID, entry); err != nil {
			r.logger.Warn("recording pending approval failed",
				"tool_call_id", tc.ID, "error", err)
		}
	}
	r.em.ApprovalRequired(ctx, tc.ID, tc.Name, tc.Arguments, sig)
	return state, models.Interruption{
		Kind:       models.InterruptToolApproval,
		ToolCallID: tc.ID,
		ToolName:   tc.Name,
		SessionID:  r.runID,
		Args:       tc.Arguments,
		Signature:  sig,
	}
}

// authInterruption builds a tool_auth interruption and makes sure the
// pending route for the auth callback exists.
func (r *run) authInterruption(ctx context.Context, tc models.ToolCall, ch *auth.Challenge) models.Interruption {
	intr := models.Interruption{
		Kind:       models.InterruptToolAuth,
		ToolCallID: tc.ID,
		ToolName:   tc.Name,
		SessionID:  r.runID,
	}
	if ch == nil {
		return intr
	}
	intr.AuthKey = ch.AuthKey
	intr.AuthorizationURL = ch.AuthorizationURL
	intr.SchemeType = string(ch.SchemeType)
	intr.Scopes = ch.Scopes
	if r.eng.auth != nil && ch.AuthKey != "" {
		if err := r.eng.auth.Store().PutPending(ctx, r.runID, tc.ID, ch.AuthKey, 0); err != nil {
			r.logger.Warn("recording auth callback route failed",
				"tool_call_id", tc.ID, "error", err)
		}
	}
	return intr
}

func (r *run) runContextFor(ctx context.Context, tc models.ToolCall) *tools.RunContext {
	return &tools.RunContext{
		RunID:          r.runID,
		TraceID:        r.traceID,
		ConversationID: r.conversationID,
		SessionID:      r.runID,
		AgentName:      r.agent.Name,
		Context:        r.req.Context,
		Report:         phaseReporter{ctx: ctx, em: r.em, toolCallID: tc.ID},
	}
}

func toolMessage(toolCallID, content string) models.Message {
	return models.Message{Role: models.RoleTool, ToolCallID: toolCallID, Content: content}
}

func rejectionReason(entry models.ApprovalEntry) string {
	if entry.AdditionalContext == nil {
		return ""
	}
	if reason, ok := entry.AdditionalContext["rejectionReason"].(string); ok {
		return reason
	}
	return ""
}

// preparedCall is a tool call that cleared every gate during the parallel
// pre-flight pass.
type preparedCall struct {
	tc   models.ToolCall
	tool *tools.Tool
	rc   *tools.RunContext
}

// prepareParallel checks whether the whole batch may run concurrently:
// every call unresolved, every tool present, independent, with valid
// arguments, an approved decision where one is required, and a usable
// credential where auth is declared. The pass has no side effects; any
// miss falls back to sequential execution.
func (r *run) prepareParallel(ctx context.Context, state models.RunState, batch toolBatch) ([]preparedCall, bool) {
	if len(batch.assistant.ToolCalls) < 2 {
		return nil, false
	}
	prepared := make([]preparedCall, 0, len(batch.assistant.ToolCalls))
	for _, tc := range batch.assistant.ToolCalls {
		if batch.resolved[tc.ID] {
			return nil, false
		}
		tool, found := r.eng.tools.Get(r.agent.Name, tc.Name)
		if !found || !tool.Independent {
			return nil, false
		}
		if err := tool.ValidateArgs(tc.Arguments); err != nil {
			return nil, false
		}
		rc := r.runContextFor(ctx, tc)
		if tool.NeedsApproval != nil && tool.NeedsApproval(tc.Arguments, rc) {
			_, entry, decided := r.approvalFor(state, tc)
			if !decided || entry.Status != models.ApprovalApproved {
				return nil, false
			}
		}
		if tool.Auth != nil && r.eng.auth != nil {
			switch tool.Auth.Scheme {
			case auth.SchemeAPIKey, auth.SchemeHTTPBearer:
				cred, challenge, err := r.eng.auth.Acquire(ctx, r.agent.Name, tc.Name, tool.Auth, r.runID, tc.ID)
				if err != nil || challenge != nil {
					return nil, false
				}
				rc.Credential = cred
			default:
				cred, err := r.eng.auth.Store().GetTokens(ctx, auth.KeyFor(r.agent.Name, tc.Name, tool.Auth))
				if err != nil || !cred.Valid(time.Now(), auth.DefaultExpirySkew) {
					return nil, false
				}
				rc.Credential = cred
			}
			rc.Auth = r.eng.auth.InvokerFor(r.agent.Name, tc.Name, tool.Auth)
		}
		prepared = append(prepared, preparedCall{tc: tc, tool: tool, rc: rc})
	}
	return prepared, true
}

// runParallel executes a fully gated batch concurrently. Results are folded
// back in declaration order so the transcript and event tail match the
// sequential layout.
func (r *run) runParallel(ctx context.Context, state models.RunState, prepared []preparedCall) phaseOutcome {
	type slot struct {
		out       tools.Outcome
		cancelled bool
	}
	results := make([]slot, len(prepared))
	sem := make(chan struct{}, r.opts.ParallelLimit)
	var wg sync.WaitGroup
	for i, pc := range prepared {
		wg.Add(1)
		go func(i int, pc preparedCall) {
			defer wg.Done()
			sem <- struct{}{}
			defer func() { <-sem }()
			r.em.ToolPhase(ctx, pc.tc.ID, pc.tc.Name, models.ToolPhaseStarted, "", "")
			out, cancelled := r.executeTool(ctx, pc.tool, pc.tc, pc.rc)
			results[i] = slot{out: out, cancelled: cancelled}
		}(i, pc)
	}
	wg.Wait()

	var interruptions []models.Interruption
	var fatal *RunError
	for i, pc := range prepared {
		res := results[i]
		if res.cancelled {
			state = state.AppendMessage(toolMessage(pc.tc.ID, tools.CancelledPayload()))
			r.em.ToolPhase(ctx, pc.tc.ID, pc.tc.Name, models.ToolPhaseFailed, "", "cancelled")
			if fatal == nil {
				fatal = runErrorf(models.ErrKindCancelled, "run cancelled during tool %s", pc.tc.Name)
			}
			continue
		}
		var ints []models.Interruption
		state, ints = r.processOutcome(ctx, state, pc.tc, res.out)
		interruptions = append(interruptions, ints...)
	}
	r.flush(ctx, state)

	if fatal != nil {
		return phaseOutcome{state: state, fatal: fatal}
	}
	return phaseOutcome{state: state, interruptions: interruptions}
}
