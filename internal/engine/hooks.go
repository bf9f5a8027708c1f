package engine

import (
	"context"
	"log/slog"

	"github.com/haasonsaas/runloop/pkg/models"
)

// Hooks are advisory callbacks observing a run. Panics inside hooks are
// recovered and logged; hooks never alter the run outcome.
type Hooks struct {
	OnRunStart         func(ctx context.Context, runID, conversationID string)
	OnAssistantMessage func(ctx context.Context, msg models.Message)
	OnToolCalls        func(ctx context.Context, calls []models.ToolCall)
	OnToolResult       func(ctx context.Context, toolCallID, result string)
	OnTokenUsage       func(ctx context.Context, usage models.TokenUsage)
	OnError            func(ctx context.Context, kind models.ErrorKind, message string)
	OnRunEnd           func(ctx context.Context, outcome models.RunOutcome)
}

// fireHook runs fn, containing panics so a misbehaving hook cannot take
// down the run.
func fireHook(logger *slog.Logger, name string, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			logger.Error("hook panicked", "hook", name, "panic", r)
		}
	}()
	fn()
}

func (h *Hooks) runStart(ctx context.Context, logger *slog.Logger, runID, conversationID string) {
	if h == nil || h.OnRunStart == nil {
		return
	}
	fireHook(logger, "onRunStart", func() { h.OnRunStart(ctx, runID, conversationID) })
}

func (h *Hooks) assistantMessage(ctx context.Context, logger *slog.Logger, msg models.Message) {
	if h == nil || h.OnAssistantMessage == nil {
		return
	}
	fireHook(logger, "onAssistantMessage", func() { h.OnAssistantMessage(ctx, msg) })
}

func (h *Hooks) toolCalls(ctx context.Context, logger *slog.Logger, calls []models.ToolCall) {
	if h == nil || h.OnToolCalls == nil {
		return
	}
	fireHook(logger, "onToolCalls", func() { h.OnToolCalls(ctx, calls) })
}

func (h *Hooks) toolResult(ctx context.Context, logger *slog.Logger, toolCallID, result string) {
	if h == nil || h.OnToolResult == nil {
		return
	}
	fireHook(logger, "onToolResult", func() { h.OnToolResult(ctx, toolCallID, result) })
}

func (h *Hooks) tokenUsage(ctx context.Context, logger *slog.Logger, usage models.TokenUsage) {
	if h == nil || h.OnTokenUsage == nil {
		return
	}
	fireHook(logger, "onTokenUsage", func() { h.OnTokenUsage(ctx, usage) })
}

func (h *Hooks) errorHook(ctx context.Context, logger *slog.Logger, kind models.ErrorKind, message string) {
	if h == nil || h.OnError == nil {
		return
	}
	fireHook(logger, "onError", func() { h.OnError(ctx, kind, message) })
}

func (h *Hooks) runEnd(ctx context.Context, logger *slog.Logger, outcome models.RunOutcome) {
	if h == nil || h.OnRunEnd == nil {
		return
	}
	fireHook(logger, "onRunEnd", func() { h.OnRunEnd(ctx, outcome) })
}
