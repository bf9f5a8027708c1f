package gateway

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/haasonsaas/runloop/internal/memory"
	"github.com/haasonsaas/runloop/pkg/models"
)

// pendingApproval is one wire item in the /approvals/pending response.
type pendingApproval struct {
	ToolCallID string          `json:"toolCallId"`
	ToolName   string          `json:"toolName"`
	Args       json.RawMessage `json:"args"`
	Signature  string          `json:"signature"`
	Status     string          `json:"status"`
}

// handlePendingApprovals reconstructs the open tool batch of a
// conversation from its persisted messages. A call is pending when the
// last assistant message requested it, no tool result answers it, and no
// decision for it is on record.
func (s *Server) handlePendingApprovals(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.jsonError(w, http.StatusMethodNotAllowed, "method_not_allowed", "use GET")
		return
	}
	conversationID := r.URL.Query().Get("conversationId")
	if conversationID == "" {
		s.jsonError(w, http.StatusBadRequest, "invalid_request", "conversationId is required")
		return
	}
	mem := s.engine.Memory()
	if mem == nil {
		s.jsonError(w, http.StatusServiceUnavailable, "provider_unconfigured", "memory provider is not configured")
		return
	}

	conv, err := mem.GetConversation(r.Context(), conversationID)
	if err != nil {
		if errors.Is(err, memory.ErrNotFound) {
			s.jsonResponse(w, http.StatusOK, map[string]any{"pending": []pendingApproval{}})
			return
		}
		s.jsonError(w, http.StatusInternalServerError, "internal_error", err.Error())
		return
	}

	var decided map[string]models.ApprovalEntry
	var decidedBySig map[string]models.ApprovalEntry
	if store := s.engine.Approvals(); store != nil {
		if entries, err := store.Get(r.Context(), conversationID); err == nil {
			decided = entries
		} else {
			s.logger.Warn("approval store read failed", "error", err, "conversation_id", conversationID)
		}
		if index, err := store.SignatureIndex(r.Context(), conversationID); err == nil {
			decidedBySig = index
		}
	}

	pending := derivePending(conv.Messages, decided, decidedBySig)
	s.jsonResponse(w, http.StatusOK, map[string]any{"pending": pending})
}

// derivePending walks back to the last assistant message that requested
// tools and returns its unanswered, undecided calls.
func derivePending(messages []models.Message, decided, decidedBySig map[string]models.ApprovalEntry) []pendingApproval {
	pending := []pendingApproval{}

	last := -1
	for i := len(messages) - 1; i >= 0; i-- {
		if messages[i].Role == models.RoleAssistant && messages[i].HasToolCalls() {
			last = i
			break
		}
	}
	if last == -1 {
		return pending
	}

	answered := map[string]bool{}
	for _, msg := range messages[last+1:] {
		if msg.Role == models.RoleTool && msg.ToolCallID != "" {
			answered[msg.ToolCallID] = true
		}
	}

	for _, tc := range messages[last].ToolCalls {
		if answered[tc.ID] {
			continue
		}
		if entry, ok := decided[tc.ID]; ok && entry.Decided() {
			continue
		}
		sig := tc.Signature()
		if entry, ok := decidedBySig[sig]; ok && entry.Decided() {
			continue
		}
		pending = append(pending, pendingApproval{
			ToolCallID: tc.ID,
			ToolName:   tc.Name,
			Args:       tc.Arguments,
			Signature:  sig,
			Status:     string(models.ApprovalPending),
		})
	}
	return pending
}

// approvalStreamKeepalive spaces the comment frames that hold idle
// approval streams open through proxies.
const approvalStreamKeepalive = 30 * time.Second

// handleApprovalsStream relays approval_required and approval_decision
// events over SSE, optionally filtered to one conversation.
func (s *Server) handleApprovalsStream(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.jsonError(w, http.StatusMethodNotAllowed, "method_not_allowed", "use GET")
		return
	}
	if s.hub == nil || s.engine.Approvals() == nil {
		s.jsonError(w, http.StatusServiceUnavailable, "provider_unconfigured", "approval store is not configured")
		return
	}

	sw, err := newSSEWriter(w)
	if err != nil {
		s.jsonError(w, http.StatusInternalServerError, "internal_error", err.Error())
		return
	}

	conversationID := r.URL.Query().Get("conversationId")
	sub := s.hub.Subscribe(conversationID, models.EventApprovalRequired, models.EventApprovalDecision)
	defer sub.Close()

	// First frame flushes the headers so clients unblock on connect.
	if err := sw.WriteComment("connected"); err != nil {
		return
	}

	keepalive := time.NewTicker(approvalStreamKeepalive)
	defer keepalive.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-keepalive.C:
			if err := sw.WriteComment("ping"); err != nil {
				return
			}
		case ev, ok := <-sub.Events():
			if !ok {
				return
			}
			if err := sw.WriteEvent(string(ev.Type), ev); err != nil {
				return
			}
		}
	}
}
