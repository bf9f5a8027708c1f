// Package approvals persists human decisions about tool calls, keyed by
// conversation. Decisions are matched back onto later runs by tool-call id
// or, when the provider regenerated ids, by call signature.
package approvals

import (
	"context"
	"reflect"
	"time"

	"github.com/haasonsaas/runloop/pkg/models"
)

// Store records and retrieves approval decisions for a conversation.
type Store interface {
	// Get returns all persisted entries keyed by tool-call id.
	Get(ctx context.Context, conversationID string) (map[string]models.ApprovalEntry, error)

	// Record upserts one decision. Merging follows mergeEntry: additional
	// context merges shallowly and the timestamp only moves when the status
	// or context actually changed.
	Record(ctx context.Context, conversationID, sessionID string, entry models.ApprovalEntry) error

	// SignatureIndex returns the entries keyed by call signature. Entries
	// without a signature are absent.
	SignatureIndex(ctx context.Context, conversationID string) (map[string]models.ApprovalEntry, error)
}

// entryKey is the persisted key for one decision.
func entryKey(sessionID, toolCallID string) string {
	return sessionID + ":" + toolCallID
}

// mergeEntry upserts incoming over existing. Identity fields fill in when
// newly provided, additionalContext merges shallowly, and the timestamp is
// preserved on writes that change nothing, so repeated submissions stay
// idempotent.
func mergeEntry(existing *models.ApprovalEntry, incoming models.ApprovalEntry, now time.Time) models.ApprovalEntry {
	if incoming.Timestamp.IsZero() {
		incoming.Timestamp = now
	}
	incoming.Approved = incoming.Status == models.ApprovalApproved
	if existing == nil {
		return incoming
	}

	out := *existing
	changed := false

	if incoming.Status != "" && incoming.Status != existing.Status {
		out.Status = incoming.Status
		out.Approved = incoming.Status == models.ApprovalApproved
		changed = true
	}
	if incoming.ToolName != "" {
		out.ToolName = incoming.ToolName
	}
	if incoming.Signature != "" {
		out.Signature = incoming.Signature
	}
	if len(incoming.AdditionalContext) > 0 {
		merged := make(map[string]any, len(existing.AdditionalContext)+len(incoming.AdditionalContext))
		for k, v := range existing.AdditionalContext {
			merged[k] = v
		}
		for k, v := range incoming.AdditionalContext {
			if old, ok := merged[k]; !ok || !reflect.DeepEqual(old, v) {
				changed = true
			}
			merged[k] = v
		}
		out.AdditionalContext = merged
	}

	if changed {
		out.Timestamp = incoming.Timestamp
	}
	return out
}

// SignatureIndexOf derives the signature view from an id-keyed entry map.
func SignatureIndexOf(entries map[string]models.ApprovalEntry) map[string]models.ApprovalEntry {
	out := make(map[string]models.ApprovalEntry, len(entries))
	for _, entry := range entries {
		if entry.Signature == "" {
			continue
		}
		existing, ok := out[entry.Signature]
		if ok && !entry.Timestamp.After(existing.Timestamp) {
			continue
		}
		out[entry.Signature] = entry
	}
	return out
}

// collapseByToolCallID reduces persisted session-scoped entries to one entry
// per tool-call id, preferring the most recent write.
func collapseByToolCallID(entries map[string]models.ApprovalEntry) map[string]models.ApprovalEntry {
	out := make(map[string]models.ApprovalEntry, len(entries))
	for _, entry := range entries {
		if entry.ToolCallID == "" {
			continue
		}
		existing, ok := out[entry.ToolCallID]
		if ok && !entry.Timestamp.After(existing.Timestamp) {
			continue
		}
		out[entry.ToolCallID] = entry
	}
	return out
}
