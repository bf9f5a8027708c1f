package approvals

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/haasonsaas/runloop/internal/memory"
	"github.com/haasonsaas/runloop/pkg/models"
)

// ConversationStore persists decisions inside the conversation record's
// metadata (under memory.MetadataToolApprovals), so approvals live and die
// with the conversation and need no second database.
type ConversationStore struct {
	provider memory.Provider
	now      func() time.Time
}

// NewConversationStore wraps a memory provider.
func NewConversationStore(provider memory.Provider) *ConversationStore {
	return &ConversationStore{provider: provider, now: time.Now}
}

func (s *ConversationStore) Get(ctx context.Context, conversationID string) (map[string]models.ApprovalEntry, error) {
	raw, err := s.rawEntries(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	return collapseByToolCallID(raw), nil
}

func (s *ConversationStore) Record(ctx context.Context, conversationID, sessionID string, entry models.ApprovalEntry) error {
	if entry.ToolCallID == "" {
		return fmt.Errorf("approvals: entry has no tool call id")
	}
	raw, err := s.rawEntries(ctx, conversationID)
	if err != nil {
		return err
	}
	key := entryKey(sessionID, entry.ToolCallID)
	var existing *models.ApprovalEntry
	if prev, ok := raw[key]; ok {
		existing = &prev
	}
	merged := mergeEntry(existing, entry, s.now())

	encoded, err := encodeEntry(merged)
	if err != nil {
		return err
	}
	patch := map[string]any{
		memory.MetadataToolApprovals: map[string]any{key: encoded},
	}
	return s.provider.AppendMessages(ctx, conversationID, nil, patch)
}

func (s *ConversationStore) SignatureIndex(ctx context.Context, conversationID string) (map[string]models.ApprovalEntry, error) {
	entries, err := s.Get(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	return SignatureIndexOf(entries), nil
}

// rawEntries decodes the persisted entry map keyed by "sessionId:toolCallId".
func (s *ConversationStore) rawEntries(ctx context.Context, conversationID string) (map[string]models.ApprovalEntry, error) {
	conv, err := s.provider.GetConversation(ctx, conversationID)
	if errors.Is(err, memory.ErrNotFound) {
		return map[string]models.ApprovalEntry{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("approvals: load conversation: %w", err)
	}

	out := map[string]models.ApprovalEntry{}
	stored, ok := conv.Metadata[memory.MetadataToolApprovals].(map[string]any)
	if !ok {
		return out, nil
	}
	for key, value := range stored {
		entry, err := decodeEntry(value)
		if err != nil {
			// Skip unreadable entries rather than failing the run.
			continue
		}
		out[key] = entry
	}
	return out, nil
}

// Metadata values round trip through JSON backends, so entries are encoded
// to plain maps on write and decoded from whatever shape comes back.

func encodeEntry(entry models.ApprovalEntry) (map[string]any, error) {
	data, err := json.Marshal(entry)
	if err != nil {
		return nil, fmt.Errorf("approvals: encode entry: %w", err)
	}
	var out map[string]any
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("approvals: encode entry: %w", err)
	}
	return out, nil
}

func decodeEntry(value any) (models.ApprovalEntry, error) {
	data, err := json.Marshal(value)
	if err != nil {
		return models.ApprovalEntry{}, err
	}
	var entry models.ApprovalEntry
	if err := json.Unmarshal(data, &entry); err != nil {
		return models.ApprovalEntry{}, err
	}
	return entry, nil
}
