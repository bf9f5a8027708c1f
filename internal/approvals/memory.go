package approvals

import (
	"context"
	"sync"
	"time"

	"github.com/haasonsaas/runloop/pkg/models"
)

// MemoryStore is an in-process Store for tests and single-node deployments.
type MemoryStore struct {
	mu      sync.RWMutex
	entries map[string]map[string]models.ApprovalEntry // conversation id -> entry key -> entry
	now     func() time.Time
}

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		entries: make(map[string]map[string]models.ApprovalEntry),
		now:     time.Now,
	}
}

func (s *MemoryStore) Get(ctx context.Context, conversationID string) (map[string]models.ApprovalEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return collapseByToolCallID(s.entries[conversationID]), nil
}

func (s *MemoryStore) Record(ctx context.Context, conversationID, sessionID string, entry models.ApprovalEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	conv := s.entries[conversationID]
	if conv == nil {
		conv = make(map[string]models.ApprovalEntry)
		s.entries[conversationID] = conv
	}
	key := entryKey(sessionID, entry.ToolCallID)
	var existing *models.ApprovalEntry
	if prev, ok := conv[key]; ok {
		existing = &prev
	}
	conv[key] = mergeEntry(existing, entry, s.now())
	return nil
}

func (s *MemoryStore) SignatureIndex(ctx context.Context, conversationID string) (map[string]models.ApprovalEntry, error) {
	entries, err := s.Get(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	return SignatureIndexOf(entries), nil
}

// PrunePending drops undecided entries recorded before olderThan and returns
// how many were removed. Decided entries are kept; they are the audit trail
// resumes rehydrate from.
func (s *MemoryStore) PrunePending(ctx context.Context, olderThan time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	pruned := 0
	for convID, conv := range s.entries {
		for key, entry := range conv {
			if entry.Decided() {
				continue
			}
			if entry.Timestamp.Before(olderThan) {
				delete(conv, key)
				pruned++
			}
		}
		if len(conv) == 0 {
			delete(s.entries, convID)
		}
	}
	return pruned, nil
}
