// Package memory persists conversations: append-only message logs plus a
// metadata map. Backends are pluggable; the engine only sees Provider.
package memory

import (
	"context"
	"errors"

	"github.com/haasonsaas/runloop/pkg/models"
)

// ErrNotFound is returned when a conversation does not exist.
var ErrNotFound = errors.New("memory: conversation not found")

// MetadataToolApprovals is the metadata key holding persisted approval
// entries, keyed by "sessionId:toolCallId". It is the only metadata key
// merged entry-wise instead of replaced wholesale.
const MetadataToolApprovals = "toolApprovals"

// Conversation is a persisted conversation record.
type Conversation struct {
	ID       string           `json:"id"`
	Messages []models.Message `json:"messages"`
	Metadata map[string]any   `json:"metadata,omitempty"`
}

// Provider stores conversations. Implementations must make each operation
// atomic per conversation id.
type Provider interface {
	// GetConversation returns the full record or ErrNotFound.
	GetConversation(ctx context.Context, id string) (*Conversation, error)

	// AppendMessages atomically appends messages and merges metadataPatch.
	// A missing conversation is created.
	AppendMessages(ctx context.Context, id string, msgs []models.Message, metadataPatch map[string]any) error

	// StoreMessages creates a conversation. It is a no-op when the
	// conversation already exists.
	StoreMessages(ctx context.Context, id string, msgs []models.Message, metadata map[string]any) error

	// DeleteConversation removes a conversation, reporting whether it
	// existed.
	DeleteConversation(ctx context.Context, id string) (bool, error)

	// HealthCheck verifies the backend is reachable.
	HealthCheck(ctx context.Context) error
}

// MergeMetadata applies patch over base. Top-level keys replace, except
// MetadataToolApprovals whose entries merge individually so concurrent
// decision writes do not clobber each other. Neither input is mutated.
func MergeMetadata(base, patch map[string]any) map[string]any {
	out := make(map[string]any, len(base)+len(patch))
	for k, v := range base {
		out[k] = v
	}
	for k, v := range patch {
		if k == MetadataToolApprovals {
			out[k] = mergeApprovalEntries(out[k], v)
			continue
		}
		out[k] = v
	}
	return out
}

func mergeApprovalEntries(existing, incoming any) any {
	inMap, ok := incoming.(map[string]any)
	if !ok {
		return incoming
	}
	exMap, ok := existing.(map[string]any)
	if !ok {
		exMap = nil
	}
	merged := make(map[string]any, len(exMap)+len(inMap))
	for k, v := range exMap {
		merged[k] = v
	}
	for k, v := range inMap {
		merged[k] = v
	}
	return merged
}
