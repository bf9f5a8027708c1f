package approvals

import (
	"context"
	"testing"
	"time"

	"github.com/haasonsaas/runloop/pkg/models"
)

func TestMemoryStoreRecordAndGet(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	err := s.Record(ctx, "conv-1", "run-1", models.ApprovalEntry{
		ToolCallID: "tc-1",
		ToolName:   "delete_file",
		Signature:  "sig-1",
		Status:     models.ApprovalApproved,
	})
	if err != nil {
		t.Fatal(err)
	}

	entries, err := s.Get(ctx, "conv-1")
	if err != nil {
		t.Fatal(err)
	}
	entry, ok := entries["tc-1"]
	if !ok {
		t.Fatalf("entry missing: %+v", entries)
	}
	if entry.Status != models.ApprovalApproved || !entry.Approved {
		t.Fatalf("status not recorded: %+v", entry)
	}
	if entry.Timestamp.IsZero() {
		t.Fatal("timestamp should be stamped on first write")
	}

	other, err := s.Get(ctx, "conv-2")
	if err != nil {
		t.Fatal(err)
	}
	if len(other) != 0 {
		t.Fatal("conversations must be isolated")
	}
}

func TestMemoryStoreIdempotentWritePreservesTimestamp(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	t0 := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return t0 }

	entry := models.ApprovalEntry{
		ToolCallID:        "tc-1",
		Status:            models.ApprovalApproved,
		AdditionalContext: map[string]any{"reviewer": "ops"},
	}
	if err := s.Record(ctx, "conv-1", "run-1", entry); err != nil {
		t.Fatal(err)
	}

	// Same decision later: nothing changed, timestamp stays.
	s.now = func() time.Time { return t0.Add(time.Hour) }
	if err := s.Record(ctx, "conv-1", "run-1", entry); err != nil {
		t.Fatal(err)
	}
	entries, _ := s.Get(ctx, "conv-1")
	if got := entries["tc-1"].Timestamp; !got.Equal(t0) {
		t.Fatalf("idempotent write moved the timestamp: %v", got)
	}

	// Status flip: timestamp moves.
	flip := entry
	flip.Status = models.ApprovalRejected
	if err := s.Record(ctx, "conv-1", "run-1", flip); err != nil {
		t.Fatal(err)
	}
	entries, _ = s.Get(ctx, "conv-1")
	got := entries["tc-1"]
	if got.Status != models.ApprovalRejected || got.Approved {
		t.Fatalf("status flip not applied: %+v", got)
	}
	if !got.Timestamp.Equal(t0.Add(time.Hour)) {
		t.Fatalf("status change should move the timestamp: %v", got.Timestamp)
	}
}

func TestMemoryStoreContextMergesShallowly(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	if err := s.Record(ctx, "conv-1", "run-1", models.ApprovalEntry{
		ToolCallID:        "tc-1",
		Status:            models.ApprovalRejected,
		AdditionalContext: map[string]any{"rejectionReason": "too broad", "reviewer": "ops"},
	}); err != nil {
		t.Fatal(err)
	}
	if err := s.Record(ctx, "conv-1", "run-1", models.ApprovalEntry{
		ToolCallID:        "tc-1",
		Status:            models.ApprovalRejected,
		AdditionalContext: map[string]any{"reviewer": "security"},
	}); err != nil {
		t.Fatal(err)
	}

	entries, _ := s.Get(ctx, "conv-1")
	got := entries["tc-1"].AdditionalContext
	if got["rejectionReason"] != "too broad" {
		t.Fatalf("existing context keys must survive: %+v", got)
	}
	if got["reviewer"] != "security" {
		t.Fatalf("incoming context keys must win: %+v", got)
	}
}

func TestMemoryStoreSessionScopedKeys(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	t0 := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return t0 }
	if err := s.Record(ctx, "conv-1", "run-1", models.ApprovalEntry{
		ToolCallID: "tc-1",
		Status:     models.ApprovalApproved,
	}); err != nil {
		t.Fatal(err)
	}

	s.now = func() time.Time { return t0.Add(time.Minute) }
	if err := s.Record(ctx, "conv-1", "run-2", models.ApprovalEntry{
		ToolCallID: "tc-1",
		Status:     models.ApprovalRejected,
	}); err != nil {
		t.Fatal(err)
	}

	// Both session entries persist; the id view shows the latest.
	entries, _ := s.Get(ctx, "conv-1")
	if len(entries) != 1 {
		t.Fatalf("expected one collapsed entry, got %d", len(entries))
	}
	if entries["tc-1"].Status != models.ApprovalRejected {
		t.Fatalf("latest session write should win: %+v", entries["tc-1"])
	}
}

func TestSignatureIndex(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	if err := s.Record(ctx, "conv-1", "run-1", models.ApprovalEntry{
		ToolCallID: "tc-1",
		Signature:  "sig-a",
		Status:     models.ApprovalApproved,
	}); err != nil {
		t.Fatal(err)
	}
	if err := s.Record(ctx, "conv-1", "run-1", models.ApprovalEntry{
		ToolCallID: "tc-2",
		Status:     models.ApprovalApproved, // no signature
	}); err != nil {
		t.Fatal(err)
	}

	index, err := s.SignatureIndex(ctx, "conv-1")
	if err != nil {
		t.Fatal(err)
	}
	if len(index) != 1 {
		t.Fatalf("expected only the signed entry, got %+v", index)
	}
	if index["sig-a"].ToolCallID != "tc-1" {
		t.Fatalf("wrong entry indexed: %+v", index["sig-a"])
	}
}

func TestMemoryStorePrunePending(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	t0 := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return t0 }
	if err := s.Record(ctx, "conv-1", "run-1", models.ApprovalEntry{
		ToolCallID: "tc-stale",
		Status:     models.ApprovalPending,
	}); err != nil {
		t.Fatal(err)
	}
	if err := s.Record(ctx, "conv-1", "run-1", models.ApprovalEntry{
		ToolCallID: "tc-decided",
		Status:     models.ApprovalApproved,
	}); err != nil {
		t.Fatal(err)
	}

	s.now = func() time.Time { return t0.Add(2 * time.Hour) }
	if err := s.Record(ctx, "conv-2", "run-2", models.ApprovalEntry{
		ToolCallID: "tc-fresh",
		Status:     models.ApprovalPending,
	}); err != nil {
		t.Fatal(err)
	}

	pruned, err := s.PrunePending(ctx, t0.Add(time.Hour))
	if err != nil {
		t.Fatal(err)
	}
	if pruned != 1 {
		t.Fatalf("pruned = %d, want 1", pruned)
	}

	entries, _ := s.Get(ctx, "conv-1")
	if _, ok := entries["tc-stale"]; ok {
		t.Fatal("stale pending entry should be pruned")
	}
	if _, ok := entries["tc-decided"]; !ok {
		t.Fatal("decided entry must survive the sweep")
	}
	fresh, _ := s.Get(ctx, "conv-2")
	if _, ok := fresh["tc-fresh"]; !ok {
		t.Fatal("fresh pending entry must survive the sweep")
	}
}
