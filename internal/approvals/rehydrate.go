package approvals

import (
	"sort"

	"github.com/haasonsaas/runloop/pkg/models"
)

// Rehydrate resolves persisted decisions onto the tool calls of the current
// assistant tail. Resolution prefers exact id matches; entries whose id is
// gone are matched by call signature instead, covering providers that
// regenerate tool-call ids between runs. Unresolvable entries are stale and
// dropped. Only decided entries seed a run: pending ones stay undecided.
//
// The function is pure. Callers pass the persisted map and the tool calls of
// the most recent assistant message; the result is keyed by current id, with
// each entry's ToolCallID rewritten to the id it resolved to.
func Rehydrate(persisted map[string]models.ApprovalEntry, tail []models.ToolCall) map[string]models.ApprovalEntry {
	out := make(map[string]models.ApprovalEntry)
	if len(persisted) == 0 || len(tail) == 0 {
		return out
	}

	currentIDs := make(map[string]bool, len(tail))
	// A signature can appear on several calls of one batch; keep ids in
	// declaration order so each decision claims the first open slot.
	bySig := make(map[string][]string, len(tail))
	for _, tc := range tail {
		currentIDs[tc.ID] = true
		sig := tc.Signature()
		bySig[sig] = append(bySig[sig], tc.ID)
	}

	claimed := make(map[string]bool, len(tail))
	var bySignature []models.ApprovalEntry
	for _, entry := range persisted {
		if !entry.Decided() {
			continue
		}
		if currentIDs[entry.ToolCallID] {
			out[entry.ToolCallID] = entry
			claimed[entry.ToolCallID] = true
			continue
		}
		if entry.Signature != "" {
			bySignature = append(bySignature, entry)
		}
	}

	// Newest decisions claim first; ties break on id for determinism.
	sort.Slice(bySignature, func(i, j int) bool {
		if !bySignature[i].Timestamp.Equal(bySignature[j].Timestamp) {
			return bySignature[i].Timestamp.After(bySignature[j].Timestamp)
		}
		return bySignature[i].ToolCallID < bySignature[j].ToolCallID
	})
	for _, entry := range bySignature {
		for _, id := range bySig[entry.Signature] {
			if claimed[id] {
				continue
			}
			resolved := entry
			resolved.ToolCallID = id
			out[id] = resolved
			claimed[id] = true
			break
		}
	}
	return out
}
