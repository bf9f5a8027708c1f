package memory

import "github.com/haasonsaas/runloop/pkg/models"

// TrimMessages applies a sliding window of maxMessages over a transcript,
// keeping the most recent messages. The first system message survives the
// window so the agent never loses its instructions. maxMessages <= 0
// disables trimming.
func TrimMessages(msgs []models.Message, maxMessages int) []models.Message {
	if maxMessages <= 0 || len(msgs) <= maxMessages {
		return msgs
	}

	sysIdx := -1
	for i := range msgs {
		if msgs[i].Role == models.RoleSystem {
			sysIdx = i
			break
		}
	}

	start := len(msgs) - maxMessages
	if sysIdx == -1 || sysIdx >= start {
		return msgs[start:]
	}

	out := make([]models.Message, 0, maxMessages)
	out = append(out, msgs[sysIdx])
	out = append(out, msgs[len(msgs)-(maxMessages-1):]...)
	return out
}
