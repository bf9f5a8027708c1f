package observability

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/haasonsaas/runloop/pkg/models"
)

// TimelineStore captures the event stream of recent runs for debugging and
// replay. It implements the engine's Sink interface; register it as an
// engine-level sink and query it by run id.
//
// Storage is bounded: once maxRuns is exceeded the oldest run's timeline is
// evicted wholesale. Events within a run are kept in emission order, which
// is also sequence order since each run's stream is totally ordered.
type TimelineStore struct {
	mu      sync.RWMutex
	runs    map[string][]models.Event
	order   []string
	byConv  map[string][]string
	maxRuns int
}

// NewTimelineStore creates a store retaining at most maxRuns run timelines
// (<= 0 uses 256).
func NewTimelineStore(maxRuns int) *TimelineStore {
	if maxRuns <= 0 {
		maxRuns = 256
	}
	return &TimelineStore{
		runs:    make(map[string][]models.Event),
		byConv:  make(map[string][]string),
		maxRuns: maxRuns,
	}
}

// Emit records one event under its run id.
func (s *TimelineStore) Emit(_ context.Context, e models.Event) {
	if e.RunID == "" {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.runs[e.RunID]; !ok {
		if len(s.order) >= s.maxRuns {
			s.evictOldestLocked()
		}
		s.order = append(s.order, e.RunID)
		if e.ConversationID != "" {
			s.byConv[e.ConversationID] = append(s.byConv[e.ConversationID], e.RunID)
		}
	}
	s.runs[e.RunID] = append(s.runs[e.RunID], e)
}

// Events returns the captured timeline for a run, or false when the run is
// unknown (never seen or already evicted).
func (s *TimelineStore) Events(runID string) ([]models.Event, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	events, ok := s.runs[runID]
	if !ok {
		return nil, false
	}
	out := make([]models.Event, len(events))
	copy(out, events)
	return out, true
}

// RunsForConversation returns the run ids captured for a conversation, oldest
// first.
func (s *TimelineStore) RunsForConversation(conversationID string) []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ids := s.byConv[conversationID]
	out := make([]string, len(ids))
	copy(out, ids)
	return out
}

// evictOldestLocked removes the least recently started run.
func (s *TimelineStore) evictOldestLocked() {
	if len(s.order) == 0 {
		return
	}
	oldest := s.order[0]
	s.order = s.order[1:]

	if events := s.runs[oldest]; len(events) > 0 {
		conv := events[0].ConversationID
		if conv != "" {
			ids := s.byConv[conv]
			for i, id := range ids {
				if id == oldest {
					s.byConv[conv] = append(ids[:i], ids[i+1:]...)
					break
				}
			}
			if len(s.byConv[conv]) == 0 {
				delete(s.byConv, conv)
			}
		}
	}
	delete(s.runs, oldest)
}

// TimelineSummary provides aggregate statistics for one run's timeline.
type TimelineSummary struct {
	RunID          string        `json:"run_id"`
	ConversationID string        `json:"conversation_id,omitempty"`
	AgentName      string        `json:"agent_name,omitempty"`
	StartTime      time.Time     `json:"start_time"`
	EndTime        time.Time     `json:"end_time"`
	Duration       time.Duration `json:"duration"`
	TotalEvents    int           `json:"total_events"`
	Turns          int           `json:"turns"`
	ToolCalls      int           `json:"tool_calls"`
	Interruptions  int           `json:"interruptions"`
	Errors         int           `json:"errors"`
	Outcome        string        `json:"outcome,omitempty"`
}

// Summarize derives aggregate statistics from a run timeline.
func Summarize(events []models.Event) TimelineSummary {
	if len(events) == 0 {
		return TimelineSummary{}
	}

	sorted := make([]models.Event, len(events))
	copy(sorted, events)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Sequence < sorted[j].Sequence })

	sum := TimelineSummary{
		RunID:          sorted[0].RunID,
		ConversationID: sorted[0].ConversationID,
		AgentName:      sorted[0].AgentName,
		StartTime:      sorted[0].Time,
		EndTime:        sorted[len(sorted)-1].Time,
		TotalEvents:    len(sorted),
	}
	sum.Duration = sum.EndTime.Sub(sum.StartTime)

	for _, e := range sorted {
		switch e.Type {
		case models.EventAssistantMessage:
			sum.Turns++
		case models.EventToolPhase:
			if e.ToolPhase != nil && e.ToolPhase.Phase == models.ToolPhaseStarted {
				sum.ToolCalls++
			}
		case models.EventApprovalRequired:
			sum.Interruptions++
		case models.EventError:
			sum.Errors++
		case models.EventRunEnd:
			if e.End != nil {
				sum.Outcome = string(e.End.Outcome.Status)
				sum.Interruptions += len(e.End.Outcome.Interruptions)
			}
		}
	}
	return sum
}

// FormatTimeline renders a run timeline for terminal display.
func FormatTimeline(events []models.Event) string {
	if len(events) == 0 {
		return "No events found"
	}

	sum := Summarize(events)

	var b strings.Builder
	fmt.Fprintf(&b, "=== Timeline for run %s ===\n", sum.RunID)
	if sum.ConversationID != "" {
		fmt.Fprintf(&b, "Conversation: %s\n", sum.ConversationID)
	}
	fmt.Fprintf(&b, "Agent: %s\n", sum.AgentName)
	fmt.Fprintf(&b, "Duration: %v\n", sum.Duration)
	fmt.Fprintf(&b, "Events: %d (turns: %d, tool calls: %d, errors: %d)\n\n",
		sum.TotalEvents, sum.Turns, sum.ToolCalls, sum.Errors)

	for i, e := range events {
		prefix := "├─"
		if i == len(events)-1 {
			prefix = "└─"
		}
		fmt.Fprintf(&b, "%s [%s] #%d %s%s\n",
			prefix, e.Time.Format("15:04:05.000"), e.Sequence, e.Type, timelineDetail(e))
	}
	return b.String()
}

// timelineDetail renders the type-specific suffix of one timeline line.
func timelineDetail(e models.Event) string {
	switch e.Type {
	case models.EventToolPhase:
		if e.ToolPhase != nil {
			return fmt.Sprintf(" %s (%s)", e.ToolPhase.ToolName, e.ToolPhase.Phase)
		}
	case models.EventApprovalRequired, models.EventApprovalDecision:
		if e.Approval != nil {
			return fmt.Sprintf(" %s [%s]", e.Approval.ToolName, e.Approval.Status)
		}
	case models.EventRunEnd:
		if e.End != nil {
			return fmt.Sprintf(" %s after %d turn(s)", e.End.Outcome.Status, e.End.TurnCount)
		}
	case models.EventError:
		if e.Error != nil {
			return fmt.Sprintf(" %s: %s", e.Error.Kind, e.Error.Message)
		}
	}
	return ""
}
