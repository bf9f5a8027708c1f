package gateway

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/haasonsaas/runloop/internal/engine"
	"github.com/haasonsaas/runloop/pkg/models"
)

// chatRequest is the POST /chat body.
type chatRequest struct {
	AgentName      string                      `json:"agentName"`
	Messages       []models.Message            `json:"messages"`
	Context        map[string]any              `json:"context,omitempty"`
	MaxTurns       int                         `json:"maxTurns,omitempty"`
	Stream         bool                        `json:"stream,omitempty"`
	ConversationID string                      `json:"conversationId,omitempty"`
	Memory         *chatMemoryOptions          `json:"memory,omitempty"`
	Approvals      []engine.ApprovalSubmission `json:"approvals,omitempty"`
}

// chatMemoryOptions mirrors the wire shape of the per-request memory
// tuning block. autoStore defaults to true when omitted.
type chatMemoryOptions struct {
	AutoStore            *bool `json:"autoStore,omitempty"`
	MaxMessages          int   `json:"maxMessages,omitempty"`
	CompressionThreshold int   `json:"compressionThreshold,omitempty"`
	StoreOnCompletion    bool  `json:"storeOnCompletion,omitempty"`
}

func (m *chatMemoryOptions) toEngine() *engine.MemoryOptions {
	if m == nil {
		return nil
	}
	opts := &engine.MemoryOptions{
		MaxMessages:          m.MaxMessages,
		CompressionThreshold: m.CompressionThreshold,
		StoreOnCompletion:    m.StoreOnCompletion,
	}
	if m.AutoStore != nil && !*m.AutoStore {
		opts.Disabled = true
	}
	return opts
}

// chatResponseData is the data member of the /chat envelope and the
// payload of the final stream_end event when streaming.
type chatResponseData struct {
	RunID           string            `json:"runId"`
	TraceID         string            `json:"traceId"`
	ConversationID  string            `json:"conversationId,omitempty"`
	Messages        []models.Message  `json:"messages"`
	Outcome         models.RunOutcome `json:"outcome"`
	TurnCount       int               `json:"turnCount"`
	ExecutionTimeMs int64             `json:"executionTimeMs"`
}

func chatDataFromResult(result *engine.RunResult) chatResponseData {
	return chatResponseData{
		RunID:           result.RunID,
		TraceID:         result.TraceID,
		ConversationID:  result.ConversationID,
		Messages:        result.Messages,
		Outcome:         result.Outcome,
		TurnCount:       result.TurnCount,
		ExecutionTimeMs: result.Duration.Milliseconds(),
	}
}

func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		s.jsonError(w, http.StatusMethodNotAllowed, "method_not_allowed", "use POST")
		return
	}

	var req chatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.jsonError(w, http.StatusBadRequest, "invalid_request", "malformed JSON body: "+err.Error())
		return
	}
	if req.AgentName == "" {
		s.jsonError(w, http.StatusBadRequest, "invalid_request", "agentName is required")
		return
	}
	// A resume carries no new messages; everything else needs at least one.
	if len(req.Messages) == 0 && req.ConversationID == "" {
		s.jsonError(w, http.StatusBadRequest, "invalid_request", "messages or conversationId is required")
		return
	}
	for i, msg := range req.Messages {
		if err := msg.Validate(); err != nil {
			s.jsonError(w, http.StatusBadRequest, "invalid_request", "messages["+strconv.Itoa(i)+"]: "+err.Error())
			return
		}
	}

	runReq := &engine.RunRequest{
		AgentName:      req.AgentName,
		Messages:       req.Messages,
		Context:        req.Context,
		MaxTurns:       req.MaxTurns,
		ConversationID: req.ConversationID,
		Memory:         req.Memory.toEngine(),
		Approvals:      req.Approvals,
	}
	if runReq.Memory == nil && s.memoryMessages > 0 {
		runReq.Memory = &engine.MemoryOptions{MaxMessages: s.memoryMessages}
	}

	if req.Stream {
		s.handleChatStream(w, r, runReq)
		return
	}

	result, err := s.engine.Run(r.Context(), runReq)
	if err != nil {
		s.writeRunError(w, err)
		return
	}

	status := http.StatusOK
	if result.Outcome.Status == models.RunErrored {
		status = http.StatusInternalServerError
	}
	s.jsonEnvelope(w, status, chatDataFromResult(result))
}

// handleChatStream runs the request with events flowing to the client as
// SSE. The request context owns the run: a dropped connection cancels it.
func (s *Server) handleChatStream(w http.ResponseWriter, r *http.Request, runReq *engine.RunRequest) {
	// Admission problems must surface as plain JSON before the stream
	// starts, so resolve the agent up front.
	if _, ok := s.engine.Agents().Get(runReq.AgentName); !ok {
		s.jsonError(w, http.StatusNotFound, "agent_not_found", "unknown agent: "+runReq.AgentName)
		return
	}

	sw, err := newSSEWriter(w)
	if err != nil {
		s.jsonError(w, http.StatusInternalServerError, "internal_error", err.Error())
		return
	}

	sink := newSSESink(sw, s.logger)
	bounded := engine.NewBoundedSink(sink, s.streamBuffer)
	runReq.Sink = bounded

	result, runErr := s.engine.Run(r.Context(), runReq)

	// Close joins the drain goroutine, so every buffered event is on the
	// wire before the terminal frame below.
	bounded.Close()

	if runErr != nil {
		_ = sw.WriteEvent(string(models.EventError), map[string]string{"message": runErr.Error()})
		_ = sw.WriteEvent(string(models.EventStreamEnd), map[string]any{"success": false})
		return
	}
	if !sink.ok() {
		// Client went away mid-run; nothing left to tell it.
		return
	}
	_ = sw.WriteEvent(string(models.EventStreamEnd), chatDataFromResult(result))
}

func (s *Server) writeRunError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, engine.ErrAgentNotFound):
		s.jsonError(w, http.StatusNotFound, "agent_not_found", err.Error())
	case errors.Is(err, engine.ErrAgentNameRequired), errors.Is(err, engine.ErrNilRequest):
		s.jsonError(w, http.StatusBadRequest, "invalid_request", err.Error())
	default:
		s.jsonError(w, http.StatusInternalServerError, "internal_error", err.Error())
	}
}
