package gateway

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/haasonsaas/runloop/internal/auth"
)

// authSubmitRequest is the POST /auth/submit body. The conversationId is
// accepted for symmetry with /chat but the pending route is keyed by
// session and tool call alone.
type authSubmitRequest struct {
	ConversationID  string `json:"conversationId,omitempty"`
	SessionID       string `json:"sessionId"`
	ToolCallID      string `json:"toolCallId"`
	AuthResponseURI string `json:"authResponseUri"`
	RedirectURI     string `json:"redirectUri,omitempty"`
}

// handleAuthSubmit deposits the OAuth callback for a paused tool call.
// The next /chat on the same conversation picks it up and resumes.
func (s *Server) handleAuthSubmit(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		s.jsonError(w, http.StatusMethodNotAllowed, "method_not_allowed", "use POST")
		return
	}
	flow := s.engine.Auth()
	if flow == nil {
		s.jsonError(w, http.StatusServiceUnavailable, "provider_unconfigured", "auth runtime is not configured")
		return
	}

	var req authSubmitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.jsonError(w, http.StatusBadRequest, "invalid_request", "malformed JSON body: "+err.Error())
		return
	}
	if req.SessionID == "" || req.ToolCallID == "" {
		s.jsonError(w, http.StatusBadRequest, "invalid_request", "sessionId and toolCallId are required")
		return
	}
	if req.AuthResponseURI == "" {
		s.jsonError(w, http.StatusBadRequest, "invalid_request", "authResponseUri is required")
		return
	}

	rsp := &auth.AuthResponse{
		AuthResponseURI: req.AuthResponseURI,
		RedirectURI:     req.RedirectURI,
	}
	if _, err := flow.HandleAuthSubmit(r.Context(), req.SessionID, req.ToolCallID, rsp); err != nil {
		if errors.Is(err, auth.ErrNotFound) {
			s.jsonError(w, http.StatusNotFound, "not_found", "no pending authorization for that tool call")
			return
		}
		s.jsonError(w, http.StatusInternalServerError, "internal_error", err.Error())
		return
	}

	s.jsonEnvelope(w, http.StatusOK, map[string]string{"status": "accepted"})
}
