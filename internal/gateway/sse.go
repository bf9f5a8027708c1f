package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"

	"github.com/haasonsaas/runloop/pkg/models"
)

// sseWriter frames server-sent events on an HTTP response. Callers must
// hold writes to a single goroutine; the engine's BoundedSink drain and
// the hub feed loops both satisfy that.
type sseWriter struct {
	w       http.ResponseWriter
	flusher http.Flusher
}

// newSSEWriter prepares the response for event streaming. It fails when
// the underlying writer cannot flush, which the caller should surface as
// an HTTP error before any body is written.
func newSSEWriter(w http.ResponseWriter) (*sseWriter, error) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return nil, fmt.Errorf("streaming unsupported")
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	return &sseWriter{w: w, flusher: flusher}, nil
}

// WriteEvent frames one named event with a JSON payload and flushes it.
func (s *sseWriter) WriteEvent(name string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal sse payload: %w", err)
	}
	if _, err := fmt.Fprintf(s.w, "event: %s\ndata: %s\n\n", name, data); err != nil {
		return err
	}
	s.flusher.Flush()
	return nil
}

// WriteComment emits an SSE comment line. Comments are ignored by
// clients and keep idle connections alive through proxies.
func (s *sseWriter) WriteComment(text string) error {
	if _, err := fmt.Fprintf(s.w, ": %s\n\n", text); err != nil {
		return err
	}
	s.flusher.Flush()
	return nil
}

// sseSink adapts an sseWriter into an engine sink for streaming /chat
// responses. It is always wrapped in a BoundedSink, whose single drain
// goroutine serializes Emit calls; after the first write failure the
// sink goes quiet since the client is gone and the run finishes on its
// own terms.
type sseSink struct {
	w      *sseWriter
	logger *slog.Logger

	mu     sync.Mutex
	failed bool
}

func newSSESink(w *sseWriter, logger *slog.Logger) *sseSink {
	return &sseSink{w: w, logger: logger}
}

func (s *sseSink) Emit(_ context.Context, e models.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failed {
		return
	}
	if err := s.w.WriteEvent(string(e.Type), e); err != nil {
		s.failed = true
		if s.logger != nil {
			s.logger.Debug("sse client write failed", "error", err, "run_id", e.RunID)
		}
	}
}

func (s *sseSink) ok() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return !s.failed
}
