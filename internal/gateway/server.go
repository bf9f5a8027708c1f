// Package gateway exposes the run engine over HTTP: the /chat endpoint
// (synchronous JSON or SSE streaming), approval inspection and streaming,
// the OAuth callback used to resume auth-interrupted runs, a WebSocket
// event feed, and the usual operational endpoints.
package gateway

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/haasonsaas/runloop/internal/engine"
	"github.com/haasonsaas/runloop/internal/observability"
)

// Config carries the gateway's collaborators. Engine is required;
// everything else degrades gracefully when absent.
type Config struct {
	// Addr is the listen address, host:port. Defaults to ":8080".
	Addr string

	// Engine executes runs. Required.
	Engine *engine.Engine

	// Hub feeds the SSE approval stream and the WebSocket event feed.
	// It should also be registered as a sink on the engine so it sees
	// every run's events. When nil those endpoints return 503.
	Hub *Hub

	// Logger defaults to slog.Default().
	Logger *slog.Logger

	// Metrics records HTTP request metrics when set.
	Metrics *observability.Metrics

	// Timeline, when set, serves recent per-run event history at
	// GET /runs/{runId}/events for debugging.
	Timeline *observability.TimelineStore

	// Tracer, when set, opens a server span per request.
	Tracer *observability.Tracer

	// StreamBufferSize bounds the per-request event buffer for streaming
	// /chat responses. Defaults to DefaultSubscriptionBuffer.
	StreamBufferSize int

	// MemoryMaxMessages is the transcript window applied to /chat runs
	// whose request carries no memory block of its own. A request with an
	// explicit memory block takes full control. 0 applies no default.
	MemoryMaxMessages int
}

// Server is the HTTP boundary in front of the run engine.
type Server struct {
	addr           string
	engine         *engine.Engine
	hub            *Hub
	logger         *slog.Logger
	metrics        *observability.Metrics
	timeline       *observability.TimelineStore
	tracer         *observability.Tracer
	streamBuffer   int
	memoryMessages int

	httpServer *http.Server
	listener   net.Listener
}

// NewServer validates the config and builds the server. Start must be
// called to begin serving.
func NewServer(cfg Config) (*Server, error) {
	if cfg.Engine == nil {
		return nil, fmt.Errorf("gateway: engine is required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	addr := cfg.Addr
	if addr == "" {
		addr = ":8080"
	}
	streamBuffer := cfg.StreamBufferSize
	if streamBuffer <= 0 {
		streamBuffer = DefaultSubscriptionBuffer
	}
	return &Server{
		addr:           addr,
		engine:         cfg.Engine,
		hub:            cfg.Hub,
		logger:         logger,
		metrics:        cfg.Metrics,
		timeline:       cfg.Timeline,
		tracer:         cfg.Tracer,
		streamBuffer:   streamBuffer,
		memoryMessages: cfg.MemoryMaxMessages,
	}, nil
}

// Handler returns the full route table. Exposed for tests.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/chat", s.handleChat)
	mux.HandleFunc("/approvals/pending", s.handlePendingApprovals)
	mux.HandleFunc("/approvals/stream", s.handleApprovalsStream)
	mux.HandleFunc("/auth/submit", s.handleAuthSubmit)
	mux.HandleFunc("/healthz", s.handleHealthz)
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/events/ws", s.handleEventsWS)
	mux.HandleFunc("/runs/", s.handleRunEvents)

	return s.withRequestMetrics(mux)
}

// Start listens and serves in the background. It returns once the
// listener is bound; serve errors after that are logged.
func (s *Server) Start(ctx context.Context) error {
	handler := s.Handler()

	server := &http.Server{
		Addr:              s.addr,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
	}

	listener, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("http listen: %w", err)
	}

	s.httpServer = server
	s.listener = listener

	go func() {
		if err := server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("http server error", "error", err)
		}
	}()

	s.logger.Info("gateway listening", "addr", listener.Addr().String())
	return nil
}

// Addr reports the bound listen address. Useful when Addr was ":0".
func (s *Server) Addr() string {
	if s.listener == nil {
		return s.addr
	}
	return s.listener.Addr().String()
}

// Stop drains in-flight requests and shuts the listener down.
func (s *Server) Stop(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	shutdownCtx := ctx
	var cancel context.CancelFunc
	if shutdownCtx == nil {
		shutdownCtx, cancel = context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
	}
	err := s.httpServer.Shutdown(shutdownCtx)
	s.httpServer = nil
	s.listener = nil
	if err != nil {
		return fmt.Errorf("http shutdown: %w", err)
	}
	return nil
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	status := "ok"
	var providers map[string]string
	if mem := s.engine.Memory(); mem != nil {
		providers = map[string]string{}
		if err := mem.HealthCheck(r.Context()); err != nil {
			status = "degraded"
			providers["memory"] = err.Error()
		} else {
			providers["memory"] = "ok"
		}
	}
	s.jsonResponse(w, http.StatusOK, map[string]any{
		"status":    status,
		"providers": providers,
	})
}

// handleRunEvents serves GET /runs/{runId}/events from the timeline
// store. Debug surface only; returns 404 when no timeline is configured.
func (s *Server) handleRunEvents(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.jsonError(w, http.StatusMethodNotAllowed, "method_not_allowed", "use GET")
		return
	}
	if s.timeline == nil {
		s.jsonError(w, http.StatusNotFound, "not_found", "run timelines are not enabled")
		return
	}
	rest := strings.TrimPrefix(r.URL.Path, "/runs/")
	runID, ok := strings.CutSuffix(rest, "/events")
	if !ok || runID == "" || strings.Contains(runID, "/") {
		s.jsonError(w, http.StatusNotFound, "not_found", "unknown path")
		return
	}
	events, ok := s.timeline.Events(runID)
	if !ok || len(events) == 0 {
		s.jsonError(w, http.StatusNotFound, "not_found", "no events recorded for run")
		return
	}
	s.jsonEnvelope(w, http.StatusOK, map[string]any{
		"runId":   runID,
		"events":  events,
		"summary": observability.Summarize(events),
	})
}

// jsonResponse writes a bare JSON body.
func (s *Server) jsonResponse(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		s.logger.Error("json encode error", "error", err)
	}
}

// jsonEnvelope writes the {success, data} envelope used by data-bearing
// endpoints. Statuses at 400 and above carry success=false.
func (s *Server) jsonEnvelope(w http.ResponseWriter, status int, data any) {
	s.jsonResponse(w, status, map[string]any{
		"success": status < http.StatusBadRequest,
		"data":    data,
	})
}

// jsonError writes the {success:false, error:{code, message}} envelope.
func (s *Server) jsonError(w http.ResponseWriter, status int, code, message string) {
	s.jsonResponse(w, status, map[string]any{
		"success": false,
		"error":   map[string]string{"code": code, "message": message},
	})
}

// withRequestMetrics captures status, latency, and an optional server span
// for every request. The wrapper keeps Flush and Hijack passthroughs so the
// SSE and WebSocket endpoints still work behind it.
func (s *Server) withRequestMetrics(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapped := &responseWriter{ResponseWriter: w, status: http.StatusOK}

		if s.tracer != nil {
			ctx, span := s.tracer.TraceHTTPRequest(r.Context(), r.Method, metricsPath(r.URL.Path))
			r = r.WithContext(ctx)
			defer func() {
				s.tracer.SetAttributes(span, "http.status_code", wrapped.status)
				span.End()
			}()
		}

		next.ServeHTTP(wrapped, r)

		duration := time.Since(start)
		if s.metrics != nil {
			s.metrics.RecordHTTPRequest(r.Method, metricsPath(r.URL.Path), strconv.Itoa(wrapped.status), duration.Seconds())
		}
		s.logger.Debug("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", wrapped.status,
			"duration", duration,
		)
	})
}

// metricsPath collapses parameterized paths so label cardinality stays
// bounded.
func metricsPath(path string) string {
	if strings.HasPrefix(path, "/runs/") {
		return "/runs/{runId}/events"
	}
	return path
}

// responseWriter wraps http.ResponseWriter to capture the status code.
type responseWriter struct {
	http.ResponseWriter
	status      int
	wroteHeader bool
}

func (rw *responseWriter) WriteHeader(code int) {
	if !rw.wroteHeader {
		rw.status = code
		rw.wroteHeader = true
		rw.ResponseWriter.WriteHeader(code)
	}
}

func (rw *responseWriter) Write(b []byte) (int, error) {
	if !rw.wroteHeader {
		rw.WriteHeader(http.StatusOK)
	}
	return rw.ResponseWriter.Write(b)
}

// Flush implements http.Flusher for the SSE endpoints.
func (rw *responseWriter) Flush() {
	if flusher, ok := rw.ResponseWriter.(http.Flusher); ok {
		flusher.Flush()
	}
}

// Hijack implements http.Hijacker for the WebSocket upgrade.
func (rw *responseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	hj, ok := rw.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, fmt.Errorf("hijack unsupported")
	}
	return hj.Hijack()
}
