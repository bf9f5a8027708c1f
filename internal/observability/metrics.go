package observability

import (
	"context"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/haasonsaas/runloop/pkg/models"
)

// Metrics provides a centralized interface for collecting application metrics.
//
// The metrics system is built on Prometheus and tracks:
//   - Run throughput and terminal outcomes per agent
//   - Turn counts and token consumption
//   - Tool execution patterns and latencies
//   - Interruptions by kind (approval, auth, clarification)
//   - Event-stream backpressure drops
//   - Active run counts for capacity planning
//
// Usage:
//
//	metrics := observability.NewMetrics()
//	metrics.RecordRun("support", "completed", duration.Seconds())
//	metrics.RecordToolExecution("get_weather", "success", 0.42)
type Metrics struct {
	// RunCounter counts runs by agent and terminal status.
	// Labels: agent, status (completed|interrupted|error)
	RunCounter *prometheus.CounterVec

	// RunDuration measures wall-clock run duration in seconds.
	// Labels: agent
	// Buckets: 0.1s, 0.5s, 1s, 2s, 5s, 10s, 30s, 60s, 120s
	RunDuration *prometheus.HistogramVec

	// TurnCounter counts completed turns by agent.
	// Labels: agent
	TurnCounter *prometheus.CounterVec

	// TokensUsed tracks token consumption.
	// Labels: agent, type (prompt|completion)
	TokensUsed *prometheus.CounterVec

	// ToolExecutionCounter counts tool invocations.
	// Labels: tool_name, status (success|error)
	ToolExecutionCounter *prometheus.CounterVec

	// ToolExecutionDuration measures tool execution time in seconds.
	// Labels: tool_name
	// Buckets: 0.01s, 0.05s, 0.1s, 0.5s, 1s, 5s, 10s, 30s, 60s
	ToolExecutionDuration *prometheus.HistogramVec

	// InterruptionCounter counts run interruptions by kind.
	// Labels: kind (tool_approval|tool_auth|clarification_required)
	InterruptionCounter *prometheus.CounterVec

	// ApprovalDecisionCounter counts recorded approval decisions.
	// Labels: status (pending|approved|rejected)
	ApprovalDecisionCounter *prometheus.CounterVec

	// EventsDropped counts stream events shed under backpressure.
	EventsDropped prometheus.Counter

	// ActiveRuns is a gauge tracking currently executing runs.
	ActiveRuns prometheus.Gauge

	// ErrorCounter tracks errors by component and error type.
	// Labels: component (engine|gateway|memory|auth), error_type
	ErrorCounter *prometheus.CounterVec

	// HTTPRequestDuration measures HTTP API request latency.
	// Labels: method, path, status_code
	// Buckets: 0.001s, 0.005s, 0.01s, 0.05s, 0.1s, 0.5s, 1s, 5s, 30s
	HTTPRequestDuration *prometheus.HistogramVec

	// HTTPRequestCounter counts HTTP requests.
	// Labels: method, path, status_code
	HTTPRequestCounter *prometheus.CounterVec
}

// NewMetrics creates and registers all Prometheus metrics with the default
// registry. This should be called once at application startup; the metrics
// are then available at the /metrics endpoint via the prometheus HTTP
// handler.
func NewMetrics() *Metrics {
	return NewMetricsWith(prometheus.DefaultRegisterer)
}

// NewMetricsWith creates the metrics against a specific registerer. Tests use
// this with a fresh registry to avoid duplicate-registration panics.
func NewMetricsWith(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		RunCounter: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "runloop_runs_total",
				Help: "Total number of runs by agent and terminal status",
			},
			[]string{"agent", "status"},
		),

		RunDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "runloop_run_duration_seconds",
				Help:    "Wall-clock duration of runs in seconds",
				Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 120},
			},
			[]string{"agent"},
		),

		TurnCounter: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "runloop_turns_total",
				Help: "Total number of completed turns by agent",
			},
			[]string{"agent"},
		),

		TokensUsed: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "runloop_tokens_total",
				Help: "Total number of tokens used by agent and type",
			},
			[]string{"agent", "type"},
		),

		ToolExecutionCounter: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "runloop_tool_executions_total",
				Help: "Total number of tool executions by tool name and status",
			},
			[]string{"tool_name", "status"},
		),

		ToolExecutionDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "runloop_tool_execution_duration_seconds",
				Help:    "Duration of tool executions in seconds",
				Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30, 60},
			},
			[]string{"tool_name"},
		),

		InterruptionCounter: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "runloop_interruptions_total",
				Help: "Total number of run interruptions by kind",
			},
			[]string{"kind"},
		),

		ApprovalDecisionCounter: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "runloop_approval_decisions_total",
				Help: "Total number of approval decisions by status",
			},
			[]string{"status"},
		),

		EventsDropped: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "runloop_events_dropped_total",
				Help: "Total number of stream events dropped under backpressure",
			},
		),

		ActiveRuns: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "runloop_active_runs",
				Help: "Current number of executing runs",
			},
		),

		ErrorCounter: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "runloop_errors_total",
				Help: "Total number of errors by component and error type",
			},
			[]string{"component", "error_type"},
		),

		HTTPRequestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "runloop_http_request_duration_seconds",
				Help:    "Duration of HTTP requests in seconds",
				Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5, 30},
			},
			[]string{"method", "path", "status_code"},
		),

		HTTPRequestCounter: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "runloop_http_requests_total",
				Help: "Total number of HTTP requests",
			},
			[]string{"method", "path", "status_code"},
		),
	}
}

// RecordRun records a terminal run outcome.
func (m *Metrics) RecordRun(agent, status string, durationSeconds float64) {
	m.RunCounter.WithLabelValues(agent, status).Inc()
	m.RunDuration.WithLabelValues(agent).Observe(durationSeconds)
}

// RecordTokens adds prompt and completion token counts for an agent.
func (m *Metrics) RecordTokens(agent string, prompt, completion int) {
	if prompt > 0 {
		m.TokensUsed.WithLabelValues(agent, "prompt").Add(float64(prompt))
	}
	if completion > 0 {
		m.TokensUsed.WithLabelValues(agent, "completion").Add(float64(completion))
	}
}

// RecordToolExecution records metrics for a tool execution.
func (m *Metrics) RecordToolExecution(toolName, status string, durationSeconds float64) {
	m.ToolExecutionCounter.WithLabelValues(toolName, status).Inc()
	m.ToolExecutionDuration.WithLabelValues(toolName).Observe(durationSeconds)
}

// RecordInterruption increments the interruption counter for a kind.
func (m *Metrics) RecordInterruption(kind string) {
	m.InterruptionCounter.WithLabelValues(kind).Inc()
}

// RecordApprovalDecision increments the decision counter for a status.
func (m *Metrics) RecordApprovalDecision(status string) {
	m.ApprovalDecisionCounter.WithLabelValues(status).Inc()
}

// RecordError increments the error counter for a component and error type.
func (m *Metrics) RecordError(component, errorType string) {
	m.ErrorCounter.WithLabelValues(component, errorType).Inc()
}

// RecordHTTPRequest records metrics for an HTTP request.
func (m *Metrics) RecordHTTPRequest(method, path, statusCode string, durationSeconds float64) {
	m.HTTPRequestCounter.WithLabelValues(method, path, statusCode).Inc()
	m.HTTPRequestDuration.WithLabelValues(method, path, statusCode).Observe(durationSeconds)
}

// MetricsSink observes a run's event stream and updates metrics. It
// satisfies the engine's Sink interface without the engine depending on
// Prometheus; register it as an engine-level sink so nested runs are
// counted too.
type MetricsSink struct {
	metrics *Metrics

	mu        sync.Mutex
	toolStart map[string]time.Time
}

// NewMetricsSink creates a sink feeding the given metrics.
func NewMetricsSink(m *Metrics) *MetricsSink {
	return &MetricsSink{
		metrics:   m,
		toolStart: make(map[string]time.Time),
	}
}

// Emit updates metrics from one run event.
func (s *MetricsSink) Emit(_ context.Context, e models.Event) {
	switch e.Type {
	case models.EventRunStart:
		s.metrics.ActiveRuns.Inc()

	case models.EventAssistantMessage:
		s.metrics.TurnCounter.WithLabelValues(e.AgentName).Inc()

	case models.EventTokenUsage:
		if e.Usage != nil {
			s.metrics.RecordTokens(e.AgentName, e.Usage.Prompt, e.Usage.Completion)
		}

	case models.EventToolPhase:
		s.observeToolPhase(e)

	case models.EventApprovalDecision:
		if e.Approval != nil {
			s.metrics.RecordApprovalDecision(string(e.Approval.Status))
		}

	case models.EventRunEnd:
		s.metrics.ActiveRuns.Dec()
		if e.End != nil {
			s.metrics.RecordRun(e.AgentName, string(e.End.Outcome.Status),
				float64(e.End.DurationMs)/1000)
			for _, intr := range e.End.Outcome.Interruptions {
				s.metrics.RecordInterruption(string(intr.Kind))
			}
			if e.End.DroppedEvents > 0 {
				s.metrics.EventsDropped.Add(float64(e.End.DroppedEvents))
			}
		}
		s.forgetRun(e.RunID)

	case models.EventError:
		if e.Error != nil {
			s.metrics.RecordError("engine", string(e.Error.Kind))
		}
	}
}

// observeToolPhase times executions from the started/completed event pair of
// one tool call.
func (s *MetricsSink) observeToolPhase(e models.Event) {
	if e.ToolPhase == nil {
		return
	}
	key := e.RunID + "\x00" + e.ToolPhase.ToolCallID

	s.mu.Lock()
	defer s.mu.Unlock()

	switch e.ToolPhase.Phase {
	case models.ToolPhaseStarted:
		s.toolStart[key] = e.Time
	case models.ToolPhaseCompleted, models.ToolPhaseFailed:
		status := "success"
		if e.ToolPhase.Phase == models.ToolPhaseFailed {
			status = "error"
		}
		var seconds float64
		if started, ok := s.toolStart[key]; ok {
			seconds = e.Time.Sub(started).Seconds()
			delete(s.toolStart, key)
		}
		s.metrics.RecordToolExecution(e.ToolPhase.ToolName, status, seconds)
	}
}

// forgetRun drops start times a failed tool never closed out.
func (s *MetricsSink) forgetRun(runID string) {
	prefix := runID + "\x00"
	s.mu.Lock()
	defer s.mu.Unlock()
	for key := range s.toolStart {
		if len(key) > len(prefix) && key[:len(prefix)] == prefix {
			delete(s.toolStart, key)
		}
	}
}
