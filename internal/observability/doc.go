// Package observability provides monitoring and debugging capabilities for the
// run engine through metrics, structured logging, distributed tracing, and
// in-memory run timelines.
//
// # Overview
//
// The observability package implements the three pillars of observability:
//
//  1. Metrics - Quantitative measurements using Prometheus
//  2. Logging - Structured logs with sensitive data redaction
//  3. Tracing - Distributed request tracing with OpenTelemetry
//
// plus a TimelineStore that records recent run event streams for debugging.
//
// # Metrics
//
// Metrics are implemented using Prometheus client libraries and track:
//   - Run throughput and terminal status by agent
//   - Turn counts and token usage
//   - Tool execution performance
//   - Interruptions and approval decisions
//   - Error rates by component and type
//   - Active run counts and dropped stream events
//   - HTTP request/response metrics
//
// Example usage:
//
//	metrics := observability.NewMetrics()
//
//	// Track a finished run
//	metrics.RecordRun("support", "completed", time.Since(start).Seconds())
//
//	// Track tool execution
//	start = time.Now()
//	// ... execute tool ...
//	metrics.RecordToolExecution("web_search", "success", time.Since(start).Seconds())
//
// Most callers never record metrics directly. MetricsSink implements the
// engine's event sink and derives every metric above from the run event
// stream:
//
//	sink := observability.NewMetricsSink(metrics)
//	eng := engine.New(engine.Deps{..., Sinks: []engine.Sink{sink}})
//
// # Logging
//
// Logging is built on Go's slog package with enhancements for:
//   - Automatic run/conversation correlation from context
//   - Sensitive data redaction (API keys, passwords, tokens)
//   - JSON output for production, text for development
//   - Configurable log levels
//
// Example usage:
//
//	logger := observability.NewLogger(observability.LogConfig{
//	    Level:  "info",
//	    Format: "json",
//	})
//
//	// Add context IDs for correlation
//	ctx := observability.AddRunID(ctx, runID)
//	ctx = observability.AddConversationID(ctx, conversationID)
//	ctx = observability.AddAgent(ctx, agentName)
//
//	// Structured logging with automatic context correlation
//	logger.Info(ctx, "Turn completed",
//	    "turn", turn,
//	    "tool_calls", len(calls),
//	)
//
//	// Error logging with automatic redaction
//	logger.Error(ctx, "Model call failed",
//	    "error", err,
//	    "api_key", apiKey, // Automatically redacted
//	)
//
// # Tracing
//
// Distributed tracing uses OpenTelemetry. Spans form a run -> turn -> tool
// hierarchy:
//
//	tracer, shutdown := observability.NewTracer(observability.TraceConfig{
//	    ServiceName:    "runloop",
//	    ServiceVersion: "1.0.0",
//	    Endpoint:       "localhost:4317", // OTLP collector
//	    SamplingRate:   0.1,              // Sample 10% of traces
//	})
//	defer shutdown(context.Background())
//
//	ctx, runSpan := tracer.TraceRun(ctx, runID, agentName)
//	defer runSpan.End()
//
//	ctx, turnSpan := tracer.TraceTurn(ctx, agentName, model, turn)
//	defer turnSpan.End()
//
//	ctx, toolSpan := tracer.TraceToolExecution(ctx, toolName, toolCallID)
//	defer toolSpan.End()
//	if err != nil {
//	    tracer.RecordError(toolSpan, err)
//	}
//
// If no endpoint is configured, NewTracer returns a no-op tracer and all
// span helpers become free.
//
// # Run Timelines
//
// TimelineStore is an event sink that keeps the full ordered event stream of
// recent runs in memory, bounded by run count:
//
//	timeline := observability.NewTimelineStore(256)
//	eng := engine.New(engine.Deps{..., Sinks: []engine.Sink{timeline}})
//
//	events, ok := timeline.Events(runID)
//	fmt.Print(observability.FormatTimeline(events))
//
// Summarize derives turn counts, tool calls, interruptions, and the terminal
// outcome from a timeline; the gateway exposes both through its debug
// endpoint.
//
// # Security Considerations
//
// The logging component automatically redacts:
//   - API keys (Anthropic, OpenAI, generic)
//   - Passwords and secrets
//   - JWT tokens
//   - Bearer tokens
//   - Custom patterns via configuration
//
// Sensitive fields in maps are also redacted:
//   - password, passwd, pwd
//   - secret, api_key, apikey
//   - token, access_token, refresh_token, auth, authorization
//   - private_key, privatekey
//
// # Testing
//
// All components provide testable interfaces:
//   - Metrics can be verified using prometheus/testutil with NewMetricsWith
//   - Logging can write to bytes.Buffer for assertions
//   - Tracing works with no-op exporters in tests
//
// # Monitoring Dashboard
//
// The metrics exposed can be used to build dashboards:
//
//	# Run throughput
//	rate(runloop_runs_total[5m])
//
//	# Run latency (95th percentile)
//	histogram_quantile(0.95, rate(runloop_run_duration_seconds_bucket[5m]))
//
//	# Error rate
//	rate(runloop_errors_total[5m])
//
//	# Active runs
//	runloop_active_runs
//
//	# Tool execution time
//	rate(runloop_tool_execution_duration_seconds_sum[5m]) /
//	rate(runloop_tool_execution_duration_seconds_count[5m])
//
// # Alerting
//
// Recommended alerts based on metrics:
//   - High error rate: runloop_errors_total > threshold
//   - High run latency: p95 latency > 60s
//   - Event loss: rate(runloop_events_dropped_total) > 0
//   - Run accumulation: runloop_active_runs growing unbounded
package observability
