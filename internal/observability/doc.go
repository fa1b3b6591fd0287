// Package observability provides monitoring and debugging capabilities for
// the broker through metrics, structured logging, and distributed tracing.
//
// # Overview
//
// The package implements the three pillars of observability:
//
//  1. Metrics - Quantitative measurements using Prometheus
//  2. Logging - Structured logs with secret redaction
//  3. Tracing - Distributed request tracing with OpenTelemetry
//
// # Metrics
//
// Metrics are implemented with the Prometheus client libraries and track:
//   - Session throughput and lifetime by topology and terminal state
//   - Event emission rates per event type
//   - Tool execution counts and latencies
//   - Stream subscriber churn and overflow drops
//   - Runtime channel connections and outstanding tool calls
//   - Error rates by component and stable code
//
// Example usage:
//
//	metrics := observability.NewMetrics(nil)
//
//	metrics.SessionStarted("embedded")
//
//	start := time.Now()
//	// ... execute tool ...
//	metrics.RecordToolExecution("clock.now", "success", time.Since(start).Seconds())
//
// # Logging
//
// Logging is built on Go's slog package with enhancements for:
//   - Automatic request/session/call correlation from context
//   - Secret redaction (API keys, passwords, tokens)
//   - JSON output for production, text for development
//
// Example usage:
//
//	logger := observability.NewLogger(observability.LogConfig{
//	    Level:  "info",
//	    Format: "json",
//	})
//
//	ctx := observability.AddSessionID(ctx, sessionID)
//	logger.Info(ctx, "session created", "mode", "embedded")
//
//	// Secret-looking values are redacted before the handler sees them.
//	logger.Error(ctx, "tool failed", "error", err, "api_key", key)
//
// Logs default to stderr. Stdout is reserved for NDJSON event streams and
// command output, so the two never interleave.
//
// # Tracing
//
// Distributed tracing uses OpenTelemetry. Spans cover session execution end
// to end and each tool dispatch inside it:
//
//	tracer, shutdown := observability.NewTracer(observability.TraceConfig{
//	    ServiceName:    "enclave",
//	    ServiceVersion: version,
//	    Endpoint:       os.Getenv("OTEL_ENDPOINT"),
//	    SamplingRate:   0.1,
//	})
//	defer shutdown(context.Background())
//
//	ctx, span := tracer.TraceSessionExecute(ctx, sessionID, "embedded")
//	defer span.End()
//
// With an empty endpoint the tracer is a no-op, so single-binary deployments
// pay nothing for the instrumentation.
//
// # Security Considerations
//
// The logging component automatically redacts:
//   - API keys and bearer tokens
//   - Passwords and secrets
//   - JWT tokens
//   - Custom patterns via configuration
//
// Sensitive keys in maps (password, secret, token, api_key, authorization,
// private_key, auth) are replaced wholesale. Tool secret values must never
// reach a log record; handlers log secret names only.
//
// # Testing
//
//   - Metrics can be verified with prometheus/testutil against a fresh
//     registry
//   - Logging can write to a bytes.Buffer for assertions
//   - Tracing works as a no-op without an exporter
package observability
