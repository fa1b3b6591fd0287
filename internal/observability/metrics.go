package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics collects the broker's Prometheus metrics.
//
// Tracked:
//   - session throughput and lifetime by topology and terminal state
//   - event emission rates by type
//   - tool execution counts and latencies
//   - stream subscriber churn and overflow drops
//   - runtime channel connections and outstanding tool calls
//   - errors by component and stable code
type Metrics struct {
	// SessionsStarted counts sessions by topology.
	// Labels: mode (embedded|runtime)
	SessionsStarted *prometheus.CounterVec

	// SessionsActive gauges currently non-terminal sessions.
	SessionsActive prometheus.Gauge

	// SessionDuration measures session lifetime in seconds.
	// Labels: state (completed|failed|cancelled)
	SessionDuration *prometheus.HistogramVec

	// EventsEmitted counts stream events by type.
	EventsEmitted *prometheus.CounterVec

	// ToolExecutions counts tool invocations.
	// Labels: tool, status (success|error)
	ToolExecutions *prometheus.CounterVec

	// ToolExecutionDuration measures tool execution time in seconds.
	// Labels: tool
	ToolExecutionDuration *prometheus.HistogramVec

	// StreamSubscribers gauges attached event stream subscribers.
	StreamSubscribers prometheus.Gauge

	// SubscriberDrops counts subscribers dropped on queue overflow.
	SubscriberDrops prometheus.Counter

	// RuntimeConnections gauges open runtime WebSocket connections.
	RuntimeConnections prometheus.Gauge

	// PendingToolCalls gauges outstanding runtime-mode tool calls.
	PendingToolCalls prometheus.Gauge

	// Errors counts errors by component and stable code.
	// Labels: component (session|dispatch|gateway|runtime), code
	Errors *prometheus.CounterVec
}

// NewMetrics creates and registers the broker metrics. A nil registerer
// falls back to the Prometheus default registry; tests pass their own.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)

	return &Metrics{
		SessionsStarted: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "enclave_sessions_total",
				Help: "Total sessions created by topology",
			},
			[]string{"mode"},
		),

		SessionsActive: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "enclave_sessions_active",
				Help: "Currently active (non-terminal) sessions",
			},
		),

		SessionDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "enclave_session_duration_seconds",
				Help:    "Session lifetime from creation to terminal state",
				Buckets: []float64{0.1, 0.5, 1, 5, 15, 30, 60, 120, 300},
			},
			[]string{"state"},
		),

		EventsEmitted: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "enclave_events_emitted_total",
				Help: "Events emitted on session streams by type",
			},
			[]string{"type"},
		),

		ToolExecutions: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "enclave_tool_executions_total",
				Help: "Tool invocations by tool name and status",
			},
			[]string{"tool", "status"},
		),

		ToolExecutionDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "enclave_tool_execution_duration_seconds",
				Help:    "Tool execution latency in seconds",
				Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30, 60},
			},
			[]string{"tool"},
		),

		StreamSubscribers: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "enclave_stream_subscribers",
				Help: "Attached event stream subscribers",
			},
		),

		SubscriberDrops: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "enclave_subscriber_drops_total",
				Help: "Subscribers dropped after queue overflow",
			},
		),

		RuntimeConnections: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "enclave_runtime_connections",
				Help: "Open runtime WebSocket connections",
			},
		),

		PendingToolCalls: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "enclave_pending_tool_calls",
				Help: "Outstanding runtime-mode tool calls",
			},
		),

		Errors: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "enclave_errors_total",
				Help: "Errors by component and stable code",
			},
			[]string{"component", "code"},
		),
	}
}

// RecordToolExecution records one tool invocation.
func (m *Metrics) RecordToolExecution(tool, status string, durationSeconds float64) {
	m.ToolExecutions.WithLabelValues(tool, status).Inc()
	m.ToolExecutionDuration.WithLabelValues(tool).Observe(durationSeconds)
}

// RecordError increments the error counter for a component and code.
func (m *Metrics) RecordError(component, code string) {
	m.Errors.WithLabelValues(component, code).Inc()
}

// SessionStarted records a new session in the given topology.
func (m *Metrics) SessionStarted(mode string) {
	m.SessionsStarted.WithLabelValues(mode).Inc()
	m.SessionsActive.Inc()
}

// SessionEnded records a session reaching the given terminal state.
func (m *Metrics) SessionEnded(state string, durationSeconds float64) {
	m.SessionsActive.Dec()
	m.SessionDuration.WithLabelValues(state).Observe(durationSeconds)
}

// EventEmitted records one emitted event.
func (m *Metrics) EventEmitted(eventType string) {
	m.EventsEmitted.WithLabelValues(eventType).Inc()
}
