package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// PromMirror exposes the collector's series to Prometheus, plus gauges for
// live state (queue depth, running tasks, breaker states) that have no place
// in a counter snapshot. Latency histograms keep the collector's millisecond
// bucket bounds so both surfaces agree.
type PromMirror struct {
	// ToolCalls counts tool executions.
	// Labels: tool, status (success|error)
	ToolCalls *prometheus.CounterVec

	// ToolLatency measures tool execution time in milliseconds.
	// Labels: tool
	ToolLatency *prometheus.HistogramVec

	// ToolErrors counts tool failures by error class.
	// Labels: error_type
	ToolErrors *prometheus.CounterVec

	// UnknownTools counts calls to tools that do not exist.
	// Labels: tool
	UnknownTools *prometheus.CounterVec

	// ToolLoops counts detected repeated-call loops.
	ToolLoops prometheus.Counter

	// NoTextFallbacks counts runs that ended with a canned reply.
	NoTextFallbacks prometheus.Counter

	// CalendarFallbacks counts calendar lookups served from a fallback.
	CalendarFallbacks prometheus.Counter

	// AgentRuns counts completed agent runs.
	AgentRuns prometheus.Counter

	// LLMTurns counts model calls.
	// Labels: model, status (success|error class)
	LLMTurns *prometheus.CounterVec

	// LLMTurnLatency measures model call latency in milliseconds.
	// Labels: model
	LLMTurnLatency *prometheus.HistogramVec

	// Tasks counts background tasks by terminal status.
	// Labels: status (completed|failed|cancelled)
	Tasks *prometheus.CounterVec

	// TaskLatency measures background task wall time in milliseconds.
	TaskLatency prometheus.Histogram

	// RetrievalLatency measures capability index retrieval time in
	// milliseconds.
	RetrievalLatency prometheus.Histogram

	// QueueDepth tracks queued requests per priority level.
	// Labels: priority (high|normal|low)
	QueueDepth *prometheus.GaugeVec

	// QueueRejections counts refused enqueues.
	// Labels: reason (queue_full|tenant_full|draining)
	QueueRejections *prometheus.CounterVec

	// ActiveTasks tracks currently running background tasks.
	ActiveTasks prometheus.Gauge

	// CircuitState tracks breaker states: 0 closed, 1 half-open, 2 open.
	// Labels: name
	CircuitState *prometheus.GaugeVec

	// RateLimited counts requests rejected by rate limiters.
	// Labels: scope (model|api)
	RateLimited *prometheus.CounterVec

	// HTTPRequests counts HTTP requests.
	// Labels: method, path, status_code
	HTTPRequests *prometheus.CounterVec

	// HTTPDuration measures HTTP request latency in seconds.
	// Labels: method, path
	HTTPDuration *prometheus.HistogramVec
}

// NewPromMirror registers all series with the given registerer. Pass
// prometheus.DefaultRegisterer in the service; tests use an isolated
// prometheus.NewRegistry().
func NewPromMirror(reg prometheus.Registerer) *PromMirror {
	factory := promauto.With(reg)

	return &PromMirror{
		ToolCalls: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "lucy_tool_calls_total",
				Help: "Total number of tool executions by tool and status",
			},
			[]string{"tool", "status"},
		),

		ToolLatency: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "lucy_tool_latency_ms",
				Help:    "Tool execution latency in milliseconds",
				Buckets: HistogramBounds,
			},
			[]string{"tool"},
		),

		ToolErrors: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "lucy_tool_errors_total",
				Help: "Total number of tool failures by error class",
			},
			[]string{"error_type"},
		),

		UnknownTools: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "lucy_unknown_tool_calls_total",
				Help: "Total number of calls to tools that do not exist",
			},
			[]string{"tool"},
		),

		ToolLoops: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "lucy_tool_loops_total",
				Help: "Total number of repeated-call loops broken",
			},
		),

		NoTextFallbacks: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "lucy_no_text_fallbacks_total",
				Help: "Total number of agent runs that ended with a canned reply",
			},
		),

		CalendarFallbacks: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "lucy_calendar_fallbacks_total",
				Help: "Total number of calendar lookups served from a fallback source",
			},
		),

		AgentRuns: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "lucy_agent_runs_total",
				Help: "Total number of completed agent runs",
			},
		),

		LLMTurns: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "lucy_llm_turns_total",
				Help: "Total number of model calls by model and status",
			},
			[]string{"model", "status"},
		),

		LLMTurnLatency: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "lucy_llm_turn_latency_ms",
				Help:    "Model call latency in milliseconds",
				Buckets: HistogramBounds,
			},
			[]string{"model"},
		),

		Tasks: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "lucy_tasks_total",
				Help: "Total number of background tasks by terminal status",
			},
			[]string{"status"},
		),

		TaskLatency: factory.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "lucy_task_latency_ms",
				Help:    "Background task wall time in milliseconds",
				Buckets: HistogramBounds,
			},
		),

		RetrievalLatency: factory.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "lucy_tool_retrieval_latency_ms",
				Help:    "Capability index retrieval latency in milliseconds",
				Buckets: HistogramBounds,
			},
		),

		QueueDepth: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "lucy_queue_depth",
				Help: "Current number of queued requests per priority level",
			},
			[]string{"priority"},
		),

		QueueRejections: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "lucy_queue_rejections_total",
				Help: "Total number of refused enqueues by reason",
			},
			[]string{"reason"},
		),

		ActiveTasks: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "lucy_active_tasks",
				Help: "Current number of running background tasks",
			},
		),

		CircuitState: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "lucy_circuit_state",
				Help: "Circuit breaker state: 0 closed, 1 half-open, 2 open",
			},
			[]string{"name"},
		),

		RateLimited: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "lucy_rate_limited_total",
				Help: "Total number of requests rejected by rate limiters",
			},
			[]string{"scope"},
		),

		HTTPRequests: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "lucy_http_requests_total",
				Help: "Total number of HTTP requests",
			},
			[]string{"method", "path", "status_code"},
		),

		HTTPDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "lucy_http_request_duration_seconds",
				Help:    "HTTP request latency in seconds",
				Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
			},
			[]string{"method", "path"},
		),
	}
}
