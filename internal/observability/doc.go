// Package observability provides metrics, structured logging, distributed
// tracing, and SLO evaluation for the Lucy control plane.
//
// # Metrics
//
// Two surfaces share one recording path. The Collector keeps counters,
// labeled counters, and fixed-bucket latency histograms behind a single
// mutex; its deep-copy Snapshot backs the JSON metrics endpoint and the SLO
// evaluator, and Percentile answers latency-target questions with linear
// interpolation inside a bucket. The PromMirror republishes the same events
// as Prometheus series under the lucy_ namespace for scraping, and adds live
// gauges (queue depth, active tasks, breaker states) that a counter snapshot
// cannot express.
//
// Code records through the Metrics facade so both surfaces stay in sync:
//
//	metrics := observability.NewMetrics(collector, mirror)
//	metrics.RecordToolCall("gmail_send", elapsed, "")
//	metrics.RecordLLMTurn(model, elapsed, "success")
//
// # Logging
//
// Logger wraps slog with JSON or text output, level filtering, and
// regex-based redaction of API keys, chat tokens, and password-like values.
// Correlation fields (request, tenant, task, channel) travel on the context
// and are attached to every record automatically:
//
//	ctx = observability.WithTenantID(ctx, tenantID)
//	logger.Info(ctx, "request queued", "priority", pri.String())
//
// # Tracing
//
// Tracer wraps OpenTelemetry with OTLP gRPC export. One chat message
// produces a span tree: dispatch.handle > agent.run > agent.turn >
// llm.<provider> and tool.<name>, with retrieval.retrieve and cron.fire as
// siblings where they occur. When tracing is disabled or the endpoint is
// unset the tracer degrades to a no-op so call sites never branch.
//
// # SLOs
//
// SLOEvaluator judges the reliability targets (tool success rate, fallback
// rates, latency percentiles) against the Collector on demand. Targets with
// too few samples pass with an "Insufficient data" message rather than
// failing on noise; real breaches produce structured slo_breach log lines.
package observability
