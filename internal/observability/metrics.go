package observability

import (
	"strconv"
	"sync"
	"time"
)

// Metric series names. Handlers and the SLO evaluator address series by these
// names, so they are part of the service contract.
const (
	MetricToolCalls         = "tool_calls_total"
	MetricToolErrors        = "tool_errors_total"
	MetricToolLoops         = "tool_loops_total"
	MetricUnknownToolCalls  = "unknown_tool_calls_total"
	MetricNoTextFallbacks   = "no_text_fallbacks_total"
	MetricCalendarFallbacks = "calendar_fallbacks_total"
	MetricAgentRuns         = "agent_runs_total"

	MetricToolErrorsByType = "tool_errors_by_type"
	MetricUnknownToolNames = "unknown_tool_names"
	MetricTasks            = "tasks_total"

	MetricToolLatency      = "tool_latency_ms"
	MetricLLMTurnLatency   = "llm_turn_latency_ms"
	MetricTaskLatency      = "task_latency_ms"
	MetricRetrievalLatency = "tool_retrieval_latency_ms"
)

// HistogramBounds are the upper bounds, in milliseconds, of the fixed latency
// buckets. Values above the last bound land in an implicit overflow bucket.
var HistogramBounds = []float64{5, 10, 25, 50, 100, 200, 500, 1000, 2000, 5000, 10000, 20000, 30000, 60000}

type histogram struct {
	counts []int64 // len(HistogramBounds)+1, last slot is the overflow bucket
	count  int64
	sum    float64
	min    float64
	max    float64
}

func newHistogram() *histogram {
	return &histogram{counts: make([]int64, len(HistogramBounds)+1)}
}

func (h *histogram) observe(v float64) {
	idx := len(HistogramBounds)
	for i, bound := range HistogramBounds {
		if v <= bound {
			idx = i
			break
		}
	}
	h.counts[idx]++
	if h.count == 0 {
		h.min = v
		h.max = v
	} else {
		if v < h.min {
			h.min = v
		}
		if v > h.max {
			h.max = v
		}
	}
	h.count++
	h.sum += v
}

// percentile estimates the p-th percentile (0-100) by locating the bucket
// containing the rank and interpolating linearly between its bounds. Values
// in the overflow bucket report the last finite bound.
func (h *histogram) percentile(p float64) float64 {
	if h.count == 0 {
		return 0
	}
	if p < 0 {
		p = 0
	}
	if p > 100 {
		p = 100
	}
	rank := p / 100 * float64(h.count)
	var cum int64
	for i, bucketCount := range h.counts {
		if bucketCount == 0 {
			continue
		}
		prev := cum
		cum += bucketCount
		if float64(cum) < rank {
			continue
		}
		if i == len(HistogramBounds) {
			return HistogramBounds[len(HistogramBounds)-1]
		}
		lower := 0.0
		if i > 0 {
			lower = HistogramBounds[i-1]
		}
		upper := HistogramBounds[i]
		fraction := (rank - float64(prev)) / float64(bucketCount)
		return lower + fraction*(upper-lower)
	}
	return HistogramBounds[len(HistogramBounds)-1]
}

// BucketCount is one histogram bucket in a snapshot, ordered by upper bound.
type BucketCount struct {
	LE    string `json:"le"`
	Count int64  `json:"count"`
}

// HistogramSnapshot is a point-in-time copy of one latency histogram.
type HistogramSnapshot struct {
	Count   int64         `json:"count"`
	Sum     float64       `json:"sum_ms"`
	Avg     float64       `json:"avg_ms"`
	Min     float64       `json:"min_ms"`
	Max     float64       `json:"max_ms"`
	P50     float64       `json:"p50_ms"`
	P95     float64       `json:"p95_ms"`
	P99     float64       `json:"p99_ms"`
	Buckets []BucketCount `json:"buckets"`
}

// Snapshot is a deep copy of every series the collector holds. Mutating it
// does not affect the live collector.
type Snapshot struct {
	UptimeSeconds float64                      `json:"uptime_seconds"`
	Counters      map[string]int64             `json:"counters"`
	Labeled       map[string]map[string]int64  `json:"labeled_counters"`
	Histograms    map[string]HistogramSnapshot `json:"histograms"`
}

// Collector accumulates counters, labeled counters, and fixed-bucket latency
// histograms behind a single mutex. It backs the JSON metrics endpoint and
// the SLO evaluator; the Prometheus mirror is fed separately.
type Collector struct {
	mu         sync.Mutex
	counters   map[string]int64
	labeled    map[string]map[string]int64
	histograms map[string]*histogram
	start      time.Time
}

// NewCollector returns an empty collector with its uptime clock started.
func NewCollector() *Collector {
	return &Collector{
		counters:   make(map[string]int64),
		labeled:    make(map[string]map[string]int64),
		histograms: make(map[string]*histogram),
		start:      time.Now(),
	}
}

// Inc adds delta to the named counter, creating it at zero if absent.
func (c *Collector) Inc(name string, delta int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.counters[name] += delta
}

// IncLabeled adds delta to the named counter under the given label value.
func (c *Collector) IncLabeled(name, label string, delta int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	m, ok := c.labeled[name]
	if !ok {
		m = make(map[string]int64)
		c.labeled[name] = m
	}
	m[label] += delta
}

// Observe records a duration, in milliseconds, into the named histogram.
func (c *Collector) Observe(name string, ms float64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	h, ok := c.histograms[name]
	if !ok {
		h = newHistogram()
		c.histograms[name] = h
	}
	h.observe(ms)
}

// Counter returns the current value of a counter, or 0 if it was never
// incremented.
func (c *Collector) Counter(name string) int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.counters[name]
}

// LabeledTotal sums all label values of a labeled counter.
func (c *Collector) LabeledTotal(name string) int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	var total int64
	for _, v := range c.labeled[name] {
		total += v
	}
	return total
}

// HistogramCount returns the number of observations in the named histogram.
func (c *Collector) HistogramCount(name string) int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	if h, ok := c.histograms[name]; ok {
		return h.count
	}
	return 0
}

// Percentile estimates the p-th percentile (0-100) of the named histogram in
// milliseconds. Returns 0 when the histogram is empty or unknown.
func (c *Collector) Percentile(name string, p float64) float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	h, ok := c.histograms[name]
	if !ok {
		return 0
	}
	return h.percentile(p)
}

// Snapshot deep-copies every series under one lock acquisition so the result
// is internally consistent.
func (c *Collector) Snapshot() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()

	snap := Snapshot{
		UptimeSeconds: time.Since(c.start).Seconds(),
		Counters:      make(map[string]int64, len(c.counters)),
		Labeled:       make(map[string]map[string]int64, len(c.labeled)),
		Histograms:    make(map[string]HistogramSnapshot, len(c.histograms)),
	}
	for name, v := range c.counters {
		snap.Counters[name] = v
	}
	for name, labels := range c.labeled {
		m := make(map[string]int64, len(labels))
		for label, v := range labels {
			m[label] = v
		}
		snap.Labeled[name] = m
	}
	for name, h := range c.histograms {
		hs := HistogramSnapshot{
			Count:   h.count,
			Sum:     h.sum,
			Min:     h.min,
			Max:     h.max,
			P50:     h.percentile(50),
			P95:     h.percentile(95),
			P99:     h.percentile(99),
			Buckets: make([]BucketCount, 0, len(h.counts)),
		}
		if h.count > 0 {
			hs.Avg = h.sum / float64(h.count)
		}
		for i, count := range h.counts {
			le := "+Inf"
			if i < len(HistogramBounds) {
				le = strconv.FormatFloat(HistogramBounds[i], 'f', -1, 64)
			}
			hs.Buckets = append(hs.Buckets, BucketCount{LE: le, Count: count})
		}
		snap.Histograms[name] = hs
	}
	return snap
}

// Metrics is the recording facade the rest of the service uses. Every event
// lands in the bespoke collector and, when a mirror is attached, in the
// Prometheus registry as well.
type Metrics struct {
	collector *Collector
	prom      *PromMirror
}

// NewMetrics wires a collector to an optional Prometheus mirror. A nil
// mirror disables mirroring without changing call sites.
func NewMetrics(collector *Collector, prom *PromMirror) *Metrics {
	return &Metrics{collector: collector, prom: prom}
}

// Collector exposes the underlying collector for snapshot and percentile
// reads.
func (m *Metrics) Collector() *Collector {
	return m.collector
}

// RecordToolCall records one tool execution. errType is empty on success;
// otherwise it names the error class and the error series are incremented.
func (m *Metrics) RecordToolCall(tool string, d time.Duration, errType string) {
	ms := float64(d.Milliseconds())
	m.collector.Inc(MetricToolCalls, 1)
	m.collector.Observe(MetricToolLatency, ms)
	if errType != "" {
		m.collector.Inc(MetricToolErrors, 1)
		m.collector.IncLabeled(MetricToolErrorsByType, errType, 1)
	}
	if m.prom != nil {
		status := "success"
		if errType != "" {
			status = "error"
			m.prom.ToolErrors.WithLabelValues(errType).Inc()
		}
		m.prom.ToolCalls.WithLabelValues(tool, status).Inc()
		m.prom.ToolLatency.WithLabelValues(tool).Observe(ms)
	}
}

// RecordUnknownTool records a model request for a tool that does not exist.
func (m *Metrics) RecordUnknownTool(name string) {
	m.collector.Inc(MetricUnknownToolCalls, 1)
	m.collector.IncLabeled(MetricUnknownToolNames, name, 1)
	if m.prom != nil {
		m.prom.UnknownTools.WithLabelValues(name).Inc()
	}
}

// RecordToolLoop records a detected repeated-call loop break.
func (m *Metrics) RecordToolLoop() {
	m.collector.Inc(MetricToolLoops, 1)
	if m.prom != nil {
		m.prom.ToolLoops.Inc()
	}
}

// RecordNoTextFallback records an agent run that produced no usable text.
func (m *Metrics) RecordNoTextFallback() {
	m.collector.Inc(MetricNoTextFallbacks, 1)
	if m.prom != nil {
		m.prom.NoTextFallbacks.Inc()
	}
}

// RecordCalendarFallback records a calendar lookup served from a fallback
// source.
func (m *Metrics) RecordCalendarFallback() {
	m.collector.Inc(MetricCalendarFallbacks, 1)
	if m.prom != nil {
		m.prom.CalendarFallbacks.Inc()
	}
}

// RecordAgentRun counts one completed agent run, the denominator for the
// no-text-fallback rate.
func (m *Metrics) RecordAgentRun() {
	m.collector.Inc(MetricAgentRuns, 1)
	if m.prom != nil {
		m.prom.AgentRuns.Inc()
	}
}

// RecordLLMTurn records one model call with its status (success or an error
// class).
func (m *Metrics) RecordLLMTurn(model string, d time.Duration, status string) {
	ms := float64(d.Milliseconds())
	m.collector.Observe(MetricLLMTurnLatency, ms)
	if m.prom != nil {
		m.prom.LLMTurns.WithLabelValues(model, status).Inc()
		m.prom.LLMTurnLatency.WithLabelValues(model).Observe(ms)
	}
}

// RecordTaskOutcome records a finished background task under its terminal
// status.
func (m *Metrics) RecordTaskOutcome(status string, d time.Duration) {
	m.collector.IncLabeled(MetricTasks, status, 1)
	m.collector.Observe(MetricTaskLatency, float64(d.Milliseconds()))
	if m.prom != nil {
		m.prom.Tasks.WithLabelValues(status).Inc()
		m.prom.TaskLatency.Observe(float64(d.Milliseconds()))
	}
}

// RecordRetrieval records one capability index retrieval.
func (m *Metrics) RecordRetrieval(d time.Duration) {
	m.collector.Observe(MetricRetrievalLatency, float64(d.Milliseconds()))
	if m.prom != nil {
		m.prom.RetrievalLatency.Observe(float64(d.Milliseconds()))
	}
}

// SetQueueDepth publishes the current depth of one priority level.
func (m *Metrics) SetQueueDepth(priority string, depth int) {
	if m.prom != nil {
		m.prom.QueueDepth.WithLabelValues(priority).Set(float64(depth))
	}
}

// RecordQueueRejection counts an enqueue refused for the given reason.
func (m *Metrics) RecordQueueRejection(reason string) {
	if m.prom != nil {
		m.prom.QueueRejections.WithLabelValues(reason).Inc()
	}
}

// SetActiveTasks publishes the number of running background tasks.
func (m *Metrics) SetActiveTasks(n int) {
	if m.prom != nil {
		m.prom.ActiveTasks.Set(float64(n))
	}
}

// SetCircuitState publishes a breaker state: 0 closed, 1 half-open, 2 open.
func (m *Metrics) SetCircuitState(name string, state float64) {
	if m.prom != nil {
		m.prom.CircuitState.WithLabelValues(name).Set(state)
	}
}

// RecordRateLimited counts a request rejected by a rate limiter.
func (m *Metrics) RecordRateLimited(scope string) {
	if m.prom != nil {
		m.prom.RateLimited.WithLabelValues(scope).Inc()
	}
}

// RecordHTTPRequest records one HTTP request for the scrape endpoint.
func (m *Metrics) RecordHTTPRequest(method, path, statusCode string, d time.Duration) {
	if m.prom != nil {
		m.prom.HTTPRequests.WithLabelValues(method, path, statusCode).Inc()
		m.prom.HTTPDuration.WithLabelValues(method, path).Observe(d.Seconds())
	}
}
