package observability

import (
	"context"
	"time"
)

// SLO is one reliability target measured against the metrics collector.
// Direction "min" means the measured value must stay at or above the
// threshold, "max" at or below.
type SLO struct {
	Name        string
	Description string
	Threshold   float64
	Direction   string
	Unit        string

	// MinSamples gates evaluation: below it the SLO passes with an
	// "Insufficient data" message instead of judging noise.
	MinSamples int64

	measure func(c *Collector) (value float64, samples int64)
}

// SLOResult is the evaluation outcome for a single SLO.
type SLOResult struct {
	Name        string  `json:"name"`
	Description string  `json:"description"`
	Target      float64 `json:"target"`
	Direction   string  `json:"direction"`
	Unit        string  `json:"unit"`
	Measured    float64 `json:"measured"`
	Samples     int64   `json:"samples"`
	Passed      bool    `json:"passed"`
	Message     string  `json:"message,omitempty"`
}

// SLOReport aggregates one evaluation pass. Healthy is the conjunction of
// all individual results.
type SLOReport struct {
	Healthy     bool        `json:"healthy"`
	EvaluatedAt time.Time   `json:"evaluated_at"`
	Results     []SLOResult `json:"results"`
}

// DefaultSLOs returns the service reliability targets.
func DefaultSLOs() []SLO {
	return []SLO{
		{
			Name:        "tool_success_rate",
			Description: "Percentage of tool executions that succeed",
			Threshold:   99.0,
			Direction:   "min",
			Unit:        "%",
			MinSamples:  10,
			measure: func(c *Collector) (float64, int64) {
				calls := c.Counter(MetricToolCalls)
				if calls == 0 {
					return 0, 0
				}
				errors := c.Counter(MetricToolErrors)
				return float64(calls-errors) / float64(calls) * 100, calls
			},
		},
		{
			Name:        "no_text_fallback_rate",
			Description: "Percentage of agent runs that ended with a canned reply",
			Threshold:   0.5,
			Direction:   "max",
			Unit:        "%",
			MinSamples:  10,
			measure: func(c *Collector) (float64, int64) {
				runs := c.Counter(MetricAgentRuns)
				if runs == 0 {
					return 0, 0
				}
				return float64(c.Counter(MetricNoTextFallbacks)) / float64(runs) * 100, runs
			},
		},
		{
			Name:        "unknown_tool_rate",
			Description: "Percentage of tool calls that named a tool that does not exist",
			Threshold:   0.1,
			Direction:   "max",
			Unit:        "%",
			MinSamples:  10,
			measure: func(c *Collector) (float64, int64) {
				unknown := c.Counter(MetricUnknownToolCalls)
				total := c.Counter(MetricToolCalls) + unknown
				if total == 0 {
					return 0, 0
				}
				return float64(unknown) / float64(total) * 100, total
			},
		},
		{
			Name:        "tool_p95_latency_ms",
			Description: "95th percentile tool execution latency",
			Threshold:   8000,
			Direction:   "max",
			Unit:        "ms",
			MinSamples:  5,
			measure: func(c *Collector) (float64, int64) {
				return c.Percentile(MetricToolLatency, 95), c.HistogramCount(MetricToolLatency)
			},
		},
		{
			Name:        "tool_retrieval_p95_ms",
			Description: "95th percentile capability index retrieval latency",
			Threshold:   500,
			Direction:   "max",
			Unit:        "ms",
			MinSamples:  5,
			measure: func(c *Collector) (float64, int64) {
				return c.Percentile(MetricRetrievalLatency, 95), c.HistogramCount(MetricRetrievalLatency)
			},
		},
		{
			Name:        "task_p95_latency_ms",
			Description: "95th percentile background task completion time",
			Threshold:   30000,
			Direction:   "max",
			Unit:        "ms",
			MinSamples:  5,
			measure: func(c *Collector) (float64, int64) {
				return c.Percentile(MetricTaskLatency, 95), c.HistogramCount(MetricTaskLatency)
			},
		},
	}
}

// SLOEvaluator judges the default SLO set against a collector and logs a
// structured slo_breach line for every failure.
type SLOEvaluator struct {
	collector *Collector
	logger    *Logger
	slos      []SLO
}

// NewSLOEvaluator builds an evaluator over the default SLO table.
func NewSLOEvaluator(collector *Collector, logger *Logger) *SLOEvaluator {
	return &SLOEvaluator{
		collector: collector,
		logger:    logger,
		slos:      DefaultSLOs(),
	}
}

// Evaluate measures every SLO once and returns the full report.
func (e *SLOEvaluator) Evaluate(ctx context.Context) SLOReport {
	report := SLOReport{
		Healthy:     true,
		EvaluatedAt: time.Now().UTC(),
		Results:     make([]SLOResult, 0, len(e.slos)),
	}

	for _, slo := range e.slos {
		measured, samples := slo.measure(e.collector)
		result := SLOResult{
			Name:        slo.Name,
			Description: slo.Description,
			Target:      slo.Threshold,
			Direction:   slo.Direction,
			Unit:        slo.Unit,
			Measured:    measured,
			Samples:     samples,
		}

		if samples < slo.MinSamples {
			result.Passed = true
			result.Message = "Insufficient data"
			report.Results = append(report.Results, result)
			continue
		}

		if slo.Direction == "min" {
			result.Passed = measured >= slo.Threshold
		} else {
			result.Passed = measured <= slo.Threshold
		}
		if !result.Passed {
			report.Healthy = false
			if e.logger != nil {
				e.logger.Warn(ctx, "slo_breach",
					"slo", slo.Name,
					"measured", measured,
					"target", slo.Threshold,
					"direction", slo.Direction,
					"unit", slo.Unit,
					"samples", samples,
				)
			}
		}
		report.Results = append(report.Results, result)
	}
	return report
}
