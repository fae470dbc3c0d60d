package server

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/haasonsaas/lucy/internal/infra"
	"github.com/haasonsaas/lucy/internal/observability"
	"github.com/haasonsaas/lucy/internal/retrieval"
)

// dbPingTimeout bounds the connectivity probe so a hung database
// cannot hang the health endpoint with it.
const dbPingTimeout = 2 * time.Second

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(`{"status":"ok","service":"lucy"}`))
}

// metricsResponse is the collector snapshot joined with live breaker
// state.
type metricsResponse struct {
	observability.Snapshot
	CircuitBreakers []infra.CircuitSnapshot `json:"circuit_breakers"`
}

func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	if s.deps.Collector == nil {
		s.jsonError(w, "metrics not configured", http.StatusServiceUnavailable)
		return
	}
	resp := metricsResponse{
		Snapshot:        s.deps.Collector.Snapshot(),
		CircuitBreakers: []infra.CircuitSnapshot{},
	}
	if s.deps.Breakers != nil {
		resp.CircuitBreakers = append(resp.CircuitBreakers, s.deps.Breakers.Snapshots()...)
	}
	s.jsonResponse(w, resp)
}

type sloEntry struct {
	Name        string  `json:"name"`
	Description string  `json:"description"`
	Threshold   float64 `json:"threshold"`
	Direction   string  `json:"direction"`
	Unit        string  `json:"unit"`
	Measured    float64 `json:"measured"`
	Samples     int64   `json:"samples"`
	Status      string  `json:"status"`
	Message     string  `json:"message,omitempty"`
}

type sloResponse struct {
	Overall        string     `json:"overall"`
	TotalTasks     int64      `json:"total_tasks"`
	TotalToolCalls int64      `json:"total_tool_calls"`
	UptimeSeconds  float64    `json:"uptime_seconds"`
	SLOs           []sloEntry `json:"slos"`
}

func (s *Server) handleSLO(w http.ResponseWriter, r *http.Request) {
	if s.deps.SLO == nil || s.deps.Collector == nil {
		s.jsonError(w, "slo evaluator not configured", http.StatusServiceUnavailable)
		return
	}

	report := s.deps.SLO.Evaluate(r.Context())
	snap := s.deps.Collector.Snapshot()

	resp := sloResponse{
		Overall:        "PASS",
		TotalTasks:     labeledTotal(snap.Labeled[observability.MetricTasks]),
		TotalToolCalls: snap.Counters[observability.MetricToolCalls],
		UptimeSeconds:  snap.UptimeSeconds,
		SLOs:           make([]sloEntry, 0, len(report.Results)),
	}
	if !report.Healthy {
		resp.Overall = "FAIL"
	}
	for _, res := range report.Results {
		entry := sloEntry{
			Name:        res.Name,
			Description: res.Description,
			Threshold:   res.Target,
			Direction:   res.Direction,
			Unit:        res.Unit,
			Measured:    res.Measured,
			Samples:     res.Samples,
			Status:      "PASS",
			Message:     res.Message,
		}
		if !res.Passed {
			entry.Status = "FAIL"
		}
		resp.SLOs = append(resp.SLOs, entry)
	}
	s.jsonResponse(w, resp)
}

func labeledTotal(labels map[string]int64) int64 {
	var total int64
	for _, v := range labels {
		total += v
	}
	return total
}

type indexResponse struct {
	Workspaces   int                     `json:"workspaces"`
	TotalTools   int                     `json:"total_tools"`
	PerWorkspace []retrieval.IndexHealth `json:"per_workspace"`
}

func (s *Server) handleIndex(w http.ResponseWriter, r *http.Request) {
	if s.deps.Index == nil {
		s.jsonError(w, "capability index not configured", http.StatusServiceUnavailable)
		return
	}
	health := s.deps.Index.Health()
	resp := indexResponse{
		Workspaces:   len(health),
		PerWorkspace: health,
	}
	if resp.PerWorkspace == nil {
		resp.PerWorkspace = []retrieval.IndexHealth{}
	}
	for _, h := range health {
		resp.TotalTools += h.Tools
	}
	s.jsonResponse(w, resp)
}

func (s *Server) handleDB(w http.ResponseWriter, r *http.Request) {
	if s.deps.DB == nil {
		s.jsonError(w, "store not configured", http.StatusServiceUnavailable)
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), dbPingTimeout)
	defer cancel()

	if err := s.deps.DB.Ping(ctx); err != nil {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusServiceUnavailable)
		_ = json.NewEncoder(w).Encode(map[string]string{
			"status": "unavailable",
			"error":  err.Error(),
		})
		return
	}
	s.jsonResponse(w, map[string]string{"status": "ok"})
}

// jsonResponse writes data as a 200 JSON body.
func (s *Server) jsonResponse(w http.ResponseWriter, data any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(data); err != nil {
		s.logger.Error(context.Background(), "json encode error", "error", err)
	}
}

// jsonError writes a JSON error body with the given status code.
func (s *Server) jsonError(w http.ResponseWriter, message string, code int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": message})
}
