// Package server exposes the HTTP surface: liveness and health
// endpoints, the JSON metrics snapshot, the Prometheus scrape
// endpoint, and the chat event ingress.
package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/haasonsaas/lucy/internal/infra"
	"github.com/haasonsaas/lucy/internal/observability"
	"github.com/haasonsaas/lucy/internal/retrieval"
)

// BreakerSource reports the state of every instantiated circuit breaker.
type BreakerSource interface {
	Snapshots() []infra.CircuitSnapshot
}

// IndexSource reports capability index health per workspace.
type IndexSource interface {
	Health() []retrieval.IndexHealth
}

// SLOSource evaluates the service reliability targets on demand.
type SLOSource interface {
	Evaluate(ctx context.Context) observability.SLOReport
}

// Pinger probes the persistence layer.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Config tunes the listener.
type Config struct {
	Addr              string
	ReadHeaderTimeout time.Duration
}

func (c *Config) applyDefaults() {
	if c.Addr == "" {
		c.Addr = ":8080"
	}
	if c.ReadHeaderTimeout <= 0 {
		c.ReadHeaderTimeout = 5 * time.Second
	}
}

// Deps are the subsystems the endpoints read from. Optional fields may
// be nil; the matching endpoint then reports not-configured instead of
// panicking.
type Deps struct {
	Collector *observability.Collector
	Breakers  BreakerSource
	SLO       SLOSource
	Index     IndexSource
	DB        Pinger

	// ChatEvents serves POST /chat/events when set.
	ChatEvents http.Handler

	// Gatherer backs GET /metrics/prometheus when set.
	Gatherer prometheus.Gatherer

	Metrics *observability.Metrics
	Logger  *observability.Logger
}

// Server owns the HTTP listener and its handler tree.
type Server struct {
	cfg      Config
	deps     Deps
	logger   *observability.Logger
	httpSrv  *http.Server
	listener net.Listener
}

// New builds a server. Call Start to begin serving.
func New(cfg Config, deps Deps) *Server {
	cfg.applyDefaults()
	return &Server{
		cfg:    cfg,
		deps:   deps,
		logger: deps.Logger.WithComponent("http"),
	}
}

// Handler builds the full route tree, instrumented for the scrape
// endpoint.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/health/slo", s.handleSLO)
	mux.HandleFunc("/health/index", s.handleIndex)
	mux.HandleFunc("/health/db", s.handleDB)
	mux.HandleFunc("/metrics", s.handleMetrics)

	if s.deps.Gatherer != nil {
		mux.Handle("/metrics/prometheus", promhttp.HandlerFor(s.deps.Gatherer, promhttp.HandlerOpts{}))
	}
	if s.deps.ChatEvents != nil {
		mux.Handle("/chat/events", s.deps.ChatEvents)
	}

	return s.instrument(mux)
}

// Start binds the listener and serves in the background. A failed bind
// is a startup failure and is returned to the caller.
func (s *Server) Start() error {
	listener, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return fmt.Errorf("http listen on %s: %w", s.cfg.Addr, err)
	}
	s.listener = listener
	s.httpSrv = &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: s.cfg.ReadHeaderTimeout,
	}

	go func() {
		if err := s.httpSrv.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error(context.Background(), "http server error", "error", err)
		}
	}()

	s.logger.Info(context.Background(), "http server listening", "addr", listener.Addr().String())
	return nil
}

// Addr returns the bound listener address, useful when Config.Addr
// asked for an ephemeral port.
func (s *Server) Addr() string {
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return s.cfg.Addr
}

// Stop drains in-flight requests until ctx expires.
func (s *Server) Stop(ctx context.Context) error {
	if s.httpSrv == nil {
		return nil
	}
	if err := s.httpSrv.Shutdown(ctx); err != nil {
		s.logger.Warn(ctx, "http server shutdown error", "error", err)
		return err
	}
	return nil
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// instrument records method, path, status, and latency for every
// request. Paths are static here, so the label set stays bounded.
func (s *Server) instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		if s.deps.Metrics != nil {
			s.deps.Metrics.RecordHTTPRequest(r.Method, r.URL.Path, strconv.Itoa(rec.status), time.Since(start))
		}
	})
}
