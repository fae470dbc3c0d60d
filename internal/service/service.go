// Package service assembles the control plane from configuration: the
// observability stack, persistence, the workspace, tools and retrieval,
// scheduling, the agent pipeline, chat ingress, and the HTTP surface,
// with a single Start/Stop lifecycle over all of it.
package service

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/haasonsaas/lucy/internal/actions"
	"github.com/haasonsaas/lucy/internal/agent"
	"github.com/haasonsaas/lucy/internal/channels"
	"github.com/haasonsaas/lucy/internal/channels/slack"
	"github.com/haasonsaas/lucy/internal/config"
	"github.com/haasonsaas/lucy/internal/cron"
	"github.com/haasonsaas/lucy/internal/fastpath"
	"github.com/haasonsaas/lucy/internal/gateway"
	"github.com/haasonsaas/lucy/internal/infra"
	"github.com/haasonsaas/lucy/internal/llm"
	"github.com/haasonsaas/lucy/internal/observability"
	"github.com/haasonsaas/lucy/internal/queue"
	"github.com/haasonsaas/lucy/internal/ratelimit"
	"github.com/haasonsaas/lucy/internal/retrieval"
	"github.com/haasonsaas/lucy/internal/server"
	"github.com/haasonsaas/lucy/internal/store"
	"github.com/haasonsaas/lucy/internal/supervisor"
	"github.com/haasonsaas/lucy/internal/tasks"
	"github.com/haasonsaas/lucy/internal/tools"
	"github.com/haasonsaas/lucy/internal/workspace"
)

// rollbackTimeout bounds the teardown of already-started components
// when a later one fails to start.
const rollbackTimeout = 10 * time.Second

// Service owns every long-lived component. Build with New, bring up
// with Start, tear down with Stop.
type Service struct {
	cfg    *config.Config
	logger *observability.Logger

	collector *observability.Collector
	metrics   *observability.Metrics
	tracer    *observability.Tracer
	traceStop func(context.Context) error

	store     store.Store
	breakers  *infra.CircuitBreakerRegistry
	catalog   *retrieval.Registry
	queue     *queue.RequestQueue
	tasks     *tasks.Manager
	scheduler *cron.Scheduler
	watcher   *cron.Watcher
	dispatch  *gateway.Dispatcher
	adapter   *slack.Adapter
	http      *server.Server

	started atomic.Bool
}

// New wires the full component graph. Nothing is running yet when it
// returns; Start owns that. Construction fails on bad configuration,
// an unreachable store, or an unusable workspace root.
func New(cfg *config.Config) (*Service, error) {
	if cfg == nil {
		return nil, errors.New("nil config")
	}

	logger := observability.NewLogger(observability.LogConfig{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
	})

	collector := observability.NewCollector()
	promReg := prometheus.NewRegistry()
	metrics := observability.NewMetrics(collector, observability.NewPromMirror(promReg))
	slo := observability.NewSLOEvaluator(collector, logger)

	tracer, traceStop := observability.NewTracer(observability.TraceConfig{
		Enabled:      cfg.Tracing.Enabled,
		ServiceName:  "lucy",
		Environment:  cfg.Env,
		Endpoint:     cfg.Tracing.Endpoint,
		SamplingRate: cfg.Tracing.SampleRate,
	})

	breakers := infra.NewCircuitBreakerRegistry(infra.CircuitBreakerConfig{
		OnStateChange: func(name, from, to string) {
			metrics.SetCircuitState(name, circuitStateValue(to))
			logger.Warn(context.Background(), "circuit state changed",
				"breaker", name, "from", from, "to", to)
		},
	}, breakerOverrides(cfg.Breakers))

	limiter := ratelimit.NewLimiter(
		bucketConfigs(cfg.RateLimits.Models),
		bucketConfigs(cfg.RateLimits.APIs),
	)

	st, err := store.Open(store.Config{Driver: cfg.Store.Driver, DSN: cfg.Store.DSN}, logger)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}

	ws, err := workspace.NewFSStore(cfg.WorkspaceRoot, logger)
	if err != nil {
		st.Close()
		return nil, fmt.Errorf("open workspace: %w", err)
	}
	library := workspace.NewLibrary(ws, logger)

	modelMap := modelMapFrom(cfg)

	mux, err := buildMux(cfg, modelMap)
	if err != nil {
		st.Close()
		return nil, err
	}
	if cfg.LLM.AnthropicAPIKey == "" && cfg.LLM.OpenAIAPIKey == "" {
		logger.Warn(context.Background(), "no llm provider configured; agent runs will fail")
	}

	toolReg := tools.NewRegistry(logger)
	catalog := retrieval.NewRegistry(retrieval.RegistryConfig{BoostUsage: true}, toolReg, st, logger)
	scheduler := cron.New(cron.Config{Models: modelMap}, ws, library, logger)

	toolReg.Add(tools.MetaTools(tools.MetaConfig{
		Registry: toolReg,
		Search:   &catalogSearcher{catalog: catalog},
		Skills:   library,
		Crons:    scheduler,
		Activity: library,
	})...)

	classifier := actions.NewClassifier()
	for _, desc := range toolReg.List() {
		if desc.Action != "" {
			classifier.Register(desc.Name, desc.Action)
		}
	}
	gate := actions.NewGate(classifier, actions.NewPendingStore(), logger)

	// The relay lets the adapter exist before the dispatcher it feeds.
	relay := &handlerRelay{}
	var (
		adapter *slack.Adapter
		client  channels.Client
	)
	switch {
	case cfg.Chat.BotToken != "" && cfg.Chat.AppToken != "":
		adapter = slack.New(slack.Config{
			BotToken: cfg.Chat.BotToken,
			AppToken: cfg.Chat.AppToken,
		}, relay, gate, logger)
		client = adapter
	case cfg.IsDevelopment():
		client = newDevClient(logger)
	default:
		st.Close()
		return nil, errors.New("chat credentials are required outside development")
	}
	poster := channels.NewPoster(client, 0, logger)

	orchestrator := agent.New(mux, toolReg, catalog, gate, agent.Config{
		Models:     modelMap,
		Limiter:    limiter,
		Breakers:   breakers,
		Supervisor: supervisor.New(mux, cfg.LLM.ModelFast, logger),
		Prompts:    newPromptBuilder(library, logger),
		Poster:     poster,
		Logger:     logger,
		Metrics:    metrics,
		Tracer:     tracer,
	})

	rq := queue.New(queue.Config{
		Workers:      cfg.Queue.Workers,
		MaxTotal:     cfg.Queue.MaxTotal,
		MaxPerTenant: cfg.Queue.MaxPerTenant,
	}, logger, metrics)

	tm := tasks.NewManager(tasks.Config{}, poster, st, logger, metrics)

	dispatcher := gateway.New(gateway.Config{}, gateway.Deps{
		Router:   gateway.NewRouter(modelMap),
		FastPath: fastpath.NewEvaluator(),
		Queue:    rq,
		Tasks:    tm,
		Agent:    orchestrator,
		Threads:  client,
		Poster:   poster,
		Apps:     toolReg,
		Logger:   logger,
		Tracer:   tracer,
	})
	relay.Set(dispatcher)

	scheduler.SetRunner(orchestrator)
	scheduler.SetApps(toolReg)
	scheduler.SetSyncer(newTaskSyncer(st, ws, logger))

	watcher := cron.NewWatcher(cfg.WorkspaceRoot, scheduler.ReloadTenant, logger)

	var chatEvents http.Handler
	if cfg.Chat.SigningSecret != "" {
		chatEvents = slack.NewEventsHandler(cfg.Chat.SigningSecret, dispatcher, logger)
	}

	httpSrv := server.New(server.Config{
		Addr: fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
	}, server.Deps{
		Collector:  collector,
		Breakers:   breakers,
		SLO:        slo,
		Index:      catalog,
		DB:         st,
		ChatEvents: chatEvents,
		Gatherer:   promReg,
		Metrics:    metrics,
		Logger:     logger,
	})

	return &Service{
		cfg:       cfg,
		logger:    logger.WithComponent("service"),
		collector: collector,
		metrics:   metrics,
		tracer:    tracer,
		traceStop: traceStop,
		store:     st,
		breakers:  breakers,
		catalog:   catalog,
		queue:     rq,
		tasks:     tm,
		scheduler: scheduler,
		watcher:   watcher,
		dispatch:  dispatcher,
		adapter:   adapter,
		http:      httpSrv,
	}, nil
}

// Logger returns the service-wide logger for callers that report around
// the lifecycle, such as the serve command.
func (s *Service) Logger() *observability.Logger {
	return s.logger
}

// Addr reports the bound HTTP address once Start has succeeded.
func (s *Service) Addr() string {
	return s.http.Addr()
}

type component struct {
	name  string
	start func(context.Context) error
	stop  func(context.Context) error
}

func (s *Service) startOrder() []component {
	comps := []component{
		{
			name:  "retrieval",
			start: func(context.Context) error { s.catalog.Start(); return nil },
			stop:  func(context.Context) error { s.catalog.Stop(); return nil },
		},
		{name: "queue", start: s.queue.Start, stop: s.queue.Stop},
		{name: "dispatch", start: s.dispatch.Start, stop: s.dispatch.Stop},
		{name: "cron", start: s.scheduler.Start, stop: s.scheduler.Stop},
		{
			name:  "workspace watcher",
			start: s.watcher.Start,
			stop:  func(context.Context) error { return s.watcher.Close() },
		},
	}
	if s.adapter != nil {
		comps = append(comps, component{name: "chat", start: s.adapter.Start, stop: s.adapter.Stop})
	}
	comps = append(comps, component{
		name:  "http",
		start: func(context.Context) error { return s.http.Start() },
		stop:  s.http.Stop,
	})
	return comps
}

// Start brings components up in dependency order: retrieval and the
// queue before dispatch, scheduling before ingress, HTTP last so health
// never reports a half-built service. On failure the already-started
// components are rolled back in reverse and the error is returned.
func (s *Service) Start(ctx context.Context) error {
	if !s.started.CompareAndSwap(false, true) {
		return errors.New("service already started")
	}

	var started []component
	for _, c := range s.startOrder() {
		if err := c.start(ctx); err != nil {
			s.rollback(started)
			s.started.Store(false)
			return fmt.Errorf("start %s: %w", c.name, err)
		}
		s.logger.Debug(ctx, "component started", "component", c.name)
		started = append(started, c)
	}

	s.logger.Info(ctx, "service started",
		"addr", s.http.Addr(),
		"env", s.cfg.Env,
		"store", s.cfg.Store.Driver,
	)
	return nil
}

func (s *Service) rollback(started []component) {
	ctx, cancel := context.WithTimeout(context.Background(), rollbackTimeout)
	defer cancel()
	for i := len(started) - 1; i >= 0; i-- {
		if err := started[i].stop(ctx); err != nil {
			s.logger.Warn(ctx, "rollback stop failed",
				"component", started[i].name, "error", err)
		}
	}
}

// Stop drains the service: ingress goes first so nothing new arrives,
// then the queue and scheduled work finish, background tasks cancel,
// and finally the HTTP surface, store, and trace exporter close. Safe
// to call more than once.
func (s *Service) Stop(ctx context.Context) error {
	if !s.started.CompareAndSwap(true, false) {
		return nil
	}

	var errs []error
	down := func(name string, fn func(context.Context) error) {
		if err := fn(ctx); err != nil {
			errs = append(errs, fmt.Errorf("stop %s: %w", name, err))
		}
	}

	if s.adapter != nil {
		down("chat", s.adapter.Stop)
	}
	down("workspace watcher", func(context.Context) error { return s.watcher.Close() })
	down("queue", s.queue.Stop)
	down("cron", s.scheduler.Stop)
	down("tasks", s.tasks.Shutdown)
	down("dispatch", s.dispatch.Stop)
	down("retrieval", func(context.Context) error { s.catalog.Stop(); return nil })
	down("http", s.http.Stop)
	down("store", func(context.Context) error { return s.store.Close() })
	down("tracing", s.traceStop)

	s.logger.Info(ctx, "service stopped")
	return errors.Join(errs...)
}

// buildMux assembles the provider mux from whichever API keys are
// configured, routing each tier's model to its provider by model family.
func buildMux(cfg *config.Config, models llm.ModelMap) (*llm.Mux, error) {
	var anthropicClient, openaiClient llm.Client

	if cfg.LLM.AnthropicAPIKey != "" {
		c, err := llm.NewAnthropicClient(llm.AnthropicConfig{
			APIKey:       cfg.LLM.AnthropicAPIKey,
			DefaultModel: cfg.LLM.ModelDefault,
		})
		if err != nil {
			return nil, fmt.Errorf("anthropic client: %w", err)
		}
		anthropicClient = c
	}
	if cfg.LLM.OpenAIAPIKey != "" {
		c, err := llm.NewOpenAIClient(llm.OpenAIConfig{
			APIKey:       cfg.LLM.OpenAIAPIKey,
			DefaultModel: cfg.LLM.ModelDefault,
		})
		if err != nil {
			return nil, fmt.Errorf("openai client: %w", err)
		}
		openaiClient = c
	}

	fallback := anthropicClient
	if fallback == nil {
		fallback = openaiClient
	}
	mux := llm.NewMux(fallback)

	for _, id := range []string{models.Fast, models.Default, models.Code, models.Frontier} {
		switch {
		case id == "":
		case strings.HasPrefix(id, "claude") && anthropicClient != nil:
			mux.Route(anthropicClient, id)
		case isOpenAIModel(id) && openaiClient != nil:
			mux.Route(openaiClient, id)
		}
	}
	return mux, nil
}

func modelMapFrom(cfg *config.Config) llm.ModelMap {
	return llm.ModelMap{
		Fast:     cfg.LLM.ModelFast,
		Default:  cfg.LLM.ModelDefault,
		Code:     cfg.LLM.ModelCode,
		Frontier: cfg.LLM.ModelFrontier,
	}
}

func isOpenAIModel(id string) bool {
	return strings.HasPrefix(id, "gpt-") ||
		strings.HasPrefix(id, "o1") ||
		strings.HasPrefix(id, "o3") ||
		strings.HasPrefix(id, "o4")
}

// circuitStateValue maps breaker states onto the published gauge:
// 0 closed, 1 half-open, 2 open.
func circuitStateValue(state string) float64 {
	switch state {
	case infra.CircuitOpen:
		return 2
	case infra.CircuitHalfOpen:
		return 1
	default:
		return 0
	}
}

func bucketConfigs(in map[string]config.BucketConfig) map[string]ratelimit.Config {
	if len(in) == 0 {
		return nil
	}
	out := make(map[string]ratelimit.Config, len(in))
	for name, bc := range in {
		out[name] = ratelimit.Config{Rate: bc.Rate, Burst: bc.Burst}
	}
	return out
}

func breakerOverrides(in map[string]config.BreakerConfig) map[string]infra.CircuitBreakerConfig {
	if len(in) == 0 {
		return nil
	}
	out := make(map[string]infra.CircuitBreakerConfig, len(in))
	for name, bc := range in {
		out[name] = infra.CircuitBreakerConfig{
			FailureThreshold: bc.FailureThreshold,
			RecoveryTimeout:  bc.RecoveryTimeout,
			HalfOpenMaxCalls: bc.HalfOpenMaxCalls,
			MinimumCalls:     bc.MinimumCalls,
		}
	}
	return out
}
