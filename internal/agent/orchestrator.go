// Package agent runs the multi-turn model and tool loop at the center
// of request processing. Each run retrieves candidate tools for the
// tenant, calls the model through the rate limiter and circuit breaker,
// executes the tool calls it asks for under the confirmation gate, and
// keeps going until the model produces a final reply or a bound trips.
package agent

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/haasonsaas/lucy/internal/actions"
	"github.com/haasonsaas/lucy/internal/infra"
	"github.com/haasonsaas/lucy/internal/llm"
	"github.com/haasonsaas/lucy/internal/observability"
	"github.com/haasonsaas/lucy/internal/ratelimit"
	"github.com/haasonsaas/lucy/internal/reply"
	"github.com/haasonsaas/lucy/internal/retrieval"
	"github.com/haasonsaas/lucy/internal/supervisor"
	"github.com/haasonsaas/lucy/internal/tools"
	"github.com/haasonsaas/lucy/pkg/models"
)

const (
	// toolResultMaxChars caps a single serialized tool result before it
	// enters the transcript.
	toolResultMaxChars = 12000

	// maxPayloadChars caps the whole transcript; beyond it older tool
	// results are compressed.
	maxPayloadChars = 120000

	// trimmedResultChars is the size older tool results shrink to.
	trimmedResultChars = 200

	// loopSignatureLimit breaks the run when the same tool-call batch
	// repeats this many times.
	loopSignatureLimit = 3

	llmBreakerName     = "llm"
	defaultToolBreaker = "tools"
)

// PromptBuilder produces the system prompt for a run. The orchestrator
// treats the returned text as opaque.
type PromptBuilder func(ctx context.Context, req Request) string

// Poster delivers text produced after the original request already
// returned, which happens when a run resumes from an approval.
type Poster interface {
	Post(ctx context.Context, channelID, threadID, text string) (string, error)
	PostPending(ctx context.Context, channelID, threadID string, pending actions.PendingResult) (string, error)
}

// Config carries the loop bounds plus the ambient services a run uses.
type Config struct {
	// MaxTurns limits model round-trips for interactive runs.
	// Default: 8
	MaxTurns int

	// BackgroundMaxTurns applies instead when the run is backgrounded.
	// Default: 16
	BackgroundMaxTurns int

	// MaxTokens is the per-completion output cap. Default: 4096
	MaxTokens int64

	// RetrievalK is how many tool schemas a turn offers the model.
	// Default: 12
	RetrievalK int

	// ExpandedRetrievalK replaces RetrievalK when the first pass scored
	// below LowScoreThreshold. Default: 25
	ExpandedRetrievalK int

	// LowScoreThreshold is the top-score under which retrieval widens.
	// Default: 1.0
	LowScoreThreshold float64

	// MinPerApp guarantees per-app representation in retrieval.
	// Default: 3
	MinPerApp int

	// ModelAcquireTimeout bounds the wait for model bucket tokens.
	// Default: 30s
	ModelAcquireTimeout time.Duration

	// APIAcquireTimeout bounds the wait for per-API bucket tokens.
	// Default: 10s
	APIAcquireTimeout time.Duration

	// Models is the tier ladder used for fallback and escalation.
	Models llm.ModelMap

	// Limiter, Breakers, Supervisor, Prompts, and Poster are optional;
	// nil disables the corresponding behavior.
	Limiter    *ratelimit.Limiter
	Breakers   *infra.CircuitBreakerRegistry
	Supervisor *supervisor.Supervisor
	Prompts    PromptBuilder
	Poster     Poster

	Logger  *observability.Logger
	Metrics *observability.Metrics
	Tracer  *observability.Tracer
}

func (c *Config) applyDefaults() {
	if c.MaxTurns <= 0 {
		c.MaxTurns = 8
	}
	if c.BackgroundMaxTurns <= 0 {
		c.BackgroundMaxTurns = 16
	}
	if c.MaxTokens <= 0 {
		c.MaxTokens = 4096
	}
	if c.RetrievalK <= 0 {
		c.RetrievalK = 12
	}
	if c.ExpandedRetrievalK <= c.RetrievalK {
		c.ExpandedRetrievalK = max(25, c.RetrievalK*2)
	}
	if c.LowScoreThreshold <= 0 {
		c.LowScoreThreshold = 1.0
	}
	if c.MinPerApp <= 0 {
		c.MinPerApp = 3
	}
	if c.ModelAcquireTimeout <= 0 {
		c.ModelAcquireTimeout = 30 * time.Second
	}
	if c.APIAcquireTimeout <= 0 {
		c.APIAcquireTimeout = 10 * time.Second
	}
	if c.Logger == nil {
		c.Logger = observability.NewLogger(observability.LogConfig{})
	}
	if c.Metrics == nil {
		c.Metrics = observability.NewMetrics(observability.NewCollector(), nil)
	}
	if c.Tracer == nil {
		c.Tracer, _ = observability.NewTracer(observability.TraceConfig{})
	}
}

// Request is one agent run bound to a tenant and thread.
type Request struct {
	TenantID      string
	ChannelID     string
	ThreadID      string
	UserID        string
	Text          string
	Route         models.Route
	Mode          actions.Mode
	Background    bool
	ConnectedApps []string

	// History is prior thread context in transcript form.
	History []llm.Message
}

// Result is the outcome of a run. Exactly one of Text, Silent, or
// Pending describes what the caller should do with it.
type Result struct {
	Text      string
	Silent    bool
	Pending   *actions.PendingResult
	Model     string
	Turns     int
	ToolCalls int
	Elapsed   time.Duration
}

// Orchestrator drives agent runs. Safe for concurrent use; per-run
// state lives in a runState owned by each Run call.
type Orchestrator struct {
	cfg     Config
	client  llm.Client
	tools   *tools.Registry
	catalog *retrieval.Registry
	gate    *actions.Gate

	logger  *observability.Logger
	metrics *observability.Metrics
	tracer  *observability.Tracer

	apology *reply.Pool
	errors  *reply.Pool
	busy    *reply.Pool
	loops   *reply.Pool
}

// New builds an orchestrator over the model client, tool registry,
// retrieval catalog, and confirmation gate.
func New(client llm.Client, registry *tools.Registry, catalog *retrieval.Registry, gate *actions.Gate, cfg Config) *Orchestrator {
	cfg.applyDefaults()
	return &Orchestrator{
		cfg:     cfg,
		client:  client,
		tools:   registry,
		catalog: catalog,
		gate:    gate,
		logger:  cfg.Logger.WithComponent("agent"),
		metrics: cfg.Metrics,
		tracer:  cfg.Tracer,
		apology: reply.ApologyPool(),
		errors:  reply.ErrorPool(),
		busy:    reply.BusyPool(),
		loops:   reply.LoopPool(),
	}
}

// Run executes the loop for one request and returns the final outcome.
// When a tool call is held for approval the returned result carries the
// pending payload and the run resumes later through the gate callback,
// delivering its eventual output via the configured Poster.
func (o *Orchestrator) Run(ctx context.Context, req Request) (*Result, error) {
	o.metrics.RecordAgentRun()

	ctx, span := o.tracer.TraceAgentRun(ctx, req.TenantID, string(req.Route.Tier))
	defer span.End()

	st := newRunState(req, o.cfg)
	if o.cfg.Supervisor != nil {
		st.plan = o.cfg.Supervisor.GeneratePlan(ctx, req.Route.Intent, req.Text)
	}

	o.logger.Info(ctx, "agent run started",
		"tenant_id", req.TenantID,
		"intent", string(req.Route.Intent),
		"model", st.model,
		"background", req.Background,
	)
	res, err := o.loop(ctx, st)
	if err != nil {
		o.tracer.RecordError(span, err)
	}
	return res, err
}

func (o *Orchestrator) loop(ctx context.Context, st *runState) (*Result, error) {
	for st.turn < st.maxTurns {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		st.turn++

		resp, failure := o.completeTurn(ctx, st)
		if failure != nil {
			return failure, nil
		}
		if resp.Text != "" {
			st.lastText = resp.Text
		}

		if len(resp.ToolCalls) == 0 {
			done, result := o.finishOrContinue(ctx, st, resp.Text)
			if done {
				return result, nil
			}
			continue
		}

		if o.loopDetected(st, resp.ToolCalls) {
			o.metrics.RecordToolLoop()
			o.logger.Warn(ctx, "tool loop broken",
				"tenant_id", st.req.TenantID,
				"turn", st.turn,
			)
			return o.finalize(st, o.loops.Sample()), nil
		}

		results := make([]llm.ToolResult, len(resp.ToolCalls))
		if paused := o.runBatch(ctx, st, resp.Text, resp.ToolCalls, results, 0); paused != nil {
			return paused, nil
		}
		o.appendTurn(st, resp.Text, resp.ToolCalls, results)
		trimPayload(st.messages)

		if result := o.checkpoint(ctx, st); result != nil {
			return result, nil
		}
	}
	return o.exhausted(st), nil
}

// completeTurn retrieves tools and makes one model call. A non-nil
// second return ends the run with pool-sampled failure text.
func (o *Orchestrator) completeTurn(ctx context.Context, st *runState) (*llm.Response, *Result) {
	specs := o.retrieveTools(ctx, st)

	if o.cfg.Limiter != nil && !o.cfg.Limiter.AcquireModel(ctx, st.model, o.cfg.ModelAcquireTimeout) {
		o.metrics.RecordRateLimited("model")
		o.logger.Warn(ctx, "model bucket exhausted", "model", st.model, "tenant_id", st.req.TenantID)
		return nil, o.finalize(st, o.busy.Sample())
	}

	llmReq := &llm.Request{
		Model:     st.model,
		System:    o.buildSystem(ctx, st),
		Messages:  st.messages,
		Tools:     specs,
		MaxTokens: int(o.cfg.MaxTokens),
	}

	start := time.Now()
	lctx, span := o.tracer.TraceLLMRequest(ctx, o.client.Name(), st.model)
	resp, err := o.completeThroughBreaker(lctx, llmReq)
	if err != nil {
		o.tracer.RecordError(span, err)
	}
	span.End()
	status := "ok"
	if err != nil {
		status = string(llm.KindOf(err))
	}
	o.metrics.RecordLLMTurn(st.model, time.Since(start), status)

	if err != nil {
		st.errorTotal++
		st.errorRun++
		o.logger.Error(ctx, "model turn failed",
			"tenant_id", st.req.TenantID,
			"model", st.model,
			"turn", st.turn,
			"error", err,
		)
		switch llm.KindOf(err) {
		case llm.KindCircuitOpen, llm.KindRateLimited:
			return nil, o.finalize(st, o.busy.Sample())
		default:
			return nil, o.finalize(st, o.errors.Sample())
		}
	}
	return resp, nil
}

func (o *Orchestrator) completeThroughBreaker(ctx context.Context, req *llm.Request) (*llm.Response, error) {
	if o.cfg.Breakers == nil {
		return o.client.Complete(ctx, req)
	}
	breaker := o.cfg.Breakers.Get(llmBreakerName)
	return infra.ExecuteWithResult(breaker, ctx, func(ctx context.Context) (*llm.Response, error) {
		return o.client.Complete(ctx, req)
	})
}

// retrieveTools ranks the tenant catalog for this request and resolves
// the winners to full schemas. A low-scoring first pass widens K once.
func (o *Orchestrator) retrieveTools(ctx context.Context, st *runState) []llm.ToolSpec {
	start := time.Now()
	index, err := o.catalog.Get(ctx, st.req.TenantID)
	if err != nil {
		o.logger.Warn(ctx, "tool retrieval unavailable", "tenant_id", st.req.TenantID, "error", err)
		st.availableTools = nil
		return nil
	}

	result := index.Retrieve(st.req.Text, o.cfg.RetrievalK, st.req.ConnectedApps, o.cfg.MinPerApp)
	if result.TopScore < o.cfg.LowScoreThreshold {
		result = index.Retrieve(st.req.Text, o.cfg.ExpandedRetrievalK, st.req.ConnectedApps, o.cfg.MinPerApp)
	}
	o.metrics.RecordRetrieval(time.Since(start))

	specs := make([]llm.ToolSpec, 0, len(result.Tools))
	names := make([]string, 0, len(result.Tools))
	for _, schema := range result.Tools {
		desc, ok := o.tools.Get(schema.Name)
		if !ok {
			continue
		}
		specs = append(specs, llm.ToolSpec{
			Name:        desc.Name,
			Description: desc.Description,
			Schema:      desc.Schema,
		})
		names = append(names, desc.Name)
	}
	st.availableTools = names
	return specs
}

func (o *Orchestrator) buildSystem(ctx context.Context, st *runState) string {
	base := defaultSystemPrompt
	if o.cfg.Prompts != nil {
		if built := o.cfg.Prompts(ctx, st.req); built != "" {
			base = built
		}
	}

	var sb strings.Builder
	sb.WriteString(base)
	if st.plan != nil {
		sb.WriteString("\n\n## Current plan\n")
		sb.WriteString(st.plan.Summary())
	}
	if len(st.guidance) > 0 {
		sb.WriteString("\n\n## Guidance\n")
		for _, g := range st.guidance {
			sb.WriteString("- ")
			sb.WriteString(g)
			sb.WriteString("\n")
		}
	}
	return sb.String()
}

// finishOrContinue handles a turn that produced text and no tool calls.
// It may inject a follow-up message and keep looping instead of ending.
func (o *Orchestrator) finishOrContinue(ctx context.Context, st *runState, text string) (bool, *Result) {
	// The silent token check runs before sanitization strips it.
	if reply.IsSilentReplyText(text) {
		result := o.finalize(st, "")
		result.Silent = true
		return true, result
	}

	if st.turn == 1 && !st.noAccessFixed && len(st.availableTools) > 0 && claimsNoAccess(text) {
		st.noAccessFixed = true
		o.logger.Info(ctx, "injecting tool-access correction", "tenant_id", st.req.TenantID)
		st.recordTurn(fmt.Sprintf("turn %d: claimed no access, corrected", st.turn))
		o.appendExchange(st, text, correctiveMessage(st.availableTools))
		return false, nil
	}

	if !st.depthUsed && st.turn < st.maxTurns && reply.NeedsDepth(text) {
		st.depthUsed = true
		st.recordTurn(fmt.Sprintf("turn %d: data without interpretation, asked for depth", st.turn))
		o.appendExchange(st, text, depthRequest)
		return false, nil
	}

	st.recordTurn(fmt.Sprintf("turn %d: replied with %d chars", st.turn, len(text)))
	final := reply.Sanitize(text)
	if final == "" {
		o.metrics.RecordNoTextFallback()
		final = o.apology.Sample()
	}
	return true, o.finalize(st, final)
}

// checkpoint consults the supervisor on cadence and applies its
// verdict. A non-nil result ends the run.
func (o *Orchestrator) checkpoint(ctx context.Context, st *runState) *Result {
	if o.cfg.Supervisor == nil {
		return nil
	}
	if !supervisor.ShouldCheckpoint(st.turn, time.Since(st.lastCheck)) {
		return nil
	}
	st.lastCheck = time.Now()

	verdict := o.cfg.Supervisor.Evaluate(ctx, supervisor.Snapshot{
		Plan:              st.plan,
		RecentTurns:       st.recent,
		ErrorCount:        st.errorTotal,
		ConsecutiveErrors: st.errorRun,
		Elapsed:           time.Since(st.started),
		Model:             st.model,
		ResponseLen:       len(st.lastText),
		Intent:            st.req.Route.Intent,
	})

	switch verdict.Decision {
	case supervisor.DecisionIntervene:
		st.guidance = append(st.guidance, guidanceOr(verdict.Guidance,
			"Step back and finish the task with the information already gathered."))
	case supervisor.DecisionReplan:
		st.plan = o.cfg.Supervisor.GeneratePlan(ctx, st.req.Route.Intent, st.req.Text)
	case supervisor.DecisionEscalate:
		if next, ok := o.cfg.Models.Escalate(st.model); ok {
			o.logger.Info(ctx, "model escalated", "from", st.model, "to", next, "tenant_id", st.req.TenantID)
			st.model = next
		} else {
			// Already at the strongest model; escalation becomes guidance.
			st.guidance = append(st.guidance, guidanceOr(verdict.Guidance,
				"Simplify the approach and complete the task with fewer steps."))
		}
	case supervisor.DecisionAsk:
		question := guidanceOr(verdict.Guidance,
			"I need a bit more detail before I can finish this. Could you clarify what you're after?")
		return o.finalize(st, reply.Sanitize(question))
	case supervisor.DecisionAbort:
		return o.finalize(st, o.errors.Sample())
	}
	return nil
}

// exhausted ends a run that hit the turn bound while still calling
// tools.
func (o *Orchestrator) exhausted(st *runState) *Result {
	if st.lastText != "" {
		final := reply.Sanitize(st.lastText)
		if final != "" {
			return o.finalize(st, final)
		}
	}
	o.metrics.RecordNoTextFallback()
	return o.finalize(st, o.apology.Sample())
}

func (o *Orchestrator) finalize(st *runState, text string) *Result {
	return &Result{
		Text:      text,
		Model:     st.model,
		Turns:     st.turn,
		ToolCalls: st.toolCalls,
		Elapsed:   time.Since(st.started),
	}
}

// deliver posts output produced after the original Run call already
// returned a pending result.
func (o *Orchestrator) deliver(ctx context.Context, st *runState, res *Result) {
	if res == nil || o.cfg.Poster == nil {
		return
	}
	var err error
	switch {
	case res.Pending != nil:
		_, err = o.cfg.Poster.PostPending(ctx, st.req.ChannelID, st.req.ThreadID, *res.Pending)
	case res.Silent || res.Text == "":
		return
	default:
		_, err = o.cfg.Poster.Post(ctx, st.req.ChannelID, st.req.ThreadID, res.Text)
	}
	if err != nil {
		o.logger.Error(ctx, "resumed output delivery failed",
			"tenant_id", st.req.TenantID,
			"channel_id", st.req.ChannelID,
			"error", err,
		)
	}
}

func guidanceOr(guidance, fallback string) string {
	if strings.TrimSpace(guidance) != "" {
		return guidance
	}
	return fallback
}

const defaultSystemPrompt = `You are Lucy, an AI coworker. You complete tasks using the tools ` +
	`offered to you, reply in plain conversational language, and keep answers short unless the ` +
	`task needs detail. When nothing useful can be done, say so plainly.`

const depthRequest = `Add a brief interpretation: what do these numbers mean, what stands out, ` +
	`and what would you recommend?`

var noAccessPhrases = []string{
	"don't have access",
	"do not have access",
	"don't currently have access",
	"no access to",
	"i cannot access",
	"i can't access",
	"don't have the ability",
	"do not have the ability",
	"not able to access",
}

func claimsNoAccess(text string) bool {
	lower := strings.ToLower(text)
	for _, phrase := range noAccessPhrases {
		if strings.Contains(lower, phrase) {
			return true
		}
	}
	return false
}

func correctiveMessage(available []string) string {
	names := available
	if len(names) > 10 {
		names = names[:10]
	}
	return fmt.Sprintf("You do have working tools available right now: %s. "+
		"Use them to complete the request instead of declining.", strings.Join(names, ", "))
}
