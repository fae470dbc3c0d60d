package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/haasonsaas/lucy/internal/actions"
	"github.com/haasonsaas/lucy/internal/llm"
	"github.com/haasonsaas/lucy/internal/observability"
	"github.com/haasonsaas/lucy/internal/ratelimit"
	"github.com/haasonsaas/lucy/internal/reply"
	"github.com/haasonsaas/lucy/internal/retrieval"
	"github.com/haasonsaas/lucy/internal/tools"
	"github.com/haasonsaas/lucy/pkg/models"
)

func testLogger() *observability.Logger {
	return observability.NewLogger(observability.LogConfig{Level: "error", Output: io.Discard})
}

type scriptedStep struct {
	resp *llm.Response
	err  error
}

func textStep(text string) scriptedStep {
	return scriptedStep{resp: &llm.Response{Text: text, StopReason: llm.StopEndTurn}}
}

func toolStep(text string, calls ...llm.ToolCall) scriptedStep {
	return scriptedStep{resp: &llm.Response{Text: text, ToolCalls: calls, StopReason: llm.StopToolUse}}
}

func toolCall(id, name, args string) llm.ToolCall {
	return llm.ToolCall{ID: id, Name: name, Args: json.RawMessage(args)}
}

// scriptedClient replays canned responses and records every request it
// receives.
type scriptedClient struct {
	mu    sync.Mutex
	steps []scriptedStep
	reqs  []*llm.Request
}

func (c *scriptedClient) Name() string { return "scripted" }

func (c *scriptedClient) Complete(ctx context.Context, req *llm.Request) (*llm.Response, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	copied := *req
	copied.Messages = append([]llm.Message(nil), req.Messages...)
	c.reqs = append(c.reqs, &copied)

	if len(c.steps) == 0 {
		return nil, errors.New("scripted client ran out of steps")
	}
	step := c.steps[0]
	c.steps = c.steps[1:]
	if step.err != nil {
		return nil, step.err
	}
	resp := *step.resp
	if resp.Model == "" {
		resp.Model = req.Model
	}
	return &resp, nil
}

func (c *scriptedClient) requests() []*llm.Request {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]*llm.Request(nil), c.reqs...)
}

// toolRecorder backs test tool handlers with canned outputs and
// records the calls that reach them.
type toolRecorder struct {
	mu      sync.Mutex
	calls   []tools.Call
	outputs map[string]string
	errs    map[string]error
}

func (r *toolRecorder) handler(name string) tools.Handler {
	return func(ctx context.Context, call tools.Call) (any, error) {
		r.mu.Lock()
		defer r.mu.Unlock()
		r.calls = append(r.calls, call)
		if err, ok := r.errs[name]; ok {
			return nil, err
		}
		if out, ok := r.outputs[name]; ok {
			return out, nil
		}
		return "ok", nil
	}
}

func (r *toolRecorder) callCount(name string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, c := range r.calls {
		if c.Name == name {
			n++
		}
	}
	return n
}

type fakePoster struct {
	mu       sync.Mutex
	posts    []string
	pendings []actions.PendingResult
}

func (p *fakePoster) Post(ctx context.Context, channelID, threadID, text string) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.posts = append(p.posts, text)
	return "ts", nil
}

func (p *fakePoster) PostPending(ctx context.Context, channelID, threadID string, pending actions.PendingResult) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.pendings = append(p.pendings, pending)
	return "ts", nil
}

type fixture struct {
	t         *testing.T
	client    *scriptedClient
	registry  *tools.Registry
	catalog   *retrieval.Registry
	gate      *actions.Gate
	poster    *fakePoster
	collector *observability.Collector
	recorder  *toolRecorder
	orch      *Orchestrator
}

func newFixture(t *testing.T, steps []scriptedStep, configure ...func(*Config)) *fixture {
	t.Helper()

	logger := testLogger()
	collector := observability.NewCollector()
	metrics := observability.NewMetrics(collector, nil)

	recorder := &toolRecorder{
		outputs: map[string]string{
			"GMAIL_FETCH_EMAILS": "3 emails: standup notes, invoice, newsletter",
			"GMAIL_SEND_EMAIL":   "sent",
			"SHEETS_READ_RANGE":  "A1:B2 = [[100, 200], [300, 400]]",
		},
		errs: map[string]error{},
	}

	registry := tools.NewRegistry(logger)
	registry.Add(
		tools.Descriptor{
			Name:        "GMAIL_FETCH_EMAILS",
			Description: "Fetch recent emails from the gmail inbox",
			Action:      models.ActionRead,
			Handler:     recorder.handler("GMAIL_FETCH_EMAILS"),
		},
		tools.Descriptor{
			Name:        "GMAIL_SEND_EMAIL",
			Description: "Send an email through gmail",
			Action:      models.ActionWrite,
			Handler:     recorder.handler("GMAIL_SEND_EMAIL"),
		},
		tools.Descriptor{
			Name:        "SHEETS_READ_RANGE",
			Description: "Read a cell range from a sheets spreadsheet",
			Action:      models.ActionRead,
			Handler:     recorder.handler("SHEETS_READ_RANGE"),
		},
	)

	classifier := actions.NewClassifier()
	for _, d := range registry.List() {
		classifier.Register(d.Name, d.Action)
	}
	gate := actions.NewGate(classifier, actions.NewPendingStore(), logger)

	catalog := retrieval.NewRegistry(
		retrieval.RegistryConfig{StaleAfter: time.Hour},
		registry, nil, logger,
	)

	client := &scriptedClient{steps: steps}
	poster := &fakePoster{}

	cfg := Config{
		Models: llm.ModelMap{
			Fast:     "model-fast",
			Default:  "model-default",
			Code:     "model-code",
			Frontier: "model-frontier",
		},
		Poster:  poster,
		Logger:  logger,
		Metrics: metrics,
	}
	for _, fn := range configure {
		fn(&cfg)
	}

	return &fixture{
		t:         t,
		client:    client,
		registry:  registry,
		catalog:   catalog,
		gate:      gate,
		poster:    poster,
		collector: collector,
		recorder:  recorder,
		orch:      New(client, registry, catalog, gate, cfg),
	}
}

func (f *fixture) run(req Request) *Result {
	f.t.Helper()
	if req.TenantID == "" {
		req.TenantID = "tenant-1"
	}
	if req.ChannelID == "" {
		req.ChannelID = "C123"
	}
	if req.ThreadID == "" {
		req.ThreadID = "1714.0001"
	}
	if req.Route.Model == "" && req.Route.Tier == "" {
		req.Route = models.Route{Tier: models.TierDefault, Intent: models.IntentGeneral, Model: "model-default"}
	}
	result, err := f.orch.Run(context.Background(), req)
	if err != nil {
		f.t.Fatalf("Run() error = %v", err)
	}
	if result == nil {
		f.t.Fatal("Run() returned nil result")
	}
	return result
}

func TestRunPlainReply(t *testing.T) {
	f := newFixture(t, []scriptedStep{textStep("All set.")})

	result := f.run(Request{Text: "are we done?"})

	if result.Text != "All set." {
		t.Errorf("Text = %q, want %q", result.Text, "All set.")
	}
	if result.Turns != 1 {
		t.Errorf("Turns = %d, want 1", result.Turns)
	}
	if result.ToolCalls != 0 {
		t.Errorf("ToolCalls = %d, want 0", result.ToolCalls)
	}
	if result.Silent || result.Pending != nil {
		t.Error("plain reply should be neither silent nor pending")
	}
	if got := f.collector.Counter(observability.MetricAgentRuns); got != 1 {
		t.Errorf("agent_runs_total = %d, want 1", got)
	}
}

func TestRunExecutesToolCalls(t *testing.T) {
	f := newFixture(t, []scriptedStep{
		toolStep("", toolCall("t1", "GMAIL_FETCH_EMAILS", `{"limit":5}`)),
		textStep("You have 3 emails."),
	})

	result := f.run(Request{Text: "check my email"})

	if result.Text != "You have 3 emails." {
		t.Errorf("Text = %q", result.Text)
	}
	if result.Turns != 2 {
		t.Errorf("Turns = %d, want 2", result.Turns)
	}
	if result.ToolCalls != 1 {
		t.Errorf("ToolCalls = %d, want 1", result.ToolCalls)
	}
	if got := f.recorder.callCount("GMAIL_FETCH_EMAILS"); got != 1 {
		t.Fatalf("handler called %d times, want 1", got)
	}
	if limit, ok := f.recorder.calls[0].Params["limit"].(float64); !ok || limit != 5 {
		t.Errorf("handler params = %v, want limit=5", f.recorder.calls[0].Params)
	}

	reqs := f.client.requests()
	if len(reqs) != 2 {
		t.Fatalf("model calls = %d, want 2", len(reqs))
	}
	// user, assistant with the call, user with the result
	msgs := reqs[1].Messages
	if len(msgs) != 3 {
		t.Fatalf("second request carries %d messages, want 3", len(msgs))
	}
	if len(msgs[1].ToolCalls) != 1 || msgs[1].ToolCalls[0].Name != "GMAIL_FETCH_EMAILS" {
		t.Error("assistant message should carry the tool call")
	}
	if len(msgs[2].ToolResults) != 1 || !strings.Contains(msgs[2].ToolResults[0].Content, "3 emails") {
		t.Errorf("tool result message = %+v", msgs[2])
	}
	if got := f.collector.Counter(observability.MetricToolCalls); got != 1 {
		t.Errorf("tool_calls_total = %d, want 1", got)
	}
}

func TestRunOffersRetrievedToolsToModel(t *testing.T) {
	f := newFixture(t, []scriptedStep{textStep("done")})

	f.run(Request{Text: "fetch recent emails from my inbox"})

	reqs := f.client.requests()
	if len(reqs) != 1 {
		t.Fatalf("model calls = %d, want 1", len(reqs))
	}
	names := make([]string, len(reqs[0].Tools))
	for i, spec := range reqs[0].Tools {
		names[i] = spec.Name
		if len(spec.Schema) == 0 && spec.Description == "" {
			t.Errorf("tool spec %s has neither schema nor description", spec.Name)
		}
	}
	found := false
	for _, n := range names {
		if n == "GMAIL_FETCH_EMAILS" {
			found = true
		}
	}
	if !found {
		t.Errorf("offered tools %v should include GMAIL_FETCH_EMAILS", names)
	}
}

func TestRunSilentReply(t *testing.T) {
	f := newFixture(t, []scriptedStep{textStep("NO_REPLY")})

	result := f.run(Request{Text: "just noting this here"})

	if !result.Silent {
		t.Error("expected silent result")
	}
	if result.Text != "" {
		t.Errorf("silent result text = %q, want empty", result.Text)
	}
}

func TestRunUnknownToolFeedback(t *testing.T) {
	f := newFixture(t, []scriptedStep{
		toolStep("", toolCall("t1", "MADEUP_TOOL", `{}`)),
		textStep("I used what was available instead."),
	})

	result := f.run(Request{Text: "do the thing"})

	if result.Text != "I used what was available instead." {
		t.Errorf("Text = %q", result.Text)
	}
	reqs := f.client.requests()
	tr := reqs[1].Messages[2].ToolResults[0]
	if !tr.IsError {
		t.Error("unknown tool result should be an error")
	}
	if !strings.Contains(tr.Content, "tool not available: MADEUP_TOOL") {
		t.Errorf("feedback = %q", tr.Content)
	}
	if got := f.collector.Counter(observability.MetricUnknownToolCalls); got != 1 {
		t.Errorf("unknown_tool_calls_total = %d, want 1", got)
	}
}

func TestRunToolErrorFeedsBack(t *testing.T) {
	f := newFixture(t, []scriptedStep{
		toolStep("", toolCall("t1", "GMAIL_FETCH_EMAILS", `{}`)),
		textStep("Gmail is not responding right now."),
	})
	f.recorder.errs["GMAIL_FETCH_EMAILS"] = errors.New("upstream 502")

	result := f.run(Request{Text: "check email"})

	if result.Text != "Gmail is not responding right now." {
		t.Errorf("Text = %q", result.Text)
	}
	tr := f.client.requests()[1].Messages[2].ToolResults[0]
	if !tr.IsError || !strings.Contains(tr.Content, "upstream 502") {
		t.Errorf("error feedback = %+v", tr)
	}
	if got := f.collector.Counter(observability.MetricToolErrors); got != 1 {
		t.Errorf("tool_errors_total = %d, want 1", got)
	}
}

func TestRunBreaksToolLoops(t *testing.T) {
	same := toolCall("t1", "GMAIL_FETCH_EMAILS", `{"limit":5}`)
	f := newFixture(t, []scriptedStep{
		toolStep("", same),
		toolStep("", same),
		toolStep("", same),
		textStep("should never be reached"),
	})

	result := f.run(Request{Text: "check email"})

	if !reply.LoopPool().Contains(result.Text) {
		t.Errorf("Text = %q, want a loop pool message", result.Text)
	}
	if result.Turns != 3 {
		t.Errorf("Turns = %d, want 3", result.Turns)
	}
	// The third identical batch breaks before executing.
	if got := f.recorder.callCount("GMAIL_FETCH_EMAILS"); got != 2 {
		t.Errorf("handler called %d times, want 2", got)
	}
	if got := f.collector.Counter(observability.MetricToolLoops); got != 1 {
		t.Errorf("tool_loops_total = %d, want 1", got)
	}
}

func TestRunLoopSignatureIgnoresArgOrder(t *testing.T) {
	f := newFixture(t, []scriptedStep{
		toolStep("", toolCall("t1", "SHEETS_READ_RANGE", `{"sheet":"Q3","range":"A1:B2"}`)),
		toolStep("", toolCall("t2", "SHEETS_READ_RANGE", `{"range":"A1:B2","sheet":"Q3"}`)),
		toolStep("", toolCall("t3", "SHEETS_READ_RANGE", `{"sheet":"Q3","range":"A1:B2"}`)),
	})

	result := f.run(Request{Text: "read the sheet"})

	if !reply.LoopPool().Contains(result.Text) {
		t.Errorf("reordered keys should still trip the loop break, got %q", result.Text)
	}
}

func TestRunDistinctCallsDoNotTripLoopBreak(t *testing.T) {
	f := newFixture(t, []scriptedStep{
		toolStep("", toolCall("t1", "SHEETS_READ_RANGE", `{"range":"A1:B2"}`)),
		toolStep("", toolCall("t2", "SHEETS_READ_RANGE", `{"range":"C1:D2"}`)),
		toolStep("", toolCall("t3", "SHEETS_READ_RANGE", `{"range":"E1:F2"}`)),
		textStep("Three ranges read."),
	})

	result := f.run(Request{Text: "read the sheets"})

	if result.Text != "Three ranges read." {
		t.Errorf("Text = %q", result.Text)
	}
	if got := f.collector.Counter(observability.MetricToolLoops); got != 0 {
		t.Errorf("tool_loops_total = %d, want 0", got)
	}
}

func TestRunGatesWriteToolInteractive(t *testing.T) {
	f := newFixture(t, []scriptedStep{
		toolStep("", toolCall("t1", "GMAIL_SEND_EMAIL", `{"to":"al@example.com"}`)),
		textStep("Sent the email."),
	})

	result := f.run(Request{Text: "email al", Mode: actions.ModeInteractive})

	if result.Pending == nil {
		t.Fatal("write tool in interactive mode should return a pending result")
	}
	if result.Pending.Status != actions.StatusPendingApproval {
		t.Errorf("pending status = %q", result.Pending.Status)
	}
	if got := f.recorder.callCount("GMAIL_SEND_EMAIL"); got != 0 {
		t.Fatalf("gated handler ran %d times before approval", got)
	}

	// Approval resumes the run; the continuation is posted, not returned.
	if _, err := f.gate.Approve(context.Background(), result.Pending.ActionID); err != nil {
		t.Fatalf("Approve() error = %v", err)
	}
	if got := f.recorder.callCount("GMAIL_SEND_EMAIL"); got != 1 {
		t.Errorf("handler called %d times after approval, want 1", got)
	}
	if len(f.poster.posts) != 1 || f.poster.posts[0] != "Sent the email." {
		t.Errorf("posted continuations = %v", f.poster.posts)
	}
}

func TestRunRejectedApprovalContinuesWithoutExecuting(t *testing.T) {
	f := newFixture(t, []scriptedStep{
		toolStep("", toolCall("t1", "GMAIL_SEND_EMAIL", `{"to":"al@example.com"}`)),
		textStep("Okay, I won't send it."),
	})

	result := f.run(Request{Text: "email al", Mode: actions.ModeInteractive})
	if result.Pending == nil {
		t.Fatal("expected pending result")
	}

	if _, err := f.gate.Reject(context.Background(), result.Pending.ActionID); err != nil {
		t.Fatalf("Reject() error = %v", err)
	}
	if got := f.recorder.callCount("GMAIL_SEND_EMAIL"); got != 0 {
		t.Errorf("rejected handler ran %d times", got)
	}
	if len(f.poster.posts) != 1 || f.poster.posts[0] != "Okay, I won't send it." {
		t.Errorf("posted continuations = %v", f.poster.posts)
	}

	// The model sees the decline in the resumed transcript.
	reqs := f.client.requests()
	tr := reqs[1].Messages[2].ToolResults[0]
	if !strings.Contains(tr.Content, "declined") {
		t.Errorf("decline feedback = %q", tr.Content)
	}
}

func TestRunCronModeAutoApprovesWrites(t *testing.T) {
	f := newFixture(t, []scriptedStep{
		toolStep("", toolCall("t1", "GMAIL_SEND_EMAIL", `{"to":"al@example.com"}`)),
		textStep("Sent."),
	})

	result := f.run(Request{Text: "send the daily digest", Mode: actions.ModeCron, Background: true})

	if result.Pending != nil {
		t.Fatal("cron mode should not hold write tools for approval")
	}
	if result.Text != "Sent." {
		t.Errorf("Text = %q", result.Text)
	}
	if got := f.recorder.callCount("GMAIL_SEND_EMAIL"); got != 1 {
		t.Errorf("handler called %d times, want 1", got)
	}
}

func TestRunReadToolsPassGateInInteractiveMode(t *testing.T) {
	f := newFixture(t, []scriptedStep{
		toolStep("", toolCall("t1", "GMAIL_FETCH_EMAILS", `{}`)),
		textStep("Inbox summarized."),
	})

	result := f.run(Request{Text: "summarize inbox", Mode: actions.ModeInteractive})

	if result.Pending != nil {
		t.Error("read tool should not be gated")
	}
	if result.Text != "Inbox summarized." {
		t.Errorf("Text = %q", result.Text)
	}
}

func TestRunModelFromTier(t *testing.T) {
	f := newFixture(t, []scriptedStep{textStep("hi")})

	result := f.run(Request{
		Text:  "hello",
		Route: models.Route{Tier: models.TierFast, Intent: models.IntentGeneral},
	})

	if result.Model != "model-fast" {
		t.Errorf("Model = %q, want model-fast", result.Model)
	}
	if got := f.client.requests()[0].Model; got != "model-fast" {
		t.Errorf("request model = %q, want model-fast", got)
	}
}

func TestRunMaxTurnsFallsBackToLastText(t *testing.T) {
	f := newFixture(t, []scriptedStep{
		toolStep("Still digging through the inbox.", toolCall("t1", "GMAIL_FETCH_EMAILS", `{"page":1}`)),
		toolStep("", toolCall("t2", "GMAIL_FETCH_EMAILS", `{"page":2}`)),
	}, func(cfg *Config) {
		cfg.MaxTurns = 2
	})

	result := f.run(Request{Text: "check email"})

	if result.Text != "Still digging through the inbox." {
		t.Errorf("Text = %q, want the last accumulated text", result.Text)
	}
	if result.Turns != 2 {
		t.Errorf("Turns = %d, want 2", result.Turns)
	}
}

func TestRunMaxTurnsWithoutTextApologizes(t *testing.T) {
	f := newFixture(t, []scriptedStep{
		toolStep("", toolCall("t1", "GMAIL_FETCH_EMAILS", `{"page":1}`)),
		toolStep("", toolCall("t2", "GMAIL_FETCH_EMAILS", `{"page":2}`)),
	}, func(cfg *Config) {
		cfg.MaxTurns = 2
	})

	result := f.run(Request{Text: "check email"})

	if !reply.ApologyPool().Contains(result.Text) {
		t.Errorf("Text = %q, want an apology pool message", result.Text)
	}
	if got := f.collector.Counter(observability.MetricNoTextFallbacks); got != 1 {
		t.Errorf("no_text_fallbacks_total = %d, want 1", got)
	}
}

func TestRunBackgroundUsesExtendedTurnBudget(t *testing.T) {
	steps := make([]scriptedStep, 0, 5)
	for i := 0; i < 4; i++ {
		steps = append(steps, toolStep("", toolCall(fmt.Sprintf("t%d", i), "GMAIL_FETCH_EMAILS", fmt.Sprintf(`{"page":%d}`, i))))
	}
	steps = append(steps, textStep("Finished the deep pass."))

	f := newFixture(t, steps, func(cfg *Config) {
		cfg.MaxTurns = 2
		cfg.BackgroundMaxTurns = 8
	})

	result := f.run(Request{Text: "audit my inbox", Background: true})

	if result.Text != "Finished the deep pass." {
		t.Errorf("Text = %q; background run should outlast the interactive turn cap", result.Text)
	}
	if result.Turns != 5 {
		t.Errorf("Turns = %d, want 5", result.Turns)
	}
}

func TestRunLLMFailureSamplesPool(t *testing.T) {
	tests := []struct {
		name string
		err  error
		pool *reply.Pool
	}{
		{
			"rate limited maps to busy",
			&llm.Error{Kind: llm.KindRateLimited, Provider: "anthropic", Message: "429"},
			reply.BusyPool(),
		},
		{
			"circuit open maps to busy",
			&llm.Error{Kind: llm.KindCircuitOpen, Provider: "anthropic", Message: "open"},
			reply.BusyPool(),
		},
		{
			"hard failure maps to error pool",
			&llm.Error{Kind: llm.KindFatal, Provider: "anthropic", Message: "500"},
			reply.ErrorPool(),
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, []scriptedStep{{err: tt.err}})

			result := f.run(Request{Text: "hello"})

			if !tt.pool.Contains(result.Text) {
				t.Errorf("Text = %q, not drawn from the expected pool", result.Text)
			}
		})
	}
}

func TestRunNoAccessClaimGetsCorrected(t *testing.T) {
	f := newFixture(t, []scriptedStep{
		textStep("Sorry, I don't have access to your email."),
		textStep("Here are your 3 newest emails."),
	})

	result := f.run(Request{Text: "fetch recent emails from my inbox"})

	if result.Text != "Here are your 3 newest emails." {
		t.Errorf("Text = %q", result.Text)
	}
	reqs := f.client.requests()
	if len(reqs) != 2 {
		t.Fatalf("model calls = %d, want 2", len(reqs))
	}
	last := reqs[1].Messages[len(reqs[1].Messages)-1]
	if last.Role != llm.RoleUser || !strings.Contains(last.Content, "You do have working tools") {
		t.Errorf("corrective injection missing, last message = %+v", last)
	}
}

func TestRunNoAccessCorrectionFiresOnce(t *testing.T) {
	f := newFixture(t, []scriptedStep{
		textStep("Sorry, I don't have access to your email."),
		textStep("I still don't have access to that account."),
	})

	result := f.run(Request{Text: "fetch recent emails from my inbox"})

	// The second claim stands; only the first turn gets corrected.
	if !strings.Contains(result.Text, "still don't have access") {
		t.Errorf("Text = %q", result.Text)
	}
	if got := len(f.client.requests()); got != 2 {
		t.Errorf("model calls = %d, want 2", got)
	}
}

func TestRunDepthEnrichment(t *testing.T) {
	flat := "Revenue was 4200 in January and 3800 in February. Costs were 2100 and 2250 over the same months."
	f := newFixture(t, []scriptedStep{
		textStep(flat),
		textStep("Revenue fell 9% because February had fewer selling days."),
	})

	result := f.run(Request{Text: "how did Q1 start?"})

	if !strings.Contains(result.Text, "because February had fewer selling days") {
		t.Errorf("Text = %q", result.Text)
	}
	reqs := f.client.requests()
	if len(reqs) != 2 {
		t.Fatalf("model calls = %d, want 2", len(reqs))
	}
	last := reqs[1].Messages[len(reqs[1].Messages)-1]
	if !strings.Contains(last.Content, "interpretation") {
		t.Errorf("depth request missing, got %q", last.Content)
	}
}

func TestRunAPIRateLimitFeedsBack(t *testing.T) {
	f := newFixture(t, []scriptedStep{
		toolStep("",
			toolCall("t1", "GMAIL_FETCH_EMAILS", `{"page":1}`),
			toolCall("t2", "GMAIL_FETCH_EMAILS", `{"page":2}`),
		),
		textStep("Got the first page; gmail throttled the second."),
	}, func(cfg *Config) {
		cfg.Limiter = ratelimit.NewLimiter(nil, map[string]ratelimit.Config{
			"gmail": {Rate: 0.0001, Burst: 1},
		})
		cfg.APIAcquireTimeout = time.Millisecond
	})

	result := f.run(Request{Text: "check email"})

	if result.Text != "Got the first page; gmail throttled the second." {
		t.Errorf("Text = %q", result.Text)
	}
	if got := f.recorder.callCount("GMAIL_FETCH_EMAILS"); got != 1 {
		t.Errorf("handler called %d times, want 1 (second call rate limited)", got)
	}
	trs := f.client.requests()[1].Messages[2].ToolResults
	if len(trs) != 2 {
		t.Fatalf("tool results = %d, want 2", len(trs))
	}
	if trs[0].IsError {
		t.Error("first call should succeed")
	}
	if !trs[1].IsError || !strings.Contains(trs[1].Content, "rate limited") {
		t.Errorf("second result = %+v, want rate limit feedback", trs[1])
	}
}

func TestRunTruncatesOversizedToolResults(t *testing.T) {
	f := newFixture(t, []scriptedStep{
		toolStep("", toolCall("t1", "GMAIL_FETCH_EMAILS", `{}`)),
		textStep("Summarized."),
	})
	f.recorder.outputs["GMAIL_FETCH_EMAILS"] = strings.Repeat("x", toolResultMaxChars+500)

	f.run(Request{Text: "check email"})

	tr := f.client.requests()[1].Messages[2].ToolResults[0]
	if len(tr.Content) > toolResultMaxChars+100 {
		t.Errorf("result length = %d, want about %d", len(tr.Content), toolResultMaxChars)
	}
	if !strings.Contains(tr.Content, "[truncated") {
		t.Error("truncated result should carry a marker")
	}
}

func TestRunHistorySeedsTranscript(t *testing.T) {
	f := newFixture(t, []scriptedStep{textStep("Following up on that.")})

	f.run(Request{
		Text: "and then?",
		History: []llm.Message{
			{Role: llm.RoleUser, Content: "earlier question"},
			{Role: llm.RoleAssistant, Content: "earlier answer"},
		},
	})

	msgs := f.client.requests()[0].Messages
	if len(msgs) != 3 {
		t.Fatalf("messages = %d, want history plus the new turn", len(msgs))
	}
	if msgs[0].Content != "earlier question" || msgs[2].Content != "and then?" {
		t.Errorf("transcript order wrong: %+v", msgs)
	}
}

func TestConfigDefaults(t *testing.T) {
	var cfg Config
	cfg.applyDefaults()

	if cfg.MaxTurns != 8 {
		t.Errorf("MaxTurns = %d, want 8", cfg.MaxTurns)
	}
	if cfg.BackgroundMaxTurns != 16 {
		t.Errorf("BackgroundMaxTurns = %d, want 16", cfg.BackgroundMaxTurns)
	}
	if cfg.MaxTokens != 4096 {
		t.Errorf("MaxTokens = %d, want 4096", cfg.MaxTokens)
	}
	if cfg.RetrievalK != 12 || cfg.ExpandedRetrievalK != 25 {
		t.Errorf("retrieval K = %d/%d, want 12/25", cfg.RetrievalK, cfg.ExpandedRetrievalK)
	}
	if cfg.LowScoreThreshold != 1.0 {
		t.Errorf("LowScoreThreshold = %v, want 1.0", cfg.LowScoreThreshold)
	}
	if cfg.MinPerApp != 3 {
		t.Errorf("MinPerApp = %d, want 3", cfg.MinPerApp)
	}
}
