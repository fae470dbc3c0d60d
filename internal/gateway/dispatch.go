// Package gateway glues the chat surface to the rest of the system:
// each inbound event is deduplicated, tried against the fast path,
// routed, and admitted to the request queue, where a worker either
// runs the agent inline or spawns a background task.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/haasonsaas/lucy/internal/actions"
	"github.com/haasonsaas/lucy/internal/agent"
	"github.com/haasonsaas/lucy/internal/channels"
	"github.com/haasonsaas/lucy/internal/fastpath"
	"github.com/haasonsaas/lucy/internal/llm"
	"github.com/haasonsaas/lucy/internal/observability"
	"github.com/haasonsaas/lucy/internal/queue"
	"github.com/haasonsaas/lucy/internal/reply"
	"github.com/haasonsaas/lucy/internal/tasks"
	"github.com/haasonsaas/lucy/pkg/models"
)

// Agent runs one agent request to completion.
type Agent interface {
	Run(ctx context.Context, req agent.Request) (*agent.Result, error)
}

// Enqueuer admits a request handler to the priority queue.
type Enqueuer interface {
	Enqueue(tenantID string, priority models.Priority, requestID string, handler queue.Handler) bool
}

// TaskRunner spawns and inspects background tasks.
type TaskRunner interface {
	StartTask(ctx context.Context, tenantID, channelID, threadID, description string, handler tasks.Handler) (*tasks.Task, error)
	ActiveForThread(threadID string) *tasks.Task
}

// Poster posts replies into the originating thread.
type Poster interface {
	Post(ctx context.Context, channelID, threadID, text string) (string, error)
	PostPending(ctx context.Context, channelID, threadID string, pending actions.PendingResult) (string, error)
}

var _ Poster = (*channels.Poster)(nil)

// ThreadSource reads prior messages from a thread.
type ThreadSource interface {
	FetchThread(ctx context.Context, channelID, threadID string, limit int) ([]channels.Message, error)
}

// AppSource lists the connected app slugs available to the agent.
type AppSource interface {
	Apps() []string
}

// Config tunes dispatch behavior.
type Config struct {
	// DedupeTTL is the duplicate-event window. Zero means 30 seconds.
	DedupeTTL time.Duration

	// HistoryLimit caps how many thread messages are pulled as context.
	// Zero means 20.
	HistoryLimit int
}

// Deps are the collaborators dispatch glues together.
type Deps struct {
	Router   *Router
	FastPath *fastpath.Evaluator
	Queue    Enqueuer
	Tasks    TaskRunner
	Agent    Agent
	Threads  ThreadSource
	Poster   Poster
	Apps     AppSource
	Logger   *observability.Logger
	Tracer   *observability.Tracer
}

// Dispatcher implements channels.Handler over the assembled pipeline.
type Dispatcher struct {
	cfg     Config
	router  *Router
	fast    *fastpath.Evaluator
	queue   Enqueuer
	tasks   TaskRunner
	agent   Agent
	threads ThreadSource
	poster  Poster
	apps    AppSource
	dedupe  *Deduper
	busy    *reply.Pool
	errors  *reply.Pool
	logger  *observability.Logger
	tracer  *observability.Tracer
}

var _ channels.Handler = (*Dispatcher)(nil)

// New assembles a dispatcher.
func New(cfg Config, deps Deps) *Dispatcher {
	if cfg.HistoryLimit <= 0 {
		cfg.HistoryLimit = 20
	}
	logger := deps.Logger
	if logger == nil {
		logger = observability.NewLogger(observability.LogConfig{})
	}
	fast := deps.FastPath
	if fast == nil {
		fast = fastpath.NewEvaluator()
	}
	tracer := deps.Tracer
	if tracer == nil {
		tracer, _ = observability.NewTracer(observability.TraceConfig{})
	}
	return &Dispatcher{
		cfg:     cfg,
		router:  deps.Router,
		fast:    fast,
		queue:   deps.Queue,
		tasks:   deps.Tasks,
		agent:   deps.Agent,
		threads: deps.Threads,
		poster:  deps.Poster,
		apps:    deps.Apps,
		dedupe:  NewDeduper(cfg.DedupeTTL),
		busy:    reply.BusyPool(),
		errors:  reply.ErrorPool(),
		logger:  logger.WithComponent("dispatch"),
		tracer:  tracer,
	}
}

// Start launches the dedupe sweeper.
func (d *Dispatcher) Start(ctx context.Context) error {
	d.dedupe.Start()
	return nil
}

// Stop halts the dedupe sweeper. Idempotent.
func (d *Dispatcher) Stop(ctx context.Context) error {
	d.dedupe.Stop()
	return nil
}

// HandleEvent processes one inbound message event. It never blocks on
// agent work: anything heavier than a canned reply goes through the
// queue.
func (d *Dispatcher) HandleEvent(ctx context.Context, ev channels.Event) {
	if ev.TenantID == "" {
		d.logger.Warn(ctx, "event without tenant dropped", "channel_id", ev.ChannelID)
		return
	}
	if d.dedupe.Seen(dedupeKey(ev)) {
		d.logger.Debug(ctx, "duplicate event dropped", "channel_id", ev.ChannelID, "event_ts", ev.EventTS)
		return
	}

	requestID := uuid.NewString()
	ctx = observability.WithRequestID(ctx, requestID)
	ctx = observability.WithTenantID(ctx, ev.TenantID)

	inThread := ev.ThreadID != "" && ev.ThreadID != ev.EventTS
	depth := 0
	if inThread {
		depth = 1
	}
	if res := d.fast.Evaluate(ev.Text, depth, inThread); res.IsFast {
		d.logger.Info(ctx, "fast path reply", "reason", res.Reason)
		d.post(ctx, ev, res.Response)
		return
	}

	if t := d.tasks.ActiveForThread(ev.ThreadID); t != nil {
		snap := t.Snapshot()
		d.logger.Info(ctx, "status acknowledgement for active task", "task_id", snap.ID)
		d.post(ctx, ev, fmt.Sprintf("Still working on it: %s. I'll post the result in this thread.", snap.Description))
		return
	}

	route := d.router.Classify(ev.Text)
	priority := queue.ClassifyPriority(route.Tier)
	d.logger.Info(ctx, "request routed",
		"tier", string(route.Tier),
		"intent", string(route.Intent),
		"model", route.Model,
		"priority", priority.String(),
	)

	accepted := d.queue.Enqueue(ev.TenantID, priority, requestID, func(jobCtx context.Context) error {
		jobCtx = observability.WithRequestID(jobCtx, requestID)
		jobCtx = observability.WithTenantID(jobCtx, ev.TenantID)
		return d.process(jobCtx, ev, route)
	})
	if !accepted {
		d.post(ctx, ev, d.busy.Sample())
	}
}

// process runs on a queue worker: spawn a background task for
// compound-heavy frontier work, run the agent inline for the rest.
func (d *Dispatcher) process(ctx context.Context, ev channels.Event, route models.Route) error {
	ctx, span := d.tracer.TraceDispatch(ctx, ev.TenantID, ev.ChannelID)
	defer span.End()

	if tasks.ShouldBackground(route.Tier, ev.Text) {
		return d.background(ctx, ev, route)
	}

	res, err := d.agent.Run(ctx, d.request(ctx, ev, route, false))
	if err != nil {
		d.tracer.RecordError(span, err)
		d.logger.Error(ctx, "agent run failed", "error", err)
		d.post(ctx, ev, d.errors.Sample())
		return err
	}
	d.respond(ctx, ev, res)
	return nil
}

func (d *Dispatcher) background(ctx context.Context, ev channels.Event, route models.Route) error {
	_, err := d.tasks.StartTask(ctx, ev.TenantID, ev.ChannelID, ev.ThreadID, taskDescription(ev.Text),
		func(taskCtx context.Context) (string, error) {
			res, err := d.agent.Run(taskCtx, d.request(taskCtx, ev, route, true))
			if err != nil {
				return "", err
			}
			if res.Pending != nil {
				if _, perr := d.poster.PostPending(taskCtx, ev.ChannelID, ev.ThreadID, *res.Pending); perr != nil {
					d.logger.Warn(taskCtx, "pending prompt post failed", "error", perr)
				}
				return res.Pending.Message, nil
			}
			return res.Text, nil
		})
	if err != nil {
		if errors.Is(err, tasks.ErrLimitExceeded) {
			d.post(ctx, ev, d.busy.Sample())
			return nil
		}
		return err
	}
	return nil
}

func (d *Dispatcher) respond(ctx context.Context, ev channels.Event, res *agent.Result) {
	switch {
	case res == nil:
		return
	case res.Pending != nil:
		if _, err := d.poster.PostPending(ctx, ev.ChannelID, ev.ThreadID, *res.Pending); err != nil {
			d.logger.Error(ctx, "pending prompt post failed", "error", err)
		}
	case res.Silent || res.Text == "":
		d.logger.Info(ctx, "silent reply suppressed")
	default:
		d.post(ctx, ev, res.Text)
	}
}

func (d *Dispatcher) request(ctx context.Context, ev channels.Event, route models.Route, background bool) agent.Request {
	var apps []string
	if d.apps != nil {
		apps = d.apps.Apps()
	}
	return agent.Request{
		TenantID:      ev.TenantID,
		ChannelID:     ev.ChannelID,
		ThreadID:      ev.ThreadID,
		UserID:        ev.UserID,
		Text:          ev.Text,
		Route:         route,
		Mode:          actions.ModeInteractive,
		Background:    background,
		ConnectedApps: apps,
		History:       d.history(ctx, ev),
	}
}

// history pulls prior thread messages as transcript context. The
// triggering message itself is excluded.
func (d *Dispatcher) history(ctx context.Context, ev channels.Event) []llm.Message {
	if d.threads == nil || ev.ThreadID == "" || ev.ThreadID == ev.EventTS {
		return nil
	}
	msgs, err := d.threads.FetchThread(ctx, ev.ChannelID, ev.ThreadID, d.cfg.HistoryLimit)
	if err != nil {
		d.logger.Warn(ctx, "thread history fetch failed", "error", err)
		return nil
	}
	out := make([]llm.Message, 0, len(msgs))
	for _, m := range msgs {
		if m.TS == ev.EventTS || strings.TrimSpace(m.Text) == "" {
			continue
		}
		role := llm.RoleUser
		if m.Bot() {
			role = llm.RoleAssistant
		}
		out = append(out, llm.Message{Role: role, Content: m.Text})
	}
	return out
}

func (d *Dispatcher) post(ctx context.Context, ev channels.Event, text string) {
	if _, err := d.poster.Post(ctx, ev.ChannelID, ev.ThreadID, text); err != nil {
		d.logger.Error(ctx, "reply post failed", "channel_id", ev.ChannelID, "error", err)
	}
}

func dedupeKey(ev channels.Event) string {
	return ev.ChannelID + ":" + ev.EventTS
}

// taskDescription trims the request text to a label that fits in an
// acknowledgement line.
func taskDescription(text string) string {
	const max = 140
	text = strings.TrimSpace(text)
	runes := []rune(text)
	if len(runes) <= max {
		return text
	}
	return string(runes[:max-3]) + "..."
}
