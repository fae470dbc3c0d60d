// Package cron fires scheduled agent runs from per-tenant job specs in
// the workspace. Each job lives at crons/<slug>/task.json; the
// scheduler loads every tenant's jobs at startup, fires them on a
// robfig-parsed five-field expression, and feeds the outcome back into
// the job's execution log and the tenant's activity trail.
package cron

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/haasonsaas/lucy/internal/actions"
	"github.com/haasonsaas/lucy/internal/agent"
	"github.com/haasonsaas/lucy/internal/llm"
	"github.com/haasonsaas/lucy/internal/observability"
	"github.com/haasonsaas/lucy/internal/workspace"
	"github.com/haasonsaas/lucy/pkg/models"
)

// parser accepts five-field POSIX expressions plus @daily-style
// descriptors.
var parser = cron.NewParser(
	cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
)

var (
	// ErrJobNotFound reports a trigger for a path with no loaded job.
	ErrJobNotFound = errors.New("cron job not found")

	// ErrJobRunning rejects an out-of-schedule trigger while the same
	// job is still in flight.
	ErrJobRunning = errors.New("cron job already running")
)

// Runner executes one agent run. Satisfied by the orchestrator.
type Runner interface {
	Run(ctx context.Context, req agent.Request) (*agent.Result, error)
}

// Syncer performs the per-tenant history backfill between agent runs.
type Syncer interface {
	SyncTenant(ctx context.Context, tenantID string) error
}

// AppSource lists the connected app slugs for retrieval scoping.
type AppSource interface {
	Apps() []string
}

// Config tunes the scheduler. Zero values get defaults.
type Config struct {
	// TickInterval is how often due jobs are checked.
	TickInterval time.Duration

	// MisfireGrace is how late a fire may start before it is skipped
	// in favor of the next scheduled one.
	MisfireGrace time.Duration

	// SyncInterval spaces the per-tenant backfill job.
	SyncInterval time.Duration

	// RunTimeout caps a single fire.
	RunTimeout time.Duration

	// Models resolves the tier used for scheduled runs.
	Models llm.ModelMap
}

func (c *Config) applyDefaults() {
	if c.TickInterval <= 0 {
		c.TickInterval = time.Second
	}
	if c.MisfireGrace <= 0 {
		c.MisfireGrace = 5 * time.Minute
	}
	if c.SyncInterval <= 0 {
		c.SyncInterval = 10 * time.Minute
	}
	if c.RunTimeout <= 0 {
		c.RunTimeout = 10 * time.Minute
	}
}

const syncTimeout = 2 * time.Minute

// Job is one loaded schedule entry. Snapshot copies are safe to hand
// out; live entries are guarded by the scheduler's lock.
type Job struct {
	TenantID    string
	Slug        string
	Path        string
	Expr        string
	Title       string
	Description string

	Schedule  cron.Schedule
	NextRun   time.Time
	LastRun   time.Time
	LastError string

	running bool
	pending bool
}

// Running reports whether the job has a fire in flight.
func (j Job) Running() bool { return j.running }

type syncEntry struct {
	next    time.Time
	running bool
}

// Scheduler drives the tick loop over all tenants' jobs. The runner,
// syncer, and app source are attached after construction because they
// are built on top of the tool registry this scheduler feeds.
type Scheduler struct {
	cfg     Config
	store   workspace.Store
	library *workspace.Library
	logger  *observability.Logger
	now     func() time.Time

	mu     sync.Mutex
	jobs   map[string]*Job
	syncs  map[string]*syncEntry
	runner Runner
	syncer Syncer
	apps   AppSource

	started  bool
	stop     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// New builds a scheduler over the workspace. Call Start to load jobs
// and begin firing.
func New(cfg Config, store workspace.Store, library *workspace.Library, logger *observability.Logger) *Scheduler {
	cfg.applyDefaults()
	if logger == nil {
		logger = observability.NewLogger(observability.LogConfig{})
	}
	return &Scheduler{
		cfg:     cfg,
		store:   store,
		library: library,
		logger:  logger.WithComponent("cron"),
		now:     time.Now,
		jobs:    make(map[string]*Job),
		syncs:   make(map[string]*syncEntry),
		stop:    make(chan struct{}),
	}
}

// SetRunner attaches the agent entry point for job fires.
func (s *Scheduler) SetRunner(r Runner) {
	if r == nil {
		return
	}
	s.mu.Lock()
	s.runner = r
	s.mu.Unlock()
}

// SetSyncer attaches the backfill used by the per-tenant sync job.
func (s *Scheduler) SetSyncer(sy Syncer) {
	if sy == nil {
		return
	}
	s.mu.Lock()
	s.syncer = sy
	s.mu.Unlock()
}

// SetApps attaches the connected-app source passed to agent runs.
func (s *Scheduler) SetApps(apps AppSource) {
	if apps == nil {
		return
	}
	s.mu.Lock()
	s.apps = apps
	s.mu.Unlock()
}

// Start loads every tenant's jobs and begins the tick loop. Idempotent.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return nil
	}
	s.started = true
	s.mu.Unlock()

	if err := s.reloadAll(ctx); err != nil {
		return err
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ticker := time.NewTicker(s.cfg.TickInterval)
		defer ticker.Stop()
		for {
			select {
			case <-s.stop:
				return
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.RunOnce(ctx)
			}
		}
	}()
	return nil
}

// Stop ends the tick loop and waits for in-flight fires to complete,
// up to the context deadline. Idempotent.
func (s *Scheduler) Stop(ctx context.Context) error {
	s.stopOnce.Do(func() { close(s.stop) })

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// RunOnce checks every job and sync entry against the clock and fires
// what is due. The tick loop calls it; tests call it directly.
func (s *Scheduler) RunOnce(ctx context.Context) int {
	now := s.now()
	fired := 0

	s.mu.Lock()
	for key, job := range s.jobs {
		if job.NextRun.IsZero() || now.Before(job.NextRun) {
			continue
		}
		late := now.Sub(job.NextRun)
		next := job.Schedule.Next(now)
		if late > s.cfg.MisfireGrace {
			s.logger.Warn(ctx, "cron fire skipped",
				"tenant_id", job.TenantID, "job", job.Slug, "late", late.String())
			job.NextRun = next
			continue
		}
		if job.running {
			job.pending = true
			job.NextRun = next
			continue
		}
		job.running = true
		job.LastRun = now
		job.NextRun = next
		s.wg.Add(1)
		go s.fire(ctx, key, job)
		fired++
	}

	for tenantID, entry := range s.syncs {
		if s.syncer == nil || entry.running || now.Before(entry.next) {
			continue
		}
		entry.running = true
		entry.next = now.Add(s.cfg.SyncInterval)
		s.wg.Add(1)
		go s.runSync(ctx, tenantID, entry)
	}
	s.mu.Unlock()

	return fired
}

// fire runs the job, then once more if a fire came due while it was in
// flight. Missed fires beyond that collapse into the single pending one.
func (s *Scheduler) fire(ctx context.Context, key string, job *Job) {
	defer s.wg.Done()
	for {
		s.runJob(ctx, job)

		s.mu.Lock()
		if s.jobs[key] != job {
			// Removed or replaced while running.
			s.mu.Unlock()
			return
		}
		if !job.pending {
			job.running = false
			s.mu.Unlock()
			return
		}
		job.pending = false
		job.LastRun = s.now()
		s.mu.Unlock()
	}
}

// runJob executes one fire and records the outcome. The run keeps
// going through shutdown; Stop only bounds how long we wait for it.
func (s *Scheduler) runJob(ctx context.Context, job *Job) {
	runCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.cfg.RunTimeout)
	defer cancel()
	runCtx = observability.WithTenantID(runCtx, job.TenantID)

	start := s.now()
	outcome := s.execute(runCtx, job)
	elapsed := s.now().Sub(start)

	s.mu.Lock()
	job.LastError = outcome.errText
	s.mu.Unlock()

	line := fmt.Sprintf("%s %s %s %s",
		start.UTC().Format(time.RFC3339), outcome.status, elapsed.Round(100*time.Millisecond), outcome.detail)
	if err := s.store.Append(runCtx, job.TenantID, workspace.CronLogKey(job.Slug), []byte(line+"\n")); err != nil {
		s.logger.Warn(runCtx, "cron log append failed", "job", job.Slug, "error", err)
	}
	activity := fmt.Sprintf("cron %q %s (%s)", job.Title, outcome.status, elapsed.Round(100*time.Millisecond))
	if err := s.library.LogActivity(runCtx, job.TenantID, activity); err != nil {
		s.logger.Warn(runCtx, "activity append failed", "job", job.Slug, "error", err)
	}

	if outcome.status == "failed" {
		s.logger.Error(runCtx, "cron run failed",
			"job", job.Slug, "title", job.Title, "elapsed_ms", elapsed.Milliseconds(), "error", outcome.errText)
		return
	}
	s.logger.Info(runCtx, "cron fired",
		"job", job.Slug, "title", job.Title, "status", outcome.status, "elapsed_ms", elapsed.Milliseconds())
}

type fireOutcome struct {
	status  string
	detail  string
	errText string
}

func (s *Scheduler) execute(ctx context.Context, job *Job) fireOutcome {
	s.mu.Lock()
	runner := s.runner
	apps := s.apps
	s.mu.Unlock()

	if runner == nil {
		err := errors.New("agent runner not configured")
		return fireOutcome{status: "failed", detail: "error: " + err.Error(), errText: err.Error()}
	}

	learnings := ""
	if data, err := s.store.Read(ctx, job.TenantID, workspace.CronLearningsKey(job.Slug)); err == nil {
		learnings = string(data)
	} else if !errors.Is(err, workspace.ErrNotFound) {
		s.logger.Warn(ctx, "learnings read failed", "job", job.Slug, "error", err)
	}

	req := agent.Request{
		TenantID:   job.TenantID,
		Text:       instruction(job.Description, learnings),
		Route:      s.scheduledRoute(),
		Mode:       actions.ModeCron,
		Background: true,
	}
	if apps != nil {
		req.ConnectedApps = apps.Apps()
	}

	res, err := runner.Run(ctx, req)
	switch {
	case err != nil:
		return fireOutcome{status: "failed", detail: "error: " + flatten(err.Error(), 500), errText: err.Error()}
	case res == nil:
		return fireOutcome{status: "ok", detail: "result: (no output)"}
	case res.Pending != nil:
		return fireOutcome{status: "blocked", detail: flatten(res.Pending.Message, 500)}
	default:
		text := strings.TrimSpace(res.Text)
		if text == "" {
			text = "(no output)"
		}
		detail := fmt.Sprintf("turns=%d tools=%d result: %s", res.Turns, res.ToolCalls, flatten(text, 500))
		return fireOutcome{status: "ok", detail: detail}
	}
}

// scheduledRoute is the fixed route for fires: scheduled work is
// monitoring-shaped and runs on the default tier.
func (s *Scheduler) scheduledRoute() models.Route {
	return models.Route{
		Tier:   models.TierDefault,
		Intent: models.IntentMonitoring,
		Model:  s.cfg.Models.ForTier(models.TierDefault),
	}
}

// TriggerNow runs a named job immediately, out of schedule, and blocks
// until it completes. The single-instance policy still applies.
func (s *Scheduler) TriggerNow(ctx context.Context, tenantID, path string) error {
	slug, err := slugFromPath(path)
	if err != nil {
		return err
	}
	key := jobKey(tenantID, slug)

	s.mu.Lock()
	job, ok := s.jobs[key]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrJobNotFound, path)
	}
	if job.running {
		s.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrJobRunning, path)
	}
	job.running = true
	job.LastRun = s.now()
	s.mu.Unlock()

	s.runJob(ctx, job)

	s.mu.Lock()
	errText := job.LastError
	if s.jobs[key] == job {
		job.running = false
		job.pending = false
	}
	s.mu.Unlock()

	if errText != "" {
		return errors.New(errText)
	}
	return nil
}

// Snapshot returns a copy of every loaded job, for status surfaces and
// tests.
func (s *Scheduler) Snapshot() []Job {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Job, 0, len(s.jobs))
	for _, job := range s.jobs {
		out = append(out, *job)
	}
	return out
}

func (s *Scheduler) runSync(ctx context.Context, tenantID string, entry *syncEntry) {
	defer s.wg.Done()
	syncCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), syncTimeout)
	defer cancel()
	syncCtx = observability.WithTenantID(syncCtx, tenantID)

	s.mu.Lock()
	syncer := s.syncer
	s.mu.Unlock()

	err := syncer.SyncTenant(syncCtx, tenantID)
	if err != nil {
		s.logger.Warn(syncCtx, "tenant sync failed", "error", err)
	} else {
		stamp := s.now().UTC().Format(time.RFC3339)
		if err := s.library.SetLastSync(syncCtx, tenantID, stamp); err != nil {
			s.logger.Warn(syncCtx, "sync stamp write failed", "error", err)
		}
	}

	s.mu.Lock()
	entry.running = false
	s.mu.Unlock()
}

// instruction builds the fire prompt from the job description and the
// accumulated learnings file.
func instruction(description, learnings string) string {
	desc := strings.TrimSpace(description)
	l := strings.TrimSpace(learnings)
	if l == "" {
		return desc
	}
	return desc + "\n\n## Accumulated Learnings\n" + l
}

// flatten collapses text to a single log-safe line of at most max runes.
func flatten(text string, max int) string {
	text = strings.Join(strings.Fields(text), " ")
	runes := []rune(text)
	if max > 0 && len(runes) > max {
		return string(runes[:max]) + "..."
	}
	return text
}

func jobKey(tenantID, slug string) string {
	return tenantID + "/" + slug
}
