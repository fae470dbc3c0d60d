package tasks

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/haasonsaas/lucy/internal/observability"
	"github.com/haasonsaas/lucy/internal/reply"
)

// MaxTaskDuration is the default safety cap on one background task.
const MaxTaskDuration = 14400 * time.Second

var (
	// ErrLimitExceeded fails task creation when the tenant is already at
	// its concurrent-task cap.
	ErrLimitExceeded = errors.New("task limit exceeded")

	// ErrNotFound reports an unknown task id.
	ErrNotFound = errors.New("task not found")
)

// Handler runs the background work and returns the text to post as the
// task result.
type Handler func(ctx context.Context) (string, error)

// Poster posts a message into a chat thread and returns the posted
// message id. The task manager stores the id of the acknowledgement
// message as the progress anchor.
type Poster interface {
	Post(ctx context.Context, channelID, threadID, text string) (string, error)
}

// History persists terminal task records. Implementations must tolerate
// concurrent calls.
type History interface {
	SaveTask(ctx context.Context, snap Snapshot) error
}

// Config sizes the task manager.
type Config struct {
	// MaxPerTenant caps concurrent unfinished tasks per tenant.
	MaxPerTenant int

	// MaxDuration is the per-task safety cap.
	MaxDuration time.Duration

	// Retain is how many terminal tasks stay queryable in memory.
	Retain int
}

func (c *Config) applyDefaults() {
	if c.MaxPerTenant <= 0 {
		c.MaxPerTenant = 5
	}
	if c.MaxDuration <= 0 {
		c.MaxDuration = MaxTaskDuration
	}
	if c.Retain <= 0 {
		c.Retain = 20
	}
}

// Manager owns every background task in the process: admission against
// the per-tenant cap, the acknowledgement post, the watchdog context,
// terminal bookkeeping, and the retained-task window.
type Manager struct {
	config  Config
	poster  Poster
	history History
	logger  *observability.Logger
	metrics *observability.Metrics

	ackPool     *reply.Pool
	errorPool   *reply.Pool
	timeoutPool *reply.Pool
	apologyPool *reply.Pool

	mu        sync.RWMutex
	tasks     map[string]*Task
	byThread  map[string]*Task
	perTenant map[string]int
	active    int
	terminal  []string

	wg sync.WaitGroup
}

// NewManager builds a task manager. history may be nil to skip
// persistence.
func NewManager(config Config, poster Poster, history History, logger *observability.Logger, metrics *observability.Metrics) *Manager {
	config.applyDefaults()
	return &Manager{
		config:      config,
		poster:      poster,
		history:     history,
		logger:      logger.WithComponent("tasks"),
		metrics:     metrics,
		ackPool:     reply.AckPool(),
		errorPool:   reply.ErrorPool(),
		timeoutPool: reply.TimeoutPool(),
		apologyPool: reply.ApologyPool(),
		tasks:       make(map[string]*Task),
		byThread:    make(map[string]*Task),
		perTenant:   make(map[string]int),
	}
}

// StartTask acknowledges the request in its thread and spawns the
// handler under the duration cap. It fails fast with ErrLimitExceeded
// when the tenant is already at its concurrent-task limit.
func (m *Manager) StartTask(ctx context.Context, tenantID, channelID, threadID, description string, handler Handler) (*Task, error) {
	if handler == nil {
		return nil, errors.New("handler is required")
	}

	t := &Task{
		id:          uuid.NewString(),
		tenantID:    tenantID,
		channelID:   channelID,
		threadID:    threadID,
		description: description,
		state:       StatePending,
		startedAt:   time.Now(),
	}

	m.mu.Lock()
	if m.perTenant[tenantID] >= m.config.MaxPerTenant {
		m.mu.Unlock()
		return nil, fmt.Errorf("%w: tenant %s is at %d concurrent tasks", ErrLimitExceeded, tenantID, m.config.MaxPerTenant)
	}
	m.tasks[t.id] = t
	m.byThread[threadID] = t
	m.perTenant[tenantID]++
	m.active++
	active := m.active
	m.mu.Unlock()
	m.metrics.SetActiveTasks(active)

	if anchor, err := m.poster.Post(ctx, channelID, threadID, m.ackPool.Sample()); err != nil {
		m.logger.Warn(ctx, "task acknowledgement post failed",
			"task_id", t.id,
			"error", err,
		)
	} else {
		t.setAnchor(anchor)
	}
	t.setState(StateAcknowledged)

	// The task outlives the request that created it, so the request
	// context contributes values only, not cancellation.
	taskCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), m.config.MaxDuration)
	t.setCancel(cancel)

	m.logger.Info(ctx, "background task started",
		"task_id", t.id,
		"tenant_id", tenantID,
		"thread_id", threadID,
		"description", description,
	)

	m.wg.Add(1)
	go m.run(taskCtx, t, handler)
	return t, nil
}

func (m *Manager) run(ctx context.Context, t *Task, handler Handler) {
	defer m.wg.Done()
	defer func() {
		if rec := recover(); rec != nil {
			m.logger.Error(context.Background(), "background task panicked",
				"task_id", t.id,
				"panic", fmt.Sprint(rec),
				"stack", string(debug.Stack()),
			)
			post := ""
			if t.fail(fmt.Sprintf("panic: %v", rec)) {
				post = m.errorPool.Sample()
			}
			m.finalize(ctx, t, post)
		}
	}()

	t.setState(StateWorking)
	result, err := handler(ctx)

	// Each transition below is refused when the task was cancelled
	// mid-flight: terminal states are sinks, and the refusal also
	// suppresses the outcome post.
	post := ""
	switch {
	case err == nil:
		if t.complete(result) {
			post = result
			if post == "" {
				post = m.apologyPool.Sample()
			}
		}
	case errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded):
		if t.fail(fmt.Sprintf("exceeded the %s duration cap", m.config.MaxDuration)) {
			post = m.timeoutPool.Sample()
		}
	default:
		if t.fail(err.Error()) {
			post = m.errorPool.Sample()
		}
	}

	m.finalize(ctx, t, post)
}

// finalize runs exactly once per task, after its terminal state is set:
// counters, retention pruning, metrics, persistence, and the outcome
// post back to the thread.
func (m *Manager) finalize(ctx context.Context, t *Task, post string) {
	snap := t.Snapshot()

	m.mu.Lock()
	if m.perTenant[snap.TenantID] <= 1 {
		delete(m.perTenant, snap.TenantID)
	} else {
		m.perTenant[snap.TenantID]--
	}
	if m.byThread[snap.ThreadID] == t {
		delete(m.byThread, snap.ThreadID)
	}
	m.active--
	active := m.active
	m.terminal = append(m.terminal, snap.ID)
	for len(m.terminal) > m.config.Retain {
		oldest := m.terminal[0]
		m.terminal = m.terminal[1:]
		delete(m.tasks, oldest)
	}
	m.mu.Unlock()

	m.metrics.SetActiveTasks(active)
	m.metrics.RecordTaskOutcome(string(snap.State), snap.Duration)

	postCtx := context.WithoutCancel(ctx)
	if post != "" {
		if _, err := m.poster.Post(postCtx, snap.ChannelID, snap.ThreadID, post); err != nil {
			m.logger.Warn(postCtx, "task outcome post failed",
				"task_id", snap.ID,
				"error", err,
			)
		}
	}
	if m.history != nil {
		if err := m.history.SaveTask(postCtx, snap); err != nil {
			m.logger.Warn(postCtx, "task history save failed",
				"task_id", snap.ID,
				"error", err,
			)
		}
	}

	m.logger.Info(postCtx, "background task finished",
		"task_id", snap.ID,
		"state", string(snap.State),
		"duration_ms", snap.Duration.Milliseconds(),
	)
}

// Cancel signals a task's cancellation token. Cancelling a finished
// task is a no-op.
func (m *Manager) Cancel(taskID string) error {
	m.mu.RLock()
	t, ok := m.tasks[taskID]
	m.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, taskID)
	}
	if t.signalCancel() {
		m.logger.Info(context.Background(), "background task cancelled", "task_id", taskID)
	}
	return nil
}

// Get returns a task by id.
func (m *Manager) Get(taskID string) (*Task, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	t, ok := m.tasks[taskID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, taskID)
	}
	return t, nil
}

// ActiveForThread returns the unfinished task bound to a thread, or
// nil. The gateway uses it to short-circuit messages that belong to an
// in-flight background job.
func (m *Manager) ActiveForThread(threadID string) *Task {
	m.mu.RLock()
	t := m.byThread[threadID]
	m.mu.RUnlock()
	if t == nil || t.State().Terminal() {
		return nil
	}
	return t
}

// ActiveCount returns the number of unfinished tasks.
func (m *Manager) ActiveCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.active
}

// Shutdown cancels every running task and waits for their goroutines to
// finish, bounded by ctx.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.RLock()
	running := make([]*Task, 0, m.active)
	for _, t := range m.tasks {
		if !t.State().Terminal() {
			running = append(running, t)
		}
	}
	m.mu.RUnlock()

	for _, t := range running {
		t.signalCancel()
	}

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
