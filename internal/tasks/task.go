// Package tasks manages the background task lifecycle. Heavy requests
// that would block a chat thread run here instead: acknowledged with an
// anchor message, executed under a hard duration cap, and resolved with
// a result or failure message posted back to the same thread.
package tasks

import (
	"context"
	"sync"
	"time"
)

// State is the lifecycle position of a background task.
type State string

const (
	// StatePending indicates the task is allocated but not yet announced.
	StatePending State = "pending"

	// StateAcknowledged indicates the acknowledgement message was posted.
	StateAcknowledged State = "acknowledged"

	// StateWorking indicates the handler is running.
	StateWorking State = "working"

	// StateCompleted indicates the handler finished and its result was
	// posted to the thread.
	StateCompleted State = "completed"

	// StateFailed indicates the handler failed or hit the duration cap.
	StateFailed State = "failed"

	// StateCancelled indicates the task was cancelled before finishing.
	StateCancelled State = "cancelled"
)

// Terminal reports whether the state is a sink. A task that completed,
// failed, or was cancelled never changes state again.
func (s State) Terminal() bool {
	switch s {
	case StateCompleted, StateFailed, StateCancelled:
		return true
	default:
		return false
	}
}

// Task is one background job bound to a chat thread. All state mutation
// goes through the manager; readers take a Snapshot.
type Task struct {
	id          string
	tenantID    string
	channelID   string
	threadID    string
	description string

	mu          sync.RWMutex
	state       State
	startedAt   time.Time
	completedAt time.Time
	anchor      string
	resultText  string
	errorText   string
	cancel      context.CancelFunc
}

// ID returns the task identifier.
func (t *Task) ID() string { return t.id }

// TenantID returns the owning tenant.
func (t *Task) TenantID() string { return t.tenantID }

// ChannelID returns the channel the task posts into.
func (t *Task) ChannelID() string { return t.channelID }

// ThreadID returns the thread the task is bound to.
func (t *Task) ThreadID() string { return t.threadID }

// Description returns the original request text.
func (t *Task) Description() string { return t.description }

// State returns the current lifecycle state.
func (t *Task) State() State {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.state
}

// ProgressAnchor returns the id of the acknowledgement message, or ""
// when posting it failed.
func (t *Task) ProgressAnchor() string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.anchor
}

func (t *Task) setAnchor(anchor string) {
	t.mu.Lock()
	t.anchor = anchor
	t.mu.Unlock()
}

func (t *Task) setCancel(cancel context.CancelFunc) {
	t.mu.Lock()
	t.cancel = cancel
	t.mu.Unlock()
}

// setState advances the lifecycle. Terminal states are sinks, so the
// transition is refused once the task has finished.
func (t *Task) setState(to State) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.state.Terminal() {
		return false
	}
	t.state = to
	if to.Terminal() {
		t.completedAt = time.Now()
	}
	return true
}

// complete records the result and moves to COMPLETED.
func (t *Task) complete(result string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.state.Terminal() {
		return false
	}
	t.state = StateCompleted
	t.resultText = result
	t.completedAt = time.Now()
	return true
}

// fail records the error and moves to FAILED.
func (t *Task) fail(errText string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.state.Terminal() {
		return false
	}
	t.state = StateFailed
	t.errorText = errText
	t.completedAt = time.Now()
	return true
}

// signalCancel fires the cancellation token and marks the task
// CANCELLED. It reports false when the task had already finished.
func (t *Task) signalCancel() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.state.Terminal() || t.cancel == nil {
		return false
	}
	t.state = StateCancelled
	t.completedAt = time.Now()
	t.cancel()
	return true
}

// Snapshot is a point-in-time copy of a task, safe for concurrent
// readers and JSON encoding.
type Snapshot struct {
	ID             string        `json:"id"`
	TenantID       string        `json:"tenant_id"`
	ChannelID      string        `json:"channel_id"`
	ThreadID       string        `json:"thread_id"`
	Description    string        `json:"description"`
	State          State         `json:"state"`
	StartedAt      time.Time     `json:"started_at"`
	CompletedAt    *time.Time    `json:"completed_at,omitempty"`
	ProgressAnchor string        `json:"progress_anchor,omitempty"`
	ResultText     string        `json:"result_text,omitempty"`
	ErrorText      string        `json:"error_text,omitempty"`
	Duration       time.Duration `json:"duration,omitempty"`
}

// Snapshot returns a copy of the task's current fields.
func (t *Task) Snapshot() Snapshot {
	t.mu.RLock()
	defer t.mu.RUnlock()

	snap := Snapshot{
		ID:             t.id,
		TenantID:       t.tenantID,
		ChannelID:      t.channelID,
		ThreadID:       t.threadID,
		Description:    t.description,
		State:          t.state,
		StartedAt:      t.startedAt,
		ProgressAnchor: t.anchor,
		ResultText:     t.resultText,
		ErrorText:      t.errorText,
	}
	if !t.completedAt.IsZero() {
		completed := t.completedAt
		snap.CompletedAt = &completed
		snap.Duration = completed.Sub(t.startedAt)
	}
	return snap
}
