package tasks

import (
	"context"
	"errors"
	"fmt"
	"io"
	"slices"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/haasonsaas/lucy/internal/observability"
	"github.com/haasonsaas/lucy/internal/reply"
)

type postedMessage struct {
	ChannelID string
	ThreadID  string
	Text      string
}

type fakePoster struct {
	mu     sync.Mutex
	posts  []postedMessage
	err    error
	onPost func(channelID, threadID, text string)
}

func (p *fakePoster) Post(_ context.Context, channelID, threadID, text string) (string, error) {
	p.mu.Lock()
	onPost := p.onPost
	err := p.err
	p.mu.Unlock()

	if onPost != nil {
		onPost(channelID, threadID, text)
	}
	if err != nil {
		return "", err
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	p.posts = append(p.posts, postedMessage{ChannelID: channelID, ThreadID: threadID, Text: text})
	return fmt.Sprintf("msg-%d", len(p.posts)), nil
}

func (p *fakePoster) setErr(err error) {
	p.mu.Lock()
	p.err = err
	p.mu.Unlock()
}

func (p *fakePoster) messages() []postedMessage {
	p.mu.Lock()
	defer p.mu.Unlock()
	return slices.Clone(p.posts)
}

type fakeHistory struct {
	mu    sync.Mutex
	saved []Snapshot
}

func (h *fakeHistory) SaveTask(_ context.Context, snap Snapshot) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.saved = append(h.saved, snap)
	return nil
}

func (h *fakeHistory) records() []Snapshot {
	h.mu.Lock()
	defer h.mu.Unlock()
	return slices.Clone(h.saved)
}

func testManager(config Config, poster Poster, history History) *Manager {
	logger := observability.NewLogger(observability.LogConfig{Level: "error", Output: io.Discard})
	metrics := observability.NewMetrics(observability.NewCollector(), nil)
	return NewManager(config, poster, history, logger, metrics)
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for !cond() {
		select {
		case <-deadline:
			t.Fatalf("timed out waiting for %s", what)
		case <-time.After(5 * time.Millisecond):
		}
	}
}

func TestTaskLifecycle(t *testing.T) {
	poster := &fakePoster{}
	history := &fakeHistory{}
	m := testManager(Config{}, poster, history)

	var ackState State
	poster.onPost = func(_, threadID, _ string) {
		if ackState != "" {
			return
		}
		if task := m.ActiveForThread(threadID); task != nil {
			ackState = task.State()
		}
	}

	started := make(chan struct{})
	release := make(chan struct{})
	task, err := m.StartTask(context.Background(), "T1", "CH1", "TH1",
		"Research competitor pricing comprehensively and create a report.",
		func(context.Context) (string, error) {
			close(started)
			<-release
			return "Here's the pricing report: competitors cluster at $40-60/seat.", nil
		})
	if err != nil {
		t.Fatalf("start task: %v", err)
	}
	if ackState != StatePending {
		t.Errorf("state at acknowledgement post = %q, want %q", ackState, StatePending)
	}
	if task.ProgressAnchor() != "msg-1" {
		t.Errorf("ProgressAnchor = %q, want msg-1", task.ProgressAnchor())
	}

	<-started
	if got := task.State(); got != StateWorking {
		t.Errorf("state while handler runs = %q, want %q", got, StateWorking)
	}
	if m.ActiveForThread("TH1") != task {
		t.Error("expected task bound to its thread while running")
	}

	close(release)
	waitFor(t, "completion", func() bool { return task.State() == StateCompleted })
	waitFor(t, "finalize", func() bool { return m.ActiveCount() == 0 })

	posts := poster.messages()
	if len(posts) != 2 {
		t.Fatalf("got %d posts, want acknowledgement and result", len(posts))
	}
	if !reply.AckPool().Contains(posts[0].Text) {
		t.Errorf("acknowledgement %q not drawn from the ack pool", posts[0].Text)
	}
	if !strings.Contains(posts[1].Text, "pricing report") {
		t.Errorf("result post = %q, want the handler result", posts[1].Text)
	}
	for _, p := range posts {
		if p.ChannelID != "CH1" || p.ThreadID != "TH1" {
			t.Errorf("post went to %s/%s, want CH1/TH1", p.ChannelID, p.ThreadID)
		}
	}

	snap := task.Snapshot()
	if snap.CompletedAt == nil || snap.Duration < 0 {
		t.Errorf("expected completion timestamps, got %+v", snap)
	}
	if m.ActiveForThread("TH1") != nil {
		t.Error("finished task should be unbound from its thread")
	}

	records := history.records()
	if len(records) != 1 || records[0].State != StateCompleted {
		t.Errorf("history = %+v, want one completed record", records)
	}
}

func TestStartTaskLimitExceeded(t *testing.T) {
	poster := &fakePoster{}
	m := testManager(Config{MaxPerTenant: 2}, poster, nil)

	release := make(chan struct{})
	block := func(ctx context.Context) (string, error) {
		select {
		case <-release:
			return "done", nil
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}

	ctx := context.Background()
	if _, err := m.StartTask(ctx, "T1", "CH", "TH1", "first", block); err != nil {
		t.Fatalf("first task: %v", err)
	}
	if _, err := m.StartTask(ctx, "T1", "CH", "TH2", "second", block); err != nil {
		t.Fatalf("second task: %v", err)
	}

	_, err := m.StartTask(ctx, "T1", "CH", "TH3", "third", block)
	if !errors.Is(err, ErrLimitExceeded) {
		t.Fatalf("expected ErrLimitExceeded, got %v", err)
	}
	if _, err := m.StartTask(ctx, "T2", "CH", "TH4", "other tenant", block); err != nil {
		t.Fatalf("other tenant should not be capped: %v", err)
	}

	close(release)
	waitFor(t, "drain", func() bool { return m.ActiveCount() == 0 })

	if _, err := m.StartTask(ctx, "T1", "CH", "TH5", "after drain", func(context.Context) (string, error) {
		return "ok", nil
	}); err != nil {
		t.Fatalf("slot should free up after completion: %v", err)
	}
	waitFor(t, "drain", func() bool { return m.ActiveCount() == 0 })
}

func TestTaskFailurePostsErrorMessage(t *testing.T) {
	poster := &fakePoster{}
	history := &fakeHistory{}
	m := testManager(Config{}, poster, history)

	task, err := m.StartTask(context.Background(), "T1", "CH1", "TH1", "doomed",
		func(context.Context) (string, error) {
			return "", errors.New("upstream exploded")
		})
	if err != nil {
		t.Fatalf("start task: %v", err)
	}

	waitFor(t, "failure", func() bool { return task.State() == StateFailed })
	waitFor(t, "finalize", func() bool { return m.ActiveCount() == 0 })

	posts := poster.messages()
	if len(posts) != 2 || !reply.ErrorPool().Contains(posts[1].Text) {
		t.Fatalf("expected an error-pool post, got %+v", posts)
	}
	if snap := task.Snapshot(); snap.ErrorText != "upstream exploded" {
		t.Errorf("ErrorText = %q", snap.ErrorText)
	}
}

func TestTaskDeadlineCap(t *testing.T) {
	poster := &fakePoster{}
	m := testManager(Config{MaxDuration: 30 * time.Millisecond}, poster, nil)

	task, err := m.StartTask(context.Background(), "T1", "CH1", "TH1", "endless",
		func(ctx context.Context) (string, error) {
			<-ctx.Done()
			return "", ctx.Err()
		})
	if err != nil {
		t.Fatalf("start task: %v", err)
	}

	waitFor(t, "deadline failure", func() bool { return task.State() == StateFailed })
	waitFor(t, "finalize", func() bool { return m.ActiveCount() == 0 })

	posts := poster.messages()
	if len(posts) != 2 || !reply.TimeoutPool().Contains(posts[1].Text) {
		t.Fatalf("expected a timeout-pool post, got %+v", posts)
	}
	if snap := task.Snapshot(); !strings.Contains(snap.ErrorText, "duration cap") {
		t.Errorf("ErrorText = %q, want duration cap mention", snap.ErrorText)
	}
}

func TestCancelTask(t *testing.T) {
	poster := &fakePoster{}
	history := &fakeHistory{}
	m := testManager(Config{}, poster, history)

	started := make(chan struct{})
	task, err := m.StartTask(context.Background(), "T1", "CH1", "TH1", "slow",
		func(ctx context.Context) (string, error) {
			close(started)
			<-ctx.Done()
			return "", ctx.Err()
		})
	if err != nil {
		t.Fatalf("start task: %v", err)
	}
	<-started

	if err := m.Cancel(task.ID()); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if got := task.State(); got != StateCancelled {
		t.Errorf("state after cancel = %q, want %q", got, StateCancelled)
	}
	waitFor(t, "finalize", func() bool { return m.ActiveCount() == 0 })

	if posts := poster.messages(); len(posts) != 1 {
		t.Errorf("cancelled task should post nothing beyond the acknowledgement, got %+v", posts)
	}
	records := history.records()
	if len(records) != 1 || records[0].State != StateCancelled {
		t.Errorf("history = %+v, want one cancelled record", records)
	}
}

func TestCancelUnknownTask(t *testing.T) {
	m := testManager(Config{}, &fakePoster{}, nil)
	if err := m.Cancel("no-such-task"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestHandlerPanicFailsTask(t *testing.T) {
	poster := &fakePoster{}
	m := testManager(Config{}, poster, nil)

	task, err := m.StartTask(context.Background(), "T1", "CH1", "TH1", "kaboom",
		func(context.Context) (string, error) {
			panic("exploded mid-flight")
		})
	if err != nil {
		t.Fatalf("start task: %v", err)
	}

	waitFor(t, "failure", func() bool { return task.State() == StateFailed })
	waitFor(t, "finalize", func() bool { return m.ActiveCount() == 0 })

	if snap := task.Snapshot(); !strings.Contains(snap.ErrorText, "panic") {
		t.Errorf("ErrorText = %q, want panic mention", snap.ErrorText)
	}
	posts := poster.messages()
	if len(posts) != 2 || !reply.ErrorPool().Contains(posts[1].Text) {
		t.Fatalf("expected an error-pool post, got %+v", posts)
	}

	// The manager survives the panic.
	if _, err := m.StartTask(context.Background(), "T1", "CH1", "TH2", "next",
		func(context.Context) (string, error) { return "fine", nil }); err != nil {
		t.Fatalf("manager unusable after panic: %v", err)
	}
	waitFor(t, "drain", func() bool { return m.ActiveCount() == 0 })
}

func TestTerminalStateIsSink(t *testing.T) {
	poster := &fakePoster{}
	m := testManager(Config{}, poster, nil)

	task, err := m.StartTask(context.Background(), "T1", "CH1", "TH1", "quick",
		func(context.Context) (string, error) { return "done", nil })
	if err != nil {
		t.Fatalf("start task: %v", err)
	}
	waitFor(t, "completion", func() bool { return task.State() == StateCompleted })
	waitFor(t, "finalize", func() bool { return m.ActiveCount() == 0 })

	if err := m.Cancel(task.ID()); err != nil {
		t.Fatalf("cancel on finished task: %v", err)
	}
	if got := task.State(); got != StateCompleted {
		t.Errorf("state after late cancel = %q, want %q", got, StateCompleted)
	}
	if task.fail("too late") {
		t.Error("terminal task accepted a transition")
	}
	if posts := poster.messages(); len(posts) != 2 {
		t.Errorf("late cancel should not post, got %d posts", len(posts))
	}
}

func TestTerminalTaskPruning(t *testing.T) {
	poster := &fakePoster{}
	m := testManager(Config{Retain: 2}, poster, nil)

	ids := make([]string, 0, 3)
	for i := 0; i < 3; i++ {
		task, err := m.StartTask(context.Background(), "T1", "CH1", fmt.Sprintf("TH%d", i), "quick",
			func(context.Context) (string, error) { return "ok", nil })
		if err != nil {
			t.Fatalf("start task %d: %v", i, err)
		}
		ids = append(ids, task.ID())
		waitFor(t, "finalize", func() bool { return m.ActiveCount() == 0 })
	}

	if _, err := m.Get(ids[0]); !errors.Is(err, ErrNotFound) {
		t.Errorf("oldest terminal task should be pruned, got %v", err)
	}
	for _, id := range ids[1:] {
		if _, err := m.Get(id); err != nil {
			t.Errorf("task %s should be retained: %v", id, err)
		}
	}
}

func TestAckPostFailureStillRuns(t *testing.T) {
	poster := &fakePoster{}
	poster.setErr(errors.New("chat is down"))
	m := testManager(Config{}, poster, nil)

	started := make(chan struct{})
	release := make(chan struct{})
	task, err := m.StartTask(context.Background(), "T1", "CH1", "TH1", "resilient",
		func(context.Context) (string, error) {
			close(started)
			<-release
			return "made it", nil
		})
	if err != nil {
		t.Fatalf("start task: %v", err)
	}
	if task.ProgressAnchor() != "" {
		t.Errorf("anchor should be empty when the acknowledgement fails, got %q", task.ProgressAnchor())
	}

	<-started
	poster.setErr(nil)
	close(release)

	waitFor(t, "completion", func() bool { return task.State() == StateCompleted })
	waitFor(t, "finalize", func() bool { return m.ActiveCount() == 0 })

	posts := poster.messages()
	if len(posts) != 1 || posts[0].Text != "made it" {
		t.Errorf("expected only the result post, got %+v", posts)
	}
}

func TestShutdownCancelsRunning(t *testing.T) {
	poster := &fakePoster{}
	m := testManager(Config{}, poster, nil)

	handler := func(ctx context.Context) (string, error) {
		<-ctx.Done()
		return "", ctx.Err()
	}
	t1, err := m.StartTask(context.Background(), "T1", "CH1", "TH1", "one", handler)
	if err != nil {
		t.Fatalf("start task: %v", err)
	}
	t2, err := m.StartTask(context.Background(), "T1", "CH1", "TH2", "two", handler)
	if err != nil {
		t.Fatalf("start task: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := m.Shutdown(ctx); err != nil {
		t.Fatalf("shutdown: %v", err)
	}

	if t1.State() != StateCancelled || t2.State() != StateCancelled {
		t.Errorf("states after shutdown = %q, %q, want cancelled", t1.State(), t2.State())
	}
	if m.ActiveCount() != 0 {
		t.Errorf("ActiveCount = %d after shutdown", m.ActiveCount())
	}
}
