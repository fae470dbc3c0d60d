package cron

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"
)

type reloadRecorder struct {
	mu      sync.Mutex
	tenants []string
}

func (r *reloadRecorder) fn(ctx context.Context, tenantID string) error {
	r.mu.Lock()
	r.tenants = append(r.tenants, tenantID)
	r.mu.Unlock()
	return nil
}

func (r *reloadRecorder) saw(tenantID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, t := range r.tenants {
		if t == tenantID {
			return true
		}
	}
	return false
}

func seedSpecFile(t *testing.T, root, tenantID, slug string) string {
	t.Helper()
	dir := filepath.Join(root, tenantID, "crons", slug)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	p := filepath.Join(dir, "task.json")
	spec := `{"path":"crons/` + slug + `/task.json","cron":"0 9 * * *","title":"t","description":"d"}`
	if err := os.WriteFile(p, []byte(spec), 0o644); err != nil {
		t.Fatalf("write spec: %v", err)
	}
	return p
}

func TestWatcherReloadsOnSpecChange(t *testing.T) {
	root := t.TempDir()
	specPath := seedSpecFile(t, root, "T1", "daily")

	rec := &reloadRecorder{}
	w := NewWatcher(root, rec.fn, testLogger())
	w.debounce = 20 * time.Millisecond
	if err := w.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer w.Close()

	updated := `{"path":"crons/daily/task.json","cron":"30 7 * * *","title":"t","description":"d"}`
	if err := os.WriteFile(specPath, []byte(updated), 0o644); err != nil {
		t.Fatalf("rewrite spec: %v", err)
	}

	waitFor(t, "a reload for T1", func() bool { return rec.saw("T1") })
}

func TestWatcherPicksUpNewTenant(t *testing.T) {
	root := t.TempDir()
	seedSpecFile(t, root, "T1", "daily")

	rec := &reloadRecorder{}
	w := NewWatcher(root, rec.fn, testLogger())
	w.debounce = 20 * time.Millisecond
	if err := w.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer w.Close()

	seedSpecFile(t, root, "T2", "weekly")

	waitFor(t, "a reload for T2", func() bool { return rec.saw("T2") })
}

func TestWatcherIgnoresActivityTraffic(t *testing.T) {
	root := t.TempDir()
	seedSpecFile(t, root, "T1", "daily")

	rec := &reloadRecorder{}
	w := NewWatcher(root, rec.fn, testLogger())
	w.debounce = 20 * time.Millisecond
	if err := w.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer w.Close()

	activity := filepath.Join(root, "T1", "activity.log")
	if err := os.WriteFile(activity, []byte("line\n"), 0o644); err != nil {
		t.Fatalf("write activity: %v", err)
	}

	time.Sleep(100 * time.Millisecond)
	if rec.saw("T1") {
		t.Error("activity traffic should not trigger a reload")
	}
}

func TestWatcherCloseIdempotent(t *testing.T) {
	root := t.TempDir()
	w := NewWatcher(root, nil, testLogger())
	if err := w.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := w.Close(); err != nil {
		t.Errorf("Close: %v", err)
	}
	if err := w.Close(); err != nil {
		t.Errorf("second Close: %v", err)
	}
}
