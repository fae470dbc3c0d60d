package cron

import (
	"context"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/haasonsaas/lucy/internal/observability"
	"github.com/haasonsaas/lucy/internal/workspace"
)

const defaultWatchDebounce = 250 * time.Millisecond

// ReloadFunc is called with the tenant whose job tree changed.
type ReloadFunc func(ctx context.Context, tenantID string) error

// Watcher follows the workspace root on disk and reloads a tenant's
// jobs when anything under its crons/ subtree changes. Edits made
// outside the tool surface (a synced file drop, a manual fix) take
// effect without a restart.
type Watcher struct {
	root     string
	reload   ReloadFunc
	logger   *observability.Logger
	debounce time.Duration

	mu      sync.Mutex
	watcher *fsnotify.Watcher
	watched map[string]struct{}
	timers  map[string]*time.Timer
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// NewWatcher builds a watcher over the workspace root. Start begins
// watching.
func NewWatcher(root string, reload ReloadFunc, logger *observability.Logger) *Watcher {
	if logger == nil {
		logger = observability.NewLogger(observability.LogConfig{})
	}
	return &Watcher{
		root:     root,
		reload:   reload,
		logger:   logger.WithComponent("cron_watch"),
		debounce: defaultWatchDebounce,
		watched:  make(map[string]struct{}),
		timers:   make(map[string]*time.Timer),
	}
}

// Start registers watches for the root and every existing crons/
// subtree, then consumes events until Close or context cancellation.
func (w *Watcher) Start(ctx context.Context) error {
	w.mu.Lock()
	if w.watcher != nil {
		w.mu.Unlock()
		return nil
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		w.mu.Unlock()
		return err
	}
	w.watcher = watcher
	watchCtx, cancel := context.WithCancel(ctx)
	w.cancel = cancel
	w.mu.Unlock()

	if err := w.refreshWatches(); err != nil {
		w.logger.Warn(ctx, "initial watch registration failed", "error", err)
	}

	w.wg.Add(1)
	go w.loop(watchCtx)
	return nil
}

// Close stops the watcher and waits for the event loop to exit.
func (w *Watcher) Close() error {
	w.mu.Lock()
	if w.cancel != nil {
		w.cancel()
		w.cancel = nil
	}
	watcher := w.watcher
	w.watcher = nil
	for _, timer := range w.timers {
		timer.Stop()
	}
	w.mu.Unlock()

	if watcher != nil {
		_ = watcher.Close()
	}
	w.wg.Wait()
	return nil
}

func (w *Watcher) loop(ctx context.Context) {
	defer w.wg.Done()
	w.mu.Lock()
	watcher := w.watcher
	w.mu.Unlock()
	if watcher == nil {
		return
	}

	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-watcher.Events:
			if !ok {
				return
			}
			w.handleEvent(ctx, event)
		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			w.logger.Warn(ctx, "watch error", "error", err)
		}
	}
}

func (w *Watcher) handleEvent(ctx context.Context, event fsnotify.Event) {
	if event.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Remove|fsnotify.Rename) == 0 {
		return
	}
	isDir := false
	if event.Op&fsnotify.Create != 0 {
		if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
			isDir = true
			w.addWatch(event.Name)
		}
	}
	if event.Op&(fsnotify.Remove|fsnotify.Rename) != 0 {
		w.mu.Lock()
		delete(w.watched, event.Name)
		w.mu.Unlock()
	}

	tenantID, inCrons := w.classify(event.Name)
	if tenantID == "" {
		return
	}
	// A fresh directory counts even outside crons/: a new tenant's job
	// tree may follow in the same burst. Plain file traffic elsewhere
	// in the tenant tree (activity appends, skill edits) is ignored.
	if !inCrons && !isDir {
		return
	}
	w.scheduleReload(tenantID)
}

// classify maps an event path to its tenant and reports whether the
// path sits inside the tenant's crons/ subtree.
func (w *Watcher) classify(name string) (string, bool) {
	rel, err := filepath.Rel(w.root, name)
	if err != nil || rel == "." || strings.HasPrefix(rel, "..") {
		return "", false
	}
	parts := strings.Split(filepath.ToSlash(rel), "/")
	if len(parts) == 0 || parts[0] == "" {
		return "", false
	}
	return parts[0], len(parts) >= 2 && parts[1] == workspace.CronsPrefix
}

// scheduleReload debounces per tenant: a burst of writes collapses
// into one reload after the quiet period.
func (w *Watcher) scheduleReload(tenantID string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if timer, ok := w.timers[tenantID]; ok {
		timer.Stop()
	}
	w.timers[tenantID] = time.AfterFunc(w.debounce, func() {
		if err := w.refreshWatches(); err != nil {
			w.logger.Warn(context.Background(), "watch refresh failed", "error", err)
		}
		if w.reload == nil {
			return
		}
		if err := w.reload(context.Background(), tenantID); err != nil {
			w.logger.Warn(context.Background(), "reload after change failed", "tenant_id", tenantID, "error", err)
		}
	})
}

// refreshWatches registers the root, each tenant's crons directory,
// and each job directory under it.
func (w *Watcher) refreshWatches() error {
	w.addWatch(w.root)

	entries, err := os.ReadDir(w.root)
	if err != nil {
		return err
	}
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		tenantDir := filepath.Join(w.root, entry.Name())
		w.addWatch(tenantDir)
		cronsDir := filepath.Join(tenantDir, workspace.CronsPrefix)
		if info, err := os.Stat(cronsDir); err != nil || !info.IsDir() {
			continue
		}
		w.addWatch(cronsDir)
		err = filepath.WalkDir(cronsDir, func(p string, d fs.DirEntry, err error) error {
			if err != nil {
				return nil
			}
			if d.IsDir() {
				w.addWatch(p)
			}
			return nil
		})
		if err != nil {
			return err
		}
	}
	return nil
}

func (w *Watcher) addWatch(p string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.watcher == nil {
		return
	}
	if _, ok := w.watched[p]; ok {
		return
	}
	if err := w.watcher.Add(p); err != nil {
		w.logger.Warn(context.Background(), "watch add failed", "path", p, "error", err)
		return
	}
	w.watched[p] = struct{}{}
}
