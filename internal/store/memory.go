package store

import (
	"context"
	"sync"

	"github.com/haasonsaas/lucy/internal/tasks"
)

// Each tenant keeps at most this many task records.
const memoryTaskCap = 200

// Memory is an in-process Store. History is bounded per tenant so a
// long-lived development run does not grow without limit.
type Memory struct {
	mu    sync.RWMutex
	tasks map[string][]tasks.Snapshot
	usage map[string]map[string]int64
}

var _ Store = (*Memory)(nil)

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		tasks: make(map[string][]tasks.Snapshot),
		usage: make(map[string]map[string]int64),
	}
}

func (m *Memory) SaveTask(ctx context.Context, snap tasks.Snapshot) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	records := m.tasks[snap.TenantID]
	for i := range records {
		if records[i].ID == snap.ID {
			records[i] = snap
			return nil
		}
	}
	records = append(records, snap)
	if len(records) > memoryTaskCap {
		records = records[len(records)-memoryTaskCap:]
	}
	m.tasks[snap.TenantID] = records
	return nil
}

func (m *Memory) RecentTasks(ctx context.Context, tenantID string, limit int) ([]tasks.Snapshot, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	records := m.tasks[tenantID]
	if limit <= 0 || limit > len(records) {
		limit = len(records)
	}
	out := make([]tasks.Snapshot, 0, limit)
	for i := len(records) - 1; i >= len(records)-limit; i-- {
		out = append(out, records[i])
	}
	return out, nil
}

func (m *Memory) RecordToolUsage(ctx context.Context, tenantID, tool string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	counts := m.usage[tenantID]
	if counts == nil {
		counts = make(map[string]int64)
		m.usage[tenantID] = counts
	}
	counts[tool]++
	return nil
}

func (m *Memory) ToolUsage(ctx context.Context, tenantID string) (map[string]int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	counts := m.usage[tenantID]
	out := make(map[string]int64, len(counts))
	for tool, n := range counts {
		out[tool] = n
	}
	return out, nil
}

func (m *Memory) Ping(ctx context.Context) error { return nil }

func (m *Memory) Close() error { return nil }
