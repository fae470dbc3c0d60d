package service

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/haasonsaas/lucy/internal/cron"
	"github.com/haasonsaas/lucy/internal/observability"
	"github.com/haasonsaas/lucy/internal/tasks"
	"github.com/haasonsaas/lucy/internal/workspace"
)

// recentTasksKey is where the backfill lands in the tenant workspace.
const recentTasksKey = "sync/recent_tasks.json"

// recentTaskLimit bounds how much history one sync pass writes.
const recentTaskLimit = 20

// taskHistory is the store slice the syncer reads.
type taskHistory interface {
	RecentTasks(ctx context.Context, tenantID string, limit int) ([]tasks.Snapshot, error)
}

// taskSyncer materializes recent task history from the store into the
// tenant workspace between scheduled runs, so cron-driven agent work can
// see what the assistant did lately without a database tool.
type taskSyncer struct {
	history taskHistory
	ws      workspace.Store
	logger  *observability.Logger
}

var _ cron.Syncer = (*taskSyncer)(nil)

func newTaskSyncer(history taskHistory, ws workspace.Store, logger *observability.Logger) *taskSyncer {
	return &taskSyncer{
		history: history,
		ws:      ws,
		logger:  logger.WithComponent("sync"),
	}
}

func (s *taskSyncer) SyncTenant(ctx context.Context, tenantID string) error {
	snaps, err := s.history.RecentTasks(ctx, tenantID, recentTaskLimit)
	if err != nil {
		return fmt.Errorf("recent tasks: %w", err)
	}
	if snaps == nil {
		snaps = []tasks.Snapshot{}
	}

	payload, err := json.MarshalIndent(snaps, "", "  ")
	if err != nil {
		return fmt.Errorf("encode recent tasks: %w", err)
	}
	if err := s.ws.Write(ctx, tenantID, recentTasksKey, payload); err != nil {
		return fmt.Errorf("write %s: %w", recentTasksKey, err)
	}

	s.logger.Debug(ctx, "task history synced", "tenant_id", tenantID, "tasks", len(snaps))
	return nil
}
