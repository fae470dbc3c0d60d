package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite" // pure-Go SQLite driver

	"github.com/haasonsaas/lucy/internal/observability"
	"github.com/haasonsaas/lucy/internal/tasks"
)

// SQLite is a Store backed by a local SQLite file. All goroutines
// serialize through one connection so concurrent writers never hit
// SQLITE_BUSY.
type SQLite struct {
	db     *sql.DB
	logger *observability.Logger
}

var _ Store = (*SQLite)(nil)

// NewSQLite opens (and creates, if missing) the database at path and
// ensures the schema exists.
func NewSQLite(path string, logger *observability.Logger) (*SQLite, error) {
	if path == "" {
		return nil, fmt.Errorf("sqlite path is required")
	}
	if logger == nil {
		logger = observability.NewLogger(observability.LogConfig{})
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	db.SetMaxOpenConns(1)

	s := &SQLite{db: db, logger: logger.WithComponent("store")}
	if err := s.init(); err != nil {
		_ = db.Close()
		return nil, err
	}
	s.logger.Info(context.Background(), "sqlite store opened", "path", path)
	return s, nil
}

func (s *SQLite) init() error {
	tables := []string{
		`CREATE TABLE IF NOT EXISTS task_history (
			id TEXT PRIMARY KEY,
			tenant_id TEXT NOT NULL,
			channel_id TEXT NOT NULL,
			thread_id TEXT NOT NULL,
			description TEXT NOT NULL,
			state TEXT NOT NULL,
			started_at INTEGER NOT NULL,
			completed_at INTEGER,
			progress_anchor TEXT,
			result_text TEXT,
			error_text TEXT,
			duration_ms INTEGER NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS tool_usage (
			tenant_id TEXT NOT NULL,
			tool TEXT NOT NULL,
			count INTEGER NOT NULL DEFAULT 0,
			PRIMARY KEY (tenant_id, tool)
		)`,
	}
	for _, ddl := range tables {
		if _, err := s.db.Exec(ddl); err != nil {
			return fmt.Errorf("create table: %w", err)
		}
	}
	if _, err := s.db.Exec(
		`CREATE INDEX IF NOT EXISTS idx_task_history_tenant ON task_history(tenant_id, started_at)`,
	); err != nil {
		return fmt.Errorf("create index: %w", err)
	}
	return nil
}

func (s *SQLite) SaveTask(ctx context.Context, snap tasks.Snapshot) error {
	var completed sql.NullInt64
	if snap.CompletedAt != nil {
		completed = sql.NullInt64{Int64: snap.CompletedAt.UnixMilli(), Valid: true}
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO task_history
		 (id, tenant_id, channel_id, thread_id, description, state, started_at, completed_at, progress_anchor, result_text, error_text, duration_ms)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		snap.ID,
		snap.TenantID,
		snap.ChannelID,
		snap.ThreadID,
		snap.Description,
		string(snap.State),
		snap.StartedAt.UnixMilli(),
		completed,
		snap.ProgressAnchor,
		snap.ResultText,
		snap.ErrorText,
		snap.Duration.Milliseconds(),
	)
	if err != nil {
		return fmt.Errorf("save task: %w", err)
	}
	return nil
}

func (s *SQLite) RecentTasks(ctx context.Context, tenantID string, limit int) ([]tasks.Snapshot, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, tenant_id, channel_id, thread_id, description, state, started_at, completed_at, progress_anchor, result_text, error_text, duration_ms
		 FROM task_history
		 WHERE tenant_id = ?
		 ORDER BY started_at DESC, id DESC
		 LIMIT ?`,
		tenantID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("recent tasks: %w", err)
	}
	defer rows.Close()

	var snaps []tasks.Snapshot
	for rows.Next() {
		var snap tasks.Snapshot
		var state string
		var started int64
		var completed sql.NullInt64
		var durationMS int64
		if err := rows.Scan(
			&snap.ID,
			&snap.TenantID,
			&snap.ChannelID,
			&snap.ThreadID,
			&snap.Description,
			&state,
			&started,
			&completed,
			&snap.ProgressAnchor,
			&snap.ResultText,
			&snap.ErrorText,
			&durationMS,
		); err != nil {
			return nil, fmt.Errorf("scan task: %w", err)
		}
		snap.State = tasks.State(state)
		snap.StartedAt = time.UnixMilli(started)
		if completed.Valid {
			t := time.UnixMilli(completed.Int64)
			snap.CompletedAt = &t
		}
		snap.Duration = time.Duration(durationMS) * time.Millisecond
		snaps = append(snaps, snap)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate tasks: %w", err)
	}
	return snaps, nil
}

func (s *SQLite) RecordToolUsage(ctx context.Context, tenantID, tool string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO tool_usage (tenant_id, tool, count) VALUES (?, ?, 1)
		 ON CONFLICT (tenant_id, tool) DO UPDATE SET count = count + 1`,
		tenantID, tool,
	)
	if err != nil {
		return fmt.Errorf("record tool usage: %w", err)
	}
	return nil
}

func (s *SQLite) ToolUsage(ctx context.Context, tenantID string) (map[string]int64, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT tool, count FROM tool_usage WHERE tenant_id = ?`, tenantID)
	if err != nil {
		return nil, fmt.Errorf("tool usage: %w", err)
	}
	defer rows.Close()

	counts := make(map[string]int64)
	for rows.Next() {
		var tool string
		var n int64
		if err := rows.Scan(&tool, &n); err != nil {
			return nil, fmt.Errorf("scan tool usage: %w", err)
		}
		counts[tool] = n
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate tool usage: %w", err)
	}
	return counts, nil
}

func (s *SQLite) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *SQLite) Close() error {
	return s.db.Close()
}
