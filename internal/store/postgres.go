package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	_ "github.com/lib/pq" // postgres driver

	"github.com/haasonsaas/lucy/internal/observability"
	"github.com/haasonsaas/lucy/internal/tasks"
)

// Postgres is a Store backed by PostgreSQL.
type Postgres struct {
	db     *sql.DB
	logger *observability.Logger
}

var _ Store = (*Postgres)(nil)

func poolDefaults(cfg Config) Config {
	if cfg.MaxOpenConns == 0 {
		cfg.MaxOpenConns = 10
	}
	if cfg.MaxIdleConns == 0 {
		cfg.MaxIdleConns = 5
	}
	if cfg.ConnMaxLifetime == 0 {
		cfg.ConnMaxLifetime = 5 * time.Minute
	}
	if cfg.ConnMaxIdleTime == 0 {
		cfg.ConnMaxIdleTime = 2 * time.Minute
	}
	if cfg.ConnectTimeout == 0 {
		cfg.ConnectTimeout = 10 * time.Second
	}
	return cfg
}

// NewPostgres connects using cfg.DSN, verifies the connection, and
// ensures the schema exists.
func NewPostgres(cfg Config, logger *observability.Logger) (*Postgres, error) {
	if strings.TrimSpace(cfg.DSN) == "" {
		return nil, fmt.Errorf("dsn is required")
	}
	if logger == nil {
		logger = observability.NewLogger(observability.LogConfig{})
	}
	cfg = poolDefaults(cfg)

	db, err := sql.Open("postgres", cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	db.SetConnMaxIdleTime(cfg.ConnMaxIdleTime)

	ctx, cancel := context.WithTimeout(context.Background(), cfg.ConnectTimeout)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	p := &Postgres{db: db, logger: logger.WithComponent("store")}
	if err := p.init(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	p.logger.Info(context.Background(), "postgres store opened")
	return p, nil
}

func (p *Postgres) init(ctx context.Context) error {
	tables := []string{
		`CREATE TABLE IF NOT EXISTS task_history (
			id TEXT PRIMARY KEY,
			tenant_id TEXT NOT NULL,
			channel_id TEXT NOT NULL,
			thread_id TEXT NOT NULL,
			description TEXT NOT NULL,
			state TEXT NOT NULL,
			started_at TIMESTAMPTZ NOT NULL,
			completed_at TIMESTAMPTZ,
			progress_anchor TEXT NOT NULL DEFAULT '',
			result_text TEXT NOT NULL DEFAULT '',
			error_text TEXT NOT NULL DEFAULT '',
			duration_ms BIGINT NOT NULL DEFAULT 0
		)`,
		`CREATE TABLE IF NOT EXISTS tool_usage (
			tenant_id TEXT NOT NULL,
			tool TEXT NOT NULL,
			count BIGINT NOT NULL DEFAULT 0,
			PRIMARY KEY (tenant_id, tool)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_task_history_tenant ON task_history(tenant_id, started_at)`,
	}
	for _, ddl := range tables {
		if _, err := p.db.ExecContext(ctx, ddl); err != nil {
			return fmt.Errorf("create table: %w", err)
		}
	}
	return nil
}

func (p *Postgres) SaveTask(ctx context.Context, snap tasks.Snapshot) error {
	var completed sql.NullTime
	if snap.CompletedAt != nil {
		completed = sql.NullTime{Time: *snap.CompletedAt, Valid: true}
	}
	_, err := p.db.ExecContext(ctx,
		`INSERT INTO task_history
		 (id, tenant_id, channel_id, thread_id, description, state, started_at, completed_at, progress_anchor, result_text, error_text, duration_ms)
		 VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)
		 ON CONFLICT (id) DO UPDATE SET
			state = EXCLUDED.state,
			completed_at = EXCLUDED.completed_at,
			progress_anchor = EXCLUDED.progress_anchor,
			result_text = EXCLUDED.result_text,
			error_text = EXCLUDED.error_text,
			duration_ms = EXCLUDED.duration_ms`,
		snap.ID,
		snap.TenantID,
		snap.ChannelID,
		snap.ThreadID,
		snap.Description,
		string(snap.State),
		snap.StartedAt,
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

func (p *Postgres) RecentTasks(ctx context.Context, tenantID string, limit int) ([]tasks.Snapshot, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := p.db.QueryContext(ctx,
		`SELECT id, tenant_id, channel_id, thread_id, description, state, started_at, completed_at, progress_anchor, result_text, error_text, duration_ms
		 FROM task_history
		 WHERE tenant_id = $1
		 ORDER BY started_at DESC, id DESC
		 LIMIT $2`,
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
		var completed sql.NullTime
		var durationMS int64
		if err := rows.Scan(
			&snap.ID,
			&snap.TenantID,
			&snap.ChannelID,
			&snap.ThreadID,
			&snap.Description,
			&state,
			&snap.StartedAt,
			&completed,
			&snap.ProgressAnchor,
			&snap.ResultText,
			&snap.ErrorText,
			&durationMS,
		); err != nil {
			return nil, fmt.Errorf("scan task: %w", err)
		}
		snap.State = tasks.State(state)
		if completed.Valid {
			t := completed.Time
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

func (p *Postgres) RecordToolUsage(ctx context.Context, tenantID, tool string) error {
	_, err := p.db.ExecContext(ctx,
		`INSERT INTO tool_usage (tenant_id, tool, count) VALUES ($1, $2, 1)
		 ON CONFLICT (tenant_id, tool) DO UPDATE SET count = tool_usage.count + 1`,
		tenantID, tool,
	)
	if err != nil {
		return fmt.Errorf("record tool usage: %w", err)
	}
	return nil
}

func (p *Postgres) ToolUsage(ctx context.Context, tenantID string) (map[string]int64, error) {
	rows, err := p.db.QueryContext(ctx,
		`SELECT tool, count FROM tool_usage WHERE tenant_id = $1`, tenantID)
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

func (p *Postgres) Ping(ctx context.Context) error {
	return p.db.PingContext(ctx)
}

func (p *Postgres) Close() error {
	return p.db.Close()
}
