// Package store persists task history and tool usage counts. Three
// drivers share one interface: an in-memory store for tests and
// development, a pure-Go SQLite store for single-node deployments,
// and a Postgres store for everything else.
package store

import (
	"context"
	"fmt"
	"time"

	"github.com/haasonsaas/lucy/internal/observability"
	"github.com/haasonsaas/lucy/internal/retrieval"
	"github.com/haasonsaas/lucy/internal/tasks"
)

// Driver names accepted by Open.
const (
	DriverMemory   = "memory"
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

// Store records finished tasks and per-tenant tool usage. SaveTask is
// an upsert keyed on the snapshot ID; RecordToolUsage increments a
// counter that feeds the retrieval recency boost.
type Store interface {
	SaveTask(ctx context.Context, snap tasks.Snapshot) error
	RecentTasks(ctx context.Context, tenantID string, limit int) ([]tasks.Snapshot, error)
	RecordToolUsage(ctx context.Context, tenantID, tool string) error
	ToolUsage(ctx context.Context, tenantID string) (map[string]int64, error)
	Ping(ctx context.Context) error
	Close() error
}

var (
	_ tasks.History        = Store(nil)
	_ retrieval.UsageStore = Store(nil)
)

// Config selects and tunes a driver. DSN is the SQLite file path or
// the Postgres connection string depending on Driver.
type Config struct {
	Driver string
	DSN    string

	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	ConnMaxIdleTime time.Duration
	ConnectTimeout  time.Duration
}

// Open constructs the store named by cfg.Driver. An empty driver
// falls back to memory.
func Open(cfg Config, logger *observability.Logger) (Store, error) {
	switch cfg.Driver {
	case "", DriverMemory:
		return NewMemory(), nil
	case DriverSQLite:
		return NewSQLite(cfg.DSN, logger)
	case DriverPostgres:
		return NewPostgres(cfg, logger)
	default:
		return nil, fmt.Errorf("unknown store driver %q", cfg.Driver)
	}
}
