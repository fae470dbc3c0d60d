package retrieval

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/haasonsaas/lucy/internal/infra"
	"github.com/haasonsaas/lucy/internal/observability"
)

// SchemaSource supplies the current tool catalog for a tenant.
type SchemaSource interface {
	ToolSchemas(ctx context.Context, tenantID string) ([]ToolSchema, error)
}

// UsageStore persists per-tool usage counts so ranking boosts survive
// restarts. Implementations must be safe for concurrent use.
type UsageStore interface {
	ToolUsage(ctx context.Context, tenantID string) (map[string]int64, error)
	RecordToolUsage(ctx context.Context, tenantID, tool string) error
}

// RegistryConfig tunes index freshness.
type RegistryConfig struct {
	// StaleAfter is the index age at which the next access or sweep
	// triggers a rebuild.
	StaleAfter time.Duration

	// RefreshEvery is the background sweep interval.
	RefreshEvery time.Duration

	// BoostUsage enables the usage-derived ranking boost.
	BoostUsage bool
}

func (c *RegistryConfig) applyDefaults() {
	if c.StaleAfter <= 0 {
		c.StaleAfter = 300 * time.Second
	}
	if c.RefreshEvery <= 0 {
		c.RefreshEvery = 240 * time.Second
	}
}

type tenantIndex struct {
	index   *CapabilityIndex
	builtAt time.Time
}

// Registry hands out per-tenant capability indexes, rebuilding them from
// the schema source when they go stale. Concurrent requests for the same
// tenant share one build; a background sweeper refreshes stale tenants
// ahead of demand.
type Registry struct {
	config RegistryConfig
	source SchemaSource
	usage  UsageStore // optional
	logger *observability.Logger

	builds infra.Group[string, *CapabilityIndex]

	mu      sync.RWMutex
	tenants map[string]*tenantIndex

	stop chan struct{}
	done chan struct{}
}

// NewRegistry creates a registry. usage may be nil, in which case counts
// live only in memory.
func NewRegistry(config RegistryConfig, source SchemaSource, usage UsageStore, logger *observability.Logger) *Registry {
	config.applyDefaults()
	return &Registry{
		config:  config,
		source:  source,
		usage:   usage,
		logger:  logger.WithComponent("retrieval"),
		tenants: make(map[string]*tenantIndex),
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
	}
}

// Get returns the tenant's index, building or rebuilding it when missing
// or stale. When a rebuild fails and a previous index exists, the stale
// index is served rather than failing the caller.
func (r *Registry) Get(ctx context.Context, tenantID string) (*CapabilityIndex, error) {
	r.mu.RLock()
	entry, ok := r.tenants[tenantID]
	r.mu.RUnlock()

	if ok && time.Since(entry.builtAt) < r.config.StaleAfter {
		return entry.index, nil
	}

	// The build outlives the triggering request: a shared rebuild must not
	// die with the first caller's context.
	buildCtx := context.WithoutCancel(ctx)
	index, err, _ := r.builds.Do(tenantID, func() (*CapabilityIndex, error) {
		return r.rebuild(buildCtx, tenantID)
	})
	if err != nil {
		if entry != nil {
			r.logger.Warn(ctx, "serving stale capability index", "tenant_id", tenantID, "error", err)
			return entry.index, nil
		}
		return nil, err
	}
	return index, nil
}

func (r *Registry) rebuild(ctx context.Context, tenantID string) (*CapabilityIndex, error) {
	schemas, err := r.source.ToolSchemas(ctx, tenantID)
	if err != nil {
		return nil, fmt.Errorf("fetching tool schemas for %s: %w", tenantID, err)
	}

	index := NewCapabilityIndex(r.config.BoostUsage)
	index.Add(schemas)

	if r.usage != nil {
		counts, err := r.usage.ToolUsage(ctx, tenantID)
		if err != nil {
			r.logger.Warn(ctx, "tool usage load failed", "tenant_id", tenantID, "error", err)
		} else {
			index.SetUsage(counts)
		}
	}

	r.mu.Lock()
	r.tenants[tenantID] = &tenantIndex{index: index, builtAt: time.Now()}
	r.mu.Unlock()

	r.logger.Info(ctx, "capability index rebuilt", "tenant_id", tenantID, "tools", index.Len())
	return index, nil
}

// RecordUsage bumps a tool's usage count in the live index and persists it
// when a usage store is configured.
func (r *Registry) RecordUsage(ctx context.Context, tenantID, tool string) {
	r.mu.RLock()
	entry, ok := r.tenants[tenantID]
	r.mu.RUnlock()
	if ok {
		entry.index.RecordUsage(tool)
	}

	if r.usage != nil {
		if err := r.usage.RecordToolUsage(ctx, tenantID, tool); err != nil {
			r.logger.Warn(ctx, "tool usage save failed", "tenant_id", tenantID, "tool", tool, "error", err)
		}
	}
}

// Invalidate drops a tenant's index so the next Get rebuilds it.
func (r *Registry) Invalidate(tenantID string) {
	r.mu.Lock()
	delete(r.tenants, tenantID)
	r.mu.Unlock()
	r.builds.Forget(tenantID)
}

// Start launches the background refresher.
func (r *Registry) Start() {
	go r.refreshLoop()
}

// Stop halts the background refresher and waits for it to exit. Only
// valid after Start.
func (r *Registry) Stop() {
	close(r.stop)
	<-r.done
}

func (r *Registry) refreshLoop() {
	defer close(r.done)

	ticker := time.NewTicker(r.config.RefreshEvery)
	defer ticker.Stop()

	for {
		select {
		case <-r.stop:
			return
		case <-ticker.C:
			r.refreshStale()
		}
	}
}

func (r *Registry) refreshStale() {
	ctx := context.Background()

	r.mu.RLock()
	var stale []string
	for tenantID, entry := range r.tenants {
		if time.Since(entry.builtAt) >= r.config.StaleAfter {
			stale = append(stale, tenantID)
		}
	}
	r.mu.RUnlock()

	for _, tenantID := range stale {
		if _, err, _ := r.builds.Do(tenantID, func() (*CapabilityIndex, error) {
			return r.rebuild(ctx, tenantID)
		}); err != nil {
			r.logger.Warn(ctx, "capability index refresh failed", "tenant_id", tenantID, "error", err)
		}
	}
}

// IndexHealth describes one tenant's index for the health endpoint.
type IndexHealth struct {
	TenantID string    `json:"tenant_id"`
	Tools    int       `json:"tools"`
	BuiltAt  time.Time `json:"built_at"`
	Stale    bool      `json:"stale"`
}

// Health reports every loaded tenant index, ordered by tenant ID.
func (r *Registry) Health() []IndexHealth {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]IndexHealth, 0, len(r.tenants))
	for tenantID, entry := range r.tenants {
		out = append(out, IndexHealth{
			TenantID: tenantID,
			Tools:    entry.index.Len(),
			BuiltAt:  entry.builtAt,
			Stale:    time.Since(entry.builtAt) >= r.config.StaleAfter,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].TenantID < out[j].TenantID })
	return out
}
