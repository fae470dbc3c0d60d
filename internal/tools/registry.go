package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	"github.com/haasonsaas/lucy/internal/observability"
	"github.com/haasonsaas/lucy/internal/retrieval"
)

// Registry is the catalog of callable tools. Registration is idempotent
// per name: a second add with an existing name is ignored, so replayed
// catalog loads never mutate a stored schema.
type Registry struct {
	mu     sync.RWMutex
	tools  map[string]*Descriptor
	order  []string
	logger *observability.Logger
}

// NewRegistry returns an empty registry.
func NewRegistry(logger *observability.Logger) *Registry {
	return &Registry{
		tools:  make(map[string]*Descriptor),
		logger: logger.WithComponent("tools"),
	}
}

// Add registers descriptors, skipping names already present. Returns the
// number actually added.
func (r *Registry) Add(descs ...Descriptor) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	added := 0
	for i := range descs {
		d := descs[i]
		if d.Name == "" {
			continue
		}
		if _, exists := r.tools[d.Name]; exists {
			continue
		}
		if d.App == "" {
			d.App = retrieval.AppForTool(d.Name)
		}
		r.tools[d.Name] = &d
		r.order = append(r.order, d.Name)
		added++
	}
	if added > 0 {
		r.logger.Debug(context.Background(), "tools registered", "added", added, "total", len(r.tools))
	}
	return added
}

// Get returns the descriptor for a name.
func (r *Registry) Get(name string) (*Descriptor, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.tools[name]
	return d, ok
}

// Size returns the number of registered tools.
func (r *Registry) Size() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.tools)
}

// List returns all descriptors in registration order.
func (r *Registry) List() []Descriptor {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Descriptor, 0, len(r.order))
	for _, name := range r.order {
		out = append(out, *r.tools[name])
	}
	return out
}

// Apps returns the sorted set of app slugs with at least one tool.
func (r *Registry) Apps() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	seen := make(map[string]struct{})
	var apps []string
	for _, d := range r.tools {
		if _, ok := seen[d.App]; ok {
			continue
		}
		seen[d.App] = struct{}{}
		apps = append(apps, d.App)
	}
	sort.Strings(apps)
	return apps
}

// ToolSchemas implements retrieval.SchemaSource. The catalog is shared
// across tenants; per-tenant scoping happens at retrieval time through
// the connected-apps filter.
func (r *Registry) ToolSchemas(ctx context.Context, tenantID string) ([]retrieval.ToolSchema, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]retrieval.ToolSchema, 0, len(r.order))
	for _, name := range r.order {
		d := r.tools[name]
		out = append(out, retrieval.ToolSchema{
			Name:        d.Name,
			Description: d.Description,
			App:         d.App,
			Params:      paramNames(d.Schema),
		})
	}
	return out, nil
}

// Execute validates arguments against the tool's schema and runs its
// handler. The result is serialized to a string for the transcript.
func (r *Registry) Execute(ctx context.Context, call Call) (string, error) {
	desc, ok := r.Get(call.Name)
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrUnknownTool, call.Name)
	}
	if err := ValidateArgs(desc, call.Params); err != nil {
		return "", err
	}
	if desc.Handler == nil {
		return "", fmt.Errorf("tool %s has no handler", call.Name)
	}

	out, err := desc.Handler(ctx, call)
	if err != nil {
		return "", err
	}
	return serializeResult(out)
}

func serializeResult(out any) (string, error) {
	switch v := out.(type) {
	case nil:
		return "", nil
	case string:
		return v, nil
	case []byte:
		return string(v), nil
	default:
		payload, err := json.Marshal(v)
		if err != nil {
			return "", fmt.Errorf("serialize tool result: %w", err)
		}
		return string(payload), nil
	}
}

// paramNames extracts the top-level property names from a JSON schema
// for the retrieval index.
func paramNames(schema json.RawMessage) []string {
	if len(schema) == 0 {
		return nil
	}
	var parsed struct {
		Properties map[string]json.RawMessage `json:"properties"`
	}
	if err := json.Unmarshal(schema, &parsed); err != nil {
		return nil
	}
	names := make([]string, 0, len(parsed.Properties))
	for name := range parsed.Properties {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
