package llm

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

// Mux fans one Client interface out over several providers, routing each
// request by its model ID. The orchestrator and supervisor only ever see
// the mux, so a deployment with Anthropic and OpenAI keys configured can
// mix tiers from both without either caller knowing.
type Mux struct {
	mu       sync.RWMutex
	routes   map[string]Client
	fallback Client
}

// NewMux creates a mux that sends unrouted models to fallback. A nil
// fallback is allowed; requests for unknown models then fail.
func NewMux(fallback Client) *Mux {
	return &Mux{
		routes:   make(map[string]Client),
		fallback: fallback,
	}
}

// Route sends the given model IDs to client. Later calls override
// earlier ones for the same ID.
func (m *Mux) Route(client Client, modelIDs ...string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, id := range modelIDs {
		if id == "" {
			continue
		}
		m.routes[id] = client
	}
}

// Name implements Client.
func (m *Mux) Name() string { return "mux" }

// Models returns the explicitly routed model IDs, sorted.
func (m *Mux) Models() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ids := make([]string, 0, len(m.routes))
	for id := range m.routes {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Complete implements Client by delegating to the provider routed for
// req.Model, or to the fallback when no route matches.
func (m *Mux) Complete(ctx context.Context, req *Request) (*Response, error) {
	m.mu.RLock()
	client := m.routes[req.Model]
	if client == nil {
		client = m.fallback
	}
	m.mu.RUnlock()

	if client == nil {
		err := NewError("mux", req.Model, fmt.Errorf("no provider for model %q", req.Model)).
			WithKind(KindFatal).
			WithMessage("no provider configured for requested model")
		return nil, err
	}
	return client.Complete(ctx, req)
}
