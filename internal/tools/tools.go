// Package tools holds the callable tool surface: static descriptors for
// every tool the model may invoke, a registry with schema validation,
// and the built-in lucy_* tools for discovery, skills, and scheduled
// jobs.
package tools

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/haasonsaas/lucy/pkg/models"
)

// MetaApp is the app slug of the built-in tools.
const MetaApp = "lucy"

// Per-tool execution budgets, keyed off the descriptor's app.
const (
	MetaTimeout        = 30 * time.Second
	IntegrationTimeout = 15 * time.Second
	DefaultTimeout     = 20 * time.Second
)

var (
	// ErrUnknownTool marks a call to a name the registry has never seen.
	ErrUnknownTool = errors.New("unknown tool")

	// ErrInvalidArgs marks arguments that failed schema validation.
	ErrInvalidArgs = errors.New("invalid tool arguments")
)

// Call is one tool invocation bound to a tenant.
type Call struct {
	TenantID string
	Name     string
	Params   map[string]any
}

// Handler executes a tool call. Returned values are serialized to JSON
// unless they are already strings.
type Handler func(ctx context.Context, call Call) (any, error)

// Descriptor is the static description of one callable tool, produced
// when the tool is registered rather than inspected at call time.
type Descriptor struct {
	Name        string            `json:"name"`
	App         string            `json:"app"`
	Description string            `json:"description"`
	Schema      json.RawMessage   `json:"parameters_schema,omitempty"`
	Action      models.ActionType `json:"action_type,omitempty"`
	Handler     Handler           `json:"-"`
}

// IsMeta reports whether the tool is one of the built-ins.
func (d *Descriptor) IsMeta() bool {
	return d.App == MetaApp
}

// Timeout returns the execution budget for this tool.
func (d *Descriptor) Timeout() time.Duration {
	switch {
	case d.IsMeta():
		return MetaTimeout
	case d.App != "":
		return IntegrationTimeout
	default:
		return DefaultTimeout
	}
}
