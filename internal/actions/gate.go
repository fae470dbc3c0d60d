package actions

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/haasonsaas/lucy/internal/observability"
	"github.com/haasonsaas/lucy/pkg/models"
)

// Mode selects the approval policy for one run.
type Mode string

const (
	// ModeInteractive gates every write and destructive call.
	ModeInteractive Mode = "interactive"

	// ModeCron auto-approves writes during scheduled runs. Destructive
	// calls still wait for a human.
	ModeCron Mode = "cron"
)

// Exempt tools skip the gate entirely: discovery and built-in reads.
var defaultExempt = map[string]bool{
	"lucy_search_tools":     true,
	"lucy_list_apps":        true,
	"lucy_get_tool_schema":  true,
	"COMPOSIO_SEARCH_TOOLS": true,
}

// Implicit-consent tools produce artifacts the user explicitly asked
// for in the triggering message.
var defaultImplicitConsent = map[string]bool{
	"generate_image":    true,
	"generate_document": true,
}

// CallRequest describes one tool call arriving at the gate.
type CallRequest struct {
	TenantID  string
	ChannelID string
	ThreadID  string
	Tool      string
	Params    map[string]any
	Mode      Mode

	// Resume runs when the pending action is approved or cancelled.
	Resume ResumeFunc
}

// Verdict is the gate's decision for one call. Pending is set when the
// call was held for approval.
type Verdict struct {
	Type    models.ActionType
	Allowed bool
	Pending *models.PendingAction
}

// Gate sits between the orchestrator and tool execution. Reads always
// pass; writes and destructive calls are held for approval according to
// the mode.
type Gate struct {
	classifier *Classifier
	pending    *PendingStore
	logger     *observability.Logger
	exempt     map[string]bool
	implicit   map[string]bool
}

// NewGate builds a gate over a classifier and pending store.
func NewGate(classifier *Classifier, pending *PendingStore, logger *observability.Logger) *Gate {
	g := &Gate{
		classifier: classifier,
		pending:    pending,
		logger:     logger.WithComponent("actions"),
		exempt:     make(map[string]bool, len(defaultExempt)),
		implicit:   make(map[string]bool, len(defaultImplicitConsent)),
	}
	for name := range defaultExempt {
		g.exempt[name] = true
	}
	for name := range defaultImplicitConsent {
		g.implicit[name] = true
	}
	return g
}

// Exempt adds names that bypass the gate.
func (g *Gate) Exempt(names ...string) {
	for _, name := range names {
		g.exempt[strings.TrimPrefix(name, customPrefix)] = true
	}
}

// AllowImplicit adds artifact generators that carry the user's consent
// in the request itself.
func (g *Gate) AllowImplicit(names ...string) {
	for _, name := range names {
		g.implicit[strings.TrimPrefix(name, customPrefix)] = true
	}
}

// Check classifies the call and either lets it through or records a
// pending action to be resolved by an approve or cancel callback.
func (g *Gate) Check(ctx context.Context, req CallRequest) (Verdict, error) {
	t := g.classifier.Classify(req.Tool, req.Params)

	name := strings.TrimPrefix(req.Tool, customPrefix)
	if g.exempt[name] || g.implicit[name] {
		return Verdict{Type: t, Allowed: true}, nil
	}

	switch {
	case t == models.ActionRead:
		return Verdict{Type: t, Allowed: true}, nil
	case t == models.ActionWrite && req.Mode == ModeCron:
		g.logger.Info(ctx, "write action auto-approved for scheduled run",
			"tool", req.Tool,
			"tenant_id", req.TenantID,
		)
		return Verdict{Type: t, Allowed: true}, nil
	}

	action := &models.PendingAction{
		ID:          uuid.NewString(),
		Tool:        req.Tool,
		Params:      req.Params,
		Description: describeCall(req.Tool, req.Params),
		Type:        t,
		TenantID:    req.TenantID,
		ChannelID:   req.ChannelID,
		ThreadID:    req.ThreadID,
		CreatedAt:   time.Now(),
	}
	if err := g.pending.Add(action, req.Resume); err != nil {
		return Verdict{}, err
	}

	g.logger.Info(ctx, "tool call held for approval",
		"tool", req.Tool,
		"tenant_id", req.TenantID,
		"action_id", action.ID,
		"action_type", string(t),
	)
	return Verdict{Type: t, Allowed: false, Pending: action}, nil
}

// Approve resolves a pending action and resumes the held call.
func (g *Gate) Approve(ctx context.Context, id string) (*models.PendingAction, error) {
	action, err := g.pending.Resolve(ctx, id, true)
	if err != nil {
		return nil, err
	}
	g.logger.Info(ctx, "pending action approved", "action_id", id, "tool", action.Tool)
	return action, nil
}

// Reject resolves a pending action without running it.
func (g *Gate) Reject(ctx context.Context, id string) (*models.PendingAction, error) {
	action, err := g.pending.Resolve(ctx, id, false)
	if err != nil {
		return nil, err
	}
	g.logger.Info(ctx, "pending action cancelled", "action_id", id, "tool", action.Tool)
	return action, nil
}

// describeCall renders a one-line summary of the call for the approval
// prompt, truncating long argument values.
func describeCall(tool string, params map[string]any) string {
	if len(params) == 0 {
		return tool
	}
	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		v := fmt.Sprintf("%v", params[k])
		if len(v) > 80 {
			v = v[:77] + "..."
		}
		parts = append(parts, fmt.Sprintf("%s: %s", k, v))
	}
	return fmt.Sprintf("%s (%s)", tool, strings.Join(parts, ", "))
}
