// Package llm drives the model providers. Each provider is wrapped in a
// Client that accumulates a whole completion turn per call and reports
// failures as classified *Error values the rest of the system routes on.
package llm

import (
	"context"
	"encoding/json"

	"github.com/haasonsaas/lucy/pkg/models"
)

// Transcript roles.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleSystem    = "system"
)

// Stop reasons reported on a Response, normalized across providers.
const (
	StopEndTurn   = "end_turn"
	StopToolUse   = "tool_use"
	StopMaxTokens = "max_tokens"
)

// Message is one transcript entry exchanged with a provider.
type Message struct {
	Role        string       `json:"role"`
	Content     string       `json:"content,omitempty"`
	ToolCalls   []ToolCall   `json:"tool_calls,omitempty"`
	ToolResults []ToolResult `json:"tool_results,omitempty"`
}

// ToolCall is the model requesting one tool invocation.
type ToolCall struct {
	ID   string          `json:"id"`
	Name string          `json:"name"`
	Args json.RawMessage `json:"args,omitempty"`
}

// ToolResult feeds a tool outcome back to the model.
type ToolResult struct {
	CallID  string `json:"call_id"`
	Content string `json:"content"`
	IsError bool   `json:"is_error,omitempty"`
}

// ToolSpec describes one callable tool to the provider.
type ToolSpec struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Schema      json.RawMessage `json:"schema"`
}

// Request is one whole-turn completion call.
type Request struct {
	Model     string
	System    string
	Messages  []Message
	Tools     []ToolSpec
	MaxTokens int
}

// Usage counts tokens consumed by one call.
type Usage struct {
	InputTokens  int64 `json:"input_tokens"`
	OutputTokens int64 `json:"output_tokens"`
}

// Response is the accumulated result of one completion call.
type Response struct {
	Text       string     `json:"text"`
	ToolCalls  []ToolCall `json:"tool_calls,omitempty"`
	StopReason string     `json:"stop_reason"`
	Model      string     `json:"model"`
	Usage      Usage      `json:"usage"`
}

// Client is one provider connection. Complete blocks until the whole turn
// is accumulated or the context ends.
type Client interface {
	// Name identifies the provider for logs and metrics.
	Name() string

	// Complete runs one completion turn. Failures come back as *Error.
	Complete(ctx context.Context, req *Request) (*Response, error)
}

// ModelMap binds route tiers to concrete model identifiers. Unset tiers
// fall back to Default.
type ModelMap struct {
	Fast     string
	Default  string
	Code     string
	Frontier string
}

// ForTier resolves the model identifier for a tier.
func (m ModelMap) ForTier(tier models.Tier) string {
	model := m.Default
	switch tier {
	case models.TierFast:
		if m.Fast != "" {
			model = m.Fast
		}
	case models.TierCode:
		if m.Code != "" {
			model = m.Code
		}
	case models.TierFrontier:
		if m.Frontier != "" {
			model = m.Frontier
		}
	}
	return model
}

// Escalate returns the next-stronger model on the ladder. Fast escalates
// to Default and both Default and Code escalate to Frontier; Code is a
// speciality tier, not a strength rung, so Default skips it. At the top,
// or for a model not on the ladder, the current model comes back with ok
// false.
func (m ModelMap) Escalate(current string) (string, bool) {
	next := ""
	switch current {
	case m.Fast:
		next = m.Default
	case m.Default, m.Code:
		next = m.Frontier
	}
	if next == "" || next == current {
		return current, false
	}
	return next, true
}
