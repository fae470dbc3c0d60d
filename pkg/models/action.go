package models

import "time"

// ActionType classifies the side effect of a tool call.
type ActionType string

const (
	ActionRead        ActionType = "read"
	ActionWrite       ActionType = "write"
	ActionDestructive ActionType = "destructive"
)

// RiskRank orders action types by blast radius, highest last.
func (a ActionType) RiskRank() int {
	switch a {
	case ActionRead:
		return 0
	case ActionWrite:
		return 1
	case ActionDestructive:
		return 2
	default:
		return 1
	}
}

// PendingAction is a gated tool call waiting for explicit user approval.
// Resolved flips exactly once, via the approve or cancel callback.
type PendingAction struct {
	ID          string         `json:"id"`
	Tool        string         `json:"tool"`
	Params      map[string]any `json:"params,omitempty"`
	Description string         `json:"description"`
	Type        ActionType     `json:"type"`
	TenantID    string         `json:"tenant_id"`
	ChannelID   string         `json:"channel_id,omitempty"`
	ThreadID    string         `json:"thread_id,omitempty"`
	CreatedAt   time.Time      `json:"created_at"`
	Resolved    bool           `json:"resolved"`
}
