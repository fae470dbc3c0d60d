package models

import (
	"encoding/json"
	"time"
)

// Role indicates the message author type in a conversation.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
	RoleTool      Role = "tool"
)

// Message is an inbound chat event after platform decoding. It is immutable;
// dispatch dedupes on EventTS within a 30 second window.
type Message struct {
	Text       string    `json:"text"`
	ChannelID  string    `json:"channel_id"`
	ThreadID   string    `json:"thread_id,omitempty"`
	UserID     string    `json:"user_id"`
	TeamID     string    `json:"team_id,omitempty"`
	EventTS    string    `json:"event_ts"`
	ReceivedAt time.Time `json:"received_at"`
}

// InThread reports whether the message belongs to an existing thread.
func (m *Message) InThread() bool {
	return m.ThreadID != "" && m.ThreadID != m.EventTS
}

// ToolCall represents an LLM's request to execute a tool.
type ToolCall struct {
	ID    string          `json:"id"`
	Name  string          `json:"name"`
	Input json.RawMessage `json:"input"`
}

// ToolResult represents the output of a tool execution.
type ToolResult struct {
	ToolCallID string `json:"tool_call_id"`
	Content    string `json:"content"`
	IsError    bool   `json:"is_error,omitempty"`
}
