package models

// Tier selects the model family a request runs on.
type Tier string

const (
	TierFast     Tier = "fast"
	TierDefault  Tier = "default"
	TierCode     Tier = "code"
	TierFrontier Tier = "frontier"
)

// Intent is the coarse task category inferred from the message.
type Intent string

const (
	IntentGeneral       Intent = "general"
	IntentData          Intent = "data"
	IntentDocument      Intent = "document"
	IntentCode          Intent = "code"
	IntentCodeReasoning Intent = "code_reasoning"
	IntentToolUse       Intent = "tool_use"
	IntentResearch      Intent = "research"
	IntentMonitoring    Intent = "monitoring"
)

// Route is the classification result for one request: which tier handles it,
// what the user is trying to do, and the concrete model identifier. Computed
// once per request and passed through the queue.
type Route struct {
	Tier   Tier   `json:"tier"`
	Intent Intent `json:"intent"`
	Model  string `json:"model"`
}

// Priority orders queued requests. Lower values run first.
type Priority int

const (
	PriorityHigh   Priority = 0
	PriorityNormal Priority = 1
	PriorityLow    Priority = 2
)

func (p Priority) String() string {
	switch p {
	case PriorityHigh:
		return "high"
	case PriorityNormal:
		return "normal"
	case PriorityLow:
		return "low"
	default:
		return "unknown"
	}
}
