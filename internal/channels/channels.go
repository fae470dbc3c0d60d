// Package channels defines the chat surface the control plane talks
// through: an outbound Client for posting and editing messages, an
// inbound Event handed to dispatch, and the approval callback plumbing.
// The slack subpackage is the production implementation.
package channels

import (
	"context"

	slackapi "github.com/slack-go/slack"

	"github.com/haasonsaas/lucy/pkg/models"
)

// Message is one message read back from a thread.
type Message struct {
	UserID string
	BotID  string
	Text   string
	TS     string
}

// Bot reports whether the message was written by a bot account.
func (m Message) Bot() bool { return m.BotID != "" }

// Client is the outbound chat API. PostMessage with no blocks sends
// plain text; with blocks the text becomes the notification fallback.
type Client interface {
	PostMessage(ctx context.Context, channelID, threadID, text string, blocks ...slackapi.Block) (string, error)
	UpdateMessage(ctx context.Context, channelID, ts, text string) error
	FetchThread(ctx context.Context, channelID, threadID string, limit int) ([]Message, error)
	AddReaction(ctx context.Context, channelID, ts, name string) error
}

// Event is one inbound user message, normalized across the Socket Mode
// and HTTP ingress paths. ThreadID is the thread timestamp, or the
// message's own timestamp when the message starts a new thread.
type Event struct {
	TenantID  string
	ChannelID string
	ThreadID  string
	UserID    string
	Text      string
	EventTS   string
}

// Handler consumes inbound events. Implementations must not block the
// ingress loop; long work is queued.
type Handler interface {
	HandleEvent(ctx context.Context, ev Event)
}

// ApprovalResolver settles a held action when its approve or cancel
// button is pressed. The pending action gate implements this.
type ApprovalResolver interface {
	Approve(ctx context.Context, id string) (*models.PendingAction, error)
	Reject(ctx context.Context, id string) (*models.PendingAction, error)
}
