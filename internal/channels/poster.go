package channels

import (
	"context"

	"github.com/haasonsaas/lucy/internal/actions"
	"github.com/haasonsaas/lucy/internal/observability"
)

// Poster adapts a Client to the narrow posting interfaces the task
// manager and the agent loop depend on. Long replies are split into
// thread messages; the first message's timestamp is returned so callers
// can anchor progress edits to it.
type Poster struct {
	client  Client
	chunker *Chunker
	logger  *observability.Logger
}

// NewPoster wraps client. maxChars bounds each posted piece.
func NewPoster(client Client, maxChars int, logger *observability.Logger) *Poster {
	if logger == nil {
		logger = observability.NewLogger(observability.LogConfig{})
	}
	return &Poster{
		client:  client,
		chunker: NewChunker(maxChars),
		logger:  logger.WithComponent("poster"),
	}
}

// Post sends text into the thread, chunked when it exceeds the budget,
// and returns the timestamp of the first posted message.
func (p *Poster) Post(ctx context.Context, channelID, threadID, text string) (string, error) {
	pieces := p.chunker.Split(text)
	if len(pieces) == 0 {
		return "", nil
	}

	first, err := p.client.PostMessage(ctx, channelID, threadID, pieces[0])
	if err != nil {
		return "", err
	}
	for _, piece := range pieces[1:] {
		if _, err := p.client.PostMessage(ctx, channelID, threadID, piece); err != nil {
			p.logger.Warn(ctx, "follow-up chunk failed", "channel_id", channelID, "error", err)
			break
		}
	}
	return first, nil
}

// PostPending posts the approval prompt for a held action: the fallback
// message plus approve/cancel buttons.
func (p *Poster) PostPending(ctx context.Context, channelID, threadID string, pending actions.PendingResult) (string, error) {
	return p.client.PostMessage(ctx, channelID, threadID, pending.Message, pending.Blocks...)
}
