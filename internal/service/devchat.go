package service

import (
	"context"
	"fmt"
	"sync"

	slackapi "github.com/slack-go/slack"

	"github.com/haasonsaas/lucy/internal/channels"
	"github.com/haasonsaas/lucy/internal/observability"
)

// devClient stands in for the chat platform during development runs
// without credentials. Outbound messages land in the log, so the HTTP
// ingress path stays exercisable end to end.
type devClient struct {
	logger *observability.Logger

	mu  sync.Mutex
	seq int
}

var _ channels.Client = (*devClient)(nil)

func newDevClient(logger *observability.Logger) *devClient {
	return &devClient{logger: logger.WithComponent("chat")}
}

func (c *devClient) PostMessage(ctx context.Context, channelID, threadID, text string, blocks ...slackapi.Block) (string, error) {
	c.mu.Lock()
	c.seq++
	ts := fmt.Sprintf("dev-%d", c.seq)
	c.mu.Unlock()

	c.logger.Info(ctx, "outbound message",
		"channel_id", channelID,
		"thread_id", threadID,
		"blocks", len(blocks),
		"text", text,
	)
	return ts, nil
}

func (c *devClient) UpdateMessage(ctx context.Context, channelID, ts, text string) error {
	c.logger.Info(ctx, "message updated",
		"channel_id", channelID,
		"ts", ts,
		"text", text,
	)
	return nil
}

func (c *devClient) FetchThread(ctx context.Context, channelID, threadID string, limit int) ([]channels.Message, error) {
	return nil, nil
}

func (c *devClient) AddReaction(ctx context.Context, channelID, ts, name string) error {
	c.logger.Debug(ctx, "reaction added", "channel_id", channelID, "ts", ts, "reaction", name)
	return nil
}
