// Package slack connects Lucy to a Slack workspace. Inbound events
// arrive over Socket Mode (or the HTTP Events API, see EventsHandler)
// and are normalized into channels.Event values; outbound traffic goes
// through the Web API.
package slack

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"sync"

	"github.com/haasonsaas/lucy/internal/actions"
	"github.com/haasonsaas/lucy/internal/channels"
	"github.com/haasonsaas/lucy/internal/observability"
	"github.com/haasonsaas/lucy/pkg/models"
	"github.com/slack-go/slack"
	"github.com/slack-go/slack/slackevents"
	"github.com/slack-go/slack/socketmode"
)

// maxMessageChars is Slack's hard limit on message text, counted in
// UTF-16 code units.
const maxMessageChars = 40000

// Config holds the credentials for the Slack adapter.
type Config struct {
	BotToken string // xoxb- token for Web API calls
	AppToken string // xapp- token for Socket Mode
}

// api is the slice of the Slack Web API the adapter depends on. The
// concrete *slack.Client satisfies it; tests substitute a fake.
type api interface {
	AuthTestContext(ctx context.Context) (*slack.AuthTestResponse, error)
	PostMessageContext(ctx context.Context, channelID string, options ...slack.MsgOption) (string, string, error)
	UpdateMessageContext(ctx context.Context, channelID, timestamp string, options ...slack.MsgOption) (string, string, string, error)
	GetConversationRepliesContext(ctx context.Context, params *slack.GetConversationRepliesParameters) ([]slack.Message, bool, string, error)
	AddReactionContext(ctx context.Context, name string, item slack.ItemRef) error
}

var _ api = (*slack.Client)(nil)

// mentionRe matches <@U123ABC> style user references in message text.
var mentionRe = regexp.MustCompile(`<@[A-Z0-9]+>`)

// Adapter is the Socket Mode ingress and Web API egress for one Slack
// app. It implements channels.Client for posting and resolves approval
// button clicks through the configured ApprovalResolver.
type Adapter struct {
	cfg       Config
	api       api
	socket    *socketmode.Client
	handler   channels.Handler
	approvals channels.ApprovalResolver
	logger    *observability.Logger

	idMu        sync.RWMutex
	botUserID   string
	defaultTeam string

	cancel   context.CancelFunc
	wg       sync.WaitGroup
	stopOnce sync.Once
}

var _ channels.Client = (*Adapter)(nil)

// New builds a Slack adapter. The handler receives every message
// addressed to the bot and must hand work off quickly; the approvals
// resolver is invoked when approve or cancel buttons are clicked.
func New(cfg Config, handler channels.Handler, approvals channels.ApprovalResolver, logger *observability.Logger) *Adapter {
	client := slack.New(cfg.BotToken, slack.OptionAppLevelToken(cfg.AppToken))
	return &Adapter{
		cfg:       cfg,
		api:       client,
		socket:    socketmode.New(client),
		handler:   handler,
		approvals: approvals,
		logger:    logger.WithComponent("slack"),
	}
}

// Start authenticates with Slack and begins consuming Socket Mode
// events. It returns an error if the bot token is rejected.
func (a *Adapter) Start(ctx context.Context) error {
	auth, err := a.api.AuthTestContext(ctx)
	if err != nil {
		return fmt.Errorf("slack auth test: %w", err)
	}
	a.idMu.Lock()
	a.botUserID = auth.UserID
	a.defaultTeam = auth.TeamID
	a.idMu.Unlock()
	a.logger.Info(ctx, "slack adapter authenticated", "bot_user_id", auth.UserID, "team_id", auth.TeamID)

	runCtx, cancel := context.WithCancel(ctx)
	a.cancel = cancel

	a.wg.Add(2)
	go func() {
		defer a.wg.Done()
		a.consumeEvents(runCtx)
	}()
	go func() {
		defer a.wg.Done()
		if err := a.socket.RunContext(runCtx); err != nil && !errors.Is(err, context.Canceled) {
			a.logger.Error(runCtx, "socket mode stopped", "error", err)
		}
	}()
	return nil
}

// Stop cancels the event loop and waits for in-flight approval
// resolutions to finish, up to the context deadline.
func (a *Adapter) Stop(ctx context.Context) error {
	var err error
	a.stopOnce.Do(func() {
		if a.cancel != nil {
			a.cancel()
		}
		done := make(chan struct{})
		go func() {
			a.wg.Wait()
			close(done)
		}()
		select {
		case <-done:
		case <-ctx.Done():
			err = ctx.Err()
		}
	})
	return err
}

// PostMessage sends text to a channel, threading under threadID when
// one is given. With blocks the text becomes the notification fallback.
// It returns the timestamp of the posted message.
func (a *Adapter) PostMessage(ctx context.Context, channelID, threadID, text string, blocks ...slack.Block) (string, error) {
	opts := make([]slack.MsgOption, 0, 3)
	if len(blocks) > 0 {
		opts = append(opts, slack.MsgOptionBlocks(blocks...), slack.MsgOptionText(text, false))
	} else {
		opts = append(opts, slack.MsgOptionText(channels.TruncateUTF16(text, maxMessageChars), false))
	}
	if threadID != "" {
		opts = append(opts, slack.MsgOptionTS(threadID))
	}
	_, ts, err := a.api.PostMessageContext(ctx, channelID, opts...)
	if err != nil {
		return "", fmt.Errorf("post message: %w", err)
	}
	return ts, nil
}

// UpdateMessage replaces the text of an existing message and clears any
// blocks it carried, which is how approval prompts lose their buttons.
func (a *Adapter) UpdateMessage(ctx context.Context, channelID, ts, text string) error {
	_, _, _, err := a.api.UpdateMessageContext(ctx, channelID, ts,
		slack.MsgOptionText(channels.TruncateUTF16(text, maxMessageChars), false),
		slack.MsgOptionBlocks(),
	)
	if err != nil {
		return fmt.Errorf("update message: %w", err)
	}
	return nil
}

// FetchThread returns up to limit messages from a thread, oldest first.
func (a *Adapter) FetchThread(ctx context.Context, channelID, threadID string, limit int) ([]channels.Message, error) {
	msgs, _, _, err := a.api.GetConversationRepliesContext(ctx, &slack.GetConversationRepliesParameters{
		ChannelID: channelID,
		Timestamp: threadID,
		Limit:     limit,
	})
	if err != nil {
		return nil, fmt.Errorf("fetch thread: %w", err)
	}
	out := make([]channels.Message, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, channels.Message{
			UserID: m.User,
			BotID:  m.BotID,
			Text:   m.Text,
			TS:     m.Timestamp,
		})
	}
	return out, nil
}

// AddReaction attaches an emoji reaction to a message.
func (a *Adapter) AddReaction(ctx context.Context, channelID, ts, name string) error {
	if err := a.api.AddReactionContext(ctx, name, slack.ItemRef{Channel: channelID, Timestamp: ts}); err != nil {
		return fmt.Errorf("add reaction: %w", err)
	}
	return nil
}

// consumeEvents drains the Socket Mode event channel until the context
// is cancelled.
func (a *Adapter) consumeEvents(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-a.socket.Events:
			if !ok {
				return
			}
			a.routeEvent(ctx, event)
		}
	}
}

func (a *Adapter) routeEvent(ctx context.Context, event socketmode.Event) {
	switch event.Type {
	case socketmode.EventTypeConnecting:
		a.logger.Debug(ctx, "connecting to socket mode")

	case socketmode.EventTypeConnectionError:
		a.logger.Warn(ctx, "socket mode connection error", "detail", fmt.Sprint(event.Data))

	case socketmode.EventTypeConnected:
		a.logger.Info(ctx, "socket mode connected")

	case socketmode.EventTypeEventsAPI:
		a.ack(event)
		apiEvent, ok := event.Data.(slackevents.EventsAPIEvent)
		if !ok {
			a.logger.Warn(ctx, "unexpected events api payload", "type", fmt.Sprintf("%T", event.Data))
			return
		}
		a.handleCallback(ctx, apiEvent)

	case socketmode.EventTypeInteractive:
		a.ack(event)
		callback, ok := event.Data.(slack.InteractionCallback)
		if !ok {
			a.logger.Warn(ctx, "unexpected interactive payload", "type", fmt.Sprintf("%T", event.Data))
			return
		}
		a.handleInteraction(ctx, callback)

	case socketmode.EventTypeSlashCommand:
		a.ack(event)
	}
}

// ack acknowledges a Socket Mode envelope. Slack retries unacked
// events, so everything gets acked before processing.
func (a *Adapter) ack(event socketmode.Event) {
	if event.Request != nil {
		a.socket.Ack(*event.Request)
	}
}

// handleCallback unwraps an Events API envelope and forwards messages
// addressed to the bot.
func (a *Adapter) handleCallback(ctx context.Context, apiEvent slackevents.EventsAPIEvent) {
	if apiEvent.Type != slackevents.CallbackEvent {
		return
	}
	switch ev := apiEvent.InnerEvent.Data.(type) {
	case *slackevents.AppMentionEvent:
		a.deliver(ctx, channels.Event{
			TenantID:  a.tenantFor(apiEvent.TeamID),
			ChannelID: ev.Channel,
			ThreadID:  threadFor(ev.ThreadTimeStamp, ev.TimeStamp),
			UserID:    ev.User,
			Text:      stripMentions(ev.Text),
			EventTS:   ev.TimeStamp,
		})

	case *slackevents.MessageEvent:
		if !a.wantsMessage(ev) {
			return
		}
		a.deliver(ctx, channels.Event{
			TenantID:  a.tenantFor(apiEvent.TeamID),
			ChannelID: ev.Channel,
			ThreadID:  threadFor(ev.ThreadTimeStamp, ev.TimeStamp),
			UserID:    ev.User,
			Text:      stripMentions(ev.Text),
			EventTS:   ev.TimeStamp,
		})
	}
}

// wantsMessage filters the message firehose down to what the bot should
// answer: human messages in DMs, mentions, or threads it is part of.
func (a *Adapter) wantsMessage(ev *slackevents.MessageEvent) bool {
	if ev.BotID != "" {
		return false
	}
	if ev.SubType != "" && ev.SubType != "file_share" {
		return false
	}
	botID := a.botID()
	if botID != "" && ev.User == botID {
		return false
	}
	isDM := strings.HasPrefix(ev.Channel, "D")
	isMention := botID != "" && strings.Contains(ev.Text, "<@"+botID+">")
	return isDM || isMention || ev.ThreadTimeStamp != ""
}

func (a *Adapter) deliver(ctx context.Context, ev channels.Event) {
	if ev.Text == "" || a.handler == nil {
		return
	}
	a.handler.HandleEvent(ctx, ev)
}

// handleInteraction resolves approve and cancel button clicks. The
// resume hook behind an approval may execute a tool call, so resolution
// runs off the event loop.
func (a *Adapter) handleInteraction(ctx context.Context, callback slack.InteractionCallback) {
	if callback.Type != slack.InteractionTypeBlockActions {
		return
	}
	for _, action := range callback.ActionCallback.BlockActions {
		actionID, approved, ok := actions.ParseCallback(action.ActionID)
		if !ok {
			continue
		}
		channelID := callback.Channel.ID
		messageTS := callback.Message.Timestamp
		a.wg.Add(1)
		go func() {
			defer a.wg.Done()
			a.resolveApproval(ctx, channelID, messageTS, actionID, approved)
		}()
	}
}

func (a *Adapter) resolveApproval(ctx context.Context, channelID, messageTS, actionID string, approved bool) {
	var pending *models.PendingAction
	var err error
	if approved {
		pending, err = a.approvals.Approve(ctx, actionID)
	} else {
		pending, err = a.approvals.Reject(ctx, actionID)
	}
	switch {
	case errors.Is(err, actions.ErrActionNotFound):
		a.updateQuiet(ctx, channelID, messageTS, "This approval has already been handled or expired.")
		return
	case err != nil:
		a.logger.Error(ctx, "approval resolution failed", "action_id", actionID, "error", err)
		return
	}
	verb := "Cancelled"
	if approved {
		verb = "Approved"
	}
	a.updateQuiet(ctx, channelID, messageTS, fmt.Sprintf("%s: %s", verb, pending.Description))
}

func (a *Adapter) updateQuiet(ctx context.Context, channelID, ts, text string) {
	if channelID == "" || ts == "" {
		return
	}
	if err := a.UpdateMessage(ctx, channelID, ts, text); err != nil {
		a.logger.Warn(ctx, "approval message update failed", "channel_id", channelID, "error", err)
	}
}

func (a *Adapter) tenantFor(teamID string) string {
	if teamID != "" {
		return teamID
	}
	a.idMu.RLock()
	defer a.idMu.RUnlock()
	return a.defaultTeam
}

func (a *Adapter) botID() string {
	a.idMu.RLock()
	defer a.idMu.RUnlock()
	return a.botUserID
}

// stripMentions removes <@U123ABC> user references so the agent sees
// only the request text.
func stripMentions(text string) string {
	return strings.TrimSpace(mentionRe.ReplaceAllString(text, ""))
}

// threadFor picks the conversation key for an event: the thread it
// belongs to, or its own timestamp when it starts one.
func threadFor(threadTS, ts string) string {
	if threadTS != "" {
		return threadTS
	}
	return ts
}
