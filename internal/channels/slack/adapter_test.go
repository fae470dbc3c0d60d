package slack

import (
	"context"
	"fmt"
	"io"
	"net/url"
	"strings"
	"sync"
	"testing"

	"github.com/haasonsaas/lucy/internal/actions"
	"github.com/haasonsaas/lucy/internal/channels"
	"github.com/haasonsaas/lucy/internal/observability"
	"github.com/haasonsaas/lucy/pkg/models"
	"github.com/slack-go/slack"
	"github.com/slack-go/slack/slackevents"
)

func testLogger() *observability.Logger {
	return observability.NewLogger(observability.LogConfig{Level: "error", Output: io.Discard})
}

type postCall struct {
	channelID string
	values    url.Values
}

type updateCall struct {
	channelID string
	ts        string
	values    url.Values
}

type reactionCall struct {
	name string
	item slack.ItemRef
}

// fakeAPI records Web API calls. Message options are decoded through
// UnsafeApplyMsgOptions so tests can assert on text and thread_ts.
type fakeAPI struct {
	mu        sync.Mutex
	posts     []postCall
	updates   []updateCall
	reactions []reactionCall
	replies   []slack.Message
	repliesIn *slack.GetConversationRepliesParameters
	postErr   error
}

func (f *fakeAPI) AuthTestContext(context.Context) (*slack.AuthTestResponse, error) {
	return &slack.AuthTestResponse{UserID: "UBOT", TeamID: "T100"}, nil
}

func (f *fakeAPI) PostMessageContext(_ context.Context, channelID string, options ...slack.MsgOption) (string, string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.postErr != nil {
		return "", "", f.postErr
	}
	_, values, err := slack.UnsafeApplyMsgOptions("xoxb-test", channelID, slack.APIURL, options...)
	if err != nil {
		return "", "", err
	}
	f.posts = append(f.posts, postCall{channelID: channelID, values: values})
	return channelID, fmt.Sprintf("1700000000.%06d", len(f.posts)), nil
}

func (f *fakeAPI) UpdateMessageContext(_ context.Context, channelID, timestamp string, options ...slack.MsgOption) (string, string, string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, values, err := slack.UnsafeApplyMsgOptions("xoxb-test", channelID, slack.APIURL, options...)
	if err != nil {
		return "", "", "", err
	}
	f.updates = append(f.updates, updateCall{channelID: channelID, ts: timestamp, values: values})
	return channelID, timestamp, "", nil
}

func (f *fakeAPI) GetConversationRepliesContext(_ context.Context, params *slack.GetConversationRepliesParameters) ([]slack.Message, bool, string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.repliesIn = params
	return f.replies, false, "", nil
}

func (f *fakeAPI) AddReactionContext(_ context.Context, name string, item slack.ItemRef) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reactions = append(f.reactions, reactionCall{name: name, item: item})
	return nil
}

type recordingHandler struct {
	mu     sync.Mutex
	events []channels.Event
}

func (r *recordingHandler) HandleEvent(_ context.Context, ev channels.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

func (r *recordingHandler) all() []channels.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]channels.Event(nil), r.events...)
}

type fakeResolver struct {
	mu       sync.Mutex
	pending  *models.PendingAction
	err      error
	approved []string
	rejected []string
}

func (f *fakeResolver) Approve(_ context.Context, id string) (*models.PendingAction, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.approved = append(f.approved, id)
	return f.pending, f.err
}

func (f *fakeResolver) Reject(_ context.Context, id string) (*models.PendingAction, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rejected = append(f.rejected, id)
	return f.pending, f.err
}

func newTestAdapter(client api, handler channels.Handler, approvals channels.ApprovalResolver) *Adapter {
	return &Adapter{
		cfg:         Config{BotToken: "xoxb-test", AppToken: "xapp-test"},
		api:         client,
		handler:     handler,
		approvals:   approvals,
		logger:      testLogger(),
		botUserID:   "UBOT",
		defaultTeam: "T100",
	}
}

func TestPostMessageThreads(t *testing.T) {
	client := &fakeAPI{}
	a := newTestAdapter(client, nil, nil)

	ts, err := a.PostMessage(context.Background(), "C100", "1699.100", "on it")
	if err != nil {
		t.Fatalf("PostMessage: %v", err)
	}
	if ts == "" {
		t.Fatal("expected a timestamp back")
	}
	if len(client.posts) != 1 {
		t.Fatalf("expected 1 post, got %d", len(client.posts))
	}
	got := client.posts[0]
	if got.channelID != "C100" {
		t.Errorf("channel = %q, want C100", got.channelID)
	}
	if text := got.values.Get("text"); text != "on it" {
		t.Errorf("text = %q, want %q", text, "on it")
	}
	if threadTS := got.values.Get("thread_ts"); threadTS != "1699.100" {
		t.Errorf("thread_ts = %q, want 1699.100", threadTS)
	}
}

func TestPostMessageTruncatesLongText(t *testing.T) {
	client := &fakeAPI{}
	a := newTestAdapter(client, nil, nil)

	if _, err := a.PostMessage(context.Background(), "C100", "", strings.Repeat("x", maxMessageChars+50)); err != nil {
		t.Fatalf("PostMessage: %v", err)
	}
	if got := len(client.posts[0].values.Get("text")); got != maxMessageChars {
		t.Errorf("posted text length = %d, want %d", got, maxMessageChars)
	}
}

func TestPostMessageWithBlocks(t *testing.T) {
	client := &fakeAPI{}
	a := newTestAdapter(client, nil, nil)

	blocks := actions.ApprovalBlocks(&models.PendingAction{
		ID:          "act-7",
		Description: "send the weekly digest",
		Type:        models.ActionWrite,
	})
	if _, err := a.PostMessage(context.Background(), "C100", "1699.1", "Approval needed", blocks...); err != nil {
		t.Fatalf("PostMessage: %v", err)
	}
	got := client.posts[0]
	if got.values.Get("blocks") == "" {
		t.Error("expected blocks payload to be set")
	}
	if text := got.values.Get("text"); text != "Approval needed" {
		t.Errorf("fallback text = %q", text)
	}
}

func TestUpdateMessage(t *testing.T) {
	client := &fakeAPI{}
	a := newTestAdapter(client, nil, nil)

	if err := a.UpdateMessage(context.Background(), "C100", "1700.5", "Approved: send the weekly digest"); err != nil {
		t.Fatalf("UpdateMessage: %v", err)
	}
	if len(client.updates) != 1 {
		t.Fatalf("expected 1 update, got %d", len(client.updates))
	}
	got := client.updates[0]
	if got.channelID != "C100" || got.ts != "1700.5" {
		t.Errorf("update target = %s/%s", got.channelID, got.ts)
	}
	if text := got.values.Get("text"); text != "Approved: send the weekly digest" {
		t.Errorf("text = %q", text)
	}
}

func TestFetchThreadMapsMessages(t *testing.T) {
	client := &fakeAPI{
		replies: []slack.Message{
			{Msg: slack.Msg{User: "U1", Text: "run the weekly report", Timestamp: "1699.1"}},
			{Msg: slack.Msg{BotID: "B9", Text: "On it.", Timestamp: "1699.2"}},
		},
	}
	a := newTestAdapter(client, nil, nil)

	msgs, err := a.FetchThread(context.Background(), "C100", "1699.1", 50)
	if err != nil {
		t.Fatalf("FetchThread: %v", err)
	}
	if len(msgs) != 2 {
		t.Fatalf("expected 2 messages, got %d", len(msgs))
	}
	if msgs[0].UserID != "U1" || msgs[0].Text != "run the weekly report" || msgs[0].TS != "1699.1" {
		t.Errorf("first message = %+v", msgs[0])
	}
	if !msgs[1].Bot() {
		t.Error("second message should read as a bot message")
	}
	if client.repliesIn.ChannelID != "C100" || client.repliesIn.Timestamp != "1699.1" || client.repliesIn.Limit != 50 {
		t.Errorf("replies params = %+v", client.repliesIn)
	}
}

func TestAddReaction(t *testing.T) {
	client := &fakeAPI{}
	a := newTestAdapter(client, nil, nil)

	if err := a.AddReaction(context.Background(), "C100", "1699.1", "eyes"); err != nil {
		t.Fatalf("AddReaction: %v", err)
	}
	got := client.reactions[0]
	if got.name != "eyes" {
		t.Errorf("reaction = %q", got.name)
	}
	if got.item.Channel != "C100" || got.item.Timestamp != "1699.1" {
		t.Errorf("item ref = %+v", got.item)
	}
}

func TestHandleCallbackDeliversMention(t *testing.T) {
	handler := &recordingHandler{}
	a := newTestAdapter(&fakeAPI{}, handler, nil)

	a.handleCallback(context.Background(), slackevents.EventsAPIEvent{
		Type:   slackevents.CallbackEvent,
		TeamID: "T900",
		InnerEvent: slackevents.EventsAPIInnerEvent{
			Type: "app_mention",
			Data: &slackevents.AppMentionEvent{
				User:      "U77",
				Channel:   "C55",
				Text:      "<@UBOT> summarize my inbox",
				TimeStamp: "1700.42",
			},
		},
	})

	events := handler.all()
	if len(events) != 1 {
		t.Fatalf("expected 1 event, got %d", len(events))
	}
	want := channels.Event{
		TenantID:  "T900",
		ChannelID: "C55",
		ThreadID:  "1700.42",
		UserID:    "U77",
		Text:      "summarize my inbox",
		EventTS:   "1700.42",
	}
	if events[0] != want {
		t.Errorf("event = %+v, want %+v", events[0], want)
	}
}

func TestHandleCallbackMessageFiltering(t *testing.T) {
	cases := []struct {
		name    string
		event   *slackevents.MessageEvent
		deliver bool
	}{
		{
			name:    "direct message",
			event:   &slackevents.MessageEvent{User: "U1", Channel: "D42", Text: "hello", TimeStamp: "1.0"},
			deliver: true,
		},
		{
			name:    "thread reply in channel",
			event:   &slackevents.MessageEvent{User: "U1", Channel: "C42", Text: "and then?", TimeStamp: "2.0", ThreadTimeStamp: "1.0"},
			deliver: true,
		},
		{
			name:    "mention in channel",
			event:   &slackevents.MessageEvent{User: "U1", Channel: "C42", Text: "<@UBOT> status?", TimeStamp: "3.0"},
			deliver: true,
		},
		{
			name:    "ambient channel chatter",
			event:   &slackevents.MessageEvent{User: "U1", Channel: "C42", Text: "lunch?", TimeStamp: "4.0"},
			deliver: false,
		},
		{
			name:    "bot message",
			event:   &slackevents.MessageEvent{BotID: "B1", Channel: "D42", Text: "beep", TimeStamp: "5.0"},
			deliver: false,
		},
		{
			name:    "edited message subtype",
			event:   &slackevents.MessageEvent{User: "U1", SubType: "message_changed", Channel: "D42", Text: "hello", TimeStamp: "6.0"},
			deliver: false,
		},
		{
			name:    "own message",
			event:   &slackevents.MessageEvent{User: "UBOT", Channel: "D42", Text: "done", TimeStamp: "7.0"},
			deliver: false,
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			handler := &recordingHandler{}
			a := newTestAdapter(&fakeAPI{}, handler, nil)
			a.handleCallback(context.Background(), slackevents.EventsAPIEvent{
				Type:   slackevents.CallbackEvent,
				TeamID: "T900",
				InnerEvent: slackevents.EventsAPIInnerEvent{
					Type: "message",
					Data: tc.event,
				},
			})
			if got := len(handler.all()); (got == 1) != tc.deliver {
				t.Errorf("delivered %d events, want deliver=%v", got, tc.deliver)
			}
		})
	}
}

func TestHandleCallbackThreadIDFallsBackToOwnTS(t *testing.T) {
	handler := &recordingHandler{}
	a := newTestAdapter(&fakeAPI{}, handler, nil)

	a.handleCallback(context.Background(), slackevents.EventsAPIEvent{
		Type:   slackevents.CallbackEvent,
		TeamID: "T900",
		InnerEvent: slackevents.EventsAPIInnerEvent{
			Type: "message",
			Data: &slackevents.MessageEvent{User: "U1", Channel: "D42", Text: "hi", TimeStamp: "1700.9"},
		},
	})

	events := handler.all()
	if len(events) != 1 {
		t.Fatalf("expected 1 event, got %d", len(events))
	}
	if events[0].ThreadID != "1700.9" {
		t.Errorf("ThreadID = %q, want the message's own ts", events[0].ThreadID)
	}
}

func TestHandleCallbackFallsBackToAuthTeam(t *testing.T) {
	handler := &recordingHandler{}
	a := newTestAdapter(&fakeAPI{}, handler, nil)

	a.handleCallback(context.Background(), slackevents.EventsAPIEvent{
		Type: slackevents.CallbackEvent,
		InnerEvent: slackevents.EventsAPIInnerEvent{
			Type: "message",
			Data: &slackevents.MessageEvent{User: "U1", Channel: "D42", Text: "hi", TimeStamp: "1.0"},
		},
	})

	events := handler.all()
	if len(events) != 1 {
		t.Fatalf("expected 1 event, got %d", len(events))
	}
	if events[0].TenantID != "T100" {
		t.Errorf("TenantID = %q, want the auth test team", events[0].TenantID)
	}
}

func interactionFor(actionID string) slack.InteractionCallback {
	cb := slack.InteractionCallback{
		Type: slack.InteractionTypeBlockActions,
		ActionCallback: slack.ActionCallbacks{
			BlockActions: []*slack.BlockAction{{ActionID: actionID}},
		},
	}
	cb.Channel.ID = "C1"
	cb.Message = slack.Message{Msg: slack.Msg{Timestamp: "1700.5"}}
	return cb
}

func TestHandleInteractionApprove(t *testing.T) {
	client := &fakeAPI{}
	resolver := &fakeResolver{pending: &models.PendingAction{ID: "act-1", Description: "delete 3 drafts"}}
	a := newTestAdapter(client, nil, resolver)

	a.handleInteraction(context.Background(), interactionFor(actions.ApproveActionID("act-1")))
	a.wg.Wait()

	if len(resolver.approved) != 1 || resolver.approved[0] != "act-1" {
		t.Fatalf("approved = %v", resolver.approved)
	}
	if len(client.updates) != 1 {
		t.Fatalf("expected 1 message update, got %d", len(client.updates))
	}
	got := client.updates[0]
	if got.channelID != "C1" || got.ts != "1700.5" {
		t.Errorf("update target = %s/%s", got.channelID, got.ts)
	}
	if text := got.values.Get("text"); text != "Approved: delete 3 drafts" {
		t.Errorf("text = %q", text)
	}
}

func TestHandleInteractionCancel(t *testing.T) {
	client := &fakeAPI{}
	resolver := &fakeResolver{pending: &models.PendingAction{ID: "act-2", Description: "wipe the scratch sheet"}}
	a := newTestAdapter(client, nil, resolver)

	a.handleInteraction(context.Background(), interactionFor(actions.CancelActionID("act-2")))
	a.wg.Wait()

	if len(resolver.rejected) != 1 || resolver.rejected[0] != "act-2" {
		t.Fatalf("rejected = %v", resolver.rejected)
	}
	if text := client.updates[0].values.Get("text"); text != "Cancelled: wipe the scratch sheet" {
		t.Errorf("text = %q", text)
	}
}

func TestHandleInteractionExpiredAction(t *testing.T) {
	client := &fakeAPI{}
	resolver := &fakeResolver{err: actions.ErrActionNotFound}
	a := newTestAdapter(client, nil, resolver)

	a.handleInteraction(context.Background(), interactionFor(actions.ApproveActionID("gone")))
	a.wg.Wait()

	if len(client.updates) != 1 {
		t.Fatalf("expected 1 update, got %d", len(client.updates))
	}
	if text := client.updates[0].values.Get("text"); !strings.Contains(text, "already been handled") {
		t.Errorf("text = %q", text)
	}
}

func TestHandleInteractionIgnoresForeignActions(t *testing.T) {
	client := &fakeAPI{}
	resolver := &fakeResolver{}
	a := newTestAdapter(client, nil, resolver)

	a.handleInteraction(context.Background(), interactionFor("open_dashboard"))
	a.wg.Wait()

	if len(resolver.approved)+len(resolver.rejected) != 0 {
		t.Error("resolver should not be called for unrelated actions")
	}
	if len(client.updates) != 0 {
		t.Error("no message update expected")
	}
}

func TestStripMentions(t *testing.T) {
	got := stripMentions("<@U123ABC> check <@U456DEF> the queue")
	if got != "check  the queue" {
		t.Errorf("stripMentions = %q", got)
	}
}
