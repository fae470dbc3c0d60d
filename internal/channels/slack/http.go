package slack

import (
	"context"
	"encoding/json"
	"io"
	"net/http"

	"github.com/haasonsaas/lucy/internal/channels"
	"github.com/haasonsaas/lucy/internal/observability"
	"github.com/slack-go/slack"
	"github.com/slack-go/slack/slackevents"
)

// maxEventBody bounds the request body accepted on the events endpoint.
const maxEventBody = 1 << 20

// EventsHandler serves the Slack Events API over HTTP as an alternative
// ingress to Socket Mode. Requests are authenticated against the app's
// signing secret before anything is parsed out of them.
type EventsHandler struct {
	signingSecret string
	handler       channels.Handler
	logger        *observability.Logger
}

// NewEventsHandler builds the HTTP ingress mounted at POST /chat/events.
func NewEventsHandler(signingSecret string, handler channels.Handler, logger *observability.Logger) *EventsHandler {
	return &EventsHandler{
		signingSecret: signingSecret,
		handler:       handler,
		logger:        logger.WithComponent("slack_events"),
	}
}

func (h *EventsHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxEventBody))
	if err != nil {
		http.Error(w, "request too large", http.StatusRequestEntityTooLarge)
		return
	}

	verifier, err := slack.NewSecretsVerifier(r.Header, h.signingSecret)
	if err != nil {
		http.Error(w, "missing signature headers", http.StatusUnauthorized)
		return
	}
	if _, err := verifier.Write(body); err != nil {
		http.Error(w, "verification failed", http.StatusInternalServerError)
		return
	}
	if err := verifier.Ensure(); err != nil {
		h.logger.Warn(r.Context(), "rejected unsigned event", "remote", r.RemoteAddr)
		http.Error(w, "invalid signature", http.StatusUnauthorized)
		return
	}

	event, err := slackevents.ParseEvent(json.RawMessage(body), slackevents.OptionNoVerifyToken())
	if err != nil {
		http.Error(w, "unparseable event", http.StatusBadRequest)
		return
	}

	switch event.Type {
	case slackevents.URLVerification:
		var challenge slackevents.ChallengeResponse
		if err := json.Unmarshal(body, &challenge); err != nil {
			http.Error(w, "bad challenge", http.StatusBadRequest)
			return
		}
		w.Header().Set("Content-Type", "text/plain")
		_, _ = w.Write([]byte(challenge.Challenge))

	case slackevents.CallbackEvent:
		h.dispatch(r.Context(), event)
		w.WriteHeader(http.StatusOK)

	default:
		w.WriteHeader(http.StatusOK)
	}
}

// dispatch forwards message events to the shared handler. Unlike the
// Socket Mode path there is no bot user ID to match mentions against,
// so filtering leans on the app's event subscriptions.
func (h *EventsHandler) dispatch(ctx context.Context, apiEvent slackevents.EventsAPIEvent) {
	switch ev := apiEvent.InnerEvent.Data.(type) {
	case *slackevents.AppMentionEvent:
		h.deliver(ctx, channels.Event{
			TenantID:  apiEvent.TeamID,
			ChannelID: ev.Channel,
			ThreadID:  threadFor(ev.ThreadTimeStamp, ev.TimeStamp),
			UserID:    ev.User,
			Text:      stripMentions(ev.Text),
			EventTS:   ev.TimeStamp,
		})

	case *slackevents.MessageEvent:
		if ev.BotID != "" {
			return
		}
		if ev.SubType != "" && ev.SubType != "file_share" {
			return
		}
		h.deliver(ctx, channels.Event{
			TenantID:  apiEvent.TeamID,
			ChannelID: ev.Channel,
			ThreadID:  threadFor(ev.ThreadTimeStamp, ev.TimeStamp),
			UserID:    ev.User,
			Text:      stripMentions(ev.Text),
			EventTS:   ev.TimeStamp,
		})
	}
}

func (h *EventsHandler) deliver(ctx context.Context, ev channels.Event) {
	if ev.Text == "" || h.handler == nil {
		return
	}
	h.handler.HandleEvent(ctx, ev)
}
