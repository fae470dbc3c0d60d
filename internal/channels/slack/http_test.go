package slack

import (
	"bytes"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"
)

const testSigningSecret = "8f742231b10e8888abcd99yyyzzz85a5"

// signedRequest builds a POST /chat/events request carrying a valid
// v0 signature for the given secret.
func signedRequest(t *testing.T, secret string, body []byte) *http.Request {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/chat/events", bytes.NewReader(body))
	ts := strconv.FormatInt(time.Now().Unix(), 10)
	mac := hmac.New(sha256.New, []byte(secret))
	fmt.Fprintf(mac, "v0:%s:%s", ts, body)
	req.Header.Set("X-Slack-Request-Timestamp", ts)
	req.Header.Set("X-Slack-Signature", "v0="+hex.EncodeToString(mac.Sum(nil)))
	req.Header.Set("Content-Type", "application/json")
	return req
}

func TestEventsHandlerURLVerification(t *testing.T) {
	h := NewEventsHandler(testSigningSecret, &recordingHandler{}, testLogger())
	body := []byte(`{"token":"tok","type":"url_verification","challenge":"c-123"}`)

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, signedRequest(t, testSigningSecret, body))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if got := rec.Body.String(); got != "c-123" {
		t.Errorf("body = %q, want the challenge echoed back", got)
	}
}

func TestEventsHandlerRejectsBadSignature(t *testing.T) {
	handler := &recordingHandler{}
	h := NewEventsHandler(testSigningSecret, handler, testLogger())
	body := []byte(`{"token":"tok","type":"url_verification","challenge":"c-123"}`)

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, signedRequest(t, "some-other-secret", body))

	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", rec.Code)
	}
	if len(handler.all()) != 0 {
		t.Error("nothing should reach the handler on a bad signature")
	}
}

func TestEventsHandlerDeliversCallback(t *testing.T) {
	handler := &recordingHandler{}
	h := NewEventsHandler(testSigningSecret, handler, testLogger())
	body := []byte(`{
		"token": "tok",
		"type": "event_callback",
		"team_id": "T42",
		"event": {
			"type": "message",
			"user": "U1",
			"text": "pull up the oncall schedule",
			"channel": "D99",
			"channel_type": "im",
			"ts": "1111.2222"
		}
	}`)

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, signedRequest(t, testSigningSecret, body))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	events := handler.all()
	if len(events) != 1 {
		t.Fatalf("expected 1 event, got %d", len(events))
	}
	ev := events[0]
	if ev.TenantID != "T42" || ev.ChannelID != "D99" || ev.ThreadID != "1111.2222" {
		t.Errorf("event = %+v", ev)
	}
	if ev.Text != "pull up the oncall schedule" {
		t.Errorf("text = %q", ev.Text)
	}
}

func TestEventsHandlerIgnoresBotMessages(t *testing.T) {
	handler := &recordingHandler{}
	h := NewEventsHandler(testSigningSecret, handler, testLogger())
	body := []byte(`{
		"token": "tok",
		"type": "event_callback",
		"team_id": "T42",
		"event": {
			"type": "message",
			"bot_id": "B7",
			"text": "automated noise",
			"channel": "D99",
			"ts": "1111.3333"
		}
	}`)

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, signedRequest(t, testSigningSecret, body))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if len(handler.all()) != 0 {
		t.Error("bot messages should be dropped")
	}
}

func TestEventsHandlerMethodNotAllowed(t *testing.T) {
	h := NewEventsHandler(testSigningSecret, &recordingHandler{}, testLogger())

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/chat/events", nil))

	if rec.Code != http.StatusMethodNotAllowed {
		t.Fatalf("status = %d, want 405", rec.Code)
	}
}
