package channels

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"testing"

	"github.com/haasonsaas/lucy/internal/actions"
	"github.com/haasonsaas/lucy/internal/observability"
	"github.com/haasonsaas/lucy/pkg/models"
	slackapi "github.com/slack-go/slack"
)

func testLogger() *observability.Logger {
	return observability.NewLogger(observability.LogConfig{Level: "error", Output: io.Discard})
}

type fakePost struct {
	channelID string
	threadID  string
	text      string
	blocks    []slackapi.Block
}

type fakeClient struct {
	mu       sync.Mutex
	posts    []fakePost
	attempts int
	failFrom int // fail post attempts numbered >= failFrom; 0 means never
}

func (f *fakeClient) PostMessage(_ context.Context, channelID, threadID, text string, blocks ...slackapi.Block) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.attempts++
	if f.failFrom > 0 && f.attempts >= f.failFrom {
		return "", errors.New("rate_limited")
	}
	f.posts = append(f.posts, fakePost{channelID: channelID, threadID: threadID, text: text, blocks: blocks})
	return fmt.Sprintf("1700.%04d", f.attempts), nil
}

func (f *fakeClient) UpdateMessage(context.Context, string, string, string) error { return nil }

func (f *fakeClient) FetchThread(context.Context, string, string, int) ([]Message, error) {
	return nil, nil
}

func (f *fakeClient) AddReaction(context.Context, string, string, string) error { return nil }

func TestPosterReturnsFirstTimestamp(t *testing.T) {
	client := &fakeClient{}
	p := NewPoster(client, 40, testLogger())

	text := strings.Repeat("alpha beta gamma ", 10)
	ts, err := p.Post(context.Background(), "C1", "1699.1", text)
	if err != nil {
		t.Fatalf("Post: %v", err)
	}
	if ts != "1700.0001" {
		t.Errorf("ts = %q, want the first chunk's timestamp", ts)
	}
	if len(client.posts) < 2 {
		t.Fatalf("expected the text to be chunked, got %d posts", len(client.posts))
	}
	for i, post := range client.posts {
		if post.channelID != "C1" || post.threadID != "1699.1" {
			t.Errorf("post %d target = %s/%s", i, post.channelID, post.threadID)
		}
	}
}

func TestPosterShortTextSinglePost(t *testing.T) {
	client := &fakeClient{}
	p := NewPoster(client, 0, testLogger())

	ts, err := p.Post(context.Background(), "C1", "", "done, 3 emails archived")
	if err != nil {
		t.Fatalf("Post: %v", err)
	}
	if ts == "" {
		t.Error("expected a timestamp")
	}
	if len(client.posts) != 1 {
		t.Fatalf("expected 1 post, got %d", len(client.posts))
	}
	if client.posts[0].text != "done, 3 emails archived" {
		t.Errorf("text = %q", client.posts[0].text)
	}
}

func TestPosterEmptyTextPostsNothing(t *testing.T) {
	client := &fakeClient{}
	p := NewPoster(client, 0, testLogger())

	ts, err := p.Post(context.Background(), "C1", "", "   ")
	if err != nil {
		t.Fatalf("Post: %v", err)
	}
	if ts != "" || len(client.posts) != 0 {
		t.Errorf("ts = %q, posts = %d; want nothing posted", ts, len(client.posts))
	}
}

func TestPosterFirstChunkFailureSurfaces(t *testing.T) {
	client := &fakeClient{failFrom: 1}
	p := NewPoster(client, 0, testLogger())

	if _, err := p.Post(context.Background(), "C1", "", "hello"); err == nil {
		t.Fatal("expected the first post's error to surface")
	}
}

func TestPosterFollowUpFailureKeepsFirstTimestamp(t *testing.T) {
	client := &fakeClient{failFrom: 2}
	p := NewPoster(client, 40, testLogger())

	text := strings.Repeat("alpha beta gamma ", 10)
	ts, err := p.Post(context.Background(), "C1", "1699.1", text)
	if err != nil {
		t.Fatalf("Post: %v", err)
	}
	if ts != "1700.0001" {
		t.Errorf("ts = %q", ts)
	}
	if len(client.posts) != 1 {
		t.Errorf("only the first chunk should have landed, got %d", len(client.posts))
	}
}

func TestPosterPostPendingForwardsBlocks(t *testing.T) {
	client := &fakeClient{}
	p := NewPoster(client, 0, testLogger())

	pending := actions.NewPendingResult(&models.PendingAction{
		ID:          "act-9",
		Description: "archive 40 threads",
		Type:        models.ActionDestructive,
	})
	ts, err := p.PostPending(context.Background(), "C1", "1699.1", pending)
	if err != nil {
		t.Fatalf("PostPending: %v", err)
	}
	if ts == "" {
		t.Error("expected a timestamp")
	}
	post := client.posts[0]
	if post.text != pending.Message {
		t.Errorf("fallback text = %q, want %q", post.text, pending.Message)
	}
	if len(post.blocks) == 0 {
		t.Error("expected approval blocks to be forwarded")
	}
}
