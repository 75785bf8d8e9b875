package gateway

import (
	"context"
	"encoding/base64"
	"sync"
	"testing"
	"time"

	"github.com/mvbarbosa/zaprelay/internal/relay"
)

type captureHandler struct {
	mu      sync.Mutex
	handled []relay.Inbound
}

func (h *captureHandler) Handle(ctx context.Context, msg relay.Inbound) relay.Outcome {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.handled = append(h.handled, msg)
	return relay.OutcomeReplied
}

func (h *captureHandler) all() []relay.Inbound {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]relay.Inbound, len(h.handled))
	copy(out, h.handled)
	return out
}

func (h *captureHandler) waitFor(t *testing.T, n int) []relay.Inbound {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for {
		got := h.all()
		if len(got) >= n {
			return got
		}
		if time.Now().After(deadline) {
			t.Fatalf("handler saw %d messages, want %d", len(got), n)
		}
		time.Sleep(time.Millisecond)
	}
}

func newTestBridge(t *testing.T, h Handler, rateLimit int) (*Bridge, *Client, context.CancelFunc) {
	t.Helper()
	c := NewClient(ClientConfig{URL: "ws://unused"})
	b := NewBridge(BridgeConfig{
		Client:    c,
		Handler:   h,
		Matcher:   NewGroupMatcher("suffix", "@g.us"),
		RateLimit: rateLimit,
	})

	ctx, cancel := context.WithCancel(context.Background())
	go b.Run(ctx)
	t.Cleanup(cancel)
	return b, c, cancel
}

func TestBridge_ConvertsMessage(t *testing.T) {
	h := &captureHandler{}
	_, c, _ := newTestBridge(t, h, 0)

	c.messages <- &Message{
		From:         "5511999999999@c.us",
		Body:         "olá",
		MentionedIDs: []string{"a@c.us"},
	}

	got := h.waitFor(t, 1)[0]
	if got.ConversationID != "5511999999999@c.us" {
		t.Errorf("conversation id = %q", got.ConversationID)
	}
	if got.Body != "olá" {
		t.Errorf("body = %q", got.Body)
	}
	if got.IsGroup {
		t.Error("direct chat flagged as group")
	}
	if len(got.MentionedIDs) != 1 || got.MentionedIDs[0] != "a@c.us" {
		t.Errorf("mentioned ids = %v", got.MentionedIDs)
	}
}

func TestBridge_DerivesGroupFromIDShape(t *testing.T) {
	h := &captureHandler{}
	_, c, _ := newTestBridge(t, h, 0)

	// The sidecar did not set is_group; the id shape decides.
	c.messages <- &Message{From: "12345-67890@g.us", Body: "hey"}

	got := h.waitFor(t, 1)[0]
	if !got.IsGroup {
		t.Error("group id not recognized from shape")
	}
}

func TestBridge_DecodesAudio(t *testing.T) {
	h := &captureHandler{}
	_, c, _ := newTestBridge(t, h, 0)

	c.messages <- &Message{
		From:      "a@c.us",
		HasAudio:  true,
		Audio:     base64.StdEncoding.EncodeToString([]byte("opus-bytes")),
		AudioType: "audio/ogg",
	}

	got := h.waitFor(t, 1)[0]
	if !got.HasAudio {
		t.Error("audio flag lost")
	}
	if string(got.Audio) != "opus-bytes" {
		t.Errorf("audio = %q, want decoded bytes", got.Audio)
	}
	if got.AudioType != "audio/ogg" {
		t.Errorf("audio type = %q", got.AudioType)
	}
}

func TestBridge_BadAudioKeepsFlag(t *testing.T) {
	h := &captureHandler{}
	_, c, _ := newTestBridge(t, h, 0)

	c.messages <- &Message{
		From:     "a@c.us",
		HasAudio: true,
		Audio:    "not!base64!!",
	}

	got := h.waitFor(t, 1)[0]
	if !got.HasAudio {
		t.Error("audio flag dropped for undecodable payload")
	}
	if len(got.Audio) != 0 {
		t.Errorf("audio = %q, want empty for undecodable payload", got.Audio)
	}
}

func TestBridge_RateLimitsPerSender(t *testing.T) {
	h := &captureHandler{}
	_, c, _ := newTestBridge(t, h, 1)

	c.messages <- &Message{From: "chatty@c.us", Body: "one"}
	h.waitFor(t, 1)

	// Second message within the window from the same sender is dropped;
	// a different sender still gets through.
	c.messages <- &Message{From: "chatty@c.us", Body: "two"}
	c.messages <- &Message{From: "other@c.us", Body: "hi"}

	got := h.waitFor(t, 2)
	if len(got) != 2 {
		t.Fatalf("handled %d messages, want 2", len(got))
	}
	for _, m := range got {
		if m.Body == "two" {
			t.Error("rate-limited message was handled")
		}
	}
}
