package gateway

import (
	"context"
	"encoding/base64"
	"log/slog"
	"sync"
	"time"

	"github.com/mvbarbosa/zaprelay/internal/events"
	"github.com/mvbarbosa/zaprelay/internal/relay"
)

// Handler processes one inbound message to a terminal outcome. The real
// implementation is *relay.Dispatcher.
type Handler interface {
	Handle(ctx context.Context, msg relay.Inbound) relay.Outcome
}

// rateWindow is the sliding window for per-sender rate limiting.
const rateWindow = time.Minute

// cleanupInterval controls how often stale rate-limit entries are
// evicted.
const cleanupInterval = 10 * time.Minute

// BridgeConfig holds the dependencies for a Bridge.
type BridgeConfig struct {
	Client  *Client
	Handler Handler
	Logger  *slog.Logger
	Matcher GroupMatcher
	// RateLimit caps messages per sender per minute; 0 = unlimited.
	RateLimit int
	Bus       *events.Bus // nil-safe
}

// Bridge receives messages from the gateway client and routes them
// through the dispatcher. Each message is handled on its own goroutine;
// the dispatcher serializes per conversation, so a slow enrollment or
// inference call for one conversation never stalls the receive loop or
// other conversations.
type Bridge struct {
	client    *Client
	handler   Handler
	logger    *slog.Logger
	matcher   GroupMatcher
	rateLimit int
	bus       *events.Bus

	mu          sync.Mutex
	senderTimes map[string][]time.Time
	lastCleanup time.Time

	wg sync.WaitGroup
}

// NewBridge creates a gateway message bridge.
func NewBridge(cfg BridgeConfig) *Bridge {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Bridge{
		client:      cfg.Client,
		handler:     cfg.Handler,
		logger:      logger,
		matcher:     cfg.Matcher,
		rateLimit:   cfg.RateLimit,
		bus:         cfg.Bus,
		senderTimes: make(map[string][]time.Time),
	}
}

// Run consumes messages from the gateway client until ctx is cancelled
// or the client's channel closes, then waits for in-flight handlers.
func (b *Bridge) Run(ctx context.Context) {
	b.logger.Info("gateway bridge started")
	defer b.wg.Wait()

	for {
		select {
		case <-ctx.Done():
			b.logger.Info("gateway bridge shutting down")
			return
		case msg, ok := <-b.client.Messages():
			if !ok {
				b.logger.Info("gateway message channel closed, bridge stopping")
				return
			}
			b.dispatch(ctx, msg)
		}
	}
}

// dispatch converts a gateway message and hands it to the dispatcher on
// its own goroutine.
func (b *Bridge) dispatch(ctx context.Context, msg *Message) {
	if !b.allowSender(msg.From) {
		b.logger.Warn("message rate-limited", "conversation_id", msg.From)
		return
	}

	inbound := relay.Inbound{
		ConversationID: msg.From,
		Body:           msg.Body,
		IsGroup:        msg.IsGroup || b.matcher.IsGroup(msg.From),
		MentionedIDs:   msg.MentionedIDs,
		HasAudio:       msg.HasAudio,
		AudioType:      msg.AudioType,
	}

	if msg.HasAudio && msg.Audio != "" {
		audio, err := base64.StdEncoding.DecodeString(msg.Audio)
		if err != nil {
			// Keep HasAudio set with an empty payload: the dispatcher
			// maps it to the transcription-failure apology rather than
			// silently treating the voice note as empty text.
			b.logger.Warn("audio payload not valid base64",
				"conversation_id", msg.From,
				"error", err,
			)
		} else {
			inbound.Audio = audio
		}
	}

	b.logger.Info("message received",
		"conversation_id", msg.From,
		"is_group", inbound.IsGroup,
		"body_len", len(msg.Body),
		"has_audio", msg.HasAudio,
	)
	b.bus.Publish(events.Event{
		Timestamp: time.Now(),
		Source:    events.SourceGateway,
		Kind:      events.KindMessageReceived,
		Data: map[string]any{
			"conversation_id": msg.From,
			"body_len":        len(msg.Body),
			"has_audio":       msg.HasAudio,
		},
	})

	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		b.handler.Handle(ctx, inbound)
	}()
}

// allowSender checks whether the sender is within the per-minute rate
// limit. Returns true if the message should be processed.
func (b *Bridge) allowSender(senderID string) bool {
	if b.rateLimit <= 0 {
		return true
	}

	now := time.Now()
	cutoff := now.Add(-rateWindow)

	b.mu.Lock()
	defer b.mu.Unlock()

	b.maybeCleanupLocked(now)

	// Prune expired timestamps for this sender.
	timestamps := b.senderTimes[senderID]
	valid := timestamps[:0]
	for _, ts := range timestamps {
		if ts.After(cutoff) {
			valid = append(valid, ts)
		}
	}

	if len(valid) >= b.rateLimit {
		b.senderTimes[senderID] = valid
		return false
	}

	b.senderTimes[senderID] = append(valid, now)
	return true
}

// maybeCleanupLocked evicts stale sender entries. Must be called with
// b.mu held.
func (b *Bridge) maybeCleanupLocked(now time.Time) {
	if now.Sub(b.lastCleanup) < cleanupInterval {
		return
	}
	b.lastCleanup = now

	cutoff := now.Add(-2 * rateWindow)
	for sender, timestamps := range b.senderTimes {
		if len(timestamps) == 0 {
			delete(b.senderTimes, sender)
			continue
		}
		if timestamps[len(timestamps)-1].Before(cutoff) {
			delete(b.senderTimes, sender)
		}
	}
}
