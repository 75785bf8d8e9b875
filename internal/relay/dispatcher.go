// Package relay implements the conversation session dispatcher: the
// decision core that sits between the chat gateway and the inference
// backend. It filters group messages by mention, gates conversations
// through the authorization policy, maintains the bounded context
// window, routes each conversation to its model, and relays the reply.
package relay

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/mvbarbosa/zaprelay/internal/auth"
	"github.com/mvbarbosa/zaprelay/internal/events"
	"github.com/mvbarbosa/zaprelay/internal/markdown"
	"github.com/mvbarbosa/zaprelay/internal/window"
)

// Fixed user-visible reply strings. These are deliberate constants, not
// templates: every failure mode produces either one of these or a
// silent drop, never a raw error.
const (
	// fallbackReply substitutes an empty inference result.
	fallbackReply = "Sorry, I could not process your request."
	// inferenceErrorReply is sent when the inference backend fails.
	inferenceErrorReply = "Oops! There was an error processing your request."
	// transcriptionErrorReply is sent when audio transcription fails.
	transcriptionErrorReply = "Sorry, I could not transcribe the audio."
)

// Outcome is the terminal result of handling one inbound message.
type Outcome string

const (
	// OutcomeIgnored: group message without a mention; no side effects.
	OutcomeIgnored Outcome = "ignored"
	// OutcomeRejected: conversation not authorized; no history mutation.
	OutcomeRejected Outcome = "rejected"
	// OutcomeTranscriptionFailed: audio could not be transcribed; the
	// user got the fixed apology and history was not touched.
	OutcomeTranscriptionFailed Outcome = "transcription_failed"
	// OutcomeReplied: a reply turn was produced and sent.
	OutcomeReplied Outcome = "replied"
	// OutcomeInferenceFailed: the backend failed; the user turn stays
	// in history, no assistant turn was appended.
	OutcomeInferenceFailed Outcome = "inference_failed"
)

// Inbound is one message delivered by the gateway.
type Inbound struct {
	ConversationID string
	Body           string
	IsGroup        bool
	MentionedIDs   []string
	HasAudio       bool
	Audio          []byte
	AudioType      string
}

// Inference produces one reply for an ordered context. The concrete
// implementation is the Ollama client.
type Inference interface {
	Reply(ctx context.Context, model string, turns []window.Turn) (string, error)
}

// Transcriber converts voice-message audio into text.
type Transcriber interface {
	Transcribe(ctx context.Context, audio []byte, contentType string) (string, error)
}

// Sender delivers outbound replies through the gateway.
type Sender interface {
	Send(ctx context.Context, conversationID, body string) error
}

// Authorizer gates conversations. The concrete implementation is the
// auth gate.
type Authorizer interface {
	Authorize(ctx context.Context, conversationID string) (auth.Record, error)
}

// ModelResolver maps a conversation to a model identifier.
type ModelResolver interface {
	Resolve(conversationID string) string
}

// Archiver records relayed turns durably. Optional; writes are
// best-effort.
type Archiver interface {
	Append(conversationID, role, content string) error
}

// DispatcherConfig holds the dependencies for a Dispatcher.
type DispatcherConfig struct {
	Logger      *slog.Logger
	Auth        Authorizer
	Router      ModelResolver
	Window      *window.Store
	Inference   Inference
	Transcriber Transcriber // nil disables audio handling
	Sender      Sender
	Archive     Archiver    // nil disables archiving
	Bus         *events.Bus // nil-safe
}

// Dispatcher orchestrates the handling of inbound messages. Messages
// within one conversation are strictly serialized; different
// conversations proceed in parallel.
type Dispatcher struct {
	logger      *slog.Logger
	auth        Authorizer
	router      ModelResolver
	window      *window.Store
	inference   Inference
	transcriber Transcriber
	sender      Sender
	archive     Archiver
	bus         *events.Bus

	selfMu sync.RWMutex
	selfID string

	lockMu    sync.Mutex
	convLocks map[string]*sync.Mutex

	statMu   sync.Mutex
	outcomes map[Outcome]int64
}

// NewDispatcher creates a dispatcher.
func NewDispatcher(cfg DispatcherConfig) *Dispatcher {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{
		logger:      logger,
		auth:        cfg.Auth,
		router:      cfg.Router,
		window:      cfg.Window,
		inference:   cfg.Inference,
		transcriber: cfg.Transcriber,
		sender:      cfg.Sender,
		archive:     cfg.Archive,
		bus:         cfg.Bus,
		convLocks:   make(map[string]*sync.Mutex),
		outcomes:    make(map[Outcome]int64),
	}
}

// SetSelfID records the relay's own participant id, learned from the
// gateway once the session is linked. The mention filter needs it.
func (d *Dispatcher) SetSelfID(id string) {
	d.selfMu.Lock()
	d.selfID = id
	d.selfMu.Unlock()
}

// SelfID returns the relay's own participant id.
func (d *Dispatcher) SelfID() string {
	d.selfMu.RLock()
	defer d.selfMu.RUnlock()
	return d.selfID
}

// Handle processes one inbound message to a terminal outcome. All
// failures are scoped to this message: Handle never panics the caller's
// receive loop and never returns an error, only an outcome.
func (d *Dispatcher) Handle(ctx context.Context, msg Inbound) Outcome {
	start := time.Now()
	requestID := uuid.NewString()
	log := d.logger.With(
		"request_id", requestID,
		"conversation_id", msg.ConversationID,
	)

	if !ShouldProcess(msg.IsGroup, msg.MentionedIDs, d.SelfID()) {
		log.Debug("group message without mention, ignoring")
		return d.finish(log, requestID, "", start, OutcomeIgnored)
	}

	// Serialize the rest per conversation: an in-flight enrollment or
	// append/snapshot sequence must not interleave with a second
	// message for the same id.
	unlock := d.lockConversation(msg.ConversationID)
	defer unlock()

	rec, err := d.auth.Authorize(ctx, msg.ConversationID)
	if err != nil {
		log.Warn("authorization unresolved", "error", err)
		return d.finish(log, requestID, "", start, OutcomeRejected)
	}
	if !rec.Allowed {
		log.Info("conversation not authorized, dropping message")
		return d.finish(log, requestID, "", start, OutcomeRejected)
	}

	content := msg.Body
	if msg.HasAudio {
		text, err := d.transcribeAudio(ctx, msg)
		if err != nil {
			log.Warn("transcription failed", "error", err)
			d.send(ctx, log, msg.ConversationID, transcriptionErrorReply)
			return d.finish(log, requestID, "", start, OutcomeTranscriptionFailed)
		}
		content = text
		log.Debug("voice message transcribed", "text_len", len(text))
	}

	model := d.router.Resolve(msg.ConversationID)

	d.window.Append(msg.ConversationID, window.Turn{Role: "user", Content: content})
	d.archiveTurn(log, msg.ConversationID, "user", content)

	turns := d.window.Snapshot(msg.ConversationID)
	log.Info("dispatching to inference",
		"model", model,
		"context_turns", len(turns),
	)

	reply, err := d.inference.Reply(ctx, model, turns)
	if err != nil {
		// The user turn stays on the record; only the assistant turn
		// is withheld so the next exchange does not present a failed
		// call as a successful one.
		log.Error("inference failed", "model", model, "error", err)
		d.send(ctx, log, msg.ConversationID, inferenceErrorReply)
		return d.finish(log, requestID, model, start, OutcomeInferenceFailed)
	}
	if reply == "" {
		reply = fallbackReply
	}

	d.window.Append(msg.ConversationID, window.Turn{Role: "assistant", Content: reply})
	d.archiveTurn(log, msg.ConversationID, "assistant", reply)

	d.send(ctx, log, msg.ConversationID, markdown.ToPlain(reply))
	return d.finish(log, requestID, model, start, OutcomeReplied)
}

// transcribeAudio runs the transcription sidecar for a voice message.
func (d *Dispatcher) transcribeAudio(ctx context.Context, msg Inbound) (string, error) {
	if d.transcriber == nil {
		return "", errTranscriptionDisabled
	}
	return d.transcriber.Transcribe(ctx, msg.Audio, msg.AudioType)
}

// send delivers a reply, logging a failure without surfacing it: a
// failed transport send is fatal to that attempt only, never to the
// dispatcher.
func (d *Dispatcher) send(ctx context.Context, log *slog.Logger, conversationID, body string) {
	if err := d.sender.Send(ctx, conversationID, body); err != nil {
		log.Error("reply send failed", "error", err)
	}
}

// archiveTurn records a turn in the transcript archive, best-effort.
func (d *Dispatcher) archiveTurn(log *slog.Logger, conversationID, role, content string) {
	if d.archive == nil {
		return
	}
	if err := d.archive.Append(conversationID, role, content); err != nil {
		log.Warn("transcript archive write failed", "error", err)
	}
}

// finish records the outcome and publishes the dispatch event.
func (d *Dispatcher) finish(log *slog.Logger, requestID, model string, start time.Time, outcome Outcome) Outcome {
	d.statMu.Lock()
	d.outcomes[outcome]++
	d.statMu.Unlock()

	elapsed := time.Since(start)
	log.Debug("dispatch finished",
		"outcome", string(outcome),
		"elapsed_ms", elapsed.Milliseconds(),
	)

	d.bus.Publish(events.Event{
		Timestamp: time.Now(),
		Source:    events.SourceDispatch,
		Kind:      events.KindDispatchDone,
		Data: map[string]any{
			"request_id": requestID,
			"outcome":    string(outcome),
			"model":      model,
			"elapsed_ms": elapsed.Milliseconds(),
		},
	})
	return outcome
}

// lockConversation acquires the mutex for one conversation id, creating
// it on first use. Returns the unlock function.
func (d *Dispatcher) lockConversation(conversationID string) func() {
	d.lockMu.Lock()
	mu, ok := d.convLocks[conversationID]
	if !ok {
		mu = &sync.Mutex{}
		d.convLocks[conversationID] = mu
	}
	d.lockMu.Unlock()

	mu.Lock()
	return mu.Unlock
}

// OutcomeCounts returns a copy of the per-outcome dispatch counts. Used
// by the stats publisher.
func (d *Dispatcher) OutcomeCounts() map[Outcome]int64 {
	d.statMu.Lock()
	defer d.statMu.Unlock()
	out := make(map[Outcome]int64, len(d.outcomes))
	for k, v := range d.outcomes {
		out[k] = v
	}
	return out
}
