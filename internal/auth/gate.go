// Package auth implements the authorization gate that decides whether a
// conversation may interact with the relay and which model it is
// assigned. Unknown conversations move through a small state machine:
// Unknown → PendingDecision → Authorized or Rejected. The pending state
// exists only in memory; a process restart reverts an undecided
// conversation to Unknown.
package auth

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/mvbarbosa/zaprelay/internal/events"
)

// Record is the durable authorization entry for one conversation.
type Record struct {
	Allowed bool   `json:"allowed"`
	Model   string `json:"model"`
}

// Policy selects how unknown conversations are handled.
type Policy string

const (
	// PolicyEnroll asks the configured Decider whether to admit an
	// unknown conversation.
	PolicyEnroll Policy = "enroll"
	// PolicyAllowlist rejects unknown conversations outright; only
	// preloaded records may interact.
	PolicyAllowlist Policy = "allowlist"
	// PolicyOpen auto-authorizes unknown conversations with the
	// default model.
	PolicyOpen Policy = "open"
)

// Decider resolves an enrollment request for an unknown conversation.
// Implementations may block indefinitely on an external actor (a human
// at a terminal, an admin API); the gate serializes concurrent requests
// for the same conversation so the decider sees each id at most once.
type Decider interface {
	// Decide returns whether the conversation is admitted and, when
	// admitted, an optional model override (empty selects the default).
	Decide(ctx context.Context, conversationID string) (approved bool, model string, err error)
}

// DeciderFunc adapts a function to the Decider interface.
type DeciderFunc func(ctx context.Context, conversationID string) (bool, string, error)

// Decide implements Decider.
func (f DeciderFunc) Decide(ctx context.Context, conversationID string) (bool, string, error) {
	return f(ctx, conversationID)
}

// Store persists authorization records.
type Store interface {
	// Load returns all records, bootstrapping an empty store when none
	// exists yet.
	Load() (map[string]Record, error)
	// Save overwrites the durable store with the given records.
	Save(map[string]Record) error
}

// pendingDecision tracks one in-flight enrollment. Followers wait on
// done and read the result fields afterwards.
type pendingDecision struct {
	done chan struct{}
	rec  Record
	err  error
}

// Gate is the authorization gate. Safe for concurrent use.
type Gate struct {
	policy        Policy
	defaultModel  string
	decider       Decider
	store         Store
	logger        *slog.Logger
	flushInterval time.Duration
	bus           *events.Bus

	mu      sync.Mutex
	records map[string]Record
	pending map[string]*pendingDecision
	dirty   bool
}

// GateConfig holds the dependencies for a Gate.
type GateConfig struct {
	Policy       Policy
	DefaultModel string
	Decider      Decider // required for PolicyEnroll
	Store        Store
	Logger       *slog.Logger
	// FlushInterval of 0 flushes on every mutation; otherwise Run
	// flushes dirty state on this cadence.
	FlushInterval time.Duration
	Bus           *events.Bus // nil-safe
}

// NewGate creates a gate and loads existing records from the store.
func NewGate(cfg GateConfig) (*Gate, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	if cfg.Policy == PolicyEnroll && cfg.Decider == nil {
		return nil, fmt.Errorf("enroll policy requires a decider")
	}

	records, err := cfg.Store.Load()
	if err != nil {
		return nil, fmt.Errorf("load authorization store: %w", err)
	}

	return &Gate{
		policy:        cfg.Policy,
		defaultModel:  cfg.DefaultModel,
		decider:       cfg.Decider,
		store:         cfg.Store,
		logger:        logger,
		flushInterval: cfg.FlushInterval,
		bus:           cfg.Bus,
		records:       records,
		pending:       make(map[string]*pendingDecision),
	}, nil
}

// Authorize resolves the authorization state for a conversation. For a
// known conversation it is a lookup. For an unknown one the behaviour
// depends on the policy; under PolicyEnroll the call blocks until the
// decider answers (or ctx is cancelled), and concurrent calls for the
// same id share the single in-flight decision.
func (g *Gate) Authorize(ctx context.Context, conversationID string) (Record, error) {
	g.mu.Lock()

	if rec, ok := g.records[conversationID]; ok {
		g.mu.Unlock()
		return rec, nil
	}

	switch g.policy {
	case PolicyAllowlist:
		g.mu.Unlock()
		// Not an enrollment decision: the conversation stays Unknown
		// and no record is created.
		return Record{}, nil

	case PolicyOpen:
		rec := Record{Allowed: true, Model: g.defaultModel}
		g.records[conversationID] = rec
		g.markDirtyLocked()
		g.mu.Unlock()
		g.logger.Info("conversation auto-authorized",
			"conversation_id", conversationID,
			"model", rec.Model,
		)
		return rec, nil
	}

	// PolicyEnroll. Join an in-flight decision if one exists.
	if p, ok := g.pending[conversationID]; ok {
		g.mu.Unlock()
		select {
		case <-p.done:
			return p.rec, p.err
		case <-ctx.Done():
			return Record{}, ctx.Err()
		}
	}

	p := &pendingDecision{done: make(chan struct{})}
	g.pending[conversationID] = p
	g.mu.Unlock()

	g.logger.Info("enrollment decision requested",
		"conversation_id", conversationID,
	)

	approved, model, err := g.decider.Decide(ctx, conversationID)

	g.mu.Lock()
	delete(g.pending, conversationID)

	if err != nil {
		// Decider failure is not a decision: leave the conversation
		// Unknown so a later message can retry enrollment.
		p.err = fmt.Errorf("enrollment decision: %w", err)
		g.mu.Unlock()
		close(p.done)
		return Record{}, p.err
	}

	rec := Record{Allowed: approved}
	if approved {
		rec.Model = model
		if rec.Model == "" {
			rec.Model = g.defaultModel
		}
	}
	g.records[conversationID] = rec
	g.markDirtyLocked()
	g.mu.Unlock()

	p.rec = rec
	close(p.done)

	g.logger.Info("enrollment decided",
		"conversation_id", conversationID,
		"allowed", rec.Allowed,
		"model", rec.Model,
	)
	g.bus.Publish(events.Event{
		Timestamp: time.Now(),
		Source:    events.SourceAuth,
		Kind:      events.KindEnrollment,
		Data: map[string]any{
			"conversation_id": conversationID,
			"allowed":         rec.Allowed,
		},
	})
	return rec, nil
}

// Assign reassigns the model for an existing record. Returns false when
// the conversation has no record.
func (g *Gate) Assign(conversationID, model string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()

	rec, ok := g.records[conversationID]
	if !ok {
		return false
	}
	rec.Model = model
	g.records[conversationID] = rec
	g.markDirtyLocked()
	return true
}

// Lookup returns the record for a conversation without triggering
// enrollment.
func (g *Gate) Lookup(conversationID string) (Record, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	rec, ok := g.records[conversationID]
	return rec, ok
}

// AssignedModel returns the model recorded for a conversation and
// whether a record exists. This is the lookup the model router uses.
func (g *Gate) AssignedModel(conversationID string) (string, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	rec, ok := g.records[conversationID]
	return rec.Model, ok
}

// AuthorizedCount returns the number of admitted conversations. Used by
// the stats publisher.
func (g *Gate) AuthorizedCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	n := 0
	for _, rec := range g.records {
		if rec.Allowed {
			n++
		}
	}
	return n
}

// markDirtyLocked records that the store needs flushing. With no flush
// interval configured the write happens immediately. Must be called
// with g.mu held.
func (g *Gate) markDirtyLocked() {
	if g.flushInterval > 0 {
		g.dirty = true
		return
	}
	g.saveLocked()
}

// saveLocked snapshots the records and writes them to the store. A
// failed write is logged and retried on the next mutation or tick; the
// in-memory state remains authoritative. Must be called with g.mu held.
func (g *Gate) saveLocked() {
	snapshot := make(map[string]Record, len(g.records))
	for id, rec := range g.records {
		snapshot[id] = rec
	}
	g.dirty = false

	if err := g.store.Save(snapshot); err != nil {
		g.dirty = true
		g.logger.Error("authorization store write failed", "error", err)
	}
}

// Run flushes dirty state on the configured interval until ctx is
// cancelled, then performs a final flush. A no-op when the gate flushes
// on every mutation.
func (g *Gate) Run(ctx context.Context) {
	if g.flushInterval <= 0 {
		<-ctx.Done()
		return
	}

	ticker := time.NewTicker(g.flushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			g.Flush()
			return
		case <-ticker.C:
			g.Flush()
		}
	}
}

// Flush writes the store now if there are unsaved mutations.
func (g *Gate) Flush() {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.dirty {
		g.saveLocked()
	}
}
