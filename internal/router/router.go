// Package router maps conversations to model identifiers.
package router

import (
	"log/slog"
	"sync"
)

// Assignments provides the model assignment recorded for a
// conversation. The auth gate is the concrete implementation.
type Assignments interface {
	// AssignedModel returns the assigned model and whether a record
	// exists.
	AssignedModel(conversationID string) (model string, ok bool)
}

// Router resolves the model for a conversation. Resolution never fails:
// a missing or empty assignment substitutes the configured default.
type Router struct {
	logger   *slog.Logger
	lookup   Assignments
	fallback string

	mu     sync.Mutex
	counts map[string]int64
}

// New creates a router with the given record lookup and fallback model.
func New(logger *slog.Logger, lookup Assignments, fallback string) *Router {
	if logger == nil {
		logger = slog.Default()
	}
	return &Router{
		logger:   logger,
		lookup:   lookup,
		fallback: fallback,
		counts:   make(map[string]int64),
	}
}

// Resolve returns the model identifier for a conversation.
func (r *Router) Resolve(conversationID string) string {
	model, ok := r.lookup.AssignedModel(conversationID)
	if !ok || model == "" {
		model = r.fallback
	}

	r.mu.Lock()
	r.counts[model]++
	r.mu.Unlock()

	r.logger.Debug("model resolved",
		"conversation_id", conversationID,
		"model", model,
	)
	return model
}

// Counts returns a copy of the per-model resolution counts. Used by the
// stats publisher.
func (r *Router) Counts() map[string]int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[string]int64, len(r.counts))
	for m, n := range r.counts {
		out[m] = n
	}
	return out
}
