// Package window maintains the bounded rolling turn history kept per
// conversation. The window is the literal context sent to the inference
// backend: eviction is unconditional truncation from the front, never
// summarization. Content loss beyond the limit is the accepted
// bounded-memory trade-off.
package window

import (
	"sync"
)

// Turn is one message unit in a conversation. Turns are immutable once
// appended; ordering is strict arrival order.
type Turn struct {
	Role    string `json:"role"` // "user" or "assistant"
	Content string `json:"content"`
}

// Store holds per-conversation turn histories, each bounded to a fixed
// number of entries. Safe for concurrent use across conversations; the
// dispatcher additionally serializes operations within one conversation.
type Store struct {
	limit int

	mu        sync.RWMutex
	histories map[string][]Turn
}

// NewStore creates a window store. limit is the maximum turns retained
// per conversation and must be positive.
func NewStore(limit int) *Store {
	if limit <= 0 {
		limit = 6
	}
	return &Store{
		limit:     limit,
		histories: make(map[string][]Turn),
	}
}

// Limit returns the configured window size.
func (s *Store) Limit() int {
	return s.limit
}

// Append adds a turn at the tail of the conversation's history and trims
// from the head until the history fits the limit again. A conversation
// with no prior turns starts empty; the newest turn is always retained.
func (s *Store) Append(conversationID string, turn Turn) {
	s.mu.Lock()
	defer s.mu.Unlock()

	h := append(s.histories[conversationID], turn)
	if len(h) > s.limit {
		// Re-slice rather than copy in place: the evicted prefix must
		// not alias future appends.
		trimmed := make([]Turn, s.limit)
		copy(trimmed, h[len(h)-s.limit:])
		h = trimmed
	}
	s.histories[conversationID] = h
}

// Snapshot returns a copy of the conversation's history in arrival
// order. The returned slice is owned by the caller; mutating it does not
// affect the window. Calling Snapshot twice without an intervening
// Append yields identical sequences.
func (s *Store) Snapshot(conversationID string) []Turn {
	s.mu.RLock()
	defer s.mu.RUnlock()

	h := s.histories[conversationID]
	if len(h) == 0 {
		return nil
	}
	out := make([]Turn, len(h))
	copy(out, h)
	return out
}

// Len returns the current history length for a conversation.
func (s *Store) Len(conversationID string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.histories[conversationID])
}

// Conversations returns the number of conversations with at least one
// retained turn. Used by the stats publisher.
func (s *Store) Conversations() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.histories)
}
