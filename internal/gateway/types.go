// Package gateway provides the client for the WhatsApp gateway sidecar.
// The sidecar owns the protocol, login, and session persistence; it
// pushes inbound events over a websocket as JSON frames and accepts
// outbound sends on the same connection.
package gateway

// Event is one JSON frame pushed by the gateway sidecar. Type selects
// which of the remaining fields is populated.
type Event struct {
	Type string `json:"type"` // "message", "qr", "ready"

	// Message is set for type "message".
	Message *Message `json:"message,omitempty"`

	// Code is the login QR payload, set for type "qr".
	Code string `json:"code,omitempty"`

	// SelfID is the relay's own participant id, set for type "ready"
	// once the session is linked.
	SelfID string `json:"self_id,omitempty"`
}

// Message is one inbound chat message.
type Message struct {
	ID   string `json:"id"`
	From string `json:"from"` // conversation id
	Body string `json:"body"`
	// IsGroup is the sidecar's own judgement; the bridge additionally
	// derives the flag from the id shape (see GroupMatcher).
	IsGroup      bool     `json:"is_group"`
	MentionedIDs []string `json:"mentioned_ids,omitempty"`
	HasAudio     bool     `json:"has_audio"`
	// Audio is the base64-encoded voice payload when HasAudio is set.
	Audio     string `json:"audio,omitempty"`
	AudioType string `json:"audio_type,omitempty"`
}

// sendFrame is the outbound frame for a reply.
type sendFrame struct {
	Type string      `json:"type"`
	Send sendPayload `json:"send"`
}

// sendPayload addresses a reply by conversation id.
type sendPayload struct {
	To   string `json:"to"`
	Body string `json:"body"`
}
