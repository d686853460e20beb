package model

import (
	"encoding/json"
	"time"
)

// Message is one entry in a session's append-only ledger. Messages are never
// mutated or deleted individually; they go away only with their session.
type Message struct {
	ID        string          `json:"id"`
	SessionID string          `json:"sessionId"`
	// Seq is the per-session strictly increasing ordering counter.
	Seq int64 `json:"seq"`
	// LocalID is the client-supplied idempotency key, when present.
	LocalID *string `json:"localId,omitempty"`
	// Content is the opaque message payload (role + structured body).
	Content   json.RawMessage `json:"content"`
	CreatedAt time.Time       `json:"createdAt"`
}

// MessageContent is the shape the hub itself writes for user-authored sends.
type MessageContent struct {
	Role        string            `json:"role"`
	Text        string            `json:"text,omitempty"`
	Attachments []json.RawMessage `json:"attachments,omitempty"`
	SentFrom    string            `json:"sentFrom,omitempty"`
}
