package model

// SyncEventType discriminates the sync event union.
type SyncEventType string

const (
	EventSessionUpdated  SyncEventType = "session-updated"
	EventSessionDeleted  SyncEventType = "session-deleted"
	EventMessageReceived SyncEventType = "message-received"
	EventToast           SyncEventType = "toast"
)

// SyncEvent is broadcast to subscribers whenever observable hub state
// changes. Every delivered event carries exactly one resolved namespace;
// events whose namespace cannot be resolved are dropped, never broadcast
// unscoped.
type SyncEvent struct {
	Type SyncEventType `json:"type"`
	// Namespace is the isolation boundary the event belongs to. When empty
	// at emit time, the publisher derives it from SessionID.
	Namespace string   `json:"namespace,omitempty"`
	SessionID string   `json:"sessionId,omitempty"`
	Session   *Session `json:"session,omitempty"`
	Message   *Message `json:"message,omitempty"`
	Toast     *Toast   `json:"toast,omitempty"`
}

// Toast is a transient user-facing notification.
type Toast struct {
	Kind string `json:"kind"`
	Text string `json:"text"`
}
