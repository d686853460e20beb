package model

import (
	"encoding/json"
	"time"
)

// SessionMode indicates where the agent process attached to a session runs.
type SessionMode string

const (
	SessionModeLocal  SessionMode = "local"
	SessionModeRemote SessionMode = "remote"
)

// Session represents a logical coding-agent conversation. A session belongs
// to exactly one namespace and is attached to at most one live agent process.
type Session struct {
	ID                string          `json:"id"`
	Namespace         string          `json:"namespace"`
	Tag               string          `json:"tag,omitempty"`
	Name              string          `json:"name,omitempty"`
	Active            bool            `json:"active"`
	LastActiveAt      time.Time       `json:"lastActiveAt"`
	Metadata          json.RawMessage `json:"metadata,omitempty"`
	MetadataVersion   int64           `json:"metadataVersion"`
	AgentState        json.RawMessage `json:"agentState,omitempty"`
	AgentStateVersion int64           `json:"agentStateVersion"`
	Todos             json.RawMessage `json:"todos,omitempty"`
	PermissionMode    string          `json:"permissionMode,omitempty"`
	ModelMode         string          `json:"modelMode,omitempty"`
	Mode              SessionMode     `json:"mode,omitempty"`
	Thinking          bool            `json:"thinking"`
	CreatedAt         time.Time       `json:"createdAt"`
	UpdatedAt         time.Time       `json:"updatedAt"`
}

// Clone returns a copy of the session for handing to readers outside the
// cache. The raw JSON blobs are treated as immutable by convention.
func (s *Session) Clone() *Session {
	c := *s
	return &c
}

// SessionMetadata is the subset of the opaque metadata blob the engine
// understands. Clients may store arbitrary additional fields; they survive
// round-trips untouched because the blob itself is stored verbatim.
type SessionMetadata struct {
	// Path is the working directory the agent runs in.
	Path string `json:"path,omitempty"`
	// Flavor is the agent backend kind ("claude", "codex", ...).
	Flavor string `json:"flavor,omitempty"`
	// Name is the human-assigned session name.
	Name string `json:"name,omitempty"`
	// ClaudeSessionID is the resume token for the claude flavor.
	ClaudeSessionID string `json:"claudeSessionId,omitempty"`
	// CodexSessionID is the resume token for the codex flavor.
	CodexSessionID string `json:"codexSessionId,omitempty"`
}

// ParseSessionMetadata decodes the known fields of a metadata blob.
// An empty blob yields a zero value, not an error.
func ParseSessionMetadata(raw json.RawMessage) (*SessionMetadata, error) {
	md := &SessionMetadata{}
	if len(raw) == 0 {
		return md, nil
	}
	if err := json.Unmarshal(raw, md); err != nil {
		return nil, err
	}
	return md, nil
}

// ResumeToken returns the flavor-specific resume token, or "" if the
// metadata carries none for its flavor.
func (m *SessionMetadata) ResumeToken() string {
	switch m.Flavor {
	case "codex":
		return m.CodexSessionID
	default:
		return m.ClaudeSessionID
	}
}

// LivenessPayload carries a liveness heartbeat from the agent layer.
// Optional fields are pointers so "absent" and "zero" stay distinct.
type LivenessPayload struct {
	SessionID      string       `json:"sid"`
	Thinking       *bool        `json:"thinking,omitempty"`
	Mode           *SessionMode `json:"mode,omitempty"`
	PermissionMode *string      `json:"permissionMode,omitempty"`
	ModelMode      *string      `json:"modelMode,omitempty"`
}
