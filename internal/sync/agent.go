package sync

import (
	"context"
	"encoding/json"

	"github.com/agent-sync-hub/backend/internal/model"
)

// SpawnOptions configures one agent process spawn. Zero values mean
// "supervisor default"; there are no optional parameters threaded through
// call signatures beyond this struct.
type SpawnOptions struct {
	// Directory is the working directory the agent runs in.
	Directory string
	// Agent is the flavor of agent backend to launch.
	Agent string
	// Model selects a specific model when non-empty.
	Model string
	// ResumeSessionID is the flavor-specific resume token to reattach to a
	// prior conversation, when non-empty.
	ResumeSessionID string
}

// AgentManager is the supervisor boundary the engine calls into. It owns
// agent subprocess lifecycles and the per-session RPC channel.
//
// Implementations return model.ErrUpstreamUnavailable when no live agent is
// attached to the session.
type AgentManager interface {
	// SpawnSession launches an agent process and returns the session id it
	// registered under.
	SpawnSession(ctx context.Context, opts SpawnOptions) (string, error)
	// SendToSession pushes a fire-and-forget event to a live session.
	SendToSession(sessionID, event string, payload any) error
	// RPC performs a request/response call on the session's channel.
	RPC(ctx context.Context, sessionID, method string, params any) (json.RawMessage, error)
	// KillSession terminates the agent process attached to the session.
	KillSession(ctx context.Context, sessionID string) error
}

// LifecycleSink receives agent lifecycle callbacks. The engine implements
// it; the agent supervisor depends on this interface rather than on the
// engine's concrete type.
type LifecycleSink interface {
	OnSessionAlive(ctx context.Context, payload model.LivenessPayload)
	OnSessionEnd(ctx context.Context, sessionID string)
	OnWebappEvent(ctx context.Context, event model.SyncEvent)
}
