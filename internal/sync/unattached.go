package sync

import (
	"context"
	"encoding/json"

	"github.com/agent-sync-hub/backend/internal/model"
)

// Unattached is the AgentManager used when no supervisor is wired in.
// Every call reports the upstream as unavailable; sessions remain readable
// and the message ledger keeps accepting appends.
type Unattached struct{}

// SpawnSession implements AgentManager.
func (Unattached) SpawnSession(context.Context, SpawnOptions) (string, error) {
	return "", model.ErrUpstreamUnavailable
}

// SendToSession implements AgentManager.
func (Unattached) SendToSession(string, string, any) error {
	return model.ErrUpstreamUnavailable
}

// RPC implements AgentManager.
func (Unattached) RPC(context.Context, string, string, any) (json.RawMessage, error) {
	return nil, model.ErrUpstreamUnavailable
}

// KillSession implements AgentManager.
func (Unattached) KillSession(context.Context, string) error {
	return model.ErrUpstreamUnavailable
}
