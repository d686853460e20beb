// Package sync implements the orchestration facade over the session cache,
// message ledger, and event publisher. It is the single API surface the
// transport layer calls; it performs no HTTP parsing itself.
package sync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/agent-sync-hub/backend/internal/cache"
	"github.com/agent-sync-hub/backend/internal/message"
	"github.com/agent-sync-hub/backend/internal/model"
)

// Emitter receives sync events. Implemented by events.Publisher.
type Emitter interface {
	Emit(event model.SyncEvent)
}

// Config holds the engine tunables.
type Config struct {
	// ResumePollInterval is the interval between liveness probes while
	// waiting for a resumed session to come up.
	ResumePollInterval time.Duration
	// ResumeTimeout bounds the total wait for a resumed session.
	ResumeTimeout time.Duration
}

// Engine orchestrates session lifecycle, message flow, and agent RPCs.
type Engine struct {
	cache    *cache.Cache
	messages *message.Service
	emitter  Emitter
	agents   AgentManager
	cfg      Config
	logger   *zap.Logger
}

// New creates an Engine.
func New(c *cache.Cache, msgs *message.Service, emitter Emitter, agents AgentManager, cfg Config, logger *zap.Logger) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.ResumePollInterval <= 0 {
		cfg.ResumePollInterval = 250 * time.Millisecond
	}
	if cfg.ResumeTimeout <= 0 {
		cfg.ResumeTimeout = 15 * time.Second
	}
	return &Engine{
		cache:    c,
		messages: msgs,
		emitter:  emitter,
		agents:   agents,
		cfg:      cfg,
		logger:   logger,
	}
}

// Sessions exposes the session cache for read paths and liveness wiring.
func (e *Engine) Sessions() *cache.Cache { return e.cache }

// Messages exposes the message service.
func (e *Engine) Messages() *message.Service { return e.messages }

// GetSession resolves namespace-scoped access and returns the session.
func (e *Engine) GetSession(ctx context.Context, sessionID, namespace string) (*model.Session, error) {
	access, err := e.cache.ResolveAccess(ctx, sessionID, namespace)
	if err != nil {
		return nil, err
	}
	if !access.OK {
		return nil, reasonError(access.Reason)
	}
	return access.Session, nil
}

// ListSessions returns all sessions in the namespace.
func (e *Engine) ListSessions(ctx context.Context, namespace string) ([]*model.Session, error) {
	return e.cache.ListNamespace(ctx, namespace)
}

// GetOrCreateSession is idempotent by tag within a namespace.
func (e *Engine) GetOrCreateSession(ctx context.Context, tag string, metadata, agentState json.RawMessage, namespace string) (*model.Session, bool, error) {
	return e.cache.GetOrCreate(ctx, tag, metadata, agentState, namespace)
}

// UpdateSessionMetadata performs the optimistic metadata write.
func (e *Engine) UpdateSessionMetadata(ctx context.Context, sessionID string, metadata json.RawMessage, expectedVersion *int64, namespace string) (*cache.WriteResult, error) {
	return e.cache.UpdateMetadata(ctx, sessionID, metadata, expectedVersion, namespace)
}

// UpdateSessionAgentState performs the optimistic agent-state write.
func (e *Engine) UpdateSessionAgentState(ctx context.Context, sessionID string, state json.RawMessage, expectedVersion *int64, namespace string) (*cache.WriteResult, error) {
	return e.cache.UpdateAgentState(ctx, sessionID, state, expectedVersion, namespace)
}

// RenameSession updates the human-assigned name.
func (e *Engine) RenameSession(ctx context.Context, sessionID, namespace, name string) error {
	if _, err := e.GetSession(ctx, sessionID, namespace); err != nil {
		return err
	}
	return e.cache.Rename(ctx, sessionID, name)
}

// SetSessionTodos replaces the session's todos blob.
func (e *Engine) SetSessionTodos(ctx context.Context, sessionID, namespace string, todos json.RawMessage) error {
	if _, err := e.GetSession(ctx, sessionID, namespace); err != nil {
		return err
	}
	return e.cache.SetTodos(ctx, sessionID, todos)
}

// DeleteSession kills any attached agent process and removes the session
// with its message history.
func (e *Engine) DeleteSession(ctx context.Context, sessionID, namespace string) error {
	if _, err := e.GetSession(ctx, sessionID, namespace); err != nil {
		return err
	}
	if e.agents != nil {
		if err := e.agents.KillSession(ctx, sessionID); err != nil && !errors.Is(err, model.ErrUpstreamUnavailable) {
			e.logger.Warn("failed to kill agent for deleted session",
				zap.String("sessionId", sessionID), zap.Error(err))
		}
	}
	return e.cache.Delete(ctx, sessionID)
}

// ArchiveSession detaches the agent process and marks the session inactive.
// The session and its history remain readable.
func (e *Engine) ArchiveSession(ctx context.Context, sessionID, namespace string) error {
	if _, err := e.GetSession(ctx, sessionID, namespace); err != nil {
		return err
	}
	if e.agents != nil {
		if err := e.agents.KillSession(ctx, sessionID); err != nil && !errors.Is(err, model.ErrUpstreamUnavailable) {
			e.logger.Warn("failed to kill agent for archived session",
				zap.String("sessionId", sessionID), zap.Error(err))
		}
	}
	return e.cache.HandleEnd(ctx, sessionID)
}

// SpawnSession asks the supervisor for a fresh agent process and waits for
// the new session to report alive.
func (e *Engine) SpawnSession(ctx context.Context, namespace string, opts SpawnOptions) (string, error) {
	if e.agents == nil {
		return "", model.ErrUpstreamUnavailable
	}

	sessionID, err := e.agents.SpawnSession(ctx, opts)
	if err != nil {
		return "", fmt.Errorf("spawn failed: %w", err)
	}

	if err := e.waitForActive(ctx, sessionID); err != nil {
		return "", fmt.Errorf("spawned session %s never became active: %w", sessionID, err)
	}
	return sessionID, nil
}

// ResumeSession reattaches an inactive session to a fresh agent process.
//
// When the newly spawned process registers under a different session id, the
// old id is merged into the new one so exactly one identity remains. The
// returned id is the one the caller should use from now on.
func (e *Engine) ResumeSession(ctx context.Context, sessionID, namespace string) (string, error) {
	access, err := e.cache.ResolveAccess(ctx, sessionID, namespace)
	if err != nil {
		return "", err
	}
	if !access.OK {
		return "", reasonError(access.Reason)
	}
	session := access.Session

	// Already attached: resume is a no-op.
	if session.Active {
		return session.ID, nil
	}

	md, err := model.ParseSessionMetadata(session.Metadata)
	if err != nil || md.Path == "" {
		return "", fmt.Errorf("%w: no working directory in metadata", model.ErrResumeUnavailable)
	}
	token := md.ResumeToken()
	if token == "" {
		return "", fmt.Errorf("%w: no resume token for flavor %q", model.ErrResumeUnavailable, md.Flavor)
	}

	if e.agents == nil {
		return "", model.ErrUpstreamUnavailable
	}
	newID, err := e.agents.SpawnSession(ctx, SpawnOptions{
		Directory:       md.Path,
		Agent:           md.Flavor,
		ResumeSessionID: token,
	})
	if err != nil {
		e.toast(namespace, "error", "Failed to resume session")
		return "", fmt.Errorf("%w: spawn: %v", model.ErrResumeFailed, err)
	}

	if err := e.waitForActive(ctx, newID); err != nil {
		e.toast(namespace, "error", "Resumed session did not come up in time")
		return "", fmt.Errorf("%w: wait for active: %v", model.ErrResumeFailed, err)
	}

	if newID != session.ID {
		if err := e.cache.Merge(ctx, session.ID, newID, namespace); err != nil {
			e.toast(namespace, "error", "Failed to reconcile resumed session")
			return "", fmt.Errorf("%w: merge: %v", model.ErrResumeFailed, err)
		}
	}

	return newID, nil
}

// waitForActive polls the cache until the session reports active, the
// timeout elapses, or the caller's context is cancelled. The poll never
// outlives the caller.
func (e *Engine) waitForActive(ctx context.Context, sessionID string) error {
	ctx, cancel := context.WithTimeout(ctx, e.cfg.ResumeTimeout)
	defer cancel()

	ticker := time.NewTicker(e.cfg.ResumePollInterval)
	defer ticker.Stop()

	for {
		s, err := e.cache.Get(ctx, sessionID)
		if err == nil && s.Active {
			return nil
		}
		if err != nil && !errors.Is(err, model.ErrSessionNotFound) {
			return err
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// ApprovePermission forwards a permission approval to the agent.
func (e *Engine) ApprovePermission(ctx context.Context, sessionID, namespace, requestID string) error {
	return e.permission(ctx, sessionID, namespace, requestID, true)
}

// DenyPermission forwards a permission denial to the agent.
func (e *Engine) DenyPermission(ctx context.Context, sessionID, namespace, requestID string) error {
	return e.permission(ctx, sessionID, namespace, requestID, false)
}

func (e *Engine) permission(ctx context.Context, sessionID, namespace, requestID string, approved bool) error {
	if _, err := e.GetSession(ctx, sessionID, namespace); err != nil {
		return err
	}
	if e.agents == nil {
		return model.ErrUpstreamUnavailable
	}
	_, err := e.agents.RPC(ctx, sessionID, "permission", map[string]any{
		"id":       requestID,
		"approved": approved,
	})
	return err
}

// AbortSession asks the agent to abort its current turn.
func (e *Engine) AbortSession(ctx context.Context, sessionID, namespace string) error {
	if _, err := e.GetSession(ctx, sessionID, namespace); err != nil {
		return err
	}
	if e.agents == nil {
		return model.ErrUpstreamUnavailable
	}
	_, err := e.agents.RPC(ctx, sessionID, "abort", nil)
	return err
}

// SwitchSession asks the agent to switch its active conversation.
func (e *Engine) SwitchSession(ctx context.Context, sessionID, namespace string) error {
	if _, err := e.GetSession(ctx, sessionID, namespace); err != nil {
		return err
	}
	if e.agents == nil {
		return model.ErrUpstreamUnavailable
	}
	_, err := e.agents.RPC(ctx, sessionID, "switch", nil)
	return err
}

// SessionConfig carries the permission/model modes for applySessionConfig.
// Nil fields are left unchanged.
type SessionConfig struct {
	PermissionMode *string `json:"permissionMode,omitempty"`
	ModelMode      *string `json:"modelMode,omitempty"`
}

// ApplySessionConfig forwards a config change to the agent and writes the
// agent-confirmed values into the cache. The RPC response must contain an
// `applied` object; anything else is a hard error, never silently ignored.
func (e *Engine) ApplySessionConfig(ctx context.Context, sessionID, namespace string, cfg SessionConfig) (*SessionConfig, error) {
	if _, err := e.GetSession(ctx, sessionID, namespace); err != nil {
		return nil, err
	}
	if e.agents == nil {
		return nil, model.ErrUpstreamUnavailable
	}

	raw, err := e.agents.RPC(ctx, sessionID, "set-session-config", cfg)
	if err != nil {
		return nil, err
	}

	var response struct {
		Applied *SessionConfig `json:"applied"`
	}
	if err := json.Unmarshal(raw, &response); err != nil || response.Applied == nil {
		return nil, fmt.Errorf("%w: set-session-config reply missing applied object", model.ErrMalformedResponse)
	}

	if err := e.cache.ApplyConfig(ctx, sessionID, response.Applied.PermissionMode, response.Applied.ModelMode); err != nil {
		return nil, err
	}
	return response.Applied, nil
}

// OnSessionAlive implements LifecycleSink.
func (e *Engine) OnSessionAlive(ctx context.Context, payload model.LivenessPayload) {
	if err := e.cache.HandleAlive(ctx, payload); err != nil {
		e.logger.Error("failed to apply liveness",
			zap.String("sessionId", payload.SessionID), zap.Error(err))
	}
}

// OnSessionEnd implements LifecycleSink.
func (e *Engine) OnSessionEnd(ctx context.Context, sessionID string) {
	if err := e.cache.HandleEnd(ctx, sessionID); err != nil {
		e.logger.Error("failed to apply session end",
			zap.String("sessionId", sessionID), zap.Error(err))
	}
}

// OnWebappEvent implements LifecycleSink. Events from the agent layer are
// republished to subscribers; namespace resolution happens in the publisher.
func (e *Engine) OnWebappEvent(_ context.Context, event model.SyncEvent) {
	e.emitter.Emit(event)
}

func (e *Engine) toast(namespace, kind, text string) {
	e.emitter.Emit(model.SyncEvent{
		Type:      model.EventToast,
		Namespace: namespace,
		Toast:     &model.Toast{Kind: kind, Text: text},
	})
}

func reasonError(reason cache.AccessReason) error {
	if reason == cache.ReasonAccessDenied {
		return model.ErrAccessDenied
	}
	return model.ErrSessionNotFound
}
