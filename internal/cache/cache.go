// Package cache is the single source of truth for session existence,
// liveness, and versioned mutation, with namespace-scoped access control.
//
// The in-memory map mirrors the session store. The cache is the sole writer
// of versions; everything else routes mutations through it. Locks are never
// held across store I/O or event emission.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/agent-sync-hub/backend/internal/model"
	"github.com/agent-sync-hub/backend/internal/repository"
)

// Store is the persistence boundary the cache writes through.
// Implemented by repository.SessionRepository.
type Store interface {
	Create(ctx context.Context, s *model.Session) error
	GetByID(ctx context.Context, id string) (*model.Session, error)
	GetAll(ctx context.Context) ([]*model.Session, error)
	GetByNamespace(ctx context.Context, namespace string) ([]*model.Session, error)
	GetOrCreateByTag(ctx context.Context, candidate *model.Session) (*model.Session, bool, error)
	UpdateMetadata(ctx context.Context, id string, metadata json.RawMessage, expectedVersion *int64) (*repository.UpdateResult, error)
	UpdateAgentState(ctx context.Context, id string, state json.RawMessage, expectedVersion *int64) (*repository.UpdateResult, error)
	UpdateLiveness(ctx context.Context, s *model.Session) error
	Rename(ctx context.Context, id, name string) error
	SetTodos(ctx context.Context, id string, todos json.RawMessage) error
	Delete(ctx context.Context, id string) error
	Merge(ctx context.Context, oldID, newID string) error
}

// Emitter receives sync events. Implemented by events.Publisher.
type Emitter interface {
	Emit(event model.SyncEvent)
}

// Stats receives the active-session gauge. A nil Stats records nothing.
type Stats interface {
	SetActiveSessions(n int)
}

// AccessReason explains a failed access resolution.
type AccessReason string

const (
	// ReasonNotFound means no session with the id exists anywhere.
	ReasonNotFound AccessReason = "not-found"
	// ReasonAccessDenied means the session exists in a different namespace.
	// This confirms existence to the caller; see DESIGN.md.
	ReasonAccessDenied AccessReason = "access-denied"
)

// AccessResult is the outcome of ResolveAccess.
type AccessResult struct {
	OK      bool
	Reason  AccessReason
	Session *model.Session
}

// WriteStatus discriminates the outcome of an optimistic write.
type WriteStatus string

const (
	WriteApplied         WriteStatus = "success"
	WriteVersionMismatch WriteStatus = "version-mismatch"
)

// WriteResult is returned by UpdateMetadata/UpdateAgentState. On a mismatch
// it carries the current stored version and value so the caller can re-read
// and retry; the cache itself never retries.
type WriteResult struct {
	Status  WriteStatus     `json:"result"`
	Version int64           `json:"version"`
	Value   json.RawMessage `json:"value,omitempty"`
}

// Config holds the cache tunables.
type Config struct {
	// LivenessThreshold is how long a session may go without a heartbeat
	// before the sweep marks it inactive.
	LivenessThreshold time.Duration
	// SweepInterval is how often the inactivity sweep runs.
	SweepInterval time.Duration
}

// Cache mirrors active and recent sessions in memory.
type Cache struct {
	store   Store
	emitter Emitter
	stats   Stats
	cfg     Config
	logger  *zap.Logger

	// now is the clock; replaced in tests.
	now func() time.Time

	mu       sync.RWMutex
	sessions map[string]*model.Session
}

// New creates a Cache. ReloadAll must run before the cache serves reads.
func New(store Store, emitter Emitter, stats Stats, cfg Config, logger *zap.Logger) *Cache {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.LivenessThreshold <= 0 {
		cfg.LivenessThreshold = 60 * time.Second
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = 5 * time.Second
	}
	return &Cache{
		store:    store,
		emitter:  emitter,
		stats:    stats,
		cfg:      cfg,
		logger:   logger,
		now:      time.Now,
		sessions: make(map[string]*model.Session),
	}
}

// ReloadAll rebuilds the in-memory map from the store. Zero sessions is fine.
func (c *Cache) ReloadAll(ctx context.Context) error {
	sessions, err := c.store.GetAll(ctx)
	if err != nil {
		return fmt.Errorf("failed to reload sessions: %w", err)
	}

	c.mu.Lock()
	c.sessions = make(map[string]*model.Session, len(sessions))
	for _, s := range sessions {
		c.sessions[s.ID] = s
	}
	c.mu.Unlock()

	c.publishGauge()
	return nil
}

// Get returns the session by id, falling back to a store re-read on a cache
// miss. The fallback heals entries created by concurrent writers outside the
// cache's own mutation path.
func (c *Cache) Get(ctx context.Context, id string) (*model.Session, error) {
	// Clone while still holding the lock: the map-owned struct is mutated in
	// place by the liveness paths under the write lock.
	c.mu.RLock()
	var snapshot *model.Session
	if s, ok := c.sessions[id]; ok {
		snapshot = s.Clone()
	}
	c.mu.RUnlock()

	if snapshot != nil {
		return snapshot, nil
	}
	return c.Refresh(ctx, id)
}

// Refresh re-reads the session from the store and updates the cache entry.
func (c *Cache) Refresh(ctx context.Context, id string) (*model.Session, error) {
	s, err := c.store.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	c.sessions[id] = s
	snapshot := s.Clone()
	c.mu.Unlock()

	return snapshot, nil
}

// GetByNamespace returns the session only when its namespace matches.
// This is the access-control primitive used everywhere else.
func (c *Cache) GetByNamespace(ctx context.Context, id, namespace string) (*model.Session, error) {
	s, err := c.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if s.Namespace != namespace {
		return nil, model.ErrAccessDenied
	}
	return s, nil
}

// ResolveAccess distinguishes "no such session" from "session in another
// namespace". Callers map the former to 404 and the latter to 403; a denied
// result never exposes the session's fields.
func (c *Cache) ResolveAccess(ctx context.Context, id, namespace string) (AccessResult, error) {
	s, err := c.Get(ctx, id)
	if errors.Is(err, model.ErrSessionNotFound) {
		return AccessResult{OK: false, Reason: ReasonNotFound}, nil
	}
	if err != nil {
		return AccessResult{}, err
	}
	if s.Namespace != namespace {
		return AccessResult{OK: false, Reason: ReasonAccessDenied}, nil
	}
	return AccessResult{OK: true, Session: s}, nil
}

// ListNamespace returns all sessions in a namespace, refreshing the cache
// with the store's view.
func (c *Cache) ListNamespace(ctx context.Context, namespace string) ([]*model.Session, error) {
	sessions, err := c.store.GetByNamespace(ctx, namespace)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	out := make([]*model.Session, len(sessions))
	for i, s := range sessions {
		c.sessions[s.ID] = s
		out[i] = s.Clone()
	}
	c.mu.Unlock()

	return out, nil
}

// NamespaceOf reports the namespace of a cached session. It never touches
// the store, so the event publisher can call it on the emit path.
func (c *Cache) NamespaceOf(sessionID string) (string, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	s, ok := c.sessions[sessionID]
	if !ok {
		return "", false
	}
	return s.Namespace, true
}

// CountActive returns the number of sessions currently marked active.
func (c *Cache) CountActive() int {
	c.mu.RLock()
	defer c.mu.RUnlock()

	n := 0
	for _, s := range c.sessions {
		if s.Active {
			n++
		}
	}
	return n
}

// HandleAlive applies a liveness heartbeat. The heartbeat always renews
// lastActiveAt; a session-updated event fires only when an observable field
// actually changes.
func (c *Cache) HandleAlive(ctx context.Context, payload model.LivenessPayload) error {
	c.mu.RLock()
	_, ok := c.sessions[payload.SessionID]
	c.mu.RUnlock()

	if !ok {
		// Heartbeat may beat the cache entry for a freshly stored session.
		if _, err := c.Refresh(ctx, payload.SessionID); err != nil {
			if errors.Is(err, model.ErrSessionNotFound) {
				c.logger.Warn("liveness for unknown session", zap.String("sessionId", payload.SessionID))
				return nil
			}
			return err
		}
	}

	c.mu.Lock()
	s, ok := c.sessions[payload.SessionID]
	if !ok {
		c.mu.Unlock()
		return nil
	}
	changed := !s.Active
	s.Active = true
	s.LastActiveAt = c.now()
	if payload.Thinking != nil && s.Thinking != *payload.Thinking {
		s.Thinking = *payload.Thinking
		changed = true
	}
	if payload.Mode != nil && s.Mode != *payload.Mode {
		s.Mode = *payload.Mode
		changed = true
	}
	if payload.PermissionMode != nil && s.PermissionMode != *payload.PermissionMode {
		s.PermissionMode = *payload.PermissionMode
		changed = true
	}
	if payload.ModelMode != nil && s.ModelMode != *payload.ModelMode {
		s.ModelMode = *payload.ModelMode
		changed = true
	}
	snapshot := s.Clone()
	c.mu.Unlock()

	if err := c.store.UpdateLiveness(ctx, snapshot); err != nil {
		return fmt.Errorf("failed to persist liveness: %w", err)
	}

	if changed {
		c.emitUpdated(snapshot)
		c.publishGauge()
	}
	return nil
}

// HandleEnd marks the session inactive on a session-end callback.
func (c *Cache) HandleEnd(ctx context.Context, sessionID string) error {
	c.mu.Lock()
	s, ok := c.sessions[sessionID]
	if !ok {
		c.mu.Unlock()
		return nil
	}
	changed := s.Active
	s.Active = false
	s.Thinking = false
	snapshot := s.Clone()
	c.mu.Unlock()

	if err := c.store.UpdateLiveness(ctx, snapshot); err != nil {
		return fmt.Errorf("failed to persist session end: %w", err)
	}

	if changed {
		c.emitUpdated(snapshot)
		c.publishGauge()
	}
	return nil
}

// Run drives the inactivity sweep until ctx is cancelled.
func (c *Cache) Run(ctx context.Context) {
	ticker := time.NewTicker(c.cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.ExpireInactive(ctx)
		}
	}
}

// ExpireInactive flips active sessions whose last heartbeat is older than
// the liveness threshold. A heartbeat that lands between the candidate scan
// and the flip wins: staleness is re-checked under the lock immediately
// before flipping.
func (c *Cache) ExpireInactive(ctx context.Context) {
	cutoff := c.now().Add(-c.cfg.LivenessThreshold)

	c.mu.RLock()
	var candidates []string
	for id, s := range c.sessions {
		if s.Active && s.LastActiveAt.Before(cutoff) {
			candidates = append(candidates, id)
		}
	}
	c.mu.RUnlock()

	expired := 0
	for _, id := range candidates {
		c.mu.Lock()
		s, ok := c.sessions[id]
		if !ok || !s.Active || !s.LastActiveAt.Before(cutoff) {
			c.mu.Unlock()
			continue
		}
		s.Active = false
		s.Thinking = false
		snapshot := s.Clone()
		c.mu.Unlock()

		if err := c.store.UpdateLiveness(ctx, snapshot); err != nil {
			c.logger.Error("failed to persist expiry",
				zap.String("sessionId", id), zap.Error(err))
			// Leave the session active so the next sweep retries; subscribers
			// never see a state the store did not record.
			c.mu.Lock()
			if s, ok := c.sessions[id]; ok && !s.Active {
				s.Active = true
			}
			c.mu.Unlock()
			continue
		}
		c.emitUpdated(snapshot)
		expired++
	}

	if expired > 0 {
		c.publishGauge()
	}
}

// UpdateMetadata performs an optimistic-concurrency metadata write. A nil
// expectedVersion writes unconditionally and bumps the version; a stale
// expectedVersion returns a version-mismatch result without applying.
func (c *Cache) UpdateMetadata(ctx context.Context, id string, metadata json.RawMessage, expectedVersion *int64, namespace string) (*WriteResult, error) {
	access, err := c.ResolveAccess(ctx, id, namespace)
	if err != nil {
		return nil, err
	}
	if !access.OK {
		return nil, accessError(access.Reason)
	}

	result, err := c.store.UpdateMetadata(ctx, id, metadata, expectedVersion)
	if err != nil {
		return nil, err
	}
	if !result.Applied {
		return &WriteResult{Status: WriteVersionMismatch, Version: result.Version, Value: result.Value}, nil
	}

	c.mu.Lock()
	var snapshot *model.Session
	if s, ok := c.sessions[id]; ok {
		s.Metadata = metadata
		s.MetadataVersion = result.Version
		snapshot = s.Clone()
	}
	c.mu.Unlock()

	if snapshot != nil {
		c.emitUpdated(snapshot)
	}
	return &WriteResult{Status: WriteApplied, Version: result.Version, Value: result.Value}, nil
}

// UpdateAgentState performs an optimistic-concurrency agent-state write with
// the same contract as UpdateMetadata.
func (c *Cache) UpdateAgentState(ctx context.Context, id string, state json.RawMessage, expectedVersion *int64, namespace string) (*WriteResult, error) {
	access, err := c.ResolveAccess(ctx, id, namespace)
	if err != nil {
		return nil, err
	}
	if !access.OK {
		return nil, accessError(access.Reason)
	}

	result, err := c.store.UpdateAgentState(ctx, id, state, expectedVersion)
	if err != nil {
		return nil, err
	}
	if !result.Applied {
		return &WriteResult{Status: WriteVersionMismatch, Version: result.Version, Value: result.Value}, nil
	}

	c.mu.Lock()
	var snapshot *model.Session
	if s, ok := c.sessions[id]; ok {
		s.AgentState = state
		s.AgentStateVersion = result.Version
		snapshot = s.Clone()
	}
	c.mu.Unlock()

	if snapshot != nil {
		c.emitUpdated(snapshot)
	}
	return &WriteResult{Status: WriteApplied, Version: result.Version, Value: result.Value}, nil
}

// Rename updates the human-assigned session name in store and cache.
func (c *Cache) Rename(ctx context.Context, id, name string) error {
	if err := c.store.Rename(ctx, id, name); err != nil {
		return err
	}

	c.mu.Lock()
	var snapshot *model.Session
	if s, ok := c.sessions[id]; ok {
		s.Name = name
		snapshot = s.Clone()
	}
	c.mu.Unlock()

	if snapshot != nil {
		c.emitUpdated(snapshot)
	}
	return nil
}

// SetTodos replaces the session's todos blob.
func (c *Cache) SetTodos(ctx context.Context, id string, todos json.RawMessage) error {
	if err := c.store.SetTodos(ctx, id, todos); err != nil {
		return err
	}

	c.mu.Lock()
	var snapshot *model.Session
	if s, ok := c.sessions[id]; ok {
		s.Todos = todos
		snapshot = s.Clone()
	}
	c.mu.Unlock()

	if snapshot != nil {
		c.emitUpdated(snapshot)
	}
	return nil
}

// ApplyConfig writes agent-confirmed permission/model modes back into the
// session. Nil fields are left untouched.
func (c *Cache) ApplyConfig(ctx context.Context, id string, permissionMode, modelMode *string) error {
	c.mu.Lock()
	s, ok := c.sessions[id]
	if !ok {
		c.mu.Unlock()
		return model.ErrSessionNotFound
	}
	changed := false
	if permissionMode != nil && s.PermissionMode != *permissionMode {
		s.PermissionMode = *permissionMode
		changed = true
	}
	if modelMode != nil && s.ModelMode != *modelMode {
		s.ModelMode = *modelMode
		changed = true
	}
	snapshot := s.Clone()
	c.mu.Unlock()

	if !changed {
		return nil
	}

	if err := c.store.UpdateLiveness(ctx, snapshot); err != nil {
		return fmt.Errorf("failed to persist config: %w", err)
	}
	c.emitUpdated(snapshot)
	return nil
}

// Delete removes the session from store and cache and emits session-deleted.
func (c *Cache) Delete(ctx context.Context, id string) error {
	c.mu.RLock()
	s, ok := c.sessions[id]
	var namespace string
	if ok {
		namespace = s.Namespace
	}
	c.mu.RUnlock()

	if err := c.store.Delete(ctx, id); err != nil {
		return err
	}

	c.mu.Lock()
	delete(c.sessions, id)
	c.mu.Unlock()

	if namespace != "" {
		c.emitter.Emit(model.SyncEvent{
			Type:      model.EventSessionDeleted,
			Namespace: namespace,
			SessionID: id,
		})
	}
	c.publishGauge()
	return nil
}

// Merge reassigns oldID's message history to newID and removes oldID. Both
// sessions must exist in the namespace. The store performs the reassignment
// atomically; readers never observe a partial merge.
func (c *Cache) Merge(ctx context.Context, oldID, newID, namespace string) error {
	if oldID == newID {
		return nil
	}

	for _, id := range []string{oldID, newID} {
		access, err := c.ResolveAccess(ctx, id, namespace)
		if err != nil {
			return err
		}
		if !access.OK {
			return accessError(access.Reason)
		}
	}

	if err := c.store.Merge(ctx, oldID, newID); err != nil {
		return err
	}

	c.mu.Lock()
	delete(c.sessions, oldID)
	c.mu.Unlock()

	merged, err := c.Refresh(ctx, newID)
	if err != nil {
		return err
	}

	c.emitter.Emit(model.SyncEvent{
		Type:      model.EventSessionDeleted,
		Namespace: namespace,
		SessionID: oldID,
	})
	c.emitUpdated(merged)
	return nil
}

// GetOrCreate returns the existing session with the tag in the namespace or
// creates one. Idempotent by (namespace, tag). The second return value
// reports whether a new session was created.
func (c *Cache) GetOrCreate(ctx context.Context, tag string, metadata, agentState json.RawMessage, namespace string) (*model.Session, bool, error) {
	now := c.now()
	candidate := &model.Session{
		ID:           uuid.New().String(),
		Namespace:    namespace,
		Tag:          tag,
		LastActiveAt: now,
		Metadata:     metadata,
		AgentState:   agentState,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if md, err := model.ParseSessionMetadata(metadata); err == nil && md.Name != "" {
		candidate.Name = md.Name
	}

	s, created, err := c.store.GetOrCreateByTag(ctx, candidate)
	if err != nil {
		return nil, false, err
	}

	c.mu.Lock()
	c.sessions[s.ID] = s
	snapshot := s.Clone()
	c.mu.Unlock()

	if created {
		c.emitUpdated(snapshot)
	}
	return snapshot, created, nil
}

func (c *Cache) emitUpdated(s *model.Session) {
	c.emitter.Emit(model.SyncEvent{
		Type:      model.EventSessionUpdated,
		Namespace: s.Namespace,
		SessionID: s.ID,
		Session:   s,
	})
}

func (c *Cache) publishGauge() {
	if c.stats != nil {
		c.stats.SetActiveSessions(c.CountActive())
	}
}

// SetClock replaces the cache's clock. Test hook.
func (c *Cache) SetClock(now func() time.Time) {
	c.now = now
}

func accessError(reason AccessReason) error {
	if reason == ReasonAccessDenied {
		return model.ErrAccessDenied
	}
	return model.ErrSessionNotFound
}
