package cache

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/agent-sync-hub/backend/internal/db"
	"github.com/agent-sync-hub/backend/internal/model"
	"github.com/agent-sync-hub/backend/internal/repository"
)

type recordingEmitter struct {
	mu     sync.Mutex
	events []model.SyncEvent
}

func (r *recordingEmitter) Emit(e model.SyncEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
}

func (r *recordingEmitter) all() []model.SyncEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]model.SyncEvent, len(r.events))
	copy(out, r.events)
	return out
}

func (r *recordingEmitter) count(eventType model.SyncEventType) int {
	n := 0
	for _, e := range r.all() {
		if e.Type == eventType {
			n++
		}
	}
	return n
}

func setupCache(t *testing.T, cfg Config) (*Cache, *recordingEmitter, func()) {
	t.Helper()

	database, err := db.NewTestDB()
	if err != nil {
		t.Fatalf("Failed to create database: %v", err)
	}

	emitter := &recordingEmitter{}
	c := New(repository.NewSessionRepository(database), emitter, nil, cfg, nil)

	cleanup := func() {
		database.Close()
	}

	return c, emitter, cleanup
}

func mustCreate(t *testing.T, c *Cache, tag, namespace string) *model.Session {
	t.Helper()

	s, _, err := c.GetOrCreate(context.Background(), tag, nil, nil, namespace)
	if err != nil {
		t.Fatalf("Failed to create session: %v", err)
	}
	return s
}

func TestCache_GetOrCreate(t *testing.T) {
	c, emitter, cleanup := setupCache(t, Config{})
	defer cleanup()

	ctx := context.Background()

	t.Run("creates then returns the same session", func(t *testing.T) {
		first, created, err := c.GetOrCreate(ctx, "machine-a", nil, nil, "ns1")
		if err != nil {
			t.Fatalf("Failed to create: %v", err)
		}
		if !created {
			t.Error("First call should create")
		}

		again, created, err := c.GetOrCreate(ctx, "machine-a", nil, nil, "ns1")
		if err != nil {
			t.Fatalf("Failed to get: %v", err)
		}
		if created {
			t.Error("Second call should not create")
		}
		if again.ID != first.ID {
			t.Errorf("Expected id %s, got %s", first.ID, again.ID)
		}
	})

	t.Run("only creation emits session-updated", func(t *testing.T) {
		if n := emitter.count(model.EventSessionUpdated); n != 1 {
			t.Errorf("Expected 1 session-updated, got %d", n)
		}
	})

	t.Run("name is lifted from metadata", func(t *testing.T) {
		s, _, err := c.GetOrCreate(ctx, "machine-b", json.RawMessage(`{"name":"web","path":"/w"}`), nil, "ns1")
		if err != nil {
			t.Fatalf("Failed to create: %v", err)
		}
		if s.Name != "web" {
			t.Errorf("Expected name web, got %q", s.Name)
		}
	})
}

func TestCache_ResolveAccess(t *testing.T) {
	c, _, cleanup := setupCache(t, Config{})
	defer cleanup()

	ctx := context.Background()
	s := mustCreate(t, c, "tag", "ns1")

	t.Run("owner resolves", func(t *testing.T) {
		access, err := c.ResolveAccess(ctx, s.ID, "ns1")
		if err != nil {
			t.Fatalf("ResolveAccess failed: %v", err)
		}
		if !access.OK || access.Session == nil {
			t.Error("Expected access with session")
		}
	})

	t.Run("foreign namespace is denied without session fields", func(t *testing.T) {
		access, err := c.ResolveAccess(ctx, s.ID, "ns2")
		if err != nil {
			t.Fatalf("ResolveAccess failed: %v", err)
		}
		if access.OK {
			t.Error("Expected denial")
		}
		if access.Reason != ReasonAccessDenied {
			t.Errorf("Expected access-denied, got %s", access.Reason)
		}
		if access.Session != nil {
			t.Error("Denied result must not expose the session")
		}
	})

	t.Run("unknown session is not-found", func(t *testing.T) {
		access, err := c.ResolveAccess(ctx, "missing", "ns1")
		if err != nil {
			t.Fatalf("ResolveAccess failed: %v", err)
		}
		if access.OK || access.Reason != ReasonNotFound {
			t.Errorf("Expected not-found, got %+v", access)
		}
	})
}

func TestCache_VersionedWrites(t *testing.T) {
	c, emitter, cleanup := setupCache(t, Config{})
	defer cleanup()

	ctx := context.Background()
	s := mustCreate(t, c, "tag", "ns1")

	t.Run("applied write bumps version and emits", func(t *testing.T) {
		result, err := c.UpdateMetadata(ctx, s.ID, json.RawMessage(`{"a":1}`), nil, "ns1")
		if err != nil {
			t.Fatalf("UpdateMetadata failed: %v", err)
		}
		if result.Status != WriteApplied || result.Version != 1 {
			t.Errorf("Expected applied v1, got %+v", result)
		}

		updated, err := c.Get(ctx, s.ID)
		if err != nil {
			t.Fatalf("Get failed: %v", err)
		}
		if updated.MetadataVersion != 1 {
			t.Errorf("Cache should carry version 1, got %d", updated.MetadataVersion)
		}
	})

	t.Run("stale write reports mismatch without emitting", func(t *testing.T) {
		before := emitter.count(model.EventSessionUpdated)

		stale := int64(0)
		result, err := c.UpdateMetadata(ctx, s.ID, json.RawMessage(`{"a":2}`), &stale, "ns1")
		if err != nil {
			t.Fatalf("UpdateMetadata failed: %v", err)
		}
		if result.Status != WriteVersionMismatch {
			t.Errorf("Expected version-mismatch, got %s", result.Status)
		}
		if result.Version != 1 || string(result.Value) != `{"a":1}` {
			t.Errorf("Mismatch should carry current state, got v%d %s", result.Version, result.Value)
		}

		if after := emitter.count(model.EventSessionUpdated); after != before {
			t.Error("Rejected write must not emit")
		}
	})

	t.Run("foreign namespace cannot write", func(t *testing.T) {
		_, err := c.UpdateAgentState(ctx, s.ID, json.RawMessage(`{}`), nil, "ns2")
		if !errors.Is(err, model.ErrAccessDenied) {
			t.Errorf("Expected ErrAccessDenied, got %v", err)
		}
	})
}

func TestCache_Liveness(t *testing.T) {
	ctx := context.Background()

	t.Run("first heartbeat activates and emits once", func(t *testing.T) {
		c, emitter, cleanup := setupCache(t, Config{})
		defer cleanup()

		s := mustCreate(t, c, "tag", "ns1")
		before := emitter.count(model.EventSessionUpdated)

		if err := c.HandleAlive(ctx, model.LivenessPayload{SessionID: s.ID}); err != nil {
			t.Fatalf("HandleAlive failed: %v", err)
		}
		if got := emitter.count(model.EventSessionUpdated); got != before+1 {
			t.Errorf("Expected one session-updated, got %d new", got-before)
		}

		// A repeat heartbeat with no observable change is silent.
		if err := c.HandleAlive(ctx, model.LivenessPayload{SessionID: s.ID}); err != nil {
			t.Fatalf("HandleAlive failed: %v", err)
		}
		if got := emitter.count(model.EventSessionUpdated); got != before+1 {
			t.Error("Unchanged heartbeat must not emit")
		}
	})

	t.Run("thinking flip emits", func(t *testing.T) {
		c, emitter, cleanup := setupCache(t, Config{})
		defer cleanup()

		s := mustCreate(t, c, "tag", "ns1")
		if err := c.HandleAlive(ctx, model.LivenessPayload{SessionID: s.ID}); err != nil {
			t.Fatalf("HandleAlive failed: %v", err)
		}
		before := emitter.count(model.EventSessionUpdated)

		thinking := true
		if err := c.HandleAlive(ctx, model.LivenessPayload{SessionID: s.ID, Thinking: &thinking}); err != nil {
			t.Fatalf("HandleAlive failed: %v", err)
		}
		if got := emitter.count(model.EventSessionUpdated); got != before+1 {
			t.Error("Thinking change should emit")
		}
	})

	t.Run("unknown session heartbeat is ignored", func(t *testing.T) {
		c, _, cleanup := setupCache(t, Config{})
		defer cleanup()

		if err := c.HandleAlive(ctx, model.LivenessPayload{SessionID: "missing"}); err != nil {
			t.Errorf("Unknown heartbeat should not error: %v", err)
		}
	})

	t.Run("session end deactivates once", func(t *testing.T) {
		c, emitter, cleanup := setupCache(t, Config{})
		defer cleanup()

		s := mustCreate(t, c, "tag", "ns1")
		if err := c.HandleAlive(ctx, model.LivenessPayload{SessionID: s.ID}); err != nil {
			t.Fatalf("HandleAlive failed: %v", err)
		}
		before := emitter.count(model.EventSessionUpdated)

		if err := c.HandleEnd(ctx, s.ID); err != nil {
			t.Fatalf("HandleEnd failed: %v", err)
		}
		if err := c.HandleEnd(ctx, s.ID); err != nil {
			t.Fatalf("Repeated HandleEnd failed: %v", err)
		}
		if got := emitter.count(model.EventSessionUpdated); got != before+1 {
			t.Errorf("Expected exactly one end event, got %d new", got-before)
		}

		ended, err := c.Get(ctx, s.ID)
		if err != nil {
			t.Fatalf("Get failed: %v", err)
		}
		if ended.Active {
			t.Error("Session should be inactive after end")
		}
	})
}

func TestCache_ExpireInactive(t *testing.T) {
	c, emitter, cleanup := setupCache(t, Config{LivenessThreshold: time.Minute})
	defer cleanup()

	ctx := context.Background()
	stale := mustCreate(t, c, "stale", "ns1")
	fresh := mustCreate(t, c, "fresh", "ns1")

	base := time.Now()
	c.SetClock(func() time.Time { return base })
	if err := c.HandleAlive(ctx, model.LivenessPayload{SessionID: stale.ID}); err != nil {
		t.Fatalf("HandleAlive failed: %v", err)
	}

	c.SetClock(func() time.Time { return base.Add(90 * time.Second) })
	if err := c.HandleAlive(ctx, model.LivenessPayload{SessionID: fresh.ID}); err != nil {
		t.Fatalf("HandleAlive failed: %v", err)
	}

	before := emitter.count(model.EventSessionUpdated)
	c.ExpireInactive(ctx)

	staleAfter, err := c.Get(ctx, stale.ID)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if staleAfter.Active {
		t.Error("Stale session should be expired")
	}

	freshAfter, err := c.Get(ctx, fresh.ID)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if !freshAfter.Active {
		t.Error("Fresh session should stay active")
	}

	if got := emitter.count(model.EventSessionUpdated); got != before+1 {
		t.Errorf("Expected one expiry event, got %d new", got-before)
	}

	// Idempotent: a second sweep finds nothing.
	c.ExpireInactive(ctx)
	if got := emitter.count(model.EventSessionUpdated); got != before+1 {
		t.Error("Repeated sweep must not emit again")
	}
}

func TestCache_Delete(t *testing.T) {
	c, emitter, cleanup := setupCache(t, Config{})
	defer cleanup()

	ctx := context.Background()
	s := mustCreate(t, c, "tag", "ns1")

	if err := c.Delete(ctx, s.ID); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}

	if _, err := c.Get(ctx, s.ID); !errors.Is(err, model.ErrSessionNotFound) {
		t.Errorf("Expected ErrSessionNotFound, got %v", err)
	}
	if _, ok := c.NamespaceOf(s.ID); ok {
		t.Error("Deleted session should be out of the cache")
	}

	deleted := emitter.count(model.EventSessionDeleted)
	if deleted != 1 {
		t.Fatalf("Expected 1 session-deleted, got %d", deleted)
	}
	for _, e := range emitter.all() {
		if e.Type == model.EventSessionDeleted && e.Namespace != "ns1" {
			t.Errorf("Deleted event must carry the namespace, got %q", e.Namespace)
		}
	}
}

func TestCache_Merge(t *testing.T) {
	c, emitter, cleanup := setupCache(t, Config{})
	defer cleanup()

	ctx := context.Background()
	oldSess := mustCreate(t, c, "old", "ns1")
	newSess := mustCreate(t, c, "new", "ns1")

	t.Run("foreign namespace cannot merge", func(t *testing.T) {
		err := c.Merge(ctx, oldSess.ID, newSess.ID, "ns2")
		if !errors.Is(err, model.ErrAccessDenied) {
			t.Errorf("Expected ErrAccessDenied, got %v", err)
		}
	})

	t.Run("merge removes the old session and emits", func(t *testing.T) {
		if err := c.Merge(ctx, oldSess.ID, newSess.ID, "ns1"); err != nil {
			t.Fatalf("Merge failed: %v", err)
		}

		if _, err := c.Get(ctx, oldSess.ID); !errors.Is(err, model.ErrSessionNotFound) {
			t.Errorf("Old session should be gone, got %v", err)
		}

		if n := emitter.count(model.EventSessionDeleted); n != 1 {
			t.Errorf("Expected 1 session-deleted, got %d", n)
		}
	})

	t.Run("merge onto self is a no-op", func(t *testing.T) {
		before := len(emitter.all())
		if err := c.Merge(ctx, newSess.ID, newSess.ID, "ns1"); err != nil {
			t.Fatalf("Self merge failed: %v", err)
		}
		if len(emitter.all()) != before {
			t.Error("Self merge must not emit")
		}
	})
}

func TestCache_ConcurrentReadsAndHeartbeats(t *testing.T) {
	c, _, cleanup := setupCache(t, Config{})
	defer cleanup()

	ctx := context.Background()
	s := mustCreate(t, c, "tag", "ns1")

	// Readers snapshot the session while heartbeats mutate it in place;
	// meaningful under the race detector.
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		thinking := i%2 == 0
		wg.Add(2)
		go func(thinking bool) {
			defer wg.Done()
			if err := c.HandleAlive(ctx, model.LivenessPayload{SessionID: s.ID, Thinking: &thinking}); err != nil {
				t.Errorf("HandleAlive failed: %v", err)
			}
		}(thinking)
		go func() {
			defer wg.Done()
			if _, err := c.Get(ctx, s.ID); err != nil {
				t.Errorf("Get failed: %v", err)
			}
		}()
	}
	wg.Wait()

	if _, err := c.ListNamespace(ctx, "ns1"); err != nil {
		t.Fatalf("ListNamespace failed: %v", err)
	}
}

// flakyStore fails liveness persists on demand.
type flakyStore struct {
	*repository.SessionRepository
	failLiveness bool
}

func (f *flakyStore) UpdateLiveness(ctx context.Context, s *model.Session) error {
	if f.failLiveness {
		return errors.New("disk full")
	}
	return f.SessionRepository.UpdateLiveness(ctx, s)
}

func TestCache_ExpireInactivePersistFailure(t *testing.T) {
	database, err := db.NewTestDB()
	if err != nil {
		t.Fatalf("Failed to create database: %v", err)
	}
	defer database.Close()

	store := &flakyStore{SessionRepository: repository.NewSessionRepository(database)}
	emitter := &recordingEmitter{}
	c := New(store, emitter, nil, Config{LivenessThreshold: time.Minute}, nil)

	ctx := context.Background()
	s := mustCreate(t, c, "tag", "ns1")

	base := time.Now()
	c.SetClock(func() time.Time { return base })
	if err := c.HandleAlive(ctx, model.LivenessPayload{SessionID: s.ID}); err != nil {
		t.Fatalf("HandleAlive failed: %v", err)
	}
	c.SetClock(func() time.Time { return base.Add(90 * time.Second) })

	before := emitter.count(model.EventSessionUpdated)
	store.failLiveness = true
	c.ExpireInactive(ctx)

	if got := emitter.count(model.EventSessionUpdated); got != before {
		t.Error("Failed persist must not emit an update")
	}
	stuck, err := c.Get(ctx, s.ID)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if !stuck.Active {
		t.Error("Session should stay active until the flip is durable")
	}

	// Once the store recovers, the next sweep completes the expiry.
	store.failLiveness = false
	c.ExpireInactive(ctx)

	if got := emitter.count(model.EventSessionUpdated); got != before+1 {
		t.Errorf("Expected one expiry event after recovery, got %d new", got-before)
	}
	expiredSess, err := c.Get(ctx, s.ID)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if expiredSess.Active {
		t.Error("Session should be expired after the retry")
	}
}

func TestCache_ReloadAll(t *testing.T) {
	database, err := db.NewTestDB()
	if err != nil {
		t.Fatalf("Failed to create database: %v", err)
	}
	defer database.Close()

	repo := repository.NewSessionRepository(database)
	ctx := context.Background()

	seed := New(repo, &recordingEmitter{}, nil, Config{}, nil)
	s := mustCreate(t, seed, "tag", "ns1")

	// A second cache over the same store starts cold and reloads.
	c := New(repo, &recordingEmitter{}, nil, Config{}, nil)
	if _, ok := c.NamespaceOf(s.ID); ok {
		t.Fatal("Cold cache should not know the session yet")
	}
	if err := c.ReloadAll(ctx); err != nil {
		t.Fatalf("ReloadAll failed: %v", err)
	}
	if ns, ok := c.NamespaceOf(s.ID); !ok || ns != "ns1" {
		t.Errorf("Expected ns1 after reload, got %q ok=%v", ns, ok)
	}
}
