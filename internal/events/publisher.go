// Package events provides the in-memory pub/sub bus that fans sync events
// out to transport subscribers, scoped by namespace.
package events

import (
	"sync"

	"go.uber.org/zap"

	"github.com/agent-sync-hub/backend/internal/model"
)

// Resolver derives the namespace of a session. Implemented by the session
// cache; the publisher never touches persisted state itself.
type Resolver interface {
	NamespaceOf(sessionID string) (string, bool)
}

// ResolverFunc adapts a function to the Resolver interface.
type ResolverFunc func(sessionID string) (string, bool)

// NamespaceOf implements Resolver.
func (f ResolverFunc) NamespaceOf(sessionID string) (string, bool) { return f(sessionID) }

// Stats receives delivery counters. Implemented by metrics.Metrics; a nil
// Stats is valid and records nothing.
type Stats interface {
	EventPublished(eventType string)
	EventDropped()
}

// Delivery is a sync event paired with the publisher-assigned sequence used
// for SSE replay on reconnect.
type Delivery struct {
	Seq   uint64
	Event model.SyncEvent
}

// Listener receives deliveries. Listeners must not block; slow transports
// buffer on their own side.
type Listener func(Delivery)

// Publisher owns the subscriber registry and the per-namespace backlog of
// recent deliveries.
type Publisher struct {
	mu        sync.RWMutex
	listeners map[int]Listener
	nextID    int
	nextSeq   uint64
	backlogs  map[string]*Backlog

	backlogCap int
	resolver   Resolver
	stats      Stats
	logger     *zap.Logger
}

// NewPublisher creates a Publisher. backlogCap bounds the per-namespace
// replay ring; resolver maps session ids to namespaces.
func NewPublisher(resolver Resolver, backlogCap int, stats Stats, logger *zap.Logger) *Publisher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Publisher{
		listeners:  make(map[int]Listener),
		backlogs:   make(map[string]*Backlog),
		backlogCap: backlogCap,
		resolver:   resolver,
		stats:      stats,
		logger:     logger,
	}
}

// Subscribe registers a listener and returns its unsubscribe function.
// Subscriptions carry no namespace filter; filtering happens at the
// transport layer using the resolved namespace on each event.
func (p *Publisher) Subscribe(l Listener) func() {
	p.mu.Lock()
	id := p.nextID
	p.nextID++
	p.listeners[id] = l
	p.mu.Unlock()

	return func() {
		p.mu.Lock()
		delete(p.listeners, id)
		p.mu.Unlock()
	}
}

// Emit resolves the event's namespace and synchronously delivers it to every
// subscriber. An explicit namespace on the event wins; otherwise it is
// derived from the referenced session. Events with no resolvable namespace
// are dropped rather than broadcast unscoped.
func (p *Publisher) Emit(event model.SyncEvent) {
	if event.Namespace == "" && event.SessionID != "" && p.resolver != nil {
		if ns, ok := p.resolver.NamespaceOf(event.SessionID); ok {
			event.Namespace = ns
		}
	}
	if event.Namespace == "" {
		p.logger.Warn("dropping sync event without namespace",
			zap.String("type", string(event.Type)),
			zap.String("sessionId", event.SessionID))
		if p.stats != nil {
			p.stats.EventDropped()
		}
		return
	}

	p.mu.Lock()
	p.nextSeq++
	delivery := Delivery{Seq: p.nextSeq, Event: event}
	backlog, ok := p.backlogs[event.Namespace]
	if !ok {
		backlog = NewBacklog(p.backlogCap)
		p.backlogs[event.Namespace] = backlog
	}
	listeners := make([]Listener, 0, len(p.listeners))
	for _, l := range p.listeners {
		listeners = append(listeners, l)
	}
	// Push before unlocking so backlog entries stay in seq order; Since
	// relies on that when replaying.
	backlog.Push(delivery)
	p.mu.Unlock()

	for _, l := range listeners {
		p.deliver(l, delivery)
	}

	if p.stats != nil {
		p.stats.EventPublished(string(event.Type))
	}
}

// deliver isolates one listener call so a panicking subscriber cannot stop
// delivery to the rest.
func (p *Publisher) deliver(l Listener, d Delivery) {
	defer func() {
		if r := recover(); r != nil {
			p.logger.Error("sync event listener panicked",
				zap.String("type", string(d.Event.Type)),
				zap.Any("panic", r))
		}
	}()
	l(d)
}

// Replay returns the backlog deliveries for a namespace with seq > afterSeq,
// oldest first. Used by the SSE transport for catch-up on reconnect.
func (p *Publisher) Replay(namespace string, afterSeq uint64) []Delivery {
	p.mu.RLock()
	backlog := p.backlogs[namespace]
	p.mu.RUnlock()

	if backlog == nil {
		return nil
	}
	return backlog.Since(afterSeq)
}
