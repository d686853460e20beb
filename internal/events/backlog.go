package events

import "sync"

// Backlog is a thread-safe ring of the most recent deliveries for one
// namespace. When full, the oldest delivery is discarded to make room.
//
// SSE clients that reconnect with a Last-Event-ID replay the tail of this
// ring before switching to the live stream.
type Backlog struct {
	entries  []Delivery
	capacity int
	mu       sync.RWMutex
}

// NewBacklog creates a Backlog with the given capacity.
// The capacity must be greater than 0; if not, it defaults to 1.
func NewBacklog(capacity int) *Backlog {
	if capacity <= 0 {
		capacity = 1
	}
	return &Backlog{
		entries:  make([]Delivery, 0, capacity),
		capacity: capacity,
	}
}

// Push appends a delivery, evicting the oldest entry when full.
func (b *Backlog) Push(d Delivery) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if len(b.entries) == b.capacity {
		copy(b.entries, b.entries[1:])
		b.entries[len(b.entries)-1] = d
		return
	}
	b.entries = append(b.entries, d)
}

// Since returns a copy of all deliveries with Seq > afterSeq, oldest first.
func (b *Backlog) Since(afterSeq uint64) []Delivery {
	b.mu.RLock()
	defer b.mu.RUnlock()

	// Entries are pushed in seq order; find the first one past the cursor.
	start := len(b.entries)
	for i, d := range b.entries {
		if d.Seq > afterSeq {
			start = i
			break
		}
	}
	if start == len(b.entries) {
		return nil
	}

	result := make([]Delivery, len(b.entries)-start)
	copy(result, b.entries[start:])
	return result
}

// Len returns the current number of buffered deliveries.
func (b *Backlog) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()

	return len(b.entries)
}

// Cap returns the capacity of the backlog.
func (b *Backlog) Cap() int {
	return b.capacity
}
