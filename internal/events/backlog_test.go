package events

import (
	"testing"

	"github.com/agent-sync-hub/backend/internal/model"
)

func delivery(seq uint64) Delivery {
	return Delivery{Seq: seq, Event: model.SyncEvent{Type: model.EventSessionUpdated, Namespace: "ns"}}
}

func TestBacklog_Push(t *testing.T) {
	t.Run("fills to capacity", func(t *testing.T) {
		b := NewBacklog(3)
		for seq := uint64(1); seq <= 3; seq++ {
			b.Push(delivery(seq))
		}
		if b.Len() != 3 {
			t.Errorf("Expected length 3, got %d", b.Len())
		}
	})

	t.Run("evicts oldest when full", func(t *testing.T) {
		b := NewBacklog(3)
		for seq := uint64(1); seq <= 5; seq++ {
			b.Push(delivery(seq))
		}
		if b.Len() != 3 {
			t.Fatalf("Expected length 3, got %d", b.Len())
		}

		all := b.Since(0)
		if len(all) != 3 {
			t.Fatalf("Expected 3 deliveries, got %d", len(all))
		}
		if all[0].Seq != 3 || all[2].Seq != 5 {
			t.Errorf("Expected seqs 3..5, got %d..%d", all[0].Seq, all[2].Seq)
		}
	})

	t.Run("zero capacity defaults to one", func(t *testing.T) {
		b := NewBacklog(0)
		if b.Cap() != 1 {
			t.Errorf("Expected capacity 1, got %d", b.Cap())
		}
	})
}

func TestBacklog_Since(t *testing.T) {
	b := NewBacklog(10)
	for seq := uint64(1); seq <= 5; seq++ {
		b.Push(delivery(seq))
	}

	t.Run("returns deliveries past the cursor", func(t *testing.T) {
		tail := b.Since(3)
		if len(tail) != 2 {
			t.Fatalf("Expected 2 deliveries, got %d", len(tail))
		}
		if tail[0].Seq != 4 || tail[1].Seq != 5 {
			t.Errorf("Expected seqs 4,5, got %d,%d", tail[0].Seq, tail[1].Seq)
		}
	})

	t.Run("cursor at the tip returns nothing", func(t *testing.T) {
		if tail := b.Since(5); tail != nil {
			t.Errorf("Expected nil, got %d deliveries", len(tail))
		}
	})

	t.Run("result is a copy", func(t *testing.T) {
		tail := b.Since(0)
		tail[0].Seq = 999
		again := b.Since(0)
		if again[0].Seq != 1 {
			t.Errorf("Backlog mutated through returned slice: %d", again[0].Seq)
		}
	})
}
