package message

import (
	"context"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
)

// **Property: pagination round-trip completeness**
// For any ledger size and page limit, walking the reverse-chronological pages
// through NextBeforeSeq until HasMore is false visits every message exactly
// once, newest first, with no duplicates and no gaps.
func TestPaginationRoundTripProperty(t *testing.T) {
	svc, sessions, _, _, cleanup := setupService(t)
	defer cleanup()

	ctx := context.Background()

	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 50

	properties := gopter.NewProperties(parameters)

	properties.Property("paging visits every message exactly once", prop.ForAll(
		func(total, limit int) bool {
			sess := createSession(t, sessions, "ns1")
			for i := 0; i < total; i++ {
				if _, err := svc.Send(ctx, sess.ID, SendOptions{Text: "m"}); err != nil {
					t.Logf("failed to append: %v", err)
					return false
				}
			}

			var seen []int64
			opts := PageOptions{Limit: limit}
			for {
				page, err := svc.GetPage(ctx, sess.ID, opts)
				if err != nil {
					t.Logf("failed to get page: %v", err)
					return false
				}
				if len(page.Messages) > limit {
					t.Logf("page exceeds limit: %d > %d", len(page.Messages), limit)
					return false
				}
				for _, m := range page.Messages {
					seen = append(seen, m.Seq)
				}
				if !page.HasMore {
					if page.NextBeforeSeq != nil && len(page.Messages) == 0 {
						t.Logf("empty page carries a cursor")
						return false
					}
					break
				}
				if page.NextBeforeSeq == nil {
					t.Logf("HasMore without a cursor")
					return false
				}
				opts.BeforeSeq = page.NextBeforeSeq
			}

			if len(seen) != total {
				t.Logf("expected %d messages, visited %d", total, len(seen))
				return false
			}
			for i, seq := range seen {
				if seq != int64(total-i) {
					t.Logf("expected seq %d at position %d, got %d", total-i, i, seq)
					return false
				}
			}
			return true
		},
		gen.IntRange(0, 30),
		gen.IntRange(1, 10),
	))

	properties.Property("forward deltas return exactly the messages past the cursor", prop.ForAll(
		func(total, after int) bool {
			sess := createSession(t, sessions, "ns1")
			for i := 0; i < total; i++ {
				if _, err := svc.Send(ctx, sess.ID, SendOptions{Text: "m"}); err != nil {
					t.Logf("failed to append: %v", err)
					return false
				}
			}

			msgs, err := svc.GetAfter(ctx, sess.ID, int64(after), 200)
			if err != nil {
				t.Logf("failed to get delta: %v", err)
				return false
			}

			expected := total - after
			if expected < 0 {
				expected = 0
			}
			if len(msgs) != expected {
				t.Logf("expected %d messages after seq %d, got %d", expected, after, len(msgs))
				return false
			}
			for i, m := range msgs {
				if m.Seq != int64(after+i+1) {
					t.Logf("expected seq %d at position %d, got %d", after+i+1, i, m.Seq)
					return false
				}
			}
			return true
		},
		gen.IntRange(0, 30),
		gen.IntRange(0, 35),
	))

	properties.TestingRun(t)
}
