package engine

import (
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestBatchAggregator_FirstVoteOpensBatch(t *testing.T) {
	agg := NewBatchAggregator(nil)
	key := BatchKey{RecipientID: "org", EventID: "E"}

	var scheduled int
	if !agg.RecordVote(key, "Alice", func() { scheduled++ }) {
		t.Fatal("first vote should open the batch")
	}
	if agg.RecordVote(key, "Bob", func() { scheduled++ }) {
		t.Fatal("second vote should join the open batch")
	}
	if scheduled != 1 {
		t.Fatalf("expected one scheduled flush, got %d", scheduled)
	}

	names := agg.Flush(key)
	if len(names) != 2 || names[0] != "Alice" || names[1] != "Bob" {
		t.Fatalf("unexpected batch contents: %v", names)
	}
}

func TestBatchAggregator_FlushTwiceIsNoop(t *testing.T) {
	agg := NewBatchAggregator(nil)
	key := BatchKey{RecipientID: "org", EventID: "E"}
	agg.RecordVote(key, "Alice", nil)

	if got := agg.Flush(key); len(got) != 1 {
		t.Fatalf("expected one name, got %v", got)
	}
	if got := agg.Flush(key); got != nil {
		t.Fatalf("second flush should be empty, got %v", got)
	}
	if got := agg.Flush(BatchKey{RecipientID: "x", EventID: "y"}); got != nil {
		t.Fatalf("flush of unknown key should be empty, got %v", got)
	}
}

func TestBatchAggregator_NewBatchAfterFlush(t *testing.T) {
	agg := NewBatchAggregator(nil)
	key := BatchKey{RecipientID: "org", EventID: "E"}

	agg.RecordVote(key, "Alice", nil)
	agg.Flush(key)
	if !agg.RecordVote(key, "Bob", nil) {
		t.Fatal("a vote after flush should open a new batch")
	}
}

func TestBatchAggregator_KeysAreIndependent(t *testing.T) {
	agg := NewBatchAggregator(nil)
	a := BatchKey{RecipientID: "org", EventID: "E1"}
	b := BatchKey{RecipientID: "org", EventID: "E2"}

	if !agg.RecordVote(a, "Alice", nil) || !agg.RecordVote(b, "Alice", nil) {
		t.Fatal("each key gets its own batch")
	}
	if agg.Pending() != 2 {
		t.Fatalf("expected 2 pending batches, got %d", agg.Pending())
	}
}

func TestBatchAggregator_ConcurrentVotes(t *testing.T) {
	agg := NewBatchAggregator(nil)
	key := BatchKey{RecipientID: "org", EventID: "E"}

	var firsts atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if agg.RecordVote(key, fmt.Sprintf("voter-%d", i), nil) {
				firsts.Add(1)
			}
		}(i)
	}
	wg.Wait()

	if firsts.Load() != 1 {
		t.Fatalf("exactly one vote should open the batch, got %d", firsts.Load())
	}
	if got := len(agg.Flush(key)); got != 100 {
		t.Fatalf("expected 100 names, got %d", got)
	}
}

func TestBatchAggregator_OldestPending(t *testing.T) {
	clock := newFakeClock(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	agg := NewBatchAggregator(clock.Now)

	if _, ok := agg.OldestPending(); ok {
		t.Fatal("no batch yet")
	}
	agg.RecordVote(BatchKey{RecipientID: "a", EventID: "E"}, "x", nil)
	first := clock.Now()
	clock.Advance(time.Minute)
	agg.RecordVote(BatchKey{RecipientID: "b", EventID: "E"}, "y", nil)

	oldest, ok := agg.OldestPending()
	if !ok || !oldest.Equal(first) {
		t.Fatalf("expected oldest %v, got %v (ok=%v)", first, oldest, ok)
	}
}
