package engine

import (
	"sync"
	"time"
)

// BatchKey identifies one vote batch: one recipient, one event.
type BatchKey struct {
	RecipientID string
	EventID     string
}

func (k BatchKey) String() string {
	return "vote-batch-" + k.RecipientID + "-" + k.EventID
}

type pendingBatch struct {
	names       []string
	firstSeenAt time.Time
}

// BatchAggregator merges bursts of votes into one pending batch per key.
type BatchAggregator struct {
	mu      sync.Mutex
	batches map[BatchKey]*pendingBatch
	now     func() time.Time
}

// NewBatchAggregator creates an empty aggregator.
func NewBatchAggregator(now func() time.Time) *BatchAggregator {
	if now == nil {
		now = time.Now
	}
	return &BatchAggregator{
		batches: make(map[BatchKey]*pendingBatch),
		now:     now,
	}
}

// RecordVote appends displayName to the batch for key, creating it when
// absent. It reports whether the vote opened a new batch. onFirst, when
// non-nil, runs for a new batch before the lock is released so the flush it
// schedules is tied to exactly this batch. onFirst must not call back into
// the aggregator.
func (a *BatchAggregator) RecordVote(key BatchKey, displayName string, onFirst func()) bool {
	a.mu.Lock()
	defer a.mu.Unlock()

	b, ok := a.batches[key]
	if !ok {
		b = &pendingBatch{firstSeenAt: a.now()}
		a.batches[key] = b
	}
	b.names = append(b.names, displayName)

	first := len(b.names) == 1
	if first && onFirst != nil {
		onFirst()
	}
	return first
}

// Flush removes the batch for key and returns its names in arrival order.
// A missing or already flushed key returns nil.
func (a *BatchAggregator) Flush(key BatchKey) []string {
	a.mu.Lock()
	defer a.mu.Unlock()

	b, ok := a.batches[key]
	if !ok {
		return nil
	}
	delete(a.batches, key)
	return b.names
}

// Pending returns the number of open batches.
func (a *BatchAggregator) Pending() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.batches)
}

// OldestPending returns when the oldest open batch was started.
func (a *BatchAggregator) OldestPending() (time.Time, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()

	var oldest time.Time
	for _, b := range a.batches {
		if oldest.IsZero() || b.firstSeenAt.Before(oldest) {
			oldest = b.firstSeenAt
		}
	}
	return oldest, !oldest.IsZero()
}
