package engine

import (
	"context"
	"sync"
	"time"
)

// Admitter decides whether one more notification may be sent to a recipient.
// A true result records the attempt.
type Admitter interface {
	TryAdmit(ctx context.Context, recipientID string) bool
}

// RateLimiter is an in-memory sliding window log, one window per recipient.
type RateLimiter struct {
	mu      sync.Mutex
	windows map[string][]time.Time

	max    int
	window time.Duration
	now    func() time.Time
}

// NewRateLimiter allows limit admissions per recipient within any window.
func NewRateLimiter(limit int, window time.Duration, now func() time.Time) *RateLimiter {
	if now == nil {
		now = time.Now
	}
	return &RateLimiter{
		windows: make(map[string][]time.Time),
		max:     limit,
		window:  window,
		now:     now,
	}
}

// TryAdmit prunes the recipient's window, rejects when the cap is reached
// and otherwise records now.
func (l *RateLimiter) TryAdmit(_ context.Context, recipientID string) bool {
	now := l.now()
	windowStart := now.Add(-l.window)

	l.mu.Lock()
	defer l.mu.Unlock()

	stamps := prune(l.windows[recipientID], windowStart)
	if len(stamps) >= l.max {
		l.windows[recipientID] = stamps
		return false
	}
	l.windows[recipientID] = append(stamps, now)
	return true
}

// Remaining reports how many admissions the recipient has left right now.
func (l *RateLimiter) Remaining(recipientID string) int {
	windowStart := l.now().Add(-l.window)

	l.mu.Lock()
	defer l.mu.Unlock()
	return max(0, l.max-len(prune(l.windows[recipientID], windowStart)))
}

// Prune drops recipients whose whole window has expired.
func (l *RateLimiter) Prune() int {
	windowStart := l.now().Add(-l.window)

	l.mu.Lock()
	defer l.mu.Unlock()

	removed := 0
	for id, stamps := range l.windows {
		if len(prune(stamps, windowStart)) == 0 {
			delete(l.windows, id)
			removed++
		}
	}
	return removed
}

// Len returns the number of tracked recipients.
func (l *RateLimiter) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.windows)
}

// prune drops timestamps older than windowStart. stamps is ordered.
func prune(stamps []time.Time, windowStart time.Time) []time.Time {
	i := 0
	for i < len(stamps) && stamps[i].Before(windowStart) {
		i++
	}
	if i == 0 {
		return stamps
	}
	return append(stamps[:0], stamps[i:]...)
}
