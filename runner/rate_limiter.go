package runner

import (
	"context"
	"sync"
	"time"
)

// maxTrackedKeys bounds the slot map before idle keys are swept.
const maxTrackedKeys = 1024

// RateLimiter paces work per key. For replication the key is the storage
// key; for the host it is the requesting origin.
type RateLimiter interface {
	Wait(ctx context.Context, key string) error
	Close()
}

// slotLimiter hands out start times. A key gets at most burst starts in
// any window; callers sleep until their slot without holding the lock.
// A cancelled caller keeps its slot.
type slotLimiter struct {
	burst  int
	window time.Duration
	perKey bool

	mu    sync.Mutex
	slots map[string][]time.Time
}

// NewGlobalRateLimiter spaces every Wait evenly, whatever the key.
func NewGlobalRateLimiter(requestsPerSecond int) RateLimiter {
	if requestsPerSecond <= 0 {
		return NoRateLimiter()
	}
	return &slotLimiter{
		burst:  1,
		window: time.Second / time.Duration(requestsPerSecond),
		slots:  make(map[string][]time.Time),
	}
}

// NewKeyedRateLimiter allows maxRequests per key within a sliding window.
func NewKeyedRateLimiter(maxRequests int, window time.Duration) RateLimiter {
	if maxRequests <= 0 || window <= 0 {
		return NoRateLimiter()
	}
	return &slotLimiter{
		burst:  maxRequests,
		window: window,
		perKey: true,
		slots:  make(map[string][]time.Time),
	}
}

func (l *slotLimiter) Wait(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	d := time.Until(l.reserve(key, time.Now()))
	if d <= 0 {
		return nil
	}

	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// reserve books the earliest start at or after now that keeps key within
// its budget.
func (l *slotLimiter) reserve(key string, now time.Time) time.Time {
	if !l.perKey {
		key = ""
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if len(l.slots) > maxTrackedKeys {
		l.sweep(now)
	}

	slots := l.slots[key]
	at := now
	if len(slots) >= l.burst {
		if next := slots[len(slots)-l.burst].Add(l.window); next.After(at) {
			at = next
		}
	}

	slots = append(slots, at)
	if len(slots) > l.burst {
		slots = slots[len(slots)-l.burst:]
	}
	l.slots[key] = slots
	return at
}

func (l *slotLimiter) sweep(now time.Time) {
	for key, slots := range l.slots {
		if slots[len(slots)-1].Add(l.window).Before(now) {
			delete(l.slots, key)
		}
	}
}

func (l *slotLimiter) Close() {}

type noRateLimiter struct{}

func NoRateLimiter() RateLimiter {
	return &noRateLimiter{}
}

func (r *noRateLimiter) Wait(ctx context.Context, key string) error {
	return nil
}

func (r *noRateLimiter) Close() {}
