// Package ratelimit enforces the per-recipient anti-spam cap: at most N
// deliveries per recipient within a trailing window.
package ratelimit

import (
	"sync"
	"time"
)

// Limiter keeps one sliding window of delivery timestamps per key.
//
// Windows live in process memory; losing them on restart only makes the
// limiter temporarily over-permissive, which is an accepted trade-off.
//
// The consume path locks only the window belonging to the key, so unrelated
// keys never contend.
type Limiter struct {
	now func() time.Time

	mu      sync.Mutex // guards the windows map, never held during a consume
	windows map[int64]*window
}

type window struct {
	mu     sync.Mutex
	stamps []time.Time
	// dead marks a window removed by Sweep. A consumer that looked the
	// window up before the removal must not record into it.
	dead bool
}

func New() *Limiter {
	return NewWithClock(time.Now)
}

// NewWithClock injects the time source (tests).
func NewWithClock(now func() time.Time) *Limiter {
	if now == nil {
		now = time.Now
	}
	return &Limiter{now: now, windows: map[int64]*window{}}
}

// TryConsume evicts timestamps older than now-windowDur from the key's
// window, then records now and returns true only if the resulting count stays
// within capacity. On false no mutation is made.
//
// The check-and-record step is atomic per key: two concurrent calls never
// both succeed when a single slot remains.
func (l *Limiter) TryConsume(key int64, capacity int, windowDur time.Duration) bool {
	if capacity <= 0 {
		return false
	}
	for {
		w := l.window(key)
		w.mu.Lock()
		if w.dead {
			// Sweep removed this window between lookup and lock; retry so
			// the stamp lands in the live window, not an orphan.
			w.mu.Unlock()
			continue
		}
		now := l.now()
		w.evict(now.Add(-windowDur))
		ok := len(w.stamps) < capacity
		if ok {
			w.stamps = append(w.stamps, now)
		}
		w.mu.Unlock()
		return ok
	}
}

// Pending returns how many recorded deliveries are still inside the key's
// trailing window.
func (l *Limiter) Pending(key int64, windowDur time.Duration) int {
	l.mu.Lock()
	w := l.windows[key]
	l.mu.Unlock()
	if w == nil {
		return 0
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.dead {
		return 0
	}
	w.evict(l.now().Add(-windowDur))
	return len(w.stamps)
}

// Sweep drops windows that have been empty for at least windowDur, keeping
// the map bounded when subscribers churn. Returns the number of keys removed.
// Intended to run from a maintenance schedule.
func (l *Limiter) Sweep(windowDur time.Duration) int {
	cutoff := l.now().Add(-windowDur)

	l.mu.Lock()
	defer l.mu.Unlock()

	removed := 0
	for key, w := range l.windows {
		w.mu.Lock()
		w.evict(cutoff)
		if len(w.stamps) == 0 {
			// Marked under w.mu so a consumer holding a stale pointer sees
			// the removal and re-resolves the key.
			w.dead = true
			delete(l.windows, key)
			removed++
		}
		w.mu.Unlock()
	}
	return removed
}

func (l *Limiter) window(key int64) *window {
	l.mu.Lock()
	defer l.mu.Unlock()
	w := l.windows[key]
	if w == nil {
		w = &window{}
		l.windows[key] = w
	}
	return w
}

// evict drops stamps at or before cutoff. Caller holds w.mu.
func (w *window) evict(cutoff time.Time) {
	i := 0
	for i < len(w.stamps) && !w.stamps[i].After(cutoff) {
		i++
	}
	if i > 0 {
		w.stamps = append(w.stamps[:0], w.stamps[i:]...)
	}
}
