package ratelimit

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestTryConsumeWindowRoll(t *testing.T) {
	t.Parallel()

	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	var mu sync.Mutex
	clock := func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		return now
	}
	advance := func(d time.Duration) {
		mu.Lock()
		now = now.Add(d)
		mu.Unlock()
	}

	l := NewWithClock(clock)
	const key = int64(42)

	// Five deliveries within the hour all pass.
	for i := 0; i < 5; i++ {
		if !l.TryConsume(key, 5, time.Hour) {
			t.Fatalf("attempt %d rejected, want accepted", i+1)
		}
		advance(time.Minute)
	}

	// Sixth within the same hour is rejected and must not mutate the window.
	if l.TryConsume(key, 5, time.Hour) {
		t.Fatal("6th attempt accepted within the window")
	}
	if got := l.Pending(key, time.Hour); got != 5 {
		t.Fatalf("Pending = %d after rejected attempt, want 5", got)
	}

	// After the window rolls past the first timestamps, attempts pass again.
	advance(time.Hour)
	if !l.TryConsume(key, 5, time.Hour) {
		t.Fatal("attempt after window elapsed rejected")
	}
}

func TestTryConsumeIndependentKeys(t *testing.T) {
	t.Parallel()

	l := New()
	if !l.TryConsume(1, 1, time.Hour) {
		t.Fatal("first key rejected")
	}
	if l.TryConsume(1, 1, time.Hour) {
		t.Fatal("first key accepted beyond capacity")
	}
	// A saturated key never affects another key.
	if !l.TryConsume(2, 1, time.Hour) {
		t.Fatal("second key rejected")
	}
}

func TestTryConsumeConcurrentNeverExceedsCapacity(t *testing.T) {
	t.Parallel()

	const (
		capacity   = 5
		goroutines = 64
	)
	l := New()

	var (
		wg       sync.WaitGroup
		accepted atomic.Int64
		start    = make(chan struct{})
	)
	wg.Add(goroutines)
	for i := 0; i < goroutines; i++ {
		go func() {
			defer wg.Done()
			<-start
			if l.TryConsume(7, capacity, time.Hour) {
				accepted.Add(1)
			}
		}()
	}
	close(start)
	wg.Wait()

	if got := accepted.Load(); got != capacity {
		t.Fatalf("accepted = %d concurrent consumes, want exactly %d", got, capacity)
	}
}

func TestSweepDropsEmptyWindows(t *testing.T) {
	t.Parallel()

	now := time.Now()
	var mu sync.Mutex
	clock := func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		return now
	}

	l := NewWithClock(clock)
	for key := int64(1); key <= 10; key++ {
		if !l.TryConsume(key, 5, time.Hour) {
			t.Fatalf("key %d rejected", key)
		}
	}

	mu.Lock()
	now = now.Add(2 * time.Hour)
	mu.Unlock()

	if removed := l.Sweep(time.Hour); removed != 10 {
		t.Fatalf("Sweep removed %d windows, want 10", removed)
	}
	// Swept keys behave like fresh ones.
	if !l.TryConsume(1, 5, time.Hour) {
		t.Fatal("fresh consume after sweep rejected")
	}
}

func TestSweepDoesNotOrphanConcurrentConsumes(t *testing.T) {
	t.Parallel()

	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	var mu sync.Mutex
	clock := func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		return now
	}

	l := NewWithClock(clock)
	const key = int64(9)
	if !l.TryConsume(key, 5, time.Hour) {
		t.Fatal("initial consume rejected")
	}
	stale := l.windows[key]

	mu.Lock()
	now = now.Add(2 * time.Hour)
	mu.Unlock()
	if removed := l.Sweep(time.Hour); removed != 1 {
		t.Fatalf("Sweep removed %d windows, want 1", removed)
	}

	// The swept window is tombstoned, so a consumer that resolved the key
	// before the sweep cannot record into it.
	stale.mu.Lock()
	dead := stale.dead
	stale.mu.Unlock()
	if !dead {
		t.Fatal("swept window not marked dead")
	}

	if !l.TryConsume(key, 1, time.Hour) {
		t.Fatal("consume after sweep rejected")
	}
	if l.windows[key] == stale {
		t.Fatal("stamp recorded in the swept window")
	}
	if got := l.Pending(key, time.Hour); got != 1 {
		t.Fatalf("Pending = %d, want 1 in the live window", got)
	}
	// The live window enforces capacity; the stamp did not vanish with the
	// old one.
	if l.TryConsume(key, 1, time.Hour) {
		t.Fatal("capacity 1 admitted a second consume")
	}
}
