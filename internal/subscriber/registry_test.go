package subscriber

import (
	"context"
	"testing"
	"time"

	"catalogbot/internal/storage"
	logx "catalogbot/pkg/logx"
)

func seedRegistry(t *testing.T, subs ...storage.Subscriber) *Registry {
	t.Helper()
	r := New(storage.NewMemory(), logx.Nop())
	for _, s := range subs {
		if err := r.Upsert(context.Background(), s); err != nil {
			t.Fatalf("seed %d: %v", s.ID, err)
		}
	}
	return r
}

func TestListEligibleOrderAndExclusion(t *testing.T) {
	t.Parallel()

	r := seedRegistry(t,
		storage.Subscriber{ID: 30, ChatID: 30, Origin: "alpha", Subscribed: true},
		storage.Subscriber{ID: 10, ChatID: 10, Origin: "alpha", Subscribed: true},
		storage.Subscriber{ID: 20, ChatID: 20, Origin: "beta", Subscribed: true},
		storage.Subscriber{ID: 40, ChatID: 40, Origin: "beta", Subscribed: false},
		storage.Subscriber{ID: 50, ChatID: 50, Origin: "beta", Subscribed: true, Blocked: true},
	)

	got, err := r.ListEligible(context.Background(), map[int64]struct{}{20: {}})
	if err != nil {
		t.Fatalf("ListEligible: %v", err)
	}
	want := []int64{10, 30}
	if len(got) != len(want) {
		t.Fatalf("ListEligible returned %d subscribers, want %d", len(got), len(want))
	}
	for i, s := range got {
		if s.ID != want[i] {
			t.Fatalf("ListEligible[%d] = %d, want %d (ascending ID order)", i, s.ID, want[i])
		}
	}
}

func TestIsEligible(t *testing.T) {
	t.Parallel()

	r := seedRegistry(t,
		storage.Subscriber{ID: 1, Subscribed: true},
		storage.Subscriber{ID: 2, Subscribed: false},
		storage.Subscriber{ID: 3, Subscribed: true, Blocked: true},
	)

	tests := []struct {
		id   int64
		want bool
	}{
		{1, true},
		{2, false},
		{3, false},
		{99, false}, // unknown (e.g. pruned mid-pass) counts as ineligible
	}
	for _, tt := range tests {
		got, err := r.IsEligible(context.Background(), tt.id)
		if err != nil {
			t.Fatalf("IsEligible(%d): %v", tt.id, err)
		}
		if got != tt.want {
			t.Fatalf("IsEligible(%d) = %v, want %v", tt.id, got, tt.want)
		}
	}
}

func TestPermanentFailureBlocksIdempotently(t *testing.T) {
	t.Parallel()

	r := seedRegistry(t, storage.Subscriber{ID: 7, Subscribed: true})
	ctx := context.Background()

	if err := r.MarkDeliveryOutcome(ctx, 7, OutcomePermanentFailure, time.Now()); err != nil {
		t.Fatalf("first mark: %v", err)
	}
	// Marking again must not error or change the outcome.
	if err := r.MarkDeliveryOutcome(ctx, 7, OutcomePermanentFailure, time.Now()); err != nil {
		t.Fatalf("repeat mark: %v", err)
	}

	s, ok, err := r.Get(ctx, 7)
	if err != nil || !ok {
		t.Fatalf("Get after block: ok=%v err=%v", ok, err)
	}
	if !s.Blocked || s.Subscribed {
		t.Fatalf("after permanent failure: blocked=%v subscribed=%v, want true/false", s.Blocked, s.Subscribed)
	}

	if got, _ := r.IsEligible(ctx, 7); got {
		t.Fatal("blocked subscriber still eligible")
	}

	// Explicit re-subscribe restores eligibility.
	if err := r.Resubscribe(ctx, 7); err != nil {
		t.Fatalf("Resubscribe: %v", err)
	}
	if got, _ := r.IsEligible(ctx, 7); !got {
		t.Fatal("resubscribed subscriber not eligible")
	}
}

func TestDeliveredUpdatesLastDelivery(t *testing.T) {
	t.Parallel()

	r := seedRegistry(t, storage.Subscriber{ID: 5, Subscribed: true})
	ctx := context.Background()

	at := time.Date(2025, 6, 1, 8, 0, 0, 0, time.UTC)
	if err := r.MarkDeliveryOutcome(ctx, 5, OutcomeDelivered, at); err != nil {
		t.Fatalf("mark delivered: %v", err)
	}

	s, ok, err := r.Get(ctx, 5)
	if err != nil || !ok {
		t.Fatalf("Get: ok=%v err=%v", ok, err)
	}
	if !s.LastDelivery.Equal(at) {
		t.Fatalf("LastDelivery = %v, want %v", s.LastDelivery, at)
	}
}

func TestTransientFailureChangesNothing(t *testing.T) {
	t.Parallel()

	r := seedRegistry(t, storage.Subscriber{ID: 9, Subscribed: true})
	ctx := context.Background()

	if err := r.MarkDeliveryOutcome(ctx, 9, OutcomeTransientFailure, time.Now()); err != nil {
		t.Fatalf("mark transient: %v", err)
	}
	s, _, _ := r.Get(ctx, 9)
	if s.Blocked || !s.Subscribed || !s.LastDelivery.IsZero() {
		t.Fatalf("transient failure mutated state: %+v", s)
	}
}

func TestCacheInvalidatedOnWrite(t *testing.T) {
	t.Parallel()

	r := seedRegistry(t, storage.Subscriber{ID: 3, ChatID: 3, Subscribed: true})
	ctx := context.Background()

	// Warm the read cache, then write through the registry; the next read
	// must see the committed state, not the cached copy.
	if _, _, err := r.Get(ctx, 3); err != nil {
		t.Fatalf("warm read: %v", err)
	}
	if err := r.MarkDeliveryOutcome(ctx, 3, OutcomePermanentFailure, time.Now()); err != nil {
		t.Fatalf("mark: %v", err)
	}
	s, _, err := r.Get(ctx, 3)
	if err != nil {
		t.Fatalf("read after write: %v", err)
	}
	if !s.Blocked {
		t.Fatal("read served stale cached subscriber after write")
	}
}
