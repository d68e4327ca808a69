package storage

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"catalogbot/internal/catalog"
	kit "catalogbot/internal/transport"
	logx "catalogbot/pkg/logx"
)

// The drivers share one contract; every test below runs against both.
func withStores(t *testing.T, fn func(t *testing.T, s Store)) {
	t.Helper()
	t.Run("memory", func(t *testing.T) {
		t.Parallel()
		fn(t, NewMemory())
	})
	t.Run("sqlite", func(t *testing.T) {
		t.Parallel()
		s, err := Open(Config{Driver: "sqlite", Path: filepath.Join(t.TempDir(), "test.db")}, logx.Nop())
		if err != nil {
			t.Fatalf("open sqlite: %v", err)
		}
		t.Cleanup(func() { _ = s.Close() })
		fn(t, s)
	})
}

func TestSubscriberRoundTrip(t *testing.T) {
	t.Parallel()
	withStores(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		in := Subscriber{
			ID: 7, ChatID: 70, Origin: "alpha", Language: "id",
			Subscribed: true, FirstSeen: time.Now(),
		}
		if err := s.UpsertSubscriber(ctx, in); err != nil {
			t.Fatalf("upsert: %v", err)
		}

		got, ok, err := s.GetSubscriber(ctx, 7)
		if err != nil || !ok {
			t.Fatalf("get: ok=%v err=%v", ok, err)
		}
		if got.ChatID != 70 || got.Origin != "alpha" || got.Language != "id" || !got.Subscribed {
			t.Fatalf("round trip mismatch: %+v", got)
		}

		if _, ok, err := s.GetSubscriber(ctx, 999); err != nil || ok {
			t.Fatalf("missing subscriber: ok=%v err=%v", ok, err)
		}
	})
}

func TestListSubscribersEligibleAscending(t *testing.T) {
	t.Parallel()
	withStores(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		seed := []Subscriber{
			{ID: 3, Origin: "alpha", Subscribed: true},
			{ID: 1, Origin: "alpha", Subscribed: true},
			{ID: 2, Origin: "beta", Subscribed: true, Blocked: true},
			{ID: 4, Origin: "beta", Subscribed: false},
		}
		for _, sub := range seed {
			if err := s.UpsertSubscriber(ctx, sub); err != nil {
				t.Fatalf("seed %d: %v", sub.ID, err)
			}
		}

		all, err := s.ListSubscribers(ctx, false)
		if err != nil {
			t.Fatalf("list all: %v", err)
		}
		if len(all) != 4 {
			t.Fatalf("list all = %d rows, want 4", len(all))
		}

		eligible, err := s.ListSubscribers(ctx, true)
		if err != nil {
			t.Fatalf("list eligible: %v", err)
		}
		want := []int64{1, 3}
		if len(eligible) != len(want) {
			t.Fatalf("eligible = %d rows, want %d", len(eligible), len(want))
		}
		for i, sub := range eligible {
			if sub.ID != want[i] {
				t.Fatalf("eligible[%d] = %d, want %d (ascending)", i, sub.ID, want[i])
			}
		}
	})
}

func TestSetSubscriberStateAndTouch(t *testing.T) {
	t.Parallel()
	withStores(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		if err := s.UpsertSubscriber(ctx, Subscriber{ID: 1, Subscribed: true}); err != nil {
			t.Fatalf("seed: %v", err)
		}

		if err := s.SetSubscriberState(ctx, 1, false, true); err != nil {
			t.Fatalf("set state: %v", err)
		}
		got, _, err := s.GetSubscriber(ctx, 1)
		if err != nil {
			t.Fatalf("get: %v", err)
		}
		if got.Subscribed || !got.Blocked {
			t.Fatalf("state = %+v, want unsubscribed+blocked", got)
		}

		at := time.Now().Truncate(time.Millisecond)
		if err := s.TouchDelivery(ctx, 1, at); err != nil {
			t.Fatalf("touch: %v", err)
		}
		got, _, _ = s.GetSubscriber(ctx, 1)
		if !got.LastDelivery.Equal(at) {
			t.Fatalf("LastDelivery = %v, want %v", got.LastDelivery, at)
		}
	})
}

func TestMediaMappingImmutable(t *testing.T) {
	t.Parallel()
	withStores(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		key := MediaKey{Origin: "alpha", Handle: "h1", Target: "beta"}

		if _, ok, err := s.GetMediaMapping(ctx, key); err != nil || ok {
			t.Fatalf("empty get: ok=%v err=%v", ok, err)
		}
		if err := s.PutMediaMapping(ctx, key, "beta-h1"); err != nil {
			t.Fatalf("first put: %v", err)
		}
		// Same value again is a no-op.
		if err := s.PutMediaMapping(ctx, key, "beta-h1"); err != nil {
			t.Fatalf("idempotent put: %v", err)
		}
		// A different value for a held key is a conflict, never an overwrite.
		err := s.PutMediaMapping(ctx, key, "beta-OTHER")
		if !errors.Is(err, ErrMappingConflict) {
			t.Fatalf("conflicting put error = %v, want ErrMappingConflict", err)
		}
		got, ok, err := s.GetMediaMapping(ctx, key)
		if err != nil || !ok {
			t.Fatalf("get after conflict: ok=%v err=%v", ok, err)
		}
		if got != "beta-h1" {
			t.Fatalf("mapping = %q, want the first committed value", got)
		}
	})
}

func TestInvalidateMediaMappings(t *testing.T) {
	t.Parallel()
	withStores(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		put := func(origin kit.InstanceID, handle string) {
			t.Helper()
			key := MediaKey{Origin: origin, Handle: handle, Target: "gamma"}
			if err := s.PutMediaMapping(ctx, key, "g-"+handle); err != nil {
				t.Fatalf("put %s/%s: %v", origin, handle, err)
			}
		}
		put("alpha", "h1")
		put("alpha", "h2")
		put("beta", "h3")

		n, err := s.InvalidateMediaMappings(ctx, "alpha")
		if err != nil {
			t.Fatalf("invalidate: %v", err)
		}
		if n != 2 {
			t.Fatalf("invalidated %d rows, want 2", n)
		}
		if _, ok, _ := s.GetMediaMapping(ctx, MediaKey{Origin: "alpha", Handle: "h1", Target: "gamma"}); ok {
			t.Fatal("alpha mapping survived invalidation")
		}
		if _, ok, _ := s.GetMediaMapping(ctx, MediaKey{Origin: "beta", Handle: "h3", Target: "gamma"}); !ok {
			t.Fatal("beta mapping was collaterally invalidated")
		}
	})
}

func TestEntryRoundTrip(t *testing.T) {
	t.Parallel()
	withStores(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		in := catalog.Entry{
			Category:    "tools",
			Subcategory: "hand",
			Caption:     "caption text",
			Media: []kit.MediaItem{
				{Origin: "alpha", Handle: "p1", Kind: kit.MediaPhoto},
				{Origin: "alpha", Handle: "v1", Kind: kit.MediaVideo},
			},
			Origin:      "alpha",
			PublishedAt: time.Now(),
		}
		id, err := s.PutEntry(ctx, in)
		if err != nil {
			t.Fatalf("put entry: %v", err)
		}
		if id == 0 {
			t.Fatal("put entry returned zero ID")
		}

		got, ok, err := s.GetEntry(ctx, id)
		if err != nil || !ok {
			t.Fatalf("get entry: ok=%v err=%v", ok, err)
		}
		if got.Category != "tools" || len(got.Media) != 2 || got.Media[1].Handle != "v1" {
			t.Fatalf("entry mismatch: %+v", got)
		}

		recent, err := s.ListRecentEntries(ctx, 10)
		if err != nil {
			t.Fatalf("list recent: %v", err)
		}
		if len(recent) != 1 || recent[0].ID != id {
			t.Fatalf("recent = %+v", recent)
		}
	})
}

func TestDeliveryAuditPrune(t *testing.T) {
	t.Parallel()
	withStores(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		old := DeliveryAudit{PassID: "p1", EntryID: 1, At: time.Now().Add(-48 * time.Hour), Recipients: 3, Delivered: 3}
		fresh := DeliveryAudit{PassID: "p2", EntryID: 2, At: time.Now(), Recipients: 1, Delivered: 1}
		if err := s.AppendDeliveryAudit(ctx, old); err != nil {
			t.Fatalf("append old: %v", err)
		}
		if err := s.AppendDeliveryAudit(ctx, fresh); err != nil {
			t.Fatalf("append fresh: %v", err)
		}

		n, err := s.PruneDeliveryAudit(ctx, time.Now().Add(-24*time.Hour))
		if err != nil {
			t.Fatalf("prune: %v", err)
		}
		if n != 1 {
			t.Fatalf("pruned %d rows, want 1", n)
		}
	})
}

func TestPruneInstance(t *testing.T) {
	t.Parallel()
	withStores(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		if err := s.UpsertSubscriber(ctx, Subscriber{ID: 1, Origin: "old", Subscribed: true}); err != nil {
			t.Fatalf("seed sub: %v", err)
		}
		if err := s.UpsertSubscriber(ctx, Subscriber{ID: 2, Origin: "alpha", Subscribed: true}); err != nil {
			t.Fatalf("seed sub: %v", err)
		}
		if err := s.PutMediaMapping(ctx, MediaKey{Origin: "old", Handle: "h", Target: "alpha"}, "x"); err != nil {
			t.Fatalf("seed mapping: %v", err)
		}
		if err := s.PutMediaMapping(ctx, MediaKey{Origin: "alpha", Handle: "h", Target: "old"}, "y"); err != nil {
			t.Fatalf("seed mapping: %v", err)
		}

		n, err := s.PruneInstance(ctx, "old")
		if err != nil {
			t.Fatalf("prune instance: %v", err)
		}
		if n != 3 {
			t.Fatalf("pruned %d rows, want 3 (1 subscriber + 2 mappings)", n)
		}

		// Remaining state is untouched; gone rows read as miss, not error.
		if _, ok, err := s.GetSubscriber(ctx, 1); err != nil || ok {
			t.Fatalf("pruned subscriber: ok=%v err=%v", ok, err)
		}
		if _, ok, err := s.GetSubscriber(ctx, 2); err != nil || !ok {
			t.Fatalf("surviving subscriber: ok=%v err=%v", ok, err)
		}
	})
}
