package storage

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"catalogbot/internal/catalog"
	"catalogbot/internal/transport"
)

// memoryStore is an in-process Store. It honors the same contracts as the
// sqlite driver (ascending-ID listing, immutable media mappings) so tests can
// exercise the core against it.
type memoryStore struct {
	mu       sync.Mutex
	subs     map[int64]Subscriber
	mappings map[MediaKey]string
	entries  map[catalog.EntryID]catalog.Entry
	nextID   catalog.EntryID
	audit    []DeliveryAudit
}

func NewMemory() Store {
	return &memoryStore{
		subs:     map[int64]Subscriber{},
		mappings: map[MediaKey]string{},
		entries:  map[catalog.EntryID]catalog.Entry{},
		nextID:   1,
	}
}

func (m *memoryStore) Close() error { return nil }

func (m *memoryStore) UpsertSubscriber(_ context.Context, s Subscriber) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s.Language == "" {
		s.Language = "en"
	}
	if s.FirstSeen.IsZero() {
		s.FirstSeen = time.Now()
	}
	if prev, ok := m.subs[s.ID]; ok {
		s.FirstSeen = prev.FirstSeen
		if s.LastDelivery.IsZero() {
			s.LastDelivery = prev.LastDelivery
		}
	}
	m.subs[s.ID] = s
	return nil
}

func (m *memoryStore) GetSubscriber(_ context.Context, id int64) (Subscriber, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.subs[id]
	return s, ok, nil
}

func (m *memoryStore) ListSubscribers(_ context.Context, onlyEligible bool) ([]Subscriber, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Subscriber, 0, len(m.subs))
	for _, s := range m.subs {
		if onlyEligible && (!s.Subscribed || s.Blocked) {
			continue
		}
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *memoryStore) SetSubscriberState(_ context.Context, id int64, subscribed, blocked bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.subs[id]
	if !ok {
		return nil
	}
	s.Subscribed = subscribed
	s.Blocked = blocked
	m.subs[id] = s
	return nil
}

func (m *memoryStore) TouchDelivery(_ context.Context, id int64, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.subs[id]
	if !ok {
		return nil
	}
	s.LastDelivery = at
	m.subs[id] = s
	return nil
}

func (m *memoryStore) GetMediaMapping(_ context.Context, key MediaKey) (string, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	h, ok := m.mappings[key]
	return h, ok, nil
}

func (m *memoryStore) PutMediaMapping(_ context.Context, key MediaKey, handle string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if stored, ok := m.mappings[key]; ok {
		if stored != handle {
			return fmt.Errorf("%w: key %s/%s->%s holds %q, got %q",
				ErrMappingConflict, key.Origin, key.Handle, key.Target, stored, handle)
		}
		return nil
	}
	m.mappings[key] = handle
	return nil
}

func (m *memoryStore) InvalidateMediaMappings(_ context.Context, origin transport.InstanceID) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for k := range m.mappings {
		if k.Origin == origin {
			delete(m.mappings, k)
			n++
		}
	}
	return n, nil
}

func (m *memoryStore) PutEntry(_ context.Context, e catalog.Entry) (catalog.EntryID, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if e.PublishedAt.IsZero() {
		e.PublishedAt = time.Now()
	}
	if e.ID == 0 {
		e.ID = m.nextID
		m.nextID++
	} else if e.ID >= m.nextID {
		m.nextID = e.ID + 1
	}
	m.entries[e.ID] = e
	return e.ID, nil
}

func (m *memoryStore) GetEntry(_ context.Context, id catalog.EntryID) (catalog.Entry, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[id]
	return e, ok, nil
}

func (m *memoryStore) ListRecentEntries(_ context.Context, limit int) ([]catalog.Entry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if limit <= 0 {
		limit = 50
	}
	out := make([]catalog.Entry, 0, len(m.entries))
	for _, e := range m.entries {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].PublishedAt.After(out[j].PublishedAt) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *memoryStore) AppendDeliveryAudit(_ context.Context, a DeliveryAudit) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if a.At.IsZero() {
		a.At = time.Now()
	}
	m.audit = append(m.audit, a)
	return nil
}

func (m *memoryStore) PruneDeliveryAudit(_ context.Context, before time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	kept := m.audit[:0]
	var n int64
	for _, a := range m.audit {
		if a.At.Before(before) {
			n++
			continue
		}
		kept = append(kept, a)
	}
	m.audit = kept
	return n, nil
}

func (m *memoryStore) PruneInstance(_ context.Context, instance transport.InstanceID) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for id, s := range m.subs {
		if s.Origin == instance {
			delete(m.subs, id)
			n++
		}
	}
	for k := range m.mappings {
		if k.Origin == instance || k.Target == instance {
			delete(m.mappings, k)
			n++
		}
	}
	return n, nil
}
