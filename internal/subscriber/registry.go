// Package subscriber tracks which recipients want notifications and applies
// delivery outcomes to their persisted state.
package subscriber

import (
	"context"
	"fmt"
	"sync"
	"time"

	"catalogbot/internal/storage"
	logx "catalogbot/pkg/logx"
)

// Outcome is the per-recipient result of one delivery attempt.
type Outcome int

const (
	OutcomeDelivered Outcome = iota
	// OutcomePermanentFailure: the recipient is unreachable for good (blocked
	// the bot, account gone). Triggers auto-unsubscribe.
	OutcomePermanentFailure
	// OutcomeTransientFailure leaves subscriber state untouched.
	OutcomeTransientFailure
)

// Registry wraps the subscriber table with a small read-through cache.
//
// The cache serves point reads only; it is invalidated on every write to the
// same subscriber, and eligibility listings always hit the store so the
// blocked flag is never read stale.
type Registry struct {
	store storage.Store
	log   logx.Logger

	mu    sync.Mutex
	cache map[int64]storage.Subscriber
}

func New(store storage.Store, log logx.Logger) *Registry {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Registry{
		store: store,
		log:   log,
		cache: map[int64]storage.Subscriber{},
	}
}

// Get returns the subscriber row, serving repeat point reads from cache.
func (r *Registry) Get(ctx context.Context, id int64) (storage.Subscriber, bool, error) {
	r.mu.Lock()
	if s, ok := r.cache[id]; ok {
		r.mu.Unlock()
		return s, true, nil
	}
	r.mu.Unlock()

	s, ok, err := r.store.GetSubscriber(ctx, id)
	if err != nil {
		return storage.Subscriber{}, false, fmt.Errorf("registry get %d: %w", id, err)
	}
	if ok {
		r.mu.Lock()
		r.cache[id] = s
		r.mu.Unlock()
	}
	return s, ok, nil
}

// IsEligible reports whether the subscriber is opted in and not blocked.
// Missing rows (e.g. pruned by an operator mid-pass) count as ineligible.
func (r *Registry) IsEligible(ctx context.Context, id int64) (bool, error) {
	s, ok, err := r.Get(ctx, id)
	if err != nil {
		return false, err
	}
	return ok && s.Subscribed && !s.Blocked, nil
}

// ListEligible returns eligible subscribers minus the exclusion set, in
// ascending ID order. The listing always reads the store directly.
func (r *Registry) ListEligible(ctx context.Context, excluding map[int64]struct{}) ([]storage.Subscriber, error) {
	subs, err := r.store.ListSubscribers(ctx, true)
	if err != nil {
		return nil, fmt.Errorf("registry list: %w", err)
	}
	if len(excluding) == 0 {
		return subs, nil
	}
	out := subs[:0]
	for _, s := range subs {
		if _, skip := excluding[s.ID]; skip {
			continue
		}
		out = append(out, s)
	}
	return out, nil
}

// Upsert registers or refreshes a subscriber row (first-interaction path).
func (r *Registry) Upsert(ctx context.Context, s storage.Subscriber) error {
	if err := r.store.UpsertSubscriber(ctx, s); err != nil {
		return fmt.Errorf("registry upsert %d: %w", s.ID, err)
	}
	r.invalidate(s.ID)
	return nil
}

// MarkDeliveryOutcome applies one delivery outcome.
//
// Permanent failures set blocked and clear the opt-in flag; marking an
// already-blocked subscriber again is a no-op write (idempotent). Successes
// update the last-delivery timestamp. Transient failures change nothing.
func (r *Registry) MarkDeliveryOutcome(ctx context.Context, id int64, outcome Outcome, at time.Time) error {
	switch outcome {
	case OutcomeDelivered:
		if at.IsZero() {
			at = time.Now()
		}
		if err := r.store.TouchDelivery(ctx, id, at); err != nil {
			return fmt.Errorf("registry touch %d: %w", id, err)
		}
	case OutcomePermanentFailure:
		if err := r.store.SetSubscriberState(ctx, id, false, true); err != nil {
			return fmt.Errorf("registry block %d: %w", id, err)
		}
		r.log.Info("subscriber auto-unsubscribed after permanent failure", logx.Int64("user_id", id))
	case OutcomeTransientFailure:
		return nil
	}
	r.invalidate(id)
	return nil
}

// Resubscribe re-enables a previously blocked subscriber (explicit operator
// or user action).
func (r *Registry) Resubscribe(ctx context.Context, id int64) error {
	if err := r.store.SetSubscriberState(ctx, id, true, false); err != nil {
		return fmt.Errorf("registry resubscribe %d: %w", id, err)
	}
	r.invalidate(id)
	return nil
}

func (r *Registry) invalidate(id int64) {
	r.mu.Lock()
	delete(r.cache, id)
	r.mu.Unlock()
}
