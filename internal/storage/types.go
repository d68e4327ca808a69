package storage

import (
	"context"
	"errors"
	"time"

	"catalogbot/internal/catalog"
	"catalogbot/internal/transport"
)

var (
	ErrDisabled = errors.New("storage disabled")

	// ErrMappingConflict is returned by PutMediaMapping when the key already
	// holds a different target handle. Mappings are immutable; a stale one can
	// only be cleared by explicit invalidation, never overwritten in place.
	ErrMappingConflict = errors.New("media mapping conflict")
)

// Config configures storage.
//
// Driver values:
//   - "sqlite": SQLite database file (default)
//   - "memory": in-process store, lost on restart (tests, dev)
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default
}

// Subscriber is one notification recipient.
//
// A recipient has exactly one logical row regardless of how many front-end
// instances exist; Origin records the instance they first interacted with,
// which is also the instance their deliveries go through.
type Subscriber struct {
	ID           int64
	ChatID       int64
	Origin       transport.InstanceID
	Language     string
	Subscribed   bool
	Blocked      bool
	LastDelivery time.Time
	FirstSeen    time.Time
}

// MediaKey identifies one cross-instance handle mapping.
type MediaKey struct {
	Origin transport.InstanceID
	Handle string
	Target transport.InstanceID
}

// DeliveryAudit records the aggregate outcome of one fan-out pass.
// Keep it compact and schema-stable.
type DeliveryAudit struct {
	PassID           string
	EntryID          int64
	At               time.Time
	Recipients       int
	Delivered        int
	RateLimited      int
	ResolutionFailed int
	SendFailed       int
	TookMS           int64
}

// Store is the persistence API used by the notification core.
type Store interface {
	catalog.Store

	UpsertSubscriber(ctx context.Context, s Subscriber) error
	GetSubscriber(ctx context.Context, id int64) (Subscriber, bool, error)
	// ListSubscribers returns subscribers in ascending ID order so fan-out is
	// reproducible. With onlyEligible it returns subscribed, unblocked rows.
	ListSubscribers(ctx context.Context, onlyEligible bool) ([]Subscriber, error)
	SetSubscriberState(ctx context.Context, id int64, subscribed, blocked bool) error
	TouchDelivery(ctx context.Context, id int64, at time.Time) error

	GetMediaMapping(ctx context.Context, key MediaKey) (handle string, ok bool, err error)
	PutMediaMapping(ctx context.Context, key MediaKey, handle string) error
	// InvalidateMediaMappings clears all mappings originating from the given
	// instance (operator action). Returns the number of rows removed.
	InvalidateMediaMappings(ctx context.Context, origin transport.InstanceID) (int64, error)

	AppendDeliveryAudit(ctx context.Context, a DeliveryAudit) error
	PruneDeliveryAudit(ctx context.Context, before time.Time) (int64, error)

	// PruneInstance removes subscriber and mapping rows tied to a
	// decommissioned front-end instance.
	PruneInstance(ctx context.Context, instance transport.InstanceID) (int64, error)

	Close() error
}
