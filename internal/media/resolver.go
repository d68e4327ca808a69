// Package media resolves origin-instance media handles into handles usable by
// a target instance, caching results durably so each pair is forwarded once.
package media

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"catalogbot/internal/storage"
	kit "catalogbot/internal/transport"
	logx "catalogbot/pkg/logx"
)

var (
	// ErrResolutionFailed wraps any failure to obtain a target-side handle.
	ErrResolutionFailed = errors.New("media resolution failed")
	// ErrInstanceNotReady means the target instance has no relay channel
	// configured or its adapter is not running yet.
	ErrInstanceNotReady = errors.New("instance not ready for media relay")
)

// Forwarder produces a target-native handle for a media item, typically by
// re-posting the media through the target instance and capturing the result.
type Forwarder interface {
	Forward(ctx context.Context, item kit.MediaItem, target kit.InstanceID) (string, error)
}

type flight struct {
	done   chan struct{}
	handle string
	err    error
}

// Resolver is the cache-first resolution path. Concurrent requests for the
// same (origin, handle, target) key share one forward; failures are returned
// to every waiter but never cached, so the next request retries.
type Resolver struct {
	store     storage.Store
	forwarder Forwarder
	log       logx.Logger

	mu       sync.Mutex
	inflight map[storage.MediaKey]*flight
}

func NewResolver(store storage.Store, fw Forwarder, log logx.Logger) *Resolver {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Resolver{
		store:     store,
		forwarder: fw,
		log:       log,
		inflight:  map[storage.MediaKey]*flight{},
	}
}

// Resolve returns a handle for item valid on the target instance.
//
// When the item already originates from the target the origin handle is
// returned as-is, with no store or forwarder involvement.
func (r *Resolver) Resolve(ctx context.Context, item kit.MediaItem, target kit.InstanceID) (kit.ResolvedMedia, error) {
	if item.Origin == target {
		return kit.ResolvedMedia{Handle: item.Handle, Kind: item.Kind}, nil
	}

	key := storage.MediaKey{Origin: item.Origin, Handle: item.Handle, Target: target}

	if handle, ok, err := r.store.GetMediaMapping(ctx, key); err != nil {
		return kit.ResolvedMedia{}, fmt.Errorf("%w: cache read: %w", ErrResolutionFailed, err)
	} else if ok {
		return kit.ResolvedMedia{Handle: handle, Kind: item.Kind}, nil
	}

	r.mu.Lock()
	if f, ok := r.inflight[key]; ok {
		r.mu.Unlock()
		select {
		case <-f.done:
			if f.err != nil {
				return kit.ResolvedMedia{}, f.err
			}
			return kit.ResolvedMedia{Handle: f.handle, Kind: item.Kind}, nil
		case <-ctx.Done():
			return kit.ResolvedMedia{}, fmt.Errorf("%w: %w", ErrResolutionFailed, ctx.Err())
		}
	}
	f := &flight{done: make(chan struct{})}
	r.inflight[key] = f
	r.mu.Unlock()

	f.handle, f.err = r.forwardAndCache(ctx, key, item, target)
	r.mu.Lock()
	delete(r.inflight, key)
	r.mu.Unlock()
	close(f.done)

	if f.err != nil {
		return kit.ResolvedMedia{}, f.err
	}
	return kit.ResolvedMedia{Handle: f.handle, Kind: item.Kind}, nil
}

func (r *Resolver) forwardAndCache(ctx context.Context, key storage.MediaKey, item kit.MediaItem, target kit.InstanceID) (string, error) {
	// Re-check the cache after winning the flight slot: a flight for the same
	// key may have completed between this caller's miss and its slot
	// acquisition, and that write must not trigger a second forward.
	if stored, ok, err := r.store.GetMediaMapping(ctx, key); err == nil && ok {
		return stored, nil
	}

	handle, err := r.forwarder.Forward(ctx, item, target)
	if err != nil {
		r.log.Warn("media forward failed",
			logx.String("origin", string(key.Origin)),
			logx.String("target", string(key.Target)),
			logx.Err(err))
		return "", fmt.Errorf("%w: %w", ErrResolutionFailed, err)
	}

	if err := r.store.PutMediaMapping(ctx, key, handle); err != nil {
		if errors.Is(err, storage.ErrMappingConflict) {
			// Another writer cached a different handle first; the stored one
			// wins so all instances converge on a single mapping.
			stored, ok, gerr := r.store.GetMediaMapping(ctx, key)
			if gerr == nil && ok {
				r.log.Warn("media mapping conflict, keeping stored handle",
					logx.String("origin", string(key.Origin)),
					logx.String("target", string(key.Target)))
				return stored, nil
			}
			return "", fmt.Errorf("%w: %w", ErrResolutionFailed, err)
		}
		// The forward itself worked; a cache write failure only costs a
		// repeat forward later.
		r.log.Warn("media mapping write failed",
			logx.String("origin", string(key.Origin)),
			logx.String("target", string(key.Target)),
			logx.Err(err))
	}
	return handle, nil
}
