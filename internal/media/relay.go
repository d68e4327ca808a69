package media

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	kit "catalogbot/internal/transport"
	logx "catalogbot/pkg/logx"
)

const (
	relayCaptionPrefix = "relay:"
	defaultForwardWait = 30 * time.Second
	relayWatchBuffer   = 32
)

// RelayForwarder obtains target-native handles by posting the media into the
// target instance's relay chat with a correlation token in the caption, then
// matching the token against the target adapter's incoming media updates.
type RelayForwarder struct {
	log  logx.Logger
	wait time.Duration

	mu        sync.RWMutex
	instances map[kit.InstanceID]relayInstance
}

type relayInstance struct {
	poster  kit.RelayPoster
	watcher kit.MediaWatcher
	chat    kit.ChatTarget
}

type RelayOption func(*RelayForwarder)

// WithForwardTimeout bounds how long Forward waits for the echoed media.
func WithForwardTimeout(d time.Duration) RelayOption {
	return func(f *RelayForwarder) {
		if d > 0 {
			f.wait = d
		}
	}
}

func NewRelayForwarder(log logx.Logger, opts ...RelayOption) *RelayForwarder {
	if log.IsZero() {
		log = logx.Nop()
	}
	f := &RelayForwarder{
		log:       log,
		wait:      defaultForwardWait,
		instances: map[kit.InstanceID]relayInstance{},
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// RegisterInstance wires one instance's posting and watching sides. An
// instance with chat.ChatID == 0 is treated as relay-disabled and Forward to
// it reports ErrInstanceNotReady.
func (f *RelayForwarder) RegisterInstance(id kit.InstanceID, poster kit.RelayPoster, watcher kit.MediaWatcher, chat kit.ChatTarget) {
	f.mu.Lock()
	f.instances[id] = relayInstance{poster: poster, watcher: watcher, chat: chat}
	f.mu.Unlock()
}

// Forward implements Forwarder. It posts the item into target's relay chat
// via the ORIGIN instance's poster (which holds a valid handle) and waits
// for the TARGET instance to observe the post, yielding its own handle.
func (f *RelayForwarder) Forward(ctx context.Context, item kit.MediaItem, target kit.InstanceID) (string, error) {
	f.mu.RLock()
	origin, originOK := f.instances[item.Origin]
	tgt, targetOK := f.instances[target]
	f.mu.RUnlock()

	if !originOK || origin.poster == nil {
		return "", fmt.Errorf("%w: origin %s not registered", ErrInstanceNotReady, item.Origin)
	}
	if !targetOK || tgt.watcher == nil || tgt.chat.ChatID == 0 {
		return "", fmt.Errorf("%w: target %s has no relay chat", ErrInstanceNotReady, target)
	}

	token := uuid.NewString()
	caption := relayCaptionPrefix + token

	// Subscribe before posting so the echo cannot slip past us.
	updates, unsubscribe := tgt.watcher.WatchMedia(relayWatchBuffer)
	defer unsubscribe()

	if _, err := origin.poster.PostMedia(ctx, tgt.chat.ChatID, item.Handle, item.Kind, caption); err != nil {
		return "", fmt.Errorf("relay post to %s: %w", target, err)
	}

	timer := time.NewTimer(f.wait)
	defer timer.Stop()

	for {
		select {
		case upd, ok := <-updates:
			if !ok {
				return "", fmt.Errorf("relay watch for %s closed", target)
			}
			if upd.Caption == caption {
				f.log.Debug("relay forward matched",
					logx.String("origin", string(item.Origin)),
					logx.String("target", string(target)),
					logx.String("kind", string(upd.Kind)))
				return upd.Handle, nil
			}
		case <-timer.C:
			return "", fmt.Errorf("relay echo from %s not seen within %s", target, f.wait)
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
}

// IsRelayCaption reports whether a caption is a relay correlation marker, so
// catalog ingestion can ignore relay traffic.
func IsRelayCaption(caption string) bool {
	return strings.HasPrefix(caption, relayCaptionPrefix)
}
