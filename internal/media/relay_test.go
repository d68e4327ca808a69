package media

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	kit "catalogbot/internal/transport"
	logx "catalogbot/pkg/logx"
)

func testLogger() logx.Logger { return logx.Nop() }

// fakeInstance wires a poster to a watcher the way two live adapters would
// be: posting into the relay chat makes the target "observe" the media with
// a fresh target-native handle.
type fakeInstance struct {
	mu       sync.Mutex
	watchers map[int]chan kit.MediaUpdate
	seq      int

	prefix   string
	postErr  error
	silent   bool // swallow posts; nothing is observed
	lastPost kit.MediaUpdate
}

func newFakeInstance(prefix string) *fakeInstance {
	return &fakeInstance{watchers: map[int]chan kit.MediaUpdate{}, prefix: prefix}
}

func (f *fakeInstance) PostMedia(ctx context.Context, chatID int64, handle string, kind kit.MediaKind, caption string) (kit.MessageRef, error) {
	if f.postErr != nil {
		return kit.MessageRef{}, f.postErr
	}
	up := kit.MediaUpdate{
		ChatID:  chatID,
		Handle:  f.prefix + handle,
		Kind:    kind,
		Caption: caption,
	}
	f.mu.Lock()
	f.lastPost = up
	chs := make([]chan kit.MediaUpdate, 0, len(f.watchers))
	if !f.silent {
		for _, ch := range f.watchers {
			chs = append(chs, ch)
		}
	}
	f.mu.Unlock()
	for _, ch := range chs {
		select {
		case ch <- up:
		default:
		}
	}
	return kit.MessageRef{ChatID: chatID, MessageID: 1}, nil
}

func (f *fakeInstance) WatchMedia(buffer int) (<-chan kit.MediaUpdate, func()) {
	ch := make(chan kit.MediaUpdate, buffer)
	f.mu.Lock()
	f.seq++
	id := f.seq
	f.watchers[id] = ch
	f.mu.Unlock()
	return ch, func() {
		f.mu.Lock()
		delete(f.watchers, id)
		f.mu.Unlock()
	}
}

func TestForwardRoundTrip(t *testing.T) {
	t.Parallel()

	// The target instance observes what the origin posts into its relay chat.
	target := newFakeInstance("beta:")
	fw := NewRelayForwarder(testLogger())
	fw.RegisterInstance("alpha", target, nil, kit.ChatTarget{})
	fw.RegisterInstance("beta", nil, target, kit.ChatTarget{ChatID: 900})

	item := kit.MediaItem{Origin: "alpha", Handle: "h1", Kind: kit.MediaPhoto}
	got, err := fw.Forward(context.Background(), item, "beta")
	if err != nil {
		t.Fatalf("Forward: %v", err)
	}
	if got != "beta:h1" {
		t.Fatalf("Forward handle = %q, want beta:h1", got)
	}

	target.mu.Lock()
	post := target.lastPost
	target.mu.Unlock()
	if post.ChatID != 900 {
		t.Fatalf("posted to chat %d, want the target relay chat 900", post.ChatID)
	}
	if !IsRelayCaption(post.Caption) {
		t.Fatalf("relay post caption %q carries no correlation marker", post.Caption)
	}
}

func TestForwardCorrelationIgnoresUnrelatedMedia(t *testing.T) {
	t.Parallel()

	target := newFakeInstance("beta:")
	fw := NewRelayForwarder(testLogger(), WithForwardTimeout(2*time.Second))
	fw.RegisterInstance("alpha", target, nil, kit.ChatTarget{})
	fw.RegisterInstance("beta", nil, target, kit.ChatTarget{ChatID: 900})

	// Unrelated chatter in the relay chat before the echo arrives.
	done := make(chan struct{})
	go func() {
		defer close(done)
		target.mu.Lock()
		chs := make([]chan kit.MediaUpdate, 0, len(target.watchers))
		for _, ch := range target.watchers {
			chs = append(chs, ch)
		}
		target.mu.Unlock()
		for _, ch := range chs {
			select {
			case ch <- kit.MediaUpdate{Handle: "noise", Caption: "hello"}:
			default:
			}
		}
	}()

	item := kit.MediaItem{Origin: "alpha", Handle: "h2", Kind: kit.MediaVideo}
	got, err := fw.Forward(context.Background(), item, "beta")
	<-done
	if err != nil {
		t.Fatalf("Forward: %v", err)
	}
	if got != "beta:h2" {
		t.Fatalf("Forward handle = %q, want beta:h2", got)
	}
}

func TestForwardTargetNotReady(t *testing.T) {
	t.Parallel()

	origin := newFakeInstance("alpha:")
	fw := NewRelayForwarder(testLogger())
	fw.RegisterInstance("alpha", origin, origin, kit.ChatTarget{ChatID: 1})
	// "beta" registered without a relay chat: operator setup incomplete.
	fw.RegisterInstance("beta", origin, origin, kit.ChatTarget{})

	item := kit.MediaItem{Origin: "alpha", Handle: "h1", Kind: kit.MediaPhoto}
	if _, err := fw.Forward(context.Background(), item, "beta"); !errors.Is(err, ErrInstanceNotReady) {
		t.Fatalf("Forward error = %v, want ErrInstanceNotReady", err)
	}

	// Entirely unknown instances fail the same way.
	if _, err := fw.Forward(context.Background(), item, "gamma"); !errors.Is(err, ErrInstanceNotReady) {
		t.Fatalf("Forward to unknown error = %v, want ErrInstanceNotReady", err)
	}
}

func TestForwardTimesOutWhenEchoNeverArrives(t *testing.T) {
	t.Parallel()

	target := newFakeInstance("beta:")
	target.silent = true
	fw := NewRelayForwarder(testLogger(), WithForwardTimeout(100*time.Millisecond))
	fw.RegisterInstance("alpha", target, nil, kit.ChatTarget{})
	fw.RegisterInstance("beta", nil, target, kit.ChatTarget{ChatID: 900})

	item := kit.MediaItem{Origin: "alpha", Handle: "h1", Kind: kit.MediaPhoto}
	_, err := fw.Forward(context.Background(), item, "beta")
	if err == nil {
		t.Fatal("Forward succeeded without an echo")
	}
	if !strings.Contains(err.Error(), "not seen within") {
		t.Fatalf("Forward error = %v, want timeout", err)
	}
}
