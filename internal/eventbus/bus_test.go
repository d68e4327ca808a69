package eventbus

import (
	"testing"
	"time"
)

func TestPublishReachesAllSubscribers(t *testing.T) {
	t.Parallel()

	b := New()
	ch1, un1 := b.Subscribe(4)
	ch2, un2 := b.Subscribe(4)
	defer un1()
	defer un2()

	b.Publish(Event{Type: "entry.published", Data: "e1"})

	for i, ch := range []<-chan Event{ch1, ch2} {
		select {
		case e := <-ch:
			if e.Type != "entry.published" || e.Data != "e1" {
				t.Fatalf("subscriber %d: got %+v", i, e)
			}
			if e.Time.IsZero() {
				t.Fatalf("subscriber %d: Publish did not stamp Time", i)
			}
		case <-time.After(time.Second):
			t.Fatalf("subscriber %d: event not delivered", i)
		}
	}
}

func TestSlowSubscriberLosesOldestEvent(t *testing.T) {
	t.Parallel()

	b := New()
	ch, unsub := b.Subscribe(2)
	defer unsub()

	for _, d := range []string{"e1", "e2", "e3"} {
		b.Publish(Event{Type: "entry.published", Data: d})
	}

	var got []any
	for len(got) < 2 {
		select {
		case e := <-ch:
			got = append(got, e.Data)
		case <-time.After(time.Second):
			t.Fatalf("drained %v, want 2 events", got)
		}
	}
	if got[0] != "e2" || got[1] != "e3" {
		t.Fatalf("got %v, want [e2 e3]", got)
	}
	select {
	case e := <-ch:
		t.Fatalf("unexpected extra event %+v", e)
	default:
	}
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	t.Parallel()

	b := New()
	ch, unsub := b.Subscribe(1)
	unsub()
	unsub() // idempotent

	b.Publish(Event{Type: "entry.published"})

	select {
	case e := <-ch:
		t.Fatalf("received %+v after unsubscribe", e)
	case <-time.After(50 * time.Millisecond):
	}
}
