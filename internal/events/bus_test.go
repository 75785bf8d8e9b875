package events

import (
	"testing"
	"time"
)

func TestBus_PublishReachesSubscribers(t *testing.T) {
	b := New()
	ch := b.Subscribe(4)
	defer b.Unsubscribe(ch)

	b.Publish(Event{
		Timestamp: time.Now(),
		Source:    SourceDispatch,
		Kind:      KindDispatchDone,
		Data:      map[string]any{"outcome": "replied"},
	})

	select {
	case e := <-ch:
		if e.Kind != KindDispatchDone {
			t.Errorf("kind = %q, want %q", e.Kind, KindDispatchDone)
		}
	case <-time.After(time.Second):
		t.Fatal("event not delivered")
	}
}

func TestBus_FullSubscriberDropsEvents(t *testing.T) {
	b := New()
	ch := b.Subscribe(1)
	defer b.Unsubscribe(ch)

	// Second publish must not block even though nobody is reading.
	done := make(chan struct{})
	go func() {
		b.Publish(Event{Kind: "one"})
		b.Publish(Event{Kind: "two"})
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("publish blocked on a full subscriber")
	}

	if e := <-ch; e.Kind != "one" {
		t.Errorf("buffered event = %q, want the first publish", e.Kind)
	}
}

func TestBus_NilBusIsNoop(t *testing.T) {
	var b *Bus
	b.Publish(Event{Kind: "x"}) // must not panic
	if b.SubscriberCount() != 0 {
		t.Error("nil bus reported subscribers")
	}
}

func TestBus_Unsubscribe(t *testing.T) {
	b := New()
	ch := b.Subscribe(1)
	b.Unsubscribe(ch)

	if b.SubscriberCount() != 0 {
		t.Errorf("subscriber count = %d after unsubscribe, want 0", b.SubscriberCount())
	}

	// Channel is closed after unsubscribe.
	if _, ok := <-ch; ok {
		t.Error("channel still open after unsubscribe")
	}

	// Double unsubscribe is a no-op.
	b.Unsubscribe(ch)
}
