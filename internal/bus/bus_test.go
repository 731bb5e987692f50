package bus

import (
	"testing"
	"time"
)

func TestPublishSubscribe(t *testing.T) {
	b := New()
	ch, unsub := b.Subscribe("message.", 10)
	defer unsub()

	b.Publish(Event{Kind: KindMessageAdded, Timestamp: time.Now(), Payload: MessageRef{PartnerID: "p1", MessageID: "m1"}})

	select {
	case evt := <-ch:
		if evt.Kind != KindMessageAdded {
			t.Errorf("got kind %q, want %q", evt.Kind, KindMessageAdded)
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for event")
	}
}

func TestNamespaceFiltering(t *testing.T) {
	b := New()
	ch, unsub := b.Subscribe("unread.", 10)
	defer unsub()

	b.Publish(Event{Kind: KindMessageAdded})
	b.Publish(Event{Kind: KindUnreadChanged})

	select {
	case evt := <-ch:
		if evt.Kind != KindUnreadChanged {
			t.Errorf("got kind %q, want %q", evt.Kind, KindUnreadChanged)
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for event")
	}

	// Ensure the message event was not delivered.
	select {
	case evt := <-ch:
		t.Errorf("unexpected event: %v", evt)
	case <-time.After(50 * time.Millisecond):
		// Expected: no more events.
	}
}

func TestUnsubscribe(t *testing.T) {
	b := New()
	ch, unsub := b.Subscribe("message.", 10)
	unsub()
	unsub() // idempotent

	b.Publish(Event{Kind: KindMessageAdded})

	select {
	case evt := <-ch:
		t.Errorf("received event after unsubscribe: %v", evt)
	case <-time.After(50 * time.Millisecond):
		// Expected.
	}
}

func TestDropOnFullBuffer(t *testing.T) {
	b := New()
	ch, unsub := b.Subscribe("test.", 1)
	defer unsub()

	// Fill buffer.
	b.Publish(Event{Kind: "test.one"})
	// This should be dropped (non-blocking).
	b.Publish(Event{Kind: "test.two"})

	evt := <-ch
	if evt.Kind != "test.one" {
		t.Errorf("got %q, want test.one", evt.Kind)
	}
}

func TestCloseTerminatesSubscribers(t *testing.T) {
	b := New()
	ch, _ := b.Subscribe("", 1)

	b.Close()
	b.Publish(Event{Kind: KindMessageAdded})

	if _, ok := <-ch; ok {
		t.Error("channel should be closed after bus Close")
	}

	// Subscribing after close yields a closed channel.
	ch2, unsub := b.Subscribe("x.", 1)
	unsub()
	if _, ok := <-ch2; ok {
		t.Error("subscribe after close should return closed channel")
	}
}
