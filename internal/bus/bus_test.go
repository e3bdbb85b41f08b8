package bus

import (
	"testing"
	"time"
)

func TestPublishSubscribe(t *testing.T) {
	b := New()
	ch, unsub := b.Subscribe("listener.", 10)
	defer unsub()

	b.Publish(Event{Kind: "listener.status_changed", Timestamp: time.Now(), Payload: "test"})

	select {
	case evt := <-ch:
		if evt.Kind != "listener.status_changed" {
			t.Errorf("got kind %q, want listener.status_changed", evt.Kind)
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for event")
	}
}

func TestNamespaceFiltering(t *testing.T) {
	b := New()
	ch, unsub := b.Subscribe("sync.", 10)
	defer unsub()

	b.Publish(Event{Kind: "listener.status_changed"})
	b.Publish(Event{Kind: "sync.started"})

	select {
	case evt := <-ch:
		if evt.Kind != "sync.started" {
			t.Errorf("got kind %q, want sync.started", evt.Kind)
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for event")
	}

	// Ensure listener event was not delivered.
	select {
	case evt := <-ch:
		t.Errorf("unexpected event: %v", evt)
	case <-time.After(50 * time.Millisecond):
		// Expected: no more events.
	}
}

func TestUnsubscribe(t *testing.T) {
	b := New()
	ch, unsub := b.Subscribe("listener.", 10)
	unsub()

	b.Publish(Event{Kind: "listener.status_changed"})

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
	if b.Dropped() != 1 {
		t.Errorf("Dropped() = %d, want 1", b.Dropped())
	}
}

func TestEmitStampsTime(t *testing.T) {
	b := New()
	ch, unsub := b.Subscribe("outbox.", 1)
	defer unsub()

	before := time.Now()
	b.Emit(OutboxSent, OutboxRef{EntryID: "e1"})

	evt := <-ch
	if evt.Timestamp.Before(before) {
		t.Errorf("timestamp %v before publish %v", evt.Timestamp, before)
	}
	ref, ok := evt.Payload.(OutboxRef)
	if !ok || ref.EntryID != "e1" {
		t.Errorf("payload = %#v", evt.Payload)
	}
}
