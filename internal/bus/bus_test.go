package bus

import (
	"testing"
	"time"
)

func TestPublishSubscribe(t *testing.T) {
	b := New()
	ch, unsub := b.Subscribe("outbox.", 10)
	defer unsub()

	b.Emit(KindSendConfirmed, "t1")

	select {
	case evt := <-ch:
		if evt.Kind != KindSendConfirmed {
			t.Errorf("got kind %q, want %s", evt.Kind, KindSendConfirmed)
		}
		if evt.Payload != "t1" {
			t.Errorf("payload = %v, want t1", evt.Payload)
		}
		if evt.Timestamp.IsZero() {
			t.Error("Emit did not stamp the event")
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for event")
	}
}

func TestNamespaceFiltering(t *testing.T) {
	b := New()
	ch, unsub := b.Subscribe("sync.", 10)
	defer unsub()

	b.Publish(Event{Kind: KindSummaryChanged})
	b.Publish(Event{Kind: KindFetchFailed})

	select {
	case evt := <-ch:
		if evt.Kind != KindFetchFailed {
			t.Errorf("got kind %q, want %s", evt.Kind, KindFetchFailed)
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for event")
	}

	// Ensure the conversation event was not delivered.
	select {
	case evt := <-ch:
		t.Errorf("unexpected event: %v", evt)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestUnsubscribe(t *testing.T) {
	b := New()
	ch, unsub := b.Subscribe("sync.", 10)
	unsub()

	b.Publish(Event{Kind: KindRecovered})

	select {
	case evt := <-ch:
		t.Errorf("received event after unsubscribe: %v", evt)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestDropOnFullBuffer(t *testing.T) {
	b := New()
	ch, unsub := b.Subscribe("test.", 1)
	defer unsub()

	b.Publish(Event{Kind: "test.one"})
	// This should be dropped (non-blocking).
	b.Publish(Event{Kind: "test.two"})

	evt := <-ch
	if evt.Kind != "test.one" {
		t.Errorf("got %q, want test.one", evt.Kind)
	}
	if got := b.Dropped(); got != 1 {
		t.Errorf("Dropped() = %d, want 1", got)
	}
}

func TestUnsubscribeIsIdempotent(t *testing.T) {
	b := New()
	_, unsub1 := b.Subscribe("sync.", 1)
	ch2, unsub2 := b.Subscribe("sync.", 1)
	defer unsub2()

	unsub1()
	unsub1()

	b.Emit(KindRecovered, "c1")
	select {
	case <-ch2:
	case <-time.After(time.Second):
		t.Fatal("remaining subscriber lost its event")
	}
}

func TestNilBusDropsEvents(t *testing.T) {
	var b *Bus
	b.Emit(KindRecovered, nil)
	ch, unsub := b.Subscribe("sync.", 1)
	defer unsub()
	select {
	case evt := <-ch:
		t.Errorf("nil bus delivered %v", evt)
	default:
	}
	if b.Dropped() != 0 {
		t.Error("nil bus counted drops")
	}
}
