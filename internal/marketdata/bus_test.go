package marketdata

import (
	"testing"
	"time"
)

func TestBus_PublishReachesSubscribers(t *testing.T) {
	bus := NewBus()
	a := bus.Subscribe()
	b := bus.Subscribe()

	bus.Publish(Event{Type: "trade"})

	for _, ch := range []chan Event{a, b} {
		select {
		case evt := <-ch:
			if evt.Type != "trade" {
				t.Errorf("unexpected event type %q", evt.Type)
			}
		case <-time.After(time.Second):
			t.Fatal("subscriber did not receive event")
		}
	}
}

func TestBus_SlowSubscriberDropsEvents(t *testing.T) {
	bus := NewBus()
	ch := bus.Subscribe()

	// Overflow the buffer; publishes must not block.
	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 500; i++ {
			bus.Publish(Event{Type: "depth"})
		}
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("publish blocked on a slow subscriber")
	}

	if got := len(ch); got > 100 {
		t.Errorf("expected at most 100 buffered events, got %d", got)
	}
}

func TestBus_UnsubscribeClosesChannel(t *testing.T) {
	bus := NewBus()
	ch := bus.Subscribe()
	bus.Unsubscribe(ch)

	if _, ok := <-ch; ok {
		t.Error("expected closed channel after unsubscribe")
	}
	// A second unsubscribe must be a no-op, not a double close.
	bus.Unsubscribe(ch)
}
