package event_test

import (
	"testing"
	"time"

	"github.com/dusterbloom/maestrocat/internal/event"
)

func drain(ch <-chan event.Event) []event.Event {
	var out []event.Event
	for {
		select {
		case evt, ok := <-ch:
			if !ok {
				return out
			}
			out = append(out, evt)
		default:
			return out
		}
	}
}

func TestBus_PublishReachesAllSubscribers(t *testing.T) {
	bus := event.NewBus()
	defer bus.Close()

	a, cancelA := bus.Subscribe(8)
	defer cancelA()
	b, cancelB := bus.Subscribe(8)
	defer cancelB()

	bus.Publish(event.Event{Type: event.TypeInterruption, Data: 3})

	for name, ch := range map[string]<-chan event.Event{"a": a, "b": b} {
		got := drain(ch)
		if len(got) != 1 {
			t.Fatalf("subscriber %s: got %d events, want 1", name, len(got))
		}
		if got[0].Type != event.TypeInterruption {
			t.Fatalf("subscriber %s: type = %s, want interruption", name, got[0].Type)
		}
		if got[0].Time.IsZero() {
			t.Errorf("subscriber %s: event time not stamped", name)
		}
	}
}

func TestBus_ReplaysHistoryToLateSubscribers(t *testing.T) {
	bus := event.NewBus()
	defer bus.Close()

	for range 3 {
		bus.Publish(event.Event{Type: event.TypeDecodeError})
	}

	ch, cancel := bus.Subscribe(8)
	defer cancel()

	if got := len(drain(ch)); got != 3 {
		t.Fatalf("replayed %d events, want 3", got)
	}
}

func TestBus_HistoryBounded(t *testing.T) {
	bus := event.NewBus()
	defer bus.Close()

	for i := range 150 {
		bus.Publish(event.Event{Type: event.TypeControl, Data: i})
	}

	ch, cancel := bus.Subscribe(0)
	defer cancel()

	got := drain(ch)
	if len(got) != 100 {
		t.Fatalf("replayed %d events, want 100", len(got))
	}
	// Oldest replayed event must be number 50 (150 published, last 100 kept).
	if first := got[0].Data.(int); first != 50 {
		t.Fatalf("first replayed event = %d, want 50", first)
	}
}

func TestBus_SlowSubscriberDoesNotBlockPublish(t *testing.T) {
	bus := event.NewBus()
	defer bus.Close()

	_, cancel := bus.Subscribe(0) // capacity raised to history limit, never drained
	defer cancel()

	done := make(chan struct{})
	go func() {
		defer close(done)
		for range 500 {
			bus.Publish(event.Event{Type: event.TypeConnectionState})
		}
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Publish blocked on a slow subscriber")
	}
}

func TestBus_UnsubscribeClosesChannel(t *testing.T) {
	bus := event.NewBus()
	defer bus.Close()

	ch, cancel := bus.Subscribe(4)
	cancel()
	cancel() // idempotent

	if _, ok := <-ch; ok {
		t.Fatal("channel should be closed after unsubscribe")
	}
}

func TestBus_CloseDropsFurtherPublishes(t *testing.T) {
	bus := event.NewBus()
	ch, _ := bus.Subscribe(4)

	bus.Close()
	bus.Publish(event.Event{Type: event.TypeInterruption})

	if got := drain(ch); len(got) != 0 {
		t.Fatalf("got %d events after close, want 0", len(got))
	}
}
