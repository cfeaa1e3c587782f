package events_test

import (
	"testing"

	"github.com/discosat/satop-platform/internal/events"
)

func TestPublishInSubscriptionOrder(t *testing.T) {
	bus := events.NewBus()

	var order []int
	for i := 1; i <= 3; i++ {
		i := i
		bus.Subscribe("topic", func(msg any) {
			order = append(order, i)
		})
	}

	bus.Publish("topic", nil)

	if len(order) != 3 {
		t.Fatalf("got %d callbacks, want 3", len(order))
	}
	for i, got := range order {
		if got != i+1 {
			t.Errorf("callback %d ran as %d", got, i+1)
		}
	}
}

func TestSubscriptionIDsMonotonic(t *testing.T) {
	bus := events.NewBus()

	first := bus.Subscribe("a", func(any) {})
	second := bus.Subscribe("b", func(any) {})
	third := bus.Subscribe("a", func(any) {})

	if !(first < second && second < third) {
		t.Errorf("ids not monotonic: %d, %d, %d", first, second, third)
	}
}

func TestUnsubscribe(t *testing.T) {
	bus := events.NewBus()

	called := false
	id := bus.Subscribe("topic", func(any) { called = true })
	bus.Unsubscribe("topic", id)
	bus.Publish("topic", nil)

	if called {
		t.Error("unsubscribed callback was invoked")
	}

	// Unknown ids and topics are ignored.
	bus.Unsubscribe("topic", id)
	bus.Unsubscribe("nonexistent", 42)
}

func TestPanickingSubscriberDoesNotStopOthers(t *testing.T) {
	bus := events.NewBus()

	bus.Subscribe("topic", func(any) { panic("boom") })
	survived := false
	bus.Subscribe("topic", func(any) { survived = true })

	bus.Publish("topic", nil)

	if !survived {
		t.Error("subscriber after a panicking one did not run")
	}
}

func TestPublishDeliversMessage(t *testing.T) {
	bus := events.NewBus()

	var got any
	bus.Subscribe("topic", func(msg any) { got = msg })
	bus.Publish("topic", "payload")

	if got != "payload" {
		t.Errorf("got %v, want payload", got)
	}
}

func TestPublishWithoutSubscribers(t *testing.T) {
	bus := events.NewBus()
	bus.Publish("empty", nil) // must not panic
}
