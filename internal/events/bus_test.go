package events

import (
	"sync"
	"testing"
	"time"
)

// collector gathers events delivered on subscriber goroutines.
type collector struct {
	mu     sync.Mutex
	events []Event
	signal chan struct{}
}

func newCollector() *collector {
	return &collector{signal: make(chan struct{}, 16)}
}

func (c *collector) handle(e Event) {
	c.mu.Lock()
	c.events = append(c.events, e)
	c.mu.Unlock()
	c.signal <- struct{}{}
}

func (c *collector) wait(t *testing.T, n int) []Event {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		c.mu.Lock()
		got := len(c.events)
		c.mu.Unlock()
		if got >= n {
			break
		}
		select {
		case <-c.signal:
		case <-deadline:
			t.Fatalf("timed out waiting for %d events, got %d", n, got)
		}
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Event, len(c.events))
	copy(out, c.events)
	return out
}

func TestTypedSubscriberReceivesOnlyItsVariant(t *testing.T) {
	bus := NewBus()
	created := newCollector()
	bus.Subscribe(TypeCreated, created.handle)

	bus.PublishCreated(CreatedPayload{RecommendationID: "r1", Symbol: "BTCUSDT"})
	bus.PublishClosed(ClosedPayload{RecommendationID: "r1"})
	bus.PublishCreated(CreatedPayload{RecommendationID: "r2", Symbol: "ETHUSDT"})

	events := created.wait(t, 2)
	for _, e := range events {
		if e.Type != TypeCreated {
			t.Errorf("typed subscriber received %s", e.Type)
		}
		if e.Created == nil {
			t.Error("created event lacks its payload")
		}
	}
}

func TestSubscribeAllReceivesEveryVariant(t *testing.T) {
	bus := NewBus()
	all := newCollector()
	bus.SubscribeAll(all.handle)

	bus.PublishCreated(CreatedPayload{RecommendationID: "r1"})
	bus.PublishGated(GatedPayload{ChainID: "c1", Code: "COOLDOWN_ACTIVE"})
	bus.PublishTracker(true)
	bus.PublishTracker(false)

	events := all.wait(t, 4)
	seen := make(map[Type]bool)
	for _, e := range events {
		seen[e.Type] = true
		if e.Timestamp.IsZero() {
			t.Error("published event lacks a timestamp")
		}
	}
	for _, want := range []Type{TypeCreated, TypeGated, TypeTrackerStarted, TypeTrackerStopped} {
		if !seen[want] {
			t.Errorf("all-subscriber missed %s", want)
		}
	}
}

func TestPublishWithoutSubscribersDoesNotBlock(t *testing.T) {
	bus := NewBus()
	done := make(chan struct{})
	go func() {
		bus.PublishClosed(ClosedPayload{RecommendationID: "r1"})
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("publish blocked with no subscribers")
	}
}
