package eventbus

import (
	"context"
	"sync"
	"testing"
)

type capture struct {
	mu     sync.Mutex
	events []Event
	topics []string
}

func (c *capture) Handle(_ context.Context, evt Event) {
	c.mu.Lock()
	c.events = append(c.events, evt)
	c.mu.Unlock()
}

func (c *capture) Topics() []string { return c.topics }

func (c *capture) all() []Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Event(nil), c.events...)
}

func TestBusDeliversInPublishOrder(t *testing.T) {
	bus := NewBus(64)
	sub := &capture{topics: []string{TopicSessionCreated, TopicSessionEnded}}
	bus.Register(sub)

	ctx := context.Background()
	bus.Publish(ctx, Event{Topic: TopicSessionCreated, SessionID: "a"})
	bus.Publish(ctx, Event{Topic: TopicSessionEnded, SessionID: "a"})
	bus.Publish(ctx, Event{Topic: TopicSessionCreated, SessionID: "b"})
	bus.Close()

	got := sub.all()
	if len(got) != 3 {
		t.Fatalf("delivered %d events, want 3", len(got))
	}
	wantTopics := []string{TopicSessionCreated, TopicSessionEnded, TopicSessionCreated}
	wantSessions := []string{"a", "a", "b"}
	for i, evt := range got {
		if evt.Topic != wantTopics[i] || evt.SessionID != wantSessions[i] {
			t.Errorf("event %d = %+v, want %s/%s", i, evt, wantTopics[i], wantSessions[i])
		}
	}
}

func TestBusTopicFiltering(t *testing.T) {
	bus := NewBus(8)
	flagged := &capture{topics: []string{TopicSessionFlagged}}
	bus.Register(flagged)

	ctx := context.Background()
	bus.Publish(ctx, Event{Topic: TopicSessionCreated, SessionID: "a"})
	bus.Publish(ctx, Event{Topic: TopicSessionFlagged, SessionID: "a"})
	bus.Close()

	got := flagged.all()
	if len(got) != 1 || got[0].Topic != TopicSessionFlagged {
		t.Fatalf("subscriber saw %+v, want one flagged event", got)
	}
}

func TestBusCloseDrainsQueue(t *testing.T) {
	bus := NewBus(128)
	sub := &capture{topics: []string{TopicRiskUpdated}}
	bus.Register(sub)

	ctx := context.Background()
	for i := 0; i < 100; i++ {
		bus.Publish(ctx, Event{Topic: TopicRiskUpdated, SessionID: "s"})
	}
	bus.Close()

	if got := len(sub.all()); got != 100 {
		t.Fatalf("drained %d events, want 100", got)
	}
}

func TestSubscriberFunc(t *testing.T) {
	bus := NewBus(8)
	var mu sync.Mutex
	var seen int
	bus.Register(SubscriberFunc{
		OnTopics: []string{TopicSessionTimeout},
		Fn: func(_ context.Context, _ Event) {
			mu.Lock()
			seen++
			mu.Unlock()
		},
	})

	bus.Publish(context.Background(), Event{Topic: TopicSessionTimeout, SessionID: "s"})
	bus.Close()

	mu.Lock()
	defer mu.Unlock()
	if seen != 1 {
		t.Fatalf("seen = %d, want 1", seen)
	}
}
