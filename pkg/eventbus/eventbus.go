package eventbus

import (
	"context"
	"sync"
)

// Topic names carried on the bus. Producers are the session registry and
// the risk aggregator; the broadcast layer is the main consumer.
const (
	TopicSessionCreated    = "session.created"
	TopicSessionEnded      = "session.ended"
	TopicSessionTerminated = "session.terminated"
	TopicSessionFlagged    = "session.flagged"
	TopicSessionTimeout    = "session.ended-by-timeout"
	TopicRiskUpdated       = "session.risk-updated"
)

// Event is a lifecycle message decoupling state owners from fan-out.
type Event struct {
	Topic     string
	SessionID string
	Payload   any
}

// Subscriber receives events of certain topics.
type Subscriber interface {
	Handle(ctx context.Context, evt Event)
	Topics() []string
}

// Bus is a minimal in-memory pub/sub bus. Dispatch runs on a single
// goroutine so subscribers observe lifecycle events in publish order.
type Bus struct {
	mu    sync.RWMutex
	subs  map[string][]Subscriber
	queue chan Event
	stop  chan struct{}
	done  chan struct{}
}

// NewBus constructs an in-memory Bus with the given queue depth.
func NewBus(buffer int) *Bus {
	b := &Bus{
		subs:  make(map[string][]Subscriber),
		queue: make(chan Event, buffer),
		stop:  make(chan struct{}),
		done:  make(chan struct{}),
	}
	go b.loop()
	return b
}

func (b *Bus) loop() {
	defer close(b.done)
	for {
		select {
		case evt := <-b.queue:
			b.dispatch(evt)
		case <-b.stop:
			// drain whatever is already queued before exiting
			for {
				select {
				case evt := <-b.queue:
					b.dispatch(evt)
				default:
					return
				}
			}
		}
	}
}

// Close stops the bus and waits for queued events to be dispatched.
func (b *Bus) Close() {
	close(b.stop)
	<-b.done
}

// Register adds a subscriber for all of its topics.
func (b *Bus) Register(sub Subscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, t := range sub.Topics() {
		b.subs[t] = append(b.subs[t], sub)
	}
}

// Publish enqueues an event. It blocks only if the queue is full.
func (b *Bus) Publish(ctx context.Context, evt Event) error {
	select {
	case b.queue <- evt:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (b *Bus) dispatch(evt Event) {
	b.mu.RLock()
	subs := append([]Subscriber(nil), b.subs[evt.Topic]...)
	b.mu.RUnlock()
	for _, s := range subs {
		s.Handle(context.Background(), evt)
	}
}

// SubscriberFunc adapts a function to the Subscriber interface.
type SubscriberFunc struct {
	Fn       func(ctx context.Context, evt Event)
	OnTopics []string
}

func (s SubscriberFunc) Handle(ctx context.Context, evt Event) { s.Fn(ctx, evt) }
func (s SubscriberFunc) Topics() []string                      { return s.OnTopics }
