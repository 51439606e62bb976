package bus

import (
	"strings"
	"sync"
)

// Bus is an in-process publish/subscribe event bus with topic-prefix filtering.
// It is the in-memory leg of the fan-out router; cross-node propagation is
// layered on top by the router package.
type Bus struct {
	mu   sync.RWMutex
	subs map[int]*subscription
	next int
}

type subscription struct {
	topic string
	ch    chan Event
}

// Publisher is the publish side of the bus, also satisfied by the router so
// that producers stay unaware of whether events cross nodes.
type Publisher interface {
	Publish(Event)
}

// New creates a new event bus.
func New() *Bus {
	return &Bus{
		subs: make(map[int]*subscription),
	}
}

// Publish sends an event to all subscribers whose topic is a prefix of event.Kind.
func (b *Bus) Publish(evt Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, sub := range b.subs {
		if strings.HasPrefix(evt.Kind, sub.topic) {
			select {
			case sub.ch <- evt:
			default:
				// Drop event if subscriber is full (non-blocking).
				// Slow subscribers reconcile via the durable log, never the bus.
			}
		}
	}
}

// Subscribe returns a channel that receives events matching the given topic prefix.
// bufSize controls the channel buffer. Returns the channel and an unsubscribe function.
// Subscribing is idempotent in effect: resubscribing after a crash simply
// creates a fresh subscription.
func (b *Bus) Subscribe(topic string, bufSize int) (<-chan Event, func()) {
	ch := make(chan Event, bufSize)
	b.mu.Lock()
	id := b.next
	b.next++
	b.subs[id] = &subscription{topic: topic, ch: ch}
	b.mu.Unlock()

	return ch, func() {
		b.mu.Lock()
		delete(b.subs, id)
		b.mu.Unlock()
	}
}
