// Package broker implements the per-key publish/subscribe fan-out used to
// stream a single in-flight job's events to any number of subscribers.
// Publish never blocks: a slow subscriber's queue drops its oldest buffered
// event rather than stalling the publisher or other subscribers.
package broker

import (
	"sync"

	"github.com/fhir-ig/agent/internal/protocol"
)

// MinQueueDepth is the minimum bound a subscriber queue may be created with.
const MinQueueDepth = 200

// Handle is returned by Subscribe and released by the subscriber when it
// disconnects. Release removes and drains the queue.
type Handle struct {
	b    *Broker
	key  string
	sub  *subscriber
	once sync.Once
}

// Release detaches the handle's queue from the broker. Safe to call more
// than once.
func (h *Handle) Release() {
	h.once.Do(func() {
		h.b.unsubscribe(h.key, h.sub)
	})
}

type subscriber struct {
	events chan protocol.Event
	mu     sync.Mutex
	closed bool
}

func newSubscriber(depth int) *subscriber {
	if depth < MinQueueDepth {
		depth = MinQueueDepth
	}
	return &subscriber{events: make(chan protocol.Event, depth)}
}

// offer delivers event to the subscriber with drop-oldest overflow
// semantics: if the queue is full, the oldest buffered event is discarded
// to make room, so the publish itself never blocks.
func (s *subscriber) offer(event protocol.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	for {
		select {
		case s.events <- event:
			return
		default:
			select {
			case <-s.events:
			default:
			}
		}
	}
}

func (s *subscriber) close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	close(s.events)
}

// Broker maps a package key to the set of subscribers currently receiving
// that key's event stream.
type Broker struct {
	mu          sync.Mutex
	subscribers map[string]map[*subscriber]struct{}
	queueDepth  int
}

// New creates a Broker whose subscriber queues are bounded at queueDepth
// events (clamped to MinQueueDepth).
func New(queueDepth int) *Broker {
	return &Broker{
		subscribers: make(map[string]map[*subscriber]struct{}),
		queueDepth:  queueDepth,
	}
}

// Subscribe attaches a new subscriber to key and returns its event channel
// and release handle.
func (b *Broker) Subscribe(key string) (<-chan protocol.Event, *Handle) {
	sub := newSubscriber(b.queueDepth)

	b.mu.Lock()
	set, ok := b.subscribers[key]
	if !ok {
		set = make(map[*subscriber]struct{})
		b.subscribers[key] = set
	}
	set[sub] = struct{}{}
	b.mu.Unlock()

	return sub.events, &Handle{b: b, key: key, sub: sub}
}

func (b *Broker) unsubscribe(key string, sub *subscriber) {
	b.mu.Lock()
	if set, ok := b.subscribers[key]; ok {
		delete(set, sub)
		if len(set) == 0 {
			delete(b.subscribers, key)
		}
	}
	b.mu.Unlock()
	sub.close()
	for range sub.events {
	}
}

// Publish copies event to every current subscriber of key. It never
// blocks: subscribers whose queues are full lose their oldest buffered
// event instead.
func (b *Broker) Publish(key string, event protocol.Event) {
	b.mu.Lock()
	set := b.subscribers[key]
	targets := make([]*subscriber, 0, len(set))
	for sub := range set {
		targets = append(targets, sub)
	}
	b.mu.Unlock()

	for _, sub := range targets {
		sub.offer(event)
	}
}

// Complete publishes the terminal event (the caller must ensure event.Type
// is terminal), then closes and removes every subscriber queue for key so
// readers observe end-of-stream immediately after the terminal message.
func (b *Broker) Complete(key string, event protocol.Event) {
	b.Publish(key, event)

	b.mu.Lock()
	set := b.subscribers[key]
	delete(b.subscribers, key)
	b.mu.Unlock()

	for sub := range set {
		sub.close()
	}
}

// SubscriberCount returns the number of active subscribers for key.
func (b *Broker) SubscriberCount(key string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subscribers[key])
}
