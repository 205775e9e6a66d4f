package bus

import (
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

const subscriberBuffer = 100

// Event is a message published on the bus. Ts is the event's own
// timestamp: consumers that order or deduplicate events (the
// conversation index) compare Ts, never their local receive time.
type Event struct {
	Topic   string
	Ts      time.Time
	Payload any
}

// Subscription is one subscriber's view of the bus. Events arrive on Ch;
// a full buffer drops events rather than blocking publishers.
type Subscription struct {
	prefix  string
	ch      chan Event
	dropped atomic.Uint64
}

// Ch returns the channel to receive events on.
func (s *Subscription) Ch() <-chan Event { return s.ch }

// Dropped reports how many events this subscriber lost to a full buffer.
func (s *Subscription) Dropped() uint64 { return s.dropped.Load() }

// Bus fans events out to prefix-matched subscribers in process.
type Bus struct {
	mu   sync.RWMutex
	subs map[*Subscription]struct{}
}

func New() *Bus {
	return &Bus{subs: make(map[*Subscription]struct{})}
}

// Subscribe registers for events whose topic starts with topicPrefix; the
// empty prefix matches everything.
func (b *Bus) Subscribe(topicPrefix string) *Subscription {
	sub := &Subscription{prefix: topicPrefix, ch: make(chan Event, subscriberBuffer)}
	b.mu.Lock()
	b.subs[sub] = struct{}{}
	b.mu.Unlock()
	return sub
}

// Unsubscribe removes the subscription and closes its channel. Safe to
// call more than once.
func (b *Bus) Unsubscribe(sub *Subscription) {
	if sub == nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.subs[sub]; ok {
		delete(b.subs, sub)
		close(sub.ch)
	}
}

// Publish sends an event stamped with the current time to all matching
// subscribers.
func (b *Bus) Publish(topic string, payload any) {
	b.PublishAt(topic, time.Now().UTC(), payload)
}

// PublishAt sends an event carrying an explicit event timestamp. Used when
// replaying or forwarding events whose origin time differs from the publish
// time (the conversation index depends on origin time for convergence).
// Delivery never blocks: a subscriber with a full buffer loses the event.
func (b *Bus) PublishAt(topic string, ts time.Time, payload any) {
	event := Event{Topic: topic, Ts: ts, Payload: payload}

	b.mu.RLock()
	defer b.mu.RUnlock()
	for sub := range b.subs {
		if sub.prefix != "" && !strings.HasPrefix(topic, sub.prefix) {
			continue
		}
		select {
		case sub.ch <- event:
		default:
			sub.dropped.Add(1)
		}
	}
}

// SubscriberCount returns the number of active subscriptions.
func (b *Bus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}
