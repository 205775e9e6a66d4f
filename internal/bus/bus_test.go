package bus

import (
	"sync"
	"testing"
	"time"
)

func recvEvent(t *testing.T, sub *Subscription) Event {
	t.Helper()
	select {
	case event := <-sub.Ch():
		return event
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for event")
		return Event{}
	}
}

// drain empties a subscription's buffer after all publishes have returned.
func drain(sub *Subscription) int {
	count := 0
	for {
		select {
		case <-sub.Ch():
			count++
		default:
			return count
		}
	}
}

func TestSubscribe_PrefixFiltering(t *testing.T) {
	published := []string{
		TopicFlowSpawned,
		TopicFlowCompleted,
		TopicAckRecorded,
		TopicDelegationUpdated,
	}

	tests := []struct {
		name   string
		prefix string
		want   int
	}{
		{"flow prefix", "flow.", 2},
		{"ack prefix", "ack.", 1},
		{"exact topic", TopicDelegationUpdated, 1},
		{"everything", "", 4},
		{"no match", "gate.", 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b := New()
			sub := b.Subscribe(tt.prefix)
			defer b.Unsubscribe(sub)

			for _, topic := range published {
				b.Publish(topic, FlowEvent{JobID: "job-1"})
			}

			if got := drain(sub); got != tt.want {
				t.Fatalf("prefix %q received %d events, want %d", tt.prefix, got, tt.want)
			}
		})
	}
}

func TestPublish_StampsEventTime(t *testing.T) {
	b := New()
	sub := b.Subscribe("")
	defer b.Unsubscribe(sub)

	before := time.Now().UTC()
	b.Publish(TopicFlowSend, FlowEvent{JobID: "job-1", Turn: 1})

	event := recvEvent(t, sub)
	if event.Topic != TopicFlowSend {
		t.Fatalf("topic = %q, want %q", event.Topic, TopicFlowSend)
	}
	if event.Ts.Before(before) {
		t.Fatalf("ts = %v, stamped before publish time %v", event.Ts, before)
	}
	payload, ok := event.Payload.(FlowEvent)
	if !ok {
		t.Fatalf("payload type = %T, want FlowEvent", event.Payload)
	}
	if payload.JobID != "job-1" || payload.Turn != 1 {
		t.Fatalf("payload = %+v", payload)
	}
}

func TestPublishAt_CarriesOriginTime(t *testing.T) {
	b := New()
	sub := b.Subscribe("flow.")
	defer b.Unsubscribe(sub)

	origin := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	b.PublishAt(TopicFlowResponse, origin, FlowEvent{JobID: "job-1"})

	event := recvEvent(t, sub)
	if !event.Ts.Equal(origin) {
		t.Fatalf("ts = %v, want origin time %v", event.Ts, origin)
	}
}

func TestPublish_FanOutReachesEverySubscriber(t *testing.T) {
	b := New()
	first := b.Subscribe("gate.")
	second := b.Subscribe("gate.")
	defer b.Unsubscribe(first)
	defer b.Unsubscribe(second)

	b.Publish(TopicGateRejected, FlowEvent{SessionKey: "backend"})

	for _, sub := range []*Subscription{first, second} {
		event := recvEvent(t, sub)
		payload := event.Payload.(FlowEvent)
		if payload.SessionKey != "backend" {
			t.Fatalf("payload = %+v, want session key backend", payload)
		}
	}
}

func TestPublish_FullBufferDropsAndCounts(t *testing.T) {
	b := New()
	sub := b.Subscribe("flow.")
	defer b.Unsubscribe(sub)

	const overflow = 25
	for i := 0; i < subscriberBuffer+overflow; i++ {
		b.Publish(TopicFlowSend, i)
	}

	if got := drain(sub); got != subscriberBuffer {
		t.Fatalf("delivered %d events, want buffer size %d", got, subscriberBuffer)
	}
	if got := sub.Dropped(); got != overflow {
		t.Fatalf("Dropped() = %d, want %d", got, overflow)
	}
}

func TestUnsubscribe_ClosesChannel(t *testing.T) {
	b := New()
	sub := b.Subscribe("flow.")
	if b.SubscriberCount() != 1 {
		t.Fatalf("count = %d, want 1", b.SubscriberCount())
	}

	b.Unsubscribe(sub)
	if b.SubscriberCount() != 0 {
		t.Fatalf("count = %d, want 0", b.SubscriberCount())
	}
	if _, open := <-sub.Ch(); open {
		t.Fatal("channel still open after unsubscribe")
	}

	// Repeat and nil unsubscribes are no-ops.
	b.Unsubscribe(sub)
	b.Unsubscribe(nil)
}

func TestPublish_ConcurrentPublishers(t *testing.T) {
	b := New()
	sub := b.Subscribe("")
	defer b.Unsubscribe(sub)

	const publishers = 10
	const perPublisher = 5

	var wg sync.WaitGroup
	wg.Add(publishers)
	for p := 0; p < publishers; p++ {
		go func(id int) {
			defer wg.Done()
			for i := 0; i < perPublisher; i++ {
				b.Publish(TopicFlowSend, id*100+i)
			}
		}(p)
	}
	wg.Wait()

	if got := drain(sub); got != publishers*perPublisher {
		t.Fatalf("received %d events, want %d", got, publishers*perPublisher)
	}
	if got := sub.Dropped(); got != 0 {
		t.Fatalf("Dropped() = %d, want 0", got)
	}
}

func TestTopics_DistinctValues(t *testing.T) {
	topics := []string{
		TopicFlowSpawned, TopicFlowSend, TopicFlowResponse, TopicFlowCompleted,
		TopicFlowFailed, TopicFlowAbandoned, TopicFlowResumed,
		TopicDelegationSpawned, TopicDelegationUpdated,
		TopicAckRecorded, TopicAckResent, TopicAckResponded, TopicAckEscalated, TopicAckFailed,
		TopicGateAcquired, TopicGateRejected,
	}
	seen := make(map[string]string, len(topics))
	for _, topic := range topics {
		if topic == "" {
			t.Fatal("empty topic constant")
		}
		if prev, dup := seen[topic]; dup {
			t.Fatalf("topic %q duplicated (also %q)", topic, prev)
		}
		seen[topic] = topic
	}
}
