package notify_test

import (
	"context"
	"testing"
	"time"

	"github.com/basket/go-loom/internal/bus"
	"github.com/basket/go-loom/internal/notify"
)

func TestDispatcherForwardsActionableEvents(t *testing.T) {
	eventBus := bus.New()
	sink := &fakeNotifier{name: "sink"}
	dispatcher := notify.NewDispatcher(eventBus, sink, testLogger())

	ctx, cancel := context.WithCancel(context.Background())
	dispatcher.Start(ctx)

	eventBus.Publish(bus.TopicAckEscalated, bus.AckEvent{
		AckID:         "a1",
		CorrelationID: "thread-1",
		FromAgentID:   "loom-main",
		TargetAgentID: "reviewer",
		Attempts:      3,
	})
	eventBus.Publish(bus.TopicFlowSpawned, bus.FlowEvent{JobID: "job-1"})
	eventBus.Publish(bus.TopicFlowFailed, bus.FlowEvent{JobID: "job-1", Detail: "dispatch error", ConversationID: "conv-1"})
	eventBus.Publish(bus.TopicFlowAbandoned, bus.FlowEvent{JobID: "job-2"})

	deadline := time.Now().Add(2 * time.Second)
	for len(sink.delivered()) < 3 {
		if time.Now().After(deadline) {
			t.Fatalf("delivered %d notifications, want 3", len(sink.delivered()))
		}
		time.Sleep(10 * time.Millisecond)
	}

	cancel()
	dispatcher.Wait()

	delivered := sink.delivered()
	if len(delivered) != 3 {
		t.Fatalf("delivered %d notifications, want 3 (flow.spawned must be ignored)", len(delivered))
	}
	if delivered[0].Severity != notify.SeverityWarning || delivered[0].CorrelationID != "thread-1" {
		t.Errorf("escalation notification = %+v", delivered[0])
	}
	if delivered[1].Severity != notify.SeverityError {
		t.Errorf("flow failure severity = %q, want %q", delivered[1].Severity, notify.SeverityError)
	}
	if delivered[2].Severity != notify.SeverityWarning {
		t.Errorf("abandoned severity = %q, want %q", delivered[2].Severity, notify.SeverityWarning)
	}
}

func TestDispatcherIgnoresMalformedPayloads(t *testing.T) {
	eventBus := bus.New()
	sink := &fakeNotifier{name: "sink"}
	dispatcher := notify.NewDispatcher(eventBus, sink, testLogger())

	ctx, cancel := context.WithCancel(context.Background())
	dispatcher.Start(ctx)

	eventBus.Publish(bus.TopicFlowFailed, "not a flow event")
	eventBus.Publish(bus.TopicFlowFailed, bus.FlowEvent{JobID: "job-1"})

	deadline := time.Now().Add(2 * time.Second)
	for len(sink.delivered()) < 1 {
		if time.Now().After(deadline) {
			t.Fatal("well-formed event never delivered")
		}
		time.Sleep(10 * time.Millisecond)
	}

	cancel()
	dispatcher.Wait()

	if got := len(sink.delivered()); got != 1 {
		t.Fatalf("delivered %d, want 1 (malformed payload must be dropped)", got)
	}
}
