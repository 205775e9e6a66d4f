package notify

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/basket/go-loom/internal/bus"
)

// Dispatcher bridges bus events to the configured notifier. Only the
// events an operator must act on are forwarded; routine lifecycle
// traffic stays in the journal.
type Dispatcher struct {
	bus      *bus.Bus
	notifier Notifier
	logger   *slog.Logger

	wg sync.WaitGroup
}

func NewDispatcher(eventBus *bus.Bus, notifier Notifier, logger *slog.Logger) *Dispatcher {
	return &Dispatcher{
		bus:      eventBus,
		notifier: notifier,
		logger:   logger,
	}
}

// Start consumes bus events until ctx is canceled.
func (d *Dispatcher) Start(ctx context.Context) {
	sub := d.bus.Subscribe("")
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		defer d.bus.Unsubscribe(sub)
		for {
			select {
			case <-ctx.Done():
				return
			case event, ok := <-sub.Ch():
				if !ok {
					return
				}
				notification, ok := translate(event)
				if !ok {
					continue
				}
				if err := d.notifier.Notify(ctx, notification); err != nil {
					d.logger.Warn("notification delivery failed",
						"topic", event.Topic,
						"notifier", d.notifier.Name(),
						"error", err)
				}
			}
		}
	}()
}

// Wait blocks until the consumer goroutine has exited.
func (d *Dispatcher) Wait() {
	d.wg.Wait()
}

func translate(event bus.Event) (Notification, bool) {
	switch event.Topic {
	case bus.TopicAckEscalated:
		payload, ok := event.Payload.(bus.AckEvent)
		if !ok {
			return Notification{}, false
		}
		return Notification{
			Severity: SeverityWarning,
			Title:    "Agent not responding",
			Body: fmt.Sprintf("%s has not acknowledged a message from %s after %d attempts.",
				payload.TargetAgentID, payload.FromAgentID, payload.Attempts),
			CorrelationID: payload.CorrelationID,
		}, true
	case bus.TopicFlowFailed:
		payload, ok := event.Payload.(bus.FlowEvent)
		if !ok {
			return Notification{}, false
		}
		return Notification{
			Severity:      SeverityError,
			Title:         "Flow failed",
			Body:          fmt.Sprintf("Job %s failed: %s", payload.JobID, payload.Detail),
			CorrelationID: payload.ConversationID,
		}, true
	case bus.TopicFlowAbandoned:
		payload, ok := event.Payload.(bus.FlowEvent)
		if !ok {
			return Notification{}, false
		}
		return Notification{
			Severity:      SeverityWarning,
			Title:         "Flow abandoned",
			Body:          fmt.Sprintf("Job %s was abandoned as stale at startup.", payload.JobID),
			CorrelationID: payload.ConversationID,
		}, true
	default:
		return Notification{}, false
	}
}
