package convroute

import (
	"context"
	"log/slog"
	"sync"

	"github.com/basket/go-loom/internal/bus"
)

// Router feeds the index from the flow event stream. It subscribes to the
// flow topics and applies only main-conversation send/response/completed
// events; side-channel chatter never reaches the index. A single consumer
// goroutine drains the subscription, so index writes are applied in arrival
// order.
type Router struct {
	index  *Index
	bus    *bus.Bus
	logger *slog.Logger

	wg sync.WaitGroup
}

func NewRouter(index *Index, eventBus *bus.Bus, logger *slog.Logger) *Router {
	return &Router{index: index, bus: eventBus, logger: logger}
}

// Start subscribes and begins consuming. It returns immediately; the
// consumer stops when ctx is cancelled.
func (r *Router) Start(ctx context.Context) {
	sub := r.bus.Subscribe("flow.")
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		defer r.bus.Unsubscribe(sub)
		for {
			select {
			case <-ctx.Done():
				return
			case event, ok := <-sub.Ch():
				if !ok {
					return
				}
				r.handle(event)
			}
		}
	}()
}

// Wait blocks until the consumer goroutine has exited.
func (r *Router) Wait() {
	r.wg.Wait()
}

func (r *Router) handle(event bus.Event) {
	switch event.Topic {
	case bus.TopicFlowSend, bus.TopicFlowResponse, bus.TopicFlowCompleted:
	default:
		return
	}
	payload, ok := event.Payload.(bus.FlowEvent)
	if !ok {
		return
	}
	if !payload.MainConversation {
		return
	}
	if payload.ConversationID == "" || payload.FromAgentID == "" || payload.ToAgentID == "" {
		return
	}

	routeKey := RouteKey(payload.SessionKey, payload.FromAgentID, payload.ToAgentID)
	applied, err := r.index.Apply(routeKey, Entry{
		ConversationID: payload.ConversationID,
		Timestamp:      event.Ts,
		LastEventType:  event.Topic,
		RunID:          payload.RunID,
	})
	if err != nil {
		r.logger.Error("conversation index update failed",
			"route_key", routeKey,
			"conversation_id", payload.ConversationID,
			"error", err)
		return
	}
	if applied {
		r.logger.Debug("conversation route updated",
			"route_key", routeKey,
			"conversation_id", payload.ConversationID,
			"event_type", event.Topic)
	}
}
