package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
)

// streamEvent is the wire form of a bus event on both stream endpoints.
type streamEvent struct {
	Topic   string    `json:"topic"`
	Ts      time.Time `json:"ts"`
	Payload any       `json:"payload"`
}

const streamWriteTimeout = 5 * time.Second

// handleEventsWS upgrades to a websocket and forwards bus events as JSON.
// The optional ?topic= query narrows the subscription to a topic prefix.
func (s *Server) handleEventsWS(w http.ResponseWriter, r *http.Request) {
	if s.cfg.Bus == nil {
		writeError(w, http.StatusServiceUnavailable, "event bus not running")
		return
	}
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: s.cfg.AllowOrigins,
	})
	if err != nil {
		s.logger.Debug("websocket accept failed", "error", err)
		return
	}
	defer conn.Close(websocket.StatusInternalError, "stream closed")

	// CloseRead reads and discards inbound frames so pings are answered
	// and the context cancels when the client goes away.
	ctx := conn.CloseRead(r.Context())

	topicPrefix := r.URL.Query().Get("topic")
	sub := s.cfg.Bus.Subscribe(topicPrefix)
	defer func() {
		s.cfg.Bus.Unsubscribe(sub)
		s.logger.Debug("event stream closed", "transport", "websocket", "dropped", sub.Dropped())
	}()

	s.logger.Debug("event stream opened", "transport", "websocket", "topic_prefix", topicPrefix)

	for {
		select {
		case <-ctx.Done():
			conn.Close(websocket.StatusNormalClosure, "")
			return
		case event, ok := <-sub.Ch():
			if !ok {
				conn.Close(websocket.StatusGoingAway, "bus closed")
				return
			}
			writeCtx, cancel := context.WithTimeout(ctx, streamWriteTimeout)
			err := wsjson.Write(writeCtx, conn, streamEvent{
				Topic:   event.Topic,
				Ts:      event.Ts,
				Payload: event.Payload,
			})
			cancel()
			if err != nil {
				return
			}
		}
	}
}

// handleEventsSSE serves the same bus feed over server-sent events for
// clients that cannot hold a websocket.
func (s *Server) handleEventsSSE(w http.ResponseWriter, r *http.Request) {
	if s.cfg.Bus == nil {
		writeError(w, http.StatusServiceUnavailable, "event bus not running")
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	topicPrefix := r.URL.Query().Get("topic")
	sub := s.cfg.Bus.Subscribe(topicPrefix)
	defer func() {
		s.cfg.Bus.Unsubscribe(sub)
		s.logger.Debug("event stream closed", "transport", "sse", "dropped", sub.Dropped())
	}()

	s.logger.Debug("event stream opened", "transport", "sse", "topic_prefix", topicPrefix)

	keepalive := time.NewTicker(15 * time.Second)
	defer keepalive.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-keepalive.C:
			fmt.Fprint(w, ": keepalive\n\n")
			flusher.Flush()
		case event, ok := <-sub.Ch():
			if !ok {
				return
			}
			data, err := json.Marshal(streamEvent{
				Topic:   event.Topic,
				Ts:      event.Ts,
				Payload: event.Payload,
			})
			if err != nil {
				continue
			}
			fmt.Fprintf(w, "data: %s\n\n", data)
			flusher.Flush()
		}
	}
}
