package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/google/uuid"

	"github.com/basket/go-loom/internal/agent"
	"github.com/basket/go-loom/internal/shared"
)

// sessionFrame is the wire format between the daemon and an attached
// agent runtime. The daemon sends "turn" frames; the runtime answers an
// awaited turn with a "reply" frame carrying the same id. TraceID lets
// the runtime's logs correlate with the daemon's.
type sessionFrame struct {
	Type           string `json:"type"`
	ID             string `json:"id"`
	TraceID        string `json:"traceId,omitempty"`
	JobID          string `json:"jobId,omitempty"`
	ConversationID string `json:"conversationId,omitempty"`
	From           string `json:"from,omitempty"`
	Message        string `json:"message,omitempty"`
	Turn           int    `json:"turn,omitempty"`
	AwaitReply     bool   `json:"awaitReply,omitempty"`
}

// TurnDelivery is one outbound turn for an attached runtime.
type TurnDelivery struct {
	SessionKey     string
	JobID          string
	ConversationID string
	From           string
	Message        string
	Turn           int
	AwaitReply     bool
}

// TurnOutcome is what the runtime sent back for an awaited turn. For
// fire-and-forget turns only ConversationID and AgentID are set.
type TurnOutcome struct {
	Reply          string
	ConversationID string
	AgentID        string
}

// defaultAttachGrace bounds how long a delivery waits for a missing
// session to attach. Covers runtimes reconnecting after a daemon
// restart without stalling deliveries to keys that never attach.
const defaultAttachGrace = 10 * time.Second

// SessionHub tracks the agent runtimes attached over the sessions
// websocket and relays turns to them. One connection per session key; a
// new attachment under an existing key replaces the old connection.
type SessionHub struct {
	registry    *agent.Registry
	logger      *slog.Logger
	attachGrace time.Duration

	mu       sync.Mutex
	sessions map[string]*agentSession
	waiters  map[string][]chan *agentSession
}

type agentSession struct {
	key     string
	agentID string
	conn    *websocket.Conn

	// writeMu serializes frames; the engine may run several flows
	// against the same session.
	writeMu sync.Mutex

	mu      sync.Mutex
	pending map[string]chan sessionFrame

	closed    chan struct{}
	closeOnce sync.Once
}

func NewSessionHub(registry *agent.Registry, logger *slog.Logger) *SessionHub {
	if logger == nil {
		logger = slog.Default()
	}
	return &SessionHub{
		registry:    registry,
		logger:      logger,
		attachGrace: defaultAttachGrace,
		sessions:    make(map[string]*agentSession),
		waiters:     make(map[string][]chan *agentSession),
	}
}

// SetAttachGrace overrides how long Deliver waits for an absent session
// before giving up.
func (h *SessionHub) SetAttachGrace(d time.Duration) {
	h.mu.Lock()
	h.attachGrace = d
	h.mu.Unlock()
}

// Attached returns the number of runtimes currently connected.
func (h *SessionHub) Attached() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.sessions)
}

// Keys returns the attached session keys, sorted, for diagnostics.
func (h *SessionHub) Keys() []string {
	h.mu.Lock()
	keys := make([]string, 0, len(h.sessions))
	for key := range h.sessions {
		keys = append(keys, key)
	}
	h.mu.Unlock()
	sort.Strings(keys)
	return keys
}

// Deliver sends one turn to the runtime attached under
// delivery.SessionKey. An absent session is waited for up to the attach
// grace before the delivery fails. With AwaitReply set it blocks until
// the runtime answers, ctx expires, or the connection drops.
func (h *SessionHub) Deliver(ctx context.Context, delivery TurnDelivery) (TurnOutcome, error) {
	sess := h.lookup(delivery.SessionKey)
	if sess == nil {
		var err error
		sess, err = h.awaitAttach(ctx, delivery.SessionKey)
		if err != nil {
			return TurnOutcome{}, err
		}
	}

	frame := sessionFrame{
		Type:           "turn",
		ID:             uuid.NewString(),
		JobID:          delivery.JobID,
		ConversationID: delivery.ConversationID,
		From:           delivery.From,
		Message:        delivery.Message,
		Turn:           delivery.Turn,
		AwaitReply:     delivery.AwaitReply,
	}
	if scope := shared.ScopeFrom(ctx); scope.TraceID != "" {
		frame.TraceID = scope.TraceID
	}

	var replyCh chan sessionFrame
	if delivery.AwaitReply {
		replyCh = sess.expect(frame.ID)
		defer sess.forget(frame.ID)
	}

	if err := sess.write(ctx, frame); err != nil {
		return TurnOutcome{}, fmt.Errorf("send turn to %s: %w", delivery.SessionKey, err)
	}
	if !delivery.AwaitReply {
		return TurnOutcome{ConversationID: delivery.ConversationID, AgentID: sess.agentID}, nil
	}

	select {
	case <-ctx.Done():
		return TurnOutcome{}, ctx.Err()
	case <-sess.closed:
		return TurnOutcome{}, errors.New("session closed while awaiting reply")
	case reply := <-replyCh:
		conversationID := reply.ConversationID
		if conversationID == "" {
			conversationID = delivery.ConversationID
		}
		return TurnOutcome{
			Reply:          reply.Message,
			ConversationID: conversationID,
			AgentID:        sess.agentID,
		}, nil
	}
}

func (h *SessionHub) lookup(key string) *agentSession {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.sessions[key]
}

// awaitAttach blocks until a session attaches under key, the attach
// grace elapses, or ctx expires.
func (h *SessionHub) awaitAttach(ctx context.Context, key string) (*agentSession, error) {
	h.mu.Lock()
	grace := h.attachGrace
	if sess := h.sessions[key]; sess != nil {
		h.mu.Unlock()
		return sess, nil
	}
	ch := make(chan *agentSession, 1)
	h.waiters[key] = append(h.waiters[key], ch)
	h.mu.Unlock()

	waitCtx, cancel := context.WithTimeout(ctx, grace)
	defer cancel()

	select {
	case sess := <-ch:
		return sess, nil
	case <-waitCtx.Done():
		h.removeWaiter(key, ch)
		select {
		case sess := <-ch:
			// Attached in the window between timeout and removal.
			return sess, nil
		default:
		}
		return nil, fmt.Errorf("session not found: %s", key)
	}
}

func (h *SessionHub) removeWaiter(key string, ch chan *agentSession) {
	h.mu.Lock()
	defer h.mu.Unlock()
	list := h.waiters[key]
	for i, c := range list {
		if c == ch {
			h.waiters[key] = append(list[:i], list[i+1:]...)
			break
		}
	}
	if len(h.waiters[key]) == 0 {
		delete(h.waiters, key)
	}
}

func (h *SessionHub) attach(sess *agentSession) {
	h.mu.Lock()
	prev := h.sessions[sess.key]
	h.sessions[sess.key] = sess
	waiting := h.waiters[sess.key]
	delete(h.waiters, sess.key)
	h.mu.Unlock()
	if prev != nil {
		prev.close(websocket.StatusPolicyViolation, "replaced by new attachment")
	}
	for _, ch := range waiting {
		ch <- sess
	}
}

func (h *SessionHub) detach(sess *agentSession) {
	h.mu.Lock()
	if h.sessions[sess.key] == sess {
		delete(h.sessions, sess.key)
	}
	h.mu.Unlock()
	sess.close(websocket.StatusNormalClosure, "")
}

// run owns one attached connection: registers it, registers the
// runtime's agent identity when it supplied one, and pumps inbound
// frames until the connection drops.
func (h *SessionHub) run(ctx context.Context, conn *websocket.Conn, sessionKey, agentID, displayName string) {
	sess := &agentSession{
		key:     sessionKey,
		agentID: agentID,
		conn:    conn,
		pending: make(map[string]chan sessionFrame),
		closed:  make(chan struct{}),
	}
	h.attach(sess)
	defer h.detach(sess)

	if agentID != "" && h.registry != nil {
		name := displayName
		if name == "" {
			name = agentID
		}
		h.registry.Register(agent.Identity{
			AgentID:      agentID,
			DisplayName:  name,
			SessionKey:   sessionKey,
			RegisteredAt: time.Now().UTC(),
		})
	}

	h.logger.Info("agent session attached", "session_key", sessionKey, "agent_id", agentID)

	for {
		var frame sessionFrame
		if err := wsjson.Read(ctx, conn, &frame); err != nil {
			h.logger.Info("agent session detached", "session_key", sessionKey, "error", err)
			return
		}
		switch frame.Type {
		case "reply":
			sess.dispatchReply(frame)
		case "ping":
			// Keepalive from the runtime.
		default:
			h.logger.Debug("unknown session frame", "session_key", sessionKey, "type", frame.Type)
		}
	}
}

func (s *agentSession) expect(id string) chan sessionFrame {
	ch := make(chan sessionFrame, 1)
	s.mu.Lock()
	s.pending[id] = ch
	s.mu.Unlock()
	return ch
}

func (s *agentSession) forget(id string) {
	s.mu.Lock()
	delete(s.pending, id)
	s.mu.Unlock()
}

func (s *agentSession) dispatchReply(frame sessionFrame) {
	s.mu.Lock()
	ch := s.pending[frame.ID]
	s.mu.Unlock()
	if ch == nil {
		// Reply for a turn that already timed out.
		return
	}
	select {
	case ch <- frame:
	default:
	}
}

func (s *agentSession) write(ctx context.Context, frame sessionFrame) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	writeCtx, cancel := context.WithTimeout(ctx, streamWriteTimeout)
	defer cancel()
	return wsjson.Write(writeCtx, s.conn, frame)
}

func (s *agentSession) close(code websocket.StatusCode, reason string) {
	s.closeOnce.Do(func() {
		close(s.closed)
		_ = s.conn.Close(code, reason)
	})
}

// handleSessionAttach upgrades an agent runtime's connection and hands
// it to the session hub. The runtime identifies its session with
// ?session_key= and may claim an agent identity with ?agent_id=.
func (s *Server) handleSessionAttach(w http.ResponseWriter, r *http.Request) {
	hub := s.cfg.Sessions
	if hub == nil {
		writeError(w, http.StatusServiceUnavailable, "session hub not running")
		return
	}
	sessionKey := strings.TrimSpace(r.URL.Query().Get("session_key"))
	if sessionKey == "" {
		writeError(w, http.StatusBadRequest, "session_key is required")
		return
	}
	agentID := strings.TrimSpace(r.URL.Query().Get("agent_id"))
	displayName := strings.TrimSpace(r.URL.Query().Get("display_name"))

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: s.cfg.AllowOrigins,
	})
	if err != nil {
		s.logger.Debug("session accept failed", "error", err)
		return
	}
	defer conn.Close(websocket.StatusInternalError, "session closed")

	hub.run(r.Context(), conn, sessionKey, agentID, displayName)
}
