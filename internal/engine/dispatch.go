package engine

import (
	"context"
	"errors"
	"math/rand/v2"
	"strings"
	"time"

	"go.opentelemetry.io/otel/trace"

	"github.com/basket/go-loom/internal/otel"
)

// TurnRequest carries one turn of a flow to the execution layer.
type TurnRequest struct {
	JobID            string
	RunID            string
	ConversationID   string
	TargetSessionKey string
	FromAgentID      string
	Message          string
	Turn             int

	// AwaitReply is false for fire-and-forget deliveries (no-reply
	// intents); the dispatcher returns as soon as the message is sent.
	AwaitReply bool
}

// TurnResult is the target's side of a delivered turn.
type TurnResult struct {
	Reply string

	// ConversationID is set when the transport allocated a thread for
	// this exchange. Empty when the request already named one.
	ConversationID string

	// AgentID identifies the responding agent.
	AgentID string
}

// AnnounceRequest asks the execution layer to post a flow outcome to a
// human-facing destination.
type AnnounceRequest struct {
	JobID          string
	Target         string
	ConversationID string
	Summary        string
}

// Dispatcher hands work to the agent-invocation pipeline. Implementations
// own transport, prompt assembly, and reply collection; the engine only
// decides which turns run and when. Announce returns the sent message id
// for acknowledgment tracking.
type Dispatcher interface {
	SendTurn(ctx context.Context, req TurnRequest) (TurnResult, error)
	Announce(ctx context.Context, req AnnounceRequest) (string, error)
}

// ErrorClass categorizes dispatch failures for retry decisions.
type ErrorClass string

const (
	// ErrorClassTransient covers network hiccups, timeouts, and
	// overloaded transports. Worth retrying with backoff.
	ErrorClassTransient ErrorClass = "TRANSIENT"

	// ErrorClassSessionGone means the target session no longer exists.
	ErrorClassSessionGone ErrorClass = "SESSION_GONE"

	// ErrorClassCanceled is the engine shutting down mid-flow.
	ErrorClassCanceled ErrorClass = "CANCELED"

	// ErrorClassUnknown is the default for unrecognized errors.
	ErrorClassUnknown ErrorClass = "UNKNOWN"
)

// ClassifyDispatchError inspects a dispatch error for known patterns and
// returns the most specific class that matches. Only transient errors are
// retried; a per-attempt deadline counts as transient because the next
// attempt gets a fresh one.
func ClassifyDispatchError(err error) ErrorClass {
	if err == nil {
		return ErrorClassUnknown
	}
	if errors.Is(err, context.Canceled) {
		return ErrorClassCanceled
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return ErrorClassTransient
	}
	msg := strings.ToLower(err.Error())

	if strings.Contains(msg, "session not found") ||
		strings.Contains(msg, "no such session") ||
		strings.Contains(msg, "unknown session") ||
		strings.Contains(msg, "session closed") {
		return ErrorClassSessionGone
	}

	if strings.Contains(msg, "connection") ||
		strings.Contains(msg, "timeout") ||
		strings.Contains(msg, "timed out") ||
		strings.Contains(msg, "temporar") ||
		strings.Contains(msg, "unavailable") ||
		strings.Contains(msg, "rate limit") ||
		strings.Contains(msg, "too many requests") ||
		strings.Contains(msg, "429") ||
		strings.Contains(msg, "502") ||
		strings.Contains(msg, "503") ||
		strings.Contains(msg, "reset by peer") ||
		strings.Contains(msg, "broken pipe") ||
		strings.Contains(msg, "eof") {
		return ErrorClassTransient
	}

	return ErrorClassUnknown
}

// sendTurnWithRetry delivers one turn, retrying transient failures with
// exponential backoff and jitter. Each attempt runs under its own deadline;
// non-transient errors and parent cancellation end the loop immediately.
func (e *Engine) sendTurnWithRetry(ctx context.Context, req TurnRequest, attemptTimeout time.Duration) (result TurnResult, retErr error) {
	ctx, span := otel.StartSpan(ctx, e.cfg.Tracer, "flow.turn", trace.SpanKindClient,
		otel.AttrJobID.String(req.JobID),
		otel.AttrTurn.Int(req.Turn),
		otel.AttrAgentID.String(req.FromAgentID),
	)
	defer func() {
		if retErr != nil {
			span.RecordError(retErr)
		}
		span.End()
	}()

	delay := e.cfg.RetryBaseDelay
	var lastErr error

	for attempt := 1; attempt <= e.cfg.DispatchAttempts; attempt++ {
		if ctx.Err() != nil {
			return TurnResult{}, ctx.Err()
		}

		attemptCtx := ctx
		cancel := func() {}
		if attemptTimeout > 0 {
			attemptCtx, cancel = context.WithTimeout(ctx, attemptTimeout)
		}
		result, err := e.cfg.Dispatcher.SendTurn(attemptCtx, req)
		cancel()
		if err == nil {
			return result, nil
		}
		lastErr = err

		class := ClassifyDispatchError(err)
		if class != ErrorClassTransient || ctx.Err() != nil {
			return TurnResult{}, err
		}
		if attempt == e.cfg.DispatchAttempts {
			break
		}

		jitter := time.Duration(rand.IntN(int(delay / 2)))
		sleep := delay - delay/4 + jitter
		e.logger.Warn("turn dispatch failed, backing off",
			"job_id", req.JobID,
			"turn", req.Turn,
			"attempt", attempt,
			"error_class", string(class),
			"backoff", sleep.Round(time.Millisecond).String(),
			"error", err)

		select {
		case <-ctx.Done():
			return TurnResult{}, ctx.Err()
		case <-time.After(sleep):
		}
		delay *= 2
		if delay > maxRetryDelay {
			delay = maxRetryDelay
		}
	}
	return TurnResult{}, lastErr
}

const maxRetryDelay = 30 * time.Second
