// Package engine runs flows end to end: admission through the gate, job
// creation, the ping-pong turn loop against the dispatcher, termination
// policy, and the final announce with acknowledgment tracking. Everything
// stateful lives in the collaborators; the engine is the imperative shell
// that sequences them.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/metric/noop"
	"go.opentelemetry.io/otel/trace"
	nooptrace "go.opentelemetry.io/otel/trace/noop"

	"github.com/basket/go-loom/internal/ack"
	"github.com/basket/go-loom/internal/agent"
	"github.com/basket/go-loom/internal/bus"
	"github.com/basket/go-loom/internal/delegation"
	"github.com/basket/go-loom/internal/flow"
	"github.com/basket/go-loom/internal/otel"
	"github.com/basket/go-loom/internal/policy"
	"github.com/basket/go-loom/internal/shared"
)

type Config struct {
	Manager    *flow.Manager
	Gate       *flow.Gate
	Reaper     *flow.Reaper
	Registry   *agent.Registry
	Tracker    *ack.Tracker // may be nil, announce tracking is skipped
	Classifier policy.Classifier
	Dispatcher Dispatcher
	Bus        *bus.Bus // may be nil in tests
	Logger     *slog.Logger
	Tracer     trace.Tracer  // nil drops spans
	Metrics    *otel.Metrics // nil drops measurements

	// DispatchAttempts bounds delivery attempts per turn, retrying only
	// transient failures.
	DispatchAttempts int
	// RetryBaseDelay seeds the backoff between attempts.
	RetryBaseDelay time.Duration
	// TouchInterval is how often a live flow refreshes its job record so
	// the next startup's reaper can tell it from a crash orphan.
	TouchInterval time.Duration
	// DelegationMaxRetries is stamped onto new delegation records.
	DelegationMaxRetries int
}

// Engine owns the flow goroutines. Start recovers prior state and
// relaunches resumable jobs; SpawnFlow admits new ones; Drain waits for
// whatever is in flight.
type Engine struct {
	cfg    Config
	logger *slog.Logger

	once sync.Once
	wg   sync.WaitGroup

	ctxMu  sync.RWMutex
	runCtx context.Context

	activeFlows atomic.Int32
	lastError   atomic.Pointer[string]
}

// Status is a point-in-time snapshot for the status surfaces.
type Status struct {
	ActiveFlows int32  `json:"active_flows"`
	GateInUse   int    `json:"gate_in_use"`
	GateWaiting int    `json:"gate_waiting"`
	LastError   string `json:"last_error,omitempty"`
}

func New(cfg Config) *Engine {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Classifier == nil {
		cfg.Classifier = policy.NewRuleClassifier()
	}
	if cfg.DispatchAttempts <= 0 {
		cfg.DispatchAttempts = 3
	}
	if cfg.RetryBaseDelay <= 0 {
		cfg.RetryBaseDelay = time.Second
	}
	if cfg.TouchInterval <= 0 {
		cfg.TouchInterval = 30 * time.Second
	}
	if cfg.Tracer == nil {
		cfg.Tracer = nooptrace.NewTracerProvider().Tracer(otel.TracerName)
	}
	if cfg.Metrics == nil {
		// Noop instruments cannot fail to build.
		cfg.Metrics, _ = otel.NewMetrics(noop.NewMeterProvider().Meter(otel.MeterName))
	}
	return &Engine{cfg: cfg, logger: cfg.Logger}
}

// Start reconciles on-disk state and relaunches every resumable job. It
// must run before the gateway begins accepting submissions: the reaper's
// view of the store is only correct while nothing new is being admitted.
// ctx is the engine's lifetime; flows started later run under it.
func (e *Engine) Start(ctx context.Context) error {
	var startErr error
	e.once.Do(func() {
		e.ctxMu.Lock()
		e.runCtx = ctx
		e.ctxMu.Unlock()

		summary, err := e.cfg.Reaper.Reap()
		if err != nil {
			startErr = fmt.Errorf("startup reconciliation: %w", err)
			return
		}
		e.cfg.Metrics.JobsReset.Add(ctx, int64(summary.ResetToPending))
		e.cfg.Metrics.JobsAbandoned.Add(ctx, int64(summary.Abandoned))
		resumable, err := e.cfg.Reaper.GetResumableJobs()
		if err != nil {
			startErr = fmt.Errorf("list resumable jobs: %w", err)
			return
		}
		for _, record := range resumable {
			e.logger.Info("relaunching job",
				"job_id", record.JobID,
				"resume_count", record.ResumeCount)
			e.launch(record.JobID)
		}
	})
	return startErr
}

// SpawnFlow admits a new flow through the gate, creates its job, and runs
// it in the background. The gate is acquired under the caller's ctx so a
// submission waiting in the queue can time out or be cancelled; the flow
// itself then runs under the engine's lifetime context.
func (e *Engine) SpawnFlow(ctx context.Context, params flow.CreateJobParams) (*flow.JobRecord, error) {
	release, err := e.admit(ctx)
	if err != nil {
		e.noteError(err)
		return nil, fmt.Errorf("admit flow: %w", err)
	}
	record, err := e.cfg.Manager.CreateJob(params)
	if err != nil {
		release()
		e.noteError(err)
		return nil, err
	}
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		defer release()
		e.runFlow(e.flowContext(), record.JobID)
	}()
	return record, nil
}

// launch restarts a previously admitted job. Unlike SpawnFlow the gate
// wait happens in the background: a full gate at startup delays resumed
// work instead of blocking Start.
func (e *Engine) launch(jobID string) {
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		ctx := e.flowContext()
		release, err := e.admit(ctx)
		if err != nil {
			// The job stays PENDING; the next startup tries again.
			e.noteError(err)
			e.logger.Warn("resumed job not admitted", "job_id", jobID, "error", err)
			return
		}
		defer release()
		e.runFlow(ctx, jobID)
	}()
}

// admit acquires a gate slot under ctx, timing the wait either way.
func (e *Engine) admit(ctx context.Context) (func(), error) {
	start := time.Now()
	release, err := e.cfg.Gate.Acquire(ctx)
	e.cfg.Metrics.GateWaitDuration.Record(ctx, time.Since(start).Seconds())
	if err != nil {
		if errors.Is(err, flow.ErrQueueTimeout) {
			e.cfg.Metrics.GateTimeouts.Add(ctx, 1)
		}
		return nil, err
	}
	return release, nil
}

// Drain waits for in-flight flows to finish. Flows still running at the
// timeout are left RUNNING on disk; the next startup's reaper resets them.
func (e *Engine) Drain(timeout time.Duration) {
	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		e.logger.Info("engine drained cleanly")
	case <-time.After(timeout):
		e.logger.Warn("engine drain timeout, in-flight flows left for startup recovery",
			"timeout", timeout.String())
	}
}

func (e *Engine) Status() Status {
	status := Status{
		ActiveFlows: e.activeFlows.Load(),
		GateInUse:   e.cfg.Gate.InUse(),
		GateWaiting: e.cfg.Gate.Waiting(),
	}
	if ptr := e.lastError.Load(); ptr != nil {
		status.LastError = *ptr
	}
	return status
}

func (e *Engine) runFlow(ctx context.Context, jobID string) {
	record, err := e.cfg.Manager.UpdateStatus(jobID, flow.JobStatusRunning)
	if err != nil {
		e.noteError(err)
		e.logger.Error("flow could not start", "job_id", jobID, "error", err)
		return
	}

	scope := shared.NewFlowScope(jobID)
	ctx = shared.WithScope(ctx, scope)
	runID := scope.RunID

	started := time.Now()
	ctx, span := otel.StartSpan(ctx, e.cfg.Tracer, "flow.run", trace.SpanKindInternal,
		otel.AttrJobID.String(jobID),
		otel.AttrRunID.String(runID),
		otel.AttrSessionKey.String(record.TargetSessionKey),
	)
	defer span.End()
	defer func() {
		e.cfg.Metrics.FlowDuration.Record(ctx, time.Since(started).Seconds())
	}()

	e.activeFlows.Add(1)
	e.cfg.Metrics.ActiveFlows.Add(ctx, 1)
	defer func() {
		e.activeFlows.Add(-1)
		e.cfg.Metrics.ActiveFlows.Add(ctx, -1)
	}()

	logger := e.logger.With("job_id", jobID, "trace_id", scope.TraceID)

	touchCtx, stopTouch := context.WithCancel(ctx)
	defer stopTouch()
	go e.keepAlive(touchCtx, jobID)

	classification := e.cfg.Classifier.Classify(record.Message)
	turnBudget := policy.ResolveEffectiveTurns(record.MaxPingPongTurns, classification, false)
	span.SetAttributes(otel.AttrIntent.String(string(classification.Intent)))
	logger.Info("flow running",
		"session_key", record.TargetSessionKey,
		"intent", string(classification.Intent),
		"turn_budget", turnBudget,
		"resume_count", record.ResumeCount)

	requester := e.requesterParty(record)
	conversationID := record.ConversationID
	attemptTimeout := time.Duration(record.AnnounceTimeoutMs) * time.Millisecond

	deleg, spawned := delegation.New(delegation.CreateParams{
		RunID:            runID,
		TargetAgentID:    record.TargetSessionKey,
		TargetSessionKey: record.TargetSessionKey,
		Task:             record.Message,
		Label:            string(classification.Intent),
		MaxRetries:       e.cfg.DelegationMaxRetries,
	})
	e.publishDelegation(spawned)
	deleg = e.applyDelegation(logger, deleg, delegation.Update{Status: delegation.StatusRunning})

	if turnBudget == 0 {
		// The message still gets delivered; nobody waits on a reply.
		result, err := e.sendTurnWithRetry(ctx, TurnRequest{
			JobID:            jobID,
			RunID:            runID,
			ConversationID:   conversationID,
			TargetSessionKey: record.TargetSessionKey,
			FromAgentID:      requester,
			Message:          record.Message,
			Turn:             record.CurrentTurn,
		}, attemptTimeout)
		if err != nil {
			e.settleDelegationFailure(ctx, logger, &deleg, err)
			e.finishDispatchFailure(ctx, logger, jobID, err)
			return
		}
		if conversationID == "" {
			conversationID = result.ConversationID
		}
		e.publishTurn(bus.TopicFlowSend, record, runID, requester, result.AgentID,
			conversationID, record.CurrentTurn, "no reply expected")
		e.applyDelegation(logger, deleg, delegation.Update{Status: delegation.StatusCompleted})
		e.complete(logger, jobID)
		return
	}

	var (
		previousReplies []string
		latestReply     string
		targetParty     string
		outbound        = record.Message
	)
	for turn := record.CurrentTurn; turn < turnBudget; turn++ {
		result, err := e.sendTurnWithRetry(ctx, TurnRequest{
			JobID:            jobID,
			RunID:            runID,
			ConversationID:   conversationID,
			TargetSessionKey: record.TargetSessionKey,
			FromAgentID:      requester,
			Message:          outbound,
			Turn:             turn,
			AwaitReply:       true,
		}, attemptTimeout)
		if err != nil {
			e.settleDelegationFailure(ctx, logger, &deleg, err)
			e.finishDispatchFailure(ctx, logger, jobID, err)
			return
		}
		if conversationID == "" {
			conversationID = result.ConversationID
		}
		if result.AgentID != "" {
			targetParty = result.AgentID
		}

		e.publishTurn(bus.TopicFlowSend, record, runID, requester, targetParty,
			conversationID, turn, "")
		e.publishTurn(bus.TopicFlowResponse, record, runID, targetParty, requester,
			conversationID, turn, "")

		if _, err := e.cfg.Manager.AdvanceTurn(jobID); err != nil {
			e.noteError(err)
			logger.Error("advance turn failed", "turn", turn, "error", err)
		}

		latestReply = result.Reply
		if stop, reason := policy.ShouldTerminatePingPong(latestReply, previousReplies); stop {
			logger.Info("exchange closed early", "turn", turn, "reason", reason)
			break
		}
		previousReplies = append(previousReplies, latestReply)
		outbound = latestReply
	}

	e.applyDelegation(logger, deleg, delegation.Update{
		Status: delegation.StatusCompleted,
		Result: &delegation.ResultSnapshot{
			Content:       latestReply,
			OutcomeStatus: "ok",
			CapturedAt:    time.Now().UTC(),
		},
	})

	e.announce(ctx, logger, record, requester, targetParty, conversationID, latestReply)
	e.complete(logger, jobID)
}

// finishDispatchFailure decides what a failed delivery leaves behind. A
// shutdown leaves the job RUNNING for the next startup's reaper; anything
// else marks it failed, which also raises the operator notification.
func (e *Engine) finishDispatchFailure(ctx context.Context, logger *slog.Logger, jobID string, err error) {
	e.noteError(err)
	trace.SpanFromContext(ctx).RecordError(err)
	if ctx.Err() != nil || ClassifyDispatchError(err) == ErrorClassCanceled {
		logger.Warn("flow interrupted, left for startup recovery", "error", err)
		return
	}
	if _, ferr := e.cfg.Manager.FailJob(jobID, err.Error()); ferr != nil {
		e.noteError(ferr)
		logger.Error("fail job failed", "job_id", jobID, "error", ferr)
	}
}

func (e *Engine) complete(logger *slog.Logger, jobID string) {
	if _, err := e.cfg.Manager.CompleteJob(jobID); err != nil {
		e.noteError(err)
		logger.Error("complete job failed", "job_id", jobID, "error", err)
	}
}

// announce reports the flow's outcome to the party named by the display
// key, then tracks the sent message so the acknowledgment sweep can chase
// it. A failed announce never fails the flow itself.
func (e *Engine) announce(ctx context.Context, logger *slog.Logger, record *flow.JobRecord, requester, targetParty, conversationID, latestReply string) {
	var ids policy.IdentityResolver
	if e.cfg.Registry != nil {
		ids = e.cfg.Registry
	}
	if !policy.ShouldRunAnnounce(record.DisplayKey, latestReply, requester, targetParty, ids) {
		logger.Debug("announce suppressed", "target", record.DisplayKey)
		return
	}

	announceCtx := ctx
	cancel := func() {}
	if record.AnnounceTimeoutMs > 0 {
		timeout := time.Duration(record.AnnounceTimeoutMs) * time.Millisecond
		announceCtx, cancel = context.WithTimeout(ctx, timeout)
	}
	messageID, err := e.cfg.Dispatcher.Announce(announceCtx, AnnounceRequest{
		JobID:          record.JobID,
		Target:         record.DisplayKey,
		ConversationID: conversationID,
		Summary:        latestReply,
	})
	cancel()
	if err != nil {
		e.noteError(err)
		logger.Warn("announce failed", "target", record.DisplayKey, "error", err)
		return
	}

	if e.cfg.Tracker == nil {
		return
	}
	correlation := conversationID
	if correlation == "" {
		correlation = record.JobID
	}
	if _, err := e.cfg.Tracker.Track(ack.TrackParams{
		MessageID:     messageID,
		CorrelationID: correlation,
		FromAgentID:   targetParty,
		TargetAgentID: record.DisplayKey,
		OriginalText:  latestReply,
	}); err != nil {
		logger.Warn("announce tracking failed", "error", err)
	}
}

// keepAlive refreshes the job's updatedAt while the flow works so a
// healthy long exchange is never mistaken for a crash orphan.
func (e *Engine) keepAlive(ctx context.Context, jobID string) {
	ticker := time.NewTicker(e.cfg.TouchInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := e.cfg.Manager.Touch(jobID); err != nil {
				e.logger.Debug("job touch failed", "job_id", jobID, "error", err)
			}
		}
	}
}

// requesterParty resolves who the flow speaks for. A display key naming a
// registered agent attributes the exchange to that agent; otherwise the
// flow is operator-submitted.
func (e *Engine) requesterParty(record *flow.JobRecord) string {
	if e.cfg.Registry != nil && e.cfg.Registry.IsAgent(record.DisplayKey) {
		return record.DisplayKey
	}
	return shared.DefaultAgentID
}

func (e *Engine) settleDelegationFailure(ctx context.Context, logger *slog.Logger, d *delegation.Record, err error) {
	status := delegation.StatusFailed
	if ctx.Err() != nil || ClassifyDispatchError(err) == ErrorClassCanceled {
		status = delegation.StatusAbandoned
	}
	*d = e.applyDelegation(logger, *d, delegation.Update{Status: status, Error: err.Error()})
}

// applyDelegation runs one transition and publishes its event. A rejected
// transition is logged and the record returned unchanged.
func (e *Engine) applyDelegation(logger *slog.Logger, d delegation.Record, update delegation.Update) delegation.Record {
	next, event, err := delegation.Apply(d, update)
	if err != nil {
		logger.Warn("delegation update rejected", "delegation_id", d.DelegationID, "error", err)
		return d
	}
	e.publishDelegation(event)
	return next
}

func (e *Engine) publishDelegation(event delegation.Event) {
	e.cfg.Metrics.DelegationTransitions.Add(context.Background(), 1)
	if e.cfg.Bus == nil {
		return
	}
	e.cfg.Bus.Publish(event.Type, bus.DelegationEvent{
		DelegationID:  event.DelegationID,
		RunID:         event.RunID,
		TargetAgentID: event.TargetAgentID,
		OldStatus:     string(event.From),
		NewStatus:     string(event.To),
		Detail:        event.Detail,
	})
}

func (e *Engine) publishTurn(topic string, record *flow.JobRecord, runID, from, to, conversationID string, turn int, detail string) {
	if e.cfg.Bus == nil {
		return
	}
	e.cfg.Bus.Publish(topic, bus.FlowEvent{
		JobID:            record.JobID,
		RunID:            runID,
		SessionKey:       record.TargetSessionKey,
		ConversationID:   conversationID,
		FromAgentID:      from,
		ToAgentID:        to,
		Turn:             turn,
		MainConversation: true,
		Detail:           detail,
	})
}

// flowContext returns the lifetime ctx captured by Start, or Background
// when flows are spawned before Start (tests do this).
func (e *Engine) flowContext() context.Context {
	e.ctxMu.RLock()
	defer e.ctxMu.RUnlock()
	if e.runCtx != nil {
		return e.runCtx
	}
	return context.Background()
}

func (e *Engine) noteError(err error) {
	if err == nil {
		return
	}
	msg := err.Error()
	e.lastError.Store(&msg)
}
