package engine_test

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/basket/go-loom/internal/ack"
	"github.com/basket/go-loom/internal/agent"
	"github.com/basket/go-loom/internal/bus"
	"github.com/basket/go-loom/internal/engine"
	"github.com/basket/go-loom/internal/flow"
	"github.com/basket/go-loom/internal/shared"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// scriptedDispatcher replays canned outcomes call by call and records every
// request it sees.
type scriptedDispatcher struct {
	mu        sync.Mutex
	turns     []engine.TurnRequest
	announces []engine.AnnounceRequest

	replies     []string // indexed by call, "done" past the end
	errs        []error  // indexed by call, nil past the end
	announceErr error
}

func (d *scriptedDispatcher) SendTurn(_ context.Context, req engine.TurnRequest) (engine.TurnResult, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	call := len(d.turns)
	d.turns = append(d.turns, req)
	if call < len(d.errs) && d.errs[call] != nil {
		return engine.TurnResult{}, d.errs[call]
	}
	reply := "done"
	if call < len(d.replies) {
		reply = d.replies[call]
	}
	return engine.TurnResult{Reply: reply, ConversationID: "conv-1", AgentID: "helper"}, nil
}

func (d *scriptedDispatcher) Announce(_ context.Context, req engine.AnnounceRequest) (string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.announces = append(d.announces, req)
	if d.announceErr != nil {
		return "", d.announceErr
	}
	return "msg-1", nil
}

func (d *scriptedDispatcher) turnCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.turns)
}

func (d *scriptedDispatcher) turn(i int) engine.TurnRequest {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.turns[i]
}

func (d *scriptedDispatcher) announceCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.announces)
}

type engineFixture struct {
	eng      *engine.Engine
	mgr      *flow.Manager
	store    *flow.Store
	gate     *flow.Gate
	tracker  *ack.Tracker
	registry *agent.Registry
	bus      *bus.Bus
}

type fixtureOpts struct {
	dispatcher   engine.Dispatcher
	gateLimit    int
	queueTimeout time.Duration
}

func newTestEngine(t *testing.T, opts fixtureOpts) *engineFixture {
	t.Helper()
	logger := testLogger()
	dir := t.TempDir()
	eventBus := bus.New()

	store, err := flow.NewStore(filepath.Join(dir, "jobs"), logger)
	if err != nil {
		t.Fatalf("new job store: %v", err)
	}
	mgr := flow.NewManager(store, eventBus, logger, flow.Defaults{MaxPingPongTurns: 5, AnnounceTimeoutMs: 90000})

	ackStore, err := ack.NewStore(filepath.Join(dir, "acks.json"), logger)
	if err != nil {
		t.Fatalf("new ack store: %v", err)
	}
	tracker := ack.NewTracker(ackStore, eventBus, logger, ack.Config{}, nil, nil)

	if opts.gateLimit <= 0 {
		opts.gateLimit = 2
	}
	if opts.queueTimeout <= 0 {
		opts.queueTimeout = time.Second
	}
	gate := flow.NewGate(opts.gateLimit, opts.queueTimeout)
	registry := agent.NewRegistry()

	eng := engine.New(engine.Config{
		Manager:          mgr,
		Gate:             gate,
		Reaper:           flow.NewReaper(store, eventBus, logger),
		Registry:         registry,
		Tracker:          tracker,
		Dispatcher:       opts.dispatcher,
		Bus:              eventBus,
		Logger:           logger,
		DispatchAttempts: 3,
		RetryBaseDelay:   5 * time.Millisecond,
	})
	return &engineFixture{
		eng:      eng,
		mgr:      mgr,
		store:    store,
		gate:     gate,
		tracker:  tracker,
		registry: registry,
		bus:      eventBus,
	}
}

func waitForStatus(t *testing.T, mgr *flow.Manager, jobID string, want flow.JobStatus) *flow.JobRecord {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		record, err := mgr.ReadJob(jobID)
		if err == nil && record.Status == want {
			return record
		}
		time.Sleep(10 * time.Millisecond)
	}
	record, err := mgr.ReadJob(jobID)
	if err != nil {
		t.Fatalf("job %s never reached %s: %v", jobID, want, err)
	}
	t.Fatalf("job %s never reached %s, last status %s", jobID, want, record.Status)
	return nil
}

func TestSpawnFlow_RunsToCompletion(t *testing.T) {
	dispatcher := &scriptedDispatcher{
		replies: []string{
			"Reviewed the pipeline end to end; the build and deploy stages both look correct.",
			"Work complete.",
		},
	}
	f := newTestEngine(t, fixtureOpts{dispatcher: dispatcher})

	record, err := f.eng.SpawnFlow(context.Background(), flow.CreateJobParams{
		TargetSessionKey: "agent:main:helper",
		DisplayKey:       "ops-review",
		Message:          "Please review the deployment pipeline configuration and report anything that needs attention.",
	})
	if err != nil {
		t.Fatalf("spawn flow: %v", err)
	}

	done := waitForStatus(t, f.mgr, record.JobID, flow.JobStatusCompleted)
	if done.CurrentTurn != 2 {
		t.Errorf("current turn = %d, want 2", done.CurrentTurn)
	}

	if got := dispatcher.turnCount(); got != 2 {
		t.Fatalf("dispatcher saw %d turns, want 2", got)
	}
	first := dispatcher.turn(0)
	if first.TargetSessionKey != "agent:main:helper" {
		t.Errorf("turn 0 session key = %q", first.TargetSessionKey)
	}
	if first.Message != record.Message {
		t.Errorf("turn 0 message = %q, want the original submission", first.Message)
	}
	if first.FromAgentID != shared.DefaultAgentID {
		t.Errorf("turn 0 from = %q, want %q", first.FromAgentID, shared.DefaultAgentID)
	}
	if !first.AwaitReply {
		t.Error("turn 0 should await a reply")
	}
	second := dispatcher.turn(1)
	if second.Turn != 1 {
		t.Errorf("turn 1 counter = %d, want 1", second.Turn)
	}
	if !strings.Contains(second.Message, "Reviewed the pipeline") {
		t.Errorf("turn 1 should relay the previous reply, got %q", second.Message)
	}
	if second.ConversationID != "conv-1" {
		t.Errorf("turn 1 conversation = %q, want the one the transport allocated", second.ConversationID)
	}

	if got := dispatcher.announceCount(); got != 1 {
		t.Fatalf("announce count = %d, want 1", got)
	}
	pending := f.tracker.Pending()
	if len(pending) != 1 {
		t.Fatalf("pending acks = %d, want 1", len(pending))
	}
	if pending[0].MessageID != "msg-1" || pending[0].TargetAgentID != "ops-review" {
		t.Errorf("tracked ack = %+v", pending[0])
	}
}

func TestSpawnFlow_PublishesMainConversationTurns(t *testing.T) {
	dispatcher := &scriptedDispatcher{replies: []string{"All wrapped up."}}
	f := newTestEngine(t, fixtureOpts{dispatcher: dispatcher})

	sub := f.bus.Subscribe("flow.send")
	defer f.bus.Unsubscribe(sub)

	record, err := f.eng.SpawnFlow(context.Background(), flow.CreateJobParams{
		TargetSessionKey: "agent:main:helper",
		Message:          "Summarize the incident timeline for the retro document please.",
	})
	if err != nil {
		t.Fatalf("spawn flow: %v", err)
	}
	waitForStatus(t, f.mgr, record.JobID, flow.JobStatusCompleted)

	select {
	case ev := <-sub.Ch():
		payload, ok := ev.Payload.(bus.FlowEvent)
		if !ok {
			t.Fatalf("payload type %T", ev.Payload)
		}
		if !payload.MainConversation {
			t.Error("send event should be flagged as main conversation")
		}
		if payload.JobID != record.JobID || payload.ConversationID != "conv-1" {
			t.Errorf("send event = %+v", payload)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no flow.send event observed")
	}
}

func TestSpawnFlow_QueueTimeout(t *testing.T) {
	dispatcher := &scriptedDispatcher{}
	f := newTestEngine(t, fixtureOpts{
		dispatcher:   dispatcher,
		gateLimit:    1,
		queueTimeout: 50 * time.Millisecond,
	})

	release, err := f.gate.Acquire(context.Background())
	if err != nil {
		t.Fatalf("occupy gate: %v", err)
	}
	defer release()

	_, err = f.eng.SpawnFlow(context.Background(), flow.CreateJobParams{
		TargetSessionKey: "agent:main:helper",
		Message:          "This one should never be admitted.",
	})
	if !errors.Is(err, flow.ErrQueueTimeout) {
		t.Fatalf("err = %v, want queue timeout", err)
	}

	jobs, err := f.store.List()
	if err != nil {
		t.Fatalf("list jobs: %v", err)
	}
	if len(jobs) != 0 {
		t.Errorf("rejected submission left %d job records", len(jobs))
	}
	if dispatcher.turnCount() != 0 {
		t.Errorf("dispatcher saw %d turns, want 0", dispatcher.turnCount())
	}
}

func TestSpawnFlow_RetriesTransientFailure(t *testing.T) {
	dispatcher := &scriptedDispatcher{
		errs:    []error{errors.New("dial tcp: connection refused")},
		replies: []string{"", "All finished."},
	}
	f := newTestEngine(t, fixtureOpts{dispatcher: dispatcher})

	record, err := f.eng.SpawnFlow(context.Background(), flow.CreateJobParams{
		TargetSessionKey: "agent:main:helper",
		Message:          "Run the nightly export job and confirm the row counts match yesterday.",
	})
	if err != nil {
		t.Fatalf("spawn flow: %v", err)
	}

	done := waitForStatus(t, f.mgr, record.JobID, flow.JobStatusCompleted)
	if got := dispatcher.turnCount(); got != 2 {
		t.Fatalf("dispatcher saw %d calls, want failed attempt plus retry", got)
	}
	if done.CurrentTurn != 1 {
		t.Errorf("current turn = %d, want 1", done.CurrentTurn)
	}
	// Both attempts carry the same turn counter.
	if dispatcher.turn(0).Turn != 0 || dispatcher.turn(1).Turn != 0 {
		t.Errorf("attempts ran as turns %d and %d, want 0 and 0",
			dispatcher.turn(0).Turn, dispatcher.turn(1).Turn)
	}
}

func TestSpawnFlow_PermanentFailureFailsJob(t *testing.T) {
	dispatcher := &scriptedDispatcher{
		errs: []error{errors.New("prompt rejected by policy")},
	}
	f := newTestEngine(t, fixtureOpts{dispatcher: dispatcher})

	sub := f.bus.Subscribe("delegation.updated")
	defer f.bus.Unsubscribe(sub)

	record, err := f.eng.SpawnFlow(context.Background(), flow.CreateJobParams{
		TargetSessionKey: "agent:main:helper",
		Message:          "Translate the release notes into French before the announcement goes out.",
	})
	if err != nil {
		t.Fatalf("spawn flow: %v", err)
	}

	done := waitForStatus(t, f.mgr, record.JobID, flow.JobStatusFailed)
	if !strings.Contains(done.FailureReason, "prompt rejected") {
		t.Errorf("failure reason = %q", done.FailureReason)
	}
	if got := dispatcher.turnCount(); got != 1 {
		t.Errorf("dispatcher saw %d calls, want 1 (no retry)", got)
	}

	sawFailed := false
	deadline := time.After(2 * time.Second)
	for !sawFailed {
		select {
		case ev := <-sub.Ch():
			if payload, ok := ev.Payload.(bus.DelegationEvent); ok && payload.NewStatus == "failed" {
				sawFailed = true
			}
		case <-deadline:
			t.Fatal("no delegation failure event observed")
		}
	}
}

func TestSpawnFlow_NoReplyDeliversWithoutWaiting(t *testing.T) {
	dispatcher := &scriptedDispatcher{}
	f := newTestEngine(t, fixtureOpts{dispatcher: dispatcher})

	record, err := f.eng.SpawnFlow(context.Background(), flow.CreateJobParams{
		TargetSessionKey: "agent:main:helper",
		DisplayKey:       "ops-review",
		Message:          "[FYI] Deploy of build 2214 finished cleanly.",
	})
	if err != nil {
		t.Fatalf("spawn flow: %v", err)
	}

	done := waitForStatus(t, f.mgr, record.JobID, flow.JobStatusCompleted)
	if done.CurrentTurn != 0 {
		t.Errorf("current turn = %d, want 0", done.CurrentTurn)
	}
	if got := dispatcher.turnCount(); got != 1 {
		t.Fatalf("dispatcher saw %d calls, want 1", got)
	}
	if dispatcher.turn(0).AwaitReply {
		t.Error("fire-and-forget delivery should not await a reply")
	}
	if got := dispatcher.announceCount(); got != 0 {
		t.Errorf("announce count = %d, want 0 with no reply to report", got)
	}
}

func TestSpawnFlow_AttributesRegisteredRequester(t *testing.T) {
	dispatcher := &scriptedDispatcher{replies: []string{"Handled."}}
	f := newTestEngine(t, fixtureOpts{dispatcher: dispatcher})
	f.registry.Register(agent.Identity{AgentID: "planner"})
	f.registry.Register(agent.Identity{AgentID: "helper"})

	record, err := f.eng.SpawnFlow(context.Background(), flow.CreateJobParams{
		TargetSessionKey: "agent:main:helper",
		DisplayKey:       "planner",
		Message:          "Planner needs the capacity numbers refreshed before tomorrow's sync.",
	})
	if err != nil {
		t.Fatalf("spawn flow: %v", err)
	}
	waitForStatus(t, f.mgr, record.JobID, flow.JobStatusCompleted)

	if got := dispatcher.turn(0).FromAgentID; got != "planner" {
		t.Errorf("from agent = %q, want planner", got)
	}
	// Both parties are agents, so the outcome stays off the announce path.
	if got := dispatcher.announceCount(); got != 0 {
		t.Errorf("announce count = %d, want 0 for an agent-to-agent exchange", got)
	}
}

func TestStart_RelaunchesInterruptedJob(t *testing.T) {
	dispatcher := &scriptedDispatcher{replies: []string{"Recovered and finished."}}
	f := newTestEngine(t, fixtureOpts{dispatcher: dispatcher})

	record, err := f.mgr.CreateJob(flow.CreateJobParams{
		TargetSessionKey: "agent:main:helper",
		Message:          "Long migration interrupted by a restart, please continue where it stopped.",
	})
	if err != nil {
		t.Fatalf("create job: %v", err)
	}
	if _, err := f.mgr.UpdateStatus(record.JobID, flow.JobStatusRunning); err != nil {
		t.Fatalf("mark running: %v", err)
	}

	if err := f.eng.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}

	done := waitForStatus(t, f.mgr, record.JobID, flow.JobStatusCompleted)
	if done.ResumeCount != 1 {
		t.Errorf("resume count = %d, want 1", done.ResumeCount)
	}
	if dispatcher.turnCount() == 0 {
		t.Error("relaunched job never reached the dispatcher")
	}

	// Start is one-shot; a second call must not relaunch anything.
	before := dispatcher.turnCount()
	if err := f.eng.Start(context.Background()); err != nil {
		t.Fatalf("second start: %v", err)
	}
	time.Sleep(50 * time.Millisecond)
	if got := dispatcher.turnCount(); got != before {
		t.Errorf("second start dispatched %d extra turns", got-before)
	}
}

// blockingDispatcher parks every SendTurn until release is closed.
type blockingDispatcher struct {
	started chan struct{}
	release chan struct{}
}

func newBlockingDispatcher() *blockingDispatcher {
	return &blockingDispatcher{
		started: make(chan struct{}, 1),
		release: make(chan struct{}),
	}
}

func (d *blockingDispatcher) SendTurn(ctx context.Context, _ engine.TurnRequest) (engine.TurnResult, error) {
	select {
	case d.started <- struct{}{}:
	default:
	}
	select {
	case <-d.release:
		return engine.TurnResult{Reply: "Done now."}, nil
	case <-ctx.Done():
		return engine.TurnResult{}, ctx.Err()
	}
}

func (d *blockingDispatcher) Announce(context.Context, engine.AnnounceRequest) (string, error) {
	return "msg-1", nil
}

func TestDrain_WaitsForInFlightFlow(t *testing.T) {
	dispatcher := newBlockingDispatcher()
	f := newTestEngine(t, fixtureOpts{dispatcher: dispatcher})

	record, err := f.eng.SpawnFlow(context.Background(), flow.CreateJobParams{
		TargetSessionKey: "agent:main:helper",
		Message:          "Hold this flow open until the test says otherwise, then wrap up.",
	})
	if err != nil {
		t.Fatalf("spawn flow: %v", err)
	}

	select {
	case <-dispatcher.started:
	case <-time.After(2 * time.Second):
		t.Fatal("flow never reached the dispatcher")
	}
	if got := f.eng.Status().ActiveFlows; got != 1 {
		t.Errorf("active flows = %d, want 1", got)
	}
	if got := f.gate.InUse(); got != 1 {
		t.Errorf("gate in use = %d, want 1", got)
	}

	close(dispatcher.release)
	f.eng.Drain(2 * time.Second)

	// Drain returning means the goroutine finished its bookkeeping.
	done, err := f.mgr.ReadJob(record.JobID)
	if err != nil {
		t.Fatalf("read job: %v", err)
	}
	if done.Status != flow.JobStatusCompleted {
		t.Errorf("status after drain = %s, want COMPLETED", done.Status)
	}
	if got := f.eng.Status().ActiveFlows; got != 0 {
		t.Errorf("active flows after drain = %d, want 0", got)
	}
}

func TestShutdown_LeavesJobForNextStartup(t *testing.T) {
	dispatcher := newBlockingDispatcher()
	f := newTestEngine(t, fixtureOpts{dispatcher: dispatcher})

	runCtx, cancelRun := context.WithCancel(context.Background())
	if err := f.eng.Start(runCtx); err != nil {
		t.Fatalf("start: %v", err)
	}

	record, err := f.eng.SpawnFlow(context.Background(), flow.CreateJobParams{
		TargetSessionKey: "agent:main:helper",
		Message:          "A flow that gets interrupted by shutdown partway through the first turn.",
	})
	if err != nil {
		t.Fatalf("spawn flow: %v", err)
	}
	select {
	case <-dispatcher.started:
	case <-time.After(2 * time.Second):
		t.Fatal("flow never reached the dispatcher")
	}

	cancelRun()
	f.eng.Drain(2 * time.Second)

	interrupted, err := f.mgr.ReadJob(record.JobID)
	if err != nil {
		t.Fatalf("read job: %v", err)
	}
	if interrupted.Status != flow.JobStatusRunning {
		t.Fatalf("status after shutdown = %s, want RUNNING for the next reaper", interrupted.Status)
	}

	// A fresh engine over the same store picks the job back up.
	logger := testLogger()
	second := &scriptedDispatcher{replies: []string{"Recovered and finished."}}
	eng2 := engine.New(engine.Config{
		Manager:    f.mgr,
		Gate:       flow.NewGate(2, time.Second),
		Reaper:     flow.NewReaper(f.store, nil, logger),
		Registry:   f.registry,
		Dispatcher: second,
		Logger:     logger,
	})
	if err := eng2.Start(context.Background()); err != nil {
		t.Fatalf("second start: %v", err)
	}
	done := waitForStatus(t, f.mgr, record.JobID, flow.JobStatusCompleted)
	if done.ResumeCount != 1 {
		t.Errorf("resume count = %d, want 1", done.ResumeCount)
	}
}
