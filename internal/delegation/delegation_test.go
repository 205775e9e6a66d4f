package delegation

import (
	"reflect"
	"strings"
	"testing"
	"time"
)

func TestNew_ClampsMaxRetries(t *testing.T) {
	cases := []struct {
		name string
		in   int
		want int
	}{
		{"negative clamps to zero", -1, 0},
		{"zero allowed", 0, 0},
		{"within range", 3, 3},
		{"above ceiling clamps", 99, AbsoluteMaxRetries},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			record, _ := New(CreateParams{RunID: "run-1", TargetAgentID: "scout", MaxRetries: tc.in})
			if record.MaxRetries != tc.want {
				t.Fatalf("maxRetries = %d, want %d", record.MaxRetries, tc.want)
			}
		})
	}
}

func TestNew_InitialState(t *testing.T) {
	record, event := New(CreateParams{
		RunID:         "run-1",
		TargetAgentID: "scout",
		Task:          "collect links",
		Label:         "research",
		MaxRetries:    2,
	})
	if record.DelegationID == "" {
		t.Fatal("expected allocated delegation id")
	}
	if record.Status != StatusSpawned {
		t.Fatalf("status = %q, want spawned", record.Status)
	}
	if record.RetryCount != 0 {
		t.Fatalf("retryCount = %d, want 0", record.RetryCount)
	}
	if event.Type != EventSpawned || event.DelegationID != record.DelegationID {
		t.Fatalf("event = %+v, want spawned event for record", event)
	}
}

func TestApply_ValidTransitionChain(t *testing.T) {
	record, _ := New(CreateParams{RunID: "run-1", TargetAgentID: "scout", MaxRetries: 2})

	record, event, err := Apply(record, Update{Status: StatusRunning})
	if err != nil {
		t.Fatalf("spawned -> running: %v", err)
	}
	if event.From != StatusSpawned || event.To != StatusRunning {
		t.Fatalf("event = %+v, want spawned -> running", event)
	}

	record, _, err = Apply(record, Update{Status: StatusCompleted, Result: &ResultSnapshot{Content: "done", OutcomeStatus: "ok"}})
	if err != nil {
		t.Fatalf("running -> completed: %v", err)
	}
	if record.CompletedAt == nil {
		t.Fatal("completed delegation must have completedAt")
	}
	if record.ResultSnapshot == nil || record.ResultSnapshot.Content != "done" {
		t.Fatalf("resultSnapshot = %+v, want stored snapshot", record.ResultSnapshot)
	}

	record, _, err = Apply(record, Update{Status: StatusVerified, VerificationNote: "checked output"})
	if err != nil {
		t.Fatalf("completed -> verified: %v", err)
	}
	if record.VerificationNote != "checked output" {
		t.Fatalf("verificationNote = %q, want stored note", record.VerificationNote)
	}
	if !record.Status.IsTerminal() {
		t.Fatal("verified must be terminal")
	}
}

func TestApply_RejectedTransitionLeavesRecordUntouched(t *testing.T) {
	record, _ := New(CreateParams{RunID: "run-1", TargetAgentID: "scout", MaxRetries: 2})
	record, _, err := Apply(record, Update{Status: StatusRunning})
	if err != nil {
		t.Fatalf("to running: %v", err)
	}
	before := record

	after, _, err := Apply(record, Update{Status: StatusVerified})
	if err == nil {
		t.Fatal("expected error for running -> verified")
	}
	te, ok := err.(*TransitionError)
	if !ok {
		t.Fatalf("error type = %T, want *TransitionError", err)
	}
	if te.From != StatusRunning || te.To != StatusVerified {
		t.Fatalf("error states = %s -> %s, want running -> verified", te.From, te.To)
	}
	if !strings.Contains(err.Error(), "running") || !strings.Contains(err.Error(), "verified") {
		t.Fatalf("error %q should name both states", err.Error())
	}
	if len(te.Allowed) == 0 {
		t.Fatal("error must carry the allowed successor set")
	}
	if !reflect.DeepEqual(before, after) {
		t.Fatalf("record mutated by rejected transition:\nbefore %+v\nafter  %+v", before, after)
	}
}

func TestApply_RetryingIncrementsCountAndClearsCompletedAt(t *testing.T) {
	record, _ := New(CreateParams{RunID: "run-1", TargetAgentID: "scout", MaxRetries: 3})
	record, _, _ = Apply(record, Update{Status: StatusRunning})
	record, _, err := Apply(record, Update{Status: StatusFailed, Error: "tool crashed"})
	if err != nil {
		t.Fatalf("to failed: %v", err)
	}
	if record.CompletedAt == nil {
		t.Fatal("failed delegation must have completedAt")
	}
	if len(record.PreviousErrors) != 1 || record.PreviousErrors[0] != "tool crashed" {
		t.Fatalf("previousErrors = %v, want the appended error", record.PreviousErrors)
	}

	record, _, err = Apply(record, Update{Status: StatusRetrying})
	if err != nil {
		t.Fatalf("to retrying: %v", err)
	}
	if record.RetryCount != 1 {
		t.Fatalf("retryCount = %d, want 1", record.RetryCount)
	}
	if record.CompletedAt != nil {
		t.Fatal("retrying must clear completedAt")
	}

	// Second failure appends, never rewrites.
	record, _, _ = Apply(record, Update{Status: StatusRunning})
	record, _, err = Apply(record, Update{Status: StatusFailed, Error: "timeout"})
	if err != nil {
		t.Fatalf("to failed again: %v", err)
	}
	if got := record.PreviousErrors; len(got) != 2 || got[1] != "timeout" {
		t.Fatalf("previousErrors = %v, want both errors in order", got)
	}
}

func TestApply_TruncatesOversizedResult(t *testing.T) {
	record, _ := New(CreateParams{RunID: "run-1", TargetAgentID: "scout"})
	record, _, _ = Apply(record, Update{Status: StatusRunning})

	big := strings.Repeat("x", ResultSnapshotMaxBytes+500)
	record, _, err := Apply(record, Update{
		Status: StatusCompleted,
		Result: &ResultSnapshot{Content: big, OutcomeStatus: "ok"},
	})
	if err != nil {
		t.Fatalf("to completed: %v", err)
	}
	if len(record.ResultSnapshot.Content) != ResultSnapshotMaxBytes {
		t.Fatalf("snapshot length = %d, want capped at %d", len(record.ResultSnapshot.Content), ResultSnapshotMaxBytes)
	}
}

func TestApply_TruncationRespectsRuneBoundary(t *testing.T) {
	record, _ := New(CreateParams{RunID: "run-1", TargetAgentID: "scout"})
	record, _, _ = Apply(record, Update{Status: StatusRunning})

	// Multi-byte runes positioned so a naive byte cut would split one.
	content := "a" + strings.Repeat("é", ResultSnapshotMaxBytes)
	record, _, err := Apply(record, Update{
		Status: StatusCompleted,
		Result: &ResultSnapshot{Content: content, OutcomeStatus: "ok"},
	})
	if err != nil {
		t.Fatalf("to completed: %v", err)
	}
	got := record.ResultSnapshot.Content
	if len(got) > ResultSnapshotMaxBytes {
		t.Fatalf("snapshot length = %d, want <= %d", len(got), ResultSnapshotMaxBytes)
	}
	for _, r := range got {
		if r == '�' {
			t.Fatal("truncation produced an invalid rune")
		}
	}
}

func TestCanRetry(t *testing.T) {
	base, _ := New(CreateParams{RunID: "run-1", TargetAgentID: "scout", MaxRetries: 2})

	cases := []struct {
		name       string
		status     Status
		retryCount int
		want       bool
	}{
		{"failed with budget", StatusFailed, 0, true},
		{"rejected with budget", StatusRejected, 1, true},
		{"failed at budget", StatusFailed, 2, false},
		{"failed over budget", StatusFailed, 3, false},
		{"running never retries", StatusRunning, 0, false},
		{"completed never retries", StatusCompleted, 0, false},
		{"verified never retries", StatusVerified, 0, false},
		{"abandoned never retries", StatusAbandoned, 0, false},
		{"spawned never retries", StatusSpawned, 0, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			d := base
			d.Status = tc.status
			d.RetryCount = tc.retryCount
			if got := CanRetry(d); got != tc.want {
				t.Fatalf("CanRetry(%s, retries %d/%d) = %v, want %v", tc.status, tc.retryCount, d.MaxRetries, got, tc.want)
			}
		})
	}
}

func TestFindByRunID(t *testing.T) {
	a, _ := New(CreateParams{RunID: "run-a", TargetAgentID: "scout"})
	b, _ := New(CreateParams{RunID: "run-b", TargetAgentID: "writer"})
	all := []Record{a, b}

	got, ok := FindByRunID(all, "run-b")
	if !ok || got.DelegationID != b.DelegationID {
		t.Fatalf("FindByRunID(run-b) = %+v ok=%v, want record b", got, ok)
	}
	if _, ok := FindByRunID(all, "run-z"); ok {
		t.Fatal("expected miss for unknown run id")
	}
}

func TestFindLatestCompleted(t *testing.T) {
	mk := func(runID string, status Status) Record {
		r, _ := New(CreateParams{RunID: runID, TargetAgentID: "scout"})
		r.Status = status
		return r
	}

	all := []Record{
		mk("run-1", StatusCompleted),
		mk("run-2", StatusVerified),
		mk("run-3", StatusCompleted),
		mk("run-4", StatusFailed),
	}
	got, ok := FindLatestCompleted(all)
	if !ok {
		t.Fatal("expected a completed delegation")
	}
	if got.RunID != "run-3" {
		t.Fatalf("latest completed = %s, want run-3 (newest unverified)", got.RunID)
	}

	onlyVerified := []Record{mk("run-1", StatusVerified)}
	if _, ok := FindLatestCompleted(onlyVerified); ok {
		t.Fatal("verified-only set must not match")
	}
}

func TestApply_EventCarriesTimestamps(t *testing.T) {
	record, _ := New(CreateParams{RunID: "run-1", TargetAgentID: "scout"})
	before := time.Now().UTC().Add(-time.Second)
	_, event, err := Apply(record, Update{Status: StatusRunning})
	if err != nil {
		t.Fatalf("apply: %v", err)
	}
	if event.At.Before(before) {
		t.Fatalf("event.At = %v, want recent timestamp", event.At)
	}
}
