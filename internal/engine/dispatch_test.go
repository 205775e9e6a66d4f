package engine_test

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/basket/go-loom/internal/engine"
	"github.com/basket/go-loom/internal/flow"
)

func TestClassifyDispatchError(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want engine.ErrorClass
	}{
		{"nil", nil, engine.ErrorClassUnknown},
		{"canceled", context.Canceled, engine.ErrorClassCanceled},
		{"wrapped canceled", fmt.Errorf("send turn: %w", context.Canceled), engine.ErrorClassCanceled},
		{"deadline", context.DeadlineExceeded, engine.ErrorClassTransient},
		{"connection refused", errors.New("dial tcp 127.0.0.1:9: connect: connection refused"), engine.ErrorClassTransient},
		{"io timeout", errors.New("read tcp: i/o timeout"), engine.ErrorClassTransient},
		{"rate limited", errors.New("429 Too Many Requests"), engine.ErrorClassTransient},
		{"bad gateway", errors.New("upstream returned 502"), engine.ErrorClassTransient},
		{"reset", errors.New("write: connection reset by peer"), engine.ErrorClassTransient},
		{"session gone", errors.New("session not found: agent:main:helper"), engine.ErrorClassSessionGone},
		{"session closed", errors.New("write failed: session closed"), engine.ErrorClassSessionGone},
		{"opaque", errors.New("prompt rejected by policy"), engine.ErrorClassUnknown},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := engine.ClassifyDispatchError(tc.err); got != tc.want {
				t.Errorf("ClassifyDispatchError(%v) = %s, want %s", tc.err, got, tc.want)
			}
		})
	}
}

func TestSpawnFlow_ExhaustsRetryBudget(t *testing.T) {
	transient := errors.New("write: connection reset by peer")
	dispatcher := &scriptedDispatcher{
		errs: []error{transient, transient, transient},
	}
	f := newTestEngine(t, fixtureOpts{dispatcher: dispatcher})

	record, err := f.eng.SpawnFlow(context.Background(), flow.CreateJobParams{
		TargetSessionKey: "agent:main:helper",
		Message:          "Ship the weekly report to the archive bucket once the numbers settle.",
	})
	if err != nil {
		t.Fatalf("spawn flow: %v", err)
	}

	done := waitForStatus(t, f.mgr, record.JobID, flow.JobStatusFailed)
	if got := dispatcher.turnCount(); got != 3 {
		t.Errorf("dispatcher saw %d attempts, want the full budget of 3", got)
	}
	if !strings.Contains(done.FailureReason, "reset by peer") {
		t.Errorf("failure reason = %q, want the final transport error", done.FailureReason)
	}
}
