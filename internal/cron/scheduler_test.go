package cron_test

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/basket/go-loom/internal/cron"
)

func newTestScheduler(interval time.Duration) *cron.Scheduler {
	return cron.NewScheduler(cron.Config{
		Logger:   slog.New(slog.NewTextHandler(io.Discard, nil)),
		Interval: interval,
	})
}

func TestSchedulerRejectsBadExpression(t *testing.T) {
	sched := newTestScheduler(0)
	if err := sched.Add("broken", "not a cron expr", func(context.Context) {}); err == nil {
		t.Fatal("Add with invalid expression succeeded, want error")
	}
	if err := sched.Add("sweep", "*/1 * * * *", func(context.Context) {}); err != nil {
		t.Fatalf("Add with valid expression: %v", err)
	}
}

func TestRunDueFiresOnlyDueJobs(t *testing.T) {
	sched := newTestScheduler(0)
	fired := 0
	if err := sched.Add("five-minutely", "*/5 * * * *", func(context.Context) { fired++ }); err != nil {
		t.Fatalf("Add: %v", err)
	}

	base := time.Date(2026, 3, 14, 9, 0, 30, 0, time.UTC)
	ctx := context.Background()

	// Before the next boundary nothing is due.
	if n := sched.RunDue(ctx, base.Add(time.Minute)); n != 0 {
		t.Fatalf("RunDue before boundary fired %d, want 0", n)
	}

	// At 09:05 the job fires once.
	if n := sched.RunDue(ctx, base.Add(5*time.Minute)); n != 1 {
		t.Fatalf("RunDue at boundary fired %d, want 1", n)
	}
	if fired != 1 {
		t.Fatalf("job ran %d times, want 1", fired)
	}

	// A second pass in the same minute must not fire again.
	if n := sched.RunDue(ctx, base.Add(5*time.Minute+10*time.Second)); n != 0 {
		t.Fatalf("RunDue again in same minute fired %d, want 0", n)
	}

	// The next boundary fires again.
	if n := sched.RunDue(ctx, base.Add(10*time.Minute)); n != 1 {
		t.Fatalf("RunDue at next boundary fired %d, want 1", n)
	}
	if fired != 2 {
		t.Fatalf("job ran %d times, want 2", fired)
	}
}

func TestRunDueFiresEachDueJob(t *testing.T) {
	sched := newTestScheduler(0)
	var sweeps, cleanups int
	if err := sched.Add("sweep", "*/1 * * * *", func(context.Context) { sweeps++ }); err != nil {
		t.Fatalf("Add sweep: %v", err)
	}
	if err := sched.Add("cleanup", "0 * * * *", func(context.Context) { cleanups++ }); err != nil {
		t.Fatalf("Add cleanup: %v", err)
	}

	ctx := context.Background()
	at := time.Date(2026, 3, 14, 9, 30, 0, 0, time.UTC)
	if n := sched.RunDue(ctx, at); n != 1 {
		t.Fatalf("RunDue mid-hour fired %d, want 1 (sweep only)", n)
	}

	topOfHour := time.Date(2026, 3, 14, 10, 0, 0, 0, time.UTC)
	if n := sched.RunDue(ctx, topOfHour); n != 2 {
		t.Fatalf("RunDue at top of hour fired %d, want 2", n)
	}
	if sweeps != 2 || cleanups != 1 {
		t.Fatalf("sweeps = %d cleanups = %d, want 2 and 1", sweeps, cleanups)
	}
}

func TestSchedulerStartStop(t *testing.T) {
	sched := newTestScheduler(20 * time.Millisecond)
	if err := sched.Add("sweep", "*/1 * * * *", func(context.Context) {}); err != nil {
		t.Fatalf("Add: %v", err)
	}

	sched.Start(context.Background())
	time.Sleep(60 * time.Millisecond)
	sched.Stop()
}
