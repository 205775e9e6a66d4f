package notify_test

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"

	"github.com/basket/go-loom/internal/notify"
)

// Compile-time interface checks.
var (
	_ notify.Notifier = (*notify.TelegramNotifier)(nil)
	_ notify.Notifier = (*notify.LogNotifier)(nil)
	_ notify.Notifier = (*notify.Multi)(nil)
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fakeNotifier struct {
	name string
	err  error

	mu   sync.Mutex
	sent []notify.Notification
}

func (f *fakeNotifier) Name() string { return f.name }

func (f *fakeNotifier) Notify(_ context.Context, notification notify.Notification) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, notification)
	return f.err
}

func (f *fakeNotifier) delivered() []notify.Notification {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]notify.Notification, len(f.sent))
	copy(out, f.sent)
	return out
}

func TestTelegramNotifierName(t *testing.T) {
	n := notify.NewTelegramNotifier("fake-token", []int64{123}, testLogger())
	if got := n.Name(); got != "telegram" {
		t.Fatalf("Name() = %q, want %q", got, "telegram")
	}
}

func TestTelegramNotifierFailsFastWhenDisconnected(t *testing.T) {
	n := notify.NewTelegramNotifier("fake-token", []int64{123}, testLogger())
	err := n.Notify(context.Background(), notify.Notification{Title: "test"})
	if err == nil {
		t.Fatal("Notify before Connect succeeded, want error")
	}
}

func TestMultiFansOutToAllDestinations(t *testing.T) {
	first := &fakeNotifier{name: "first", err: errors.New("boom")}
	second := &fakeNotifier{name: "second"}
	multi := notify.NewMulti(first, second)

	notification := notify.Notification{Severity: notify.SeverityError, Title: "flow failed"}
	err := multi.Notify(context.Background(), notification)
	if err == nil {
		t.Fatal("Notify with a failing destination returned nil error")
	}
	if len(first.delivered()) != 1 {
		t.Errorf("first delivered %d, want 1", len(first.delivered()))
	}
	if len(second.delivered()) != 1 {
		t.Errorf("second delivered %d despite sibling failure, want 1", len(second.delivered()))
	}
}

func TestLogNotifierNeverFails(t *testing.T) {
	n := notify.NewLogNotifier(testLogger())
	for _, severity := range []string{notify.SeverityInfo, notify.SeverityWarning, notify.SeverityError} {
		if err := n.Notify(context.Background(), notify.Notification{Severity: severity, Title: "t"}); err != nil {
			t.Errorf("Notify(%s) = %v, want nil", severity, err)
		}
	}
}
