// Package notify delivers operator-facing alerts for events the engine
// cannot resolve on its own, primarily acknowledgment escalations and
// abandoned flows.
package notify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
)

// Notification severities.
const (
	SeverityInfo    = "info"
	SeverityWarning = "warning"
	SeverityError   = "error"
)

// Notification is one alert to deliver.
type Notification struct {
	Severity      string `json:"severity"`
	Title         string `json:"title"`
	Body          string `json:"body"`
	CorrelationID string `json:"correlationId,omitempty"`
}

// Notifier delivers notifications to one destination.
type Notifier interface {
	// Name returns the unique name of the destination (e.g. "telegram").
	Name() string

	// Notify delivers one notification. Implementations should respect
	// ctx cancellation for network sends.
	Notify(ctx context.Context, notification Notification) error
}

// Multi fans a notification out to every destination. Delivery errors
// are joined so one broken destination does not hide the others.
type Multi struct {
	notifiers []Notifier
}

func NewMulti(notifiers ...Notifier) *Multi {
	return &Multi{notifiers: notifiers}
}

func (m *Multi) Name() string {
	return "multi"
}

func (m *Multi) Notify(ctx context.Context, notification Notification) error {
	var errs []error
	for _, n := range m.notifiers {
		if err := n.Notify(ctx, notification); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", n.Name(), err))
		}
	}
	return errors.Join(errs...)
}

// LogNotifier writes notifications to the structured log. It is the
// destination of last resort when no channel is configured.
type LogNotifier struct {
	logger *slog.Logger
}

func NewLogNotifier(logger *slog.Logger) *LogNotifier {
	return &LogNotifier{logger: logger}
}

func (l *LogNotifier) Name() string {
	return "log"
}

func (l *LogNotifier) Notify(_ context.Context, notification Notification) error {
	level := slog.LevelInfo
	switch notification.Severity {
	case SeverityWarning:
		level = slog.LevelWarn
	case SeverityError:
		level = slog.LevelError
	}
	l.logger.Log(context.Background(), level, "notification",
		"title", notification.Title,
		"body", notification.Body,
		"correlation_id", notification.CorrelationID)
	return nil
}
