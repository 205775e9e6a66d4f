// Package ack tracks outbound messages that expect a reply and drives
// the resend, escalation, and cleanup schedule for the ones that never
// get one. Matching a reply to a send is FIFO per correlation key, so
// the oldest outstanding send is always settled first.
package ack

import (
	"fmt"
	"log/slog"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/basket/go-loom/internal/bus"
)

// Acknowledgment statuses.
const (
	StatusPending   = "pending"
	StatusResponded = "responded"
	StatusFailed    = "failed"
)

// Defaults applied by NewTracker when Config fields are zero.
const (
	DefaultTimeout     = 120 * time.Second
	DefaultMaxAttempts = 3
	DefaultRetention   = 24 * time.Hour
)

// Record is one tracked outbound message awaiting acknowledgment.
type Record struct {
	ID            string     `json:"id"`
	MessageID     string     `json:"messageId"`
	CorrelationID string     `json:"correlationId"`
	FromAgentID   string     `json:"fromAgentId"`
	TargetAgentID string     `json:"targetAgentId"`
	OriginalText  string     `json:"originalText"`
	Status        string     `json:"status"`
	Attempts      int        `json:"attempts"`
	SentAt        time.Time  `json:"sentAt"`
	LastAttemptAt time.Time  `json:"lastAttemptAt"`
	RespondedAt   *time.Time `json:"respondedAt,omitempty"`
}

// Config controls the resend schedule.
type Config struct {
	Timeout     time.Duration
	MaxAttempts int
	Retention   time.Duration
}

// TrackParams describes a message to start tracking.
type TrackParams struct {
	MessageID     string
	CorrelationID string
	FromAgentID   string
	TargetAgentID string
	OriginalText  string
}

// Resender redelivers the original message. Called from Sweep for each
// record whose timeout expired with attempts left.
type Resender func(record Record) error

// Escalator is notified when a record exhausts its attempts.
type Escalator func(record Record)

// SweepSummary reports what one sweep pass did.
type SweepSummary struct {
	Skipped   bool `json:"skipped"`
	Due       int  `json:"due"`
	Resent    int  `json:"resent"`
	Escalated int  `json:"escalated"`
}

// Tracker owns the acknowledgment lifecycle. Sweep and Cleanup are
// driven by the scheduler; Track and MarkResponded by the engine.
type Tracker struct {
	store    *Store
	bus      *bus.Bus // may be nil in tests
	logger   *slog.Logger
	cfg      Config
	resend   Resender
	escalate Escalator

	sweeping atomic.Bool
}

func NewTracker(store *Store, eventBus *bus.Bus, logger *slog.Logger, cfg Config, resend Resender, escalate Escalator) *Tracker {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = DefaultMaxAttempts
	}
	if cfg.Retention <= 0 {
		cfg.Retention = DefaultRetention
	}
	return &Tracker{
		store:    store,
		bus:      eventBus,
		logger:   logger,
		cfg:      cfg,
		resend:   resend,
		escalate: escalate,
	}
}

// Track registers an outbound message. The send that just happened
// counts as attempt one.
func (t *Tracker) Track(params TrackParams) (Record, error) {
	if params.CorrelationID == "" {
		return Record{}, fmt.Errorf("track ack: empty correlation id")
	}
	now := time.Now().UTC()
	record := Record{
		ID:            uuid.NewString(),
		MessageID:     params.MessageID,
		CorrelationID: params.CorrelationID,
		FromAgentID:   params.FromAgentID,
		TargetAgentID: params.TargetAgentID,
		OriginalText:  params.OriginalText,
		Status:        StatusPending,
		Attempts:      1,
		SentAt:        now,
		LastAttemptAt: now,
	}
	if err := t.store.Upsert(record); err != nil {
		return Record{}, err
	}
	t.publish(bus.TopicAckRecorded, record, "tracking started")
	t.logger.Debug("ack tracked",
		"ack_id", record.ID,
		"correlation_id", record.CorrelationID,
		"target_agent_id", record.TargetAgentID)
	return record, nil
}

// Sweep resends every pending record whose timeout has expired and
// escalates the ones that are out of attempts. Overlapping sweeps are
// skipped rather than queued: if the previous pass is still running,
// this tick returns immediately with Skipped set.
func (t *Tracker) Sweep() SweepSummary {
	if !t.sweeping.CompareAndSwap(false, true) {
		t.logger.Debug("ack sweep still in flight, skipping tick")
		return SweepSummary{Skipped: true}
	}
	defer t.sweeping.Store(false)

	now := time.Now().UTC()
	var summary SweepSummary
	for _, record := range t.store.All() {
		if record.Status != StatusPending {
			continue
		}
		if now.Sub(record.LastAttemptAt) < t.cfg.Timeout {
			continue
		}
		summary.Due++
		if record.Attempts >= t.cfg.MaxAttempts {
			if err := t.fail(record); err != nil {
				t.logger.Warn("ack escalation not persisted", "ack_id", record.ID, "error", err)
				continue
			}
			summary.Escalated++
			continue
		}
		record.Attempts++
		record.LastAttemptAt = now
		if err := t.store.Upsert(record); err != nil {
			t.logger.Warn("ack resend not persisted", "ack_id", record.ID, "error", err)
			continue
		}
		if t.resend != nil {
			if err := t.resend(record); err != nil {
				t.logger.Warn("ack resend failed",
					"ack_id", record.ID,
					"attempts", record.Attempts,
					"error", err)
			}
		}
		t.publish(bus.TopicAckResent, record, "timeout expired, resent")
		summary.Resent++
	}
	if summary.Due > 0 {
		t.logger.Info("ack sweep finished",
			"due", summary.Due,
			"resent", summary.Resent,
			"escalated", summary.Escalated)
	}
	return summary
}

func (t *Tracker) fail(record Record) error {
	record.Status = StatusFailed
	now := time.Now().UTC()
	record.LastAttemptAt = now
	if err := t.store.Upsert(record); err != nil {
		return err
	}
	t.publish(bus.TopicAckFailed, record, "attempts exhausted")
	if t.escalate != nil {
		t.escalate(record)
	}
	t.publish(bus.TopicAckEscalated, record, "escalated to operator")
	t.logger.Warn("ack exhausted",
		"ack_id", record.ID,
		"correlation_id", record.CorrelationID,
		"target_agent_id", record.TargetAgentID,
		"attempts", record.Attempts)
	return nil
}

// MarkResponded settles the oldest pending record for the correlation
// key and responder. When before is non-nil only sends at or before
// that instant are eligible, so a reply quoting an earlier message
// cannot clear a send that happened after it.
func (t *Tracker) MarkResponded(correlationID, responder string, before *time.Time) (Record, bool, error) {
	for _, record := range t.store.All() {
		if record.Status != StatusPending {
			continue
		}
		if record.CorrelationID != correlationID {
			continue
		}
		if !strings.EqualFold(record.TargetAgentID, responder) {
			continue
		}
		if before != nil && record.SentAt.After(*before) {
			continue
		}
		now := time.Now().UTC()
		record.Status = StatusResponded
		record.RespondedAt = &now
		if err := t.store.Upsert(record); err != nil {
			return Record{}, false, err
		}
		t.publish(bus.TopicAckResponded, record, "response received")
		t.logger.Debug("ack responded",
			"ack_id", record.ID,
			"correlation_id", record.CorrelationID,
			"attempts", record.Attempts)
		return record, true, nil
	}
	return Record{}, false, nil
}

// Cleanup deletes settled records older than the retention window.
// Pending records are never cleaned up; they belong to Sweep.
func (t *Tracker) Cleanup() (int, error) {
	now := time.Now().UTC()
	var expired []string
	for _, record := range t.store.All() {
		if record.Status == StatusPending {
			continue
		}
		settledAt := record.LastAttemptAt
		if record.RespondedAt != nil {
			settledAt = *record.RespondedAt
		}
		if now.Sub(settledAt) >= t.cfg.Retention {
			expired = append(expired, record.ID)
		}
	}
	if len(expired) == 0 {
		return 0, nil
	}
	if err := t.store.Delete(expired...); err != nil {
		return 0, err
	}
	t.logger.Info("ack cleanup removed settled records", "count", len(expired))
	return len(expired), nil
}

// Pending returns the pending records, oldest first.
func (t *Tracker) Pending() []Record {
	var out []Record
	for _, record := range t.store.All() {
		if record.Status == StatusPending {
			out = append(out, record)
		}
	}
	return out
}

func (t *Tracker) publish(topic string, record Record, detail string) {
	if t.bus == nil {
		return
	}
	t.bus.Publish(topic, bus.AckEvent{
		AckID:         record.ID,
		MessageID:     record.MessageID,
		CorrelationID: record.CorrelationID,
		FromAgentID:   record.FromAgentID,
		TargetAgentID: record.TargetAgentID,
		Attempts:      record.Attempts,
		Detail:        detail,
	})
}
