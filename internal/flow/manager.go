package flow

import (
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/basket/go-loom/internal/bus"
	"github.com/basket/go-loom/internal/shared"
)

var ErrJobNotFound = errors.New("job not found")

// TransitionError reports a rejected status change. The record is left
// untouched when this is returned.
type TransitionError struct {
	JobID   string
	From    JobStatus
	To      JobStatus
	Allowed []JobStatus
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("job %s: invalid transition %s -> %s (allowed from %s: %v)",
		e.JobID, e.From, e.To, e.From, e.Allowed)
}

// Defaults are stamped onto new jobs whose params leave them unset.
type Defaults struct {
	MaxPingPongTurns  int
	AnnounceTimeoutMs int
}

// Manager is the typed CRUD layer over the job store. One flow owns one job
// at a time, so per-job update ordering is the caller's concern; the manager
// only guarantees each individual write is atomic.
type Manager struct {
	store    *Store
	bus      *bus.Bus // may be nil in tests
	logger   *slog.Logger
	defaults Defaults
}

func NewManager(store *Store, eventBus *bus.Bus, logger *slog.Logger, defaults Defaults) *Manager {
	return &Manager{store: store, bus: eventBus, logger: logger, defaults: defaults}
}

func (m *Manager) Store() *Store {
	return m.store
}

func (m *Manager) CreateJob(params CreateJobParams) (*JobRecord, error) {
	now := time.Now().UTC()
	record := &JobRecord{
		JobID:             shared.NewJobID(),
		TargetSessionKey:  params.TargetSessionKey,
		DisplayKey:        params.DisplayKey,
		Message:           params.Message,
		ConversationID:    params.ConversationID,
		MaxPingPongTurns:  params.MaxPingPongTurns,
		AnnounceTimeoutMs: params.AnnounceTimeoutMs,
		Status:            JobStatusPending,
		CreatedAt:         now,
		UpdatedAt:         now,
	}
	if record.MaxPingPongTurns <= 0 {
		record.MaxPingPongTurns = m.defaults.MaxPingPongTurns
	}
	if record.AnnounceTimeoutMs <= 0 {
		record.AnnounceTimeoutMs = m.defaults.AnnounceTimeoutMs
	}
	if err := m.store.Save(record); err != nil {
		return nil, err
	}
	m.logger.Info("job created",
		"job_id", record.JobID,
		"session_key", record.TargetSessionKey,
		"conversation_id", record.ConversationID)
	m.publish(bus.TopicFlowSpawned, record, "")
	return record, nil
}

// ReadJob returns nil for unknown or unreadable jobs.
func (m *Manager) ReadJob(jobID string) (*JobRecord, error) {
	return m.store.Load(jobID)
}

// UpdateStatus applies a validated status change. Entering a terminal status
// stamps finishedAt exactly once.
func (m *Manager) UpdateStatus(jobID string, status JobStatus) (*JobRecord, error) {
	record, err := m.store.Load(jobID)
	if err != nil {
		return nil, err
	}
	if record == nil {
		return nil, fmt.Errorf("update status of %s: %w", jobID, ErrJobNotFound)
	}
	if !canTransition(record.Status, status) {
		return nil, &TransitionError{
			JobID:   jobID,
			From:    record.Status,
			To:      status,
			Allowed: allowedSuccessors(record.Status),
		}
	}
	now := time.Now().UTC()
	record.Status = status
	record.UpdatedAt = now
	if status.IsTerminal() && record.FinishedAt == nil {
		record.FinishedAt = &now
	}
	if err := m.store.Save(record); err != nil {
		return nil, err
	}
	return record, nil
}

func (m *Manager) CompleteJob(jobID string) (*JobRecord, error) {
	record, err := m.UpdateStatus(jobID, JobStatusCompleted)
	if err != nil {
		return nil, err
	}
	m.logger.Info("job completed", "job_id", jobID, "turns", record.CurrentTurn)
	m.publish(bus.TopicFlowCompleted, record, "")
	return record, nil
}

func (m *Manager) FailJob(jobID string, reason string) (*JobRecord, error) {
	record, err := m.store.Load(jobID)
	if err != nil {
		return nil, err
	}
	if record == nil {
		return nil, fmt.Errorf("fail job %s: %w", jobID, ErrJobNotFound)
	}
	if !canTransition(record.Status, JobStatusFailed) {
		return nil, &TransitionError{
			JobID:   jobID,
			From:    record.Status,
			To:      JobStatusFailed,
			Allowed: allowedSuccessors(record.Status),
		}
	}
	now := time.Now().UTC()
	record.Status = JobStatusFailed
	record.FailureReason = reason
	record.UpdatedAt = now
	if record.FinishedAt == nil {
		record.FinishedAt = &now
	}
	if err := m.store.Save(record); err != nil {
		return nil, err
	}
	m.logger.Warn("job failed", "job_id", jobID, "reason", reason)
	m.publish(bus.TopicFlowFailed, record, reason)
	return record, nil
}

// AdvanceTurn bumps currentTurn on a RUNNING job. Each bump also refreshes
// updatedAt, which doubles as the liveness signal the reaper reads.
func (m *Manager) AdvanceTurn(jobID string) (*JobRecord, error) {
	record, err := m.store.Load(jobID)
	if err != nil {
		return nil, err
	}
	if record == nil {
		return nil, fmt.Errorf("advance turn of %s: %w", jobID, ErrJobNotFound)
	}
	if record.Status != JobStatusRunning {
		return nil, fmt.Errorf("advance turn of %s: status is %s, want %s", jobID, record.Status, JobStatusRunning)
	}
	record.CurrentTurn++
	record.UpdatedAt = time.Now().UTC()
	if err := m.store.Save(record); err != nil {
		return nil, err
	}
	return record, nil
}

// Touch refreshes updatedAt so a long-running flow is not mistaken for a
// crash orphan.
func (m *Manager) Touch(jobID string) error {
	record, err := m.store.Load(jobID)
	if err != nil {
		return err
	}
	if record == nil {
		return fmt.Errorf("touch %s: %w", jobID, ErrJobNotFound)
	}
	record.UpdatedAt = time.Now().UTC()
	return m.store.Save(record)
}

func (m *Manager) publish(topic string, record *JobRecord, detail string) {
	if m.bus == nil {
		return
	}
	m.bus.Publish(topic, bus.FlowEvent{
		JobID:          record.JobID,
		SessionKey:     record.TargetSessionKey,
		ConversationID: record.ConversationID,
		Turn:           record.CurrentTurn,
		Detail:         detail,
	})
}
