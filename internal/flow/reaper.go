package flow

import (
	"log/slog"
	"time"

	"github.com/basket/go-loom/internal/bus"
)

// staleAfter is how long a RUNNING job may sit without an update before the
// reaper abandons it. Fixed, not configurable.
const staleAfter = 1 * time.Hour

// ReapSummary reports one reconciliation pass.
type ReapSummary struct {
	TotalIncomplete int `json:"totalIncomplete"`
	ResetToPending  int `json:"resetToPending"`
	Abandoned       int `json:"abandoned"`
}

// Reaper reconciles on-disk job state left behind by a previous process.
// It runs once at startup, before the gate admits any new flow; the caller
// owns that ordering. Each pass is idempotent.
type Reaper struct {
	store  *Store
	bus    *bus.Bus // may be nil in tests
	logger *slog.Logger
}

func NewReaper(store *Store, eventBus *bus.Bus, logger *slog.Logger) *Reaper {
	return &Reaper{store: store, bus: eventBus, logger: logger}
}

// Reap scans every job record and reconciles the non-terminal ones:
// PENDING jobs are left alone, fresh RUNNING jobs go back to PENDING with
// resumeCount bumped, stale RUNNING jobs are abandoned. A record that fails
// to save is logged and skipped so one bad file cannot halt the pass.
func (r *Reaper) Reap() (ReapSummary, error) {
	records, err := r.store.List()
	if err != nil {
		return ReapSummary{}, err
	}

	var summary ReapSummary
	now := time.Now().UTC()
	for _, record := range records {
		switch record.Status {
		case JobStatusPending:
			summary.TotalIncomplete++

		case JobStatusRunning:
			summary.TotalIncomplete++
			if now.Sub(record.UpdatedAt) >= staleAfter {
				record.Status = JobStatusAbandoned
				record.UpdatedAt = now
				finished := now
				record.FinishedAt = &finished
				if err := r.store.Save(record); err != nil {
					r.logger.Error("reaper failed to abandon job", "job_id", record.JobID, "error", err)
					continue
				}
				summary.Abandoned++
				r.logger.Warn("abandoned stale job",
					"job_id", record.JobID,
					"idle", now.Sub(record.CreatedAt).Round(time.Second).String())
				r.publish(bus.TopicFlowAbandoned, record, "stale past threshold")
			} else {
				record.Status = JobStatusPending
				record.ResumeCount++
				record.UpdatedAt = now
				if err := r.store.Save(record); err != nil {
					r.logger.Error("reaper failed to reset job", "job_id", record.JobID, "error", err)
					continue
				}
				summary.ResetToPending++
				r.logger.Info("reset interrupted job to pending",
					"job_id", record.JobID,
					"resume_count", record.ResumeCount)
				r.publish(bus.TopicFlowResumed, record, "reset after restart")
			}

		default:
			// Terminal. Nothing to reconcile.
		}
	}

	r.logger.Info("reaper pass complete",
		"total_incomplete", summary.TotalIncomplete,
		"reset_to_pending", summary.ResetToPending,
		"abandoned", summary.Abandoned)
	return summary, nil
}

// GetResumableJobs returns exactly the PENDING jobs, oldest first, for the
// caller to redispatch.
func (r *Reaper) GetResumableJobs() ([]*JobRecord, error) {
	records, err := r.store.List()
	if err != nil {
		return nil, err
	}
	resumable := make([]*JobRecord, 0, len(records))
	for _, record := range records {
		if record.Status == JobStatusPending {
			resumable = append(resumable, record)
		}
	}
	return resumable, nil
}

func (r *Reaper) publish(topic string, record *JobRecord, detail string) {
	if r.bus == nil {
		return
	}
	r.bus.Publish(topic, bus.FlowEvent{
		JobID:          record.JobID,
		SessionKey:     record.TargetSessionKey,
		ConversationID: record.ConversationID,
		Turn:           record.CurrentTurn,
		Detail:         detail,
	})
}
