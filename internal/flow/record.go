package flow

import (
	"time"
)

type JobStatus string

const (
	JobStatusPending   JobStatus = "PENDING"
	JobStatusRunning   JobStatus = "RUNNING"
	JobStatusCompleted JobStatus = "COMPLETED"
	JobStatusFailed    JobStatus = "FAILED"
	JobStatusAbandoned JobStatus = "ABANDONED"
)

// jobTransitions is the authoritative status graph. PENDING -> RUNNING when
// the execution layer picks a job up, RUNNING -> PENDING when the reaper
// resets a crash orphan, and the terminal states accept nothing.
var jobTransitions = map[JobStatus][]JobStatus{
	JobStatusPending: {JobStatusRunning, JobStatusFailed, JobStatusAbandoned},
	JobStatusRunning: {JobStatusPending, JobStatusCompleted, JobStatusFailed, JobStatusAbandoned},
}

func canTransition(from, to JobStatus) bool {
	for _, allowed := range jobTransitions[from] {
		if allowed == to {
			return true
		}
	}
	return false
}

func allowedSuccessors(from JobStatus) []JobStatus {
	return jobTransitions[from]
}

// IsTerminal reports whether s admits no further transitions.
func (s JobStatus) IsTerminal() bool {
	return len(jobTransitions[s]) == 0
}

// JobRecord is the durable record for one flow. One record maps to one file
// on disk; field names here are the on-disk JSON contract.
type JobRecord struct {
	JobID            string `json:"jobId"`
	TargetSessionKey string `json:"targetSessionKey"`
	DisplayKey       string `json:"displayKey"`
	Message          string `json:"message"`
	ConversationID   string `json:"conversationId"`

	// Flow parameters, fixed at creation.
	MaxPingPongTurns  int `json:"maxPingPongTurns"`
	AnnounceTimeoutMs int `json:"announceTimeoutMs"`

	Status      JobStatus `json:"status"`
	CurrentTurn int       `json:"currentTurn"`
	ResumeCount int       `json:"resumeCount"`

	FailureReason string `json:"failureReason,omitempty"`

	CreatedAt  time.Time  `json:"createdAt"`
	UpdatedAt  time.Time  `json:"updatedAt"`
	FinishedAt *time.Time `json:"finishedAt,omitempty"`
}

// CreateJobParams carries the caller-supplied portion of a new job.
// Zero turn/timeout values inherit the manager's configured defaults.
type CreateJobParams struct {
	TargetSessionKey  string
	DisplayKey        string
	Message           string
	ConversationID    string
	MaxPingPongTurns  int
	AnnounceTimeoutMs int
}
