// Package delegation is a pure state machine over delegation records. The
// functions here never touch disk or network; callers read the backing
// record, apply a function, and persist the returned value themselves.
package delegation

import (
	"fmt"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
)

type Status string

const (
	StatusSpawned   Status = "spawned"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusRetrying  Status = "retrying"
	StatusVerified  Status = "verified"
	StatusRejected  Status = "rejected"
	StatusAbandoned Status = "abandoned"
)

const (
	// AbsoluteMaxRetries caps any caller-supplied retry budget.
	AbsoluteMaxRetries = 5

	// ResultSnapshotMaxBytes caps stored result content. Larger results are
	// truncated at a rune boundary.
	ResultSnapshotMaxBytes = 8192
)

// transitions is the full lifecycle graph. verified and abandoned are
// terminal. completed is not: it waits for verification, rejection, or a
// retry request. rejected may still be retried or abandoned.
var transitions = map[Status][]Status{
	StatusSpawned:   {StatusRunning, StatusCompleted, StatusFailed, StatusRejected, StatusAbandoned},
	StatusRunning:   {StatusCompleted, StatusFailed, StatusRejected, StatusAbandoned},
	StatusCompleted: {StatusVerified, StatusRejected, StatusRetrying},
	StatusFailed:    {StatusRetrying, StatusAbandoned},
	StatusRetrying:  {StatusRunning, StatusCompleted, StatusFailed, StatusAbandoned},
	StatusRejected:  {StatusRetrying, StatusAbandoned},
	StatusVerified:  {},
	StatusAbandoned: {},
}

// IsTerminal reports whether s admits no further transitions.
func (s Status) IsTerminal() bool {
	return len(transitions[s]) == 0
}

func canTransition(from, to Status) bool {
	for _, allowed := range transitions[from] {
		if allowed == to {
			return true
		}
	}
	return false
}

// TransitionError names the rejected transition and what would have been
// allowed. The record the caller holds is unchanged.
type TransitionError struct {
	DelegationID string
	From         Status
	To           Status
	Allowed      []Status
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("delegation %s: invalid transition %s -> %s (allowed: %v)",
		e.DelegationID, e.From, e.To, e.Allowed)
}

// ResultSnapshot captures the outcome a target agent reported.
type ResultSnapshot struct {
	Content       string    `json:"content"`
	OutcomeStatus string    `json:"outcomeStatus"`
	CapturedAt    time.Time `json:"capturedAt"`
}

// Record is one piece of work handed to a target agent within a flow.
type Record struct {
	DelegationID     string `json:"delegationId"`
	RunID            string `json:"runId"`
	TargetAgentID    string `json:"targetAgentId"`
	TargetSessionKey string `json:"targetSessionKey"`
	Task             string `json:"task"`
	Label            string `json:"label,omitempty"`

	Status     Status `json:"status"`
	RetryCount int    `json:"retryCount"`
	MaxRetries int    `json:"maxRetries"`

	PreviousErrors []string        `json:"previousErrors,omitempty"`
	ResultSnapshot *ResultSnapshot `json:"resultSnapshot,omitempty"`

	VerificationNote string `json:"verificationNote,omitempty"`

	CreatedAt   time.Time  `json:"createdAt"`
	UpdatedAt   time.Time  `json:"updatedAt"`
	CompletedAt *time.Time `json:"completedAt,omitempty"`
}

// Event describes a state change for observability. The imperative shell
// maps these onto bus topics.
type Event struct {
	Type          string
	DelegationID  string
	RunID         string
	TargetAgentID string
	From          Status
	To            Status
	Detail        string
	At            time.Time
}

const (
	EventSpawned = "delegation.spawned"
	EventUpdated = "delegation.updated"
)

type CreateParams struct {
	RunID            string
	TargetAgentID    string
	TargetSessionKey string
	Task             string
	Label            string
	MaxRetries       int
}

// New builds a fresh record in status spawned. MaxRetries is clamped into
// [0, AbsoluteMaxRetries].
func New(params CreateParams) (Record, Event) {
	now := time.Now().UTC()
	record := Record{
		DelegationID:     uuid.NewString(),
		RunID:            params.RunID,
		TargetAgentID:    params.TargetAgentID,
		TargetSessionKey: params.TargetSessionKey,
		Task:             params.Task,
		Label:            params.Label,
		Status:           StatusSpawned,
		MaxRetries:       clampMaxRetries(params.MaxRetries),
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	event := Event{
		Type:          EventSpawned,
		DelegationID:  record.DelegationID,
		RunID:         record.RunID,
		TargetAgentID: record.TargetAgentID,
		To:            StatusSpawned,
		At:            now,
	}
	return record, event
}

func clampMaxRetries(v int) int {
	if v < 0 {
		return 0
	}
	if v > AbsoluteMaxRetries {
		return AbsoluteMaxRetries
	}
	return v
}

// Update carries the requested change. Status is required; the rest is
// applied only when present.
type Update struct {
	Status           Status
	Error            string
	Result           *ResultSnapshot
	VerificationNote string
}

// Apply validates update against the transition table and returns the new
// record value. On a disallowed transition it returns the input unchanged
// together with a *TransitionError.
func Apply(current Record, update Update) (Record, Event, error) {
	if !canTransition(current.Status, update.Status) {
		return current, Event{}, &TransitionError{
			DelegationID: current.DelegationID,
			From:         current.Status,
			To:           update.Status,
			Allowed:      transitions[current.Status],
		}
	}

	now := time.Now().UTC()
	next := current
	next.PreviousErrors = append([]string(nil), current.PreviousErrors...)

	from := current.Status
	next.Status = update.Status
	next.UpdatedAt = now

	if update.Error != "" {
		next.PreviousErrors = append(next.PreviousErrors, update.Error)
	}
	if update.Result != nil {
		snapshot := *update.Result
		snapshot.Content = truncateContent(snapshot.Content, ResultSnapshotMaxBytes)
		if snapshot.CapturedAt.IsZero() {
			snapshot.CapturedAt = now
		}
		next.ResultSnapshot = &snapshot
	}
	if update.VerificationNote != "" {
		next.VerificationNote = update.VerificationNote
	}

	switch update.Status {
	case StatusCompleted, StatusFailed:
		completed := now
		next.CompletedAt = &completed
	case StatusRetrying:
		next.RetryCount++
		next.CompletedAt = nil
	}

	event := Event{
		Type:          EventUpdated,
		DelegationID:  next.DelegationID,
		RunID:         next.RunID,
		TargetAgentID: next.TargetAgentID,
		From:          from,
		To:            next.Status,
		Detail:        update.Error,
		At:            now,
	}
	return next, event, nil
}

// truncateContent cuts s to at most max bytes without splitting a rune.
func truncateContent(s string, max int) string {
	if len(s) <= max {
		return s
	}
	cut := max
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut]
}

// CanRetry reports whether d is eligible for another attempt: only failed
// and rejected delegations retry, and only while budget remains.
func CanRetry(d Record) bool {
	if d.Status != StatusFailed && d.Status != StatusRejected {
		return false
	}
	return d.RetryCount < d.MaxRetries
}

// FindByRunID returns the first delegation scoped to runID.
func FindByRunID(delegations []Record, runID string) (Record, bool) {
	for _, d := range delegations {
		if d.RunID == runID {
			return d, true
		}
	}
	return Record{}, false
}

// FindLatestCompleted returns the most recent delegation still sitting in
// completed, scanning newest-first. Verified delegations are past the point
// of interest and never match. Assumes append order.
func FindLatestCompleted(delegations []Record) (Record, bool) {
	for i := len(delegations) - 1; i >= 0; i-- {
		if delegations[i].Status == StatusCompleted {
			return delegations[i], true
		}
	}
	return Record{}, false
}
