package shared

import (
	"context"

	"github.com/google/uuid"
)

// DefaultAgentID names the implicit identity a runtime gets when it
// attaches without claiming one.
const DefaultAgentID = "default"

type scopeKey struct{}

// FlowScope carries the correlation identifiers one flow run shares
// across goroutines and, via the session wire, across processes.
type FlowScope struct {
	TraceID string
	JobID   string
	RunID   string
}

// NewFlowScope mints fresh trace and run identifiers for a job. Each
// resume of the same job gets its own scope.
func NewFlowScope(jobID string) FlowScope {
	return FlowScope{
		TraceID: uuid.NewString(),
		JobID:   jobID,
		RunID:   uuid.NewString(),
	}
}

// WithScope attaches the scope to the context.
func WithScope(ctx context.Context, scope FlowScope) context.Context {
	return context.WithValue(ctx, scopeKey{}, scope)
}

// ScopeFrom returns the scope attached to ctx, zero when absent.
func ScopeFrom(ctx context.Context) FlowScope {
	scope, _ := ctx.Value(scopeKey{}).(FlowScope)
	return scope
}

// NewJobID generates a job id.
func NewJobID() string {
	return uuid.NewString()
}
