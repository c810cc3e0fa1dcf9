package store

import (
	"context"
	"time"
)

// Orchestration job states.
const (
	JobQueued    = "queued"
	JobRunning   = "running"
	JobCompleted = "completed"
	JobFailed    = "failed"
	JobCancelled = "cancelled"
)

// Orchestration event kinds, appended on every transition for the operator
// trace.
const (
	OrchEventEdge             = "edge"
	OrchEventNodeStarted      = "node_started"
	OrchEventNodeSucceeded    = "node_succeeded"
	OrchEventNodeFailed       = "node_failed"
	OrchEventNodeCancelled    = "node_cancelled"
	OrchEventPropagatedCancel = "propagated_cancel"
)

// OrchestrationJob is one sub-agent brief under execution. Brief fields are
// flattened onto the row; DependsOn references sibling brief ids within the
// same request.
type OrchestrationJob struct {
	ID             string     `json:"id"`
	RequestID      string     `json:"requestId"`
	SessionID      string     `json:"sessionId"`
	ParentMessage  string     `json:"parentMessage,omitempty"`
	BriefID        string     `json:"briefId"`
	DependsOn      []string   `json:"dependsOn,omitempty"`
	Title          string     `json:"title"`
	Objective      string     `json:"objective"`
	ScopedContext  string     `json:"scopedContext,omitempty"`
	ExpectedOutput string     `json:"expectedOutput,omitempty"`
	ToolBudget     int        `json:"toolBudget,omitempty"`
	TimeoutMs      int        `json:"timeoutMs,omitempty"`
	MaxTurns       int        `json:"maxTurns,omitempty"`
	State          string     `json:"state"`
	Attempt        int        `json:"attempt"`
	CreatedAt      time.Time  `json:"createdAt"`
	UpdatedAt      time.Time  `json:"updatedAt"`
	StartedAt      *time.Time `json:"startedAt,omitempty"`
	CompletedAt    *time.Time `json:"completedAt,omitempty"`
	Output         string     `json:"output,omitempty"`
	Error          string     `json:"error,omitempty"`
}

// OrchestrationEvent is one appended trace row.
type OrchestrationEvent struct {
	ID        int64     `json:"id"`
	RequestID string    `json:"requestId"`
	JobID     string    `json:"jobId,omitempty"`
	Kind      string    `json:"kind"`
	Detail    string    `json:"detail,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
}

// OrchestrationStore persists delegation jobs and their event trace.
type OrchestrationStore interface {
	InsertJob(ctx context.Context, j *OrchestrationJob) error

	// UpdateJob rewrites the mutable fields (state, attempt, timestamps,
	// output, error) of an existing job.
	UpdateJob(ctx context.Context, j *OrchestrationJob) error

	GetJob(ctx context.Context, id string) (*OrchestrationJob, error)
	ListJobs(ctx context.Context, requestID string) ([]*OrchestrationJob, error)
	ListJobsBySession(ctx context.Context, sessionID string, limit int) ([]*OrchestrationJob, error)

	AppendEvent(ctx context.Context, ev *OrchestrationEvent) error
	ListEvents(ctx context.Context, requestID string) ([]*OrchestrationEvent, error)
}
