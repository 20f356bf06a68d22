package models

import (
	"time"

	"github.com/google/uuid"
)

// WorkflowStatus represents the status of a dataflow workflow
type WorkflowStatus string

const (
	WorkflowStatusPending          WorkflowStatus = "pending"
	WorkflowStatusRunning          WorkflowStatus = "running"
	WorkflowStatusCompletedSuccess WorkflowStatus = "completed_success"
	WorkflowStatusCompletedFailure WorkflowStatus = "completed_failure"
	WorkflowStatusCancelled        WorkflowStatus = "cancelled"
	WorkflowStatusTerminated       WorkflowStatus = "terminated"
)

// IsTerminal returns true once the workflow has reached a sink state.
// Terminal workflows never change status again.
func (s WorkflowStatus) IsTerminal() bool {
	switch s {
	case WorkflowStatusCompletedSuccess, WorkflowStatusCompletedFailure,
		WorkflowStatusCancelled, WorkflowStatusTerminated:
		return true
	}
	return false
}

// Workflow represents a top-level executable DAG instance with durable state
// Maps to: dataflows table
type Workflow struct {
	// Unique workflow ID
	DataflowID uuid.UUID `db:"dataflow_id" json:"dataflow_id"`

	// Parent workflow for child subgraphs spawned via yield
	ParentDataflowID *uuid.UUID `db:"parent_dataflow_id" json:"parent_dataflow_id,omitempty"`

	// Actor that owns this workflow (events are published to user.<actor_id>)
	ActorID string `db:"actor_id" json:"actor_id"`

	// Workflow type label (free-form, e.g. "pipeline")
	Type string `db:"type" json:"type"`

	Status WorkflowStatus `db:"status" json:"status"`

	Metadata Metadata `db:"metadata" json:"metadata,omitempty"`

	// Applied-commit pointer. Advances monotonically in commit_id order
	// (UUIDv7, so byte order is creation order).
	LastCommitID *uuid.UUID `db:"last_commit_id" json:"last_commit_id,omitempty"`

	CreatedAt time.Time `db:"created_at" json:"created_at"`
	UpdatedAt time.Time `db:"updated_at" json:"updated_at"`
}
