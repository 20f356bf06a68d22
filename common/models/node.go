package models

import (
	"time"

	"github.com/google/uuid"
)

// NodeStatus represents the status of a workflow node
type NodeStatus string

const (
	// NodeStatusTemplate nodes are inert until explicitly transitioned to pending
	NodeStatusTemplate  NodeStatus = "template"
	NodeStatusPending   NodeStatus = "pending"
	NodeStatusRunning   NodeStatus = "running"
	NodeStatusCompleted NodeStatus = "completed"
	NodeStatusFailed    NodeStatus = "failed"
	NodeStatusCancelled NodeStatus = "cancelled"
)

// IsTerminal returns true for sink node states
func (s NodeStatus) IsTerminal() bool {
	switch s {
	case NodeStatusCompleted, NodeStatusFailed, NodeStatusCancelled:
		return true
	}
	return false
}

// Node represents a unit of computation within a workflow
// Maps to: nodes table
type Node struct {
	NodeID     uuid.UUID `db:"node_id" json:"node_id"`
	DataflowID uuid.UUID `db:"dataflow_id" json:"dataflow_id"`

	// Parent node for children created via with_child_nodes
	ParentNodeID *uuid.UUID `db:"parent_node_id" json:"parent_node_id,omitempty"`

	// Node type label (e.g. "func", "llm", "http")
	Type string `db:"type" json:"type"`

	Status NodeStatus `db:"status" json:"status"`

	Config   NodeConfig `db:"config" json:"config"`
	Metadata Metadata   `db:"metadata" json:"metadata,omitempty"`

	CreatedAt time.Time `db:"created_at" json:"created_at"`
	UpdatedAt time.Time `db:"updated_at" json:"updated_at"`
}

// NodeConfig holds a node's declared function, routes, and input contract
type NodeConfig struct {
	// Function ID resolved against the function registry at dispatch time
	FuncID string `json:"func_id,omitempty"`

	// Routing rules applied on success
	DataTargets []TargetDescriptor `json:"data_targets,omitempty"`

	// Routing rules applied on failure
	ErrorTargets []TargetDescriptor `json:"error_targets,omitempty"`

	// Input contract. When nil, any node_input record makes the node ready.
	Inputs *InputSpec `json:"inputs,omitempty"`

	// Function-specific parameters (e.g. url for http functions)
	Params Metadata `json:"params,omitempty"`
}

// InputSpec declares the input keys a node requires before dispatch
type InputSpec struct {
	Required []string `json:"required,omitempty"`
}

// TargetDescriptor is a routing rule. On node success (data_targets) or
// failure (error_targets), the runtime materialises one new data record per
// descriptor carrying the node's output.
type TargetDescriptor struct {
	DataType      DataType   `json:"data_type"`
	NodeID        *uuid.UUID `json:"node_id,omitempty"`
	Key           string     `json:"key,omitempty"`
	Discriminator string     `json:"discriminator,omitempty"`
	ContentType   string     `json:"content_type,omitempty"`

	// Optional CEL expression evaluated against the routed output.
	// The route is skipped when it evaluates to false.
	Condition string `json:"condition,omitempty"`

	Metadata Metadata `json:"metadata,omitempty"`
}
