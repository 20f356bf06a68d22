package commit

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/lyzr/dataflow/common/models"
	"github.com/lyzr/dataflow/common/process"
)

// Publisher delivers state-change events to a named channel under a topic
type Publisher interface {
	Publish(ctx context.Context, channel, topic string, payload any) error
}

// NodeEvent is published once per node write in an executed batch
type NodeEvent struct {
	NodeID       uuid.UUID       `json:"node_id"`
	ParentNodeID *uuid.UUID      `json:"parent_node_id,omitempty"`
	Op           string          `json:"op"`
	Type         string          `json:"type,omitempty"`
	Status       models.NodeStatus `json:"status,omitempty"`
	Metadata     models.Metadata `json:"metadata,omitempty"`
	Deleted      bool            `json:"deleted,omitempty"`
	UpdatedAt    time.Time       `json:"updated_at"`
}

// WorkflowEvent is published for batches that touch only the workflow row
type WorkflowEvent struct {
	DataflowID uuid.UUID `json:"dataflow_id"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// ProcessPublisher delivers events to in-process mailboxes. Sends to
// unregistered channels are dropped, matching pub/sub semantics.
type ProcessPublisher struct {
	registry *process.Registry
}

// NewProcessPublisher creates a registry-backed publisher
func NewProcessPublisher(registry *process.Registry) *ProcessPublisher {
	return &ProcessPublisher{registry: registry}
}

// Publish sends the payload to the channel's mailbox, if any
func (p *ProcessPublisher) Publish(_ context.Context, channel, topic string, payload any) error {
	p.registry.Send(channel, topic, payload)
	return nil
}
