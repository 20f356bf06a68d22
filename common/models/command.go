package models

import (
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
)

// CommandType tags a command variant
type CommandType string

const (
	CommandCreateNode     CommandType = "CREATE_NODE"
	CommandUpdateNode     CommandType = "UPDATE_NODE"
	CommandDeleteNode     CommandType = "DELETE_NODE"
	CommandCreateData     CommandType = "CREATE_DATA"
	CommandUpdateData     CommandType = "UPDATE_DATA"
	CommandDeleteData     CommandType = "DELETE_DATA"
	CommandCreateWorkflow CommandType = "CREATE_WORKFLOW"
	CommandUpdateWorkflow CommandType = "UPDATE_WORKFLOW"
	CommandDeleteWorkflow CommandType = "DELETE_WORKFLOW"
	CommandApplyCommit    CommandType = "APPLY_COMMIT"
)

// Command is a tagged union over all mutation commands. Exactly one payload
// field is set, matching Type.
type Command struct {
	Type CommandType

	CreateNode     *CreateNodePayload
	UpdateNode     *UpdateNodePayload
	DeleteNode     *DeleteNodePayload
	CreateData     *CreateDataPayload
	UpdateData     *UpdateDataPayload
	DeleteData     *DeleteDataPayload
	CreateWorkflow *CreateWorkflowPayload
	UpdateWorkflow *UpdateWorkflowPayload
	DeleteWorkflow *DeleteWorkflowPayload
	ApplyCommit    *ApplyCommitPayload
}

// IsNodeOp reports whether this command mutates a node row
func (c Command) IsNodeOp() bool {
	switch c.Type {
	case CommandCreateNode, CommandUpdateNode, CommandDeleteNode:
		return true
	}
	return false
}

// IsWorkflowOp reports whether this command mutates the workflow row
func (c Command) IsWorkflowOp() bool {
	switch c.Type {
	case CommandCreateWorkflow, CommandUpdateWorkflow, CommandDeleteWorkflow:
		return true
	}
	return false
}

// CreateNodePayload inserts a node row. NodeID is generated when absent and
// status defaults to pending.
type CreateNodePayload struct {
	NodeID       *uuid.UUID  `json:"node_id,omitempty"`
	ParentNodeID *uuid.UUID  `json:"parent_node_id,omitempty"`
	Type         string      `json:"type,omitempty"`
	Status       *NodeStatus `json:"status,omitempty"`
	Config       *NodeConfig `json:"config,omitempty"`
	Metadata     Metadata    `json:"metadata,omitempty"`
}

// UpdateNodePayload is a sparse node update. Metadata handling is controlled
// by MergeMetadata (default true: shallow-merge new over old).
// ClearMetadata corresponds to an explicit null metadata value.
type UpdateNodePayload struct {
	NodeID        uuid.UUID   `json:"node_id"`
	Type          *string     `json:"type,omitempty"`
	Status        *NodeStatus `json:"status,omitempty"`
	Config        *NodeConfig `json:"config,omitempty"`
	Metadata      Metadata    `json:"metadata,omitempty"`
	ClearMetadata bool        `json:"clear_metadata,omitempty"`
	MergeMetadata *bool       `json:"merge_metadata,omitempty"`
}

// DeleteNodePayload is a point delete; non-existent nodes yield
// changes_made=false rather than an error.
type DeleteNodePayload struct {
	NodeID uuid.UUID `json:"node_id"`
}

// CreateDataPayload stores a data record. Tables are JSON-encoded, strings
// kept verbatim; default content type is application/json.
type CreateDataPayload struct {
	DataID        *uuid.UUID `json:"data_id,omitempty"`
	NodeID        *uuid.UUID `json:"node_id,omitempty"`
	Type          DataType   `json:"type"`
	Discriminator string     `json:"discriminator,omitempty"`
	Key           string     `json:"key,omitempty"`
	Content       any        `json:"content,omitempty"`
	ContentType   string     `json:"content_type,omitempty"`
	Metadata      Metadata   `json:"metadata,omitempty"`
}

// UpdateDataPayload is a sparse data update. ContentPatch applies an
// RFC 7386 JSON merge patch to the stored content.
type UpdateDataPayload struct {
	DataID        uuid.UUID       `json:"data_id"`
	Content       any             `json:"content,omitempty"`
	ContentSet    bool            `json:"content_set,omitempty"`
	ContentPatch  json.RawMessage `json:"content_patch,omitempty"`
	Key           *string         `json:"key,omitempty"`
	Discriminator *string         `json:"discriminator,omitempty"`
	Metadata      Metadata        `json:"metadata,omitempty"`
	ClearMetadata bool            `json:"clear_metadata,omitempty"`
	MergeMetadata *bool           `json:"merge_metadata,omitempty"`
}

// DeleteDataPayload is a point delete; non-existent records yield
// changes_made=false rather than an error.
type DeleteDataPayload struct {
	DataID uuid.UUID `json:"data_id"`
}

// CreateWorkflowPayload inserts the workflow row
type CreateWorkflowPayload struct {
	DataflowID       *uuid.UUID      `json:"dataflow_id,omitempty"`
	ParentDataflowID *uuid.UUID      `json:"parent_dataflow_id,omitempty"`
	ActorID          string          `json:"actor_id,omitempty"`
	Type             string          `json:"type,omitempty"`
	Status           *WorkflowStatus `json:"status,omitempty"`
	Metadata         Metadata        `json:"metadata,omitempty"`
}

// UpdateWorkflowPayload is a sparse workflow update. Status changes on
// terminal workflows are rejected; metadata updates are permitted.
type UpdateWorkflowPayload struct {
	Status        *WorkflowStatus `json:"status,omitempty"`
	Metadata      Metadata        `json:"metadata,omitempty"`
	ClearMetadata bool            `json:"clear_metadata,omitempty"`
	MergeMetadata *bool           `json:"merge_metadata,omitempty"`
	LastCommitID  *uuid.UUID      `json:"last_commit_id,omitempty"`
}

// DeleteWorkflowPayload deletes the workflow row; deleting a non-existent
// workflow fails.
type DeleteWorkflowPayload struct {
	DataflowID uuid.UUID `json:"dataflow_id"`
}

// ApplyCommitPayload inlines the commands of a previously submitted commit
// and advances last_commit_id.
type ApplyCommitPayload struct {
	CommitID uuid.UUID `json:"commit_id"`
}

// commandEnvelope is the wire form: {"type": ..., "payload": {...}}
type commandEnvelope struct {
	Type    CommandType     `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// MarshalJSON encodes the command as a type/payload envelope
func (c Command) MarshalJSON() ([]byte, error) {
	var payload any
	switch c.Type {
	case CommandCreateNode:
		payload = c.CreateNode
	case CommandUpdateNode:
		payload = c.UpdateNode
	case CommandDeleteNode:
		payload = c.DeleteNode
	case CommandCreateData:
		payload = c.CreateData
	case CommandUpdateData:
		payload = c.UpdateData
	case CommandDeleteData:
		payload = c.DeleteData
	case CommandCreateWorkflow:
		payload = c.CreateWorkflow
	case CommandUpdateWorkflow:
		payload = c.UpdateWorkflow
	case CommandDeleteWorkflow:
		payload = c.DeleteWorkflow
	case CommandApplyCommit:
		payload = c.ApplyCommit
	default:
		return nil, fmt.Errorf("unknown command type: %s", c.Type)
	}

	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to encode %s payload: %w", c.Type, err)
	}

	return json.Marshal(commandEnvelope{Type: c.Type, Payload: raw})
}

// UnmarshalJSON decodes a type/payload envelope, rejecting unknown tags
func (c *Command) UnmarshalJSON(data []byte) error {
	var env commandEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return fmt.Errorf("failed to decode command envelope: %w", err)
	}

	parsed, err := ParseCommand(env.Type, env.Payload)
	if err != nil {
		return err
	}

	*c = parsed
	return nil
}

// ParseCommand builds a Command from a type tag and raw JSON payload.
// Unknown tags are rejected at parse time.
func ParseCommand(cmdType CommandType, payload json.RawMessage) (Command, error) {
	cmd := Command{Type: cmdType}

	decode := func(dst any) error {
		if len(payload) == 0 {
			return fmt.Errorf("missing payload for command %s", cmdType)
		}
		if err := json.Unmarshal(payload, dst); err != nil {
			return fmt.Errorf("failed to decode %s payload: %w", cmdType, err)
		}
		return nil
	}

	var err error
	switch cmdType {
	case CommandCreateNode:
		cmd.CreateNode = &CreateNodePayload{}
		err = decode(cmd.CreateNode)
	case CommandUpdateNode:
		cmd.UpdateNode = &UpdateNodePayload{}
		err = decode(cmd.UpdateNode)
	case CommandDeleteNode:
		cmd.DeleteNode = &DeleteNodePayload{}
		err = decode(cmd.DeleteNode)
	case CommandCreateData:
		cmd.CreateData = &CreateDataPayload{}
		err = decode(cmd.CreateData)
	case CommandUpdateData:
		cmd.UpdateData = &UpdateDataPayload{}
		err = decode(cmd.UpdateData)
	case CommandDeleteData:
		cmd.DeleteData = &DeleteDataPayload{}
		err = decode(cmd.DeleteData)
	case CommandCreateWorkflow:
		cmd.CreateWorkflow = &CreateWorkflowPayload{}
		err = decode(cmd.CreateWorkflow)
	case CommandUpdateWorkflow:
		cmd.UpdateWorkflow = &UpdateWorkflowPayload{}
		err = decode(cmd.UpdateWorkflow)
	case CommandDeleteWorkflow:
		cmd.DeleteWorkflow = &DeleteWorkflowPayload{}
		err = decode(cmd.DeleteWorkflow)
	case CommandApplyCommit:
		cmd.ApplyCommit = &ApplyCommitPayload{}
		err = decode(cmd.ApplyCommit)
	default:
		return Command{}, fmt.Errorf("unknown command type: %s", cmdType)
	}

	if err != nil {
		return Command{}, err
	}
	return cmd, nil
}
