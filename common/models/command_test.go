package models

import (
	"encoding/json"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseCommand_KnownTypes(t *testing.T) {
	nodeID := uuid.New()

	cmd, err := ParseCommand(CommandUpdateNode, json.RawMessage(`{"node_id":"`+nodeID.String()+`","status":"running"}`))
	require.NoError(t, err)
	require.NotNil(t, cmd.UpdateNode)
	assert.Equal(t, CommandUpdateNode, cmd.Type)
	assert.Equal(t, nodeID, cmd.UpdateNode.NodeID)
	assert.Equal(t, NodeStatusRunning, *cmd.UpdateNode.Status)
}

func TestParseCommand_UnknownTypeRejected(t *testing.T) {
	_, err := ParseCommand(CommandType("FROBNICATE"), json.RawMessage(`{}`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown command type")
}

func TestParseCommand_MissingPayload(t *testing.T) {
	_, err := ParseCommand(CommandCreateNode, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "missing payload")
}

func TestCommand_JSONRoundTrip(t *testing.T) {
	status := NodeStatusTemplate
	original := Command{
		Type: CommandCreateNode,
		CreateNode: &CreateNodePayload{
			Type:   "func",
			Status: &status,
			Config: &NodeConfig{
				FuncID: "test_function",
				DataTargets: []TargetDescriptor{
					{DataType: DataTypeWorkflowOutput, Key: "result"},
				},
			},
			Metadata: Metadata{"label": "n1"},
		},
	}

	encoded, err := json.Marshal(original)
	require.NoError(t, err)

	// Envelope shape: {"type": ..., "payload": {...}}
	var envelope map[string]json.RawMessage
	require.NoError(t, json.Unmarshal(encoded, &envelope))
	assert.Contains(t, envelope, "type")
	assert.Contains(t, envelope, "payload")

	var decoded Command
	require.NoError(t, json.Unmarshal(encoded, &decoded))
	require.NotNil(t, decoded.CreateNode)
	assert.Equal(t, "test_function", decoded.CreateNode.Config.FuncID)
	assert.Equal(t, NodeStatusTemplate, *decoded.CreateNode.Status)
	assert.Len(t, decoded.CreateNode.Config.DataTargets, 1)
}

func TestCommand_UnmarshalRejectsUnknownTag(t *testing.T) {
	var cmd Command
	err := json.Unmarshal([]byte(`{"type":"EXPLODE","payload":{}}`), &cmd)
	require.Error(t, err)
}

func TestCompareCommitIDs_OrdersByCreation(t *testing.T) {
	first, err := uuid.NewV7()
	require.NoError(t, err)
	second, err := uuid.NewV7()
	require.NoError(t, err)

	assert.Negative(t, CompareCommitIDs(first, second))
	assert.Positive(t, CompareCommitIDs(second, first))
	assert.Zero(t, CompareCommitIDs(first, first))
}
