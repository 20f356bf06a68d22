package sdk

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lyzr/dataflow/common/commit"
	"github.com/lyzr/dataflow/common/condition"
	"github.com/lyzr/dataflow/common/logger"
	"github.com/lyzr/dataflow/common/models"
	"github.com/lyzr/dataflow/common/process"
	"github.com/lyzr/dataflow/common/reader"
	"github.com/lyzr/dataflow/common/store/memory"
)

type env struct {
	log        *commit.Log
	registry   *process.Registry
	dataflowID uuid.UUID
}

func newEnv(t *testing.T) *env {
	t.Helper()
	log := logger.New("error", "text")
	registry := process.NewRegistry(log)
	l := commit.New(commit.Opts{
		Store:    memory.New(log),
		Registry: registry,
		Logger:   log,
	})

	dataflowID := uuid.New()
	_, err := l.Execute(context.Background(), dataflowID, "create", []models.Command{{
		Type:           models.CommandCreateWorkflow,
		CreateWorkflow: &models.CreateWorkflowPayload{ActorID: "actor-1", Type: "pipeline"},
	}}, commit.ExecuteOpts{})
	require.NoError(t, err)

	return &env{log: l, registry: registry, dataflowID: dataflowID}
}

// createNode persists a node and returns it as read back from the store
func (e *env) createNode(t *testing.T, config models.NodeConfig) *models.Node {
	t.Helper()
	nodeID := uuid.New()
	_, err := e.log.Execute(context.Background(), e.dataflowID, "create_node", []models.Command{{
		Type: models.CommandCreateNode,
		CreateNode: &models.CreateNodePayload{
			NodeID: &nodeID,
			Type:   "func",
			Config: &config,
		},
	}}, commit.ExecuteOpts{})
	require.NoError(t, err)

	node, err := e.log.Store().GetNode(context.Background(), e.dataflowID, nodeID)
	require.NoError(t, err)
	return node
}

func (e *env) addInput(t *testing.T, nodeID uuid.UUID, key string, content any) {
	t.Helper()
	_, err := e.log.Execute(context.Background(), e.dataflowID, "add_input", []models.Command{{
		Type: models.CommandCreateData,
		CreateData: &models.CreateDataPayload{
			NodeID:  &nodeID,
			Type:    models.DataTypeNodeInput,
			Key:     key,
			Content: content,
		},
	}}, commit.ExecuteOpts{})
	require.NoError(t, err)
}

func (e *env) runtime(node *models.Node) *Runtime {
	return NewRuntime(Opts{
		Log:        e.log,
		Registry:   e.registry,
		Evaluator:  condition.NewEvaluator(),
		Logger:     logger.New("error", "text"),
		DataflowID: e.dataflowID,
		Node:       node,
	})
}

func TestInputs_CachedAfterFirstRead(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	node := e.createNode(t, models.NodeConfig{})
	e.addInput(t, node.NodeID, "first", map[string]any{"v": 1})

	rt := e.runtime(node)
	inputs, err := rt.Inputs(ctx)
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"v": float64(1)}, inputs["first"])

	// Inputs arriving after the first read are invisible to this invocation
	e.addInput(t, node.NodeID, "second", "late")
	inputs, err = rt.Inputs(ctx)
	require.NoError(t, err)
	assert.NotContains(t, inputs, "second")

	value, ok, err := rt.Input(ctx, "first")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, map[string]any{"v": float64(1)}, value)
}

func TestComplete_RoutesDataTargets(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	downstream := e.createNode(t, models.NodeConfig{})
	node := e.createNode(t, models.NodeConfig{
		DataTargets: []models.TargetDescriptor{
			{DataType: models.DataTypeNodeInput, NodeID: &downstream.NodeID, Key: "upstream"},
			{DataType: models.DataTypeWorkflowOutput, Key: "result"},
		},
	})

	output := map[string]any{"answer": 42}
	res, err := e.runtime(node).Complete(ctx, output)
	require.NoError(t, err)
	assert.True(t, res.Success)
	// The bundle carries the ids of the result record and both routed records
	assert.Len(t, res.DataIDs, 3)

	updated, err := e.log.Store().GetNode(ctx, e.dataflowID, node.NodeID)
	require.NoError(t, err)
	assert.Equal(t, models.NodeStatusCompleted, updated.Status)

	// Result record
	result, err := reader.NewData(e.log.Store(), e.dataflowID).
		NodeIDs(node.NodeID).
		Types(models.DataTypeNodeResult).
		Discriminators(models.DiscriminatorResultSuccess).
		WithContent().
		One(ctx)
	require.NoError(t, err)
	assert.JSONEq(t, `{"answer":42}`, string(result.Content))

	// Routed input on the downstream node carries a copy of the output
	routed, err := reader.NewData(e.log.Store(), e.dataflowID).
		NodeIDs(downstream.NodeID).
		Types(models.DataTypeNodeInput).
		WithContent().
		One(ctx)
	require.NoError(t, err)
	assert.Equal(t, "upstream", routed.Key)
	assert.JSONEq(t, `{"answer":42}`, string(routed.Content))

	outputs, err := reader.NewData(e.log.Store(), e.dataflowID).
		Types(models.DataTypeWorkflowOutput).
		Keys("result").
		Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, outputs)
}

func TestComplete_ConditionSkipsRoute(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	node := e.createNode(t, models.NodeConfig{
		DataTargets: []models.TargetDescriptor{
			{DataType: models.DataTypeWorkflowOutput, Key: "high", Condition: `$.score > 0.5`},
			{DataType: models.DataTypeWorkflowOutput, Key: "low", Condition: `$.score <= 0.5`},
		},
	})

	_, err := e.runtime(node).Complete(ctx, map[string]any{"score": 0.9})
	require.NoError(t, err)

	high, err := reader.NewData(e.log.Store(), e.dataflowID).Keys("high").Exists(ctx)
	require.NoError(t, err)
	assert.True(t, high)

	low, err := reader.NewData(e.log.Store(), e.dataflowID).Keys("low").Exists(ctx)
	require.NoError(t, err)
	assert.False(t, low)
}

func TestFail_RoutesErrorTargets(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	handler := e.createNode(t, models.NodeConfig{})
	node := e.createNode(t, models.NodeConfig{
		ErrorTargets: []models.TargetDescriptor{
			{DataType: models.DataTypeNodeInput, NodeID: &handler.NodeID, Key: "error"},
		},
	})

	res, err := e.runtime(node).Fail(ctx, &FuncError{Code: "FUNCTION_TIMEOUT", Message: "took too long"})
	require.NoError(t, err)
	assert.False(t, res.Success)
	require.NotNil(t, res.Error)
	assert.Equal(t, "FUNCTION_TIMEOUT", res.Error.Code)
	// Error result record plus the routed record
	assert.Len(t, res.DataIDs, 2)

	updated, err := e.log.Store().GetNode(ctx, e.dataflowID, node.NodeID)
	require.NoError(t, err)
	assert.Equal(t, models.NodeStatusFailed, updated.Status)

	result, err := reader.NewData(e.log.Store(), e.dataflowID).
		NodeIDs(node.NodeID).
		Discriminators(models.DiscriminatorResultError).
		WithContent().
		One(ctx)
	require.NoError(t, err)
	assert.JSONEq(t, `{"code":"FUNCTION_TIMEOUT","message":"took too long"}`, string(result.Content))

	routed, err := reader.NewData(e.log.Store(), e.dataflowID).
		NodeIDs(handler.NodeID).
		Types(models.DataTypeNodeInput).
		WithContent().
		One(ctx)
	require.NoError(t, err)
	assert.JSONEq(t, `{"code":"FUNCTION_TIMEOUT","message":"took too long"}`, string(routed.Content))
}

func TestFail_WrapsPlainErrors(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	node := e.createNode(t, models.NodeConfig{})

	_, err := e.runtime(node).Fail(ctx, assert.AnError)
	require.NoError(t, err)

	result, err := reader.NewData(e.log.Store(), e.dataflowID).
		NodeIDs(node.NodeID).
		Discriminators(models.DiscriminatorResultError).
		WithContent().
		One(ctx)
	require.NoError(t, err)

	content, err := result.DecodeContent()
	require.NoError(t, err)
	failure, ok := content.(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "FUNCTION_EXECUTION_FAILED", failure["code"])
	assert.Equal(t, assert.AnError.Error(), failure["message"])
}

func TestFinish_DoubleFinishRejected(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	node := e.createNode(t, models.NodeConfig{})
	rt := e.runtime(node)

	_, err := rt.Complete(ctx, "done")
	require.NoError(t, err)

	_, err = rt.Complete(ctx, "again")
	require.Error(t, err)
	assert.Equal(t, "node already finished", err.Error())

	_, err = rt.Fail(ctx, assert.AnError)
	require.Error(t, err)
	assert.Equal(t, "node already finished", err.Error())
}

func TestWithChildNodes_BufferedUntilFinish(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	node := e.createNode(t, models.NodeConfig{})
	rt := e.runtime(node)

	ids := rt.WithChildNodes(
		models.CreateNodePayload{Type: "func", Config: &models.NodeConfig{FuncID: "test_function"}},
		models.CreateNodePayload{Type: "func"},
	)
	require.Len(t, ids, 2)

	// Not persisted until the finishing batch flushes the buffer
	_, err := e.log.Store().GetNode(ctx, e.dataflowID, ids[0])
	require.Error(t, err)

	_, err = rt.Complete(ctx, "done")
	require.NoError(t, err)

	for _, id := range ids {
		child, err := e.log.Store().GetNode(ctx, e.dataflowID, id)
		require.NoError(t, err)
		require.NotNil(t, child.ParentNodeID)
		assert.Equal(t, node.NodeID, *child.ParentNodeID)
	}
}

func TestFinish_NotifiesDriver(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	node := e.createNode(t, models.NodeConfig{})

	mb, err := e.registry.Listen(process.DataflowName(e.dataflowID))
	require.NoError(t, err)
	defer mb.Close()

	_, err = e.runtime(node).Complete(ctx, "done")
	require.NoError(t, err)

	msg, ok := mb.Receive(ctx)
	require.True(t, ok)
	assert.Equal(t, process.TopicNodeDone, msg.Topic)
	done, ok := msg.Payload.(NodeDone)
	require.True(t, ok)
	assert.Equal(t, node.NodeID, done.NodeID)
	assert.Equal(t, models.NodeStatusCompleted, done.Status)
}

func TestPatchMetadata_ComposesIntoOneUpdate(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	node := e.createNode(t, models.NodeConfig{})
	rt := e.runtime(node)

	rt.PatchMetadata(models.Metadata{"stage": "start"})
	rt.PatchMetadata(models.Metadata{"stage": "verify", "attempt": "second"})

	// Patches are visible on the local copy before any flush
	assert.Equal(t, "verify", rt.Metadata()["stage"])
	assert.Equal(t, "second", rt.Metadata()["attempt"])

	stored, err := e.log.Store().GetNode(ctx, e.dataflowID, node.NodeID)
	require.NoError(t, err)
	assert.Empty(t, stored.Metadata)

	_, err = rt.Complete(ctx, "done")
	require.NoError(t, err)

	stored, err = e.log.Store().GetNode(ctx, e.dataflowID, node.NodeID)
	require.NoError(t, err)
	assert.Equal(t, "verify", stored.Metadata["stage"])
	assert.Equal(t, "second", stored.Metadata["attempt"])
}

func TestPatchMetadata_EmptyPatchIsNoOp(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	node := e.createNode(t, models.NodeConfig{})
	rt := e.runtime(node)

	rt.PatchMetadata(nil)
	_, err := rt.Complete(ctx, "done")
	require.NoError(t, err)

	stored, err := e.log.Store().GetNode(ctx, e.dataflowID, node.NodeID)
	require.NoError(t, err)
	assert.Empty(t, stored.Metadata)
}

func TestAddData_BufferedAndTyped(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	node := e.createNode(t, models.NodeConfig{})
	rt := e.runtime(node)

	rt.AddData(models.DataTypeWorkflowOutput, map[string]any{"n": 1}, WithKey("partial")).
		AddData(models.DataTypeNodeResult, "notes", WithDiscriminator("trace"))

	// Buffered records are not persisted until a flush
	count, err := reader.NewData(e.log.Store(), e.dataflowID).Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, count)

	res, err := rt.Complete(ctx, "done")
	require.NoError(t, err)
	assert.True(t, res.Success)
	// Two buffered records plus the result record
	assert.Len(t, res.DataIDs, 3)

	partial, err := reader.NewData(e.log.Store(), e.dataflowID).
		Keys("partial").
		WithContent().
		One(ctx)
	require.NoError(t, err)
	assert.Equal(t, models.DataTypeWorkflowOutput, partial.Type)
	assert.Equal(t, models.ContentTypeJSON, partial.ContentType)
	assert.JSONEq(t, `{"n":1}`, string(partial.Content))

	trace, err := reader.NewData(e.log.Store(), e.dataflowID).
		Discriminators("trace").
		WithContent().
		One(ctx)
	require.NoError(t, err)
	assert.Equal(t, models.ContentTypeText, trace.ContentType)
	require.NotNil(t, trace.NodeID)
	assert.Equal(t, node.NodeID, *trace.NodeID)
}

func TestYield_WithoutDriverFails(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	node := e.createNode(t, models.NodeConfig{})

	_, err := e.runtime(node).Yield(ctx, map[string]any{"question": "proceed?"})
	require.Error(t, err)
	assert.Equal(t, "workflow driver is not running", err.Error())

	// The yield record is written even when no driver is listening
	yielded, err := reader.NewData(e.log.Store(), e.dataflowID).
		NodeIDs(node.NodeID).
		Types(models.DataTypeNodeYield).
		Exists(ctx)
	require.NoError(t, err)
	assert.True(t, yielded)
}
