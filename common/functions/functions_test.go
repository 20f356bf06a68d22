package functions

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lyzr/dataflow/common/commit"
	"github.com/lyzr/dataflow/common/condition"
	"github.com/lyzr/dataflow/common/logger"
	"github.com/lyzr/dataflow/common/models"
	"github.com/lyzr/dataflow/common/process"
	"github.com/lyzr/dataflow/common/sdk"
	"github.com/lyzr/dataflow/common/store/memory"
)

// newRuntime persists a workflow and node, then builds a runtime for it
func newRuntime(t *testing.T, params models.Metadata, inputs map[string]any) *sdk.Runtime {
	t.Helper()
	log := logger.New("error", "text")
	l := commit.New(commit.Opts{
		Store:    memory.New(log),
		Registry: process.NewRegistry(log),
		Logger:   log,
	})

	ctx := context.Background()
	dataflowID := uuid.New()
	nodeID := uuid.New()

	cmds := []models.Command{
		{
			Type:           models.CommandCreateWorkflow,
			CreateWorkflow: &models.CreateWorkflowPayload{ActorID: "actor-1", Type: "pipeline"},
		},
		{
			Type: models.CommandCreateNode,
			CreateNode: &models.CreateNodePayload{
				NodeID: &nodeID,
				Type:   "func",
				Config: &models.NodeConfig{Params: params},
			},
		},
	}
	for key, content := range inputs {
		cmds = append(cmds, models.Command{
			Type: models.CommandCreateData,
			CreateData: &models.CreateDataPayload{
				NodeID:  &nodeID,
				Type:    models.DataTypeNodeInput,
				Key:     key,
				Content: content,
			},
		})
	}
	_, err := l.Execute(ctx, dataflowID, "setup", cmds, commit.ExecuteOpts{})
	require.NoError(t, err)

	node, err := l.Store().GetNode(ctx, dataflowID, nodeID)
	require.NoError(t, err)

	return sdk.NewRuntime(sdk.Opts{
		Log:        l,
		Registry:   process.NewRegistry(log),
		Evaluator:  condition.NewEvaluator(),
		Logger:     log,
		DataflowID: dataflowID,
		Node:       node,
	})
}

func TestRegistry_Lookup(t *testing.T) {
	r := NewRegistry()

	fn, err := r.Get("test_function")
	require.NoError(t, err)
	assert.Equal(t, "test_function", fn.ID())

	fn, err = r.Get("http")
	require.NoError(t, err)
	assert.Equal(t, "http", fn.ID())

	_, err = r.Get("nope")
	require.Error(t, err)
	assert.Equal(t, "function not found: nope", err.Error())
}

func TestTestFunction_EchoesInputs(t *testing.T) {
	rt := newRuntime(t, nil, map[string]any{
		"payload":  map[string]any{"v": 1},
		"delay_ms": 0,
	})

	output, err := NewTestFunction().Execute(context.Background(), rt)
	require.NoError(t, err)

	result, ok := output.(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "test function executed", result["message"])
	assert.Equal(t, "test_function", result["processed_by"])
	assert.Equal(t, true, result["success"])
	assert.Equal(t, 0, result["delay_applied"])

	// Control inputs are stripped from the echo
	echo, ok := result["input_echo"].(map[string]any)
	require.True(t, ok)
	assert.Contains(t, echo, "payload")
	assert.NotContains(t, echo, "delay_ms")
}

func TestTestFunction_MessageInputEchoedAtTopLevel(t *testing.T) {
	rt := newRuntime(t, nil, map[string]any{"message": "hello there"})

	output, err := NewTestFunction().Execute(context.Background(), rt)
	require.NoError(t, err)

	result, ok := output.(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "hello there", result["message"])
}

func TestTestFunction_ShouldFail(t *testing.T) {
	rt := newRuntime(t, models.Metadata{"should_fail": true}, nil)

	_, err := NewTestFunction().Execute(context.Background(), rt)
	require.Error(t, err)

	var fe *sdk.FuncError
	require.ErrorAs(t, err, &fe)
	assert.Equal(t, "FUNCTION_EXECUTION_FAILED", fe.Code)
	assert.Equal(t, "Intentional semantic failure triggered by should_fail", fe.Message)
}

func TestTestFunction_DelayRespectsContext(t *testing.T) {
	rt := newRuntime(t, models.Metadata{"delay_ms": 5000}, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := NewTestFunction().Execute(ctx, rt)
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestHTTPFunction_PostsInputsAsJSON(t *testing.T) {
	var gotMethod, gotContentType string
	var gotBody map[string]any
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotMethod = r.Method
		gotContentType = r.Header.Get("Content-Type")
		_ = json.NewDecoder(r.Body).Decode(&gotBody)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"received":true}`))
	}))
	defer server.Close()

	rt := newRuntime(t, models.Metadata{
		"url":    server.URL,
		"method": http.MethodPost,
	}, map[string]any{"payload": "hello"})

	output, err := NewHTTPFunction().Execute(context.Background(), rt)
	require.NoError(t, err)

	assert.Equal(t, http.MethodPost, gotMethod)
	assert.Equal(t, "application/json", gotContentType)
	assert.Equal(t, map[string]any{"payload": "hello"}, gotBody)

	result, ok := output.(map[string]any)
	require.True(t, ok)
	assert.Equal(t, http.StatusOK, result["status_code"])
	assert.Equal(t, map[string]any{"received": true}, result["body"])
	assert.Equal(t, server.URL, result["url"])
}

func TestHTTPFunction_NonJSONBodyStaysString(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("plain text"))
	}))
	defer server.Close()

	rt := newRuntime(t, models.Metadata{"url": server.URL}, nil)

	output, err := NewHTTPFunction().Execute(context.Background(), rt)
	require.NoError(t, err)

	result, ok := output.(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "plain text", result["body"])
	assert.Equal(t, http.MethodGet, result["method"])
}

func TestHTTPFunction_MissingURL(t *testing.T) {
	rt := newRuntime(t, nil, nil)

	_, err := NewHTTPFunction().Execute(context.Background(), rt)
	require.Error(t, err)

	var fe *sdk.FuncError
	require.ErrorAs(t, err, &fe)
	assert.Equal(t, "INVALID_PARAMS", fe.Code)
}
