package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lyzr/dataflow/common/bootstrap"
	"github.com/lyzr/dataflow/common/config"
)

func newTestHandler(t *testing.T) *WorkflowHandler {
	t.Helper()
	components, err := bootstrap.Setup(context.Background(), "handler-test",
		bootstrap.WithCustomConfig(&config.Config{
			Service: config.ServiceConfig{
				Name:      "handler-test",
				Port:      8080,
				LogLevel:  "error",
				LogFormat: "text",
			},
			Engine: config.EngineConfig{
				StoreType:      "memory",
				DispatchPoll:   10 * time.Millisecond,
				CancelDeadline: 2 * time.Second,
				ExecuteTimeout: 30 * time.Second,
			},
		}),
	)
	require.NoError(t, err)
	t.Cleanup(func() { _ = components.Shutdown(context.Background()) })
	return NewWorkflowHandler(components)
}

func doJSON(t *testing.T, handler echo.HandlerFunc, method, path, body string, params map[string]string) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	e := echo.New()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)
	for name, value := range params {
		c.SetParamNames(name)
		c.SetParamValues(value)
	}

	err := handler(c)
	if err != nil {
		e.HTTPErrorHandler(err, c)
	}

	var decoded map[string]any
	if rec.Body.Len() > 0 {
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &decoded))
	}
	return rec, decoded
}

func createTestWorkflow(t *testing.T, h *WorkflowHandler) uuid.UUID {
	t.Helper()
	body := `{
		"actor_id": "actor-1",
		"type": "pipeline",
		"commands": [
			{"type": "CREATE_NODE", "payload": {
				"type": "func",
				"config": {
					"func_id": "test_function",
					"inputs": {"required": []},
					"data_targets": [{"data_type": "workflow_output"}]
				}
			}}
		]
	}`
	rec, resp := doJSON(t, h.CreateWorkflow, http.MethodPost, "/api/v1/dataflows", body, nil)
	require.Equal(t, http.StatusCreated, rec.Code)

	dataflowID, err := uuid.Parse(resp["dataflow_id"].(string))
	require.NoError(t, err)
	return dataflowID
}

func TestCreateAndExecuteWorkflow(t *testing.T) {
	h := newTestHandler(t)
	dataflowID := createTestWorkflow(t, h)

	rec, resp := doJSON(t, h.Execute, http.MethodPost, "/", "", map[string]string{"id": dataflowID.String()})
	require.Equal(t, http.StatusOK, rec.Code)

	output, ok := resp["output"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "test function executed", output["message"])
}

func TestGetWorkflow(t *testing.T) {
	h := newTestHandler(t)
	dataflowID := createTestWorkflow(t, h)

	rec, resp := doJSON(t, h.GetWorkflow, http.MethodGet, "/", "", map[string]string{"id": dataflowID.String()})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "actor-1", resp["actor_id"])
	assert.Equal(t, "pending", resp["status"])
}

func TestGetWorkflow_NotFound(t *testing.T) {
	h := newTestHandler(t)

	rec, resp := doJSON(t, h.GetWorkflow, http.MethodGet, "/", "", map[string]string{"id": uuid.NewString()})
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "Workflow not found", resp["message"])
}

func TestGetWorkflow_InvalidID(t *testing.T) {
	h := newTestHandler(t)

	rec, _ := doJSON(t, h.GetWorkflow, http.MethodGet, "/", "", map[string]string{"id": "not-a-uuid"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestExecuteCommands_EmptyBatchRejected(t *testing.T) {
	h := newTestHandler(t)
	dataflowID := createTestWorkflow(t, h)

	rec, resp := doJSON(t, h.ExecuteCommands, http.MethodPost, "/",
		`{"op_id": "noop", "commands": []}`,
		map[string]string{"id": dataflowID.String()})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "Commands array cannot be empty", resp["message"])
}

func TestSubmitAndListPendingCommits(t *testing.T) {
	h := newTestHandler(t)
	dataflowID := createTestWorkflow(t, h)

	body := `{
		"op_id": "extend",
		"commands": [
			{"type": "CREATE_DATA", "payload": {"type": "node_input", "key": "x", "content": 1}}
		]
	}`
	rec, resp := doJSON(t, h.SubmitCommit, http.MethodPost, "/", body, map[string]string{"id": dataflowID.String()})
	require.Equal(t, http.StatusCreated, rec.Code)
	commitID := resp["commit_id"].(string)

	rec, resp = doJSON(t, h.PendingCommits, http.MethodGet, "/", "", map[string]string{"id": dataflowID.String()})
	require.Equal(t, http.StatusOK, rec.Code)
	ids, ok := resp["commit_ids"].([]any)
	require.True(t, ok)
	require.Len(t, ids, 1)
	assert.Equal(t, commitID, ids[0])
}

func TestListNodes_StatusFilter(t *testing.T) {
	h := newTestHandler(t)
	dataflowID := createTestWorkflow(t, h)

	rec, resp := doJSON(t, h.ListNodes, http.MethodGet, "/?status=pending", "", map[string]string{"id": dataflowID.String()})
	require.Equal(t, http.StatusOK, rec.Code)
	nodes, ok := resp["nodes"].([]any)
	require.True(t, ok)
	assert.Len(t, nodes, 1)

	rec, resp = doJSON(t, h.ListNodes, http.MethodGet, "/?status=completed", "", map[string]string{"id": dataflowID.String()})
	require.Equal(t, http.StatusOK, rec.Code)
	nodes, _ = resp["nodes"].([]any)
	assert.Empty(t, nodes)
}

func TestCancel_CompletedWorkflowConflicts(t *testing.T) {
	h := newTestHandler(t)
	dataflowID := createTestWorkflow(t, h)

	rec, _ := doJSON(t, h.Execute, http.MethodPost, "/", "", map[string]string{"id": dataflowID.String()})
	require.Equal(t, http.StatusOK, rec.Code)

	rec, resp := doJSON(t, h.Cancel, http.MethodPost, "/", "", map[string]string{"id": dataflowID.String()})
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, "cannot be cancelled in current state: completed_success", resp["message"])
}

func TestCancel_PendingWorkflow(t *testing.T) {
	h := newTestHandler(t)
	dataflowID := createTestWorkflow(t, h)

	rec, resp := doJSON(t, h.Cancel, http.MethodPost, "/?timeout_ms=250", "", map[string]string{"id": dataflowID.String()})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "Cancel signal sent", resp["message"])
}

func TestCancel_InvalidTimeoutRejected(t *testing.T) {
	h := newTestHandler(t)
	dataflowID := createTestWorkflow(t, h)

	rec, resp := doJSON(t, h.Cancel, http.MethodPost, "/?timeout_ms=soon", "", map[string]string{"id": dataflowID.String()})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "Invalid timeout_ms", resp["message"])
}
