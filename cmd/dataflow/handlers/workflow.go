package handlers

import (
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/lyzr/dataflow/common/bootstrap"
	"github.com/lyzr/dataflow/common/client"
	"github.com/lyzr/dataflow/common/commit"
	"github.com/lyzr/dataflow/common/models"
	"github.com/lyzr/dataflow/common/reader"
)

// WorkflowHandler handles workflow lifecycle requests
type WorkflowHandler struct {
	components *bootstrap.Components
}

// NewWorkflowHandler creates a new workflow handler
func NewWorkflowHandler(components *bootstrap.Components) *WorkflowHandler {
	return &WorkflowHandler{
		components: components,
	}
}

type createWorkflowRequest struct {
	ActorID  string            `json:"actor_id"`
	Type     string            `json:"type"`
	Metadata models.Metadata   `json:"metadata"`
	Input    any               `json:"input"`
	Commands []json.RawMessage `json:"commands"`
}

type commandBatchRequest struct {
	OpID     string            `json:"op_id"`
	Commands []json.RawMessage `json:"commands"`
	Publish  *bool             `json:"publish"`
}

// CreateWorkflow creates a workflow with its input and initial graph
// POST /api/v1/dataflows
func (h *WorkflowHandler) CreateWorkflow(c echo.Context) error {
	var req createWorkflowRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}

	cmds, err := decodeCommands(req.Commands)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}

	dataflowID, err := h.components.Client.CreateWorkflow(c.Request().Context(), client.CreateWorkflowRequest{
		ActorID:  req.ActorID,
		Type:     req.Type,
		Metadata: req.Metadata,
		Input:    req.Input,
		Commands: cmds,
	})
	if err != nil {
		return workflowError(err)
	}

	return c.JSON(http.StatusCreated, map[string]any{
		"dataflow_id": dataflowID,
	})
}

// GetWorkflow returns the workflow row
// GET /api/v1/dataflows/:id
func (h *WorkflowHandler) GetWorkflow(c echo.Context) error {
	dataflowID, err := parseID(c)
	if err != nil {
		return err
	}

	wf, err := reader.NewDataflowRepo(h.components.Store).Get(c.Request().Context(), dataflowID)
	if err != nil {
		return workflowError(err)
	}

	return c.JSON(http.StatusOK, wf)
}

// Start launches the workflow's driver
// POST /api/v1/dataflows/:id/start
func (h *WorkflowHandler) Start(c echo.Context) error {
	dataflowID, err := parseID(c)
	if err != nil {
		return err
	}

	if err := h.components.Client.Start(c.Request().Context(), dataflowID); err != nil {
		return workflowError(err)
	}

	return c.JSON(http.StatusAccepted, map[string]any{
		"dataflow_id": dataflowID,
		"status":      "started",
	})
}

// Execute runs the workflow to completion and returns its output
// POST /api/v1/dataflows/:id/execute
func (h *WorkflowHandler) Execute(c echo.Context) error {
	dataflowID, err := parseID(c)
	if err != nil {
		return err
	}

	output, err := h.components.Client.Execute(c.Request().Context(), dataflowID)
	if err != nil {
		return workflowError(err)
	}

	return c.JSON(http.StatusOK, map[string]any{
		"dataflow_id": dataflowID,
		"output":      output,
	})
}

// Output returns the workflow's output records
// GET /api/v1/dataflows/:id/output
func (h *WorkflowHandler) Output(c echo.Context) error {
	dataflowID, err := parseID(c)
	if err != nil {
		return err
	}

	output, err := h.components.Client.Output(c.Request().Context(), dataflowID)
	if err != nil {
		return workflowError(err)
	}

	return c.JSON(http.StatusOK, map[string]any{
		"dataflow_id": dataflowID,
		"output":      output,
	})
}

// Cancel requests cooperative cancellation. An optional timeout_ms query
// parameter bounds the drain; zero falls back to the configured deadline.
// POST /api/v1/dataflows/:id/cancel
func (h *WorkflowHandler) Cancel(c echo.Context) error {
	dataflowID, err := parseID(c)
	if err != nil {
		return err
	}

	var timeout time.Duration
	if raw := c.QueryParam("timeout_ms"); raw != "" {
		ms, err := strconv.Atoi(raw)
		if err != nil || ms < 0 {
			return echo.NewHTTPError(http.StatusBadRequest, "Invalid timeout_ms")
		}
		timeout = time.Duration(ms) * time.Millisecond
	}

	message, err := h.components.Client.Cancel(c.Request().Context(), dataflowID, timeout)
	if err != nil {
		return workflowError(err)
	}

	return c.JSON(http.StatusOK, map[string]any{
		"dataflow_id": dataflowID,
		"message":     message,
	})
}

// Terminate hard-stops the workflow
// POST /api/v1/dataflows/:id/terminate
func (h *WorkflowHandler) Terminate(c echo.Context) error {
	dataflowID, err := parseID(c)
	if err != nil {
		return err
	}

	if err := h.components.Client.Terminate(c.Request().Context(), dataflowID); err != nil {
		return workflowError(err)
	}

	return c.JSON(http.StatusOK, map[string]any{
		"dataflow_id": dataflowID,
		"status":      string(models.WorkflowStatusTerminated),
	})
}

// ExecuteCommands runs an immediate command batch against the workflow
// POST /api/v1/dataflows/:id/commands
func (h *WorkflowHandler) ExecuteCommands(c echo.Context) error {
	dataflowID, err := parseID(c)
	if err != nil {
		return err
	}

	var req commandBatchRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}

	cmds, err := decodeCommands(req.Commands)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}

	opts := commit.ExecuteOpts{}
	if req.Publish != nil && !*req.Publish {
		opts.SkipPublish = true
	}

	batch, err := h.components.Log.Execute(c.Request().Context(), dataflowID, req.OpID, cmds, opts)
	if err != nil {
		return workflowError(err)
	}

	return c.JSON(http.StatusOK, map[string]any{
		"op_id":        batch.OpID,
		"changes_made": batch.ChangesMade,
	})
}

// SubmitCommit persists a deferred command batch
// POST /api/v1/dataflows/:id/commits
func (h *WorkflowHandler) SubmitCommit(c echo.Context) error {
	dataflowID, err := parseID(c)
	if err != nil {
		return err
	}

	var req commandBatchRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}

	cmds, err := decodeCommands(req.Commands)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}

	commitID, err := h.components.Log.Submit(c.Request().Context(), dataflowID, req.OpID, cmds)
	if err != nil {
		return workflowError(err)
	}

	return c.JSON(http.StatusCreated, map[string]any{
		"commit_id": commitID,
	})
}

// PendingCommits lists commits not yet applied to the workflow
// GET /api/v1/dataflows/:id/commits/pending
func (h *WorkflowHandler) PendingCommits(c echo.Context) error {
	dataflowID, err := parseID(c)
	if err != nil {
		return err
	}

	commitIDs, err := h.components.Log.PendingCommits(c.Request().Context(), dataflowID)
	if err != nil {
		return workflowError(err)
	}
	if commitIDs == nil {
		commitIDs = []uuid.UUID{}
	}

	return c.JSON(http.StatusOK, map[string]any{
		"commit_ids": commitIDs,
	})
}

// ListNodes returns the workflow's nodes
// GET /api/v1/dataflows/:id/nodes?status=pending
func (h *WorkflowHandler) ListNodes(c echo.Context) error {
	dataflowID, err := parseID(c)
	if err != nil {
		return err
	}

	nodes := reader.NewNodes(h.components.Store, dataflowID).WithConfig().WithMetadata()
	if status := c.QueryParam("status"); status != "" {
		nodes = nodes.Statuses(models.NodeStatus(status))
	}

	result, err := nodes.All(c.Request().Context())
	if err != nil {
		return workflowError(err)
	}

	return c.JSON(http.StatusOK, map[string]any{
		"nodes": result,
	})
}

// ListData returns the workflow's data records
// GET /api/v1/dataflows/:id/data?type=node_result&key=out
func (h *WorkflowHandler) ListData(c echo.Context) error {
	dataflowID, err := parseID(c)
	if err != nil {
		return err
	}

	data := reader.NewData(h.components.Store, dataflowID).WithContent().WithMetadata()
	if dataType := c.QueryParam("type"); dataType != "" {
		data = data.Types(models.DataType(dataType))
	}
	if key := c.QueryParam("key"); key != "" {
		data = data.Keys(key)
	}
	if c.QueryParam("resolve") == "true" {
		data = data.ReplaceReferences()
	}

	result, err := data.All(c.Request().Context())
	if err != nil {
		return workflowError(err)
	}

	return c.JSON(http.StatusOK, map[string]any{
		"data": result,
	})
}

func parseID(c echo.Context) (uuid.UUID, error) {
	dataflowID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return uuid.Nil, echo.NewHTTPError(http.StatusBadRequest, "invalid dataflow id")
	}
	return dataflowID, nil
}

func decodeCommands(raw []json.RawMessage) ([]models.Command, error) {
	cmds := make([]models.Command, 0, len(raw))
	for _, msg := range raw {
		var cmd models.Command
		if err := json.Unmarshal(msg, &cmd); err != nil {
			return nil, err
		}
		cmds = append(cmds, cmd)
	}
	return cmds, nil
}

// workflowError maps engine errors onto HTTP statuses
func workflowError(err error) error {
	msg := err.Error()
	switch {
	case msg == "Workflow not found" || msg == "Commit not found":
		return echo.NewHTTPError(http.StatusNotFound, msg)
	case msg == "Commands array cannot be empty":
		return echo.NewHTTPError(http.StatusBadRequest, msg)
	case strings.Contains(msg, "cannot be cancelled in current state") ||
		strings.Contains(msg, "cannot be terminated in current state") ||
		strings.Contains(msg, "already finished"):
		return echo.NewHTTPError(http.StatusConflict, msg)
	default:
		return echo.NewHTTPError(http.StatusInternalServerError, msg)
	}
}
