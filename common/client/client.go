// Package client is the embedding-facing facade of the engine: create,
// start, run-to-completion, inspect, and stop workflows.
package client

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lyzr/dataflow/common/commit"
	"github.com/lyzr/dataflow/common/logger"
	"github.com/lyzr/dataflow/common/models"
	"github.com/lyzr/dataflow/common/orchestrator"
	"github.com/lyzr/dataflow/common/reader"
)

// Client drives workflows end to end
type Client struct {
	log    *commit.Log
	orch   *orchestrator.Orchestrator
	logger *logger.Logger

	// terminal-status poll interval for Execute
	pollInterval time.Duration
}

// Opts configures a Client
type Opts struct {
	Log          *commit.Log
	Orchestrator *orchestrator.Orchestrator
	Logger       *logger.Logger
	PollInterval time.Duration
}

// New creates a client
func New(opts Opts) *Client {
	pollInterval := opts.PollInterval
	if pollInterval <= 0 {
		pollInterval = 25 * time.Millisecond
	}
	return &Client{
		log:          opts.Log,
		orch:         opts.Orchestrator,
		logger:       opts.Logger,
		pollInterval: pollInterval,
	}
}

// CreateWorkflowRequest describes a new workflow. Input, when set, is
// stored as a workflow_input record; Commands carries the node graph and
// any seed data, executed in the same batch as the workflow row.
type CreateWorkflowRequest struct {
	ActorID  string
	Type     string
	Metadata models.Metadata
	Input    any
	Commands []models.Command
}

// CreateWorkflow creates the workflow row, its input, and its initial graph
// atomically
func (c *Client) CreateWorkflow(ctx context.Context, req CreateWorkflowRequest) (uuid.UUID, error) {
	dataflowID := uuid.New()

	cmds := []models.Command{{
		Type: models.CommandCreateWorkflow,
		CreateWorkflow: &models.CreateWorkflowPayload{
			DataflowID: &dataflowID,
			ActorID:    req.ActorID,
			Type:       req.Type,
			Metadata:   req.Metadata,
		},
	}}
	if req.Input != nil {
		cmds = append(cmds, models.Command{
			Type: models.CommandCreateData,
			CreateData: &models.CreateDataPayload{
				Type:    models.DataTypeWorkflowInput,
				Content: req.Input,
			},
		})
	}
	cmds = append(cmds, req.Commands...)

	if _, err := c.log.Execute(ctx, dataflowID, "workflow_create", cmds, commit.ExecuteOpts{}); err != nil {
		return uuid.Nil, err
	}

	c.logger.Info("workflow created", "dataflow_id", dataflowID, "actor_id", req.ActorID)
	return dataflowID, nil
}

// Start launches the workflow's driver without waiting for it
func (c *Client) Start(ctx context.Context, dataflowID uuid.UUID) error {
	return c.orch.Start(ctx, dataflowID)
}

// Execute starts the workflow and blocks until it reaches a terminal
// status, returning the workflow output on success
func (c *Client) Execute(ctx context.Context, dataflowID uuid.UUID) (any, error) {
	if err := c.orch.Start(ctx, dataflowID); err != nil {
		return nil, err
	}

	ticker := time.NewTicker(c.pollInterval)
	defer ticker.Stop()

	for {
		status, err := c.GetStatus(ctx, dataflowID)
		if err != nil {
			return nil, err
		}

		switch status {
		case models.WorkflowStatusCompletedSuccess:
			return c.Output(ctx, dataflowID)
		case models.WorkflowStatusCompletedFailure:
			return nil, c.failureError(ctx, dataflowID)
		case models.WorkflowStatusCancelled, models.WorkflowStatusTerminated:
			return nil, fmt.Errorf("workflow %s", status)
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

// Output assembles the workflow's output records. A single root record
// (empty key) is returned directly; otherwise outputs are keyed by record
// key, with root records under the empty-string key.
func (c *Client) Output(ctx context.Context, dataflowID uuid.UUID) (any, error) {
	records, err := reader.NewData(c.log.Store(), dataflowID).
		Types(models.DataTypeWorkflowOutput).
		WithContent().
		ReplaceReferences().
		All(ctx)
	if err != nil {
		return nil, err
	}

	if len(records) == 0 {
		return nil, errors.New("Workflow completed without producing output")
	}

	if len(records) == 1 && records[0].Key == "" {
		return records[0].DecodeContent()
	}

	output := make(map[string]any, len(records))
	for _, rec := range records {
		value, err := rec.DecodeContent()
		if err != nil {
			return nil, err
		}
		output[rec.Key] = value
	}
	return output, nil
}

// GetStatus returns the workflow's current status
func (c *Client) GetStatus(ctx context.Context, dataflowID uuid.UUID) (models.WorkflowStatus, error) {
	return reader.NewDataflowRepo(c.log.Store()).Status(ctx, dataflowID)
}

// Cancel requests cooperative cancellation and returns a confirmation
// message. The timeout bounds how long running workers may drain before
// they are settled as cancelled; zero uses the configured cancel deadline.
// Terminal workflows cannot be cancelled.
func (c *Client) Cancel(ctx context.Context, dataflowID uuid.UUID, timeout time.Duration) (string, error) {
	if err := c.orch.Cancel(ctx, dataflowID, timeout); err != nil {
		return "", err
	}
	return "Cancel signal sent", nil
}

// Terminate hard-stops the workflow
func (c *Client) Terminate(ctx context.Context, dataflowID uuid.UUID) error {
	return c.orch.Terminate(ctx, dataflowID)
}

// failureError surfaces the failure reason recorded at termination
func (c *Client) failureError(ctx context.Context, dataflowID uuid.UUID) error {
	wf, err := reader.NewDataflowRepo(c.log.Store()).Get(ctx, dataflowID)
	if err != nil {
		return err
	}
	if msg, ok := wf.Metadata["error"].(string); ok && msg != "" {
		return errors.New(msg)
	}
	return errors.New("workflow failed")
}
