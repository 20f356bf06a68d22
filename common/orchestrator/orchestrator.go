// Package orchestrator runs one driver process per active workflow. The
// driver owns the workflow's mailbox, applies submitted commits, dispatches
// ready nodes to function workers, and decides the terminal status.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lyzr/dataflow/common/commit"
	"github.com/lyzr/dataflow/common/condition"
	"github.com/lyzr/dataflow/common/config"
	"github.com/lyzr/dataflow/common/functions"
	"github.com/lyzr/dataflow/common/logger"
	"github.com/lyzr/dataflow/common/models"
	"github.com/lyzr/dataflow/common/process"
	"github.com/lyzr/dataflow/common/reader"
	"github.com/lyzr/dataflow/common/sdk"
	"github.com/lyzr/dataflow/common/store"
)

// Orchestrator starts and controls workflow driver processes
type Orchestrator struct {
	log       *commit.Log
	registry  *process.Registry
	functions *functions.Registry
	evaluator *condition.Evaluator
	logger    *logger.Logger
	cfg       config.EngineConfig
}

// Opts configures an Orchestrator
type Opts struct {
	Log       *commit.Log
	Registry  *process.Registry
	Functions *functions.Registry
	Logger    *logger.Logger
	Engine    config.EngineConfig
}

// New creates an orchestrator
func New(opts Opts) *Orchestrator {
	return &Orchestrator{
		log:       opts.Log,
		registry:  opts.Registry,
		functions: opts.Functions,
		evaluator: condition.NewEvaluator(),
		logger:    opts.Logger,
		cfg:       opts.Engine,
	}
}

// Start spawns the workflow's driver process. Starting an already running
// workflow is a no-op; the mailbox name keeps drivers mutually exclusive.
func (o *Orchestrator) Start(ctx context.Context, dataflowID uuid.UUID) error {
	wf, err := o.log.Store().GetWorkflow(ctx, dataflowID)
	if errors.Is(err, store.ErrNotFound) {
		return errors.New("Workflow not found")
	}
	if err != nil {
		return err
	}
	if wf.Status.IsTerminal() {
		return fmt.Errorf("workflow already finished: %s", wf.Status)
	}

	name := process.DataflowName(dataflowID)
	_, err = o.registry.Spawn(name, func(ctx context.Context, mb *process.Mailbox) {
		d := newDriver(o, dataflowID, mb)
		d.run(ctx)
	})
	if err != nil {
		// Driver already running
		o.logger.Debug("driver already running", "dataflow_id", dataflowID)
		return nil
	}

	o.logger.Info("workflow driver started", "dataflow_id", dataflowID)
	return nil
}

// Cancel requests cooperative cancellation. With a running driver the
// cancel is delivered as a message carrying the per-call drain timeout
// (zero means the configured cancel deadline); otherwise the workflow is
// marked cancelled directly.
func (o *Orchestrator) Cancel(ctx context.Context, dataflowID uuid.UUID, timeout time.Duration) error {
	wf, err := o.log.Store().GetWorkflow(ctx, dataflowID)
	if errors.Is(err, store.ErrNotFound) {
		return errors.New("Workflow not found")
	}
	if err != nil {
		return err
	}
	if wf.Status.IsTerminal() {
		return fmt.Errorf("cannot be cancelled in current state: %s", wf.Status)
	}

	name := process.DataflowName(dataflowID)
	if o.registry.Lookup(name) != nil && o.registry.Send(name, process.TopicCancel, timeout) {
		return nil
	}

	return o.settle(ctx, dataflowID, models.WorkflowStatusCancelled, nil)
}

// Terminate hard-stops the workflow: the driver is killed without draining
// and every non-terminal node is marked cancelled.
func (o *Orchestrator) Terminate(ctx context.Context, dataflowID uuid.UUID) error {
	wf, err := o.log.Store().GetWorkflow(ctx, dataflowID)
	if errors.Is(err, store.ErrNotFound) {
		return errors.New("Workflow not found")
	}
	if err != nil {
		return err
	}
	if wf.Status.IsTerminal() {
		return fmt.Errorf("cannot be terminated in current state: %s", wf.Status)
	}

	if proc := o.registry.Lookup(process.DataflowName(dataflowID)); proc != nil {
		if _, err := proc.Terminate(); err != nil {
			return err
		}
	}

	return o.settle(ctx, dataflowID, models.WorkflowStatusTerminated, nil)
}

// settle marks every non-terminal node cancelled and sets the workflow's
// terminal status in one batch
func (o *Orchestrator) settle(ctx context.Context, dataflowID uuid.UUID, status models.WorkflowStatus, metadata models.Metadata) error {
	nodes, err := reader.NewNodes(o.log.Store(), dataflowID).
		StatusesExcluded(models.NodeStatusCompleted, models.NodeStatusFailed, models.NodeStatusCancelled).
		All(ctx)
	if err != nil {
		return err
	}

	var cmds []models.Command
	cancelled := models.NodeStatusCancelled
	for _, node := range nodes {
		nodeID := node.NodeID
		cmds = append(cmds, models.Command{
			Type:       models.CommandUpdateNode,
			UpdateNode: &models.UpdateNodePayload{NodeID: nodeID, Status: &cancelled},
		})
	}
	cmds = append(cmds, models.Command{
		Type:           models.CommandUpdateWorkflow,
		UpdateWorkflow: &models.UpdateWorkflowPayload{Status: &status, Metadata: metadata},
	})

	_, err = o.log.Execute(ctx, dataflowID, "settle:"+string(status), cmds, commit.ExecuteOpts{})
	return err
}

// runNode executes one node function to a terminal status. It always
// reports node_done to the driver, whichever way the function ends.
func (o *Orchestrator) runNode(ctx context.Context, dataflowID uuid.UUID, node *models.Node) {
	rt := sdk.NewRuntime(sdk.Opts{
		Log:        o.log,
		Registry:   o.registry,
		Evaluator:  o.evaluator,
		Logger:     o.logger,
		DataflowID: dataflowID,
		Node:       node,
	})

	if node.Config.FuncID == "" {
		o.failNode(ctx, rt, &sdk.FuncError{Code: "FUNCTION_NOT_SPECIFIED", Message: "Function ID not specified"})
		return
	}

	fn, err := o.functions.Get(node.Config.FuncID)
	if err != nil {
		o.failNode(ctx, rt, &sdk.FuncError{Code: "FUNCTION_NOT_FOUND", Message: err.Error()})
		return
	}

	execCtx, cancel := context.WithTimeout(ctx, o.cfg.ExecuteTimeout)
	defer cancel()

	output, err := fn.Execute(execCtx, rt)
	switch {
	case err == nil:
		if _, err := rt.Complete(context.WithoutCancel(ctx), output); err != nil {
			o.logger.Error("failed to complete node", "dataflow_id", dataflowID, "node_id", node.NodeID, "error", err)
		}
	case errors.Is(err, context.Canceled):
		o.cancelNode(context.WithoutCancel(ctx), dataflowID, node.NodeID)
	case errors.Is(err, context.DeadlineExceeded):
		o.failNode(ctx, rt, &sdk.FuncError{Code: "FUNCTION_TIMEOUT", Message: "function execution timed out"})
	default:
		o.failNode(ctx, rt, err)
	}
}

func (o *Orchestrator) failNode(ctx context.Context, rt *sdk.Runtime, failure error) {
	if _, err := rt.Fail(context.WithoutCancel(ctx), failure); err != nil {
		o.logger.Error("failed to fail node", "dataflow_id", rt.DataflowID(), "node_id", rt.Node().NodeID, "error", err)
	}
}

func (o *Orchestrator) cancelNode(ctx context.Context, dataflowID, nodeID uuid.UUID) {
	cancelled := models.NodeStatusCancelled
	cmd := models.Command{
		Type:       models.CommandUpdateNode,
		UpdateNode: &models.UpdateNodePayload{NodeID: nodeID, Status: &cancelled},
	}
	if _, err := o.log.Execute(ctx, dataflowID, "node_cancel:"+nodeID.String(), []models.Command{cmd}, commit.ExecuteOpts{}); err != nil {
		o.logger.Error("failed to cancel node", "dataflow_id", dataflowID, "node_id", nodeID, "error", err)
	}
	o.registry.Send(process.DataflowName(dataflowID), process.TopicNodeDone, sdk.NodeDone{NodeID: nodeID, Status: models.NodeStatusCancelled})
}
