package orchestrator

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/lyzr/dataflow/common/commit"
	"github.com/lyzr/dataflow/common/models"
	"github.com/lyzr/dataflow/common/process"
	"github.com/lyzr/dataflow/common/reader"
	"github.com/lyzr/dataflow/common/sdk"
)

type exitReason int

const (
	// scopeDone: no dispatchable or running work left in the scope
	scopeDone exitReason = iota
	// exitCancelled: a cancel message arrived
	exitCancelled
	// exitKilled: the driver's context was cancelled externally
	exitKilled
)

// driver is the per-workflow event loop. It is single-goroutine: all state
// transitions funnel through its mailbox.
type driver struct {
	o          *Orchestrator
	dataflowID uuid.UUID
	mb         *process.Mailbox

	// nodes with a live worker goroutine
	inflight map[uuid.UUID]bool

	// per-call drain deadline from the cancel message; zero falls back to
	// the configured cancel deadline
	cancelTimeout time.Duration

	workCtx    context.Context
	workCancel context.CancelFunc
}

func newDriver(o *Orchestrator, dataflowID uuid.UUID, mb *process.Mailbox) *driver {
	return &driver{
		o:          o,
		dataflowID: dataflowID,
		mb:         mb,
		inflight:   make(map[uuid.UUID]bool),
	}
}

func (d *driver) run(ctx context.Context) {
	d.workCtx, d.workCancel = context.WithCancel(context.Background())
	defer d.workCancel()

	// Terminal writes must survive driver shutdown
	base := context.WithoutCancel(ctx)

	if err := d.begin(ctx); err != nil {
		d.o.logger.Error("driver failed to start", "dataflow_id", d.dataflowID, "error", err)
		return
	}

	switch d.loop(ctx, uuid.Nil) {
	case scopeDone:
		d.finish(base)
	case exitCancelled:
		d.cancelAndSettle(base)
	case exitKilled:
		// Killed by Terminate; the terminator writes the final statuses
	}
}

// begin transitions a pending workflow to running and drains commits
// submitted before the driver existed
func (d *driver) begin(ctx context.Context) error {
	wf, err := d.o.log.Store().GetWorkflow(ctx, d.dataflowID)
	if err != nil {
		return err
	}

	if wf.Status == models.WorkflowStatusPending {
		running := models.WorkflowStatusRunning
		cmd := models.Command{
			Type:           models.CommandUpdateWorkflow,
			UpdateWorkflow: &models.UpdateWorkflowPayload{Status: &running},
		}
		if _, err := d.o.log.Execute(ctx, d.dataflowID, "workflow_start", []models.Command{cmd}, commit.ExecuteOpts{}); err != nil {
			return err
		}
	}

	_, err = d.applyPending(ctx)
	return err
}

// applyPending applies every unapplied commit in commit-id order and
// reports whether anything was applied
func (d *driver) applyPending(ctx context.Context) (bool, error) {
	commitIDs, err := d.o.log.PendingCommits(ctx, d.dataflowID)
	if err != nil {
		return false, err
	}

	for _, commitID := range commitIDs {
		cmd := models.Command{
			Type:        models.CommandApplyCommit,
			ApplyCommit: &models.ApplyCommitPayload{CommitID: commitID},
		}
		if _, err := d.o.log.Execute(ctx, d.dataflowID, "apply_commit:"+commitID.String(), []models.Command{cmd}, commit.ExecuteOpts{}); err != nil {
			d.o.logger.Error("failed to apply commit", "dataflow_id", d.dataflowID, "commit_id", commitID, "error", err)
			return false, err
		}
	}

	return len(commitIDs) > 0, nil
}

// loop dispatches ready nodes and consumes mailbox messages until the
// scope has no runnable work left. A zero scope covers the whole workflow;
// otherwise only descendants of the scope node are dispatched, which is
// what restricts execution during a yield rendezvous.
func (d *driver) loop(ctx context.Context, scope uuid.UUID) exitReason {
	for {
		dispatched, busy, err := d.dispatch(ctx, scope)
		if err != nil {
			d.o.logger.Error("dispatch failed", "dataflow_id", d.dataflowID, "error", err)
		}

		if !dispatched && !busy {
			// Close the submit/notify race before declaring the scope done
			applied, err := d.applyPending(ctx)
			if err == nil && applied {
				continue
			}
			if d.scopeIdle(ctx, scope) {
				return scopeDone
			}
		}

		pollCtx, cancel := context.WithTimeout(ctx, d.o.cfg.DispatchPoll)
		msg, ok := d.mb.Receive(pollCtx)
		cancel()

		if !ok {
			if ctx.Err() != nil {
				return exitKilled
			}
			continue
		}

		switch msg.Topic {
		case process.TopicCommit:
			if _, err := d.applyPending(ctx); err != nil {
				d.o.logger.Error("failed to apply submitted commit", "dataflow_id", d.dataflowID, "error", err)
			}
		case process.TopicNodeDone:
			if done, ok := msg.Payload.(sdk.NodeDone); ok {
				delete(d.inflight, done.NodeID)
			}
		case process.TopicYieldRequest:
			req, ok := msg.Payload.(sdk.YieldRequest)
			if !ok {
				continue
			}
			if reason := d.handleYield(ctx, req); reason != scopeDone {
				return reason
			}
		case process.TopicCancel:
			if timeout, ok := msg.Payload.(time.Duration); ok {
				d.cancelTimeout = timeout
			}
			return exitCancelled
		}
	}
}

// dispatch marks every ready node running and hands each to a worker.
// Returns whether anything was dispatched and whether the scope still has
// live workers.
func (d *driver) dispatch(ctx context.Context, scope uuid.UUID) (bool, bool, error) {
	nodes, err := reader.NewNodes(d.o.log.Store(), d.dataflowID).
		WithConfig().
		WithMetadata().
		All(ctx)
	if err != nil {
		return false, d.inflightCount() > 0, err
	}

	var members map[uuid.UUID]bool
	if scope != uuid.Nil {
		members = descendants(nodes, scope)
	}

	inputKeys, err := d.inputKeys(ctx)
	if err != nil {
		return false, d.scopeBusy(nodes, members), err
	}

	var ready []*models.Node
	for _, node := range nodes {
		if node.Status != models.NodeStatusPending {
			continue
		}
		if members != nil && !members[node.NodeID] {
			continue
		}
		if d.inflight[node.NodeID] {
			continue
		}
		if !isReady(node, inputKeys[node.NodeID]) {
			continue
		}
		ready = append(ready, node)
	}

	busy := d.scopeBusy(nodes, members)
	if len(ready) == 0 {
		return false, busy, nil
	}

	running := models.NodeStatusRunning
	cmds := make([]models.Command, 0, len(ready))
	for _, node := range ready {
		nodeID := node.NodeID
		cmds = append(cmds, models.Command{
			Type:       models.CommandUpdateNode,
			UpdateNode: &models.UpdateNodePayload{NodeID: nodeID, Status: &running},
		})
	}
	if _, err := d.o.log.Execute(ctx, d.dataflowID, "dispatch", cmds, commit.ExecuteOpts{}); err != nil {
		return false, busy, err
	}

	for _, node := range ready {
		node.Status = models.NodeStatusRunning
		d.inflight[node.NodeID] = true
		go d.o.runNode(d.workCtx, d.dataflowID, node)
	}

	return true, true, nil
}

// scopeBusy reports whether any in-scope node still has a live worker
func (d *driver) scopeBusy(nodes []*models.Node, members map[uuid.UUID]bool) bool {
	for nodeID := range d.inflight {
		if members == nil || members[nodeID] {
			return true
		}
	}
	return false
}

// scopeIdle reports whether the scope has no runnable or waiting work
// left: no live worker, and no node still pending or running. A starved
// pending node keeps the driver parked on its mailbox so a later commit
// can still deliver its inputs.
func (d *driver) scopeIdle(ctx context.Context, scope uuid.UUID) bool {
	nodes, err := reader.NewNodes(d.o.log.Store(), d.dataflowID).All(ctx)
	if err != nil {
		return false
	}

	var members map[uuid.UUID]bool
	if scope != uuid.Nil {
		members = descendants(nodes, scope)
	}
	if d.scopeBusy(nodes, members) {
		return false
	}

	for _, node := range nodes {
		if members != nil && !members[node.NodeID] {
			continue
		}
		if node.Status == models.NodeStatusPending || node.Status == models.NodeStatusRunning {
			return false
		}
	}
	return true
}

func (d *driver) inflightCount() int {
	return len(d.inflight)
}

// inputKeys returns the set of node_input keys present per node
func (d *driver) inputKeys(ctx context.Context) (map[uuid.UUID][]string, error) {
	records, err := reader.NewData(d.o.log.Store(), d.dataflowID).
		Types(models.DataTypeNodeInput).
		All(ctx)
	if err != nil {
		return nil, err
	}

	keys := make(map[uuid.UUID][]string)
	for _, rec := range records {
		if rec.NodeID == nil {
			continue
		}
		keys[*rec.NodeID] = append(keys[*rec.NodeID], rec.Key)
	}
	return keys, nil
}

// isReady checks the node's input contract: with a declared spec every
// required key must be present; without one, any input makes it ready.
func isReady(node *models.Node, keys []string) bool {
	if node.Config.Inputs != nil {
		for _, required := range node.Config.Inputs.Required {
			if !containsKey(keys, required) {
				return false
			}
		}
		return true
	}
	return len(keys) > 0
}

func containsKey(keys []string, key string) bool {
	for _, k := range keys {
		if k == key {
			return true
		}
	}
	return false
}

// descendants returns the transitive children of root
func descendants(nodes []*models.Node, root uuid.UUID) map[uuid.UUID]bool {
	children := make(map[uuid.UUID][]uuid.UUID)
	for _, node := range nodes {
		if node.ParentNodeID != nil {
			children[*node.ParentNodeID] = append(children[*node.ParentNodeID], node.NodeID)
		}
	}

	members := make(map[uuid.UUID]bool)
	frontier := []uuid.UUID{root}
	for len(frontier) > 0 {
		parent := frontier[0]
		frontier = frontier[1:]
		for _, child := range children[parent] {
			if !members[child] {
				members[child] = true
				frontier = append(frontier, child)
			}
		}
	}
	return members
}

// handleYield runs an inner loop restricted to the yielding node's subtree,
// then replies with the subtree's results
func (d *driver) handleYield(ctx context.Context, req sdk.YieldRequest) exitReason {
	d.o.logger.Debug("yield received", "dataflow_id", d.dataflowID, "node_id", req.NodeID)

	if reason := d.loop(ctx, req.NodeID); reason != scopeDone {
		return reason
	}

	reply, err := d.collectScopeResults(ctx, req.NodeID)
	if err != nil {
		d.o.logger.Error("failed to collect yield results", "dataflow_id", d.dataflowID, "node_id", req.NodeID, "error", err)
	}

	d.o.registry.Send(req.ReplyTo, "yield_reply", reply)
	return scopeDone
}

// collectScopeResults gathers the successful results of the subtree, keyed
// by node id
func (d *driver) collectScopeResults(ctx context.Context, root uuid.UUID) (map[string]any, error) {
	nodes, err := reader.NewNodes(d.o.log.Store(), d.dataflowID).All(ctx)
	if err != nil {
		return nil, err
	}

	members := descendants(nodes, root)
	ids := make([]uuid.UUID, 0, len(members))
	for nodeID := range members {
		ids = append(ids, nodeID)
	}
	if len(ids) == 0 {
		return map[string]any{}, nil
	}

	records, err := reader.NewData(d.o.log.Store(), d.dataflowID).
		NodeIDs(ids...).
		Types(models.DataTypeNodeResult).
		Discriminators(models.DiscriminatorResultSuccess).
		WithContent().
		All(ctx)
	if err != nil {
		return nil, err
	}

	results := make(map[string]any, len(records))
	for _, rec := range records {
		if rec.NodeID == nil {
			continue
		}
		value, err := rec.DecodeContent()
		if err != nil {
			return nil, err
		}
		results[rec.NodeID.String()] = value
	}
	return results, nil
}

// cancelAndSettle interrupts live workers, waits for them to report within
// the cancel deadline, then settles the workflow as cancelled
func (d *driver) cancelAndSettle(ctx context.Context) {
	d.workCancel()

	drain := d.o.cfg.CancelDeadline
	if d.cancelTimeout > 0 {
		drain = d.cancelTimeout
	}
	deadline := time.Now().Add(drain)
	for len(d.inflight) > 0 && time.Now().Before(deadline) {
		waitCtx, cancel := context.WithDeadline(ctx, deadline)
		msg, ok := d.mb.Receive(waitCtx)
		cancel()
		if !ok {
			break
		}
		if msg.Topic == process.TopicNodeDone {
			if done, ok := msg.Payload.(sdk.NodeDone); ok {
				delete(d.inflight, done.NodeID)
			}
		}
	}

	if err := d.o.settle(ctx, d.dataflowID, models.WorkflowStatusCancelled, nil); err != nil {
		d.o.logger.Error("failed to settle cancelled workflow", "dataflow_id", d.dataflowID, "error", err)
	}
	d.o.logger.Info("workflow cancelled", "dataflow_id", d.dataflowID)
}

// finish decides the workflow's terminal status: failure when any failed
// node has no error route, success when at least one workflow_output
// exists, failure otherwise.
func (d *driver) finish(ctx context.Context) {
	nodes, err := reader.NewNodes(d.o.log.Store(), d.dataflowID).
		WithConfig().
		All(ctx)
	if err != nil {
		d.o.logger.Error("failed to load nodes for termination", "dataflow_id", d.dataflowID, "error", err)
		return
	}

	var unhandled *models.Node
	for _, node := range nodes {
		if node.Status == models.NodeStatusFailed && len(node.Config.ErrorTargets) == 0 {
			unhandled = node
			break
		}
	}

	var status models.WorkflowStatus
	var metadata models.Metadata

	switch {
	case unhandled != nil:
		status = models.WorkflowStatusCompletedFailure
		metadata = models.Metadata{"error": d.failureMessage(ctx, unhandled.NodeID)}
	default:
		outputs, err := reader.NewData(d.o.log.Store(), d.dataflowID).
			Types(models.DataTypeWorkflowOutput).
			Count(ctx)
		if err != nil {
			d.o.logger.Error("failed to count outputs", "dataflow_id", d.dataflowID, "error", err)
			return
		}
		if outputs > 0 {
			status = models.WorkflowStatusCompletedSuccess
		} else {
			status = models.WorkflowStatusCompletedFailure
			metadata = models.Metadata{"error": "Workflow completed without producing output"}
		}
	}

	cmd := models.Command{
		Type:           models.CommandUpdateWorkflow,
		UpdateWorkflow: &models.UpdateWorkflowPayload{Status: &status, Metadata: metadata},
	}
	if _, err := d.o.log.Execute(ctx, d.dataflowID, "workflow_finish", []models.Command{cmd}, commit.ExecuteOpts{}); err != nil {
		// Lost the race against an external cancel or terminate
		d.o.logger.Warn("failed to finish workflow", "dataflow_id", d.dataflowID, "error", err)
		return
	}

	d.o.logger.Info("workflow finished", "dataflow_id", d.dataflowID, "status", status)
}

// failureMessage extracts the error message from the failed node's result
func (d *driver) failureMessage(ctx context.Context, nodeID uuid.UUID) string {
	rec, err := reader.NewData(d.o.log.Store(), d.dataflowID).
		NodeIDs(nodeID).
		Types(models.DataTypeNodeResult).
		Discriminators(models.DiscriminatorResultError).
		WithContent().
		One(ctx)
	if err != nil {
		return "node execution failed"
	}

	content, err := rec.DecodeContent()
	if err != nil {
		return "node execution failed"
	}
	if m, ok := content.(map[string]any); ok {
		if msg, ok := m["message"].(string); ok && msg != "" {
			return msg
		}
	}
	return "node execution failed"
}
