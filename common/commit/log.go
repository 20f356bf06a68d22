// Package commit is the write entrypoint of the engine. Immediate batches
// go through Execute; deferred batches are persisted via Submit and applied
// later by the workflow's driver through APPLY_COMMIT.
package commit

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lyzr/dataflow/common/logger"
	"github.com/lyzr/dataflow/common/models"
	"github.com/lyzr/dataflow/common/ops"
	"github.com/lyzr/dataflow/common/process"
	"github.com/lyzr/dataflow/common/store"
)

// Log coordinates command execution, commit persistence, and event
// publication
type Log struct {
	store     store.Store
	engine    *ops.Engine
	registry  *process.Registry
	publisher Publisher
	log       *logger.Logger
}

// Opts configures a Log
type Opts struct {
	Store    store.Store
	Registry *process.Registry

	// Publisher is optional; nil disables event publication
	Publisher Publisher

	Logger *logger.Logger
}

// New creates a commit log
func New(opts Opts) *Log {
	return &Log{
		store:     opts.Store,
		engine:    ops.NewEngine(opts.Logger),
		registry:  opts.Registry,
		publisher: opts.Publisher,
		log:       opts.Logger,
	}
}

// ExecuteOpts tunes a single Execute call
type ExecuteOpts struct {
	// SkipPublish suppresses state-change events for this batch
	SkipPublish bool
}

// Execute runs the batch atomically and publishes state-change events for
// the rows it touched
func (l *Log) Execute(ctx context.Context, dataflowID uuid.UUID, opID string, commands []models.Command, opts ExecuteOpts) (*ops.BatchResult, error) {
	if len(commands) == 0 {
		return nil, errors.New("Commands array cannot be empty")
	}

	var batch *ops.BatchResult
	err := l.store.InTx(ctx, func(ctx context.Context, tx store.Tx) error {
		var applyErr error
		batch, applyErr = l.engine.Apply(ctx, tx, dataflowID, opID, commands)
		return applyErr
	})
	if err != nil {
		return nil, err
	}

	if batch.ChangesMade && !opts.SkipPublish {
		l.publishEvents(ctx, dataflowID, batch)
	}

	return batch, nil
}

// Submit persists the batch as a commit and notifies the workflow's driver.
// Nothing is applied until the driver expands the commit via APPLY_COMMIT.
func (l *Log) Submit(ctx context.Context, dataflowID uuid.UUID, opID string, commands []models.Command) (uuid.UUID, error) {
	if len(commands) == 0 {
		return uuid.Nil, errors.New("Commands array cannot be empty")
	}

	commitID, err := uuid.NewV7()
	if err != nil {
		return uuid.Nil, fmt.Errorf("failed to generate commit id: %w", err)
	}

	commit := &models.Commit{
		CommitID:   commitID,
		DataflowID: dataflowID,
		Payload: models.CommitPayload{
			OpID:     opID,
			Commands: commands,
		},
		CreatedAt: time.Now().UTC(),
	}

	err = l.store.InTx(ctx, func(ctx context.Context, tx store.Tx) error {
		if _, err := tx.GetWorkflow(ctx, dataflowID); errors.Is(err, store.ErrNotFound) {
			return errors.New("Workflow not found")
		} else if err != nil {
			return err
		}
		return tx.InsertCommit(ctx, commit)
	})
	if err != nil {
		return uuid.Nil, err
	}

	// Nudge the driver if one is running; pending commits are also drained
	// on driver startup, so a missed send is not a loss.
	l.registry.Send(process.DataflowName(dataflowID), process.TopicCommit, commitID)

	return commitID, nil
}

// PendingCommits returns commit ids newer than the workflow's
// last_commit_id, oldest first
func (l *Log) PendingCommits(ctx context.Context, dataflowID uuid.UUID) ([]uuid.UUID, error) {
	return l.store.PendingCommits(ctx, dataflowID)
}

// Store exposes the underlying store for read paths
func (l *Log) Store() store.Store {
	return l.store
}

// publishEvents derives events from the batch per the publish contract:
// one event per node write, and a single workflow event only when the
// batch touched the workflow row without touching any node.
func (l *Log) publishEvents(ctx context.Context, dataflowID uuid.UUID, batch *ops.BatchResult) {
	if l.publisher == nil {
		return
	}

	wf, err := l.store.GetWorkflow(ctx, dataflowID)
	if err != nil {
		// Workflow deleted by this very batch, or gone; nobody to notify
		return
	}

	channel := process.UserName(wf.ActorID)
	topic := process.EventTopic(dataflowID)

	nodeEvents := 0
	for _, result := range batch.Results {
		if !result.ChangesMade || result.Node == nil {
			continue
		}
		var op string
		switch result.Type {
		case models.CommandCreateNode:
			op = "create"
		case models.CommandUpdateNode:
			op = "update"
		case models.CommandDeleteNode:
			op = "delete"
		default:
			continue
		}

		event := NodeEvent{
			NodeID:       result.Node.NodeID,
			ParentNodeID: result.Node.ParentNodeID,
			Op:           op,
			Type:         result.Node.Type,
			Status:       result.Node.Status,
			Metadata:     result.Node.Metadata,
			Deleted:      result.Deleted,
			UpdatedAt:    result.Node.UpdatedAt,
		}
		if err := l.publisher.Publish(ctx, channel, topic, event); err != nil {
			l.log.Warn("failed to publish node event", "dataflow_id", dataflowID, "node_id", result.Node.NodeID, "error", err)
		}
		nodeEvents++
	}

	if nodeEvents == 0 && batch.HasWorkflowOps() {
		event := WorkflowEvent{DataflowID: dataflowID, UpdatedAt: wf.UpdatedAt}
		if err := l.publisher.Publish(ctx, channel, topic, event); err != nil {
			l.log.Warn("failed to publish workflow event", "dataflow_id", dataflowID, "error", err)
		}
	}
}
