// Package ops executes mutation commands inside a storage transaction.
// A batch is atomic: the first failing command aborts the whole batch.
package ops

import (
	"context"
	"errors"
	"fmt"
	"time"

	jsonpatch "github.com/evanphx/json-patch/v5"
	"github.com/google/uuid"
	"github.com/lyzr/dataflow/common/logger"
	"github.com/lyzr/dataflow/common/models"
	"github.com/lyzr/dataflow/common/store"
)

// ErrCommitNotFound is surfaced when APPLY_COMMIT names an unknown commit
var ErrCommitNotFound = errors.New("Commit not found")

// Engine validates and executes command batches
type Engine struct {
	log *logger.Logger
}

// NewEngine creates a command engine
func NewEngine(log *logger.Logger) *Engine {
	return &Engine{log: log}
}

// CommandResult describes the outcome of one executed command
type CommandResult struct {
	Type        models.CommandType
	ChangesMade bool

	// Node snapshot after the write, for node ops (nil for deletes of
	// missing rows)
	Node    *models.Node
	Deleted bool

	// Ids of created rows
	NodeID     *uuid.UUID
	DataID     *uuid.UUID
	DataflowID *uuid.UUID
}

// BatchResult is the structured result of an executed batch
type BatchResult struct {
	OpID        string
	ChangesMade bool
	Results     []CommandResult
}

// HasNodeOps reports whether any command in the batch touched a node row
func (b *BatchResult) HasNodeOps() bool {
	for _, r := range b.Results {
		if r.Type == models.CommandCreateNode || r.Type == models.CommandUpdateNode || r.Type == models.CommandDeleteNode {
			return true
		}
	}
	return false
}

// HasWorkflowOps reports whether any command touched the workflow row
func (b *BatchResult) HasWorkflowOps() bool {
	for _, r := range b.Results {
		if r.Type == models.CommandCreateWorkflow || r.Type == models.CommandUpdateWorkflow || r.Type == models.CommandDeleteWorkflow {
			return true
		}
	}
	return false
}

// Apply executes commands in submission order against the given
// transaction. APPLY_COMMIT commands are expanded inline: the referenced
// commit's commands are inserted after the current position, followed by an
// UPDATE_WORKFLOW advancing last_commit_id.
func (e *Engine) Apply(ctx context.Context, tx store.Tx, dataflowID uuid.UUID, opID string, commands []models.Command) (*BatchResult, error) {
	batch := &BatchResult{OpID: opID}
	queue := append([]models.Command{}, commands...)
	sawCreateWorkflow := false

	for i := 0; i < len(queue); i++ {
		cmd := queue[i]

		if cmd.Type == models.CommandApplyCommit {
			expanded, err := e.expandApplyCommit(ctx, tx, dataflowID, cmd)
			if err != nil {
				return nil, err
			}
			// Splice the commit's commands right after this position
			rest := append([]models.Command{}, queue[i+1:]...)
			queue = append(queue[:i+1], append(expanded, rest...)...)
			batch.Results = append(batch.Results, CommandResult{Type: cmd.Type})
			continue
		}

		if cmd.Type == models.CommandCreateWorkflow {
			sawCreateWorkflow = true
		}

		result, err := e.applyOne(ctx, tx, dataflowID, cmd)
		if err != nil {
			return nil, fmt.Errorf("command %d (%s): %w", i, cmd.Type, err)
		}

		if result.ChangesMade {
			batch.ChangesMade = true
		}
		batch.Results = append(batch.Results, result)
	}

	// Bump the workflow timestamp once per changing batch, unless the
	// batch created the workflow itself.
	if batch.ChangesMade && !sawCreateWorkflow {
		if err := tx.TouchWorkflow(ctx, dataflowID, time.Now().UTC()); err != nil {
			return nil, err
		}
	}

	return batch, nil
}

func (e *Engine) expandApplyCommit(ctx context.Context, tx store.Tx, dataflowID uuid.UUID, cmd models.Command) ([]models.Command, error) {
	if cmd.ApplyCommit == nil {
		return nil, errors.New("missing APPLY_COMMIT payload")
	}

	commit, err := tx.GetCommit(ctx, dataflowID, cmd.ApplyCommit.CommitID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrCommitNotFound
	}
	if err != nil {
		return nil, err
	}

	commitID := commit.CommitID
	advance := models.Command{
		Type:           models.CommandUpdateWorkflow,
		UpdateWorkflow: &models.UpdateWorkflowPayload{LastCommitID: &commitID},
	}

	expanded := append([]models.Command{}, commit.Payload.Commands...)
	return append(expanded, advance), nil
}

func (e *Engine) applyOne(ctx context.Context, tx store.Tx, dataflowID uuid.UUID, cmd models.Command) (CommandResult, error) {
	switch cmd.Type {
	case models.CommandCreateNode:
		return e.createNode(ctx, tx, dataflowID, cmd.CreateNode)
	case models.CommandUpdateNode:
		return e.updateNode(ctx, tx, dataflowID, cmd.UpdateNode)
	case models.CommandDeleteNode:
		return e.deleteNode(ctx, tx, dataflowID, cmd.DeleteNode)
	case models.CommandCreateData:
		return e.createData(ctx, tx, dataflowID, cmd.CreateData)
	case models.CommandUpdateData:
		return e.updateData(ctx, tx, dataflowID, cmd.UpdateData)
	case models.CommandDeleteData:
		return e.deleteData(ctx, tx, dataflowID, cmd.DeleteData)
	case models.CommandCreateWorkflow:
		return e.createWorkflow(ctx, tx, dataflowID, cmd.CreateWorkflow)
	case models.CommandUpdateWorkflow:
		return e.updateWorkflow(ctx, tx, dataflowID, cmd.UpdateWorkflow)
	case models.CommandDeleteWorkflow:
		return e.deleteWorkflow(ctx, tx, cmd.DeleteWorkflow)
	default:
		return CommandResult{}, fmt.Errorf("unknown command type: %s", cmd.Type)
	}
}

func (e *Engine) createNode(ctx context.Context, tx store.Tx, dataflowID uuid.UUID, p *models.CreateNodePayload) (CommandResult, error) {
	if p == nil {
		return CommandResult{}, errors.New("missing payload")
	}

	nodeID := uuid.New()
	if p.NodeID != nil {
		nodeID = *p.NodeID
	}

	status := models.NodeStatusPending
	if p.Status != nil {
		status = *p.Status
	}

	var config models.NodeConfig
	if p.Config != nil {
		config = *p.Config
	}

	now := time.Now().UTC()
	node := &models.Node{
		NodeID:       nodeID,
		DataflowID:   dataflowID,
		ParentNodeID: p.ParentNodeID,
		Type:         p.Type,
		Status:       status,
		Config:       config,
		Metadata:     p.Metadata,
		CreatedAt:    now,
		UpdatedAt:    now,
	}

	if err := tx.InsertNode(ctx, node); err != nil {
		return CommandResult{}, err
	}

	return CommandResult{
		Type:        models.CommandCreateNode,
		ChangesMade: true,
		Node:        node,
		NodeID:      &nodeID,
	}, nil
}

func (e *Engine) updateNode(ctx context.Context, tx store.Tx, dataflowID uuid.UUID, p *models.UpdateNodePayload) (CommandResult, error) {
	if p == nil {
		return CommandResult{}, errors.New("missing payload")
	}
	if p.NodeID == uuid.Nil {
		return CommandResult{}, errors.New("node_id is required")
	}

	existing, err := tx.GetNode(ctx, dataflowID, p.NodeID)
	if errors.Is(err, store.ErrNotFound) {
		return CommandResult{}, fmt.Errorf("node %s not found", p.NodeID)
	}
	if err != nil {
		return CommandResult{}, err
	}

	// Terminal node statuses are sinks
	if p.Status != nil && existing.Status.IsTerminal() && *p.Status != existing.Status {
		return CommandResult{}, fmt.Errorf("cannot transition node in terminal status %s", existing.Status)
	}

	upd := store.NodeUpdate{
		Type:      p.Type,
		Status:    p.Status,
		Config:    p.Config,
		UpdatedAt: time.Now().UTC(),
	}

	applyMetadata(&upd.SetMetadata, &upd.Metadata, existing.Metadata, p.Metadata, p.ClearMetadata, p.MergeMetadata)

	changed, err := tx.UpdateNode(ctx, dataflowID, p.NodeID, upd)
	if err != nil {
		return CommandResult{}, err
	}

	updated, err := tx.GetNode(ctx, dataflowID, p.NodeID)
	if err != nil {
		return CommandResult{}, err
	}

	nodeID := p.NodeID
	return CommandResult{
		Type:        models.CommandUpdateNode,
		ChangesMade: changed,
		Node:        updated,
		NodeID:      &nodeID,
	}, nil
}

func (e *Engine) deleteNode(ctx context.Context, tx store.Tx, dataflowID uuid.UUID, p *models.DeleteNodePayload) (CommandResult, error) {
	if p == nil {
		return CommandResult{}, errors.New("missing payload")
	}

	existing, err := tx.GetNode(ctx, dataflowID, p.NodeID)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return CommandResult{}, err
	}

	changed, err := tx.DeleteNode(ctx, dataflowID, p.NodeID)
	if err != nil {
		return CommandResult{}, err
	}

	nodeID := p.NodeID
	return CommandResult{
		Type:        models.CommandDeleteNode,
		ChangesMade: changed,
		Node:        existing,
		Deleted:     changed,
		NodeID:      &nodeID,
	}, nil
}

func (e *Engine) createData(ctx context.Context, tx store.Tx, dataflowID uuid.UUID, p *models.CreateDataPayload) (CommandResult, error) {
	if p == nil {
		return CommandResult{}, errors.New("missing payload")
	}
	if p.Type == "" {
		return CommandResult{}, errors.New("data type is required")
	}

	dataID := uuid.New()
	if p.DataID != nil {
		dataID = *p.DataID
	}

	content, contentType, err := models.EncodeContent(p.Content, p.ContentType)
	if err != nil {
		return CommandResult{}, err
	}

	rec := &models.DataRecord{
		DataID:        dataID,
		DataflowID:    dataflowID,
		NodeID:        p.NodeID,
		Type:          p.Type,
		Discriminator: p.Discriminator,
		Key:           p.Key,
		Content:       content,
		ContentType:   contentType,
		Metadata:      p.Metadata,
		CreatedAt:     time.Now().UTC(),
	}

	if err := tx.InsertData(ctx, rec); err != nil {
		return CommandResult{}, err
	}

	return CommandResult{
		Type:        models.CommandCreateData,
		ChangesMade: true,
		DataID:      &dataID,
	}, nil
}

func (e *Engine) updateData(ctx context.Context, tx store.Tx, dataflowID uuid.UUID, p *models.UpdateDataPayload) (CommandResult, error) {
	if p == nil {
		return CommandResult{}, errors.New("missing payload")
	}

	existing, err := tx.GetData(ctx, dataflowID, p.DataID)
	if errors.Is(err, store.ErrNotFound) {
		return CommandResult{Type: models.CommandUpdateData}, nil
	}
	if err != nil {
		return CommandResult{}, err
	}

	upd := store.DataUpdate{
		Key:           p.Key,
		Discriminator: p.Discriminator,
	}

	switch {
	case p.ContentSet:
		content, contentType, err := models.EncodeContent(p.Content, "")
		if err != nil {
			return CommandResult{}, err
		}
		upd.SetContent = true
		upd.Content = content
		upd.ContentType = contentType
	case len(p.ContentPatch) > 0:
		// RFC 7386 merge patch over the stored JSON content
		original := existing.Content
		if len(original) == 0 {
			original = []byte("{}")
		}
		patched, err := jsonpatch.MergePatch(original, p.ContentPatch)
		if err != nil {
			return CommandResult{}, fmt.Errorf("failed to apply content patch: %w", err)
		}
		upd.SetContent = true
		upd.Content = patched
		upd.ContentType = models.ContentTypeJSON
	}

	applyMetadata(&upd.SetMetadata, &upd.Metadata, existing.Metadata, p.Metadata, p.ClearMetadata, p.MergeMetadata)

	changed, err := tx.UpdateData(ctx, dataflowID, p.DataID, upd)
	if err != nil {
		return CommandResult{}, err
	}

	dataID := p.DataID
	return CommandResult{
		Type:        models.CommandUpdateData,
		ChangesMade: changed,
		DataID:      &dataID,
	}, nil
}

func (e *Engine) deleteData(ctx context.Context, tx store.Tx, dataflowID uuid.UUID, p *models.DeleteDataPayload) (CommandResult, error) {
	if p == nil {
		return CommandResult{}, errors.New("missing payload")
	}

	changed, err := tx.DeleteData(ctx, dataflowID, p.DataID)
	if err != nil {
		return CommandResult{}, err
	}

	dataID := p.DataID
	return CommandResult{
		Type:        models.CommandDeleteData,
		ChangesMade: changed,
		DataID:      &dataID,
	}, nil
}

func (e *Engine) createWorkflow(ctx context.Context, tx store.Tx, dataflowID uuid.UUID, p *models.CreateWorkflowPayload) (CommandResult, error) {
	if p == nil {
		return CommandResult{}, errors.New("missing payload")
	}

	id := dataflowID
	if p.DataflowID != nil {
		id = *p.DataflowID
	}

	status := models.WorkflowStatusPending
	if p.Status != nil {
		status = *p.Status
	}

	now := time.Now().UTC()
	wf := &models.Workflow{
		DataflowID:       id,
		ParentDataflowID: p.ParentDataflowID,
		ActorID:          p.ActorID,
		Type:             p.Type,
		Status:           status,
		Metadata:         p.Metadata,
		CreatedAt:        now,
		UpdatedAt:        now,
	}

	if err := tx.InsertWorkflow(ctx, wf); err != nil {
		return CommandResult{}, err
	}

	return CommandResult{
		Type:        models.CommandCreateWorkflow,
		ChangesMade: true,
		DataflowID:  &id,
	}, nil
}

func (e *Engine) updateWorkflow(ctx context.Context, tx store.Tx, dataflowID uuid.UUID, p *models.UpdateWorkflowPayload) (CommandResult, error) {
	if p == nil {
		return CommandResult{}, errors.New("missing payload")
	}

	existing, err := tx.GetWorkflow(ctx, dataflowID)
	if errors.Is(err, store.ErrNotFound) {
		return CommandResult{}, errors.New("Workflow not found")
	}
	if err != nil {
		return CommandResult{}, err
	}

	// Terminal workflow statuses are sinks; metadata updates stay allowed
	if p.Status != nil && existing.Status.IsTerminal() && *p.Status != existing.Status {
		return CommandResult{}, fmt.Errorf("cannot transition workflow in terminal status %s", existing.Status)
	}

	upd := store.WorkflowUpdate{
		Status:       p.Status,
		LastCommitID: p.LastCommitID,
		UpdatedAt:    time.Now().UTC(),
	}

	applyMetadata(&upd.SetMetadata, &upd.Metadata, existing.Metadata, p.Metadata, p.ClearMetadata, p.MergeMetadata)

	changed, err := tx.UpdateWorkflow(ctx, dataflowID, upd)
	if err != nil {
		return CommandResult{}, err
	}

	id := dataflowID
	return CommandResult{
		Type:        models.CommandUpdateWorkflow,
		ChangesMade: changed,
		DataflowID:  &id,
	}, nil
}

func (e *Engine) deleteWorkflow(ctx context.Context, tx store.Tx, p *models.DeleteWorkflowPayload) (CommandResult, error) {
	if p == nil {
		return CommandResult{}, errors.New("missing payload")
	}

	changed, err := tx.DeleteWorkflow(ctx, p.DataflowID)
	if err != nil {
		return CommandResult{}, err
	}
	if !changed {
		return CommandResult{}, errors.New("Workflow not found")
	}

	id := p.DataflowID
	return CommandResult{
		Type:        models.CommandDeleteWorkflow,
		ChangesMade: true,
		Deleted:     true,
		DataflowID:  &id,
	}, nil
}

// applyMetadata implements the shared metadata update semantics: an
// explicit null clears the column; otherwise the patch is shallow-merged
// over the existing metadata unless merge is disabled, in which case it
// replaces it wholesale.
func applyMetadata(setOut *bool, metadataOut *models.Metadata, existing, patch models.Metadata, clear bool, merge *bool) {
	if clear {
		*setOut = true
		*metadataOut = nil
		return
	}
	if patch == nil {
		return
	}

	mergeEnabled := true
	if merge != nil {
		mergeEnabled = *merge
	}

	*setOut = true
	if mergeEnabled {
		*metadataOut = models.MergeMetadata(existing, patch)
	} else {
		*metadataOut = patch.Clone()
	}
}
