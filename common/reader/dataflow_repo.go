package reader

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/lyzr/dataflow/common/models"
	"github.com/lyzr/dataflow/common/store"
)

// DataflowRepo reads workflow rows
type DataflowRepo struct {
	q store.Querier
}

// NewDataflowRepo creates a workflow repository
func NewDataflowRepo(q store.Querier) *DataflowRepo {
	return &DataflowRepo{q: q}
}

// Get returns the workflow or "Workflow not found"
func (r *DataflowRepo) Get(ctx context.Context, dataflowID uuid.UUID) (*models.Workflow, error) {
	wf, err := r.q.GetWorkflow(ctx, dataflowID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, errors.New("Workflow not found")
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get workflow: %w", err)
	}
	return wf, nil
}

// Status returns the workflow's current status
func (r *DataflowRepo) Status(ctx context.Context, dataflowID uuid.UUID) (models.WorkflowStatus, error) {
	wf, err := r.Get(ctx, dataflowID)
	if err != nil {
		return "", err
	}
	return wf.Status, nil
}

// Exists reports whether the workflow row exists
func (r *DataflowRepo) Exists(ctx context.Context, dataflowID uuid.UUID) (bool, error) {
	_, err := r.q.GetWorkflow(ctx, dataflowID)
	if errors.Is(err, store.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to get workflow: %w", err)
	}
	return true, nil
}
