package reader

import (
	"context"

	"github.com/google/uuid"
	"github.com/lyzr/dataflow/common/models"
	"github.com/lyzr/dataflow/common/store"
)

// NodeReader queries nodes of one workflow
type NodeReader struct {
	q          store.Querier
	dataflowID uuid.UUID
	filter     store.NodeFilter
	opts       store.FetchOptions
}

// NewNodes creates a node reader scoped to one workflow
func NewNodes(q store.Querier, dataflowID uuid.UUID) NodeReader {
	return NodeReader{q: q, dataflowID: dataflowID}
}

// NodeIDs filters by node ids
func (r NodeReader) NodeIDs(ids ...uuid.UUID) NodeReader {
	r.filter.NodeIDs = appendUUIDs(r.filter.NodeIDs, ids)
	return r
}

// ParentNodeIDs filters by parent node ids
func (r NodeReader) ParentNodeIDs(ids ...uuid.UUID) NodeReader {
	r.filter.ParentNodeIDs = appendUUIDs(r.filter.ParentNodeIDs, ids)
	return r
}

// Statuses filters by node status
func (r NodeReader) Statuses(statuses ...models.NodeStatus) NodeReader {
	r.filter.Statuses = append(append([]models.NodeStatus{}, r.filter.Statuses...), statuses...)
	return r
}

// StatusesExcluded negates a status filter (NOT IN)
func (r NodeReader) StatusesExcluded(statuses ...models.NodeStatus) NodeReader {
	r.filter.StatusesExcluded = append(append([]models.NodeStatus{}, r.filter.StatusesExcluded...), statuses...)
	return r
}

// WithConfig includes the config column
func (r NodeReader) WithConfig() NodeReader {
	r.opts.Config = true
	return r
}

// WithMetadata includes the metadata column
func (r NodeReader) WithMetadata() NodeReader {
	r.opts.Metadata = true
	return r
}

// All returns all matching nodes ordered by created_at ascending
func (r NodeReader) All(ctx context.Context) ([]*models.Node, error) {
	return r.q.ListNodes(ctx, r.dataflowID, r.filter, r.opts)
}

// One returns the first matching node or store.ErrNotFound
func (r NodeReader) One(ctx context.Context) (*models.Node, error) {
	nodes, err := r.All(ctx)
	if err != nil {
		return nil, err
	}
	if len(nodes) == 0 {
		return nil, store.ErrNotFound
	}
	return nodes[0], nil
}

// Count returns the number of matching nodes
func (r NodeReader) Count(ctx context.Context) (int, error) {
	nodes, err := r.All(ctx)
	if err != nil {
		return 0, err
	}
	return len(nodes), nil
}

// Exists reports whether any node matches
func (r NodeReader) Exists(ctx context.Context) (bool, error) {
	count, err := r.Count(ctx)
	if err != nil {
		return false, err
	}
	return count > 0, nil
}

// CountByStatus returns a status -> count map for matching nodes
func (r NodeReader) CountByStatus(ctx context.Context) (map[models.NodeStatus]int, error) {
	nodes, err := r.All(ctx)
	if err != nil {
		return nil, err
	}
	counts := make(map[models.NodeStatus]int)
	for _, node := range nodes {
		counts[node.Status]++
	}
	return counts, nil
}
