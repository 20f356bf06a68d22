// Package store defines the durable storage contract for workflows, nodes,
// data records, and the commit log. Two implementations exist: memory
// (tests, MVP) and postgres (production).
package store

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/lyzr/dataflow/common/models"
)

// ErrNotFound is returned by single-row getters when the row does not exist
var ErrNotFound = errors.New("not found")

// DataFilter narrows ListData results. All populated filters conjoin.
type DataFilter struct {
	DataIDs        []uuid.UUID
	NodeIDs        []uuid.UUID
	Types          []models.DataType
	Keys           []string
	Discriminators []string
}

// NodeFilter narrows ListNodes results. All populated filters conjoin.
type NodeFilter struct {
	NodeIDs          []uuid.UUID
	ParentNodeIDs    []uuid.UUID
	Statuses         []models.NodeStatus
	StatusesExcluded []models.NodeStatus
}

// FetchOptions toggles which columns list queries materialise and whether
// reference records are resolved against their referents.
type FetchOptions struct {
	Content  bool
	Metadata bool
	Config   bool

	// ResolveReferences joins reference rows to their referent and fills
	// DataRecord.Ref. Dangling references leave Ref nil without error.
	ResolveReferences bool

	// ReplaceReferences additionally overwrites the row's data_id, key,
	// discriminator, content, and content_type with the referent's,
	// keeping the original type and metadata. Implies ResolveReferences.
	ReplaceReferences bool
}

// Querier is the read surface shared by stores and transactions.
// List results are ordered by created_at ascending.
type Querier interface {
	GetWorkflow(ctx context.Context, dataflowID uuid.UUID) (*models.Workflow, error)
	GetNode(ctx context.Context, dataflowID, nodeID uuid.UUID) (*models.Node, error)
	GetData(ctx context.Context, dataflowID, dataID uuid.UUID) (*models.DataRecord, error)

	ListNodes(ctx context.Context, dataflowID uuid.UUID, filter NodeFilter, opts FetchOptions) ([]*models.Node, error)
	ListData(ctx context.Context, dataflowID uuid.UUID, filter DataFilter, opts FetchOptions) ([]*models.DataRecord, error)

	GetCommit(ctx context.Context, dataflowID, commitID uuid.UUID) (*models.Commit, error)

	// PendingCommits returns commit ids strictly greater than the
	// workflow's last_commit_id, ascending.
	PendingCommits(ctx context.Context, dataflowID uuid.UUID) ([]uuid.UUID, error)
}

// WorkflowUpdate is a sparse workflow row update
type WorkflowUpdate struct {
	Status       *models.WorkflowStatus
	SetMetadata  bool
	Metadata     models.Metadata
	LastCommitID *uuid.UUID
	UpdatedAt    time.Time
}

// NodeUpdate is a sparse node row update
type NodeUpdate struct {
	Type        *string
	Status      *models.NodeStatus
	Config      *models.NodeConfig
	SetMetadata bool
	Metadata    models.Metadata
	UpdatedAt   time.Time
}

// DataUpdate is a sparse data row update
type DataUpdate struct {
	SetContent    bool
	Content       []byte
	ContentType   string
	Key           *string
	Discriminator *string
	SetMetadata   bool
	Metadata      models.Metadata
}

// Tx is the mutation surface available inside a transaction. Update and
// delete methods report whether a row was changed; they do not error on
// missing rows.
type Tx interface {
	Querier

	InsertWorkflow(ctx context.Context, wf *models.Workflow) error
	UpdateWorkflow(ctx context.Context, dataflowID uuid.UUID, upd WorkflowUpdate) (bool, error)
	DeleteWorkflow(ctx context.Context, dataflowID uuid.UUID) (bool, error)

	InsertNode(ctx context.Context, node *models.Node) error
	UpdateNode(ctx context.Context, dataflowID, nodeID uuid.UUID, upd NodeUpdate) (bool, error)
	DeleteNode(ctx context.Context, dataflowID, nodeID uuid.UUID) (bool, error)

	InsertData(ctx context.Context, rec *models.DataRecord) error
	UpdateData(ctx context.Context, dataflowID, dataID uuid.UUID, upd DataUpdate) (bool, error)
	DeleteData(ctx context.Context, dataflowID, dataID uuid.UUID) (bool, error)

	InsertCommit(ctx context.Context, commit *models.Commit) error

	// TouchWorkflow bumps dataflows.updated_at
	TouchWorkflow(ctx context.Context, dataflowID uuid.UUID, at time.Time) error
}

// Store is the full storage contract. InTx runs fn inside a transaction;
// fn's error aborts and rolls back the whole batch.
type Store interface {
	Querier

	InTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error

	Close()
}
