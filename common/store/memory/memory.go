// Package memory implements store.Store on in-process maps. It backs tests
// and single-node MVP deployments; postgres is the production store.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/lyzr/dataflow/common/logger"
	"github.com/lyzr/dataflow/common/models"
	"github.com/lyzr/dataflow/common/store"
)

// Store is an in-memory store.Store implementation. Transactions clone the
// dataset and swap it in on success, so a failed batch leaves no trace.
type Store struct {
	mu  sync.RWMutex
	ds  *dataset
	log *logger.Logger
}

// New creates an empty in-memory store
func New(log *logger.Logger) *Store {
	return &Store{
		ds:  newDataset(),
		log: log,
	}
}

// Close releases nothing; present to satisfy store.Store
func (s *Store) Close() {}

func (s *Store) GetWorkflow(ctx context.Context, dataflowID uuid.UUID) (*models.Workflow, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.ds.getWorkflow(dataflowID)
}

func (s *Store) GetNode(ctx context.Context, dataflowID, nodeID uuid.UUID) (*models.Node, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.ds.getNode(dataflowID, nodeID)
}

func (s *Store) GetData(ctx context.Context, dataflowID, dataID uuid.UUID) (*models.DataRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.ds.getData(dataflowID, dataID)
}

func (s *Store) ListNodes(ctx context.Context, dataflowID uuid.UUID, filter store.NodeFilter, opts store.FetchOptions) ([]*models.Node, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.ds.listNodes(dataflowID, filter, opts)
}

func (s *Store) ListData(ctx context.Context, dataflowID uuid.UUID, filter store.DataFilter, opts store.FetchOptions) ([]*models.DataRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.ds.listData(dataflowID, filter, opts)
}

func (s *Store) GetCommit(ctx context.Context, dataflowID, commitID uuid.UUID) (*models.Commit, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.ds.getCommit(dataflowID, commitID)
}

func (s *Store) PendingCommits(ctx context.Context, dataflowID uuid.UUID) ([]uuid.UUID, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.ds.pendingCommits(dataflowID)
}

// InTx runs fn against a cloned dataset under the write lock. The clone
// replaces the live dataset only when fn succeeds.
func (s *Store) InTx(ctx context.Context, fn func(ctx context.Context, tx store.Tx) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	clone := s.ds.clone()
	if err := fn(ctx, &tx{ds: clone}); err != nil {
		return err
	}

	s.ds = clone
	return nil
}

// tx exposes a cloned dataset as store.Tx. The store's write lock is held
// for the duration of the transaction.
type tx struct {
	ds *dataset
}

func (t *tx) GetWorkflow(ctx context.Context, dataflowID uuid.UUID) (*models.Workflow, error) {
	return t.ds.getWorkflow(dataflowID)
}

func (t *tx) GetNode(ctx context.Context, dataflowID, nodeID uuid.UUID) (*models.Node, error) {
	return t.ds.getNode(dataflowID, nodeID)
}

func (t *tx) GetData(ctx context.Context, dataflowID, dataID uuid.UUID) (*models.DataRecord, error) {
	return t.ds.getData(dataflowID, dataID)
}

func (t *tx) ListNodes(ctx context.Context, dataflowID uuid.UUID, filter store.NodeFilter, opts store.FetchOptions) ([]*models.Node, error) {
	return t.ds.listNodes(dataflowID, filter, opts)
}

func (t *tx) ListData(ctx context.Context, dataflowID uuid.UUID, filter store.DataFilter, opts store.FetchOptions) ([]*models.DataRecord, error) {
	return t.ds.listData(dataflowID, filter, opts)
}

func (t *tx) GetCommit(ctx context.Context, dataflowID, commitID uuid.UUID) (*models.Commit, error) {
	return t.ds.getCommit(dataflowID, commitID)
}

func (t *tx) PendingCommits(ctx context.Context, dataflowID uuid.UUID) ([]uuid.UUID, error) {
	return t.ds.pendingCommits(dataflowID)
}

func (t *tx) InsertWorkflow(ctx context.Context, wf *models.Workflow) error {
	return t.ds.insertWorkflow(wf)
}

func (t *tx) UpdateWorkflow(ctx context.Context, dataflowID uuid.UUID, upd store.WorkflowUpdate) (bool, error) {
	return t.ds.updateWorkflow(dataflowID, upd)
}

func (t *tx) DeleteWorkflow(ctx context.Context, dataflowID uuid.UUID) (bool, error) {
	return t.ds.deleteWorkflow(dataflowID)
}

func (t *tx) InsertNode(ctx context.Context, node *models.Node) error {
	return t.ds.insertNode(node)
}

func (t *tx) UpdateNode(ctx context.Context, dataflowID, nodeID uuid.UUID, upd store.NodeUpdate) (bool, error) {
	return t.ds.updateNode(dataflowID, nodeID, upd)
}

func (t *tx) DeleteNode(ctx context.Context, dataflowID, nodeID uuid.UUID) (bool, error) {
	return t.ds.deleteNode(dataflowID, nodeID)
}

func (t *tx) InsertData(ctx context.Context, rec *models.DataRecord) error {
	return t.ds.insertData(rec)
}

func (t *tx) UpdateData(ctx context.Context, dataflowID, dataID uuid.UUID, upd store.DataUpdate) (bool, error) {
	return t.ds.updateData(dataflowID, dataID, upd)
}

func (t *tx) DeleteData(ctx context.Context, dataflowID, dataID uuid.UUID) (bool, error) {
	return t.ds.deleteData(dataflowID, dataID)
}

func (t *tx) InsertCommit(ctx context.Context, commit *models.Commit) error {
	return t.ds.insertCommit(commit)
}

func (t *tx) TouchWorkflow(ctx context.Context, dataflowID uuid.UUID, at time.Time) error {
	return t.ds.touchWorkflow(dataflowID, at)
}

// dataset holds all rows by value. Row fields are treated as immutable
// after insert; updates replace whole fields, so clones can share them.
type dataset struct {
	workflows map[uuid.UUID]models.Workflow
	nodes     map[uuid.UUID]nodeRow
	data      map[uuid.UUID]dataRow
	commits   map[uuid.UUID]models.Commit
	seq       uint64
}

type nodeRow struct {
	node models.Node
	seq  uint64
}

type dataRow struct {
	rec models.DataRecord
	seq uint64
}

func newDataset() *dataset {
	return &dataset{
		workflows: make(map[uuid.UUID]models.Workflow),
		nodes:     make(map[uuid.UUID]nodeRow),
		data:      make(map[uuid.UUID]dataRow),
		commits:   make(map[uuid.UUID]models.Commit),
	}
}

func (d *dataset) clone() *dataset {
	out := &dataset{
		workflows: make(map[uuid.UUID]models.Workflow, len(d.workflows)),
		nodes:     make(map[uuid.UUID]nodeRow, len(d.nodes)),
		data:      make(map[uuid.UUID]dataRow, len(d.data)),
		commits:   make(map[uuid.UUID]models.Commit, len(d.commits)),
		seq:       d.seq,
	}
	for k, v := range d.workflows {
		out.workflows[k] = v
	}
	for k, v := range d.nodes {
		out.nodes[k] = v
	}
	for k, v := range d.data {
		out.data[k] = v
	}
	for k, v := range d.commits {
		out.commits[k] = v
	}
	return out
}

func (d *dataset) getWorkflow(dataflowID uuid.UUID) (*models.Workflow, error) {
	wf, ok := d.workflows[dataflowID]
	if !ok {
		return nil, store.ErrNotFound
	}
	out := wf
	return &out, nil
}

func (d *dataset) getNode(dataflowID, nodeID uuid.UUID) (*models.Node, error) {
	row, ok := d.nodes[nodeID]
	if !ok || row.node.DataflowID != dataflowID {
		return nil, store.ErrNotFound
	}
	out := row.node
	return &out, nil
}

func (d *dataset) getData(dataflowID, dataID uuid.UUID) (*models.DataRecord, error) {
	row, ok := d.data[dataID]
	if !ok || row.rec.DataflowID != dataflowID {
		return nil, store.ErrNotFound
	}
	out := row.rec
	return &out, nil
}

func (d *dataset) listNodes(dataflowID uuid.UUID, filter store.NodeFilter, opts store.FetchOptions) ([]*models.Node, error) {
	var rows []nodeRow
	for _, row := range d.nodes {
		if row.node.DataflowID != dataflowID {
			continue
		}
		if !matchNode(&row.node, filter) {
			continue
		}
		rows = append(rows, row)
	}

	sort.Slice(rows, func(i, j int) bool {
		if rows[i].node.CreatedAt.Equal(rows[j].node.CreatedAt) {
			return rows[i].seq < rows[j].seq
		}
		return rows[i].node.CreatedAt.Before(rows[j].node.CreatedAt)
	})

	out := make([]*models.Node, 0, len(rows))
	for _, row := range rows {
		node := row.node
		if !opts.Config {
			node.Config = models.NodeConfig{}
		}
		if !opts.Metadata {
			node.Metadata = nil
		}
		out = append(out, &node)
	}
	return out, nil
}

func (d *dataset) listData(dataflowID uuid.UUID, filter store.DataFilter, opts store.FetchOptions) ([]*models.DataRecord, error) {
	var rows []dataRow
	for _, row := range d.data {
		if row.rec.DataflowID != dataflowID {
			continue
		}
		if !matchData(&row.rec, filter) {
			continue
		}
		rows = append(rows, row)
	}

	sort.Slice(rows, func(i, j int) bool {
		if rows[i].rec.CreatedAt.Equal(rows[j].rec.CreatedAt) {
			return rows[i].seq < rows[j].seq
		}
		return rows[i].rec.CreatedAt.Before(rows[j].rec.CreatedAt)
	})

	resolve := opts.ResolveReferences || opts.ReplaceReferences

	out := make([]*models.DataRecord, 0, len(rows))
	for _, row := range rows {
		rec := row.rec

		if resolve && rec.IsReference() {
			if refID, ok := rec.ReferentID(); ok {
				if refRow, found := d.data[refID]; found && refRow.rec.DataflowID == dataflowID {
					ref := refRow.rec
					rec.Ref = &models.DataRef{
						DataID:        ref.DataID,
						Key:           ref.Key,
						Discriminator: ref.Discriminator,
						Content:       ref.Content,
						ContentType:   ref.ContentType,
					}
					if opts.ReplaceReferences {
						// Keep the original type and metadata; take
						// everything else from the referent.
						rec.DataID = ref.DataID
						rec.Key = ref.Key
						rec.Discriminator = ref.Discriminator
						rec.Content = ref.Content
						rec.ContentType = ref.ContentType
					}
				}
			}
		}

		if !opts.Content {
			rec.Content = nil
		}
		if !opts.Metadata {
			rec.Metadata = nil
		}
		out = append(out, &rec)
	}
	return out, nil
}

func (d *dataset) getCommit(dataflowID, commitID uuid.UUID) (*models.Commit, error) {
	c, ok := d.commits[commitID]
	if !ok || c.DataflowID != dataflowID {
		return nil, store.ErrNotFound
	}
	out := c
	return &out, nil
}

func (d *dataset) pendingCommits(dataflowID uuid.UUID) ([]uuid.UUID, error) {
	wf, ok := d.workflows[dataflowID]
	if !ok {
		return nil, store.ErrNotFound
	}

	var ids []uuid.UUID
	for id, c := range d.commits {
		if c.DataflowID != dataflowID {
			continue
		}
		if wf.LastCommitID != nil && models.CompareCommitIDs(id, *wf.LastCommitID) <= 0 {
			continue
		}
		ids = append(ids, id)
	}

	sort.Slice(ids, func(i, j int) bool {
		return models.CompareCommitIDs(ids[i], ids[j]) < 0
	})
	return ids, nil
}

func (d *dataset) insertWorkflow(wf *models.Workflow) error {
	d.workflows[wf.DataflowID] = *wf
	return nil
}

func (d *dataset) updateWorkflow(dataflowID uuid.UUID, upd store.WorkflowUpdate) (bool, error) {
	wf, ok := d.workflows[dataflowID]
	if !ok {
		return false, nil
	}
	if upd.Status != nil {
		wf.Status = *upd.Status
	}
	if upd.SetMetadata {
		wf.Metadata = upd.Metadata
	}
	if upd.LastCommitID != nil {
		wf.LastCommitID = upd.LastCommitID
	}
	if !upd.UpdatedAt.IsZero() {
		wf.UpdatedAt = upd.UpdatedAt
	}
	d.workflows[dataflowID] = wf
	return true, nil
}

func (d *dataset) deleteWorkflow(dataflowID uuid.UUID) (bool, error) {
	if _, ok := d.workflows[dataflowID]; !ok {
		return false, nil
	}
	delete(d.workflows, dataflowID)

	// Cascade to children, matching the postgres FK behavior
	for id, row := range d.nodes {
		if row.node.DataflowID == dataflowID {
			delete(d.nodes, id)
		}
	}
	for id, row := range d.data {
		if row.rec.DataflowID == dataflowID {
			delete(d.data, id)
		}
	}
	for id, c := range d.commits {
		if c.DataflowID == dataflowID {
			delete(d.commits, id)
		}
	}
	return true, nil
}

func (d *dataset) insertNode(node *models.Node) error {
	d.seq++
	d.nodes[node.NodeID] = nodeRow{node: *node, seq: d.seq}
	return nil
}

func (d *dataset) updateNode(dataflowID, nodeID uuid.UUID, upd store.NodeUpdate) (bool, error) {
	row, ok := d.nodes[nodeID]
	if !ok || row.node.DataflowID != dataflowID {
		return false, nil
	}
	if upd.Type != nil {
		row.node.Type = *upd.Type
	}
	if upd.Status != nil {
		row.node.Status = *upd.Status
	}
	if upd.Config != nil {
		row.node.Config = *upd.Config
	}
	if upd.SetMetadata {
		row.node.Metadata = upd.Metadata
	}
	if !upd.UpdatedAt.IsZero() {
		row.node.UpdatedAt = upd.UpdatedAt
	}
	d.nodes[nodeID] = row
	return true, nil
}

func (d *dataset) deleteNode(dataflowID, nodeID uuid.UUID) (bool, error) {
	row, ok := d.nodes[nodeID]
	if !ok || row.node.DataflowID != dataflowID {
		return false, nil
	}
	delete(d.nodes, nodeID)
	return true, nil
}

func (d *dataset) insertData(rec *models.DataRecord) error {
	d.seq++
	d.data[rec.DataID] = dataRow{rec: *rec, seq: d.seq}
	return nil
}

func (d *dataset) updateData(dataflowID, dataID uuid.UUID, upd store.DataUpdate) (bool, error) {
	row, ok := d.data[dataID]
	if !ok || row.rec.DataflowID != dataflowID {
		return false, nil
	}
	if upd.SetContent {
		row.rec.Content = upd.Content
		if upd.ContentType != "" {
			row.rec.ContentType = upd.ContentType
		}
	}
	if upd.Key != nil {
		row.rec.Key = *upd.Key
	}
	if upd.Discriminator != nil {
		row.rec.Discriminator = *upd.Discriminator
	}
	if upd.SetMetadata {
		row.rec.Metadata = upd.Metadata
	}
	d.data[dataID] = row
	return true, nil
}

func (d *dataset) deleteData(dataflowID, dataID uuid.UUID) (bool, error) {
	row, ok := d.data[dataID]
	if !ok || row.rec.DataflowID != dataflowID {
		return false, nil
	}
	delete(d.data, dataID)
	return true, nil
}

func (d *dataset) insertCommit(commit *models.Commit) error {
	d.commits[commit.CommitID] = *commit
	return nil
}

func (d *dataset) touchWorkflow(dataflowID uuid.UUID, at time.Time) error {
	wf, ok := d.workflows[dataflowID]
	if !ok {
		return store.ErrNotFound
	}
	wf.UpdatedAt = at
	d.workflows[dataflowID] = wf
	return nil
}

func matchNode(node *models.Node, f store.NodeFilter) bool {
	if len(f.NodeIDs) > 0 && !containsUUID(f.NodeIDs, node.NodeID) {
		return false
	}
	if len(f.ParentNodeIDs) > 0 {
		if node.ParentNodeID == nil || !containsUUID(f.ParentNodeIDs, *node.ParentNodeID) {
			return false
		}
	}
	if len(f.Statuses) > 0 && !containsStatus(f.Statuses, node.Status) {
		return false
	}
	if len(f.StatusesExcluded) > 0 && containsStatus(f.StatusesExcluded, node.Status) {
		return false
	}
	return true
}

func matchData(rec *models.DataRecord, f store.DataFilter) bool {
	if len(f.DataIDs) > 0 && !containsUUID(f.DataIDs, rec.DataID) {
		return false
	}
	if len(f.NodeIDs) > 0 {
		if rec.NodeID == nil || !containsUUID(f.NodeIDs, *rec.NodeID) {
			return false
		}
	}
	if len(f.Types) > 0 {
		found := false
		for _, t := range f.Types {
			if rec.Type == t {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if len(f.Keys) > 0 && !containsString(f.Keys, rec.Key) {
		return false
	}
	if len(f.Discriminators) > 0 && !containsString(f.Discriminators, rec.Discriminator) {
		return false
	}
	return true
}

func containsUUID(ids []uuid.UUID, id uuid.UUID) bool {
	for _, v := range ids {
		if v == id {
			return true
		}
	}
	return false
}

func containsStatus(statuses []models.NodeStatus, s models.NodeStatus) bool {
	for _, v := range statuses {
		if v == s {
			return true
		}
	}
	return false
}

func containsString(vals []string, s string) bool {
	for _, v := range vals {
		if v == s {
			return true
		}
	}
	return false
}
