// Package postgres implements store.Store on PostgreSQL via pgx
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/lyzr/dataflow/common/db"
	"github.com/lyzr/dataflow/common/logger"
	"github.com/lyzr/dataflow/common/models"
	"github.com/lyzr/dataflow/common/store"
)

// pgxQuerier is the subset of pgxpool.Pool and pgx.Tx the queries need
type pgxQuerier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Store implements store.Store on a pgx connection pool
type Store struct {
	queries
	db  *db.DB
	log *logger.Logger
}

// New creates a postgres-backed store
func New(database *db.DB, log *logger.Logger) *Store {
	return &Store{
		queries: queries{q: database.Pool},
		db:      database,
		log:     log,
	}
}

// Close is a no-op; the pool is owned and closed by bootstrap
func (s *Store) Close() {}

// InTx runs fn inside a database transaction
func (s *Store) InTx(ctx context.Context, fn func(ctx context.Context, tx store.Tx) error) error {
	pgtx, err := s.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer pgtx.Rollback(ctx) //nolint:errcheck // rollback after commit is a no-op

	if err := fn(ctx, &tx{queries: queries{q: pgtx}}); err != nil {
		return err
	}

	if err := pgtx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// tx implements store.Tx over a pgx transaction
type tx struct {
	queries
}

func (t *tx) InsertWorkflow(ctx context.Context, wf *models.Workflow) error {
	metadata, err := encodeJSON(wf.Metadata)
	if err != nil {
		return err
	}

	query := `
		INSERT INTO dataflows (dataflow_id, parent_dataflow_id, actor_id, type, status, metadata, last_commit_id, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`
	_, err = t.q.Exec(ctx, query,
		wf.DataflowID,
		nullableUUID(wf.ParentDataflowID),
		wf.ActorID,
		wf.Type,
		wf.Status,
		metadata,
		nullableUUID(wf.LastCommitID),
		wf.CreatedAt,
		wf.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create workflow: %w", err)
	}
	return nil
}

func (t *tx) UpdateWorkflow(ctx context.Context, dataflowID uuid.UUID, upd store.WorkflowUpdate) (bool, error) {
	sets := []string{}
	args := []any{dataflowID}

	set := func(expr string, val any) {
		args = append(args, val)
		sets = append(sets, fmt.Sprintf(expr, len(args)))
	}

	if upd.Status != nil {
		set("status = $%d", *upd.Status)
	}
	if upd.SetMetadata {
		metadata, err := encodeJSON(upd.Metadata)
		if err != nil {
			return false, err
		}
		set("metadata = $%d", metadata)
	}
	if upd.LastCommitID != nil {
		set("last_commit_id = $%d", *upd.LastCommitID)
	}
	if !upd.UpdatedAt.IsZero() {
		set("updated_at = $%d", upd.UpdatedAt)
	}
	if len(sets) == 0 {
		return false, nil
	}

	query := fmt.Sprintf("UPDATE dataflows SET %s WHERE dataflow_id = $1", strings.Join(sets, ", "))
	tag, err := t.q.Exec(ctx, query, args...)
	if err != nil {
		return false, fmt.Errorf("failed to update workflow: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

func (t *tx) DeleteWorkflow(ctx context.Context, dataflowID uuid.UUID) (bool, error) {
	tag, err := t.q.Exec(ctx, "DELETE FROM dataflows WHERE dataflow_id = $1", dataflowID)
	if err != nil {
		return false, fmt.Errorf("failed to delete workflow: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

func (t *tx) InsertNode(ctx context.Context, node *models.Node) error {
	config, err := encodeJSON(node.Config)
	if err != nil {
		return err
	}
	metadata, err := encodeJSON(node.Metadata)
	if err != nil {
		return err
	}

	query := `
		INSERT INTO nodes (node_id, dataflow_id, parent_node_id, type, status, config, metadata, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`
	_, err = t.q.Exec(ctx, query,
		node.NodeID,
		node.DataflowID,
		nullableUUID(node.ParentNodeID),
		node.Type,
		node.Status,
		config,
		metadata,
		node.CreatedAt,
		node.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create node: %w", err)
	}
	return nil
}

func (t *tx) UpdateNode(ctx context.Context, dataflowID, nodeID uuid.UUID, upd store.NodeUpdate) (bool, error) {
	sets := []string{}
	args := []any{dataflowID, nodeID}

	set := func(expr string, val any) {
		args = append(args, val)
		sets = append(sets, fmt.Sprintf(expr, len(args)))
	}

	if upd.Type != nil {
		set("type = $%d", *upd.Type)
	}
	if upd.Status != nil {
		set("status = $%d", *upd.Status)
	}
	if upd.Config != nil {
		config, err := encodeJSON(*upd.Config)
		if err != nil {
			return false, err
		}
		set("config = $%d", config)
	}
	if upd.SetMetadata {
		metadata, err := encodeJSON(upd.Metadata)
		if err != nil {
			return false, err
		}
		set("metadata = $%d", metadata)
	}
	if !upd.UpdatedAt.IsZero() {
		set("updated_at = $%d", upd.UpdatedAt)
	}
	if len(sets) == 0 {
		return false, nil
	}

	query := fmt.Sprintf("UPDATE nodes SET %s WHERE dataflow_id = $1 AND node_id = $2", strings.Join(sets, ", "))
	tag, err := t.q.Exec(ctx, query, args...)
	if err != nil {
		return false, fmt.Errorf("failed to update node: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

func (t *tx) DeleteNode(ctx context.Context, dataflowID, nodeID uuid.UUID) (bool, error) {
	tag, err := t.q.Exec(ctx, "DELETE FROM nodes WHERE dataflow_id = $1 AND node_id = $2", dataflowID, nodeID)
	if err != nil {
		return false, fmt.Errorf("failed to delete node: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

func (t *tx) InsertData(ctx context.Context, rec *models.DataRecord) error {
	metadata, err := encodeJSON(rec.Metadata)
	if err != nil {
		return err
	}

	query := `
		INSERT INTO data (data_id, dataflow_id, node_id, type, discriminator, "key", content, content_type, metadata, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`
	_, err = t.q.Exec(ctx, query,
		rec.DataID,
		rec.DataflowID,
		nullableUUID(rec.NodeID),
		rec.Type,
		rec.Discriminator,
		rec.Key,
		rec.Content,
		rec.ContentType,
		metadata,
		rec.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create data: %w", err)
	}
	return nil
}

func (t *tx) UpdateData(ctx context.Context, dataflowID, dataID uuid.UUID, upd store.DataUpdate) (bool, error) {
	sets := []string{}
	args := []any{dataflowID, dataID}

	set := func(expr string, val any) {
		args = append(args, val)
		sets = append(sets, fmt.Sprintf(expr, len(args)))
	}

	if upd.SetContent {
		set("content = $%d", upd.Content)
		if upd.ContentType != "" {
			set("content_type = $%d", upd.ContentType)
		}
	}
	if upd.Key != nil {
		set(`"key" = $%d`, *upd.Key)
	}
	if upd.Discriminator != nil {
		set("discriminator = $%d", *upd.Discriminator)
	}
	if upd.SetMetadata {
		metadata, err := encodeJSON(upd.Metadata)
		if err != nil {
			return false, err
		}
		set("metadata = $%d", metadata)
	}
	if len(sets) == 0 {
		return false, nil
	}

	query := fmt.Sprintf("UPDATE data SET %s WHERE dataflow_id = $1 AND data_id = $2", strings.Join(sets, ", "))
	tag, err := t.q.Exec(ctx, query, args...)
	if err != nil {
		return false, fmt.Errorf("failed to update data: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

func (t *tx) DeleteData(ctx context.Context, dataflowID, dataID uuid.UUID) (bool, error) {
	tag, err := t.q.Exec(ctx, "DELETE FROM data WHERE dataflow_id = $1 AND data_id = $2", dataflowID, dataID)
	if err != nil {
		return false, fmt.Errorf("failed to delete data: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

func (t *tx) InsertCommit(ctx context.Context, commit *models.Commit) error {
	payload, err := encodeJSON(commit.Payload)
	if err != nil {
		return err
	}
	metadata, err := encodeJSON(commit.Metadata)
	if err != nil {
		return err
	}

	query := `
		INSERT INTO dataflow_commits (commit_id, dataflow_id, payload, metadata, created_at)
		VALUES ($1, $2, $3, $4, $5)
	`
	_, err = t.q.Exec(ctx, query, commit.CommitID, commit.DataflowID, payload, metadata, commit.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to create commit: %w", err)
	}
	return nil
}

func (t *tx) TouchWorkflow(ctx context.Context, dataflowID uuid.UUID, at time.Time) error {
	_, err := t.q.Exec(ctx, "UPDATE dataflows SET updated_at = $2 WHERE dataflow_id = $1", dataflowID, at)
	if err != nil {
		return fmt.Errorf("failed to touch workflow: %w", err)
	}
	return nil
}

// queries implements the read surface for both the pool and transactions
type queries struct {
	q pgxQuerier
}

func (r *queries) GetWorkflow(ctx context.Context, dataflowID uuid.UUID) (*models.Workflow, error) {
	query := `
		SELECT dataflow_id, parent_dataflow_id, actor_id, type, status, metadata, last_commit_id, created_at, updated_at
		FROM dataflows
		WHERE dataflow_id = $1
	`

	wf := &models.Workflow{}
	var parentID, lastCommitID uuid.NullUUID
	var metadata []byte

	err := r.q.QueryRow(ctx, query, dataflowID).Scan(
		&wf.DataflowID,
		&parentID,
		&wf.ActorID,
		&wf.Type,
		&wf.Status,
		&metadata,
		&lastCommitID,
		&wf.CreatedAt,
		&wf.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get workflow: %w", err)
	}

	wf.ParentDataflowID = fromNullUUID(parentID)
	wf.LastCommitID = fromNullUUID(lastCommitID)
	if err := decodeJSON(metadata, &wf.Metadata); err != nil {
		return nil, err
	}
	return wf, nil
}

func (r *queries) GetNode(ctx context.Context, dataflowID, nodeID uuid.UUID) (*models.Node, error) {
	query := `
		SELECT node_id, dataflow_id, parent_node_id, type, status, config, metadata, created_at, updated_at
		FROM nodes
		WHERE dataflow_id = $1 AND node_id = $2
	`

	node, err := scanNode(r.q.QueryRow(ctx, query, dataflowID, nodeID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get node: %w", err)
	}
	return node, nil
}

func (r *queries) GetData(ctx context.Context, dataflowID, dataID uuid.UUID) (*models.DataRecord, error) {
	query := `
		SELECT data_id, dataflow_id, node_id, type, discriminator, "key", content, content_type, metadata, created_at
		FROM data
		WHERE dataflow_id = $1 AND data_id = $2
	`

	rec, err := scanData(r.q.QueryRow(ctx, query, dataflowID, dataID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get data: %w", err)
	}
	return rec, nil
}

func (r *queries) ListNodes(ctx context.Context, dataflowID uuid.UUID, filter store.NodeFilter, opts store.FetchOptions) ([]*models.Node, error) {
	conds := []string{"dataflow_id = $1"}
	args := []any{dataflowID}

	where := func(expr string, val any) {
		args = append(args, val)
		conds = append(conds, fmt.Sprintf(expr, len(args)))
	}

	if len(filter.NodeIDs) > 0 {
		where("node_id = ANY($%d::uuid[])", uuidStrings(filter.NodeIDs))
	}
	if len(filter.ParentNodeIDs) > 0 {
		where("parent_node_id = ANY($%d::uuid[])", uuidStrings(filter.ParentNodeIDs))
	}
	if len(filter.Statuses) > 0 {
		where("status = ANY($%d)", nodeStatusStrings(filter.Statuses))
	}
	if len(filter.StatusesExcluded) > 0 {
		where("NOT (status = ANY($%d))", nodeStatusStrings(filter.StatusesExcluded))
	}

	configCol := "NULL"
	if opts.Config {
		configCol = "config"
	}
	metadataCol := "NULL"
	if opts.Metadata {
		metadataCol = "metadata"
	}

	query := fmt.Sprintf(`
		SELECT node_id, dataflow_id, parent_node_id, type, status, %s, %s, created_at, updated_at
		FROM nodes
		WHERE %s
		ORDER BY created_at ASC
	`, configCol, metadataCol, strings.Join(conds, " AND "))

	rows, err := r.q.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list nodes: %w", err)
	}
	defer rows.Close()

	var nodes []*models.Node
	for rows.Next() {
		node, err := scanNode(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan node: %w", err)
		}
		nodes = append(nodes, node)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating nodes: %w", err)
	}
	return nodes, nil
}

func (r *queries) ListData(ctx context.Context, dataflowID uuid.UUID, filter store.DataFilter, opts store.FetchOptions) ([]*models.DataRecord, error) {
	conds := []string{"d.dataflow_id = $1"}
	args := []any{dataflowID}

	where := func(expr string, val any) {
		args = append(args, val)
		conds = append(conds, fmt.Sprintf(expr, len(args)))
	}

	if len(filter.DataIDs) > 0 {
		where("d.data_id = ANY($%d::uuid[])", uuidStrings(filter.DataIDs))
	}
	if len(filter.NodeIDs) > 0 {
		where("d.node_id = ANY($%d::uuid[])", uuidStrings(filter.NodeIDs))
	}
	if len(filter.Types) > 0 {
		where("d.type = ANY($%d)", dataTypeStrings(filter.Types))
	}
	if len(filter.Keys) > 0 {
		where(`d."key" = ANY($%d)`, filter.Keys)
	}
	if len(filter.Discriminators) > 0 {
		where("d.discriminator = ANY($%d)", filter.Discriminators)
	}

	contentCol := "NULL"
	if opts.Content {
		contentCol = "d.content"
	}
	metadataCol := "NULL"
	if opts.Metadata {
		metadataCol = "d.metadata"
	}

	resolve := opts.ResolveReferences || opts.ReplaceReferences

	var query string
	if resolve {
		// References join data-to-data on d.key = ref.data_id within
		// one workflow. Dangling references leave ref_* null.
		query = fmt.Sprintf(`
			SELECT d.data_id, d.dataflow_id, d.node_id, d.type, d.discriminator, d."key", %s, d.content_type, %s, d.created_at,
			       ref.data_id, ref."key", ref.discriminator, ref.content, ref.content_type
			FROM data d
			LEFT JOIN data ref
			  ON d.content_type = 'dataflow/reference'
			 AND ref.dataflow_id = d.dataflow_id
			 AND ref.data_id::text = d."key"
			WHERE %s
			ORDER BY d.created_at ASC
		`, contentCol, metadataCol, strings.Join(conds, " AND "))
	} else {
		query = fmt.Sprintf(`
			SELECT d.data_id, d.dataflow_id, d.node_id, d.type, d.discriminator, d."key", %s, d.content_type, %s, d.created_at
			FROM data d
			WHERE %s
			ORDER BY d.created_at ASC
		`, contentCol, metadataCol, strings.Join(conds, " AND "))
	}

	rows, err := r.q.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list data: %w", err)
	}
	defer rows.Close()

	var records []*models.DataRecord
	for rows.Next() {
		var rec *models.DataRecord
		var scanErr error
		if resolve {
			rec, scanErr = scanDataWithRef(rows)
		} else {
			rec, scanErr = scanData(rows)
		}
		if scanErr != nil {
			return nil, fmt.Errorf("failed to scan data: %w", scanErr)
		}

		if opts.ReplaceReferences && rec.Ref != nil {
			// Keep the original type and metadata; take everything
			// else from the referent.
			rec.DataID = rec.Ref.DataID
			rec.Key = rec.Ref.Key
			rec.Discriminator = rec.Ref.Discriminator
			rec.Content = rec.Ref.Content
			rec.ContentType = rec.Ref.ContentType
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating data: %w", err)
	}
	return records, nil
}

func (r *queries) GetCommit(ctx context.Context, dataflowID, commitID uuid.UUID) (*models.Commit, error) {
	query := `
		SELECT commit_id, dataflow_id, payload, metadata, created_at
		FROM dataflow_commits
		WHERE dataflow_id = $1 AND commit_id = $2
	`

	commit := &models.Commit{}
	var payload, metadata []byte

	err := r.q.QueryRow(ctx, query, dataflowID, commitID).Scan(
		&commit.CommitID,
		&commit.DataflowID,
		&payload,
		&metadata,
		&commit.CreatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get commit: %w", err)
	}

	if err := json.Unmarshal(payload, &commit.Payload); err != nil {
		return nil, fmt.Errorf("failed to decode commit payload: %w", err)
	}
	if err := decodeJSON(metadata, &commit.Metadata); err != nil {
		return nil, err
	}
	return commit, nil
}

func (r *queries) PendingCommits(ctx context.Context, dataflowID uuid.UUID) ([]uuid.UUID, error) {
	wf, err := r.GetWorkflow(ctx, dataflowID)
	if err != nil {
		return nil, err
	}

	// UUIDv7 commit ids compare bytewise in creation order, which matches
	// Postgres uuid ordering.
	query := `
		SELECT commit_id
		FROM dataflow_commits
		WHERE dataflow_id = $1 AND ($2::uuid IS NULL OR commit_id > $2)
		ORDER BY commit_id ASC
	`

	rows, err := r.q.Query(ctx, query, dataflowID, nullableUUID(wf.LastCommitID))
	if err != nil {
		return nil, fmt.Errorf("failed to list pending commits: %w", err)
	}
	defer rows.Close()

	var ids []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan commit id: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating commits: %w", err)
	}
	return ids, nil
}

func scanNode(row pgx.Row) (*models.Node, error) {
	node := &models.Node{}
	var parentID uuid.NullUUID
	var config, metadata []byte

	err := row.Scan(
		&node.NodeID,
		&node.DataflowID,
		&parentID,
		&node.Type,
		&node.Status,
		&config,
		&metadata,
		&node.CreatedAt,
		&node.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	node.ParentNodeID = fromNullUUID(parentID)
	if err := decodeJSON(config, &node.Config); err != nil {
		return nil, err
	}
	if err := decodeJSON(metadata, &node.Metadata); err != nil {
		return nil, err
	}
	return node, nil
}

func scanData(row pgx.Row) (*models.DataRecord, error) {
	rec := &models.DataRecord{}
	var nodeID uuid.NullUUID
	var metadata []byte

	err := row.Scan(
		&rec.DataID,
		&rec.DataflowID,
		&nodeID,
		&rec.Type,
		&rec.Discriminator,
		&rec.Key,
		&rec.Content,
		&rec.ContentType,
		&metadata,
		&rec.CreatedAt,
	)
	if err != nil {
		return nil, err
	}

	rec.NodeID = fromNullUUID(nodeID)
	if err := decodeJSON(metadata, &rec.Metadata); err != nil {
		return nil, err
	}
	return rec, nil
}

func scanDataWithRef(row pgx.Row) (*models.DataRecord, error) {
	rec := &models.DataRecord{}
	var nodeID, refID uuid.NullUUID
	var metadata []byte
	var refKey, refDiscriminator, refContentType *string
	var refContent []byte

	err := row.Scan(
		&rec.DataID,
		&rec.DataflowID,
		&nodeID,
		&rec.Type,
		&rec.Discriminator,
		&rec.Key,
		&rec.Content,
		&rec.ContentType,
		&metadata,
		&rec.CreatedAt,
		&refID,
		&refKey,
		&refDiscriminator,
		&refContent,
		&refContentType,
	)
	if err != nil {
		return nil, err
	}

	rec.NodeID = fromNullUUID(nodeID)
	if err := decodeJSON(metadata, &rec.Metadata); err != nil {
		return nil, err
	}

	if refID.Valid {
		rec.Ref = &models.DataRef{
			DataID:  refID.UUID,
			Content: refContent,
		}
		if refKey != nil {
			rec.Ref.Key = *refKey
		}
		if refDiscriminator != nil {
			rec.Ref.Discriminator = *refDiscriminator
		}
		if refContentType != nil {
			rec.Ref.ContentType = *refContentType
		}
	}
	return rec, nil
}

func encodeJSON(v any) ([]byte, error) {
	if v == nil {
		return nil, nil
	}
	if m, ok := v.(models.Metadata); ok && m == nil {
		return nil, nil
	}
	encoded, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("failed to encode json column: %w", err)
	}
	return encoded, nil
}

func decodeJSON(data []byte, dst any) error {
	if len(data) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, dst); err != nil {
		return fmt.Errorf("failed to decode json column: %w", err)
	}
	return nil
}

func nullableUUID(id *uuid.UUID) uuid.NullUUID {
	if id == nil {
		return uuid.NullUUID{}
	}
	return uuid.NullUUID{UUID: *id, Valid: true}
}

func fromNullUUID(id uuid.NullUUID) *uuid.UUID {
	if !id.Valid {
		return nil
	}
	out := id.UUID
	return &out
}

func uuidStrings(ids []uuid.UUID) []string {
	out := make([]string, len(ids))
	for i, id := range ids {
		out[i] = id.String()
	}
	return out
}

func nodeStatusStrings(statuses []models.NodeStatus) []string {
	out := make([]string, len(statuses))
	for i, status := range statuses {
		out[i] = string(status)
	}
	return out
}

func dataTypeStrings(types []models.DataType) []string {
	out := make([]string, len(types))
	for i, t := range types {
		out[i] = string(t)
	}
	return out
}
