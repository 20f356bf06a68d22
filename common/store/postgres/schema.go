package postgres

import (
	"context"
	"fmt"

	"github.com/lyzr/dataflow/common/db"
)

// schema is the full DDL for the engine's four tables. EnsureSchema is
// idempotent and runs from the bootstrap DB init hook.
const schema = `
CREATE TABLE IF NOT EXISTS dataflows (
	dataflow_id        UUID PRIMARY KEY,
	parent_dataflow_id UUID,
	actor_id           TEXT NOT NULL DEFAULT '',
	type               TEXT NOT NULL DEFAULT '',
	status             TEXT NOT NULL,
	metadata           JSONB,
	last_commit_id     UUID,
	created_at         TIMESTAMPTZ NOT NULL,
	updated_at         TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS nodes (
	node_id        UUID PRIMARY KEY,
	dataflow_id    UUID NOT NULL REFERENCES dataflows(dataflow_id) ON DELETE CASCADE,
	parent_node_id UUID,
	type           TEXT NOT NULL DEFAULT '',
	status         TEXT NOT NULL,
	config         JSONB,
	metadata       JSONB,
	created_at     TIMESTAMPTZ NOT NULL,
	updated_at     TIMESTAMPTZ NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_nodes_dataflow ON nodes (dataflow_id);

CREATE TABLE IF NOT EXISTS data (
	data_id       UUID PRIMARY KEY,
	dataflow_id   UUID NOT NULL REFERENCES dataflows(dataflow_id) ON DELETE CASCADE,
	node_id       UUID,
	type          TEXT NOT NULL,
	discriminator TEXT NOT NULL DEFAULT '',
	"key"         TEXT NOT NULL DEFAULT '',
	content       BYTEA,
	content_type  TEXT NOT NULL DEFAULT 'application/json',
	metadata      JSONB,
	created_at    TIMESTAMPTZ NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_data_dataflow ON data (dataflow_id);
CREATE INDEX IF NOT EXISTS idx_data_dataflow_node ON data (dataflow_id, node_id);

CREATE TABLE IF NOT EXISTS dataflow_commits (
	commit_id   UUID PRIMARY KEY,
	dataflow_id UUID NOT NULL REFERENCES dataflows(dataflow_id) ON DELETE CASCADE,
	payload     JSONB NOT NULL,
	metadata    JSONB,
	created_at  TIMESTAMPTZ NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_commits_dataflow ON dataflow_commits (dataflow_id, commit_id);
`

// EnsureSchema creates the engine tables and indexes if they do not exist
func EnsureSchema(ctx context.Context, database *db.DB) error {
	if _, err := database.Exec(ctx, schema); err != nil {
		return fmt.Errorf("failed to ensure schema: %w", err)
	}
	return nil
}
