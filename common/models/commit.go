package models

import (
	"bytes"
	"time"

	"github.com/google/uuid"
)

// Commit is an immutable, ordered batch of commands persisted in the
// commit log.
// Maps to: dataflow_commits table
type Commit struct {
	// UUIDv7: byte order is creation order
	CommitID uuid.UUID `db:"commit_id" json:"commit_id"`

	DataflowID uuid.UUID `db:"dataflow_id" json:"dataflow_id"`

	Payload CommitPayload `db:"payload" json:"payload"`

	Metadata Metadata `db:"metadata" json:"metadata,omitempty"`

	CreatedAt time.Time `db:"created_at" json:"created_at"`
}

// CommitPayload holds the op id and command batch of a commit
type CommitPayload struct {
	OpID     string    `json:"op_id"`
	Commands []Command `json:"commands"`
}

// CompareCommitIDs orders two commit ids. UUIDv7 ids sort by creation time
// under byte comparison.
func CompareCommitIDs(a, b uuid.UUID) int {
	return bytes.Compare(a[:], b[:])
}
