package models

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// DataType classifies a data record's role in the workflow
type DataType string

const (
	DataTypeWorkflowInput  DataType = "workflow_input"
	DataTypeNodeInput      DataType = "node_input"
	DataTypeNodeResult     DataType = "node_result"
	DataTypeWorkflowOutput DataType = "workflow_output"
	DataTypeNodeYield      DataType = "node_yield"
)

// Content types stored alongside data records
const (
	ContentTypeJSON = "application/json"
	ContentTypeText = "text/plain"

	// ContentTypeReference marks a pointer record: its key is the data_id
	// of the referent within the same workflow.
	ContentTypeReference = "dataflow/reference"
)

// Result discriminators written by the node runtime
const (
	DiscriminatorResultSuccess = "result.success"
	DiscriminatorResultError   = "result.error"
)

// DataRecord is a typed, keyed value associated with a workflow and
// optionally a node.
// Maps to: data table
type DataRecord struct {
	DataID     uuid.UUID  `db:"data_id" json:"data_id"`
	DataflowID uuid.UUID  `db:"dataflow_id" json:"dataflow_id"`
	NodeID     *uuid.UUID `db:"node_id" json:"node_id,omitempty"`

	Type          DataType `db:"type" json:"type"`
	Discriminator string   `db:"discriminator" json:"discriminator,omitempty"`
	Key           string   `db:"key" json:"key,omitempty"`

	Content     []byte `db:"content" json:"content,omitempty"`
	ContentType string `db:"content_type" json:"content_type"`

	Metadata Metadata `db:"metadata" json:"metadata,omitempty"`

	CreatedAt time.Time `db:"created_at" json:"created_at"`

	// Ref carries the referent's columns when the reader resolved this
	// record as a reference. Nil for dangling references.
	Ref *DataRef `db:"-" json:"ref,omitempty"`
}

// DataRef holds the referent columns exposed by reference resolution
type DataRef struct {
	DataID        uuid.UUID `json:"ref_data_id"`
	Key           string    `json:"ref_key,omitempty"`
	Discriminator string    `json:"ref_discriminator,omitempty"`
	Content       []byte    `json:"ref_content,omitempty"`
	ContentType   string    `json:"ref_content_type,omitempty"`
}

// IsReference reports whether this record is a pointer to another record
func (d *DataRecord) IsReference() bool {
	return d.ContentType == ContentTypeReference
}

// ReferentID parses the referent data_id out of a reference record's key
func (d *DataRecord) ReferentID() (uuid.UUID, bool) {
	if !d.IsReference() {
		return uuid.Nil, false
	}
	id, err := uuid.Parse(d.Key)
	if err != nil {
		return uuid.Nil, false
	}
	return id, true
}

// DecodeContent decodes the stored content according to its content type.
// JSON content decodes into maps/slices/scalars; everything else is
// returned as a string.
func (d *DataRecord) DecodeContent() (any, error) {
	if len(d.Content) == 0 {
		return nil, nil
	}
	if d.ContentType == ContentTypeJSON {
		var out any
		if err := json.Unmarshal(d.Content, &out); err != nil {
			return nil, fmt.Errorf("failed to decode data content: %w", err)
		}
		return out, nil
	}
	return string(d.Content), nil
}

// EncodeContent encodes an arbitrary value for storage and infers the
// content type: strings are stored verbatim as text, everything else is
// JSON-encoded. An explicit contentType wins over inference.
func EncodeContent(content any, contentType string) ([]byte, string, error) {
	switch v := content.(type) {
	case nil:
		if contentType == "" {
			contentType = ContentTypeJSON
		}
		return nil, contentType, nil
	case []byte:
		if contentType == "" {
			contentType = ContentTypeJSON
		}
		return v, contentType, nil
	case string:
		if contentType == "" || contentType == ContentTypeText {
			return []byte(v), ContentTypeText, nil
		}
		return []byte(v), contentType, nil
	default:
		encoded, err := json.Marshal(v)
		if err != nil {
			return nil, "", fmt.Errorf("failed to encode data content: %w", err)
		}
		if contentType == "" {
			contentType = ContentTypeJSON
		}
		return encoded, contentType, nil
	}
}
