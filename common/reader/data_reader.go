// Package reader provides chainable, immutable query builders over workflow
// state. Each filter operator returns a new builder value; terminal
// operations take the builder by value.
package reader

import (
	"context"

	"github.com/google/uuid"
	"github.com/lyzr/dataflow/common/models"
	"github.com/lyzr/dataflow/common/store"
)

// DataReader queries data records of one workflow
type DataReader struct {
	q          store.Querier
	dataflowID uuid.UUID
	filter     store.DataFilter
	opts       store.FetchOptions
}

// NewData creates a data reader scoped to one workflow
func NewData(q store.Querier, dataflowID uuid.UUID) DataReader {
	return DataReader{q: q, dataflowID: dataflowID}
}

// DataIDs filters by data ids
func (r DataReader) DataIDs(ids ...uuid.UUID) DataReader {
	r.filter.DataIDs = appendUUIDs(r.filter.DataIDs, ids)
	return r
}

// NodeIDs filters by owning node ids
func (r DataReader) NodeIDs(ids ...uuid.UUID) DataReader {
	r.filter.NodeIDs = appendUUIDs(r.filter.NodeIDs, ids)
	return r
}

// Types filters by data type
func (r DataReader) Types(types ...models.DataType) DataReader {
	r.filter.Types = append(append([]models.DataType{}, r.filter.Types...), types...)
	return r
}

// Keys filters by record key. The empty-string key is a valid filter value.
func (r DataReader) Keys(keys ...string) DataReader {
	r.filter.Keys = append(append([]string{}, r.filter.Keys...), keys...)
	return r
}

// Discriminators filters by discriminator
func (r DataReader) Discriminators(discriminators ...string) DataReader {
	r.filter.Discriminators = append(append([]string{}, r.filter.Discriminators...), discriminators...)
	return r
}

// WithContent includes the content column
func (r DataReader) WithContent() DataReader {
	r.opts.Content = true
	return r
}

// WithMetadata includes the metadata column
func (r DataReader) WithMetadata() DataReader {
	r.opts.Metadata = true
	return r
}

// ResolveReferences joins reference records to their referents
func (r DataReader) ResolveReferences() DataReader {
	r.opts.ResolveReferences = true
	return r
}

// ReplaceReferences substitutes referent columns into reference rows
func (r DataReader) ReplaceReferences() DataReader {
	r.opts.ResolveReferences = true
	r.opts.ReplaceReferences = true
	return r
}

// All returns all matching records ordered by created_at ascending
func (r DataReader) All(ctx context.Context) ([]*models.DataRecord, error) {
	return r.q.ListData(ctx, r.dataflowID, r.filter, r.opts)
}

// One returns the first matching record or store.ErrNotFound
func (r DataReader) One(ctx context.Context) (*models.DataRecord, error) {
	records, err := r.All(ctx)
	if err != nil {
		return nil, err
	}
	if len(records) == 0 {
		return nil, store.ErrNotFound
	}
	return records[0], nil
}

// Count returns the number of matching records
func (r DataReader) Count(ctx context.Context) (int, error) {
	records, err := r.All(ctx)
	if err != nil {
		return 0, err
	}
	return len(records), nil
}

// Exists reports whether any record matches
func (r DataReader) Exists(ctx context.Context) (bool, error) {
	count, err := r.Count(ctx)
	if err != nil {
		return false, err
	}
	return count > 0, nil
}

func appendUUIDs(dst, src []uuid.UUID) []uuid.UUID {
	return append(append([]uuid.UUID{}, dst...), src...)
}
