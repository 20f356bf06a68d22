package models

// Metadata is a string-keyed tree of JSON-compatible values
type Metadata map[string]any

// MergeMetadata overlays patch on top of old. Top-level keys from patch
// overwrite keys in old; nested objects are replaced wholesale, not merged.
// Neither input is mutated.
func MergeMetadata(old, patch Metadata) Metadata {
	if len(old) == 0 && len(patch) == 0 {
		return Metadata{}
	}

	merged := make(Metadata, len(old)+len(patch))
	for k, v := range old {
		merged[k] = v
	}
	for k, v := range patch {
		merged[k] = v
	}
	return merged
}

// Clone returns a shallow copy of the metadata map
func (m Metadata) Clone() Metadata {
	if m == nil {
		return nil
	}
	out := make(Metadata, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
