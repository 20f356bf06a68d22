package models

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestMergeMetadata_TopLevelOverwrite(t *testing.T) {
	old := Metadata{
		"keep":   "old",
		"change": "old",
		"nested": map[string]any{"a": 1, "b": 2},
	}
	patch := Metadata{
		"change": "new",
		"nested": map[string]any{"c": 3},
		"added":  true,
	}

	merged := MergeMetadata(old, patch)

	assert.Equal(t, "old", merged["keep"])
	assert.Equal(t, "new", merged["change"])
	assert.Equal(t, true, merged["added"])
	// Nested objects are replaced wholesale, not deep-merged
	assert.Equal(t, map[string]any{"c": 3}, merged["nested"])

	// Inputs untouched
	assert.Equal(t, "old", old["change"])
	assert.Equal(t, map[string]any{"a": 1, "b": 2}, old["nested"])
}

func TestMergeMetadata_EmptyInputs(t *testing.T) {
	assert.Empty(t, MergeMetadata(nil, nil))
	assert.Equal(t, Metadata{"a": 1}, MergeMetadata(nil, Metadata{"a": 1}))
	assert.Equal(t, Metadata{"a": 1}, MergeMetadata(Metadata{"a": 1}, nil))
}

func TestMetadata_Clone(t *testing.T) {
	original := Metadata{"a": 1}
	clone := original.Clone()
	clone["a"] = 2
	clone["b"] = 3

	assert.Equal(t, 1, original["a"])
	assert.NotContains(t, original, "b")

	var none Metadata
	assert.Nil(t, none.Clone())
}

func TestEncodeContent_TypeInference(t *testing.T) {
	content, contentType, err := EncodeContent("plain words", "")
	assert.NoError(t, err)
	assert.Equal(t, ContentTypeText, contentType)
	assert.Equal(t, []byte("plain words"), content)

	content, contentType, err = EncodeContent(map[string]any{"k": "v"}, "")
	assert.NoError(t, err)
	assert.Equal(t, ContentTypeJSON, contentType)
	assert.JSONEq(t, `{"k":"v"}`, string(content))

	// Explicit content type wins over inference
	_, contentType, err = EncodeContent("ref-key", ContentTypeReference)
	assert.NoError(t, err)
	assert.Equal(t, ContentTypeReference, contentType)
}
