package condition

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEvaluate_EmptyExpressionIsTrue(t *testing.T) {
	e := NewEvaluator()

	ok, err := e.Evaluate("", nil, nil)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = e.Evaluate("   ", nil, nil)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestEvaluate_OutputVariable(t *testing.T) {
	e := NewEvaluator()
	output := map[string]any{"score": 0.9, "label": "good"}

	ok, err := e.Evaluate(`output.score > 0.5`, output, nil)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = e.Evaluate(`output.label == "bad"`, output, nil)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestEvaluate_DollarShorthand(t *testing.T) {
	e := NewEvaluator()

	ok, err := e.Evaluate(`$.status == "approved"`, map[string]any{"status": "approved"}, nil)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestEvaluate_MetaVariable(t *testing.T) {
	e := NewEvaluator()

	ok, err := e.Evaluate(`meta.retries < 3`, nil, map[string]any{"retries": 1})
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestEvaluate_NonBooleanResult(t *testing.T) {
	e := NewEvaluator()

	_, err := e.Evaluate(`output.score`, map[string]any{"score": 0.9}, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "did not return boolean")
}

func TestEvaluate_CompileErrorNotCached(t *testing.T) {
	e := NewEvaluator()

	_, err := e.Evaluate(`output.score >`, nil, nil)
	require.Error(t, err)
	assert.Zero(t, e.CacheSize())
}

func TestEvaluate_CachesCompiledPrograms(t *testing.T) {
	e := NewEvaluator()

	_, err := e.Evaluate(`output.a == 1`, map[string]any{"a": 1}, nil)
	require.NoError(t, err)
	_, err = e.Evaluate(`output.a == 1`, map[string]any{"a": 2}, nil)
	require.NoError(t, err)
	assert.Equal(t, 1, e.CacheSize())

	_, err = e.Evaluate(`output.b == 1`, map[string]any{"b": 1}, nil)
	require.NoError(t, err)
	assert.Equal(t, 2, e.CacheSize())
}
