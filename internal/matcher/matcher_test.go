package matcher

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMatchEmptyFilterMatchesEverything(t *testing.T) {
	ok, err := Match(json.RawMessage(`{}`), json.RawMessage(`{"num":42}`))
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestMatchScalarLeafEquality(t *testing.T) {
	ok, err := Match(json.RawMessage(`{"in":2}`), json.RawMessage(`{"in":2,"other":"x"}`))
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = Match(json.RawMessage(`{"in":2}`), json.RawMessage(`{"in":3}`))
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestMatchMissingKeyFails(t *testing.T) {
	ok, err := Match(json.RawMessage(`{"in":2}`), json.RawMessage(`{"other":1}`))
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestMatchNestedObjectRecurses(t *testing.T) {
	ok, err := Match(
		json.RawMessage(`{"user":{"id":7}}`),
		json.RawMessage(`{"user":{"id":7,"name":"a"}}`),
	)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = Match(
		json.RawMessage(`{"user":{"id":7}}`),
		json.RawMessage(`{"user":{"id":8}}`),
	)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestMatchArrayIsTypeCheckedOnly(t *testing.T) {
	ok, err := Match(json.RawMessage(`{"tags":[1,2]}`), json.RawMessage(`{"tags":[9,9,9]}`))
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = Match(json.RawMessage(`{"tags":[1,2]}`), json.RawMessage(`{"tags":"nope"}`))
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestLeavesCollectsJSONPointers(t *testing.T) {
	leaves, err := Leaves(json.RawMessage(`{"user":{"id":7},"in":2}`))
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"/user/id", "/in"}, leaves)
}
