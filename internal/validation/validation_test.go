package validation

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type dispatchRequest struct {
	Queue string `validate:"required"`
	Job   string `validate:"required"`
	Key   string `validate:"required,max=200"`
}

func TestStructReturnsNilForValidInput(t *testing.T) {
	v := New()
	err := v.Struct(dispatchRequest{Queue: "q", Job: "greet", Key: "user-1"})
	require.NoError(t, err)
}

func TestStructReportsEachFailedField(t *testing.T) {
	v := New()
	err := v.Struct(dispatchRequest{Queue: "", Job: "", Key: "ok"})
	require.Error(t, err)

	verrs, ok := err.(Errors)
	require.True(t, ok)
	assert.Len(t, verrs, 2)
}

func TestStructWrapsMaxLengthViolation(t *testing.T) {
	v := New()
	longKey := make([]byte, 201)
	for i := range longKey {
		longKey[i] = 'a'
	}
	err := v.Struct(dispatchRequest{Queue: "q", Job: "j", Key: string(longKey)})
	require.Error(t, err)

	verrs := err.(Errors)
	require.Len(t, verrs, 1)
	assert.Equal(t, "max", verrs[0].Rule)
}

func TestStructSkipsNonStructInput(t *testing.T) {
	v := New()
	require.NoError(t, v.Struct("plain string input"))
	require.NoError(t, v.Struct(map[string]string{"key": "value"}))
}
