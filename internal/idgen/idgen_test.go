package idgen

import (
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew(t *testing.T) {
	a, b := New(), New()
	assert.NotEqual(t, a, b)
	_, err := uuid.Parse(a)
	require.NoError(t, err)
}

func TestNewFuncOverride(t *testing.T) {
	prev := NewFunc
	t.Cleanup(func() { NewFunc = prev })
	NewFunc = func() string { return "boot-1" }
	assert.Equal(t, "boot-1", New())
}
