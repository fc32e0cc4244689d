package kerrors

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestModuleErrorUnwrap(t *testing.T) {
	cause := errors.New("boom")
	err := NewModuleError("detector.cpu", "initialize", cause)

	require.True(t, IsModuleError(err))
	assert.ErrorIs(t, err, cause)
	assert.Contains(t, err.Error(), "detector.cpu")
	assert.Contains(t, err.Error(), "initialize")
}

func TestDependencyErrorVariants(t *testing.T) {
	missing := NewMissingDependencyError("a", "b")
	require.True(t, IsDependencyError(missing))
	assert.Contains(t, missing.Error(), "unknown module")

	selfLoop := NewSelfLoopDependencyError("a")
	assert.Contains(t, selfLoop.Error(), "itself")

	cycle := NewCycleDependencyError([]string{"a", "b"})
	assert.Contains(t, cycle.Error(), "a")
	assert.Contains(t, cycle.Error(), "b")
}

func TestSecurityErrorMentionsState(t *testing.T) {
	err := NewSecurityError("approve", "request is in state denied")
	require.True(t, IsSecurityError(err))
	assert.Contains(t, err.Error(), "denied")
}

func TestStorageErrorUnwrap(t *testing.T) {
	cause := errors.New("disk full")
	err := NewStorageError("set", cause)
	require.True(t, IsStorageError(err))
	assert.ErrorIs(t, err, cause)
}
