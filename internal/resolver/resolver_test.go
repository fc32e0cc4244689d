package resolver

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arcane-ops/sentryrun/internal/kerrors"
)

func TestResolveOrdersDependenciesFirst(t *testing.T) {
	// A -> B, C -> B, B -> (none). Expected: [B, A, C] (lexicographic ties).
	nodes := []Node{
		{ID: "A", Dependencies: []string{"B"}},
		{ID: "C", Dependencies: []string{"B"}},
		{ID: "B"},
	}
	order, err := Resolve(nodes)
	require.NoError(t, err)
	assert.Equal(t, []string{"B", "A", "C"}, order)
	assert.Equal(t, []string{"C", "A", "B"}, Reverse(order))
}

func TestResolveRejectsSelfLoop(t *testing.T) {
	nodes := []Node{{ID: "A", Dependencies: []string{"A"}}}
	_, err := Resolve(nodes)
	require.Error(t, err)
	assert.True(t, kerrors.IsDependencyError(err))
}

func TestResolveRejectsMissingDependency(t *testing.T) {
	nodes := []Node{{ID: "A", Dependencies: []string{"ghost"}}}
	_, err := Resolve(nodes)
	require.Error(t, err)
	assert.True(t, kerrors.IsDependencyError(err))
}

func TestResolveRejectsCycle(t *testing.T) {
	nodes := []Node{
		{ID: "A", Dependencies: []string{"B"}},
		{ID: "B", Dependencies: []string{"A"}},
	}
	_, err := Resolve(nodes)
	require.Error(t, err)
	assert.True(t, kerrors.IsDependencyError(err))
}

func TestResolveNoDependenciesIsLexicographic(t *testing.T) {
	nodes := []Node{{ID: "z"}, {ID: "a"}, {ID: "m"}}
	order, err := Resolve(nodes)
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "m", "z"}, order)
}
