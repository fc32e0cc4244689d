// Package storagetest holds a shared conformance suite run against every
// storage.Store backend, so the backend-interchangeability invariant in
// contract is actually exercised rather than merely asserted.
package storagetest

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arcane-ops/sentryrun/internal/storage"
)

// RunContract exercises the full storage.Store contract against s.
func RunContract(t *testing.T, s storage.Store) {
	t.Helper()
	ctx := context.Background()

	t.Run("set_get_roundtrip", func(t *testing.T) {
		require.NoError(t, s.Set(ctx, "widgets", "a", []byte("hello")))
		v, ok, err := s.Get(ctx, "widgets", "a")
		require.NoError(t, err)
		require.True(t, ok)
		assert.Equal(t, []byte("hello"), v)
	})

	t.Run("get_missing_key", func(t *testing.T) {
		_, ok, err := s.Get(ctx, "widgets", "nonexistent")
		require.NoError(t, err)
		assert.False(t, ok)
	})

	t.Run("set_delete_has_idempotent", func(t *testing.T) {
		require.NoError(t, s.Set(ctx, "widgets", "b", []byte("x")))
		existed, err := s.Delete(ctx, "widgets", "b")
		require.NoError(t, err)
		assert.True(t, existed)

		has, err := s.Has(ctx, "widgets", "b")
		require.NoError(t, err)
		assert.False(t, has)

		existed, err = s.Delete(ctx, "widgets", "b")
		require.NoError(t, err)
		assert.False(t, existed)
	})

	t.Run("list_missing_collection_is_empty", func(t *testing.T) {
		entries, err := s.List(ctx, "does-not-exist", storage.ListOptions{})
		require.NoError(t, err)
		assert.Empty(t, entries)
	})

	t.Run("list_is_sorted_and_deterministic", func(t *testing.T) {
		require.NoError(t, s.Clear(ctx, "sorted"))
		require.NoError(t, s.Set(ctx, "sorted", "c", []byte("3")))
		require.NoError(t, s.Set(ctx, "sorted", "a", []byte("1")))
		require.NoError(t, s.Set(ctx, "sorted", "b", []byte("2")))

		entries, err := s.List(ctx, "sorted", storage.ListOptions{})
		require.NoError(t, err)
		require.Len(t, entries, 3)
		assert.Equal(t, []string{"a", "b", "c"}, keysOf(entries))

		n, err := s.Count(ctx, "sorted")
		require.NoError(t, err)
		assert.Equal(t, 3, n)
	})

	t.Run("list_limit_offset", func(t *testing.T) {
		require.NoError(t, s.Clear(ctx, "paged"))
		for _, k := range []string{"a", "b", "c", "d"} {
			require.NoError(t, s.Set(ctx, "paged", k, []byte(k)))
		}
		entries, err := s.List(ctx, "paged", storage.ListOptions{Limit: 2, Offset: 1})
		require.NoError(t, err)
		assert.Equal(t, []string{"b", "c"}, keysOf(entries))
	})

	t.Run("clear_removes_collection", func(t *testing.T) {
		require.NoError(t, s.Set(ctx, "ephemeral", "x", []byte("1")))
		require.NoError(t, s.Clear(ctx, "ephemeral"))
		n, err := s.Count(ctx, "ephemeral")
		require.NoError(t, err)
		assert.Zero(t, n)
	})

	t.Run("distinct_collections_do_not_collide", func(t *testing.T) {
		require.NoError(t, s.Set(ctx, "coll1", "k", []byte("one")))
		require.NoError(t, s.Set(ctx, "coll2", "k", []byte("two")))
		v1, _, err := s.Get(ctx, "coll1", "k")
		require.NoError(t, err)
		v2, _, err := s.Get(ctx, "coll2", "k")
		require.NoError(t, err)
		assert.Equal(t, []byte("one"), v1)
		assert.Equal(t, []byte("two"), v2)
	})
}

func keysOf(entries []storage.Entry) []string {
	keys := make([]string, len(entries))
	for i, e := range entries {
		keys[i] = e.Key
	}
	return keys
}
