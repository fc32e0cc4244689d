// Package memstore is the in-memory storage.Store backend. All operations
// complete synchronously under a single mutex; key iteration is sorted for
// deterministic List output, matching the contract every backend must share.
package memstore

import (
	"context"
	"sort"
	"sync"

	"github.com/arcane-ops/sentryrun/internal/storage"
)

// Store is a mapping from collection to a mapping from key to value,
// guarded by a single RWMutex. Safe for concurrent use.
type Store struct {
	mu          sync.RWMutex
	collections map[string]map[string][]byte
}

// New creates an empty in-memory Store.
func New() *Store {
	return &Store{collections: make(map[string]map[string][]byte)}
}

func (s *Store) Get(_ context.Context, collection, key string) ([]byte, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.collections[collection]
	if !ok {
		return nil, false, nil
	}
	v, ok := c[key]
	if !ok {
		return nil, false, nil
	}
	out := make([]byte, len(v))
	copy(out, v)
	return out, true, nil
}

func (s *Store) Set(_ context.Context, collection, key string, value []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.collections[collection]
	if !ok {
		c = make(map[string][]byte)
		s.collections[collection] = c
	}
	stored := make([]byte, len(value))
	copy(stored, value)
	c[key] = stored
	return nil
}

func (s *Store) Delete(_ context.Context, collection, key string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.collections[collection]
	if !ok {
		return false, nil
	}
	_, existed := c[key]
	delete(c, key)
	return existed, nil
}

func (s *Store) Has(_ context.Context, collection, key string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.collections[collection]
	if !ok {
		return false, nil
	}
	_, ok = c[key]
	return ok, nil
}

func (s *Store) List(_ context.Context, collection string, opts storage.ListOptions) ([]storage.Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	c := s.collections[collection]
	keys := make([]string, 0, len(c))
	for k := range c {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	if opts.Reverse {
		for i, j := 0, len(keys)-1; i < j; i, j = i+1, j-1 {
			keys[i], keys[j] = keys[j], keys[i]
		}
	}

	if opts.Offset > 0 {
		if opts.Offset >= len(keys) {
			return []storage.Entry{}, nil
		}
		keys = keys[opts.Offset:]
	}
	if opts.Limit > 0 && opts.Limit < len(keys) {
		keys = keys[:opts.Limit]
	}

	entries := make([]storage.Entry, 0, len(keys))
	for _, k := range keys {
		v := c[k]
		cp := make([]byte, len(v))
		copy(cp, v)
		entries = append(entries, storage.Entry{Key: k, Value: cp})
	}
	return entries, nil
}

func (s *Store) Count(_ context.Context, collection string) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.collections[collection]), nil
}

func (s *Store) Clear(_ context.Context, collection string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.collections, collection)
	return nil
}

func (s *Store) Close() error { return nil }

var _ storage.Store = (*Store)(nil)
