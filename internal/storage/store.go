// Package storage defines the namespaced collection/key/value contract
// shared by the audit log, the approval gate, and every plugin module.
// Three interchangeable backends (memory, filesystem, embedded SQL) live in
// the memstore, filestore, and sqlstore subpackages; NamespacedStore in this
// package decorates any of them with per-module isolation.
package storage

import "context"

// ListOptions controls List ordering and pagination. The zero value lists
// every key in ascending order with no offset.
type ListOptions struct {
	Limit   int
	Offset  int
	Reverse bool
}

// Entry is a single (key, value) pair returned by List.
type Entry struct {
	Key   string
	Value []byte
}

// Store is the collection/key/value contract. Every operation is an
// asynchronous contract (may block on I/O); the memory backend completes
// synchronously. Implementations must be safe for concurrent use.
type Store interface {
	// Get returns the value stored for (collection, key). ok is false if the
	// key does not exist.
	Get(ctx context.Context, collection, key string) (value []byte, ok bool, err error)
	// Set upserts (collection, key) to value.
	Set(ctx context.Context, collection, key string, value []byte) error
	// Delete removes (collection, key). existed reports whether the key was
	// present before deletion; it is not an error for the key to be absent.
	Delete(ctx context.Context, collection, key string) (existed bool, err error)
	// Has reports whether (collection, key) exists.
	Has(ctx context.Context, collection, key string) (bool, error)
	// List returns entries in a collection. Listing a missing collection
	// returns an empty, non-nil slice and a nil error.
	List(ctx context.Context, collection string, opts ListOptions) ([]Entry, error)
	// Count returns the number of keys in a collection.
	Count(ctx context.Context, collection string) (int, error)
	// Clear removes every key in a collection.
	Clear(ctx context.Context, collection string) error
	// Close releases any resources held by the backend.
	Close() error
}
