package storage

import "context"

// SystemNamespace is the reserved prefix used by the kernel itself (audit
// log, approval requests, approval tokens). Modules may never be assigned
// this id.
const SystemNamespace = "system"

// NamespacedStore decorates a Store so every collection argument is
// prefixed with "<namespace>::", giving the namespace exclusive read/write
// access to its own slice of the keyspace. Constructed once per module (or
// once for the kernel's own system namespace) and handed out through the
// module context.
type NamespacedStore struct {
	backend   Store
	namespace string
}

// NewNamespacedStore wraps backend so every collection is confined to
// "<namespace>::<collection>".
func NewNamespacedStore(backend Store, namespace string) *NamespacedStore {
	return &NamespacedStore{backend: backend, namespace: namespace}
}

func (n *NamespacedStore) scoped(collection string) string {
	return n.namespace + "::" + collection
}

func (n *NamespacedStore) Get(ctx context.Context, collection, key string) ([]byte, bool, error) {
	return n.backend.Get(ctx, n.scoped(collection), key)
}

func (n *NamespacedStore) Set(ctx context.Context, collection, key string, value []byte) error {
	return n.backend.Set(ctx, n.scoped(collection), key, value)
}

func (n *NamespacedStore) Delete(ctx context.Context, collection, key string) (bool, error) {
	return n.backend.Delete(ctx, n.scoped(collection), key)
}

func (n *NamespacedStore) Has(ctx context.Context, collection, key string) (bool, error) {
	return n.backend.Has(ctx, n.scoped(collection), key)
}

func (n *NamespacedStore) List(ctx context.Context, collection string, opts ListOptions) ([]Entry, error) {
	return n.backend.List(ctx, n.scoped(collection), opts)
}

func (n *NamespacedStore) Count(ctx context.Context, collection string) (int, error) {
	return n.backend.Count(ctx, n.scoped(collection))
}

func (n *NamespacedStore) Clear(ctx context.Context, collection string) error {
	return n.backend.Clear(ctx, n.scoped(collection))
}

func (n *NamespacedStore) Close() error { return nil }

var _ Store = (*NamespacedStore)(nil)
