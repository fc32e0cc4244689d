// Package filestore is the filesystem storage.Store backend: one directory
// per collection, one file per key. Writes are atomic (write to a temporary
// sibling, then rename); collection and key names are sanitized to a
// portable character set before touching the filesystem.
package filestore

import (
	"context"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"

	"github.com/arcane-ops/sentryrun/internal/storage"
)

var unsafeChars = regexp.MustCompile(`[^a-zA-Z0-9_.\-]`)

// sanitize maps a collection or key name to a portable filesystem name,
// hex-escaping any character outside [a-zA-Z0-9_.-] so two distinct inputs
// never collide on the same sanitized name without also differing in their
// escape sequences.
func sanitize(name string) string {
	return unsafeChars.ReplaceAllStringFunc(name, func(r string) string {
		return "_" + strconv.FormatInt(int64(r[0]), 16) + "_"
	})
}

// Store persists each (collection, key) as a file under root.
type Store struct {
	root string
}

// New creates a filesystem-backed Store rooted at dir. The directory is
// created if it does not already exist.
func New(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	return &Store{root: dir}, nil
}

func (s *Store) collectionDir(collection string) string {
	return filepath.Join(s.root, sanitize(collection))
}

func (s *Store) keyPath(collection, key string) string {
	return filepath.Join(s.collectionDir(collection), sanitize(key))
}

func (s *Store) Get(_ context.Context, collection, key string) ([]byte, bool, error) {
	data, err := os.ReadFile(s.keyPath(collection, key))
	if os.IsNotExist(err) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return data, true, nil
}

func (s *Store) Set(_ context.Context, collection, key string, value []byte) error {
	dir := s.collectionDir(collection)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(value); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return err
	}
	return os.Rename(tmpName, s.keyPath(collection, key))
}

func (s *Store) Delete(_ context.Context, collection, key string) (bool, error) {
	err := os.Remove(s.keyPath(collection, key))
	if os.IsNotExist(err) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

func (s *Store) Has(_ context.Context, collection, key string) (bool, error) {
	_, err := os.Stat(s.keyPath(collection, key))
	if os.IsNotExist(err) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// List reads every key file in the collection. Files that cannot be read
// (e.g. truncated/corrupt due to an interrupted write outside this backend,
// or a stray temp file) are skipped silently, per the storage contract.
func (s *Store) List(_ context.Context, collection string, opts storage.ListOptions) ([]storage.Entry, error) {
	dir := s.collectionDir(collection)
	dirEntries, err := os.ReadDir(dir)
	if os.IsNotExist(err) {
		return []storage.Entry{}, nil
	}
	if err != nil {
		return nil, err
	}

	names := make([]string, 0, len(dirEntries))
	for _, de := range dirEntries {
		if de.IsDir() {
			continue
		}
		name := de.Name()
		if len(name) >= 5 && name[:5] == ".tmp-" {
			continue
		}
		names = append(names, name)
	}
	sort.Strings(names)
	if opts.Reverse {
		for i, j := 0, len(names)-1; i < j; i, j = i+1, j-1 {
			names[i], names[j] = names[j], names[i]
		}
	}
	if opts.Offset > 0 {
		if opts.Offset >= len(names) {
			return []storage.Entry{}, nil
		}
		names = names[opts.Offset:]
	}
	if opts.Limit > 0 && opts.Limit < len(names) {
		names = names[:opts.Limit]
	}

	entries := make([]storage.Entry, 0, len(names))
	for _, name := range names {
		data, err := os.ReadFile(filepath.Join(dir, name))
		if err != nil {
			continue
		}
		entries = append(entries, storage.Entry{Key: name, Value: data})
	}
	return entries, nil
}

func (s *Store) Count(ctx context.Context, collection string) (int, error) {
	entries, err := s.List(ctx, collection, storage.ListOptions{})
	if err != nil {
		return 0, err
	}
	return len(entries), nil
}

func (s *Store) Clear(_ context.Context, collection string) error {
	err := os.RemoveAll(s.collectionDir(collection))
	if err != nil {
		return err
	}
	return nil
}

func (s *Store) Close() error { return nil }

var _ storage.Store = (*Store)(nil)
