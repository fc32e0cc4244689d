// Package sqlstore is the embedded-SQL storage.Store backend. It keeps a
// single table (collection, key) -> value in a SQLite database opened in
// WAL journaling mode (so concurrent readers do not block writers), with
// schema managed by an embedded golang-migrate migration and hot paths
// served by prepared statements.
package sqlstore

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite3"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "github.com/mattn/go-sqlite3"

	"github.com/arcane-ops/sentryrun/internal/storage"
)

//go:embed migrations
var migrationsFS embed.FS

// Store is the embedded-SQL backend.
type Store struct {
	db *sql.DB

	getStmt    *sql.Stmt
	setStmt    *sql.Stmt
	deleteStmt *sql.Stmt
	hasStmt    *sql.Stmt
	countStmt  *sql.Stmt
}

// Open opens (creating if necessary) a SQLite database at path, applies
// pending migrations, and prepares the hot-path statements. path may be
// ":memory:" for an ephemeral database.
func Open(path string) (*Store, error) {
	dsn := fmt.Sprintf("file:%s?_journal_mode=WAL&_foreign_keys=on", path)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1) // SQLite serializes writers regardless; avoid pool contention errors.

	if err := migrateUp(db); err != nil {
		_ = db.Close()
		return nil, err
	}

	s := &Store{db: db}
	if err := s.prepare(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func migrateUp(db *sql.DB) error {
	driver, err := sqlite3.WithInstance(db, &sqlite3.Config{})
	if err != nil {
		return fmt.Errorf("sqlite migrate driver: %w", err)
	}
	src, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("migration source: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", src, "sqlite3", driver)
	if err != nil {
		return fmt.Errorf("migrate instance: %w", err)
	}
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("apply migrations: %w", err)
	}
	return src.Close()
}

func (s *Store) prepare() error {
	var err error
	if s.getStmt, err = s.db.Prepare(`SELECT value FROM kv WHERE collection = ? AND key = ?`); err != nil {
		return err
	}
	if s.setStmt, err = s.db.Prepare(`INSERT INTO kv (collection, key, value) VALUES (?, ?, ?)
		ON CONFLICT(collection, key) DO UPDATE SET value = excluded.value`); err != nil {
		return err
	}
	if s.deleteStmt, err = s.db.Prepare(`DELETE FROM kv WHERE collection = ? AND key = ?`); err != nil {
		return err
	}
	if s.hasStmt, err = s.db.Prepare(`SELECT 1 FROM kv WHERE collection = ? AND key = ?`); err != nil {
		return err
	}
	if s.countStmt, err = s.db.Prepare(`SELECT COUNT(*) FROM kv WHERE collection = ?`); err != nil {
		return err
	}
	return nil
}

func (s *Store) Get(ctx context.Context, collection, key string) ([]byte, bool, error) {
	var value []byte
	err := s.getStmt.QueryRowContext(ctx, collection, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return value, true, nil
}

func (s *Store) Set(ctx context.Context, collection, key string, value []byte) error {
	_, err := s.setStmt.ExecContext(ctx, collection, key, value)
	return err
}

func (s *Store) Delete(ctx context.Context, collection, key string) (bool, error) {
	res, err := s.deleteStmt.ExecContext(ctx, collection, key)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (s *Store) Has(ctx context.Context, collection, key string) (bool, error) {
	var one int
	err := s.hasStmt.QueryRowContext(ctx, collection, key).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

func (s *Store) List(ctx context.Context, collection string, opts storage.ListOptions) ([]storage.Entry, error) {
	query := `SELECT key, value FROM kv WHERE collection = ? ORDER BY key`
	if opts.Reverse {
		query += ` DESC`
	} else {
		query += ` ASC`
	}
	args := []any{collection}
	if opts.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, opts.Limit)
		if opts.Offset > 0 {
			query += ` OFFSET ?`
			args = append(args, opts.Offset)
		}
	} else if opts.Offset > 0 {
		query += ` LIMIT -1 OFFSET ?`
		args = append(args, opts.Offset)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	entries := make([]storage.Entry, 0)
	for rows.Next() {
		var e storage.Entry
		if err := rows.Scan(&e.Key, &e.Value); err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

func (s *Store) Count(ctx context.Context, collection string) (int, error) {
	var n int
	if err := s.countStmt.QueryRowContext(ctx, collection).Scan(&n); err != nil {
		return 0, err
	}
	return n, nil
}

func (s *Store) Clear(ctx context.Context, collection string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM kv WHERE collection = ?`, collection)
	return err
}

func (s *Store) Close() error {
	return s.db.Close()
}

var _ storage.Store = (*Store)(nil)
