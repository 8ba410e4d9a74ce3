// Package store persists plugins, option schemas and values, clients,
// authorization tags, users and the access log in SQLite.
//
// Every logical write runs in a single transaction and the pool holds a
// single connection, so concurrent writers are serialized and the last
// completed write wins.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/makeict/mcp/api"
	"github.com/makeict/mcp/core/store/migrations"
	sqlite "modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"
)

// Store provides SQLite-backed persistence for the control program.
type Store struct {
	db *sql.DB
}

// Open opens the SQLite database at path and applies migrations.
// The special path ":memory:" opens a private in-memory database.
func Open(path string) (*Store, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("storage path is required")
	}

	dsn := "file::memory:"
	if path != ":memory:" {
		dsn = "file:" + filepath.Clean(path)
	}
	dsn += "?_pragma=foreign_keys(1)&_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=synchronous(NORMAL)"

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping sqlite db: %w", err)
	}
	if err := applyMigrations(context.Background(), db, migrations.FS); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}
	return &Store{db: db}, nil
}

// Close releases the SQLite connection.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func withTx(ctx context.Context, db *sql.DB, fn func(tx *sql.Tx) error) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

// persistErr wraps unexpected SQL failures; sentinel errors pass through.
func persistErr(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, api.ErrNotFound) || errors.Is(err, api.ErrAlreadyExists) || errors.Is(err, api.ErrInvalidValue) {
		return err
	}
	if isUniqueViolation(err) {
		return fmt.Errorf("%s: %w", op, api.ErrAlreadyExists)
	}
	return &api.PersistenceError{Op: op, Err: err}
}

func isUniqueViolation(err error) bool {
	var sqliteErr *sqlite.Error
	if !errors.As(err, &sqliteErr) {
		return false
	}
	switch sqliteErr.Code() {
	case sqlite3.SQLITE_CONSTRAINT_UNIQUE, sqlite3.SQLITE_CONSTRAINT_PRIMARYKEY:
		return true
	}
	return false
}

func notFound(format string, args ...interface{}) error {
	return fmt.Errorf("%s: %w", fmt.Sprintf(format, args...), api.ErrNotFound)
}

// pluginID resolves a plugin name inside a transaction
func pluginID(ctx context.Context, tx *sql.Tx, plugin string) (int64, error) {
	var id int64
	err := tx.QueryRowContext(ctx, `SELECT plugin_id FROM plugins WHERE name = ?`, plugin).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, notFound("plugin %q", plugin)
	}
	return id, err
}
