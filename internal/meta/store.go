// Package meta persists the bucket and node namespace in SQLite.
//
// Nodes form a tree per bucket through parent_id links over a single flat
// table; full paths are never stored. Sibling uniqueness among live nodes is
// enforced by a partial unique index, so callers can rely on ErrDuplicate
// instead of check-then-insert races.
package meta

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"
)

// Errors returned by the store.
var (
	ErrNotFound      = errors.New("not found")
	ErrDuplicate     = errors.New("duplicate name")
	ErrNotEmpty      = errors.New("directory not empty")
	ErrQuotaExceeded = errors.New("node quota exceeded")
	ErrCycle         = errors.New("move would create a cycle")
)

// RootID is the parent id of nodes at the top level of a bucket.
const RootID int64 = 0

// maxDepth bounds parent-chain walks.
const maxDepth = 4096

// Store is the SQLite-backed metadata store. It is safe for concurrent use.
type Store struct {
	db *sql.DB
}

// Open opens (or creates) the metadata database at path and runs migrations.
func Open(path string, busyTimeout time.Duration) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return nil, fmt.Errorf("create metadata dir: %w", err)
	}

	dsn := fmt.Sprintf("%s?_pragma=busy_timeout(%d)&_pragma=journal_mode(WAL)&_pragma=foreign_keys(1)",
		path, busyTimeout.Milliseconds())
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	// One writer at a time; transactions then serialise without SQLITE_BUSY churn.
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping db: %w", err)
	}

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate() error {
	schema := `
CREATE TABLE IF NOT EXISTS buckets (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    name TEXT NOT NULL,
    owner TEXT NOT NULL,
    access INTEGER NOT NULL DEFAULT 2,
    remarks TEXT NOT NULL DEFAULT '',
    tombstoned INTEGER NOT NULL DEFAULT 0,
    created_at INTEGER NOT NULL,
    modified_at INTEGER NOT NULL,
    node_count INTEGER NOT NULL DEFAULT 0,
    total_size INTEGER NOT NULL DEFAULT 0
);

CREATE UNIQUE INDEX IF NOT EXISTS buckets_live_name ON buckets(name) WHERE tombstoned = 0;
CREATE INDEX IF NOT EXISTS buckets_owner ON buckets(owner, tombstoned, id);

CREATE TABLE IF NOT EXISTS nodes (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    bucket_id INTEGER NOT NULL,
    parent_id INTEGER NOT NULL DEFAULT 0,
    name TEXT NOT NULL,
    is_file INTEGER NOT NULL,
    size INTEGER NOT NULL DEFAULT 0,
    created_at INTEGER NOT NULL,
    modified_at INTEGER,
    download_count INTEGER NOT NULL DEFAULT 0,
    share_mode INTEGER NOT NULL DEFAULT 0,
    share_password TEXT NOT NULL DEFAULT '',
    share_time_limit INTEGER NOT NULL DEFAULT 0,
    share_start INTEGER,
    share_end INTEGER,
    tombstoned INTEGER NOT NULL DEFAULT 0,
    tombstoned_at INTEGER,
    backup_locations TEXT NOT NULL DEFAULT '[]',
    archive_locations TEXT NOT NULL DEFAULT '[]',
    FOREIGN KEY (bucket_id) REFERENCES buckets(id)
);

CREATE UNIQUE INDEX IF NOT EXISTS nodes_live_name ON nodes(bucket_id, parent_id, name) WHERE tombstoned = 0;
CREATE INDEX IF NOT EXISTS nodes_children ON nodes(bucket_id, parent_id, tombstoned, is_file, id);
CREATE INDEX IF NOT EXISTS nodes_trash ON nodes(bucket_id, tombstoned_at) WHERE tombstoned = 1;

CREATE TABLE IF NOT EXISTS write_leases (
    bucket_id INTEGER NOT NULL,
    node_id INTEGER NOT NULL,
    holder TEXT NOT NULL,
    expires_at INTEGER NOT NULL,
    PRIMARY KEY (bucket_id, node_id)
);
`
	_, err := s.db.Exec(schema)
	return err
}

// querier is satisfied by both *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// withTransaction runs fn within a database transaction.
func withTransaction(ctx context.Context, db *sql.DB, fn func(tx *sql.Tx) error) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if err := fn(tx); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

// isUniqueViolation reports whether err is a UNIQUE or PRIMARY KEY constraint failure.
func isUniqueViolation(err error) bool {
	var se *sqlite.Error
	if !errors.As(err, &se) {
		return false
	}
	switch se.Code() {
	case sqlite3.SQLITE_CONSTRAINT_UNIQUE, sqlite3.SQLITE_CONSTRAINT_PRIMARYKEY:
		return true
	case sqlite3.SQLITE_CONSTRAINT:
		return strings.Contains(se.Error(), "UNIQUE")
	}
	return false
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func toNanos(t time.Time) int64 {
	return t.UnixNano()
}

func fromNanos(n int64) time.Time {
	return time.Unix(0, n).UTC()
}

func nullTime(t time.Time) sql.NullInt64 {
	if t.IsZero() {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: t.UnixNano(), Valid: true}
}

func fromNullNanos(n sql.NullInt64) time.Time {
	if !n.Valid {
		return time.Time{}
	}
	return fromNanos(n.Int64)
}
