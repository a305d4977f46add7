package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	_ "modernc.org/sqlite"
)

// SQLite is a KV backed by a single SQLite database file. Plain values live
// in the kv table, list members in kv_list with an explicit position column
// so insertion order survives restarts.
type SQLite struct {
	mu sync.Mutex
	db *sql.DB
}

// OpenSQLite creates or opens the database at path and initializes the
// schema. The parent directory is created if needed.
func OpenSQLite(path string) (*SQLite, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create store directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	// Serializing through one connection keeps write transactions from
	// tripping over SQLITE_BUSY under concurrent mutation.
	db.SetMaxOpenConns(1)

	s := &SQLite{db: db}
	if err := s.initSchema(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("init store schema: %w", err)
	}
	return s, nil
}

func (s *SQLite) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS kv (
		key   TEXT PRIMARY KEY,
		value BLOB NOT NULL
	);
	CREATE TABLE IF NOT EXISTS kv_list (
		key    TEXT NOT NULL,
		pos    INTEGER NOT NULL,
		member TEXT NOT NULL,
		PRIMARY KEY (key, pos),
		UNIQUE (key, member)
	);
	`
	_, err := s.db.Exec(schema)
	return err
}

// Get returns the value for key, or nil if the key does not exist.
func (s *SQLite) Get(ctx context.Context, key string) ([]byte, error) {
	var value []byte
	err := s.db.QueryRowContext(ctx, `SELECT value FROM kv WHERE key = ?`, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get %q: %w", key, err)
	}
	return value, nil
}

// Set writes value under key, replacing any previous value.
func (s *SQLite) Set(ctx context.Context, key string, value []byte) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO kv (key, value) VALUES (?, ?)
		 ON CONFLICT (key) DO UPDATE SET value = excluded.value`, key, value)
	if err != nil {
		return fmt.Errorf("set %q: %w", key, err)
	}
	return nil
}

// Delete removes key. Deleting a missing key is not an error.
func (s *SQLite) Delete(ctx context.Context, key string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM kv WHERE key = ?`, key); err != nil {
		return fmt.Errorf("delete %q: %w", key, err)
	}
	return nil
}

// ListPush appends member to the list at key unless already present.
func (s *SQLite) ListPush(ctx context.Context, key, member string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("push %q: %w", key, err)
	}
	defer func() { _ = tx.Rollback() }()

	var exists int
	err = tx.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM kv_list WHERE key = ? AND member = ?`, key, member).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("push %q: %w", key, err)
	}
	if exists > 0 {
		return false, nil
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO kv_list (key, pos, member)
		 SELECT ?, COALESCE(MAX(pos), 0) + 1, ? FROM kv_list WHERE key = ?`, key, member, key)
	if err != nil {
		return false, fmt.Errorf("push %q: %w", key, err)
	}
	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("push %q: %w", key, err)
	}
	return true, nil
}

// ListRange returns the members of the list at key in insertion order.
func (s *SQLite) ListRange(ctx context.Context, key string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT member FROM kv_list WHERE key = ? ORDER BY pos`, key)
	if err != nil {
		return nil, fmt.Errorf("range %q: %w", key, err)
	}
	defer func() { _ = rows.Close() }()

	var members []string
	for rows.Next() {
		var m string
		if err := rows.Scan(&m); err != nil {
			return nil, fmt.Errorf("range %q: %w", key, err)
		}
		members = append(members, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("range %q: %w", key, err)
	}
	return members, nil
}

// ListDelete removes the entire list at key.
func (s *SQLite) ListDelete(ctx context.Context, key string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM kv_list WHERE key = ?`, key); err != nil {
		return fmt.Errorf("delete list %q: %w", key, err)
	}
	return nil
}

// Keys returns every key ending in suffix across both tables.
func (s *SQLite) Keys(ctx context.Context, suffix string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT key FROM kv WHERE key LIKE '%' || ?
		 UNION
		 SELECT DISTINCT key FROM kv_list WHERE key LIKE '%' || ?
		 ORDER BY key`, suffix, suffix)
	if err != nil {
		return nil, fmt.Errorf("keys %q: %w", suffix, err)
	}
	defer func() { _ = rows.Close() }()

	var keys []string
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			return nil, fmt.Errorf("keys %q: %w", suffix, err)
		}
		keys = append(keys, k)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("keys %q: %w", suffix, err)
	}
	return keys, nil
}

// Close closes the underlying database handle.
func (s *SQLite) Close() error {
	return s.db.Close()
}
