// Package state provides a WAL-mode SQLite-backed key/value store scoped to
// one tenant directory. It is the persistent proof-history and last-proof
// backing store described in spec.md §3/§4.3.
//
// # WAL mode
//
// Each tenant gets its own database file under <root>/state/<tenant>/store.db,
// opened with PRAGMA journal_mode = WAL so that reads never block writes
// within a tenant (spec.md §4.3). Concurrent access across tenants is fully
// independent: each tenant's Store owns a distinct file.
//
// # Durability
//
// Every write commits before PutJSON/AppendJSON return, matching spec.md's
// "each write flushes before returning" invariant: SQLite's default
// synchronous=NORMAL under WAL guarantees a committed transaction survives a
// process crash.
//
// # Append semantics
//
// AppendJSON is a read-modify-rewrite: it reads the existing JSON array
// (or starts one), appends the value, and writes the array back in one
// statement. It is NOT safe against concurrent appenders to the same key —
// per spec.md §4.3, callers must serialize per-tenant appends themselves
// (the orchestrator runs at most one execute() per tenant at a time).
package state

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite" // register "sqlite" driver with database/sql
)

// Store is a per-tenant embedded key/value store. It is safe for concurrent
// Get/Put calls; Append calls to the same key must be externally serialized.
type Store struct {
	db     *sql.DB
	tenant string
}

// Open opens (or creates) the SQLite database for tenant under root, i.e.
// <root>/state/<tenant>/store.db, enables WAL mode, and applies the schema.
func Open(root, tenant string) (*Store, error) {
	dir := filepath.Join(root, "state", tenant)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("state: create tenant dir %q: %w", dir, err)
	}
	path := filepath.Join(dir, "store.db")

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("state: open %q: %w", path, err)
	}

	// SQLite allows only one writer at a time; a single pooled connection
	// avoids "database is locked" errors from concurrent readers/writers.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(`PRAGMA journal_mode = WAL`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("state: set WAL mode: %w", err)
	}
	if _, err := db.Exec(`PRAGMA synchronous = NORMAL`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("state: set synchronous = NORMAL: %w", err)
	}
	if _, err := db.Exec(ddl); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("state: apply schema: %w", err)
	}

	return &Store{db: db, tenant: tenant}, nil
}

const ddl = `
CREATE TABLE IF NOT EXISTS kv (
    key   TEXT PRIMARY KEY,
    value BLOB NOT NULL
);
`

// PutJSON marshals value as JSON and upserts it under key. It implements
// spec.md §3's put_json(key, v).
func (s *Store) PutJSON(ctx context.Context, key string, value any) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("state: marshal %q: %w", key, err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO kv (key, value) VALUES (?, ?)
		 ON CONFLICT(key) DO UPDATE SET value = excluded.value`,
		key, raw,
	)
	if err != nil {
		return fmt.Errorf("state: put %q: %w", key, err)
	}
	return nil
}

// GetJSON unmarshals the value stored under key into dst. It reports
// ok=false without error when the key is absent, implementing spec.md §3's
// get_json(key).
func (s *Store) GetJSON(ctx context.Context, key string, dst any) (ok bool, err error) {
	var raw []byte
	row := s.db.QueryRowContext(ctx, `SELECT value FROM kv WHERE key = ?`, key)
	if err := row.Scan(&raw); err != nil {
		if err == sql.ErrNoRows {
			return false, nil
		}
		return false, fmt.Errorf("state: get %q: %w", key, err)
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		return false, fmt.Errorf("state: unmarshal %q: %w", key, err)
	}
	return true, nil
}

// AppendJSON appends value to the JSON array stored under key, treating a
// missing key as an empty array, and rewrites the whole array. It implements
// spec.md §3's append_json(key, v); see the package doc for its concurrency
// caveat.
func (s *Store) AppendJSON(ctx context.Context, key string, value any) error {
	var arr []json.RawMessage
	if _, err := s.GetJSON(ctx, key, &arr); err != nil {
		return err
	}

	raw, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("state: marshal append value for %q: %w", key, err)
	}
	arr = append(arr, raw)

	return s.PutJSON(ctx, key, arr)
}

// ListJSON reads the JSON array stored under key into a typed slice,
// defaulting to an empty (nil) slice when the key is absent. It mirrors
// original_source's nc_state::list_json convenience wrapper (SUPPLEMENTED
// FEATURES §1 in SPEC_FULL.md).
func ListJSON[T any](ctx context.Context, s *Store, key string) ([]T, error) {
	var out []T
	if _, err := s.GetJSON(ctx, key, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}
