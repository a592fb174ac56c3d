// Package kvstore implements the engine's primary embedded record store: a
// single modernc.org/sqlite (pure Go, no CGO) database holding one generic
// namespaced key/value table, opened exclusively per process via an
// on-disk flock so two engine instances never write the same data
// directory concurrently.
package kvstore

import (
	"context"
	"database/sql"
	"fmt"
	"path/filepath"
	"sync"

	"github.com/gofrs/flock"
	_ "modernc.org/sqlite"

	"github.com/amanmcp/hybridmemory/internal/errtax"
)

// Namespaces used across the engine. Keeping them here avoids typos
// scattered through every package that touches the store.
const (
	NSMemory      = "mem"
	NSDocument    = "doc"
	NSChunk       = "chunk"
	NSPathLatest  = "path_latest"
	NSDocVersions = "doc_versions"
	NSGraphNode   = "kg:node"
	NSGraphEdge   = "kg:edge"
	NSGraphAdjOut = "kg:adj_out"
	NSGraphAdjIn  = "kg:adj_in"
	NSVector      = "vec"
	NSText        = "text"
	NSSettings    = "settings"
	NSTombstone   = "tomb"
	NSRepairQueue = "repair"
)

// Store is the engine's transactional key/value store.
type Store struct {
	mu   sync.Mutex
	db   *sql.DB
	lock *flock.Flock
	path string
}

// Open opens (creating if needed) the sqlite database at dir/kv.db,
// acquiring an exclusive, non-blocking file lock first. A second process
// trying to Open the same directory gets errtax.Unavailable immediately
// rather than blocking, matching the single-writer contract in C1.
func Open(ctx context.Context, dir string) (*Store, error) {
	lockPath := filepath.Join(dir, ".lock")
	fl := flock.New(lockPath)
	locked, err := fl.TryLock()
	if err != nil {
		return nil, errtax.Wrap(errtax.Internal, fmt.Errorf("acquire store lock: %w", err))
	}
	if !locked {
		return nil, errtax.New(errtax.Unavailable, "store directory is already open by another process").
			WithDetail("dir", dir)
	}

	dbPath := filepath.Join(dir, "kv.db")
	db, err := sql.Open("sqlite", dbPath+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		_ = fl.Unlock()
		return nil, errtax.Wrap(errtax.Internal, fmt.Errorf("open sqlite: %w", err))
	}
	db.SetMaxOpenConns(1)

	pragmas := []string{
		"PRAGMA synchronous=NORMAL",
		"PRAGMA cache_size=-65536",
		"PRAGMA temp_store=MEMORY",
		"PRAGMA foreign_keys=ON",
	}
	for _, p := range pragmas {
		if _, err := db.ExecContext(ctx, p); err != nil {
			_ = db.Close()
			_ = fl.Unlock()
			return nil, errtax.Wrap(errtax.Internal, fmt.Errorf("apply pragma %q: %w", p, err))
		}
	}

	const schema = `
CREATE TABLE IF NOT EXISTS kv (
	namespace TEXT NOT NULL,
	key       TEXT NOT NULL,
	value     BLOB NOT NULL,
	PRIMARY KEY (namespace, key)
);
CREATE INDEX IF NOT EXISTS idx_kv_namespace ON kv(namespace);
`
	if _, err := db.ExecContext(ctx, schema); err != nil {
		_ = db.Close()
		_ = fl.Unlock()
		return nil, errtax.Wrap(errtax.Internal, fmt.Errorf("apply schema: %w", err))
	}

	return &Store{db: db, lock: fl, path: dbPath}, nil
}

// Close releases the database handle and the exclusive lock.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	err := s.db.Close()
	if uerr := s.lock.Unlock(); uerr != nil && err == nil {
		err = uerr
	}
	return err
}

// Path returns the database file's on-disk path.
func (s *Store) Path() string {
	return s.path
}

// Backup writes a consistent snapshot of the store to destPath using
// sqlite's VACUUM INTO, which is safe to run against a live WAL-mode
// database without blocking readers/writers for the duration.
func (s *Store) Backup(ctx context.Context, destPath string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := s.db.ExecContext(ctx, "VACUUM INTO ?", destPath); err != nil {
		return errtax.Wrap(errtax.Internal, fmt.Errorf("vacuum into %s: %w", destPath, err))
	}
	return nil
}

// Get reads a single value, returning errtax.NotFound when absent.
func (s *Store) Get(ctx context.Context, namespace, key string) ([]byte, error) {
	var value []byte
	err := s.db.QueryRowContext(ctx, `SELECT value FROM kv WHERE namespace = ? AND key = ?`, namespace, key).Scan(&value)
	if err == sql.ErrNoRows {
		return nil, errtax.NotFoundf("%s/%s not found", namespace, key)
	}
	if err != nil {
		return nil, errtax.Wrap(errtax.Internal, err)
	}
	return value, nil
}

// Put writes (or overwrites) a single value in its own transaction.
func (s *Store) Put(ctx context.Context, namespace, key string, value []byte) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO kv(namespace, key, value) VALUES (?, ?, ?)
		 ON CONFLICT(namespace, key) DO UPDATE SET value = excluded.value`,
		namespace, key, value)
	if err != nil {
		return errtax.Wrap(errtax.Internal, err)
	}
	return nil
}

// Delete removes a single key. Deleting a missing key is not an error.
func (s *Store) Delete(ctx context.Context, namespace, key string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM kv WHERE namespace = ? AND key = ?`, namespace, key)
	if err != nil {
		return errtax.Wrap(errtax.Internal, err)
	}
	return nil
}

// Scan iterates all key/value pairs in namespace with the given key
// prefix, calling fn for each. Iteration stops and returns fn's error, if
// any.
func (s *Store) Scan(ctx context.Context, namespace, prefix string, fn func(key string, value []byte) error) error {
	rows, err := s.db.QueryContext(ctx,
		`SELECT key, value FROM kv WHERE namespace = ? AND key LIKE ? ESCAPE '\' ORDER BY key`,
		namespace, escapeLike(prefix)+"%")
	if err != nil {
		return errtax.Wrap(errtax.Internal, err)
	}
	defer rows.Close()

	for rows.Next() {
		var key string
		var value []byte
		if err := rows.Scan(&key, &value); err != nil {
			return errtax.Wrap(errtax.Internal, err)
		}
		if err := fn(key, value); err != nil {
			return err
		}
	}
	return rows.Err()
}

// CountNamespace returns the number of keys stored under namespace.
func (s *Store) CountNamespace(ctx context.Context, namespace string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM kv WHERE namespace = ?`, namespace).Scan(&n)
	if err != nil {
		return 0, errtax.Wrap(errtax.Internal, err)
	}
	return n, nil
}

func escapeLike(s string) string {
	r := make([]byte, 0, len(s))
	for i := 0; i < len(s); i++ {
		c := s[i]
		if c == '%' || c == '_' || c == '\\' {
			r = append(r, '\\')
		}
		r = append(r, c)
	}
	return string(r)
}

// Write is a single batched mutation applied atomically by WithTx.
type Write struct {
	Namespace string
	Key       string
	Value     []byte // nil means delete
}

// Tx is a handle to an in-flight transaction, passed to the closure given
// to WithTx so callers can interleave reads with their writes.
type Tx struct {
	tx *sql.Tx
}

// Get reads within the transaction's snapshot.
func (t *Tx) Get(ctx context.Context, namespace, key string) ([]byte, error) {
	var value []byte
	err := t.tx.QueryRowContext(ctx, `SELECT value FROM kv WHERE namespace = ? AND key = ?`, namespace, key).Scan(&value)
	if err == sql.ErrNoRows {
		return nil, errtax.NotFoundf("%s/%s not found", namespace, key)
	}
	if err != nil {
		return nil, errtax.Wrap(errtax.Internal, err)
	}
	return value, nil
}

// Put writes within the transaction.
func (t *Tx) Put(ctx context.Context, namespace, key string, value []byte) error {
	_, err := t.tx.ExecContext(ctx,
		`INSERT INTO kv(namespace, key, value) VALUES (?, ?, ?)
		 ON CONFLICT(namespace, key) DO UPDATE SET value = excluded.value`,
		namespace, key, value)
	if err != nil {
		return errtax.Wrap(errtax.Internal, err)
	}
	return nil
}

// Delete removes a key within the transaction.
func (t *Tx) Delete(ctx context.Context, namespace, key string) error {
	_, err := t.tx.ExecContext(ctx, `DELETE FROM kv WHERE namespace = ? AND key = ?`, namespace, key)
	if err != nil {
		return errtax.Wrap(errtax.Internal, err)
	}
	return nil
}

// WithTx runs fn inside a single SQL transaction. If fn returns an error,
// or the commit fails, no writes made through tx are visible — this is
// the anchor-commit primitive the coordinator builds on.
func (s *Store) WithTx(ctx context.Context, fn func(tx *Tx) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return errtax.Wrap(errtax.Internal, err)
	}

	if err := fn(&Tx{tx: sqlTx}); err != nil {
		_ = sqlTx.Rollback()
		return err
	}

	if err := sqlTx.Commit(); err != nil {
		return errtax.Wrap(errtax.Internal, fmt.Errorf("commit: %w", err))
	}
	return nil
}
