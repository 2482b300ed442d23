// Package store provides the durable key-value state the core persists
// across restarts: Position, OrderRecords, the risk ledger, and HaltState.
// Values are committed atomically per call; CompareAndSwap gives the
// single-writer components a cheap way to detect a concurrent or stale
// mutation instead of silently overwriting it.
package store

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/mattn/go-sqlite3"
)

var (
	// ErrNotFound is returned by Get for a missing key.
	ErrNotFound = errors.New("key not found")

	// ErrVersionMismatch is returned by CompareAndSwap when the stored
	// version differs from the expected one.
	ErrVersionMismatch = errors.New("version mismatch")
)

const schema = `
CREATE TABLE IF NOT EXISTS kv (
	key TEXT PRIMARY KEY,
	version INTEGER NOT NULL,
	value BLOB NOT NULL,
	updated_at DATETIME NOT NULL
);
`

// Store is a sqlite-backed versioned key-value store.
type Store struct {
	db *sql.DB
}

// NewSQLite opens (or creates) the store at path.
func NewSQLite(path string) (*Store, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, err
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, err
	}
	return &Store{db: db}, nil
}

// Put writes value under key, bumping the version.
func (s *Store) Put(key string, value []byte) error {
	_, err := s.db.Exec(`
		INSERT INTO kv (key, version, value, updated_at) VALUES (?, 1, ?, ?)
		ON CONFLICT(key) DO UPDATE SET
			version = version + 1,
			value = excluded.value,
			updated_at = excluded.updated_at`,
		key, value, time.Now().UTC(),
	)
	return err
}

// Get returns the value and version stored under key.
func (s *Store) Get(key string) ([]byte, int64, error) {
	var value []byte
	var version int64
	err := s.db.QueryRow(`SELECT value, version FROM kv WHERE key = ?`, key).Scan(&value, &version)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, 0, ErrNotFound
	}
	if err != nil {
		return nil, 0, err
	}
	return value, version, nil
}

// CompareAndSwap writes value only if the stored version equals expected.
// expected == 0 means "key must not exist yet".
func (s *Store) CompareAndSwap(key string, expected int64, value []byte) error {
	if expected == 0 {
		_, err := s.db.Exec(`INSERT INTO kv (key, version, value, updated_at) VALUES (?, 1, ?, ?)`,
			key, value, time.Now().UTC())
		var serr sqlite3.Error
		if errors.As(err, &serr) && serr.Code == sqlite3.ErrConstraint {
			return fmt.Errorf("%w: key %q already exists", ErrVersionMismatch, key)
		}
		return err
	}

	res, err := s.db.Exec(`
		UPDATE kv SET version = version + 1, value = ?, updated_at = ?
		WHERE key = ? AND version = ?`,
		value, time.Now().UTC(), key, expected,
	)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%w: key %q expected version %d", ErrVersionMismatch, key, expected)
	}
	return nil
}

// PutJSON marshals v and stores it under key.
func (s *Store) PutJSON(key string, v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return s.Put(key, b)
}

// GetJSON unmarshals the value under key into v. Returns false when the
// key does not exist.
func (s *Store) GetJSON(key string, v any) (bool, error) {
	b, _, err := s.Get(key)
	if errors.Is(err, ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, json.Unmarshal(b, v)
}

// GetJSONVersioned is GetJSON plus the stored version, for CAS round trips.
// found is false (with version 0) when the key does not exist.
func (s *Store) GetJSONVersioned(key string, v any) (version int64, found bool, err error) {
	b, version, err := s.Get(key)
	if errors.Is(err, ErrNotFound) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	return version, true, json.Unmarshal(b, v)
}

// CompareAndSwapJSON marshals v and CAS-writes it under key.
func (s *Store) CompareAndSwapJSON(key string, expected int64, v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return s.CompareAndSwap(key, expected, b)
}

// Close releases the underlying database handle.
func (s *Store) Close() error {
	return s.db.Close()
}
