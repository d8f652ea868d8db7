package cache

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// Store is the persistent key-value tier. Keys are namespaced so the three
// logical layouts (meta, streams, cf_cookie) share one table.
type Store struct {
	db *sql.DB
}

// OpenStore opens (or creates) the sqlite store at path.
func OpenStore(path string) (*Store, error) {
	if dir := filepath.Dir(path); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create store dir: %w", err)
		}
	}
	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	const schema = `
CREATE TABLE IF NOT EXISTS kv (
	ns         TEXT    NOT NULL,
	k          TEXT    NOT NULL,
	v          BLOB,
	created_at INTEGER NOT NULL,
	ttl_sec    INTEGER NOT NULL,
	PRIMARY KEY (ns, k)
);`
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("init store schema: %w", err)
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// Get returns the value and whether a non-expired entry exists. Expired rows
// are deleted opportunistically.
func (s *Store) Get(ns, key string) ([]byte, bool, error) {
	var (
		value   []byte
		created int64
		ttlSec  int64
	)
	row := s.db.QueryRow(`SELECT v, created_at, ttl_sec FROM kv WHERE ns = ? AND k = ?`, ns, key)
	if err := row.Scan(&value, &created, &ttlSec); err != nil {
		if err == sql.ErrNoRows {
			return nil, false, nil
		}
		return nil, false, err
	}
	if time.Now().Unix() > created+ttlSec {
		_, _ = s.db.Exec(`DELETE FROM kv WHERE ns = ? AND k = ?`, ns, key)
		return nil, false, nil
	}
	return value, true, nil
}

// Put upserts an entry. A nil value is a legitimate cached negative result.
func (s *Store) Put(ns, key string, value []byte, ttl time.Duration) error {
	_, err := s.db.Exec(
		`INSERT INTO kv (ns, k, v, created_at, ttl_sec) VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT(ns, k) DO UPDATE SET v = excluded.v, created_at = excluded.created_at, ttl_sec = excluded.ttl_sec`,
		ns, key, value, time.Now().Unix(), int64(ttl.Seconds()),
	)
	return err
}

func (s *Store) Delete(ns, key string) error {
	_, err := s.db.Exec(`DELETE FROM kv WHERE ns = ? AND k = ?`, ns, key)
	return err
}

// Count reports live entries per namespace, for /healthz.
func (s *Store) Count(ns string) (int, error) {
	var n int
	err := s.db.QueryRow(`SELECT COUNT(*) FROM kv WHERE ns = ? AND created_at + ttl_sec >= ?`, ns, time.Now().Unix()).Scan(&n)
	return n, err
}

// Sweep removes expired rows. Called periodically by the owning fabric.
func (s *Store) Sweep() error {
	_, err := s.db.Exec(`DELETE FROM kv WHERE created_at + ttl_sec < ?`, time.Now().Unix())
	return err
}
