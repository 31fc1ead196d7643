// Package kvstore is the device-local key/value persistence used for the last
// view, layer visibility and the notes cache. Every failure degrades to an
// in-memory copy; callers never see an error.
package kvstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	_ "modernc.org/sqlite"
)

const (
	KeyView      = "view.last"
	KeyLayers    = "layers.visibility"
	KeyNotes     = "notes.cache"
	opTimeout    = 2 * time.Second
	createSchema = `CREATE TABLE IF NOT EXISTS kv (
  key        TEXT PRIMARY KEY,
  value      BLOB NOT NULL,
  updated_at INTEGER NOT NULL
)`
)

type Store interface {
	Get(ctx context.Context, key string) ([]byte, bool)
	Put(ctx context.Context, key string, value []byte)
}

// Memory is a process-local Store.
type Memory struct {
	mu   sync.RWMutex
	data map[string][]byte
}

func NewMemory() *Memory {
	return &Memory{data: make(map[string][]byte)}
}

func (m *Memory) Get(_ context.Context, key string) ([]byte, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.data[key]
	if !ok {
		return nil, false
	}
	return append([]byte(nil), v...), true
}

func (m *Memory) Put(_ context.Context, key string, value []byte) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data[key] = append([]byte(nil), value...)
}

// SQLite persists to a single-file database. Reads that fail fall back to the
// last value written in this process.
type SQLite struct {
	log   zerolog.Logger
	db    *sql.DB
	cache *Memory
}

// Open returns a SQLite-backed store, or a Memory store when path is empty or
// the database cannot be opened.
func Open(ctx context.Context, log zerolog.Logger, path string) Store {
	path = strings.TrimSpace(path)
	if path == "" {
		return NewMemory()
	}
	s, err := openSQLite(ctx, log, path)
	if err != nil {
		log.Warn().Err(err).Str("path", path).Msg("device store unavailable, using memory")
		return NewMemory()
	}
	return s
}

func openSQLite(ctx context.Context, log zerolog.Logger, path string) (*SQLite, error) {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create store dir: %w", err)
		}
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)

	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()
	if _, err := db.ExecContext(ctx, createSchema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create kv table: %w", err)
	}
	return &SQLite{log: log, db: db, cache: NewMemory()}, nil
}

func (s *SQLite) Get(ctx context.Context, key string) ([]byte, bool) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	var v []byte
	err := s.db.QueryRowContext(ctx, `SELECT value FROM kv WHERE key = ?`, key).Scan(&v)
	switch {
	case err == nil:
		return v, true
	case errors.Is(err, sql.ErrNoRows):
		return s.cache.Get(ctx, key)
	default:
		s.log.Debug().Err(err).Str("key", key).Msg("device store read failed")
		return s.cache.Get(ctx, key)
	}
}

func (s *SQLite) Put(ctx context.Context, key string, value []byte) {
	s.cache.Put(ctx, key, value)

	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()
	_, err := s.db.ExecContext(ctx, `
INSERT INTO kv (key, value, updated_at) VALUES (?, ?, ?)
ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
		key, value, time.Now().UnixMilli())
	if err != nil {
		s.log.Debug().Err(err).Str("key", key).Msg("device store write failed")
	}
}

func (s *SQLite) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// GetJSON decodes key into dst. It reports false when the key is missing or
// the stored value does not decode.
func GetJSON(ctx context.Context, s Store, key string, dst any) bool {
	if s == nil {
		return false
	}
	raw, ok := s.Get(ctx, key)
	if !ok {
		return false
	}
	return json.Unmarshal(raw, dst) == nil
}

// PutJSON encodes v and stores it under key; encoding failures are dropped.
func PutJSON(ctx context.Context, s Store, key string, v any) {
	if s == nil {
		return
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return
	}
	s.Put(ctx, key, raw)
}
