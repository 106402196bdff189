package testutil

import (
	"fmt"
	"path/filepath"
	"sync"
	"testing"

	"github.com/roach88/shardfed/internal/shard"
)

// Prefix is the environment prefix used by NewShards.
const Prefix = "TEST_DB"

// Schema is the application schema applied to every test shard.
const Schema = `
CREATE TABLE IF NOT EXISTS users (
    id         TEXT PRIMARY KEY,
    email      TEXT,
    username   TEXT,
    name       TEXT,
    age        INTEGER,
    created_at INTEGER NOT NULL,
    updated_at INTEGER NOT NULL
);
CREATE TABLE IF NOT EXISTS posts (
    id         TEXT PRIMARY KEY,
    user_id    TEXT,
    title      TEXT,
    score      INTEGER,
    created_at INTEGER NOT NULL,
    updated_at INTEGER NOT NULL
);
CREATE TABLE IF NOT EXISTS comments (
    id         TEXT PRIMARY KEY,
    post_id    TEXT,
    user_id    TEXT,
    body       TEXT,
    created_at INTEGER NOT NULL,
    updated_at INTEGER NOT NULL
);
CREATE TABLE IF NOT EXISTS tags (
    id         TEXT PRIMARY KEY,
    name       TEXT,
    created_at INTEGER NOT NULL,
    updated_at INTEGER NOT NULL
);
CREATE TABLE IF NOT EXISTS post_tags (
    id         TEXT PRIMARY KEY,
    post_id    TEXT,
    tag_id     TEXT,
    created_at INTEGER NOT NULL,
    updated_at INTEGER NOT NULL
);
`

// Shards is a set of SQLite shards living in a test temp directory.
//
// Thread-safety: all methods are safe for concurrent use.
type Shards struct {
	Env shard.Environment

	t     *testing.T
	mu    sync.Mutex
	conns map[string]*Conn
}

// NewShards creates n shard bindings, indexed 1..n. Databases are created
// on Open. Connections are closed by t.Cleanup unless a registry closes them
// first.
func NewShards(t *testing.T, n int) *Shards {
	t.Helper()
	dir := t.TempDir()
	env := make(shard.Environment, n)
	for i := 1; i <= n; i++ {
		key := fmt.Sprintf("%s_%d_h%04d", Prefix, i, i)
		env[key] = filepath.Join(dir, fmt.Sprintf("shard-%d.db", i))
	}
	return &Shards{Env: env, t: t, conns: make(map[string]*Conn)}
}

// Open opens a binding, applies Schema, and wraps the connection.
// It has the signature of registry.Opener.
func (s *Shards) Open(b shard.Binding) (shard.Conn, error) {
	db, err := shard.OpenSQLite(b.DSN)
	if err != nil {
		return nil, err
	}
	if _, err := db.DB().Exec(Schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply test schema: %w", err)
	}
	c := Wrap(db)
	s.mu.Lock()
	s.conns[b.ShardID()] = c
	s.mu.Unlock()
	s.t.Cleanup(func() { db.Close() })
	return c, nil
}

// Conn returns the wrapper for shardID, or nil before Open.
func (s *Shards) Conn(shardID string) *Conn {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conns[shardID]
}
