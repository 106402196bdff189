package shard

import (
	"path/filepath"
	"testing"
)

// createTestConn opens a fresh SQLite shard in a temp directory.
func createTestConn(t *testing.T) *SQLite {
	t.Helper()
	path := filepath.Join(t.TempDir(), "shard.db")
	c, err := OpenSQLite(path)
	if err != nil {
		t.Fatalf("OpenSQLite() failed: %v", err)
	}
	t.Cleanup(func() { c.Close() })
	return c
}
