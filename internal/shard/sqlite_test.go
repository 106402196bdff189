package shard

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOpenSQLite_CreatesInternalTables(t *testing.T) {
	c := createTestConn(t)

	for _, table := range []string{"_shard_references", "_id_mappings", "_unique_index"} {
		var name string
		err := c.DB().QueryRow(
			"SELECT name FROM sqlite_master WHERE type='table' AND name=?", table,
		).Scan(&name)
		assert.NoError(t, err, "table %q missing", table)
	}

	var version int
	require.NoError(t, c.DB().QueryRow("PRAGMA user_version").Scan(&version))
	assert.Equal(t, currentSchemaVersion, version)
}

func TestOpenSQLite_Idempotent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "shard.db")
	for i := 0; i < 3; i++ {
		c, err := OpenSQLite(path)
		require.NoError(t, err, "open iteration %d", i)
		require.NoError(t, c.Close())
	}
	_, err := os.Stat(path)
	assert.NoError(t, err)
}

func TestOpenSQLite_InvalidPath(t *testing.T) {
	_, err := OpenSQLite("/nonexistent/dir/shard.db")
	assert.Error(t, err)
}

func TestClose_NilDB(t *testing.T) {
	s := &SQLite{}
	assert.NoError(t, s.Close())
}

func TestStatement_FirstAllRun(t *testing.T) {
	ctx := context.Background()
	c := createTestConn(t)

	_, err := c.Prepare("CREATE TABLE users (id TEXT PRIMARY KEY, email TEXT, age INTEGER)").Run(ctx)
	require.NoError(t, err)

	insert := c.Prepare("INSERT INTO users (id, email, age) VALUES (?, ?, ?)")
	res, err := insert.Bind("u1", "a@x.com", 30).Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), res.RowsAffected)
	_, err = insert.Bind("u2", "b@x.com", 40).Run(ctx)
	require.NoError(t, err)

	row, err := c.Prepare("SELECT * FROM users WHERE id = ?").Bind("u1").First(ctx)
	require.NoError(t, err)
	require.NotNil(t, row)
	assert.Equal(t, "a@x.com", row.String("email"))
	age, ok := row.Int("age")
	assert.True(t, ok)
	assert.Equal(t, int64(30), age)

	missing, err := c.Prepare("SELECT * FROM users WHERE id = ?").Bind("nope").First(ctx)
	require.NoError(t, err)
	assert.Nil(t, missing)

	rows, err := c.Prepare("SELECT id FROM users ORDER BY id").All(ctx)
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, "u2", rows[1].String("id"))

	empty, err := c.Prepare("SELECT id FROM users WHERE age > 100").All(ctx)
	require.NoError(t, err)
	assert.NotNil(t, empty)
	assert.Empty(t, empty)
}

func TestBind_DoesNotMutateReceiver(t *testing.T) {
	c := createTestConn(t)
	base := c.Prepare("SELECT ?")
	a := base.Bind(1)
	b := base.Bind(2)

	_, argsA := a.SQL()
	_, argsB := b.SQL()
	_, argsBase := base.SQL()
	assert.Equal(t, []any{1}, argsA)
	assert.Equal(t, []any{2}, argsB)
	assert.Empty(t, argsBase)
}

func TestBatch_AtomicWithinShard(t *testing.T) {
	ctx := context.Background()
	c := createTestConn(t)
	_, err := c.Prepare("CREATE TABLE t (id TEXT PRIMARY KEY)").Run(ctx)
	require.NoError(t, err)

	ins := c.Prepare("INSERT INTO t (id) VALUES (?)")
	results, err := c.Batch(ctx, []Statement{ins.Bind("a"), ins.Bind("b")})
	require.NoError(t, err)
	assert.Len(t, results, 2)

	// Second batch fails on the duplicate and must leave "c" unwritten.
	_, err = c.Batch(ctx, []Statement{ins.Bind("c"), ins.Bind("a")})
	require.Error(t, err)

	rows, err := c.Prepare("SELECT id FROM t ORDER BY id").All(ctx)
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, "a", rows[0].String("id"))
	assert.Equal(t, "b", rows[1].String("id"))
}

func TestIntrospection(t *testing.T) {
	ctx := context.Background()
	c := createTestConn(t)
	_, err := c.Prepare("CREATE TABLE posts (id TEXT PRIMARY KEY)").Run(ctx)
	require.NoError(t, err)
	_, err = c.Prepare("CREATE TABLE users (id TEXT PRIMARY KEY)").Run(ctx)
	require.NoError(t, err)

	tables, err := c.Tables(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"posts", "users"}, tables)

	count, size, err := c.PageStats(ctx)
	require.NoError(t, err)
	assert.Greater(t, count, int64(0))
	assert.Greater(t, size, int64(0))

	assert.NoError(t, c.Ping(ctx))
}

func TestValidIdent(t *testing.T) {
	for _, ok := range []string{"users", "user_id", "_x", "T1"} {
		assert.True(t, ValidIdent(ok), ok)
	}
	for _, bad := range []string{"", "1users", "users;drop", "a b", "users.id", `x"`} {
		assert.False(t, ValidIdent(bad), bad)
	}
	assert.True(t, IsInternalTable("_unique_index"))
	assert.True(t, IsInternalTable("sqlite_sequence"))
	assert.False(t, IsInternalTable("users"))
}

func TestRowHelpers(t *testing.T) {
	r := Row{"s": "x", "b": []byte("y"), "n": int64(3), "f": 2.0, "nil": nil}
	assert.Equal(t, "x", r.String("s"))
	assert.Equal(t, "y", r.String("b"))
	assert.Equal(t, "", r.String("nil"))
	assert.Equal(t, "", r.String("n"))

	n, ok := r.Int("f")
	assert.True(t, ok)
	assert.Equal(t, int64(2), n)
	_, ok = r.Int("s")
	assert.False(t, ok)

	clone := r.Clone()
	clone["s"] = "changed"
	assert.Equal(t, "x", r.String("s"))
	assert.Nil(t, Row(nil).Clone())
}
