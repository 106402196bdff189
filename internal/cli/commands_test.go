package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sebdah/goldie/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/shardfed/internal/audit"
	"github.com/roach88/shardfed/internal/cluster"
	"github.com/roach88/shardfed/internal/config"
	"github.com/roach88/shardfed/internal/shard"
	fixtures "github.com/roach88/shardfed/internal/testutil"
)

// env is a fixture shard set with a config file pointing at it.
type env struct {
	set    *fixtures.Shards
	config string
	sizes  map[string]int64
}

func newEnv(t *testing.T, shards int, yaml string) *env {
	t.Helper()
	path := filepath.Join(t.TempDir(), "shardfed.yaml")
	doc := "shards:\n  prefix: " + fixtures.Prefix + "\n" + yaml
	require.NoError(t, os.WriteFile(path, []byte(doc), 0o600))
	return &env{set: fixtures.NewShards(t, shards), config: path, sizes: map[string]int64{}}
}

func (e *env) open(b shard.Binding) (shard.Conn, error) {
	c, err := e.set.Open(b)
	if err != nil {
		return nil, err
	}
	if size, ok := e.sizes[b.ShardID()]; ok {
		e.set.Conn(b.ShardID()).SetSize(size)
	}
	return c, nil
}

func (e *env) run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	opts := &RootOptions{Env: e.set.Env, Opener: e.open}
	cmd := newRootCommand(opts)
	out, errOut := &bytes.Buffer{}, &bytes.Buffer{}
	cmd.SetOut(out)
	cmd.SetErr(errOut)
	cmd.SetArgs(append([]string{"--config", e.config}, args...))
	err := cmd.ExecuteContext(context.Background())
	return out.String(), err
}

// cluster opens the fixture shards directly to seed data.
func (e *env) cluster(t *testing.T) *cluster.Cluster {
	t.Helper()
	cfg, err := config.Load(e.config)
	require.NoError(t, err)
	c, err := cluster.Open(context.Background(), cfg,
		cluster.WithEnvironment(e.set.Env), cluster.WithOpener(e.open))
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })
	return c
}

func TestReportCommand_Golden(t *testing.T) {
	e := newEnv(t, 3, "  max_size_bytes: 100\n")
	e.sizes = map[string]int64{"shard-1": 95, "shard-2": 50, "shard-3": 10}

	out, err := e.run(t, "report")
	require.NoError(t, err)

	g := goldie.New(t,
		goldie.WithFixtureDir("testdata/golden"),
		goldie.WithNameSuffix(".golden"),
	)
	g.Assert(t, "report_text", []byte(out))
}

func TestReportCommand_JSON(t *testing.T) {
	e := newEnv(t, 2, "")
	out, err := e.run(t, "report", "--format", "json")
	require.NoError(t, err)

	var resp struct {
		Status string           `json:"status"`
		Data   audit.Allocation `json:"data"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &resp))
	assert.Equal(t, "ok", resp.Status)
	assert.Len(t, resp.Data.Shards, 2)
	assert.Equal(t, "shard-2", resp.Data.ActiveShard)
}

func TestOpen_NoShards(t *testing.T) {
	path := filepath.Join(t.TempDir(), "shardfed.yaml")
	require.NoError(t, os.WriteFile(path, []byte("shards:\n  prefix: NOTHING_HERE\n"), 0o600))

	cmd := newRootCommand(&RootOptions{Env: shard.Environment{}})
	out := &bytes.Buffer{}
	cmd.SetOut(out)
	cmd.SetErr(&bytes.Buffer{})
	cmd.SetArgs([]string{"--config", path, "report"})
	err := cmd.Execute()
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
	assert.Contains(t, out.String(), "NOTHING_HERE_<index>_<hash>")
}

func TestAuditCommand(t *testing.T) {
	e := newEnv(t, 2, "")
	c := e.cluster(t)
	ctx := context.Background()
	user, err := c.Store.Create(ctx, "users", map[string]any{"email": "a@x.com"})
	require.NoError(t, err)
	_, err = c.Store.Create(ctx, "posts", map[string]any{"title": "p", "user_id": user.String("id")})
	require.NoError(t, err)
	e.sizes = map[string]int64{"shard-1": 4096, "shard-2": 4096}

	out, err := e.run(t, "audit")
	require.NoError(t, err, out)
	assert.Contains(t, out, "[passed ] foreign_keys")
	assert.Contains(t, out, "overall: passed")

	require.NoError(t, c.Store.Delete(ctx, "users", user.String("id")))
	out, err = e.run(t, "audit")
	require.Error(t, err)
	assert.Equal(t, ExitFailure, GetExitCode(err))
	assert.Contains(t, out, "[failed ] foreign_keys")
	assert.Contains(t, out, "user_id references missing users record")
}

func TestRepairCommand(t *testing.T) {
	e := newEnv(t, 1, "")
	c := e.cluster(t)
	ctx := context.Background()
	tag, err := c.Store.Create(ctx, "tags", map[string]any{"name": "go"})
	require.NoError(t, err)
	link, err := c.Store.Create(ctx, "post_tags", map[string]any{"tag_id": tag.String("id")})
	require.NoError(t, err)
	require.NoError(t, c.Store.Delete(ctx, "tags", tag.String("id")))

	out, err := e.run(t, "repair")
	require.NoError(t, err)
	assert.Contains(t, out, "[planned] delete_orphan_join_row")
	assert.Contains(t, out, "rerun with --apply")

	out, err = e.run(t, "repair", "--apply")
	require.NoError(t, err)
	assert.Contains(t, out, "[applied] delete_orphan_join_row")

	row, err := c.Store.FindByID(ctx, "post_tags", link.String("id"))
	require.NoError(t, err)
	assert.Nil(t, row)

	out, err = e.run(t, "repair")
	require.NoError(t, err)
	assert.Equal(t, "nothing to repair\n", out)
}

func TestIDCommands(t *testing.T) {
	e := newEnv(t, 2, "")

	out, err := e.run(t, "id", "generate", "shard-1", "users")
	require.NoError(t, err)
	id := strings.TrimSpace(out)
	assert.Len(t, id, 32)

	out, err = e.run(t, "id", "decode", id, "--format", "json")
	require.NoError(t, err)
	var resp struct {
		Data decodedID `json:"data"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &resp))
	assert.Equal(t, "shard-1", resp.Data.ShardID)
	assert.Equal(t, "users", resp.Data.RecordType)

	_, err = e.run(t, "id", "generate", "shard-9", "users")
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))

	out, err = e.run(t, "id", "decode", "not-an-id")
	require.Error(t, err)
	assert.Contains(t, out, "Error ["+ErrCodeInvalidID+"]")
}

func TestDedupCommands(t *testing.T) {
	e := newEnv(t, 2, "")
	c := e.cluster(t)
	ctx := context.Background()
	// Written below the guard to plant a cross-shard duplicate.
	for _, shardID := range []string{"shard-1", "shard-2"} {
		entry, err := c.Registry.Entry(shardID)
		require.NoError(t, err)
		id, err := c.Codec.Generate(ctx, shardID, "users", time.Time{})
		require.NoError(t, err)
		_, err = entry.Conn.Prepare("INSERT INTO users (id, email, created_at, updated_at) VALUES (?, ?, 1, 1)").
			Bind(id, "dup@x.com").Run(ctx)
		require.NoError(t, err)
	}

	out, err := e.run(t, "dedup", "find", "users")
	require.Error(t, err)
	assert.Equal(t, ExitFailure, GetExitCode(err))
	assert.Contains(t, out, `email="dup@x.com"`)

	out, err = e.run(t, "dedup", "fix", "users", "--columns", "email")
	require.NoError(t, err)
	assert.Contains(t, out, "would delete 1 records")

	out, err = e.run(t, "dedup", "fix", "users", "--columns", "email", "--apply")
	require.NoError(t, err)
	assert.Contains(t, out, "deleted 1 records")

	out, err = e.run(t, "dedup", "find", "users", "--columns", "email")
	require.NoError(t, err)
	assert.Equal(t, "no duplicates\n", out)
}

func TestQueryAndAggregateCommands(t *testing.T) {
	e := newEnv(t, 2, "")
	c := e.cluster(t)
	ctx := context.Background()
	for i, shardID := range []string{"shard-1", "shard-2", "shard-1"} {
		require.NoError(t, c.Registry.SetActive(shardID))
		_, err := c.Store.Create(ctx, "posts", map[string]any{"title": "p", "score": int64(10 * (i + 1)), "user_id": "u"})
		require.NoError(t, err)
	}

	out, err := e.run(t, "query", "SELECT title, score FROM posts WHERE score > ?", "-p", "10", "--order-by", "score", "--desc")
	require.NoError(t, err)
	assert.Equal(t, "score=30  title=p\nscore=20  title=p\n(2 of 2 rows)\n", out)

	out, err = e.run(t, "query", "SELECT score FROM posts", "--order-by", "score", "--limit", "1", "--offset", "1", "--merge")
	require.NoError(t, err)
	assert.Equal(t, "score=20\n(1 rows)\n", out)

	out, err = e.run(t, "aggregate", "posts", "--count", "--sum", "score", "--max", "score")
	require.NoError(t, err)
	assert.Equal(t, "count=3  max_score=30  sum_score=60\n", out)

	out, err = e.run(t, "aggregate", "posts", "--count", "--where", "score=20")
	require.NoError(t, err)
	assert.Equal(t, "count=1\n", out)

	_, err = e.run(t, "aggregate", "posts")
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
}

func TestMigrateCommand(t *testing.T) {
	e := newEnv(t, 2, "")
	ddl := filepath.Join(t.TempDir(), "notes.sql")
	require.NoError(t, os.WriteFile(ddl, []byte(
		"CREATE TABLE IF NOT EXISTS notes (id TEXT PRIMARY KEY, created_at INTEGER NOT NULL, updated_at INTEGER NOT NULL);"), 0o600))

	_, err := e.run(t, "migrate")
	require.Error(t, err, "no schema configured")

	out, err := e.run(t, "migrate", "--file", ddl)
	require.NoError(t, err)
	assert.Equal(t, "schema applied to 2 shards\n", out)

	tables, err := e.set.Conn("shard-2").Tables(context.Background())
	require.NoError(t, err)
	assert.Contains(t, tables, "notes")
}

func TestMonitorRouter(t *testing.T) {
	e := newEnv(t, 2, "")
	reg := prometheus.NewRegistry()
	cfg, err := config.Load(e.config)
	require.NoError(t, err)
	c, err := cluster.Open(context.Background(), cfg,
		cluster.WithEnvironment(e.set.Env), cluster.WithOpener(e.open), cluster.WithRegisterer(reg))
	require.NoError(t, err)
	defer c.Close()

	mon := c.Monitor()
	mon.CheckNow(context.Background())
	srv := httptest.NewServer(newMonitorRouter(c.Auditor, mon, reg))
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/health")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, err = http.Get(srv.URL + "/allocation")
	require.NoError(t, err)
	var alloc audit.Allocation
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&alloc))
	resp.Body.Close()
	assert.Len(t, alloc.Shards, 2)

	resp, err = http.Get(srv.URL + "/metrics")
	require.NoError(t, err)
	body := &bytes.Buffer{}
	_, err = body.ReadFrom(resp.Body)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Contains(t, body.String(), "shardfed_shard_size_bytes")

	e.set.Conn("shard-1").Fail(assert.AnError)
	for range 3 {
		mon.CheckNow(context.Background())
	}
	resp, err = http.Get(srv.URL + "/health")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}
