package federation

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/shardfed/internal/clock"
	"github.com/roach88/shardfed/internal/fault"
	"github.com/roach88/shardfed/internal/idcodec"
	"github.com/roach88/shardfed/internal/querysql"
	"github.com/roach88/shardfed/internal/record"
	"github.com/roach88/shardfed/internal/refs"
	"github.com/roach88/shardfed/internal/registry"
	"github.com/roach88/shardfed/internal/router"
	"github.com/roach88/shardfed/internal/shard"
	fixtures "github.com/roach88/shardfed/internal/testutil"
)

var epoch = time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)

type harness struct {
	engine *Engine
	store  *record.Store
	reg    *registry.Registry
	set    *fixtures.Shards
	hook   *hookLog
}

func newHarness(t *testing.T, shards int) *harness {
	t.Helper()
	ctx := context.Background()
	codec := idcodec.New()
	set := fixtures.NewShards(t, shards)
	reg, err := registry.Discover(ctx, set.Env, fixtures.Prefix,
		registry.WithOpener(set.Open), registry.WithCodec(codec))
	require.NoError(t, err)
	t.Cleanup(func() { reg.Close() })

	hook := &hookLog{}
	store := record.New(router.New(reg, codec), record.WithClock(clock.NewFixed(epoch)), record.WithHooks(hook))
	return &harness{engine: New(store), store: store, reg: reg, set: set, hook: hook}
}

func (h *harness) create(t *testing.T, shardID, table string, data map[string]any) shard.Row {
	t.Helper()
	require.NoError(t, h.reg.SetActive(shardID))
	row, err := h.store.Create(context.Background(), table, data)
	require.NoError(t, err)
	return row
}

type hookLog struct {
	mu      sync.Mutex
	created []string
	updated []string
	deleted []string
}

func (l *hookLog) AfterCreate(_ context.Context, _ string, row shard.Row) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.created = append(l.created, row.String("id"))
	return nil
}

func (l *hookLog) AfterUpdate(_ context.Context, _ string, _, after shard.Row) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.updated = append(l.updated, after.String("id"))
	return nil
}

func (l *hookLog) AfterDelete(_ context.Context, _ string, row shard.Row) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.deleted = append(l.deleted, row.String("id"))
	return nil
}

func ages(rows []shard.Row) []int64 {
	out := make([]int64, 0, len(rows))
	for _, r := range rows {
		n, _ := r.Int("age")
		out = append(out, n)
	}
	return out
}

func TestQueryWithGlobalSort_PaginatesAfterSorting(t *testing.T) {
	h := newHarness(t, 2)
	h.create(t, "shard-1", "users", map[string]any{"name": "a", "age": 10})
	h.create(t, "shard-1", "users", map[string]any{"name": "c", "age": 30})
	h.create(t, "shard-2", "users", map[string]any{"name": "b", "age": 20})
	h.create(t, "shard-2", "users", map[string]any{"name": "d", "age": 40})

	for _, merge := range []bool{false, true} {
		page, err := h.engine.QueryWithGlobalSort(context.Background(), "SELECT * FROM users", nil,
			SortOptions{OrderBy: "age", Limit: 2, Offset: 1, Merge: merge})
		require.NoError(t, err)
		assert.Equal(t, []int64{20, 30}, ages(page.Rows), "merge=%v", merge)
		assert.Empty(t, page.Failures)
	}

	page, err := h.engine.QueryWithGlobalSort(context.Background(), "SELECT * FROM users WHERE age > ?", []any{15},
		SortOptions{OrderBy: "age", Desc: true})
	require.NoError(t, err)
	assert.Equal(t, []int64{40, 30, 20}, ages(page.Rows))
	assert.Equal(t, 3, page.Total)
}

func TestQueryWithGlobalSort_TiesKeepShardOrder(t *testing.T) {
	h := newHarness(t, 2)
	second := h.create(t, "shard-2", "users", map[string]any{"name": "s2", "age": 5})
	first := h.create(t, "shard-1", "users", map[string]any{"name": "s1", "age": 5})

	for _, merge := range []bool{false, true} {
		page, err := h.engine.QueryWithGlobalSort(context.Background(), "SELECT * FROM users", nil,
			SortOptions{OrderBy: "age", Limit: 10, Merge: merge})
		require.NoError(t, err)
		require.Len(t, page.Rows, 2)
		assert.Equal(t, first["id"], page.Rows[0]["id"])
		assert.Equal(t, second["id"], page.Rows[1]["id"])
	}
}

func TestQueryWithGlobalSort_RejectsBadColumn(t *testing.T) {
	h := newHarness(t, 1)
	_, err := h.engine.QueryWithGlobalSort(context.Background(), "SELECT * FROM users", nil,
		SortOptions{OrderBy: "age; DROP TABLE users"})
	assert.Error(t, err)
}

func TestQueryWithGlobalSort_ReportsFailedShards(t *testing.T) {
	h := newHarness(t, 2)
	h.create(t, "shard-1", "users", map[string]any{"name": "a", "age": 10})
	h.set.Conn("shard-2").Fail(errors.New("offline"))

	page, err := h.engine.QueryWithGlobalSort(context.Background(), "SELECT * FROM users", nil, SortOptions{OrderBy: "age"})
	require.NoError(t, err)
	assert.Equal(t, []int64{10}, ages(page.Rows))
	require.Len(t, page.Failures, 1)
	assert.Equal(t, "shard-2", page.Failures[0].ShardID)
}

func TestAggregate_MergesAcrossShards(t *testing.T) {
	h := newHarness(t, 2)
	h.create(t, "shard-1", "users", map[string]any{"name": "a", "age": 10})
	h.create(t, "shard-1", "users", map[string]any{"name": "b", "age": 30})
	h.create(t, "shard-2", "users", map[string]any{"name": "a", "age": 20})
	h.create(t, "shard-2", "users", map[string]any{"name": "b", "age": 40})
	h.create(t, "shard-2", "users", map[string]any{"name": "a", "age": 60})

	res, err := h.engine.Aggregate(context.Background(), "users", AggregateSpec{
		Count: true, Sum: []string{"age"}, Avg: []string{"age"}, Min: []string{"age"}, Max: []string{"age"},
	})
	require.NoError(t, err)
	assert.Equal(t, int64(5), res.Values["count"])
	assert.Equal(t, int64(160), res.Values["sum_age"])
	// (20 + 40) / 2: the mean of shard means, not of rows.
	assert.InDelta(t, 30.0, res.Values["avg_age"], 1e-9)
	assert.Equal(t, int64(10), res.Values["min_age"])
	assert.Equal(t, int64(60), res.Values["max_age"])

	grouped, err := h.engine.Aggregate(context.Background(), "users", AggregateSpec{
		Count: true, Sum: []string{"age"}, GroupBy: "name",
	})
	require.NoError(t, err)
	require.Len(t, grouped.Groups, 2)
	assert.Equal(t, "a", grouped.Groups[0].Key)
	assert.Equal(t, int64(3), grouped.Groups[0].Values["count"])
	assert.Equal(t, int64(90), grouped.Groups[0].Values["sum_age"])
	assert.Equal(t, "b", grouped.Groups[1].Key)
	assert.Equal(t, int64(70), grouped.Groups[1].Values["sum_age"])
}

func TestAggregate_FilterAndEmpty(t *testing.T) {
	h := newHarness(t, 2)
	h.create(t, "shard-1", "users", map[string]any{"name": "a", "age": 10})

	res, err := h.engine.Aggregate(context.Background(), "users", AggregateSpec{
		Count: true, Sum: []string{"age"}, Where: querysql.Equals{Column: "name", Value: "zzz"},
	})
	require.NoError(t, err)
	assert.Equal(t, int64(0), res.Values["count"])
	assert.Nil(t, res.Values["sum_age"])

	_, err = h.engine.Aggregate(context.Background(), "users", AggregateSpec{})
	assert.True(t, fault.IsInvalidArgument(err))
}

func TestJoinTables_InnerAndLeft(t *testing.T) {
	h := newHarness(t, 2)
	u1 := h.create(t, "shard-1", "users", map[string]any{"email": "u1@x.com"})
	u2 := h.create(t, "shard-2", "users", map[string]any{"email": "u2@x.com"})
	h.create(t, "shard-2", "posts", map[string]any{"title": "p1", "user_id": u1["id"]})
	h.create(t, "shard-1", "posts", map[string]any{"title": "p2", "user_id": u2["id"]})
	h.create(t, "shard-1", "posts", map[string]any{"title": "orphan", "user_id": nil})

	inner, err := h.engine.JoinTables(context.Background(), JoinSpec{
		Left: "posts", Right: "users", LeftKey: "user_id", RightKey: "id",
	})
	require.NoError(t, err)
	require.Len(t, inner.Rows, 2)
	byTitle := map[string]shard.Row{}
	for _, r := range inner.Rows {
		byTitle[r.String("posts.title")] = r
	}
	assert.Equal(t, "u1@x.com", byTitle["p1"]["users.email"])
	assert.Equal(t, "u2@x.com", byTitle["p2"]["users.email"])

	left, err := h.engine.JoinTables(context.Background(), JoinSpec{
		Left: "posts", Right: "users", LeftKey: "user_id", RightKey: "id", Type: JoinLeft,
	})
	require.NoError(t, err)
	require.Len(t, left.Rows, 3)
	for _, r := range left.Rows {
		if r.String("posts.title") == "orphan" {
			_, hasRight := r["users.id"]
			assert.False(t, hasRight)
		}
	}

	_, err = h.engine.JoinTables(context.Background(), JoinSpec{Left: "posts", Right: "users", LeftKey: "user_id", RightKey: "id", Type: "outer"})
	assert.True(t, fault.IsInvalidArgument(err))
}

func TestExecuteDistributedTransaction_Commits(t *testing.T) {
	h := newHarness(t, 2)
	ctx := context.Background()
	keep := h.create(t, "shard-1", "users", map[string]any{"name": "keep", "age": 1})
	drop := h.create(t, "shard-2", "users", map[string]any{"name": "drop", "age": 2})
	h.hook.created = nil

	res, err := h.engine.ExecuteDistributedTransaction(ctx, []Operation{
		{Kind: OpInsert, Table: "users", Data: map[string]any{"name": "new"}},
		{Kind: OpUpdate, Table: "users", ID: keep.String("id"), Data: map[string]any{"age": 11}},
		{Kind: OpDelete, Table: "users", ID: drop.String("id")},
	})
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Len(t, res.TxID, 36)
	assert.ElementsMatch(t, []string{"shard-1", "shard-2"}, res.Committed)
	assert.Empty(t, res.Failed)
	require.Len(t, res.InsertedIDs, 1)

	got, err := h.store.FindByID(ctx, "users", keep.String("id"))
	require.NoError(t, err)
	n, _ := got.Int("age")
	assert.Equal(t, int64(11), n)

	got, err = h.store.FindByID(ctx, "users", drop.String("id"))
	require.NoError(t, err)
	assert.Nil(t, got)

	got, err = h.store.FindByID(ctx, "users", res.InsertedIDs[0])
	require.NoError(t, err)
	assert.Equal(t, "new", got.String("name"))

	assert.Equal(t, res.InsertedIDs, h.hook.created)
	assert.Equal(t, []string{keep.String("id")}, h.hook.updated)
	assert.Equal(t, []string{drop.String("id")}, h.hook.deleted)
}

func TestExecuteDistributedTransaction_UpdateMovesReferenceEdge(t *testing.T) {
	h := newHarness(t, 2)
	ctx := context.Background()
	tracker := refs.New(h.store.Router(), refs.WithClock(clock.NewFixed(epoch)))
	h.store.AddHook(tracker)

	ann := h.create(t, "shard-1", "users", map[string]any{"name": "ann"})
	bob := h.create(t, "shard-1", "users", map[string]any{"name": "bob"})
	post := h.create(t, "shard-2", "posts", map[string]any{"user_id": ann.String("id"), "title": "hi"})

	res, err := h.engine.ExecuteDistributedTransaction(ctx, []Operation{
		{Kind: OpUpdate, Table: "posts", ID: post.String("id"), Data: map[string]any{"user_id": bob.String("id")}},
	})
	require.NoError(t, err)
	require.True(t, res.Success)

	edges, err := tracker.GetReferences(ctx, "posts", post.String("id"))
	require.NoError(t, err)
	require.Len(t, edges, 1)
	assert.Equal(t, bob.String("id"), edges[0].TargetID)

	report, err := tracker.ValidateReferences(ctx, "posts", post.String("id"))
	require.NoError(t, err)
	assert.True(t, report.Valid)
}

func TestExecuteDistributedTransaction_CompensationKeepsCascadingChildren(t *testing.T) {
	h := newHarness(t, 2)
	ctx := context.Background()
	owner := h.create(t, "shard-1", "users", map[string]any{"name": "before"})

	conn := h.set.Conn("shard-1")
	_, err := conn.Prepare(`
		CREATE TABLE profiles (
			id      TEXT PRIMARY KEY,
			user_id TEXT NOT NULL REFERENCES users(id) ON DELETE CASCADE
		)
	`).Run(ctx)
	require.NoError(t, err)
	_, err = conn.Prepare(`INSERT INTO profiles (id, user_id) VALUES (?, ?)`).Bind("p1", owner.String("id")).Run(ctx)
	require.NoError(t, err)
	require.NoError(t, h.reg.SetActive("shard-2"))

	res, err := h.engine.ExecuteDistributedTransaction(ctx, []Operation{
		{Kind: OpUpdate, Table: "users", ID: owner.String("id"), Data: map[string]any{"name": "after"}},
		{Kind: OpInsert, Table: "users", Data: map[string]any{"nickname": "x"}},
	})
	require.NoError(t, err)
	require.Equal(t, []string{"shard-1"}, res.Compensated)

	got, err := h.store.FindByID(ctx, "users", owner.String("id"))
	require.NoError(t, err)
	assert.Equal(t, "before", got.String("name"))

	row, err := conn.Prepare(`SELECT COUNT(*) AS n FROM profiles`).First(ctx)
	require.NoError(t, err)
	n, _ := row.Int("n")
	assert.Equal(t, int64(1), n, "reverting the update does not delete the row")
}

func TestExecuteDistributedTransaction_RejectsRepeatedRecord(t *testing.T) {
	h := newHarness(t, 1)
	ctx := context.Background()
	u := h.create(t, "shard-1", "users", map[string]any{"name": "u"})

	_, err := h.engine.ExecuteDistributedTransaction(ctx, []Operation{
		{Kind: OpDelete, Table: "users", ID: u.String("id")},
		{Kind: OpUpdate, Table: "users", ID: u.String("id"), Data: map[string]any{"name": "x"}},
	})
	require.Error(t, err)
	assert.True(t, fault.IsInvalidArgument(err))

	got, err := h.store.FindByID(ctx, "users", u.String("id"))
	require.NoError(t, err)
	assert.Equal(t, "u", got.String("name"))
}

func TestExecuteDistributedTransaction_CompensatesCommittedShards(t *testing.T) {
	h := newHarness(t, 2)
	ctx := context.Background()
	victim := h.create(t, "shard-1", "users", map[string]any{"name": "before", "age": 1})
	require.NoError(t, h.reg.SetActive("shard-2"))
	h.hook.created = nil

	res, err := h.engine.ExecuteDistributedTransaction(ctx, []Operation{
		{Kind: OpUpdate, Table: "users", ID: victim.String("id"), Data: map[string]any{"name": "after"}},
		// The unknown column makes shard-2's batch fail.
		{Kind: OpInsert, Table: "users", Data: map[string]any{"nickname": "x"}},
	})
	require.NoError(t, err)
	assert.False(t, res.Success)
	assert.Equal(t, []string{"shard-1"}, res.Committed)
	assert.Equal(t, []string{"shard-2"}, res.Failed)
	assert.Equal(t, []string{"shard-1"}, res.Compensated)
	assert.Empty(t, res.CompensationErrors)

	got, err := h.store.FindByID(ctx, "users", victim.String("id"))
	require.NoError(t, err)
	assert.Equal(t, "before", got.String("name"))
	assert.Empty(t, h.hook.created)
}

func TestExecuteDistributedTransaction_WithoutCompensation(t *testing.T) {
	h := newHarness(t, 2)
	h.engine = New(h.store, WithCompensation(false))
	ctx := context.Background()
	victim := h.create(t, "shard-1", "users", map[string]any{"name": "before"})
	require.NoError(t, h.reg.SetActive("shard-2"))

	res, err := h.engine.ExecuteDistributedTransaction(ctx, []Operation{
		{Kind: OpUpdate, Table: "users", ID: victim.String("id"), Data: map[string]any{"name": "after"}},
		{Kind: OpInsert, Table: "users", Data: map[string]any{"nickname": "x"}},
	})
	require.NoError(t, err)
	assert.False(t, res.Success)
	assert.Empty(t, res.Compensated)

	got, err := h.store.FindByID(ctx, "users", victim.String("id"))
	require.NoError(t, err)
	assert.Equal(t, "after", got.String("name"), "committed shards keep their writes")
}

func TestExecuteDistributedTransaction_PlanErrorsWriteNothing(t *testing.T) {
	h := newHarness(t, 2)
	ctx := context.Background()
	u := h.create(t, "shard-1", "users", map[string]any{"name": "u"})
	require.NoError(t, h.store.Delete(ctx, "users", u.String("id")))

	_, err := h.engine.ExecuteDistributedTransaction(ctx, []Operation{
		{Kind: OpInsert, Table: "users", Data: map[string]any{"name": "never"}},
		{Kind: OpDelete, Table: "users", ID: u.String("id")},
	})
	require.Error(t, err)
	assert.True(t, fault.IsNotFound(err))

	count, err := h.store.Count(ctx, "users", nil)
	require.NoError(t, err)
	assert.Equal(t, int64(0), count.Total)

	_, err = h.engine.ExecuteDistributedTransaction(ctx, []Operation{{Kind: "upsert", Table: "users"}})
	assert.True(t, fault.IsInvalidArgument(err))

	res, err := h.engine.ExecuteDistributedTransaction(ctx, nil)
	require.NoError(t, err)
	assert.True(t, res.Success)
}

func TestStream_BatchesShardByShard(t *testing.T) {
	h := newHarness(t, 2)
	for i := 1; i <= 3; i++ {
		h.create(t, "shard-1", "users", map[string]any{"age": i})
	}
	for i := 4; i <= 5; i++ {
		h.create(t, "shard-2", "users", map[string]any{"age": i})
	}

	s, err := h.engine.StreamFromAllShards("users", StreamOptions{BatchSize: 2, OrderBy: "age"})
	require.NoError(t, err)

	var sizes []int
	var all []int64
	for batch, err := range s.All(context.Background()) {
		require.NoError(t, err)
		sizes = append(sizes, len(batch))
		all = append(all, ages(batch)...)
	}
	assert.Equal(t, []int{2, 1, 2}, sizes)
	assert.Equal(t, []int64{1, 2, 3, 4, 5}, all)

	for _, err := range s.All(context.Background()) {
		assert.ErrorIs(t, err, ErrStreamConsumed)
	}
}

func TestStream_StopsEarlyAndReportsFailures(t *testing.T) {
	h := newHarness(t, 2)
	for i := 1; i <= 4; i++ {
		h.create(t, "shard-2", "users", map[string]any{"age": i})
	}
	h.set.Conn("shard-1").Fail(errors.New("offline"))

	s, err := h.engine.StreamFromAllShards("users", StreamOptions{BatchSize: 1})
	require.NoError(t, err)

	var failures, batches int
	for batch, err := range s.All(context.Background()) {
		if err != nil {
			var f router.Failure
			require.ErrorAs(t, err, &f)
			assert.Equal(t, "shard-1", f.ShardID)
			failures++
			continue
		}
		batches++
		if len(batch) > 0 && batches == 2 {
			break
		}
	}
	assert.Equal(t, 1, failures)
	assert.Equal(t, 2, batches)

	_, err = h.engine.StreamFromAllShards("bad table", StreamOptions{})
	assert.True(t, fault.IsInvalidArgument(err))
}
