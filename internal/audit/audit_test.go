package audit

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	promtest "github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/shardfed/internal/clock"
	"github.com/roach88/shardfed/internal/dedup"
	"github.com/roach88/shardfed/internal/idcodec"
	"github.com/roach88/shardfed/internal/metrics"
	"github.com/roach88/shardfed/internal/record"
	"github.com/roach88/shardfed/internal/refs"
	"github.com/roach88/shardfed/internal/registry"
	"github.com/roach88/shardfed/internal/router"
	fixtures "github.com/roach88/shardfed/internal/testutil"
)

var epoch = time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)

type harness struct {
	auditor *Auditor
	store   *record.Store
	tracker *refs.Tracker
	reg     *registry.Registry
	codec   *idcodec.Codec
	set     *fixtures.Shards
	promReg *prometheus.Registry
}

func newHarness(t *testing.T, shards int, regOpts ...registry.Option) *harness {
	t.Helper()
	ctx := context.Background()
	codec := idcodec.New()
	set := fixtures.NewShards(t, shards)
	opts := append([]registry.Option{registry.WithOpener(set.Open), registry.WithCodec(codec)}, regOpts...)
	reg, err := registry.Discover(ctx, set.Env, fixtures.Prefix, opts...)
	require.NoError(t, err)
	t.Cleanup(func() { reg.Close() })
	for _, md := range reg.Shards() {
		set.Conn(md.ID).SetSize(1000)
	}

	clk := clock.NewFixed(epoch)
	rt := router.New(reg, codec)
	tracker := refs.New(rt, refs.WithClock(clk))
	guard := dedup.New(rt)
	require.NoError(t, guard.Register(dedup.Constraint{Name: "unique_email", Table: "users", Columns: []string{"email"}}))

	promReg := prometheus.NewRegistry()
	// The store has no guard so tests can plant duplicates.
	store := record.New(rt, record.WithClock(clk), record.WithHooks(tracker))
	auditor := New(rt, tracker, WithGuard(guard), WithClock(clk), WithMetrics(metrics.New(promReg)))
	return &harness{auditor: auditor, store: store, tracker: tracker, reg: reg, codec: codec, set: set, promReg: promReg}
}

func (h *harness) create(t *testing.T, shardID, table string, data map[string]any) string {
	t.Helper()
	require.NoError(t, h.reg.SetActive(shardID))
	row, err := h.store.Create(context.Background(), table, data)
	require.NoError(t, err)
	return row.String("id")
}

type blog struct{ user, post, tag, link string }

func (h *harness) blog(t *testing.T) blog {
	var b blog
	b.user = h.create(t, "shard-1", "users", map[string]any{"email": "a@x.com"})
	b.post = h.create(t, "shard-2", "posts", map[string]any{"title": "p", "user_id": b.user})
	b.tag = h.create(t, "shard-3", "tags", map[string]any{"name": "go"})
	b.link = h.create(t, "shard-1", "post_tags", map[string]any{"post_id": b.post, "tag_id": b.tag})
	return b
}

func run(t *testing.T, h *harness) Report {
	t.Helper()
	report, err := h.auditor.RunConsistencyChecks(context.Background())
	require.NoError(t, err)
	return report
}

func check(t *testing.T, r Report, name string) Check {
	t.Helper()
	c, ok := r.Check(name)
	require.True(t, ok, "missing check %s", name)
	return c
}

func TestRunConsistencyChecks_CleanData(t *testing.T) {
	h := newHarness(t, 3)
	h.blog(t)

	report := run(t, h)
	assert.NotEmpty(t, report.ID)
	assert.Equal(t, epoch, report.StartedAt)
	require.Len(t, report.Checks, 6)
	for _, c := range report.Checks {
		assert.Equal(t, StatusPassed, c.Status, "%s: %s %v", c.Name, c.Message, c.Issues)
	}
	assert.Equal(t, StatusPassed, report.Status)
	assert.Contains(t, check(t, report, CheckIDFormat).Message, "4 ids checked")

	n, err := promtest.GatherAndCount(h.promReg, "shardfed_audit_checks_total")
	require.NoError(t, err)
	assert.Equal(t, 6, n)
}

func TestRunConsistencyChecks_BrokenForeignKey(t *testing.T) {
	h := newHarness(t, 3)
	b := h.blog(t)
	require.NoError(t, h.store.Delete(context.Background(), "users", b.user))

	report := run(t, h)
	assert.Equal(t, StatusFailed, report.Status)

	fk := check(t, report, CheckForeignKeys)
	assert.Equal(t, StatusFailed, fk.Status)
	require.Len(t, fk.Issues, 1)
	assert.Equal(t, Issue{
		ShardID: "shard-2", Table: "posts", ID: b.post,
		Detail: "user_id references missing users record " + b.user,
	}, fk.Issues[0])

	// The post's recorded edge to the user now dangles.
	orphans := check(t, report, CheckOrphans)
	assert.Equal(t, StatusWarning, orphans.Status)
	require.Len(t, orphans.Issues, 1)
	assert.Equal(t, b.post, orphans.Issues[0].ID)
}

func TestRunConsistencyChecks_Duplicates(t *testing.T) {
	h := newHarness(t, 2)
	first := h.create(t, "shard-1", "users", map[string]any{"email": "dup@x.com"})
	second := h.create(t, "shard-2", "users", map[string]any{"email": "dup@x.com"})

	c := check(t, run(t, h), CheckUniqueness)
	assert.Equal(t, StatusFailed, c.Status)
	require.Len(t, c.Issues, 1)
	assert.Contains(t, c.Issues[0].Detail, "shard-1/"+first)
	assert.Contains(t, c.Issues[0].Detail, "shard-2/"+second)
	assert.Equal(t, "1 duplicate group", c.Message)
}

func TestRunConsistencyChecks_OrphanedJoinRow(t *testing.T) {
	h := newHarness(t, 3)
	b := h.blog(t)
	require.NoError(t, h.store.Delete(context.Background(), "tags", b.tag))

	c := check(t, run(t, h), CheckOrphans)
	assert.Equal(t, StatusWarning, c.Status)
	// The join row itself plus its recorded edge to the tag.
	require.Len(t, c.Issues, 2)
	for _, is := range c.Issues {
		assert.Equal(t, b.link, is.ID)
		assert.Equal(t, "post_tags", is.Table)
	}
}

func TestRunConsistencyChecks_ShardBalance(t *testing.T) {
	tests := []struct {
		name   string
		sizes  []int64
		status Status
	}{
		{"even", []int64{1000, 1000, 1100}, StatusPassed},
		{"warning", []int64{1000, 1000, 1500}, StatusWarning},
		{"failed", []int64{1000, 1000, 3000}, StatusFailed},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, 3)
			for i, size := range tt.sizes {
				h.set.Conn(h.reg.Shards()[i].ID).SetSize(size)
			}
			c := check(t, run(t, h), CheckShardBalance)
			assert.Equal(t, tt.status, c.Status, c.Message)
			if tt.status != StatusPassed {
				assert.Contains(t, c.Message, "recommendation")
			}
		})
	}
}

func TestRunConsistencyChecks_Timestamps(t *testing.T) {
	h := newHarness(t, 1)
	future := epoch.Add(time.Hour).UnixMilli()
	h.create(t, "shard-1", "users", map[string]any{"email": "f@x.com", "created_at": future, "updated_at": future})
	h.create(t, "shard-1", "users", map[string]any{"email": "b@x.com", "updated_at": epoch.Add(-time.Hour).UnixMilli()})
	// Within the allowed skew.
	h.create(t, "shard-1", "users", map[string]any{"email": "ok@x.com", "created_at": epoch.Add(time.Minute).UnixMilli(), "updated_at": epoch.Add(time.Minute).UnixMilli()})

	c := check(t, run(t, h), CheckTimestamps)
	assert.Equal(t, StatusWarning, c.Status)
	assert.Len(t, c.Issues, 2)
}

func TestRunConsistencyChecks_IDFormat(t *testing.T) {
	h := newHarness(t, 2)
	ctx := context.Background()
	conn := h.set.Conn("shard-1")
	insert := conn.Prepare("INSERT INTO tags (id, name, created_at, updated_at) VALUES (?, ?, ?, ?)")

	_, err := insert.Bind("legacy-1", "bad", 1, 1).Run(ctx)
	require.NoError(t, err)
	foreign, err := h.codec.Generate(ctx, "shard-2", "tags", epoch)
	require.NoError(t, err)
	_, err = insert.Bind(foreign, "misplaced", 1, 1).Run(ctx)
	require.NoError(t, err)

	c := check(t, run(t, h), CheckIDFormat)
	assert.Equal(t, StatusFailed, c.Status)
	require.Len(t, c.Issues, 2)
	details := []string{c.Issues[0].Detail, c.Issues[1].Detail}
	assert.ElementsMatch(t, []string{"malformed universal id", "id encodes a different shard"}, details)
}

func TestRunConsistencyChecks_UnreachableShard(t *testing.T) {
	h := newHarness(t, 2)
	h.set.Conn("shard-2").Fail(errors.New("offline"))

	report := run(t, h)
	assert.Equal(t, StatusFailed, report.Status)
	c := check(t, report, CheckShardBalance)
	assert.Equal(t, StatusFailed, c.Status)
	assert.Contains(t, c.Error, "offline")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := h.auditor.RunConsistencyChecks(ctx)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestRepair(t *testing.T) {
	h := newHarness(t, 3)
	ctx := context.Background()
	b := h.blog(t)
	require.NoError(t, h.store.Delete(ctx, "tags", b.tag))
	bad := h.create(t, "shard-2", "users", map[string]any{"email": "t@x.com", "updated_at": epoch.Add(-time.Hour).UnixMilli()})

	dry, err := h.auditor.Repair(ctx, true)
	require.NoError(t, err)
	assert.True(t, dry.DryRun)
	assert.Zero(t, dry.Applied())
	kinds := map[string]int{}
	for _, a := range dry.Actions {
		kinds[a.Kind]++
	}
	assert.Equal(t, map[string]int{ActionDeleteOrphan: 1, ActionPruneReference: 1, ActionFixTimestamps: 1}, kinds)

	link, err := h.store.FindByID(ctx, "post_tags", b.link)
	require.NoError(t, err)
	assert.NotNil(t, link, "dry run writes nothing")

	applied, err := h.auditor.Repair(ctx, false)
	require.NoError(t, err)
	for _, a := range applied.Actions {
		assert.True(t, a.Applied, "%s %s: %s", a.Kind, a.ID, a.Error)
	}

	link, err = h.store.FindByID(ctx, "post_tags", b.link)
	require.NoError(t, err)
	assert.Nil(t, link)

	fixed, err := h.store.FindByID(ctx, "users", bad)
	require.NoError(t, err)
	created, _ := fixed.Int("created_at")
	updated, _ := fixed.Int("updated_at")
	assert.Equal(t, created, updated)

	report := run(t, h)
	assert.Equal(t, StatusPassed, check(t, report, CheckOrphans).Status)
	assert.Equal(t, StatusPassed, check(t, report, CheckTimestamps).Status)
}

func TestAllocationReport(t *testing.T) {
	h := newHarness(t, 3, registry.WithMaxSize(func(string) int64 { return 100 }))
	ctx := context.Background()
	for id, size := range map[string]int64{"shard-1": 95, "shard-2": 50, "shard-3": 10} {
		h.set.Conn(id).SetSize(size)
	}

	alloc, err := h.auditor.AllocationReport(ctx)
	require.NoError(t, err)
	require.Len(t, alloc.Shards, 3)
	assert.Equal(t, AllocationCritical, alloc.Shards[0].Status)
	assert.False(t, alloc.Shards[0].Eligible)
	assert.Equal(t, AllocationHealthy, alloc.Shards[1].Status)
	assert.Equal(t, AllocationHealthy, alloc.Shards[2].Status)
	assert.Equal(t, "shard-3", alloc.ActiveShard)
	assert.False(t, alloc.NextShardNeeded)
	assert.Equal(t, int64(155), alloc.TotalSizeBytes)
	assert.Equal(t, int64(300), alloc.TotalCapacity)
	require.Len(t, alloc.Recommendations, 1)
	assert.Contains(t, alloc.Recommendations[0], "shard-1")

	for _, id := range []string{"shard-2", "shard-3"} {
		h.set.Conn(id).SetSize(80)
	}
	alloc, err = h.auditor.AllocationReport(ctx)
	require.NoError(t, err)
	assert.Equal(t, AllocationWarning, alloc.Shards[1].Status)
	assert.True(t, alloc.Shards[1].Eligible)
	assert.True(t, alloc.NextShardNeeded)
	assert.Contains(t, alloc.Recommendations[len(alloc.Recommendations)-1], "provision a new shard")
}
