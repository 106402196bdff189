package fallback

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	promtest "github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/shardfed/internal/fault"
	"github.com/roach88/shardfed/internal/idcodec"
	"github.com/roach88/shardfed/internal/metrics"
	"github.com/roach88/shardfed/internal/record"
	"github.com/roach88/shardfed/internal/refs"
	"github.com/roach88/shardfed/internal/registry"
	"github.com/roach88/shardfed/internal/retry"
	"github.com/roach88/shardfed/internal/router"
	"github.com/roach88/shardfed/internal/shard"
	fixtures "github.com/roach88/shardfed/internal/testutil"
)

var errOffline = errors.New("shard offline")

type harness struct {
	store   *record.Store
	tracker *refs.Tracker
	reg     *registry.Registry
	set     *fixtures.Shards
	metrics *metrics.Metrics
	promReg *prometheus.Registry
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

	rt := router.New(reg, codec)
	tracker := refs.New(rt)
	promReg := prometheus.NewRegistry()
	return &harness{
		store:   record.New(rt, record.WithHooks(tracker)),
		tracker: tracker,
		reg:     reg,
		set:     set,
		metrics: metrics.New(promReg),
		promReg: promReg,
	}
}

func (h *harness) guard(t *testing.T, p Policy) *Guard {
	t.Helper()
	if p.Retry.MaxAttempts == 0 {
		p.Retry = retry.Config{MaxAttempts: 2, InitialDelay: time.Millisecond, MaxDelay: time.Millisecond, Multiplier: 1}
	}
	g, err := New(h.store, p, WithTracker(h.tracker), WithMetrics(h.metrics))
	require.NoError(t, err)
	t.Cleanup(g.Close)
	return g
}

func (h *harness) create(t *testing.T, shardID, table string, data map[string]any) string {
	t.Helper()
	require.NoError(t, h.reg.SetActive(shardID))
	row, err := h.store.Create(context.Background(), table, data)
	require.NoError(t, err)
	return row.String("id")
}

func TestGet_LiveThenCache(t *testing.T) {
	h := newHarness(t, 1)
	g := h.guard(t, Policy{Strategy: StrategyCache})
	ctx := context.Background()
	id := h.create(t, "shard-1", "users", map[string]any{"name": "ada"})

	res := g.Get(ctx, "users", id)
	require.NoError(t, res.Err)
	assert.Equal(t, SourceLive, res.Source)
	assert.False(t, res.FallbackUsed)

	h.set.Conn("shard-1").Fail(errOffline)
	res = g.Get(ctx, "users", id)
	assert.Equal(t, SourceCache, res.Source)
	assert.True(t, res.FallbackUsed)
	assert.ErrorIs(t, res.Err, errOffline)
	assert.Equal(t, "ada", res.Row.String("name"))

	n, err := promtest.GatherAndCount(h.promReg, "shardfed_fallback_served_total")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestGet_RetriesBeforeFallingBack(t *testing.T) {
	h := newHarness(t, 1)
	g := h.guard(t, Policy{
		Strategy: StrategyNone,
		Retry:    retry.Config{MaxAttempts: 3, InitialDelay: time.Millisecond, MaxDelay: time.Millisecond, Multiplier: 1},
	})
	id := h.create(t, "shard-1", "users", map[string]any{"name": "ada"})

	conn := h.set.Conn("shard-1")
	conn.Fail(errOffline)
	before := conn.Calls()
	res := g.Get(context.Background(), "users", id)
	assert.Equal(t, 3, conn.Calls()-before)
	assert.Equal(t, SourceNone, res.Source)
	assert.False(t, res.FallbackUsed)
	assert.ErrorIs(t, res.Err, errOffline)
}

func TestGet_AbsentNeverFallsBack(t *testing.T) {
	h := newHarness(t, 1)
	g := h.guard(t, Policy{Strategy: StrategyDefault, Defaults: map[string]shard.Row{"users": {"name": "?"}}})
	ctx := context.Background()
	id := h.create(t, "shard-1", "users", map[string]any{"name": "ada"})
	require.NoError(t, h.store.Delete(ctx, "users", id))

	res := g.Get(ctx, "users", id)
	assert.Equal(t, SourceAbsent, res.Source)
	assert.Nil(t, res.Row)
	assert.NoError(t, res.Err)
}

func TestGet_DefaultRow(t *testing.T) {
	h := newHarness(t, 1)
	g := h.guard(t, Policy{Strategy: StrategyDefault, Defaults: map[string]shard.Row{"users": {"name": "[unavailable]"}}})
	id := h.create(t, "shard-1", "users", map[string]any{"name": "ada"})
	h.set.Conn("shard-1").Fail(errOffline)

	res := g.Get(context.Background(), "users", id)
	assert.Equal(t, SourceDefault, res.Source)
	assert.True(t, res.FallbackUsed)
	assert.Equal(t, id, res.Row.String("id"))
	assert.Equal(t, "[unavailable]", res.Row.String("name"))

	res = g.Get(context.Background(), "posts", id)
	assert.Equal(t, SourceNone, res.Source, "no default configured for posts")
}

func TestGet_FutureResolvesAfterRecovery(t *testing.T) {
	h := newHarness(t, 1)
	g := h.guard(t, Policy{
		Strategy: StrategyFuture,
		Retry:    retry.Config{MaxAttempts: 200, InitialDelay: 5 * time.Millisecond, MaxDelay: 5 * time.Millisecond, Multiplier: 1},
	})
	id := h.create(t, "shard-1", "users", map[string]any{"name": "ada"})
	conn := h.set.Conn("shard-1")
	conn.Fail(errOffline)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	// A cancelled caller context fails the live read at once.
	res := g.Get(ctx, "users", id)
	require.Equal(t, SourcePending, res.Source)
	require.NotNil(t, res.Future)
	assert.True(t, res.FallbackUsed)

	conn.Heal()
	waitCtx, done := context.WithTimeout(context.Background(), 5*time.Second)
	defer done()
	row, err := res.Future.Wait(waitCtx)
	require.NoError(t, err)
	assert.Equal(t, "ada", row.String("name"))
	select {
	case <-res.Future.Done():
	default:
		t.Fatal("future not marked done")
	}
}

func TestGet_PermanentErrorsSkipRetryAndFuture(t *testing.T) {
	h := newHarness(t, 1)
	g := h.guard(t, Policy{Strategy: StrategyFuture})

	res := g.Get(context.Background(), "users", "not-an-id")
	assert.True(t, fault.IsInvalidID(res.Err))
	assert.Nil(t, res.Future)
	assert.Equal(t, SourceNone, res.Source)
}

func TestBatchGetWithFallback(t *testing.T) {
	h := newHarness(t, 2)
	g := h.guard(t, Policy{Strategy: StrategyCache})
	ctx := context.Background()
	a := h.create(t, "shard-1", "users", map[string]any{"name": "a"})
	b := h.create(t, "shard-2", "users", map[string]any{"name": "b"})
	c := h.create(t, "shard-2", "users", map[string]any{"name": "c"})
	gone := h.create(t, "shard-1", "users", map[string]any{"name": "gone"})
	require.NoError(t, h.store.Delete(ctx, "users", gone))

	require.Equal(t, SourceLive, g.Get(ctx, "users", b).Source)
	h.set.Conn("shard-2").Fail(errOffline)

	out, err := g.BatchGetWithFallback(ctx, "users", []string{a, b, c, gone, "bogus"})
	require.NoError(t, err)
	require.Len(t, out, 5)
	assert.Equal(t, SourceLive, out[a].Source)
	assert.Equal(t, SourceCache, out[b].Source)
	assert.Equal(t, "b", out[b].Row.String("name"))
	assert.Equal(t, SourceNone, out[c].Source)
	assert.Error(t, out[c].Err)
	assert.Equal(t, SourceAbsent, out[gone].Source)
	assert.Equal(t, SourceNone, out["bogus"].Source)
	assert.True(t, fault.IsInvalidID(out["bogus"].Err))
}

func TestGetWithReferences(t *testing.T) {
	h := newHarness(t, 2)
	g := h.guard(t, Policy{Strategy: StrategyCache})
	ctx := context.Background()
	user := h.create(t, "shard-1", "users", map[string]any{"name": "ada"})
	post := h.create(t, "shard-2", "posts", map[string]any{"title": "p", "user_id": user})

	live, err := g.GetWithReferences(ctx, "posts", post)
	require.NoError(t, err)
	assert.Equal(t, SourceLive, live.Record.Source)
	require.Len(t, live.References, 1)
	assert.Equal(t, SourceLive, live.References[0].Result.Source)

	h.set.Conn("shard-1").Fail(errOffline)
	degraded, err := g.GetWithReferences(ctx, "posts", post)
	require.NoError(t, err)
	assert.Equal(t, SourceLive, degraded.Record.Source)
	require.Len(t, degraded.References, 1)
	assert.Equal(t, user, degraded.References[0].Reference.TargetID)
	assert.Equal(t, SourceCache, degraded.References[0].Result.Source)
	assert.Equal(t, "ada", degraded.References[0].Result.Row.String("name"))
}

func TestNew_Validation(t *testing.T) {
	h := newHarness(t, 1)
	_, err := New(h.store, Policy{Strategy: "proxy"})
	assert.True(t, fault.IsInvalidArgument(err))

	g, err := New(h.store, Policy{})
	require.NoError(t, err)
	defer g.Close()
	assert.Equal(t, StrategyNone, g.Policy().Strategy)
	_, err = g.GetWithReferences(context.Background(), "posts", "x")
	assert.True(t, fault.IsInvalidArgument(err))
}
