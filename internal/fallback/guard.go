// Package fallback serves reads when a shard is unreachable.
//
// A read is retried with backoff first. If it still fails, the configured
// strategy decides what the caller gets: nothing, the last value read
// successfully, a per-table default row, or a Future that keeps retrying in
// the background. Every fallback result is marked FallbackUsed.
package fallback

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/roach88/shardfed/internal/cache"
	"github.com/roach88/shardfed/internal/clock"
	"github.com/roach88/shardfed/internal/fault"
	"github.com/roach88/shardfed/internal/metrics"
	"github.com/roach88/shardfed/internal/record"
	"github.com/roach88/shardfed/internal/refs"
	"github.com/roach88/shardfed/internal/retry"
	"github.com/roach88/shardfed/internal/shard"
)

// Strategy selects what a failed read falls back to.
type Strategy string

const (
	StrategyNone    Strategy = "none"
	StrategyCache   Strategy = "cache"
	StrategyDefault Strategy = "default"
	StrategyFuture  Strategy = "future"
)

// Source says where a Result's row came from.
type Source string

const (
	SourceLive    Source = "live"
	SourceCache   Source = "cache"
	SourceDefault Source = "default"
	SourcePending Source = "pending"
	SourceAbsent  Source = "absent"
	SourceNone    Source = "none"
)

// Policy configures a Guard.
type Policy struct {
	Strategy Strategy
	CacheTTL time.Duration
	Retry    retry.Config
	// Defaults maps a table to the row served by StrategyDefault.
	Defaults map[string]shard.Row
}

// DefaultPolicy retries three times and falls back to cached rows for
// five minutes.
func DefaultPolicy() Policy {
	return Policy{
		Strategy: StrategyCache,
		CacheTTL: 5 * time.Minute,
		Retry:    retry.Default(),
	}
}

// Result is the outcome of a guarded read.
type Result struct {
	Row          shard.Row `json:"row,omitempty"`
	Source       Source    `json:"source"`
	FallbackUsed bool      `json:"fallback_used"`
	// Err is the live read error when the live read failed.
	Err    error   `json:"-"`
	Future *Future `json:"-"`
}

// Guard wraps record reads with retry and fallback.
//
// Thread-safety: all methods are safe for concurrent use.
type Guard struct {
	store   *record.Store
	tracker *refs.Tracker
	policy  Policy
	cache   *cache.TTL[string, shard.Row]
	clock   clock.Clock
	metrics *metrics.Metrics
	logger  *slog.Logger

	bg      context.Context
	cancel  context.CancelFunc
	pending sync.WaitGroup
}

// Option configures a Guard.
type Option func(*Guard)

// WithTracker enables GetWithReferences.
func WithTracker(t *refs.Tracker) Option {
	return func(g *Guard) { g.tracker = t }
}

// WithClock sets the cache clock.
func WithClock(c clock.Clock) Option {
	return func(g *Guard) { g.clock = clock.OrReal(c) }
}

// WithMetrics counts fallback serves.
func WithMetrics(m *metrics.Metrics) Option {
	return func(g *Guard) { g.metrics = m }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(g *Guard) { g.logger = l }
}

// New creates a Guard. Call Close to stop pending futures.
func New(store *record.Store, policy Policy, opts ...Option) (*Guard, error) {
	switch policy.Strategy {
	case StrategyNone, StrategyCache, StrategyDefault, StrategyFuture:
	case "":
		policy.Strategy = StrategyNone
	default:
		return nil, fault.InvalidArgument("fallback: unknown strategy %q", policy.Strategy)
	}
	if policy.CacheTTL <= 0 {
		policy.CacheTTL = DefaultPolicy().CacheTTL
	}

	g := &Guard{
		store:  store,
		policy: policy,
		clock:  clock.Real{},
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(g)
	}
	g.cache = cache.NewTTL[string, shard.Row](policy.CacheTTL, g.clock)
	g.bg, g.cancel = context.WithCancel(context.Background())
	return g, nil
}

// Policy returns the guard's policy.
func (g *Guard) Policy() Policy { return g.policy }

// Close cancels background retries and waits for them to finish.
func (g *Guard) Close() {
	g.cancel()
	g.pending.Wait()
}

func cacheKey(table, id string) string { return table + "\x00" + id }

// Get reads (table, id) with retry, then falls back per policy. A record
// that does not exist is reported as SourceAbsent and never falls back.
func (g *Guard) Get(ctx context.Context, table, id string) Result {
	row, err := retry.DoValue(ctx, g.policy.Retry, g.loader(table, id))
	if err != nil {
		return g.fallback(table, id, err)
	}
	return g.live(table, id, row)
}

func (g *Guard) loader(table, id string) func(context.Context) (shard.Row, error) {
	return func(ctx context.Context) (shard.Row, error) {
		row, err := g.store.FindByID(ctx, table, id)
		if err != nil && permanent(err) {
			return nil, retry.NonRetryable(err)
		}
		return row, err
	}
}

// permanent reports routing errors that no amount of retrying fixes.
func permanent(err error) bool {
	return fault.IsInvalidID(err) || fault.IsUnknownShard(err) || fault.IsUnresolvedMapping(err) ||
		fault.IsInvalidArgument(err)
}

func (g *Guard) live(table, id string, row shard.Row) Result {
	if row == nil {
		return Result{Source: SourceAbsent}
	}
	g.cache.Set(cacheKey(table, id), row.Clone())
	return Result{Row: row, Source: SourceLive}
}

// fallback applies the strategy after a failed live read.
func (g *Guard) fallback(table, id string, cause error) Result {
	res := Result{Source: SourceNone, Err: cause}
	switch g.policy.Strategy {
	case StrategyCache:
		if row, ok := g.cache.Get(cacheKey(table, id)); ok {
			res.Row, res.Source, res.FallbackUsed = row.Clone(), SourceCache, true
		}
	case StrategyDefault:
		if def, ok := g.policy.Defaults[table]; ok {
			row := def.Clone()
			row[record.ColumnID] = id
			res.Row, res.Source, res.FallbackUsed = row, SourceDefault, true
		}
	case StrategyFuture:
		if !permanent(cause) {
			res.Future = g.future(table, id)
			res.Source, res.FallbackUsed = SourcePending, true
		}
	}
	if res.FallbackUsed {
		g.metrics.FallbackServed(table, string(res.Source))
		g.logger.Warn("serving fallback", "table", table, "id", id, "source", res.Source, "error", cause)
	}
	return res
}

// Future is a read still being retried in the background.
type Future struct {
	done chan struct{}
	row  shard.Row
	err  error
}

// Done is closed once the future resolves.
func (f *Future) Done() <-chan struct{} { return f.done }

// Wait blocks until the future resolves or ctx is done.
func (f *Future) Wait(ctx context.Context) (shard.Row, error) {
	select {
	case <-f.done:
		return f.row, f.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (g *Guard) future(table, id string) *Future {
	f := &Future{done: make(chan struct{})}
	g.pending.Add(1)
	go func() {
		defer g.pending.Done()
		defer close(f.done)
		row, err := retry.DoValue(g.bg, g.policy.Retry, g.loader(table, id))
		if err != nil {
			f.err = fmt.Errorf("deferred read %s %s: %w", table, id, err)
			return
		}
		if row != nil {
			g.cache.Set(cacheKey(table, id), row.Clone())
		}
		f.row = row
	}()
	return f
}

// BatchResult maps each requested id to its Result.
type BatchResult map[string]Result

// BatchGetWithFallback reads ids in one routed batch. Ids on failed shards
// and ids that cannot be routed fall back individually.
func (g *Guard) BatchGetWithFallback(ctx context.Context, table string, ids []string) (BatchResult, error) {
	batch, err := g.store.FindByIDs(ctx, table, ids)
	if err != nil {
		return nil, err
	}
	out := make(BatchResult, len(ids))
	for id, row := range batch.Rows {
		out[id] = g.live(table, id, row)
	}
	for _, id := range batch.Missing {
		out[id] = Result{Source: SourceAbsent}
	}
	for _, f := range batch.Failures {
		for _, id := range f.IDs {
			out[id] = g.fallback(table, id, f)
		}
	}
	for id, err := range batch.Unresolved {
		out[id] = g.fallback(table, id, err)
	}
	return out, nil
}

// Related is one outbound reference and the guarded read of its target.
type Related struct {
	Reference refs.Reference `json:"reference"`
	Result    Result         `json:"result"`
}

// WithReferences is a record and its referenced records.
type WithReferences struct {
	Record     Result    `json:"record"`
	References []Related `json:"references"`
	// RefsErr is set when the outbound edge list could not be read.
	RefsErr error `json:"-"`
}

// GetWithReferences reads a record and every record it references, each
// under the same policy.
func (g *Guard) GetWithReferences(ctx context.Context, table, id string) (WithReferences, error) {
	if g.tracker == nil {
		return WithReferences{}, fault.InvalidArgument("fallback: no reference tracker configured")
	}
	out := WithReferences{Record: g.Get(ctx, table, id)}
	edges, err := g.tracker.GetReferences(ctx, table, id)
	if err != nil {
		out.RefsErr = err
		return out, nil
	}
	for _, ref := range edges {
		out.References = append(out.References, Related{
			Reference: ref,
			Result:    g.Get(ctx, ref.TargetTable, ref.TargetID),
		})
	}
	return out, nil
}
