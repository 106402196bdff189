package router

import (
	"cmp"
	"context"
	"slices"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/roach88/shardfed/internal/registry"
	"github.com/roach88/shardfed/internal/shard"
)

// Outcome is one shard's result in a fan-out.
type Outcome[T any] struct {
	ShardID string
	Value   T
	Err     error
}

// FanOut calls fn concurrently for every shard and returns outcomes in shard
// index order. A failing shard never cancels the others.
func FanOut[T any](ctx context.Context, r *Router, op string, fn func(context.Context, registry.Entry) (T, error)) []Outcome[T] {
	return FanOutTo(ctx, r, op, r.reg.Entries(), fn)
}

// FanOutTo is FanOut over an explicit set of shards.
func FanOutTo[T any](ctx context.Context, r *Router, op string, entries []registry.Entry, fn func(context.Context, registry.Entry) (T, error)) []Outcome[T] {
	start := time.Now()
	out := make([]Outcome[T], len(entries))

	var g errgroup.Group
	if r.concurrency > 0 {
		g.SetLimit(r.concurrency)
	}
	for i, e := range entries {
		g.Go(func() error {
			callCtx := ctx
			if r.timeout > 0 {
				var cancel context.CancelFunc
				callCtx, cancel = context.WithTimeout(ctx, r.timeout)
				defer cancel()
			}
			v, err := fn(callCtx, e)
			// Each task writes only its own slot.
			out[i] = Outcome[T]{ShardID: e.ID(), Value: v, Err: err}
			if err != nil {
				r.metrics.ShardError(e.ID(), op)
				r.logger.Debug("shard call failed", "op", op, "shard", e.ID(), "error", err)
			}
			return nil
		})
	}
	_ = g.Wait()

	r.metrics.ObserveFanOut(op, time.Since(start))
	return out
}

// Failures extracts the failed outcomes.
func Failures[T any](outcomes []Outcome[T]) []Failure {
	var out []Failure
	for _, o := range outcomes {
		if o.Err != nil {
			out = append(out, Failure{ShardID: o.ShardID, Err: o.Err})
		}
	}
	return out
}

// ShardRows is the rows one shard returned.
type ShardRows struct {
	ShardID string
	Rows    []shard.Row
}

// ReadResult is the merged result of a fan-out read.
type ReadResult struct {
	// Rows concatenates every successful shard's rows in shard index order.
	Rows []shard.Row
	// PerShard keeps the rows grouped by the shard that returned them.
	PerShard []ShardRows
	// Failures lists shards that errored; their rows are absent.
	Failures []Failure
}

// Err returns the failures joined, or nil when every shard answered.
func (r ReadResult) Err() error { return JoinFailures(r.Failures) }

// QueryFunc reads rows from one shard.
type QueryFunc func(ctx context.Context, e registry.Entry) ([]shard.Row, error)

// FanOutRead runs fn on every shard and concatenates the rows. Per-shard
// errors are returned in Failures, never as the call's error.
func (r *Router) FanOutRead(ctx context.Context, op string, fn QueryFunc) ReadResult {
	return r.collect(FanOut(ctx, r, op, fn), nil)
}

func (r *Router) collect(outcomes []Outcome[[]shard.Row], ids map[string][]string) ReadResult {
	res := ReadResult{Rows: []shard.Row{}}
	for _, o := range outcomes {
		if o.Err != nil {
			res.Failures = append(res.Failures, Failure{ShardID: o.ShardID, IDs: ids[o.ShardID], Err: o.Err})
			continue
		}
		res.Rows = append(res.Rows, o.Value...)
		res.PerShard = append(res.PerShard, ShardRows{ShardID: o.ShardID, Rows: o.Value})
	}
	return res
}

// ByIDsResult is the merged result of FanOutByIDs.
type ByIDsResult struct {
	ReadResult
	// Unresolved maps ids that could not be routed to the routing error.
	Unresolved map[string]error
}

// IDQueryFunc reads the rows for ids, all of which live on e.
type IDQueryFunc func(ctx context.Context, e registry.Entry, ids []string) ([]shard.Row, error)

// FanOutByIDs groups ids by owning shard and calls fn once per shard with
// only that shard's ids. Duplicate ids are queried once.
func (r *Router) FanOutByIDs(ctx context.Context, op string, ids []string, fn IDQueryFunc) ByIDsResult {
	groups := make(map[string][]string)
	var entries []registry.Entry
	unresolved := make(map[string]error)
	seen := make(map[string]bool, len(ids))

	for _, id := range ids {
		if seen[id] {
			continue
		}
		seen[id] = true
		e, err := r.Resolve(ctx, id)
		if err != nil {
			unresolved[id] = err
			continue
		}
		if _, ok := groups[e.ID()]; !ok {
			entries = append(entries, e)
		}
		groups[e.ID()] = append(groups[e.ID()], id)
	}
	slices.SortFunc(entries, func(a, b registry.Entry) int { return cmp.Compare(a.Meta.Index, b.Meta.Index) })

	outcomes := FanOutTo(ctx, r, op, entries, func(ctx context.Context, e registry.Entry) ([]shard.Row, error) {
		return fn(ctx, e, groups[e.ID()])
	})
	return ByIDsResult{ReadResult: r.collect(outcomes, groups), Unresolved: unresolved}
}
