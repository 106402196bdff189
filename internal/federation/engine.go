// Package federation presents the shard set as one queryable dataset.
//
// Every operation fans out to the shards and merges in memory: global sort
// and pagination, aggregation, hash joins, best-effort distributed writes,
// and bounded-memory streaming. None of it is a distributed query plan;
// results are only meaningful after the merge step here.
package federation

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/roach88/shardfed/internal/metrics"
	"github.com/roach88/shardfed/internal/record"
	"github.com/roach88/shardfed/internal/registry"
	"github.com/roach88/shardfed/internal/router"
	"github.com/roach88/shardfed/internal/rowset"
	"github.com/roach88/shardfed/internal/shard"
)

// Engine federates queries across shards.
//
// Thread-safety: all methods are safe for concurrent use.
type Engine struct {
	router     *router.Router
	store      *record.Store
	compensate bool
	metrics    *metrics.Metrics
	logger     *slog.Logger
}

// Option configures an Engine.
type Option func(*Engine)

// WithCompensation controls whether distributed transactions undo
// committed shards when another shard fails. Enabled by default.
func WithCompensation(enabled bool) Option {
	return func(e *Engine) { e.compensate = enabled }
}

// WithMetrics records transaction outcomes.
func WithMetrics(m *metrics.Metrics) Option {
	return func(e *Engine) { e.metrics = m }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) { e.logger = l }
}

// New creates an Engine over store.
func New(store *record.Store, opts ...Option) *Engine {
	e := &Engine{
		router:     store.Router(),
		store:      store,
		compensate: true,
		logger:     slog.Default(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// SortOptions orders and pages a federated query.
type SortOptions struct {
	OrderBy string
	Desc    bool
	Limit   int
	Offset  int
	// Merge pushes ORDER BY and LIMIT offset+limit down to each shard and
	// k-way merges the sorted streams instead of sorting everything.
	Merge bool
}

// Page is one page of a federated query.
type Page struct {
	Rows []shard.Row `json:"rows"`
	// Total is the number of rows gathered before paging; -1 in merge mode.
	Total    int              `json:"total"`
	Failures []router.Failure `json:"failures,omitempty"`
}

// QueryWithGlobalSort runs query with params on every shard, sorts the
// union by OrderBy, and only then applies Offset and Limit. Ties keep shard
// index order, then each shard's own row order.
func (e *Engine) QueryWithGlobalSort(ctx context.Context, query string, params []any, opts SortOptions) (Page, error) {
	if opts.OrderBy != "" && !shard.ValidIdent(opts.OrderBy) {
		return Page{}, fmt.Errorf("global sort: invalid order column %q", opts.OrderBy)
	}
	if opts.Merge && opts.OrderBy != "" {
		return e.mergeQuery(ctx, query, params, opts)
	}

	res := e.router.FanOutRead(ctx, "federation.global_sort", func(ctx context.Context, en registry.Entry) ([]shard.Row, error) {
		return en.Conn.Prepare(query).Bind(params...).All(ctx)
	})
	rows := res.Rows
	rowset.SortStable(rows, opts.OrderBy, opts.Desc)
	return Page{
		Rows:     rowset.Page(rows, opts.Limit, opts.Offset),
		Total:    len(rows),
		Failures: res.Failures,
	}, nil
}

func (e *Engine) mergeQuery(ctx context.Context, query string, params []any, opts SortOptions) (Page, error) {
	dir := "ASC"
	if opts.Desc {
		dir = "DESC"
	}
	wrapped := fmt.Sprintf("SELECT * FROM (%s) ORDER BY %s %s", query, opts.OrderBy, dir)
	if opts.Limit > 0 {
		wrapped += fmt.Sprintf(" LIMIT %d", opts.Offset+opts.Limit)
	}

	res := e.router.FanOutRead(ctx, "federation.merge_sort", func(ctx context.Context, en registry.Entry) ([]shard.Row, error) {
		return en.Conn.Prepare(wrapped).Bind(params...).All(ctx)
	})
	lists := make([][]shard.Row, len(res.PerShard))
	for i, sr := range res.PerShard {
		lists[i] = sr.Rows
	}
	need := 0
	if opts.Limit > 0 {
		need = opts.Offset + opts.Limit
	}
	merged := rowset.MergeSorted(lists, opts.OrderBy, opts.Desc, need)
	return Page{
		Rows:     rowset.Page(merged, opts.Limit, opts.Offset),
		Total:    -1,
		Failures: res.Failures,
	}, nil
}
