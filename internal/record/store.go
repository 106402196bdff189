// Package record is the CRUD facade over the shard set.
//
// Writes are placed by the router and stamped with a universal id bound to
// the chosen shard, so every later read or write of that id is a single
// shard hop. Reads without an id fan out to every shard.
package record

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/roach88/shardfed/internal/clock"
	"github.com/roach88/shardfed/internal/dedup"
	"github.com/roach88/shardfed/internal/fault"
	"github.com/roach88/shardfed/internal/idcodec"
	"github.com/roach88/shardfed/internal/querysql"
	"github.com/roach88/shardfed/internal/registry"
	"github.com/roach88/shardfed/internal/router"
	"github.com/roach88/shardfed/internal/rowset"
	"github.com/roach88/shardfed/internal/shard"
)

// Reserved columns managed by the store.
const (
	ColumnID        = "id"
	ColumnCreatedAt = "created_at"
	ColumnUpdatedAt = "updated_at"
)

// Hook observes committed writes. Hook errors are logged, never returned:
// the write has already been applied.
type Hook interface {
	AfterCreate(ctx context.Context, table string, row shard.Row) error
	AfterUpdate(ctx context.Context, table string, before, after shard.Row) error
	AfterDelete(ctx context.Context, table string, row shard.Row) error
}

// Store creates, reads, updates, and deletes records across shards.
//
// Thread-safety: all methods are safe for concurrent use once hooks are
// registered.
type Store struct {
	router *router.Router
	codec  *idcodec.Codec
	guard  *dedup.Guard
	hooks  []Hook
	clock  clock.Clock
	logger *slog.Logger
}

// Option configures a Store.
type Option func(*Store)

// WithGuard enables uniqueness checks on create and update.
func WithGuard(g *dedup.Guard) Option {
	return func(s *Store) { s.guard = g }
}

// WithHooks registers write hooks.
func WithHooks(h ...Hook) Option {
	return func(s *Store) { s.hooks = append(s.hooks, h...) }
}

// WithClock sets the clock used for created_at and updated_at.
func WithClock(c clock.Clock) Option {
	return func(s *Store) { s.clock = clock.OrReal(c) }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Store) { s.logger = l }
}

// New creates a Store.
func New(r *router.Router, opts ...Option) *Store {
	s := &Store{
		router: r,
		codec:  r.Codec(),
		clock:  clock.Real{},
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// AddHook registers h. Call before the store is shared.
func (s *Store) AddHook(h Hook) {
	s.hooks = append(s.hooks, h)
}

// Router returns the router the store writes through.
func (s *Store) Router() *router.Router { return s.router }

// Guard returns the uniqueness guard, or nil.
func (s *Store) Guard() *dedup.Guard { return s.guard }

// Now returns the store clock's current unix milliseconds.
func (s *Store) Now() int64 { return s.clock.Now().UnixMilli() }

// Create inserts data into table on a write-eligible shard and returns the
// stored row including its id and timestamps. created_at and updated_at in
// data are kept when present.
func (s *Store) Create(ctx context.Context, table string, data map[string]any) (shard.Row, error) {
	if _, ok := data[ColumnID]; ok {
		return nil, fault.InvalidArgument("create %s: id is assigned by the store", table)
	}
	if !shard.ValidIdent(table) {
		return nil, fault.InvalidArgument("create: invalid table %q", table)
	}

	if s.guard != nil {
		violations, err := s.guard.ValidateConstraints(ctx, table, data, "")
		if err != nil {
			return nil, fmt.Errorf("create %s: %w", table, err)
		}
		if len(violations) > 0 {
			return nil, violations[0].Err()
		}
	}

	target, err := s.router.SelectForWrite(ctx)
	if err != nil {
		return nil, fmt.Errorf("create %s: %w", table, err)
	}

	now := s.clock.Now()
	id, err := s.codec.Generate(ctx, target.ID(), table, now)
	if err != nil {
		return nil, fmt.Errorf("create %s: %w", table, err)
	}

	row := shard.Row(data).Clone()
	if row == nil {
		row = shard.Row{}
	}
	row[ColumnID] = id
	if _, ok := row[ColumnCreatedAt]; !ok {
		row[ColumnCreatedAt] = now.UnixMilli()
	}
	if _, ok := row[ColumnUpdatedAt]; !ok {
		row[ColumnUpdatedAt] = now.UnixMilli()
	}

	if s.guard != nil {
		if err := s.guard.Claim(ctx, table, row, id); err != nil {
			return nil, fmt.Errorf("create %s: %w", table, err)
		}
	}

	query, args, err := querysql.CompileInsert(table, row)
	if err == nil {
		_, err = target.Conn.Prepare(query).Bind(args...).Run(ctx)
	}
	if err != nil {
		if s.guard != nil {
			if rerr := s.guard.Release(ctx, table, row, id); rerr != nil {
				s.logger.Warn("failed to release claims after insert error", "id", id, "error", rerr)
			}
		}
		return nil, fmt.Errorf("create %s on %s: %w", table, target.ID(), err)
	}

	s.logger.Debug("record created", "table", table, "id", id, "shard", target.ID())
	for _, h := range s.hooks {
		if err := h.AfterCreate(ctx, table, row); err != nil {
			s.logger.Warn("create hook failed", "table", table, "id", id, "error", err)
		}
	}
	return row, nil
}

// FindByID returns the record with id, or nil when it does not exist.
func (s *Store) FindByID(ctx context.Context, table, id string) (shard.Row, error) {
	e, err := s.router.Resolve(ctx, id)
	if err != nil {
		return nil, err
	}
	row, err := s.load(ctx, e, table, id)
	if err != nil {
		return nil, fmt.Errorf("find %s %s: %w", table, id, err)
	}
	return row, nil
}

func (s *Store) load(ctx context.Context, e registry.Entry, table, id string) (shard.Row, error) {
	query, args, err := querysql.CompileSelect(querysql.Select{
		Table: table,
		Where: querysql.Equals{Column: ColumnID, Value: id},
	})
	if err != nil {
		return nil, err
	}
	row, err := e.Conn.Prepare(query).Bind(args...).First(ctx)
	if shard.IsNoSuchTable(err) {
		return nil, nil
	}
	return row, err
}

// Batch is the result of FindByIDs.
type Batch struct {
	// Rows maps found ids to their records.
	Rows map[string]shard.Row
	// Missing lists ids whose shard answered without the record.
	Missing []string
	// Failures lists shards that errored, with the ids routed to them.
	Failures []router.Failure
	// Unresolved maps ids that could not be routed to the routing error.
	Unresolved map[string]error
}

// FindByIDs loads ids with one query per owning shard.
func (s *Store) FindByIDs(ctx context.Context, table string, ids []string) (Batch, error) {
	if !shard.ValidIdent(table) {
		return Batch{}, fault.InvalidArgument("find %s: invalid table", table)
	}
	res := s.router.FanOutByIDs(ctx, "record.find_by_ids", ids, func(ctx context.Context, e registry.Entry, sub []string) ([]shard.Row, error) {
		vals := make([]any, len(sub))
		for i, id := range sub {
			vals[i] = id
		}
		query, args, err := querysql.CompileSelect(querysql.Select{
			Table: table,
			Where: querysql.In{Column: ColumnID, Values: vals},
		})
		if err != nil {
			return nil, err
		}
		rows, err := e.Conn.Prepare(query).Bind(args...).All(ctx)
		if shard.IsNoSuchTable(err) {
			return nil, nil
		}
		return rows, err
	})

	out := Batch{
		Rows:       make(map[string]shard.Row, len(res.Rows)),
		Failures:   res.Failures,
		Unresolved: res.Unresolved,
	}
	for _, r := range res.Rows {
		out.Rows[r.String(ColumnID)] = r
	}
	failed := make(map[string]bool)
	for _, f := range res.Failures {
		for _, id := range f.IDs {
			failed[id] = true
		}
	}
	seen := make(map[string]bool, len(ids))
	for _, id := range ids {
		if seen[id] {
			continue
		}
		seen[id] = true
		if _, ok := out.Rows[id]; ok || failed[id] {
			continue
		}
		if _, ok := res.Unresolved[id]; ok {
			continue
		}
		out.Missing = append(out.Missing, id)
	}
	return out, nil
}

// Update applies patch to the record with id and returns the stored row.
// Uniqueness is re-checked excluding the record itself.
func (s *Store) Update(ctx context.Context, table, id string, patch map[string]any) (shard.Row, error) {
	if _, ok := patch[ColumnID]; ok {
		return nil, fault.InvalidArgument("update %s: id cannot change", table)
	}
	if len(patch) == 0 {
		return nil, fault.InvalidArgument("update %s: empty patch", table)
	}
	e, err := s.router.Resolve(ctx, id)
	if err != nil {
		return nil, err
	}
	before, err := s.load(ctx, e, table, id)
	if err != nil {
		return nil, fmt.Errorf("update %s %s: %w", table, id, err)
	}
	if before == nil {
		return nil, fault.NotFound(table, id)
	}

	set := shard.Row(patch).Clone()
	if _, ok := set[ColumnUpdatedAt]; !ok {
		set[ColumnUpdatedAt] = s.clock.Now().UnixMilli()
	}
	after := before.Clone()
	for k, v := range set {
		after[k] = v
	}

	query, args, err := querysql.CompileUpdate(table, set, querysql.Equals{Column: ColumnID, Value: id})
	if err != nil {
		return nil, err
	}

	if s.guard != nil {
		violations, err := s.guard.ValidateConstraints(ctx, table, after, id)
		if err != nil {
			return nil, fmt.Errorf("update %s %s: %w", table, id, err)
		}
		if len(violations) > 0 {
			return nil, violations[0].Err()
		}
		if err := s.guard.Reclaim(ctx, table, before, after, id); err != nil {
			return nil, fmt.Errorf("update %s %s: %w", table, id, err)
		}
	}

	res, err := e.Conn.Prepare(query).Bind(args...).Run(ctx)
	if err == nil && res.RowsAffected == 0 {
		err = fault.NotFound(table, id)
	}
	if err != nil {
		if s.guard != nil {
			if rerr := s.guard.Reclaim(ctx, table, after, before, id); rerr != nil {
				s.logger.Warn("failed to restore claims after update error", "id", id, "error", rerr)
			}
		}
		if fault.IsNotFound(err) {
			return nil, err
		}
		return nil, fmt.Errorf("update %s %s: %w", table, id, err)
	}

	for _, h := range s.hooks {
		if err := h.AfterUpdate(ctx, table, before, after); err != nil {
			s.logger.Warn("update hook failed", "table", table, "id", id, "error", err)
		}
	}
	return after, nil
}

// Delete removes the record with id.
func (s *Store) Delete(ctx context.Context, table, id string) error {
	e, err := s.router.Resolve(ctx, id)
	if err != nil {
		return err
	}
	before, err := s.load(ctx, e, table, id)
	if err != nil {
		return fmt.Errorf("delete %s %s: %w", table, id, err)
	}
	if before == nil {
		return fault.NotFound(table, id)
	}

	query, args, err := querysql.CompileDelete(table, querysql.Equals{Column: ColumnID, Value: id})
	if err != nil {
		return err
	}
	res, err := e.Conn.Prepare(query).Bind(args...).Run(ctx)
	if err != nil {
		return fmt.Errorf("delete %s %s: %w", table, id, err)
	}
	if res.RowsAffected == 0 {
		return fault.NotFound(table, id)
	}

	if s.guard != nil {
		if err := s.guard.Release(ctx, table, before, id); err != nil {
			s.logger.Warn("failed to release claims", "table", table, "id", id, "error", err)
		}
	}
	for _, h := range s.hooks {
		if err := h.AfterDelete(ctx, table, before); err != nil {
			s.logger.Warn("delete hook failed", "table", table, "id", id, "error", err)
		}
	}
	return nil
}

// Query filters and orders FindAll.
type Query struct {
	Where   querysql.Predicate
	OrderBy string
	Desc    bool
	Limit   int
	Offset  int
	// Global applies OrderBy, Limit, and Offset to the union of all shards.
	// Otherwise they apply per shard and results are concatenated in shard
	// index order.
	Global bool
}

// FindAll reads matching rows from every shard.
func (s *Store) FindAll(ctx context.Context, table string, q Query) (router.ReadResult, error) {
	sel := querysql.Select{Table: table, Where: q.Where, OrderBy: q.OrderBy, Desc: q.Desc}
	if !q.Global {
		sel.Limit, sel.Offset = q.Limit, q.Offset
	}
	query, args, err := querysql.CompileSelect(sel)
	if err != nil {
		return router.ReadResult{}, err
	}

	res := s.router.FanOutRead(ctx, "record.find_all", func(ctx context.Context, e registry.Entry) ([]shard.Row, error) {
		rows, err := e.Conn.Prepare(query).Bind(args...).All(ctx)
		if shard.IsNoSuchTable(err) {
			return nil, nil
		}
		return rows, err
	})
	if q.Global {
		rowset.SortStable(res.Rows, q.OrderBy, q.Desc)
		res.Rows = rowset.Page(res.Rows, q.Limit, q.Offset)
		res.PerShard = nil
	}
	return res, nil
}

// CountResult is the summed count across shards.
type CountResult struct {
	Total    int64            `json:"total"`
	PerShard map[string]int64 `json:"per_shard"`
	Failures []router.Failure `json:"failures,omitempty"`
}

// Count sums matching rows across shards. Failed shards are excluded from
// Total and listed in Failures.
func (s *Store) Count(ctx context.Context, table string, where querysql.Predicate) (CountResult, error) {
	query, args, err := querysql.CompileCount(table, where)
	if err != nil {
		return CountResult{}, err
	}
	outcomes := router.FanOut(ctx, s.router, "record.count", func(ctx context.Context, e registry.Entry) (int64, error) {
		row, err := e.Conn.Prepare(query).Bind(args...).First(ctx)
		if shard.IsNoSuchTable(err) {
			return 0, nil
		}
		if err != nil {
			return 0, err
		}
		n, _ := row.Int("count")
		return n, nil
	})

	out := CountResult{PerShard: make(map[string]int64, len(outcomes)), Failures: router.Failures(outcomes)}
	for _, o := range outcomes {
		if o.Err == nil {
			out.PerShard[o.ShardID] = o.Value
			out.Total += o.Value
		}
	}
	return out, nil
}

// NotifyCreated runs create hooks for a row written outside Create.
func (s *Store) NotifyCreated(ctx context.Context, table string, row shard.Row) {
	for _, h := range s.hooks {
		if err := h.AfterCreate(ctx, table, row); err != nil {
			s.logger.Warn("create hook failed", "table", table, "id", row.String(ColumnID), "error", err)
		}
	}
}

// DeduplicateTable runs the guard's deduplication and then the delete
// hooks for every record it removed.
func (s *Store) DeduplicateTable(ctx context.Context, table string, columns []string, keep dedup.Keep, dryRun bool) (dedup.DedupReport, error) {
	if s.guard == nil {
		return dedup.DedupReport{}, fault.InvalidArgument("deduplicate %s: no dedup guard configured", table)
	}
	report, err := s.guard.DeduplicateTable(ctx, table, columns, keep, dryRun)
	if err != nil || dryRun {
		return report, err
	}
	for _, r := range report.Deleted {
		s.NotifyDeleted(ctx, table, shard.Row{ColumnID: r.ID, ColumnCreatedAt: r.CreatedAt})
	}
	return report, nil
}

// NotifyUpdated runs update hooks for a row changed outside Update.
func (s *Store) NotifyUpdated(ctx context.Context, table string, before, after shard.Row) {
	for _, h := range s.hooks {
		if err := h.AfterUpdate(ctx, table, before, after); err != nil {
			s.logger.Warn("update hook failed", "table", table, "id", after.String(ColumnID), "error", err)
		}
	}
}

// NotifyDeleted runs delete hooks for a row removed outside Delete.
func (s *Store) NotifyDeleted(ctx context.Context, table string, row shard.Row) {
	for _, h := range s.hooks {
		if err := h.AfterDelete(ctx, table, row); err != nil {
			s.logger.Warn("delete hook failed", "table", table, "id", row.String(ColumnID), "error", err)
		}
	}
}
