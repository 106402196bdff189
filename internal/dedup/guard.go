// Package dedup enforces uniqueness constraints across the union of all
// shards.
//
// CheckUnique and ValidateConstraints are advisory: they fan a point lookup
// out to every shard, and a racing writer on another shard can still insert
// the same value between the check and the insert. When the unique index is
// enabled, Claim closes that window by inserting each constraint key into
// the _unique_index table of a deterministic owner shard with
// insert-if-absent semantics.
package dedup

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"

	"github.com/roach88/shardfed/internal/clock"
	"github.com/roach88/shardfed/internal/fault"
	"github.com/roach88/shardfed/internal/metrics"
	"github.com/roach88/shardfed/internal/querysql"
	"github.com/roach88/shardfed/internal/registry"
	"github.com/roach88/shardfed/internal/router"
	"github.com/roach88/shardfed/internal/shard"
)

// Constraint is a global uniqueness rule over one or more columns.
type Constraint struct {
	Name    string   `json:"name"`
	Table   string   `json:"table"`
	Columns []string `json:"columns"`
}

// Violation names a constraint the candidate row would break.
type Violation struct {
	Constraint string            `json:"constraint"`
	Table      string            `json:"table"`
	Values     map[string]string `json:"values"`
}

// Err converts v to a fault.CodeUniqueViolation error.
func (v Violation) Err() error {
	e := fault.UniqueViolation(v.Table, v.Values)
	e.Details = map[string]string{"constraint": v.Constraint}
	for k, val := range v.Values {
		e.Details[k] = val
	}
	return e
}

// Guard checks and enforces global uniqueness.
//
// Thread-safety: all methods are safe for concurrent use.
type Guard struct {
	router      *router.Router
	mu          sync.RWMutex
	constraints map[string][]Constraint
	uniqueIndex bool
	clock       clock.Clock
	metrics     *metrics.Metrics
	logger      *slog.Logger
}

// Option configures a Guard.
type Option func(*Guard)

// WithUniqueIndex enables owner-shard claims.
func WithUniqueIndex(enabled bool) Option {
	return func(g *Guard) { g.uniqueIndex = enabled }
}

// WithClock sets the clock used for claim timestamps.
func WithClock(c clock.Clock) Option {
	return func(g *Guard) { g.clock = clock.OrReal(c) }
}

// WithMetrics counts rejected writes.
func WithMetrics(m *metrics.Metrics) Option {
	return func(g *Guard) { g.metrics = m }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(g *Guard) { g.logger = l }
}

// New creates a Guard with no constraints.
func New(r *router.Router, opts ...Option) *Guard {
	g := &Guard{
		router:      r,
		constraints: make(map[string][]Constraint),
		clock:       clock.Real{},
		logger:      slog.Default(),
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Register adds c. A constraint without a name is named after its columns.
func (g *Guard) Register(c Constraint) error {
	if !shard.ValidIdent(c.Table) || len(c.Columns) == 0 {
		return fault.InvalidArgument("constraint %q: needs a valid table and at least one column", c.Name)
	}
	for _, col := range c.Columns {
		if !shard.ValidIdent(col) {
			return fault.InvalidArgument("constraint %q: invalid column %q", c.Name, col)
		}
	}
	if c.Name == "" {
		c.Name = "unique_" + strings.Join(c.Columns, "_")
	}
	c.Columns = append([]string(nil), c.Columns...)

	g.mu.Lock()
	defer g.mu.Unlock()
	for _, existing := range g.constraints[c.Table] {
		if existing.Name == c.Name {
			return fault.InvalidArgument("constraint %q already registered on %s", c.Name, c.Table)
		}
	}
	g.constraints[c.Table] = append(g.constraints[c.Table], c)
	return nil
}

// Constraints returns the constraints registered for table.
func (g *Guard) Constraints(table string) []Constraint {
	g.mu.RLock()
	defer g.mu.RUnlock()
	out := make([]Constraint, len(g.constraints[table]))
	copy(out, g.constraints[table])
	return out
}

// Tables returns every table that has constraints, sorted.
func (g *Guard) Tables() []string {
	g.mu.RLock()
	defer g.mu.RUnlock()
	out := make([]string, 0, len(g.constraints))
	for t := range g.constraints {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}

// CheckUnique reports whether no shard holds a row with column = value,
// ignoring the row whose id is excludeID. Any shard error fails the check:
// uniqueness is never guessed from partial results.
func (g *Guard) CheckUnique(ctx context.Context, table, column string, value any, excludeID string) (bool, error) {
	found, err := g.exists(ctx, table, map[string]any{column: value}, excludeID)
	if err != nil {
		return false, fmt.Errorf("check unique %s.%s: %w", table, column, err)
	}
	return !found, nil
}

// exists fans out a LIMIT 1 lookup for rows matching every column in match.
func (g *Guard) exists(ctx context.Context, table string, match map[string]any, excludeID string) (bool, error) {
	preds := []querysql.Predicate{querysql.Where(match)}
	if excludeID != "" {
		preds = append(preds, querysql.NotEquals{Column: "id", Value: excludeID})
	}
	query, args, err := querysql.CompileSelect(querysql.Select{
		Table:   table,
		Columns: []string{"id"},
		Where:   querysql.And{Predicates: preds},
		Limit:   1,
	})
	if err != nil {
		return false, err
	}

	res := g.router.FanOutRead(ctx, "dedup.check", func(ctx context.Context, e registry.Entry) ([]shard.Row, error) {
		rows, err := e.Conn.Prepare(query).Bind(args...).All(ctx)
		if shard.IsNoSuchTable(err) {
			return nil, nil
		}
		return rows, err
	})
	if err := res.Err(); err != nil {
		return false, err
	}
	return len(res.Rows) > 0, nil
}

// ValidateConstraints evaluates every constraint on table against data and
// returns the ones it would violate. Constraints with a column absent from
// data, or NULL in it, are skipped.
func (g *Guard) ValidateConstraints(ctx context.Context, table string, data map[string]any, excludeID string) ([]Violation, error) {
	var out []Violation
	for _, c := range g.Constraints(table) {
		match, ok := project(c, data)
		if !ok {
			continue
		}
		found, err := g.exists(ctx, table, match, excludeID)
		if err != nil {
			return nil, fmt.Errorf("validate %s on %s: %w", c.Name, table, err)
		}
		if found {
			g.metrics.UniqueConflict(table)
			out = append(out, Violation{Constraint: c.Name, Table: table, Values: stringify(match)})
		}
	}
	return out, nil
}

// project extracts c's columns from data. It reports false when any is
// missing or NULL, since NULLs never collide.
func project(c Constraint, data map[string]any) (map[string]any, bool) {
	match := make(map[string]any, len(c.Columns))
	for _, col := range c.Columns {
		v, ok := data[col]
		if !ok || v == nil {
			return nil, false
		}
		match[col] = v
	}
	return match, true
}

func stringify(m map[string]any) map[string]string {
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = fmt.Sprint(v)
	}
	return out
}
