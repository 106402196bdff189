package federation

import (
	"context"
	"fmt"
	"slices"

	"github.com/roach88/shardfed/internal/querysql"
	"github.com/roach88/shardfed/internal/registry"
	"github.com/roach88/shardfed/internal/router"
	"github.com/roach88/shardfed/internal/rowset"
	"github.com/roach88/shardfed/internal/shard"
)

// AggregateSpec selects the aggregate functions to compute.
type AggregateSpec struct {
	Count   bool
	Sum     []string
	Avg     []string
	Min     []string
	Max     []string
	GroupBy string
	Where   querysql.Predicate
}

// Group is one group-by bucket.
type Group struct {
	Key    any            `json:"key"`
	Values map[string]any `json:"values"`
}

// AggregateResult holds merged aggregates. Values is set without GroupBy,
// Groups with it. Keys are "count" and "<fn>_<column>".
type AggregateResult struct {
	Values   map[string]any   `json:"values,omitempty"`
	Groups   []Group          `json:"groups,omitempty"`
	Failures []router.Failure `json:"failures,omitempty"`
}

// Aggregate runs one aggregation query per shard and merges the results.
// Counts and sums add, min and max reduce. Averages are the unweighted mean
// of per-shard averages, which is exact only when every shard contributes
// the same number of rows.
func (e *Engine) Aggregate(ctx context.Context, table string, spec AggregateSpec) (AggregateResult, error) {
	query, args, err := querysql.CompileAggregate(querysql.Aggregate{
		Table:   table,
		Count:   spec.Count,
		Sum:     spec.Sum,
		Avg:     spec.Avg,
		Min:     spec.Min,
		Max:     spec.Max,
		GroupBy: spec.GroupBy,
		Where:   spec.Where,
	})
	if err != nil {
		return AggregateResult{}, err
	}

	res := e.router.FanOutRead(ctx, "federation.aggregate", func(ctx context.Context, en registry.Entry) ([]shard.Row, error) {
		rows, err := en.Conn.Prepare(query).Bind(args...).All(ctx)
		if shard.IsNoSuchTable(err) {
			return nil, nil
		}
		return rows, err
	})

	out := AggregateResult{Failures: res.Failures}
	if spec.GroupBy == "" {
		acc := newAccumulator(spec)
		for _, row := range res.Rows {
			acc.add(row)
		}
		out.Values = acc.result()
		return out, nil
	}

	buckets := make(map[string]*accumulator)
	keys := make(map[string]any)
	var order []string
	for _, row := range res.Rows {
		k := groupKey(row[spec.GroupBy])
		acc, ok := buckets[k]
		if !ok {
			acc = newAccumulator(spec)
			buckets[k] = acc
			keys[k] = row[spec.GroupBy]
			order = append(order, k)
		}
		acc.add(row)
	}
	slices.SortStableFunc(order, func(a, b string) int { return rowset.Compare(keys[a], keys[b]) })
	out.Groups = make([]Group, 0, len(order))
	for _, k := range order {
		out.Groups = append(out.Groups, Group{Key: keys[k], Values: buckets[k].result()})
	}
	return out, nil
}

func groupKey(v any) string {
	return fmt.Sprintf("%T:%v", v, v)
}

type accumulator struct {
	spec   AggregateSpec
	count  int64
	sums   map[string]any
	avgs   map[string][]float64
	mins   map[string]any
	maxs   map[string]any
	hasRow bool
}

func newAccumulator(spec AggregateSpec) *accumulator {
	return &accumulator{
		spec: spec,
		sums: make(map[string]any),
		avgs: make(map[string][]float64),
		mins: make(map[string]any),
		maxs: make(map[string]any),
	}
}

func (a *accumulator) add(row shard.Row) {
	a.hasRow = true
	if a.spec.Count {
		n, _ := row.Int("count")
		a.count += n
	}
	for _, c := range a.spec.Sum {
		alias := querysql.AggregateAlias("sum", c)
		a.sums[alias] = addNumbers(a.sums[alias], row[alias])
	}
	for _, c := range a.spec.Avg {
		alias := querysql.AggregateAlias("avg", c)
		if f, ok := toFloat(row[alias]); ok {
			a.avgs[alias] = append(a.avgs[alias], f)
		}
	}
	for _, c := range a.spec.Min {
		alias := querysql.AggregateAlias("min", c)
		v := row[alias]
		if v != nil && (a.mins[alias] == nil || rowset.Compare(v, a.mins[alias]) < 0) {
			a.mins[alias] = v
		}
	}
	for _, c := range a.spec.Max {
		alias := querysql.AggregateAlias("max", c)
		v := row[alias]
		if v != nil && (a.maxs[alias] == nil || rowset.Compare(v, a.maxs[alias]) > 0) {
			a.maxs[alias] = v
		}
	}
}

func (a *accumulator) result() map[string]any {
	out := make(map[string]any)
	if a.spec.Count {
		out["count"] = a.count
	}
	for _, c := range a.spec.Sum {
		alias := querysql.AggregateAlias("sum", c)
		out[alias] = a.sums[alias]
	}
	for _, c := range a.spec.Avg {
		alias := querysql.AggregateAlias("avg", c)
		vals := a.avgs[alias]
		if len(vals) == 0 {
			out[alias] = nil
			continue
		}
		var total float64
		for _, v := range vals {
			total += v
		}
		out[alias] = total / float64(len(vals))
	}
	for _, c := range a.spec.Min {
		alias := querysql.AggregateAlias("min", c)
		out[alias] = a.mins[alias]
	}
	for _, c := range a.spec.Max {
		alias := querysql.AggregateAlias("max", c)
		out[alias] = a.maxs[alias]
	}
	return out
}

// addNumbers adds two aggregate values, treating NULL as absent. Integer
// sums stay integers.
func addNumbers(a, b any) any {
	if b == nil {
		return a
	}
	if a == nil {
		return b
	}
	x, xInt := a.(int64)
	y, yInt := b.(int64)
	if xInt && yInt {
		return x + y
	}
	fa, _ := toFloat(a)
	fb, _ := toFloat(b)
	return fa + fb
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case int64:
		return float64(n), true
	case int:
		return float64(n), true
	case float64:
		return n, true
	default:
		return 0, false
	}
}
