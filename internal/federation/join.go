package federation

import (
	"context"
	"fmt"
	"strconv"

	"github.com/roach88/shardfed/internal/fault"
	"github.com/roach88/shardfed/internal/querysql"
	"github.com/roach88/shardfed/internal/registry"
	"github.com/roach88/shardfed/internal/router"
	"github.com/roach88/shardfed/internal/shard"
)

// JoinType selects inner or left join semantics.
type JoinType string

const (
	JoinInner JoinType = "inner"
	JoinLeft  JoinType = "left"
)

// JoinSpec describes a cross-shard equi-join.
type JoinSpec struct {
	Left       string
	Right      string
	LeftKey    string
	RightKey   string
	Type       JoinType
	LeftWhere  querysql.Predicate
	RightWhere querysql.Predicate
}

// JoinResult holds joined rows keyed "<table>.<column>".
type JoinResult struct {
	Rows     []shard.Row      `json:"rows"`
	Failures []router.Failure `json:"failures,omitempty"`
}

// JoinTables reads both sides from every shard and joins them in memory
// with a hash index on the right key. NULL keys never match. A left join
// keeps unmatched left rows with no right columns.
func (e *Engine) JoinTables(ctx context.Context, spec JoinSpec) (JoinResult, error) {
	if spec.Type == "" {
		spec.Type = JoinInner
	}
	if spec.Type != JoinInner && spec.Type != JoinLeft {
		return JoinResult{}, fault.InvalidArgument("join: unknown type %q", spec.Type)
	}
	for _, col := range []string{spec.LeftKey, spec.RightKey} {
		if !shard.ValidIdent(col) {
			return JoinResult{}, fault.InvalidArgument("join: invalid key column %q", col)
		}
	}

	left, err := e.readTable(ctx, "federation.join_left", spec.Left, spec.LeftWhere)
	if err != nil {
		return JoinResult{}, fmt.Errorf("join: %w", err)
	}
	right, err := e.readTable(ctx, "federation.join_right", spec.Right, spec.RightWhere)
	if err != nil {
		return JoinResult{}, fmt.Errorf("join: %w", err)
	}

	index := make(map[string][]shard.Row, len(right.Rows))
	for _, r := range right.Rows {
		if k, ok := joinKey(r[spec.RightKey]); ok {
			index[k] = append(index[k], r)
		}
	}

	out := JoinResult{Rows: []shard.Row{}, Failures: append(left.Failures, right.Failures...)}
	for _, l := range left.Rows {
		var matches []shard.Row
		if k, ok := joinKey(l[spec.LeftKey]); ok {
			matches = index[k]
		}
		if len(matches) == 0 {
			if spec.Type == JoinLeft {
				out.Rows = append(out.Rows, qualify(shard.Row{}, spec.Left, l))
			}
			continue
		}
		for _, r := range matches {
			row := qualify(shard.Row{}, spec.Left, l)
			out.Rows = append(out.Rows, qualify(row, spec.Right, r))
		}
	}
	return out, nil
}

func (e *Engine) readTable(ctx context.Context, op, table string, where querysql.Predicate) (router.ReadResult, error) {
	query, args, err := querysql.CompileSelect(querysql.Select{Table: table, Where: where})
	if err != nil {
		return router.ReadResult{}, err
	}
	return e.router.FanOutRead(ctx, op, func(ctx context.Context, en registry.Entry) ([]shard.Row, error) {
		rows, err := en.Conn.Prepare(query).Bind(args...).All(ctx)
		if shard.IsNoSuchTable(err) {
			return nil, nil
		}
		return rows, err
	}), nil
}

func qualify(dst shard.Row, table string, src shard.Row) shard.Row {
	for k, v := range src {
		dst[table+"."+k] = v
	}
	return dst
}

// joinKey normalises a key so integer and float columns holding the same
// number match.
func joinKey(v any) (string, bool) {
	switch k := v.(type) {
	case nil:
		return "", false
	case string:
		return "s:" + k, true
	case int64:
		return "n:" + strconv.FormatFloat(float64(k), 'g', -1, 64), true
	case int:
		return "n:" + strconv.FormatFloat(float64(k), 'g', -1, 64), true
	case float64:
		return "n:" + strconv.FormatFloat(k, 'g', -1, 64), true
	default:
		return fmt.Sprintf("%T:%v", v, v), true
	}
}
