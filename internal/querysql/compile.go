package querysql

import (
	"fmt"
	"sort"
	"strings"

	"github.com/roach88/shardfed/internal/fault"
	"github.com/roach88/shardfed/internal/shard"
)

// Predicate is a filter condition.
//
// This is a sealed interface - only types in this package implement it.
type Predicate interface {
	predicateNode()
}

// Equals matches column = value. A nil value compiles to IS NULL.
type Equals struct {
	Column string
	Value  any
}

// NotEquals matches column != value (rows with NULL in column are kept).
type NotEquals struct {
	Column string
	Value  any
}

// In matches column IN (values...). An empty list matches nothing.
type In struct {
	Column string
	Values []any
}

// NotNull matches rows where column is set.
type NotNull struct {
	Column string
}

// And requires every predicate to hold. An empty And is always true.
type And struct {
	Predicates []Predicate
}

func (Equals) predicateNode()    {}
func (NotEquals) predicateNode() {}
func (In) predicateNode()        {}
func (NotNull) predicateNode()   {}
func (And) predicateNode()       {}

// Where builds a conjunction of equality predicates from a column→value map.
// Columns are sorted for deterministic output. Returns nil for an empty map.
func Where(filter map[string]any) Predicate {
	if len(filter) == 0 {
		return nil
	}
	cols := sortedKeys(filter)
	preds := make([]Predicate, 0, len(cols))
	for _, c := range cols {
		preds = append(preds, Equals{Column: c, Value: filter[c]})
	}
	return And{Predicates: preds}
}

// Select is a single-table read.
type Select struct {
	Table   string
	Columns []string // nil selects *
	Where   Predicate
	OrderBy string // optional; id is always appended as tiebreaker
	Desc    bool
	Limit   int // 0 means no limit
	Offset  int
}

// CompileSelect converts a Select to parameterized SQL.
//
// Every query ends in ORDER BY ... id COLLATE BINARY so that per-shard
// results are deterministic. Values are never interpolated.
func CompileSelect(q Select) (string, []any, error) {
	if err := checkIdent(q.Table); err != nil {
		return "", nil, err
	}
	cols := "*"
	if len(q.Columns) > 0 {
		for _, c := range q.Columns {
			if err := checkIdent(c); err != nil {
				return "", nil, err
			}
		}
		cols = strings.Join(q.Columns, ", ")
	}

	whereSQL, params, err := compileWhere(q.Where)
	if err != nil {
		return "", nil, err
	}

	orderSQL, err := orderClause(q.OrderBy, q.Desc)
	if err != nil {
		return "", nil, err
	}

	sql := fmt.Sprintf("SELECT %s FROM %s%s%s", cols, q.Table, whereSQL, orderSQL)
	sql += limitClause(q.Limit, q.Offset)
	return sql, params, nil
}

// CompileCount converts a filtered count to SQL. The count column is "count".
func CompileCount(table string, where Predicate) (string, []any, error) {
	if err := checkIdent(table); err != nil {
		return "", nil, err
	}
	whereSQL, params, err := compileWhere(where)
	if err != nil {
		return "", nil, err
	}
	return fmt.Sprintf("SELECT COUNT(*) AS count FROM %s%s", table, whereSQL), params, nil
}

// CompileInsert converts a row to an INSERT. Columns are sorted.
func CompileInsert(table string, data map[string]any) (string, []any, error) {
	if err := checkIdent(table); err != nil {
		return "", nil, err
	}
	if len(data) == 0 {
		return "", nil, fault.InvalidArgument("insert into %s: no columns", table)
	}
	cols := sortedKeys(data)
	params := make([]any, 0, len(cols))
	marks := make([]string, 0, len(cols))
	for _, c := range cols {
		if err := checkIdent(c); err != nil {
			return "", nil, err
		}
		params = append(params, data[c])
		marks = append(marks, "?")
	}
	sql := fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)",
		table, strings.Join(cols, ", "), strings.Join(marks, ", "))
	return sql, params, nil
}

// CompileUpdate converts a column→value patch on rows matching where.
func CompileUpdate(table string, patch map[string]any, where Predicate) (string, []any, error) {
	if err := checkIdent(table); err != nil {
		return "", nil, err
	}
	if len(patch) == 0 {
		return "", nil, fault.InvalidArgument("update %s: empty patch", table)
	}
	cols := sortedKeys(patch)
	sets := make([]string, 0, len(cols))
	params := make([]any, 0, len(cols))
	for _, c := range cols {
		if err := checkIdent(c); err != nil {
			return "", nil, err
		}
		sets = append(sets, c+" = ?")
		params = append(params, patch[c])
	}
	whereSQL, whereParams, err := compileWhere(where)
	if err != nil {
		return "", nil, err
	}
	sql := fmt.Sprintf("UPDATE %s SET %s%s", table, strings.Join(sets, ", "), whereSQL)
	return sql, append(params, whereParams...), nil
}

// CompileDelete converts a filtered delete. A nil where is rejected so a
// typo cannot wipe a table.
func CompileDelete(table string, where Predicate) (string, []any, error) {
	if err := checkIdent(table); err != nil {
		return "", nil, err
	}
	if where == nil {
		return "", nil, fault.InvalidArgument("delete from %s: missing filter", table)
	}
	whereSQL, params, err := compileWhere(where)
	if err != nil {
		return "", nil, err
	}
	return fmt.Sprintf("DELETE FROM %s%s", table, whereSQL), params, nil
}

// Aggregate describes one per-shard aggregation query.
type Aggregate struct {
	Table   string
	Count   bool
	Sum     []string
	Avg     []string
	Min     []string
	Max     []string
	GroupBy string
	Where   Predicate
}

// AggregateAlias returns the result column name for fn over column,
// e.g. ("sum", "age") → "sum_age".
func AggregateAlias(fn, column string) string {
	return fn + "_" + column
}

// CompileAggregate converts an Aggregate to SQL. Result columns are
// "count", "<fn>_<column>", and the group column under its own name.
func CompileAggregate(a Aggregate) (string, []any, error) {
	if err := checkIdent(a.Table); err != nil {
		return "", nil, err
	}

	var parts []string
	if a.GroupBy != "" {
		if err := checkIdent(a.GroupBy); err != nil {
			return "", nil, err
		}
		parts = append(parts, a.GroupBy)
	}
	if a.Count {
		parts = append(parts, "COUNT(*) AS count")
	}
	for _, fn := range []struct {
		name string
		cols []string
	}{{"sum", a.Sum}, {"avg", a.Avg}, {"min", a.Min}, {"max", a.Max}} {
		for _, c := range fn.cols {
			if err := checkIdent(c); err != nil {
				return "", nil, err
			}
			parts = append(parts, fmt.Sprintf("%s(%s) AS %s", strings.ToUpper(fn.name), c, AggregateAlias(fn.name, c)))
		}
	}
	if len(parts) == 0 || (a.GroupBy != "" && len(parts) == 1) {
		return "", nil, fault.InvalidArgument("aggregate over %s: no aggregate functions", a.Table)
	}

	whereSQL, params, err := compileWhere(a.Where)
	if err != nil {
		return "", nil, err
	}

	sql := fmt.Sprintf("SELECT %s FROM %s%s", strings.Join(parts, ", "), a.Table, whereSQL)
	if a.GroupBy != "" {
		sql += fmt.Sprintf(" GROUP BY %s ORDER BY %s ASC", a.GroupBy, a.GroupBy)
	}
	return sql, params, nil
}

func compileWhere(p Predicate) (string, []any, error) {
	if p == nil {
		return "", nil, nil
	}
	sql, params, err := compilePredicate(p)
	if err != nil {
		return "", nil, err
	}
	return " WHERE " + sql, params, nil
}

// compilePredicate compiles a Predicate to a WHERE fragment.
// Values are NEVER interpolated - always parameterized.
func compilePredicate(p Predicate) (string, []any, error) {
	switch pred := p.(type) {
	case Equals:
		if err := checkIdent(pred.Column); err != nil {
			return "", nil, err
		}
		if pred.Value == nil {
			return pred.Column + " IS NULL", nil, nil
		}
		return pred.Column + " = ?", []any{pred.Value}, nil
	case NotEquals:
		if err := checkIdent(pred.Column); err != nil {
			return "", nil, err
		}
		return fmt.Sprintf("(%s IS NULL OR %s != ?)", pred.Column, pred.Column), []any{pred.Value}, nil
	case In:
		if err := checkIdent(pred.Column); err != nil {
			return "", nil, err
		}
		if len(pred.Values) == 0 {
			return "1 = 0", nil, nil
		}
		marks := strings.TrimSuffix(strings.Repeat("?, ", len(pred.Values)), ", ")
		params := make([]any, len(pred.Values))
		copy(params, pred.Values)
		return fmt.Sprintf("%s IN (%s)", pred.Column, marks), params, nil
	case NotNull:
		if err := checkIdent(pred.Column); err != nil {
			return "", nil, err
		}
		return pred.Column + " IS NOT NULL", nil, nil
	case And:
		if len(pred.Predicates) == 0 {
			return "1 = 1", nil, nil
		}
		var parts []string
		var params []any
		for _, sub := range pred.Predicates {
			sql, subParams, err := compilePredicate(sub)
			if err != nil {
				return "", nil, err
			}
			parts = append(parts, sql)
			params = append(params, subParams...)
		}
		return strings.Join(parts, " AND "), params, nil
	case nil:
		return "1 = 1", nil, nil
	default:
		return "", nil, fmt.Errorf("unsupported predicate type: %T", p)
	}
}

// orderClause builds ORDER BY with id as deterministic tiebreaker.
func orderClause(column string, desc bool) (string, error) {
	if column == "" || column == "id" {
		dir := "ASC"
		if desc && column == "id" {
			dir = "DESC"
		}
		return " ORDER BY id COLLATE BINARY " + dir, nil
	}
	if err := checkIdent(column); err != nil {
		return "", err
	}
	dir := "ASC"
	if desc {
		dir = "DESC"
	}
	return fmt.Sprintf(" ORDER BY %s %s, id COLLATE BINARY ASC", column, dir), nil
}

func limitClause(limit, offset int) string {
	switch {
	case limit > 0 && offset > 0:
		return fmt.Sprintf(" LIMIT %d OFFSET %d", limit, offset)
	case limit > 0:
		return fmt.Sprintf(" LIMIT %d", limit)
	case offset > 0:
		return fmt.Sprintf(" LIMIT -1 OFFSET %d", offset)
	default:
		return ""
	}
}

func checkIdent(name string) error {
	if !shard.ValidIdent(name) {
		return fault.InvalidArgument("invalid identifier %q", name)
	}
	return nil
}

func sortedKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
