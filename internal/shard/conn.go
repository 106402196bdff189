package shard

import (
	"context"
	"regexp"
	"strings"
)

// Row is one result row keyed by column name.
type Row map[string]any

// Clone returns a shallow copy of r.
func (r Row) Clone() Row {
	if r == nil {
		return nil
	}
	out := make(Row, len(r))
	for k, v := range r {
		out[k] = v
	}
	return out
}

// String returns column col as a string, or "" when absent or NULL.
func (r Row) String(col string) string {
	switch v := r[col].(type) {
	case string:
		return v
	case []byte:
		return string(v)
	case nil:
		return ""
	default:
		return ""
	}
}

// Int returns column col as an int64 and whether it held a number.
func (r Row) Int(col string) (int64, bool) {
	switch v := r[col].(type) {
	case int64:
		return v, true
	case int:
		return int64(v), true
	case int32:
		return int64(v), true
	case float64:
		return int64(v), true
	default:
		return 0, false
	}
}

// Result reports the effect of an exec.
type Result struct {
	RowsAffected int64
	LastInsertID int64
}

// Statement is a prepared query with bound parameters.
// Bind returns a new Statement; the receiver is not modified.
type Statement interface {
	Bind(args ...any) Statement
	First(ctx context.Context) (Row, error)
	All(ctx context.Context) ([]Row, error)
	Run(ctx context.Context) (Result, error)
	// SQL returns the query text and bound arguments, used by Batch.
	SQL() (string, []any)
}

// Conn is one shard's storage engine.
type Conn interface {
	Prepare(query string) Statement
	// Batch executes stmts in order as one atomic unit on this shard.
	Batch(ctx context.Context, stmts []Statement) ([]Result, error)
	// PageStats returns the page count and page size of the database.
	PageStats(ctx context.Context) (pageCount, pageSize int64, err error)
	// Tables lists application tables, excluding internal ones.
	Tables(ctx context.Context) ([]string, error)
	Ping(ctx context.Context) error
	Close() error
}

var identPattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// ValidIdent reports whether name is safe to interpolate into SQL as a
// table or column name.
func ValidIdent(name string) bool {
	return len(name) <= 64 && identPattern.MatchString(name)
}

// IsInternalTable reports whether name is bookkeeping rather than application data.
func IsInternalTable(name string) bool {
	return strings.HasPrefix(name, "_") || strings.HasPrefix(name, "sqlite_")
}

// IsNoSuchTable reports whether err is the engine's missing-table error.
// Shards provisioned after a migration may lack application tables; fan-out
// reads treat them as empty.
func IsNoSuchTable(err error) bool {
	return err != nil && strings.Contains(err.Error(), "no such table")
}

// IsNoSuchColumn reports whether err is the engine's missing-column error.
func IsNoSuchColumn(err error) bool {
	return err != nil && strings.Contains(err.Error(), "no such column")
}
