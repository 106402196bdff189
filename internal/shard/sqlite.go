package shard

import (
	"context"
	"database/sql"
	_ "embed"
	"fmt"

	_ "github.com/mattn/go-sqlite3"
)

//go:embed schema.sql
var schemaSQL string

// Schema version tracking:
// 0 - Initial internal tables
// 1 - Added index on _shard_references(target_table, target_id)
const currentSchemaVersion = 1

// SQLite is a Conn backed by one SQLite database file.
type SQLite struct {
	db   *sql.DB
	path string
}

// OpenSQLite creates or opens the SQLite database at path.
// Applies required pragmas and the internal schema automatically.
//
// This function is idempotent - safe to call multiple times.
func OpenSQLite(path string) (*SQLite, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	// SQLite only supports one writer at a time, so limit connections
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := applyPragmas(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply pragmas: %w", err)
	}

	if err := applySchema(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply schema: %w", err)
	}

	return &SQLite{db: db, path: path}, nil
}

// Path returns the database file path.
func (s *SQLite) Path() string {
	return s.path
}

// DB returns the underlying sql.DB for direct queries.
// Use with caution - prefer the Conn methods.
func (s *SQLite) DB() *sql.DB {
	return s.db
}

// Close closes the database connection.
func (s *SQLite) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Ping verifies the database is reachable.
func (s *SQLite) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Prepare returns an unbound statement for query.
func (s *SQLite) Prepare(query string) Statement {
	return &sqliteStmt{conn: s, query: query}
}

// Batch executes stmts inside one transaction. Either all take effect or none.
func (s *SQLite) Batch(ctx context.Context, stmts []Statement) ([]Result, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("batch: begin tx: %w", err)
	}
	defer tx.Rollback() // No-op if committed

	results := make([]Result, 0, len(stmts))
	for i, st := range stmts {
		query, args := st.SQL()
		res, err := tx.ExecContext(ctx, query, args...)
		if err != nil {
			return nil, fmt.Errorf("batch: statement %d: %w", i, err)
		}
		r, err := toResult(res)
		if err != nil {
			return nil, fmt.Errorf("batch: statement %d: %w", i, err)
		}
		results = append(results, r)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("batch: commit: %w", err)
	}
	return results, nil
}

// PageStats returns PRAGMA page_count and page_size.
func (s *SQLite) PageStats(ctx context.Context) (int64, int64, error) {
	var count, size int64
	if err := s.db.QueryRowContext(ctx, "PRAGMA page_count").Scan(&count); err != nil {
		return 0, 0, fmt.Errorf("page count: %w", err)
	}
	if err := s.db.QueryRowContext(ctx, "PRAGMA page_size").Scan(&size); err != nil {
		return 0, 0, fmt.Errorf("page size: %w", err)
	}
	return count, size, nil
}

// Tables lists application tables in name order.
func (s *SQLite) Tables(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT name FROM sqlite_master
		WHERE type = 'table'
		ORDER BY name COLLATE BINARY ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("list tables: %w", err)
	}
	defer rows.Close()

	tables := []string{}
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, fmt.Errorf("scan table name: %w", err)
		}
		if IsInternalTable(name) {
			continue
		}
		tables = append(tables, name)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate tables: %w", err)
	}
	return tables, nil
}

type sqliteStmt struct {
	conn  *SQLite
	query string
	args  []any
}

func (st *sqliteStmt) Bind(args ...any) Statement {
	bound := make([]any, len(args))
	copy(bound, args)
	return &sqliteStmt{conn: st.conn, query: st.query, args: bound}
}

func (st *sqliteStmt) SQL() (string, []any) {
	return st.query, st.args
}

func (st *sqliteStmt) First(ctx context.Context) (Row, error) {
	rows, err := st.conn.db.QueryContext(ctx, st.query, st.args...)
	if err != nil {
		return nil, fmt.Errorf("query: %w", err)
	}
	defer rows.Close()

	if !rows.Next() {
		if err := rows.Err(); err != nil {
			return nil, fmt.Errorf("iterate rows: %w", err)
		}
		return nil, nil
	}
	return scanRow(rows)
}

func (st *sqliteStmt) All(ctx context.Context) ([]Row, error) {
	rows, err := st.conn.db.QueryContext(ctx, st.query, st.args...)
	if err != nil {
		return nil, fmt.Errorf("query: %w", err)
	}
	defer rows.Close()

	out := []Row{}
	for rows.Next() {
		r, err := scanRow(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate rows: %w", err)
	}
	return out, nil
}

func (st *sqliteStmt) Run(ctx context.Context) (Result, error) {
	res, err := st.conn.db.ExecContext(ctx, st.query, st.args...)
	if err != nil {
		return Result{}, fmt.Errorf("exec: %w", err)
	}
	return toResult(res)
}

// scanRow scans the current row into a Row keyed by column name.
// TEXT values arriving as []byte are converted to string.
func scanRow(rows *sql.Rows) (Row, error) {
	cols, err := rows.Columns()
	if err != nil {
		return nil, fmt.Errorf("columns: %w", err)
	}
	values := make([]any, len(cols))
	ptrs := make([]any, len(cols))
	for i := range values {
		ptrs[i] = &values[i]
	}
	if err := rows.Scan(ptrs...); err != nil {
		return nil, fmt.Errorf("scan row: %w", err)
	}
	row := make(Row, len(cols))
	for i, col := range cols {
		if b, ok := values[i].([]byte); ok {
			row[col] = string(b)
			continue
		}
		row[col] = values[i]
	}
	return row, nil
}

func toResult(res sql.Result) (Result, error) {
	affected, err := res.RowsAffected()
	if err != nil {
		return Result{}, fmt.Errorf("rows affected: %w", err)
	}
	// LastInsertId is meaningless for tables with TEXT keys; ignore its error.
	lastID, _ := res.LastInsertId()
	return Result{RowsAffected: affected, LastInsertID: lastID}, nil
}

// applyPragmas sets required SQLite configuration.
func applyPragmas(db *sql.DB) error {
	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA busy_timeout = 5000",
		"PRAGMA foreign_keys = ON",
	}

	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			return fmt.Errorf("failed to execute %q: %w", pragma, err)
		}
	}

	return nil
}

// applySchema creates internal tables if they don't exist and runs migrations.
func applySchema(db *sql.DB) error {
	if _, err := db.Exec(schemaSQL); err != nil {
		return fmt.Errorf("failed to execute schema: %w", err)
	}
	if err := runMigrations(db); err != nil {
		return fmt.Errorf("failed to run migrations: %w", err)
	}
	return nil
}

// runMigrations applies incremental schema migrations based on user_version.
func runMigrations(db *sql.DB) error {
	var version int
	if err := db.QueryRow("PRAGMA user_version").Scan(&version); err != nil {
		return fmt.Errorf("get user_version: %w", err)
	}

	if version < 1 {
		if err := migrateToV1(db); err != nil {
			return err
		}
	}

	if _, err := db.Exec(fmt.Sprintf("PRAGMA user_version = %d", currentSchemaVersion)); err != nil {
		return fmt.Errorf("set user_version: %w", err)
	}
	return nil
}

// migrateToV1 indexes reference edges by target for inbound lookups.
func migrateToV1(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE INDEX IF NOT EXISTS idx_shard_references_target
		ON _shard_references(target_table, target_id)
	`)
	if err != nil {
		return fmt.Errorf("migrate to v1: %w", err)
	}
	return nil
}
