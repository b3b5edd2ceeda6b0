package query

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"time"

	_ "modernc.org/sqlite"
)

// ErrExecutionFailure matches any ExecutionError via errors.Is.
var ErrExecutionFailure = errors.New("query execution failed")

// ExecutionError carries the store's own error text so the repair loop can
// mine it for missing identifiers.
type ExecutionError struct {
	SQL string
	Err error
}

func (e *ExecutionError) Error() string {
	return fmt.Sprintf("execute query: %v", e.Err)
}

func (e *ExecutionError) Unwrap() error { return e.Err }

// Is reports whether target is ErrExecutionFailure.
func (e *ExecutionError) Is(target error) bool { return target == ErrExecutionFailure }

// Source runs raw read statements against the analytical store.
type Source interface {
	Query(ctx context.Context, sql string) (columns []string, rows [][]any, err error)
}

// Executor gates statements through CheckReadOnly and normalizes results.
type Executor struct {
	source Source
}

// NewExecutor creates an executor over source.
func NewExecutor(source Source) *Executor {
	return &Executor{source: source}
}

// Execute runs sql if it passes the read-only gate. Rejected statements
// never reach the source.
func (e *Executor) Execute(ctx context.Context, sql string) (*Result, error) {
	if err := CheckReadOnly(sql); err != nil {
		return nil, err
	}

	start := time.Now()
	cols, raw, err := e.source.Query(ctx, sql)
	if err != nil {
		return nil, &ExecutionError{SQL: sql, Err: err}
	}

	rows := make([]Row, 0, len(raw))
	for _, values := range raw {
		row := make(Row, len(cols))
		for i, c := range cols {
			if i < len(values) {
				row[c] = NormalizeValue(values[i])
			}
		}
		rows = append(rows, row)
	}
	if cols == nil {
		cols = []string{}
	}
	return &Result{Columns: cols, Rows: rows, Elapsed: time.Since(start)}, nil
}

// DB is an analytical store reached through database/sql.
type DB struct {
	db   *sql.DB
	path string
}

// OpenDB opens the analytical database file read-only.
func OpenDB(path string) (*DB, error) {
	if _, err := os.Stat(path); err != nil {
		return nil, fmt.Errorf("stat analytical database: %w", err)
	}

	dsn := "file:" + path + "?mode=ro&_pragma=busy_timeout(5000)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open analytical database: %w", err)
	}

	db.SetMaxOpenConns(8)
	db.SetMaxIdleConns(2)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping analytical database: %w", err)
	}
	return &DB{db: db, path: path}, nil
}

// NewDB wraps an already opened handle.
func NewDB(db *sql.DB, path string) *DB {
	return &DB{db: db, path: path}
}

// Path returns the database file path.
func (d *DB) Path() string { return d.path }

// Query runs a statement and returns raw column values.
func (d *DB) Query(ctx context.Context, query string) ([]string, [][]any, error) {
	rows, err := d.db.QueryContext(ctx, query)
	if err != nil {
		return nil, nil, err
	}
	defer rows.Close()

	cols, err := rows.Columns()
	if err != nil {
		return nil, nil, err
	}

	var out [][]any
	for rows.Next() {
		values := make([]any, len(cols))
		ptrs := make([]any, len(cols))
		for i := range values {
			ptrs[i] = &values[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, nil, err
		}
		out = append(out, values)
	}
	if err := rows.Err(); err != nil {
		return nil, nil, err
	}
	return cols, out, nil
}

// Ping verifies connectivity.
func (d *DB) Ping(ctx context.Context) error {
	return d.db.PingContext(ctx)
}

// Close closes the handle.
func (d *DB) Close() error {
	return d.db.Close()
}
