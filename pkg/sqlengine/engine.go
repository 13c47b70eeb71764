// SPDX-FileCopyrightText: Copyright 2025 MXCP authors
// SPDX-License-Identifier: Apache-2.0

// Package sqlengine provides the pooled embedded SQL engine endpoints
// execute against. Each generation owns one Engine; a reload closes the old
// engine only after its last request returns.
//
// Parameter binding is strictly named ($name placeholders bound through
// database/sql). Caller values are never interpolated into SQL text.
package sqlengine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"regexp"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"github.com/mxcp-dev/mxcp/pkg/logger"
)

// ErrDraining is returned by Acquire after Drain has started.
var ErrDraining = errors.New("sql engine is draining")

// Options configures an Engine.
type Options struct {
	Path     string
	PoolSize int
	ReadOnly bool

	// Extensions are statements (PRAGMA/ATTACH) run on every pooled
	// connection at construction.
	Extensions []string
}

// Result is the outcome of one Execute call: either tabular rows or, when
// the statement yields a single column and row, a scalar.
type Result struct {
	Columns []string
	Rows    []map[string]any
}

// Scalar reports the single value of a one-row, one-column result.
func (r *Result) Scalar() (any, bool) {
	if len(r.Columns) == 1 && len(r.Rows) == 1 {
		return r.Rows[0][r.Columns[0]], true
	}
	return nil, false
}

// Engine is a fixed-size pool of dedicated connections over one database.
type Engine struct {
	db    *sql.DB
	conns chan *sql.Conn
	size  int

	mu       sync.Mutex
	draining bool
}

// New opens the database and fills the pool. The pool size is clamped to a
// minimum of 2.
func New(ctx context.Context, opts Options) (*Engine, error) {
	size := opts.PoolSize
	if size < 2 {
		size = 2
	}

	db, err := sql.Open("sqlite", opts.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database %s: %w", opts.Path, err)
	}
	db.SetMaxOpenConns(size)
	db.SetMaxIdleConns(size)
	db.SetConnMaxLifetime(0)

	e := &Engine{
		db:    db,
		conns: make(chan *sql.Conn, size),
		size:  size,
	}

	for i := 0; i < size; i++ {
		conn, err := db.Conn(ctx)
		if err != nil {
			e.closeAll()
			return nil, fmt.Errorf("failed to open pooled connection: %w", err)
		}
		if err := e.prepareConn(ctx, conn, opts); err != nil {
			_ = conn.Close()
			e.closeAll()
			return nil, err
		}
		e.conns <- conn
	}
	return e, nil
}

func (e *Engine) prepareConn(ctx context.Context, conn *sql.Conn, opts Options) error {
	stmts := []string{"PRAGMA busy_timeout = 5000"}
	if opts.ReadOnly {
		stmts = append(stmts, "PRAGMA query_only = ON")
	}
	stmts = append(stmts, opts.Extensions...)

	for _, stmt := range stmts {
		if _, err := conn.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to prepare connection (%s): %w", stmt, err)
		}
	}
	return nil
}

// Acquire takes a connection from the pool, blocking until one is free or
// ctx is done. Fails immediately once draining.
func (e *Engine) Acquire(ctx context.Context) (*sql.Conn, error) {
	e.mu.Lock()
	if e.draining {
		e.mu.Unlock()
		return nil, ErrDraining
	}
	e.mu.Unlock()

	select {
	case conn := <-e.conns:
		return conn, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Return puts a connection back into the pool.
func (e *Engine) Return(conn *sql.Conn) {
	e.conns <- conn
}

// namedParamPattern matches $name placeholders outside of quoted strings
// handled by the driver. Used only to report unbound parameters early.
var namedParamPattern = regexp.MustCompile(`\$([A-Za-z_][A-Za-z0-9_]*)`)

// Execute acquires a connection, binds params by name, and runs the
// statement under the given timeout.
func (e *Engine) Execute(ctx context.Context, query string, params map[string]any, timeout time.Duration) (*Result, error) {
	conn, err := e.Acquire(ctx)
	if err != nil {
		return nil, err
	}
	defer e.Return(conn)

	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	// Bind exactly the parameters the statement references; unknown
	// placeholders fail early instead of binding as NULL.
	referenced := make(map[string]bool)
	for _, m := range namedParamPattern.FindAllStringSubmatch(query, -1) {
		name := m[1]
		if _, ok := params[name]; !ok {
			return nil, fmt.Errorf("query references unbound parameter $%s", name)
		}
		referenced[name] = true
	}

	args := make([]any, 0, len(referenced))
	for name := range referenced {
		args = append(args, sql.Named(name, params[name]))
	}

	rows, err := conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query failed: %w", err)
	}
	defer rows.Close()

	return collectRows(rows)
}

func collectRows(rows *sql.Rows) (*Result, error) {
	cols, err := rows.Columns()
	if err != nil {
		return nil, fmt.Errorf("failed to read columns: %w", err)
	}

	res := &Result{Columns: cols}
	for rows.Next() {
		values := make([]any, len(cols))
		ptrs := make([]any, len(cols))
		for i := range values {
			ptrs[i] = &values[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, fmt.Errorf("failed to scan row: %w", err)
		}
		row := make(map[string]any, len(cols))
		for i, col := range cols {
			row[col] = normalizeValue(values[i])
		}
		res.Rows = append(res.Rows, row)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("row iteration failed: %w", err)
	}
	return res, nil
}

// normalizeValue converts driver byte slices to strings so results are
// JSON-serializable without surprises.
func normalizeValue(v any) any {
	if b, ok := v.([]byte); ok {
		return string(b)
	}
	return v
}

// Drain refuses new acquisitions, waits for every connection to return
// (bounded by ctx), then closes the database. Connections still out after
// ctx expires are closed when the database handle closes.
func (e *Engine) Drain(ctx context.Context) error {
	e.mu.Lock()
	if e.draining {
		e.mu.Unlock()
		return nil
	}
	e.draining = true
	e.mu.Unlock()

	collected := 0
	for collected < e.size {
		select {
		case conn := <-e.conns:
			_ = conn.Close()
			collected++
		case <-ctx.Done():
			logger.Warnw("sql engine drain timed out",
				"outstanding", e.size-collected)
			return e.db.Close()
		}
	}
	return e.db.Close()
}

func (e *Engine) closeAll() {
	for {
		select {
		case conn := <-e.conns:
			_ = conn.Close()
		default:
			_ = e.db.Close()
			return
		}
	}
}
