// Package db provides SQLite connection handles for the dataset storage layer.
//
// This package handles:
//   - Opening connections (Conn) with pragmas applied and connectivity verified
//   - Idempotent release of connections and use-after-close detection
//   - Per-scope registries that sweep connections nobody released
//   - Schema initialisation through versioned migrations
//
// Every connection is capped at a single underlying SQLite connection so a
// handle maps to exactly one open file descriptor set on the database file.
package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"sync"
	"time"

	"github.com/therronjordan/Qcodes/internal/logging"

	_ "modernc.org/sqlite"
)

const (
	dataDirPerms       = 0o750
	defaultBusyTimeout = 5 * time.Second
)

var (
	// ErrConnection is returned when the backend cannot open the target file.
	ErrConnection = errors.New("connection error")
	// ErrHandleClosed is returned by every operation on a released Conn.
	ErrHandleClosed = errors.New("handle closed")
)

// Options configures Open.
type Options struct {
	// Debug logs every statement through Logger.
	Debug bool
	// Logger receives statement and lifecycle logs. Nil uses the default logger.
	Logger *slog.Logger
	// Registry owns the handle until it is closed. Nil leaves the handle
	// untracked; it is then closed by the garbage collector once unreachable.
	Registry *Registry
	// BusyTimeout bounds how long SQLite waits on a locked file.
	BusyTimeout time.Duration
	// CreateDir creates the parent directory when it does not exist.
	CreateDir bool
}

// Conn is a handle on one open SQLite database file.
//
// Example usage:
//
//	conn, err := db.Open("/tmp/run/temp.db", db.Options{Registry: reg})
//	if err != nil {
//	    return err
//	}
//	defer conn.Close()
type Conn struct {
	path     string
	debug    bool
	logger   *slog.Logger
	registry *Registry

	mu        sync.Mutex
	pool      *sql.DB
	closed    bool
	finalizer runtime.Cleanup
	finalized bool
}

// Open connects to the SQLite file at path, applies pragmas and pings it.
//
// Any failure is reported as an error wrapping ErrConnection. When
// opts.Registry is set the handle is tracked there until Close.
func Open(path string, opts Options) (*Conn, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("%w: db path is required", ErrConnection)
	}
	dir := filepath.Dir(path)
	if opts.CreateDir {
		if err := os.MkdirAll(dir, dataDirPerms); err != nil {
			return nil, fmt.Errorf("%w: create db dir %s: %v", ErrConnection, dir, err)
		}
	} else if info, err := os.Stat(dir); err != nil {
		return nil, fmt.Errorf("%w: db dir %s: %v", ErrConnection, dir, err)
	} else if !info.IsDir() {
		return nil, fmt.Errorf("%w: db dir %s is not a directory", ErrConnection, dir)
	}
	pool, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("%w: open sqlite %s: %v", ErrConnection, path, err)
	}
	pool.SetMaxOpenConns(1)
	pool.SetMaxIdleConns(1)
	if err := applyPragmas(pool, opts.BusyTimeout); err != nil {
		_ = pool.Close()
		return nil, fmt.Errorf("%w: %s: %v", ErrConnection, path, err)
	}
	if err := pool.Ping(); err != nil {
		_ = pool.Close()
		return nil, fmt.Errorf("%w: ping sqlite %s: %v", ErrConnection, path, err)
	}
	conn := &Conn{
		path:     path,
		debug:    opts.Debug,
		logger:   logging.OrDefault(opts.Logger),
		registry: opts.Registry,
		pool:     pool,
	}
	if opts.Registry != nil {
		opts.Registry.track(conn)
	} else {
		conn.finalizer = runtime.AddCleanup(conn, func(p *sql.DB) { _ = p.Close() }, pool)
		conn.finalized = true
	}
	if conn.debug {
		conn.logger.Debug("sqlite connection opened", "path", path, "scope", conn.ScopeID())
	}
	return conn, nil
}

func applyPragmas(pool *sql.DB, busyTimeout time.Duration) error {
	if busyTimeout <= 0 {
		busyTimeout = defaultBusyTimeout
	}
	pragmas := []string{
		"PRAGMA foreign_keys = ON;",
		fmt.Sprintf("PRAGMA busy_timeout = %d;", busyTimeout.Milliseconds()),
	}
	for _, pragma := range pragmas {
		if _, err := pool.Exec(pragma); err != nil {
			return fmt.Errorf("apply pragma %q: %w", pragma, err)
		}
	}
	return nil
}

// Path returns the database file the handle points at.
func (c *Conn) Path() string {
	return c.path
}

// ScopeID returns the ID of the owning registry, or "" for untracked handles.
func (c *Conn) ScopeID() string {
	if c.registry == nil {
		return ""
	}
	return c.registry.ID()
}

// Closed reports whether Close has been called.
func (c *Conn) Closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// DB returns the underlying pool for callers that need database/sql directly.
func (c *Conn) DB() (*sql.DB, error) {
	return c.open()
}

func (c *Conn) open() (*sql.DB, error) {
	if c == nil {
		return nil, fmt.Errorf("%w: nil handle", ErrHandleClosed)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, fmt.Errorf("%w: %s", ErrHandleClosed, c.path)
	}
	return c.pool, nil
}

// ExecContext runs a statement that returns no rows.
func (c *Conn) ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error) {
	pool, err := c.open()
	if err != nil {
		return nil, err
	}
	c.logStatement(query, args)
	return pool.ExecContext(ctx, query, args...)
}

// QueryContext runs a statement that returns rows.
func (c *Conn) QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	pool, err := c.open()
	if err != nil {
		return nil, err
	}
	c.logStatement(query, args)
	return pool.QueryContext(ctx, query, args...)
}

// Row is the result of QueryRowContext. A closed handle surfaces from Scan.
type Row struct {
	row *sql.Row
	err error
}

// Scan copies the row into dest.
func (r *Row) Scan(dest ...any) error {
	if r.err != nil {
		return r.err
	}
	return r.row.Scan(dest...)
}

// QueryRowContext runs a statement expected to return at most one row.
func (c *Conn) QueryRowContext(ctx context.Context, query string, args ...any) *Row {
	pool, err := c.open()
	if err != nil {
		return &Row{err: err}
	}
	c.logStatement(query, args)
	return &Row{row: pool.QueryRowContext(ctx, query, args...)}
}

// WithTx runs fn inside a transaction. The transaction is committed when fn
// returns nil and rolled back otherwise; panics roll back and propagate.
func (c *Conn) WithTx(ctx context.Context, fn func(tx *sql.Tx) error) (err error) {
	pool, err := c.open()
	if err != nil {
		return err
	}
	tx, err := pool.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer func() {
		if p := recover(); p != nil {
			_ = tx.Rollback()
			panic(p)
		}
	}()
	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			return fmt.Errorf("transaction failed (rollback error: %v): %w", rbErr, err)
		}
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

// Close releases the connection. Only the first call does any work; later
// calls return nil.
func (c *Conn) Close() error {
	if c == nil {
		return nil
	}
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	pool := c.pool
	c.pool = nil
	if c.finalized {
		c.finalizer.Stop()
		c.finalized = false
	}
	c.mu.Unlock()

	if c.registry != nil {
		c.registry.untrack(c)
	}
	if c.debug {
		c.logger.Debug("sqlite connection closed", "path", c.path, "scope", c.ScopeID())
	}
	if err := pool.Close(); err != nil {
		return fmt.Errorf("close sqlite %s: %w", c.path, err)
	}
	return nil
}

func (c *Conn) logStatement(query string, args []any) {
	if !c.debug {
		return
	}
	c.logger.Debug("sqlite statement", "path", c.path, "sql", strings.TrimSpace(query), "args", args)
}
