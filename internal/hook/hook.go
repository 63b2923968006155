// Package hook exposes SQLite's pre-update hook as a per-connection
// observer registry.
//
// A Conn owns a single SQLite connection. At most one Observer is registered
// with it at a time; the Observer is called synchronously, on the goroutine
// executing the write, once for every row inserted, updated or deleted by a
// statement (including rows changed by triggers and foreign key actions),
// before the change is applied. The Observer cannot veto or alter the change.
//
// The pre-update hook is optional in SQLite builds. This package must be
// built with the "sqlite_preupdate_hook" tag for github.com/mattn/go-sqlite3
// to compile it in; Conn.Supported reports whether it is usable.
package hook

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/mattn/go-sqlite3"
	"github.com/sirupsen/logrus"

	"sqlite-cdc/internal/metrics"
)

// ErrClosed is returned by operations on a closed Conn.
var ErrClosed = errors.New("connection is closed")

// Observer receives row changes. Errors returned and panics raised by
// OnRowChange are logged and counted; they never reach SQLite. An Observer
// must not call back into the Conn which dispatched the Event.
type Observer interface {
	OnRowChange(ev *Event) error
}

// ObserverFunc adapts a function to the Observer interface.
type ObserverFunc func(ev *Event) error

// OnRowChange calls f(ev).
func (f ObserverFunc) OnRowChange(ev *Event) error { return f(ev) }

type registration struct {
	observer Observer
}

// Conn is a SQLite connection with a pre-update hook registry.
type Conn struct {
	db        *sql.DB
	conn      *sql.Conn
	logger    *logrus.Logger
	supported bool

	// mu serializes statements, transactions and registration swaps.
	mu     sync.Mutex
	closed bool
	// affected counts rows dispatched for the statement in flight.
	affected int

	reg     atomic.Pointer[registration]
	current atomic.Pointer[Event]

	schemaMu sync.Mutex
	schema   map[string][]Column
}

// Open opens the SQLite database at dsn (any github.com/mattn/go-sqlite3 DSN)
// and checks once whether the pre-update hook is available.
func Open(ctx context.Context, dsn string, logger *logrus.Logger) (*Conn, error) {
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite database: %w", err)
	}
	// Observers are registered per connection, so the pool is pinned to one.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	conn, err := db.Conn(ctx)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to acquire sqlite connection: %w", err)
	}

	c := &Conn{
		db:     db,
		conn:   conn,
		logger: logger,
		schema: make(map[string][]Column),
	}

	opts, err := c.CompileOptions(ctx)
	if err != nil {
		c.Close()
		return nil, err
	}
	_, enabled := opts["ENABLE_PREUPDATE_HOOK"]
	c.supported = preUpdateHookBuild && enabled

	logger.Debugf("Opened sqlite database %s (pre-update hook supported: %t)", dsn, c.supported)
	return c, nil
}

// Supported reports whether observers can be registered with this Conn.
func (c *Conn) Supported() bool { return c.supported }

// Register installs obs as the connection's Observer, returning the Observer
// it replaces (nil if none). A nil obs disables notifications and removes the
// hook from SQLite's write path. The swap waits for any statement or
// transaction in flight to complete.
func (c *Conn) Register(obs Observer) (Observer, error) {
	if !c.supported {
		return nil, ErrCapabilityUnavailable
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil, ErrClosed
	}

	var prev Observer
	if r := c.reg.Load(); r != nil {
		prev = r.observer
	}

	switch {
	case obs == nil && prev != nil:
		if err := c.setEngineHook(false); err != nil {
			return nil, err
		}
		c.reg.Store(nil)
	case obs != nil && prev == nil:
		c.reg.Store(&registration{observer: obs})
		if err := c.setEngineHook(true); err != nil {
			c.reg.Store(nil)
			return nil, err
		}
	case obs != nil:
		c.reg.Store(&registration{observer: obs})
	}
	return prev, nil
}

func (c *Conn) setEngineHook(enable bool) error {
	return c.conn.Raw(func(driverConn any) error {
		sc, ok := driverConn.(*sqlite3.SQLiteConn)
		if !ok {
			return fmt.Errorf("unexpected driver connection type: %T", driverConn)
		}
		if enable {
			sc.RegisterPreUpdateHook(c.onPreUpdate)
		} else {
			sc.RegisterPreUpdateHook(nil)
		}
		return nil
	})
}

// dispatch runs on the goroutine executing the statement, which holds mu.
func (c *Conn) dispatch(op Op, database, table string, oldRowID, newRowID int64, src rowSource) {
	r := c.reg.Load()
	if r == nil {
		return
	}
	c.affected++

	ev := &Event{
		op:       op,
		database: database,
		table:    table,
		oldRowID: oldRowID,
		newRowID: newRowID,
		depth:    src.Depth(),
		affected: c.affected,
		src:      src,
	}
	c.current.Store(ev)
	defer func() {
		c.current.Store(nil)
		ev.expire()
	}()
	defer func() {
		if p := recover(); p != nil {
			metrics.HookObserverFailureTotal.Inc()
			c.logger.Errorf("Pre-update observer panicked on %s of %s.%s: %v", op, database, table, p)
		}
	}()

	metrics.HookDispatchTotal.WithLabelValues(op.String()).Inc()
	if err := r.observer.OnRowChange(ev); err != nil {
		metrics.HookObserverFailureTotal.Inc()
		c.logger.Errorf("Pre-update observer failed on %s of %s.%s: %v", op, database, table, err)
	}
}

// AffectedRowCount returns the number of rows dispatched so far for the
// statement being executed. It is meant to be called from within an
// Observer callback; Observers may equally use Event.AffectedRows. Outside
// of any dispatch it returns ErrNoDispatch. Called from another goroutine
// while a dispatch is in progress, it reports that dispatch.
func (c *Conn) AffectedRowCount() (int, error) {
	ev := c.current.Load()
	if ev == nil {
		return 0, ErrNoDispatch
	}
	return ev.affected, nil
}

// NestingDepth returns the trigger nesting depth of the row being
// dispatched. It follows the same rules as AffectedRowCount; Observers may
// equally use Event.Depth.
func (c *Conn) NestingDepth() (int, error) {
	ev := c.current.Load()
	if ev == nil {
		return 0, ErrNoDispatch
	}
	return ev.depth, nil
}

// ExecContext executes a statement. Rows it changes are dispatched to the
// registered Observer before ExecContext returns.
func (c *Conn) ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil, ErrClosed
	}
	c.affected = 0
	return c.conn.ExecContext(ctx, query, args...)
}

// QueryContext runs a query. Like ExecContext it holds the statement lock
// and starts a new affected row count, since a query may write (eg
// INSERT ... RETURNING). The lock is held until the Rows are exhausted or
// closed.
func (c *Conn) QueryContext(ctx context.Context, query string, args ...any) (*Rows, error) {
	c.mu.Lock()

	if c.closed {
		c.mu.Unlock()
		return nil, ErrClosed
	}
	c.affected = 0
	rows, err := c.conn.QueryContext(ctx, query, args...)
	if err != nil {
		c.mu.Unlock()
		return nil, err
	}
	return &Rows{Rows: rows, release: sync.OnceFunc(c.mu.Unlock)}, nil
}

// QueryRowContext prepares a query expected to return at most one row. The
// query runs when Scan is called, under the statement lock.
func (c *Conn) QueryRowContext(ctx context.Context, query string, args ...any) *Row {
	return &Row{c: c, ctx: ctx, query: query, args: args}
}

// Rows is the result of Conn.QueryContext.
type Rows struct {
	*sql.Rows
	release func()
}

// Next advances to the next row, releasing the statement lock after the
// last one.
func (r *Rows) Next() bool {
	if r.Rows.Next() {
		return true
	}
	r.release()
	return false
}

// Close closes the Rows and releases the statement lock.
func (r *Rows) Close() error {
	err := r.Rows.Close()
	r.release()
	return err
}

// Row is the result of Conn.QueryRowContext.
type Row struct {
	c     *Conn
	ctx   context.Context
	query string
	args  []any
}

// Scan runs the query and copies the columns of its first row into dest.
func (r *Row) Scan(dest ...any) error {
	r.c.mu.Lock()
	defer r.c.mu.Unlock()

	if r.c.closed {
		return ErrClosed
	}
	r.c.affected = 0
	return r.c.conn.QueryRowContext(r.ctx, r.query, r.args...).Scan(dest...)
}

// Tx is a transaction started by Conn.Tx.
type Tx struct {
	c  *Conn
	tx *sql.Tx
}

// ExecContext executes a statement within the transaction.
func (t *Tx) ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error) {
	t.c.affected = 0
	return t.tx.ExecContext(ctx, query, args...)
}

// QueryRowContext runs a query within the transaction. It starts a new
// affected row count, as ExecContext does.
func (t *Tx) QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row {
	t.c.affected = 0
	return t.tx.QueryRowContext(ctx, query, args...)
}

// Tx runs fn in a transaction, committing if fn returns nil and rolling back
// otherwise. Other statements and registration swaps wait for it to finish.
func (c *Conn) Tx(ctx context.Context, fn func(tx *Tx) error) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return ErrClosed
	}

	tx, err := c.conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	if err := fn(&Tx{c: c, tx: tx}); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			c.logger.Warnf("Failed to roll back transaction: %v", rbErr)
		}
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// CompileOptions returns the options SQLite was compiled with, as reported
// by "PRAGMA compile_options" (without the SQLITE_ prefix).
func (c *Conn) CompileOptions(ctx context.Context) (map[string]struct{}, error) {
	rows, err := c.conn.QueryContext(ctx, "PRAGMA compile_options;")
	if err != nil {
		return nil, fmt.Errorf("failed to query compile options: %w", err)
	}
	defer rows.Close()

	m := make(map[string]struct{})
	for rows.Next() {
		var opt string
		if err := rows.Scan(&opt); err != nil {
			return nil, fmt.Errorf("failed to scan compile option: %w", err)
		}
		m[opt] = struct{}{}
	}
	return m, rows.Err()
}

// Close unregisters any Observer and closes the connection.
func (c *Conn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil
	}
	c.closed = true

	if c.reg.Load() != nil {
		if err := c.setEngineHook(false); err != nil {
			c.logger.Warnf("Failed to remove pre-update hook: %v", err)
		}
		c.reg.Store(nil)
	}

	err := c.conn.Close()
	if dbErr := c.db.Close(); err == nil {
		err = dbErr
	}
	if err != nil {
		return fmt.Errorf("failed to close sqlite database: %w", err)
	}
	return nil
}
