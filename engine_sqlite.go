package waldb

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"sync"
	"time"

	_ "modernc.org/sqlite"
)

// engineConn is the Connection implementation backed by modernc.org/sqlite,
// the pure-Go SQLite driver the teacher depends on. Each engineConn owns a
// *sql.DB configured with exactly one open connection (mirroring the
// teacher's writeDB.SetMaxOpenConns(1) trick), so that "one Connection" and
// "one physical SQLite connection" coincide, and identity equality on the
// *engineConn pointer is meaningful.
type engineConn struct {
	db    *sql.DB
	label string

	mu           sync.Mutex
	activeCancel context.CancelFunc
	inTx         bool
	suspended    bool
}

type sqliteOpenOptions struct {
	path                  string
	readOnly              bool
	queryOnly             bool
	foreignKeys           bool
	legacyDoubleQuoted    bool
	busy                  BusyMode
	label                 string
}

func buildSQLiteDSN(o sqliteOpenOptions) string {
	dsn := fmt.Sprintf("file:%s?", o.path)
	if o.readOnly {
		dsn += "mode=ro&"
	}
	// BusyImmediate (Kind == "immediate") and the zero-value BusyMode both
	// want busy_timeout(0): fail with SQLITE_BUSY on the first lock
	// conflict instead of retrying. BusyCallback is rejected before this
	// DSN is ever built (see openEngineConn).
	timeoutMs := 0
	if o.busy.Kind == "timeout" {
		timeoutMs = int(o.busy.Timeout / time.Millisecond)
	}
	dsn += fmt.Sprintf("_pragma=busy_timeout(%d)", timeoutMs)
	if o.foreignKeys {
		dsn += "&_pragma=foreign_keys(on)"
	}
	dsn += "&_pragma=synchronous(normal)"
	if o.queryOnly {
		dsn += "&_query_only=true"
	}
	return dsn
}

// openEngineConn opens a single dedicated SQLite connection and returns it
// wrapped as a Connection, ready to be bound to a SerializedConnection.
func openEngineConn(ctx context.Context, o sqliteOpenOptions) (*engineConn, error) {
	// Double-quoted string literal acceptance (DQS) is controlled by
	// sqlite3_db_config(SQLITE_DBCONFIG_DQS_DML/DDL), not by any PRAGMA, and
	// modernc.org/sqlite exposes no DSN parameter or database/sql hook for
	// it. Rather than silently doing nothing (or, worse, toggling the
	// unrelated legacy_alter_table pragma) this fails loudly so a caller
	// that actually needs legacy DQS behavior finds out immediately.
	if o.legacyDoubleQuoted {
		return nil, notSupportedErr("AcceptsDoubleQuotedStringLiterals: modernc.org/sqlite does not expose SQLITE_DBCONFIG_DQS_* through database/sql")
	}
	if o.busy.Kind == "callback" {
		return nil, notSupportedErr("BusyCallback: modernc.org/sqlite exposes no per-connection busy-handler callback through database/sql; use BusyTimeout or BusyImmediate instead")
	}

	db, err := sql.Open("sqlite", buildSQLiteDSN(o))
	if err != nil {
		return nil, fmt.Errorf("waldb: open sqlite connection: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("waldb: ping sqlite connection: %w", err)
	}

	return &engineConn{db: db, label: o.label}, nil
}

func (c *engineConn) withCancellable(ctx context.Context) (context.Context, func()) {
	cctx, cancel := context.WithCancel(ctx)
	c.mu.Lock()
	c.activeCancel = cancel
	c.mu.Unlock()
	return cctx, func() {
		c.mu.Lock()
		c.activeCancel = nil
		c.mu.Unlock()
		cancel()
	}
}

func (c *engineConn) ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error) {
	c.mu.Lock()
	suspended := c.suspended
	c.mu.Unlock()
	if suspended && isWriteStatement(query) {
		return nil, suspendedErr()
	}
	cctx, done := c.withCancellable(ctx)
	defer done()
	return c.db.ExecContext(cctx, query, args...)
}

// isWriteStatement is a lightweight stand-in for the authorizer hook
// spec.md §4.8 describes; modernc.org/sqlite does not expose per-statement
// authorizer callbacks through database/sql, so suspension is enforced by
// inspecting the statement's leading keyword instead.
func isWriteStatement(query string) bool {
	trimmed := strings.TrimSpace(query)
	for len(trimmed) > 0 && trimmed[0] == '(' {
		trimmed = strings.TrimSpace(trimmed[1:])
	}
	upper := strings.ToUpper(trimmed)
	switch {
	case strings.HasPrefix(upper, "SELECT"),
		strings.HasPrefix(upper, "PRAGMA"),
		strings.HasPrefix(upper, "EXPLAIN"),
		strings.HasPrefix(upper, "COMMIT"),
		strings.HasPrefix(upper, "ROLLBACK"),
		strings.HasPrefix(upper, "SAVEPOINT"),
		strings.HasPrefix(upper, "RELEASE"):
		return false
	case strings.HasPrefix(upper, "BEGIN"):
		return strings.Contains(upper, "IMMEDIATE") || strings.Contains(upper, "EXCLUSIVE")
	default:
		return true
	}
}

// QueryContext must not cancel the statement's context when it returns:
// db.QueryContext's returned *sql.Rows is watched by an internal goroutine
// that closes the rows (with context.Canceled) the moment that context is
// done. Cancelling here, before the caller has even started consuming rows,
// would race that goroutine against the caller's Next/Scan calls. Instead
// the cancel is deferred to engineRows.Close, which every caller already
// must invoke to release the statement.
func (c *engineConn) QueryContext(ctx context.Context, query string, args ...any) (Rows, error) {
	cctx, done := c.withCancellable(ctx)
	rows, err := c.db.QueryContext(cctx, query, args...)
	if err != nil {
		done()
		return nil, err
	}
	return &engineRows{rows: rows, done: done}, nil
}

// QueryRowContext has the same premature-cancellation hazard as
// QueryContext: *sql.Row defers its error (including a possible
// context.Canceled from the row-closing goroutine) to Scan, so the cancel
// must wait until Scan has actually run.
func (c *engineConn) QueryRowContext(ctx context.Context, query string, args ...any) Row {
	cctx, done := c.withCancellable(ctx)
	row := c.db.QueryRowContext(cctx, query, args...)
	return &engineRow{row: row, done: done}
}

// engineRows defers cancelling the statement's context until Close, so the
// engine's row-watcher goroutine never races the caller's Next/Scan calls.
type engineRows struct {
	rows *sql.Rows
	done func()
	once sync.Once
}

func (r *engineRows) Next() bool             { return r.rows.Next() }
func (r *engineRows) Scan(dest ...any) error { return r.rows.Scan(dest...) }
func (r *engineRows) Err() error             { return r.rows.Err() }

func (r *engineRows) Close() error {
	err := r.rows.Close()
	r.once.Do(r.done)
	return err
}

// engineRow defers cancelling the statement's context until Scan, so the
// cancellation this Connection installs to support Interrupt() never races
// database/sql's internal handling of the row.
type engineRow struct {
	row  *sql.Row
	done func()
	once sync.Once
}

func (r *engineRow) Scan(dest ...any) error {
	defer r.once.Do(r.done)
	return r.row.Scan(dest...)
}

func (c *engineConn) Begin(ctx context.Context, kind TransactionKind) error {
	if _, err := c.ExecContext(ctx, kind.beginSQL()); err != nil {
		return err
	}
	c.mu.Lock()
	c.inTx = true
	c.mu.Unlock()
	return nil
}

func (c *engineConn) Commit(ctx context.Context) error {
	_, err := c.ExecContext(ctx, "COMMIT")
	c.mu.Lock()
	c.inTx = false
	c.mu.Unlock()
	return err
}

func (c *engineConn) Rollback(ctx context.Context) error {
	_, err := c.ExecContext(ctx, "ROLLBACK")
	c.mu.Lock()
	c.inTx = false
	c.mu.Unlock()
	return err
}

func (c *engineConn) Interrupt() {
	c.mu.Lock()
	cancel := c.activeCancel
	c.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// Uncancel is a no-op for this engine: modernc.org/sqlite derives a fresh
// child context for every statement (withCancellable above), so a prior
// interrupt never outlives the statement it was delivered to. The method
// exists to satisfy Connection and to document that fact for other engine
// implementations that do carry persistent interrupt state.
func (c *engineConn) Uncancel() {}

func (c *engineConn) InTransaction() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.inTx
}

func (c *engineConn) Close() error {
	return c.db.Close()
}

func (c *engineConn) Suspend() {
	c.mu.Lock()
	c.suspended = true
	c.mu.Unlock()
}

func (c *engineConn) Resume() {
	c.mu.Lock()
	c.suspended = false
	c.mu.Unlock()
}

func (c *engineConn) SchemaVersion(ctx context.Context) (int64, error) {
	var v int64
	err := c.QueryRowContext(ctx, "PRAGMA schema_version").Scan(&v)
	return v, err
}
