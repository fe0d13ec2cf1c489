package waldb

import (
	"context"
	"database/sql"
)

// Connection is the minimal engine interface this module consumes
// (spec.md §6.1): execute statements, begin/commit/rollback a transaction
// by name, and be interruptible from any goroutine. It is implemented by
// *engineConn (backed by modernc.org/sqlite) and may be faked in tests.
//
// Transactions are modeled as plain statements (BEGIN/COMMIT/ROLLBACK),
// not as a separate driver-level transaction handle: the underlying engine
// is a single serialized connection, so there is never a second statement
// in flight that a Go *sql.Tx's own connection-checkout would need to
// coordinate with.
//
// A Connection is owned by exactly one SerializedConnection for its entire
// lifetime and must never be touched except from that connection's
// serial executor — enforced by the watchdog, not by this interface.
type Connection interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) Row

	// Begin, Commit, and Rollback issue the corresponding statement and
	// update InTransaction's bookkeeping.
	Begin(ctx context.Context, kind TransactionKind) error
	Commit(ctx context.Context) error
	Rollback(ctx context.Context) error
	// InTransaction reports whether the connection currently has an open,
	// uncommitted transaction.
	InTransaction() bool

	// Interrupt aborts whatever statement is currently executing on this
	// connection. Safe to call from any goroutine (spec.md §4.2).
	Interrupt()
	// Uncancel clears the effect of a delivered Interrupt so the
	// connection is usable again for the next access (spec.md §4.7).
	Uncancel()

	Close() error

	// SchemaVersion returns the engine's current schema_version counter,
	// used by SnapshotToken to detect whether the schema changed since
	// capture.
	SchemaVersion(ctx context.Context) (int64, error)
}

// Row is the single-row query result QueryRowContext returns. It is a
// narrower abstraction than *sql.Row precisely so an implementation can
// keep a statement's context alive until Scan actually consumes the row,
// rather than cancelling it the instant QueryRowContext itself returns.
type Row interface {
	Scan(dest ...any) error
}

// Rows is the multi-row query result QueryContext returns, for the same
// reason Row exists: so an implementation can defer context cancellation
// to Close rather than to QueryContext's own return.
type Rows interface {
	Next() bool
	Scan(dest ...any) error
	Err() error
	Close() error
}
