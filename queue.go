package waldb

import (
	"context"
	"errors"
)

// DatabaseQueue is the single-connection façade of spec.md §4.4: one
// SerializedConnection handles both reads and writes, so isolation is
// implicit — a read simply observes whatever the previous committed write
// left, because everything is already serialized through one connection.
type DatabaseQueue struct {
	writer *SerializedConnection
	cfg    Config
}

// OpenQueue opens a single connection in the mode cfg describes (WAL is
// not forced on; use OpenPool for the writer/reader split).
func OpenQueue(ctx context.Context, cfg Config) (*DatabaseQueue, error) {
	sc, err := openSerializedConnection(ctx, cfg.Label, cfg.Path, func(ctx context.Context) (Connection, error) {
		return openEngineConn(ctx, sqliteOpenOptions{
			path:               cfg.Path,
			readOnly:           cfg.ReadOnly,
			foreignKeys:        cfg.ForeignKeysEnabled,
			legacyDoubleQuoted: cfg.AcceptsDoubleQuotedStringLiterals,
			busy:               cfg.BusyMode,
			label:              cfg.Label,
		})
	}, cfg.PrepareHooks, cfg.AllowsUnsafeTransactions)
	if err != nil {
		return nil, err
	}
	return &DatabaseQueue{writer: sc, cfg: cfg}, nil
}

// Close closes the underlying connection.
func (q *DatabaseQueue) Close() error { return q.writer.Close() }

// Read runs body against the connection. Because reads and writes share
// one connection, a read started after a write returns is guaranteed to
// observe it (spec.md §5 ordering guarantees).
func (q *DatabaseQueue) Read(ctx context.Context, body func(ctx context.Context, conn Connection) error) error {
	return q.writer.Sync(ctx, body)
}

// Write runs body inside a transaction of the configured default kind,
// committing on success and rolling back (then surfacing the original
// error) on failure.
func (q *DatabaseQueue) Write(ctx context.Context, body func(ctx context.Context, conn Connection) error) error {
	return q.writer.Sync(ctx, func(ctx context.Context, conn Connection) error {
		return runInTransaction(ctx, conn, q.cfg.DefaultTransactionKind, body)
	})
}

// WriteWithoutTransaction runs body with no surrounding transaction.
func (q *DatabaseQueue) WriteWithoutTransaction(ctx context.Context, body func(ctx context.Context, conn Connection) error) error {
	return q.writer.Sync(ctx, body)
}

// ReentrantWrite behaves like Write but tolerates being called from
// within an already-dispatched body on this same connection.
func (q *DatabaseQueue) ReentrantWrite(ctx context.Context, body func(ctx context.Context, conn Connection) error) error {
	return q.writer.ReentrantSync(ctx, func(ctx context.Context, conn Connection) error {
		return runInTransaction(ctx, conn, q.cfg.DefaultTransactionKind, body)
	})
}

// Async dispatches body without waiting for it to complete.
func (q *DatabaseQueue) Async(body func(conn Connection)) { q.writer.Async(body) }

// AsyncRead awaits body's result, bridging ctx cancellation into an engine
// interrupt (spec.md §4.7).
func AsyncRead[T any](q *DatabaseQueue, ctx context.Context, body func(ctx context.Context, conn Connection) (T, error)) (T, error) {
	return AsyncThrowing(q.writer, ctx, body)
}

// runInTransaction begins a transaction of kind, runs body on conn, and
// commits or rolls back based on body's error. body's error is always
// surfaced; a failed rollback is joined to it rather than replacing it.
func runInTransaction(ctx context.Context, conn Connection, kind TransactionKind, body func(ctx context.Context, conn Connection) error) error {
	if err := conn.Begin(ctx, kind); err != nil {
		return engineErr(err)
	}
	if err := body(ctx, conn); err != nil {
		if rbErr := conn.Rollback(ctx); rbErr != nil {
			return errors.Join(err, engineErr(rbErr))
		}
		return err
	}
	if err := conn.Commit(ctx); err != nil {
		return engineErr(err)
	}
	return nil
}
