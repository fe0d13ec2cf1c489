package waldb

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"waldb/logging"
)

// CheckpointKind selects a WAL checkpoint mode (spec.md §4.5, §6.1
// wal_checkpoint_v2).
type CheckpointKind int

const (
	CheckpointPassive CheckpointKind = iota
	CheckpointFull
	CheckpointRestart
	CheckpointTruncate
)

func (k CheckpointKind) pragmaArg() string {
	switch k {
	case CheckpointFull:
		return "FULL"
	case CheckpointRestart:
		return "RESTART"
	case CheckpointTruncate:
		return "TRUNCATE"
	default:
		return "PASSIVE"
	}
}

// DatabasePool is the WAL-mode façade of spec.md §4.5: one writer
// SerializedConnection serializing every mutation, and a bounded
// ConnectionPool of read-only SerializedConnections serving concurrent
// reads against consistent WAL snapshots.
type DatabasePool struct {
	writer  *SerializedConnection
	readers *ConnectionPool
	cfg     Config

	suspension *SuspensionController

	outstandingSnapshots atomic.Int64

	schemaCacheOnce sync.Once
	schemaCache     *SchemaCache

	log *logging.Logger
}

// OpenPool opens the writer connection, switches it into WAL mode, and
// configures (without yet opening) the reader pool, per the three
// construction steps of spec.md §4.5.
func OpenPool(ctx context.Context, cfg Config) (*DatabasePool, error) {
	writer, err := openSerializedConnection(ctx, cfg.Label, cfg.Path, func(ctx context.Context) (Connection, error) {
		return openEngineConn(ctx, sqliteOpenOptions{
			path:               cfg.Path,
			foreignKeys:        cfg.ForeignKeysEnabled,
			legacyDoubleQuoted: cfg.AcceptsDoubleQuotedStringLiterals,
			busy:               cfg.BusyMode,
			label:              cfg.Label,
		})
	}, cfg.PrepareHooks, cfg.AllowsUnsafeTransactions)
	if err != nil {
		return nil, err
	}

	if err := writer.Sync(ctx, func(ctx context.Context, conn Connection) error {
		var mode string
		if err := conn.QueryRowContext(ctx, "PRAGMA journal_mode=WAL").Scan(&mode); err != nil {
			return engineErr(err)
		}
		if mode != "wal" {
			return notSupportedErr(fmt.Sprintf("engine did not switch to WAL mode (reported %q)", mode))
		}
		if _, err := conn.ExecContext(ctx, "PRAGMA synchronous=NORMAL"); err != nil {
			return engineErr(err)
		}
		return nil
	}); err != nil {
		writer.Close()
		return nil, err
	}

	readerBusy := cfg.BusyMode
	readers := newConnectionPool(cfg.MaxReaderCount, func(ctx context.Context) (*SerializedConnection, error) {
		label := cfg.Label
		if label != "" {
			label = label + ".reader"
		}
		return openSerializedConnection(ctx, label, cfg.Path, func(ctx context.Context) (Connection, error) {
			return openEngineConn(ctx, sqliteOpenOptions{
				path:               cfg.Path,
				readOnly:           true,
				queryOnly:          true,
				foreignKeys:        cfg.ForeignKeysEnabled,
				legacyDoubleQuoted: cfg.AcceptsDoubleQuotedStringLiterals,
				busy:               readerBusy,
				label:              label,
			})
		}, cfg.PrepareHooks, cfg.AllowsUnsafeTransactions)
	})

	p := &DatabasePool{
		writer:  writer,
		readers: readers,
		cfg:     cfg,
		log:     logging.Default().WithComponent("database_pool"),
	}
	p.suspension = newSuspensionController(writer)
	return p, nil
}

// Close closes the writer and every reader currently idle or checked out.
func (p *DatabasePool) Close() error {
	_ = p.readers.Clear(context.Background(), false)
	return p.writer.Close()
}

// Suspension exposes the pool's SuspensionController when cfg.ObservesSuspension
// was set at open time; nil otherwise.
func (p *DatabasePool) Suspension() *SuspensionController {
	if !p.cfg.ObservesSuspension {
		return nil
	}
	return p.suspension
}

// Read acquires a reader and runs body inside a BEGIN DEFERRED/COMMIT pair,
// so body observes a single consistent WAL snapshot for its whole duration.
func (p *DatabasePool) Read(ctx context.Context, body func(ctx context.Context, conn Connection) error) error {
	return p.readers.Use(ctx, func(sc *SerializedConnection) error {
		return sc.Sync(ctx, func(ctx context.Context, conn Connection) error {
			return runInTransaction(ctx, conn, TransactionDeferred, body)
		})
	})
}

// UnsafeRead acquires a reader and runs body with no surrounding
// transaction; statements inside body may straddle WAL snapshots.
func (p *DatabasePool) UnsafeRead(ctx context.Context, body func(ctx context.Context, conn Connection) error) error {
	return p.readers.Use(ctx, func(sc *SerializedConnection) error {
		return sc.Sync(ctx, body)
	})
}

// Write runs body on the writer inside a transaction of cfg's default
// kind, committing on success and rolling back (then surfacing the
// original error) on failure. Rejected with KindSuspended while the pool
// is suspended.
func (p *DatabasePool) Write(ctx context.Context, body func(ctx context.Context, conn Connection) error) error {
	if p.suspension.IsSuspended() {
		return suspendedErr()
	}
	return p.writer.Sync(ctx, func(ctx context.Context, conn Connection) error {
		return runInTransaction(ctx, conn, p.cfg.DefaultTransactionKind, body)
	})
}

// WriteWithoutTransaction runs body on the writer with no surrounding
// transaction.
func (p *DatabasePool) WriteWithoutTransaction(ctx context.Context, body func(ctx context.Context, conn Connection) error) error {
	if p.suspension.IsSuspended() {
		return suspendedErr()
	}
	return p.writer.Sync(ctx, body)
}

// BarrierWriteWithoutTransaction acquires the reader pool's barrier and the
// writer's executor together, guaranteeing no concurrent readers while body
// runs. Used for destructive schema changes and WAL truncation.
func (p *DatabasePool) BarrierWriteWithoutTransaction(ctx context.Context, body func(ctx context.Context, conn Connection) error) error {
	if p.suspension.IsSuspended() {
		return suspendedErr()
	}
	p.log.Database("barrier write acquiring reader pool")
	return p.readers.Barrier(ctx, func() error {
		return p.writer.Sync(ctx, body)
	})
}

// ConcurrentRead is callable from inside a Write body. It acquires a
// reader and begins its transaction immediately, while the writer's
// transaction is still open (not yet committed), so body observes the
// pre-commit snapshot. The cross-connection watchdog inheritance built
// into SerializedConnection.Sync makes this legal to call from the
// writer's own executor.
func (p *DatabasePool) ConcurrentRead(ctx context.Context, body func(ctx context.Context, conn Connection) error) error {
	return p.readers.Use(ctx, func(sc *SerializedConnection) error {
		return sc.Sync(ctx, func(ctx context.Context, conn Connection) error {
			return runInTransaction(ctx, conn, TransactionDeferred, body)
		})
	})
}

// Checkpoint runs wal_checkpoint_v2 on the writer. CheckpointTruncate
// additionally barriers the reader pool so truncation never races a
// concurrent reader, and is downgraded to CheckpointRestart while any
// SnapshotToken or Snapshot is outstanding (spec.md §4.6 invariant).
func (p *DatabasePool) Checkpoint(ctx context.Context, kind CheckpointKind) error {
	if kind == CheckpointTruncate && p.outstandingSnapshots.Load() > 0 {
		p.log.Snapshot("downgrading truncate checkpoint to restart: outstanding snapshot tokens", "count", p.outstandingSnapshots.Load())
		kind = CheckpointRestart
	}

	run := func(ctx context.Context, conn Connection) error {
		var busy, log, checkpointed int
		row := conn.QueryRowContext(ctx, fmt.Sprintf("PRAGMA wal_checkpoint(%s)", kind.pragmaArg()))
		if err := row.Scan(&busy, &log, &checkpointed); err != nil {
			return engineErr(err)
		}
		if busy != 0 {
			p.log.Database("checkpoint reported busy", "kind", kind.pragmaArg())
		}
		return nil
	}

	if kind == CheckpointTruncate {
		return p.readers.Barrier(ctx, func() error {
			return p.writer.Sync(ctx, run)
		})
	}
	return p.writer.Sync(ctx, run)
}

// OutstandingSnapshotTokenCount reports the live count of SnapshotTokens
// and Snapshots obtained from this pool and not yet released (spec.md §4.6).
func (p *DatabasePool) OutstandingSnapshotTokenCount() int64 {
	return p.outstandingSnapshots.Load()
}

// ReaderStats reports the reader pool's current occupancy.
func (p *DatabasePool) ReaderStats() connpoolStats { return connpoolStats(p.readers.Stats()) }

// connpoolStats aliases connpool.Stats so callers outside this module need
// not import the internal package to read pool occupancy.
type connpoolStats struct {
	Size    int
	Created int
	Idle    int
	InUse   int
	Waiters int
}
