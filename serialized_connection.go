package waldb

import (
	"context"
	"sync"

	"github.com/google/uuid"

	"waldb/internal/cancelbridge"
	"waldb/internal/watchdog"
	"waldb/logging"
)

// SerializedConnection wraps one engine Connection behind a dedicated
// serial executor (spec.md §4.2). Every statement that touches the
// connection runs on that executor's goroutine; the watchdog enforces
// that nothing else ever touches it directly.
type SerializedConnection struct {
	executorID uint64
	conn       Connection
	label      string
	path       string

	jobs chan func()

	unsafeMu       sync.Mutex
	allowsUnsafeTx bool

	log *logging.Logger
}

type syncResult[T any] struct {
	v   T
	err error
}

// openSerializedConnection opens conn via open, registers its executor,
// runs every hook in order on the executor, and returns a ready
// SerializedConnection — or closes the connection and returns the first
// hook's error (spec.md §9: hook failure closes the connection; re-opening
// is the caller's responsibility).
func openSerializedConnection(
	ctx context.Context,
	label, path string,
	open func(ctx context.Context) (Connection, error),
	hooks []PrepareHook,
	allowsUnsafeTx bool,
) (*SerializedConnection, error) {
	conn, err := open(ctx)
	if err != nil {
		return nil, err
	}

	sc := &SerializedConnection{
		executorID:     watchdog.NewExecutorID(),
		conn:           conn,
		label:          label,
		path:           path,
		jobs:           make(chan func(), 8),
		allowsUnsafeTx: allowsUnsafeTx,
		log:            logging.Default().WithComponent("serialized_connection"),
	}
	go sc.loop()

	for i, hook := range hooks {
		if err := sc.Sync(ctx, func(ctx context.Context, conn Connection) error {
			return hook(conn)
		}); err != nil {
			sc.log.Warn("prepare hook failed, closing connection", "index", i, "label", label, "error", err)
			sc.Close()
			return nil, err
		}
	}

	return sc, nil
}

func (sc *SerializedConnection) loop() {
	for job := range sc.jobs {
		job()
	}
}

// Close stops the executor and closes the underlying connection exactly
// once. Safe to call from any goroutine.
func (sc *SerializedConnection) Close() error {
	done := make(chan error, 1)
	sc.jobs <- func() {
		done <- sc.conn.Close()
		close(sc.jobs)
	}
	return <-done
}

func (sc *SerializedConnection) allowsUnsafe() bool {
	sc.unsafeMu.Lock()
	defer sc.unsafeMu.Unlock()
	return sc.allowsUnsafeTx
}

// AllowingLongLivedTransaction temporarily overrides the unsafe-transaction
// allowance for the dynamic extent of body (spec.md §4.2).
func (sc *SerializedConnection) AllowingLongLivedTransaction(ctx context.Context, flag bool, body func(ctx context.Context) error) error {
	sc.unsafeMu.Lock()
	prev := sc.allowsUnsafeTx
	sc.allowsUnsafeTx = flag
	sc.unsafeMu.Unlock()
	defer func() {
		sc.unsafeMu.Lock()
		sc.allowsUnsafeTx = prev
		sc.unsafeMu.Unlock()
	}()
	return body(ctx)
}

// checkNoLeakedTransaction enforces spec.md §3's SerializedConnection
// invariant: on exit from a non-reentrant sync/async body, either there is
// no open transaction, or unsafe transactions are allowed.
func (sc *SerializedConnection) checkNoLeakedTransaction() {
	if sc.conn.InTransaction() && !sc.allowsUnsafe() {
		fatal("waldb: connection %q left an open transaction without allowsUnsafeTransactions", sc.label)
	}
}

// syncGeneric implements sync/reentrantSync for both the error-only and
// value-returning call shapes.
func syncGeneric[T any](sc *SerializedConnection, ctx context.Context, reentrant bool, body func(ctx context.Context, conn Connection) (T, error)) (T, error) {
	ambient, hasAmbient := watchdog.FromContext(ctx)
	if hasAmbient && ambient.Allows(sc) {
		if !reentrant {
			fatal("waldb: reentrant sync on connection %q: sync is not reentrant, use reentrantSync", sc.label)
		}
		// Already on the owning executor: run inline, no dispatch, no
		// postcondition check (the outermost frame checks on its way out).
		return body(ctx, sc.conn)
	}

	target := watchdog.New(sc.executorID, sc)
	if hasAmbient {
		target = target.Union(ambient)
	}
	bodyCtx := watchdog.WithWatchdog(ctx, target)

	resultCh := make(chan syncResult[T], 1)
	sc.jobs <- func() {
		v, err := body(bodyCtx, sc.conn)
		sc.checkNoLeakedTransaction()
		resultCh <- syncResult[T]{v, err}
	}
	res := <-resultCh
	return res.v, res.err
}

// Sync runs body on the owning executor and blocks until it returns. Not
// reentrant: calling Sync again for this connection from within body is a
// fatal error.
func (sc *SerializedConnection) Sync(ctx context.Context, body func(ctx context.Context, conn Connection) error) error {
	_, err := syncGeneric(sc, ctx, false, func(ctx context.Context, conn Connection) (struct{}, error) {
		return struct{}{}, body(ctx, conn)
	})
	return err
}

// SyncValue is the value-returning counterpart of Sync.
func SyncValue[T any](sc *SerializedConnection, ctx context.Context, body func(ctx context.Context, conn Connection) (T, error)) (T, error) {
	return syncGeneric(sc, ctx, false, body)
}

// ReentrantSync behaves like Sync, but if the current watchdog already
// allows this connection, runs body inline without dispatching.
func (sc *SerializedConnection) ReentrantSync(ctx context.Context, body func(ctx context.Context, conn Connection) error) error {
	_, err := syncGeneric(sc, ctx, true, func(ctx context.Context, conn Connection) (struct{}, error) {
		return struct{}{}, body(ctx, conn)
	})
	return err
}

// ReentrantSyncValue is the value-returning counterpart of ReentrantSync.
func ReentrantSyncValue[T any](sc *SerializedConnection, ctx context.Context, body func(ctx context.Context, conn Connection) (T, error)) (T, error) {
	return syncGeneric(sc, ctx, true, body)
}

// Async schedules body on the executor and returns immediately.
// Postcondition violations inside body still abort the process, on the
// executor's own goroutine, matching §4.2's "async" semantics.
func (sc *SerializedConnection) Async(body func(conn Connection)) {
	sc.jobs <- func() {
		body(sc.conn)
		sc.checkNoLeakedTransaction()
	}
}

// AsyncThrowing schedules body, awaiting its result, and bridges ctx
// cancellation into an engine interrupt per spec.md §4.7.
func AsyncThrowing[T any](sc *SerializedConnection, ctx context.Context, body func(ctx context.Context, conn Connection) (T, error)) (T, error) {
	var zero T
	if ctx.Err() != nil {
		return zero, cancelledErr()
	}

	ambient, hasAmbient := watchdog.FromContext(ctx)
	target := watchdog.New(sc.executorID, sc)
	if hasAmbient {
		target = target.Union(ambient)
	}
	bodyCtx := watchdog.WithWatchdog(context.Background(), target)
	correlationID := uuid.NewString()

	bridge := cancelbridge.New()
	proceed := bridge.Arm(sc.conn.Interrupt)
	if !proceed {
		return zero, cancelledErr()
	}

	stopWatch := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			sc.log.Debug("cancelling async access", "correlation_id", correlationID, "label", sc.label)
			bridge.Cancel()
		case <-stopWatch:
		}
	}()

	resultCh := make(chan syncResult[T], 1)
	sc.jobs <- func() {
		v, err := body(bodyCtx, sc.conn)
		sc.checkNoLeakedTransaction()
		if bridge.Finish(sc.conn.Uncancel) {
			resultCh <- syncResult[T]{zero, cancelledErr()}
			return
		}
		resultCh <- syncResult[T]{v, err}
	}

	res := <-resultCh
	close(stopWatch)
	return res.v, res.err
}

// Interrupt aborts whatever statement is currently executing.
func (sc *SerializedConnection) Interrupt() { sc.conn.Interrupt() }

// Suspend and Resume delegate to the connection without dispatching onto
// the executor: both are safe to invoke from any goroutine per the
// engine's own contract (spec.md §4.2), and suspension must take effect
// even while the executor is busy running a body.
func (sc *SerializedConnection) Suspend() {
	if s, ok := sc.conn.(suspendable); ok {
		s.Suspend()
	}
}

func (sc *SerializedConnection) Resume() {
	if s, ok := sc.conn.(suspendable); ok {
		s.Resume()
	}
}

// suspendable is implemented by engine connections that support installing
// an authorizer/commit hook to reject writes while suspended (spec.md
// §4.8). It is optional: a Connection that does not implement it simply
// never rejects writes for suspension.
type suspendable interface {
	Suspend()
	Resume()
}

// rawConn exposes the underlying connection for components (snapshot
// capture, suspension control) that must call engine-level operations
// without dispatching, per the engine's any-thread contract for those
// operations (spec.md §4.2).
func (sc *SerializedConnection) rawConn() Connection { return sc.conn }
