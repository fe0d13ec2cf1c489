// Package watchdog implements the per-serial-executor registry of which
// connections are allowed to be touched on the currently running executor
// (spec.md §4.1). Go has no cheap goroutine-local storage, so the "current
// watchdog" is carried explicitly on context.Context rather than looked up
// ambiently — the substitution spec.md §9 calls out explicitly.
package watchdog

import (
	"context"
	"sync"
)

// ConnID identifies an engine connection. Callers pass the connection's own
// pointer (or any other stable, comparable identity) — identity equality,
// not structural equality, is what matters (spec.md §9).
type ConnID = any

// Watchdog is the allowed-connections record for one dynamic extent of
// execution. It is immutable once constructed; Extend returns a new,
// larger Watchdog rather than mutating this one, so a caller holding an
// outer Watchdog via context is unaffected by a callee's nested extension.
type Watchdog struct {
	executor uint64
	allowed  map[ConnID]struct{}
}

var nextExecutorID uint64
var executorIDMu sync.Mutex

// NewExecutorID returns a fresh, process-unique identifier for a serial
// executor. Used for log correlation and for distinguishing "same executor,
// reentrant call" from "different executor, cross-connection call".
func NewExecutorID() uint64 {
	executorIDMu.Lock()
	defer executorIDMu.Unlock()
	nextExecutorID++
	return nextExecutorID
}

// New creates the base watchdog for a freshly registered serial executor,
// pre-populated with the single connection that executor owns.
func New(executor uint64, owned ConnID) *Watchdog {
	return &Watchdog{
		executor: executor,
		allowed:  map[ConnID]struct{}{owned: {}},
	}
}

// Executor returns the identifier of the serial executor this watchdog
// describes.
func (w *Watchdog) Executor() uint64 { return w.executor }

// Allows reports whether id is currently valid to touch under w.
func (w *Watchdog) Allows(id ConnID) bool {
	if w == nil {
		return false
	}
	_, ok := w.allowed[id]
	return ok
}

// Extend returns a new Watchdog for the same executor whose allowed set is
// the union of w's allowed set and extra. Used to implement
// inheritingAllowed: pushing a caller's allowed-connections onto the
// executor that is about to run its body, for that call's dynamic extent.
func (w *Watchdog) Extend(extra ...ConnID) *Watchdog {
	merged := make(map[ConnID]struct{}, len(w.allowed)+len(extra))
	for id := range w.allowed {
		merged[id] = struct{}{}
	}
	for _, id := range extra {
		merged[id] = struct{}{}
	}
	return &Watchdog{executor: w.executor, allowed: merged}
}

// Union merges the other watchdog's allowed set into a new Watchdog scoped
// to this executor. Used for cross-connection inheritance (spec.md §4.2
// case 3): the callee executor's watchdog inherits the caller's allowed
// connections for the dynamic extent of the callee's body.
func (w *Watchdog) Union(other *Watchdog) *Watchdog {
	if other == nil {
		return w
	}
	extra := make([]ConnID, 0, len(other.allowed))
	for id := range other.allowed {
		extra = append(extra, id)
	}
	return w.Extend(extra...)
}

type contextKey struct{}

// WithWatchdog returns a context carrying w as the ambient current watchdog.
func WithWatchdog(ctx context.Context, w *Watchdog) context.Context {
	return context.WithValue(ctx, contextKey{}, w)
}

// FromContext returns the ambient current watchdog, if any. Its absence
// means the calling goroutine is not presently running on any database
// serial executor (e.g. it is an application goroutine making a fresh,
// outermost call).
func FromContext(ctx context.Context) (*Watchdog, bool) {
	w, ok := ctx.Value(contextKey{}).(*Watchdog)
	return w, ok && w != nil
}

// PreconditionAllowed reports whether conn may legally be touched given
// ctx's ambient watchdog. Callers that get false must treat it as a fatal
// programmer error (spec.md §4.1); this package only reports the
// violation, it does not decide how to abort, to keep it free of any
// dependency on the rest of the module.
func PreconditionAllowed(ctx context.Context, conn ConnID) bool {
	w, ok := FromContext(ctx)
	return ok && w.Allows(conn)
}

// IsReentrant reports whether ctx's ambient watchdog already allows conn —
// i.e. whether a sync/reentrantSync call targeting conn would be a
// reentrant call into an executor already running on this goroutine.
func IsReentrant(ctx context.Context, conn ConnID) bool {
	w, ok := FromContext(ctx)
	return ok && w.Allows(conn)
}
