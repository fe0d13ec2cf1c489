package waldb

import (
	"errors"
	"fmt"

	"waldb/logging"
)

// Kind classifies the errors this module can surface. Only the kinds
// documented here reach a caller as a returned error; misuse aborts the
// process instead (see fatal below).
type Kind int

const (
	// KindEngine wraps an error returned by the underlying SQL engine.
	KindEngine Kind = iota
	// KindCancelled indicates a database access was cancelled, either
	// because its context was done before dispatch or because it was
	// interrupted mid-statement.
	KindCancelled
	// KindSuspended indicates a write was rejected because the database
	// is currently suspended (see SuspensionController).
	KindSuspended
	// KindNotSupported indicates the engine connection does not implement
	// a capability this call requires (e.g. WAL mode, a busy callback).
	KindNotSupported
	// KindMisuse marks a programmer error. Values of this kind are only
	// ever seen by a caller that explicitly recovers a panic raised by
	// fatal; they are never returned from a public function.
	KindMisuse
)

func (k Kind) String() string {
	switch k {
	case KindEngine:
		return "engine"
	case KindCancelled:
		return "cancelled"
	case KindSuspended:
		return "suspended"
	case KindNotSupported:
		return "not_supported"
	case KindMisuse:
		return "misuse"
	default:
		return "unknown"
	}
}

// Error is the error type this module uses for the kinds above. Errors
// returned by a caller's body, context errors, and some driver errors pass
// through unwrapped. Use errors.As to recover an *Error and inspect Kind.
type Error struct {
	Kind Kind
	Err  error
}

func (e *Error) Error() string {
	return fmt.Sprintf("waldb: %s: %v", e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Cancelled is returned (wrapped in *Error with Kind == KindCancelled) when
// a database access is cancelled before dispatch or interrupted mid-flight.
var Cancelled = errors.New("database access cancelled")

// Suspended is returned (wrapped in *Error with Kind == KindSuspended) when
// a write is attempted while the database is suspended.
var Suspended = errors.New("database suspended")

func engineErr(err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: KindEngine, Err: err}
}

func cancelledErr() error {
	return &Error{Kind: KindCancelled, Err: Cancelled}
}

func suspendedErr() error {
	return &Error{Kind: KindSuspended, Err: Suspended}
}

func notSupportedErr(msg string) error {
	return &Error{Kind: KindNotSupported, Err: errors.New(msg)}
}

// misuseError is the panic payload raised by fatal.
type misuseError struct {
	*Error
}

// fatal reports a programmer error: it logs a diagnostic and aborts the
// current goroutine via panic, per spec.md §7 ("programmer errors ...
// abort the process with a diagnostic; they are never recoverable").
// Tests that need to observe a Misuse without crashing the test binary may
// recover() and type-assert to misuseError, whose embedded *Error has
// Kind == KindMisuse.
func fatal(format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	logging.Default().Misuse(msg)
	panic(misuseError{&Error{Kind: KindMisuse, Err: errors.New(msg)}})
}
