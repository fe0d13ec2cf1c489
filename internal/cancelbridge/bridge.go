// Package cancelbridge implements the small state machine of spec.md §4.7
// that turns cooperative context cancellation into an engine-level
// interrupt exactly once per access, regardless of the race between
// cancellation and completion.
package cancelbridge

import "sync"

type state int

const (
	stateNotConnected state = iota
	stateConnected
	stateCancelled
	stateExpired
)

// Bridge coordinates one async database access. Create one per access.
type Bridge struct {
	mu        sync.Mutex
	state     state
	interrupt func()
}

// New returns a Bridge in the not-connected state.
func New() *Bridge {
	return &Bridge{state: stateNotConnected}
}

// Arm transitions not-connected -> connected, recording the interrupt
// callback to invoke if Cancel is called later. It reports whether the
// body should proceed: false means Cancel already ran (the access was
// cancelled before dispatch) and the body must not touch the connection.
func (b *Bridge) Arm(interrupt func()) (proceed bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	switch b.state {
	case stateNotConnected:
		b.state = stateConnected
		b.interrupt = interrupt
		return true
	case stateCancelled:
		return false
	default:
		// Arm must only be called once; a second call is a bridge misuse,
		// but treating it as "already cancelled" is safe for callers that
		// tolerate a no-op body.
		return false
	}
}

// Cancel delivers an external cancellation signal. At most one interrupt
// is ever invoked per Bridge, satisfying spec.md §4.7's guarantee (1).
func (b *Bridge) Cancel() {
	b.mu.Lock()
	defer b.mu.Unlock()
	switch b.state {
	case stateConnected:
		interrupt := b.interrupt
		b.state = stateCancelled
		b.mu.Unlock()
		interrupt()
		b.mu.Lock()
	case stateNotConnected:
		b.state = stateCancelled
	default:
		// expired or already cancelled: no-op.
	}
}

// Finish is called when the body returns. uncancel is invoked to clear any
// engine-level interrupt flag before the Bridge reports Cancelled, so the
// connection never leaks an interrupted state into the next access
// (guarantee (2)). It reports whether the access should surface Cancelled.
func (b *Bridge) Finish(uncancel func()) (cancelled bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == stateCancelled {
		if uncancel != nil {
			uncancel()
		}
		b.state = stateExpired
		return true
	}
	b.state = stateExpired
	return false
}
