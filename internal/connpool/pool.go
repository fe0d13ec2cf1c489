// Package connpool implements the bounded, lazily-populated connection
// pool of spec.md §4.3: up to N items produced by a factory, handed out
// one at a time, with a barrier operation that drains every permit to run
// something exclusively against the whole pool.
package connpool

import (
	"context"
	"sync"
)

// Factory creates a new pooled item. It is called with the pool's mutex
// unlocked, so a slow factory (opening a connection) does not stall other
// goroutines returning items to the pool.
type Factory[T any] func(ctx context.Context) (T, error)

// Closer, if implemented by T, is called when an item is discarded by
// Clear instead of being returned to the idle list.
type Closer interface {
	Close() error
}

// Pool is a bounded multiset of up to N lazily-created items of type T.
type Pool[T any] struct {
	factory Factory[T]
	sem     chan struct{} // one buffered slot per unused permit
	size    int

	mu        sync.Mutex
	idle          []T
	created       int
	waiters       int
	pendingDiscard int
}

// New creates a pool bounded at size, using factory to lazily create items.
func New[T any](size int, factory Factory[T]) *Pool[T] {
	if size < 1 {
		size = 1
	}
	p := &Pool[T]{
		factory: factory,
		sem:     make(chan struct{}, size),
		size:    size,
	}
	for i := 0; i < size; i++ {
		p.sem <- struct{}{}
	}
	return p
}

// Stats is a point-in-time snapshot of pool occupancy.
type Stats struct {
	Size    int
	Created int
	Idle    int
	InUse   int
	Waiters int
}

func (p *Pool[T]) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return Stats{
		Size:    p.size,
		Created: p.created,
		Idle:    len(p.idle),
		InUse:   p.created - len(p.idle),
		Waiters: p.waiters,
	}
}

// Acquire blocks until a permit is available (creating a new item lazily
// if none is idle), then returns it. The caller must Release it — or treat
// it as invalid and simply omit it from the returned-items count (e.g.
// after a factory error) — under all circumstances.
func (p *Pool[T]) Acquire(ctx context.Context) (T, error) {
	var zero T

	p.mu.Lock()
	p.waiters++
	p.mu.Unlock()

	select {
	case <-p.sem:
		p.mu.Lock()
		p.waiters--
		p.mu.Unlock()
	case <-ctx.Done():
		p.mu.Lock()
		p.waiters--
		p.mu.Unlock()
		return zero, ctx.Err()
	}

	p.mu.Lock()
	if n := len(p.idle); n > 0 {
		item := p.idle[n-1]
		p.idle = p.idle[:n-1]
		p.mu.Unlock()
		return item, nil
	}
	p.mu.Unlock()

	item, err := p.factory(ctx)
	if err != nil {
		// The permit was never handed out as a usable item; give it back.
		p.sem <- struct{}{}
		return zero, err
	}

	p.mu.Lock()
	p.created++
	p.mu.Unlock()
	return item, nil
}

// Release returns an item to the idle list and signals its permit. An item
// that was in use when Clear(exceptCurrentlyInUse: true) ran is discarded
// here instead of being returned to the idle list.
func (p *Pool[T]) Release(item T) {
	p.mu.Lock()
	if p.pendingDiscard > 0 {
		p.pendingDiscard--
		p.created--
		p.mu.Unlock()
		if c, ok := any(item).(Closer); ok {
			_ = c.Close()
		}
		p.sem <- struct{}{}
		return
	}
	p.idle = append(p.idle, item)
	p.mu.Unlock()
	p.sem <- struct{}{}
}

// Discard drops item without returning it to the idle list (the caller
// determined it is no longer usable) but still signals its permit.
func (p *Pool[T]) Discard(item T) {
	if c, ok := any(item).(Closer); ok {
		_ = c.Close()
	}
	p.mu.Lock()
	p.created--
	p.mu.Unlock()
	p.sem <- struct{}{}
}

// Use runs body with an acquired item, always releasing it afterwards.
func (p *Pool[T]) Use(ctx context.Context, body func(item T) error) error {
	item, err := p.Acquire(ctx)
	if err != nil {
		return err
	}
	defer p.Release(item)
	return body(item)
}

// Barrier drains all N permits (so no Acquire can succeed concurrently),
// runs body while the pool is exclusive, then releases all N permits.
// Used for write-checkpointing that must not race readers.
func (p *Pool[T]) Barrier(ctx context.Context, body func() error) error {
	held := 0
	defer func() {
		for ; held > 0; held-- {
			p.sem <- struct{}{}
		}
	}()
	for held < p.size {
		select {
		case <-p.sem:
			held++
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return body()
}

// Clear drains every idle item and closes it. If exceptCurrentlyInUse is
// true, in-use items are left alone and simply discarded (not returned to
// the idle list) the next time their holder calls Release; if false, Clear
// additionally blocks until every outstanding item is returned, via a
// barrier, before returning.
func (p *Pool[T]) Clear(ctx context.Context, exceptCurrentlyInUse bool) error {
	if !exceptCurrentlyInUse {
		return p.Barrier(ctx, func() error {
			p.drainIdleLocked()
			return nil
		})
	}

	p.mu.Lock()
	idle := p.idle
	p.idle = nil
	p.created -= len(idle)
	p.pendingDiscard += p.created // every item still checked out gets discarded on release
	p.mu.Unlock()

	for _, item := range idle {
		if c, ok := any(item).(Closer); ok {
			_ = c.Close()
		}
	}
	return nil
}

func (p *Pool[T]) drainIdleLocked() {
	p.mu.Lock()
	idle := p.idle
	p.idle = nil
	p.created -= len(idle)
	p.mu.Unlock()
	for _, item := range idle {
		if c, ok := any(item).(Closer); ok {
			_ = c.Close()
		}
	}
}
