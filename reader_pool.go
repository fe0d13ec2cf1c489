package waldb

import (
	"context"

	"waldb/internal/connpool"
	"waldb/logging"
)

// ConnectionPool is the bounded pool of read-only SerializedConnections
// described in spec.md §4.3. It is a thin, logging wrapper around the
// generic internal/connpool.Pool so the rest of this package can reason in
// terms of SerializedConnection rather than a bare type parameter.
type ConnectionPool struct {
	pool *connpool.Pool[*SerializedConnection]
	log  *logging.Logger
}

// newConnectionPool creates a pool bounded at size, lazily opening readers
// via factory on first use.
func newConnectionPool(size int, factory func(ctx context.Context) (*SerializedConnection, error)) *ConnectionPool {
	return &ConnectionPool{
		pool: connpool.New(size, connpool.Factory[*SerializedConnection](factory)),
		log:  logging.Default().WithComponent("connection_pool"),
	}
}

// Use acquires a reader, runs body, and always releases the reader
// afterwards, even on error.
func (p *ConnectionPool) Use(ctx context.Context, body func(*SerializedConnection) error) error {
	return p.pool.Use(ctx, body)
}

// Acquire takes one reader out of the pool; the caller must Release it.
func (p *ConnectionPool) Acquire(ctx context.Context) (*SerializedConnection, error) {
	return p.pool.Acquire(ctx)
}

// Release returns a reader to the pool.
func (p *ConnectionPool) Release(sc *SerializedConnection) { p.pool.Release(sc) }

// Barrier acquires all permits (draining the pool of concurrency), runs
// body exclusively, then releases all permits.
func (p *ConnectionPool) Barrier(ctx context.Context, body func() error) error {
	p.log.Debug("barrier acquiring full pool")
	defer p.log.Debug("barrier releasing full pool")
	return p.pool.Barrier(ctx, body)
}

// Clear drains idle readers (closing them). If exceptCurrentlyInUse, the
// ones presently checked out finish their current use and are discarded
// on release instead of being returned to the idle list.
func (p *ConnectionPool) Clear(ctx context.Context, exceptCurrentlyInUse bool) error {
	return p.pool.Clear(ctx, exceptCurrentlyInUse)
}

// Stats reports current pool occupancy.
func (p *ConnectionPool) Stats() connpool.Stats { return p.pool.Stats() }
