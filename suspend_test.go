package waldb

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSuspensionController_SuspendRejectsWritesResumeAllowsThem(t *testing.T) {
	q := openTestQueue(t)
	ctx := context.Background()

	require.NoError(t, q.WriteWithoutTransaction(ctx, func(ctx context.Context, conn Connection) error {
		_, err := conn.ExecContext(ctx, "CREATE TABLE t (id INTEGER PRIMARY KEY)")
		return err
	}))

	c := newSuspensionController(q.writer)
	assert.False(t, c.IsSuspended())

	c.Suspend()
	assert.True(t, c.IsSuspended())

	err := q.WriteWithoutTransaction(ctx, func(ctx context.Context, conn Connection) error {
		_, err := conn.ExecContext(ctx, "INSERT INTO t DEFAULT VALUES")
		return err
	})
	assert.ErrorIs(t, err, Suspended)

	c.Resume()
	assert.False(t, c.IsSuspended())

	err = q.WriteWithoutTransaction(ctx, func(ctx context.Context, conn Connection) error {
		_, err := conn.ExecContext(ctx, "INSERT INTO t DEFAULT VALUES")
		return err
	})
	assert.NoError(t, err)
}

func TestSuspensionController_ReadsStillServiceableWhileSuspended(t *testing.T) {
	p := openTestPool(t, DefaultConfig(tempDBPath(t)))
	ctx := context.Background()

	require.NoError(t, p.WriteWithoutTransaction(ctx, func(ctx context.Context, conn Connection) error {
		_, err := conn.ExecContext(ctx, "CREATE TABLE t (id INTEGER PRIMARY KEY)")
		return err
	}))

	c := newSuspensionController(p.writer)
	c.Suspend()
	defer c.Resume()

	var count int
	err := p.Read(ctx, func(ctx context.Context, conn Connection) error {
		return conn.QueryRowContext(ctx, "SELECT COUNT(*) FROM t").Scan(&count)
	})
	require.NoError(t, err)
	assert.Equal(t, 0, count)
}

func TestSuspensionController_SuspendAndResumeAreIdempotent(t *testing.T) {
	q := openTestQueue(t)
	c := newSuspensionController(q.writer)

	c.Suspend()
	c.Suspend()
	assert.True(t, c.IsSuspended())

	c.Resume()
	c.Resume()
	assert.False(t, c.IsSuspended())
}
