package waldb

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWrite_CommitsOnSuccess(t *testing.T) {
	q := openTestQueue(t)
	ctx := context.Background()

	require.NoError(t, q.WriteWithoutTransaction(ctx, func(ctx context.Context, conn Connection) error {
		_, err := conn.ExecContext(ctx, "CREATE TABLE t (id INTEGER PRIMARY KEY, v TEXT)")
		return err
	}))

	require.NoError(t, q.Write(ctx, func(ctx context.Context, conn Connection) error {
		_, err := conn.ExecContext(ctx, "INSERT INTO t(v) VALUES (?)", "a")
		return err
	}))

	n, err := AsyncRead(q, ctx, func(ctx context.Context, conn Connection) (int, error) {
		var count int
		err := conn.QueryRowContext(ctx, "SELECT COUNT(*) FROM t").Scan(&count)
		return count, err
	})
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestWrite_RollsBackAndSurfacesOriginalErrorOnFailure(t *testing.T) {
	q := openTestQueue(t)
	ctx := context.Background()

	require.NoError(t, q.WriteWithoutTransaction(ctx, func(ctx context.Context, conn Connection) error {
		_, err := conn.ExecContext(ctx, "CREATE TABLE t (id INTEGER PRIMARY KEY, v TEXT)")
		return err
	}))

	sentinel := assert.AnError
	err := q.Write(ctx, func(ctx context.Context, conn Connection) error {
		if _, err := conn.ExecContext(ctx, "INSERT INTO t(v) VALUES (?)", "b"); err != nil {
			return err
		}
		return sentinel
	})
	assert.ErrorIs(t, err, sentinel)

	n, err := AsyncRead(q, ctx, func(ctx context.Context, conn Connection) (int, error) {
		var count int
		scanErr := conn.QueryRowContext(ctx, "SELECT COUNT(*) FROM t").Scan(&count)
		return count, scanErr
	})
	require.NoError(t, err)
	assert.Equal(t, 0, n, "the insert must have been rolled back")
}

func TestReentrantWrite_AllowsNestedCallOnSameConnection(t *testing.T) {
	q := openTestQueue(t)
	ctx := context.Background()

	require.NoError(t, q.WriteWithoutTransaction(ctx, func(ctx context.Context, conn Connection) error {
		_, err := conn.ExecContext(ctx, "CREATE TABLE t (id INTEGER PRIMARY KEY, v TEXT)")
		return err
	}))

	err := q.ReentrantWrite(ctx, func(ctx context.Context, conn Connection) error {
		_, err := conn.ExecContext(ctx, "INSERT INTO t(v) VALUES ('outer')")
		if err != nil {
			return err
		}
		return q.writer.ReentrantSync(ctx, func(ctx context.Context, conn Connection) error {
			_, err := conn.ExecContext(ctx, "INSERT INTO t(v) VALUES ('inner')")
			return err
		})
	})
	require.NoError(t, err)

	n, err := AsyncRead(q, ctx, func(ctx context.Context, conn Connection) (int, error) {
		var count int
		scanErr := conn.QueryRowContext(ctx, "SELECT COUNT(*) FROM t").Scan(&count)
		return count, scanErr
	})
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}

func TestAsync_DispatchesWithoutWaiting(t *testing.T) {
	q := openTestQueue(t)

	require.NoError(t, q.WriteWithoutTransaction(context.Background(), func(ctx context.Context, conn Connection) error {
		_, err := conn.ExecContext(ctx, "CREATE TABLE t (id INTEGER PRIMARY KEY, v TEXT)")
		return err
	}))

	done := make(chan struct{})
	q.Async(func(conn Connection) {
		defer close(done)
		_, _ = conn.ExecContext(context.Background(), "INSERT INTO t(v) VALUES ('async')")
	})
	<-done

	n, err := AsyncRead(q, context.Background(), func(ctx context.Context, conn Connection) (int, error) {
		var count int
		scanErr := conn.QueryRowContext(ctx, "SELECT COUNT(*) FROM t").Scan(&count)
		return count, scanErr
	})
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}
