package connpool

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeItem struct {
	id     int
	closed int32
}

func (f *fakeItem) Close() error {
	atomic.StoreInt32(&f.closed, 1)
	return nil
}

func newCountingFactory() (Factory[*fakeItem], *int32) {
	var counter int32
	return func(ctx context.Context) (*fakeItem, error) {
		n := atomic.AddInt32(&counter, 1)
		return &fakeItem{id: int(n)}, nil
	}, &counter
}

func TestAcquireRelease_ReusesIdleItem(t *testing.T) {
	factory, created := newCountingFactory()
	p := New(2, factory)

	item, err := p.Acquire(context.Background())
	require.NoError(t, err)
	p.Release(item)

	item2, err := p.Acquire(context.Background())
	require.NoError(t, err)

	assert.Equal(t, item.id, item2.id, "a released item should be reused before creating a new one")
	assert.Equal(t, int32(1), atomic.LoadInt32(created))
}

func TestAcquire_BlocksAtCapacityUntilReleased(t *testing.T) {
	factory, _ := newCountingFactory()
	p := New(1, factory)

	first, err := p.Acquire(context.Background())
	require.NoError(t, err)

	acquired := make(chan struct{})
	go func() {
		second, err := p.Acquire(context.Background())
		require.NoError(t, err)
		close(acquired)
		p.Release(second)
	}()

	select {
	case <-acquired:
		t.Fatal("second Acquire should not succeed while the pool is at capacity")
	case <-time.After(50 * time.Millisecond):
		// expected: still blocked
	}

	p.Release(first)

	select {
	case <-acquired:
		// expected: unblocked after release
	case <-time.After(time.Second):
		t.Fatal("second Acquire did not unblock after Release")
	}
}

func TestAcquire_RespectsContextCancellation(t *testing.T) {
	factory, _ := newCountingFactory()
	p := New(1, factory)

	_, err := p.Acquire(context.Background())
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err = p.Acquire(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestBarrier_DrainsAllPermitsExclusively(t *testing.T) {
	factory, _ := newCountingFactory()
	p := New(3, factory)

	var items []*fakeItem
	for i := 0; i < 3; i++ {
		item, err := p.Acquire(context.Background())
		require.NoError(t, err)
		items = append(items, item)
	}
	for _, item := range items {
		p.Release(item)
	}

	ranBarrier := false
	err := p.Barrier(context.Background(), func() error {
		ranBarrier = true
		// No Acquire can succeed while every permit is held by the barrier.
		ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
		defer cancel()
		_, acquireErr := p.Acquire(ctx)
		assert.ErrorIs(t, acquireErr, context.DeadlineExceeded)
		return nil
	})
	require.NoError(t, err)
	assert.True(t, ranBarrier)

	// Pool must be fully usable again after the barrier returns.
	item, err := p.Acquire(context.Background())
	require.NoError(t, err)
	p.Release(item)
}

func TestClear_NotExceptInUse_ClosesIdleAndBlocksUntilAllReturned(t *testing.T) {
	factory, _ := newCountingFactory()
	p := New(2, factory)

	item, err := p.Acquire(context.Background())
	require.NoError(t, err)
	held, err := p.Acquire(context.Background())
	require.NoError(t, err)
	p.Release(item)

	cleared := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		defer close(cleared)
		err := p.Clear(context.Background(), false)
		assert.NoError(t, err)
	}()

	select {
	case <-cleared:
		t.Fatal("Clear(false) must block while an item is still checked out")
	case <-time.After(50 * time.Millisecond):
		// expected: still blocked
	}

	p.Release(held)
	wg.Wait()

	assert.True(t, item.closed == 1)
	assert.True(t, held.closed == 1)
}

func TestClear_ExceptCurrentlyInUse_DiscardsOnRelease(t *testing.T) {
	factory, _ := newCountingFactory()
	p := New(2, factory)

	inUse, err := p.Acquire(context.Background())
	require.NoError(t, err)

	idle, err := p.Acquire(context.Background())
	require.NoError(t, err)
	p.Release(idle)

	err = p.Clear(context.Background(), true)
	require.NoError(t, err)
	assert.Equal(t, int32(1), atomic.LoadInt32(&idle.closed), "idle items are closed immediately")
	assert.Equal(t, int32(0), atomic.LoadInt32(&inUse.closed), "in-use item is untouched until released")

	p.Release(inUse)
	assert.Equal(t, int32(1), atomic.LoadInt32(&inUse.closed), "in-use item is discarded, not returned to idle, on release")

	stats := p.Stats()
	assert.Equal(t, 0, stats.Idle)
	assert.Equal(t, 0, stats.Created)
}

func TestUse_AlwaysReleasesEvenOnError(t *testing.T) {
	factory, created := newCountingFactory()
	p := New(1, factory)

	sentinel := assert.AnError
	err := p.Use(context.Background(), func(item *fakeItem) error {
		return sentinel
	})
	assert.ErrorIs(t, err, sentinel)

	// The item must have been returned, not leaked, so capacity is free.
	item, err := p.Acquire(context.Background())
	require.NoError(t, err)
	p.Release(item)
	assert.Equal(t, int32(1), atomic.LoadInt32(created))
}
