package alloc

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/outofforest/specdec/types"
)

func TestAllocateAllOrNothing(t *testing.T) {
	requireT := require.New(t)

	pool := NewPool(10)
	requireT.EqualValues(10, pool.Capacity())
	requireT.EqualValues(10, pool.Free())

	pages, err := pool.Allocate(3)
	requireT.NoError(err)
	requireT.Equal([]types.PageID{0, 1, 2}, pages)
	requireT.EqualValues(7, pool.Free())

	// Request up to the capacity fails and leaves the pool untouched.
	_, err = pool.Allocate(10)
	requireT.ErrorIs(err, types.ErrAllocationExhausted)
	requireT.EqualValues(7, pool.Free())

	pages, err = pool.Allocate(7)
	requireT.NoError(err)
	requireT.Len(pages, 7)
	requireT.Zero(pool.Free())

	_, err = pool.Allocate(1)
	requireT.ErrorIs(err, types.ErrAllocationExhausted)

	pages, err = pool.Allocate(0)
	requireT.NoError(err)
	requireT.Empty(pages)
}

func TestReferenceCounting(t *testing.T) {
	requireT := require.New(t)

	pool := NewPool(4)
	pages, err := pool.Allocate(2)
	requireT.NoError(err)
	requireT.EqualValues(1, pool.RefCount(pages[0]))

	requireT.NoError(pool.Retain(pages[0]))
	requireT.EqualValues(2, pool.RefCount(pages[0]))

	freed, err := pool.Release(pages...)
	requireT.NoError(err)
	requireT.Equal([]types.PageID{pages[1]}, freed)
	requireT.EqualValues(1, pool.RefCount(pages[0]))
	requireT.EqualValues(0, pool.RefCount(pages[1]))
	requireT.EqualValues(3, pool.Free())

	freed, err = pool.Release(pages[0])
	requireT.NoError(err)
	requireT.Equal([]types.PageID{pages[0]}, freed)
	requireT.EqualValues(4, pool.Free())
}

func TestReleaseErrors(t *testing.T) {
	requireT := require.New(t)

	pool := NewPool(4)
	pages, err := pool.Allocate(1)
	requireT.NoError(err)

	_, err = pool.Release(3)
	requireT.ErrorIs(err, types.ErrIndexOutOfRange)

	_, err = pool.Release(4)
	requireT.ErrorIs(err, types.ErrIndexOutOfRange)

	requireT.ErrorIs(pool.Retain(2), types.ErrIndexOutOfRange)

	// Releasing the same page twice in one call is rejected as a whole.
	_, err = pool.Release(pages[0], pages[0])
	requireT.ErrorIs(err, types.ErrIndexOutOfRange)
	requireT.EqualValues(1, pool.RefCount(pages[0]))

	_, err = pool.Release(pages[0])
	requireT.NoError(err)
	_, err = pool.Release(pages[0])
	requireT.ErrorIs(err, types.ErrIndexOutOfRange)
	requireT.EqualValues(4, pool.Free())
}

func TestFreedPagesAreReusedInOrder(t *testing.T) {
	requireT := require.New(t)

	pool := NewPool(3)
	pages, err := pool.Allocate(3)
	requireT.NoError(err)

	_, err = pool.Release(pages[2])
	requireT.NoError(err)
	_, err = pool.Release(pages[0])
	requireT.NoError(err)

	pages, err = pool.Allocate(2)
	requireT.NoError(err)
	requireT.Equal([]types.PageID{2, 0}, pages)
}

func TestPoolOfTenPagesServesTwoSequences(t *testing.T) {
	requireT := require.New(t)

	// Block size 16: a sequence of 40 tokens needs 3 pages, a sequence of 130 tokens needs 9.
	const blockSize = 16
	pool := NewPool(10)

	pages, err := pool.Allocate((40 + blockSize - 1) / blockSize)
	requireT.NoError(err)
	requireT.Len(pages, 3)

	_, err = pool.Allocate((130 + blockSize - 1) / blockSize)
	requireT.ErrorIs(err, types.ErrAllocationExhausted)
	requireT.EqualValues(7, pool.Free())
}

func TestConcurrentAllocation(t *testing.T) {
	requireT := require.New(t)

	const (
		workers = 8
		rounds  = 1000
	)

	pool := NewPool(64)
	var wg sync.WaitGroup
	errs := make([]error, workers)
	for w := range workers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for range rounds {
				pages, err := pool.Allocate(8)
				if err != nil {
					errs[w] = err
					return
				}
				if _, err := pool.Release(pages...); err != nil {
					errs[w] = err
					return
				}
			}
		}()
	}
	wg.Wait()

	for _, err := range errs {
		requireT.NoError(err)
	}
	requireT.EqualValues(64, pool.Free())
}

func TestFailedAllocationDoesNotMutatePool(t *testing.T) {
	requireT := require.New(t)

	pool := NewPool(4)
	first, err := pool.Allocate(2)
	requireT.NoError(err)

	_, err = pool.Allocate(3)
	requireT.ErrorIs(err, types.ErrAllocationExhausted)
	requireT.EqualValues(2, pool.Free())
	for _, page := range first {
		requireT.EqualValues(1, pool.RefCount(page))
	}
	requireT.EqualValues(0, pool.RefCount(2))
	requireT.EqualValues(0, pool.RefCount(3))

	second, err := pool.Allocate(2)
	requireT.NoError(err)
	requireT.Equal([]types.PageID{2, 3}, second)
}
