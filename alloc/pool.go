package alloc

import (
	"sync"

	"github.com/pkg/errors"

	"github.com/outofforest/specdec/types"
)

// NewPool creates pool of numOfPages pages, all of them free.
func NewPool(numOfPages uint32) *Pool {
	free, ids := newRing[types.PageID](uint64(numOfPages))
	for i := range ids {
		ids[i] = types.PageID(i)
	}
	return &Pool{
		free:      free,
		refCounts: make([]uint32, numOfPages),
	}
}

// Pool hands out pages of KV cache and counts references to them. Page returns to the free list when its last
// reference is released. Pages are reused in FIFO order. It is safe for concurrent use.
type Pool struct {
	mu        sync.Mutex
	free      *ring[types.PageID]
	refCounts []uint32
}

// Allocate takes count free pages, each with reference count of 1. Either all the pages are allocated or none.
func (p *Pool) Allocate(count uint32) ([]types.PageID, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if uint64(count) > p.free.Len() {
		return nil, errors.Wrapf(types.ErrAllocationExhausted, "%d pages requested, %d free", count, p.free.Len())
	}

	pages := make([]types.PageID, 0, count)
	for range count {
		page, err := p.free.Get()
		if err != nil {
			return nil, errors.Wrap(types.ErrAllocationExhausted, err.Error())
		}
		p.refCounts[page] = 1
		pages = append(pages, page)
	}
	return pages, nil
}

// Retain adds reference to allocated pages.
func (p *Pool) Retain(pages ...types.PageID) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if err := p.checkAllocated(pages); err != nil {
		return err
	}
	for _, page := range pages {
		p.refCounts[page]++
	}
	return nil
}

// Release drops reference to pages. Pages which lost their last reference are returned to the free list and
// reported to the caller.
func (p *Pool) Release(pages ...types.PageID) ([]types.PageID, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if err := p.checkAllocated(pages); err != nil {
		return nil, err
	}

	// Page repeated in the argument must hold enough references.
	counts := map[types.PageID]uint32{}
	for _, page := range pages {
		counts[page]++
		if counts[page] > p.refCounts[page] {
			return nil, errors.Wrapf(types.ErrIndexOutOfRange, "page %d released more times than retained", page)
		}
	}

	var freed []types.PageID
	for _, page := range pages {
		p.refCounts[page]--
		if p.refCounts[page] > 0 {
			continue
		}
		if err := p.free.Put(page); err != nil {
			return nil, errors.Wrapf(types.ErrIndexOutOfRange, "page %d: %s", page, err)
		}
		freed = append(freed, page)
	}
	return freed, nil
}

// RefCount returns number of references to the page.
func (p *Pool) RefCount(page types.PageID) uint32 {
	p.mu.Lock()
	defer p.mu.Unlock()

	if int(page) >= len(p.refCounts) {
		return 0
	}
	return p.refCounts[page]
}

// Free returns number of free pages.
func (p *Pool) Free() uint32 {
	p.mu.Lock()
	defer p.mu.Unlock()

	return uint32(p.free.Len())
}

// Capacity returns number of pages managed by the pool.
func (p *Pool) Capacity() uint32 {
	return uint32(len(p.refCounts))
}

func (p *Pool) checkAllocated(pages []types.PageID) error {
	for _, page := range pages {
		if int(page) >= len(p.refCounts) {
			return errors.Wrapf(types.ErrIndexOutOfRange, "page %d outside pool of %d pages", page,
				len(p.refCounts))
		}
		if p.refCounts[page] == 0 {
			return errors.Wrapf(types.ErrIndexOutOfRange, "page %d is free", page)
		}
	}
	return nil
}
