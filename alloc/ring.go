package alloc

import "github.com/pkg/errors"

func newRing[T any](capacity uint64) (*ring[T], []T) {
	items := make([]T, capacity)
	return &ring[T]{
		items:    items,
		capacity: capacity,
		length:   capacity,
	}, items
}

// ring is a fixed-capacity FIFO queue. It starts full.
type ring[T any] struct {
	items []T

	capacity       uint64
	getPtr, putPtr uint64
	length         uint64
}

func (r *ring[T]) Len() uint64 {
	return r.length
}

func (r *ring[T]) Get() (T, error) {
	if r.length == 0 {
		var t T
		return t, errors.New("no free item to get")
	}
	item := r.items[r.getPtr]
	r.getPtr++
	if r.getPtr == r.capacity {
		r.getPtr = 0
	}
	r.length--
	return item, nil
}

func (r *ring[T]) Put(item T) error {
	if r.length == r.capacity {
		// It means that more items were returned than taken.
		return errors.New("no space left in the ring")
	}

	r.items[r.putPtr] = item
	r.putPtr++
	if r.putPtr == r.capacity {
		r.putPtr = 0
	}
	r.length++
	return nil
}
