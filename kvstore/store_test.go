package kvstore

import (
	"context"
	"os"
	"testing"
	"unsafe"

	"github.com/stretchr/testify/require"

	"github.com/outofforest/specdec/types"
)

func newStore(t *testing.T) *Store {
	s, err := New(Config{
		NumPages:  4,
		BlockSize: 8,
		NumLayers: 2,
		SlotWidth: 3,
	})
	require.NoError(t, err)
	t.Cleanup(func() {
		require.NoError(t, s.Close())
	})
	return s
}

func TestMapRegion(t *testing.T) {
	requireT := require.New(t)

	r, err := mapRegion(1000, false)
	requireT.NoError(err)

	requireT.Zero(uintptr(unsafe.Pointer(&r.data[0])) % 64)
	requireT.GreaterOrEqual(len(r.data), 1000)
	requireT.Zero(len(r.data) % os.Getpagesize())

	entries := r.float32s(8, 10)
	for i := range entries {
		requireT.Zero(entries[i])
		entries[i] = float32(i)
	}
	requireT.Equal(float32(3), r.float32s(20, 1)[0])
	requireT.NoError(r.unmap())

	_, err = mapRegion(0, false)
	requireT.Error(err)
}

func TestCloseIsIdempotent(t *testing.T) {
	requireT := require.New(t)

	s, err := New(Config{NumPages: 1, BlockSize: 1, NumLayers: 1, SlotWidth: 1})
	requireT.NoError(err)
	requireT.NoError(s.Close())
	requireT.NoError(s.Close())
}

func TestNewValidatesShape(t *testing.T) {
	requireT := require.New(t)

	_, err := New(Config{NumPages: 4, BlockSize: 8, NumLayers: 2})
	requireT.ErrorIs(err, types.ErrShapeMismatch)
}

func TestWriteAndRead(t *testing.T) {
	requireT := require.New(t)
	s := newStore(t)

	slot := types.Slot{Page: 2, Offset: 5}
	requireT.NoError(s.Write(1, slot, []float32{1, 2, 3}))

	entries, err := s.Slot(1, slot)
	requireT.NoError(err)
	requireT.Equal([]float32{1, 2, 3}, entries)

	// The same slot in the other layer is untouched.
	entries, err = s.Slot(0, slot)
	requireT.NoError(err)
	requireT.Equal([]float32{0, 0, 0}, entries)

	page, err := s.Page(1, 2)
	requireT.NoError(err)
	requireT.Len(page, 24)
	requireT.Equal([]float32{1, 2, 3}, page[15:18])

	// Neighbouring pages are untouched.
	for _, p := range []types.PageID{1, 3} {
		page, err := s.Page(1, p)
		requireT.NoError(err)
		for _, v := range page {
			requireT.Zero(v)
		}
	}
}

func TestRangeErrors(t *testing.T) {
	requireT := require.New(t)
	s := newStore(t)

	_, err := s.Page(2, 0)
	requireT.ErrorIs(err, types.ErrIndexOutOfRange)
	_, err = s.Page(0, 4)
	requireT.ErrorIs(err, types.ErrIndexOutOfRange)
	_, err = s.Slot(0, types.Slot{Page: 0, Offset: 8})
	requireT.ErrorIs(err, types.ErrIndexOutOfRange)
	requireT.ErrorIs(s.Write(0, types.Slot{}, []float32{1}), types.ErrShapeMismatch)
	requireT.ErrorIs(s.Clear(7), types.ErrIndexOutOfRange)
	requireT.ErrorIs(s.Copy(0, 7), types.ErrIndexOutOfRange)
}

func TestCopyAndClear(t *testing.T) {
	requireT := require.New(t)
	s := newStore(t)

	for layer := range uint32(2) {
		for offset := range uint32(8) {
			v := float32(layer*100 + offset)
			requireT.NoError(s.Write(layer, types.Slot{Page: 0, Offset: offset}, []float32{v, v, v}))
		}
	}

	requireT.NoError(s.Copy(0, 3))
	for layer := range uint32(2) {
		src, err := s.Page(layer, 0)
		requireT.NoError(err)
		dst, err := s.Page(layer, 3)
		requireT.NoError(err)
		requireT.Equal(src, dst)
	}

	requireT.NoError(s.Clear(0))
	for layer := range uint32(2) {
		page, err := s.Page(layer, 0)
		requireT.NoError(err)
		for _, v := range page {
			requireT.Zero(v)
		}
	}

	entries, err := s.Slot(1, types.Slot{Page: 3, Offset: 7})
	requireT.NoError(err)
	requireT.Equal([]float32{107, 107, 107}, entries)
}

func TestErase(t *testing.T) {
	requireT := require.New(t)
	s := newStore(t)

	for page := range types.PageID(4) {
		requireT.NoError(s.Write(0, types.Slot{Page: page, Offset: 1}, []float32{1, 1, 1}))
	}

	requireT.NoError(s.Erase(context.Background(), []types.PageID{0, 1, 3}, 2))

	for page, expected := range []float32{0, 0, 1, 0} {
		entries, err := s.Slot(0, types.Slot{Page: types.PageID(page), Offset: 1})
		requireT.NoError(err)
		requireT.Equal([]float32{expected, expected, expected}, entries)
	}

	requireT.ErrorIs(s.Erase(context.Background(), []types.PageID{9}, 2), types.ErrIndexOutOfRange)
}
