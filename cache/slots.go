package cache

import (
	"github.com/pkg/errors"

	"github.com/outofforest/specdec/types"
)

// BlockTable lists pages holding tokens of one sequence.
type BlockTable struct {
	PageIDs   []types.PageID
	BlockSize uint32
	Length    uint64
}

// Slot returns the slot of token at position.
func (bt BlockTable) Slot(position uint64) (types.Slot, error) {
	if position >= bt.Length {
		return types.Slot{}, errors.Wrapf(types.ErrIndexOutOfRange, "position %d outside sequence of %d tokens",
			position, bt.Length)
	}
	return slot(bt.PageIDs, bt.BlockSize, position)
}

// SlotMapping maps every position of every sequence to its slot. Position p of a sequence lives at offset
// p % blockSize of its page p / blockSize.
func SlotMapping(seqLens []uint64, blockSize uint32, pagesPerSeq [][]types.PageID) ([][]types.Slot, error) {
	if blockSize == 0 {
		return nil, errors.Wrap(types.ErrShapeMismatch, "block size must be positive")
	}
	if len(seqLens) != len(pagesPerSeq) {
		return nil, errors.Wrapf(types.ErrShapeMismatch, "%d sequence lengths, %d page lists", len(seqLens),
			len(pagesPerSeq))
	}

	mapping := make([][]types.Slot, 0, len(seqLens))
	for i, seqLen := range seqLens {
		slots := make([]types.Slot, 0, seqLen)
		for p := range seqLen {
			s, err := slot(pagesPerSeq[i], blockSize, p)
			if err != nil {
				return nil, errors.WithMessagef(err, "sequence %d", i)
			}
			slots = append(slots, s)
		}
		mapping = append(mapping, slots)
	}
	return mapping, nil
}

// SlotsForRange returns slots of positions [start, end) for the block table.
func SlotsForRange(table BlockTable, start, end uint64) ([]types.Slot, error) {
	if start > end || end > uint64(len(table.PageIDs))*uint64(table.BlockSize) {
		return nil, errors.Wrapf(types.ErrIndexOutOfRange, "range [%d, %d) outside %d pages of %d tokens", start,
			end, len(table.PageIDs), table.BlockSize)
	}

	slots := make([]types.Slot, 0, end-start)
	for p := start; p < end; p++ {
		s, err := slot(table.PageIDs, table.BlockSize, p)
		if err != nil {
			return nil, err
		}
		slots = append(slots, s)
	}
	return slots, nil
}

// PartitionForRank splits pages into worldSize contiguous chunks and returns the one assigned to rank. Chunk sizes
// differ by at most one, the first len(pages) % worldSize ranks get the longer ones.
func PartitionForRank(pages []types.PageID, rank, worldSize uint32) ([]types.PageID, error) {
	if worldSize == 0 || rank >= worldSize {
		return nil, errors.Wrapf(types.ErrIndexOutOfRange, "rank %d outside world of %d", rank, worldSize)
	}

	n := uint32(len(pages))
	chunk, extra := n/worldSize, n%worldSize
	start := rank*chunk + min(rank, extra)
	length := chunk
	if rank < extra {
		length++
	}
	return pages[start : start+length], nil
}

func slot(pages []types.PageID, blockSize uint32, position uint64) (types.Slot, error) {
	pageIndex := position / uint64(blockSize)
	if pageIndex >= uint64(len(pages)) {
		return types.Slot{}, errors.Wrapf(types.ErrIndexOutOfRange, "position %d needs page %d, table has %d",
			position, pageIndex, len(pages))
	}
	return types.Slot{
		Page:   pages[pageIndex],
		Offset: uint32(position % uint64(blockSize)),
	}, nil
}
