package kvstore

import (
	"context"
	"fmt"
	"sync"

	"github.com/pkg/errors"

	"github.com/outofforest/parallel"
	"github.com/outofforest/specdec/types"
)

const float32Length = 4

// Config stores configuration of the KV store.
type Config struct {
	NumPages  uint32 `yaml:"num_pages"`
	BlockSize uint32 `yaml:"block_size"`
	NumLayers uint32 `yaml:"num_layers"`

	// SlotWidth is the number of values stored per token and layer, keys and values together.
	SlotWidth    uint32 `yaml:"slot_width"`
	UseHugePages bool   `yaml:"use_huge_pages"`
}

// New maps memory for all the pages.
func New(config Config) (*Store, error) {
	if config.NumPages == 0 || config.BlockSize == 0 || config.NumLayers == 0 || config.SlotWidth == 0 {
		return nil, errors.Wrapf(types.ErrShapeMismatch, "invalid store shape %+v", config)
	}

	pageLength := uint64(config.BlockSize) * uint64(config.SlotWidth)
	length := uint64(config.NumLayers) * uint64(config.NumPages) * pageLength
	memory, err := mapRegion(length*float32Length, config.UseHugePages)
	if err != nil {
		return nil, err
	}

	return &Store{
		config:      config,
		pageLength:  pageLength,
		layerLength: uint64(config.NumPages) * pageLength,
		memory:      memory,
	}, nil
}

// Store keeps physical KV entries of cache pages. Memory is laid out as layers x pages x block size x slot width.
// Callers synchronize access to the same page, page ownership is tracked by the cache manager.
type Store struct {
	config      Config
	pageLength  uint64
	layerLength uint64

	memory    *region
	closeOnce sync.Once
	closeErr  error
}

// Config returns the store configuration.
func (s *Store) Config() Config {
	return s.config
}

// Page returns entries of the page in the layer.
func (s *Store) Page(layer uint32, page types.PageID) ([]float32, error) {
	if err := s.check(layer, page); err != nil {
		return nil, err
	}
	return s.page(layer, page), nil
}

// Slot returns entries of the slot in the layer.
func (s *Store) Slot(layer uint32, slot types.Slot) ([]float32, error) {
	if err := s.check(layer, slot.Page); err != nil {
		return nil, err
	}
	if slot.Offset >= s.config.BlockSize {
		return nil, errors.Wrapf(types.ErrIndexOutOfRange, "offset %d outside block of %d", slot.Offset,
			s.config.BlockSize)
	}

	start := uint64(slot.Offset) * uint64(s.config.SlotWidth)
	return s.page(layer, slot.Page)[start : start+uint64(s.config.SlotWidth)], nil
}

// Write stores kv in the slot.
func (s *Store) Write(layer uint32, slot types.Slot, kv []float32) error {
	if len(kv) != int(s.config.SlotWidth) {
		return errors.Wrapf(types.ErrShapeMismatch, "%d values, slot width is %d", len(kv), s.config.SlotWidth)
	}
	entries, err := s.Slot(layer, slot)
	if err != nil {
		return err
	}
	copy(entries, kv)
	return nil
}

// Copy copies entries of all the layers from page src to page dst.
func (s *Store) Copy(src, dst types.PageID) error {
	for layer := range s.config.NumLayers {
		if err := s.check(layer, src); err != nil {
			return err
		}
		if err := s.check(layer, dst); err != nil {
			return err
		}
		copy(s.page(layer, dst), s.page(layer, src))
	}
	return nil
}

// Clear zeroes entries of the pages in all the layers.
func (s *Store) Clear(pages ...types.PageID) error {
	for _, page := range pages {
		for layer := range s.config.NumLayers {
			if err := s.check(layer, page); err != nil {
				return err
			}
			clear(s.page(layer, page))
		}
	}
	return nil
}

// Erase clears pages using parallel workers.
func (s *Store) Erase(ctx context.Context, pages []types.PageID, numOfWorkers int) error {
	numOfWorkers = min(max(numOfWorkers, 1), len(pages))
	return parallel.Run(ctx, func(ctx context.Context, spawn parallel.SpawnFn) error {
		for w := range numOfWorkers {
			spawn(fmt.Sprintf("eraser-%02d", w), parallel.Continue, func(ctx context.Context) error {
				for i := w; i < len(pages); i += numOfWorkers {
					if err := ctx.Err(); err != nil {
						return errors.WithStack(err)
					}
					if err := s.Clear(pages[i]); err != nil {
						return err
					}
				}
				return nil
			})
		}
		return nil
	})
}

// Close unmaps the memory. Slices returned earlier must not be used afterwards.
func (s *Store) Close() error {
	s.closeOnce.Do(func() {
		s.closeErr = s.memory.unmap()
	})
	return s.closeErr
}

func (s *Store) page(layer uint32, page types.PageID) []float32 {
	offset := (uint64(layer)*s.layerLength + uint64(page)*s.pageLength) * float32Length
	return s.memory.float32s(offset, s.pageLength)
}

func (s *Store) check(layer uint32, page types.PageID) error {
	if layer >= s.config.NumLayers {
		return errors.Wrapf(types.ErrIndexOutOfRange, "layer %d outside %d layers", layer, s.config.NumLayers)
	}
	if page >= types.PageID(s.config.NumPages) {
		return errors.Wrapf(types.ErrIndexOutOfRange, "page %d outside %d pages", page, s.config.NumPages)
	}
	return nil
}
