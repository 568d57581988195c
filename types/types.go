package types

import (
	"unsafe"

	"github.com/pkg/errors"

	"github.com/outofforest/photon"
)

const (
	// Epsilon is the floor applied to probabilities and temperatures used as divisors.
	Epsilon = 1e-10

	// HashLength is the number of bytes taken by page content hash.
	HashLength = 32

	// TokenLength is the number of bytes taken by token.
	TokenLength = 4

	// UInt64Length is the number of bytes taken by uint64.
	UInt64Length = 8

	// RootParent is the parent index stored in the root node of a draft tree.
	RootParent NodeIndex = -1
)

// Error kinds. Every error returned by the core wraps one of them so callers can classify it with errors.Is and
// fall back to single-token decoding for the affected sequence.
var (
	// ErrShapeMismatch is returned when lengths of draft rows, target rows and vocabulary disagree.
	ErrShapeMismatch = errors.New("shape mismatch")

	// ErrIndexOutOfRange is returned for invalid token, parent, page or rank index.
	ErrIndexOutOfRange = errors.New("index out of range")

	// ErrAllocationExhausted is returned when page pool can't satisfy the allocation.
	ErrAllocationExhausted = errors.New("allocation exhausted")

	// ErrInvalidSamplingParameter is returned when sampling parameters are out of their domain.
	ErrInvalidSamplingParameter = errors.New("invalid sampling parameter")
)

type (
	// Token is the id of vocabulary entry.
	Token uint32

	// NodeIndex is the index of node in draft tree arena.
	NodeIndex int32

	// PageID identifies physical page in KV cache pool.
	PageID uint32

	// SequenceID identifies decoded sequence.
	SequenceID uint64

	// Hash represents content hash of a page.
	Hash [HashLength]byte
)

// Slot is the physical location of one token in the KV cache.
type Slot struct {
	Page   PageID
	Offset uint32
}

// Flat returns the flat slot index used by kernels writing KV entries.
func (s Slot) Flat(blockSize uint32) uint64 {
	return uint64(s.Page)*uint64(blockSize) + uint64(s.Offset)
}

// TokenBytes returns the in-memory bytes of the token slice without copying.
func TokenBytes(tokens []Token) []byte {
	if len(tokens) == 0 {
		return nil
	}
	return photon.SliceFromPointer[byte](unsafe.Pointer(&tokens[0]), len(tokens)*TokenLength)
}
