package hash

import (
	"github.com/zeebo/blake3"

	"github.com/outofforest/photon"
	"github.com/outofforest/specdec/types"
)

var (
	domainTag  = []byte("specdec/kv-page/v1")
	noneMarker = []byte{0x00}
	someMarker = []byte{0x01}
)

// Page computes content hash of the page holding tokens. Hash of the previous page is chained into the result, so
// the hash identifies the whole prefix ending with this page. Extra key distinguishes equal tokens computed under
// different conditions (e.g. adapters or multimodal inputs).
func Page(parent *types.Hash, tokens []types.Token, extra []byte) types.Hash {
	h := blake3.New()
	_, _ = h.Write(domainTag)
	if parent == nil {
		_, _ = h.Write(noneMarker)
	} else {
		_, _ = h.Write(someMarker)
		_, _ = h.Write(parent[:])
	}

	numOfTokens := uint64(len(tokens))
	_, _ = h.Write(photon.NewFromValue(&numOfTokens).B)
	_, _ = h.Write(types.TokenBytes(tokens))

	extraLength := uint64(len(extra))
	_, _ = h.Write(photon.NewFromValue(&extraLength).B)
	_, _ = h.Write(extra)

	var hash types.Hash
	h.Sum(hash[:0])
	return hash
}

// Blocks returns chained hashes of all the full blocks of tokens. Trailing partial block is not hashed.
func Blocks(tokens []types.Token, blockSize uint32, extra []byte) []types.Hash {
	if blockSize == 0 {
		return nil
	}

	hashes := make([]types.Hash, 0, uint32(len(tokens))/blockSize)
	var parent *types.Hash
	for start := 0; start+int(blockSize) <= len(tokens); start += int(blockSize) {
		hashes = append(hashes, Page(parent, tokens[start:start+int(blockSize)], extra))
		parent = &hashes[len(hashes)-1]
	}
	return hashes
}
