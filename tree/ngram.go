package tree

import (
	"sort"

	"github.com/cespare/xxhash"
	"github.com/pkg/errors"

	"github.com/outofforest/specdec/types"
)

// NGramConfig configures n-gram index.
type NGramConfig struct {
	MinN uint32 `yaml:"min_n"`
	MaxN uint32 `yaml:"max_n"`
}

// DefaultNGramConfig returns the default n-gram configuration.
func DefaultNGramConfig() NGramConfig {
	return NGramConfig{
		MinN: 1,
		MaxN: 4,
	}
}

// NewNGramIndex creates empty n-gram index.
func NewNGramIndex(config NGramConfig) (*NGramIndex, error) {
	if config.MinN == 0 || config.MaxN < config.MinN {
		return nil, errors.Errorf("invalid n-gram range [%d, %d]", config.MinN, config.MaxN)
	}
	return &NGramIndex{
		config:        config,
		continuations: map[uint64]map[types.Token]uint32{},
		suffix:        make([]types.Token, 0, config.MaxN),
	}, nil
}

// NGramIndex remembers which tokens followed every n-gram of the observed stream. Hash collisions only degrade
// proposals, verification stays exact. Index is not safe for concurrent use.
type NGramIndex struct {
	config        NGramConfig
	stream        []types.Token
	continuations map[uint64]map[types.Token]uint32
	suffix        []types.Token
}

// Append extends observed stream and indexes n-grams ending right before every appended token.
func (idx *NGramIndex) Append(tokens ...types.Token) {
	for _, t := range tokens {
		idx.stream = append(idx.stream, t)
		end := len(idx.stream) - 1
		for n := idx.config.MinN; n <= idx.config.MaxN && int(n) <= end; n++ {
			key := ngramKey(idx.stream[end-int(n) : end])
			counts := idx.continuations[key]
			if counts == nil {
				counts = map[types.Token]uint32{}
				idx.continuations[key] = counts
			}
			counts[t]++
		}
	}
}

// Len returns the length of observed stream.
func (idx *NGramIndex) Len() int {
	return len(idx.stream)
}

// Candidates returns continuations of the longest indexed suffix of context followed by branch, most frequent first.
func (idx *NGramIndex) Candidates(context, branch []types.Token, width uint32) ([]Candidate, error) {
	suffix := idx.buildSuffix(context, branch)
	for n := min(uint32(len(suffix)), idx.config.MaxN); n >= idx.config.MinN; n-- {
		counts := idx.continuations[ngramKey(suffix[len(suffix)-int(n):])]
		if len(counts) == 0 {
			continue
		}

		tokens := make([]types.Token, 0, len(counts))
		for t := range counts {
			tokens = append(tokens, t)
		}
		sort.Slice(tokens, func(i, j int) bool {
			if counts[tokens[i]] != counts[tokens[j]] {
				return counts[tokens[i]] > counts[tokens[j]]
			}
			return tokens[i] < tokens[j]
		})
		if uint32(len(tokens)) > width {
			tokens = tokens[:width]
		}

		// Lookup is deterministic, so every proposal is a point mass.
		candidates := make([]Candidate, 0, len(tokens))
		for _, t := range tokens {
			candidates = append(candidates, Candidate{Token: t, Probability: 1})
		}
		return candidates, nil
	}
	return nil, nil
}

func (idx *NGramIndex) buildSuffix(context, branch []types.Token) []types.Token {
	maxN := int(idx.config.MaxN)
	suffix := idx.suffix[:0]
	if len(branch) < maxN {
		fromContext := min(maxN-len(branch), len(context))
		suffix = append(suffix, context[len(context)-fromContext:]...)
		suffix = append(suffix, branch...)
	} else {
		suffix = append(suffix, branch[len(branch)-maxN:]...)
	}
	idx.suffix = suffix
	return suffix
}

func ngramKey(ngram []types.Token) uint64 {
	return xxhash.Sum64(types.TokenBytes(ngram))
}
