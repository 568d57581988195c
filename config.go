package specdec

import (
	"runtime"

	"github.com/pkg/errors"

	"github.com/outofforest/specdec/sampling"
	"github.com/outofforest/specdec/tree"
	"github.com/outofforest/specdec/types"
)

// Config stores configuration of the decoder.
type Config struct {
	VocabSize uint32 `yaml:"vocab_size"`

	// Width is the maximum number of children of every draft node, DepthLimit is the maximum number of draft tokens
	// on one branch.
	Width      uint32 `yaml:"width"`
	DepthLimit uint32 `yaml:"depth_limit"`

	BlockSize           uint32 `yaml:"block_size"`
	NumPages            uint32 `yaml:"num_pages"`
	EnablePrefixCaching bool   `yaml:"enable_prefix_caching"`

	// Workers is the number of goroutines proposing and verifying sequences.
	Workers int `yaml:"workers"`

	// Seed initializes random sources, sequence i uses the stream i of the seed.
	Seed uint64 `yaml:"seed"`

	Params sampling.Parameters `yaml:"sampling"`
	NGram  tree.NGramConfig    `yaml:"ngram"`
}

// DefaultConfig returns the default decoder configuration.
func DefaultConfig() Config {
	return Config{
		VocabSize:           32000,
		Width:               2,
		DepthLimit:          4,
		BlockSize:           16,
		NumPages:            1024,
		EnablePrefixCaching: true,
		Workers:             runtime.NumCPU(),
		Params:              sampling.DefaultParameters(),
		NGram:               tree.DefaultNGramConfig(),
	}
}

// Validate verifies the configuration.
func (c Config) Validate() error {
	switch {
	case c.VocabSize == 0:
		return errors.Wrap(types.ErrShapeMismatch, "vocabulary size must be positive")
	case c.BlockSize == 0:
		return errors.Wrap(types.ErrShapeMismatch, "block size must be positive")
	case c.NumPages == 0:
		return errors.Wrap(types.ErrShapeMismatch, "number of pages must be positive")
	case c.Width == 0 && c.DepthLimit > 0:
		return errors.Wrap(types.ErrShapeMismatch, "width must be positive when drafting")
	case c.Workers < 0:
		return errors.Errorf("number of workers %d must not be negative", c.Workers)
	}
	return sampling.Validate(c.Params)
}
