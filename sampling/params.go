package sampling

import (
	"math"

	"github.com/pkg/errors"

	"github.com/outofforest/specdec/types"
)

// Parameters configures the filter chain applied to logits row before drawing token.
type Parameters struct {
	Temperature       float64 `yaml:"temperature"`
	TopK              int     `yaml:"top_k"`
	TopP              float64 `yaml:"top_p"`
	MinP              float64 `yaml:"min_p"`
	TypicalP          float64 `yaml:"typical_p"`
	RepetitionPenalty float64 `yaml:"repetition_penalty"`
	FrequencyPenalty  float64 `yaml:"frequency_penalty"`
	PresencePenalty   float64 `yaml:"presence_penalty"`
}

// DefaultParameters returns parameters leaving the distribution untouched.
func DefaultParameters() Parameters {
	return Parameters{
		Temperature:       1,
		TopP:              1,
		TypicalP:          1,
		RepetitionPenalty: 1,
	}
}

// TokenCounts counts occurrences of tokens in the history of the sequence.
type TokenCounts map[types.Token]uint32

// Count builds token counts from the token list.
func Count(tokens []types.Token) TokenCounts {
	counts := TokenCounts{}
	for _, t := range tokens {
		counts[t]++
	}
	return counts
}

// Clone returns independent copy of counts.
func (tc TokenCounts) Clone() TokenCounts {
	counts := make(TokenCounts, len(tc)+1)
	for t, c := range tc {
		counts[t] = c
	}
	return counts
}

// Validate verifies that parameters are in their domains.
func Validate(params Parameters) error {
	switch {
	case math.IsNaN(params.Temperature) || params.Temperature <= 0:
		return errors.Wrapf(types.ErrInvalidSamplingParameter, "temperature %f must be positive", params.Temperature)
	case params.TopK < 0:
		return errors.Wrapf(types.ErrInvalidSamplingParameter, "top-k %d must not be negative", params.TopK)
	case math.IsNaN(params.TopP) || params.TopP <= 0 || params.TopP > 1:
		return errors.Wrapf(types.ErrInvalidSamplingParameter, "top-p %f must be in (0, 1]", params.TopP)
	case math.IsNaN(params.MinP) || params.MinP < 0 || params.MinP > 1:
		return errors.Wrapf(types.ErrInvalidSamplingParameter, "min-p %f must be in [0, 1]", params.MinP)
	case math.IsNaN(params.TypicalP) || params.TypicalP <= 0 || params.TypicalP > 1:
		return errors.Wrapf(types.ErrInvalidSamplingParameter, "typical-p %f must be in (0, 1]", params.TypicalP)
	case math.IsNaN(params.RepetitionPenalty) || params.RepetitionPenalty <= 0:
		return errors.Wrapf(types.ErrInvalidSamplingParameter, "repetition penalty %f must be positive",
			params.RepetitionPenalty)
	case math.IsNaN(params.FrequencyPenalty) || math.IsNaN(params.PresencePenalty):
		return errors.Wrap(types.ErrInvalidSamplingParameter, "penalties must be numbers")
	}
	return nil
}
