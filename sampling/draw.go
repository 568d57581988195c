package sampling

import (
	"math"

	"github.com/pkg/errors"

	"github.com/outofforest/specdec/types"
)

// Softmax converts logits to probabilities. Maximum logit is subtracted before exponentiation. Row containing only
// masked logits produces zeros.
func Softmax(logits []float64) []float64 {
	probs := make([]float64, len(logits))

	maxLogit := math.Inf(-1)
	for _, l := range logits {
		if l > maxLogit {
			maxLogit = l
		}
	}
	if math.IsInf(maxLogit, -1) {
		return probs
	}

	var sum float64
	for i, l := range logits {
		if math.IsInf(l, -1) {
			continue
		}
		probs[i] = math.Exp(l - maxLogit)
		sum += probs[i]
	}
	for i := range probs {
		probs[i] /= sum
	}
	return probs
}

// Probabilities runs the filter chain and converts the result to probabilities.
func Probabilities(logits []float64, params Parameters, history TokenCounts) ([]float64, error) {
	filtered, err := Apply(logits, params, history)
	if err != nil {
		return nil, err
	}
	return Softmax(filtered), nil
}

// Draw samples token from the probabilities using uniform value u from [0, 1) supplied by the caller.
// Probabilities are accumulated from the highest token index down and the first token whose cumulative mass
// exceeds u is returned.
// Row doesn't need to be normalized.
func Draw(probs []float64, u float64) (types.Token, error) {
	if math.IsNaN(u) || u < 0 || u >= 1 {
		return 0, errors.Wrapf(types.ErrInvalidSamplingParameter, "uniform draw %f must be in [0, 1)", u)
	}

	var total float64
	for i, p := range probs {
		if math.IsNaN(p) || p < 0 {
			return 0, errors.Wrapf(types.ErrShapeMismatch, "probability %f of token %d is invalid", p, i)
		}
		total += p
	}
	if total <= 0 || math.IsInf(total, 1) {
		return 0, errors.Wrapf(types.ErrShapeMismatch, "distribution over %d tokens has no mass", len(probs))
	}

	threshold := u * total
	var cumulative float64
	last := -1
	for i := len(probs) - 1; i >= 0; i-- {
		p := probs[i]
		if p == 0 {
			continue
		}
		cumulative += p
		last = i
		if cumulative > threshold {
			return types.Token(i), nil
		}
	}

	// Rounding might leave cumulative slightly below threshold.
	return types.Token(last), nil
}

// Sample applies the filter chain to logits and draws token.
func Sample(logits []float64, params Parameters, history TokenCounts, u float64) (types.Token, error) {
	probs, err := Probabilities(logits, params, history)
	if err != nil {
		return 0, err
	}
	return Draw(probs, u)
}

// Greedy returns the most probable token, lowest index on ties.
func Greedy(probs []float64) types.Token {
	var best int
	for i, p := range probs {
		if p > probs[best] {
			best = i
		}
	}
	return types.Token(best)
}
