package sampling

import (
	"math"
	"sort"

	"github.com/pkg/errors"

	"github.com/outofforest/specdec/types"
)

var negInf = math.Inf(-1)

// Apply runs the whole filter chain and returns new logits row. Input row is not modified.
// The order is: penalties, temperature, top-k, top-p, min-p, typical.
func Apply(logits []float64, params Parameters, history TokenCounts) ([]float64, error) {
	if err := Validate(params); err != nil {
		return nil, err
	}

	out := make([]float64, len(logits))
	copy(out, logits)

	if err := ApplyPenalties(out, history, params.RepetitionPenalty, params.FrequencyPenalty,
		params.PresencePenalty); err != nil {
		return nil, err
	}
	if err := Temperature(out, params.Temperature); err != nil {
		return nil, err
	}
	TopK(out, params.TopK)
	TopP(out, params.TopP)
	MinP(out, params.MinP)
	Typical(out, params.TypicalP)

	return out, nil
}

// ApplyPenalties applies repetition, frequency and presence penalties to tokens seen in history.
func ApplyPenalties(logits []float64, history TokenCounts, repetition, frequency, presence float64) error {
	for token, count := range history {
		if count == 0 {
			continue
		}
		if int(token) >= len(logits) {
			return errors.Wrapf(types.ErrIndexOutOfRange, "history token %d outside vocabulary of %d", token,
				len(logits))
		}

		l := logits[token]
		if repetition != 1 {
			if l > 0 {
				l /= repetition
			} else {
				l *= repetition
			}
		}
		l -= float64(count)*frequency + presence
		logits[token] = l
	}
	return nil
}

// Temperature divides every logit by the temperature.
func Temperature(logits []float64, temperature float64) error {
	if math.IsNaN(temperature) || temperature <= 0 {
		return errors.Wrapf(types.ErrInvalidSamplingParameter, "temperature %f must be positive", temperature)
	}
	if temperature == 1 {
		return nil
	}

	t := math.Max(temperature, types.Epsilon)
	for i := range logits {
		logits[i] /= t
	}
	return nil
}

// TopK keeps k largest logits. On ties at the boundary tokens with lower index win.
func TopK(logits []float64, k int) {
	if k <= 0 || k >= len(logits) {
		return
	}

	order := sortedIndices(logits)
	for _, i := range order[k:] {
		logits[i] = negInf
	}
}

// TopP keeps the minimal set of most probable tokens whose cumulative probability exceeds p.
func TopP(logits []float64, p float64) {
	if p >= 1 || len(logits) == 0 {
		return
	}

	probs := Softmax(logits)
	order := sortedIndices(probs)

	var cumulative float64
	cut := len(order)
	for n, i := range order {
		cumulative += probs[i]
		if cumulative > p {
			cut = n + 1
			break
		}
	}
	for _, i := range order[cut:] {
		logits[i] = negInf
	}
}

// MinP masks tokens whose probability is below minP times the probability of the most likely token.
func MinP(logits []float64, minP float64) {
	if minP <= 0 || len(logits) == 0 {
		return
	}

	probs := Softmax(logits)
	var maxP float64
	for _, v := range probs {
		maxP = math.Max(maxP, v)
	}

	threshold := minP * maxP
	for i, v := range probs {
		if v < threshold {
			logits[i] = negInf
		}
	}
}

// Typical keeps the tokens whose surprisal is closest to the entropy of the distribution, until their cumulative
// probability reaches mass.
func Typical(logits []float64, mass float64) {
	if mass >= 1 || len(logits) == 0 {
		return
	}

	probs := Softmax(logits)
	var entropy float64
	for _, v := range probs {
		if v > 0 {
			entropy -= v * math.Log(v)
		}
	}

	deviation := make([]float64, len(probs))
	for i, v := range probs {
		if v > 0 {
			deviation[i] = math.Abs(-math.Log(v) - entropy)
		} else {
			deviation[i] = math.Inf(1)
		}
	}

	order := make([]int, len(probs))
	for i := range order {
		order[i] = i
	}
	sort.SliceStable(order, func(i, j int) bool {
		return deviation[order[i]] < deviation[order[j]]
	})

	var cumulative float64
	cut := len(order)
	for n, i := range order {
		cumulative += probs[i]
		if cumulative >= mass {
			cut = n + 1
			break
		}
	}
	for _, i := range order[cut:] {
		logits[i] = negInf
	}
}

// sortedIndices returns indices ordered by descending value, ties by ascending index.
func sortedIndices(values []float64) []int {
	order := make([]int, len(values))
	for i := range order {
		order[i] = i
	}
	sort.SliceStable(order, func(i, j int) bool {
		return values[order[i]] > values[order[j]]
	})
	return order
}
