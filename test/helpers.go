package test

import (
	"math"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/outofforest/specdec/types"
)

// LogProbs returns logits whose softmax equals the probabilities.
func LogProbs(probs ...float64) []float64 {
	logits := make([]float64, 0, len(probs))
	for _, p := range probs {
		logits = append(logits, math.Log(p))
	}
	return logits
}

// OneHot returns logits putting all the mass on the token.
func OneHot(vocabSize uint32, token types.Token) []float64 {
	logits := make([]float64, vocabSize)
	for i := range logits {
		if types.Token(i) != token {
			logits[i] = math.Inf(-1)
		}
	}
	return logits
}

// Histogram runs sampler n times and returns frequencies of produced tokens.
func Histogram(t *testing.T, vocabSize uint32, n int, sampler func() (types.Token, error)) []float64 {
	histogram := make([]float64, vocabSize)
	for range n {
		token, err := sampler()
		require.NoError(t, err)
		require.Less(t, uint32(token), vocabSize)
		histogram[token]++
	}
	for i := range histogram {
		histogram[i] /= float64(n)
	}
	return histogram
}
