package rng

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSourceIsReplayable(t *testing.T) {
	requireT := require.New(t)

	src := New(42)

	v1, next := src.Float64()
	v2, _ := next.Float64()
	requireT.NotEqual(v1, v2)

	w1, again := src.Float64()
	w2, _ := again.Float64()
	requireT.Equal(v1, w1)
	requireT.Equal(v2, w2)
}

func TestFloat64Range(t *testing.T) {
	requireT := require.New(t)

	src := New(7)
	var sum float64
	const n = 100_000
	for range n {
		var v float64
		v, src = src.Float64()
		requireT.GreaterOrEqual(v, 0.0)
		requireT.Less(v, 1.0)
		sum += v
	}
	requireT.InDelta(0.5, sum/n, 0.01)
}

func TestSplitStreamsDiffer(t *testing.T) {
	requireT := require.New(t)

	src := New(1)
	a, _ := src.Split(0).Uint64()
	b, _ := src.Split(1).Uint64()
	c, _ := src.Split(0).Uint64()

	requireT.NotEqual(a, b)
	requireT.Equal(a, c)
	requireT.Equal(New(1), src)
}
