package verify

import (
	"fmt"
	"math"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"

	"github.com/outofforest/specdec/rng"
	"github.com/outofforest/specdec/sampling"
	"github.com/outofforest/specdec/test"
	"github.com/outofforest/specdec/tree"
	"github.com/outofforest/specdec/types"
)

func newEngine(t *testing.T, vocabSize uint32) *Engine {
	engine, err := New(Config{
		VocabSize: vocabSize,
		Params:    sampling.DefaultParameters(),
	})
	require.NoError(t, err)
	return engine
}

func parse(t *testing.T, tokens []types.Token, parents []types.NodeIndex, probs []float64) *tree.Tree {
	tr, err := tree.Parse(tokens, parents, probs)
	require.NoError(t, err)
	return tr
}

// firstDraw returns the first uniform value produced by the seed.
func firstDraw(seed uint64) float64 {
	r, _ := rng.New(seed).Float64()
	return r
}

func TestNew(t *testing.T) {
	requireT := require.New(t)

	_, err := New(Config{VocabSize: 0, Params: sampling.DefaultParameters()})
	requireT.ErrorIs(err, types.ErrShapeMismatch)

	_, err = New(Config{VocabSize: 10})
	requireT.ErrorIs(err, types.ErrInvalidSamplingParameter)
}

func TestAcceptProbability(t *testing.T) {
	requireT := require.New(t)

	// Equal probabilities are always accepted.
	requireT.Equal(1.0, AcceptProbability(0.3, 0.3))
	requireT.True(Accept(0.3, 0.3, 0.29))

	requireT.InDelta(0.2, AcceptProbability(0.1, 0.5), 1e-12)
	requireT.False(Accept(0.1, 0.5, 0.5))
	requireT.True(Accept(0.1, 0.5, 0.19))

	// Ties reject.
	requireT.False(Accept(0.25, 0.5, 0.5))

	// Draft probability is floored.
	requireT.Equal(1.0, AcceptProbability(0.1, 0))
	requireT.Equal(0.0, AcceptProbability(0, 0))
}

func TestResidual(t *testing.T) {
	requireT := require.New(t)

	residual, err := Residual([]float64{0.1, 0.6, 0.3}, []float64{0.5, 0.2, 0.3})
	requireT.NoError(err)
	requireT.InDeltaSlice([]float64{0, 1, 0}, residual, 1e-12)

	residual, err = Residual([]float64{0.5, 0.5, 0}, []float64{0.25, 0.25, 0.5})
	requireT.NoError(err)
	requireT.InDeltaSlice([]float64{0.5, 0.5, 0}, residual, 1e-12)

	residual, err = Residual([]float64{0.5, 0.5}, []float64{0.5, 0.5})
	requireT.NoError(err)
	requireT.Equal([]float64{0.5, 0.5}, residual)

	_, err = Residual([]float64{0.5, 0.5}, []float64{1})
	requireT.ErrorIs(err, types.ErrShapeMismatch)
}

func TestEqualProbabilitiesAreAccepted(t *testing.T) {
	requireT := require.New(t)

	engine := newEngine(t, 3)
	tr := parse(t, []types.Token{0, 1}, []types.NodeIndex{-1, 0}, []float64{1, 0.3})
	in := Input{
		Tree:         tr,
		TargetLogits: [][]float64{test.LogProbs(0.4, 0.3, 0.3), nil},
		DraftProbs:   [][]float64{{0.4, 0.3, 0.3}, nil},
	}

	for seed := range uint64(50) {
		record, _, err := engine.Verify(in, rng.New(seed))
		requireT.NoError(err)
		requireT.Equal([]types.NodeIndex{1}, record.AcceptedNodes)
		requireT.Equal([]types.Token{1}, record.AcceptedTokens)
		requireT.False(record.HasBonus)
	}
}

func TestRejectionResamplesResidual(t *testing.T) {
	requireT := require.New(t)

	engine := newEngine(t, 3)
	tr := parse(t, []types.Token{2, 0}, []types.NodeIndex{-1, 0}, []float64{1, 0.5})
	in := Input{
		Tree:         tr,
		TargetLogits: [][]float64{test.LogProbs(0.1, 0.6, 0.3), nil},
		DraftProbs:   [][]float64{{0.5, 0.2, 0.3}, nil},
	}

	var accepted, rejected int
	for seed := range uint64(500) {
		r := firstDraw(seed)
		if math.Abs(r-0.2) < 1e-9 {
			continue
		}

		record, _, err := engine.Verify(in, rng.New(seed))
		requireT.NoError(err)
		requireT.EqualValues(1, record.Proposed)

		if r < 0.2 {
			accepted++
			requireT.Equal([]types.NodeIndex{1}, record.AcceptedNodes)
			requireT.False(record.HasBonus)
			requireT.Equal([]types.Token{0}, record.Tokens())
			continue
		}

		// Residual is [0, 1, 0], so the replacement is always token 1.
		rejected++
		requireT.Empty(record.AcceptedNodes)
		requireT.Empty(record.AcceptedTokens)
		requireT.True(record.HasBonus)
		requireT.EqualValues(1, record.BonusToken)
		requireT.Equal([]types.Token{1}, record.Tokens())
		requireT.Equal(0.0, record.AcceptanceRate)
		requireT.Equal(1.0, record.SpeedupFactor)
	}
	requireT.Positive(accepted)
	requireT.Positive(rejected)
}

func TestFullAcceptanceProducesBonus(t *testing.T) {
	requireT := require.New(t)

	const vocabSize = 5
	engine := newEngine(t, vocabSize)

	// Root has two children, verification follows the first one only.
	tr := parse(t,
		[]types.Token{0, 1, 4, 2, 3},
		[]types.NodeIndex{-1, 0, 0, 1, 3},
		[]float64{1, 0.9, 0.1, 0.8, 0.7},
	)
	in := Input{
		Tree: tr,
		TargetLogits: [][]float64{
			test.OneHot(vocabSize, 1),
			test.OneHot(vocabSize, 2),
			nil,
			test.OneHot(vocabSize, 3),
			test.OneHot(vocabSize, 4),
		},
	}

	record, src, err := engine.Verify(in, rng.New(1))
	requireT.NoError(err)
	requireT.NotEqual(rng.New(1), src)
	requireT.Equal([]types.NodeIndex{1, 3, 4}, record.AcceptedNodes)
	requireT.Equal([]types.Token{1, 2, 3}, record.AcceptedTokens)
	requireT.True(record.HasBonus)
	requireT.EqualValues(4, record.BonusToken)
	requireT.Equal([]types.Token{1, 2, 3, 4}, record.Tokens())
	requireT.EqualValues(3, record.Proposed)
	requireT.Equal(1.0, record.AcceptanceRate)
	requireT.Equal(3.0, record.AvgAcceptedLength)
	requireT.Equal(4.0, record.SpeedupFactor)

	// Without target row past the tree no bonus is produced.
	in.TargetLogits[4] = nil
	record, _, err = engine.Verify(in, rng.New(1))
	requireT.NoError(err)
	requireT.Equal([]types.Token{1, 2, 3}, record.Tokens())
	requireT.False(record.HasBonus)
}

func TestWalkStopsAtFirstRejection(t *testing.T) {
	requireT := require.New(t)

	const vocabSize = 4
	engine := newEngine(t, vocabSize)

	tr := parse(t,
		[]types.Token{0, 1, 2, 3},
		[]types.NodeIndex{-1, 0, 1, 2},
		nil,
	)
	in := Input{
		Tree: tr,
		TargetLogits: [][]float64{
			test.OneHot(vocabSize, 1),
			test.LogProbs(0.5, 0, 0, 0.5),
			// Malformed row past the rejection must never be evaluated.
			{math.NaN(), math.NaN(), math.NaN(), math.NaN()},
			nil,
		},
	}

	for seed := range uint64(20) {
		record, _, err := engine.Verify(in, rng.New(seed))
		requireT.NoError(err)
		requireT.Equal([]types.NodeIndex{1}, record.AcceptedNodes)
		requireT.True(record.HasBonus)
		requireT.Contains([]types.Token{0, 3}, record.BonusToken)
		requireT.EqualValues(3, record.Proposed)
		requireT.InDelta(1.0/3, record.AcceptanceRate, 1e-12)
	}
}

func TestRootOnlyTree(t *testing.T) {
	requireT := require.New(t)

	engine := newEngine(t, 3)
	tr := parse(t, []types.Token{2}, []types.NodeIndex{-1}, nil)

	record, _, err := engine.Verify(Input{
		Tree:         tr,
		TargetLogits: [][]float64{test.OneHot(3, 1)},
	}, rng.New(0))
	requireT.NoError(err)
	requireT.Empty(record.AcceptedNodes)
	requireT.Equal([]types.Token{1}, record.Tokens())
	requireT.EqualValues(0, record.Proposed)
	requireT.Equal(1.0, record.SpeedupFactor)
}

func TestPenaltiesFollowHistory(t *testing.T) {
	requireT := require.New(t)

	params := sampling.DefaultParameters()
	params.PresencePenalty = 100
	engine, err := New(Config{VocabSize: 3, Params: params})
	requireT.NoError(err)

	tr := parse(t, []types.Token{0, 1}, []types.NodeIndex{-1, 0}, nil)
	in := Input{
		Tree:         tr,
		TargetLogits: [][]float64{{0, 0, 0}, nil},
		History:      sampling.TokenCounts{1: 1},
	}
	for seed := range uint64(20) {
		record, _, err := engine.Verify(in, rng.New(seed))
		requireT.NoError(err)
		requireT.Empty(record.AcceptedNodes)
		requireT.Contains([]types.Token{0, 2}, record.BonusToken)
	}
	requireT.Equal(sampling.TokenCounts{1: 1}, in.History)
}

func TestShapeErrors(t *testing.T) {
	requireT := require.New(t)

	tr := parse(t, []types.Token{0, 5}, []types.NodeIndex{-1, 0}, []float64{1, 0.4})

	// Token 5 is outside the vocabulary of 3.
	_, src, err := newEngine(t, 3).Verify(Input{
		Tree:         tr,
		TargetLogits: [][]float64{test.LogProbs(0.4, 0.3, 0.3), nil},
		DraftProbs:   [][]float64{{0.4, 0.3, 0.3}, nil},
	}, rng.New(9))
	requireT.ErrorIs(err, types.ErrIndexOutOfRange)
	requireT.Equal(rng.New(9), src)

	engine := newEngine(t, 8)
	target := test.LogProbs(0.1, 0.1, 0.1, 0.1, 0.1, 0.3, 0.1, 0.1)

	// Draft row covers 3 tokens only.
	_, _, err = engine.Verify(Input{
		Tree:         tr,
		TargetLogits: [][]float64{target, nil},
		DraftProbs:   [][]float64{{0.4, 0.3, 0.3}, nil},
	}, rng.New(9))
	requireT.ErrorIs(err, types.ErrShapeMismatch)

	// Target row shorter than vocabulary.
	_, _, err = engine.Verify(Input{
		Tree:         tr,
		TargetLogits: [][]float64{target[:5], nil},
	}, rng.New(9))
	requireT.ErrorIs(err, types.ErrShapeMismatch)

	// Missing target rows.
	_, _, err = engine.Verify(Input{
		Tree:         tr,
		TargetLogits: [][]float64{target},
	}, rng.New(9))
	requireT.ErrorIs(err, types.ErrShapeMismatch)

	// Missing draft rows.
	_, _, err = engine.Verify(Input{
		Tree:         tr,
		TargetLogits: [][]float64{target, nil},
		DraftProbs:   [][]float64{nil},
	}, rng.New(9))
	requireT.ErrorIs(err, types.ErrShapeMismatch)

	// Node with children must have target row.
	_, _, err = engine.Verify(Input{
		Tree:         tr,
		TargetLogits: [][]float64{nil, target},
	}, rng.New(9))
	requireT.ErrorIs(err, types.ErrShapeMismatch)

	_, _, err = engine.Verify(Input{}, rng.New(9))
	requireT.ErrorIs(err, types.ErrShapeMismatch)
}

func TestVerificationIsReplayable(t *testing.T) {
	requireT := require.New(t)

	engine := newEngine(t, 4)
	tr := parse(t, []types.Token{0, 1, 2}, []types.NodeIndex{-1, 0, 1}, []float64{1, 0.5, 0.5})
	in := Input{
		Tree: tr,
		TargetLogits: [][]float64{
			test.LogProbs(0.25, 0.25, 0.25, 0.25),
			test.LogProbs(0.25, 0.25, 0.25, 0.25),
			test.LogProbs(0.25, 0.25, 0.25, 0.25),
		},
		DraftProbs: [][]float64{
			{0.1, 0.5, 0.2, 0.2},
			{0.1, 0.2, 0.5, 0.2},
			nil,
		},
	}

	src := rng.New(77)
	for range 100 {
		record1, next1, err := engine.Verify(in, src)
		requireT.NoError(err)
		record2, next2, err := engine.Verify(in, src)
		requireT.NoError(err)
		requireT.Equal(record1, record2)
		requireT.Equal(next1, next2)
		src = next1
	}
}

// Running the accept/recover procedure many times must reproduce the target distribution exactly.
func TestOutputDistributionEqualsTarget(t *testing.T) {
	requireT := require.New(t)

	const (
		vocabSize = 4
		n         = 200_000
	)

	q := []float64{0.4, 0.3, 0.2, 0.1}
	p := []float64{0.1, 0.2, 0.3, 0.4}
	engine := newEngine(t, vocabSize)
	src := rng.New(2024)

	histogram := test.Histogram(t, vocabSize, n, func() (types.Token, error) {
		var u float64
		u, src = src.Float64()
		proposal, err := sampling.Draw(q, u)
		if err != nil {
			return 0, err
		}

		tr, err := tree.Parse(
			[]types.Token{0, proposal},
			[]types.NodeIndex{-1, 0},
			[]float64{1, q[proposal]},
		)
		if err != nil {
			return 0, err
		}

		var record AcceptanceRecord
		record, src, err = engine.Verify(Input{
			Tree:         tr,
			TargetLogits: [][]float64{test.LogProbs(p...), nil},
			DraftProbs:   [][]float64{q, nil},
		}, src)
		if err != nil {
			return 0, err
		}
		return record.Tokens()[0], nil
	})

	for i := range p {
		requireT.InDelta(p[i], histogram[i], 0.005)
	}
}

// Deterministic proposals without draft rows must keep the target distribution too.
func TestPointMassProposalKeepsTargetDistribution(t *testing.T) {
	requireT := require.New(t)

	const (
		vocabSize = 3
		n         = 200_000
	)

	p := []float64{0.5, 0.2, 0.3}
	engine := newEngine(t, vocabSize)
	tr := parse(t, []types.Token{0, 2}, []types.NodeIndex{-1, 0}, nil)
	in := Input{
		Tree:         tr,
		TargetLogits: [][]float64{test.LogProbs(p...), nil},
	}

	src := rng.New(5)
	histogram := test.Histogram(t, vocabSize, n, func() (types.Token, error) {
		var record AcceptanceRecord
		var err error
		record, src, err = engine.Verify(in, src)
		if err != nil {
			return 0, err
		}
		return record.Tokens()[0], nil
	})

	for i := range p {
		requireT.InDelta(p[i], histogram[i], 0.005)
	}
}

// Trees proposed from the draft model keep the target distribution at every width.
func TestDraftModelProposalKeepsTargetDistribution(t *testing.T) {
	const (
		vocabSize = 3
		n         = 200_000
	)

	p := []float64{0.5, 0.25, 0.25}
	source := tree.DraftLogits{
		Rows:   [][]float64{test.LogProbs(0.6, 0.3, 0.1)},
		Params: sampling.DefaultParameters(),
	}

	for _, width := range []uint32{1, 2, 3} {
		t.Run(fmt.Sprintf("width-%d", width), func(t *testing.T) {
			requireT := require.New(t)

			engine := newEngine(t, vocabSize)
			src := rng.New(uint64(width))
			histogram := test.Histogram(t, vocabSize, n, func() (types.Token, error) {
				tr, rows, next, err := tree.ProposeSampled([]types.Token{0}, source, width, 1, src)
				if err != nil {
					return 0, err
				}
				if uint32(len(tr.Children(tree.Root))) != width {
					return 0, errors.Errorf("%d children proposed", len(tr.Children(tree.Root)))
				}

				targetLogits := make([][]float64, tr.Len())
				targetLogits[tree.Root] = test.LogProbs(p...)

				var record AcceptanceRecord
				record, src, err = engine.Verify(Input{
					Tree:         tr,
					TargetLogits: targetLogits,
					DraftProbs:   rows,
				}, next)
				if err != nil {
					return 0, err
				}
				return record.Tokens()[0], nil
			})

			for i := range p {
				requireT.InDelta(p[i], histogram[i], 0.005)
			}
		})
	}
}
