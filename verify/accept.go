package verify

import (
	"math"

	"github.com/pkg/errors"

	"github.com/outofforest/specdec/types"
)

// AcceptProbability returns min(1, pTarget / max(pDraft, epsilon)).
func AcceptProbability(pTarget, pDraft float64) float64 {
	return math.Min(1, pTarget/math.Max(pDraft, types.Epsilon))
}

// Accept tells if the proposal is accepted for uniform draw r. Comparison is strict so ties reject.
func Accept(pTarget, pDraft, r float64) bool {
	return r < AcceptProbability(pTarget, pDraft)
}

// Residual returns normalized max(0, target - draft). If the residual has no mass, which is possible only when both
// distributions are equal and rejection can't happen, target is returned.
func Residual(target, draft []float64) ([]float64, error) {
	if len(target) != len(draft) {
		return nil, errors.Wrapf(types.ErrShapeMismatch, "target has %d entries, draft has %d", len(target),
			len(draft))
	}

	residual := make([]float64, len(target))
	var mass float64
	for i := range target {
		if d := target[i] - draft[i]; d > 0 {
			residual[i] = d
			mass += d
		}
	}

	if mass <= 0 {
		copy(residual, target)
		return residual, nil
	}
	for i := range residual {
		residual[i] /= mass
	}
	return residual, nil
}

// pointMass returns draft distribution of proposal that has no full draft row: the whole known mass sits on the
// proposed token.
func pointMass(vocabSize uint32, token types.Token, p float64) []float64 {
	draft := make([]float64, vocabSize)
	draft[token] = p
	return draft
}
