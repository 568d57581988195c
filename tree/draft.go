package tree

import (
	"sort"

	"github.com/outofforest/specdec/rng"
	"github.com/outofforest/specdec/sampling"
	"github.com/outofforest/specdec/types"
)

// DraftLogits proposes children from logits produced by the draft model.
type DraftLogits struct {
	// Rows holds one logits row per depth, row d is used to expand every node at depth d.
	Rows [][]float64

	// Lookup, if set, returns logits row for the exact branch, the way tree-structured drafters expand every node
	// separately. Nil result stops the branch.
	Lookup func(branch []types.Token) []float64

	// Params configures the filter chain applied before candidates are taken.
	Params sampling.Parameters
}

// Expand samples the first child from the filtered draft distribution and fills the remaining width with the most
// probable tokens left. The distribution itself is returned so the verifier checks the main branch against the row
// its token was drawn from.
func (d DraftLogits) Expand(
	_, branch []types.Token,
	width uint32,
	src rng.Source,
) ([]Candidate, []float64, rng.Source, error) {
	if width == 0 {
		return nil, nil, src, nil
	}
	probs, err := d.distribution(branch, width)
	if err != nil || probs == nil {
		return nil, nil, src, err
	}

	var u float64
	u, src = src.Float64()
	first, err := sampling.Draw(probs, u)
	if err != nil {
		return nil, nil, src, err
	}

	order := make([]int, 0, len(probs))
	for i, p := range probs {
		if p > 0 && types.Token(i) != first {
			order = append(order, i)
		}
	}
	sort.SliceStable(order, func(i, j int) bool {
		return probs[order[i]] > probs[order[j]]
	})
	if uint32(len(order)) > width-1 {
		order = order[:width-1]
	}

	candidates := make([]Candidate, 0, len(order)+1)
	candidates = append(candidates, Candidate{Token: first, Probability: probs[first]})
	for _, i := range order {
		candidates = append(candidates, Candidate{Token: types.Token(i), Probability: probs[i]})
	}
	return candidates, probs, src, nil
}

func (d DraftLogits) distribution(branch []types.Token, width uint32) ([]float64, error) {
	var row []float64
	switch {
	case d.Lookup != nil:
		row = d.Lookup(branch)
	case len(branch) < len(d.Rows):
		row = d.Rows[len(branch)]
	}
	if row == nil {
		return nil, nil
	}

	params := d.Params
	if params.TopK == 0 || uint32(params.TopK) > width {
		params.TopK = int(width)
	}
	return sampling.Probabilities(row, params, nil)
}
