package tree

import (
	"github.com/pkg/errors"

	"github.com/outofforest/specdec/rng"
	"github.com/outofforest/specdec/types"
)

// Candidate is the proposed continuation together with its draft probability.
type Candidate struct {
	Token       types.Token
	Probability float64
}

// CandidateSource proposes continuations of the branch. Context is the confirmed sequence, its last token is the
// root of the tree, branch holds tokens proposed below the root so far.
type CandidateSource interface {
	Candidates(context, branch []types.Token, width uint32) ([]Candidate, error)
}

// DistributionSource proposes continuations drawn from a full draft distribution. Expand returns the candidates
// together with the distribution they were taken from. The first candidate must be sampled from that distribution
// using src, verification builds residual distributions from it.
type DistributionSource interface {
	Expand(context, branch []types.Token, width uint32, src rng.Source) ([]Candidate, []float64, rng.Source, error)
}

// Propose expands the tree breadth-first, adding up to width children to every surviving branch until depthLimit is
// reached. Branch without candidates stops growing. Tree containing only the root means that ordinary decoding should
// be used.
func Propose(context []types.Token, source CandidateSource, width, depthLimit uint32) (*Tree, error) {
	t, _, err := grow(context, width, depthLimit, func(branch []types.Token) ([]Candidate, []float64, error) {
		candidates, err := source.Candidates(context, branch, width)
		return candidates, nil, err
	})
	return t, err
}

// ProposeSampled expands the tree the way Propose does, drawing randomness from src. It returns the draft
// distribution of every expanded node, indexed by node, nil for leaves. Every node is expanded exactly once.
func ProposeSampled(
	context []types.Token,
	source DistributionSource,
	width, depthLimit uint32,
	src rng.Source,
) (*Tree, [][]float64, rng.Source, error) {
	t, rows, err := grow(context, width, depthLimit, func(branch []types.Token) ([]Candidate, []float64, error) {
		var candidates []Candidate
		var row []float64
		var err error
		candidates, row, src, err = source.Expand(context, branch, width, src)
		return candidates, row, err
	})
	if err != nil {
		return nil, nil, src, err
	}
	return t, rows, src, nil
}

func grow(
	context []types.Token,
	width, depthLimit uint32,
	expand func(branch []types.Token) ([]Candidate, []float64, error),
) (*Tree, [][]float64, error) {
	if len(context) == 0 {
		return nil, nil, errors.Wrap(types.ErrIndexOutOfRange, "context is empty")
	}

	b := NewBuilder(context[len(context)-1], width, depthLimit)
	rows := [][]float64{nil}
	if width == 0 {
		return b.Build(), rows, nil
	}

	frontier := []types.NodeIndex{Root}
	for depth := uint32(0); depth < depthLimit && len(frontier) > 0; depth++ {
		var next []types.NodeIndex
		for _, parent := range frontier {
			candidates, row, err := expand(b.Path(parent))
			if err != nil {
				return nil, nil, err
			}
			rows[parent] = row

			var added uint32
			for _, c := range candidates {
				if added == width {
					break
				}
				index, err := b.Add(parent, c.Token, c.Probability)
				if err != nil {
					if errors.Is(err, ErrDuplicateBranch) {
						continue
					}
					return nil, nil, err
				}
				rows = append(rows, nil)
				added++
				next = append(next, index)
			}
		}
		frontier = next
	}

	return b.Build(), rows, nil
}
