package specdec

import (
	"context"
	"sync"

	"github.com/pkg/errors"

	"github.com/outofforest/specdec/rng"
	"github.com/outofforest/specdec/sampling"
	"github.com/outofforest/specdec/tree"
	"github.com/outofforest/specdec/types"
)

// TargetModel computes target logits for every node of the draft tree. Row i is the distribution of the token
// following the path from the root to node i, the root being the last token of the sequence. It is called
// concurrently for different sequences.
type TargetModel interface {
	Logits(ctx context.Context, id types.SequenceID, tokens []types.Token, t *tree.Tree) ([][]float64, error)
}

// Drafter proposes draft trees. Propose is called concurrently for different sequences, never for the same one.
type Drafter interface {
	// Propose returns draft tree rooted at the last token of the sequence, and optionally one draft distribution per
	// node. If distributions are returned, the first child of every node must be sampled from the distribution of
	// that node using src, the advanced source is returned. Nil distributions mean the proposals are deterministic.
	Propose(ctx context.Context, id types.SequenceID, tokens []types.Token, width, depthLimit uint32,
		src rng.Source) (*tree.Tree, [][]float64, rng.Source, error)

	// Observe reports tokens appended to the sequence.
	Observe(id types.SequenceID, tokens []types.Token)

	// Forget drops state kept for the sequence.
	Forget(id types.SequenceID)
}

// NewNGramDrafter creates drafter proposing continuations seen earlier in the same sequence.
func NewNGramDrafter(config tree.NGramConfig) (*NGramDrafter, error) {
	if _, err := tree.NewNGramIndex(config); err != nil {
		return nil, err
	}
	return &NGramDrafter{
		config:  config,
		indices: map[types.SequenceID]*tree.NGramIndex{},
	}, nil
}

// NGramDrafter keeps one n-gram index per sequence.
type NGramDrafter struct {
	config tree.NGramConfig

	mu      sync.Mutex
	indices map[types.SequenceID]*tree.NGramIndex
}

// Propose proposes tree from the n-gram index of the sequence.
func (d *NGramDrafter) Propose(
	_ context.Context,
	id types.SequenceID,
	tokens []types.Token,
	width, depthLimit uint32,
	src rng.Source,
) (*tree.Tree, [][]float64, rng.Source, error) {
	idx, err := d.index(id)
	if err != nil {
		return nil, nil, src, err
	}
	t, err := tree.Propose(tokens, idx, width, depthLimit)
	return t, nil, src, err
}

// Observe appends tokens to the index of the sequence.
func (d *NGramDrafter) Observe(id types.SequenceID, tokens []types.Token) {
	idx, err := d.index(id)
	if err != nil {
		return
	}
	idx.Append(tokens...)
}

// Forget drops the index of the sequence.
func (d *NGramDrafter) Forget(id types.SequenceID) {
	d.mu.Lock()
	defer d.mu.Unlock()

	delete(d.indices, id)
}

func (d *NGramDrafter) index(id types.SequenceID) (*tree.NGramIndex, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	idx, exists := d.indices[id]
	if !exists {
		var err error
		idx, err = tree.NewNGramIndex(d.config)
		if err != nil {
			return nil, err
		}
		d.indices[id] = idx
	}
	return idx, nil
}

// DraftModel computes draft logits of the token following the branch.
type DraftModel interface {
	Logits(ctx context.Context, id types.SequenceID, tokens, branch []types.Token) ([]float64, error)
}

// NewModelDrafter creates drafter sampling the main branch from the draft model, remaining children of every node
// are the most probable tokens of the draft model.
func NewModelDrafter(model DraftModel, params sampling.Parameters) (*ModelDrafter, error) {
	if err := sampling.Validate(params); err != nil {
		return nil, err
	}
	return &ModelDrafter{
		model:  model,
		params: params,
	}, nil
}

// ModelDrafter proposes trees from draft model logits and reports draft distributions to the verifier.
type ModelDrafter struct {
	model  DraftModel
	params sampling.Parameters
}

// Propose proposes tree from the draft model. The model is queried once for every expanded node.
func (d *ModelDrafter) Propose(
	ctx context.Context,
	id types.SequenceID,
	tokens []types.Token,
	width, depthLimit uint32,
	src rng.Source,
) (*tree.Tree, [][]float64, rng.Source, error) {
	var modelErr error
	source := tree.DraftLogits{
		Params: d.params,
		Lookup: func(branch []types.Token) []float64 {
			if modelErr != nil {
				return nil
			}
			var row []float64
			row, modelErr = d.model.Logits(ctx, id, tokens, branch)
			return row
		},
	}

	t, distributions, src, err := tree.ProposeSampled(tokens, source, width, depthLimit, src)
	if err != nil {
		return nil, nil, src, err
	}
	if modelErr != nil {
		return nil, nil, src, errors.WithStack(modelErr)
	}
	return t, distributions, src, nil
}

// Observe does nothing, draft model sees the whole sequence on every call.
func (d *ModelDrafter) Observe(types.SequenceID, []types.Token) {}

// Forget does nothing.
func (d *ModelDrafter) Forget(types.SequenceID) {}
