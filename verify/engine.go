package verify

import (
	"github.com/pkg/errors"

	"github.com/outofforest/specdec/rng"
	"github.com/outofforest/specdec/sampling"
	"github.com/outofforest/specdec/tree"
	"github.com/outofforest/specdec/types"
)

// Config stores configuration of verification engine.
type Config struct {
	VocabSize uint32              `yaml:"vocab_size"`
	Params    sampling.Parameters `yaml:"sampling"`
}

// New creates verification engine.
func New(config Config) (*Engine, error) {
	if config.VocabSize == 0 {
		return nil, errors.Wrap(types.ErrShapeMismatch, "vocabulary size must be positive")
	}
	if err := sampling.Validate(config.Params); err != nil {
		return nil, err
	}
	return &Engine{config: config}, nil
}

// Engine verifies draft trees against target model distributions using rejection sampling. Engine holds no mutable
// state, so one instance may verify many sequences concurrently.
type Engine struct {
	config Config
}

// Input carries everything needed to verify the draft tree of one sequence.
type Input struct {
	Tree *tree.Tree

	// TargetLogits[i] is the target logits row for the token following node i. Rows of leaves may be nil, then no
	// bonus token is produced after accepting them.
	TargetLogits [][]float64

	// DraftProbs[i] is the draft distribution children of node i were drawn from. It may be empty, or contain nil
	// rows, if proposals carry only their own probability.
	DraftProbs [][]float64

	// History counts tokens of the confirmed sequence, used by penalties.
	History sampling.TokenCounts
}

// VocabSize returns the vocabulary size.
func (e *Engine) VocabSize() uint32 {
	return e.config.VocabSize
}

// Params returns sampling parameters of the target distribution.
func (e *Engine) Params() sampling.Parameters {
	return e.config.Params
}

// Verify walks the main branch of the tree. Every node is accepted with probability
// min(1, P_target / P_draft). After the first rejection replacement token is drawn from the residual distribution and
// the walk stops. If the whole branch is accepted, bonus token is drawn from the target distribution following the
// last node. Advanced random source is returned. On error the source is returned untouched.
func (e *Engine) Verify(in Input, src rng.Source) (AcceptanceRecord, rng.Source, error) {
	if err := e.validate(in); err != nil {
		return AcceptanceRecord{}, src, err
	}

	next := src
	t := in.Tree
	history := in.History.Clone()
	record := AcceptanceRecord{
		Proposed: uint64(len(t.MainBranch())),
	}

	current := tree.Root
	for {
		child := t.FirstChild(current)
		row := in.TargetLogits[current]

		if child < 0 {
			if row == nil {
				break
			}
			target, err := sampling.Probabilities(row, e.config.Params, history)
			if err != nil {
				return AcceptanceRecord{}, src, err
			}

			var u float64
			u, next = next.Float64()
			if record.BonusToken, err = sampling.Draw(target, u); err != nil {
				return AcceptanceRecord{}, src, err
			}
			record.HasBonus = true
			break
		}

		if row == nil {
			return AcceptanceRecord{}, src, errors.Wrapf(types.ErrShapeMismatch,
				"node %d has children but no target row", current)
		}
		target, err := sampling.Probabilities(row, e.config.Params, history)
		if err != nil {
			return AcceptanceRecord{}, src, err
		}

		node := t.Node(child)
		var r float64
		r, next = next.Float64()
		if Accept(target[node.Token], node.DraftProbability, r) {
			record.AcceptedNodes = append(record.AcceptedNodes, child)
			history[node.Token]++
			current = child
			continue
		}

		draft := e.draftRow(in, current, node)
		residual, err := Residual(target, draft)
		if err != nil {
			return AcceptanceRecord{}, src, err
		}

		var u float64
		u, next = next.Float64()
		if record.BonusToken, err = sampling.Draw(residual, u); err != nil {
			return AcceptanceRecord{}, src, err
		}
		record.HasBonus = true
		break
	}

	tokens, err := tree.ExtractAcceptedPath(t, record.AcceptedNodes)
	if err != nil {
		return AcceptanceRecord{}, src, err
	}
	record.AcceptedTokens = tokens
	record.Stats = SpeculationStats(record.Proposed, uint64(len(record.AcceptedNodes)), 1)

	return record, next, nil
}

func (e *Engine) draftRow(in Input, parent types.NodeIndex, node tree.Node) []float64 {
	if len(in.DraftProbs) > 0 && in.DraftProbs[parent] != nil {
		return in.DraftProbs[parent]
	}
	return pointMass(e.config.VocabSize, node.Token, node.DraftProbability)
}

func (e *Engine) validate(in Input) error {
	if in.Tree == nil {
		return errors.Wrap(types.ErrShapeMismatch, "tree is missing")
	}
	if err := in.Tree.Validate(e.config.VocabSize); err != nil {
		return err
	}

	vocabSize := int(e.config.VocabSize)
	if len(in.TargetLogits) != in.Tree.Len() {
		return errors.Wrapf(types.ErrShapeMismatch, "%d target rows for %d nodes", len(in.TargetLogits),
			in.Tree.Len())
	}
	for i, row := range in.TargetLogits {
		if row != nil && len(row) != vocabSize {
			return errors.Wrapf(types.ErrShapeMismatch, "target row %d has %d entries, vocabulary is %d", i,
				len(row), vocabSize)
		}
	}

	if len(in.DraftProbs) == 0 {
		return nil
	}
	if len(in.DraftProbs) != in.Tree.Len() {
		return errors.Wrapf(types.ErrShapeMismatch, "%d draft rows for %d nodes", len(in.DraftProbs), in.Tree.Len())
	}
	for i, row := range in.DraftProbs {
		if row == nil {
			continue
		}
		if len(row) != vocabSize {
			return errors.Wrapf(types.ErrShapeMismatch, "draft row %d has %d entries, vocabulary is %d", i, len(row),
				vocabSize)
		}
		if target := in.TargetLogits[i]; target != nil && len(target) != len(row) {
			return errors.Wrapf(types.ErrShapeMismatch, "draft row %d has %d entries, target row has %d", i,
				len(row), len(target))
		}
	}
	return nil
}
