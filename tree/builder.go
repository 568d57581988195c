package tree

import (
	"math"

	"github.com/pkg/errors"

	"github.com/outofforest/specdec/types"
)

// NewBuilder creates builder of the tree rooted at the last confirmed token.
func NewBuilder(root types.Token, width, depthLimit uint32) *Builder {
	return &Builder{
		width:      width,
		depthLimit: depthLimit,
		nodes: []Node{{
			Token:            root,
			Parent:           types.RootParent,
			DraftProbability: 1,
		}},
		firstChild:  []types.NodeIndex{-1},
		lastChild:   []types.NodeIndex{-1},
		nextSibling: []types.NodeIndex{-1},
		numChildren: []uint32{0},
		branches:    map[branchKey]types.NodeIndex{},
	}
}

type branchKey struct {
	parent types.NodeIndex
	token  types.Token
}

// Builder appends nodes to the tree under construction.
type Builder struct {
	width      uint32
	depthLimit uint32

	nodes       []Node
	firstChild  []types.NodeIndex
	lastChild   []types.NodeIndex
	nextSibling []types.NodeIndex
	numChildren []uint32
	branches    map[branchKey]types.NodeIndex
}

// Len returns the number of nodes added so far, root included.
func (b *Builder) Len() int {
	return len(b.nodes)
}

// Path returns tokens from the root (excluded) to the node (included).
func (b *Builder) Path(index types.NodeIndex) []types.Token {
	return path(b.nodes, index)
}

// Add appends child of the parent node.
func (b *Builder) Add(parent types.NodeIndex, token types.Token, draftProbability float64) (types.NodeIndex, error) {
	if parent < 0 || int(parent) >= len(b.nodes) {
		return 0, errors.Wrapf(types.ErrIndexOutOfRange, "parent %d doesn't exist", parent)
	}
	p := b.nodes[parent]
	if p.Depth >= b.depthLimit {
		return 0, errors.Wrapf(types.ErrIndexOutOfRange, "depth %d exceeds limit %d", p.Depth+1, b.depthLimit)
	}
	key := branchKey{parent: parent, token: token}
	if _, exists := b.branches[key]; exists {
		return 0, errors.Wrapf(ErrDuplicateBranch, "token %d under parent %d", token, parent)
	}
	if b.numChildren[parent] >= b.width {
		return 0, errors.Wrapf(types.ErrIndexOutOfRange, "node %d already has %d children", parent, b.width)
	}
	if math.IsNaN(draftProbability) || draftProbability < 0 || draftProbability > 1 {
		return 0, errors.Wrapf(types.ErrShapeMismatch, "draft probability %f is not a probability", draftProbability)
	}

	index := types.NodeIndex(len(b.nodes))
	b.nodes = append(b.nodes, Node{
		Token:            token,
		Parent:           parent,
		DraftProbability: draftProbability,
		Depth:            p.Depth + 1,
	})
	b.firstChild = append(b.firstChild, -1)
	b.lastChild = append(b.lastChild, -1)
	b.nextSibling = append(b.nextSibling, -1)
	b.numChildren = append(b.numChildren, 0)
	b.branches[key] = index

	if b.lastChild[parent] < 0 {
		b.firstChild[parent] = index
	} else {
		b.nextSibling[b.lastChild[parent]] = index
	}
	b.lastChild[parent] = index
	b.numChildren[parent]++

	return index, nil
}

// Build returns the tree. Builder must not be used afterwards.
func (b *Builder) Build() *Tree {
	return &Tree{
		Width:       b.width,
		DepthLimit:  b.depthLimit,
		nodes:       b.nodes,
		firstChild:  b.firstChild,
		nextSibling: b.nextSibling,
	}
}

// Parse builds tree from parallel arrays of tokens, parent indices and draft probabilities. Element 0 is the root
// and must have parent -1. If draftProbabilities is nil, proposals are treated as deterministic.
func Parse(tokens []types.Token, parents []types.NodeIndex, draftProbabilities []float64) (*Tree, error) {
	if len(tokens) == 0 {
		return nil, errors.Wrap(types.ErrIndexOutOfRange, "tree has no root")
	}
	if len(parents) != len(tokens) || (draftProbabilities != nil && len(draftProbabilities) != len(tokens)) {
		return nil, errors.Wrapf(types.ErrShapeMismatch, "%d tokens, %d parents, %d draft probabilities",
			len(tokens), len(parents), len(draftProbabilities))
	}
	if parents[0] != types.RootParent {
		return nil, errors.Wrapf(types.ErrIndexOutOfRange, "root has parent %d", parents[0])
	}

	b := NewBuilder(tokens[0], math.MaxUint32, math.MaxUint32)
	var width, depth uint32
	for i := 1; i < len(tokens); i++ {
		if int(parents[i]) >= i {
			return nil, errors.Wrapf(types.ErrIndexOutOfRange, "node %d references parent %d", i, parents[i])
		}
		prob := 1.0
		if draftProbabilities != nil {
			prob = draftProbabilities[i]
		}
		index, err := b.Add(parents[i], tokens[i], prob)
		if err != nil {
			return nil, err
		}
		width = max(width, b.numChildren[parents[i]])
		depth = max(depth, b.nodes[index].Depth)
	}

	t := b.Build()
	t.Width = width
	t.DepthLimit = depth
	return t, nil
}
