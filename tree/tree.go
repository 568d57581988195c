package tree

import (
	"github.com/pkg/errors"
	"github.com/samber/lo"

	"github.com/outofforest/specdec/types"
)

// ErrDuplicateBranch is returned when the (parent, token) pair already exists in the tree.
var ErrDuplicateBranch = errors.Wrap(types.ErrIndexOutOfRange, "duplicate branch")

// Root is the index of the root node.
const Root types.NodeIndex = 0

// Node is the single proposed token.
type Node struct {
	Token            types.Token
	Parent           types.NodeIndex
	DraftProbability float64
	Depth            uint32
}

// Tree is the flat, topologically ordered arena of proposed continuations. Node 0 is the root representing the last
// confirmed token. Tree is never modified after it is built.
type Tree struct {
	Width      uint32
	DepthLimit uint32

	nodes       []Node
	firstChild  []types.NodeIndex
	nextSibling []types.NodeIndex
}

// Len returns the number of nodes including the root.
func (t *Tree) Len() int {
	return len(t.nodes)
}

// Node returns node stored under index.
func (t *Tree) Node(index types.NodeIndex) Node {
	return t.nodes[index]
}

// Nodes returns all the nodes. Returned slice must not be modified.
func (t *Tree) Nodes() []Node {
	return t.nodes
}

// Proposed returns the number of speculative nodes, root excluded.
func (t *Tree) Proposed() int {
	return len(t.nodes) - 1
}

// FirstChild returns the first child of the node or -1 if node is a leaf.
func (t *Tree) FirstChild(index types.NodeIndex) types.NodeIndex {
	return t.firstChild[index]
}

// Children returns children of the node in index order.
func (t *Tree) Children(index types.NodeIndex) []types.NodeIndex {
	var children []types.NodeIndex
	for c := t.firstChild[index]; c >= 0; c = t.nextSibling[c] {
		children = append(children, c)
	}
	return children
}

// MainBranch returns the chain of first children starting below the root. It is the branch verification walks.
func (t *Tree) MainBranch() []types.NodeIndex {
	var branch []types.NodeIndex
	for c := t.firstChild[Root]; c >= 0; c = t.firstChild[c] {
		branch = append(branch, c)
	}
	return branch
}

// Path returns tokens on the way from the root (excluded) to the node (included).
func (t *Tree) Path(index types.NodeIndex) []types.Token {
	return path(t.nodes, index)
}

// Validate verifies arena invariants. If vocabSize is not zero tokens are verified against it too.
func (t *Tree) Validate(vocabSize uint32) error {
	return validate(t.nodes, vocabSize)
}

// ExtractAcceptedPath returns tokens of accepted nodes in root-to-leaf order. Accepted nodes must form a single chain
// hanging from the root. The root itself is never part of the accepted set.
func ExtractAcceptedPath(t *Tree, accepted []types.NodeIndex) ([]types.Token, error) {
	if len(accepted) == 0 {
		return []types.Token{}, nil
	}

	deepest := accepted[0]
	for _, index := range accepted {
		if index <= Root || int(index) >= len(t.nodes) {
			return nil, errors.Wrapf(types.ErrIndexOutOfRange, "accepted node %d outside tree of %d nodes", index,
				len(t.nodes))
		}
		if t.nodes[index].Depth > t.nodes[deepest].Depth {
			deepest = index
		}
	}

	onChain := map[types.NodeIndex]struct{}{}
	tokens := make([]types.Token, 0, len(accepted))
	for index := deepest; index != Root; index = t.nodes[index].Parent {
		onChain[index] = struct{}{}
		tokens = append(tokens, t.nodes[index].Token)
	}

	if len(tokens) != len(accepted) {
		return nil, errors.Wrapf(types.ErrIndexOutOfRange, "%d accepted nodes don't form chain of length %d",
			len(accepted), len(tokens))
	}
	for _, index := range accepted {
		if _, exists := onChain[index]; !exists {
			return nil, errors.Wrapf(types.ErrIndexOutOfRange, "accepted node %d is not on the accepted chain", index)
		}
	}

	return lo.Reverse(tokens), nil
}

func path(nodes []Node, index types.NodeIndex) []types.Token {
	tokens := make([]types.Token, nodes[index].Depth)
	for i := index; i != Root; i = nodes[i].Parent {
		tokens[nodes[i].Depth-1] = nodes[i].Token
	}
	return tokens
}

func validate(nodes []Node, vocabSize uint32) error {
	if len(nodes) == 0 {
		return errors.Wrap(types.ErrIndexOutOfRange, "tree has no root")
	}
	if nodes[0].Parent != types.RootParent || nodes[0].Depth != 0 {
		return errors.Wrapf(types.ErrIndexOutOfRange, "root has parent %d and depth %d", nodes[0].Parent,
			nodes[0].Depth)
	}

	type branch struct {
		parent types.NodeIndex
		token  types.Token
	}
	branches := make(map[branch]struct{}, len(nodes))
	for i, n := range nodes {
		if vocabSize > 0 && uint32(n.Token) >= vocabSize {
			return errors.Wrapf(types.ErrIndexOutOfRange, "token %d of node %d outside vocabulary of %d", n.Token, i,
				vocabSize)
		}
		if i == 0 {
			continue
		}
		if n.Parent < 0 || int(n.Parent) >= i {
			return errors.Wrapf(types.ErrIndexOutOfRange, "node %d references parent %d", i, n.Parent)
		}
		if n.Depth != nodes[n.Parent].Depth+1 {
			return errors.Wrapf(types.ErrIndexOutOfRange, "node %d has depth %d, parent depth is %d", i, n.Depth,
				nodes[n.Parent].Depth)
		}
		key := branch{parent: n.Parent, token: n.Token}
		if _, exists := branches[key]; exists {
			return errors.Wrapf(ErrDuplicateBranch, "node %d repeats token %d under parent %d", i, n.Token, n.Parent)
		}
		branches[key] = struct{}{}
	}
	return nil
}
