// Package vocabtree builds a hierarchical k-means vocabulary tree over
// image patch descriptors, quantizes descriptors into visual words by
// greedy descent, and persists trees to a binary file or to the
// relational store.
package vocabtree

import (
	"fmt"
	"slices"

	apperrors "github.com/Adithya-Monish-Kumar-K/visual-search/pkg/errors"
)

// Node is one tree node. Children index into the tree's arena; Word is
// NoWord for internal nodes.
type Node struct {
	Centroid []float32
	Children []int32
	Word     WordID
	Count    uint32
	Depth    uint16
}

func (n *Node) IsLeaf() bool { return len(n.Children) == 0 }

// Tree is an immutable vocabulary tree stored as an arena with the root at
// index 0. It is safe for concurrent use.
type Tree struct {
	nodes     []Node
	branching int
	maxDepth  int
	dim       int
	leafCount int
}

func (t *Tree) Branching() int { return t.branching }

// MaxDepth is the depth limit the tree was built with.
func (t *Tree) MaxDepth() int { return t.maxDepth }

func (t *Tree) Dim() int { return t.dim }

func (t *Tree) NodeCount() int { return len(t.nodes) }

func (t *Tree) LeafCount() int { return t.leafCount }

// Height is the depth of the deepest leaf.
func (t *Tree) Height() int {
	h := 0
	for i := range t.nodes {
		if d := int(t.nodes[i].Depth); d > h {
			h = d
		}
	}
	return h
}

// Node returns a copy of node i.
func (t *Tree) Node(i int32) Node {
	n := t.nodes[i]
	n.Centroid = slices.Clone(n.Centroid)
	n.Children = slices.Clone(n.Children)
	return n
}

// Leaves returns the arena index of every leaf, ordered by word id.
func (t *Tree) Leaves() []int32 {
	out := make([]int32, t.leafCount)
	for i := range t.nodes {
		if t.nodes[i].IsLeaf() {
			out[t.nodes[i].Word] = int32(i)
		}
	}
	return out
}

// Walk calls fn for every node in pre-order. fn must not modify the node.
func (t *Tree) Walk(fn func(index int32, n *Node)) {
	var visit func(i int32)
	visit = func(i int32) {
		fn(i, &t.nodes[i])
		for _, c := range t.nodes[i].Children {
			visit(c)
		}
	}
	if len(t.nodes) > 0 {
		visit(0)
	}
}

// Quantize descends from the root to the nearest leaf, choosing the child
// with the closest centroid at every level, and returns its word. A
// descriptor of the wrong dimension maps to NoWord.
func (t *Tree) Quantize(d Descriptor) WordID {
	if len(d) != t.dim || len(t.nodes) == 0 {
		return NoWord
	}
	n := &t.nodes[0]
	for !n.IsLeaf() {
		n = &t.nodes[t.nearestChild(n, d)]
	}
	return n.Word
}

// QuantizeChecked is Quantize with an ErrInvalidInput for descriptors of
// the wrong dimension or with non-finite components.
func (t *Tree) QuantizeChecked(d Descriptor) (WordID, error) {
	if len(d) != t.dim {
		return NoWord, apperrors.Newf(apperrors.ErrInvalidInput, "vocabtree.Quantize",
			"descriptor dimension %d, tree dimension %d", len(d), t.dim)
	}
	if !finite(d) {
		return NoWord, apperrors.New(apperrors.ErrInvalidInput, "vocabtree.Quantize", "non-finite descriptor")
	}
	return t.Quantize(d), nil
}

// QuantizePath returns the arena indexes visited by Quantize, root first.
func (t *Tree) QuantizePath(d Descriptor) []int32 {
	if len(d) != t.dim || len(t.nodes) == 0 {
		return nil
	}
	path := []int32{0}
	n := &t.nodes[0]
	for !n.IsLeaf() {
		next := t.nearestChild(n, d)
		path = append(path, next)
		n = &t.nodes[next]
	}
	return path
}

func (t *Tree) nearestChild(n *Node, d Descriptor) int32 {
	best := n.Children[0]
	bestDist := distance(d, t.nodes[best].Centroid)
	for _, c := range n.Children[1:] {
		if dd := distance(d, t.nodes[c].Centroid); dd < bestDist {
			best, bestDist = c, dd
		}
	}
	return best
}

// Validate checks the structural invariants every loader relies on and
// reports violations as ErrCorruptFormat.
func (t *Tree) Validate() error {
	if err := t.validate(); err != nil {
		return apperrors.New(apperrors.ErrCorruptFormat, "vocabtree.Validate", err.Error())
	}
	return nil
}

func (t *Tree) validate() error {
	if len(t.nodes) == 0 {
		return fmt.Errorf("tree has no nodes")
	}
	if t.branching < 2 || t.branching > 255 {
		return fmt.Errorf("branching %d", t.branching)
	}
	if t.dim <= 0 {
		return fmt.Errorf("dimension %d", t.dim)
	}
	if t.leafCount <= 0 {
		return fmt.Errorf("leaf count %d", t.leafCount)
	}
	if t.nodes[0].Depth != 0 {
		return fmt.Errorf("root depth %d", t.nodes[0].Depth)
	}
	visited := make([]bool, len(t.nodes))
	words := make([]bool, t.leafCount)
	stack := []int32{0}
	visited[0] = true
	seen := 0
	for len(stack) > 0 {
		i := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		seen++
		n := &t.nodes[i]
		if len(n.Centroid) != t.dim {
			return fmt.Errorf("node %d centroid has dimension %d", i, len(n.Centroid))
		}
		if int(n.Depth) > t.maxDepth {
			return fmt.Errorf("node %d at depth %d exceeds max depth %d", i, n.Depth, t.maxDepth)
		}
		if n.IsLeaf() {
			if n.Word == NoWord || int64(n.Word) >= int64(t.leafCount) {
				return fmt.Errorf("leaf %d has word %d outside [0, %d)", i, n.Word, t.leafCount)
			}
			if words[n.Word] {
				return fmt.Errorf("word %d assigned twice", n.Word)
			}
			words[n.Word] = true
			continue
		}
		if n.Word != NoWord {
			return fmt.Errorf("internal node %d carries word %d", i, n.Word)
		}
		if len(n.Children) > t.branching {
			return fmt.Errorf("node %d has %d children, branching %d", i, len(n.Children), t.branching)
		}
		var sum uint64
		for _, c := range n.Children {
			if c <= 0 || int(c) >= len(t.nodes) {
				return fmt.Errorf("node %d references child %d outside the arena", i, c)
			}
			if visited[c] {
				return fmt.Errorf("node %d reached twice", c)
			}
			visited[c] = true
			if t.nodes[c].Depth != n.Depth+1 {
				return fmt.Errorf("node %d depth %d under parent depth %d", c, t.nodes[c].Depth, n.Depth)
			}
			sum += uint64(t.nodes[c].Count)
		}
		if sum != uint64(n.Count) {
			return fmt.Errorf("node %d count %d, children sum %d", i, n.Count, sum)
		}
		// Push in reverse so children pop in order.
		for j := len(n.Children) - 1; j >= 0; j-- {
			stack = append(stack, n.Children[j])
		}
	}
	if seen != len(t.nodes) {
		return fmt.Errorf("%d of %d nodes unreachable from the root", len(t.nodes)-seen, len(t.nodes))
	}
	for w, ok := range words {
		if !ok {
			return fmt.Errorf("word %d missing", w)
		}
	}
	return nil
}
