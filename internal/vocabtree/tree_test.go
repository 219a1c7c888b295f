package vocabtree

import (
	"sync"
	"testing"

	apperrors "github.com/Adithya-Monish-Kumar-K/visual-search/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// handTree is a two-level tree: root with two leaves at x=0 and x=10.
func handTree() *Tree {
	return &Tree{
		nodes: []Node{
			{Centroid: []float32{5}, Children: []int32{1, 2}, Word: NoWord, Count: 3},
			{Centroid: []float32{0}, Word: 0, Count: 1, Depth: 1},
			{Centroid: []float32{10}, Word: 1, Count: 2, Depth: 1},
		},
		branching: 2,
		maxDepth:  1,
		dim:       1,
		leafCount: 2,
	}
}

func TestQuantizeGreedyDescent(t *testing.T) {
	tree := handTree()
	require.NoError(t, tree.Validate())

	assert.Equal(t, WordID(0), tree.Quantize(Descriptor{1}))
	assert.Equal(t, WordID(1), tree.Quantize(Descriptor{9}))
	// Equidistant descriptors go to the first child.
	assert.Equal(t, WordID(0), tree.Quantize(Descriptor{5}))
	assert.Equal(t, []int32{0, 2}, tree.QuantizePath(Descriptor{7}))
}

func TestQuantizeWrongDimension(t *testing.T) {
	tree := handTree()
	assert.Equal(t, NoWord, tree.Quantize(Descriptor{1, 2}))
	assert.Nil(t, tree.QuantizePath(Descriptor{}))

	_, err := tree.QuantizeChecked(Descriptor{1, 2})
	assert.ErrorIs(t, err, apperrors.ErrInvalidInput)

	w, err := tree.QuantizeChecked(Descriptor{8})
	require.NoError(t, err)
	assert.Equal(t, WordID(1), w)
}

func TestQuantizeConcurrentReaders(t *testing.T) {
	corpus := randomCorpus(21, 300, 4)
	tree := mustBuild(t, corpus, BuildOptions{MaxLevel: 4, MinElem: 2})
	want := make([]WordID, len(corpus))
	for i, d := range corpus {
		want[i] = tree.Quantize(d)
	}

	var wg sync.WaitGroup
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i, d := range corpus {
				if got := tree.Quantize(d); got != want[i] {
					t.Errorf("descriptor %d: got %d want %d", i, got, want[i])
				}
			}
		}()
	}
	wg.Wait()
}

func TestNodeReturnsCopy(t *testing.T) {
	tree := handTree()
	n := tree.Node(0)
	n.Centroid[0] = 99
	n.Children[0] = 2
	assert.Equal(t, float32(5), tree.Node(0).Centroid[0])
	assert.Equal(t, int32(1), tree.Node(0).Children[0])
}

func TestLeavesOrderedByWord(t *testing.T) {
	tree := handTree()
	tree.nodes[1].Word, tree.nodes[2].Word = 1, 0
	require.NoError(t, tree.Validate())
	assert.Equal(t, []int32{2, 1}, tree.Leaves())
}

func TestValidateRejectsBrokenTrees(t *testing.T) {
	cases := []struct {
		name  string
		mutate func(tr *Tree)
	}{
		{"count sum", func(tr *Tree) { tr.nodes[0].Count = 4 }},
		{"duplicate word", func(tr *Tree) { tr.nodes[2].Word = 0 }},
		{"word out of range", func(tr *Tree) { tr.nodes[2].Word = 2 }},
		{"missing word", func(tr *Tree) { tr.leafCount = 3 }},
		{"internal with word", func(tr *Tree) { tr.nodes[0].Word = 5 }},
		{"leaf without word", func(tr *Tree) { tr.nodes[1].Word = NoWord }},
		{"too many children", func(tr *Tree) { tr.branching = 2; tr.nodes[0].Children = []int32{1, 2, 2} }},
		{"child out of arena", func(tr *Tree) { tr.nodes[0].Children = []int32{1, 7} }},
		{"root as child", func(tr *Tree) { tr.nodes[0].Children = []int32{0, 2} }},
		{"orphan node", func(tr *Tree) {
			tr.nodes = append(tr.nodes, Node{Centroid: []float32{3}, Word: NoWord, Depth: 1})
		}},
		{"centroid dimension", func(tr *Tree) { tr.nodes[1].Centroid = []float32{0, 0} }},
		{"depth beyond max", func(tr *Tree) { tr.maxDepth = 0 }},
		{"no nodes", func(tr *Tree) { tr.nodes = nil }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			tree := handTree()
			tc.mutate(tree)
			assert.ErrorIs(t, tree.Validate(), apperrors.ErrCorruptFormat)
		})
	}
}

func BenchmarkQuantize(b *testing.B) {
	corpus := randomCorpus(99, 20000, 32)
	tree := mustBuild(b, corpus, BuildOptions{MaxLevel: 6, MinElem: 10})
	queries := randomCorpus(100, 1024, 32)
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		tree.Quantize(queries[i%len(queries)])
	}
}
