package vocabtree

import (
	"context"
	"math/rand"
	"testing"

	"github.com/Adithya-Monish-Kumar-K/visual-search/pkg/logger"
	"github.com/stretchr/testify/require"
)

// twoClusters returns four descriptors near (0,0) followed by four near
// (10,10).
func twoClusters() SliceCorpus {
	return SliceCorpus{
		{0, 0}, {0.1, 0}, {0, 0.1}, {0.1, 0.1},
		{10, 10}, {10.1, 10}, {10, 10.1}, {10.1, 10.1},
	}
}

func randomCorpus(seed int64, n, dim int) SliceCorpus {
	r := rand.New(rand.NewSource(seed))
	out := make(SliceCorpus, n)
	for i := range out {
		d := make(Descriptor, dim)
		for j := range d {
			d[j] = r.Float32()
		}
		out[i] = d
	}
	return out
}

func mustBuild(t testing.TB, corpus Corpus, opts BuildOptions) *Tree {
	t.Helper()
	if opts.Logger == nil {
		opts.Logger = logger.Discard()
	}
	tree, err := BuildFromData(context.Background(), corpus, opts)
	require.NoError(t, err)
	return tree
}

// leafHits counts how many corpus descriptors quantize into each word.
func leafHits(tree *Tree, corpus Corpus, n int) map[WordID]uint32 {
	hits := make(map[WordID]uint32)
	for i := 0; i < n; i++ {
		hits[tree.Quantize(corpus.At(i))]++
	}
	return hits
}
