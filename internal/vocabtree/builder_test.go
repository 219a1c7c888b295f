package vocabtree

import (
	"context"
	"math"
	"testing"

	apperrors "github.com/Adithya-Monish-Kumar-K/visual-search/pkg/errors"
	"github.com/Adithya-Monish-Kumar-K/visual-search/pkg/logger"
	"github.com/Adithya-Monish-Kumar-K/visual-search/pkg/metrics"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBuildSplitsTwoClustersExactly(t *testing.T) {
	corpus := twoClusters()
	tree := mustBuild(t, corpus, BuildOptions{Branching: 2, MaxLevel: 1, MinElem: 1})

	require.Equal(t, 2, tree.LeafCount())
	require.Equal(t, 3, tree.NodeCount())
	for i := 0; i < 4; i++ {
		assert.Equal(t, WordID(0), tree.Quantize(corpus[i]), "descriptor %d", i)
	}
	for i := 4; i < 8; i++ {
		assert.Equal(t, WordID(1), tree.Quantize(corpus[i]), "descriptor %d", i)
	}
	root := tree.Node(0)
	assert.Equal(t, uint32(8), root.Count)
	assert.InDeltaSlice(t, []float32{5.05, 5.05}, root.Centroid, 1e-4)
}

func TestBuildTwoClustersDefaultBranchingKeepsLeavesPure(t *testing.T) {
	corpus := twoClusters()
	tree := mustBuild(t, corpus, BuildOptions{MaxLevel: 2, MinElem: 1})
	require.NoError(t, tree.Validate())

	label := make(map[WordID]int)
	for i, d := range corpus {
		w := tree.Quantize(d)
		require.NotEqual(t, NoWord, w)
		cluster := i / 4
		if prev, ok := label[w]; ok {
			assert.Equal(t, prev, cluster, "leaf %d mixes both clusters", w)
		}
		label[w] = cluster
	}
	assert.GreaterOrEqual(t, tree.LeafCount(), 2)

	hits := leafHits(tree, corpus, len(corpus))
	for _, leaf := range tree.Leaves() {
		n := tree.Node(leaf)
		assert.Equal(t, n.Count, hits[n.Word], "leaf %d", n.Word)
	}
}

func TestBuildRequantizesTrainingDescriptorsIntoTheirLeaves(t *testing.T) {
	corpus := randomCorpus(7, 600, 8)
	tree := mustBuild(t, corpus, BuildOptions{Branching: 4, MaxLevel: 4, MinElem: 5})
	require.NoError(t, tree.Validate())
	require.Greater(t, tree.LeafCount(), 4)

	hits := leafHits(tree, corpus, len(corpus))
	for _, leaf := range tree.Leaves() {
		n := tree.Node(leaf)
		assert.Equal(t, n.Count, hits[n.Word], "leaf %d", n.Word)
	}
}

func TestBuildLeafIDsContiguousAndCountsSum(t *testing.T) {
	corpus := randomCorpus(11, 400, 4)
	cases := []struct {
		name     string
		maxLevel int
		minElem  int
	}{
		{"root only", 0, 1},
		{"shallow", 1, 1},
		{"deep fine", 6, 1},
		{"deep coarse", 6, 40},
		{"min elem blocks split", 5, 400},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			tree := mustBuild(t, corpus, BuildOptions{MaxLevel: tc.maxLevel, MinElem: tc.minElem})
			require.NoError(t, tree.Validate())
			assert.LessOrEqual(t, tree.Height(), tc.maxLevel)
			assert.Equal(t, uint32(len(corpus)), tree.Node(0).Count)

			seen := make(map[WordID]bool)
			tree.Walk(func(_ int32, n *Node) {
				if n.IsLeaf() {
					seen[n.Word] = true
					return
				}
				var sum uint32
				for _, c := range n.Children {
					sum += tree.Node(c).Count
				}
				assert.Equal(t, n.Count, sum)
				assert.LessOrEqual(t, len(n.Children), tree.Branching())
			})
			require.Len(t, seen, tree.LeafCount())
			for w := 0; w < tree.LeafCount(); w++ {
				assert.True(t, seen[WordID(w)], "word %d missing", w)
			}
		})
	}
}

func TestBuildMinElemAboveCorpusGivesSingleLeaf(t *testing.T) {
	tree := mustBuild(t, randomCorpus(3, 50, 4), BuildOptions{MaxLevel: 8, MinElem: 1000})
	assert.Equal(t, 1, tree.NodeCount())
	assert.Equal(t, 1, tree.LeafCount())
	assert.Equal(t, WordID(0), tree.Quantize(Descriptor{0.5, 0.5, 0.5, 0.5}))
}

func TestBuildDuplicateDescriptorsForcedLeaf(t *testing.T) {
	corpus := make(SliceCorpus, 20)
	for i := range corpus {
		corpus[i] = Descriptor{1, 2, 3}
	}
	tree := mustBuild(t, corpus, BuildOptions{MaxLevel: 4, MinElem: 1})
	assert.Equal(t, 1, tree.LeafCount())
	assert.Equal(t, uint32(20), tree.Node(0).Count)
}

func TestBuildStopTruncatesCorpus(t *testing.T) {
	corpus := randomCorpus(5, 300, 4)
	tree := mustBuild(t, corpus, BuildOptions{MaxLevel: 3, MinElem: 2, Stop: 120})
	require.NoError(t, tree.Validate())
	assert.Equal(t, uint32(120), tree.Node(0).Count)

	var leafTotal uint32
	for _, leaf := range tree.Leaves() {
		leafTotal += tree.Node(leaf).Count
	}
	assert.Equal(t, uint32(120), leafTotal)
}

func TestBuildIsDeterministicAcrossParallelism(t *testing.T) {
	corpus := randomCorpus(42, 500, 6)
	serial := mustBuild(t, corpus, BuildOptions{MaxLevel: 5, MinElem: 3, Parallelism: 1})
	parallel := mustBuild(t, corpus, BuildOptions{MaxLevel: 5, MinElem: 3, Parallelism: 8})

	a, err := serial.MarshalBinary()
	require.NoError(t, err)
	b, err := parallel.MarshalBinary()
	require.NoError(t, err)
	assert.Equal(t, a, b)

	queries := randomCorpus(43, 100, 6)
	for _, d := range queries {
		assert.Equal(t, serial.Quantize(d), parallel.Quantize(d))
	}
}

func TestBuildRejectsBadInput(t *testing.T) {
	ctx := context.Background()
	quiet := BuildOptions{Logger: logger.Discard(), MaxLevel: 2, MinElem: 1}

	_, err := BuildFromData(ctx, nil, quiet)
	assert.ErrorIs(t, err, apperrors.ErrNoData)

	_, err = BuildFromData(ctx, SliceCorpus{}, quiet)
	assert.ErrorIs(t, err, apperrors.ErrNoData)

	nan := SliceCorpus{{0, 0}, {float32(math.NaN()), 1}}
	_, err = BuildFromData(ctx, nan, quiet)
	assert.ErrorIs(t, err, apperrors.ErrNoData)

	inf := SliceCorpus{{0, 0}, {float32(math.Inf(1)), 1}}
	_, err = BuildFromData(ctx, inf, quiet)
	assert.ErrorIs(t, err, apperrors.ErrNoData)

	ragged := SliceCorpus{{0, 0}, {1, 1, 1}}
	_, err = BuildFromData(ctx, ragged, quiet)
	assert.ErrorIs(t, err, apperrors.ErrInvalidInput)

	bad := quiet
	bad.Branching = 1
	_, err = BuildFromData(ctx, twoClusters(), bad)
	assert.ErrorIs(t, err, apperrors.ErrInvalidInput)
}

func TestBuildHonorsCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := BuildFromData(ctx, randomCorpus(1, 100, 4), BuildOptions{Logger: logger.Discard(), MaxLevel: 3, MinElem: 1})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestBuildRecordsMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := metrics.New(reg)
	tree := mustBuild(t, twoClusters(), BuildOptions{Branching: 2, MaxLevel: 1, MinElem: 1, Metrics: m})

	families, err := reg.Gather()
	require.NoError(t, err)
	for _, f := range families {
		switch f.GetName() {
		case "vocabtree_leaves":
			assert.Equal(t, float64(tree.LeafCount()), f.GetMetric()[0].GetGauge().GetValue())
		case "vocabtree_build_duration_seconds":
			assert.Equal(t, uint64(1), f.GetMetric()[0].GetHistogram().GetSampleCount())
		}
	}
}

func TestClusterFarthestFirstNeedsDistinctMembers(t *testing.T) {
	p := points{data: []float32{1, 1, 1, 1, 2, 2}, dim: 2}
	centroids, groups := cluster(p, []int32{0, 1, 2}, 3, 10)
	assert.Nil(t, centroids)
	assert.Nil(t, groups)

	centroids, groups = cluster(p, []int32{0, 1, 2}, 2, 10)
	require.Len(t, groups, 2)
	assert.Equal(t, []int32{0, 1}, groups[0])
	assert.Equal(t, []int32{2}, groups[1])
	assert.Equal(t, []float32{2, 2}, centroids[1])
}
