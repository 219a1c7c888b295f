package vocabtree

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"runtime"
	"time"

	apperrors "github.com/Adithya-Monish-Kumar-K/visual-search/pkg/errors"
	"github.com/Adithya-Monish-Kumar-K/visual-search/pkg/metrics"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"
)

const maxDepthLimit = math.MaxUint16

// BuildOptions controls tree construction. MaxLevel and MinElem are used
// as given; zero Branching, Iterations or Parallelism take the defaults.
type BuildOptions struct {
	Branching int
	MaxLevel  int
	MinElem   int
	// Stop caps the number of corpus descriptors read; 0 reads all.
	Stop        int
	Iterations  int
	Parallelism int
	Logger      *slog.Logger
	Metrics     *metrics.Metrics
}

// DefaultBuildOptions returns k=4, depth 8, 1000 descriptors per child
// and 32 k-means iterations.
func DefaultBuildOptions() BuildOptions {
	return BuildOptions{
		Branching:  4,
		MaxLevel:   8,
		MinElem:    1000,
		Iterations: 32,
	}
}

func (o BuildOptions) withDefaults() BuildOptions {
	d := DefaultBuildOptions()
	if o.Branching == 0 {
		o.Branching = d.Branching
	}
	if o.Iterations == 0 {
		o.Iterations = d.Iterations
	}
	if o.Parallelism <= 0 {
		o.Parallelism = runtime.GOMAXPROCS(0)
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	return o
}

type buildNode struct {
	centroid []float32
	members  []int32
	count    uint32
	depth    int
	children []*buildNode
}

type builder struct {
	opts   BuildOptions
	pts    points
	sem    *semaphore.Weighted
	logger *slog.Logger
}

// BuildFromData trains a tree over corpus. The corpus is read once into
// memory; an empty corpus or any non-finite component yields ErrNoData.
// Sibling subtrees are clustered concurrently and leaves are numbered in a
// separate pre-order pass, so the result depends only on the input.
func BuildFromData(ctx context.Context, corpus Corpus, opts BuildOptions) (*Tree, error) {
	const op = "vocabtree.BuildFromData"
	opts = opts.withDefaults()
	switch {
	case opts.Branching < 2 || opts.Branching > math.MaxUint8:
		return nil, apperrors.Newf(apperrors.ErrInvalidInput, op, "branching %d outside [2, 255]", opts.Branching)
	case opts.MaxLevel < 0 || opts.MaxLevel > maxDepthLimit:
		return nil, apperrors.Newf(apperrors.ErrInvalidInput, op, "max level %d", opts.MaxLevel)
	case opts.MinElem < 0 || opts.Stop < 0 || opts.Iterations < 0:
		return nil, apperrors.New(apperrors.ErrInvalidInput, op, "negative min elem, stop or iterations")
	}
	if corpus == nil || corpus.Len() == 0 {
		return nil, apperrors.New(apperrors.ErrNoData, op, "empty corpus")
	}

	start := time.Now()
	pts, err := loadPoints(corpus, opts.Stop)
	if err != nil {
		return nil, err
	}
	n := len(pts.data) / pts.dim
	logger := opts.Logger.With("component", "vocabtree-builder")
	logger.Info("building vocabulary tree",
		"descriptors", n,
		"dim", pts.dim,
		"branching", opts.Branching,
		"max_level", opts.MaxLevel,
		"min_elem", opts.MinElem,
	)

	members := make([]int32, n)
	for i := range members {
		members[i] = int32(i)
	}
	root := &buildNode{centroid: pts.mean(members), members: members, count: uint32(n)}
	b := &builder{
		opts:   opts,
		pts:    pts,
		sem:    semaphore.NewWeighted(int64(opts.Parallelism)),
		logger: logger,
	}
	if err := b.grow(ctx, root); err != nil {
		return nil, fmt.Errorf("building tree: %w", err)
	}

	t := flatten(root, opts.Branching, opts.MaxLevel, pts.dim)
	elapsed := time.Since(start)
	if opts.Metrics != nil {
		opts.Metrics.TreeBuildDuration.Observe(elapsed.Seconds())
		opts.Metrics.TreeLeaves.Set(float64(t.LeafCount()))
	}
	logger.Info("vocabulary tree built",
		"nodes", t.NodeCount(),
		"leaves", t.LeafCount(),
		"height", t.Height(),
		"duration_ms", elapsed.Milliseconds(),
	)
	return t, nil
}

func loadPoints(corpus Corpus, stop int) (points, error) {
	const op = "vocabtree.BuildFromData"
	n := corpus.Len()
	if stop > 0 && stop < n {
		n = stop
	}
	dim := corpus.Dim()
	if dim <= 0 {
		return points{}, apperrors.New(apperrors.ErrNoData, op, "corpus has no dimension")
	}
	data := make([]float32, 0, n*dim)
	for i := 0; i < n; i++ {
		d := corpus.At(i)
		if len(d) != dim {
			return points{}, apperrors.Newf(apperrors.ErrInvalidInput, op,
				"descriptor %d has dimension %d, want %d", i, len(d), dim)
		}
		if !finite(d) {
			return points{}, apperrors.Newf(apperrors.ErrNoData, op, "descriptor %d has a non-finite component", i)
		}
		data = append(data, d...)
	}
	return points{data: data, dim: dim}, nil
}

// grow splits n and recurses into its children, handing subtrees to new
// goroutines while parallelism slots are free and running them inline
// otherwise.
func (b *builder) grow(ctx context.Context, n *buildNode) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if !b.split(n) {
		return nil
	}
	g, gctx := errgroup.WithContext(ctx)
	for _, child := range n.children {
		if b.sem.TryAcquire(1) {
			g.Go(func() error {
				defer b.sem.Release(1)
				return b.grow(gctx, child)
			})
			continue
		}
		if err := b.grow(gctx, child); err != nil {
			g.Wait()
			return err
		}
	}
	return g.Wait()
}

// split clusters the members of n into children. It leaves n a leaf at
// the depth limit, when clustering yields fewer than two groups, or when a
// group would hold fewer than MinElem descriptors.
func (b *builder) split(n *buildNode) bool {
	if n.depth >= b.opts.MaxLevel {
		return false
	}
	centroids, groups := cluster(b.pts, n.members, b.opts.Branching, b.opts.Iterations)
	if len(groups) < 2 {
		return false
	}
	for _, g := range groups {
		if len(g) < b.opts.MinElem {
			return false
		}
	}
	n.children = make([]*buildNode, len(groups))
	for i, g := range groups {
		n.children[i] = &buildNode{
			centroid: centroids[i],
			members:  g,
			count:    uint32(len(g)),
			depth:    n.depth + 1,
		}
	}
	n.members = nil
	if n.depth == 0 {
		b.logger.Debug("root split", "children", len(groups))
	}
	return true
}

// flatten lays the finished topology out in pre-order and numbers the
// leaves left to right.
func flatten(root *buildNode, branching, maxDepth, dim int) *Tree {
	t := &Tree{branching: branching, maxDepth: maxDepth, dim: dim}
	var visit func(n *buildNode) int32
	visit = func(n *buildNode) int32 {
		idx := int32(len(t.nodes))
		t.nodes = append(t.nodes, Node{
			Centroid: n.centroid,
			Word:     NoWord,
			Count:    n.count,
			Depth:    uint16(n.depth),
		})
		if len(n.children) == 0 {
			t.nodes[idx].Word = WordID(t.leafCount)
			t.leafCount++
			return idx
		}
		children := make([]int32, 0, len(n.children))
		for _, c := range n.children {
			children = append(children, visit(c))
		}
		t.nodes[idx].Children = children
		return idx
	}
	visit(root)
	return t
}
