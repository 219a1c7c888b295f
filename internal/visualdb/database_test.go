package visualdb

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/Adithya-Monish-Kumar-K/visual-search/internal/frame"
	"github.com/Adithya-Monish-Kumar-K/visual-search/internal/index"
	"github.com/Adithya-Monish-Kumar-K/visual-search/internal/vocabtree"
	apperrors "github.com/Adithya-Monish-Kumar-K/visual-search/pkg/errors"
	"github.com/Adithya-Monish-Kumar-K/visual-search/pkg/logger"
	"github.com/Adithya-Monish-Kumar-K/visual-search/pkg/metrics"
	"github.com/Adithya-Monish-Kumar-K/visual-search/pkg/storage"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSingleObjectTwoFrames(t *testing.T) {
	db, _ := createDB(t, Options{})
	ctx := context.Background()
	tree := db.Tree()
	w0, w1 := tree.Quantize(nearOrigin), tree.Quantize(nearTen)
	require.NotEqual(t, w0, w1)

	first := frame.Frame{Image: frame.NewImage(4, 4, 1), Keypoints: points(nearOrigin, nearOrigin, nearOrigin)}
	second := frame.Frame{Keypoints: points(nearTen, nearTen)}

	obj, err := db.CreateObject(ctx, "mug", 0)
	require.NoError(t, err)
	n, err := obj.AddFrame(ctx, first)
	require.NoError(t, err)
	assert.Equal(t, 3, n)
	_, err = obj.AddFrame(ctx, second)
	require.NoError(t, err)
	require.NoError(t, obj.Prepare(ctx))
	require.NoError(t, db.AddToIndex(ctx, obj))

	h := obj.Histogram()
	assert.Equal(t, 3.0, h.Weight(w0))
	assert.Equal(t, 2.0, h.Weight(w1))
	assert.Equal(t, 5, obj.KeypointCount())
	assert.NotZero(t, obj.RepresentativeImage())

	query := index.Average(index.HistogramOf(w0, w0, w0), index.HistogramOf(w1, w1))
	matches, err := db.Query(ctx, query, index.ModeIDFNormalized)
	require.NoError(t, err)
	require.Len(t, matches, 1)
	assert.Equal(t, obj.ID(), matches[0].Object.ID())
	assert.InDelta(t, 1.0, matches[0].Score, 1e-9)

	assert.Equal(t, 5, countRows(t, db, "keypoints"))
	assert.Equal(t, 2, countRows(t, db, "postings"))
	assert.Equal(t, 1, countRows(t, db, "images"))
}

func TestQueryRanksBestOverlapFirst(t *testing.T) {
	db, _ := createDB(t, Options{})
	ctx := context.Background()
	origin := trainObject(t, db, "origin", frame.Frame{Keypoints: points(nearOrigin, nearOrigin, nearOrigin, nearTen)})
	ten := trainObject(t, db, "ten", frame.Frame{Keypoints: points(nearTen, nearTen, nearTen)})

	matches, err := db.QueryDescriptors(ctx, []vocabtree.Descriptor{nearTen, nearTen}, index.ModeNormalizedFrequency)
	require.NoError(t, err)
	require.Len(t, matches, 2)
	assert.Equal(t, ten.ID(), matches[0].Object.ID())
	assert.Equal(t, origin.ID(), matches[1].Object.ID())
	assert.Greater(t, matches[0].Score, matches[1].Score)

	matches, err = db.QueryFrame(ctx, frame.Frame{Keypoints: points(nearOrigin)}, index.ModeFrequency)
	require.NoError(t, err)
	require.Len(t, matches, 1)
	assert.Equal(t, origin.ID(), matches[0].Object.ID())
	assert.Equal(t, 3.0, matches[0].Score)

	assert.Equal(t, []*Object{origin, ten}, db.Objects())
}

func TestQueryEmpty(t *testing.T) {
	db, _ := createDB(t, Options{})
	matches, err := db.Query(context.Background(), index.NewHistogram(), index.ModeIDF)
	require.NoError(t, err)
	assert.Empty(t, matches)

	matches, err = db.QueryDescriptors(context.Background(), []vocabtree.Descriptor{nearOrigin}, index.ModeIDF)
	require.NoError(t, err)
	assert.Empty(t, matches)
}

func TestAddToIndexTwice(t *testing.T) {
	db, _ := createDB(t, Options{})
	ctx := context.Background()
	obj := trainObject(t, db, "once", frame.Frame{Keypoints: points(nearOrigin, nearTen)})
	version := db.Index().Version()
	postings := countRows(t, db, "postings")

	err := db.AddToIndex(ctx, obj)
	require.Error(t, err)
	assert.ErrorIs(t, err, apperrors.ErrAlreadyIndexed)
	assert.Equal(t, version, db.Index().Version())
	assert.Equal(t, 1, db.Index().ObjectCount())
	assert.Equal(t, postings, countRows(t, db, "postings"))
}

func TestAddToIndexRequiresSeal(t *testing.T) {
	db, _ := createDB(t, Options{})
	ctx := context.Background()
	obj, err := db.CreateObject(ctx, "open", 0)
	require.NoError(t, err)
	_, err = obj.AddFrame(ctx, frame.Frame{Keypoints: points(nearOrigin)})
	require.NoError(t, err)

	err = db.AddToIndex(ctx, obj)
	assert.ErrorIs(t, err, apperrors.ErrInvalidState)
	assert.False(t, db.Index().Contains(obj.ID()))
}

func TestSealedObjectRejectsKeypoints(t *testing.T) {
	db, _ := createDB(t, Options{})
	ctx := context.Background()
	obj, err := db.CreateObject(ctx, "sealed", 0)
	require.NoError(t, err)
	require.NoError(t, obj.Prepare(ctx))
	require.NoError(t, obj.Prepare(ctx))
	assert.Equal(t, StateSealed, obj.State())

	_, err = obj.AddFrame(ctx, frame.Frame{Keypoints: points(nearOrigin)})
	assert.ErrorIs(t, err, apperrors.ErrInvalidState)
	err = obj.AddKeypoint(ctx, frame.Point{Desc: nearOrigin}, 0)
	assert.ErrorIs(t, err, apperrors.ErrInvalidState)
	assert.Zero(t, obj.KeypointCount())
}

func TestWrongDimensionWritesNothing(t *testing.T) {
	db, _ := createDB(t, Options{})
	ctx := context.Background()
	obj, err := db.CreateObject(ctx, "bad", 0)
	require.NoError(t, err)

	_, err = obj.AddFrame(ctx, frame.Frame{
		Image:     frame.NewImage(2, 2, 3),
		Keypoints: points(nearOrigin, []float32{1, 2, 3}),
	})
	assert.ErrorIs(t, err, apperrors.ErrInvalidInput)
	assert.Zero(t, obj.KeypointCount())
	assert.Zero(t, obj.RepresentativeImage())
	assert.Equal(t, 0, countRows(t, db, "keypoints"))
	assert.Equal(t, 0, countRows(t, db, "images"))

	_, err = db.QueryDescriptors(ctx, []vocabtree.Descriptor{{1}}, index.ModeIDF)
	assert.ErrorIs(t, err, apperrors.ErrInvalidInput)
}

func TestAddKeypoint(t *testing.T) {
	db, _ := createDB(t, Options{})
	ctx := context.Background()
	img, err := db.AddImage(ctx, frame.NewImage(3, 3, 1))
	require.NoError(t, err)
	obj, err := db.CreateObject(ctx, "single", 0)
	require.NoError(t, err)

	require.NoError(t, obj.AddKeypoint(ctx, frame.Point{X: 1, Y: 2, Track: 9, Desc: nearTen}, img))
	assert.Equal(t, img, obj.RepresentativeImage())
	assert.Equal(t, 1.0, obj.Histogram().Weight(db.Tree().Quantize(nearTen)))

	var track int64
	var desc []byte
	require.NoError(t, db.Store().QueryRowContext(ctx,
		"SELECT track_id, descriptor FROM keypoints WHERE obj_id = ?", int64(obj.ID()),
	).Scan(&track, &desc))
	assert.Equal(t, int64(9), track)
	decoded, err := vocabtree.DecodeFloats(desc, 2)
	require.NoError(t, err)
	assert.Equal(t, nearTen, decoded)
}

func TestReopenRestoresIndex(t *testing.T) {
	db, path := createDB(t, Options{})
	ctx := context.Background()
	a := trainObject(t, db, "a", frame.Frame{Image: frame.NewImage(2, 2, 1), Keypoints: points(nearOrigin, nearOrigin, nearTen)})
	trainObject(t, db, "b", frame.Frame{Keypoints: points(nearTen)})
	pending, err := db.CreateObject(ctx, "pending", 0)
	require.NoError(t, err)
	_, err = pending.AddFrame(ctx, frame.Frame{Keypoints: points(nearOrigin)})
	require.NoError(t, err)

	query := index.HistogramOf(db.Tree().Quantize(nearOrigin), db.Tree().Quantize(nearTen))
	before, err := db.Query(ctx, query, index.ModeIDFNormalized)
	require.NoError(t, err)
	require.NoError(t, db.Close())

	reopened, err := Open(ctx, path, Options{Logger: logger.Discard()})
	require.NoError(t, err)
	defer reopened.Close()

	assert.Equal(t, 2, reopened.Index().ObjectCount())
	require.Len(t, reopened.Objects(), 2)
	restored := reopened.Objects()[0]
	assert.Equal(t, "a", restored.Name())
	assert.Equal(t, a.RepresentativeImage(), restored.RepresentativeImage())
	assert.Equal(t, StateSealed, restored.State())
	assert.Equal(t, a.Histogram().Words(), restored.Histogram().Words())

	after, err := reopened.Query(ctx, query, index.ModeIDFNormalized)
	require.NoError(t, err)
	require.Len(t, after, len(before))
	for i := range before {
		assert.Equal(t, before[i].Object.ID(), after[i].Object.ID())
		assert.InDelta(t, before[i].Score, after[i].Score, 1e-12)
	}

	open, ok := reopened.Object(pending.ID())
	require.True(t, ok)
	assert.Equal(t, StateOpen, open.State())
	assert.False(t, open.Indexed())
	assert.Equal(t, 1, open.KeypointCount())
	require.NoError(t, open.Prepare(ctx))
	require.NoError(t, reopened.AddToIndex(ctx, open))
	assert.Equal(t, 3, reopened.Index().ObjectCount())
}

func TestRetrainedTreeCannotReplaceIndexedWords(t *testing.T) {
	db, path := createDB(t, Options{})
	ctx := context.Background()
	a := trainObject(t, db, "a", frame.Frame{Keypoints: points(nearTen)})
	query := index.HistogramOf(db.Tree().Quantize(nearTen))

	other, err := vocabtree.BuildFromData(ctx, vocabtree.SliceCorpus{
		{10, 10}, {10.1, 10.1}, {0, 0}, {0.1, 0.1}, {-10, -10}, {-10.1, -10.1},
	}, vocabtree.BuildOptions{Branching: 3, MaxLevel: 1, MinElem: 1, Logger: logger.Discard()})
	require.NoError(t, err)
	err = other.SaveToStore(ctx, db.Store())
	assert.ErrorIs(t, err, apperrors.ErrInvalidState)
	require.NoError(t, db.Close())

	reopened, err := Open(ctx, path, Options{Logger: logger.Discard()})
	require.NoError(t, err)
	defer reopened.Close()
	assert.Equal(t, 2, reopened.Tree().LeafCount())
	matches, err := reopened.Query(ctx, query, index.ModeFrequency)
	require.NoError(t, err)
	require.Len(t, matches, 1)
	assert.Equal(t, a.ID(), matches[0].Object.ID())
}

func TestOpenMissing(t *testing.T) {
	_, err := Open(context.Background(), filepath.Join(t.TempDir(), "absent.db"), Options{})
	assert.ErrorIs(t, err, apperrors.ErrNotFound)
}

func TestOpenWithoutTree(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "empty.db")
	c, err := storage.OpenSQLite(ctx, path, true)
	require.NoError(t, err)
	require.NoError(t, c.Close())

	_, err = Open(ctx, path, Options{Logger: logger.Discard()})
	assert.ErrorIs(t, err, apperrors.ErrNotFound)
}

func TestStorageFailureLeavesIndexUntouched(t *testing.T) {
	db, _ := createDB(t, Options{})
	ctx := context.Background()
	obj, err := db.CreateObject(ctx, "doomed", 0)
	require.NoError(t, err)
	_, err = obj.AddFrame(ctx, frame.Frame{Keypoints: points(nearOrigin)})
	require.NoError(t, err)
	require.NoError(t, obj.Prepare(ctx))

	_, err = db.Store().ExecContext(ctx, "DROP TABLE postings")
	require.NoError(t, err)
	version := db.Index().Version()
	generation := db.Generation()

	err = db.AddToIndex(ctx, obj)
	assert.ErrorIs(t, err, apperrors.ErrStorageWrite)
	assert.False(t, db.Index().Contains(obj.ID()))
	assert.False(t, obj.Indexed())
	assert.Equal(t, version, db.Index().Version())
	assert.Equal(t, generation, db.Generation())
}

func TestDatabaseMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := metrics.New(reg)
	db, _ := createDB(t, Options{Metrics: m})
	trainObject(t, db, "counted", frame.Frame{Keypoints: points(nearOrigin, nearTen, nearTen)})
	_, err := db.Query(context.Background(), index.HistogramOf(db.Tree().Quantize(nearTen)), index.ModeIDF)
	require.NoError(t, err)

	families, err := reg.Gather()
	require.NoError(t, err)
	values := make(map[string]float64)
	for _, f := range families {
		for _, metric := range f.GetMetric() {
			switch {
			case metric.GetCounter() != nil:
				values[f.GetName()] += metric.GetCounter().GetValue()
			case metric.GetGauge() != nil:
				values[f.GetName()] = metric.GetGauge().GetValue()
			case metric.GetHistogram() != nil:
				values[f.GetName()] += float64(metric.GetHistogram().GetSampleCount())
			}
		}
	}
	assert.Equal(t, 3.0, values["vocabtree_descriptors_quantized_total"])
	assert.Equal(t, 1.0, values["visualdb_objects_indexed_total"])
	assert.Equal(t, 1.0, values["visualdb_query_latency_seconds"])
}
