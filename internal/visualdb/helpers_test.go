package visualdb

import (
	"context"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/Adithya-Monish-Kumar-K/visual-search/internal/frame"
	"github.com/Adithya-Monish-Kumar-K/visual-search/internal/vocabtree"
	"github.com/Adithya-Monish-Kumar-K/visual-search/pkg/logger"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
)

var (
	nearOrigin = []float32{0.05, 0.05}
	nearTen    = []float32{10.05, 10.05}
)

// testTree has two leaves, one around (0,0) and one around (10,10).
func testTree(t testing.TB) *vocabtree.Tree {
	t.Helper()
	corpus := vocabtree.SliceCorpus{
		{0, 0}, {0.1, 0}, {0, 0.1}, {0.1, 0.1},
		{10, 10}, {10.1, 10}, {10, 10.1}, {10.1, 10.1},
	}
	tree, err := vocabtree.BuildFromData(context.Background(), corpus, vocabtree.BuildOptions{
		Branching: 2,
		MaxLevel:  1,
		MinElem:   1,
		Logger:    logger.Discard(),
	})
	require.NoError(t, err)
	require.Equal(t, 2, tree.LeafCount())
	return tree
}

func createDB(t testing.TB, opts Options) (*Database, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "visual.db")
	if opts.Logger == nil {
		opts.Logger = logger.Discard()
	}
	db, err := Create(context.Background(), path, testTree(t), opts)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db, path
}

func points(descs ...[]float32) []frame.Keypoint {
	out := make([]frame.Keypoint, len(descs))
	for i, d := range descs {
		out[i] = frame.Point{X: float32(i), Y: float32(2 * i), Track: uint64(i + 1), Desc: d}
	}
	return out
}

func trainObject(t testing.TB, db *Database, name string, frames ...frame.Frame) *Object {
	t.Helper()
	ctx := context.Background()
	obj, err := db.CreateObject(ctx, name, 0)
	require.NoError(t, err)
	for _, f := range frames {
		_, err := obj.AddFrame(ctx, f)
		require.NoError(t, err)
	}
	require.NoError(t, obj.Prepare(ctx))
	require.NoError(t, db.AddToIndex(ctx, obj))
	return obj
}

func countRows(t testing.TB, db *Database, table string) int {
	t.Helper()
	var n int
	require.NoError(t, db.Store().QueryRowContext(context.Background(), "SELECT COUNT(*) FROM "+table).Scan(&n))
	return n
}

// mapBackend is an in-process CacheBackend.
type mapBackend struct {
	mu   sync.Mutex
	data map[string][]byte
	gets int
}

func newMapBackend() *mapBackend {
	return &mapBackend{data: make(map[string][]byte)}
}

func (m *mapBackend) Get(_ context.Context, key string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.gets++
	v, ok := m.data[key]
	if !ok {
		return nil, goredis.Nil
	}
	return v, nil
}

func (m *mapBackend) Set(_ context.Context, key string, value []byte, _ time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data[key] = value
	return nil
}

func (m *mapBackend) DeletePrefix(_ context.Context, prefix string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for k := range m.data {
		if strings.HasPrefix(k, prefix) {
			delete(m.data, k)
			n++
		}
	}
	return n, nil
}

func (m *mapBackend) keys() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, 0, len(m.data))
	for k := range m.data {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

func gen(n uint64) Generation {
	return Generation{Token: "test", Count: n}
}
