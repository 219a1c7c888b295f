package vocabtree

import (
	"context"
	"path/filepath"
	"testing"

	apperrors "github.com/Adithya-Monish-Kumar-K/visual-search/pkg/errors"
	"github.com/Adithya-Monish-Kumar-K/visual-search/pkg/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestStore(t *testing.T) *storage.Client {
	t.Helper()
	c, err := storage.OpenSQLite(context.Background(), filepath.Join(t.TempDir(), "tree.db"), true)
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })
	return c
}

func TestDatabaseRoundTripMatchesFile(t *testing.T) {
	ctx := context.Background()
	corpus := randomCorpus(31, 400, 6)
	tree := mustBuild(t, corpus, BuildOptions{MaxLevel: 4, MinElem: 3})
	dbPath := filepath.Join(t.TempDir(), "visual.db")

	require.NoError(t, tree.SaveToDatabase(ctx, dbPath))
	c, err := storage.OpenSQLite(ctx, dbPath, false)
	require.NoError(t, err)
	defer c.Close()
	fromDB, err := LoadFromStore(ctx, c)
	require.NoError(t, err)

	filePath := filepath.Join(t.TempDir(), "vocab.tree")
	require.NoError(t, tree.Save(filePath))
	fromFile, err := Load(filePath)
	require.NoError(t, err)

	assert.Equal(t, tree.nodes, fromDB.nodes)
	assert.Equal(t, fromFile.nodes, fromDB.nodes)
	assert.Equal(t, tree.MaxDepth(), fromDB.MaxDepth())
	for _, d := range randomCorpus(32, 100, 6) {
		assert.Equal(t, fromFile.Quantize(d), fromDB.Quantize(d))
	}
}

func TestSaveToStoreReplacesPreviousTree(t *testing.T) {
	ctx := context.Background()
	c := openTestStore(t)
	require.NoError(t, mustBuild(t, randomCorpus(1, 200, 2), BuildOptions{MaxLevel: 3, MinElem: 1}).SaveToStore(ctx, c))
	require.NoError(t, handTree().SaveToStore(ctx, c))

	loaded, err := LoadFromStore(ctx, c)
	require.NoError(t, err)
	assert.Equal(t, handTree().nodes, loaded.nodes)

	var rows int
	require.NoError(t, c.QueryRowContext(ctx, "SELECT COUNT(*) FROM tree_info").Scan(&rows))
	assert.Equal(t, 1, rows)
}

func TestLoadFromStoreEmpty(t *testing.T) {
	_, err := LoadFromStore(context.Background(), openTestStore(t))
	assert.ErrorIs(t, err, apperrors.ErrNotFound)
}

func TestLoadFromStoreRejectsDamage(t *testing.T) {
	cases := []struct {
		name string
		sql  string
	}{
		{"missing edge", "DELETE FROM tree_structure WHERE child_id = 2"},
		{"missing root", "DELETE FROM tree_structure WHERE parent_id = -1"},
		{"dangling edge", "INSERT INTO tree_structure (parent_id, child_id, position) VALUES (0, 9, 2)"},
		{"cycle", "INSERT INTO tree_structure (parent_id, child_id, position) VALUES (1, 0, 0)"},
		{"short centroid", "UPDATE tree_nodes SET centroid = X'00' WHERE node_id = 1"},
		{"count sum", "UPDATE tree_nodes SET descriptor_count = 9 WHERE node_id = 0"},
		{"duplicate word", "UPDATE tree_nodes SET word_id = 0 WHERE node_id = 2"},
		{"leaf count", "UPDATE tree_info SET leaf_count = 5"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			ctx := context.Background()
			c := openTestStore(t)
			require.NoError(t, handTree().SaveToStore(ctx, c))
			_, err := c.ExecContext(ctx, tc.sql)
			require.NoError(t, err)

			tree, err := LoadFromStore(ctx, c)
			assert.ErrorIs(t, err, apperrors.ErrCorruptFormat)
			assert.Nil(t, tree)
		})
	}
}

func TestSaveToStoreRefusesTrainedDatabase(t *testing.T) {
	ctx := context.Background()
	c := openTestStore(t)
	require.NoError(t, handTree().SaveToStore(ctx, c))
	require.NoError(t, c.ExecScript(ctx, `
CREATE TABLE objects (obj_id INTEGER PRIMARY KEY, name TEXT);
CREATE TABLE postings (word_id BIGINT, obj_id BIGINT, term_frequency BIGINT);`))

	// Empty object tables do not pin the tree.
	other := mustBuild(t, randomCorpus(1, 200, 1), BuildOptions{MaxLevel: 3, MinElem: 1})
	require.NoError(t, other.SaveToStore(ctx, c))
	require.NoError(t, handTree().SaveToStore(ctx, c))

	_, err := c.ExecContext(ctx, "INSERT INTO postings (word_id, obj_id, term_frequency) VALUES (1, 1, 2)")
	require.NoError(t, err)
	err = other.SaveToStore(ctx, c)
	assert.ErrorIs(t, err, apperrors.ErrInvalidState)

	loaded, err := LoadFromStore(ctx, c)
	require.NoError(t, err)
	assert.Equal(t, handTree().nodes, loaded.nodes)
}
