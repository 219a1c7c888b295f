package vocabtree

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math"

	apperrors "github.com/Adithya-Monish-Kumar-K/visual-search/pkg/errors"
	"github.com/Adithya-Monish-Kumar-K/visual-search/pkg/storage"
)

const rootParent int64 = -1

// TreeSchema returns the DDL of the tree tables for d. The root node is
// the child of parent -1 in tree_structure; internal nodes store word -1.
func TreeSchema(d storage.Dialect) string {
	return fmt.Sprintf(`
CREATE TABLE IF NOT EXISTS tree_info (
	branching  INTEGER NOT NULL,
	max_depth  INTEGER NOT NULL,
	dim        INTEGER NOT NULL,
	leaf_count INTEGER NOT NULL
);
CREATE TABLE IF NOT EXISTS tree_nodes (
	node_id          BIGINT PRIMARY KEY,
	word_id          BIGINT NOT NULL,
	descriptor_count BIGINT NOT NULL,
	centroid         %s NOT NULL
);
CREATE TABLE IF NOT EXISTS tree_structure (
	parent_id BIGINT NOT NULL,
	child_id  BIGINT NOT NULL,
	position  INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_tree_structure_parent ON tree_structure (parent_id, position)`, d.Blob)
}

// EnsureSchema creates the tree tables when missing.
func EnsureSchema(ctx context.Context, c *storage.Client) error {
	if err := c.ExecScript(ctx, TreeSchema(c.Dialect())); err != nil {
		return fmt.Errorf("creating tree schema: %w", err)
	}
	return nil
}

// SaveToDatabase writes the tree into the sqlite file at path, creating
// the file and tables as needed.
func (t *Tree) SaveToDatabase(ctx context.Context, path string) error {
	c, err := storage.OpenSQLite(ctx, path, true)
	if err != nil {
		return apperrors.Newf(apperrors.ErrStorageWrite, "vocabtree.SaveToDatabase", "%v", err)
	}
	defer c.Close()
	return t.SaveToStore(ctx, c)
}

// wordTables hold word ids that only mean something under the stored tree.
var wordTables = []string{"objects", "keypoints", "postings"}

// SaveToStore replaces the tree rows in one transaction. It refuses with
// ErrInvalidState once objects have been trained against the stored tree.
func (t *Tree) SaveToStore(ctx context.Context, c *storage.Client) error {
	const op = "vocabtree.SaveToStore"
	if err := EnsureSchema(ctx, c); err != nil {
		return apperrors.Newf(apperrors.ErrStorageWrite, op, "%v", err)
	}
	err := c.InTx(ctx, func(tx *storage.Tx) error {
		for _, table := range wordTables {
			used, err := tx.HasRows(ctx, table)
			if err != nil {
				return err
			}
			if used {
				return apperrors.Newf(apperrors.ErrInvalidState, op,
					"%s holds words of the stored tree; use a new database", table)
			}
		}
		for _, table := range []string{"tree_structure", "tree_nodes", "tree_info"} {
			if _, err := tx.Exec(ctx, "DELETE FROM "+table); err != nil {
				return fmt.Errorf("clearing %s: %w", table, err)
			}
		}
		if _, err := tx.Exec(ctx,
			"INSERT INTO tree_info (branching, max_depth, dim, leaf_count) VALUES (?, ?, ?, ?)",
			t.branching, t.maxDepth, t.dim, t.leafCount,
		); err != nil {
			return fmt.Errorf("inserting tree info: %w", err)
		}
		nodeStmt, err := tx.Prepare(ctx,
			"INSERT INTO tree_nodes (node_id, word_id, descriptor_count, centroid) VALUES (?, ?, ?, ?)")
		if err != nil {
			return fmt.Errorf("preparing node insert: %w", err)
		}
		defer nodeStmt.Close()
		edgeStmt, err := tx.Prepare(ctx,
			"INSERT INTO tree_structure (parent_id, child_id, position) VALUES (?, ?, ?)")
		if err != nil {
			return fmt.Errorf("preparing structure insert: %w", err)
		}
		defer edgeStmt.Close()

		if _, err := edgeStmt.ExecContext(ctx, rootParent, 0, 0); err != nil {
			return fmt.Errorf("inserting root edge: %w", err)
		}
		for i := range t.nodes {
			n := &t.nodes[i]
			word := int64(-1)
			if n.IsLeaf() {
				word = int64(n.Word)
			}
			if _, err := nodeStmt.ExecContext(ctx, int64(i), word, int64(n.Count), EncodeFloats(n.Centroid)); err != nil {
				return fmt.Errorf("inserting node %d: %w", i, err)
			}
			for pos, child := range n.Children {
				if _, err := edgeStmt.ExecContext(ctx, int64(i), int64(child), pos); err != nil {
					return fmt.Errorf("inserting edge %d->%d: %w", i, child, err)
				}
			}
		}
		return nil
	})
	if errors.Is(err, apperrors.ErrInvalidState) {
		return err
	}
	if err != nil {
		return apperrors.Newf(apperrors.ErrStorageWrite, op, "%v", err)
	}
	return nil
}

// LoadFromStore rebuilds the tree saved by SaveToStore. No tree rows
// yields ErrNotFound; dangling or inconsistent rows yield ErrCorruptFormat.
func LoadFromStore(ctx context.Context, c *storage.Client) (*Tree, error) {
	const op = "vocabtree.LoadFromStore"
	if err := EnsureSchema(ctx, c); err != nil {
		return nil, err
	}
	var branching, maxDepth, dim, leafCount int64
	err := c.QueryRowContext(ctx, "SELECT branching, max_depth, dim, leaf_count FROM tree_info").
		Scan(&branching, &maxDepth, &dim, &leafCount)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperrors.New(apperrors.ErrNotFound, op, "no tree stored")
	}
	if err != nil {
		return nil, fmt.Errorf("reading tree info: %w", err)
	}

	stored, err := readNodes(ctx, c, int(dim))
	if err != nil {
		return nil, err
	}
	root, err := readStructure(ctx, c, stored)
	if err != nil {
		return nil, err
	}

	t := &Tree{
		nodes:     make([]Node, 0, len(stored)),
		branching: int(branching),
		maxDepth:  int(maxDepth),
		dim:       int(dim),
		leafCount: int(leafCount),
	}
	if err := t.relink(stored, root); err != nil {
		return nil, apperrors.New(apperrors.ErrCorruptFormat, op, err.Error())
	}
	if err := t.validate(); err != nil {
		return nil, apperrors.New(apperrors.ErrCorruptFormat, op, err.Error())
	}
	return t, nil
}

type storedNode struct {
	node     Node
	children []int64
}

func readNodes(ctx context.Context, c *storage.Client, dim int) (map[int64]*storedNode, error) {
	const op = "vocabtree.LoadFromStore"
	rows, err := c.QueryContext(ctx,
		"SELECT node_id, word_id, descriptor_count, centroid FROM tree_nodes ORDER BY node_id")
	if err != nil {
		return nil, fmt.Errorf("querying tree nodes: %w", err)
	}
	defer rows.Close()
	stored := make(map[int64]*storedNode)
	for rows.Next() {
		var id, word, count int64
		var blob []byte
		if err := rows.Scan(&id, &word, &count, &blob); err != nil {
			return nil, fmt.Errorf("scanning tree node: %w", err)
		}
		centroid, err := DecodeFloats(blob, dim)
		if err != nil {
			return nil, apperrors.Newf(apperrors.ErrCorruptFormat, op, "node %d: %v", id, err)
		}
		if count < 0 || count > math.MaxUint32 || word < -1 || word >= int64(NoWord) {
			return nil, apperrors.Newf(apperrors.ErrCorruptFormat, op, "node %d: word %d count %d", id, word, count)
		}
		n := Node{Centroid: centroid, Word: NoWord, Count: uint32(count)}
		if word >= 0 {
			n.Word = WordID(word)
		}
		stored[id] = &storedNode{node: n}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating tree nodes: %w", err)
	}
	if len(stored) == 0 {
		return nil, apperrors.New(apperrors.ErrCorruptFormat, op, "tree info without nodes")
	}
	return stored, nil
}

func readStructure(ctx context.Context, c *storage.Client, stored map[int64]*storedNode) (int64, error) {
	const op = "vocabtree.LoadFromStore"
	rows, err := c.QueryContext(ctx,
		"SELECT parent_id, child_id FROM tree_structure ORDER BY parent_id, position")
	if err != nil {
		return 0, fmt.Errorf("querying tree structure: %w", err)
	}
	defer rows.Close()
	root, roots := int64(0), 0
	for rows.Next() {
		var parent, child int64
		if err := rows.Scan(&parent, &child); err != nil {
			return 0, fmt.Errorf("scanning tree structure: %w", err)
		}
		if _, ok := stored[child]; !ok {
			return 0, apperrors.Newf(apperrors.ErrCorruptFormat, op, "edge to missing node %d", child)
		}
		if parent == rootParent {
			root = child
			roots++
			continue
		}
		p, ok := stored[parent]
		if !ok {
			return 0, apperrors.Newf(apperrors.ErrCorruptFormat, op, "edge from missing node %d", parent)
		}
		p.children = append(p.children, child)
	}
	if err := rows.Err(); err != nil {
		return 0, fmt.Errorf("iterating tree structure: %w", err)
	}
	if roots != 1 {
		return 0, apperrors.Newf(apperrors.ErrCorruptFormat, op, "%d root edges", roots)
	}
	return root, nil
}

// relink lays the stored nodes out in pre-order from root, the same arena
// order a fresh build or a tree file produces.
func (t *Tree) relink(stored map[int64]*storedNode, root int64) error {
	placed := make(map[int64]bool, len(stored))
	var visit func(id int64, depth int) (int32, error)
	visit = func(id int64, depth int) (int32, error) {
		if placed[id] {
			return 0, fmt.Errorf("node %d reached twice", id)
		}
		if depth > t.maxDepth {
			return 0, fmt.Errorf("node %d below max depth %d", id, t.maxDepth)
		}
		placed[id] = true
		s := stored[id]
		idx := int32(len(t.nodes))
		n := s.node
		n.Depth = uint16(depth)
		n.Children = nil
		t.nodes = append(t.nodes, n)
		children := make([]int32, 0, len(s.children))
		for _, c := range s.children {
			ci, err := visit(c, depth+1)
			if err != nil {
				return 0, err
			}
			children = append(children, ci)
		}
		if len(children) > 0 {
			t.nodes[idx].Children = children
		}
		return idx, nil
	}
	if _, err := visit(root, 0); err != nil {
		return err
	}
	if len(placed) != len(stored) {
		return fmt.Errorf("%d nodes unreachable from the root", len(stored)-len(placed))
	}
	return nil
}
