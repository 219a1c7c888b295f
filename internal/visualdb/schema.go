package visualdb

import (
	"context"
	"fmt"

	"github.com/Adithya-Monish-Kumar-K/visual-search/internal/vocabtree"
	"github.com/Adithya-Monish-Kumar-K/visual-search/pkg/storage"
	"github.com/google/uuid"
)

// Schema returns the object, keypoint, image and index tables for d. The
// tree tables come from vocabtree.TreeSchema.
func Schema(d storage.Dialect) string {
	return fmt.Sprintf(`
CREATE TABLE IF NOT EXISTS images (
	img_id   %[1]s,
	width    INTEGER NOT NULL,
	height   INTEGER NOT NULL,
	step     INTEGER NOT NULL,
	channels INTEGER NOT NULL,
	data     %[2]s NOT NULL
);
CREATE TABLE IF NOT EXISTS objects (
	obj_id               %[1]s,
	name                 TEXT NOT NULL,
	representative_image BIGINT,
	flags                INTEGER NOT NULL DEFAULT 0,
	indexed              INTEGER NOT NULL DEFAULT 0,
	created_at           BIGINT NOT NULL
);
CREATE TABLE IF NOT EXISTS keypoints (
	kpt_id     %[1]s,
	obj_id     BIGINT NOT NULL,
	word_id    BIGINT NOT NULL,
	img_id     BIGINT,
	u          REAL NOT NULL,
	v          REAL NOT NULL,
	track_id   BIGINT NOT NULL,
	descriptor %[2]s NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_keypoints_obj ON keypoints (obj_id);
CREATE TABLE IF NOT EXISTS words (
	word_id            BIGINT PRIMARY KEY,
	document_frequency BIGINT NOT NULL
);
CREATE TABLE IF NOT EXISTS postings (
	word_id        BIGINT NOT NULL,
	obj_id         BIGINT NOT NULL,
	term_frequency BIGINT NOT NULL,
	PRIMARY KEY (word_id, obj_id)
);
CREATE INDEX IF NOT EXISTS idx_postings_obj ON postings (obj_id);
CREATE TABLE IF NOT EXISTS index_state (
	id         INTEGER PRIMARY KEY,
	token      TEXT NOT NULL,
	generation BIGINT NOT NULL
)`, d.AutoID, d.Blob)
}

// EnsureSchema creates every table the database uses.
func EnsureSchema(ctx context.Context, c *storage.Client) error {
	if err := vocabtree.EnsureSchema(ctx, c); err != nil {
		return err
	}
	if err := c.ExecScript(ctx, Schema(c.Dialect())); err != nil {
		return fmt.Errorf("creating database schema: %w", err)
	}
	if _, err := c.ExecContext(ctx,
		"INSERT INTO index_state (id, token, generation) SELECT 1, CAST(? AS TEXT), 0 "+
			"WHERE NOT EXISTS (SELECT 1 FROM index_state WHERE id = 1)",
		uuid.NewString(),
	); err != nil {
		return fmt.Errorf("initializing index state: %w", err)
	}
	return nil
}

// Generation names the indexed contents of one database: Token is fixed
// when the schema is created and Count grows with every committed
// AddToIndex. Processes opening the same database agree on it.
type Generation struct {
	Token string
	Count uint64
}

func (g Generation) String() string {
	return fmt.Sprintf("%s.%d", g.Token, g.Count)
}

func loadGeneration(ctx context.Context, c *storage.Client) (Generation, error) {
	var g Generation
	var count int64
	err := c.QueryRowContext(ctx, "SELECT token, generation FROM index_state WHERE id = 1").Scan(&g.Token, &count)
	if err != nil {
		return g, fmt.Errorf("reading index state: %w", err)
	}
	g.Count = uint64(count)
	return g, nil
}
