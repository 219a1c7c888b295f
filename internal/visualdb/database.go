// Package visualdb binds a vocabulary tree, the inverted index and the
// relational store into a recognition database: objects are trained from
// tracked keypoints, sealed, indexed and then matched against queries.
package visualdb

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/Adithya-Monish-Kumar-K/visual-search/internal/frame"
	"github.com/Adithya-Monish-Kumar-K/visual-search/internal/index"
	"github.com/Adithya-Monish-Kumar-K/visual-search/internal/vocabtree"
	apperrors "github.com/Adithya-Monish-Kumar-K/visual-search/pkg/errors"
	"github.com/Adithya-Monish-Kumar-K/visual-search/pkg/metrics"
	"github.com/Adithya-Monish-Kumar-K/visual-search/pkg/storage"
	"github.com/Adithya-Monish-Kumar-K/visual-search/pkg/tracing"
	lru "github.com/hashicorp/golang-lru/v2"
)

const defaultImageCacheLen = 64

type Options struct {
	// Tree overrides the tree stored in the database.
	Tree          *vocabtree.Tree
	ImageCacheLen int
	Cache         *QueryCache
	Metrics       *metrics.Metrics
	Logger        *slog.Logger
}

// Match is one recognized object.
type Match struct {
	Object *Object
	Score  float64
}

type Database struct {
	store     *storage.Client
	ownsStore bool
	tree      *vocabtree.Tree
	index     *index.InvertedIndex
	images    *lru.Cache[ImageID, *frame.Image]
	cache     *QueryCache
	metrics   *metrics.Metrics
	logger    *slog.Logger

	mu      sync.RWMutex
	objects map[index.ObjectID]*Object

	// indexMu serializes AddToIndex so stored document frequencies follow
	// the in-memory index.
	indexMu sync.Mutex

	// genMu keeps generation and the index contents in step for queries.
	genMu      sync.RWMutex
	generation Generation
}

// Open binds the sqlite database at path. A missing file yields
// ErrNotFound.
func Open(ctx context.Context, path string, opts Options) (*Database, error) {
	c, err := storage.OpenSQLite(ctx, path, false)
	if err != nil {
		return nil, err
	}
	d, err := OpenStore(ctx, c, opts)
	if err != nil {
		c.Close()
		return nil, err
	}
	d.ownsStore = true
	return d, nil
}

// Create initializes a sqlite database at path holding tree, creating the
// file when needed, and opens it.
func Create(ctx context.Context, path string, tree *vocabtree.Tree, opts Options) (*Database, error) {
	c, err := storage.OpenSQLite(ctx, path, true)
	if err != nil {
		return nil, apperrors.Newf(apperrors.ErrStorageWrite, "visualdb.Create", "%v", err)
	}
	if err := tree.SaveToStore(ctx, c); err != nil {
		c.Close()
		return nil, err
	}
	opts.Tree = tree
	d, err := OpenStore(ctx, c, opts)
	if err != nil {
		c.Close()
		return nil, err
	}
	d.ownsStore = true
	return d, nil
}

// OpenStore binds an open client. It creates missing tables, loads the
// tree unless opts.Tree is set and reloads every stored object, indexing
// the ones that were indexed. The caller keeps ownership of c.
func OpenStore(ctx context.Context, c *storage.Client, opts Options) (*Database, error) {
	const op = "visualdb.Open"
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "visualdb")

	if err := EnsureSchema(ctx, c); err != nil {
		return nil, apperrors.Newf(apperrors.ErrStorageWrite, op, "%v", err)
	}
	tree := opts.Tree
	if tree == nil {
		var err error
		tree, err = vocabtree.LoadFromStore(ctx, c)
		if err != nil {
			return nil, fmt.Errorf("loading vocabulary tree: %w", err)
		}
	}
	cacheLen := opts.ImageCacheLen
	if cacheLen <= 0 {
		cacheLen = defaultImageCacheLen
	}
	images, err := lru.NewWithEvict(cacheLen, func(id ImageID, _ *frame.Image) {
		logger.Debug("image evicted from cache", "img_id", id)
	})
	if err != nil {
		return nil, fmt.Errorf("creating image cache: %w", err)
	}

	d := &Database{
		store:   c,
		tree:    tree,
		index:   index.NewInvertedIndex(),
		images:  images,
		cache:   opts.Cache,
		metrics: opts.Metrics,
		logger:  logger,
		objects: make(map[index.ObjectID]*Object),
	}
	if err := d.reload(ctx); err != nil {
		return nil, err
	}
	if d.generation, err = loadGeneration(ctx, c); err != nil {
		return nil, err
	}
	if d.metrics != nil {
		d.metrics.TreeLeaves.Set(float64(tree.LeafCount()))
	}
	d.updateGauges()
	logger.Info("visual database opened",
		"path", c.Path(),
		"objects", len(d.objects),
		"indexed", d.index.ObjectCount(),
		"leaves", tree.LeafCount(),
		"generation", d.generation.Count,
	)
	return d, nil
}

func (d *Database) reload(ctx context.Context) error {
	rows, err := d.store.QueryContext(ctx,
		"SELECT obj_id, name, representative_image, flags, indexed, created_at FROM objects ORDER BY obj_id")
	if err != nil {
		return fmt.Errorf("querying objects: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var (
			id, created    int64
			name           string
			representative sql.NullInt64
			flags, indexed int
		)
		if err := rows.Scan(&id, &name, &representative, &flags, &indexed, &created); err != nil {
			return fmt.Errorf("scanning object: %w", err)
		}
		o := &Object{
			db:             d,
			id:             index.ObjectID(id),
			name:           name,
			representative: ImageID(representative.Int64),
			flags:          flags,
			indexed:        indexed != 0,
			hist:           index.NewHistogram(),
			createdAt:      time.Unix(0, created),
		}
		if flags&FlagSealed != 0 || o.indexed {
			o.state = StateSealed
		}
		d.objects[o.id] = o
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("iterating objects: %w", err)
	}
	rows.Close()

	if err := d.reloadKeypoints(ctx); err != nil {
		return err
	}
	if err := d.reloadPostings(ctx); err != nil {
		return err
	}
	d.index.FinalizeDocumentFrequencies()
	return nil
}

func (d *Database) reloadKeypoints(ctx context.Context) error {
	rows, err := d.store.QueryContext(ctx, "SELECT obj_id, word_id FROM keypoints ORDER BY kpt_id")
	if err != nil {
		return fmt.Errorf("querying keypoints: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var obj, word int64
		if err := rows.Scan(&obj, &word); err != nil {
			return fmt.Errorf("scanning keypoint: %w", err)
		}
		o, ok := d.objects[index.ObjectID(obj)]
		if !ok {
			continue
		}
		o.hist.Add(vocabtree.WordID(word), 1)
		o.keypoints++
	}
	return rows.Err()
}

func (d *Database) reloadPostings(ctx context.Context) error {
	rows, err := d.store.QueryContext(ctx, "SELECT obj_id, word_id, term_frequency FROM postings ORDER BY obj_id, word_id")
	if err != nil {
		return fmt.Errorf("querying postings: %w", err)
	}
	defer rows.Close()
	stored := make(map[index.ObjectID]*index.Histogram)
	for rows.Next() {
		var obj, word, tf int64
		if err := rows.Scan(&obj, &word, &tf); err != nil {
			return fmt.Errorf("scanning posting: %w", err)
		}
		h, ok := stored[index.ObjectID(obj)]
		if !ok {
			h = index.NewHistogram()
			stored[index.ObjectID(obj)] = h
		}
		h.Add(vocabtree.WordID(word), float64(tf))
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("iterating postings: %w", err)
	}
	for id, o := range d.objects {
		if !o.indexed {
			continue
		}
		if err := d.index.AddObject(id, stored[id]); err != nil {
			return err
		}
	}
	return nil
}

// Generation returns the stored generation the in-memory index matches.
func (d *Database) Generation() Generation {
	d.genMu.RLock()
	defer d.genMu.RUnlock()
	return d.generation
}

// Store exposes the relational handle for collaborators that need direct
// access.
func (d *Database) Store() *storage.Client { return d.store }

func (d *Database) Tree() *vocabtree.Tree { return d.tree }

func (d *Database) Index() *index.InvertedIndex { return d.index }

// CreateObject inserts a new open object.
func (d *Database) CreateObject(ctx context.Context, name string, representative ImageID) (*Object, error) {
	now := time.Now()
	var id int64
	err := d.store.QueryRowContext(ctx,
		"INSERT INTO objects (name, representative_image, flags, indexed, created_at) VALUES (?, ?, 0, 0, ?) RETURNING obj_id",
		name, sql.NullInt64{Int64: int64(representative), Valid: representative != 0}, now.UnixNano(),
	).Scan(&id)
	if err != nil {
		return nil, apperrors.Newf(apperrors.ErrStorageWrite, "visualdb.CreateObject", "%q: %v", name, err)
	}
	o := &Object{
		db:             d,
		id:             index.ObjectID(id),
		name:           name,
		representative: representative,
		hist:           index.NewHistogram(),
		createdAt:      time.Unix(0, now.UnixNano()),
	}
	d.mu.Lock()
	d.objects[o.id] = o
	d.mu.Unlock()
	d.logger.Debug("object created", "obj_id", id, "name", name)
	return o, nil
}

// Object returns the object with id, indexed or not.
func (d *Database) Object(id index.ObjectID) (*Object, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	o, ok := d.objects[id]
	return o, ok
}

// Objects returns the indexed objects ordered by id.
func (d *Database) Objects() []*Object {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make([]*Object, 0, len(d.objects))
	for _, o := range d.objects {
		if o.Indexed() {
			out = append(out, o)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].id < out[j].id })
	return out
}

// Pending returns the objects not yet indexed, ordered by id.
func (d *Database) Pending() []*Object {
	d.mu.RLock()
	defer d.mu.RUnlock()
	var out []*Object
	for _, o := range d.objects {
		if !o.Indexed() {
			out = append(out, o)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].id < out[j].id })
	return out
}

// AddToIndex writes the postings of a sealed object and adds it to the
// in-memory index. A repeat call yields ErrAlreadyIndexed and changes
// nothing; a storage failure leaves the index untouched.
func (d *Database) AddToIndex(ctx context.Context, o *Object) error {
	const op = "visualdb.AddToIndex"
	if o == nil || o.db != d {
		return apperrors.New(apperrors.ErrInvalidInput, op, "object does not belong to this database")
	}
	ctx, span := tracing.Start(ctx, "visualdb.add_to_index")
	defer span.End()
	span.SetAttr("obj_id", int64(o.id))

	o.mu.Lock()
	defer o.mu.Unlock()
	if o.indexed || d.index.Contains(o.id) {
		return apperrors.Newf(apperrors.ErrAlreadyIndexed, op, "object %d", o.id)
	}
	if o.state != StateSealed {
		return apperrors.Newf(apperrors.ErrInvalidState, op, "object %d is still open", o.id)
	}

	d.indexMu.Lock()
	defer d.indexMu.Unlock()
	words := o.hist.Words()
	var generation int64
	err := d.store.InTx(ctx, func(tx *storage.Tx) error {
		post, err := tx.Prepare(ctx, "INSERT INTO postings (word_id, obj_id, term_frequency) VALUES (?, ?, ?)")
		if err != nil {
			return fmt.Errorf("preparing posting insert: %w", err)
		}
		defer post.Close()
		df, err := tx.Prepare(ctx,
			"INSERT INTO words (word_id, document_frequency) VALUES (?, ?) "+
				"ON CONFLICT (word_id) DO UPDATE SET document_frequency = excluded.document_frequency")
		if err != nil {
			return fmt.Errorf("preparing word upsert: %w", err)
		}
		defer df.Close()
		for _, w := range words {
			f := index.Frequency(o.hist.Weight(w))
			if f == 0 {
				continue
			}
			if _, err := post.ExecContext(ctx, int64(w), int64(o.id), int64(f)); err != nil {
				return fmt.Errorf("inserting posting (%d, %d): %w", w, o.id, err)
			}
			if _, err := df.ExecContext(ctx, int64(w), int64(d.index.DocumentFrequency(w)+1)); err != nil {
				return fmt.Errorf("updating document frequency of %d: %w", w, err)
			}
		}
		if _, err := tx.Exec(ctx, "UPDATE objects SET indexed = 1 WHERE obj_id = ?", int64(o.id)); err != nil {
			return fmt.Errorf("marking object indexed: %w", err)
		}
		if err := tx.QueryRow(ctx,
			"UPDATE index_state SET generation = generation + 1 WHERE id = 1 RETURNING generation",
		).Scan(&generation); err != nil {
			return fmt.Errorf("bumping index generation: %w", err)
		}
		return nil
	})
	if err != nil {
		return apperrors.Newf(apperrors.ErrStorageWrite, op, "object %d: %v", o.id, err)
	}

	d.genMu.Lock()
	if err := d.index.AddObject(o.id, o.hist); err != nil {
		d.genMu.Unlock()
		return err
	}
	d.index.FinalizeDocumentFrequencies()
	d.generation.Count = uint64(generation)
	d.genMu.Unlock()
	o.indexed = true
	if d.metrics != nil {
		d.metrics.ObjectsIndexed.Inc()
	}
	d.updateGauges()
	d.logger.Info("object indexed", "obj_id", o.id, "name", o.name, "words", len(words))
	return nil
}

func (d *Database) updateGauges() {
	if d.metrics == nil {
		return
	}
	d.metrics.IndexedObjects.Set(float64(d.index.ObjectCount()))
	d.metrics.VisualWords.Set(float64(d.index.WordCount()))
}

// Query ranks the indexed objects against h.
func (d *Database) Query(ctx context.Context, h *index.Histogram, mode index.Mode) ([]Match, error) {
	return d.QueryTop(ctx, h, mode, 0)
}

// QueryTop is Query limited to the best limit matches; limit <= 0 keeps
// all of them.
func (d *Database) QueryTop(ctx context.Context, h *index.Histogram, mode index.Mode, limit int) ([]Match, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	ctx, span := tracing.Start(ctx, "visualdb.query")
	defer span.End()
	start := time.Now()
	computed := false
	compute := func() []index.Scored {
		computed = true
		return d.index.ScoreTop(h, mode, limit)
	}
	var scored []index.Scored
	d.genMu.RLock()
	if d.cache != nil && h.Len() > 0 {
		scored = d.cache.Scores(ctx, d.generation, mode, limit, h, compute)
	} else {
		scored = compute()
	}
	d.genMu.RUnlock()
	span.SetAttr("mode", mode.String())
	span.SetAttr("words", h.Len())
	span.SetAttr("results", len(scored))
	span.SetAttr("computed", computed)

	d.mu.RLock()
	matches := make([]Match, 0, len(scored))
	for _, s := range scored {
		if o, ok := d.objects[s.Object]; ok {
			matches = append(matches, Match{Object: o, Score: s.Score})
		}
	}
	d.mu.RUnlock()

	if d.metrics != nil {
		d.metrics.QueryLatency.WithLabelValues(mode.String()).Observe(time.Since(start).Seconds())
		d.metrics.QueryResults.Observe(float64(len(matches)))
	}
	return matches, nil
}

// QueryFrame quantizes the keypoints of f and queries with their
// histogram.
func (d *Database) QueryFrame(ctx context.Context, f frame.Frame, mode index.Mode) ([]Match, error) {
	batch, err := d.quantizeKeypoints("visualdb.QueryFrame", f.Keypoints)
	if err != nil {
		return nil, err
	}
	h := index.NewHistogram()
	for _, q := range batch {
		h.Add(q.word, 1)
	}
	return d.Query(ctx, h, mode)
}

// QueryDescriptors quantizes ds and queries with their histogram.
func (d *Database) QueryDescriptors(ctx context.Context, ds []vocabtree.Descriptor, mode index.Mode) ([]Match, error) {
	h := index.NewHistogram()
	for _, desc := range ds {
		w, err := d.tree.QuantizeChecked(desc)
		if err != nil {
			return nil, err
		}
		h.Add(w, 1)
	}
	return d.Query(ctx, h, mode)
}

func (d *Database) quantizeKeypoints(op string, kps []frame.Keypoint) ([]quantized, error) {
	out := make([]quantized, 0, len(kps))
	for i, kp := range kps {
		w, err := d.tree.QuantizeChecked(kp.Descriptor())
		if err != nil {
			return nil, apperrors.Newf(apperrors.ErrInvalidInput, op, "keypoint %d: %v", i, err)
		}
		out = append(out, quantized{kp: kp, word: w})
	}
	return out, nil
}

// Close releases the store when the database opened it.
func (d *Database) Close() error {
	if !d.ownsStore {
		return nil
	}
	return d.store.Close()
}
