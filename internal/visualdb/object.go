package visualdb

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	"github.com/Adithya-Monish-Kumar-K/visual-search/internal/frame"
	"github.com/Adithya-Monish-Kumar-K/visual-search/internal/index"
	"github.com/Adithya-Monish-Kumar-K/visual-search/internal/vocabtree"
	apperrors "github.com/Adithya-Monish-Kumar-K/visual-search/pkg/errors"
	"github.com/Adithya-Monish-Kumar-K/visual-search/pkg/storage"
	"github.com/Adithya-Monish-Kumar-K/visual-search/pkg/tracing"
)

type State int

const (
	StateOpen State = iota
	StateSealed
)

func (s State) String() string {
	if s == StateSealed {
		return "sealed"
	}
	return "open"
}

// FlagSealed is persisted in objects.flags once Prepare has run.
const FlagSealed = 1

// Object is a visual object under training. Its histogram accepts
// keypoints while open; Prepare seals it for indexing.
type Object struct {
	db *Database

	mu             sync.Mutex
	id             index.ObjectID
	name           string
	representative ImageID
	flags          int
	state          State
	indexed        bool
	hist           *index.Histogram
	keypoints      int
	createdAt      time.Time
}

func (o *Object) ID() index.ObjectID { return o.id }

func (o *Object) Name() string { return o.name }

func (o *Object) RepresentativeImage() ImageID {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.representative
}

func (o *Object) State() State {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.state
}

func (o *Object) Indexed() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.indexed
}

// Histogram returns a copy of the accumulated word histogram.
func (o *Object) Histogram() *index.Histogram {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.hist.Clone()
}

// KeypointCount is the number of keypoints accumulated so far.
func (o *Object) KeypointCount() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.keypoints
}

func (o *Object) CreatedAt() time.Time { return o.createdAt }

type quantized struct {
	kp   frame.Keypoint
	word vocabtree.WordID
}

// AddFrame quantizes every keypoint of f into the histogram and stores the
// keypoints; the frame image, if any, is stored and becomes the
// representative image. It returns the number of keypoints added.
func (o *Object) AddFrame(ctx context.Context, f frame.Frame) (int, error) {
	const op = "visualdb.AddFrame"
	ctx, span := tracing.Start(ctx, "visualdb.add_frame")
	defer span.End()
	span.SetAttr("keypoints", len(f.Keypoints))
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.state != StateOpen {
		return 0, apperrors.Newf(apperrors.ErrInvalidState, op, "object %d is sealed", o.id)
	}
	batch, err := o.db.quantizeKeypoints(op, f.Keypoints)
	if err != nil {
		return 0, err
	}

	img := ImageID(0)
	err = o.db.store.InTx(ctx, func(tx *storage.Tx) error {
		if f.Image != nil {
			id, err := insertImage(ctx, tx, f.Image)
			if err != nil {
				return err
			}
			if _, err := tx.Exec(ctx, "UPDATE objects SET representative_image = ? WHERE obj_id = ?", int64(id), int64(o.id)); err != nil {
				return fmt.Errorf("setting representative image: %w", err)
			}
			img = id
		}
		return insertKeypoints(ctx, tx, o.id, img, batch)
	})
	if err != nil {
		return 0, err
	}

	if f.Image != nil {
		o.representative = img
		o.db.images.Add(img, f.Image)
	}
	o.accumulate(batch)
	return len(batch), nil
}

// AddKeypoint quantizes and stores one keypoint seen in image img. A non
// zero img becomes the representative image of an object that has none.
func (o *Object) AddKeypoint(ctx context.Context, kp frame.Keypoint, img ImageID) error {
	const op = "visualdb.AddKeypoint"
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.state != StateOpen {
		return apperrors.Newf(apperrors.ErrInvalidState, op, "object %d is sealed", o.id)
	}
	batch, err := o.db.quantizeKeypoints(op, []frame.Keypoint{kp})
	if err != nil {
		return err
	}
	setRepresentative := img != 0 && o.representative == 0
	err = o.db.store.InTx(ctx, func(tx *storage.Tx) error {
		if setRepresentative {
			if _, err := tx.Exec(ctx, "UPDATE objects SET representative_image = ? WHERE obj_id = ?", int64(img), int64(o.id)); err != nil {
				return fmt.Errorf("setting representative image: %w", err)
			}
		}
		return insertKeypoints(ctx, tx, o.id, img, batch)
	})
	if err != nil {
		return err
	}
	if setRepresentative {
		o.representative = img
	}
	o.accumulate(batch)
	return nil
}

func (o *Object) accumulate(batch []quantized) {
	for _, q := range batch {
		o.hist.Add(q.word, 1)
	}
	o.keypoints += len(batch)
	if o.db.metrics != nil {
		o.db.metrics.DescriptorsQuantized.Add(float64(len(batch)))
	}
}

// Prepare seals the object. Sealing is irreversible and repeated calls
// are no-ops.
func (o *Object) Prepare(ctx context.Context) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.state == StateSealed {
		return nil
	}
	flags := o.flags | FlagSealed
	if _, err := o.db.store.ExecContext(ctx, "UPDATE objects SET flags = ? WHERE obj_id = ?", flags, int64(o.id)); err != nil {
		return apperrors.Newf(apperrors.ErrStorageWrite, "visualdb.Prepare", "object %d: %v", o.id, err)
	}
	o.flags = flags
	o.state = StateSealed
	return nil
}

func insertKeypoints(ctx context.Context, tx *storage.Tx, obj index.ObjectID, img ImageID, batch []quantized) error {
	if len(batch) == 0 {
		return nil
	}
	stmt, err := tx.Prepare(ctx,
		"INSERT INTO keypoints (obj_id, word_id, img_id, u, v, track_id, descriptor) VALUES (?, ?, ?, ?, ?, ?, ?)")
	if err != nil {
		return fmt.Errorf("preparing keypoint insert: %w", err)
	}
	defer stmt.Close()
	imgRef := sql.NullInt64{Int64: int64(img), Valid: img != 0}
	for _, q := range batch {
		u, v := q.kp.Position()
		if _, err := stmt.ExecContext(ctx,
			int64(obj), int64(q.word), imgRef, float64(u), float64(v),
			int64(q.kp.TrackID()), vocabtree.EncodeFloats(q.kp.Descriptor()),
		); err != nil {
			return fmt.Errorf("inserting keypoint: %w", err)
		}
	}
	return nil
}
