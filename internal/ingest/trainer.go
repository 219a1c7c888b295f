package ingest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/Adithya-Monish-Kumar-K/visual-search/internal/visualdb"
	apperrors "github.com/Adithya-Monish-Kumar-K/visual-search/pkg/errors"
	"github.com/Adithya-Monish-Kumar-K/visual-search/pkg/kafka"
	"github.com/Adithya-Monish-Kumar-K/visual-search/pkg/metrics"
	"github.com/Adithya-Monish-Kumar-K/visual-search/pkg/tracing"
)

// errSkip marks events that can never succeed and are dropped.
var errSkip = errors.New("event skipped")

// Publisher is the subset of *kafka.Producer the trainer needs.
type Publisher interface {
	Publish(ctx context.Context, events ...kafka.Event) error
}

// Trainer routes events to the objects they train. Open objects are keyed
// by name.
type Trainer struct {
	db        *visualdb.Database
	publisher Publisher
	metrics   *metrics.Metrics
	logger    *slog.Logger

	mu   sync.Mutex
	open map[string]*visualdb.Object
}

// NewTrainer adopts the objects db has not indexed yet so training resumes
// after a restart. publisher and m may be nil.
func NewTrainer(db *visualdb.Database, publisher Publisher, m *metrics.Metrics) *Trainer {
	t := &Trainer{
		db:        db,
		publisher: publisher,
		metrics:   m,
		logger:    slog.Default().With("component", "trainer"),
		open:      make(map[string]*visualdb.Object),
	}
	for _, o := range db.Pending() {
		t.open[o.Name()] = o
	}
	if len(t.open) > 0 {
		t.logger.Info("resuming pending objects", "count", len(t.open))
	}
	return t
}

// Handle dispatches one envelope. Events that can never succeed are
// logged and dropped; other failures are returned so the message is
// redelivered.
func (t *Trainer) Handle(ctx context.Context, env Envelope) error {
	ctx, span := tracing.NewTrace(ctx, "ingest."+string(env.Type))
	defer func() {
		span.End()
		span.Log(t.logger)
	}()
	var err error
	switch env.Type {
	case TypeFrame:
		err = decodeAnd(env, func(ev FrameEvent) error { return t.HandleFrame(ctx, ev) })
	case TypeSeal:
		err = decodeAnd(env, func(ev SealEvent) error { return t.HandleSeal(ctx, ev) })
	case TypeTrackExpired:
		err = decodeAnd(env, func(ev TrackExpiredEvent) error { return t.HandleTrackExpired(ctx, ev) })
	default:
		err = fmt.Errorf("%w: unknown event type %q", errSkip, env.Type)
	}
	switch {
	case err == nil:
		t.count(env.Type, "ok")
		return nil
	case errors.Is(err, errSkip):
		t.logger.Warn("event skipped", "type", env.Type, "error", err)
		t.count(env.Type, "skipped")
		return nil
	default:
		t.count(env.Type, "failed")
		return err
	}
}

func decodeAnd[T any](env Envelope, fn func(T) error) error {
	ev, err := kafka.DecodeJSON[T](env.Payload)
	if err != nil {
		return fmt.Errorf("%w: %v", errSkip, err)
	}
	return fn(ev)
}

func (t *Trainer) count(typ EventType, status string) {
	if t.metrics != nil {
		t.metrics.FramesConsumed.WithLabelValues(string(typ), status).Inc()
	}
}

// HandleFrame adds the frame to the open object named by ev, creating the
// object on first sight.
func (t *Trainer) HandleFrame(ctx context.Context, ev FrameEvent) error {
	if err := ev.Validate(t.db.Tree().Dim()); err != nil {
		return fmt.Errorf("%w: %v", errSkip, err)
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	obj, ok := t.open[ev.Object]
	if !ok {
		var err error
		obj, err = t.db.CreateObject(ctx, ev.Object, 0)
		if err != nil {
			return fmt.Errorf("creating object %q: %w", ev.Object, err)
		}
		t.open[ev.Object] = obj
		t.logger.Info("training object", "obj_id", obj.ID(), "name", ev.Object)
	}
	n, err := obj.AddFrame(ctx, ev.Frame())
	if err != nil {
		if errors.Is(err, apperrors.ErrInvalidInput) || errors.Is(err, apperrors.ErrInvalidState) {
			return fmt.Errorf("%w: %v", errSkip, err)
		}
		return fmt.Errorf("adding frame to %q: %w", ev.Object, err)
	}
	t.logger.Debug("frame added", "name", ev.Object, "keypoints", n, "total", obj.KeypointCount())
	return nil
}

// HandleSeal seals and indexes the named object, then announces it.
func (t *Trainer) HandleSeal(ctx context.Context, ev SealEvent) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	obj, ok := t.open[ev.Object]
	if !ok {
		return fmt.Errorf("%w: no open object %q", errSkip, ev.Object)
	}
	if err := obj.Prepare(ctx); err != nil {
		return fmt.Errorf("sealing %q: %w", ev.Object, err)
	}
	err := t.db.AddToIndex(ctx, obj)
	if err != nil && !errors.Is(err, apperrors.ErrAlreadyIndexed) {
		return fmt.Errorf("indexing %q: %w", ev.Object, err)
	}
	delete(t.open, ev.Object)

	t.logger.Info("object indexed", "obj_id", obj.ID(), "name", obj.Name(), "keypoints", obj.KeypointCount())
	if t.publisher == nil {
		return nil
	}
	indexed := IndexedEvent{
		ObjectID:  int64(obj.ID()),
		Name:      obj.Name(),
		Keypoints: obj.KeypointCount(),
		Words:     obj.Histogram().Len(),
		IndexedAt: time.Now().UTC(),
	}
	if err := t.publisher.Publish(ctx, kafka.Event{Key: obj.Name(), Value: indexed}); err != nil {
		// The object is indexed; redelivering the seal would not help.
		t.logger.Error("failed to publish indexed event", "obj_id", obj.ID(), "error", err)
	}
	return nil
}

func (t *Trainer) HandleTrackExpired(_ context.Context, ev TrackExpiredEvent) error {
	t.logger.Debug("track expired", "track_id", ev.TrackID)
	return nil
}

// OpenObjects is the number of objects still being trained.
func (t *Trainer) OpenObjects() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.open)
}
