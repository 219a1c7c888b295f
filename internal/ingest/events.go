// Package ingest trains the visual database from the tracker's frame
// stream. Each Kafka message is an Envelope naming the event type; frame
// events feed open objects, seal events index them and publish an
// IndexedEvent.
package ingest

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/Adithya-Monish-Kumar-K/visual-search/internal/frame"
)

type EventType string

const (
	TypeFrame        EventType = "frame"
	TypeSeal         EventType = "seal"
	TypeTrackExpired EventType = "track_expired"
)

// Envelope is the wire form of every message on the frames topic.
type Envelope struct {
	Type    EventType       `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

type ImagePayload struct {
	Width    int    `json:"width"`
	Height   int    `json:"height"`
	Channels int    `json:"channels"`
	Step     int    `json:"step"`
	Data     []byte `json:"data"`
}

type KeypointPayload struct {
	X          float32   `json:"x"`
	Y          float32   `json:"y"`
	TrackID    uint64    `json:"track_id"`
	Descriptor []float32 `json:"descriptor"`
}

// FrameEvent carries the keypoints a tracker attributed to Object in one
// frame.
type FrameEvent struct {
	Object    string            `json:"object"`
	Image     *ImagePayload     `json:"image,omitempty"`
	Keypoints []KeypointPayload `json:"keypoints"`
}

// SealEvent ends training of Object.
type SealEvent struct {
	Object string `json:"object"`
}

type TrackExpiredEvent struct {
	TrackID uint64 `json:"track_id"`
}

// IndexedEvent is published once an object has been added to the index.
type IndexedEvent struct {
	ObjectID  int64     `json:"object_id"`
	Name      string    `json:"name"`
	Keypoints int       `json:"keypoints"`
	Words     int       `json:"words"`
	IndexedAt time.Time `json:"indexed_at"`
}

// Validate checks the event against the descriptor dimension of the tree.
func (e FrameEvent) Validate(dim int) error {
	if e.Object == "" {
		return fmt.Errorf("frame event without object")
	}
	for i, kp := range e.Keypoints {
		if len(kp.Descriptor) != dim {
			return fmt.Errorf("keypoint %d has %d components, want %d", i, len(kp.Descriptor), dim)
		}
	}
	return nil
}

// Frame converts the event to the tracker boundary types.
func (e FrameEvent) Frame() frame.Frame {
	f := frame.Frame{Keypoints: make([]frame.Keypoint, len(e.Keypoints))}
	for i, kp := range e.Keypoints {
		f.Keypoints[i] = frame.Point{X: kp.X, Y: kp.Y, Track: kp.TrackID, Desc: kp.Descriptor}
	}
	if e.Image != nil {
		f.Image = &frame.Image{
			Width:    e.Image.Width,
			Height:   e.Image.Height,
			Channels: e.Image.Channels,
			Step:     e.Image.Step,
			Data:     e.Image.Data,
		}
	}
	return f
}

// NewEnvelope wraps payload for publishing on the frames topic.
func NewEnvelope(t EventType, payload any) (Envelope, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return Envelope{}, fmt.Errorf("encoding %s payload: %w", t, err)
	}
	return Envelope{Type: t, Payload: raw}, nil
}
