// Package frame holds the types exchanged with the keypoint tracker: the
// keypoint capability interface, raw images and per-frame batches.
package frame

import "fmt"

// Keypoint is anything the tracker reports: a position, a descriptor and
// the identity of the track it belongs to.
type Keypoint interface {
	Position() (x, y float32)
	Descriptor() []float32
	TrackID() uint64
}

// Point is the plain Keypoint used by the frame stream and tests.
type Point struct {
	X, Y  float32
	Track uint64
	Desc  []float32
}

func (p Point) Position() (x, y float32) { return p.X, p.Y }
func (p Point) Descriptor() []float32    { return p.Desc }
func (p Point) TrackID() uint64          { return p.Track }

// Image is a raw pixel buffer. Step is the row stride in bytes.
type Image struct {
	Width    int
	Height   int
	Channels int
	Step     int
	Data     []byte
}

// NewImage allocates a zeroed, tightly packed image.
func NewImage(width, height, channels int) *Image {
	return &Image{
		Width:    width,
		Height:   height,
		Channels: channels,
		Step:     width * channels,
		Data:     make([]byte, width*height*channels),
	}
}

func (img *Image) Validate() error {
	switch {
	case img == nil:
		return fmt.Errorf("nil image")
	case img.Width <= 0 || img.Height <= 0:
		return fmt.Errorf("image size %dx%d", img.Width, img.Height)
	case img.Channels < 1 || img.Channels > 4:
		return fmt.Errorf("image has %d channels", img.Channels)
	case img.Step < img.Width*img.Channels:
		return fmt.Errorf("row step %d shorter than %d", img.Step, img.Width*img.Channels)
	case len(img.Data) < img.Step*(img.Height-1)+img.Width*img.Channels:
		return fmt.Errorf("image data holds %d bytes, need %d", len(img.Data), img.Step*img.Height)
	}
	return nil
}

// Frame is one tracker output: an optional image and its keypoints.
type Frame struct {
	Image     *Image
	Keypoints []Keypoint
}

// TrackExpired tells consumers that no further keypoints of TrackID
// will arrive.
type TrackExpired struct {
	TrackID uint64
}
