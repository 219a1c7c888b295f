package vocabtree

import (
	"encoding/binary"
	"fmt"
	"math"

	"github.com/viterin/vek/vek32"
)

// Descriptor is a fixed-dimension image patch descriptor.
type Descriptor []float32

// WordID identifies a leaf of the tree, i.e. a visual word.
type WordID uint32

// NoWord marks internal nodes and failed quantizations.
const NoWord WordID = math.MaxUint32

// distance is the metric used both while clustering and while descending,
// so a training descriptor always follows the path it was assigned to.
func distance(a, b []float32) float32 {
	return vek32.Distance(a, b)
}

// nearest returns the index of the centroid closest to v, preferring the
// lowest index on ties.
func nearest(v []float32, centroids [][]float32) int {
	best := 0
	bestDist := distance(v, centroids[0])
	for i := 1; i < len(centroids); i++ {
		if d := distance(v, centroids[i]); d < bestDist {
			best, bestDist = i, d
		}
	}
	return best
}

func finite(d []float32) bool {
	for _, v := range d {
		f := float64(v)
		if math.IsNaN(f) || math.IsInf(f, 0) {
			return false
		}
	}
	return true
}

// EncodeFloats packs v as little-endian float32 values, the column format
// of centroids and keypoint descriptors.
func EncodeFloats(v []float32) []byte {
	buf := make([]byte, 4*len(v))
	for i, f := range v {
		binary.LittleEndian.PutUint32(buf[4*i:], math.Float32bits(f))
	}
	return buf
}

// DecodeFloats unpacks exactly dim values written by EncodeFloats.
func DecodeFloats(b []byte, dim int) ([]float32, error) {
	if len(b) != 4*dim {
		return nil, fmt.Errorf("blob of %d bytes, want %d", len(b), 4*dim)
	}
	out := make([]float32, dim)
	for i := range out {
		out[i] = math.Float32frombits(binary.LittleEndian.Uint32(b[4*i:]))
	}
	return out, nil
}
