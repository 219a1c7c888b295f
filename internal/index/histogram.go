package index

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"math"
	"slices"
)

// Histogram is a sparse bag of visual words. Object histograms hold
// integral counts; query histograms may be fractional.
type Histogram struct {
	bins  map[WordID]float64
	total float64
}

func NewHistogram() *Histogram {
	return &Histogram{bins: make(map[WordID]float64)}
}

// HistogramOf counts each word once per occurrence.
func HistogramOf(words ...WordID) *Histogram {
	h := NewHistogram()
	for _, w := range words {
		h.Add(w, 1)
	}
	return h
}

// Add increases the weight of w. Non-positive and non-finite amounts are
// ignored.
func (h *Histogram) Add(w WordID, amount float64) {
	if !(amount > 0) || math.IsInf(amount, 0) {
		return
	}
	if h.bins == nil {
		h.bins = make(map[WordID]float64)
	}
	h.bins[w] += amount
	h.total += amount
}

func (h *Histogram) Weight(w WordID) float64 {
	if h == nil {
		return 0
	}
	return h.bins[w]
}

func (h *Histogram) Total() float64 {
	if h == nil {
		return 0
	}
	return h.total
}

// Len is the number of distinct words.
func (h *Histogram) Len() int {
	if h == nil {
		return 0
	}
	return len(h.bins)
}

// Words returns the distinct words in ascending order.
func (h *Histogram) Words() []WordID {
	if h == nil {
		return nil
	}
	out := make([]WordID, 0, len(h.bins))
	for w := range h.bins {
		out = append(out, w)
	}
	slices.Sort(out)
	return out
}

func (h *Histogram) Clone() *Histogram {
	c := &Histogram{bins: make(map[WordID]float64, h.Len())}
	if h == nil {
		return c
	}
	for w, v := range h.bins {
		c.bins[w] = v
	}
	c.total = h.total
	return c
}

func (h *Histogram) L2Norm() float64 {
	if h == nil {
		return 0
	}
	var sum float64
	for _, v := range h.bins {
		sum += v * v
	}
	return math.Sqrt(sum)
}

// Average returns the bin-wise mean of hs.
func Average(hs ...*Histogram) *Histogram {
	out := NewHistogram()
	if len(hs) == 0 {
		return out
	}
	n := float64(len(hs))
	for _, h := range hs {
		if h == nil {
			continue
		}
		for w, v := range h.bins {
			out.Add(w, v/n)
		}
	}
	return out
}

// Digest is a hex sha256 over the sorted bins, stable across processes.
func (h *Histogram) Digest() string {
	hasher := sha256.New()
	var buf [12]byte
	for _, w := range h.Words() {
		binary.LittleEndian.PutUint32(buf[0:4], uint32(w))
		binary.LittleEndian.PutUint64(buf[4:12], math.Float64bits(h.bins[w]))
		hasher.Write(buf[:])
	}
	return hex.EncodeToString(hasher.Sum(nil))
}
