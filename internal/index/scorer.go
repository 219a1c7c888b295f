package index

import (
	"fmt"
	"math"
	"sort"
	"strings"
)

// Mode selects how query and object histograms are weighted.
type Mode int

const (
	// ModeFrequency is the raw term-frequency dot product.
	ModeFrequency Mode = iota
	// ModeNormalizedFrequency divides the dot product by both L2 norms.
	ModeNormalizedFrequency
	// ModeIDF weights both sides by IDF.
	ModeIDF
	// ModeIDFNormalized is the cosine of the IDF-weighted vectors.
	ModeIDFNormalized
)

func (m Mode) String() string {
	switch m {
	case ModeFrequency:
		return "frequency"
	case ModeNormalizedFrequency:
		return "normalized-frequency"
	case ModeIDF:
		return "idf"
	case ModeIDFNormalized:
		return "idf-normalized"
	default:
		return fmt.Sprintf("mode(%d)", int(m))
	}
}

// ParseMode accepts the names produced by Mode.String.
func ParseMode(s string) (Mode, error) {
	for m := ModeFrequency; m <= ModeIDFNormalized; m++ {
		if strings.EqualFold(s, m.String()) {
			return m, nil
		}
	}
	return 0, fmt.Errorf("unknown query mode %q", s)
}

func (m Mode) usesIDF() bool    { return m == ModeIDF || m == ModeIDFNormalized }
func (m Mode) normalized() bool { return m == ModeNormalizedFrequency || m == ModeIDFNormalized }

// Score ranks every object sharing at least one word with query, by
// descending score then ascending object id. An empty index or query
// yields an empty slice.
func (x *InvertedIndex) Score(query *Histogram, mode Mode) []Scored {
	x.mu.RLock()
	defer x.mu.RUnlock()
	if query.Len() == 0 || len(x.objects) == 0 {
		return []Scored{}
	}

	var qNormSq float64
	scores := make(map[ObjectID]float64)
	for _, w := range query.Words() {
		qw := query.Weight(w)
		weight := 1.0
		if mode.usesIDF() {
			weight = idf(x.n, x.dfLocked(w))
		}
		qw *= weight
		qNormSq += qw * qw
		e, ok := x.words[w]
		if !ok {
			continue
		}
		for obj, f := range e.postings {
			scores[obj] += qw * float64(f) * weight
		}
	}

	qNorm := math.Sqrt(qNormSq)
	result := make([]Scored, 0, len(scores))
	for obj, s := range scores {
		if mode.normalized() {
			s = normalize(s, qNorm, x.objectNorm(obj, mode))
		}
		result = append(result, Scored{Object: obj, Score: s})
	}
	sort.Slice(result, func(i, j int) bool {
		if result[i].Score != result[j].Score {
			return result[i].Score > result[j].Score
		}
		return result[i].Object < result[j].Object
	})
	return result
}

// ScoreTop is Score truncated to limit results; limit <= 0 keeps all.
func (x *InvertedIndex) ScoreTop(query *Histogram, mode Mode, limit int) []Scored {
	result := x.Score(query, mode)
	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result
}

func (x *InvertedIndex) objectNorm(obj ObjectID, mode Mode) float64 {
	s, ok := x.objects[obj]
	if !ok {
		return 0
	}
	if mode.usesIDF() {
		return s.idfNorm
	}
	return s.tfNorm
}

func normalize(dot, a, b float64) float64 {
	if a == 0 || b == 0 {
		return 0
	}
	return dot / (a * b)
}
