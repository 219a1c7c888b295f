// Package index is the in-memory inverted index behind recognition
// queries: postings (object, term frequency) per visual word, document
// frequencies for IDF weighting and ranked scoring.
package index

import (
	"math"
	"sort"
	"sync"

	apperrors "github.com/Adithya-Monish-Kumar-K/visual-search/pkg/errors"
	"github.com/RoaringBitmap/roaring/v2/roaring64"
)

type wordEntry struct {
	postings map[ObjectID]uint32
	objects  *roaring64.Bitmap
	// df is the document frequency as of the last finalize.
	df int
}

type objectStats struct {
	tfNorm  float64
	idfNorm float64
}

// InvertedIndex is safe for concurrent use. Writers hold the write lock,
// so document-frequency counters never race. Scores use the statistics of
// the last FinalizeDocumentFrequencies call.
type InvertedIndex struct {
	mu      sync.RWMutex
	words   map[WordID]*wordEntry
	objects map[ObjectID]*objectStats
	// n is the object count the current df and norms were computed for.
	n       int
	version uint64
}

func NewInvertedIndex() *InvertedIndex {
	return &InvertedIndex{
		words:   make(map[WordID]*wordEntry),
		objects: make(map[ObjectID]*objectStats),
	}
}

// AddOccurrence records one occurrence of word in object, creating the
// posting or incrementing its frequency.
func (x *InvertedIndex) AddOccurrence(word WordID, object ObjectID) {
	x.AddOccurrences(word, object, 1)
}

func (x *InvertedIndex) AddOccurrences(word WordID, object ObjectID, n uint32) {
	if n == 0 {
		return
	}
	x.mu.Lock()
	defer x.mu.Unlock()
	if _, ok := x.objects[object]; !ok {
		x.objects[object] = &objectStats{}
	}
	x.addLocked(word, object, n)
}

func (x *InvertedIndex) addLocked(word WordID, object ObjectID, n uint32) {
	e, ok := x.words[word]
	if !ok {
		e = &wordEntry{postings: make(map[ObjectID]uint32), objects: roaring64.New()}
		x.words[word] = e
	}
	e.postings[object] += n
	e.objects.Add(uint64(object))
}

// AddObject inserts every word of h for object. Weights are rounded to
// whole occurrences. An object that is already indexed is rejected with
// ErrAlreadyIndexed and nothing changes.
func (x *InvertedIndex) AddObject(object ObjectID, h *Histogram) error {
	x.mu.Lock()
	defer x.mu.Unlock()
	if _, ok := x.objects[object]; ok {
		return apperrors.Newf(apperrors.ErrAlreadyIndexed, "index.AddObject", "object %d", object)
	}
	x.objects[object] = &objectStats{}
	for _, w := range h.Words() {
		if f := Frequency(h.Weight(w)); f > 0 {
			x.addLocked(w, object, f)
		}
	}
	return nil
}

// Frequency converts a histogram weight to a posting frequency.
func Frequency(weight float64) uint32 {
	r := math.Round(weight)
	if r <= 0 {
		return 0
	}
	if r >= math.MaxUint32 {
		return math.MaxUint32
	}
	return uint32(r)
}

// Contains reports whether object has been added.
func (x *InvertedIndex) Contains(object ObjectID) bool {
	x.mu.RLock()
	defer x.mu.RUnlock()
	_, ok := x.objects[object]
	return ok
}

// FinalizeDocumentFrequencies recomputes document frequencies, the object
// count and every object's weighted norms, then bumps the version.
func (x *InvertedIndex) FinalizeDocumentFrequencies() {
	x.mu.Lock()
	defer x.mu.Unlock()
	x.n = len(x.objects)
	for _, e := range x.words {
		e.df = int(e.objects.GetCardinality())
	}
	tf := make(map[ObjectID]float64, len(x.objects))
	weighted := make(map[ObjectID]float64, len(x.objects))
	for _, e := range x.words {
		w := idf(x.n, e.df)
		for obj, f := range e.postings {
			v := float64(f)
			tf[obj] += v * v
			weighted[obj] += v * w * v * w
		}
	}
	for obj, s := range x.objects {
		s.tfNorm = math.Sqrt(tf[obj])
		s.idfNorm = math.Sqrt(weighted[obj])
	}
	x.version++
}

// idf is log(n/df), or 1 while fewer than two objects are indexed.
func idf(n, df int) float64 {
	if n < 2 {
		return 1
	}
	if df <= 0 {
		return 0
	}
	return math.Log(float64(n) / float64(df))
}

// IDF returns the finalized weight of word.
func (x *InvertedIndex) IDF(word WordID) float64 {
	x.mu.RLock()
	defer x.mu.RUnlock()
	return idf(x.n, x.dfLocked(word))
}

func (x *InvertedIndex) dfLocked(word WordID) int {
	if e, ok := x.words[word]; ok {
		return e.df
	}
	return 0
}

// DocumentFrequency is the finalized number of objects containing word.
func (x *InvertedIndex) DocumentFrequency(word WordID) int {
	x.mu.RLock()
	defer x.mu.RUnlock()
	return x.dfLocked(word)
}

// Postings returns the postings of word ordered by object id.
func (x *InvertedIndex) Postings(word WordID) PostingList {
	x.mu.RLock()
	defer x.mu.RUnlock()
	e, ok := x.words[word]
	if !ok {
		return nil
	}
	return sortedPostings(e)
}

func sortedPostings(e *wordEntry) PostingList {
	out := make(PostingList, 0, len(e.postings))
	for obj, f := range e.postings {
		out = append(out, Posting{Object: obj, Frequency: f})
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].Object < out[j].Object
	})
	return out
}

func (x *InvertedIndex) ObjectCount() int {
	x.mu.RLock()
	defer x.mu.RUnlock()
	return len(x.objects)
}

// WordCount is the number of words with at least one posting.
func (x *InvertedIndex) WordCount() int {
	x.mu.RLock()
	defer x.mu.RUnlock()
	return len(x.words)
}

// Version changes on every finalize; cached query results are keyed on it.
func (x *InvertedIndex) Version() uint64 {
	x.mu.RLock()
	defer x.mu.RUnlock()
	return x.version
}

// Snapshot returns every word with its postings, ordered by word.
func (x *InvertedIndex) Snapshot() []WordEntry {
	x.mu.RLock()
	defer x.mu.RUnlock()
	entries := make([]WordEntry, 0, len(x.words))
	for w, e := range x.words {
		entries = append(entries, WordEntry{
			Word:              w,
			DocumentFrequency: e.df,
			Postings:          sortedPostings(e),
		})
	}
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].Word < entries[j].Word
	})
	return entries
}
