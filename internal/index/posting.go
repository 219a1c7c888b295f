package index

import "github.com/Adithya-Monish-Kumar-K/visual-search/internal/vocabtree"

type WordID = vocabtree.WordID

// ObjectID identifies an indexed visual object.
type ObjectID int64

// Posting records how often a word occurs in one object.
type Posting struct {
	Object    ObjectID
	Frequency uint32
}

type PostingList []Posting

// WordEntry is one word of a Snapshot.
type WordEntry struct {
	Word              WordID
	DocumentFrequency int
	Postings          PostingList
}

// Scored is one ranked object.
type Scored struct {
	Object ObjectID `json:"object"`
	Score  float64  `json:"score"`
}
