package vocabtree

import (
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"os"

	apperrors "github.com/Adithya-Monish-Kumar-K/visual-search/pkg/errors"
	"github.com/edsrzf/mmap-go"
)

// Corpus is a read-only sequence of training descriptors.
type Corpus interface {
	Len() int
	Dim() int
	At(i int) Descriptor
}

// SliceCorpus is an in-memory corpus. Every descriptor must have the
// length of the first one.
type SliceCorpus []Descriptor

func (s SliceCorpus) Len() int { return len(s) }

func (s SliceCorpus) Dim() int {
	if len(s) == 0 {
		return 0
	}
	return len(s[0])
}

func (s SliceCorpus) At(i int) Descriptor { return s[i] }

// tagSize is the leading int64 of every corpus record. The descriptor
// dumper stored a keypoint pointer there; it is carried but not used.
const tagSize = 8

// FileCorpus is a memory-mapped corpus file of packed little-endian
// records {int64 tag; float32 values[dim]}.
type FileCorpus struct {
	f       *os.File
	m       mmap.MMap
	dim     int
	n       int
	recSize int
}

// OpenCorpusFile maps path read-only. An empty file, a trailing partial
// record or an unreadable file yields ErrNoData.
func OpenCorpusFile(path string, dim int) (*FileCorpus, error) {
	const op = "vocabtree.OpenCorpusFile"
	if dim <= 0 {
		return nil, apperrors.Newf(apperrors.ErrInvalidInput, op, "descriptor dimension %d", dim)
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, apperrors.Newf(apperrors.ErrNoData, op, "opening %s: %v", path, err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, apperrors.Newf(apperrors.ErrNoData, op, "stat %s: %v", path, err)
	}
	recSize := tagSize + 4*dim
	size := info.Size()
	if size == 0 {
		f.Close()
		return nil, apperrors.Newf(apperrors.ErrNoData, op, "%s is empty", path)
	}
	if size%int64(recSize) != 0 {
		f.Close()
		return nil, apperrors.Newf(apperrors.ErrNoData, op,
			"%s: size %d is not a multiple of the %d-byte record", path, size, recSize)
	}
	m, err := mmap.MapRegion(f, int(size), mmap.RDONLY, 0, 0)
	if err != nil {
		f.Close()
		return nil, apperrors.Newf(apperrors.ErrNoData, op, "mapping %s: %v", path, err)
	}
	return &FileCorpus{f: f, m: m, dim: dim, n: int(size / int64(recSize)), recSize: recSize}, nil
}

func (c *FileCorpus) Len() int { return c.n }

func (c *FileCorpus) Dim() int { return c.dim }

// At decodes record i into a fresh descriptor.
func (c *FileCorpus) At(i int) Descriptor {
	rec := c.m[i*c.recSize : (i+1)*c.recSize]
	d := make(Descriptor, c.dim)
	for j := range d {
		off := tagSize + 4*j
		d[j] = math.Float32frombits(binary.LittleEndian.Uint32(rec[off : off+4]))
	}
	return d
}

// Tag returns the int64 stored ahead of record i.
func (c *FileCorpus) Tag(i int) int64 {
	off := i * c.recSize
	return int64(binary.LittleEndian.Uint64(c.m[off : off+tagSize]))
}

func (c *FileCorpus) Close() error {
	if err := c.m.Unmap(); err != nil {
		c.f.Close()
		return fmt.Errorf("unmapping corpus: %w", err)
	}
	return c.f.Close()
}

// WriteCorpus writes descriptors in the corpus file layout, tagging each
// record with its position.
func WriteCorpus(w io.Writer, descriptors []Descriptor) error {
	if len(descriptors) == 0 {
		return nil
	}
	dim := len(descriptors[0])
	rec := make([]byte, tagSize+4*dim)
	for i, d := range descriptors {
		if len(d) != dim {
			return apperrors.Newf(apperrors.ErrInvalidInput, "vocabtree.WriteCorpus",
				"descriptor %d has dimension %d, want %d", i, len(d), dim)
		}
		binary.LittleEndian.PutUint64(rec[:tagSize], uint64(i))
		for j, v := range d {
			binary.LittleEndian.PutUint32(rec[tagSize+4*j:], math.Float32bits(v))
		}
		if _, err := w.Write(rec); err != nil {
			return fmt.Errorf("writing corpus record %d: %w", i, err)
		}
	}
	return nil
}
