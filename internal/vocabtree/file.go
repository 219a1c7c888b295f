package vocabtree

import (
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"math"
	"os"

	apperrors "github.com/Adithya-Monish-Kumar-K/visual-search/pkg/errors"
)

// Tree file layout, all little endian:
//
//	header  magic u32 | version u32 | branching u32 | maxDepth u32 |
//	        dim u32 | nodeCount u32 | leafCount u32 | reserved [20]byte
//	nodes   pre-order, each check u8 (0xAB) | leaf u8 | childCount u8 |
//	        pad u8 | word u32 | count u32 | centroid f32[dim]
//	footer  crc32 IEEE of header+nodes u32 | total file length u64
const (
	MagicBytes    uint32 = 0x56545245
	FormatVersion uint32 = 1
	HeaderSize    int    = 48
	FooterSize    int    = 12

	nodeCheck      byte = 0xAB
	nodeHeaderSize int  = 12
)

func recordSize(dim int) int { return nodeHeaderSize + 4*dim }

// MarshalBinary encodes the tree in the tree file layout.
func (t *Tree) MarshalBinary() ([]byte, error) {
	if len(t.nodes) == 0 {
		return nil, fmt.Errorf("cannot encode an empty tree")
	}
	size := HeaderSize + len(t.nodes)*recordSize(t.dim) + FooterSize
	buf := make([]byte, HeaderSize, size)
	binary.LittleEndian.PutUint32(buf[0:4], MagicBytes)
	binary.LittleEndian.PutUint32(buf[4:8], FormatVersion)
	binary.LittleEndian.PutUint32(buf[8:12], uint32(t.branching))
	binary.LittleEndian.PutUint32(buf[12:16], uint32(t.maxDepth))
	binary.LittleEndian.PutUint32(buf[16:20], uint32(t.dim))
	binary.LittleEndian.PutUint32(buf[20:24], uint32(len(t.nodes)))
	binary.LittleEndian.PutUint32(buf[24:28], uint32(t.leafCount))

	rec := make([]byte, recordSize(t.dim))
	t.Walk(func(_ int32, n *Node) {
		rec[0] = nodeCheck
		rec[1] = 0
		if n.IsLeaf() {
			rec[1] = 1
		}
		rec[2] = byte(len(n.Children))
		rec[3] = 0
		binary.LittleEndian.PutUint32(rec[4:8], uint32(n.Word))
		binary.LittleEndian.PutUint32(rec[8:12], n.Count)
		for j, v := range n.Centroid {
			binary.LittleEndian.PutUint32(rec[nodeHeaderSize+4*j:], math.Float32bits(v))
		}
		buf = append(buf, rec...)
	})

	footer := make([]byte, FooterSize)
	binary.LittleEndian.PutUint32(footer[0:4], crc32.ChecksumIEEE(buf))
	binary.LittleEndian.PutUint64(footer[4:12], uint64(size))
	return append(buf, footer...), nil
}

// Save atomically writes the tree to path through a temporary file. On
// failure the previous file is left untouched.
func (t *Tree) Save(path string) error {
	const op = "vocabtree.Save"
	data, err := t.MarshalBinary()
	if err != nil {
		return apperrors.New(apperrors.ErrStorageWrite, op, err.Error())
	}
	tmpPath := path + ".tmp"
	if err := writeFileSync(tmpPath, data); err != nil {
		os.Remove(tmpPath)
		return apperrors.Newf(apperrors.ErrStorageWrite, op, "%v", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return apperrors.Newf(apperrors.ErrStorageWrite, op, "renaming tree file: %v", err)
	}
	return nil
}

func writeFileSync(path string, data []byte) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("creating temp tree file: %w", err)
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		return fmt.Errorf("writing tree file: %w", err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return fmt.Errorf("syncing tree file: %w", err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("closing tree file: %w", err)
	}
	return nil
}

// Load reads a tree file written by Save. A missing file yields
// ErrNotFound; any layout or structural problem yields ErrCorruptFormat.
func Load(path string) (*Tree, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, apperrors.Newf(apperrors.ErrNotFound, "vocabtree.Load", "%s does not exist", path)
		}
		return nil, apperrors.Newf(apperrors.ErrCorruptFormat, "vocabtree.Load", "reading %s: %v", path, err)
	}
	t, err := UnmarshalTree(data)
	if err != nil {
		return nil, fmt.Errorf("loading %s: %w", path, err)
	}
	return t, nil
}

// UnmarshalTree decodes the tree file layout.
func UnmarshalTree(data []byte) (*Tree, error) {
	t, err := decode(data)
	if err != nil {
		return nil, apperrors.New(apperrors.ErrCorruptFormat, "vocabtree.Unmarshal", err.Error())
	}
	return t, nil
}

func decode(data []byte) (*Tree, error) {
	if len(data) < HeaderSize+FooterSize {
		return nil, fmt.Errorf("file too short: %d bytes", len(data))
	}
	if magic := binary.LittleEndian.Uint32(data[0:4]); magic != MagicBytes {
		return nil, fmt.Errorf("invalid magic bytes: 0x%08X", magic)
	}
	if v := binary.LittleEndian.Uint32(data[4:8]); v != FormatVersion {
		return nil, fmt.Errorf("unsupported format version %d", v)
	}
	branching := binary.LittleEndian.Uint32(data[8:12])
	maxDepth := binary.LittleEndian.Uint32(data[12:16])
	dim := binary.LittleEndian.Uint32(data[16:20])
	nodeCount := binary.LittleEndian.Uint32(data[20:24])
	leafCount := binary.LittleEndian.Uint32(data[24:28])
	if branching < 2 || branching > 255 {
		return nil, fmt.Errorf("branching %d", branching)
	}
	if dim == 0 || dim > 1<<16 || nodeCount == 0 || maxDepth > maxDepthLimit {
		return nil, fmt.Errorf("bad header: dim %d, nodes %d, max depth %d", dim, nodeCount, maxDepth)
	}
	recSize := uint64(recordSize(int(dim)))
	want := uint64(HeaderSize) + uint64(nodeCount)*recSize + uint64(FooterSize)
	if uint64(len(data)) != want {
		return nil, fmt.Errorf("file length %d, header implies %d", len(data), want)
	}
	body := data[:len(data)-FooterSize]
	footer := data[len(data)-FooterSize:]
	if total := binary.LittleEndian.Uint64(footer[4:12]); total != want {
		return nil, fmt.Errorf("footer length %d, file length %d", total, want)
	}
	if sum := binary.LittleEndian.Uint32(footer[0:4]); sum != crc32.ChecksumIEEE(body) {
		return nil, fmt.Errorf("checksum mismatch")
	}

	t := &Tree{
		nodes:     make([]Node, 0, nodeCount),
		branching: int(branching),
		maxDepth:  int(maxDepth),
		dim:       int(dim),
		leafCount: int(leafCount),
	}
	type open struct {
		node      int32
		remaining int
	}
	var stack []open
	records := body[HeaderSize:]
	for i := uint32(0); i < nodeCount; i++ {
		rec := records[uint64(i)*recSize : uint64(i+1)*recSize]
		if rec[0] != nodeCheck {
			return nil, fmt.Errorf("node %d: bad check byte 0x%02X", i, rec[0])
		}
		leaf := rec[1] == 1
		childCount := int(rec[2])
		if rec[1] > 1 || (leaf && childCount != 0) || (!leaf && childCount == 0) {
			return nil, fmt.Errorf("node %d: leaf flag %d with %d children", i, rec[1], childCount)
		}
		if i > 0 && len(stack) == 0 {
			return nil, fmt.Errorf("node %d follows a complete tree", i)
		}
		if len(stack) > int(maxDepth) {
			return nil, fmt.Errorf("node %d below max depth %d", i, maxDepth)
		}
		n := Node{
			Word:     WordID(binary.LittleEndian.Uint32(rec[4:8])),
			Count:    binary.LittleEndian.Uint32(rec[8:12]),
			Centroid: make([]float32, dim),
			Depth:    uint16(len(stack)),
		}
		for j := range n.Centroid {
			n.Centroid[j] = math.Float32frombits(binary.LittleEndian.Uint32(rec[nodeHeaderSize+4*j:]))
		}
		idx := int32(len(t.nodes))
		t.nodes = append(t.nodes, n)
		if len(stack) > 0 {
			top := &stack[len(stack)-1]
			t.nodes[top.node].Children = append(t.nodes[top.node].Children, idx)
			top.remaining--
		}
		if !leaf {
			stack = append(stack, open{node: idx, remaining: childCount})
		}
		for len(stack) > 0 && stack[len(stack)-1].remaining == 0 {
			stack = stack[:len(stack)-1]
		}
	}
	if len(stack) > 0 {
		return nil, fmt.Errorf("file ends inside node %d", stack[len(stack)-1].node)
	}
	if err := t.validate(); err != nil {
		return nil, err
	}
	return t, nil
}
