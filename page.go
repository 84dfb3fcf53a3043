package ember

import (
	"encoding/binary"
	"fmt"
	"sort"
)

// pgid is a page identifier. Page 0 and 1 are always the two meta slots.
type pgid uint64

// pageKind tags the payload that follows a page header.
type pageKind uint8

const (
	kindMeta     pageKind = 1
	kindFreelist pageKind = 2
	kindBranch   pageKind = 3
	kindLeaf     pageKind = 4
)

func (k pageKind) String() string {
	switch k {
	case kindMeta:
		return "meta"
	case kindFreelist:
		return "freelist"
	case kindBranch:
		return "branch"
	case kindLeaf:
		return "leaf"
	default:
		return fmt.Sprintf("unknown<%#02x>", uint8(k))
	}
}

// Fixed-size on-disk record sizes. These are the wire contract; changing
// them breaks compatibility with every file this package has written.
const (
	pageHeaderSize    = 16 // id:8 kind:1 pad:1 count:2 overflow:4
	branchElementSize = 16 // key_off:4 key_size:4 child:8
	leafElementSize   = 16 // flags:4 key_off:4 key_size:4 value_size:4

	// freelistOverflowSentinel marks a freelist page whose logical element
	// count exceeds the 16-bit header field; the true count is then stored
	// as the first u64 of the page body.
	freelistOverflowSentinel = 0xFFFF
)

// bucketLeafFlag marks a leaf element whose value is a serialized bucket
// header (and possibly an inline root page) rather than a plain value.
const bucketLeafFlag = 0x01

// page is a bounds-checked, typed view over a raw page buffer. buf always
// covers at least the page header; for a logical page with overflow > 0,
// buf covers the whole contiguous run, i.e. (1+overflow)*pageSize bytes.
//
// Per the data model's design note, this package never hands out raw
// pointers into the buffer's backing array for decoded fields: every
// accessor below either copies a small fixed-width field out via
// encoding/binary, or returns a re-sliced (but still bounds-checked) []byte
// for variable-length key/value payloads.
type page struct {
	buf []byte
}

func newPage(buf []byte) page {
	return page{buf: buf}
}

func (p page) id() pgid {
	return pgid(binary.LittleEndian.Uint64(p.buf[0:8]))
}

func (p page) setID(id pgid) {
	binary.LittleEndian.PutUint64(p.buf[0:8], uint64(id))
}

func (p page) kind() pageKind {
	return pageKind(p.buf[8])
}

func (p page) setKind(k pageKind) {
	p.buf[8] = byte(k)
}

func (p page) count() uint16 {
	return binary.LittleEndian.Uint16(p.buf[10:12])
}

func (p page) setCount(c uint16) {
	binary.LittleEndian.PutUint16(p.buf[10:12], c)
}

func (p page) overflow() uint32 {
	return binary.LittleEndian.Uint32(p.buf[12:16])
}

func (p page) setOverflow(o uint32) {
	binary.LittleEndian.PutUint32(p.buf[12:16], o)
}

// typ is a human-readable page kind string, for debug output only; never
// used for control flow.
func (p page) typ() string {
	return p.kind().String()
}

// sliceAt is the single bounds-checked read accessor every typed view uses
// to reach into the variable-length payload area of a page.
func (p page) sliceAt(offset, length int) ([]byte, error) {
	if offset < 0 || length < 0 || offset+length > len(p.buf) {
		return nil, fmt.Errorf("%w: slice [%d:%d] out of bounds (len %d)", ErrCorrupt, offset, offset+length, len(p.buf))
	}
	return p.buf[offset : offset+length], nil
}

func (p page) requireKind(k pageKind) error {
	if p.kind() != k {
		return fmt.Errorf("%w: wanted %s, got %s", ErrInvalidPageKind, k, p.kind())
	}
	return nil
}

// branchElement is one fixed-size record on a branch page: the lowest key
// of the subtree rooted at child, plus the child's page id.
type branchElement struct {
	p   page
	off int // byte offset of this element record within p.buf
}

func (p page) branchElementAt(i int) branchElement {
	return branchElement{p: p, off: pageHeaderSize + i*branchElementSize}
}

// asBranchElements returns a view over every branch element on the page.
func (p page) asBranchElements() ([]branchElement, error) {
	if err := p.requireKind(kindBranch); err != nil {
		return nil, err
	}
	n := int(p.count())
	elems := make([]branchElement, n)
	for i := 0; i < n; i++ {
		elems[i] = p.branchElementAt(i)
	}
	return elems, nil
}

func (e branchElement) keyOffset() uint32 {
	return binary.LittleEndian.Uint32(e.p.buf[e.off : e.off+4])
}

func (e branchElement) setKeyOffset(v uint32) {
	binary.LittleEndian.PutUint32(e.p.buf[e.off:e.off+4], v)
}

func (e branchElement) keySize() uint32 {
	return binary.LittleEndian.Uint32(e.p.buf[e.off+4 : e.off+8])
}

func (e branchElement) setKeySize(v uint32) {
	binary.LittleEndian.PutUint32(e.p.buf[e.off+4:e.off+8], v)
}

func (e branchElement) childPageID() pgid {
	return pgid(binary.LittleEndian.Uint64(e.p.buf[e.off+8 : e.off+16]))
}

func (e branchElement) setChildPageID(id pgid) {
	binary.LittleEndian.PutUint64(e.p.buf[e.off+8:e.off+16], uint64(id))
}

// key returns the element's key. key_off is relative to the element record
// itself, so moving the page (e.g. via mmap remap) never invalidates it.
func (e branchElement) key() ([]byte, error) {
	start := e.off + int(e.keyOffset())
	return e.p.sliceAt(start, int(e.keySize()))
}

// leafElement is one fixed-size record on a leaf page.
type leafElement struct {
	p   page
	off int
}

func (p page) leafElementAt(i int) leafElement {
	return leafElement{p: p, off: pageHeaderSize + i*leafElementSize}
}

// asLeafElements returns a view over every leaf element on the page.
func (p page) asLeafElements() ([]leafElement, error) {
	if err := p.requireKind(kindLeaf); err != nil {
		return nil, err
	}
	n := int(p.count())
	elems := make([]leafElement, n)
	for i := 0; i < n; i++ {
		elems[i] = p.leafElementAt(i)
	}
	return elems, nil
}

func (e leafElement) flags() uint32 {
	return binary.LittleEndian.Uint32(e.p.buf[e.off : e.off+4])
}

func (e leafElement) setFlags(v uint32) {
	binary.LittleEndian.PutUint32(e.p.buf[e.off:e.off+4], v)
}

func (e leafElement) keyOffset() uint32 {
	return binary.LittleEndian.Uint32(e.p.buf[e.off+4 : e.off+8])
}

func (e leafElement) setKeyOffset(v uint32) {
	binary.LittleEndian.PutUint32(e.p.buf[e.off+4:e.off+8], v)
}

func (e leafElement) keySize() uint32 {
	return binary.LittleEndian.Uint32(e.p.buf[e.off+8 : e.off+12])
}

func (e leafElement) setKeySize(v uint32) {
	binary.LittleEndian.PutUint32(e.p.buf[e.off+8:e.off+12], v)
}

func (e leafElement) valueSize() uint32 {
	return binary.LittleEndian.Uint32(e.p.buf[e.off+12 : e.off+16])
}

func (e leafElement) setValueSize(v uint32) {
	binary.LittleEndian.PutUint32(e.p.buf[e.off+12:e.off+16], v)
}

func (e leafElement) isBucket() bool {
	return e.flags()&bucketLeafFlag != 0
}

func (e leafElement) key() ([]byte, error) {
	start := e.off + int(e.keyOffset())
	return e.p.sliceAt(start, int(e.keySize()))
}

func (e leafElement) value() ([]byte, error) {
	start := e.off + int(e.keyOffset()) + int(e.keySize())
	return e.p.sliceAt(start, int(e.valueSize()))
}

// asFreelist decodes a freelist page's sorted page-id array, accounting for
// the overflow-count sentinel when the true count exceeds uint16.
func (p page) asFreelist() (pgids, error) {
	if err := p.requireKind(kindFreelist); err != nil {
		return nil, err
	}
	idx := 0
	n := int(p.count())
	if n == freelistOverflowSentinel {
		b, err := p.sliceAt(pageHeaderSize, 8)
		if err != nil {
			return nil, err
		}
		n = int(binary.LittleEndian.Uint64(b))
		idx = 1
	}
	if n == 0 {
		return nil, nil
	}
	body, err := p.sliceAt(pageHeaderSize+idx*8, n*8)
	if err != nil {
		return nil, err
	}
	ids := make(pgids, n)
	for i := 0; i < n; i++ {
		ids[i] = pgid(binary.LittleEndian.Uint64(body[i*8 : i*8+8]))
	}
	return ids, nil
}

// writeFreelist serializes the sorted union of free and every pending list
// into the page: kind=freelist, the overflow sentinel when needed, and the
// sorted u64 array.
func (p page) writeFreelist(free pgids, pending map[txid]pgids) error {
	all := make(pgids, len(free))
	copy(all, free)
	for _, list := range pending {
		all = append(all, list...)
	}
	sort.Sort(all)

	p.setKind(kindFreelist)
	n := len(all)
	idx := 0
	if n >= freelistOverflowSentinel {
		p.setCount(freelistOverflowSentinel)
		b, err := p.sliceAt(pageHeaderSize, 8)
		if err != nil {
			return err
		}
		binary.LittleEndian.PutUint64(b, uint64(n))
		idx = 1
	} else {
		p.setCount(uint16(n))
	}
	if n == 0 {
		return nil
	}
	body, err := p.sliceAt(pageHeaderSize+idx*8, n*8)
	if err != nil {
		return err
	}
	for i, id := range all {
		binary.LittleEndian.PutUint64(body[i*8:i*8+8], uint64(id))
	}
	return nil
}

// freelistPageSize returns the number of bytes a freelist page needs to
// hold count ids, including the overflow-count sentinel word if needed.
func freelistPageSize(count int) int {
	size := pageHeaderSize + count*8
	if count >= freelistOverflowSentinel {
		size += 8
	}
	return size
}

// pgids is a sortable list of page ids, also used for the free/pending
// union and for contiguous-run merges during freelist maintenance.
type pgids []pgid

func (a pgids) Len() int           { return len(a) }
func (a pgids) Swap(i, j int)      { a[i], a[j] = a[j], a[i] }
func (a pgids) Less(i, j int) bool { return a[i] < a[j] }

// merge returns the sorted union of a and b. Both must already be sorted.
func (a pgids) merge(b pgids) pgids {
	if len(a) == 0 {
		return b
	}
	if len(b) == 0 {
		return a
	}
	merged := make(pgids, 0, len(a)+len(b))
	i, j := 0, 0
	for i < len(a) && j < len(b) {
		if a[i] < b[j] {
			merged = append(merged, a[i])
			i++
		} else {
			merged = append(merged, b[j])
			j++
		}
	}
	merged = append(merged, a[i:]...)
	merged = append(merged, b[j:]...)
	return merged
}

// pageWriter lays out a branch or leaf node's elements at the head of a
// page buffer and appends each element's key/value bytes to a tail cursor
// that only ever moves forward, per the "slice_at for reads, allocate_tail
// for writes" design note.
type pageWriter struct {
	p    page
	tail int
}

func newPageWriter(p page, elementCount, elementSize int) *pageWriter {
	return &pageWriter{p: p, tail: pageHeaderSize + elementCount*elementSize}
}

// allocateTail copies data to the end of the written-so-far region and
// returns the offset (relative to elemOff, the calling element's own
// record address) to store in that element's key_off/pos field.
func (w *pageWriter) allocateTail(elemOff int, data []byte) (int, error) {
	if w.tail+len(data) > len(w.p.buf) {
		return 0, fmt.Errorf("%w: page too small for payload (%d bytes at %d, capacity %d)",
			ErrInodeOverflow, len(data), w.tail, len(w.p.buf))
	}
	copy(w.p.buf[w.tail:w.tail+len(data)], data)
	relOffset := w.tail - elemOff
	w.tail += len(data)
	return relOffset, nil
}
