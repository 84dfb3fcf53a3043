package ember

import (
	"encoding/binary"
	"fmt"
	"hash/fnv"
)

// txid is a monotonically increasing transaction identifier. Commits
// publish the meta slot with the higher txid.
type txid uint64

const (
	metaMagic   uint32 = 0x00F0F43F
	metaVersion uint32 = 1

	// metaBodySize is the size, in bytes, of the meta record that follows
	// the page header on pages 0 and 1.
	metaBodySize = 64
	// metaChecksummedSize is how many leading bytes of the meta body the
	// FNV-1a checksum covers (everything except the checksum field itself).
	metaChecksummedSize = metaBodySize - 8
)

// bucketHeader is the persistent descriptor for a bucket's root: either a
// page id for a regular (spilled) bucket, or 0 paired with an inline page
// image carried alongside it in the parent's leaf value.
type bucketHeader struct {
	rootPageID pgid
	sequence   uint64
}

const bucketHeaderSize = 16 // root_page_id:8 sequence:8

func readBucketHeader(b []byte) (bucketHeader, error) {
	if len(b) < bucketHeaderSize {
		return bucketHeader{}, fmt.Errorf("%w: truncated bucket header", ErrCorrupt)
	}
	return bucketHeader{
		rootPageID: pgid(binary.LittleEndian.Uint64(b[0:8])),
		sequence:   binary.LittleEndian.Uint64(b[8:16]),
	}, nil
}

func (h bucketHeader) write(b []byte) {
	binary.LittleEndian.PutUint64(b[0:8], uint64(h.rootPageID))
	binary.LittleEndian.PutUint64(b[8:16], h.sequence)
}

// meta is a typed view of the 64-byte record that occupies the body of a
// kindMeta page (page 0 or page 1).
type meta struct {
	p page
}

func newMetaView(p page) meta {
	return meta{p: p}
}

func (m meta) field(off, size int) []byte {
	b, err := m.p.sliceAt(pageHeaderSize+off, size)
	if err != nil {
		// The page backing a meta view is always at least one full page,
		// so a fixed small offset within metaBodySize cannot go out of
		// bounds; a failure here means the caller handed in a page buffer
		// smaller than one page, which is a programmer error.
		panic(err)
	}
	return b
}

func (m meta) magic() uint32        { return binary.LittleEndian.Uint32(m.field(0, 4)) }
func (m meta) setMagic(v uint32)    { binary.LittleEndian.PutUint32(m.field(0, 4), v) }
func (m meta) version() uint32      { return binary.LittleEndian.Uint32(m.field(4, 4)) }
func (m meta) setVersion(v uint32)  { binary.LittleEndian.PutUint32(m.field(4, 4), v) }
func (m meta) pageSize() uint32     { return binary.LittleEndian.Uint32(m.field(8, 4)) }
func (m meta) setPageSize(v uint32) { binary.LittleEndian.PutUint32(m.field(8, 4), v) }

func (m meta) freelistPageID() pgid     { return pgid(binary.LittleEndian.Uint64(m.field(16, 8))) }
func (m meta) setFreelistPageID(v pgid) { binary.LittleEndian.PutUint64(m.field(16, 8), uint64(v)) }

func (m meta) txID() txid     { return txid(binary.LittleEndian.Uint64(m.field(24, 8))) }
func (m meta) setTxID(v txid) { binary.LittleEndian.PutUint64(m.field(24, 8), uint64(v)) }

func (m meta) rootBucket() bucketHeader {
	return bucketHeader{
		rootPageID: pgid(binary.LittleEndian.Uint64(m.field(32, 8))),
		sequence:   binary.LittleEndian.Uint64(m.field(40, 8)),
	}
}

func (m meta) setRootBucket(h bucketHeader) {
	binary.LittleEndian.PutUint64(m.field(32, 8), uint64(h.rootPageID))
	binary.LittleEndian.PutUint64(m.field(40, 8), h.sequence)
}

func (m meta) numPages() pgid     { return pgid(binary.LittleEndian.Uint64(m.field(48, 8))) }
func (m meta) setNumPages(v pgid) { binary.LittleEndian.PutUint64(m.field(48, 8), uint64(v)) }

func (m meta) checksum() uint64     { return binary.LittleEndian.Uint64(m.field(56, 8)) }
func (m meta) setChecksum(v uint64) { binary.LittleEndian.PutUint64(m.field(56, 8), v) }

// sum computes the FNV-1a checksum over the meta body preceding the
// checksum field itself.
func (m meta) sum() uint64 {
	h := fnv.New64a()
	_, _ = h.Write(m.field(0, metaChecksummedSize))
	return h.Sum64()
}

// valid reports whether this meta's magic and checksum are both correct.
func (m meta) valid() bool {
	return m.magic() == metaMagic && m.checksum() == m.sum()
}

// finalize stamps magic/version and recomputes the checksum. Called right
// before a meta page is written to disk.
func (m meta) finalize() {
	m.setMagic(metaMagic)
	m.setVersion(metaVersion)
	m.setChecksum(m.sum())
}

// copyTo duplicates every field of m into dst, including the checksum.
func (m meta) copyTo(dst meta) {
	copy(dst.field(0, metaBodySize), m.field(0, metaBodySize))
}

// snapshot is a detached, heap-owned copy of a meta record used by
// transactions: mutable, independent of the mmap, and cheap to compare.
type snapshot struct {
	pageSize       int
	txID           txid
	freelistPageID pgid
	root           bucketHeader
	numPages       pgid
}

func (m meta) snapshot() snapshot {
	return snapshot{
		pageSize:       int(m.pageSize()),
		txID:           m.txID(),
		freelistPageID: m.freelistPageID(),
		root:           m.rootBucket(),
		numPages:       m.numPages(),
	}
}

func (s snapshot) writeTo(m meta) {
	m.setPageSize(uint32(s.pageSize))
	m.setTxID(s.txID)
	m.setFreelistPageID(s.freelistPageID)
	m.setRootBucket(s.root)
	m.setNumPages(s.numPages)
	m.finalize()
}

// selectMeta chooses between two candidate meta views per the dual-write
// commit protocol: prefer the higher valid txid, fall back to whichever one
// is valid, and fail only when neither is.
func selectMeta(m0, m1 meta) (meta, error) {
	v0, v1 := m0.valid(), m1.valid()
	switch {
	case v0 && v1:
		if m1.txID() > m0.txID() {
			return m1, nil
		}
		return m0, nil
	case v0:
		return m0, nil
	case v1:
		return m1, nil
	default:
		return meta{}, fmt.Errorf("%w: no valid meta page", ErrCorrupt)
	}
}
