package ember

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestPageHeaderRoundTrip(t *testing.T) {
	buf := make([]byte, 64)
	p := newPage(buf)

	p.setID(42)
	p.setKind(kindLeaf)
	p.setCount(3)
	p.setOverflow(1)

	require.Equal(t, pgid(42), p.id())
	require.Equal(t, kindLeaf, p.kind())
	require.Equal(t, uint16(3), p.count())
	require.Equal(t, uint32(1), p.overflow())
	require.Equal(t, "leaf", p.typ())
}

func TestPageKindString(t *testing.T) {
	require.Equal(t, "meta", kindMeta.String())
	require.Equal(t, "freelist", kindFreelist.String())
	require.Equal(t, "branch", kindBranch.String())
	require.Equal(t, "leaf", kindLeaf.String())
	require.Contains(t, pageKind(0xEE).String(), "unknown")
}

func TestPageSliceAtBounds(t *testing.T) {
	buf := make([]byte, 32)
	p := newPage(buf)

	_, err := p.sliceAt(0, 32)
	require.NoError(t, err)

	_, err = p.sliceAt(16, 32)
	require.ErrorIs(t, err, ErrCorrupt)

	_, err = p.sliceAt(-1, 4)
	require.ErrorIs(t, err, ErrCorrupt)
}

func TestPageRequireKind(t *testing.T) {
	buf := make([]byte, pageHeaderSize)
	p := newPage(buf)
	p.setKind(kindBranch)

	require.NoError(t, p.requireKind(kindBranch))
	require.ErrorIs(t, p.requireKind(kindLeaf), ErrInvalidPageKind)
}

func TestLeafElementRoundTrip(t *testing.T) {
	buf := make([]byte, 4096)
	p := newPage(buf)
	p.setKind(kindLeaf)
	p.setCount(2)

	w := newPageWriter(p, 2, leafElementSize)

	e0 := p.leafElementAt(0)
	off, err := w.allocateTail(e0.off, []byte("alpha"))
	require.NoError(t, err)
	e0.setKeyOffset(uint32(off))
	e0.setKeySize(5)
	valOff, err := w.allocateTail(e0.off, []byte("1"))
	require.NoError(t, err)
	_ = valOff
	e0.setValueSize(1)
	e0.setFlags(0)

	e1 := p.leafElementAt(1)
	off, err = w.allocateTail(e1.off, []byte("bravo"))
	require.NoError(t, err)
	e1.setKeyOffset(uint32(off))
	e1.setKeySize(5)
	_, err = w.allocateTail(e1.off, []byte("22"))
	require.NoError(t, err)
	e1.setValueSize(2)
	e1.setFlags(bucketLeafFlag)

	elems, err := p.asLeafElements()
	require.NoError(t, err)
	require.Len(t, elems, 2)

	k0, err := elems[0].key()
	require.NoError(t, err)
	require.Equal(t, "alpha", string(k0))
	v0, err := elems[0].value()
	require.NoError(t, err)
	require.Equal(t, "1", string(v0))
	require.False(t, elems[0].isBucket())

	k1, err := elems[1].key()
	require.NoError(t, err)
	require.Equal(t, "bravo", string(k1))
	require.True(t, elems[1].isBucket())
}

func TestBranchElementRoundTrip(t *testing.T) {
	buf := make([]byte, 4096)
	p := newPage(buf)
	p.setKind(kindBranch)
	p.setCount(1)

	w := newPageWriter(p, 1, branchElementSize)
	e := p.branchElementAt(0)
	off, err := w.allocateTail(e.off, []byte("separator"))
	require.NoError(t, err)
	e.setKeyOffset(uint32(off))
	e.setKeySize(9)
	e.setChildPageID(7)

	elems, err := p.asBranchElements()
	require.NoError(t, err)
	require.Len(t, elems, 1)
	key, err := elems[0].key()
	require.NoError(t, err)
	require.Equal(t, "separator", string(key))
	require.Equal(t, pgid(7), elems[0].childPageID())
}

func TestFreelistPageRoundTrip(t *testing.T) {
	buf := make([]byte, freelistPageSize(5))
	p := newPage(buf)

	free := pgids{4, 5, 9}
	pending := map[txid]pgids{3: {10, 11}}

	require.NoError(t, p.writeFreelist(free, pending))

	ids, err := p.asFreelist()
	require.NoError(t, err)
	require.ElementsMatch(t, pgids{4, 5, 9, 10, 11}, ids)
}

func TestFreelistPageOverflowSentinel(t *testing.T) {
	count := freelistOverflowSentinel + 3
	ids := make(pgids, count)
	for i := range ids {
		ids[i] = pgid(i + 100)
	}

	buf := make([]byte, freelistPageSize(count))
	p := newPage(buf)
	require.NoError(t, p.writeFreelist(ids, nil))
	require.Equal(t, uint16(freelistOverflowSentinel), p.count())

	got, err := p.asFreelist()
	require.NoError(t, err)
	require.Equal(t, ids, got)
}

func TestPgidsMerge(t *testing.T) {
	a := pgids{1, 3, 5}
	b := pgids{2, 4, 6}
	require.Equal(t, pgids{1, 2, 3, 4, 5, 6}, a.merge(b))
	require.Equal(t, a, a.merge(nil))
	require.Equal(t, b, pgids(nil).merge(b))
}

func TestPageWriterOverflow(t *testing.T) {
	buf := make([]byte, pageHeaderSize+leafElementSize)
	p := newPage(buf)
	w := newPageWriter(p, 1, leafElementSize)

	_, err := w.allocateTail(pageHeaderSize, make([]byte, 1024))
	require.ErrorIs(t, err, ErrInodeOverflow)
}
