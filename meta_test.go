package ember

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func newMetaPage(pageSize int) meta {
	buf := make([]byte, pageHeaderSize+metaBodySize)
	p := newPage(buf)
	p.setKind(kindMeta)
	return newMetaView(p)
}

func TestMetaFinalizeValid(t *testing.T) {
	m := newMetaPage(4096)
	m.setPageSize(4096)
	m.setFreelistPageID(2)
	m.setTxID(1)
	m.setRootBucket(bucketHeader{rootPageID: 3, sequence: 0})
	m.setNumPages(4)
	m.finalize()

	require.True(t, m.valid())
	require.Equal(t, metaMagic, m.magic())
}

func TestMetaCorruptionDetected(t *testing.T) {
	m := newMetaPage(4096)
	m.setPageSize(4096)
	m.setTxID(5)
	m.finalize()
	require.True(t, m.valid())

	m.setTxID(6)
	require.False(t, m.valid())
}

func TestSelectMetaHigherTxIDWins(t *testing.T) {
	m0 := newMetaPage(4096)
	m0.setPageSize(4096)
	m0.setTxID(2)
	m0.finalize()

	m1 := newMetaPage(4096)
	m1.setPageSize(4096)
	m1.setTxID(3)
	m1.finalize()

	chosen, err := selectMeta(m0, m1)
	require.NoError(t, err)
	require.Equal(t, txid(3), chosen.txID())

	chosen, err = selectMeta(m1, m0)
	require.NoError(t, err)
	require.Equal(t, txid(3), chosen.txID())
}

func TestSelectMetaFallsBackToValidOne(t *testing.T) {
	m0 := newMetaPage(4096) // left zeroed, invalid
	m1 := newMetaPage(4096)
	m1.setPageSize(4096)
	m1.setTxID(9)
	m1.finalize()

	chosen, err := selectMeta(m0, m1)
	require.NoError(t, err)
	require.Equal(t, txid(9), chosen.txID())
}

func TestSelectMetaBothInvalid(t *testing.T) {
	m0 := newMetaPage(4096)
	m1 := newMetaPage(4096)

	_, err := selectMeta(m0, m1)
	require.ErrorIs(t, err, ErrCorrupt)
}

func TestMetaSnapshotRoundTrip(t *testing.T) {
	m := newMetaPage(4096)
	m.setPageSize(4096)
	m.setFreelistPageID(2)
	m.setTxID(7)
	m.setRootBucket(bucketHeader{rootPageID: 10, sequence: 3})
	m.setNumPages(20)
	m.finalize()

	snap := m.snapshot()
	require.Equal(t, txid(7), snap.txID)
	require.Equal(t, pgid(10), snap.root.rootPageID)

	snap.txID = 8
	dst := newMetaPage(4096)
	snap.writeTo(dst)
	require.True(t, dst.valid())
	require.Equal(t, txid(8), dst.txID())
}

func TestBucketHeaderRoundTrip(t *testing.T) {
	buf := make([]byte, bucketHeaderSize)
	h := bucketHeader{rootPageID: 42, sequence: 99}
	h.write(buf)

	got, err := readBucketHeader(buf)
	require.NoError(t, err)
	require.Equal(t, h, got)

	_, err = readBucketHeader(buf[:4])
	require.ErrorIs(t, err, ErrCorrupt)
}
