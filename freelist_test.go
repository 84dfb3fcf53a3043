package ember

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestFreelistAllocateContiguousRun(t *testing.T) {
	f := newFreelist()
	f.init(pgids{4, 5, 6, 10, 11, 12, 13})

	id, ok := f.allocate(3)
	require.True(t, ok)
	require.Equal(t, pgid(4), id)
	require.False(t, f.isFree(4))
	require.False(t, f.isFree(6))
	require.True(t, f.isFree(10))

	id, ok = f.allocate(4)
	require.True(t, ok)
	require.Equal(t, pgid(10), id)

	_, ok = f.allocate(1)
	require.False(t, ok)
}

func TestFreelistAllocateNoRunLongEnough(t *testing.T) {
	f := newFreelist()
	f.init(pgids{4, 6, 8})

	_, ok := f.allocate(2)
	require.False(t, ok)
}

func TestFreelistFreeAndDoubleFreeDetection(t *testing.T) {
	f := newFreelist()

	require.NoError(t, f.free(1, 20, 2))
	require.True(t, f.isFree(20))
	require.True(t, f.isFree(21))
	require.True(t, f.isFree(22))
	require.Equal(t, 3, f.pendingCount())

	err := f.free(1, 21, 0)
	require.ErrorIs(t, err, ErrInodeOverflow)
}

func TestFreelistReleaseRespectsOldestActive(t *testing.T) {
	f := newFreelist()
	require.NoError(t, f.free(2, 30, 0))
	require.NoError(t, f.free(5, 40, 0))

	f.release(5)
	require.Equal(t, 1, f.freeCount())
	require.True(t, f.isFree(30))
	require.True(t, f.isFree(40))

	f.release(6)
	require.Equal(t, 2, f.freeCount())
}

func TestFreelistRollbackUndoesPending(t *testing.T) {
	f := newFreelist()
	require.NoError(t, f.free(3, 50, 1))
	require.True(t, f.isFree(50))

	f.rollback(3)
	require.False(t, f.isFree(50))
	require.False(t, f.isFree(51))
	require.Equal(t, 0, f.pendingCount())
}

func TestFreelistSerializeReload(t *testing.T) {
	f := newFreelist()
	f.init(pgids{4, 5, 9})
	require.NoError(t, f.free(1, 30, 1))

	buf := make([]byte, f.size())
	p := newPage(buf)
	require.NoError(t, f.serialize(p))

	f2 := newFreelist()
	require.NoError(t, f2.reload(p))
	require.True(t, f2.isFree(4))
	require.True(t, f2.isFree(30))
	require.True(t, f2.isFree(31))
}

func TestFreelistReloadExcludesPending(t *testing.T) {
	onDisk := newFreelist()
	onDisk.init(pgids{4, 5})
	buf := make([]byte, onDisk.size())
	p := newPage(buf)
	require.NoError(t, onDisk.serialize(p))

	f := newFreelist()
	require.NoError(t, f.free(9, 4, 0))

	require.NoError(t, f.reload(p))
	require.True(t, f.isFree(4))
	require.True(t, f.isFree(5))
	require.Equal(t, 1, f.freeCount())
}
