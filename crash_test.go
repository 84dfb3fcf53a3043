package ember

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

// TestCrashBeforeMetaFsyncPreservesPriorState drives a transaction through
// the same stages Commit does, but stops right where the
// "commitBeforeWriteMeta" gofail point sits, simulating a crash after pages
// are durable but before the new meta record is published. Reopening the
// file must still see the pre-commit snapshot.
func TestCrashBeforeMetaFsyncPreservesPriorState(t *testing.T) {
	path := filepath.Join(t.TempDir(), "crash.db")
	db, err := Open(path, Options{})
	require.NoError(t, err)

	preTxID := db.txid
	preFreeCount := db.freelist.freeCount()

	tx, err := db.Begin(true)
	require.NoError(t, err)
	b, err := tx.CreateBucket([]byte("x"))
	require.NoError(t, err)
	require.NoError(t, b.Put([]byte("k"), []byte("v")))

	require.NoError(t, tx.root.rebalance())
	require.NoError(t, tx.root.spill())
	tx.meta.root = tx.root.header

	freelistPageCount := tx.db.freelist.size()/tx.db.pageSize + 1
	fp, err := tx.allocate(freelistPageCount)
	require.NoError(t, err)
	require.NoError(t, tx.db.freelist.serialize(fp))
	tx.meta.freelistPageID = fp.id()

	require.NoError(t, tx.writeDirtyPages())

	// Simulated crash: writeMeta, the freelist release, and the in-memory
	// db.txid/numPages/rootHeader publication never happen.
	require.NoError(t, db.Close())

	db2, err := Open(path, Options{})
	require.NoError(t, err)
	defer db2.Close()

	require.Equal(t, preTxID, db2.txid)
	require.Equal(t, preFreeCount, db2.freelist.freeCount())

	err = db2.View(func(tx *Tx) error {
		require.Nil(t, tx.Bucket([]byte("x")))
		return nil
	})
	require.NoError(t, err)

	m0 := newMetaView(newPage(db2.data[0:db2.pageSize]))
	m1 := newMetaView(newPage(db2.data[db2.pageSize : 2*db2.pageSize]))
	require.True(t, m0.valid() || m1.valid())
}
