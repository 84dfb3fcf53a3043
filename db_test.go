package ember_test

import (
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/require"

	"github.com/emberdb/ember"
)

func tempDBPath(t *testing.T) string {
	t.Helper()
	return filepath.Join(t.TempDir(), "test.db")
}

// Scenario 1: create/open yields a fresh file sized initial_pages*page_size
// with a valid, selectable meta record.
func TestOpenCreatesFreshFile(t *testing.T) {
	path := tempDBPath(t)
	db, err := ember.Open(path, ember.Options{PageSize: 4096, InitialPages: 8})
	require.NoError(t, err)
	defer db.Close()

	info, err := os.Stat(path)
	require.NoError(t, err)
	require.Equal(t, int64(8*4096), info.Size())
	require.Equal(t, 4096, db.PageSize())
}

// Scenario 2: simple put/get through a named bucket.
func TestSimplePutGet(t *testing.T) {
	path := tempDBPath(t)
	db, err := ember.Open(path, ember.Options{})
	require.NoError(t, err)
	defer db.Close()

	err = db.Update(func(tx *ember.Tx) error {
		b, err := tx.CreateBucket([]byte("test"))
		if err != nil {
			return err
		}
		return b.Put([]byte("hello"), []byte("hello world"))
	})
	require.NoError(t, err)

	err = db.View(func(tx *ember.Tx) error {
		b := tx.Bucket([]byte("test"))
		require.NotNil(t, b)
		require.Equal(t, "hello world", string(b.Get([]byte("hello"))))
		require.Nil(t, b.Get([]byte("missing")))
		return nil
	})
	require.NoError(t, err)
}

// Scenario 3: a second writable transaction is rejected immediately with
// ErrWriterInUse while one is already in flight, rather than blocking for
// it to finish.
func TestSecondWriterRejectedWhileFirstActive(t *testing.T) {
	path := tempDBPath(t)
	db, err := ember.Open(path, ember.Options{})
	require.NoError(t, err)
	defer db.Close()

	tx1, err := db.Begin(true)
	require.NoError(t, err)

	_, err = db.Begin(true)
	require.ErrorIs(t, err, ember.ErrWriterInUse)

	require.NoError(t, tx1.Rollback())

	tx2, err := db.Begin(true)
	require.NoError(t, err)
	require.NoError(t, tx2.Rollback())
}

// Scenario 4: persistence across close/reopen.
func TestPersistenceAcrossReopen(t *testing.T) {
	path := tempDBPath(t)
	db, err := ember.Open(path, ember.Options{})
	require.NoError(t, err)

	err = db.Update(func(tx *ember.Tx) error {
		b, err := tx.CreateBucket([]byte("test"))
		if err != nil {
			return err
		}
		return b.Put([]byte("hello"), []byte("hello world"))
	})
	require.NoError(t, err)
	require.NoError(t, db.Close())

	db2, err := ember.Open(path, ember.Options{})
	require.NoError(t, err)
	defer db2.Close()

	err = db2.View(func(tx *ember.Tx) error {
		b := tx.Bucket([]byte("test"))
		require.NotNil(t, b)
		require.Equal(t, "hello world", string(b.Get([]byte("hello"))))
		return nil
	})
	require.NoError(t, err)
}

// Scenario 5: a bucket that grows past the inline threshold is promoted to
// its own root page.
func TestInlinePromotion(t *testing.T) {
	path := tempDBPath(t)
	db, err := ember.Open(path, ember.Options{PageSize: 4096})
	require.NoError(t, err)
	defer db.Close()

	err = db.Update(func(tx *ember.Tx) error {
		b, err := tx.CreateBucket([]byte("a"))
		if err != nil {
			return err
		}
		for i := 0; i < 1000; i++ {
			key := []byte(fmt.Sprintf("%08d", i))
			if err := b.Put(key, key); err != nil {
				return err
			}
		}
		return nil
	})
	require.NoError(t, err)

	err = db.View(func(tx *ember.Tx) error {
		b := tx.Bucket([]byte("a"))
		require.NotNil(t, b)
		key := []byte(fmt.Sprintf("%08d", 500))
		require.Equal(t, key, b.Get(key))
		return nil
	})
	require.NoError(t, err)
}

// Scenario 6: deleting down to a single key collapses the tree to a
// one-element leaf root.
func TestRebalanceCollapsesToSingleLeafRoot(t *testing.T) {
	path := tempDBPath(t)
	db, err := ember.Open(path, ember.Options{PageSize: 4096})
	require.NoError(t, err)
	defer db.Close()

	const n = 10000
	err = db.Update(func(tx *ember.Tx) error {
		b, err := tx.CreateBucket([]byte("a"))
		if err != nil {
			return err
		}
		for i := 0; i < n; i++ {
			key := []byte(fmt.Sprintf("%010d", i))
			if err := b.Put(key, []byte("v")); err != nil {
				return err
			}
		}
		return nil
	})
	require.NoError(t, err)

	err = db.Update(func(tx *ember.Tx) error {
		b := tx.Bucket([]byte("a"))
		for i := 1; i < n; i++ {
			key := []byte(fmt.Sprintf("%010d", i))
			if err := b.Delete(key); err != nil {
				return err
			}
		}
		return nil
	})
	require.NoError(t, err)

	err = db.View(func(tx *ember.Tx) error {
		b := tx.Bucket([]byte("a"))
		require.NotNil(t, b)
		c := b.Cursor()
		k, v := c.First()
		require.Equal(t, fmt.Sprintf("%010d", 0), string(k))
		require.Equal(t, "v", string(v))
		k2, _ := c.Next()
		require.Nil(t, k2)
		return nil
	})
	require.NoError(t, err)
}

func TestDeleteBucketFreesPages(t *testing.T) {
	path := tempDBPath(t)
	db, err := ember.Open(path, ember.Options{PageSize: 4096})
	require.NoError(t, err)
	defer db.Close()

	err = db.Update(func(tx *ember.Tx) error {
		b, err := tx.CreateBucket([]byte("doomed"))
		if err != nil {
			return err
		}
		for i := 0; i < 500; i++ {
			key := []byte(fmt.Sprintf("%08d", i))
			if err := b.Put(key, key); err != nil {
				return err
			}
		}
		return nil
	})
	require.NoError(t, err)

	err = db.Update(func(tx *ember.Tx) error {
		return tx.DeleteBucket([]byte("doomed"))
	})
	require.NoError(t, err)

	err = db.View(func(tx *ember.Tx) error {
		require.Nil(t, tx.Bucket([]byte("doomed")))
		return nil
	})
	require.NoError(t, err)
}

func TestNestedBuckets(t *testing.T) {
	path := tempDBPath(t)
	db, err := ember.Open(path, ember.Options{})
	require.NoError(t, err)
	defer db.Close()

	err = db.Update(func(tx *ember.Tx) error {
		parent, err := tx.CreateBucket([]byte("parent"))
		if err != nil {
			return err
		}
		child, err := parent.CreateBucket([]byte("child"))
		if err != nil {
			return err
		}
		return child.Put([]byte("k"), []byte("v"))
	})
	require.NoError(t, err)

	err = db.View(func(tx *ember.Tx) error {
		parent := tx.Bucket([]byte("parent"))
		require.NotNil(t, parent)
		child := parent.Bucket([]byte("child"))
		require.NotNil(t, child)
		require.Equal(t, "v", string(child.Get([]byte("k"))))
		require.Nil(t, parent.Get([]byte("child")))
		return nil
	})
	require.NoError(t, err)
}

func TestPutRejectsBucketNameCollision(t *testing.T) {
	path := tempDBPath(t)
	db, err := ember.Open(path, ember.Options{})
	require.NoError(t, err)
	defer db.Close()

	err = db.Update(func(tx *ember.Tx) error {
		b, err := tx.CreateBucket([]byte("top"))
		if err != nil {
			return err
		}
		if _, err := b.CreateBucket([]byte("sub")); err != nil {
			return err
		}
		err = b.Put([]byte("sub"), []byte("value"))
		require.ErrorIs(t, err, ember.ErrIncompatibleValue)
		_, err = b.CreateBucket([]byte("sub"))
		require.ErrorIs(t, err, ember.ErrBucketExists)
		return nil
	})
	require.NoError(t, err)
}

func TestCursorForwardAndBackward(t *testing.T) {
	path := tempDBPath(t)
	db, err := ember.Open(path, ember.Options{})
	require.NoError(t, err)
	defer db.Close()

	keys := []string{"a", "b", "c", "d", "e"}
	err = db.Update(func(tx *ember.Tx) error {
		b, err := tx.CreateBucket([]byte("x"))
		if err != nil {
			return err
		}
		for _, k := range keys {
			if err := b.Put([]byte(k), []byte(k)); err != nil {
				return err
			}
		}
		return nil
	})
	require.NoError(t, err)

	err = db.View(func(tx *ember.Tx) error {
		b := tx.Bucket([]byte("x"))
		c := b.Cursor()

		var forward []string
		for k, _ := c.First(); k != nil; k, _ = c.Next() {
			forward = append(forward, string(k))
		}
		if diff := cmp.Diff(keys, forward); diff != "" {
			t.Errorf("forward iteration order mismatch (-want +got):\n%s", diff)
		}

		var backward []string
		for k, _ := c.Last(); k != nil; k, _ = c.Prev() {
			backward = append(backward, string(k))
		}
		require.Len(t, backward, len(keys))
		for i := range backward {
			require.Equal(t, keys[len(keys)-1-i], backward[i])
		}

		k, v := c.Seek([]byte("bb"))
		require.Equal(t, "c", string(k))
		require.Equal(t, "c", string(v))

		k, v = c.Seek([]byte("zzz"))
		require.Nil(t, k)
		require.Nil(t, v)
		return nil
	})
	require.NoError(t, err)
}

func TestUpdateRollsBackOnError(t *testing.T) {
	path := tempDBPath(t)
	db, err := ember.Open(path, ember.Options{})
	require.NoError(t, err)
	defer db.Close()

	sentinel := fmt.Errorf("boom")
	err = db.Update(func(tx *ember.Tx) error {
		b, err := tx.CreateBucket([]byte("x"))
		if err != nil {
			return err
		}
		if err := b.Put([]byte("k"), []byte("v")); err != nil {
			return err
		}
		return sentinel
	})
	require.ErrorIs(t, err, sentinel)

	err = db.View(func(tx *ember.Tx) error {
		require.Nil(t, tx.Bucket([]byte("x")))
		return nil
	})
	require.NoError(t, err)
}

func TestReadOnlyTxRejectsWrites(t *testing.T) {
	path := tempDBPath(t)
	db, err := ember.Open(path, ember.Options{})
	require.NoError(t, err)
	defer db.Close()

	require.NoError(t, db.Update(func(tx *ember.Tx) error {
		_, err := tx.CreateBucket([]byte("x"))
		return err
	}))

	err = db.View(func(tx *ember.Tx) error {
		b := tx.Bucket([]byte("x"))
		putErr := b.Put([]byte("k"), []byte("v"))
		require.ErrorIs(t, putErr, ember.ErrTxReadOnly)
		return nil
	})
	require.NoError(t, err)
}

func TestReaderSeesConsistentSnapshotDuringConcurrentWrite(t *testing.T) {
	path := tempDBPath(t)
	db, err := ember.Open(path, ember.Options{})
	require.NoError(t, err)
	defer db.Close()

	require.NoError(t, db.Update(func(tx *ember.Tx) error {
		b, err := tx.CreateBucket([]byte("x"))
		if err != nil {
			return err
		}
		return b.Put([]byte("k"), []byte("v1"))
	}))

	readTx, err := db.Begin(false)
	require.NoError(t, err)

	require.NoError(t, db.Update(func(tx *ember.Tx) error {
		b := tx.Bucket([]byte("x"))
		return b.Put([]byte("k"), []byte("v2"))
	}))

	b := readTx.Bucket([]byte("x"))
	require.Equal(t, "v1", string(b.Get([]byte("k"))))
	require.NoError(t, readTx.Rollback())

	require.NoError(t, db.View(func(tx *ember.Tx) error {
		b := tx.Bucket([]byte("x"))
		require.Equal(t, "v2", string(b.Get([]byte("k"))))
		return nil
	}))
}

func TestTxStatsTrackWork(t *testing.T) {
	path := tempDBPath(t)
	db, err := ember.Open(path, ember.Options{})
	require.NoError(t, err)
	defer db.Close()

	tx, err := db.Begin(true)
	require.NoError(t, err)
	b, err := tx.CreateBucket([]byte("x"))
	require.NoError(t, err)
	for i := 0; i < 50; i++ {
		key := []byte(fmt.Sprintf("%04d", i))
		require.NoError(t, b.Put(key, key))
	}
	require.NoError(t, tx.Commit())

	require.Greater(t, tx.Stats().PageCount(), int64(0))
	require.Greater(t, tx.Stats().Write(), int64(0))
}
