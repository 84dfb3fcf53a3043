// Package ember is an embedded, single-file, transactional key/value store:
// a memory-mapped, copy-on-write B+tree with dual meta pages, nested
// buckets, and a single writer at a time alongside any number of read-only
// snapshots.
//
// A typical caller opens a database, then runs transactions through Update
// (read-write) or View (read-only):
//
//	db, err := ember.Open("my.db", ember.Options{})
//	err = db.Update(func(tx *ember.Tx) error {
//		b, err := tx.CreateBucketIfNotExists([]byte("widgets"))
//		if err != nil {
//			return err
//		}
//		return b.Put([]byte("id"), []byte("42"))
//	})
package ember
