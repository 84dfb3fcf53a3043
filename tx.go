package ember

import (
	"fmt"
	"sort"
	"sync/atomic"
	"time"

	"github.com/emberdb/ember/internal/kvmetrics"
)

// TxStats accumulates counters for one transaction's lifetime. Every field
// is an atomic so a read-only Tx's Stats() can be sampled concurrently with
// ongoing cursor traversal without a lock.
type TxStats struct {
	pageCount   atomic.Int64
	pageAlloc   atomic.Int64
	cursorCount atomic.Int64
	nodeCount   atomic.Int64
	rebalance   atomic.Int64
	split       atomic.Int64
	spill       atomic.Int64
	write       atomic.Int64
}

func (s *TxStats) IncPageCount(n int64)   { s.pageCount.Add(n) }
func (s *TxStats) IncPageAlloc(n int64)   { s.pageAlloc.Add(n) }
func (s *TxStats) IncCursorCount(n int64) { s.cursorCount.Add(n) }
func (s *TxStats) IncNodeCount(n int64)   { s.nodeCount.Add(n) }
func (s *TxStats) IncRebalance(n int64)   { s.rebalance.Add(n) }
func (s *TxStats) IncSplit(n int64)       { s.split.Add(n) }
func (s *TxStats) IncSpill(n int64)       { s.spill.Add(n) }
func (s *TxStats) IncWrite(n int64)       { s.write.Add(n) }

// PageCount is the number of pages allocated across the transaction.
func (s *TxStats) PageCount() int64 { return s.pageCount.Load() }

// PageAlloc is the total number of bytes allocated.
func (s *TxStats) PageAlloc() int64 { return s.pageAlloc.Load() }

// CursorCount is the number of cursors created.
func (s *TxStats) CursorCount() int64 { return s.cursorCount.Load() }

// NodeCount is the number of nodes materialized from pages.
func (s *TxStats) NodeCount() int64 { return s.nodeCount.Load() }

// Rebalance is the number of rebalance passes over nodes marked unbalanced,
// including those that turn out large enough to need no merge.
func (s *TxStats) Rebalance() int64 { return s.rebalance.Load() }

// Split is the number of node splits performed.
func (s *TxStats) Split() int64 { return s.split.Load() }

// Spill is the number of page writes performed during spill.
func (s *TxStats) Spill() int64 { return s.spill.Load() }

// Write is the number of pages written to disk at commit.
func (s *TxStats) Write() int64 { return s.write.Load() }

// Tx is either a read-only snapshot (any number may run concurrently) or
// the single active writer. A Tx must be finished with Commit or Rollback;
// it is not safe for use by more than one goroutine.
type Tx struct {
	db       *DB
	writable bool
	managed  bool

	meta snapshot
	root *Bucket

	pages map[pgid]page // dirty pages allocated/written during this tx

	stats     TxStats
	started   time.Time
	committed bool
}

func (tx *Tx) id() txid { return tx.meta.txID }

// DB returns the database this transaction belongs to.
func (tx *Tx) DB() *DB { return tx.db }

// Writable reports whether this transaction may mutate the database.
func (tx *Tx) Writable() bool { return tx.writable }

// Stats returns the transaction's running statistics.
func (tx *Tx) Stats() *TxStats { return &tx.stats }

// Bucket returns the named top-level bucket, or nil if it does not exist.
func (tx *Tx) Bucket(name []byte) *Bucket { return tx.root.Bucket(name) }

// CreateBucket creates a new top-level bucket.
func (tx *Tx) CreateBucket(name []byte) (*Bucket, error) { return tx.root.CreateBucket(name) }

// CreateBucketIfNotExists creates the named top-level bucket if it does not
// already exist, and returns it either way.
func (tx *Tx) CreateBucketIfNotExists(name []byte) (*Bucket, error) {
	return tx.root.CreateBucketIfNotExists(name)
}

// DeleteBucket removes a top-level bucket and everything in it.
func (tx *Tx) DeleteBucket(name []byte) error { return tx.root.DeleteBucket(name) }

// ForEach calls fn once per top-level bucket name, in ascending order.
func (tx *Tx) ForEach(fn func(name []byte, b *Bucket) error) error {
	c := tx.root.Cursor()
	for k, _ := c.First(); k != nil; k, _ = c.Next() {
		if err := fn(k, tx.root.Bucket(k)); err != nil {
			return err
		}
	}
	return nil
}

// page resolves id to a page, preferring this transaction's own dirty
// buffer over the database's backing store.
func (tx *Tx) page(id pgid) (page, error) {
	if tx.pages != nil {
		if p, ok := tx.pages[id]; ok {
			return p, nil
		}
	}
	return tx.db.pageAt(id)
}

// allocate reserves count contiguous pages for this transaction, reusing a
// freelist run when one of sufficient length exists, and growing the
// database otherwise. The returned page's buffer is zeroed and owned by
// this transaction until commit.
func (tx *Tx) allocate(count int) (page, error) {
	buf := make([]byte, count*tx.db.pageSize)
	p := newPage(buf)
	p.setOverflow(uint32(count - 1))

	if id, ok := tx.db.freelist.allocate(count); ok {
		p.setID(id)
		for i := 0; i < count; i++ {
			tx.db.headerCache.Invalidate(uint64(id) + uint64(i))
		}
	} else {
		id := tx.meta.numPages
		tx.meta.numPages += pgid(count)
		if err := tx.db.grow(tx.meta.numPages); err != nil {
			return page{}, err
		}
		// A remap may have just invalidated every slice this transaction's
		// nodes hold into the old mapping; copy them to the heap first.
		tx.root.dereference()
		p.setID(id)
	}

	if tx.pages == nil {
		tx.pages = make(map[pgid]page)
	}
	tx.pages[p.id()] = p
	tx.stats.IncPageCount(int64(count))
	tx.stats.IncPageAlloc(int64(count * tx.db.pageSize))
	return p, nil
}

// forEachPage visits every page reachable from root, including branch
// pages themselves, in no particular guaranteed order relative to fn's
// side effects (fn is expected to be commutative, e.g. freeing pages).
func (tx *Tx) forEachPage(root pgid, fn func(page) error) error {
	p, err := tx.page(root)
	if err != nil {
		return err
	}
	if p.kind() == kindBranch {
		elems, err := p.asBranchElements()
		if err != nil {
			return err
		}
		for _, e := range elems {
			if err := tx.forEachPage(e.childPageID(), fn); err != nil {
				return err
			}
		}
	}
	return fn(p)
}

// Commit rebalances and spills the bucket tree, writes the freelist and
// every dirty page, then publishes a new meta record. Every write stage is
// followed by an fsync before the next stage begins, so a crash at any
// point leaves either the previous or the new commit intact, never a mix.
func (tx *Tx) Commit() error {
	if tx.managed {
		return ErrManagedTx
	}
	if tx.db == nil {
		return ErrTxClosed
	}
	if !tx.writable {
		return ErrTxNotWritable
	}
	defer tx.close()

	if err := tx.root.rebalance(); err != nil {
		tx.abortCommit()
		return fmt.Errorf("rebalance: %w", err)
	}
	if err := tx.root.spill(); err != nil {
		tx.abortCommit()
		return fmt.Errorf("spill: %w", err)
	}
	tx.meta.root = tx.root.header

	freelistPageCount := tx.db.freelist.size()/tx.db.pageSize + 1
	fp, err := tx.allocate(freelistPageCount)
	if err != nil {
		tx.abortCommit()
		return fmt.Errorf("allocate freelist: %w", err)
	}
	if err := tx.db.freelist.serialize(fp); err != nil {
		tx.abortCommit()
		return fmt.Errorf("serialize freelist: %w", err)
	}
	tx.meta.freelistPageID = fp.id()

	if err := tx.writeDirtyPages(); err != nil {
		tx.abortCommit()
		return fmt.Errorf("write pages: %w", err)
	}

	// gofail: var commitBeforeWriteMeta string

	if err := tx.writeMeta(); err != nil {
		tx.abortCommit()
		return fmt.Errorf("write meta: %w", err)
	}

	// gofail: var commitAfterWritePages string

	tx.db.freelist.release(tx.db.oldestActiveReader())

	tx.db.txid = tx.meta.txID
	tx.db.numPages = tx.meta.numPages
	tx.db.rootHeader = tx.meta.root
	tx.db.freelistPageID = tx.meta.freelistPageID
	tx.committed = true
	return nil
}

// abortCommit restores the freelist to the last durable on-disk state after
// a commit stage fails partway through. node.spill() already recorded every
// replaced page as pending-free under this transaction's id before any of
// the stages above could fail, and allocate() may have carved runs out of
// the free set for the freelist page or spilled nodes; both are undone here
// so a later writer never hands out a page still reachable from the
// previous, still-published meta.
func (tx *Tx) abortCommit() {
	tx.db.freelist.rollback(tx.id())
	if tx.db.data == nil {
		return
	}
	fp, err := tx.db.pageAt(tx.db.freelistPageID)
	if err != nil {
		return
	}
	_ = tx.db.freelist.reload(fp)
}

// writeDirtyPages flushes every page allocated or rewritten during this
// transaction to its page-id offset in the backing file, in ascending
// order, then fsyncs once.
func (tx *Tx) writeDirtyPages() error {
	ids := make([]pgid, 0, len(tx.pages))
	for id := range tx.pages {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	for _, id := range ids {
		p := tx.pages[id]
		off := int64(id) * int64(tx.db.pageSize)
		if err := tx.db.store.writeAt(p.buf, off); err != nil {
			return err
		}
		tx.stats.IncWrite(int64(1 + p.overflow()))
	}
	if tx.db.opts.NoSync {
		return nil
	}
	return tx.db.store.sync()
}

// writeMeta publishes tx.meta to the meta slot selected by txid parity and
// fsyncs it before returning.
func (tx *Tx) writeMeta() error {
	slot := int(tx.meta.txID % 2)
	buf := make([]byte, tx.db.pageSize)
	p := newPage(buf)
	p.setID(pgid(slot))
	p.setKind(kindMeta)

	mv := newMetaView(p)
	tx.meta.writeTo(mv)

	if err := tx.db.store.writeAt(buf, int64(slot)*int64(tx.db.pageSize)); err != nil {
		return err
	}
	if tx.db.opts.NoSync {
		return nil
	}
	return tx.db.store.sync()
}

// Rollback discards every pending free recorded by this transaction and
// releases it without writing anything.
func (tx *Tx) Rollback() error {
	if tx.managed {
		return ErrManagedTx
	}
	if tx.db == nil {
		return ErrTxClosed
	}
	defer tx.close()
	if tx.writable {
		tx.db.freelist.rollback(tx.id())
	}
	return nil
}

func (tx *Tx) close() {
	if tx.db == nil {
		return
	}

	if tx.writable {
		kvmetrics.Record(tx.db.metrics, kvmetrics.CommitSample{
			PageCount:   tx.stats.PageCount(),
			PageAlloc:   tx.stats.PageAlloc(),
			CursorCount: tx.stats.CursorCount(),
			NodeCount:   tx.stats.NodeCount(),
			Rebalance:   tx.stats.Rebalance(),
			Split:       tx.stats.Split(),
			Spill:       tx.stats.Spill(),
			Write:       tx.stats.Write(),
			Duration:    time.Since(tx.started),
			Committed:   tx.committed,
		})
		tx.db.releaseWriter(tx)
	} else {
		tx.db.releaseReader(tx)
	}
	tx.db = nil
}
