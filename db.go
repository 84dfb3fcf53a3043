package ember

import (
	"fmt"
	"sync"
	"time"

	hclog "github.com/hashicorp/go-hclog"

	"github.com/emberdb/ember/internal/kvmetrics"
	"github.com/emberdb/ember/internal/pagecache"
)

// headerCacheSize bounds the decoded-page-header cache. It has no bearing
// on correctness, only on how often pageAt re-parses a header it has
// already seen.
const headerCacheSize = 4096

// DB is an embedded, single-file transactional key/value store: a
// memory-mapped, copy-on-write B+tree with dual meta pages and a single
// writer at a time. Any number of read-only transactions may run
// concurrently with the one active writer; they always see a consistent
// snapshot as of whatever commit was current when they began.
type DB struct {
	path        string
	opts        Options
	pageSize    int
	fillPercent float64
	readOnly    bool
	logger      hclog.Logger

	store *fileStore
	data  []byte
	dataSize int

	freelist       *freelist
	headerCache    *pagecache.Cache
	metrics        kvmetrics.Sink
	txid           txid
	numPages       pgid
	rootHeader     bucketHeader
	freelistPageID pgid // page the on-disk freelist was last reloaded/written from

	rwlock   sync.Mutex   // held by the single in-flight writer
	mmaplock sync.RWMutex // guards db.data/dataSize against concurrent remap

	readersMu sync.Mutex
	readers   map[*Tx]struct{}

	closed bool
}

// Open opens (creating if absent) the file at path as a store database.
func Open(path string, opts Options) (*DB, error) {
	opts = opts.withDefaults()
	if err := opts.validate(); err != nil {
		return nil, err
	}

	store, err := openFileStore(path, opts.ReadOnly)
	if err != nil {
		return nil, err
	}

	headerCache, err := pagecache.New(headerCacheSize)
	if err != nil {
		_ = store.close()
		return nil, err
	}

	db := &DB{
		path:        path,
		opts:        opts,
		pageSize:    opts.PageSize,
		fillPercent: opts.FillPercent,
		readOnly:    opts.ReadOnly,
		logger:      opts.Logger.Named("ember"),
		store:       store,
		freelist:    newFreelist(),
		headerCache: headerCache,
		metrics:     opts.Metrics,
		readers:     make(map[*Tx]struct{}),
	}

	if err := store.lock(opts.ReadOnly); err != nil {
		_ = store.close()
		return nil, fmt.Errorf("%w: %v", ErrWriterInUse, err)
	}

	size, err := store.size()
	if err != nil {
		_ = db.Close()
		return nil, err
	}

	if size == 0 {
		if opts.ReadOnly {
			_ = db.Close()
			return nil, ErrDatabaseNotOpen
		}
		if err := db.initializeFile(); err != nil {
			_ = db.Close()
			return nil, err
		}
		size = int64(opts.InitialPages) * int64(opts.PageSize)
	}

	if err := db.mmap(int(size)); err != nil {
		_ = db.Close()
		return nil, err
	}

	if err := db.loadMeta(); err != nil {
		_ = db.Close()
		return nil, err
	}

	db.logger.Info("opened database", "path", path, "page_size", db.pageSize, "tx_id", uint64(db.txid))
	return db, nil
}

// initializeFile lays out the four starting pages of a brand new database:
// two identical meta pages, an empty freelist page, and an empty leaf page
// that serves as the anonymous root bucket's initial (and, until the first
// write, permanent) root.
func (db *DB) initializeFile() error {
	buf := make([]byte, 4*db.pageSize)

	for i := 0; i < 2; i++ {
		p := newPage(buf[i*db.pageSize : (i+1)*db.pageSize])
		p.setID(pgid(i))
		p.setKind(kindMeta)

		mv := newMetaView(p)
		mv.setPageSize(uint32(db.pageSize))
		mv.setFreelistPageID(2)
		mv.setTxID(0)
		mv.setRootBucket(bucketHeader{rootPageID: 3, sequence: 0})
		mv.setNumPages(4)
		mv.finalize()
	}

	fl := newPage(buf[2*db.pageSize : 3*db.pageSize])
	fl.setID(2)
	fl.setKind(kindFreelist)
	fl.setCount(0)

	root := newPage(buf[3*db.pageSize : 4*db.pageSize])
	root.setID(3)
	root.setKind(kindLeaf)
	root.setCount(0)

	if err := db.store.truncate(int64(db.opts.InitialPages) * int64(db.pageSize)); err != nil {
		return err
	}
	if err := db.store.writeAt(buf, 0); err != nil {
		return err
	}
	return db.store.sync()
}

func (db *DB) mmap(size int) error {
	data, err := mmapRegion(db.store.f, size)
	if err != nil {
		return err
	}
	old := db.data
	_ = madviseRandom(data)

	db.mmaplock.Lock()
	db.data = data
	db.dataSize = size
	db.mmaplock.Unlock()

	return munmapRegion(old)
}

// loadMeta selects the valid meta record with the higher txid, validates
// the page size matches, and reloads the freelist from the page it names.
func (db *DB) loadMeta() error {
	m0 := newMetaView(newPage(db.data[0:db.pageSize]))
	m1 := newMetaView(newPage(db.data[db.pageSize : 2*db.pageSize]))
	m, err := selectMeta(m0, m1)
	if err != nil {
		return err
	}

	snap := m.snapshot()
	if snap.pageSize != db.pageSize {
		return fmt.Errorf("%w: page size mismatch (file %d, options %d)", ErrCorrupt, snap.pageSize, db.pageSize)
	}

	db.txid = snap.txID
	db.numPages = snap.numPages
	db.rootHeader = snap.root
	db.freelistPageID = snap.freelistPageID

	flp, err := db.pageAt(snap.freelistPageID)
	if err != nil {
		return err
	}
	return db.freelist.reload(flp)
}

// pageAt returns a bounds-checked view over the page (and any overflow
// continuation pages) at id, read directly from the mmap.
func (db *DB) pageAt(id pgid) (page, error) {
	db.mmaplock.RLock()
	defer db.mmaplock.RUnlock()

	off := int(id) * db.pageSize
	if off < 0 || off+pageHeaderSize > len(db.data) {
		return page{}, fmt.Errorf("%w: page %d out of bounds", ErrCorrupt, id)
	}

	var overflow uint32
	if h, ok := db.headerCache.Get(uint64(id)); ok {
		overflow = h.Overflow
	} else {
		hdr := newPage(db.data[off : off+pageHeaderSize])
		overflow = hdr.overflow()
		db.headerCache.Put(uint64(id), pagecache.Header{
			Kind:     uint8(hdr.kind()),
			Count:    hdr.count(),
			Overflow: overflow,
		})
	}

	size := (1 + int(overflow)) * db.pageSize
	if off+size > len(db.data) {
		return page{}, fmt.Errorf("%w: page %d overflow out of bounds", ErrCorrupt, id)
	}
	return newPage(db.data[off : off+size]), nil
}

// grow ensures the backing file (and its mapping) can hold numPages pages,
// doubling the mapped size until it can to amortize the cost of remapping.
func (db *DB) grow(numPages pgid) error {
	needed := int(numPages) * db.pageSize
	if needed <= db.dataSize {
		return nil
	}

	newSize := db.dataSize
	if newSize == 0 {
		newSize = db.pageSize
	}
	for newSize < needed {
		if newSize < 1<<30 {
			newSize *= 2
		} else {
			newSize += 1 << 30
		}
	}

	if err := db.store.truncate(int64(newSize)); err != nil {
		return err
	}
	return db.mmap(newSize)
}

func (db *DB) currentSnapshot() snapshot {
	return snapshot{
		pageSize: db.pageSize,
		txID:     db.txid,
		root:     db.rootHeader,
		numPages: db.numPages,
	}
}

// Begin starts a new transaction. At most one writable transaction may be
// in flight at a time; Begin(true) returns ErrWriterInUse immediately if
// another writer is already active rather than blocking for it to finish.
func (db *DB) Begin(writable bool) (*Tx, error) {
	if writable {
		return db.beginRWTx()
	}
	return db.beginTx()
}

func (db *DB) beginTx() (*Tx, error) {
	tx := &Tx{db: db, writable: false, started: time.Now()}
	tx.meta = db.currentSnapshot()
	tx.root = newBucket(tx)
	tx.root.header = db.rootHeader

	db.readersMu.Lock()
	db.readers[tx] = struct{}{}
	db.readersMu.Unlock()

	return tx, nil
}

func (db *DB) beginRWTx() (*Tx, error) {
	if db.readOnly {
		return nil, ErrDatabaseNotOpen
	}
	if !db.rwlock.TryLock() {
		return nil, ErrWriterInUse
	}

	tx := &Tx{db: db, writable: true, started: time.Now()}
	tx.meta = db.currentSnapshot()
	tx.meta.txID++
	tx.root = newBucket(tx)
	tx.root.header = db.rootHeader

	return tx, nil
}

func (db *DB) releaseWriter(tx *Tx) {
	db.rwlock.Unlock()
}

func (db *DB) releaseReader(tx *Tx) {
	db.readersMu.Lock()
	delete(db.readers, tx)
	db.readersMu.Unlock()
}

// oldestActiveReader returns the lowest txid among currently open read-only
// transactions, or one past the last committed txid if there are none, so
// the freelist knows which pending frees are safe to reclaim.
func (db *DB) oldestActiveReader() txid {
	db.readersMu.Lock()
	defer db.readersMu.Unlock()

	oldest := db.txid + 1
	for tx := range db.readers {
		if tx.meta.txID < oldest {
			oldest = tx.meta.txID
		}
	}
	return oldest
}

// Update runs fn inside a writable transaction, committing if fn returns
// nil and rolling back otherwise (including on panic, which is re-raised
// after the rollback completes).
func (db *DB) Update(fn func(*Tx) error) error {
	tx, err := db.Begin(true)
	if err != nil {
		return err
	}

	tx.managed = true
	defer func() {
		if p := recover(); p != nil {
			tx.managed = false
			_ = tx.Rollback()
			panic(p)
		}
	}()

	if err := fn(tx); err != nil {
		tx.managed = false
		_ = tx.Rollback()
		return err
	}
	tx.managed = false
	return tx.Commit()
}

// View runs fn inside a read-only transaction. The transaction is always
// released afterward; fn's error (if any) is returned.
func (db *DB) View(fn func(*Tx) error) error {
	tx, err := db.Begin(false)
	if err != nil {
		return err
	}

	tx.managed = true
	err = fn(tx)
	tx.managed = false

	if rerr := tx.Rollback(); rerr != nil && err == nil {
		err = rerr
	}
	return err
}

// Close releases the writer lock (if held), unmaps the file, and closes
// the underlying file handle. Safe to call more than once.
func (db *DB) Close() error {
	if db.closed {
		return nil
	}
	db.closed = true

	var firstErr error
	if db.data != nil {
		if err := munmapRegion(db.data); err != nil {
			firstErr = err
		}
		db.data = nil
	}
	if db.store != nil {
		_ = db.store.unlock()
		if err := db.store.close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// Path returns the filesystem path the database was opened from.
func (db *DB) Path() string { return db.path }

// PageSize returns the page size the database was opened with.
func (db *DB) PageSize() int { return db.pageSize }
