package ember

import (
	"fmt"
	"sort"
)

// freelist tracks page ids eligible for reuse (free) plus page ids that a
// writer has released during the transaction currently being built
// (pending), keyed by the txid that will own the release once no reader
// can still see the old contents. Only the single active writer ever
// mutates a freelist; readers never touch it.
type freelist struct {
	freeIDs pgids
	pending map[txid]pgids
	cache   map[pgid]struct{} // O(1) "is this id free or pending" membership
}

func newFreelist() *freelist {
	return &freelist{
		pending: make(map[txid]pgids),
		cache:   make(map[pgid]struct{}),
	}
}

// init replaces the free set wholesale (used right after reading a
// freelist page from disk) and rebuilds the membership index.
func (f *freelist) init(list pgids) {
	f.freeIDs = append(pgids(nil), list...)
	sort.Sort(f.freeIDs)
	f.reindex()
}

func (f *freelist) reindex() {
	f.cache = make(map[pgid]struct{}, len(f.freeIDs))
	for _, id := range f.freeIDs {
		f.cache[id] = struct{}{}
	}
	for _, list := range f.pending {
		for _, id := range list {
			f.cache[id] = struct{}{}
		}
	}
}

// freeCount and pendingCount report element counts for Stats.
func (f *freelist) freeCount() int { return len(f.freeIDs) }

func (f *freelist) pendingCount() int {
	n := 0
	for _, list := range f.pending {
		n += len(list)
	}
	return n
}

// isFree reports whether id is currently free or pending release under any
// transaction; such a page must never be reachable from the live tree.
func (f *freelist) isFree(id pgid) bool {
	_, ok := f.cache[id]
	return ok
}

// allocate scans the sorted free list for the first run of n or more
// contiguous page ids, removes them, and returns the first id of the run.
// Returns (0, false) if no run is long enough; the caller must then extend
// the file.
func (f *freelist) allocate(n int) (pgid, bool) {
	if len(f.freeIDs) == 0 {
		return 0, false
	}

	var start, prev pgid
	for i, id := range f.freeIDs {
		if id == 0 {
			panic("ember: page 0 cannot be in the freelist")
		}

		if prev == 0 || id-prev != 1 {
			start = id
		}

		runLen := int(id-start) + 1
		if runLen >= n {
			// Remove free[i-n+1 : i+1] from the free list.
			first := i - n + 1
			ids := f.freeIDs[first : i+1]
			for _, x := range ids {
				delete(f.cache, x)
			}
			f.freeIDs = append(f.freeIDs[:first], f.freeIDs[i+1:]...)
			return start, true
		}

		prev = id
	}
	return 0, false
}

// free schedules every page id in [id, id+overflow] for release once no
// reader older than the owning transaction remains. It is an error (double
// free) for any of those ids to already be free or pending.
func (f *freelist) free(tx txid, id pgid, overflow uint32) error {
	ids := make(pgids, 0, overflow+1)
	for i := pgid(0); i <= pgid(overflow); i++ {
		target := id + i
		if f.isFree(target) {
			return fmt.Errorf("%w: page %d freed twice", ErrInodeOverflow, target)
		}
		ids = append(ids, target)
		f.cache[target] = struct{}{}
	}
	f.pending[tx] = append(f.pending[tx], ids...)
	return nil
}

// release moves every pending release owned by a transaction older than
// oldestActive into the free set, making those pages available for reuse.
// Pages released by oldestActive itself or newer transactions are kept
// pending because a reader at that snapshot (or an in-flight writer) may
// still be able to see them.
func (f *freelist) release(oldestActive txid) {
	var merged pgids
	for tx, ids := range f.pending {
		if tx < oldestActive {
			merged = append(merged, ids...)
			delete(f.pending, tx)
		}
	}
	if len(merged) == 0 {
		return
	}
	sort.Sort(merged)
	f.freeIDs = f.freeIDs.merge(merged)
}

// rollback discards every pending release recorded by tx, undoing the
// effect of free() calls made during that (aborted) transaction.
func (f *freelist) rollback(tx txid) {
	for _, id := range f.pending[tx] {
		delete(f.cache, id)
	}
	delete(f.pending, tx)
}

// reload replaces the free set from an on-disk freelist page. Ids that are
// currently pending are kept out of free: they are not yet safe to reuse
// even though a stale on-disk freelist page might have listed them.
func (f *freelist) reload(p page) error {
	ids, err := p.asFreelist()
	if err != nil {
		return err
	}

	pendingSet := make(map[pgid]struct{})
	for _, list := range f.pending {
		for _, id := range list {
			pendingSet[id] = struct{}{}
		}
	}

	filtered := make(pgids, 0, len(ids))
	for _, id := range ids {
		if _, ok := pendingSet[id]; !ok {
			filtered = append(filtered, id)
		}
	}

	f.init(filtered)
	return nil
}

// serialize writes the sorted union of free and every pending id into p.
func (f *freelist) serialize(p page) error {
	return p.writeFreelist(f.freeIDs, f.pending)
}

// size returns the number of bytes serialize would need, used by the
// writer to presize the freelist page allocation at commit.
func (f *freelist) size() int {
	return freelistPageSize(len(f.freeIDs) + f.pendingCount())
}
