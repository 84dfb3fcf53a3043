package ember

import (
	"bytes"
	"sort"
)

// minKeysPerPage is MIN_KEYS from the spec: the hard floor split never
// drops below, even if the resulting fragment exceeds the fill threshold.
const minKeysPerPage = 2

// inode is one element of a node: a key plus either a value (leaf) or a
// child page id (branch). flags carries bucketLeafFlag for sub-bucket
// leaf entries.
type inode struct {
	flags uint32
	key   []byte
	value []byte
	child pgid
}

// node is the in-memory, mutable, dirty image of a single branch or leaf
// page, owned by exactly one writer transaction. page_id == 0 means the
// node has not yet been assigned a page (freshly created, or mid-spill).
type node struct {
	bucket     *Bucket
	isLeaf     bool
	pgid       pgid
	key        []byte // cached first inode's key, used to find self in parent
	parent     *node
	children   []*node
	inodes     []inode
	unbalanced bool
	spilled    bool
}

// root walks up to the top-level node of this node's tree.
func (n *node) root() *node {
	if n.parent == nil {
		return n
	}
	return n.parent.root()
}

// minKeys is the minimum inode count a node of this type may hold after
// rebalance: one for a leaf, two for a branch (a branch with one child has
// no discriminating power and is collapsed by rebalance instead).
func (n *node) minKeys() int {
	if n.isLeaf {
		return 1
	}
	return 2
}

func (n *node) elementSize() int {
	if n.isLeaf {
		return leafElementSize
	}
	return branchElementSize
}

// inodeSize is the encoded size of a single inode: its fixed element
// record plus its key, plus its value when this is a leaf node.
func (n *node) inodeSize(i inode) int {
	size := n.elementSize() + len(i.key)
	if n.isLeaf {
		size += len(i.value)
	}
	return size
}

// size returns the number of bytes this node would occupy once written.
func (n *node) size() int {
	size := pageHeaderSize
	for _, i := range n.inodes {
		size += n.inodeSize(i)
	}
	return size
}

// sizeLessThan reports whether the node's encoded size is below max,
// short-circuiting the sum once it is known to exceed it.
func (n *node) sizeLessThan(max int) bool {
	size := pageHeaderSize
	for _, i := range n.inodes {
		size += n.inodeSize(i)
		if size >= max {
			return false
		}
	}
	return true
}

// childAt materializes (or fetches from cache) the node for the child
// referenced by the branch inode at index.
func (n *node) childAt(index int) (*node, error) {
	if n.isLeaf {
		panic("ember: childAt called on a leaf node")
	}
	return n.bucket.node(n.inodes[index].child, n)
}

// childIndex returns the index of child within n's inodes, found by its
// cached first key.
func (n *node) childIndex(child *node) int {
	return sort.Search(len(n.inodes), func(i int) bool {
		return bytes.Compare(n.inodes[i].key, child.key) != -1
	})
}

func (n *node) numChildren() int {
	return len(n.inodes)
}

func (n *node) nextSibling() (*node, error) {
	if n.parent == nil {
		return nil, nil
	}
	idx := n.parent.childIndex(n)
	if idx >= n.parent.numChildren()-1 {
		return nil, nil
	}
	return n.parent.childAt(idx + 1)
}

func (n *node) prevSibling() (*node, error) {
	if n.parent == nil {
		return nil, nil
	}
	idx := n.parent.childIndex(n)
	if idx == 0 {
		return nil, nil
	}
	return n.parent.childAt(idx - 1)
}

// put binary-searches by oldKey. An exact match is replaced in place with
// newKey/value/child/flags (the rename form lets a caller atomically
// substitute a separator key after a sibling shuffles its first element).
// Otherwise a new inode is inserted at the sorted insertion point.
func (n *node) put(oldKey, newKey, value []byte, child pgid, flags uint32) {
	index := sort.Search(len(n.inodes), func(i int) bool {
		return bytes.Compare(n.inodes[i].key, oldKey) != -1
	})

	exact := index < len(n.inodes) && bytes.Equal(n.inodes[index].key, oldKey)
	if !exact {
		n.inodes = append(n.inodes, inode{})
		copy(n.inodes[index+1:], n.inodes[index:])
	}

	i := &n.inodes[index]
	i.flags = flags
	i.key = newKey
	i.value = value
	i.child = child
}

// remove deletes the inode matching key, if any, and marks the node
// unbalanced so a subsequent rebalance pass considers merging it.
func (n *node) remove(key []byte) {
	index := sort.Search(len(n.inodes), func(i int) bool {
		return bytes.Compare(n.inodes[i].key, key) != -1
	})
	if index >= len(n.inodes) || !bytes.Equal(n.inodes[index].key, key) {
		return
	}
	n.inodes = append(n.inodes[:index], n.inodes[index+1:]...)
	n.unbalanced = true
}

// read materializes inodes from a branch or leaf page.
func (n *node) read(p page) error {
	n.pgid = p.id()
	n.isLeaf = p.kind() == kindLeaf

	if n.isLeaf {
		elems, err := p.asLeafElements()
		if err != nil {
			return err
		}
		n.inodes = make([]inode, len(elems))
		for i, e := range elems {
			key, err := e.key()
			if err != nil {
				return err
			}
			value, err := e.value()
			if err != nil {
				return err
			}
			n.inodes[i] = inode{flags: e.flags(), key: key, value: value}
		}
	} else {
		elems, err := p.asBranchElements()
		if err != nil {
			return err
		}
		n.inodes = make([]inode, len(elems))
		for i, e := range elems {
			key, err := e.key()
			if err != nil {
				return err
			}
			n.inodes[i] = inode{key: key, child: e.childPageID()}
		}
	}

	if len(n.inodes) > 0 {
		n.key = n.inodes[0].key
	} else {
		n.key = nil
	}
	return nil
}

// write lays out the node's elements at the head of p and their key/value
// payloads at the tail, filling in each element's relative offset.
func (n *node) write(p page) error {
	if n.isLeaf {
		p.setKind(kindLeaf)
	} else {
		p.setKind(kindBranch)
	}
	if len(n.inodes) >= freelistOverflowSentinel {
		return ErrInodeOverflow
	}
	p.setCount(uint16(len(n.inodes)))
	if len(n.inodes) == 0 {
		return nil
	}

	w := newPageWriter(p, len(n.inodes), n.elementSize())

	for i, ino := range n.inodes {
		if n.isLeaf {
			elem := p.leafElementAt(i)
			if ino.value == nil {
				return ErrInvalidInode
			}
			off, err := w.allocateTail(elem.off, ino.key)
			if err != nil {
				return err
			}
			elem.setFlags(ino.flags)
			elem.setKeyOffset(uint32(off))
			elem.setKeySize(uint32(len(ino.key)))
			elem.setValueSize(uint32(len(ino.value)))
			if _, err := w.allocateTail(elem.off, ino.value); err != nil {
				return err
			}
		} else {
			elem := p.branchElementAt(i)
			if ino.child == 0 {
				return ErrInvalidInode
			}
			off, err := w.allocateTail(elem.off, ino.key)
			if err != nil {
				return err
			}
			elem.setKeyOffset(uint32(off))
			elem.setKeySize(uint32(len(ino.key)))
			elem.setChildPageID(ino.child)
		}
	}
	return nil
}

// split breaks an overlarge node into one or more page-sized fragments.
// Only called from spill(). The first fragment reuses n itself; later
// fragments are new sibling nodes inserted under n.parent (creating one if
// none existed).
func (n *node) split(pageSize int) []*node {
	if n.sizeLessThan(pageSize) {
		return []*node{n}
	}

	threshold := int(float64(pageSize) * n.bucket.effectiveFillPercent())

	nodes := []*node{n}
	original := n.inodes
	current := n
	current.inodes = nil
	size := pageHeaderSize

	for _, ino := range original {
		elemSize := n.inodeSize(ino)

		if len(current.inodes) >= minKeysPerPage && size+elemSize > threshold {
			if n.parent == nil {
				n.parent = &node{bucket: n.bucket, children: []*node{n}}
			}
			current = &node{bucket: n.bucket, isLeaf: n.isLeaf, parent: n.parent}
			n.parent.children = append(n.parent.children, current)
			nodes = append(nodes, current)
			size = pageHeaderSize
		}

		size += elemSize
		current.inodes = append(current.inodes, ino)
	}

	return nodes
}

// nodesByFirstKey sorts nodes by their cached first key, used to give
// spill() a stable, deterministic processing order for dirty children.
type nodesByFirstKey []*node

func (s nodesByFirstKey) Len() int      { return len(s) }
func (s nodesByFirstKey) Swap(i, j int) { s[i], s[j] = s[j], s[i] }
func (s nodesByFirstKey) Less(i, j int) bool {
	return bytes.Compare(s[i].key, s[j].key) == -1
}

// spill recursively spills dirty children, frees this node's old page (if
// any), splits it into page-sized fragments, allocates and writes a page
// for each, and updates the parent's separator inodes to point at the new
// pages. Safe to call more than once; a node that has already spilled is a
// no-op.
func (n *node) spill() error {
	if n.spilled {
		return nil
	}
	tx := n.bucket.tx

	sort.Sort(nodesByFirstKey(n.children))
	for _, child := range n.children {
		if err := child.spill(); err != nil {
			return err
		}
	}
	n.children = nil

	if n.pgid != 0 {
		old, err := tx.page(n.pgid)
		if err != nil {
			return err
		}
		if err := tx.db.freelist.free(tx.id(), n.pgid, old.overflow()); err != nil {
			return err
		}
		n.pgid = 0
	}

	parts := n.split(tx.db.pageSize)
	tx.stats.IncSplit(int64(len(parts) - 1))
	for _, part := range parts {
		pageCount := part.size()/tx.db.pageSize + 1
		p, err := tx.allocate(pageCount)
		if err != nil {
			return err
		}
		if err := part.write(p); err != nil {
			return err
		}
		part.pgid = p.id()
		part.spilled = true

		if part.parent != nil {
			key := part.key
			if key == nil {
				key = part.inodes[0].key
			}
			part.parent.put(key, part.inodes[0].key, nil, part.pgid, 0)
			part.key = part.inodes[0].key
		}

		tx.stats.IncSpill(1)
	}

	if n.parent != nil && n.parent.pgid == 0 && !n.parent.spilled {
		return n.parent.spill()
	}
	return nil
}

// rebalance merges or collapses underfilled nodes. Unlike key
// redistribution, this design always merges unconditionally with a sibling
// once a node is too small, which is simpler and may over-merge (the
// result can re-split during the spill phase that follows in the same
// commit).
func (n *node) rebalance() error {
	if !n.unbalanced {
		return nil
	}
	n.unbalanced = false
	n.bucket.tx.stats.IncRebalance(1)

	threshold := n.bucket.tx.db.pageSize / 4
	if n.size() > threshold && len(n.inodes) > n.minKeys() {
		return nil
	}

	if n.parent == nil {
		if !n.isLeaf && len(n.inodes) == 1 {
			child, err := n.bucket.node(n.inodes[0].child, n)
			if err != nil {
				return err
			}
			n.isLeaf = child.isLeaf
			n.inodes = child.inodes
			n.children = child.children
			for i := range n.inodes {
				if c, ok := n.bucket.nodes[n.inodes[i].child]; ok {
					c.parent = n
				}
			}
			delete(n.bucket.nodes, child.pgid)
			child.parent = nil
			if err := child.free(); err != nil {
				return err
			}
		}
		return nil
	}

	if len(n.inodes) == 0 {
		if err := n.parent.removeChildByKey(n.key); err != nil {
			return err
		}
		n.parent.removeChildNode(n)
		delete(n.bucket.nodes, n.pgid)
		if err := n.free(); err != nil {
			return err
		}
		return n.parent.rebalance()
	}

	if n.parent.numChildren() < 2 {
		panic("ember: parent must have at least 2 children to rebalance")
	}

	useNextSibling := n.parent.childIndex(n) == 0
	var target *node
	var err error
	if useNextSibling {
		target, err = n.nextSibling()
	} else {
		target, err = n.prevSibling()
	}
	if err != nil {
		return err
	}

	if useNextSibling {
		for _, ino := range target.inodes {
			if child, ok := n.bucket.nodes[ino.child]; ok {
				child.parent.removeChildNode(child)
				child.parent = n
				child.parent.children = append(child.parent.children, child)
			}
		}
		n.inodes = append(n.inodes, target.inodes...)
		if err := n.parent.removeChildByKey(target.key); err != nil {
			return err
		}
		n.parent.removeChildNode(target)
		delete(n.bucket.nodes, target.pgid)
		if err := target.free(); err != nil {
			return err
		}
	} else {
		for _, ino := range n.inodes {
			if child, ok := n.bucket.nodes[ino.child]; ok {
				child.parent.removeChildNode(child)
				child.parent = target
				child.parent.children = append(child.parent.children, child)
			}
		}
		target.inodes = append(target.inodes, n.inodes...)
		if err := n.parent.removeChildByKey(n.key); err != nil {
			return err
		}
		n.parent.removeChildNode(n)
		delete(n.bucket.nodes, n.pgid)
		if err := n.free(); err != nil {
			return err
		}
	}

	return n.parent.rebalance()
}

// removeChildByKey removes the inode identified by key (a child's current
// minimum key) from n, without touching the in-memory children slice. This
// marks n unbalanced via remove(), which is what lets the recursive
// n.parent.rebalance() call right after actually do work.
func (n *node) removeChildByKey(key []byte) error {
	n.remove(key)
	return nil
}

// removeChildNode removes target from the in-memory children list. It does
// not affect inodes.
func (n *node) removeChildNode(target *node) {
	for i, c := range n.children {
		if c == target {
			n.children = append(n.children[:i], n.children[i+1:]...)
			return
		}
	}
}

// free releases this node's backing page to the freelist, if it has one.
func (n *node) free() error {
	if n.pgid == 0 {
		return nil
	}
	tx := n.bucket.tx
	p, err := tx.page(n.pgid)
	if err != nil {
		return err
	}
	if err := tx.db.freelist.free(tx.id(), n.pgid, p.overflow()); err != nil {
		return err
	}
	n.pgid = 0
	return nil
}

// dereference copies every inode's key/value bytes to heap memory so the
// node no longer references the mmap region, which must be done before an
// mmap remap invalidates existing slices.
func (n *node) dereference() {
	key := make([]byte, len(n.key))
	copy(key, n.key)
	n.key = key

	for i := range n.inodes {
		ino := &n.inodes[i]
		k := make([]byte, len(ino.key))
		copy(k, ino.key)
		ino.key = k

		if ino.value != nil {
			v := make([]byte, len(ino.value))
			copy(v, ino.value)
			ino.value = v
		}
	}

	for _, child := range n.children {
		child.dereference()
	}
}
