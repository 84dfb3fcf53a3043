package ember

import (
	"bytes"
	"fmt"
	"sort"
)

// Bucket is a named, nestable keyspace. The top-level Tx exposes an
// anonymous root Bucket; every other Bucket is reached by name from an
// ancestor via Bucket or CreateBucket.
//
// A Bucket whose entire tree is a single small leaf is kept inline: its
// serialized page image travels as the value of its name's entry in the
// parent bucket, with no page of its own. inlineable() below decides this
// fresh at every spill.
type Bucket struct {
	tx   *Tx
	name []byte // empty for the anonymous root bucket

	header bucketHeader

	buckets   map[string]*Bucket // opened sub-buckets, cached by name
	inlineBuf []byte             // raw inline page image, when header.rootPageID == 0
	rootNode  *node
	nodes     map[pgid]*node // writer-only node cache, keyed by on-disk page id (or 0 pre-spill)

	// FillPercent overrides the database's default fill threshold for this
	// bucket's own spill; 0 means "inherit the database default".
	FillPercent float64
}

func newBucket(tx *Tx) *Bucket {
	b := &Bucket{tx: tx}
	if tx.db != nil {
		b.FillPercent = tx.db.fillPercent
	} else {
		b.FillPercent = DefaultFillPercent
	}
	return b
}

func (b *Bucket) effectiveFillPercent() float64 {
	if b.FillPercent != 0 {
		return clampFloat(b.FillPercent, MinFillPercent, MaxFillPercent)
	}
	return clampFloat(b.tx.db.fillPercent, MinFillPercent, MaxFillPercent)
}

// rootID is the page id pageNode/node use to resolve this bucket's root:
// 0 both for an inline bucket and for a brand-new bucket that has not yet
// spilled anywhere.
func (b *Bucket) rootID() pgid { return b.header.rootPageID }

// Cursor returns a new cursor positioned before the bucket's first element.
func (b *Bucket) Cursor() *Cursor {
	b.tx.stats.IncCursorCount(1)
	return &Cursor{bucket: b}
}

// Get returns the value for key, or nil if key does not exist or refers to
// a nested bucket rather than a plain value. The returned slice is only
// valid for the lifetime of the transaction.
func (b *Bucket) Get(key []byte) []byte {
	c := b.Cursor()
	k, v, flags := c.seek(key)
	if k == nil || !bytes.Equal(k, key) {
		return nil
	}
	if flags&bucketLeafFlag != 0 {
		return nil
	}
	return v
}

// Put sets key to value, overwriting any existing entry. Returns
// ErrIncompatibleValue if key already names a nested bucket.
func (b *Bucket) Put(key, value []byte) error {
	if b.tx.db == nil {
		return ErrTxClosed
	}
	if !b.tx.writable {
		return ErrTxReadOnly
	}
	if len(key) == 0 {
		return ErrKeyRequired
	}

	c := b.Cursor()
	k, _, flags := c.seek(key)

	if bytes.Equal(key, k) && flags&bucketLeafFlag != 0 {
		return ErrIncompatibleValue
	}

	n, err := c.node()
	if err != nil {
		return err
	}
	keyCopy := cloneBytes(key)
	n.put(keyCopy, keyCopy, cloneBytes(value), 0, 0)
	return nil
}

// Delete removes key, if present. Deleting a nested bucket's name this way
// is rejected; use DeleteBucket instead.
func (b *Bucket) Delete(key []byte) error {
	if !b.tx.writable {
		return ErrTxReadOnly
	}

	c := b.Cursor()
	k, _, flags := c.seek(key)
	if k == nil || !bytes.Equal(k, key) {
		return nil
	}
	if flags&bucketLeafFlag != 0 {
		return ErrIncompatibleValue
	}

	n, err := c.node()
	if err != nil {
		return err
	}
	n.remove(key)
	return nil
}

// Bucket returns the nested bucket registered under name, or nil if none
// exists (or the name refers to a plain value).
func (b *Bucket) Bucket(name []byte) *Bucket {
	if b.buckets != nil {
		if child, ok := b.buckets[string(name)]; ok {
			return child
		}
	}

	c := b.Cursor()
	k, v, flags := c.seek(name)
	if k == nil || !bytes.Equal(name, k) || flags&bucketLeafFlag == 0 {
		return nil
	}

	child, err := b.openBucket(v)
	if err != nil {
		return nil
	}
	child.name = cloneBytes(name)
	if b.buckets == nil {
		b.buckets = make(map[string]*Bucket)
	}
	b.buckets[string(name)] = child
	return child
}

// openBucket deserializes a bucket header (and, for an inline bucket, the
// page image following it) found as the value of some leaf entry.
func (b *Bucket) openBucket(value []byte) (*Bucket, error) {
	hdr, err := readBucketHeader(value)
	if err != nil {
		return nil, err
	}
	child := newBucket(b.tx)
	child.header = hdr
	if hdr.rootPageID == 0 {
		child.inlineBuf = cloneBytes(value[bucketHeaderSize:])
	}
	return child, nil
}

// CreateBucket creates and returns a new nested bucket under name. It fails
// with ErrBucketExists if name is already taken.
func (b *Bucket) CreateBucket(name []byte) (*Bucket, error) {
	if b.tx.db == nil {
		return nil, ErrTxClosed
	}
	if !b.tx.writable {
		return nil, ErrTxReadOnly
	}
	if len(name) == 0 {
		return nil, ErrBucketNameRequired
	}

	c := b.Cursor()
	k, _, flags := c.seek(name)
	if bytes.Equal(name, k) {
		if flags&bucketLeafFlag != 0 {
			return nil, ErrBucketExists
		}
		return nil, ErrIncompatibleValue
	}

	value := make([]byte, bucketHeaderSize+pageHeaderSize)
	bucketHeader{}.write(value[0:bucketHeaderSize])
	emptyPage := newPage(value[bucketHeaderSize:])
	emptyPage.setKind(kindLeaf)
	emptyPage.setCount(0)

	key := cloneBytes(name)
	n, err := c.node()
	if err != nil {
		return nil, err
	}
	n.put(key, key, value, 0, bucketLeafFlag)

	child, err := b.openBucket(value)
	if err != nil {
		return nil, err
	}
	child.name = key
	if b.buckets == nil {
		b.buckets = make(map[string]*Bucket)
	}
	b.buckets[string(key)] = child
	return child, nil
}

// CreateBucketIfNotExists is CreateBucket, except an existing bucket of the
// given name is returned instead of failing.
func (b *Bucket) CreateBucketIfNotExists(name []byte) (*Bucket, error) {
	child, err := b.CreateBucket(name)
	if err == nil {
		return child, nil
	}
	if err == ErrBucketExists {
		if existing := b.Bucket(name); existing != nil {
			return existing, nil
		}
	}
	return nil, err
}

// DeleteBucket removes the nested bucket registered under name, freeing
// every page in its tree.
func (b *Bucket) DeleteBucket(name []byte) error {
	if !b.tx.writable {
		return ErrTxReadOnly
	}

	c := b.Cursor()
	k, v, flags := c.seek(name)
	if k == nil || !bytes.Equal(name, k) {
		return ErrBucketNotFound
	}
	if flags&bucketLeafFlag == 0 {
		return ErrIncompatibleValue
	}

	child, err := b.openBucket(v)
	if err != nil {
		return err
	}
	if err := child.freeAll(); err != nil {
		return err
	}

	delete(b.buckets, string(name))

	n, err := c.node()
	if err != nil {
		return err
	}
	n.remove(name)
	return nil
}

// ForEach calls fn for every top-level key in the bucket, in ascending key
// order, until fn returns an error or the bucket is exhausted. Nested
// bucket entries are included with a nil value, matching Get's masking.
func (b *Bucket) ForEach(fn func(key, value []byte) error) error {
	c := b.Cursor()
	for k, v := c.First(); k != nil; k, v = c.Next() {
		if err := fn(k, v); err != nil {
			return err
		}
	}
	return nil
}

// pageNode resolves id to either a live node (writer cache or the bucket's
// materialized root) or a page read through the owning transaction.
func (b *Bucket) pageNode(id pgid) (pageOrNode, error) {
	if b.rootNode != nil && id == b.header.rootPageID {
		return pageOrNode{node: b.rootNode}, nil
	}
	if n, ok := b.nodes[id]; ok {
		return pageOrNode{node: n}, nil
	}

	if b.header.rootPageID == 0 {
		if b.inlineBuf == nil {
			return pageOrNode{}, fmt.Errorf("%w: bucket has no root", ErrPageEmpty)
		}
		return pageOrNode{page: newPage(b.inlineBuf)}, nil
	}

	p, err := b.tx.page(id)
	if err != nil {
		return pageOrNode{}, err
	}
	return pageOrNode{page: p}, nil
}

// node materializes (or returns from cache) the writable node for id,
// reparenting it under parent.
func (b *Bucket) node(id pgid, parent *node) (*node, error) {
	if n, ok := b.nodes[id]; ok {
		if parent != nil {
			n.parent = parent
		}
		return n, nil
	}

	n := &node{bucket: b, parent: parent}

	var src page
	if id == 0 && b.header.rootPageID == 0 {
		if b.inlineBuf == nil {
			return nil, fmt.Errorf("%w: bucket has no root", ErrPageEmpty)
		}
		src = newPage(b.inlineBuf)
	} else {
		p, err := b.tx.page(id)
		if err != nil {
			return nil, err
		}
		src = p
	}

	if err := n.read(src); err != nil {
		return nil, err
	}
	b.tx.stats.IncNodeCount(1)

	if b.nodes == nil {
		b.nodes = make(map[pgid]*node)
	}
	b.nodes[id] = n
	if parent == nil {
		b.rootNode = n
	} else {
		parent.children = append(parent.children, n)
	}
	return n, nil
}

// inlineable reports whether this bucket's current state qualifies for
// inline storage: no nested buckets, a single leaf page, and a serialized
// size (bucket header + page header + elements + keys + values) within a
// quarter of the page size.
func (b *Bucket) inlineable() bool {
	if len(b.buckets) > 0 {
		return false
	}
	if b.rootNode == nil {
		return b.header.rootPageID == 0
	}
	if !b.rootNode.isLeaf {
		return false
	}

	size := bucketHeaderSize + pageHeaderSize
	for _, ino := range b.rootNode.inodes {
		if ino.flags&bucketLeafFlag != 0 {
			return false
		}
		size += leafElementSize + len(ino.key) + len(ino.value)
	}
	return size <= b.maxInlineSize()
}

func (b *Bucket) maxInlineSize() int { return b.tx.db.pageSize / 4 }

// encodeInline serializes this bucket's header plus its single-page root
// node into one value, suitable for storing in the parent leaf.
func (b *Bucket) encodeInline() ([]byte, error) {
	size := bucketHeaderSize + pageHeaderSize
	if b.rootNode != nil {
		size = bucketHeaderSize + b.rootNode.size()
	}
	value := make([]byte, size)

	hdr := bucketHeader{rootPageID: 0, sequence: b.header.sequence}
	hdr.write(value[0:bucketHeaderSize])

	p := newPage(value[bucketHeaderSize:])
	if b.rootNode == nil {
		p.setKind(kindLeaf)
		p.setCount(0)
		return value, nil
	}
	if err := b.rootNode.write(p); err != nil {
		return nil, err
	}
	return value, nil
}

// freeRootPage releases this bucket's own root page (used when demoting a
// previously-spilled bucket back to inline storage).
func (b *Bucket) freeRootPage() error {
	if b.rootNode != nil {
		return b.rootNode.free()
	}
	return nil
}

// freeAll releases every page reachable from this bucket's tree, including
// nested buckets, as part of DeleteBucket.
func (b *Bucket) freeAll() error {
	for _, childName := range b.childNames() {
		child := b.Bucket([]byte(childName))
		if child == nil {
			continue
		}
		if err := child.freeAll(); err != nil {
			return err
		}
	}

	if b.header.rootPageID == 0 {
		return nil
	}
	return b.tx.forEachPage(b.header.rootPageID, func(p page) error {
		return b.tx.db.freelist.free(b.tx.id(), p.id(), p.overflow())
	})
}

func (b *Bucket) childNames() []string {
	names := make(map[string]struct{})
	for name := range b.buckets {
		names[name] = struct{}{}
	}
	c := b.Cursor()
	for k, _ := c.First(); k != nil; k, _ = c.Next() {
		_, _, flags := c.keyValue()
		if flags&bucketLeafFlag != 0 {
			names[string(k)] = struct{}{}
		}
	}
	out := make([]string, 0, len(names))
	for name := range names {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// dereference copies every mmap-backed key/value slice reachable from this
// bucket onto the heap. Called before a remap that would otherwise leave
// dangling slices in already-materialized nodes.
func (b *Bucket) dereference() {
	if b.rootNode != nil {
		b.rootNode.dereference()
	}
	for _, child := range b.buckets {
		child.dereference()
	}
}

// rebalance runs the unconditional-merge rebalance pass over every dirty
// node owned directly by this bucket, then recurses into nested buckets.
func (b *Bucket) rebalance() error {
	for _, n := range b.nodes {
		if err := n.rebalance(); err != nil {
			return err
		}
	}
	for _, child := range b.buckets {
		if err := child.rebalance(); err != nil {
			return err
		}
	}
	return nil
}

// spill serializes nested buckets (recursively spilling or inlining each),
// writes their headers back into this bucket's own tree, then spills this
// bucket's own root node and records its resulting page id.
func (b *Bucket) spill() error {
	names := make([]string, 0, len(b.buckets))
	for name := range b.buckets {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		child := b.buckets[name]

		var value []byte
		if child.inlineable() {
			if err := child.freeRootPage(); err != nil {
				return err
			}
			v, err := child.encodeInline()
			if err != nil {
				return err
			}
			value = v
		} else {
			if err := child.spill(); err != nil {
				return err
			}
			value = make([]byte, bucketHeaderSize)
			child.header.write(value)
		}

		if child.rootNode == nil && child.inlineBuf == nil {
			continue
		}

		c := b.Cursor()
		k, _, flags := c.seek([]byte(name))
		if !bytes.Equal([]byte(name), k) {
			return fmt.Errorf("%w: missing header entry for bucket %q", ErrCorrupt, name)
		}
		if flags&bucketLeafFlag == 0 {
			return fmt.Errorf("%w: %q", ErrIncompatibleValue, name)
		}
		n, err := c.node()
		if err != nil {
			return err
		}
		n.put([]byte(name), []byte(name), value, 0, bucketLeafFlag)
	}

	if b.rootNode == nil {
		return nil
	}

	b.rootNode = b.rootNode.root()
	if err := b.rootNode.spill(); err != nil {
		return err
	}
	b.rootNode = b.rootNode.root()
	b.header.rootPageID = b.rootNode.pgid
	return nil
}
