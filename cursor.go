package ember

import (
	"bytes"
	"sort"
)

// pageOrNode is the closed two-variant union a cursor frame points at: a
// page read directly from the backing store, or a node already
// materialized in a writer transaction's dirty cache. A tagged struct
// (rather than an interface) keeps this on the stack and avoids dynamic
// dispatch for what is, in practice, exactly two shapes.
type pageOrNode struct {
	page page
	node *node
}

func (pn pageOrNode) isNode() bool { return pn.node != nil }

func (pn pageOrNode) count() (int, error) {
	if pn.isNode() {
		return len(pn.node.inodes), nil
	}
	switch pn.page.kind() {
	case kindBranch, kindLeaf:
		return int(pn.page.count()), nil
	default:
		return 0, ErrInvalidPageKind
	}
}

func (pn pageOrNode) isLeaf() bool {
	if pn.isNode() {
		return pn.node.isLeaf
	}
	return pn.page.kind() == kindLeaf
}

type elem struct {
	key    []byte
	value  []byte
	flags  uint32
	child  pgid
	exists bool
}

func (pn pageOrNode) at(i int) (elem, error) {
	if pn.isNode() {
		if i < 0 || i >= len(pn.node.inodes) {
			return elem{}, nil
		}
		ino := pn.node.inodes[i]
		return elem{key: ino.key, value: ino.value, flags: ino.flags, child: ino.child, exists: true}, nil
	}

	switch pn.page.kind() {
	case kindLeaf:
		e := pn.page.leafElementAt(i)
		if i < 0 || i >= int(pn.page.count()) {
			return elem{}, nil
		}
		key, err := e.key()
		if err != nil {
			return elem{}, err
		}
		value, err := e.value()
		if err != nil {
			return elem{}, err
		}
		return elem{key: key, value: value, flags: e.flags(), exists: true}, nil
	case kindBranch:
		e := pn.page.branchElementAt(i)
		if i < 0 || i >= int(pn.page.count()) {
			return elem{}, nil
		}
		key, err := e.key()
		if err != nil {
			return elem{}, err
		}
		return elem{key: key, child: e.childPageID(), exists: true}, nil
	default:
		return elem{}, ErrInvalidPageKind
	}
}

// search returns the index within pn satisfying the tie-break rule
// appropriate to the page kind: for a leaf, the position of an exact match
// or the sorted insertion point; for a branch, since keys are inclusive
// lower bounds, the *highest* index whose key equals target (runs of equal
// separator keys occur across splits), else the insertion point minus one,
// clamped at zero.
func (pn pageOrNode) search(target []byte) (int, error) {
	n, err := pn.count()
	if err != nil {
		return 0, err
	}

	keyAt := func(i int) ([]byte, error) {
		e, err := pn.at(i)
		if err != nil {
			return nil, err
		}
		return e.key, nil
	}

	if pn.isLeaf() {
		var searchErr error
		index := sort.Search(n, func(i int) bool {
			k, err := keyAt(i)
			if err != nil {
				searchErr = err
				return true
			}
			return bytes.Compare(k, target) != -1
		})
		if searchErr != nil {
			return 0, searchErr
		}
		return index, nil
	}

	// Branch: find the first key greater than target; the index just
	// before it is the highest index whose key is <= target.
	var searchErr error
	index := sort.Search(n, func(i int) bool {
		k, err := keyAt(i)
		if err != nil {
			searchErr = err
			return true
		}
		return bytes.Compare(k, target) == 1
	})
	if searchErr != nil {
		return 0, searchErr
	}
	index--
	if index < 0 {
		index = 0
	}
	return index, nil
}

// frame is one level of a cursor's stack: the page or node at that level,
// plus the index of the element currently selected within it.
type frame struct {
	pn    pageOrNode
	index int
}

// Cursor is a stack-based iteration/seek position over a Bucket's B+tree,
// from the root down to the current element.
type Cursor struct {
	bucket *Bucket
	stack  []frame
}

// First positions the cursor on the first key/value pair in the bucket and
// returns it. Returns (nil, nil) if the bucket is empty.
func (c *Cursor) First() ([]byte, []byte) {
	k, v, _ := c.first()
	return k, v
}

// Last positions the cursor on the last key/value pair in the bucket.
func (c *Cursor) Last() ([]byte, []byte) {
	k, v, _ := c.last()
	return k, v
}

// Next advances the cursor to the next key/value pair.
func (c *Cursor) Next() ([]byte, []byte) {
	k, v, _ := c.next()
	return k, v
}

// Prev moves the cursor to the previous key/value pair.
func (c *Cursor) Prev() ([]byte, []byte) {
	k, v, _ := c.prev()
	return k, v
}

// Seek positions the cursor at the given key, or the next key if an exact
// match does not exist. Returns (nil, nil) past the end of the bucket.
func (c *Cursor) Seek(target []byte) ([]byte, []byte) {
	k, v, flags := c.seek(target)
	if k == nil {
		return nil, nil
	}
	if flags&bucketLeafFlag != 0 {
		return k, nil
	}
	return k, v
}

func maskValue(k, v []byte, flags uint32) ([]byte, []byte, uint32) {
	if k == nil {
		return nil, nil, 0
	}
	if flags&bucketLeafFlag != 0 {
		return k, nil, flags
	}
	return k, v, flags
}

func (c *Cursor) first() ([]byte, []byte, uint32) {
	c.stack = c.stack[:0]
	pn, err := c.bucket.pageNode(c.bucket.rootID())
	if err != nil {
		return nil, nil, 0
	}
	c.stack = append(c.stack, frame{pn: pn, index: 0})
	c.goToFirstLeaf()
	k, v, flags := c.keyValue()
	return maskValue(k, v, flags)
}

func (c *Cursor) goToFirstLeaf() {
	for {
		top := &c.stack[len(c.stack)-1]
		if top.pn.isLeaf() {
			return
		}
		e, err := top.pn.at(top.index)
		if err != nil || !e.exists {
			return
		}
		childPN, err := c.bucket.pageNode(e.child)
		if err != nil {
			return
		}
		c.stack = append(c.stack, frame{pn: childPN, index: 0})
	}
}

func (c *Cursor) goToLastLeaf() {
	for {
		top := &c.stack[len(c.stack)-1]
		if top.pn.isLeaf() {
			return
		}
		e, err := top.pn.at(top.index)
		if err != nil || !e.exists {
			return
		}
		childPN, err := c.bucket.pageNode(e.child)
		if err != nil {
			return
		}
		n, _ := childPN.count()
		idx := n - 1
		if idx < 0 {
			idx = 0
		}
		c.stack = append(c.stack, frame{pn: childPN, index: idx})
	}
}

func (c *Cursor) last() ([]byte, []byte, uint32) {
	c.stack = c.stack[:0]
	pn, err := c.bucket.pageNode(c.bucket.rootID())
	if err != nil {
		return nil, nil, 0
	}
	n, _ := pn.count()
	idx := n - 1
	if idx < 0 {
		idx = 0
	}
	c.stack = append(c.stack, frame{pn: pn, index: idx})
	c.goToLastLeaf()
	k, v, flags := c.keyValue()
	return maskValue(k, v, flags)
}

// seek clears the stack and recursively descends from the bucket root.
func (c *Cursor) seek(target []byte) ([]byte, []byte, uint32) {
	c.stack = c.stack[:0]
	pn, err := c.bucket.pageNode(c.bucket.rootID())
	if err != nil {
		return nil, nil, 0
	}
	if err := c.search(pn, target); err != nil {
		return nil, nil, 0
	}

	top := &c.stack[len(c.stack)-1]
	n, _ := top.pn.count()
	if top.index >= n {
		k, v, flags := c.next()
		return k, v, flags
	}

	return c.keyValue()
}

// search recursively descends from pn toward target, pushing one frame per
// level, per the branch/leaf tie-break rules in pageOrNode.search.
func (c *Cursor) search(pn pageOrNode, target []byte) error {
	index, err := pn.search(target)
	if err != nil {
		return err
	}
	c.stack = append(c.stack, frame{pn: pn, index: index})

	if pn.isLeaf() {
		return nil
	}

	e, err := pn.at(index)
	if err != nil {
		return err
	}
	if !e.exists {
		return nil
	}
	child, err := c.bucket.pageNode(e.child)
	if err != nil {
		return err
	}
	return c.search(child, target)
}

// next walks up the stack while the current frame is exhausted, advances
// the first ancestor frame that can, then descends to the leftmost leaf
// under it. Reaching the root without any frame advancing yields a null
// pair.
func (c *Cursor) next() ([]byte, []byte, uint32) {
	if len(c.stack) == 0 {
		return c.first()
	}

	for i := len(c.stack) - 1; i >= 0; i-- {
		f := &c.stack[i]
		n, _ := f.pn.count()
		if f.index+1 < n {
			f.index++
			c.stack = c.stack[:i+1]
			c.goToFirstLeaf()
			k, v, flags := c.keyValue()
			return maskValue(k, v, flags)
		}
	}

	// Every frame on the stack is exhausted: no next element. The stack is
	// left in place so node() can still resolve the leaf the cursor is on.
	return nil, nil, 0
}

// prev is the mirror of next: walk up while the current frame is at index
// 0, step the first ancestor that can move back, then descend to the
// rightmost leaf under it.
func (c *Cursor) prev() ([]byte, []byte, uint32) {
	if len(c.stack) == 0 {
		return c.last()
	}

	for i := len(c.stack) - 1; i >= 0; i-- {
		f := &c.stack[i]
		if f.index > 0 {
			f.index--
			c.stack = c.stack[:i+1]
			c.goToLastLeaf()
			k, v, flags := c.keyValue()
			return maskValue(k, v, flags)
		}
	}

	c.stack = c.stack[:0]
	return nil, nil, 0
}

// keyValue dereferences the current top-of-stack frame. Returns a null
// triple when the current element does not exist (empty bucket, or the
// stack is empty).
func (c *Cursor) keyValue() ([]byte, []byte, uint32) {
	if len(c.stack) == 0 {
		return nil, nil, 0
	}
	top := c.stack[len(c.stack)-1]
	e, err := top.pn.at(top.index)
	if err != nil || !e.exists {
		return nil, nil, 0
	}
	return e.key, e.value, e.flags
}

// node returns the writable node for the current leaf frame, materializing
// nodes along the current stack path as needed. If the current top frame
// already is a node, it is returned directly.
func (c *Cursor) node() (*node, error) {
	if len(c.stack) == 0 {
		panic("ember: cursor stack is empty")
	}

	top := &c.stack[len(c.stack)-1]
	if top.pn.isNode() && top.pn.node.isLeaf {
		return top.pn.node, nil
	}

	// Descend from the root node, materializing nodes down the stack path.
	var n *node
	for i := 0; i < len(c.stack)-1; i++ {
		if c.stack[i].pn.isNode() {
			n = c.stack[i].pn.node
			continue
		}
		var err error
		if n == nil {
			n, err = c.bucket.node(c.stack[i].pn.page.id(), nil)
		} else {
			n, err = n.childAt(c.stack[i-1].index)
		}
		if err != nil {
			return nil, err
		}
		c.stack[i].pn = pageOrNode{node: n}
	}

	if n == nil {
		rootID := c.bucket.rootID()
		var err error
		n, err = c.bucket.node(rootID, nil)
		if err != nil {
			return nil, err
		}
	} else {
		var err error
		n, err = n.childAt(c.stack[len(c.stack)-2].index)
		if err != nil {
			return nil, err
		}
	}

	top.pn = pageOrNode{node: n}
	return n, nil
}
