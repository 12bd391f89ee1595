package ordex

import (
	"bytes"

	"github.com/alexhholmes/ordex/internal/base"
	"github.com/alexhholmes/ordex/pagestore"
)

// Insert stores value under key, replacing any previous value. NotFound
// cannot be stored.
func (ix *Index) Insert(key []byte, value uint64) error {
	const op = "insert"
	if value == NotFound {
		return &Error{Op: op, Kind: ErrReservedValue}
	}
	if err := ix.checkKey(op, key); err != nil {
		return err
	}
	ix.mu.Lock()
	defer ix.mu.Unlock()
	if err := ix.usable(op); err != nil {
		return err
	}
	return ix.fail(ix.insert(op, key, value))
}

func (ix *Index) insert(op string, key []byte, value uint64) error {
	ptr, leaf, err := ix.lookup(op, key)
	if err != nil {
		return err
	}
	if ptr != NotFound {
		if ptr == value {
			return nil
		}
		return ix.overwrite(op, leaf, key, value)
	}

	root, err := ix.read(op, ix.root)
	if err != nil {
		return err
	}
	full := root.Full()
	root.Release()
	if full {
		if err := ix.splitRoot(op); err != nil {
			return err
		}
	}

	addr := ix.root
	split := false
	for depth := 0; depth <= maxHeight; {
		n, err := ix.read(op, addr)
		if err != nil {
			return err
		}
		i, eq := ix.search(n, key)
		if n.IsLeaf() {
			defer n.Release()
			if eq {
				return corruption(op, addr, "key %s appeared during insert", ix.cmp.Format(key))
			}
			if n.Full() {
				return corruption(op, addr, "leaf full after proactive split")
			}
			n.InsertAt(i, value, key)
			return nil
		}
		c, err := ix.child(op, n, i)
		n.Release()
		if err != nil {
			return err
		}

		cn, err := ix.read(op, c)
		if err != nil {
			return err
		}
		full := cn.Full()
		cn.Release()
		if full {
			if split {
				return corruption(op, c, "page still full after split")
			}
			if err := ix.splitChild(op, addr, c); err != nil {
				return err
			}
			split = true
			continue
		}
		addr = c
		split = false
		depth++
	}
	return corruption(op, addr, "tree deeper than %d levels", maxHeight)
}

func (ix *Index) overwrite(op string, addr pagestore.Addr, key []byte, value uint64) error {
	n, err := ix.read(op, addr)
	if err != nil {
		return err
	}
	defer n.Release()
	i, eq := ix.search(n, key)
	if !eq || !n.IsLeaf() {
		return corruption(op, addr, "key %s vanished before overwrite", ix.cmp.Format(key))
	}
	n.SetPointer(i, value)
	return nil
}

// allocatePair allocates two fresh pages. If the second allocation fails the
// first page is handed back for reclamation.
func (ix *Index) allocatePair(op string) (left, right base.Node, err error) {
	l, err := ix.allocate(op)
	if err != nil {
		return base.Node{}, base.Node{}, err
	}
	r, err := ix.allocate(op)
	if err != nil {
		rerr := ix.reclaim(op, l)
		l.Release()
		if rerr != nil {
			return base.Node{}, base.Node{}, rerr
		}
		return base.Node{}, base.Node{}, err
	}
	return l, r, nil
}

// splitRoot moves the contents of the full root into two new children and
// leaves the root as an internal page with a single separator, so the root
// address stays fixed.
func (ix *Index) splitRoot(op string) error {
	r, err := ix.read(op, ix.root)
	if err != nil {
		return err
	}
	defer r.Release()

	left, right, err := ix.allocatePair(op)
	if err != nil {
		return err
	}
	defer left.Release()
	defer right.Release()

	leaf := r.IsLeaf()
	cnt := r.Count()
	pivot := (cnt - 1) / 2
	sep := bytes.Clone(r.Key(pivot))

	left.Reset(leaf, ix.root)
	left.AppendFrom(r, 0, pivot+1)
	right.Reset(leaf, ix.root)
	right.AppendFrom(r, pivot+1, cnt-pivot-1)
	right.SetNext(r.Next())
	if leaf {
		left.SetNext(right.Addr())
	}

	r.Truncate(0)
	r.SetLeaf(false)
	r.InsertAt(0, uint64(left.Addr()), sep)
	r.SetNext(right.Addr())

	if !leaf {
		if err := ix.reparent(op, left, 0); err != nil {
			return err
		}
		if err := ix.reparent(op, right, 0); err != nil {
			return err
		}
	}
	ix.splits.Add(1)
	return nil
}

// splitChild splits the full child at childAddr. The child keeps the lower
// half including the pivot tuple; a new right sibling takes the rest and
// the child's former next pointer. This mirrors a split that allocates the
// lower half, and keeps the leaf chain update local to the child.
func (ix *Index) splitChild(op string, parentAddr, childAddr pagestore.Addr) error {
	p, err := ix.read(op, parentAddr)
	if err != nil {
		return err
	}
	defer p.Release()
	if p.Full() {
		return corruption(op, parentAddr, "parent full during split")
	}
	pos, err := ix.slotOf(op, p, childAddr)
	if err != nil {
		return err
	}

	c, err := ix.read(op, childAddr)
	if err != nil {
		return err
	}
	defer c.Release()
	if c.Parent() != parentAddr {
		return corruption(op, childAddr, "parent is %d, expected %d", c.Parent(), parentAddr)
	}

	n, err := ix.allocate(op)
	if err != nil {
		return err
	}
	defer n.Release()

	leaf := c.IsLeaf()
	cnt := c.Count()
	pivot := (cnt - 1) / 2
	sep := bytes.Clone(c.Key(pivot))

	n.Reset(leaf, parentAddr)
	n.AppendFrom(c, pivot+1, cnt-pivot-1)
	n.SetNext(c.Next())
	c.Truncate(pivot + 1)
	if leaf {
		c.SetNext(n.Addr())
	} else {
		c.SetNext(pagestore.NilAddr)
	}

	p.InsertAt(pos, uint64(childAddr), sep)
	if pos+1 < p.Count() {
		p.SetPointer(pos+1, uint64(n.Addr()))
	} else {
		p.SetNext(n.Addr())
	}

	if !leaf {
		if err := ix.reparent(op, n, 0); err != nil {
			return err
		}
	}
	ix.splits.Add(1)
	return nil
}
