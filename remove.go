package ordex

import (
	"bytes"

	"github.com/alexhholmes/ordex/internal/base"
	"github.com/alexhholmes/ordex/pagestore"
)

// Remove deletes key. Removing an absent key is not an error and leaves
// every page untouched.
func (ix *Index) Remove(key []byte) error {
	const op = "remove"
	if err := ix.checkKey(op, key); err != nil {
		return err
	}
	ix.mu.Lock()
	defer ix.mu.Unlock()
	if err := ix.usable(op); err != nil {
		return err
	}
	return ix.fail(ix.remove(op, key))
}

func (ix *Index) remove(op string, key []byte) error {
	removed, err := ix.removeFrom(op, ix.root, pagestore.NilAddr, key, 0)
	if err != nil || !removed {
		return err
	}
	return ix.collapseRoot(op)
}

// removeFrom deletes key from the subtree at addr and rebalances every page
// left under minimum occupancy on the way back up.
func (ix *Index) removeFrom(op string, addr, parent pagestore.Addr, key []byte, depth int) (bool, error) {
	if depth > maxHeight {
		return false, corruption(op, addr, "tree deeper than %d levels", maxHeight)
	}
	n, err := ix.read(op, addr)
	if err != nil {
		return false, err
	}
	if n.Parent() != parent {
		n.Release()
		return false, corruption(op, addr, "parent is %d, expected %d", n.Parent(), parent)
	}

	i, eq := ix.search(n, key)
	var count int
	if n.IsLeaf() {
		if !eq {
			n.Release()
			return false, nil
		}
		n.RemoveAt(i)
		count = n.Count()
		n.Release()
	} else {
		c, err := ix.child(op, n, i)
		n.Release()
		if err != nil {
			return false, err
		}
		removed, err := ix.removeFrom(op, c, addr, key, depth+1)
		if err != nil || !removed {
			return removed, err
		}
		if n, err = ix.read(op, addr); err != nil {
			return true, err
		}
		count = n.Count()
		n.Release()
	}

	if addr != ix.root && count < ix.layout.MinTuples {
		return true, ix.rebalance(op, addr, parent)
	}
	return true, nil
}

// rebalance restores minimum occupancy of the page at addr by borrowing
// from or merging with an adjacent sibling. Left is preferred over right
// and borrowing over merging.
func (ix *Index) rebalance(op string, addr, parentAddr pagestore.Addr) error {
	p, err := ix.read(op, parentAddr)
	if err != nil {
		return err
	}
	defer p.Release()
	pos, err := ix.slotOf(op, p, addr)
	if err != nil {
		return err
	}

	x, err := ix.read(op, addr)
	if err != nil {
		return err
	}
	defer x.Release()

	sibling := func(slot int) (base.Node, error) {
		a, err := ix.child(op, p, slot)
		if err != nil {
			return base.Node{}, err
		}
		s, err := ix.read(op, a)
		if err != nil {
			return base.Node{}, err
		}
		if s.IsLeaf() != x.IsLeaf() || s.Parent() != parentAddr {
			s.Release()
			return base.Node{}, corruption(op, a, "sibling of %d has mismatched kind or parent", addr)
		}
		return s, nil
	}

	// An internal page may have no next child, so the last tuple slot
	// can lack a right neighbour.
	var l, r base.Node
	hasLeft := pos > 0
	hasRight := pos+1 < p.Count() || (pos < p.Count() && p.Next() != pagestore.NilAddr)
	if hasLeft {
		if l, err = sibling(pos - 1); err != nil {
			return err
		}
		defer l.Release()
	}
	if hasRight {
		if r, err = sibling(pos + 1); err != nil {
			return err
		}
		defer r.Release()
	}

	minimum := ix.layout.MinTuples
	switch {
	case hasLeft && l.Count() > minimum:
		return ix.borrowLeft(op, x, l, p, pos)
	case hasRight && r.Count() > minimum:
		return ix.borrowRight(op, x, r, p, pos)
	case hasLeft:
		return ix.merge(op, l, x, p, pos-1)
	case hasRight:
		return ix.merge(op, x, r, p, pos)
	}
	return corruption(op, addr, "page has no sibling under parent %d", parentAddr)
}

// borrowLeft moves the last tuple of l to the front of x and lowers the
// separator between them.
func (ix *Index) borrowLeft(op string, x, l, p base.Node, pos int) error {
	lc := l.Count()
	moved := l.Child(lc - 1)
	x.InsertAt(0, l.Pointer(lc-1), l.Key(lc-1))
	l.Truncate(lc - 1)
	p.SetKey(pos-1, l.Key(lc-2))
	ix.borrows.Add(1)
	if x.IsLeaf() {
		return nil
	}
	return ix.adopt(op, x, moved)
}

// borrowRight moves the first tuple of r to the end of x and raises the
// separator between them.
func (ix *Index) borrowRight(op string, x, r, p base.Node, pos int) error {
	key := bytes.Clone(r.Key(0))
	moved := r.Child(0)
	x.InsertAt(x.Count(), r.Pointer(0), key)
	r.RemoveAt(0)
	p.SetKey(pos, key)
	ix.borrows.Add(1)
	if x.IsLeaf() {
		return nil
	}
	return ix.adopt(op, x, moved)
}

// adopt rewrites the parent address of the page at child to n.
func (ix *Index) adopt(op string, n base.Node, child pagestore.Addr) error {
	c, err := ix.read(op, child)
	if err != nil {
		return err
	}
	defer c.Release()
	c.SetParent(n.Addr())
	return nil
}

// merge appends v, the right neighbour of s at parent slot lpos, onto s and
// hands v to the write context.
func (ix *Index) merge(op string, s, v, p base.Node, lpos int) error {
	sc, vc := s.Count(), v.Count()
	if sc+vc > ix.layout.MaxTuples {
		return corruption(op, s.Addr(), "merge of %d and %d tuples exceeds capacity", sc, vc)
	}
	s.AppendFrom(v, 0, vc)
	s.SetNext(v.Next())

	rpos := lpos + 1
	if rpos < p.Count() {
		p.SetPointer(rpos, uint64(s.Addr()))
		p.RemoveAt(lpos)
	} else {
		p.RemoveAt(lpos)
		p.SetNext(s.Addr())
	}

	if !s.IsLeaf() {
		if err := ix.reparent(op, s, sc); err != nil {
			return err
		}
	}
	if err := ix.reclaim(op, v); err != nil {
		return err
	}
	ix.merges.Add(1)
	return nil
}

// collapseRoot replaces an internal root left without separators by its
// only child. The child is copied into the root page so the root address
// never changes.
func (ix *Index) collapseRoot(op string) error {
	for depth := 0; depth <= maxHeight; depth++ {
		r, err := ix.read(op, ix.root)
		if err != nil {
			return err
		}
		if r.IsLeaf() || r.Count() > 0 {
			r.Release()
			return nil
		}
		err = ix.pullUp(op, r)
		r.Release()
		if err != nil {
			return err
		}
	}
	return corruption(op, ix.root, "tree deeper than %d levels", maxHeight)
}

func (ix *Index) pullUp(op string, r base.Node) error {
	addr, err := ix.child(op, r, 0)
	if err != nil {
		return err
	}
	c, err := ix.read(op, addr)
	if err != nil {
		return err
	}
	defer c.Release()
	if c.Parent() != ix.root {
		return corruption(op, addr, "parent is %d, expected root", c.Parent())
	}

	r.CopyFrom(c)
	if r.IsLeaf() {
		r.SetNext(pagestore.NilAddr)
	} else if err := ix.reparent(op, r, 0); err != nil {
		return err
	}
	if err := ix.reclaim(op, c); err != nil {
		return err
	}
	ix.collapses.Add(1)
	ix.logger.Info("root collapsed", "root", uint64(ix.root), "child", uint64(addr), "leaf", r.IsLeaf())
	return nil
}
