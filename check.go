package ordex

import "github.com/alexhholmes/ordex/pagestore"

// Stats describes the shape of the tree and the structural changes made
// since the index was opened. The shape fields reflect the last Check.
type Stats struct {
	Height int
	Pages  int
	Leaves int
	Keys   int

	Splits    uint64
	Merges    uint64
	Borrows   uint64
	Collapses uint64
}

// Stats returns the structural counters and the shape seen by the last
// Check.
func (ix *Index) Stats() Stats {
	ix.mu.Lock()
	st := ix.shape
	ix.mu.Unlock()
	ix.counters(&st)
	return st
}

func (ix *Index) counters(st *Stats) {
	st.Splits = ix.splits.Load()
	st.Merges = ix.merges.Load()
	st.Borrows = ix.borrows.Load()
	st.Collapses = ix.collapses.Load()
}

// Check walks every page and verifies the tree invariants: tuple order,
// separator bounds, occupancy, parent addresses, uniform leaf depth, the
// internal next rule and the leaf chain. A violation poisons the index.
func (ix *Index) Check() (Stats, error) {
	const op = "check"
	ix.mu.Lock()
	defer ix.mu.Unlock()
	if err := ix.usable(op); err != nil {
		return Stats{}, err
	}

	c := checker{ix: ix, op: op, depth: -1, seen: make(map[pagestore.Addr]struct{})}
	if err := c.walk(ix.root, pagestore.NilAddr, nil, nil, 0); err != nil {
		return Stats{}, ix.fail(err)
	}
	if err := c.chain(); err != nil {
		return Stats{}, ix.fail(err)
	}
	c.st.Height = c.depth + 1
	c.st.Leaves = len(c.leaves)
	ix.shape = c.st
	ix.counters(&c.st)
	return c.st, nil
}

type checker struct {
	ix    *Index
	op    string
	st    Stats
	depth int // leaf depth, -1 until the first leaf

	seen   map[pagestore.Addr]struct{}
	leaves []pagestore.Addr
	nexts  []pagestore.Addr
}

// walk verifies the subtree at addr whose keys must lie in (lo, hi]. A nil
// bound is unbounded.
func (c *checker) walk(addr, parent pagestore.Addr, lo, hi []byte, depth int) error {
	ix, op := c.ix, c.op
	if depth > maxHeight {
		return corruption(op, addr, "tree deeper than %d levels", maxHeight)
	}
	if _, ok := c.seen[addr]; ok {
		return corruption(op, addr, "page reachable twice")
	}
	c.seen[addr] = struct{}{}

	n, err := ix.read(op, addr)
	if err != nil {
		return err
	}
	c.st.Pages++
	leaf, count, next := n.IsLeaf(), n.Count(), n.Next()
	ks := keys(n)
	var kids []pagestore.Addr
	if leaf {
		for i := 0; i < count; i++ {
			if n.Pointer(i) == NotFound {
				n.Release()
				return corruption(op, addr, "tuple %d stores the NotFound sentinel", i)
			}
		}
	} else {
		kids, err = ix.children(op, n)
	}
	parentAddr := n.Parent()
	n.Release()
	if err != nil {
		return err
	}

	if parentAddr != parent {
		return corruption(op, addr, "parent is %d, expected %d", parentAddr, parent)
	}
	if addr != ix.root && count < ix.layout.MinTuples {
		return corruption(op, addr, "%d tuples, minimum is %d", count, ix.layout.MinTuples)
	}
	for i, k := range ks {
		if i > 0 && ix.cmp.Compare(ks[i-1], k) >= 0 {
			return corruption(op, addr, "tuple %d key %s not above %s", i, ix.cmp.Format(k), ix.cmp.Format(ks[i-1]))
		}
		if lo != nil && ix.cmp.Compare(k, lo) <= 0 {
			return corruption(op, addr, "key %s not above lower bound %s", ix.cmp.Format(k), ix.cmp.Format(lo))
		}
		if hi != nil && ix.cmp.Compare(k, hi) > 0 {
			return corruption(op, addr, "key %s above upper bound %s", ix.cmp.Format(k), ix.cmp.Format(hi))
		}
	}

	if leaf {
		if c.depth < 0 {
			c.depth = depth
		} else if c.depth != depth {
			return corruption(op, addr, "leaf at depth %d, others at %d", depth, c.depth)
		}
		c.st.Keys += count
		c.leaves = append(c.leaves, addr)
		c.nexts = append(c.nexts, next)
		return nil
	}

	if count == 0 {
		return corruption(op, addr, "internal page without separators")
	}
	if next == pagestore.NilAddr && (hi == nil || ix.cmp.Compare(ks[count-1], hi) != 0) {
		return corruption(op, addr, "internal page without next child does not end at its bound")
	}
	prev := lo
	for i, k := range ks {
		if err := c.walk(kids[i], addr, prev, k, depth+1); err != nil {
			return err
		}
		prev = k
	}
	if next != pagestore.NilAddr {
		return c.walk(kids[count], addr, prev, hi, depth+1)
	}
	return nil
}

// chain verifies that the leaf next pointers visit every leaf in key order.
func (c *checker) chain() error {
	for i, addr := range c.leaves {
		want := pagestore.NilAddr
		if i+1 < len(c.leaves) {
			want = c.leaves[i+1]
		}
		if c.nexts[i] != want {
			return corruption(c.op, addr, "leaf next is %d, expected %d", c.nexts[i], want)
		}
	}
	return nil
}
