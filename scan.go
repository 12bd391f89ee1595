package ordex

import (
	"bytes"

	"github.com/alexhholmes/ordex/internal/base"
	"github.com/alexhholmes/ordex/pagestore"
)

type tuple struct {
	key   []byte
	value uint64
}

// Scan calls fn for every key >= start in ascending order, or for every key
// when start is nil. Iteration stops when fn returns false. fn runs with the
// index locked and must not call back into the index; key is a copy.
func (ix *Index) Scan(start []byte, fn func(key []byte, value uint64) bool) error {
	const op = "scan"
	if start != nil {
		if err := ix.checkKey(op, start); err != nil {
			return err
		}
	}
	ix.mu.Lock()
	defer ix.mu.Unlock()
	if err := ix.usable(op); err != nil {
		return err
	}
	return ix.fail(ix.scan(op, start, fn))
}

func (ix *Index) scan(op string, start []byte, fn func([]byte, uint64) bool) error {
	addr, err := ix.seek(op, start)
	if err != nil {
		return err
	}

	var prev []byte
	first := true
	for addr != pagestore.NilAddr {
		n, err := ix.read(op, addr)
		if err != nil {
			return err
		}
		if !n.IsLeaf() {
			n.Release()
			return corruption(op, addr, "leaf chain reaches an internal page")
		}
		if n.Count() == 0 && addr != ix.root {
			n.Release()
			return corruption(op, addr, "empty leaf in chain")
		}
		from := 0
		if first && start != nil {
			from, _ = ix.search(n, start)
		}
		first = false
		batch := make([]tuple, 0, n.Count()-from)
		for i := from; i < n.Count(); i++ {
			batch = append(batch, tuple{key: bytes.Clone(n.Key(i)), value: n.Pointer(i)})
		}
		next := n.Next()
		n.Release()

		for _, t := range batch {
			if prev != nil && ix.cmp.Compare(prev, t.key) >= 0 {
				return corruption(op, addr, "key %s out of order after %s", ix.cmp.Format(t.key), ix.cmp.Format(prev))
			}
			if t.value == NotFound {
				return corruption(op, addr, "key %s stores the NotFound sentinel", ix.cmp.Format(t.key))
			}
			prev = t.key
			if !fn(t.key, t.value) {
				return nil
			}
		}
		addr = next
	}
	return nil
}

// seek returns the leaf owning start, or the left-most leaf for a nil start.
func (ix *Index) seek(op string, start []byte) (pagestore.Addr, error) {
	addr := ix.root
	for depth := 0; depth <= maxHeight; depth++ {
		n, err := ix.read(op, addr)
		if err != nil {
			return pagestore.NilAddr, err
		}
		if n.IsLeaf() {
			n.Release()
			return addr, nil
		}
		i := 0
		if start != nil {
			i, _ = ix.search(n, start)
		}
		next, err := ix.child(op, n, i)
		n.Release()
		if err != nil {
			return pagestore.NilAddr, err
		}
		addr = next
	}
	return pagestore.NilAddr, corruption(op, addr, "tree deeper than %d levels", maxHeight)
}

// Clear removes every key. All pages except the root are handed to the
// write context and the root becomes an empty leaf.
func (ix *Index) Clear() error {
	const op = "clear"
	ix.mu.Lock()
	defer ix.mu.Unlock()
	if err := ix.usable(op); err != nil {
		return err
	}
	return ix.fail(ix.clear(op))
}

func (ix *Index) clear(op string) error {
	var reclaimed int
	var drop func(addr pagestore.Addr, depth int) error
	drop = func(addr pagestore.Addr, depth int) error {
		if depth > maxHeight {
			return corruption(op, addr, "tree deeper than %d levels", maxHeight)
		}
		n, err := ix.read(op, addr)
		if err != nil {
			return err
		}
		var kids []pagestore.Addr
		if !n.IsLeaf() {
			kids, err = ix.children(op, n)
		}
		if err == nil && addr != ix.root {
			if err = ix.reclaim(op, n); err == nil {
				reclaimed++
			}
		}
		n.Release()
		if err != nil {
			return err
		}
		for _, c := range kids {
			if err := drop(c, depth+1); err != nil {
				return err
			}
		}
		return nil
	}
	if err := drop(ix.root, 0); err != nil {
		return err
	}

	r, err := ix.read(op, ix.root)
	if err != nil {
		return err
	}
	defer r.Release()
	r.Truncate(0)
	r.Reset(true, pagestore.NilAddr)
	ix.logger.Info("index cleared", "root", uint64(ix.root), "reclaimed", reclaimed)
	return nil
}

// keys copies the keys of n.
func keys(n base.Node) [][]byte {
	out := make([][]byte, n.Count())
	for i := range out {
		out[i] = bytes.Clone(n.Key(i))
	}
	return out
}
