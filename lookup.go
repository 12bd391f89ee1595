package ordex

import "github.com/alexhholmes/ordex/pagestore"

// Lookup returns the pointer stored for key, or NotFound.
func (ix *Index) Lookup(key []byte) (uint64, error) {
	const op = "lookup"
	if err := ix.checkKey(op, key); err != nil {
		return NotFound, err
	}
	ix.mu.Lock()
	defer ix.mu.Unlock()
	if err := ix.usable(op); err != nil {
		return NotFound, err
	}

	ptr, _, err := ix.lookup(op, key)
	if err != nil {
		return NotFound, ix.fail(err)
	}
	return ptr, nil
}

// lookup descends to the leaf owning key and returns the stored pointer (or
// NotFound) together with the leaf address.
func (ix *Index) lookup(op string, key []byte) (uint64, pagestore.Addr, error) {
	addr := ix.root
	for depth := 0; depth <= maxHeight; depth++ {
		n, err := ix.read(op, addr)
		if err != nil {
			return NotFound, pagestore.NilAddr, err
		}
		i, eq := ix.search(n, key)
		if n.IsLeaf() {
			ptr := NotFound
			if eq {
				ptr = n.Pointer(i)
			}
			n.Release()
			if eq && ptr == NotFound {
				return NotFound, addr, corruption(op, addr, "tuple %d stores the NotFound sentinel", i)
			}
			return ptr, addr, nil
		}
		next, err := ix.child(op, n, i)
		n.Release()
		if err != nil {
			return NotFound, pagestore.NilAddr, err
		}
		addr = next
	}
	return NotFound, pagestore.NilAddr, corruption(op, addr, "tree deeper than %d levels", maxHeight)
}
