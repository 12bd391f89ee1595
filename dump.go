package ordex

import (
	"bufio"
	"fmt"
	"io"
	"strings"

	"github.com/alexhholmes/ordex/pagestore"
)

// Dump writes one line per page and one indented line per tuple, in key
// order. Keys are rendered with the comparator's Format.
func (ix *Index) Dump(w io.Writer) error {
	const op = "dump"
	ix.mu.Lock()
	defer ix.mu.Unlock()
	if err := ix.usable(op); err != nil {
		return err
	}

	bw := bufio.NewWriter(w)
	if err := ix.fail(ix.dump(op, bw, ix.root, 0)); err != nil {
		return err
	}
	if err := bw.Flush(); err != nil {
		return &Error{Op: op, Kind: ErrIO, Err: err}
	}
	return nil
}

func (ix *Index) dump(op string, w *bufio.Writer, addr pagestore.Addr, depth int) error {
	if depth > maxHeight {
		return corruption(op, addr, "tree deeper than %d levels", maxHeight)
	}
	n, err := ix.read(op, addr)
	if err != nil {
		return err
	}
	indent := strings.Repeat("  ", depth)
	kind := "internal"
	if n.IsLeaf() {
		kind = "leaf"
	}
	fmt.Fprintf(w, "%spage %d %s count=%d parent=%d next=%d\n",
		indent, addr, kind, n.Count(), n.Parent(), n.Next())

	if n.IsLeaf() {
		for i := 0; i < n.Count(); i++ {
			fmt.Fprintf(w, "%s  %s => %d\n", indent, ix.cmp.Format(n.Key(i)), n.Pointer(i))
		}
		n.Release()
		return nil
	}

	ks := keys(n)
	kids, err := ix.children(op, n)
	n.Release()
	if err != nil {
		return err
	}
	for i, c := range kids {
		switch {
		case i < len(ks):
			fmt.Fprintf(w, "%s  <= %s\n", indent, ix.cmp.Format(ks[i]))
		case len(ks) == 0:
			fmt.Fprintf(w, "%s  *\n", indent)
		default:
			fmt.Fprintf(w, "%s  > %s\n", indent, ix.cmp.Format(ks[len(ks)-1]))
		}
		if err := ix.dump(op, w, c, depth+2); err != nil {
			return err
		}
	}
	return nil
}
