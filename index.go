package ordex

import (
	"errors"
	"math"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/alexhholmes/ordex/internal/base"
	"github.com/alexhholmes/ordex/pagestore"
)

// NotFound is returned by Lookup for an absent key. It is never a legal
// stored value.
const NotFound uint64 = math.MaxUint64

const (
	// maxHeight bounds every descent so a cyclic page graph is reported
	// instead of looping.
	maxHeight = 64

	searchThreshold = 32
)

// Index is a B-tree over fixed-size pages mapping fixed-size keys to 64-bit
// pointers. The root page address never changes.
//
// All operations are serialized behind one lock. Each page is pinned only
// for the unit of work that needs it and released before the next one.
type Index struct {
	store  pagestore.Store
	wc     pagestore.WriteContext
	root   pagestore.Addr
	layout base.Layout
	cmp    KeyComparator
	mu     sync.Locker
	logger Logger

	// first corruption seen; the index refuses work afterwards
	broken error

	// shape recorded by the last successful Check
	shape Stats

	splits    atomic.Uint64
	merges    atomic.Uint64
	borrows   atomic.Uint64
	collapses atomic.Uint64
}

// New binds an index to an already allocated root page. A root page with an
// all-zero header is formatted as an empty leaf.
func New(store pagestore.Store, root pagestore.Addr, keySize int, cmp KeyComparator, opts ...Option) (*Index, error) {
	const op = "open"

	o := DefaultOptions()
	for _, opt := range opts {
		opt(&o)
	}
	if store == nil || cmp == nil {
		return nil, &Error{Op: op, Kind: ErrConfig, Err: errors.New("store and comparator are required")}
	}
	if root == pagestore.NilAddr {
		return nil, &Error{Op: op, Kind: ErrConfig, Err: errors.New("root address is nil")}
	}
	layout, err := base.NewLayout(store.PageSize(), keySize)
	if err != nil {
		return nil, &Error{Op: op, Kind: ErrConfig, Err: err}
	}
	wc := o.writeCtx
	if wc == nil {
		var ok bool
		if wc, ok = store.(pagestore.WriteContext); !ok {
			return nil, &Error{Op: op, Kind: ErrConfig, Err: errors.New("no write context for page reclamation")}
		}
	}
	if o.locker == nil {
		o.locker = &sync.Mutex{}
	}
	if o.logger == nil {
		o.logger = DiscardLogger{}
	}

	ix := &Index{
		store:  store,
		wc:     wc,
		root:   root,
		layout: layout,
		cmp:    cmp,
		mu:     o.locker,
		logger: o.logger,
	}

	page, err := store.ReadByAddress(root)
	if err != nil {
		return nil, ioError(op, root, err)
	}
	n := ix.layout.View(page)
	defer n.Release()
	if n.Blank() {
		n.Reset(true, pagestore.NilAddr)
	} else if err := n.Validate(); err != nil {
		return nil, corruption(op, root, "%w", err)
	}

	ix.logger.Info("index opened",
		"root", uint64(root),
		"keySize", keySize,
		"maxTuples", layout.MaxTuples,
		"minTuples", layout.MinTuples)
	return ix, nil
}

// Create allocates a root page from store and opens an empty index on it.
func Create(store pagestore.Store, keySize int, cmp KeyComparator, opts ...Option) (*Index, error) {
	if store == nil {
		return nil, &Error{Op: "create", Kind: ErrConfig, Err: errors.New("store is required")}
	}
	page, err := store.Allocate()
	if err != nil {
		return nil, ioError("create", pagestore.NilAddr, err)
	}
	root := page.Addr()
	page.Release()
	return New(store, root, keySize, cmp, opts...)
}

// Root returns the address of the root page.
func (ix *Index) Root() pagestore.Addr {
	return ix.root
}

// KeySize returns the fixed key length.
func (ix *Index) KeySize() int {
	return ix.layout.KeySize
}

// MaxTuples returns the page capacity in tuples.
func (ix *Index) MaxTuples() int {
	return ix.layout.MaxTuples
}

// MinTuples returns the occupancy every non-root page keeps.
func (ix *Index) MinTuples() int {
	return ix.layout.MinTuples
}

// usable fails fast on a corrupted index. Called with the lock held.
func (ix *Index) usable(op string) error {
	if ix.broken != nil {
		return &Error{Op: op, Addr: ix.root, Kind: ErrCorruption, Err: ix.broken}
	}
	return nil
}

// fail records the first corruption so later calls refuse to run.
func (ix *Index) fail(err error) error {
	if err == nil || ix.broken != nil || !errors.Is(err, ErrCorruption) {
		return err
	}
	ix.broken = err
	ix.logger.Error("index corrupted", "root", uint64(ix.root), "err", err)
	return err
}

func (ix *Index) checkKey(op string, key []byte) error {
	if len(key) != ix.layout.KeySize {
		return &Error{Op: op, Kind: ErrKeySize}
	}
	return nil
}

// read pins the page at addr and validates its header.
func (ix *Index) read(op string, addr pagestore.Addr) (base.Node, error) {
	page, err := ix.store.ReadByAddress(addr)
	if err != nil {
		return base.Node{}, ioError(op, addr, err)
	}
	n := ix.layout.View(page)
	if err := n.Validate(); err != nil {
		n.Release()
		return base.Node{}, corruption(op, addr, "%w", err)
	}
	return n, nil
}

func (ix *Index) allocate(op string) (base.Node, error) {
	page, err := ix.store.Allocate()
	if err != nil {
		return base.Node{}, ioError(op, pagestore.NilAddr, err)
	}
	if page.Addr() == pagestore.NilAddr || page.Addr() == ix.root {
		page.Release()
		return base.Node{}, corruption(op, page.Addr(), "store allocated a reserved address")
	}
	return ix.layout.View(page), nil
}

func (ix *Index) reclaim(op string, n base.Node) error {
	if err := ix.wc.Reclaim(n.Page()); err != nil {
		return ioError(op, n.Addr(), err)
	}
	return nil
}

// search returns the index of the first tuple whose key is >= key and
// whether that tuple matches exactly.
func (ix *Index) search(n base.Node, key []byte) (int, bool) {
	c := n.Count()
	var i int
	if c < searchThreshold {
		for i < c && ix.cmp.Compare(n.Key(i), key) < 0 {
			i++
		}
	} else {
		i = sort.Search(c, func(j int) bool {
			return ix.cmp.Compare(n.Key(j), key) >= 0
		})
	}
	return i, i < c && ix.cmp.Compare(n.Key(i), key) == 0
}

// child returns the address routed to by slot i of an internal page; slot
// Count is the next pointer.
func (ix *Index) child(op string, n base.Node, i int) (pagestore.Addr, error) {
	var c pagestore.Addr
	if i < n.Count() {
		c = n.Child(i)
	} else {
		c = n.Next()
	}
	if c == pagestore.NilAddr || c == n.Addr() || c == ix.root {
		return pagestore.NilAddr, corruption(op, n.Addr(), "slot %d has no valid child (%d)", i, c)
	}
	return c, nil
}

// slotOf finds the slot of child in its parent by a linear scan. Slot
// Count denotes the next pointer.
func (ix *Index) slotOf(op string, parent base.Node, child pagestore.Addr) (int, error) {
	c := parent.Count()
	for i := 0; i < c; i++ {
		if parent.Child(i) == child {
			return i, nil
		}
	}
	if parent.Next() == child {
		return c, nil
	}
	return 0, corruption(op, parent.Addr(), "child %d not found in parent", child)
}

// reparent points the parent address of n's children [from, Count) and of
// its next child at n.
func (ix *Index) reparent(op string, n base.Node, from int) error {
	set := func(addr pagestore.Addr) error {
		c, err := ix.read(op, addr)
		if err != nil {
			return err
		}
		defer c.Release()
		if c.Parent() != n.Addr() {
			c.SetParent(n.Addr())
		}
		return nil
	}
	for i := from; i < n.Count(); i++ {
		if err := set(n.Child(i)); err != nil {
			return err
		}
	}
	if next := n.Next(); next != pagestore.NilAddr {
		return set(next)
	}
	return nil
}

// children lists the child addresses of internal page n in key order,
// including its next child when present.
func (ix *Index) children(op string, n base.Node) ([]pagestore.Addr, error) {
	out := make([]pagestore.Addr, 0, n.Count()+1)
	for i := 0; i < n.Count(); i++ {
		c, err := ix.child(op, n, i)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	if n.Next() != pagestore.NilAddr {
		c, err := ix.child(op, n, n.Count())
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, nil
}
