// Package base holds the on-disk layout of an index page.
package base

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/alexhholmes/ordex/pagestore"
)

const (
	HeaderSize  = 24 // Flags(4) + Count(4) + Parent(8) + Next(8)
	PointerSize = 8

	LeafFlag uint32 = 0x01

	flagsOffset  = 0
	countOffset  = 4
	parentOffset = 8
	nextOffset   = 16

	// MinFanout is the smallest tuple capacity the split/merge rules can
	// honour: a full page must split into two halves of at least two tuples.
	MinFanout = 4
)

var (
	ErrKeySize      = errors.New("key size must be positive")
	ErrPageTooSmall = errors.New("page too small for minimum fanout")
	ErrBadCount     = errors.New("tuple count out of range")
	ErrBadFlags     = errors.New("unknown page flags")
)

// Page is an index page:
//
// ┌─────────────────────────────────────────────────────────────────────┐
// │ Header (24 bytes, big-endian)                                       │
// │ Flags(4) Count(4) Parent(8) Next(8)                                 │
// ├─────────────────────────────────────────────────────────────────────┤
// │ Tuple[0]  Pointer(8) Key(KeySize) padding to a multiple of 8        │
// ├─────────────────────────────────────────────────────────────────────┤
// │ Tuple[1]                                                            │
// ├─────────────────────────────────────────────────────────────────────┤
// │ ...                                                                 │
// ├─────────────────────────────────────────────────────────────────────┤
// │ Tuple[Count-1]                                                      │
// ├─────────────────────────────────────────────────────────────────────┤
// │ unused                                                              │
// └─────────────────────────────────────────────────────────────────────┘
//
// Leaf: Pointer is the caller's value, Next is the next leaf in key order.
// Internal: Pointer is the child holding keys <= Key, Next is the child
// holding keys greater than every tuple (NilAddr when the page has none).

// Layout holds the size constants derived from a page size and key size.
type Layout struct {
	PageSize  int
	KeySize   int
	TupleSize int
	MaxTuples int
	MinTuples int
}

// NewLayout computes the tuple geometry for pageSize and keySize.
func NewLayout(pageSize, keySize int) (Layout, error) {
	if keySize <= 0 {
		return Layout{}, ErrKeySize
	}
	tupleSize := align8(PointerSize + keySize)
	maxTuples := 0
	if pageSize > HeaderSize {
		maxTuples = (pageSize - HeaderSize) / tupleSize
	}
	if maxTuples < MinFanout {
		return Layout{}, fmt.Errorf("%w: page size %d, key size %d holds %d tuples",
			ErrPageTooSmall, pageSize, keySize, maxTuples)
	}
	return Layout{
		PageSize:  pageSize,
		KeySize:   keySize,
		TupleSize: tupleSize,
		MaxTuples: maxTuples,
		MinTuples: max(1, maxTuples/2),
	}, nil
}

// PageSizeFor returns the smallest page size holding exactly maxTuples tuples
// of keySize bytes.
func PageSizeFor(keySize, maxTuples int) int {
	return HeaderSize + maxTuples*align8(PointerSize+keySize)
}

func align8(n int) int {
	return (n + 7) &^ 7
}

// Node is a view of a pinned page through a Layout. It does not own the
// buffer; writes mark the page dirty.
type Node struct {
	l    *Layout
	page pagestore.Page
	buf  []byte
}

// View wraps page with the layout.
func (l *Layout) View(page pagestore.Page) Node {
	return Node{l: l, page: page, buf: page.Bytes()}
}

// Addr returns the address of the underlying page.
func (n Node) Addr() pagestore.Addr {
	return n.page.Addr()
}

// Page returns the underlying pinned page.
func (n Node) Page() pagestore.Page {
	return n.page
}

// Release unpins the underlying page.
func (n Node) Release() {
	n.page.Release()
}

// Validate checks the header fields that the tree algorithms trust.
func (n Node) Validate() error {
	if f := n.flags(); f&^LeafFlag != 0 {
		return fmt.Errorf("%w: %#x", ErrBadFlags, f)
	}
	if c := binary.BigEndian.Uint32(n.buf[countOffset:]); c > uint32(n.l.MaxTuples) {
		return fmt.Errorf("%w: %d > %d", ErrBadCount, c, n.l.MaxTuples)
	}
	return nil
}

// Blank reports whether the header is all zero, as on a freshly
// allocated page.
func (n Node) Blank() bool {
	for _, b := range n.buf[:HeaderSize] {
		if b != 0 {
			return false
		}
	}
	return true
}

func (n Node) flags() uint32 {
	return binary.BigEndian.Uint32(n.buf[flagsOffset:])
}

func (n Node) IsLeaf() bool {
	return n.flags()&LeafFlag != 0
}

func (n Node) SetLeaf(leaf bool) {
	var f uint32
	if leaf {
		f = LeafFlag
	}
	binary.BigEndian.PutUint32(n.buf[flagsOffset:], f)
	n.page.MarkDirty(flagsOffset, 4)
}

func (n Node) Count() int {
	return int(binary.BigEndian.Uint32(n.buf[countOffset:]))
}

func (n Node) SetCount(c int) {
	if c < 0 || c > n.l.MaxTuples {
		panic(fmt.Sprintf("base: count %d outside [0, %d]", c, n.l.MaxTuples))
	}
	binary.BigEndian.PutUint32(n.buf[countOffset:], uint32(c))
	n.page.MarkDirty(countOffset, 4)
}

func (n Node) Full() bool {
	return n.Count() >= n.l.MaxTuples
}

func (n Node) Parent() pagestore.Addr {
	return pagestore.Addr(binary.BigEndian.Uint64(n.buf[parentOffset:]))
}

func (n Node) SetParent(a pagestore.Addr) {
	binary.BigEndian.PutUint64(n.buf[parentOffset:], uint64(a))
	n.page.MarkDirty(parentOffset, 8)
}

func (n Node) Next() pagestore.Addr {
	return pagestore.Addr(binary.BigEndian.Uint64(n.buf[nextOffset:]))
}

func (n Node) SetNext(a pagestore.Addr) {
	binary.BigEndian.PutUint64(n.buf[nextOffset:], uint64(a))
	n.page.MarkDirty(nextOffset, 8)
}

// Reset formats the page as an empty page of the given kind.
func (n Node) Reset(leaf bool, parent pagestore.Addr) {
	clear(n.buf[:HeaderSize])
	n.page.MarkDirty(0, HeaderSize)
	n.SetLeaf(leaf)
	n.SetParent(parent)
}

func (n Node) offset(i int) int {
	if i < 0 || i >= n.l.MaxTuples {
		panic(fmt.Sprintf("base: tuple index %d outside [0, %d)", i, n.l.MaxTuples))
	}
	return HeaderSize + i*n.l.TupleSize
}

// Pointer returns the pointer of tuple i.
func (n Node) Pointer(i int) uint64 {
	return binary.BigEndian.Uint64(n.buf[n.offset(i):])
}

// Child returns the pointer of tuple i as a page address.
func (n Node) Child(i int) pagestore.Addr {
	return pagestore.Addr(n.Pointer(i))
}

func (n Node) SetPointer(i int, v uint64) {
	off := n.offset(i)
	binary.BigEndian.PutUint64(n.buf[off:], v)
	n.page.MarkDirty(off, PointerSize)
}

// Key returns the key of tuple i. The slice aliases the page buffer.
func (n Node) Key(i int) []byte {
	off := n.offset(i) + PointerSize
	return n.buf[off : off+n.l.KeySize : off+n.l.KeySize]
}

func (n Node) SetKey(i int, key []byte) {
	off := n.offset(i) + PointerSize
	copy(n.buf[off:off+n.l.KeySize], key)
	n.page.MarkDirty(off, n.l.KeySize)
}

// SetTuple overwrites tuple i.
func (n Node) SetTuple(i int, ptr uint64, key []byte) {
	off := n.offset(i)
	binary.BigEndian.PutUint64(n.buf[off:], ptr)
	copy(n.buf[off+PointerSize:off+PointerSize+n.l.KeySize], key)
	n.page.MarkDirty(off, n.l.TupleSize)
}

// InsertAt shifts tuples [i, Count) right by one and writes the new tuple
// at i. The page must not be full.
func (n Node) InsertAt(i int, ptr uint64, key []byte) {
	c := n.Count()
	if i < 0 || i > c {
		panic(fmt.Sprintf("base: insert index %d outside [0, %d]", i, c))
	}
	n.SetCount(c + 1)
	n.move(i+1, i, c-i)
	n.SetTuple(i, ptr, key)
}

// RemoveAt shifts tuples (i, Count) left by one.
func (n Node) RemoveAt(i int) {
	c := n.Count()
	if i < 0 || i >= c {
		panic(fmt.Sprintf("base: remove index %d outside [0, %d)", i, c))
	}
	n.move(i, i+1, c-i-1)
	n.clearTuples(c-1, 1)
	n.SetCount(c - 1)
}

// Truncate drops tuples [c, Count).
func (n Node) Truncate(c int) {
	old := n.Count()
	if c > old {
		panic(fmt.Sprintf("base: truncate to %d above count %d", c, old))
	}
	n.clearTuples(c, old-c)
	n.SetCount(c)
}

// AppendFrom appends src's tuples [from, from+cnt) to n.
func (n Node) AppendFrom(src Node, from, cnt int) {
	c := n.Count()
	n.SetCount(c + cnt)
	if cnt == 0 {
		return
	}
	dst := n.offset(c)
	s := src.offset(from)
	copy(n.buf[dst:dst+cnt*n.l.TupleSize], src.buf[s:s+cnt*n.l.TupleSize])
	n.page.MarkDirty(dst, cnt*n.l.TupleSize)
}

// CopyFrom makes n a byte copy of src's header and tuples, except for the
// parent address which is left unchanged.
func (n Node) CopyFrom(src Node) {
	parent := n.Parent()
	end := HeaderSize + src.Count()*n.l.TupleSize
	copy(n.buf[:end], src.buf[:end])
	clear(n.buf[end:])
	n.page.MarkDirty(0, len(n.buf))
	n.SetParent(parent)
}

// move copies cnt tuples from index from to index to within the page.
func (n Node) move(to, from, cnt int) {
	if cnt <= 0 {
		return
	}
	d := HeaderSize + to*n.l.TupleSize
	s := HeaderSize + from*n.l.TupleSize
	size := cnt * n.l.TupleSize
	copy(n.buf[d:d+size], n.buf[s:s+size])
	n.page.MarkDirty(d, size)
}

func (n Node) clearTuples(from, cnt int) {
	if cnt <= 0 {
		return
	}
	s := HeaderSize + from*n.l.TupleSize
	size := cnt * n.l.TupleSize
	clear(n.buf[s : s+size])
	n.page.MarkDirty(s, size)
}
