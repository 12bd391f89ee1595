// Package pagestore defines the page-level contracts an ordex index consumes.
//
// A Store hands out fixed-size pages by address. Every page returned by
// ReadByAddress or Allocate is pinned: the store will not evict or reuse its
// buffer until Release is called. Writers declare the bytes they changed with
// MarkDirty; flushing is the store's business, never the index's.
//
// A WriteContext accepts pages that are no longer referenced by the tree. The
// physical free is deferred until the enclosing transaction commits, so a
// reader that started earlier never sees a page vanish mid-traversal.
package pagestore

import "errors"

// Addr is the address of a page within a store.
type Addr uint64

// NilAddr is the null address. Stores never hand it out for tree pages.
const NilAddr Addr = 0

var (
	ErrClosed       = errors.New("page store is closed")
	ErrOutOfRange   = errors.New("page address out of range")
	ErrOverReleased = errors.New("page released more times than pinned")
)

// Page is a pinned page buffer.
type Page interface {
	Addr() Addr
	// Bytes returns the page buffer. Its length is the store's page size and
	// it stays valid until Release.
	Bytes() []byte
	// MarkDirty declares that n bytes at off were modified.
	MarkDirty(off, n int)
	// Release unpins the page. The buffer must not be used afterwards.
	Release()
}

// Store supplies fixed-size pages by address.
type Store interface {
	PageSize() int
	ReadByAddress(addr Addr) (Page, error)
	// Allocate returns a new zeroed, pinned page.
	Allocate() (Page, error)
}

// WriteContext accepts deferred page reclamation requests.
type WriteContext interface {
	// Reclaim schedules p to be freed when the current transaction commits.
	// The caller still owns the pin and must Release p.
	Reclaim(p Page) error
}
