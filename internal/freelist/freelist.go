package freelist

import (
	"encoding/binary"
	"sync"

	"github.com/google/btree"

	"github.com/alexhholmes/ordex/pagestore"
)

// Freelist manages free and pending pages.
// Pages are freed in two stages:
// 1. Pending: pages reclaimed during epoch cannot be reused until the epoch
// commits
// 2. Free: pages released from pending are available for immediate reuse
//
// Free addresses are kept ordered so Allocate always hands out the lowest
// one, which keeps store files compact.
type Freelist struct {
	mu      sync.Mutex
	freed   *btree.BTreeG[pagestore.Addr] // Pages available for reuse
	pending map[uint64][]pagestore.Addr   // epoch -> pages reclaimed during it
	owner   map[pagestore.Addr]uint64     // pending page -> epoch, rejects double reclaim
}

// New creates an empty Freelist.
func New() *Freelist {
	return &Freelist{
		freed:   btree.NewG[pagestore.Addr](32, func(a, b pagestore.Addr) bool { return a < b }),
		pending: make(map[uint64][]pagestore.Addr),
		owner:   make(map[pagestore.Addr]uint64),
	}
}

// Allocate returns the lowest free address, or NilAddr if none is available.
func (f *Freelist) Allocate() pagestore.Addr {
	f.mu.Lock()
	defer f.mu.Unlock()

	id, ok := f.freed.DeleteMin()
	if !ok {
		return pagestore.NilAddr
	}
	return id
}

// Free makes id immediately reusable.
func (f *Freelist) Free(id pagestore.Addr) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.freed.ReplaceOrInsert(id)
}

// Pending records that id was reclaimed during epoch. It returns false if id
// is already free or pending.
func (f *Freelist) Pending(epoch uint64, id pagestore.Addr) bool {
	f.mu.Lock()
	defer f.mu.Unlock()

	if _, dup := f.owner[id]; dup || f.freed.Has(id) {
		return false
	}
	f.owner[id] = epoch
	f.pending[epoch] = append(f.pending[epoch], id)
	return true
}

// IsPending reports whether id waits for its epoch to be released.
func (f *Freelist) IsPending(id pagestore.Addr) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.owner[id]
	return ok
}

// Release moves pages from pending to free for all epochs < minEpoch.
// Calls onRelease for each freed page (while holding lock).
func (f *Freelist) Release(minEpoch uint64, onRelease func(pagestore.Addr)) int {
	f.mu.Lock()
	defer f.mu.Unlock()

	released := 0
	for epoch, pages := range f.pending {
		if epoch >= minEpoch {
			continue
		}
		for _, id := range pages {
			f.freed.ReplaceOrInsert(id)
			delete(f.owner, id)
			if onRelease != nil {
				onRelease(id)
			}
			released++
		}
		delete(f.pending, epoch)
	}
	return released
}

// Size returns the number of free pages.
func (f *Freelist) Size() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.freed.Len()
}

// PendingSize returns the number of pages waiting for release.
func (f *Freelist) PendingSize() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.owner)
}

// Addrs returns the free addresses in ascending order.
func (f *Freelist) Addrs() []pagestore.Addr {
	f.mu.Lock()
	defer f.mu.Unlock()

	out := make([]pagestore.Addr, 0, f.freed.Len())
	f.freed.Ascend(func(id pagestore.Addr) bool {
		out = append(out, id)
		return true
	})
	return out
}

// Encode serializes the free addresses as big-endian uint64s. Pending pages
// are not included: an uncommitted reclamation does not survive a restart.
func (f *Freelist) Encode() []byte {
	addrs := f.Addrs()
	buf := make([]byte, len(addrs)*8)
	for i, id := range addrs {
		binary.BigEndian.PutUint64(buf[i*8:], uint64(id))
	}
	return buf
}

// Decode replaces the free set with count addresses read from buf.
func (f *Freelist) Decode(buf []byte, count int) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.freed.Clear(false)
	clear(f.pending)
	clear(f.owner)
	for i := 0; i < count && (i+1)*8 <= len(buf); i++ {
		f.freed.ReplaceOrInsert(pagestore.Addr(binary.BigEndian.Uint64(buf[i*8:])))
	}
}
