package storage

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/alexhholmes/ordex/pagestore"
)

// frame is a resident page buffer handed out as a pagestore.Page.
type frame struct {
	pool  *pool
	addr  pagestore.Addr
	data  []byte
	pins  int // guarded by pool.mu
	dirty atomic.Bool
}

func (f *frame) Addr() pagestore.Addr {
	return f.addr
}

func (f *frame) Bytes() []byte {
	return f.data
}

func (f *frame) MarkDirty(off, n int) {
	if off < 0 || n < 0 || off+n > len(f.data) {
		panic(fmt.Sprintf("storage: dirty range [%d, %d) outside page %d of %d bytes",
			off, off+n, f.addr, len(f.data)))
	}
	f.dirty.Store(true)
}

func (f *frame) Release() {
	f.pool.release(f)
}

// pool tracks the resident frames of a store and their pin counts.
type pool struct {
	mu     sync.Mutex
	frames map[pagestore.Addr]*frame
	pins   int

	// idle is called with mu held when a clean frame drops to zero pins.
	idle func(f *frame)
}

func newPool() pool {
	return pool{frames: make(map[pagestore.Addr]*frame)}
}

// pin must be called with mu held.
func (p *pool) pin(f *frame) {
	f.pins++
	p.pins++
}

func (p *pool) release(f *frame) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if f.pins == 0 {
		panic(fmt.Errorf("storage: page %d: %w", f.addr, pagestore.ErrOverReleased))
	}
	f.pins--
	p.pins--
	if f.pins == 0 && !f.dirty.Load() && p.idle != nil {
		p.idle(f)
	}
}

// Pinned returns the number of outstanding pins across all frames.
func (p *pool) Pinned() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.pins
}

// Dirty returns the number of resident frames marked dirty.
func (p *pool) Dirty() int {
	p.mu.Lock()
	defer p.mu.Unlock()

	n := 0
	for _, f := range p.frames {
		if f.dirty.Load() {
			n++
		}
	}
	return n
}
