package storage

import (
	"fmt"

	"github.com/alexhholmes/ordex/internal/freelist"
	"github.com/alexhholmes/ordex/pagestore"
)

// Mem is a page store held entirely in memory. Every page stays resident, so
// it is mostly useful for tests and for sizing experiments. It is also its own
// WriteContext: reclaimed pages are freed by the next Commit.
type Mem struct {
	pool
	pageSize int
	next     pagestore.Addr // lowest address never handed out
	free     *freelist.Freelist
	epoch    uint64
}

// NewMem creates an empty in-memory store. Addresses start at 1.
func NewMem(pageSize int) *Mem {
	return &Mem{
		pool:     newPool(),
		pageSize: pageSize,
		next:     1,
		free:     freelist.New(),
	}
}

func (m *Mem) PageSize() int {
	return m.pageSize
}

func (m *Mem) ReadByAddress(addr pagestore.Addr) (pagestore.Page, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	f, ok := m.frames[addr]
	if !ok {
		return nil, fmt.Errorf("page %d: %w", addr, pagestore.ErrOutOfRange)
	}
	m.pin(f)
	return f, nil
}

func (m *Mem) Allocate() (pagestore.Page, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	addr := m.free.Allocate()
	if addr == pagestore.NilAddr {
		addr = m.next
		m.next++
	}
	f := &frame{pool: &m.pool, addr: addr, data: make([]byte, m.pageSize)}
	f.dirty.Store(true)
	m.frames[addr] = f
	m.pin(f)
	return f, nil
}

// Reclaim schedules p to be freed by the next Commit.
func (m *Mem) Reclaim(p pagestore.Page) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.free.Pending(m.epoch, p.Addr()) {
		return fmt.Errorf("page %d: %w", p.Addr(), ErrDoubleReclaim)
	}
	return nil
}

// Commit frees every page reclaimed since the previous Commit and clears the
// dirty marks.
func (m *Mem) Commit() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.epoch++
	var pinned []pagestore.Addr
	m.free.Release(m.epoch, func(addr pagestore.Addr) {
		if f := m.frames[addr]; f != nil && f.pins > 0 {
			pinned = append(pinned, addr)
		}
		delete(m.frames, addr)
	})
	for _, f := range m.frames {
		f.dirty.Store(false)
	}
	if len(pinned) > 0 {
		return fmt.Errorf("freed pages %v: %w", pinned, ErrPinned)
	}
	return nil
}

// Live returns the number of pages that are allocated and not reclaimed.
func (m *Mem) Live() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.frames) - m.free.PendingSize()
}

// Pending returns the number of reclaimed pages waiting for Commit.
func (m *Mem) Pending() int {
	return m.free.PendingSize()
}

// Snapshot returns a copy of every resident page keyed by address.
func (m *Mem) Snapshot() map[pagestore.Addr][]byte {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make(map[pagestore.Addr][]byte, len(m.frames))
	for addr, f := range m.frames {
		out[addr] = append([]byte(nil), f.data...)
	}
	return out
}
