package storage

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"sync/atomic"

	"github.com/cespare/xxhash/v2"
	"github.com/elastic/go-freelru"

	"github.com/alexhholmes/ordex/internal/freelist"
	"github.com/alexhholmes/ordex/pagestore"
)

const (
	// MagicNumber for file format identification ("ORDX" in hex)
	MagicNumber uint32 = 0x4f524458

	FormatVersion uint16 = 1

	DefaultPageSize    = 4096
	DefaultCacheFrames = 1024

	// Every frame is followed by an xxhash64 of its bytes.
	trailerSize = 8

	// Smallest page that holds the header fields below.
	minPageSize = 64
)

// Store header, frame 0. Layout (big-endian):
// [Magic: 4][Version: 2][Reserved: 2][PageSize: 4][Reserved: 4]
// [NumPages: 8][FreeStart: 8][FreeCount: 8]
type header struct {
	PageSize  uint32
	NumPages  uint64
	FreeStart uint64
	FreeCount uint64
}

func (h *header) encode(buf []byte) {
	clear(buf)
	binary.BigEndian.PutUint32(buf[0:], MagicNumber)
	binary.BigEndian.PutUint16(buf[4:], FormatVersion)
	binary.BigEndian.PutUint32(buf[8:], h.PageSize)
	binary.BigEndian.PutUint64(buf[16:], h.NumPages)
	binary.BigEndian.PutUint64(buf[24:], h.FreeStart)
	binary.BigEndian.PutUint64(buf[32:], h.FreeCount)
}

func (h *header) decode(buf []byte) error {
	if binary.BigEndian.Uint32(buf[0:]) != MagicNumber {
		return ErrInvalidMagic
	}
	if binary.BigEndian.Uint16(buf[4:]) != FormatVersion {
		return ErrInvalidVersion
	}
	h.PageSize = binary.BigEndian.Uint32(buf[8:])
	h.NumPages = binary.BigEndian.Uint64(buf[16:])
	h.FreeStart = binary.BigEndian.Uint64(buf[24:])
	h.FreeCount = binary.BigEndian.Uint64(buf[32:])
	return nil
}

type fileOptions struct {
	pageSize    int
	cacheFrames uint32
}

// FileOption configures a File store.
type FileOption func(*fileOptions)

// WithPageSize sets the page size of a new store file. Opening an existing
// file with a different page size fails.
func WithPageSize(size int) FileOption {
	return func(o *fileOptions) {
		o.pageSize = size
	}
}

// WithCacheFrames bounds the number of clean, unpinned frames kept in memory.
func WithCacheFrames(n uint32) FileOption {
	return func(o *fileOptions) {
		o.cacheFrames = n
	}
}

// File is a page store backed by a single file. Frame i lives at offset
// i*(pageSize+8); frame 0 holds the store header. Dirty frames stay resident
// until Commit writes them; clean frames drop into an LRU cache once unpinned.
//
// File is its own WriteContext: reclaimed pages become reusable when the next
// Commit completes.
type File struct {
	pool
	file     *os.File
	pageSize int
	numPages uint64
	free     *freelist.Freelist
	epoch    uint64
	cache    *freelru.LRU[pagestore.Addr, *frame]
	closed   bool

	// Stats counters
	reads   atomic.Uint64
	writes  atomic.Uint64
	hits    atomic.Uint64
	misses  atomic.Uint64
	commits atomic.Uint64
}

// OpenFile opens or creates a store file.
func OpenFile(path string, opts ...FileOption) (*File, error) {
	o := fileOptions{cacheFrames: DefaultCacheFrames}
	for _, opt := range opts {
		opt(&o)
	}
	if o.pageSize != 0 && (o.pageSize < minPageSize || o.pageSize%8 != 0) {
		return nil, fmt.Errorf("%w: %d", ErrInvalidPageSize, o.pageSize)
	}

	file, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0600)
	if err != nil {
		return nil, err
	}
	if err := lockFile(file); err != nil {
		file.Close()
		return nil, err
	}

	f := &File{
		pool: newPool(),
		file: file,
		free: freelist.New(),
	}
	f.pool.idle = f.idle

	cache, err := freelru.New[pagestore.Addr, *frame](max(o.cacheFrames, 1), hashAddr)
	if err != nil {
		f.abort()
		return nil, err
	}
	f.cache = cache

	info, err := file.Stat()
	if err != nil {
		f.abort()
		return nil, err
	}
	if info.Size() == 0 {
		err = f.create(o.pageSize)
	} else {
		err = f.load(o.pageSize)
	}
	if err != nil {
		f.abort()
		return nil, err
	}
	return f, nil
}

func hashAddr(addr pagestore.Addr) uint32 {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], uint64(addr))
	return uint32(xxhash.Sum64(b[:]))
}

func (f *File) abort() {
	_ = unlockFile(f.file)
	_ = f.file.Close()
}

func (f *File) create(pageSize int) error {
	if pageSize == 0 {
		pageSize = DefaultPageSize
	}
	f.pageSize = pageSize
	f.numPages = 1
	if err := f.writeHeader(); err != nil {
		return err
	}
	return f.file.Sync()
}

func (f *File) load(pageSize int) error {
	var probe [12]byte
	if _, err := f.file.ReadAt(probe[:], 0); err != nil {
		return fmt.Errorf("read header: %w", err)
	}
	size := int(binary.BigEndian.Uint32(probe[8:]))
	if size < minPageSize || size%8 != 0 {
		return fmt.Errorf("%w: header says %d", ErrInvalidPageSize, size)
	}
	if pageSize != 0 && pageSize != size {
		return fmt.Errorf("%w: file has %d, want %d", ErrInvalidPageSize, size, pageSize)
	}
	f.pageSize = size

	buf, err := f.readFrame(0)
	if err != nil {
		return fmt.Errorf("read header: %w", err)
	}
	var h header
	if err := h.decode(buf); err != nil {
		return err
	}
	f.numPages = h.NumPages

	if h.FreeCount > 0 {
		spill := make([]byte, 0, h.FreeCount*8)
		for addr := pagestore.Addr(h.FreeStart); uint64(len(spill)) < h.FreeCount*8; addr++ {
			page, err := f.readFrame(addr)
			if err != nil {
				return fmt.Errorf("read freelist: %w", err)
			}
			spill = append(spill, page...)
		}
		f.free.Decode(spill, int(h.FreeCount))
	}
	return nil
}

func (f *File) frameOffset(addr pagestore.Addr) int64 {
	return int64(addr) * int64(f.pageSize+trailerSize)
}

// readFrame reads and verifies one frame. The returned slice is the page
// portion of a fresh buffer.
func (f *File) readFrame(addr pagestore.Addr) ([]byte, error) {
	buf := make([]byte, f.pageSize+trailerSize)
	f.reads.Add(1)
	if _, err := f.file.ReadAt(buf, f.frameOffset(addr)); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("page %d: short read: %w", addr, io.ErrUnexpectedEOF)
		}
		return nil, err
	}
	data := buf[:f.pageSize:f.pageSize]
	want := binary.BigEndian.Uint64(buf[f.pageSize:])
	if got := xxhash.Sum64(data); got != want {
		return nil, fmt.Errorf("page %d: %w", addr, ErrChecksum)
	}
	return data, nil
}

func (f *File) writeFrame(addr pagestore.Addr, data []byte) error {
	buf := make([]byte, f.pageSize+trailerSize)
	copy(buf, data)
	binary.BigEndian.PutUint64(buf[f.pageSize:], xxhash.Sum64(buf[:f.pageSize]))
	f.writes.Add(1)
	_, err := f.file.WriteAt(buf, f.frameOffset(addr))
	return err
}

// idle moves a clean, unpinned frame into the LRU cache. Called with mu held.
func (f *File) idle(fr *frame) {
	delete(f.frames, fr.addr)
	f.cache.Add(fr.addr, fr)
}

func (f *File) PageSize() int {
	return f.pageSize
}

func (f *File) ReadByAddress(addr pagestore.Addr) (pagestore.Page, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.closed {
		return nil, pagestore.ErrClosed
	}
	if addr == pagestore.NilAddr || uint64(addr) >= f.numPages {
		return nil, fmt.Errorf("page %d: %w", addr, pagestore.ErrOutOfRange)
	}
	if fr, ok := f.frames[addr]; ok {
		f.hits.Add(1)
		f.pin(fr)
		return fr, nil
	}
	if fr, ok := f.cache.Get(addr); ok {
		f.hits.Add(1)
		f.cache.Remove(addr)
		f.frames[addr] = fr
		f.pin(fr)
		return fr, nil
	}

	f.misses.Add(1)
	data, err := f.readFrame(addr)
	if err != nil {
		return nil, err
	}
	fr := &frame{pool: &f.pool, addr: addr, data: data}
	f.frames[addr] = fr
	f.pin(fr)
	return fr, nil
}

func (f *File) Allocate() (pagestore.Page, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.closed {
		return nil, pagestore.ErrClosed
	}
	addr := f.free.Allocate()
	if addr == pagestore.NilAddr {
		addr = pagestore.Addr(f.numPages)
		f.numPages++
	}
	f.cache.Remove(addr)
	fr := &frame{pool: &f.pool, addr: addr, data: make([]byte, f.pageSize)}
	fr.dirty.Store(true)
	f.frames[addr] = fr
	f.pin(fr)
	return fr, nil
}

// Reclaim schedules p to be freed by the next Commit.
func (f *File) Reclaim(p pagestore.Page) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.closed {
		return pagestore.ErrClosed
	}
	if !f.free.Pending(f.epoch, p.Addr()) {
		return fmt.Errorf("page %d: %w", p.Addr(), ErrDoubleReclaim)
	}
	return nil
}

// Commit writes every dirty frame, frees the pages reclaimed since the last
// Commit, rewrites the header and syncs the file.
func (f *File) Commit() error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.closed {
		return pagestore.ErrClosed
	}
	return f.commit()
}

func (f *File) commit() error {
	dirty := make([]*frame, 0, len(f.frames))
	for _, fr := range f.frames {
		if fr.dirty.Load() {
			dirty = append(dirty, fr)
		}
	}
	sort.Slice(dirty, func(i, j int) bool { return dirty[i].addr < dirty[j].addr })
	for _, fr := range dirty {
		if err := f.writeFrame(fr.addr, fr.data); err != nil {
			return fmt.Errorf("write page %d: %w", fr.addr, err)
		}
		fr.dirty.Store(false)
		if fr.pins == 0 {
			f.idle(fr)
		}
	}

	f.epoch++
	f.free.Release(f.epoch, func(addr pagestore.Addr) {
		f.cache.Remove(addr)
		if fr, ok := f.frames[addr]; ok && fr.pins == 0 {
			delete(f.frames, addr)
		}
	})

	if err := f.file.Sync(); err != nil {
		return err
	}
	if err := f.writeHeader(); err != nil {
		return err
	}
	if err := f.file.Sync(); err != nil {
		return err
	}
	f.commits.Add(1)
	return nil
}

// writeHeader spills the free addresses past the last page and writes
// frame 0.
func (f *File) writeHeader() error {
	h := header{PageSize: uint32(f.pageSize), NumPages: f.numPages}

	spill := f.free.Encode()
	if len(spill) > 0 {
		h.FreeStart = f.numPages
		h.FreeCount = uint64(len(spill) / 8)
		addr := pagestore.Addr(h.FreeStart)
		for off := 0; off < len(spill); off += f.pageSize {
			end := min(off+f.pageSize, len(spill))
			if err := f.writeFrame(addr, spill[off:end]); err != nil {
				return fmt.Errorf("write freelist: %w", err)
			}
			addr++
		}
	}

	buf := make([]byte, f.pageSize)
	h.encode(buf)
	if err := f.writeFrame(0, buf); err != nil {
		return fmt.Errorf("write header: %w", err)
	}
	return nil
}

// Close commits outstanding work and closes the file.
func (f *File) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.closed {
		return nil
	}
	var errs []error
	if f.pins > 0 {
		errs = append(errs, fmt.Errorf("%d pins: %w", f.pins, ErrPinned))
	}
	errs = append(errs, f.commit())
	f.closed = true
	f.cache.Purge()
	clear(f.frames)
	errs = append(errs, unlockFile(f.file), f.file.Close())
	return errors.Join(errs...)
}

// NumPages returns the number of frames in use, including the header.
func (f *File) NumPages() uint64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.numPages
}

// FreePages returns the number of pages available for reuse.
func (f *File) FreePages() int {
	return f.free.Size()
}

// Stats holds I/O and cache statistics
type Stats struct {
	Reads   uint64
	Writes  uint64
	Hits    uint64
	Misses  uint64
	Commits uint64
}

// Stats returns I/O statistics
func (f *File) Stats() Stats {
	return Stats{
		Reads:   f.reads.Load(),
		Writes:  f.writes.Load(),
		Hits:    f.hits.Load(),
		Misses:  f.misses.Load(),
		Commits: f.commits.Load(),
	}
}
