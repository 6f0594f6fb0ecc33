// Package itable implements the open-inode table: one shared in-memory
// handle per distinct sector currently opened anywhere, reference-counted
// across opens, with deferred truncation on remove.
//
// A mutex-guarded reference count plus a registry keyed by sector number backs
// each handle; golang.org/x/sync/singleflight coalesces concurrent
// first-opens of the same sector into a single handle construction.
package itable

import (
	"fmt"
	"sync"

	"golang.org/x/sync/singleflight"

	"github.com/wicos64/wicosfs/internal/bcache"
	"github.com/wicos64/wicosfs/internal/inode"
)

// Handle is the shared in-memory inode handle: open count, removed flag,
// and deny-write count, all guarded by mu. Multiple Open calls for the
// same sector return the same *Handle.
type Handle struct {
	table *Table
	inode *inode.Handle

	mu             sync.Mutex
	openCount      int
	removed        bool
	denyWriteCount int
}

// Sector returns the handle's inode sector number.
func (h *Handle) Sector() uint32 { return h.inode.Sector() }

// Length returns the inode's current byte length.
func (h *Handle) Length() (int64, error) { return h.inode.Length(h.table.cache) }

// IsDir reports whether this inode is a directory.
func (h *Handle) IsDir() (bool, error) { return h.inode.IsDir(h.table.cache) }

// Stat returns a read-only snapshot of the inode's block-map occupancy.
func (h *Handle) Stat() (inode.Stat, error) { return h.inode.Stat(h.table.cache) }

// ReadAt reads through to the inode I/O engine. Reads are never denied.
func (h *Handle) ReadAt(buf []byte, offset int64) (int, error) {
	return h.inode.ReadAt(h.table.cache, buf, offset)
}

// WriteAt checks the deny-write counter before delegating to the inode
// I/O engine. The handle's mutex guards only the deny-write check (and,
// for extending writes, the resize itself); it is released before the
// data-copy loop so concurrent non-extending writers/readers can
// progress.
func (h *Handle) WriteAt(buf []byte, offset int64) (int, error) {
	h.mu.Lock()
	if h.denyWriteCount > 0 {
		h.mu.Unlock()
		return 0, nil
	}

	length, err := h.inode.Length(h.table.cache)
	if err != nil {
		h.mu.Unlock()
		return 0, err
	}
	size := int64(len(buf))
	if offset+size > length {
		if err := h.inode.Resize(h.table.cache, offset+size); err != nil {
			h.mu.Unlock()
			return 0, err
		}
	}
	h.mu.Unlock()

	return h.inode.WriteAt(h.table.cache, buf, offset)
}

// DenyWrite increments the deny-write counter, used to make executable
// text immutable while in use.
func (h *Handle) DenyWrite() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.denyWriteCount++
	h.assertInvariant()
}

// AllowWrite decrements the deny-write counter.
func (h *Handle) AllowWrite() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.denyWriteCount--
	h.assertInvariant()
}

// DenyWriteCount returns the current deny-write counter, for tests
// asserting 0 <= deny_write_count <= open_count.
func (h *Handle) DenyWriteCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.denyWriteCount
}

// OpenCount returns the current reference count, for tests asserting at
// most one Handle exists per sector at any time.
func (h *Handle) OpenCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.openCount
}

// assertInvariant halts on a corrupted deny-write counter: an internal
// assertion failure is fatal rather than recoverable. Must be called
// with mu held.
func (h *Handle) assertInvariant() {
	if h.denyWriteCount < 0 || h.denyWriteCount > h.openCount {
		panic(fmt.Sprintf("itable: invariant violated for sector %d: deny_write_count=%d open_count=%d", h.inode.Sector(), h.denyWriteCount, h.openCount))
	}
}

// markRemoved flags h for deferred truncation: its data is freed when the
// last reference closes.
func (h *Handle) markRemoved() {
	h.mu.Lock()
	h.removed = true
	h.mu.Unlock()
}

// Removed reports whether this inode has been unlinked and is awaiting its
// last close.
func (h *Handle) Removed() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.removed
}

// Table is the global open-inode registry for one mounted volume: at most
// one Handle exists per sector at any time.
type Table struct {
	cache *bcache.Cache
	alloc inode.Allocator

	mu      sync.Mutex
	handles map[uint32]*Handle

	group singleflight.Group
}

// New constructs an empty open-inode table over cache, using alloc for any
// block allocation inode resizes need.
func New(cache *bcache.Cache, alloc inode.Allocator) *Table {
	return &Table{
		cache:   cache,
		alloc:   alloc,
		handles: make(map[uint32]*Handle),
	}
}

// Open returns the shared handle for sector, creating it on first open
// and bumping its reference count on every subsequent open. A
// singleflight.Group coalesces concurrent first-opens of the same sector
// into a single handle construction.
func (t *Table) Open(sector uint32) (*Handle, error) {
	t.mu.Lock()
	if h, ok := t.handles[sector]; ok {
		h.mu.Lock()
		h.openCount++
		h.mu.Unlock()
		t.mu.Unlock()
		return h, nil
	}
	t.mu.Unlock()

	// Do only constructs and registers the handle; every caller, including
	// whichever one actually ran fn, bumps openCount itself below. Do's
	// shared return value must not carry an implicit "I already counted
	// myself" bump, since every joiner receives the exact same value.
	key := fmt.Sprintf("%d", sector)
	v, err, _ := t.group.Do(key, func() (interface{}, error) {
		t.mu.Lock()
		defer t.mu.Unlock()
		if h, ok := t.handles[sector]; ok {
			return h, nil
		}
		h := &Handle{
			table: t,
			inode: inode.NewHandle(sector, t.alloc),
		}
		t.handles[sector] = h
		return h, nil
	})
	if err != nil {
		return nil, err
	}
	h := v.(*Handle)
	h.mu.Lock()
	h.openCount++
	h.mu.Unlock()
	return h, nil
}

// Close drops one reference to h. On reaching zero, the handle is removed
// from the table and, if it had been marked removed, its entire block map
// is released via Resize(0) and the inode sector itself is freed.
func (t *Table) Close(h *Handle) error {
	h.mu.Lock()
	h.openCount--
	if h.openCount < 0 {
		h.mu.Unlock()
		panic(fmt.Sprintf("itable: close of sector %d with open_count already 0", h.inode.Sector()))
	}
	last := h.openCount == 0
	removed := h.removed
	h.mu.Unlock()

	if !last {
		return nil
	}

	t.mu.Lock()
	delete(t.handles, h.inode.Sector())
	t.mu.Unlock()

	if !removed {
		return nil
	}

	if err := h.inode.Resize(t.cache, 0); err != nil {
		return fmt.Errorf("itable: close: free blocks for removed sector %d: %w", h.inode.Sector(), err)
	}
	if err := t.alloc.Release(h.inode.Sector(), 1); err != nil {
		return fmt.Errorf("itable: close: release inode sector %d: %w", h.inode.Sector(), err)
	}
	return nil
}

// RemoveSector marks sector's inode removed for deferred truncation,
// unifying the already-open and no-handle-open cases: it opens sector
// (creating a handle if one didn't already exist, or reusing the existing
// one and bumping its refcount if it did), marks it removed, then closes
// the reference it just took. If no other opener holds the inode, that
// Close is the last reference and frees the inode immediately; if the
// inode is open elsewhere, the removal is deferred with no special-casing
// needed between the two.
func (t *Table) RemoveSector(sector uint32) error {
	h, err := t.Open(sector)
	if err != nil {
		return err
	}
	h.markRemoved()
	return t.Close(h)
}
