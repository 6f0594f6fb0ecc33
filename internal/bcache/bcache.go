// Package bcache implements a fixed-capacity, write-back buffer cache: a
// 64-entry LRU that mediates all traffic between the inode/directory
// layers and the block device, and that serializes access to a given
// sector to a single pinner at a time.
package bcache

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/wicos64/wicosfs/internal/blockdev"
	"github.com/wicos64/wicosfs/internal/volumelog"
)

// NumEntries is the fixed cache capacity.
const NumEntries = 64

const noSector = ^uint32(0)

// entry is one of the 64 fixed cache slots.
type entry struct {
	block [blockdev.SectorSize]byte
	sector uint32
	valid  bool
	dirty  bool

	refCount int
	cond     *sync.Cond // signaled when refCount reaches 0

	// LRU doubly-linked list pointers, intrusive into the fixed entries
	// array so there is no separate allocation per node.
	prev, next int
}

// Cache is the 64-entry write-back buffer cache. The zero value is not
// usable; construct with New.
type Cache struct {
	dev *blockdev.Device
	log *slog.Logger

	mu      sync.Mutex // cache_lock: guards entries, LRU list, and stats
	entries [NumEntries]entry
	head    int // most-recently-used
	tail    int // least-recently-used

	accessCount uint64
	hitCount    uint64
	lastSector  uint32
	lastValid   bool
	seqHits     uint64 // hits whose sector == lastSector+1
}

// New constructs an empty cache over dev. log may be nil, in which case a
// discarding logger is used.
func New(dev *blockdev.Device, log *slog.Logger) *Cache {
	if log == nil {
		log = slog.New(slog.DiscardHandler)
	}
	c := &Cache{dev: dev, log: log}
	for i := range c.entries {
		c.entries[i].sector = noSector
		c.entries[i].cond = sync.NewCond(&c.mu)
		c.entries[i].prev = i - 1
		c.entries[i].next = i + 1
	}
	c.entries[0].prev = -1
	c.entries[NumEntries-1].next = -1
	c.head = 0
	c.tail = NumEntries - 1
	return c
}

// Entry is a pinned, exclusively-held cache slot. Callers may read (and, if
// acquired with writeIntent, mutate) Block() for the duration of the pin;
// Release must be called exactly once to drop the pin.
type Entry struct {
	c   *Cache
	idx int
}

// Sector returns the sector this entry mirrors. Stable for the lifetime of
// the pin.
func (e *Entry) Sector() uint32 {
	return e.c.entries[e.idx].sector
}

// Block exposes the 512-byte payload for in-place reading/writing while the
// entry is pinned.
func (e *Entry) Block() []byte {
	return e.c.entries[e.idx].block[:]
}

// moveToHead unlinks entry idx from the LRU list and relinks it at the head.
// Must be called with c.mu held.
func (c *Cache) moveToHead(idx int) {
	if c.head == idx {
		return
	}
	e := &c.entries[idx]
	// unlink
	if e.prev != -1 {
		c.entries[e.prev].next = e.next
	}
	if e.next != -1 {
		c.entries[e.next].prev = e.prev
	} else {
		c.tail = e.prev
	}
	// relink at head
	e.prev = -1
	e.next = c.head
	c.entries[c.head].prev = idx
	c.head = idx
}

// Acquire returns a pinned entry mirroring sector, guaranteeing exclusive
// logical access for the duration of the pin. If writeIntent is set, the
// entry is marked dirty at acquire time (the caller is expected to modify
// Block() before Release).
func (c *Cache) Acquire(sector uint32, writeIntent bool) (*Entry, error) {
	c.mu.Lock()
	c.accessCount++

	for {
		idx, found := c.findValid(sector)
		if found {
			c.hitCount++
			sequential := c.lastValid && sector == c.lastSector+1
			if sequential {
				c.seqHits++
			}
			e, err := c.pinAndReturn(idx, sector, writeIntent)
			volumelog.CacheEvent(c.log, sector, true, sequential)
			return e, err
		}

		// Miss: pick the LRU tail to repurpose. Device I/O for the miss
		// path runs with cache_lock held, which serializes device traffic
		// on misses by construction.
		idx = c.tail
		e := &c.entries[idx]
		if e.refCount > 0 {
			// All 64 entries pinned simultaneously is not expected under
			// normal load (pins are meant to be held only for a single
			// memcpy), but wait rather than deadlock; re-check for a hit
			// (sector may have been faulted in by the pinner we waited on)
			// before retrying eviction.
			e.cond.Wait()
			continue
		}

		if e.valid && e.dirty {
			if err := c.dev.Write(e.sector, e.block[:]); err != nil {
				c.mu.Unlock()
				return nil, fmt.Errorf("bcache: writeback sector %d: %w", e.sector, err)
			}
			e.dirty = false
		}

		if err := c.dev.Read(sector, e.block[:]); err != nil {
			c.mu.Unlock()
			return nil, fmt.Errorf("bcache: read sector %d: %w", sector, err)
		}
		e.sector = sector
		e.valid = true
		e.dirty = writeIntent
		e.refCount = 1
		c.moveToHead(idx)
		c.lastSector, c.lastValid = sector, true
		c.mu.Unlock()
		volumelog.CacheEvent(c.log, sector, false, false)
		return &Entry{c: c, idx: idx}, nil
	}
}

// pinAndReturn waits for entry idx to become unpinned, pins it, moves it to
// the LRU head, and returns it. Must be called with c.mu held; returns with
// c.mu released.
func (c *Cache) pinAndReturn(idx int, sector uint32, writeIntent bool) (*Entry, error) {
	e := &c.entries[idx]
	for e.refCount > 0 {
		e.cond.Wait()
	}
	c.moveToHead(idx)
	e.dirty = e.dirty || writeIntent
	e.refCount++
	c.lastSector, c.lastValid = sector, true
	c.mu.Unlock()
	return &Entry{c: c, idx: idx}, nil
}

// findValid scans for a valid entry mirroring sector. Must be called with
// c.mu held.
func (c *Cache) findValid(sector uint32) (int, bool) {
	for i := range c.entries {
		if c.entries[i].valid && c.entries[i].sector == sector {
			return i, true
		}
	}
	return 0, false
}

// Release drops the pin held by e, allowing other callers waiting on this
// sector (or evictors) to proceed.
func (c *Cache) Release(e *Entry) {
	c.mu.Lock()
	ent := &c.entries[e.idx]
	ent.refCount--
	if ent.refCount < 0 {
		panic("bcache: release of unpinned entry")
	}
	ent.cond.Broadcast()
	c.mu.Unlock()
}

// Flush writes back every dirty entry, synchronously, in slot order.
// Called from filesys.Done.
func (c *Cache) Flush() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i := range c.entries {
		e := &c.entries[i]
		if e.valid && e.dirty {
			if err := c.dev.Write(e.sector, e.block[:]); err != nil {
				return fmt.Errorf("bcache: flush sector %d: %w", e.sector, err)
			}
			e.dirty = false
		}
	}
	return nil
}

// Reset writes back every dirty entry, then invalidates every entry and
// clears the stats. An entry whose write-back fails stays valid and dirty
// so its data is not lost. This is a test-only hook, not a production
// operation, used to make hit-rate measurements deterministic.
func (c *Cache) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i := range c.entries {
		e := &c.entries[i]
		if e.valid && e.dirty {
			if err := c.dev.Write(e.sector, e.block[:]); err != nil {
				continue
			}
		}
		c.entries[i].valid = false
		c.entries[i].dirty = false
		c.entries[i].sector = noSector
		c.entries[i].refCount = 0
	}
	c.accessCount = 0
	c.hitCount = 0
	c.seqHits = 0
	c.lastValid = false
}

// AccessCount returns the number of Acquire calls since the last Reset.
func (c *Cache) AccessCount() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.accessCount
}

// HitCount returns the number of Acquire calls that hit an already-valid
// entry since the last Reset.
func (c *Cache) HitCount() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.hitCount
}

// HitRate returns HitCount/AccessCount, or 0 if there have been no
// accesses.
func (c *Cache) HitRate() float32 {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.accessCount == 0 {
		return 0
	}
	return float32(c.hitCount) / float32(c.accessCount)
}

// SequentialHitCount returns the number of hits whose sector immediately
// followed the previous access's sector, used to validate that a
// sequential scan coalesces through the cache rather than thrashing.
func (c *Cache) SequentialHitCount() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.seqHits
}
