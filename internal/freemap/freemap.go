// Package freemap implements the free-sector bitmap: one bit per sector
// (0 = free, 1 = in use), persisted as the file whose inode lives at the
// reserved sector-0 slot.
//
// A first-fit bit-scan allocator backed by a packed byte array, read and
// written through the buffer cache like any other file, generalized from
// a per-track bitmap window into a flat whole-volume bitmap.
package freemap

import (
	"fmt"
	"math/bits"
	"sync"

	"github.com/wicos64/wicosfs/internal/bcache"
	"github.com/wicos64/wicosfs/internal/blockdev"
	"github.com/wicos64/wicosfs/internal/inode"
)

// Map is the in-memory handle to the on-disk free-sector bitmap. It is a
// thin wrapper over an inode.Handle for the reserved sector-0 inode: the
// bitmap's own storage is ordinary file data, allocated/grown the same
// way as any other file, synchronously persisted through the buffer
// cache on every write. Map is its own backing inode's Allocator; growing
// the bitmap file itself (which in practice never happens for any volume
// this format can address; see Bootstrap) would recursively call back
// into Map.Allocate/Release.
//
// mu serializes Allocate and Release: each is a read-scan-then-write-bit
// sequence spanning two independent cache Acquire/Release round-trips, so
// the buffer cache's own per-sector pinning does not prevent two
// concurrent Allocate calls from reading the same free byte, computing
// the same free bit, and handing out the same sector twice.
type Map struct {
	cache *bcache.Cache
	h     *inode.Handle

	mu sync.Mutex
}

// Reserved sector numbers: sector 0 holds the free-sector map's inode,
// sector 1 holds the root directory's inode.
const (
	MapSector  uint32 = 0
	RootSector uint32 = 1

	// FirstDataSector is the first sector available for the bitmap's own
	// data blocks and, after that, everything else the volume stores.
	FirstDataSector uint32 = 2
)

// Open wraps the reserved sector-0 inode (which must already hold a valid
// record, written by Bootstrap at format time) as a Map.
func Open(cache *bcache.Cache) *Map {
	m := &Map{cache: cache}
	m.h = inode.NewHandle(MapSector, m)
	return m
}

// Bootstrap formats a brand-new free-sector bitmap covering sectorCount
// sectors and writes it at the reserved MapSector. It cannot use the normal
// Resize/Allocate path to grow its own backing file, because that file is
// exactly what does not exist yet (the classic free-map chicken-and-egg);
// instead it computes the bitmap's required data sectors directly,
// starting at FirstDataSector, zero-fills them, and wires up a Record by
// hand. The returned Map has every bit still marked free; the caller
// (internal/filesys's Format) is expected to immediately mark MapSector,
// RootSector, and the returned bitmap data sectors as used via MarkUsed.
//
// Bootstrap fails if the bitmap itself would need more data sectors than
// fit in an inode's direct block range (inode.DirectCount); this caps the
// addressable volume at DirectCount*8*SectorSize = 503,808 sectors,
// i.e. roughly 246MiB, which is far beyond what this pedagogical filesystem's
// own 8MiB max file size makes meaningful to format anyway.
func Bootstrap(cache *bcache.Cache, sectorCount uint32) (*Map, []uint32, error) {
	nbytes := int64((sectorCount + 7) / 8)
	ndata := int((nbytes + blockdev.SectorSize - 1) / blockdev.SectorSize)
	if ndata > inode.DirectCount {
		return nil, nil, fmt.Errorf("freemap: bootstrap: bitmap for %d sectors needs %d data sectors, exceeds direct capacity %d", sectorCount, ndata, inode.DirectCount)
	}

	rec := inode.InitRecord(false)
	rec.Length = int32(nbytes)
	dataSectors := make([]uint32, ndata)
	for i := 0; i < ndata; i++ {
		sec := FirstDataSector + uint32(i)
		e, err := cache.Acquire(sec, true)
		if err != nil {
			return nil, nil, fmt.Errorf("freemap: bootstrap: zero bitmap sector %d: %w", sec, err)
		}
		b := e.Block()
		for i := range b {
			b[i] = 0
		}
		cache.Release(e)
		rec.Direct[i] = sec
		dataSectors[i] = sec
	}

	if err := inode.WriteRecord(cache, MapSector, rec); err != nil {
		return nil, nil, fmt.Errorf("freemap: bootstrap: write bitmap inode: %w", err)
	}

	return Open(cache), dataSectors, nil
}

func (m *Map) byteCount() (int64, error) {
	return m.h.Length(m.cache)
}

func (m *Map) readByte(idx int64) (byte, error) {
	var b [1]byte
	n, err := m.h.ReadAt(m.cache, b[:], idx)
	if err != nil {
		return 0, err
	}
	if n != 1 {
		return 0, fmt.Errorf("freemap: short read at byte %d", idx)
	}
	return b[0], nil
}

func (m *Map) writeByte(idx int64, v byte) error {
	n, err := m.h.WriteAt(m.cache, []byte{v}, idx)
	if err != nil {
		return err
	}
	if n != 1 {
		return fmt.Errorf("freemap: short write at byte %d", idx)
	}
	return nil
}

// IsFree reports whether sector is currently marked free.
func (m *Map) IsFree(sector uint32) (bool, error) {
	nbytes, err := m.byteCount()
	if err != nil {
		return false, err
	}
	idx := int64(sector / 8)
	if idx >= nbytes {
		return false, fmt.Errorf("freemap: sector %d out of bitmap range", sector)
	}
	b, err := m.readByte(idx)
	if err != nil {
		return false, err
	}
	bit := sector % 8
	return b&(1<<bit) == 0, nil
}

// MarkUsed unconditionally sets sector's bit, regardless of its previous
// state. Used only for the fixed reserved sectors (MapSector, RootSector)
// and the bitmap's own bootstrap data sectors, which are never obtained
// through the normal Allocate first-fit scan.
func (m *Map) MarkUsed(sector uint32) error {
	nbytes, err := m.byteCount()
	if err != nil {
		return err
	}
	idx := int64(sector / 8)
	if idx >= nbytes {
		return fmt.Errorf("freemap: mark-used sector %d out of bitmap range", sector)
	}
	b, err := m.readByte(idx)
	if err != nil {
		return err
	}
	bit := sector % 8
	return m.writeByte(idx, b|(1<<bit))
}

// Allocate finds the first free sector via a first-fit bit scan, marks it
// used, and returns it. Only n=1 is ever requested by the inode layer,
// but the signature accepts n to document that constraint at call
// sites.
func (m *Map) Allocate(n int) (uint32, error) {
	if n != 1 {
		return 0, fmt.Errorf("freemap: allocate(%d) unsupported, only allocate(1) is used", n)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	nbytes, err := m.byteCount()
	if err != nil {
		return 0, err
	}
	for idx := int64(0); idx < nbytes; idx++ {
		b, err := m.readByte(idx)
		if err != nil {
			return 0, err
		}
		if b == 0xFF {
			continue
		}
		// First zero bit, lowest bit index first.
		bit := bits.TrailingZeros8(^b)
		sector := uint32(idx)*8 + uint32(bit)
		if err := m.writeByte(idx, b|(1<<uint(bit))); err != nil {
			return 0, err
		}
		return sector, nil
	}
	return 0, fmt.Errorf("freemap: %w", ErrOutOfSpace)
}

// Release marks n consecutive sectors starting at sector as free again.
func (m *Map) Release(sector uint32, n int) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	nbytes, err := m.byteCount()
	if err != nil {
		return err
	}
	for s := sector; s < sector+uint32(n); s++ {
		idx := int64(s / 8)
		if idx >= nbytes {
			return fmt.Errorf("freemap: release sector %d out of bitmap range", s)
		}
		b, err := m.readByte(idx)
		if err != nil {
			return err
		}
		bit := s % 8
		if b&(1<<bit) == 0 {
			return fmt.Errorf("freemap: release sector %d: %w", s, ErrDoubleFree)
		}
		if err := m.writeByte(idx, b&^(1<<bit)); err != nil {
			return err
		}
	}
	return nil
}

// UsedCount scans the whole bitmap and returns the number of used bits.
// It exists for testing that used bits track live references, and the
// round-trip law that growing then shrinking a file returns the used-bit
// count to its pre-grow value.
func (m *Map) UsedCount() (int, error) {
	nbytes, err := m.byteCount()
	if err != nil {
		return 0, err
	}
	total := 0
	for idx := int64(0); idx < nbytes; idx++ {
		b, err := m.readByte(idx)
		if err != nil {
			return 0, err
		}
		total += bits.OnesCount8(b)
	}
	return total, nil
}
