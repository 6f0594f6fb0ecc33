package inode

import (
	"encoding/binary"
	"fmt"

	"github.com/wicos64/wicosfs/internal/bcache"
)

// Allocator is the subset of internal/freemap's Map that the inode layer
// needs to grow and shrink block maps. Defined here (rather than depending
// on package freemap directly) because freemap's own backing storage is an
// inode.Handle, so a direct import would be circular.
type Allocator interface {
	Allocate(n int) (uint32, error)
	Release(sector uint32, n int) error
}

// readIndirectBlock loads the ptrsPerIndirect sector numbers stored at
// sector through the cache.
func readIndirectBlock(cache *bcache.Cache, sector uint32) ([ptrsPerIndirect]uint32, error) {
	var out [ptrsPerIndirect]uint32
	e, err := cache.Acquire(sector, false)
	if err != nil {
		return out, err
	}
	defer cache.Release(e)
	buf := e.Block()
	for i := 0; i < ptrsPerIndirect; i++ {
		out[i] = binary.LittleEndian.Uint32(buf[i*4 : i*4+4])
	}
	return out, nil
}

func writeIndirectBlock(cache *bcache.Cache, sector uint32, ptrs [ptrsPerIndirect]uint32) error {
	e, err := cache.Acquire(sector, true)
	if err != nil {
		return err
	}
	defer cache.Release(e)
	buf := e.Block()
	for i := 0; i < ptrsPerIndirect; i++ {
		binary.LittleEndian.PutUint32(buf[i*4:i*4+4], ptrs[i])
	}
	return nil
}

// zeroSector allocates-through-write: writes a sector's worth of zero
// bytes to an already-allocated sector, so a nonzero pointer always
// addresses an initialized, zero-filled sector.
func zeroSector(cache *bcache.Cache, sector uint32) error {
	e, err := cache.Acquire(sector, true)
	if err != nil {
		return err
	}
	defer cache.Release(e)
	b := e.Block()
	for i := range b {
		b[i] = 0
	}
	return nil
}

// sectorsFor returns ceil(size/blockSize), clamped to >= 0.
func sectorsFor(size int64) int {
	if size <= 0 {
		return 0
	}
	return int((size + blockSize - 1) / blockSize)
}

// ByteToSector maps a byte offset within the file (0 <= pos < r.Length) to
// the data sector containing it. Calling this with pos outside
// [0, Length), or finding a hole within that range, is a caller bug; both
// are reported as errors here so callers can turn them into a fatal halt
// rather than silently misbehaving.
func ByteToSector(cache *bcache.Cache, r *Record, pos int64) (uint32, error) {
	if pos < 0 || pos >= int64(r.Length) {
		return 0, fmt.Errorf("inode: byte_to_sector: pos %d out of range [0,%d)", pos, r.Length)
	}
	idx := int(pos / blockSize)

	if idx < DirectCount {
		s := r.Direct[idx]
		if s == NoSector {
			return 0, fmt.Errorf("inode: byte_to_sector: hole at direct index %d within length %d", idx, r.Length)
		}
		return s, nil
	}
	idx -= DirectCount

	if idx < ptrsPerIndirect {
		if r.Indirect == NoSector {
			return 0, fmt.Errorf("inode: byte_to_sector: hole in indirect tier at index %d", idx)
		}
		blk, err := readIndirectBlock(cache, r.Indirect)
		if err != nil {
			return 0, err
		}
		s := blk[idx]
		if s == NoSector {
			return 0, fmt.Errorf("inode: byte_to_sector: hole at indirect slot %d within length %d", idx, r.Length)
		}
		return s, nil
	}
	idx -= ptrsPerIndirect

	diIdx := idx / ptrsPerIndirect
	inIdx := idx % ptrsPerIndirect
	if diIdx >= ptrsPerIndirect {
		return 0, fmt.Errorf("inode: byte_to_sector: pos %d beyond doubly-indirect capacity", pos)
	}
	if r.DoublyIndirect == NoSector {
		return 0, fmt.Errorf("inode: byte_to_sector: hole in doubly-indirect tier")
	}
	diBlk, err := readIndirectBlock(cache, r.DoublyIndirect)
	if err != nil {
		return 0, err
	}
	indSector := diBlk[diIdx]
	if indSector == NoSector {
		return 0, fmt.Errorf("inode: byte_to_sector: hole at doubly-indirect slot %d within length %d", diIdx, r.Length)
	}
	inBlk, err := readIndirectBlock(cache, indSector)
	if err != nil {
		return 0, err
	}
	s := inBlk[inIdx]
	if s == NoSector {
		return 0, fmt.Errorf("inode: byte_to_sector: hole at indirect slot %d within length %d", inIdx, r.Length)
	}
	return s, nil
}
