package inode

import (
	"fmt"

	"github.com/wicos64/wicosfs/internal/bcache"
)

// Handle is the in-memory handle to one on-disk inode's data. It never
// caches the record across calls: every Length/IsDir/ReadAt/WriteAt/Resize
// re-reads the record through the buffer cache.
//
// Handle itself carries no refcounting, deny-write, or removed-flag state;
// those belong to the open-inode table (internal/itable), which is the
// thing that actually hands out and shares Handles.
type Handle struct {
	sector uint32
	alloc  Allocator
}

// NewHandle wraps sector as an inode.Handle, using alloc for any block
// allocation Resize/WriteAt need to perform. The caller is responsible for
// having created a valid inode record at that sector first (see Create).
func NewHandle(sector uint32, alloc Allocator) *Handle {
	return &Handle{sector: sector, alloc: alloc}
}

// Sector returns the inode's own sector number.
func (h *Handle) Sector() uint32 { return h.sector }

// Create formats and persists a brand-new inode record at sector.
func Create(cache *bcache.Cache, sector uint32, isDir bool) error {
	return WriteRecord(cache, sector, InitRecord(isDir))
}

func (h *Handle) load(cache *bcache.Cache) (*Record, error) {
	return ReadRecord(cache, h.sector)
}

// Length returns the current on-disk byte length.
func (h *Handle) Length(cache *bcache.Cache) (int64, error) {
	r, err := h.load(cache)
	if err != nil {
		return 0, err
	}
	return int64(r.Length), nil
}

// IsDir reports whether this inode is a directory.
func (h *Handle) IsDir(cache *bcache.Cache) (bool, error) {
	r, err := h.load(cache)
	if err != nil {
		return false, err
	}
	return r.IsDir, nil
}

// Resize grows or shrinks the inode to newSize, with best-effort rollback
// on allocation failure: if the forward resize fails partway, the
// partially-mutated record is persisted and Resize is re-invoked against
// the original length to release whatever was added. If that rollback
// itself fails, the volume is left with leaked (allocated but now
// unreferenced) sectors; the rollback error is wrapped and returned
// alongside the original failure rather than silently hidden.
func (h *Handle) Resize(cache *bcache.Cache, newSize int64) error {
	r, err := h.load(cache)
	if err != nil {
		return err
	}
	origLength := int64(r.Length)

	forwardErr := Resize(cache, h.alloc, r, newSize)
	if forwardErr == nil {
		return WriteRecord(cache, h.sector, r)
	}

	// Persist partial progress so the rollback call sees the true current
	// pointer state, then roll back to the original length.
	if err := WriteRecord(cache, h.sector, r); err != nil {
		return fmt.Errorf("inode: resize: %v (and failed to persist partial state: %w)", forwardErr, err)
	}
	if err := Resize(cache, h.alloc, r, origLength); err != nil {
		return fmt.Errorf("inode: resize: %v (rollback to length %d also failed: %w)", forwardErr, origLength, err)
	}
	if err := WriteRecord(cache, h.sector, r); err != nil {
		return fmt.Errorf("inode: resize: %v (rollback succeeded but failed to persist: %w)", forwardErr, err)
	}
	return forwardErr
}

// ReadAt copies up to len(buf) bytes starting at offset into buf, clamped
// to the file's current length (zero if offset is already beyond EOF).
// Returns the number of bytes copied; a short count is end-of-file, not
// an error.
func (h *Handle) ReadAt(cache *bcache.Cache, buf []byte, offset int64) (int, error) {
	r, err := h.load(cache)
	if err != nil {
		return 0, err
	}
	length := int64(r.Length)
	if offset >= length {
		return 0, nil
	}
	size := int64(len(buf))
	if offset+size > length {
		size = length - offset
	}

	var copied int64
	for copied < size {
		pos := offset + copied
		sector, err := ByteToSector(cache, r, pos)
		if err != nil {
			return int(copied), err
		}
		within := int(pos % blockSize)
		chunk := int64(blockSize - within)
		if chunk > size-copied {
			chunk = size - copied
		}
		e, err := cache.Acquire(sector, false)
		if err != nil {
			return int(copied), err
		}
		copy(buf[copied:copied+chunk], e.Block()[within:within+int(chunk)])
		cache.Release(e)
		copied += chunk
	}
	return int(copied), nil
}

// WriteAt writes len(buf) bytes at offset, extending the file (via Resize)
// first if offset+len(buf) exceeds the current length. It does not check
// deny-write: callers (internal/itable) must do that before calling, since
// the deny-write counter lives on the open-inode-table handle, not here.
func (h *Handle) WriteAt(cache *bcache.Cache, buf []byte, offset int64) (int, error) {
	length, err := h.Length(cache)
	if err != nil {
		return 0, err
	}
	size := int64(len(buf))
	if offset+size > length {
		if err := h.Resize(cache, offset+size); err != nil {
			return 0, err
		}
	}

	r, err := h.load(cache)
	if err != nil {
		return 0, err
	}

	var written int64
	for written < size {
		pos := offset + written
		sector, err := ByteToSector(cache, r, pos)
		if err != nil {
			return int(written), err
		}
		within := int(pos % blockSize)
		chunk := int64(blockSize - within)
		if chunk > size-written {
			chunk = size - written
		}

		e, err := cache.Acquire(sector, true)
		if err != nil {
			return int(written), err
		}
		copy(e.Block()[within:within+int(chunk)], buf[written:written+chunk])
		cache.Release(e)
		written += chunk
	}
	return int(written), nil
}
