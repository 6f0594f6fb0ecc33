package inode

import (
	"fmt"

	"github.com/wicos64/wicosfs/internal/bcache"
)

// Resize is the heart of the inode layer. It mutates r's block map and
// Length in place so that r has exactly sectorsFor(newSize) data sectors
// allocated, walking direct / indirect / doubly-indirect tiers in order:
//
//   - a slot inside the "keep" range (its data sector is still needed at
//     newSize) that currently holds NoSector is allocated and zero-filled;
//   - a slot outside the keep range that currently holds a sector is
//     released and zeroed back to NoSector.
//
// This single rule handles growth and shrink uniformly and is safe to call
// repeatedly with the same newSize (idempotent), which is what lets a
// caller roll back a mid-growth allocation failure: re-invoke Resize with
// the prior length, and this rule walks every tier back down regardless
// of how far growth got.
//
// r.Length is updated only when every tier succeeds; on error r's pointers
// may already be partially mutated (some sectors allocated beyond the old
// length) and the caller is responsible for persisting r and re-invoking
// Resize(origLength) to roll back. If that rollback allocation itself
// fails, the inode is left over-allocated; there is no further recovery
// attempted.
func Resize(cache *bcache.Cache, alloc Allocator, r *Record, newSize int64) error {
	if newSize < 0 || newSize > MaxFileSize {
		return fmt.Errorf("inode: resize: size %d out of range [0,%d]", newSize, MaxFileSize)
	}
	n := sectorsFor(newSize)

	if err := resizeDirect(cache, alloc, r, n); err != nil {
		return err
	}
	if err := resizeIndirect(cache, alloc, r, n); err != nil {
		return err
	}
	if err := resizeDoublyIndirect(cache, alloc, r, n); err != nil {
		return err
	}

	r.Length = int32(newSize)
	return nil
}

func resizeDirect(cache *bcache.Cache, alloc Allocator, r *Record, n int) error {
	for i := 0; i < DirectCount; i++ {
		inKeep := i < n
		switch {
		case inKeep && r.Direct[i] == NoSector:
			s, err := alloc.Allocate(1)
			if err != nil {
				return fmt.Errorf("inode: resize: allocate direct[%d]: %w", i, err)
			}
			if err := zeroSector(cache, s); err != nil {
				return err
			}
			r.Direct[i] = s
		case !inKeep && r.Direct[i] != NoSector:
			if err := alloc.Release(r.Direct[i], 1); err != nil {
				return fmt.Errorf("inode: resize: release direct[%d]: %w", i, err)
			}
			r.Direct[i] = NoSector
		}
	}
	return nil
}

func resizeIndirect(cache *bcache.Cache, alloc Allocator, r *Record, n int) error {
	needed := n > DirectCount
	if needed && r.Indirect == NoSector {
		s, err := alloc.Allocate(1)
		if err != nil {
			return fmt.Errorf("inode: resize: allocate indirect block: %w", err)
		}
		if err := zeroSector(cache, s); err != nil {
			return err
		}
		r.Indirect = s
	}
	if r.Indirect == NoSector {
		return nil
	}

	blk, err := readIndirectBlock(cache, r.Indirect)
	if err != nil {
		return err
	}
	changed := false
	for i := 0; i < ptrsPerIndirect; i++ {
		inKeep := DirectCount+i < n
		switch {
		case inKeep && blk[i] == NoSector:
			s, err := alloc.Allocate(1)
			if err != nil {
				return fmt.Errorf("inode: resize: allocate indirect[%d]: %w", i, err)
			}
			if err := zeroSector(cache, s); err != nil {
				return err
			}
			blk[i] = s
			changed = true
		case !inKeep && blk[i] != NoSector:
			if err := alloc.Release(blk[i], 1); err != nil {
				return fmt.Errorf("inode: resize: release indirect[%d]: %w", i, err)
			}
			blk[i] = NoSector
			changed = true
		}
	}
	if changed {
		if err := writeIndirectBlock(cache, r.Indirect, blk); err != nil {
			return err
		}
	}
	if !needed {
		if err := alloc.Release(r.Indirect, 1); err != nil {
			return fmt.Errorf("inode: resize: release indirect block: %w", err)
		}
		r.Indirect = NoSector
	}
	return nil
}

func resizeDoublyIndirect(cache *bcache.Cache, alloc Allocator, r *Record, n int) error {
	diBase := DirectCount + ptrsPerIndirect
	needed := n > diBase
	if needed && r.DoublyIndirect == NoSector {
		s, err := alloc.Allocate(1)
		if err != nil {
			return fmt.Errorf("inode: resize: allocate doubly-indirect block: %w", err)
		}
		if err := zeroSector(cache, s); err != nil {
			return err
		}
		r.DoublyIndirect = s
	}
	if r.DoublyIndirect == NoSector {
		return nil
	}

	diBlk, err := readIndirectBlock(cache, r.DoublyIndirect)
	if err != nil {
		return err
	}
	diChanged := false

	for di := 0; di < ptrsPerIndirect; di++ {
		childBase := diBase + di*ptrsPerIndirect
		childNeeded := n > childBase

		if childNeeded && diBlk[di] == NoSector {
			s, err := alloc.Allocate(1)
			if err != nil {
				return fmt.Errorf("inode: resize: allocate doubly-indirect child[%d]: %w", di, err)
			}
			if err := zeroSector(cache, s); err != nil {
				return err
			}
			diBlk[di] = s
			diChanged = true
		}
		if diBlk[di] == NoSector {
			continue
		}

		childBlk, err := readIndirectBlock(cache, diBlk[di])
		if err != nil {
			return err
		}
		childChanged := false
		for j := 0; j < ptrsPerIndirect; j++ {
			inKeep := childBase+j < n
			switch {
			case inKeep && childBlk[j] == NoSector:
				s, err := alloc.Allocate(1)
				if err != nil {
					return fmt.Errorf("inode: resize: allocate doubly-indirect[%d][%d]: %w", di, j, err)
				}
				if err := zeroSector(cache, s); err != nil {
					return err
				}
				childBlk[j] = s
				childChanged = true
			case !inKeep && childBlk[j] != NoSector:
				if err := alloc.Release(childBlk[j], 1); err != nil {
					return fmt.Errorf("inode: resize: release doubly-indirect[%d][%d]: %w", di, j, err)
				}
				childBlk[j] = NoSector
				childChanged = true
			}
		}
		if childChanged {
			if err := writeIndirectBlock(cache, diBlk[di], childBlk); err != nil {
				return err
			}
		}
		if !childNeeded {
			if err := alloc.Release(diBlk[di], 1); err != nil {
				return fmt.Errorf("inode: resize: release doubly-indirect child[%d]: %w", di, err)
			}
			diBlk[di] = NoSector
			diChanged = true
		}
	}

	if diChanged {
		if err := writeIndirectBlock(cache, r.DoublyIndirect, diBlk); err != nil {
			return err
		}
	}
	if !needed {
		if err := alloc.Release(r.DoublyIndirect, 1); err != nil {
			return fmt.Errorf("inode: resize: release doubly-indirect block: %w", err)
		}
		r.DoublyIndirect = NoSector
	}
	return nil
}
