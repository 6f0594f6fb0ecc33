// Package directory implements directory files as a packed array of
// fixed-size records inside an ordinary inode, where the first two
// entries are always the "." and ".." sentinel aliases.
//
// Record layout and slot-reuse-on-delete discipline are generalized from
// a flat, fixed-slot directory track into a regular growable file.
package directory

import (
	"encoding/binary"
	"fmt"

	"github.com/wicos64/wicosfs/internal/itable"
)

// NameMax is the longest name a directory entry can hold.
const NameMax = 14

const (
	entrySize  = 1 /*in_use*/ + 4 /*inode_sector*/ + (NameMax + 1) /*name*/
	dotIndex   = 0
	dotdotIdx  = 1
)

// entry is the in-memory decoding of one fixed directory record.
type entry struct {
	inUse       bool
	inodeSector uint32
	name        string
}

func (e *entry) marshal() []byte {
	buf := make([]byte, entrySize)
	if e.inUse {
		buf[0] = 1
	}
	binary.LittleEndian.PutUint32(buf[1:5], e.inodeSector)
	copy(buf[5:5+NameMax+1], e.name)
	return buf
}

func (e *entry) unmarshal(buf []byte) {
	e.inUse = buf[0] != 0
	e.inodeSector = binary.LittleEndian.Uint32(buf[1:5])
	nameBuf := buf[5 : 5+NameMax+1]
	n := 0
	for n < len(nameBuf) && nameBuf[n] != 0 {
		n++
	}
	e.name = string(nameBuf[:n])
}

// Dir is an opened directory handle: an itable.Handle known to hold
// directory-shaped contents, plus a stateful Readdir cursor held in the
// open handle.
type Dir struct {
	h      *itable.Handle
	cursor int // next slot index Readdir will consider
}

// New wraps an already-open directory itable.Handle as a Dir.
func New(h *itable.Handle) *Dir {
	return &Dir{h: h}
}

// Handle returns the underlying open-inode-table handle (used by filesys to
// Close, DenyWrite/AllowWrite, or re-wrap as a file handle).
func (d *Dir) Handle() *itable.Handle { return d.h }

func (d *Dir) slotCount() (int, error) {
	n, err := d.h.Length()
	if err != nil {
		return 0, err
	}
	return int(n) / entrySize, nil
}

func (d *Dir) readSlot(i int) (entry, error) {
	buf := make([]byte, entrySize)
	n, err := d.h.ReadAt(buf, int64(i)*entrySize)
	if err != nil {
		return entry{}, err
	}
	if n != entrySize {
		return entry{}, fmt.Errorf("directory: short read of slot %d (%d of %d bytes)", i, n, entrySize)
	}
	var e entry
	e.unmarshal(buf)
	return e, nil
}

func (d *Dir) writeSlot(i int, e entry) error {
	n, err := d.h.WriteAt(e.marshal(), int64(i)*entrySize)
	if err != nil {
		return err
	}
	if n != entrySize {
		return fmt.Errorf("directory: short write of slot %d (%d of %d bytes)", i, n, entrySize)
	}
	return nil
}

// Init writes the "." and ".." sentinel entries into a freshly created,
// empty directory inode. selfSector is this directory's own inode sector;
// parentSector is its parent's (the root directory is its own parent).
func Init(h *itable.Handle, selfSector, parentSector uint32) error {
	d := &Dir{h: h}
	if err := d.writeSlot(dotIndex, entry{inUse: true, inodeSector: selfSector, name: "."}); err != nil {
		return err
	}
	if err := d.writeSlot(dotdotIdx, entry{inUse: true, inodeSector: parentSector, name: ".."}); err != nil {
		return err
	}
	return nil
}

// Lookup performs a linear scan for name, returning the inode sector it
// names. "." and ".." are ordinary entries that happen to live in the
// first two slots.
func (d *Dir) Lookup(name string) (uint32, bool, error) {
	n, err := d.slotCount()
	if err != nil {
		return 0, false, err
	}
	for i := 0; i < n; i++ {
		e, err := d.readSlot(i)
		if err != nil {
			return 0, false, err
		}
		if e.inUse && e.name == name {
			return e.inodeSector, true, nil
		}
	}
	return 0, false, nil
}

// Add inserts a new entry for name -> sector, reusing the first free slot
// before extending the file. Rejects empty names, overlong names, and
// duplicates.
func (d *Dir) Add(name string, sector uint32) error {
	if name == "" {
		return ErrInvalidName
	}
	if len(name) > NameMax {
		return ErrNameTooLong
	}
	if _, found, err := d.Lookup(name); err != nil {
		return err
	} else if found {
		return ErrExists
	}

	n, err := d.slotCount()
	if err != nil {
		return err
	}
	for i := 0; i < n; i++ {
		e, err := d.readSlot(i)
		if err != nil {
			return err
		}
		if !e.inUse {
			return d.writeSlot(i, entry{inUse: true, inodeSector: sector, name: name})
		}
	}
	return d.writeSlot(n, entry{inUse: true, inodeSector: sector, name: name})
}

// Remove marks name's slot as unused and, if the inode it names currently
// has an in-memory handle open, marks that handle removed for deferred
// truncation. Returns the removed entry's inode sector.
func (d *Dir) Remove(name string, table *itable.Table) (uint32, error) {
	if name == "." || name == ".." {
		return 0, ErrInvalidName
	}
	n, err := d.slotCount()
	if err != nil {
		return 0, err
	}
	for i := 0; i < n; i++ {
		e, err := d.readSlot(i)
		if err != nil {
			return 0, err
		}
		if e.inUse && e.name == name {
			e.inUse = false
			if err := d.writeSlot(i, e); err != nil {
				return 0, err
			}
			if err := table.RemoveSector(e.inodeSector); err != nil {
				return 0, err
			}
			return e.inodeSector, nil
		}
	}
	return 0, ErrNotFound
}

// IsEmpty reports whether this directory contains only "." and "..",
// used to gate directory removal.
func (d *Dir) IsEmpty() (bool, error) {
	n, err := d.slotCount()
	if err != nil {
		return false, err
	}
	for i := 2; i < n; i++ {
		e, err := d.readSlot(i)
		if err != nil {
			return false, err
		}
		if e.inUse {
			return false, nil
		}
	}
	return true, nil
}

// Readdir advances the stateful cursor past any unused slots and returns
// the next entry's name, skipping "." and "..". Across a full pass it
// yields exactly the live entries, no duplicates and no omissions. ok is
// false once the cursor reaches the end.
func (d *Dir) Readdir() (name string, ok bool, err error) {
	n, err := d.slotCount()
	if err != nil {
		return "", false, err
	}
	for d.cursor < n {
		i := d.cursor
		d.cursor++
		if i < 2 {
			continue // "." and ".." are never yielded by readdir
		}
		e, err := d.readSlot(i)
		if err != nil {
			return "", false, err
		}
		if e.inUse {
			return e.name, true, nil
		}
	}
	return "", false, nil
}

// RewindReaddir resets the stateful Readdir cursor to the start.
func (d *Dir) RewindReaddir() {
	d.cursor = 0
}
