package filesys

import (
	"fmt"

	"github.com/wicos64/wicosfs/internal/directory"
	"github.com/wicos64/wicosfs/internal/inode"
	"github.com/wicos64/wicosfs/internal/itable"
	"github.com/wicos64/wicosfs/internal/volumelog"
)

// Handle is the file-descriptor-table entry exposed to the syscall layer:
// a tagged variant of "file handle" and "directory handle", each holding
// a handle to the corresponding in-memory object, rather than an
// interface with two implementations.
type Handle struct {
	v     *Volume
	it    *itable.Handle
	isDir bool

	// file-only state.
	pos int64

	// directory-only state.
	dir *directory.Dir
}

func newFileHandle(v *Volume, it *itable.Handle) *Handle {
	return &Handle{v: v, it: it}
}

func newDirHandle(v *Volume, it *itable.Handle) *Handle {
	return &Handle{v: v, it: it, isDir: true, dir: directory.New(it)}
}

// IsDir reports whether this handle is a directory handle.
func (h *Handle) IsDir() bool { return h.isDir }

// GetInode returns the underlying open-inode-table handle.
func (h *Handle) GetInode() *itable.Handle { return h.it }

// Length returns the file's current byte length.
func (h *Handle) Length() (int64, error) { return h.it.Length() }

// Stat returns a read-only snapshot of the handle's block-map occupancy,
// for diagnostics and tests.
func (h *Handle) Stat() (inode.Stat, error) { return h.it.Stat() }

// Read reads up to len(buf) bytes starting at the handle's current seek
// position, advancing it by the number of bytes actually read.
func (h *Handle) Read(buf []byte) (int, error) {
	n, err := h.it.ReadAt(buf, h.pos)
	h.pos += int64(n)
	return n, err
}

// Write writes len(buf) bytes at the handle's current seek position,
// advancing it by the number of bytes actually written. A deny-write
// returns 0 with no other effect, which this simply reflects by not
// advancing pos.
func (h *Handle) Write(buf []byte) (int, error) {
	n, err := h.it.WriteAt(buf, h.pos)
	h.pos += int64(n)
	return n, err
}

// Seek repositions the handle's cursor to an absolute byte offset.
func (h *Handle) Seek(pos int64) { h.pos = pos }

// Tell returns the handle's current seek position.
func (h *Handle) Tell() int64 { return h.pos }

// DenyWrite / AllowWrite manipulate the shared inode's deny-write counter.
func (h *Handle) DenyWrite()  { h.it.DenyWrite() }
func (h *Handle) AllowWrite() { h.it.AllowWrite() }

// Readdir returns the next directory entry name, or ok=false at the end.
// It panics if called on a non-directory handle: a programming error in
// the caller, not a runtime filesystem condition.
func (h *Handle) Readdir() (name string, ok bool, err error) {
	if !h.isDir {
		panic("filesys: Readdir called on a file handle")
	}
	defer func() {
		volumelog.OpEvent(h.v.log, "readdir", fmt.Sprintf("sector:%d", h.it.Sector()), err)
	}()
	return h.dir.Readdir()
}

// Close releases the handle's reference on the underlying inode. It has
// no double-close protection; callers must not call Close twice.
func (h *Handle) Close() error {
	return h.v.table.Close(h.it)
}
