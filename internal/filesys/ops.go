// ops.go wires internal/pathres, internal/directory, and internal/itable
// together into the facade's six core operations: create, open, remove,
// chdir, mkdir, and readdir (the last exposed on Handle itself, see
// internal/filesys/handle.go).
//
// Each operation resolves a path, performs one shared-resource mutation
// under the resources it touches, and returns a plain error. No
// wire-level response framing belongs at this layer; that is the
// dispatcher's job, not the filesystem core's.
package filesys

import (
	"fmt"

	"github.com/wicos64/wicosfs/internal/directory"
	"github.com/wicos64/wicosfs/internal/freemap"
	"github.com/wicos64/wicosfs/internal/inode"
	"github.com/wicos64/wicosfs/internal/itable"
	"github.com/wicos64/wicosfs/internal/pathres"
	"github.com/wicos64/wicosfs/internal/volumelog"
)

// Create makes a new, empty regular file at path and returns an open
// handle to it. cwd is the inode sector of the calling
// process's current working directory, used to resolve relative paths.
func (v *Volume) Create(path string, cwd uint32) (h *Handle, err error) {
	defer func() { volumelog.OpEvent(v.log, "create", path, err) }()
	return v.createEntry(path, cwd, false)
}

// Mkdir makes a new, empty subdirectory at path, mirroring pintos's
// dir_create/filesys_create split, and returns an open handle to it,
// already populated with "." and "..".
func (v *Volume) Mkdir(path string, cwd uint32) (h *Handle, err error) {
	defer func() { volumelog.OpEvent(v.log, "mkdir", path, err) }()
	return v.createEntry(path, cwd, true)
}

func (v *Volume) createEntry(path string, cwd uint32, isDir bool) (*Handle, error) {
	parentDir, parentHandle, name, err := v.resolver.ResolveParent(path, cwd)
	if err != nil {
		return nil, translateResolveErr(err)
	}
	defer v.table.Close(parentHandle)

	sector, err := v.freemap.Allocate(1)
	if err != nil {
		return nil, fmt.Errorf("filesys: create: allocate inode sector: %w", err)
	}
	if err := inode.Create(v.cache, sector, isDir); err != nil {
		v.freemap.Release(sector, 1)
		return nil, fmt.Errorf("filesys: create: init inode: %w", err)
	}

	h, err := v.table.Open(sector)
	if err != nil {
		v.freemap.Release(sector, 1)
		return nil, err
	}

	if isDir {
		parentSector := parentHandle.Sector()
		if err := directory.Init(h, sector, parentSector); err != nil {
			v.table.Close(h)
			v.freemap.Release(sector, 1)
			return nil, fmt.Errorf("filesys: mkdir: init directory: %w", err)
		}
	}

	if err := parentDir.Add(name, sector); err != nil {
		v.table.Close(h)
		v.freemap.Release(sector, 1)
		if err == directory.ErrExists {
			return nil, ErrExists
		}
		return nil, err
	}

	if isDir {
		return newDirHandle(v, h), nil
	}
	return newFileHandle(v, h), nil
}

// Open resolves path relative to cwd and returns an open handle to it,
// tagged as a file or directory handle according to what it actually
// names.
func (v *Volume) Open(path string, cwd uint32) (h *Handle, err error) {
	defer func() { volumelog.OpEvent(v.log, "open", path, err) }()
	return v.open(path, cwd)
}

func (v *Volume) open(path string, cwd uint32) (*Handle, error) {
	h, err := v.resolver.ResolveFull(path, cwd)
	if err != nil {
		return nil, translateResolveErr(err)
	}
	isDir, err := h.IsDir()
	if err != nil {
		v.table.Close(h)
		return nil, err
	}
	if isDir {
		return newDirHandle(v, h), nil
	}
	return newFileHandle(v, h), nil
}

// Remove unlinks the entry named by path from its parent directory.
// Removing a non-empty directory is rejected; removing root itself is
// rejected outright. The underlying inode's blocks are only freed once
// every open handle on it has closed, which internal/itable.RemoveSector
// already implements.
func (v *Volume) Remove(path string, cwd uint32) (err error) {
	defer func() { volumelog.OpEvent(v.log, "remove", path, err) }()

	parentDir, parentHandle, name, err := v.resolver.ResolveParent(path, cwd)
	if err != nil {
		return translateResolveErr(err)
	}
	defer v.table.Close(parentHandle)

	sector, found, err := parentDir.Lookup(name)
	if err != nil {
		return err
	}
	if !found {
		return ErrNotFound
	}

	target, err := v.table.Open(sector)
	if err != nil {
		return err
	}
	isDir, err := target.IsDir()
	if err != nil {
		v.table.Close(target)
		return err
	}
	if isDir {
		if sector == freemap.RootSector {
			v.table.Close(target)
			return ErrRemoveRoot
		}
		// Remove's own Open above contributed one reference, so an
		// open_count above 1 means some other caller still holds the
		// directory open.
		if target.OpenCount() > 1 {
			v.table.Close(target)
			return ErrBusy
		}
		empty, err := directory.New(target).IsEmpty()
		if err != nil {
			v.table.Close(target)
			return err
		}
		if !empty {
			v.table.Close(target)
			return ErrNotEmpty
		}
	}
	if err := v.table.Close(target); err != nil {
		return err
	}

	if _, err := parentDir.Remove(name, v.table); err != nil {
		if err == directory.ErrNotFound {
			return ErrNotFound
		}
		if err == directory.ErrInvalidName {
			return ErrInvalidName
		}
		return err
	}
	return nil
}

// Chdir resolves path relative to cwd and returns the inode sector of the
// directory it names. The caller is responsible
// for tracking this as its new current working directory and for closing
// any previously-held cwd reference it no longer needs; Chdir itself does
// not retain an open handle.
func (v *Volume) Chdir(path string, cwd uint32) (sector uint32, err error) {
	defer func() { volumelog.OpEvent(v.log, "chdir", path, err) }()
	return v.chdir(path, cwd)
}

func (v *Volume) chdir(path string, cwd uint32) (uint32, error) {
	h, err := v.resolver.ResolveFull(path, cwd)
	if err != nil {
		return 0, translateResolveErr(err)
	}
	defer v.table.Close(h)

	isDir, err := h.IsDir()
	if err != nil {
		return 0, err
	}
	if !isDir {
		return 0, ErrNotADirectory
	}
	return h.Sector(), nil
}

// OpenCwd opens a fresh open-inode-table reference to sector (it does not
// check that sector is a directory), for callers that need to hold a live cwd handle (e.g. to keep its reference
// count above zero across a sequence of relative-path operations).
func (v *Volume) OpenCwd(sector uint32) (*itable.Handle, error) {
	return v.table.Open(sector)
}

// CloseCwd releases a reference obtained from OpenCwd or OpenRoot.
func (v *Volume) CloseCwd(h *itable.Handle) error {
	return v.table.Close(h)
}

// translateResolveErr maps pathres's resolution-failure sentinels onto
// this package's own, so callers only need to compare against filesys's
// errors regardless of which layer detected the failure.
func translateResolveErr(err error) error {
	switch err {
	case pathres.ErrNotFound, pathres.ErrTrailingMissing:
		return ErrNotFound
	case pathres.ErrNotADirectory:
		return ErrNotADirectory
	case pathres.ErrNameTooLong:
		return fmt.Errorf("filesys: %w", err)
	default:
		return err
	}
}
