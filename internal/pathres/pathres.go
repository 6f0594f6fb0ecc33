// Package pathres implements the path resolver: component-wise walking
// from either the root directory or a caller's current-working-directory
// handle, honoring "." and ".." as live directory traversal rather than
// lexical string rewriting.
//
// Unlike a purely lexical normalizer that forbids ".." segments outright,
// this package's job is the opposite: resolving ".." against actual open
// directory handles, walking the real tree rather than rejecting the
// input.
package pathres

import (
	"errors"
	"strings"

	"github.com/wicos64/wicosfs/internal/directory"
	"github.com/wicos64/wicosfs/internal/itable"
)

// Errors surfaced by resolution.
var (
	ErrNameTooLong       = errors.New("pathres: component exceeds NAME_MAX")
	ErrNotFound          = errors.New("pathres: component not found")
	ErrNotADirectory     = errors.New("pathres: intermediate component is not a directory")
	ErrEmptyPath         = errors.New("pathres: empty path")
	ErrTrailingMissing   = errors.New("pathres: trailing component missing")
)

// Split breaks raw into (absolute, components), ignoring empty components
// so "a//b" == "a/b" and a trailing "/" is ignored. The literal string
// "/" is absolute with zero components (it addresses root).
func Split(raw string) (absolute bool, components []string) {
	absolute = strings.HasPrefix(raw, "/")
	for _, c := range strings.Split(raw, "/") {
		if c == "" {
			continue
		}
		components = append(components, c)
	}
	return absolute, components
}

// Resolver ties path resolution to a live volume: it knows how to open an
// inode sector as a directory handle and how to look up/step into entries.
type Resolver struct {
	table *itable.Table
	root  uint32 // root directory's inode sector
}

// New constructs a Resolver over table, rooted at rootSector. The root
// sector is passed in explicitly to keep pathres decoupled from
// internal/freemap's reserved sector constants.
func New(table *itable.Table, rootSector uint32) *Resolver {
	return &Resolver{table: table, root: rootSector}
}

// openDir opens sector and wraps it as a directory.Dir, asserting it
// actually is a directory. An intermediate path component that isn't one
// is a resolution failure, not an assertion failure; the caller decides
// whether to treat it as fatal.
func (r *Resolver) openDir(sector uint32) (*directory.Dir, *itable.Handle, error) {
	h, err := r.table.Open(sector)
	if err != nil {
		return nil, nil, err
	}
	isDir, err := h.IsDir()
	if err != nil {
		r.table.Close(h)
		return nil, nil, err
	}
	if !isDir {
		r.table.Close(h)
		return nil, nil, ErrNotADirectory
	}
	return directory.New(h), h, nil
}

// startingPoint returns the directory handle a resolution should begin
// from: root for absolute paths, cwd for relative ones. The returned
// handle is a *new* open reference (the caller must Close it), whether or
// not it is the same underlying sector as cwd, so that ResolveFull/
// ResolveParent's uniform "close everything we opened along the way"
// cleanup never has to special-case the starting handle.
func (r *Resolver) startingPoint(absolute bool, cwd uint32) (*directory.Dir, *itable.Handle, error) {
	if absolute {
		return r.openDir(r.root)
	}
	return r.openDir(cwd)
}

// walk steps dir through every entry of components (callers pass all but
// the final path component), opening and closing intermediate directories
// as it goes, and returns the final directory reached. "." is a no-op; ".."
// opens the parent named by the current directory's own ".." entry; any
// other component must name an existing subdirectory.
func (r *Resolver) walk(dir *directory.Dir, dirHandle *itable.Handle, components []string) (*directory.Dir, *itable.Handle, error) {
	cur, curHandle := dir, dirHandle
	for _, c := range components {
		if len(c) > directory.NameMax {
			r.table.Close(curHandle)
			return nil, nil, ErrNameTooLong
		}
		if c == "." {
			continue
		}
		sector, found, err := cur.Lookup(c)
		if err != nil {
			r.table.Close(curHandle)
			return nil, nil, err
		}
		if !found {
			r.table.Close(curHandle)
			return nil, nil, ErrNotFound
		}
		next, nextHandle, err := r.openDir(sector)
		if err != nil {
			r.table.Close(curHandle)
			return nil, nil, err
		}
		r.table.Close(curHandle)
		cur, curHandle = next, nextHandle
	}
	return cur, curHandle, nil
}

// ResolveFull walks every component of raw and returns the terminal
// inode's open handle, used by chdir and for opening paths in general.
// The terminal component need not be a directory; only intermediate
// components must be.
func (r *Resolver) ResolveFull(raw string, cwd uint32) (*itable.Handle, error) {
	if raw == "" {
		return nil, ErrEmptyPath
	}
	absolute, components := Split(raw)
	dir, dirHandle, err := r.startingPoint(absolute, cwd)
	if err != nil {
		return nil, err
	}
	if len(components) == 0 {
		return dirHandle, nil
	}

	finalDir, finalHandle, err := r.walk(dir, dirHandle, components[:len(components)-1])
	if err != nil {
		return nil, err
	}
	last := components[len(components)-1]
	if len(last) > directory.NameMax {
		r.table.Close(finalHandle)
		return nil, ErrNameTooLong
	}
	if last == "." {
		return finalHandle, nil
	}
	sector, found, err := finalDir.Lookup(last)
	if err != nil {
		r.table.Close(finalHandle)
		return nil, err
	}
	if !found {
		r.table.Close(finalHandle)
		return nil, ErrNotFound
	}
	r.table.Close(finalHandle)
	return r.table.Open(sector)
}

// ResolveParent splits off raw's final component and walks the rest,
// returning the opened parent directory and the final component's name.
// Used by create/mkdir/remove. The caller is responsible for Close-ing the
// returned directory handle.
func (r *Resolver) ResolveParent(raw string, cwd uint32) (*directory.Dir, *itable.Handle, string, error) {
	if raw == "" {
		return nil, nil, "", ErrEmptyPath
	}
	absolute, components := Split(raw)
	if len(components) == 0 {
		// "/" (or "///") names root itself, which has no parent to
		// split off; every caller of ResolveParent needs a final
		// component to create/remove/look up.
		return nil, nil, "", ErrTrailingMissing
	}

	dir, dirHandle, err := r.startingPoint(absolute, cwd)
	if err != nil {
		return nil, nil, "", err
	}
	finalDir, finalHandle, err := r.walk(dir, dirHandle, components[:len(components)-1])
	if err != nil {
		return nil, nil, "", err
	}
	name := components[len(components)-1]
	if len(name) > directory.NameMax {
		r.table.Close(finalHandle)
		return nil, nil, "", ErrNameTooLong
	}
	return finalDir, finalHandle, name, nil
}
