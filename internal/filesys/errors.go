package filesys

import "errors"

// Errors surfaced by the facade operations.
var (
	// ErrExists is returned by Create/Mkdir on a name collision.
	ErrExists = errors.New("filesys: name already exists")
	// ErrNotFound is returned when a path component, or the final target,
	// does not exist.
	ErrNotFound = errors.New("filesys: no such file or directory")
	// ErrNotADirectory is returned when an intermediate path component, or
	// a chdir target, is not a directory.
	ErrNotADirectory = errors.New("filesys: not a directory")
	// ErrIsADirectory reports that a path names a directory where a
	// regular file was expected, or vice versa. No facade operation
	// returns it: Open tags the returned Handle as a file or directory
	// handle instead.
	ErrIsADirectory = errors.New("filesys: is a directory")
	// ErrNotEmpty is returned by Remove on a non-empty directory.
	ErrNotEmpty = errors.New("filesys: directory not empty")
	// ErrRemoveRoot is returned by an attempt to remove the root directory.
	ErrRemoveRoot = errors.New("filesys: cannot remove root directory")
	// ErrInvalidName is returned by an attempt to remove "." or "..".
	ErrInvalidName = errors.New("filesys: invalid name")
	// ErrBusy is returned by Remove on a directory that is open elsewhere
	// besides the Remove call's own reference.
	ErrBusy = errors.New("filesys: directory busy")
)
