package directory

import "errors"

var (
	// ErrInvalidName is returned by Add for an empty name, and by Remove
	// for an attempt to remove "." / ".." directly. (Add of "." / ".."
	// finds the existing sentinel entry and returns ErrExists.)
	ErrInvalidName = errors.New("directory: invalid name")
	// ErrNameTooLong is returned when a name exceeds NameMax bytes.
	ErrNameTooLong = errors.New("directory: name too long")
	// ErrExists is returned by Add on a name collision.
	ErrExists = errors.New("directory: name already exists")
	// ErrNotFound is returned by Remove when name has no entry.
	ErrNotFound = errors.New("directory: name not found")
)
