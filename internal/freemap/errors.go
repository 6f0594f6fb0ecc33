package freemap

import "errors"

// ErrOutOfSpace is returned by Allocate when no free sector remains.
var ErrOutOfSpace = errors.New("free map exhausted")

// ErrDoubleFree is returned by Release when asked to free an already-free
// sector; this indicates a bug upstream (double free), not a recoverable
// runtime condition.
var ErrDoubleFree = errors.New("release of already-free sector")
