//go:build windows

package blockdev

import "os"

// lockExclusive is a no-op on platforms where we don't have a cheap
// advisory-lock primitive wired up.
func lockExclusive(f *os.File) (unlock func() error, err error) {
	return func() error { return nil }, nil
}

func datasync(f *os.File) error {
	return f.Sync()
}
