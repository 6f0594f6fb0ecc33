//go:build !windows

package blockdev

import (
	"os"

	"golang.org/x/sys/unix"
)

// lockExclusive takes an advisory BSD-style exclusive lock on f so that a
// second process cannot open the same volume file concurrently.
func lockExclusive(f *os.File) (unlock func() error, err error) {
	if err := unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB); err != nil {
		return nil, err
	}
	return func() error {
		return unix.Flock(int(f.Fd()), unix.LOCK_UN)
	}, nil
}

func datasync(f *os.File) error {
	if err := unix.Fdatasync(int(f.Fd())); err != nil {
		return f.Sync()
	}
	return nil
}
