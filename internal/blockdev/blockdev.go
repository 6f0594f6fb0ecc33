// Package blockdev implements the fixed-size sector device the rest of the
// filesystem core is built on: a linear array of 512-byte sectors backed by a
// single regular host file.
//
// This is intentionally the thinnest layer in the module: it knows nothing
// about inodes, directories, or the free-sector map. Everything above it
// reaches the device only through internal/bcache.
package blockdev

import (
	"fmt"
	"os"
	"sync"

	"github.com/google/renameio"
)

// SectorSize is the fixed device block size. Every sector on the volume is
// exactly this many bytes; there is no superblock describing a different
// geometry.
const SectorSize = 512

// Device is a fixed-size sector device backed by a single host file.
//
// Reads and writes are positioned (ReadAt/WriteAt) so that concurrent callers
// from internal/bcache never need to serialize on a shared file offset; the
// serialization that matters (one in-flight I/O per sector) is enforced by
// the buffer cache, not here.
type Device struct {
	f *os.File

	mu          sync.Mutex // guards writeCount only
	writeCount  uint64
	sectorCount uint64

	unlock func() error
}

// CreateImage creates a new, zero-filled backing file of the given sector
// count. It is written atomically via github.com/google/renameio's
// temp-then-rename discipline: callers never observe a partially written
// image file.
func CreateImage(path string, sectors uint64) error {
	buf := make([]byte, sectors*SectorSize)
	return renameio.WriteFile(path, buf, 0o644)
}

// Open opens an existing backing file as a Device with sectorCount sectors.
// It takes an advisory exclusive lock on the file (see lock_unix.go /
// lock_other.go) so a second process cannot open the same volume
// concurrently; two in-process Devices over the same *os.File are never
// constructed because Open always creates a fresh *os.File handle.
func Open(path string, sectorCount uint64) (*Device, error) {
	f, err := os.OpenFile(path, os.O_RDWR, 0o644)
	if err != nil {
		return nil, fmt.Errorf("blockdev: open %q: %w", path, err)
	}

	fi, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("blockdev: stat %q: %w", path, err)
	}
	want := int64(sectorCount) * SectorSize
	if fi.Size() != want {
		f.Close()
		return nil, fmt.Errorf("blockdev: %q has size %d, want %d (sectorCount=%d)", path, fi.Size(), want, sectorCount)
	}

	unlock, err := lockExclusive(f)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("blockdev: lock %q: %w", path, err)
	}

	return &Device{f: f, sectorCount: sectorCount, unlock: unlock}, nil
}

// SectorCount returns the number of addressable sectors on the device.
func (d *Device) SectorCount() uint64 {
	return d.sectorCount
}

// Read fills buf (which must be SectorSize bytes) with the contents of
// sector.
func (d *Device) Read(sector uint32, buf []byte) error {
	if len(buf) != SectorSize {
		return fmt.Errorf("blockdev: read buffer must be %d bytes, got %d", SectorSize, len(buf))
	}
	if uint64(sector) >= d.sectorCount {
		return fmt.Errorf("blockdev: sector %d out of range (count=%d)", sector, d.sectorCount)
	}
	_, err := d.f.ReadAt(buf, int64(sector)*SectorSize)
	return err
}

// Write persists buf (which must be SectorSize bytes) to sector and bumps
// the write counter.
func (d *Device) Write(sector uint32, buf []byte) error {
	if len(buf) != SectorSize {
		return fmt.Errorf("blockdev: write buffer must be %d bytes, got %d", SectorSize, len(buf))
	}
	if uint64(sector) >= d.sectorCount {
		return fmt.Errorf("blockdev: sector %d out of range (count=%d)", sector, d.sectorCount)
	}
	if _, err := d.f.WriteAt(buf, int64(sector)*SectorSize); err != nil {
		return err
	}
	d.mu.Lock()
	d.writeCount++
	d.mu.Unlock()
	return nil
}

// WriteCount returns the number of sector writes issued since Open. It
// backs the cache-stat instrumentation surface, letting tests confirm
// that repeated writes to a still-cached sector coalesce into one
// eventual device write.
func (d *Device) WriteCount() uint64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.writeCount
}

// Sync forces any buffered writes durably to storage. Called from
// filesys.Done after the buffer cache has been flushed.
func (d *Device) Sync() error {
	return datasync(d.f)
}

// Close releases the advisory lock and closes the backing file.
func (d *Device) Close() error {
	var unlockErr error
	if d.unlock != nil {
		unlockErr = d.unlock()
	}
	closeErr := d.f.Close()
	if unlockErr != nil {
		return unlockErr
	}
	return closeErr
}
