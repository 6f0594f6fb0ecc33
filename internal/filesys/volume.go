// Package filesys is the filesystem facade: the set of operations
// (create, open, remove, chdir, mkdir, readdir, format) a syscall
// dispatcher would actually call, wired against a single mounted volume.
//
// Volume is a mutex-free struct wrapping the shared resources a whole
// volume's worth of requests act against, constructed once via Mount
// and torn down via Done.
package filesys

import (
	"fmt"
	"log/slog"

	"github.com/wicos64/wicosfs/internal/bcache"
	"github.com/wicos64/wicosfs/internal/blockdev"
	"github.com/wicos64/wicosfs/internal/directory"
	"github.com/wicos64/wicosfs/internal/freemap"
	"github.com/wicos64/wicosfs/internal/inode"
	"github.com/wicos64/wicosfs/internal/itable"
	"github.com/wicos64/wicosfs/internal/pathres"
)

// Volume is one mounted filesystem: a device, its buffer cache, free map,
// open-inode table, and path resolver, all wired together.
type Volume struct {
	dev      *blockdev.Device
	cache    *bcache.Cache
	freemap  *freemap.Map
	table    *itable.Table
	resolver *pathres.Resolver
	log      *slog.Logger
}

// Format creates a brand-new volume image at path with sectorCount
// sectors, writes a fresh free-sector bitmap and an empty root directory,
// and closes it again. It does not leave the volume mounted; call Mount
// afterward to use it.
func Format(path string, sectorCount uint32, log *slog.Logger) error {
	if log == nil {
		log = slog.New(slog.DiscardHandler)
	}
	if sectorCount <= freemap.FirstDataSector {
		return fmt.Errorf("filesys: format: sectorCount %d too small (need > %d)", sectorCount, freemap.FirstDataSector)
	}

	if err := blockdev.CreateImage(path, uint64(sectorCount)); err != nil {
		return fmt.Errorf("filesys: format: create image: %w", err)
	}
	dev, err := blockdev.Open(path, uint64(sectorCount))
	if err != nil {
		return fmt.Errorf("filesys: format: open image: %w", err)
	}
	defer dev.Close()

	cache := bcache.New(dev, log)

	fm, bitmapSectors, err := freemap.Bootstrap(cache, sectorCount)
	if err != nil {
		return fmt.Errorf("filesys: format: bootstrap free map: %w", err)
	}
	if err := fm.MarkUsed(freemap.MapSector); err != nil {
		return err
	}
	if err := fm.MarkUsed(freemap.RootSector); err != nil {
		return err
	}
	for _, s := range bitmapSectors {
		if err := fm.MarkUsed(s); err != nil {
			return err
		}
	}

	table := itable.New(cache, fm)

	if err := inode.Create(cache, freemap.RootSector, true); err != nil {
		return fmt.Errorf("filesys: format: create root inode: %w", err)
	}
	rootHandle, err := table.Open(freemap.RootSector)
	if err != nil {
		return fmt.Errorf("filesys: format: open root inode: %w", err)
	}
	if err := directory.Init(rootHandle, freemap.RootSector, freemap.RootSector); err != nil {
		return fmt.Errorf("filesys: format: init root directory: %w", err)
	}
	if err := table.Close(rootHandle); err != nil {
		return err
	}

	if err := cache.Flush(); err != nil {
		return fmt.Errorf("filesys: format: flush: %w", err)
	}
	log.Info("formatted volume", "path", path, "sectors", sectorCount)
	return nil
}

// Mount opens an already-formatted volume image for use.
func Mount(path string, sectorCount uint32, log *slog.Logger) (*Volume, error) {
	if log == nil {
		log = slog.New(slog.DiscardHandler)
	}
	dev, err := blockdev.Open(path, uint64(sectorCount))
	if err != nil {
		return nil, fmt.Errorf("filesys: mount: %w", err)
	}
	cache := bcache.New(dev, log)
	fm := freemap.Open(cache)
	table := itable.New(cache, fm)
	resolver := pathres.New(table, freemap.RootSector)

	return &Volume{
		dev:      dev,
		cache:    cache,
		freemap:  fm,
		table:    table,
		resolver: resolver,
		log:      log,
	}, nil
}

// OpenRoot opens and returns a handle to the root directory's inode,
// suitable for use as the initial CWD of a freshly-created process.
func (v *Volume) OpenRoot() (*itable.Handle, error) {
	return v.table.Open(freemap.RootSector)
}

// Done flushes the buffer cache and durably syncs the backing device,
// then closes it.
func (v *Volume) Done() error {
	if err := v.cache.Flush(); err != nil {
		return err
	}
	if err := v.dev.Sync(); err != nil {
		return err
	}
	return v.dev.Close()
}

// BufferCache exposes the underlying cache for cache-reset and cache-stat
// instrumentation.
func (v *Volume) BufferCache() *bcache.Cache { return v.cache }

// FreeSectorsUsed reports the free map's used-bit count, for tests and the
// mkfs -check diagnostic.
func (v *Volume) FreeSectorsUsed() (int, error) { return v.freemap.UsedCount() }

// WriteCount reports the device's sector write counter.
func (v *Volume) WriteCount() uint64 { return v.dev.WriteCount() }
