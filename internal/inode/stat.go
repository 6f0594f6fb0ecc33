package inode

import "github.com/wicos64/wicosfs/internal/bcache"

// Stat is a read-only snapshot of one inode's block-map shape, exposed so
// diagnostics and tests can assert invariants without reaching into
// package-private Record state.
type Stat struct {
	Length             int64
	IsDir              bool
	DirectUsed         int
	IndirectUsed       bool
	DoublyIndirectUsed bool
}

// StatRecord reads sector's inode record and summarizes its block-map
// occupancy.
func StatRecord(cache *bcache.Cache, sector uint32) (Stat, error) {
	r, err := ReadRecord(cache, sector)
	if err != nil {
		return Stat{}, err
	}
	direct := 0
	for _, s := range r.Direct {
		if s != NoSector {
			direct++
		}
	}
	return Stat{
		Length:             int64(r.Length),
		IsDir:              r.IsDir,
		DirectUsed:         direct,
		IndirectUsed:       r.Indirect != NoSector,
		DoublyIndirectUsed: r.DoublyIndirect != NoSector,
	}, nil
}

// Stat returns h's block-map occupancy snapshot.
func (h *Handle) Stat(cache *bcache.Cache) (Stat, error) {
	return StatRecord(cache, h.sector)
}
