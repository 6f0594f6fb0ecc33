package freemap

import (
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/wicos64/wicosfs/internal/bcache"
	"github.com/wicos64/wicosfs/internal/blockdev"
)

func newTestCache(t *testing.T, sectors uint64) *bcache.Cache {
	t.Helper()
	path := filepath.Join(t.TempDir(), "vol.img")
	require.NoError(t, blockdev.CreateImage(path, sectors))
	dev, err := blockdev.Open(path, sectors)
	require.NoError(t, err)
	t.Cleanup(func() { dev.Close() })
	return bcache.New(dev, nil)
}

func TestBootstrapMarksNothingUsedYet(t *testing.T) {
	cache := newTestCache(t, 4096)
	m, bitmapSectors, err := Bootstrap(cache, 4096)
	require.NoError(t, err)
	require.NotEmpty(t, bitmapSectors)

	for _, s := range bitmapSectors {
		free, err := m.IsFree(s)
		require.NoError(t, err)
		require.True(t, free, "Bootstrap itself must not mark any sector used; the caller does that")
	}
}

func TestAllocateReleaseRoundTrip(t *testing.T) {
	cache := newTestCache(t, 4096)
	m, _, err := Bootstrap(cache, 4096)
	require.NoError(t, err)

	used0, err := m.UsedCount()
	require.NoError(t, err)

	s1, err := m.Allocate(1)
	require.NoError(t, err)
	free, err := m.IsFree(s1)
	require.NoError(t, err)
	require.False(t, free)

	s2, err := m.Allocate(1)
	require.NoError(t, err)
	require.NotEqual(t, s1, s2, "two allocations must never return the same sector")

	require.NoError(t, m.Release(s1, 1))
	require.NoError(t, m.Release(s2, 1))

	used1, err := m.UsedCount()
	require.NoError(t, err)
	require.Equal(t, used0, used1, "grow then shrink returns the used-bit count to its pre-grow value")
}

func TestDoubleReleaseIsRejected(t *testing.T) {
	cache := newTestCache(t, 4096)
	m, _, err := Bootstrap(cache, 4096)
	require.NoError(t, err)

	s, err := m.Allocate(1)
	require.NoError(t, err)
	require.NoError(t, m.Release(s, 1))
	require.ErrorIs(t, m.Release(s, 1), ErrDoubleFree)
}

func TestMarkUsedIsUnconditional(t *testing.T) {
	cache := newTestCache(t, 4096)
	m, _, err := Bootstrap(cache, 4096)
	require.NoError(t, err)

	require.NoError(t, m.MarkUsed(MapSector))
	free, err := m.IsFree(MapSector)
	require.NoError(t, err)
	require.False(t, free)
}

func TestConcurrentAllocateNeverDoubleAllocates(t *testing.T) {
	cache := newTestCache(t, 4096)
	m, _, err := Bootstrap(cache, 4096)
	require.NoError(t, err)

	const n = 32
	sectors := make([]uint32, n)
	errs := make([]error, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		i := i
		wg.Add(1)
		go func() {
			defer wg.Done()
			sectors[i], errs[i] = m.Allocate(1)
		}()
	}
	wg.Wait()

	seen := make(map[uint32]bool, n)
	for i := 0; i < n; i++ {
		require.NoError(t, errs[i])
		require.False(t, seen[sectors[i]], "sector %d handed out to more than one concurrent allocator", sectors[i])
		seen[sectors[i]] = true
	}
}

func TestAllocateExhaustion(t *testing.T) {
	// A tiny bitmap so exhaustion is reachable quickly: sectorCount=24 means
	// the bitmap itself (3 bytes, 1 data sector at sector 2) plus the two
	// reserved sectors, leaving 21 allocatable sectors (3..23).
	cache := newTestCache(t, 4096)
	m, bitmapSectors, err := Bootstrap(cache, 24)
	require.NoError(t, err)
	for _, s := range bitmapSectors {
		require.NoError(t, m.MarkUsed(s))
	}
	require.NoError(t, m.MarkUsed(MapSector))
	require.NoError(t, m.MarkUsed(RootSector))

	var allocated []uint32
	for {
		s, err := m.Allocate(1)
		if err != nil {
			require.ErrorIs(t, err, ErrOutOfSpace)
			break
		}
		allocated = append(allocated, s)
		if len(allocated) > 24 {
			t.Fatal("allocate never returned ErrOutOfSpace")
		}
	}
	require.NotEmpty(t, allocated)
}
