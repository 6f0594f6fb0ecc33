package itable

import (
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/wicos64/wicosfs/internal/bcache"
	"github.com/wicos64/wicosfs/internal/blockdev"
	"github.com/wicos64/wicosfs/internal/inode"
)

type fakeAllocator struct {
	mu       sync.Mutex
	next     uint32
	free     []uint32
	released []uint32
}

func newFakeAllocator(start uint32) *fakeAllocator {
	return &fakeAllocator{next: start}
}

func (a *fakeAllocator) Allocate(n int) (uint32, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if len(a.free) > 0 {
		s := a.free[len(a.free)-1]
		a.free = a.free[:len(a.free)-1]
		return s, nil
	}
	s := a.next
	a.next++
	return s, nil
}

func (a *fakeAllocator) Release(sector uint32, n int) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.free = append(a.free, sector)
	a.released = append(a.released, sector)
	return nil
}

func newTestTable(t *testing.T) (*Table, *fakeAllocator) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "vol.img")
	require.NoError(t, blockdev.CreateImage(path, 4096))
	dev, err := blockdev.Open(path, 4096)
	require.NoError(t, err)
	t.Cleanup(func() { dev.Close() })
	cache := bcache.New(dev, nil)
	alloc := newFakeAllocator(100)
	return New(cache, alloc), alloc
}

func TestOpenCloseRefcounting(t *testing.T) {
	table, _ := newTestTable(t)
	cache := table.cache
	require.NoError(t, inode.Create(cache, 10, false))

	h1, err := table.Open(10)
	require.NoError(t, err)
	require.Equal(t, 1, h1.OpenCount())

	h2, err := table.Open(10)
	require.NoError(t, err)
	require.Same(t, h1, h2, "opening the same sector twice must return the identical shared Handle")
	require.Equal(t, 2, h1.OpenCount())

	require.NoError(t, table.Close(h2))
	require.Equal(t, 1, h1.OpenCount())
	require.NoError(t, table.Close(h1))
	require.Equal(t, 0, h1.OpenCount())
}

func TestCloseBelowZeroPanics(t *testing.T) {
	table, _ := newTestTable(t)
	cache := table.cache
	require.NoError(t, inode.Create(cache, 10, false))

	h, err := table.Open(10)
	require.NoError(t, err)
	require.NoError(t, table.Close(h))
	require.Panics(t, func() { table.Close(h) })
}

func TestDenyWriteBlocksWriteAt(t *testing.T) {
	table, _ := newTestTable(t)
	cache := table.cache
	require.NoError(t, inode.Create(cache, 10, false))

	h, err := table.Open(10)
	require.NoError(t, err)
	defer table.Close(h)

	h.DenyWrite()
	n, err := h.WriteAt([]byte("blocked"), 0)
	require.NoError(t, err)
	require.Zero(t, n, "WriteAt must silently write zero bytes while deny-write is active")

	h.AllowWrite()
	n, err = h.WriteAt([]byte("allowed"), 0)
	require.NoError(t, err)
	require.Equal(t, len("allowed"), n)
}

func TestAllowWriteBelowZeroPanics(t *testing.T) {
	table, _ := newTestTable(t)
	cache := table.cache
	require.NoError(t, inode.Create(cache, 10, false))

	h, err := table.Open(10)
	require.NoError(t, err)
	defer table.Close(h)

	require.Panics(t, func() { h.AllowWrite() }, "deny_write_count must never go negative")
}

func TestRemoveSectorDefersWhileOpenElsewhere(t *testing.T) {
	table, alloc := newTestTable(t)
	cache := table.cache
	require.NoError(t, inode.Create(cache, 10, false))

	h, err := table.Open(10)
	require.NoError(t, err)

	require.NoError(t, table.RemoveSector(10))
	require.True(t, h.Removed())
	require.Empty(t, alloc.released, "blocks must not be freed while another opener still holds the handle")

	require.NoError(t, table.Close(h))
	require.Contains(t, alloc.released, uint32(10), "the last close of a removed inode must release its sector")
}

func TestRemoveSectorFreesImmediatelyWhenUnopened(t *testing.T) {
	table, alloc := newTestTable(t)
	cache := table.cache
	require.NoError(t, inode.Create(cache, 10, false))

	require.NoError(t, table.RemoveSector(10))
	require.Contains(t, alloc.released, uint32(10))
}

func TestConcurrentFirstOpensCoalesceToOneHandle(t *testing.T) {
	table, _ := newTestTable(t)
	cache := table.cache
	require.NoError(t, inode.Create(cache, 10, false))

	const n = 32
	handles := make([]*Handle, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		i := i
		wg.Add(1)
		go func() {
			defer wg.Done()
			h, err := table.Open(10)
			require.NoError(t, err)
			handles[i] = h
		}()
	}
	wg.Wait()

	for i := 1; i < n; i++ {
		require.Same(t, handles[0], handles[i])
	}
	require.Equal(t, n, handles[0].OpenCount())
}
