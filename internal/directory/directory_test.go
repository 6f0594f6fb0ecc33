package directory

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/wicos64/wicosfs/internal/bcache"
	"github.com/wicos64/wicosfs/internal/blockdev"
	"github.com/wicos64/wicosfs/internal/inode"
	"github.com/wicos64/wicosfs/internal/itable"
)

type fakeAllocator struct {
	next uint32
	free []uint32
}

func newFakeAllocator(start uint32) *fakeAllocator {
	return &fakeAllocator{next: start}
}

func (a *fakeAllocator) Allocate(n int) (uint32, error) {
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
	a.free = append(a.free, sector)
	return nil
}

// testFixture bundles the cache and table backing a test root directory:
// directory.Dir itself never touches the cache directly (it goes through
// itable.Handle), but test helpers that create sibling inodes need it.
type testFixture struct {
	cache *bcache.Cache
	table *itable.Table
}

// newTestRoot builds a root directory (self-parented, sector 1) over a
// fresh table/cache and returns it opened as a Dir, along with the fixture
// for Remove calls and creating child inodes.
func newTestRoot(t *testing.T) (*Dir, *testFixture) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "vol.img")
	require.NoError(t, blockdev.CreateImage(path, 4096))
	dev, err := blockdev.Open(path, 4096)
	require.NoError(t, err)
	t.Cleanup(func() { dev.Close() })
	cache := bcache.New(dev, nil)
	alloc := newFakeAllocator(100)
	table := itable.New(cache, alloc)

	require.NoError(t, inode.Create(cache, 1, true))
	h, err := table.Open(1)
	require.NoError(t, err)
	require.NoError(t, Init(h, 1, 1))
	return New(h), &testFixture{cache: cache, table: table}
}

func mkchild(t *testing.T, fx *testFixture, sector uint32, isDir bool) {
	t.Helper()
	require.NoError(t, inode.Create(fx.cache, sector, isDir))
}

func TestInitCreatesDotAndDotDot(t *testing.T) {
	d, _ := newTestRoot(t)
	s, ok, err := d.Lookup(".")
	require.NoError(t, err)
	require.True(t, ok)
	require.EqualValues(t, 1, s)

	s, ok, err = d.Lookup("..")
	require.NoError(t, err)
	require.True(t, ok)
	require.EqualValues(t, 1, s)
}

func TestReaddirSkipsDotEntries(t *testing.T) {
	d, fx := newTestRoot(t)
	mkchild(t, fx, 50, false)
	require.NoError(t, d.Add("foo.txt", 50))

	name, ok, err := d.Readdir()
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "foo.txt", name)

	_, ok, err = d.Readdir()
	require.NoError(t, err)
	require.False(t, ok)
}

func TestAddLookupRemoveRoundTrip(t *testing.T) {
	d, fx := newTestRoot(t)
	mkchild(t, fx, 50, false)

	require.NoError(t, d.Add("a.txt", 50))
	s, ok, err := d.Lookup("a.txt")
	require.NoError(t, err)
	require.True(t, ok)
	require.EqualValues(t, 50, s)

	removedSector, err := d.Remove("a.txt", fx.table)
	require.NoError(t, err)
	require.EqualValues(t, 50, removedSector)

	_, ok, err = d.Lookup("a.txt")
	require.NoError(t, err)
	require.False(t, ok)
}

func TestAddRejectsDuplicateAndOverlongNames(t *testing.T) {
	d, fx := newTestRoot(t)
	mkchild(t, fx, 50, false)
	require.NoError(t, d.Add("dup", 50))
	require.ErrorIs(t, d.Add("dup", 50), ErrExists)

	longName := "this-name-is-way-too-long-for-a-slot"
	require.ErrorIs(t, d.Add(longName, 50), ErrNameTooLong)
}

func TestAddRejectsEmptyName(t *testing.T) {
	d, _ := newTestRoot(t)
	require.ErrorIs(t, d.Add("", 50), ErrInvalidName)
}

func TestRemoveRejectsDotEntries(t *testing.T) {
	d, fx := newTestRoot(t)
	_, err := d.Remove(".", fx.table)
	require.ErrorIs(t, err, ErrInvalidName)
	_, err = d.Remove("..", fx.table)
	require.ErrorIs(t, err, ErrInvalidName)
}

func TestRemoveOfMissingNameFails(t *testing.T) {
	d, fx := newTestRoot(t)
	_, err := d.Remove("nope", fx.table)
	require.ErrorIs(t, err, ErrNotFound)
}

func TestAddReusesFreedSlotBeforeExtending(t *testing.T) {
	d, fx := newTestRoot(t)
	mkchild(t, fx, 50, false)
	mkchild(t, fx, 51, false)

	require.NoError(t, d.Add("a", 50))
	lenBefore, err := d.h.Length()
	require.NoError(t, err)

	_, err = d.Remove("a", fx.table)
	require.NoError(t, err)

	require.NoError(t, d.Add("b", 51))
	lenAfter, err := d.h.Length()
	require.NoError(t, err)

	require.Equal(t, lenBefore, lenAfter, "Add must reuse the freed slot from \"a\" rather than growing the directory file")
}

func TestIsEmptyReflectsOnlyRealEntries(t *testing.T) {
	d, fx := newTestRoot(t)
	empty, err := d.IsEmpty()
	require.NoError(t, err)
	require.True(t, empty, "a freshly initialized directory with only . and .. is empty")

	mkchild(t, fx, 50, false)
	require.NoError(t, d.Add("x", 50))
	empty, err = d.IsEmpty()
	require.NoError(t, err)
	require.False(t, empty)

	_, err = d.Remove("x", fx.table)
	require.NoError(t, err)
	empty, err = d.IsEmpty()
	require.NoError(t, err)
	require.True(t, empty)
}

func TestRewindReaddirRestartsIteration(t *testing.T) {
	d, fx := newTestRoot(t)
	mkchild(t, fx, 50, false)
	require.NoError(t, d.Add("one", 50))

	_, ok, err := d.Readdir()
	require.NoError(t, err)
	require.True(t, ok)
	_, ok, err = d.Readdir()
	require.NoError(t, err)
	require.False(t, ok)

	d.RewindReaddir()
	name, ok, err := d.Readdir()
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "one", name)
}
