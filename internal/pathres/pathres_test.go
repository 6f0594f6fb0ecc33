package pathres

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/wicos64/wicosfs/internal/bcache"
	"github.com/wicos64/wicosfs/internal/blockdev"
	"github.com/wicos64/wicosfs/internal/directory"
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

// fixture builds a small tree:
//
//	/ (sector 1, root, self-parented)
//	  a/ (sector 10)
//	    b.txt (sector 11, a plain file)
//	  c.txt (sector 12, a plain file)
type fixture struct {
	table *itable.Table
}

func newFixture(t *testing.T) *fixture {
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
	rootH, err := table.Open(1)
	require.NoError(t, err)
	require.NoError(t, directory.Init(rootH, 1, 1))
	rootDir := directory.New(rootH)

	require.NoError(t, inode.Create(cache, 10, true))
	aH, err := table.Open(10)
	require.NoError(t, err)
	require.NoError(t, directory.Init(aH, 10, 1))
	aDir := directory.New(aH)
	require.NoError(t, rootDir.Add("a", 10))

	require.NoError(t, inode.Create(cache, 11, false))
	require.NoError(t, aDir.Add("b.txt", 11))

	require.NoError(t, inode.Create(cache, 12, false))
	require.NoError(t, rootDir.Add("c.txt", 12))

	require.NoError(t, table.Close(aH))
	require.NoError(t, table.Close(rootH))

	return &fixture{table: table}
}

func TestSplit(t *testing.T) {
	cases := []struct {
		raw        string
		absolute   bool
		components []string
	}{
		{"/", true, nil},
		{"", false, nil},
		{"a/b", false, []string{"a", "b"}},
		{"/a/b", true, []string{"a", "b"}},
		{"a//b/", false, []string{"a", "b"}},
		{"..", false, []string{".."}},
	}
	for _, c := range cases {
		absolute, components := Split(c.raw)
		require.Equal(t, c.absolute, absolute, "raw=%q", c.raw)
		require.Equal(t, c.components, components, "raw=%q", c.raw)
	}
}

func TestResolveFullAbsolutePath(t *testing.T) {
	fx := newFixture(t)
	r := New(fx.table, 1)

	h, err := r.ResolveFull("/a/b.txt", 1)
	require.NoError(t, err)
	defer fx.table.Close(h)
	require.EqualValues(t, 11, h.Sector())
}

func TestResolveFullRelativePath(t *testing.T) {
	fx := newFixture(t)
	r := New(fx.table, 1)

	h, err := r.ResolveFull("c.txt", 1)
	require.NoError(t, err)
	defer fx.table.Close(h)
	require.EqualValues(t, 12, h.Sector())
}

func TestResolveFullRoot(t *testing.T) {
	fx := newFixture(t)
	r := New(fx.table, 1)

	h, err := r.ResolveFull("/", 1)
	require.NoError(t, err)
	defer fx.table.Close(h)
	require.EqualValues(t, 1, h.Sector())
}

func TestResolveFullDotDot(t *testing.T) {
	fx := newFixture(t)
	r := New(fx.table, 1)

	h, err := r.ResolveFull("/a/..", 1)
	require.NoError(t, err)
	defer fx.table.Close(h)
	require.EqualValues(t, 1, h.Sector(), "a's .. entry must resolve back to root")
}

func TestResolveFullNotFound(t *testing.T) {
	fx := newFixture(t)
	r := New(fx.table, 1)

	_, err := r.ResolveFull("/does-not-exist", 1)
	require.ErrorIs(t, err, ErrNotFound)
}

func TestResolveFullThroughNonDirectoryFails(t *testing.T) {
	fx := newFixture(t)
	r := New(fx.table, 1)

	_, err := r.ResolveFull("/c.txt/nope", 1)
	require.ErrorIs(t, err, ErrNotADirectory)
}

func TestResolveFullNameTooLong(t *testing.T) {
	fx := newFixture(t)
	r := New(fx.table, 1)

	longName := "012345678901234567890123456789"
	_, err := r.ResolveFull("/"+longName, 1)
	require.ErrorIs(t, err, ErrNameTooLong)
}

func TestResolveParentSplitsFinalComponent(t *testing.T) {
	fx := newFixture(t)
	r := New(fx.table, 1)

	dir, h, name, err := r.ResolveParent("/a/newfile.txt", 1)
	require.NoError(t, err)
	defer fx.table.Close(h)
	require.Equal(t, "newfile.txt", name)
	require.EqualValues(t, 10, h.Sector())

	_, found, err := dir.Lookup("b.txt")
	require.NoError(t, err)
	require.True(t, found, "the returned parent dir must be the real 'a' directory")
}

func TestResolveParentOfRootFails(t *testing.T) {
	fx := newFixture(t)
	r := New(fx.table, 1)

	_, _, _, err := r.ResolveParent("/", 1)
	require.ErrorIs(t, err, ErrTrailingMissing)
}

func TestResolveParentRelativeUsesCwd(t *testing.T) {
	fx := newFixture(t)
	r := New(fx.table, 1)

	cwdH, err := fx.table.Open(10)
	require.NoError(t, err)
	defer fx.table.Close(cwdH)

	dir, h, name, err := r.ResolveParent("x.txt", 10)
	require.NoError(t, err)
	defer fx.table.Close(h)
	require.Equal(t, "x.txt", name)
	require.EqualValues(t, 10, h.Sector())
	_, found, err := dir.Lookup("b.txt")
	require.NoError(t, err)
	require.True(t, found)
}
