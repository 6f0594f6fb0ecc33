package blockdev

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestCreateOpenRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "vol.img")
	require.NoError(t, CreateImage(path, 16))

	dev, err := Open(path, 16)
	require.NoError(t, err)
	defer dev.Close()

	require.EqualValues(t, 16, dev.SectorCount())

	buf := make([]byte, SectorSize)
	require.NoError(t, dev.Read(3, buf))
	for _, b := range buf {
		require.Zero(t, b)
	}
}

func TestWriteReadAndCount(t *testing.T) {
	path := filepath.Join(t.TempDir(), "vol.img")
	require.NoError(t, CreateImage(path, 8))
	dev, err := Open(path, 8)
	require.NoError(t, err)
	defer dev.Close()

	payload := make([]byte, SectorSize)
	for i := range payload {
		payload[i] = byte(i)
	}
	require.NoError(t, dev.Write(2, payload))
	require.EqualValues(t, 1, dev.WriteCount())

	got := make([]byte, SectorSize)
	require.NoError(t, dev.Read(2, got))
	require.Equal(t, payload, got)
}

func TestOutOfRangeSectorRejected(t *testing.T) {
	path := filepath.Join(t.TempDir(), "vol.img")
	require.NoError(t, CreateImage(path, 4))
	dev, err := Open(path, 4)
	require.NoError(t, err)
	defer dev.Close()

	buf := make([]byte, SectorSize)
	require.Error(t, dev.Read(4, buf))
	require.Error(t, dev.Write(100, buf))
}

func TestOpenRejectsWrongSize(t *testing.T) {
	path := filepath.Join(t.TempDir(), "vol.img")
	require.NoError(t, CreateImage(path, 4))
	_, err := Open(path, 8)
	require.Error(t, err)
}

func TestSecondOpenIsLocked(t *testing.T) {
	path := filepath.Join(t.TempDir(), "vol.img")
	require.NoError(t, CreateImage(path, 4))

	dev, err := Open(path, 4)
	require.NoError(t, err)
	defer dev.Close()

	_, err = Open(path, 4)
	require.Error(t, err, "a second concurrent Open of the same image must fail to acquire the exclusive lock")
}
