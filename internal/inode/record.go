// Package inode implements the on-disk inode record and the inode I/O
// engine: a fixed-512-byte record with a 123-entry direct block map plus
// one indirect and one doubly-indirect pointer, and the
// read-at/write-at/resize operations over it.
//
// Every field access goes through the buffer cache; no Record is ever
// cached in memory across calls.
package inode

import (
	"encoding/binary"
	"fmt"

	"github.com/wicos64/wicosfs/internal/bcache"
)

// DirectCount is the number of direct block pointers in an inode record.
const DirectCount = 123

const (
	blockSize        = 512 // == blockdev.SectorSize; duplicated to avoid an import cycle on blockdev from inode's test helpers
	ptrsPerIndirect  = blockSize / 4 // 128
	magic     uint32 = 0x494e4f44    // "INOD"

	recordSize = 4 /*magic*/ + 4 /*length*/ + 4 /*isDir*/ + 4 /*indirect*/ + 4 /*doublyIndirect*/ + DirectCount*4
)

// MaxFileSize is the largest byte length an inode can represent: (123 + 128
// + 128*128) data sectors, each 512 bytes.
const MaxFileSize = int64(DirectCount+ptrsPerIndirect+ptrsPerIndirect*ptrsPerIndirect) * blockSize

func init() {
	if recordSize != blockSize {
		panic(fmt.Sprintf("inode: record layout is %d bytes, want %d", recordSize, blockSize))
	}
}

// Record is the in-memory decoded form of one on-disk inode sector.
type Record struct {
	Length         int32
	IsDir          bool
	Direct         [DirectCount]uint32
	Indirect       uint32
	DoublyIndirect uint32
}

// NoSector is the "hole / unallocated" sentinel used throughout the block
// map.
const NoSector uint32 = 0

// ErrBadMagic indicates a sector that does not look like a valid inode
// record: an internal assertion failure rather than a recoverable
// runtime condition.
var ErrBadMagic = fmt.Errorf("inode: bad magic")

// marshal encodes r into exactly blockSize bytes.
func (r *Record) marshal() []byte {
	buf := make([]byte, blockSize)
	binary.LittleEndian.PutUint32(buf[0:4], magic)
	binary.LittleEndian.PutUint32(buf[4:8], uint32(r.Length))
	isDir := uint32(0)
	if r.IsDir {
		isDir = 1
	}
	binary.LittleEndian.PutUint32(buf[8:12], isDir)
	binary.LittleEndian.PutUint32(buf[12:16], r.Indirect)
	binary.LittleEndian.PutUint32(buf[16:20], r.DoublyIndirect)
	off := 20
	for i := 0; i < DirectCount; i++ {
		binary.LittleEndian.PutUint32(buf[off:off+4], r.Direct[i])
		off += 4
	}
	return buf
}

// unmarshal decodes buf (exactly blockSize bytes) into r, verifying the
// magic constant.
func (r *Record) unmarshal(buf []byte) error {
	if len(buf) != blockSize {
		return fmt.Errorf("inode: record buffer must be %d bytes, got %d", blockSize, len(buf))
	}
	if got := binary.LittleEndian.Uint32(buf[0:4]); got != magic {
		return fmt.Errorf("%w: got 0x%08x want 0x%08x", ErrBadMagic, got, magic)
	}
	r.Length = int32(binary.LittleEndian.Uint32(buf[4:8]))
	r.IsDir = binary.LittleEndian.Uint32(buf[8:12]) != 0
	r.Indirect = binary.LittleEndian.Uint32(buf[12:16])
	r.DoublyIndirect = binary.LittleEndian.Uint32(buf[16:20])
	off := 20
	for i := 0; i < DirectCount; i++ {
		r.Direct[i] = binary.LittleEndian.Uint32(buf[off : off+4])
		off += 4
	}
	return nil
}

// ReadRecord loads the inode record at sector through the buffer cache.
func ReadRecord(cache *bcache.Cache, sector uint32) (*Record, error) {
	e, err := cache.Acquire(sector, false)
	if err != nil {
		return nil, err
	}
	defer cache.Release(e)
	r := &Record{}
	if err := r.unmarshal(e.Block()); err != nil {
		return nil, err
	}
	return r, nil
}

// WriteRecord persists r to sector through the buffer cache.
func WriteRecord(cache *bcache.Cache, sector uint32, r *Record) error {
	e, err := cache.Acquire(sector, true)
	if err != nil {
		return err
	}
	defer cache.Release(e)
	copy(e.Block(), r.marshal())
	return nil
}

// InitRecord formats a brand-new, empty (length 0) inode record.
func InitRecord(isDir bool) *Record {
	return &Record{IsDir: isDir}
}
