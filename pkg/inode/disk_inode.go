package inode

import (
	"encoding/binary"
	"fmt"

	"github.com/slate-os/slate-filesystem/pkg/blockdevice"
)

const (
	// NumDirect is the number of direct data sector pointers held
	// in the on-disk inode record itself.
	NumDirect = 123
	// PointersPerBlock is the number of sector pointers held by a
	// single indirect sector.
	PointersPerBlock = blockdevice.SectorSize / 4

	maxFileSectors = NumDirect + PointersPerBlock + PointersPerBlock*PointersPerBlock
	// MaxFileSize is the largest length in bytes the three-tier
	// sector map can address.
	MaxFileSize = int64(maxFileSectors) * blockdevice.SectorSize

	diskInodeMagic = 0x494E4F44

	// Byte offsets of the record fields. The field order is
	// observable on disk and preserved across implementations.
	lengthOffset         = 0
	isDirOffset          = 4
	directOffset         = 8
	singleIndirectOffset = directOffset + 4*NumDirect
	doublyIndirectOffset = singleIndirectOffset + 4
	magicOffset          = doublyIndirectOffset + 4
)

// The record plus its magic must fill a sector exactly.
var _ = [1]struct{}{}[magicOffset+4-blockdevice.SectorSize]

// diskInode is the in-memory form of the one-sector on-disk inode
// record. Pointer words holding zero are unallocated; sector 0 always
// belongs to the free map's reserved region, so the value can never
// name real data.
type diskInode struct {
	length         int32
	isDir          bool
	direct         [NumDirect]uint32
	singleIndirect uint32
	doublyIndirect uint32
}

func (d *diskInode) marshal(p *[blockdevice.SectorSize]byte) {
	binary.LittleEndian.PutUint32(p[lengthOffset:], uint32(d.length))
	isDir := uint32(0)
	if d.isDir {
		isDir = 1
	}
	binary.LittleEndian.PutUint32(p[isDirOffset:], isDir)
	for i, sector := range d.direct {
		binary.LittleEndian.PutUint32(p[directOffset+4*i:], sector)
	}
	binary.LittleEndian.PutUint32(p[singleIndirectOffset:], d.singleIndirect)
	binary.LittleEndian.PutUint32(p[doublyIndirectOffset:], d.doublyIndirect)
	binary.LittleEndian.PutUint32(p[magicOffset:], diskInodeMagic)
}

func (d *diskInode) unmarshal(sector uint32, p *[blockdevice.SectorSize]byte) {
	if magic := binary.LittleEndian.Uint32(p[magicOffset:]); magic != diskInodeMagic {
		panic(fmt.Sprintf("Inode record in sector %d has magic %#08x, expected %#08x; the file system is corrupted", sector, magic, uint32(diskInodeMagic)))
	}
	d.length = int32(binary.LittleEndian.Uint32(p[lengthOffset:]))
	d.isDir = binary.LittleEndian.Uint32(p[isDirOffset:]) != 0
	for i := range d.direct {
		d.direct[i] = binary.LittleEndian.Uint32(p[directOffset+4*i:])
	}
	d.singleIndirect = binary.LittleEndian.Uint32(p[singleIndirectOffset:])
	d.doublyIndirect = binary.LittleEndian.Uint32(p[doublyIndirectOffset:])
}

// indirectBlock is the contents of a single- or second-level indirect
// sector: an array of sector pointers.
type indirectBlock [PointersPerBlock]uint32

func (b *indirectBlock) marshal(p *[blockdevice.SectorSize]byte) {
	for i, sector := range b {
		binary.LittleEndian.PutUint32(p[4*i:], sector)
	}
}

func (b *indirectBlock) unmarshal(p *[blockdevice.SectorSize]byte) {
	for i := range b {
		b[i] = binary.LittleEndian.Uint32(p[4*i:])
	}
}

func sectorsForLength(length int64) int {
	return int((length + blockdevice.SectorSize - 1) / blockdevice.SectorSize)
}
