package blockdevice

import (
	"os"

	"github.com/ncw/directio"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

type fileBackedBlockDevice struct {
	file        *os.File
	sectorCount uint32
	aligned     []byte
}

// NewFileBackedBlockDevice creates a BlockDevice on top of a disk
// image stored in a regular file. The file is opened with O_DIRECT, so
// that transfers bypass the host's page cache and the write-back
// behavior of the buffer cache on top remains observable. Because
// O_DIRECT requires aligned buffers, transfers are staged through a
// single aligned block, making this device safe for one caller at a
// time. The buffer cache serializes device access, which satisfies
// this.
func NewFileBackedBlockDevice(path string, sectorCount uint32) (BlockDevice, error) {
	file, err := directio.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		return nil, status.Errorf(codes.Internal, "Failed to open disk image %#v: %s", path, err)
	}
	info, err := file.Stat()
	if err != nil {
		file.Close()
		return nil, status.Errorf(codes.Internal, "Failed to stat disk image %#v: %s", path, err)
	}
	if minimum := int64(sectorCount) * SectorSize; info.Size() < minimum {
		file.Close()
		return nil, status.Errorf(codes.InvalidArgument, "Disk image %#v is %d bytes in size, while %d sectors require %d bytes", path, info.Size(), sectorCount, minimum)
	}
	return &fileBackedBlockDevice{
		file:        file,
		sectorCount: sectorCount,
		aligned:     directio.AlignedBlock(directio.BlockSize),
	}, nil
}

func (bd *fileBackedBlockDevice) blockOffset(sector uint32, p []byte) (int64, int64, error) {
	if len(p) != SectorSize {
		return 0, 0, status.Errorf(codes.InvalidArgument, "Buffer is %d bytes in size, while a sector holds %d bytes", len(p), SectorSize)
	}
	if sector >= bd.sectorCount {
		return 0, 0, status.Errorf(codes.InvalidArgument, "Sector %d lies beyond the end of a %d sector device", sector, bd.sectorCount)
	}
	// O_DIRECT transfers must be BlockSize aligned, which is
	// generally larger than a sector. Compute the device offset of
	// the containing block and the sector's offset within it.
	byteOffset := int64(sector) * SectorSize
	blockOffset := byteOffset &^ int64(directio.BlockSize-1)
	return blockOffset, byteOffset - blockOffset, nil
}

func (bd *fileBackedBlockDevice) ReadSector(sector uint32, p []byte) error {
	blockOffset, within, err := bd.blockOffset(sector, p)
	if err != nil {
		return err
	}
	if _, err := bd.file.ReadAt(bd.aligned, blockOffset); err != nil {
		return status.Errorf(codes.Internal, "Failed to read sector %d: %s", sector, err)
	}
	copy(p, bd.aligned[within:])
	return nil
}

func (bd *fileBackedBlockDevice) WriteSector(sector uint32, p []byte) error {
	blockOffset, within, err := bd.blockOffset(sector, p)
	if err != nil {
		return err
	}
	// Read-modify-write of the containing aligned block.
	if _, err := bd.file.ReadAt(bd.aligned, blockOffset); err != nil {
		return status.Errorf(codes.Internal, "Failed to read sector %d prior to writing: %s", sector, err)
	}
	copy(bd.aligned[within:], p)
	if _, err := bd.file.WriteAt(bd.aligned, blockOffset); err != nil {
		return status.Errorf(codes.Internal, "Failed to write sector %d: %s", sector, err)
	}
	return nil
}

func (bd *fileBackedBlockDevice) SectorCount() uint32 {
	return bd.sectorCount
}

func (bd *fileBackedBlockDevice) Sync() error {
	if err := bd.file.Sync(); err != nil {
		return status.Errorf(codes.Internal, "Failed to synchronize disk image: %s", err)
	}
	return nil
}
