//go:build linux || darwin

package blockdevice

import (
	"os"

	"golang.org/x/sys/unix"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

type memoryMappedBlockDevice struct {
	fd          int
	data        []byte
	sectorCount uint32
}

// NewMemoryMappedBlockDevice creates a BlockDevice on top of a disk
// image by mapping it into the address space. Sector transfers become
// plain memory copies, with the kernel paging data in and out on
// demand. Sync() forces dirty pages back to the image with msync().
func NewMemoryMappedBlockDevice(path string, sectorCount uint32) (BlockDevice, error) {
	fd, err := unix.Open(path, os.O_RDWR, 0)
	if err != nil {
		return nil, status.Errorf(codes.Internal, "Failed to open disk image %#v: %s", path, err)
	}
	sizeBytes := int(sectorCount) * SectorSize
	data, err := unix.Mmap(fd, 0, sizeBytes, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		unix.Close(fd)
		return nil, status.Errorf(codes.Internal, "Failed to map disk image %#v: %s", path, err)
	}
	return &memoryMappedBlockDevice{
		fd:          fd,
		data:        data,
		sectorCount: sectorCount,
	}, nil
}

func (bd *memoryMappedBlockDevice) checkBounds(sector uint32, p []byte) error {
	if len(p) != SectorSize {
		return status.Errorf(codes.InvalidArgument, "Buffer is %d bytes in size, while a sector holds %d bytes", len(p), SectorSize)
	}
	if sector >= bd.sectorCount {
		return status.Errorf(codes.InvalidArgument, "Sector %d lies beyond the end of a %d sector device", sector, bd.sectorCount)
	}
	return nil
}

func (bd *memoryMappedBlockDevice) ReadSector(sector uint32, p []byte) error {
	if err := bd.checkBounds(sector, p); err != nil {
		return err
	}
	copy(p, bd.data[int64(sector)*SectorSize:])
	return nil
}

func (bd *memoryMappedBlockDevice) WriteSector(sector uint32, p []byte) error {
	if err := bd.checkBounds(sector, p); err != nil {
		return err
	}
	copy(bd.data[int64(sector)*SectorSize:], p)
	return nil
}

func (bd *memoryMappedBlockDevice) SectorCount() uint32 {
	return bd.sectorCount
}

func (bd *memoryMappedBlockDevice) Sync() error {
	if err := unix.Msync(bd.data, unix.MS_SYNC); err != nil {
		return status.Errorf(codes.Internal, "Failed to synchronize disk image: %s", err)
	}
	return nil
}
