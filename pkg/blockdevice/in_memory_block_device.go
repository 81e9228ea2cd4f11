package blockdevice

import (
	"sync"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

type inMemoryBlockDevice struct {
	lock sync.Mutex
	data []byte
}

// NewInMemoryBlockDevice creates a BlockDevice that is backed by a
// plain byte slice. Contents are lost when the device is discarded,
// which makes this implementation only suitable for tests and for
// benchmarking the layers above it.
func NewInMemoryBlockDevice(sectorCount uint32) BlockDevice {
	return &inMemoryBlockDevice{
		data: make([]byte, int64(sectorCount)*SectorSize),
	}
}

func (bd *inMemoryBlockDevice) checkBounds(sector uint32, p []byte) error {
	if len(p) != SectorSize {
		return status.Errorf(codes.InvalidArgument, "Buffer is %d bytes in size, while a sector holds %d bytes", len(p), SectorSize)
	}
	if int64(sector)*SectorSize >= int64(len(bd.data)) {
		return status.Errorf(codes.InvalidArgument, "Sector %d lies beyond the end of a %d sector device", sector, len(bd.data)/SectorSize)
	}
	return nil
}

func (bd *inMemoryBlockDevice) ReadSector(sector uint32, p []byte) error {
	bd.lock.Lock()
	defer bd.lock.Unlock()

	if err := bd.checkBounds(sector, p); err != nil {
		return err
	}
	copy(p, bd.data[int64(sector)*SectorSize:])
	return nil
}

func (bd *inMemoryBlockDevice) WriteSector(sector uint32, p []byte) error {
	bd.lock.Lock()
	defer bd.lock.Unlock()

	if err := bd.checkBounds(sector, p); err != nil {
		return err
	}
	copy(bd.data[int64(sector)*SectorSize:], p)
	return nil
}

func (bd *inMemoryBlockDevice) SectorCount() uint32 {
	return uint32(int64(len(bd.data)) / SectorSize)
}

func (bd *inMemoryBlockDevice) Sync() error {
	return nil
}
