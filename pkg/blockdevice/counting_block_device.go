package blockdevice

import (
	"sync/atomic"
)

// CountingBlockDevice is a decorator for BlockDevice that counts the
// number of sector reads and writes that reach the device. The counts
// make the I/O behavior of the buffer cache observable: a blind write
// must not cause a device read, and write coalescing must keep the
// device write count far below the number of cache writes.
type CountingBlockDevice struct {
	BlockDevice
	reads  atomic.Uint64
	writes atomic.Uint64
}

// NewCountingBlockDevice creates a decorator for BlockDevice that
// keeps read and write counters.
func NewCountingBlockDevice(base BlockDevice) *CountingBlockDevice {
	return &CountingBlockDevice{BlockDevice: base}
}

func (bd *CountingBlockDevice) ReadSector(sector uint32, p []byte) error {
	bd.reads.Add(1)
	return bd.BlockDevice.ReadSector(sector, p)
}

func (bd *CountingBlockDevice) WriteSector(sector uint32, p []byte) error {
	bd.writes.Add(1)
	return bd.BlockDevice.WriteSector(sector, p)
}

// ReadCount returns the number of sector reads performed so far.
func (bd *CountingBlockDevice) ReadCount() uint64 {
	return bd.reads.Load()
}

// WriteCount returns the number of sector writes performed so far.
func (bd *CountingBlockDevice) WriteCount() uint64 {
	return bd.writes.Load()
}
