package buffercache_test

import (
	"sync"
	"testing"

	"github.com/slate-os/slate-filesystem/internal/mock"
	"github.com/slate-os/slate-filesystem/pkg/blockdevice"
	"github.com/slate-os/slate-filesystem/pkg/buffercache"
	"github.com/stretchr/testify/require"

	"go.uber.org/mock/gomock"
)

func TestBufferCacheBlindWrite(t *testing.T) {
	ctrl := gomock.NewController(t)

	// A full-sector write must install the sector without reading
	// the previous contents from the device.
	device := mock.NewMockBlockDevice(ctrl)
	cache := buffercache.New(device, 4)

	var payload [blockdevice.SectorSize]byte
	for i := range payload {
		payload[i] = byte(i)
	}
	cache.Write(17, payload[:], 0)

	device.EXPECT().WriteSector(uint32(17), payload[:]).Return(nil)
	cache.Flush()

	require.Equal(t, uint64(1), cache.AccessCount())
	require.Equal(t, uint64(0), cache.HitCount())
}

func TestBufferCachePartialWriteReadsAround(t *testing.T) {
	ctrl := gomock.NewController(t)

	// A sub-sector write needs the rest of the sector, so the old
	// contents must be faulted in first.
	device := mock.NewMockBlockDevice(ctrl)
	cache := buffercache.New(device, 4)

	device.EXPECT().ReadSector(uint32(5), gomock.Len(blockdevice.SectorSize)).
		DoAndReturn(func(sector uint32, p []byte) error {
			for i := range p {
				p[i] = 0xAA
			}
			return nil
		})
	cache.Write(5, []byte{1, 2, 3}, 100)

	var expected [blockdevice.SectorSize]byte
	for i := range expected {
		expected[i] = 0xAA
	}
	copy(expected[100:], []byte{1, 2, 3})
	device.EXPECT().WriteSector(uint32(5), expected[:]).Return(nil)
	cache.Flush()
}

func TestBufferCacheHitCounting(t *testing.T) {
	ctrl := gomock.NewController(t)

	device := mock.NewMockBlockDevice(ctrl)
	cache := buffercache.New(device, 4)

	device.EXPECT().ReadSector(uint32(3), gomock.Len(blockdevice.SectorSize)).
		DoAndReturn(func(sector uint32, p []byte) error {
			for i := range p {
				p[i] = 7
			}
			return nil
		})

	// First read misses and faults the sector in; the second is a
	// pure hit.
	var buf [16]byte
	cache.Read(3, buf[:], 0)
	require.Equal(t, byte(7), buf[0])
	cache.Read(3, buf[:], 32)

	require.Equal(t, uint64(2), cache.AccessCount())
	require.Equal(t, uint64(1), cache.HitCount())

	cache.ResetStatistics()
	require.Equal(t, uint64(0), cache.AccessCount())
	require.Equal(t, uint64(0), cache.HitCount())
}

func TestBufferCacheWriteCoalescing(t *testing.T) {
	// Writing a sector one byte at a time must cost at most one
	// device read and, after a flush, one device write.
	device := blockdevice.NewCountingBlockDevice(blockdevice.NewInMemoryBlockDevice(64))
	cache := buffercache.New(device, 8)

	for i := 0; i < blockdevice.SectorSize; i++ {
		cache.Write(9, []byte{byte(i)}, i)
	}
	cache.Flush()

	require.LessOrEqual(t, device.ReadCount(), uint64(1))
	require.Equal(t, uint64(1), device.WriteCount())

	var buf [blockdevice.SectorSize]byte
	cache.Read(9, buf[:], 0)
	for i := range buf {
		require.Equal(t, byte(i), buf[i])
	}
}

func TestBufferCacheEvictionWritesBackDirtyVictim(t *testing.T) {
	device := blockdevice.NewCountingBlockDevice(blockdevice.NewInMemoryBlockDevice(64))
	cache := buffercache.New(device, 2)

	// Fill both slots with dirty sectors, then touch a third. The
	// LRU victim must be cleaned before its slot is reused.
	cache.Write(1, make([]byte, blockdevice.SectorSize), 0)
	cache.Write(2, make([]byte, blockdevice.SectorSize), 0)
	require.Equal(t, uint64(0), device.WriteCount())

	cache.Write(3, make([]byte, blockdevice.SectorSize), 0)
	require.Equal(t, uint64(1), device.WriteCount())

	cache.Flush()
	require.Equal(t, uint64(3), device.WriteCount())
}

func TestBufferCacheLRUPromotionOnHit(t *testing.T) {
	device := blockdevice.NewCountingBlockDevice(blockdevice.NewInMemoryBlockDevice(64))
	cache := buffercache.New(device, 2)

	var buf [1]byte
	cache.Read(1, buf[:], 0)
	cache.Read(2, buf[:], 0)
	// Touch sector 1 so that sector 2 becomes the LRU victim.
	cache.Read(1, buf[:], 0)
	cache.Read(3, buf[:], 0)

	readsBefore := device.ReadCount()
	// Sector 1 must still be resident; sector 2 must have been
	// displaced.
	cache.Read(1, buf[:], 0)
	require.Equal(t, readsBefore, device.ReadCount())
	cache.Read(2, buf[:], 0)
	require.Equal(t, readsBefore+1, device.ReadCount())
}

func TestBufferCacheFlushIsIdempotent(t *testing.T) {
	device := blockdevice.NewCountingBlockDevice(blockdevice.NewInMemoryBlockDevice(64))
	cache := buffercache.New(device, 4)

	cache.Write(1, make([]byte, blockdevice.SectorSize), 0)
	cache.Flush()
	writes := device.WriteCount()
	cache.Flush()
	require.Equal(t, writes, device.WriteCount())
}

func TestBufferCacheInvalidate(t *testing.T) {
	device := blockdevice.NewCountingBlockDevice(blockdevice.NewInMemoryBlockDevice(64))
	cache := buffercache.New(device, 4)

	payload := make([]byte, blockdevice.SectorSize)
	payload[0] = 42
	cache.Write(6, payload, 0)
	cache.Invalidate()

	// Dirty contents must have survived the invalidation.
	require.Equal(t, uint64(1), device.WriteCount())
	require.Equal(t, uint64(0), cache.AccessCount())

	var buf [1]byte
	cache.Read(6, buf[:], 0)
	require.Equal(t, byte(42), buf[0])
	// The read went to the device: the cache was cold.
	require.Equal(t, uint64(1), device.ReadCount())
	require.Equal(t, uint64(0), cache.HitCount())
}

func TestBufferCacheSequentialRereadIsWarmer(t *testing.T) {
	device := blockdevice.NewInMemoryBlockDevice(256)
	cache := buffercache.New(device, 64)

	var buf [blockdevice.SectorSize]byte
	for sector := uint32(0); sector < 32; sector++ {
		cache.Read(sector, buf[:], 0)
	}
	coldHits, coldAccesses := cache.HitCount(), cache.AccessCount()
	for sector := uint32(0); sector < 32; sector++ {
		cache.Read(sector, buf[:], 0)
	}
	warmHits := cache.HitCount() - coldHits
	warmAccesses := cache.AccessCount() - coldAccesses
	require.Greater(t, float64(warmHits)/float64(warmAccesses), float64(coldHits)/float64(coldAccesses))
}

func TestBufferCacheConcurrentAccess(t *testing.T) {
	// Hammer a cache that is much smaller than its working set
	// from more goroutines than it has slots. Every sector holds a
	// repeated tag byte, so torn transfers would be visible.
	device := blockdevice.NewInMemoryBlockDevice(1024)
	cache := buffercache.New(device, 8)

	var group sync.WaitGroup
	for worker := 0; worker < 32; worker++ {
		group.Add(1)
		go func(worker int) {
			defer group.Done()
			payload := make([]byte, blockdevice.SectorSize)
			for round := 0; round < 64; round++ {
				sector := uint32((worker*64 + round) % 512)
				tag := byte(sector)
				for i := range payload {
					payload[i] = tag
				}
				cache.Write(sector, payload, 0)

				var buf [blockdevice.SectorSize]byte
				cache.Read(sector, buf[:], 0)
				for _, b := range buf {
					if b != tag {
						t.Errorf("Sector %d holds tag %d, expected %d", sector, b, tag)
						return
					}
				}
			}
		}(worker)
	}
	group.Wait()

	cache.Flush()
	require.LessOrEqual(t, cache.HitCount(), cache.AccessCount())
}
