package descriptor_test

import (
	"bytes"
	"math/rand"
	"testing"

	"github.com/slate-os/slate-filesystem/pkg/blockdevice"
	"github.com/slate-os/slate-filesystem/pkg/descriptor"
	"github.com/slate-os/slate-filesystem/pkg/filesys"
	"github.com/stretchr/testify/require"
)

func newTestTable(t *testing.T, sectorCount uint32) (*descriptor.Table, *blockdevice.CountingBlockDevice) {
	device := blockdevice.NewCountingBlockDevice(blockdevice.NewInMemoryBlockDevice(sectorCount))
	require.NoError(t, filesys.Format(device))
	fileSystem, err := filesys.Mount(device)
	require.NoError(t, err)
	return descriptor.NewTable(fileSystem), device
}

func TestTableDescriptorLifecycle(t *testing.T) {
	table, _ := newTestTable(t, 4096)

	require.True(t, table.Create("/f", 100))
	fd := table.Open("/f")
	require.GreaterOrEqual(t, fd, 2)

	require.Equal(t, int64(100), table.Filesize(fd))
	require.False(t, table.Isdir(fd))
	require.Greater(t, table.Inumber(fd), int64(0))

	// Unknown descriptors report failure in-band.
	require.Equal(t, descriptor.InvalidDescriptor, table.Open("/missing"))
	require.Equal(t, int64(descriptor.InvalidDescriptor), table.Filesize(fd+1))
	require.Equal(t, descriptor.InvalidDescriptor, table.Read(fd+1, make([]byte, 1)))
	require.Equal(t, descriptor.InvalidDescriptor, table.Write(fd+1, make([]byte, 1)))

	table.Close(fd)
	require.Equal(t, int64(descriptor.InvalidDescriptor), table.Filesize(fd))
}

func TestTableDistinctDescriptors(t *testing.T) {
	table, _ := newTestTable(t, 4096)

	require.True(t, table.Create("/f", 0))
	fd1 := table.Open("/f")
	fd2 := table.Open("/f")
	require.NotEqual(t, fd1, fd2)

	// Positions are per descriptor; contents are shared.
	require.Equal(t, 4, table.Write(fd1, []byte("abcd")))
	var buf [4]byte
	require.Equal(t, 4, table.Read(fd2, buf[:]))
	require.Equal(t, []byte("abcd"), buf[:])
	require.Equal(t, int64(4), table.Tell(fd1))
	require.Equal(t, int64(4), table.Tell(fd2))

	table.CloseAll()
	require.Equal(t, int64(descriptor.InvalidDescriptor), table.Tell(fd1))
}

func TestTableSeekPastEndOfFile(t *testing.T) {
	table, _ := newTestTable(t, 4096)

	require.True(t, table.Create("/f", 10))
	fd := table.Open("/f")

	table.Seek(fd, 1000)
	require.Equal(t, int64(1000), table.Tell(fd))
	require.Equal(t, 0, table.Read(fd, make([]byte, 8)))

	// A write at the far position extends the file.
	require.Equal(t, 3, table.Write(fd, []byte("end")))
	require.Equal(t, int64(1003), table.Filesize(fd))
}

func TestTableMkdirAndIsdir(t *testing.T) {
	table, _ := newTestTable(t, 4096)

	require.True(t, table.Mkdir("/sub"))
	require.True(t, table.Create("/sub/f", 0))
	fd := table.Open("/sub/")
	require.True(t, table.Isdir(fd))
	require.False(t, table.Mkdir("/sub"))
	require.True(t, table.Remove("/sub/f"))
	require.True(t, table.Remove("/sub"))
	require.False(t, table.Remove("/sub"))
}

func TestTableWriteCoalescing(t *testing.T) {
	// Write a 64 KiB file one byte at a time. With write-back
	// caching, nearly every access is a cache hit: the number of
	// slow-path accesses stays far below the byte count.
	table, _ := newTestTable(t, 4096)

	require.True(t, table.Create("/wearer", 0))
	fd := table.Open("/wearer")
	table.ResetStatistics()

	const fileSize = 64 * 1024
	for i := 0; i < fileSize; i++ {
		require.Equal(t, 1, table.Write(fd, []byte{byte(i)}))
	}
	require.Equal(t, int64(fileSize), table.Filesize(fd))
	require.Less(t, table.AccessCount()-table.HitCount(), uint64(1024))
}

func TestTableSequentialRereadIsWarmer(t *testing.T) {
	// Read a file that fits in the cache twice; the second pass
	// must show a strictly higher hit rate.
	table, _ := newTestTable(t, 4096)

	require.True(t, table.Create("/warm", 0))
	fd := table.Open("/warm")
	payload := make([]byte, 16*blockdevice.SectorSize)
	rand.New(rand.NewSource(3)).Read(payload)
	require.Equal(t, len(payload), table.Write(fd, payload))

	table.InvalidateCache()
	buf := make([]byte, 4096)
	table.Seek(fd, 0)
	for table.Read(fd, buf) > 0 {
	}
	coldHits, coldAccesses := table.HitCount(), table.AccessCount()

	table.Seek(fd, 0)
	for table.Read(fd, buf) > 0 {
	}
	warmHits := table.HitCount() - coldHits
	warmAccesses := table.AccessCount() - coldAccesses
	require.Greater(t,
		float64(warmHits)/float64(warmAccesses),
		float64(coldHits)/float64(coldAccesses))
}

func TestTableFullSectorWritesSkipDeviceReads(t *testing.T) {
	// A file written exclusively through full-sector writes must
	// be installable without faulting old contents in: reading it
	// back after a cache invalidation costs barely more device
	// reads than the data itself.
	table, device := newTestTable(t, 4096)

	require.True(t, table.Create("/blind", 0))
	fd := table.Open("/blind")
	payload := make([]byte, blockdevice.SectorSize)
	readsBefore := device.ReadCount()
	for i := 0; i < 32; i++ {
		require.Equal(t, len(payload), table.Write(fd, payload))
	}
	// Data sectors were zero-filled and overwritten blind; only
	// inode and indirect table maintenance may read.
	require.LessOrEqual(t, device.ReadCount()-readsBefore, uint64(2))

	table.InvalidateCache()
	readsBefore = device.ReadCount()
	table.Seek(fd, 0)
	buf := make([]byte, blockdevice.SectorSize)
	for table.Read(fd, buf) > 0 {
	}
	require.LessOrEqual(t, device.ReadCount()-readsBefore, uint64(32+10))
}

func TestTableRoundTripRandomized(t *testing.T) {
	table, _ := newTestTable(t, 16384)

	require.True(t, table.Create("/rt", 0))
	fd := table.Open("/rt")

	rng := rand.New(rand.NewSource(11))
	payload := make([]byte, 200*1000)
	rng.Read(payload)

	written := 0
	for written < len(payload) {
		n := table.Write(fd, payload[written:min(written+1000, len(payload))])
		require.Greater(t, n, 0)
		written += n
	}

	table.Seek(fd, 0)
	readBack := make([]byte, 0, len(payload))
	buf := make([]byte, 777)
	for {
		n := table.Read(fd, buf)
		require.GreaterOrEqual(t, n, 0)
		if n == 0 {
			break
		}
		readBack = append(readBack, buf[:n]...)
	}
	require.True(t, bytes.Equal(payload, readBack))
}
