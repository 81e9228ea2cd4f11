package blockdevice_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/slate-os/slate-filesystem/pkg/blockdevice"
	"github.com/stretchr/testify/require"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

func TestInMemoryBlockDevice(t *testing.T) {
	device := blockdevice.NewInMemoryBlockDevice(16)
	require.Equal(t, uint32(16), device.SectorCount())

	payload := make([]byte, blockdevice.SectorSize)
	for i := range payload {
		payload[i] = byte(i)
	}
	require.NoError(t, device.WriteSector(3, payload))

	buf := make([]byte, blockdevice.SectorSize)
	require.NoError(t, device.ReadSector(3, buf))
	require.Equal(t, payload, buf)

	// Unwritten sectors read back as zeroes.
	require.NoError(t, device.ReadSector(4, buf))
	require.Equal(t, make([]byte, blockdevice.SectorSize), buf)

	require.NoError(t, device.Sync())
}

func TestInMemoryBlockDeviceBounds(t *testing.T) {
	device := blockdevice.NewInMemoryBlockDevice(16)

	buf := make([]byte, blockdevice.SectorSize)
	require.Equal(t, codes.InvalidArgument, status.Code(device.ReadSector(16, buf)))
	require.Equal(t, codes.InvalidArgument, status.Code(device.WriteSector(16, buf)))
	require.Equal(t, codes.InvalidArgument, status.Code(device.ReadSector(0, buf[:100])))
	require.Equal(t, codes.InvalidArgument, status.Code(device.WriteSector(0, make([]byte, blockdevice.SectorSize+1))))
}

func TestCountingBlockDevice(t *testing.T) {
	device := blockdevice.NewCountingBlockDevice(blockdevice.NewInMemoryBlockDevice(16))

	buf := make([]byte, blockdevice.SectorSize)
	require.NoError(t, device.ReadSector(0, buf))
	require.NoError(t, device.ReadSector(1, buf))
	require.NoError(t, device.WriteSector(2, buf))
	require.Equal(t, uint64(2), device.ReadCount())
	require.Equal(t, uint64(1), device.WriteCount())

	// Failed transfers still count: the device was touched.
	require.Error(t, device.ReadSector(99, buf))
	require.Equal(t, uint64(3), device.ReadCount())
}

func TestMemoryMappedBlockDevice(t *testing.T) {
	path := filepath.Join(t.TempDir(), "disk.img")
	require.NoError(t, os.WriteFile(path, make([]byte, 16*blockdevice.SectorSize), 0o666))

	device, err := blockdevice.NewMemoryMappedBlockDevice(path, 16)
	require.NoError(t, err)

	payload := make([]byte, blockdevice.SectorSize)
	for i := range payload {
		payload[i] = 0x42
	}
	require.NoError(t, device.WriteSector(7, payload))
	require.NoError(t, device.Sync())

	buf := make([]byte, blockdevice.SectorSize)
	require.NoError(t, device.ReadSector(7, buf))
	require.Equal(t, payload, buf)

	// The write must have reached the backing image.
	image, err := os.ReadFile(path)
	require.NoError(t, err)
	require.Equal(t, payload, image[7*blockdevice.SectorSize:8*blockdevice.SectorSize])
}
