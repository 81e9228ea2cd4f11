package filesys_test

import (
	"bytes"
	"math/rand"
	"testing"

	"github.com/slate-os/slate-filesystem/pkg/blockdevice"
	"github.com/slate-os/slate-filesystem/pkg/filesys"
	"github.com/stretchr/testify/require"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

func newTestFileSystem(t *testing.T, sectorCount uint32) (*filesys.FileSystem, blockdevice.BlockDevice) {
	device := blockdevice.NewInMemoryBlockDevice(sectorCount)
	require.NoError(t, filesys.Format(device))
	fileSystem, err := filesys.Mount(device)
	require.NoError(t, err)
	return fileSystem, device
}

func TestFileSystemMountRequiresFormat(t *testing.T) {
	device := blockdevice.NewInMemoryBlockDevice(4096)
	_, err := filesys.Mount(device)
	require.Equal(t, codes.FailedPrecondition, status.Code(err))
}

func TestFileSystemCreateOpenLaw(t *testing.T) {
	fileSystem, _ := newTestFileSystem(t, 4096)

	require.NoError(t, fileSystem.Create("/sample.txt", 1000))
	file, err := fileSystem.Open("/sample.txt")
	require.NoError(t, err)
	defer file.Close()
	require.Equal(t, int64(1000), file.Size())
	require.False(t, file.IsDir())
}

func TestFileSystemDuplicateCreate(t *testing.T) {
	fileSystem, _ := newTestFileSystem(t, 4096)

	require.NoError(t, fileSystem.Create("/a", 0))
	err := fileSystem.Create("/a", 0)
	require.Equal(t, codes.AlreadyExists, status.Code(err))
}

func TestFileSystemOpenMissing(t *testing.T) {
	fileSystem, _ := newTestFileSystem(t, 4096)

	_, err := fileSystem.Open("/nope")
	require.Equal(t, codes.NotFound, status.Code(err))
}

func TestFileSystemSeekTellLaw(t *testing.T) {
	fileSystem, _ := newTestFileSystem(t, 4096)
	require.NoError(t, fileSystem.Create("/f", 10))
	file, err := fileSystem.Open("/f")
	require.NoError(t, err)
	defer file.Close()

	for _, pos := range []int64{0, 5, 10, 1000000} {
		require.NoError(t, file.Seek(pos))
		require.Equal(t, pos, file.Tell())
	}
	require.Equal(t, codes.InvalidArgument, status.Code(file.Seek(-1)))

	// Reading at or past end of file returns 0 bytes.
	require.NoError(t, file.Seek(10))
	var buf [4]byte
	n, err := file.Read(buf[:])
	require.NoError(t, err)
	require.Equal(t, 0, n)
}

func TestFileSystemSeekIndependence(t *testing.T) {
	fileSystem, _ := newTestFileSystem(t, 4096)
	require.NoError(t, fileSystem.Create("/sample.txt", 0))

	file, err := fileSystem.Open("/sample.txt")
	require.NoError(t, err)
	defer file.Close()
	_, err = file.Write([]byte("abcdefghij"))
	require.NoError(t, err)

	var b1, b2 [2]byte
	require.NoError(t, file.Seek(5))
	_, err = file.Read(b1[:])
	require.NoError(t, err)
	require.NoError(t, file.Seek(5))
	_, err = file.Read(b2[:])
	require.NoError(t, err)
	require.Equal(t, b1, b2)
	require.Equal(t, []byte("fg"), b1[:])
}

func TestFileSystemSharedContentsIndependentPositions(t *testing.T) {
	fileSystem, _ := newTestFileSystem(t, 4096)
	require.NoError(t, fileSystem.Create("/sample.txt", 0))
	{
		file, err := fileSystem.Open("/sample.txt")
		require.NoError(t, err)
		_, err = file.Write([]byte("abcdefgh"))
		require.NoError(t, err)
		file.Close()
	}

	fd1, err := fileSystem.Open("/sample.txt")
	require.NoError(t, err)
	defer fd1.Close()
	fd2, err := fileSystem.Open("/sample.txt")
	require.NoError(t, err)
	defer fd2.Close()

	// Independent positions: both handles read from the front; the
	// third read continues where the first left off.
	var a, b, c [1]byte
	_, err = fd1.Read(a[:])
	require.NoError(t, err)
	_, err = fd2.Read(b[:])
	require.NoError(t, err)
	_, err = fd1.Read(c[:])
	require.NoError(t, err)
	require.Equal(t, a[0], b[0])
	require.NotEqual(t, a[0], c[0])

	// Shared contents: a write through one handle is visible
	// through the other.
	require.NoError(t, fd1.Seek(0))
	_, err = fd1.Write([]byte("X"))
	require.NoError(t, err)
	require.NoError(t, fd2.Seek(0))
	var d [1]byte
	_, err = fd2.Read(d[:])
	require.NoError(t, err)
	require.Equal(t, byte('X'), d[0])
}

func TestFileSystemRemoveDeferredReclamation(t *testing.T) {
	fileSystem, _ := newTestFileSystem(t, 4096)
	freeBefore := fileSystem.FreeMap().FreeCount()

	require.NoError(t, fileSystem.Create("/victim", 0))
	file, err := fileSystem.Open("/victim")
	require.NoError(t, err)
	_, err = file.Write(make([]byte, 10*blockdevice.SectorSize))
	require.NoError(t, err)

	require.NoError(t, fileSystem.Remove("/victim"))

	// The name is gone, but the open handle stays usable.
	_, err = fileSystem.Open("/victim")
	require.Equal(t, codes.NotFound, status.Code(err))
	require.NoError(t, file.Seek(0))
	var buf [16]byte
	n, err := file.Read(buf[:])
	require.NoError(t, err)
	require.Equal(t, len(buf), n)
	require.Less(t, fileSystem.FreeMap().FreeCount(), freeBefore)

	// The last close returns every sector.
	file.Close()
	require.Equal(t, freeBefore, fileSystem.FreeMap().FreeCount())
}

func TestFileSystemDirectories(t *testing.T) {
	fileSystem, _ := newTestFileSystem(t, 4096)

	require.NoError(t, fileSystem.Mkdir("/a"))
	require.NoError(t, fileSystem.Mkdir("/a/b"))
	require.NoError(t, fileSystem.Create("/a/b/c.txt", 42))

	file, err := fileSystem.Open("/a/b/c.txt")
	require.NoError(t, err)
	require.Equal(t, int64(42), file.Size())
	file.Close()

	// A trailing slash opens the directory itself.
	dir, err := fileSystem.Open("/a/b/")
	require.NoError(t, err)
	defer dir.Close()
	require.True(t, dir.IsDir())
	names, err := dir.ReadNames()
	require.NoError(t, err)
	require.Equal(t, []string{"c.txt"}, names)

	// Dot components resolve through their ordinary entries.
	again, err := fileSystem.Open("/a/b/../b/c.txt")
	require.NoError(t, err)
	again.Close()
}

func TestFileSystemRemoveDirectoryRules(t *testing.T) {
	fileSystem, _ := newTestFileSystem(t, 4096)

	require.NoError(t, fileSystem.Mkdir("/d"))
	require.NoError(t, fileSystem.Create("/d/f", 0))

	err := fileSystem.Remove("/d")
	require.Equal(t, codes.FailedPrecondition, status.Code(err))

	require.NoError(t, fileSystem.Remove("/d/f"))
	require.NoError(t, fileSystem.Remove("/d"))
	_, err = fileSystem.Open("/d/")
	require.Equal(t, codes.NotFound, status.Code(err))
}

func TestFileSystemRootCannotBeRemoved(t *testing.T) {
	fileSystem, _ := newTestFileSystem(t, 4096)

	require.Equal(t, codes.InvalidArgument, status.Code(fileSystem.Remove("/")))
	require.Equal(t, codes.InvalidArgument, status.Code(fileSystem.Remove("/.")))
}

func TestFileSystemNameLength(t *testing.T) {
	fileSystem, _ := newTestFileSystem(t, 4096)

	require.NoError(t, fileSystem.Create("/fourteen-bytes", 0))
	err := fileSystem.Create("/fifteen--bytes!", 0)
	require.Equal(t, codes.InvalidArgument, status.Code(err))
}

func TestFileSystemPersistenceAcrossRemount(t *testing.T) {
	device := blockdevice.NewInMemoryBlockDevice(8192)
	require.NoError(t, filesys.Format(device))

	payload := make([]byte, 5000)
	rng := rand.New(rand.NewSource(7))
	rng.Read(payload)

	fileSystem, err := filesys.Mount(device)
	require.NoError(t, err)
	require.NoError(t, fileSystem.Mkdir("/data"))
	require.NoError(t, fileSystem.Create("/data/blob", 0))
	file, err := fileSystem.Open("/data/blob")
	require.NoError(t, err)
	_, err = file.Write(payload)
	require.NoError(t, err)
	file.Close()
	freeBefore := fileSystem.FreeMap().FreeCount()
	require.NoError(t, fileSystem.Unmount())

	// Everything must be readable through a fresh mount, including
	// the persisted allocation bitmap.
	remounted, err := filesys.Mount(device)
	require.NoError(t, err)
	require.Equal(t, freeBefore, remounted.FreeMap().FreeCount())
	file, err = remounted.Open("/data/blob")
	require.NoError(t, err)
	defer file.Close()
	readBack := make([]byte, len(payload))
	n, err := file.Read(readBack)
	require.NoError(t, err)
	require.Equal(t, len(payload), n)
	require.True(t, bytes.Equal(payload, readBack))
}

func TestFileSystemExtendBeyondCache(t *testing.T) {
	// 100 appends of 10 random bytes each: the file grows past its
	// first sector into a second and must read back intact.
	fileSystem, _ := newTestFileSystem(t, 8192)
	require.NoError(t, fileSystem.Create("/big", 0))
	file, err := fileSystem.Open("/big")
	require.NoError(t, err)
	defer file.Close()

	rng := rand.New(rand.NewSource(42))
	var expected bytes.Buffer
	for i := 0; i < 100; i++ {
		chunk := make([]byte, 10)
		rng.Read(chunk)
		expected.Write(chunk)
		n, err := file.Write(chunk)
		require.NoError(t, err)
		require.Equal(t, 10, n)
	}

	require.NoError(t, file.Seek(0))
	readBack := make([]byte, expected.Len())
	n, err := file.Read(readBack)
	require.NoError(t, err)
	require.Equal(t, expected.Len(), n)
	require.True(t, bytes.Equal(expected.Bytes(), readBack))
}

func TestSplitPath(t *testing.T) {
	for _, tc := range []struct {
		path string
		dir  string
		base string
	}{
		{"file", "", "file"},
		{"/file", "", "file"},
		{"/a/b/c", "/a/b", "c"},
		{"/a/b/", "/a/b", ""},
		{"/", "", ""},
	} {
		dir, base, err := filesys.SplitPath(tc.path)
		require.NoError(t, err, tc.path)
		require.Equal(t, tc.dir, dir, tc.path)
		require.Equal(t, tc.base, base, tc.path)
	}

	_, _, err := filesys.SplitPath("")
	require.Equal(t, codes.InvalidArgument, status.Code(err))
	_, _, err = filesys.SplitPath("/a/name-that-is-way-too-long")
	require.Equal(t, codes.InvalidArgument, status.Code(err))
}
