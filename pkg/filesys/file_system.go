package filesys

import (
	"sync"

	"github.com/slate-os/slate-filesystem/pkg/blockdevice"
	"github.com/slate-os/slate-filesystem/pkg/buffercache"
	"github.com/slate-os/slate-filesystem/pkg/freemap"
	"github.com/slate-os/slate-filesystem/pkg/inode"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// FileSystem ties the device, buffer cache, free map and open-inode
// table together and provides the name-based create/open/remove
// surface on top of them. It is created once at mount and torn down at
// unmount; everything underneath is reachable through it, so there is
// no global state.
type FileSystem struct {
	device     blockdevice.BlockDevice
	cache      *buffercache.BufferCache
	freeMap    *freemap.FreeMap
	inodes     *inode.Store
	rootSector uint32

	// nameLock serializes namespace operations (lookups paired
	// with entry insertion or removal). Individual file I/O does
	// not take it.
	nameLock sync.Mutex
}

// Format writes a fresh, empty file system onto the device: an
// allocation bitmap in the reserved sectors and a root directory in
// the first allocatable sector.
func Format(device blockdevice.BlockDevice) error {
	cache := buffercache.New(device, buffercache.DefaultEntryCount)
	freeMap := freemap.New(cache, device.SectorCount())
	inodes := inode.NewStore(cache, freeMap)

	rootSector, err := freeMap.Allocate(1)
	if err != nil {
		return status.Errorf(codes.ResourceExhausted, "Device has no room for a root directory: %s", err)
	}
	if err := makeDirectory(inodes, rootSector, rootSector); err != nil {
		return err
	}
	freeMap.Persist()
	cache.Flush()
	return device.Sync()
}

// Mount adopts the file system stored on the device. The device must
// have been formatted before.
func Mount(device blockdevice.BlockDevice) (*FileSystem, error) {
	cache := buffercache.New(device, buffercache.DefaultEntryCount)
	freeMap := freemap.New(cache, device.SectorCount())
	freeMap.Load()
	inodes := inode.NewStore(cache, freeMap)

	rootSector := freemap.ReservedSectors(device.SectorCount())
	if err := inodes.Validate(rootSector); err != nil {
		return nil, status.Errorf(codes.FailedPrecondition, "Device does not hold a formatted file system: %s", err)
	}
	return &FileSystem{
		device:     device,
		cache:      cache,
		freeMap:    freeMap,
		inodes:     inodes,
		rootSector: rootSector,
	}, nil
}

// Unmount persists the allocation bitmap, flushes every dirty buffer
// cache entry and synchronizes the device. The FileSystem must not be
// used afterwards.
func (fs *FileSystem) Unmount() error {
	fs.freeMap.Persist()
	fs.cache.Flush()
	return fs.device.Sync()
}

// Cache returns the buffer cache, whose statistics are exposed through
// the descriptor layer's observability hooks.
func (fs *FileSystem) Cache() *buffercache.BufferCache {
	return fs.cache
}

// FreeMap returns the sector allocator backing the file system.
func (fs *FileSystem) FreeMap() *freemap.FreeMap {
	return fs.freeMap
}

// Create creates a regular file with the given initial length. Fails
// if the name is already taken or allocation fails, in which case
// nothing is left behind.
func (fs *FileSystem) Create(name string, size int64) error {
	fs.nameLock.Lock()
	defer fs.nameLock.Unlock()

	dirPath, base, err := SplitPath(name)
	if err != nil {
		return err
	}
	if base == "" {
		return status.Errorf(codes.InvalidArgument, "Path %#v does not name a file", name)
	}
	dir, err := fs.resolveDirectory(dirPath)
	if err != nil {
		return err
	}
	defer dir.Close()

	homeSector, err := fs.freeMap.Allocate(1)
	if err != nil {
		return err
	}
	if err := fs.inodes.Create(homeSector, size, false); err != nil {
		fs.freeMap.Release(homeSector, 1)
		return err
	}
	if err := dir.Add(base, homeSector); err != nil {
		in := fs.inodes.Open(homeSector)
		in.Remove()
		in.Close()
		return err
	}
	return nil
}

// Mkdir creates an empty directory, populated with its "." and ".."
// entries.
func (fs *FileSystem) Mkdir(name string) error {
	fs.nameLock.Lock()
	defer fs.nameLock.Unlock()

	dirPath, base, err := SplitPath(name)
	if err != nil {
		return err
	}
	if base == "" {
		return status.Errorf(codes.InvalidArgument, "Path %#v does not name a directory to create", name)
	}
	dir, err := fs.resolveDirectory(dirPath)
	if err != nil {
		return err
	}
	defer dir.Close()

	homeSector, err := fs.freeMap.Allocate(1)
	if err != nil {
		return err
	}
	if err := makeDirectory(fs.inodes, homeSector, dir.Inumber()); err != nil {
		fs.freeMap.Release(homeSector, 1)
		return err
	}
	if err := dir.Add(base, homeSector); err != nil {
		in := fs.inodes.Open(homeSector)
		in.Remove()
		in.Close()
		return err
	}
	return nil
}

// Open opens a file or directory by name. A name with an empty final
// component ("/a/b/") opens the directory itself.
func (fs *FileSystem) Open(name string) (*File, error) {
	fs.nameLock.Lock()
	defer fs.nameLock.Unlock()

	dirPath, base, err := SplitPath(name)
	if err != nil {
		return nil, err
	}
	dir, err := fs.resolveDirectory(dirPath)
	if err != nil {
		return nil, err
	}
	defer dir.Close()

	var in *inode.Inode
	if base == "" {
		in = fs.inodes.Open(dir.Inumber())
	} else {
		sector, err := dir.Lookup(base)
		if err != nil {
			return nil, err
		}
		in = fs.inodes.Open(sector)
	}
	if in.Removed() {
		in.Close()
		return nil, status.Errorf(codes.NotFound, "File %#v has been removed", name)
	}
	return newFile(in), nil
}

// Remove unlinks a file or an empty directory. Sectors are reclaimed
// once the last open handle is closed.
func (fs *FileSystem) Remove(name string) error {
	fs.nameLock.Lock()
	defer fs.nameLock.Unlock()

	dirPath, base, err := SplitPath(name)
	if err != nil {
		return err
	}
	if base == "" || base == "." || base == ".." {
		return status.Errorf(codes.InvalidArgument, "Path %#v cannot be removed", name)
	}
	dir, err := fs.resolveDirectory(dirPath)
	if err != nil {
		return err
	}
	defer dir.Close()

	sector, err := dir.Lookup(base)
	if err != nil {
		return err
	}
	if sector == fs.rootSector {
		return status.Error(codes.InvalidArgument, "The root directory cannot be removed")
	}

	in := fs.inodes.Open(sector)
	if in.IsDir() {
		victim := openDirectory(in)
		empty, err := victim.IsEmpty()
		if err != nil || !empty {
			in.Close()
			if err != nil {
				return err
			}
			return status.Errorf(codes.FailedPrecondition, "Directory %#v is not empty", name)
		}
	}
	if err := dir.RemoveEntry(base); err != nil {
		in.Close()
		return err
	}
	in.Remove()
	in.Close()
	return nil
}

// resolveDirectory walks a directory path from the root. The caller
// must hold nameLock.
func (fs *FileSystem) resolveDirectory(dirPath string) (*Directory, error) {
	dir := openDirectory(fs.inodes.Open(fs.rootSector))
	for _, component := range pathComponents(dirPath) {
		sector, err := dir.Lookup(component)
		if err != nil {
			dir.Close()
			return nil, err
		}
		next := fs.inodes.Open(sector)
		if !next.IsDir() {
			next.Close()
			dir.Close()
			return nil, status.Errorf(codes.NotFound, "Path component %#v is not a directory", component)
		}
		dir.Close()
		dir = openDirectory(next)
	}
	return dir, nil
}
