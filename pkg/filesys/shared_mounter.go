package filesys

import (
	"github.com/slate-os/slate-filesystem/pkg/blockdevice"
	slatesync "github.com/slate-os/slate-filesystem/pkg/sync"
)

// SharedMounter shares one mounted FileSystem between multiple
// consumers, such as a FUSE frontend and an inspector running in the
// same process. The first Acquire() mounts the device; the last
// Release() unmounts it, flushing all dirty state.
type SharedMounter struct {
	device      blockdevice.BlockDevice
	initializer slatesync.Initializer
	fileSystem  *FileSystem
}

// NewSharedMounter creates a SharedMounter for the given device. The
// device is not touched until the first Acquire().
func NewSharedMounter(device blockdevice.BlockDevice) *SharedMounter {
	return &SharedMounter{
		device: device,
	}
}

// Acquire returns the shared FileSystem, mounting it on first use.
func (sm *SharedMounter) Acquire() (*FileSystem, error) {
	if err := sm.initializer.Acquire(func() error {
		fileSystem, err := Mount(sm.device)
		if err != nil {
			return err
		}
		sm.fileSystem = fileSystem
		return nil
	}); err != nil {
		return nil, err
	}
	return sm.fileSystem, nil
}

// Release drops one use of the shared FileSystem, unmounting it when
// the last user is gone.
func (sm *SharedMounter) Release() error {
	return sm.initializer.Release(func() error {
		fileSystem := sm.fileSystem
		sm.fileSystem = nil
		return fileSystem.Unmount()
	})
}
