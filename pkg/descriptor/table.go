package descriptor

import (
	"sync"

	"github.com/slate-os/slate-filesystem/pkg/filesys"
)

// InvalidDescriptor is returned by calls that hand out or resolve file
// descriptors when the request fails. It mirrors the -1 the system
// call boundary reports to user programs.
const InvalidDescriptor = -1

// Descriptors 0 and 1 are reserved for the console.
const firstDescriptor = 2

// Table is a per-process file descriptor table. It maps small positive
// integers to open file handles and implements the system-call shaped
// surface of the file system. Unknown descriptors are rejected here;
// invalid positions and sizes are rejected by the file system layers
// below. Failures are reported through in-band -1, zero or false
// results rather than errors, matching what user programs observe.
type Table struct {
	fileSystem *filesys.FileSystem

	lock sync.Mutex
	open map[int]*filesys.File
	next int
}

// NewTable creates an empty descriptor table on top of a mounted file
// system.
func NewTable(fileSystem *filesys.FileSystem) *Table {
	return &Table{
		fileSystem: fileSystem,
		open:       map[int]*filesys.File{},
		next:       firstDescriptor,
	}
}

func (t *Table) get(fd int) *filesys.File {
	t.lock.Lock()
	defer t.lock.Unlock()
	return t.open[fd]
}

// Create creates a regular file with the given initial size. Returns
// whether the file was created.
func (t *Table) Create(name string, size int64) bool {
	return t.fileSystem.Create(name, size) == nil
}

// Mkdir creates a directory. Returns whether it was created.
func (t *Table) Mkdir(name string) bool {
	return t.fileSystem.Mkdir(name) == nil
}

// Remove unlinks a file or empty directory. Returns whether the entry
// was removed.
func (t *Table) Remove(name string) bool {
	return t.fileSystem.Remove(name) == nil
}

// Open opens a file or directory and returns a fresh descriptor, or
// InvalidDescriptor if the name does not resolve.
func (t *Table) Open(name string) int {
	file, err := t.fileSystem.Open(name)
	if err != nil {
		return InvalidDescriptor
	}
	t.lock.Lock()
	defer t.lock.Unlock()
	fd := t.next
	t.next++
	t.open[fd] = file
	return fd
}

// Close closes a descriptor. Closing the last descriptor of a removed
// file reclaims its sectors. Unknown descriptors are ignored.
func (t *Table) Close(fd int) {
	t.lock.Lock()
	file := t.open[fd]
	delete(t.open, fd)
	t.lock.Unlock()
	if file != nil {
		file.Close()
	}
}

// CloseAll closes every open descriptor, as happens on process exit.
func (t *Table) CloseAll() {
	t.lock.Lock()
	open := t.open
	t.open = map[int]*filesys.File{}
	t.lock.Unlock()
	for _, file := range open {
		file.Close()
	}
}

// Read reads up to len(p) bytes at the descriptor's position. Returns
// the number of bytes read, 0 at end of file, or InvalidDescriptor for
// an unknown descriptor.
func (t *Table) Read(fd int, p []byte) int {
	file := t.get(fd)
	if file == nil {
		return InvalidDescriptor
	}
	n, err := file.Read(p)
	if err != nil {
		return InvalidDescriptor
	}
	return n
}

// Write writes len(p) bytes at the descriptor's position, extending
// the file when needed. Returns the number of bytes written, 0 when
// writes are denied, or InvalidDescriptor for an unknown descriptor.
func (t *Table) Write(fd int, p []byte) int {
	file := t.get(fd)
	if file == nil {
		return InvalidDescriptor
	}
	n, err := file.Write(p)
	if err != nil && n == 0 {
		return InvalidDescriptor
	}
	return n
}

// Seek sets the descriptor's position. Positions past end of file are
// legal. Unknown descriptors and negative positions are ignored.
func (t *Table) Seek(fd int, pos int64) {
	if file := t.get(fd); file != nil {
		file.Seek(pos)
	}
}

// Tell returns the descriptor's position, or InvalidDescriptor for an
// unknown descriptor.
func (t *Table) Tell(fd int) int64 {
	file := t.get(fd)
	if file == nil {
		return InvalidDescriptor
	}
	return file.Tell()
}

// Filesize returns the current length of the underlying inode, or
// InvalidDescriptor for an unknown descriptor.
func (t *Table) Filesize(fd int) int64 {
	file := t.get(fd)
	if file == nil {
		return InvalidDescriptor
	}
	return file.Size()
}

// Inumber returns the home sector of the underlying inode, or
// InvalidDescriptor for an unknown descriptor.
func (t *Table) Inumber(fd int) int64 {
	file := t.get(fd)
	if file == nil {
		return InvalidDescriptor
	}
	return int64(file.Inumber())
}

// Isdir returns whether the descriptor names a directory. Unknown
// descriptors report false.
func (t *Table) Isdir(fd int) bool {
	file := t.get(fd)
	if file == nil {
		return false
	}
	return file.IsDir()
}

// HitCount returns the buffer cache's hit counter.
func (t *Table) HitCount() uint64 {
	return t.fileSystem.Cache().HitCount()
}

// AccessCount returns the buffer cache's access counter.
func (t *Table) AccessCount() uint64 {
	return t.fileSystem.Cache().AccessCount()
}

// ResetStatistics resets the buffer cache's hit and access counters.
func (t *Table) ResetStatistics() {
	t.fileSystem.Cache().ResetStatistics()
}

// InvalidateCache flushes the buffer cache and empties every slot, so
// that subsequent accesses run against a cold cache.
func (t *Table) InvalidateCache() {
	t.fileSystem.Cache().Invalidate()
}
