package inode

import (
	"sync"

	"github.com/slate-os/slate-filesystem/pkg/blockdevice"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// Inode is an open file or directory, identified by the sector holding
// its on-disk record. All openers of the same home sector share one
// Inode; the reference count drops as they close it, and the last
// close of a removed inode returns all of its sectors to the free map.
//
// File contents always live in the buffer cache; the Inode itself only
// carries bookkeeping. At most one writer extends the inode at a time.
// Readers that need the length while an extension is in flight wait
// until the record has been flushed, so they observe either the old or
// the new length, never a half-updated sector map.
type Inode struct {
	store  *Store
	sector uint32

	// Guarded by store.lock.
	openCount int

	lock              sync.Mutex
	denyWriteCount    int
	removed           bool
	extending         bool
	writerCount       int
	untilNotExtending sync.Cond
	untilNoWriters    sync.Cond
}

// Inumber returns the inode's home sector, its stable identifier.
func (in *Inode) Inumber() uint32 {
	return in.sector
}

// Length returns the inode's current length in bytes. If an extension
// is in flight the call waits for it to complete.
func (in *Inode) Length() int64 {
	in.lock.Lock()
	for in.extending {
		in.untilNotExtending.Wait()
	}
	in.lock.Unlock()
	return int64(in.store.readDiskInode(in.sector).length)
}

// IsDir returns whether the inode is a directory.
func (in *Inode) IsDir() bool {
	return in.store.readDiskInode(in.sector).isDir
}

// Removed returns whether the inode has been unlinked. Its sectors are
// reclaimed once the last opener closes it.
func (in *Inode) Removed() bool {
	in.lock.Lock()
	defer in.lock.Unlock()
	return in.removed
}

// Remove marks the inode for deallocation at last close.
func (in *Inode) Remove() {
	in.lock.Lock()
	defer in.lock.Unlock()
	in.removed = true
}

// DenyWrite disables writes to the inode, waiting for in-flight writes
// to drain first. May be called at most once per opener.
func (in *Inode) DenyWrite() {
	in.lock.Lock()
	defer in.lock.Unlock()
	for in.writerCount > 0 {
		in.untilNoWriters.Wait()
	}
	in.denyWriteCount++
}

// AllowWrite re-enables writes to the inode. Must be paired with a
// prior DenyWrite by the same opener.
func (in *Inode) AllowWrite() {
	in.lock.Lock()
	defer in.lock.Unlock()
	if in.denyWriteCount <= 0 {
		panic("AllowWrite called without a matching DenyWrite")
	}
	in.denyWriteCount--
}

// Close drops one reference to the inode. The last close removes it
// from the open-inode table; if the inode was unlinked, its data and
// indirect sectors plus the home sector itself are released.
func (in *Inode) Close() {
	s := in.store
	s.lock.Lock()
	in.openCount--
	if in.openCount > 0 {
		s.lock.Unlock()
		return
	}
	delete(s.open, in.sector)
	s.lock.Unlock()

	in.lock.Lock()
	removed := in.removed
	in.lock.Unlock()
	if removed {
		d := s.readDiskInode(in.sector)
		s.deallocate(d)
		s.allocator.Release(in.sector, 1)
	}
}

// ReadAt copies up to len(p) bytes starting at byte offset off into p.
// The returned count is short when the read crosses end of file; reads
// entirely past end of file return 0.
func (in *Inode) ReadAt(p []byte, off int64) (int, error) {
	if off < 0 {
		return 0, status.Errorf(codes.InvalidArgument, "Negative read offset: %d", off)
	}

	// Wait out a concurrent extension, then work against a
	// snapshot of the record: either entirely the pre-extension or
	// entirely the post-extension state.
	in.lock.Lock()
	for in.extending {
		in.untilNotExtending.Wait()
	}
	in.lock.Unlock()
	d := in.store.readDiskInode(in.sector)

	bytesRead := 0
	size := len(p)
	for size > 0 {
		sector := in.store.byteToSector(d, off)
		sectorOffset := int(off % blockdevice.SectorSize)

		inodeLeft := int64(d.length) - off
		sectorLeft := int64(blockdevice.SectorSize - sectorOffset)
		chunk := int64(size)
		if chunk > inodeLeft {
			chunk = inodeLeft
		}
		if chunk > sectorLeft {
			chunk = sectorLeft
		}
		if chunk <= 0 {
			break
		}

		in.store.cache.Read(sector, p[bytesRead:bytesRead+int(chunk)], sectorOffset)

		size -= int(chunk)
		off += chunk
		bytesRead += int(chunk)
	}
	return bytesRead, nil
}

// WriteAt copies len(p) bytes starting at byte offset off from p into
// the inode, extending the file first if the write ends past the
// current end of file. Returns 0 without error while writes are
// denied.
func (in *Inode) WriteAt(p []byte, off int64) (int, error) {
	if off < 0 {
		return 0, status.Errorf(codes.InvalidArgument, "Negative write offset: %d", off)
	}
	end := off + int64(len(p))
	if end > MaxFileSize {
		return 0, status.Errorf(codes.InvalidArgument, "Write up to offset %d exceeds the maximum file size of %d bytes", end, MaxFileSize)
	}

	in.lock.Lock()
	if in.denyWriteCount > 0 {
		in.lock.Unlock()
		return 0, nil
	}
	// Serialize against extension: at most one extender, and no
	// writer starts while one is in flight. An extender does not
	// wait for plain writers that are already running.
	for in.extending {
		in.untilNotExtending.Wait()
	}
	in.writerCount++
	d := in.store.readDiskInode(in.sector)
	if end > int64(d.length) {
		in.extending = true
		in.lock.Unlock()

		if err := in.store.allocate(d, end); err != nil {
			in.lock.Lock()
			in.extending = false
			in.writerCount--
			in.untilNotExtending.Broadcast()
			if in.writerCount == 0 {
				in.untilNoWriters.Broadcast()
			}
			in.lock.Unlock()
			return 0, err
		}
		d.length = int32(end)
		in.store.writeDiskInode(in.sector, d)

		in.lock.Lock()
		in.extending = false
		in.untilNotExtending.Broadcast()
	}
	in.lock.Unlock()

	bytesWritten := 0
	size := len(p)
	for size > 0 {
		sector := in.store.byteToSector(d, off)
		sectorOffset := int(off % blockdevice.SectorSize)

		inodeLeft := int64(d.length) - off
		sectorLeft := int64(blockdevice.SectorSize - sectorOffset)
		chunk := int64(size)
		if chunk > inodeLeft {
			chunk = inodeLeft
		}
		if chunk > sectorLeft {
			chunk = sectorLeft
		}
		if chunk <= 0 {
			break
		}

		in.store.cache.Write(sector, p[bytesWritten:bytesWritten+int(chunk)], sectorOffset)

		size -= int(chunk)
		off += chunk
		bytesWritten += int(chunk)
	}

	in.lock.Lock()
	in.writerCount--
	if in.writerCount == 0 {
		in.untilNoWriters.Broadcast()
	}
	in.lock.Unlock()
	return bytesWritten, nil
}
