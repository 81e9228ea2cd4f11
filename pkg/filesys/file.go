package filesys

import (
	"sync"

	"github.com/slate-os/slate-filesystem/pkg/inode"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// File is an open handle on an inode. Each handle carries its own
// position; all handles on the same inode share the underlying
// contents, so a write through one handle is visible through the
// others.
type File struct {
	inode *inode.Inode

	lock      sync.Mutex
	pos       int64
	denyWrite bool
}

func newFile(in *inode.Inode) *File {
	return &File{inode: in}
}

// Read copies up to len(p) bytes at the current position into p and
// advances the position by the number of bytes read. Reads at or past
// end of file return 0.
func (f *File) Read(p []byte) (int, error) {
	f.lock.Lock()
	defer f.lock.Unlock()

	n, err := f.inode.ReadAt(p, f.pos)
	f.pos += int64(n)
	return n, err
}

// Write copies len(p) bytes from p at the current position, extending
// the file if the write ends past end of file, and advances the
// position. Returns 0 while writes to the inode are denied.
func (f *File) Write(p []byte) (int, error) {
	f.lock.Lock()
	defer f.lock.Unlock()

	n, err := f.inode.WriteAt(p, f.pos)
	f.pos += int64(n)
	return n, err
}

// Seek sets the position. Positions past end of file are legal: reads
// there return 0 bytes and a write there extends the file.
func (f *File) Seek(pos int64) error {
	if pos < 0 {
		return status.Errorf(codes.InvalidArgument, "Negative file position: %d", pos)
	}
	f.lock.Lock()
	defer f.lock.Unlock()
	f.pos = pos
	return nil
}

// Tell returns the last set position.
func (f *File) Tell() int64 {
	f.lock.Lock()
	defer f.lock.Unlock()
	return f.pos
}

// Size returns the inode's current length in bytes.
func (f *File) Size() int64 {
	return f.inode.Length()
}

// Inumber returns the home sector of the underlying inode.
func (f *File) Inumber() uint32 {
	return f.inode.Inumber()
}

// IsDir returns whether the handle refers to a directory.
func (f *File) IsDir() bool {
	return f.inode.IsDir()
}

// DenyWrite prevents writes to the underlying inode, typically while
// its contents back a running executable. At most one deny per handle.
func (f *File) DenyWrite() {
	f.lock.Lock()
	defer f.lock.Unlock()
	if !f.denyWrite {
		f.denyWrite = true
		f.inode.DenyWrite()
	}
}

// AllowWrite undoes a prior DenyWrite through this handle.
func (f *File) AllowWrite() {
	f.lock.Lock()
	defer f.lock.Unlock()
	if f.denyWrite {
		f.denyWrite = false
		f.inode.AllowWrite()
	}
}

// ReadNames lists the entries of a directory handle.
func (f *File) ReadNames() ([]string, error) {
	if !f.IsDir() {
		return nil, status.Error(codes.InvalidArgument, "Not a directory")
	}
	dir := Directory{inode: f.inode}
	return dir.ReadNames()
}

// Close drops the handle's inode reference, first releasing a write
// denial if one is still in place. The last close of a removed inode
// reclaims its sectors.
func (f *File) Close() {
	f.lock.Lock()
	if f.denyWrite {
		f.denyWrite = false
		f.inode.AllowWrite()
	}
	f.lock.Unlock()
	f.inode.Close()
}
