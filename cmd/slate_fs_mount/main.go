package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/hanwen/go-fuse/v2/fs"
	"github.com/hanwen/go-fuse/v2/fuse"
	"github.com/slate-os/slate-filesystem/pkg/blockdevice"
	"github.com/slate-os/slate-filesystem/pkg/filesys"
	"github.com/spf13/pflag"
)

// slate_fs_mount exposes the contents of a disk image as a FUSE file
// system on the host, so that ordinary tools can be pointed at it.
// It is a debugging aid, not a general purpose FUSE server: truncation
// and renames are not supported, matching the file system underneath.

func main() {
	var (
		imagePath  = pflag.String("image", "", "Path of the disk image to mount")
		mountPoint = pflag.String("mount-point", "", "Directory at which to expose the file system")
	)
	pflag.Parse()
	if *imagePath == "" || *mountPoint == "" {
		log.Fatal("Usage: slate_fs_mount --image disk.img --mount-point /mnt/slate")
	}
	info, err := os.Stat(*imagePath)
	if err != nil {
		log.Fatal("Failed to stat disk image: ", err)
	}
	device, err := blockdevice.NewMemoryMappedBlockDevice(*imagePath, uint32(info.Size()/blockdevice.SectorSize))
	if err != nil {
		log.Fatal("Failed to open disk image: ", err)
	}

	mounter := filesys.NewSharedMounter(device)
	fileSystem, err := mounter.Acquire()
	if err != nil {
		log.Fatal("Failed to mount file system: ", err)
	}

	root := &slateNode{fileSystem: fileSystem, path: "/"}
	server, err := fs.Mount(*mountPoint, root, &fs.Options{})
	if err != nil {
		log.Fatal("Failed to mount FUSE file system: ", err)
	}

	signals := make(chan os.Signal, 1)
	signal.Notify(signals, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-signals
		server.Unmount()
	}()
	server.Wait()
	if err := mounter.Release(); err != nil {
		log.Fatal("Failed to unmount file system: ", err)
	}
}

type slateNode struct {
	fs.Inode
	fileSystem *filesys.FileSystem
	path       string
}

var (
	_ = (fs.NodeLookuper)((*slateNode)(nil))
	_ = (fs.NodeReaddirer)((*slateNode)(nil))
	_ = (fs.NodeGetattrer)((*slateNode)(nil))
	_ = (fs.NodeOpener)((*slateNode)(nil))
	_ = (fs.NodeCreater)((*slateNode)(nil))
	_ = (fs.NodeMkdirer)((*slateNode)(nil))
	_ = (fs.NodeUnlinker)((*slateNode)(nil))
	_ = (fs.NodeRmdirer)((*slateNode)(nil))
)

func (n *slateNode) childPath(name string) string {
	if n.path == "/" {
		return "/" + name
	}
	return n.path + "/" + name
}

// openSelf opens the file or directory this node refers to.
func (n *slateNode) openSelf() (*filesys.File, syscall.Errno) {
	path := n.path
	if n.IsDir() && path != "/" {
		path += "/"
	}
	file, err := n.fileSystem.Open(path)
	if err != nil {
		return nil, syscall.ENOENT
	}
	return file, 0
}

func (n *slateNode) Lookup(ctx context.Context, name string, out *fuse.EntryOut) (*fs.Inode, syscall.Errno) {
	path := n.childPath(name)
	file, err := n.fileSystem.Open(path)
	if err != nil {
		return nil, syscall.ENOENT
	}
	defer file.Close()

	mode := uint32(fuse.S_IFREG)
	if file.IsDir() {
		mode = fuse.S_IFDIR
	}
	out.Mode = mode | 0o644
	out.Size = uint64(file.Size())
	child := n.NewInode(ctx, &slateNode{
		fileSystem: n.fileSystem,
		path:       path,
	}, fs.StableAttr{
		Mode: mode,
		Ino:  uint64(file.Inumber()),
	})
	return child, 0
}

func (n *slateNode) Readdir(ctx context.Context) (fs.DirStream, syscall.Errno) {
	file, errno := n.openSelf()
	if errno != 0 {
		return nil, errno
	}
	defer file.Close()
	names, err := file.ReadNames()
	if err != nil {
		return nil, syscall.ENOTDIR
	}
	entries := make([]fuse.DirEntry, 0, len(names))
	for _, name := range names {
		entries = append(entries, fuse.DirEntry{Name: name, Mode: fuse.S_IFREG})
	}
	return fs.NewListDirStream(entries), 0
}

func (n *slateNode) Getattr(ctx context.Context, f fs.FileHandle, out *fuse.AttrOut) syscall.Errno {
	file, errno := n.openSelf()
	if errno != 0 {
		return errno
	}
	defer file.Close()
	if file.IsDir() {
		out.Mode = fuse.S_IFDIR | 0o755
	} else {
		out.Mode = fuse.S_IFREG | 0o644
	}
	out.Size = uint64(file.Size())
	return 0
}

type slateFileHandle struct {
	file *filesys.File
}

var (
	_ = (fs.FileReader)((*slateFileHandle)(nil))
	_ = (fs.FileWriter)((*slateFileHandle)(nil))
	_ = (fs.FileReleaser)((*slateFileHandle)(nil))
)

func (n *slateNode) Open(ctx context.Context, flags uint32) (fs.FileHandle, uint32, syscall.Errno) {
	file, err := n.fileSystem.Open(n.path)
	if err != nil {
		return nil, 0, syscall.ENOENT
	}
	return &slateFileHandle{file: file}, fuse.FOPEN_DIRECT_IO, 0
}

func (n *slateNode) Create(ctx context.Context, name string, flags, mode uint32, out *fuse.EntryOut) (*fs.Inode, fs.FileHandle, uint32, syscall.Errno) {
	path := n.childPath(name)
	if err := n.fileSystem.Create(path, 0); err != nil {
		return nil, nil, 0, syscall.EEXIST
	}
	file, err := n.fileSystem.Open(path)
	if err != nil {
		return nil, nil, 0, syscall.EIO
	}
	out.Mode = fuse.S_IFREG | 0o644
	child := n.NewInode(ctx, &slateNode{
		fileSystem: n.fileSystem,
		path:       path,
	}, fs.StableAttr{
		Mode: fuse.S_IFREG,
		Ino:  uint64(file.Inumber()),
	})
	return child, &slateFileHandle{file: file}, fuse.FOPEN_DIRECT_IO, 0
}

func (n *slateNode) Mkdir(ctx context.Context, name string, mode uint32, out *fuse.EntryOut) (*fs.Inode, syscall.Errno) {
	path := n.childPath(name)
	if err := n.fileSystem.Mkdir(path); err != nil {
		return nil, syscall.EEXIST
	}
	file, err := n.fileSystem.Open(path + "/")
	if err != nil {
		return nil, syscall.EIO
	}
	defer file.Close()
	out.Mode = fuse.S_IFDIR | 0o755
	child := n.NewInode(ctx, &slateNode{
		fileSystem: n.fileSystem,
		path:       path,
	}, fs.StableAttr{
		Mode: fuse.S_IFDIR,
		Ino:  uint64(file.Inumber()),
	})
	return child, 0
}

func (n *slateNode) Unlink(ctx context.Context, name string) syscall.Errno {
	if err := n.fileSystem.Remove(n.childPath(name)); err != nil {
		return syscall.ENOENT
	}
	return 0
}

func (n *slateNode) Rmdir(ctx context.Context, name string) syscall.Errno {
	if err := n.fileSystem.Remove(n.childPath(name)); err != nil {
		return syscall.ENOTEMPTY
	}
	return 0
}

func (fh *slateFileHandle) Read(ctx context.Context, dest []byte, off int64) (fuse.ReadResult, syscall.Errno) {
	if err := fh.file.Seek(off); err != nil {
		return nil, syscall.EINVAL
	}
	n, err := fh.file.Read(dest)
	if err != nil {
		return nil, syscall.EIO
	}
	return fuse.ReadResultData(dest[:n]), 0
}

func (fh *slateFileHandle) Write(ctx context.Context, data []byte, off int64) (uint32, syscall.Errno) {
	if err := fh.file.Seek(off); err != nil {
		return 0, syscall.EINVAL
	}
	n, err := fh.file.Write(data)
	if err != nil {
		return 0, syscall.ENOSPC
	}
	return uint32(n), 0
}

func (fh *slateFileHandle) Release(ctx context.Context) syscall.Errno {
	fh.file.Close()
	return 0
}
