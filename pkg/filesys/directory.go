package filesys

import (
	"bytes"
	"encoding/binary"

	"github.com/slate-os/slate-filesystem/pkg/inode"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// NameMax is the longest directory entry name, in bytes.
const NameMax = 14

// A directory's contents are an ordinary file holding an array of
// fixed-size entries, read and written through the inode layer like
// any other file data.
const (
	entrySize = 20

	entrySectorOffset = 0
	entryNameOffset   = 4
	entryInUseOffset  = entryNameOffset + NameMax + 1
)

type dirEntry struct {
	inodeSector uint32
	name        string
	inUse       bool
}

func (e *dirEntry) marshal(p *[entrySize]byte) {
	binary.LittleEndian.PutUint32(p[entrySectorOffset:], e.inodeSector)
	copy(p[entryNameOffset:entryNameOffset+NameMax+1], e.name)
	if e.inUse {
		p[entryInUseOffset] = 1
	} else {
		p[entryInUseOffset] = 0
	}
}

func (e *dirEntry) unmarshal(p *[entrySize]byte) {
	e.inodeSector = binary.LittleEndian.Uint32(p[entrySectorOffset:])
	name := p[entryNameOffset : entryNameOffset+NameMax+1]
	if i := bytes.IndexByte(name, 0); i >= 0 {
		name = name[:i]
	}
	e.name = string(name)
	e.inUse = p[entryInUseOffset] != 0
}

// Directory provides name to inode-sector mapping over an open
// directory inode.
type Directory struct {
	inode *inode.Inode
}

// openDirectory wraps an open inode in a Directory. Ownership of the
// inode reference moves to the Directory; Close releases it.
func openDirectory(in *inode.Inode) *Directory {
	return &Directory{
		inode: in,
	}
}

// makeDirectory creates a directory inode at the given home sector,
// holding its "." and ".." entries. For the root directory both point
// at the directory itself.
func makeDirectory(inodes *inode.Store, sector, parentSector uint32) error {
	if err := inodes.Create(sector, 2*entrySize, true); err != nil {
		return err
	}
	dir := openDirectory(inodes.Open(sector))
	defer dir.Close()
	if err := dir.writeEntry(0, &dirEntry{inodeSector: sector, name: ".", inUse: true}); err != nil {
		return err
	}
	return dir.writeEntry(1, &dirEntry{inodeSector: parentSector, name: "..", inUse: true})
}

// Inumber returns the home sector of the directory's inode.
func (d *Directory) Inumber() uint32 {
	return d.inode.Inumber()
}

// Close releases the directory's inode reference.
func (d *Directory) Close() {
	d.inode.Close()
}

func (d *Directory) entryCount() int {
	return int(d.inode.Length() / entrySize)
}

func (d *Directory) readEntry(index int, e *dirEntry) error {
	var buf [entrySize]byte
	n, err := d.inode.ReadAt(buf[:], int64(index)*entrySize)
	if err != nil {
		return err
	}
	if n != entrySize {
		return status.Errorf(codes.Internal, "Directory entry %d is truncated: got %d of %d bytes", index, n, entrySize)
	}
	e.unmarshal(&buf)
	return nil
}

func (d *Directory) writeEntry(index int, e *dirEntry) error {
	var buf [entrySize]byte
	e.marshal(&buf)
	n, err := d.inode.WriteAt(buf[:], int64(index)*entrySize)
	if err != nil {
		return err
	}
	if n != entrySize {
		return status.Errorf(codes.Internal, "Short write of directory entry %d: wrote %d of %d bytes", index, n, entrySize)
	}
	return nil
}

// Lookup returns the inode sector the given name maps to.
func (d *Directory) Lookup(name string) (uint32, error) {
	count := d.entryCount()
	for i := 0; i < count; i++ {
		var e dirEntry
		if err := d.readEntry(i, &e); err != nil {
			return 0, err
		}
		if e.inUse && e.name == name {
			return e.inodeSector, nil
		}
	}
	return 0, status.Errorf(codes.NotFound, "No entry named %#v", name)
}

// Add inserts a mapping from name to the given inode sector, reusing a
// free entry slot if one exists and extending the directory file
// otherwise.
func (d *Directory) Add(name string, sector uint32) error {
	if name == "" || len(name) > NameMax {
		return status.Errorf(codes.InvalidArgument, "Invalid entry name %#v", name)
	}
	freeSlot := -1
	count := d.entryCount()
	for i := 0; i < count; i++ {
		var e dirEntry
		if err := d.readEntry(i, &e); err != nil {
			return err
		}
		if e.inUse {
			if e.name == name {
				return status.Errorf(codes.AlreadyExists, "An entry named %#v already exists", name)
			}
		} else if freeSlot < 0 {
			freeSlot = i
		}
	}
	if freeSlot < 0 {
		freeSlot = count
	}
	return d.writeEntry(freeSlot, &dirEntry{inodeSector: sector, name: name, inUse: true})
}

// RemoveEntry deletes the mapping for the given name.
func (d *Directory) RemoveEntry(name string) error {
	count := d.entryCount()
	for i := 0; i < count; i++ {
		var e dirEntry
		if err := d.readEntry(i, &e); err != nil {
			return err
		}
		if e.inUse && e.name == name {
			e.inUse = false
			return d.writeEntry(i, &e)
		}
	}
	return status.Errorf(codes.NotFound, "No entry named %#v", name)
}

// ReadNames returns the names of all live entries other than "." and
// "..".
func (d *Directory) ReadNames() ([]string, error) {
	var names []string
	count := d.entryCount()
	for i := 0; i < count; i++ {
		var e dirEntry
		if err := d.readEntry(i, &e); err != nil {
			return nil, err
		}
		if e.inUse && e.name != "." && e.name != ".." {
			names = append(names, e.name)
		}
	}
	return names, nil
}

// IsEmpty returns whether the directory holds no live entries besides
// "." and "..".
func (d *Directory) IsEmpty() (bool, error) {
	names, err := d.ReadNames()
	if err != nil {
		return false, err
	}
	return len(names) == 0, nil
}
