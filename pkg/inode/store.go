package inode

import (
	"encoding/binary"
	"sync"

	"github.com/slate-os/slate-filesystem/pkg/blockdevice"
	"github.com/slate-os/slate-filesystem/pkg/buffercache"
	"github.com/slate-os/slate-filesystem/pkg/freemap"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// notPresent is returned by byteToSector for offsets that lie beyond
// the inode's current length.
const notPresent = buffercache.InvalidSector

// Store is the open-inode table. It guarantees that opening the same
// home sector twice yields the same in-memory Inode, which is what
// makes reference counts and the write-deny counter meaningful. All
// inode I/O is routed through one buffer cache and one sector
// allocator.
type Store struct {
	cache     *buffercache.BufferCache
	allocator freemap.SectorAllocator

	lock sync.Mutex
	open map[uint32]*Inode
}

// NewStore creates an empty open-inode table on top of a buffer cache
// and a sector allocator.
func NewStore(cache *buffercache.BufferCache, allocator freemap.SectorAllocator) *Store {
	return &Store{
		cache:     cache,
		allocator: allocator,
		open:      map[uint32]*Inode{},
	}
}

// Create initializes a fresh inode record with the given length and
// directory flag, allocates its data sectors and writes the record to
// its home sector. On allocation failure no sectors remain claimed and
// the home sector is left untouched.
func (s *Store) Create(sector uint32, length int64, isDir bool) error {
	if length < 0 {
		return status.Errorf(codes.InvalidArgument, "Negative file length: %d", length)
	}
	d := diskInode{isDir: isDir}
	if err := s.allocate(&d, length); err != nil {
		return err
	}
	d.length = int32(length)
	s.writeDiskInode(sector, &d)
	return nil
}

// Open returns the in-memory inode for the given home sector, either
// by handing out an additional reference to an already open inode or
// by creating a fresh one.
func (s *Store) Open(sector uint32) *Inode {
	s.lock.Lock()
	defer s.lock.Unlock()

	if in, ok := s.open[sector]; ok {
		in.openCount++
		return in
	}
	in := &Inode{
		store:  s,
		sector: sector,

		openCount: 1,
	}
	in.untilNotExtending.L = &in.lock
	in.untilNoWriters.L = &in.lock
	s.open[sector] = in
	return in
}

// OpenCount returns the number of distinct inodes that are currently
// open.
func (s *Store) OpenCount() int {
	s.lock.Lock()
	defer s.lock.Unlock()
	return len(s.open)
}

// Validate checks that the given sector holds a plausible inode
// record. Used at mount time to reject unformatted devices before the
// stricter in-band magic checks get a chance to panic.
func (s *Store) Validate(sector uint32) error {
	var buf [blockdevice.SectorSize]byte
	s.cache.Read(sector, buf[:], 0)
	if magic := binary.LittleEndian.Uint32(buf[magicOffset:]); magic != diskInodeMagic {
		return status.Errorf(codes.FailedPrecondition, "Sector %d does not hold an inode record", sector)
	}
	return nil
}

func (s *Store) readDiskInode(sector uint32) *diskInode {
	var buf [blockdevice.SectorSize]byte
	s.cache.Read(sector, buf[:], 0)
	var d diskInode
	d.unmarshal(sector, &buf)
	return &d
}

func (s *Store) writeDiskInode(sector uint32, d *diskInode) {
	var buf [blockdevice.SectorSize]byte
	d.marshal(&buf)
	s.cache.Write(sector, buf[:], 0)
}

func (s *Store) readIndirect(sector uint32, b *indirectBlock) {
	var buf [blockdevice.SectorSize]byte
	s.cache.Read(sector, buf[:], 0)
	b.unmarshal(&buf)
}

func (s *Store) writeIndirect(sector uint32, b *indirectBlock) {
	var buf [blockdevice.SectorSize]byte
	b.marshal(&buf)
	s.cache.Write(sector, buf[:], 0)
}

// byteToSector translates a byte offset within the inode to the data
// sector holding it, walking the direct, single-indirect and
// doubly-indirect tiers. Returns notPresent for offsets at or past the
// inode's length.
func (s *Store) byteToSector(d *diskInode, offset int64) uint32 {
	if offset >= int64(d.length) {
		return notPresent
	}
	blockIndex := offset / blockdevice.SectorSize

	if blockIndex < NumDirect {
		return d.direct[blockIndex]
	}

	if blockIndex < NumDirect+PointersPerBlock {
		var table indirectBlock
		s.readIndirect(d.singleIndirect, &table)
		return table[blockIndex-NumDirect]
	}

	blockIndex -= NumDirect + PointersPerBlock
	outer := blockIndex / PointersPerBlock
	inner := blockIndex % PointersPerBlock
	var table indirectBlock
	s.readIndirect(d.doublyIndirect, &table)
	s.readIndirect(table[outer], &table)
	return table[inner]
}
