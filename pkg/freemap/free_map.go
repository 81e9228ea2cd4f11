package freemap

import (
	"encoding/binary"
	"fmt"
	"math/bits"
	"sync"

	"github.com/slate-os/slate-filesystem/pkg/blockdevice"
	"github.com/slate-os/slate-filesystem/pkg/buffercache"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// SectorAllocator hands out device sectors for file data, indirect
// blocks and inode records, and takes them back upon deallocation.
type SectorAllocator interface {
	// Allocate a contiguous range of sectors, returning the first
	// sector number. The core of the file system only performs
	// single sector allocations. Returns ResourceExhausted when no
	// suitable range exists.
	Allocate(count uint32) (uint32, error)
	// Release a contiguous range of sectors. Releasing a sector
	// that is not allocated is a bug and panics.
	Release(first, count uint32)
	// ReleaseList releases a potentially fragmented list of
	// sectors, as accumulated by allocation rollback. Elements
	// holding zero or InvalidSector are ignored.
	ReleaseList(sectors []uint32)
}

const (
	allBits = ^uint64(0)
	// bitsPerSector is the number of allocation bits that fit in
	// one on-disk bitmap page.
	bitsPerSector = blockdevice.SectorSize * 8
)

// ReservedSectors returns the number of sectors at the start of the
// device that hold the persistent allocation bitmap for a device of
// the given size. These sectors are never allocatable, which also
// guarantees that sector 0 never names file data and that a zeroed
// pointer word can safely mean "unallocated".
func ReservedSectors(sectorCount uint32) uint32 {
	return (sectorCount + bitsPerSector - 1) / bitsPerSector
}

var _ SectorAllocator = (*FreeMap)(nil)

// FreeMap tracks which sectors of the device are in use. Free sectors
// are one bits. The bitmap is persisted in the reserved sectors at the
// start of the device, routed through the buffer cache like all other
// file system I/O.
type FreeMap struct {
	cache       *buffercache.BufferCache
	sectorCount uint32

	lock       sync.Mutex
	freeBitmap []uint64
	nextSector uint32
}

// New creates a FreeMap for a device of the given size. All sectors
// start out free, except for the reserved bitmap pages themselves and
// the guard bits past the end of the device. The caller either calls
// Load() to adopt the on-disk state or formats a fresh file system and
// calls Persist().
func New(cache *buffercache.BufferCache, sectorCount uint32) *FreeMap {
	fm := &FreeMap{
		cache:       cache,
		sectorCount: sectorCount,
		// One extra word of permanently allocated guard bits,
		// so that scans need no explicit bounds checks.
		freeBitmap: make([]uint64, sectorCount/64+1),
	}
	for i := uint32(0); i < sectorCount/64; i++ {
		fm.freeBitmap[i] = allBits
	}
	fm.freeBitmap[sectorCount/64] = ^(allBits << (sectorCount % 64))
	for sector := uint32(0); sector < ReservedSectors(sectorCount); sector++ {
		fm.freeBitmap[sector/64] &^= uint64(1) << (sector % 64)
	}
	return fm
}

// Allocate claims a contiguous range of sectors, scanning the bitmap
// from where the previous allocation left off.
func (fm *FreeMap) Allocate(count uint32) (uint32, error) {
	if count == 0 {
		return 0, status.Error(codes.InvalidArgument, "Attempted to allocate zero sectors")
	}
	fm.lock.Lock()
	defer fm.lock.Unlock()

	if count == 1 {
		// Fast path used by all inode layer allocations: find
		// any free bit, preferring the word the previous
		// allocation ended in.
		split := fm.nextSector / 64
		if m := fm.freeBitmap[split] & (allBits << (fm.nextSector % 64)); m != 0 {
			return fm.allocateBitAt(split, m), nil
		}
		for i := split + 1; i < uint32(len(fm.freeBitmap)); i++ {
			if m := fm.freeBitmap[i]; m != 0 {
				return fm.allocateBitAt(i, m), nil
			}
		}
		for i := uint32(0); i <= split; i++ {
			if m := fm.freeBitmap[i]; m != 0 {
				return fm.allocateBitAt(i, m), nil
			}
		}
		return 0, status.Error(codes.ResourceExhausted, "No free sectors available")
	}

	// Contiguous multi-sector allocation. The file system layers
	// only allocate single sectors, so a simple first fit scan
	// suffices here.
	run := uint32(0)
	for sector := uint32(0); sector < fm.sectorCount; sector++ {
		if fm.freeBitmap[sector/64]&(uint64(1)<<(sector%64)) != 0 {
			run++
			if run == count {
				first := sector - count + 1
				for s := first; s <= sector; s++ {
					fm.freeBitmap[s/64] &^= uint64(1) << (s % 64)
				}
				fm.nextSector = sector + 1
				return first, nil
			}
		} else {
			run = 0
		}
	}
	return 0, status.Errorf(codes.ResourceExhausted, "No %d contiguous free sectors available", count)
}

func (fm *FreeMap) allocateBitAt(index uint32, mask uint64) uint32 {
	sector := index*64 + uint32(bits.TrailingZeros64(mask))
	fm.freeBitmap[index] &^= uint64(1) << (sector % 64)
	fm.nextSector = sector + 1
	return sector
}

// Release returns a contiguous range of sectors to the free map.
func (fm *FreeMap) Release(first, count uint32) {
	fm.lock.Lock()
	defer fm.lock.Unlock()

	for sector := first; sector < first+count; sector++ {
		fm.releaseSector(sector)
	}
}

// ReleaseList returns a fragmented list of sectors to the free map.
// Zero and InvalidSector elements are skipped, so allocation rollback
// can pass partially filled tables verbatim.
func (fm *FreeMap) ReleaseList(sectors []uint32) {
	fm.lock.Lock()
	defer fm.lock.Unlock()

	for _, sector := range sectors {
		if sector != 0 && sector != buffercache.InvalidSector {
			fm.releaseSector(sector)
		}
	}
}

func (fm *FreeMap) releaseSector(sector uint32) {
	if sector >= fm.sectorCount {
		panic(fmt.Sprintf("Attempted to release sector %d on a %d sector device", sector, fm.sectorCount))
	}
	bit := uint64(1) << (sector % 64)
	if fm.freeBitmap[sector/64]&bit != 0 {
		panic(fmt.Sprintf("Attempted to release sector %d, even though it is not allocated", sector))
	}
	fm.freeBitmap[sector/64] |= bit
}

// IsAllocated returns whether the given sector is currently in use.
func (fm *FreeMap) IsAllocated(sector uint32) bool {
	fm.lock.Lock()
	defer fm.lock.Unlock()
	return fm.freeBitmap[sector/64]&(uint64(1)<<(sector%64)) == 0
}

// FreeCount returns the number of sectors that are currently free.
func (fm *FreeMap) FreeCount() uint32 {
	fm.lock.Lock()
	defer fm.lock.Unlock()

	count := uint32(0)
	for _, word := range fm.freeBitmap {
		count += uint32(bits.OnesCount64(word))
	}
	return count
}

// Persist writes the bitmap into the reserved sectors through the
// buffer cache. Durability still requires a cache flush afterwards.
func (fm *FreeMap) Persist() {
	fm.lock.Lock()
	defer fm.lock.Unlock()

	var page [blockdevice.SectorSize]byte
	word := 0
	for sector := uint32(0); sector < ReservedSectors(fm.sectorCount); sector++ {
		for i := 0; i < blockdevice.SectorSize; i += 8 {
			var w uint64
			if word < len(fm.freeBitmap) {
				w = fm.freeBitmap[word]
			}
			binary.LittleEndian.PutUint64(page[i:], w)
			word++
		}
		fm.cache.Write(sector, page[:], 0)
	}
}

// Load replaces the in-memory bitmap with the on-disk state stored in
// the reserved sectors.
func (fm *FreeMap) Load() {
	fm.lock.Lock()
	defer fm.lock.Unlock()

	var page [blockdevice.SectorSize]byte
	word := 0
	for sector := uint32(0); sector < ReservedSectors(fm.sectorCount); sector++ {
		fm.cache.Read(sector, page[:], 0)
		for i := 0; i < blockdevice.SectorSize; i += 8 {
			if word < len(fm.freeBitmap) {
				fm.freeBitmap[word] = binary.LittleEndian.Uint64(page[i:])
			}
			word++
		}
	}
	fm.nextSector = 0
}
