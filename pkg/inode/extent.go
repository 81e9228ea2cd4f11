package inode

import (
	"github.com/slate-os/slate-filesystem/pkg/blockdevice"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

var zeroSector [blockdevice.SectorSize]byte

// pendingTable is an indirect table whose updated contents may only be
// written back once every sector of the allocation has been claimed.
// Persisting tables earlier would leave pointers to rolled-back
// sectors behind on a failed allocation.
type pendingTable struct {
	sector  uint32
	table   indirectBlock
	changed bool
}

// allocate grows the sector map of d so that it covers newLength
// bytes, claiming sectors tier by tier: direct pointers first, then
// the single-indirect table, then the doubly-indirect tables. Freshly
// claimed data and table sectors are zero-filled through blind
// full-sector cache writes.
//
// The call is all or nothing. Claimed sectors go onto an undo list and
// indirect table updates are buffered; only when every claim has
// succeeded are the tables written through the cache. On failure the
// undo list is drained back into the allocator and no table in the
// cache has changed. d may be left with pointers to released sectors
// in that case; the caller must discard it without writing it to disk.
func (s *Store) allocate(d *diskInode, newLength int64) error {
	if newLength > MaxFileSize {
		return status.Errorf(codes.InvalidArgument, "File length %d exceeds the maximum of %d bytes", newLength, MaxFileSize)
	}
	remaining := sectorsForLength(newLength)
	var claimed []uint32
	claimSector := func() (uint32, error) {
		sector, err := s.allocator.Allocate(1)
		if err != nil {
			s.allocator.ReleaseList(claimed)
			return 0, err
		}
		claimed = append(claimed, sector)
		return sector, nil
	}

	// Direct tier.
	n := min(remaining, NumDirect)
	for i := 0; i < n; i++ {
		if d.direct[i] == 0 {
			sector, err := claimSector()
			if err != nil {
				return err
			}
			d.direct[i] = sector
		}
	}
	remaining -= n

	// Single-indirect tier.
	var single pendingTable
	if remaining > 0 {
		if d.singleIndirect == 0 {
			sector, err := claimSector()
			if err != nil {
				return err
			}
			d.singleIndirect = sector
		} else {
			s.readIndirect(d.singleIndirect, &single.table)
		}
		single.sector = d.singleIndirect
		n = min(remaining, PointersPerBlock)
		for i := 0; i < n; i++ {
			if single.table[i] == 0 {
				sector, err := claimSector()
				if err != nil {
					return err
				}
				single.table[i] = sector
				single.changed = true
			}
		}
		remaining -= n
	}

	// Doubly-indirect tier.
	var outer pendingTable
	var inners []pendingTable
	if remaining > 0 {
		if d.doublyIndirect == 0 {
			sector, err := claimSector()
			if err != nil {
				return err
			}
			d.doublyIndirect = sector
		} else {
			s.readIndirect(d.doublyIndirect, &outer.table)
		}
		outer.sector = d.doublyIndirect
		for outerIndex := 0; remaining > 0; outerIndex++ {
			inner := pendingTable{}
			if outer.table[outerIndex] == 0 {
				sector, err := claimSector()
				if err != nil {
					return err
				}
				outer.table[outerIndex] = sector
				outer.changed = true
			} else {
				s.readIndirect(outer.table[outerIndex], &inner.table)
			}
			inner.sector = outer.table[outerIndex]
			n = min(remaining, PointersPerBlock)
			for i := 0; i < n; i++ {
				if inner.table[i] == 0 {
					sector, err := claimSector()
					if err != nil {
						return err
					}
					inner.table[i] = sector
					inner.changed = true
				}
			}
			remaining -= n
			if inner.changed {
				inners = append(inners, inner)
			}
		}
	}

	// Every sector is claimed; the allocation can no longer fail.
	// Zero-fill what was claimed and persist the updated tables.
	for _, sector := range claimed {
		s.cache.Write(sector, zeroSector[:], 0)
	}
	if single.changed {
		s.writeIndirect(single.sector, &single.table)
	}
	for i := range inners {
		s.writeIndirect(inners[i].sector, &inners[i].table)
	}
	if outer.changed {
		s.writeIndirect(outer.sector, &outer.table)
	}
	return nil
}

// deallocate returns every data sector and every indirect table sector
// reachable from d to the allocator. The home sector itself is
// released by the caller.
func (s *Store) deallocate(d *diskInode) {
	for _, sector := range d.direct {
		if sector != 0 {
			s.allocator.Release(sector, 1)
		}
	}

	if d.singleIndirect != 0 {
		var table indirectBlock
		s.readIndirect(d.singleIndirect, &table)
		for _, sector := range table {
			if sector != 0 {
				s.allocator.Release(sector, 1)
			}
		}
		s.allocator.Release(d.singleIndirect, 1)
	}

	if d.doublyIndirect != 0 {
		var outer indirectBlock
		s.readIndirect(d.doublyIndirect, &outer)
		for _, innerSector := range outer {
			if innerSector == 0 {
				continue
			}
			var inner indirectBlock
			s.readIndirect(innerSector, &inner)
			for _, sector := range inner {
				if sector != 0 {
					s.allocator.Release(sector, 1)
				}
			}
			s.allocator.Release(innerSector, 1)
		}
		s.allocator.Release(d.doublyIndirect, 1)
	}
}
