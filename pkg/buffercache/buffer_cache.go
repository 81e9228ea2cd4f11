package buffercache

import (
	"container/list"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/slate-os/slate-filesystem/pkg/blockdevice"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

var (
	bufferCachePrometheusMetrics sync.Once

	bufferCacheAccessesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "slate_filesystem",
			Subsystem: "buffer_cache",
			Name:      "accesses_total",
			Help:      "Number of read and write calls served by the buffer cache.",
		})
	bufferCacheHitsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "slate_filesystem",
			Subsystem: "buffer_cache",
			Name:      "hits_total",
			Help:      "Number of buffer cache accesses that found their sector resident and ready on the first lookup.",
		})
	bufferCacheEvictionsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "slate_filesystem",
			Subsystem: "buffer_cache",
			Name:      "evictions_total",
			Help:      "Number of times a resident sector was displaced to make room for another.",
		})
)

// InvalidSector is the sector number stored in buffer cache entries
// that do not hold any sector. It is never a valid device sector.
const InvalidSector = ^uint32(0)

// DefaultEntryCount is the number of slots a production buffer cache
// is created with.
const DefaultEntryCount = 64

type entry struct {
	sector uint32
	dirty  bool
	// ready is false while the entry participates in a device
	// transfer. The sector field is already set at that point, so
	// that concurrent lookups find the entry and wait on
	// untilReady instead of scheduling a second transfer.
	ready      bool
	untilReady sync.Cond
	lruElement *list.Element
	data       [blockdevice.SectorSize]byte
}

// BufferCache is a fixed pool of sector-sized slots that caches the
// contents of a block device. All file system I/O goes through it. It
// coalesces writes (entries are written back only upon eviction or an
// explicit Flush) and evicts in LRU order.
//
// A single lock guards all cache state. It is released for the
// duration of every device transfer; the owning entry is marked not
// ready for that window so that other callers either wait for it or
// leave it alone.
type BufferCache struct {
	device blockdevice.BlockDevice

	lock          sync.Mutex
	untilOneReady sync.Cond
	entries       []*entry
	lru           *list.List // Front is most recently used.
	numReady      int
	numAccesses   uint64
	numHits       uint64
}

// New creates a BufferCache with the given number of slots on top of a
// block device. Every slot starts out ready, empty and threaded onto
// the LRU list.
func New(device blockdevice.BlockDevice, entryCount int) *BufferCache {
	bufferCachePrometheusMetrics.Do(func() {
		prometheus.MustRegister(bufferCacheAccessesTotal)
		prometheus.MustRegister(bufferCacheHitsTotal)
		prometheus.MustRegister(bufferCacheEvictionsTotal)
	})

	bc := &BufferCache{
		device:   device,
		entries:  make([]*entry, entryCount),
		lru:      list.New(),
		numReady: entryCount,
	}
	bc.untilOneReady.L = &bc.lock
	for i := range bc.entries {
		e := &entry{
			sector: InvalidSector,
			ready:  true,
		}
		e.untilReady.L = &bc.lock
		e.lruElement = bc.lru.PushFront(e)
		bc.entries[i] = e
	}
	return bc
}

// find returns the entry currently assigned to the given sector, which
// may still be in the process of being faulted in.
func (bc *BufferCache) find(sector uint32) *entry {
	for _, e := range bc.entries {
		if e.sector == sector {
			return e
		}
	}
	return nil
}

// evictionCandidate returns the entry farthest back in the LRU list
// whose ready flag is set, or nil if no entry is ready. Entries that
// are not ready belong to another caller's in-flight transfer and must
// not be touched.
func (bc *BufferCache) evictionCandidate() *entry {
	if bc.numReady == 0 {
		return nil
	}
	element := bc.lru.Back()
	for !element.Value.(*entry).ready {
		element = element.Prev()
	}
	return element.Value.(*entry)
}

// clean writes a dirty entry back to the device. The cache lock is
// released for the duration of the transfer, with the entry marked not
// ready so that no other caller uses or evicts it.
func (bc *BufferCache) clean(e *entry) {
	if !e.dirty {
		panic("Attempted to clean a buffer cache entry that is not dirty")
	}
	e.ready = false
	bc.numReady--
	bc.lock.Unlock()

	err := bc.device.WriteSector(e.sector, e.data[:])

	bc.lock.Lock()
	if err != nil {
		panic(status.Errorf(codes.Internal, "Failed to write sector %d back to the block device: %s", e.sector, err))
	}
	e.dirty = false
	e.ready = true
	bc.numReady++
	e.untilReady.Broadcast()
	bc.untilOneReady.Broadcast()
}

// replace reassigns a clean entry to a new sector and faults that
// sector's contents in from the device, again with the lock released
// around the transfer.
func (bc *BufferCache) replace(e *entry, sector uint32) {
	if e.dirty {
		panic("Attempted to replace a buffer cache entry that is still dirty")
	}
	e.sector = sector
	e.ready = false
	bc.numReady--
	bc.lock.Unlock()

	err := bc.device.ReadSector(sector, e.data[:])

	bc.lock.Lock()
	if err != nil {
		panic(status.Errorf(codes.Internal, "Failed to read sector %d from the block device: %s", sector, err))
	}
	e.ready = true
	bc.numReady++
	e.untilReady.Broadcast()
	bc.untilOneReady.Broadcast()
}

// access returns the ready entry holding the given sector, faulting it
// in or evicting another sector as needed. A blind access is one that
// will overwrite the full sector, in which case a victim entry can
// simply be renamed in place without reading the old contents from the
// device.
//
// Only the first iteration can count a hit: as soon as the call takes
// any slow path (waiting for an in-flight transfer, eviction, fault
// in) the access is a miss, even if a later iteration finds the
// sector present.
func (bc *BufferCache) access(sector uint32, blind bool) *entry {
	bc.numAccesses++
	bufferCacheAccessesTotal.Inc()
	isHit := true
	for {
		if match := bc.find(sector); match != nil {
			if !match.ready {
				isHit = false
				match.untilReady.Wait()
				continue
			}
			if isHit {
				bc.numHits++
				bufferCacheHitsTotal.Inc()
			}
			bc.lru.MoveToFront(match.lruElement)
			return match
		}
		isHit = false
		victim := bc.evictionCandidate()
		if victim == nil {
			bc.untilOneReady.Wait()
		} else if victim.dirty {
			bc.clean(victim)
		} else if blind {
			// Rename the victim in place. The next iteration
			// finds it without a device read; the caller
			// overwrites the stale contents entirely.
			if victim.sector != InvalidSector {
				bufferCacheEvictionsTotal.Inc()
			}
			victim.sector = sector
		} else {
			if victim.sector != InvalidSector {
				bufferCacheEvictionsTotal.Inc()
			}
			bc.replace(victim, sector)
		}
	}
}

func checkSectorRange(offset, length int) {
	if offset < 0 || length < 0 || offset+length > blockdevice.SectorSize {
		panic(status.Errorf(codes.InvalidArgument, "Access of %d bytes at offset %d exceeds a %d byte sector", length, offset, blockdevice.SectorSize))
	}
}

// Read copies len(p) bytes out of the cached image of the given
// sector, starting at the given offset within the sector. The sector
// is faulted in from the device if it is not resident.
func (bc *BufferCache) Read(sector uint32, p []byte, offset int) {
	checkSectorRange(offset, len(p))
	bc.lock.Lock()
	defer bc.lock.Unlock()

	e := bc.access(sector, false)
	copy(p, e.data[offset:])
}

// Write copies len(p) bytes into the cached image of the given sector,
// starting at the given offset within the sector, and marks the entry
// dirty. A full-sector write is blind: the previous contents are never
// read from the device.
func (bc *BufferCache) Write(sector uint32, p []byte, offset int) {
	checkSectorRange(offset, len(p))
	bc.lock.Lock()
	defer bc.lock.Unlock()

	e := bc.access(sector, offset == 0 && len(p) == blockdevice.SectorSize)
	copy(e.data[offset:], p)
	e.dirty = true
}

// Flush writes every dirty entry back to the device. When it returns,
// every entry that was dirty at the time of the call has been
// persisted.
func (bc *BufferCache) Flush() {
	bc.lock.Lock()
	defer bc.lock.Unlock()

	for _, e := range bc.entries {
		for !e.ready {
			e.untilReady.Wait()
		}
		if e.dirty {
			bc.clean(e)
		}
	}
}

// Invalidate writes all dirty entries back and then empties every
// slot, so that subsequent accesses observe a cold cache. Statistics
// are reset as well. This is a test hook.
func (bc *BufferCache) Invalidate() {
	bc.lock.Lock()
	defer bc.lock.Unlock()

	for _, e := range bc.entries {
		for !e.ready {
			e.untilReady.Wait()
		}
		if e.dirty {
			bc.clean(e)
		}
	}
	for _, e := range bc.entries {
		e.sector = InvalidSector
		e.dirty = false
	}
	bc.numAccesses = 0
	bc.numHits = 0
}

// HitCount returns the number of accesses that were served entirely
// from resident, ready entries.
func (bc *BufferCache) HitCount() uint64 {
	bc.lock.Lock()
	defer bc.lock.Unlock()
	return bc.numHits
}

// AccessCount returns the total number of Read and Write calls.
func (bc *BufferCache) AccessCount() uint64 {
	bc.lock.Lock()
	defer bc.lock.Unlock()
	return bc.numAccesses
}

// ResetStatistics resets the hit and access counters to zero without
// affecting cache contents.
func (bc *BufferCache) ResetStatistics() {
	bc.lock.Lock()
	defer bc.lock.Unlock()
	bc.numAccesses = 0
	bc.numHits = 0
}

// EntryCount returns the number of slots in the cache.
func (bc *BufferCache) EntryCount() int {
	return len(bc.entries)
}
