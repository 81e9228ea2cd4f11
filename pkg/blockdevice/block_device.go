package blockdevice

// SectorSize is the transfer unit of every BlockDevice. All reads and
// writes move exactly one sector of this many bytes.
const SectorSize = 512

// BlockDevice provides synchronous sector-granular access to a disk or
// disk image. The buffer cache is the only component that is permitted
// to call ReadSector() and WriteSector() for file system sectors;
// everything above it goes through the cache.
type BlockDevice interface {
	// ReadSector copies the contents of the given sector into p.
	// The buffer must be exactly SectorSize bytes long. The call
	// may block until the transfer has completed.
	ReadSector(sector uint32, p []byte) error
	// WriteSector copies p into the given sector. The buffer must
	// be exactly SectorSize bytes long. The call may block until
	// the transfer has completed, but an implementation may still
	// buffer the data in volatile caches until Sync() is called.
	WriteSector(sector uint32, p []byte) error
	// SectorCount returns the size of the device in sectors.
	SectorCount() uint32
	// Sync flushes any volatile buffers maintained by the
	// implementation to stable storage.
	Sync() error
}
