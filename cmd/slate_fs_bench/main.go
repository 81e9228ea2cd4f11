package main

import (
	"fmt"
	"log"
	"math/rand"

	"github.com/google/uuid"
	"github.com/slate-os/slate-filesystem/pkg/blockdevice"
	"github.com/slate-os/slate-filesystem/pkg/filesys"
	"github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"
)

// slate_fs_bench drives concurrent writer/reader workloads against a
// fresh in-memory file system and reports the buffer cache hit rate.
// It exists to exercise the cache's concurrency under contention, with
// concurrent workers touching more sectors than fit in the cache.

func main() {
	var (
		sectorCount = pflag.Uint32("sector-count", 65536, "Size of the scratch device in sectors")
		workers     = pflag.Int("workers", 16, "Number of concurrent workers")
		fileSize    = pflag.Int("file-size", 256*1024, "Bytes written per worker file")
		chunkSize   = pflag.Int("chunk-size", 1000, "Bytes per write call")
		passes      = pflag.Int("passes", 2, "Number of sequential re-read passes")
	)
	pflag.Parse()

	device := blockdevice.NewCountingBlockDevice(blockdevice.NewInMemoryBlockDevice(*sectorCount))
	if err := filesys.Format(device); err != nil {
		log.Fatal("Failed to format scratch file system: ", err)
	}
	fileSystem, err := filesys.Mount(device)
	if err != nil {
		log.Fatal("Failed to mount scratch file system: ", err)
	}

	var group errgroup.Group
	for i := 0; i < *workers; i++ {
		name := "/" + uuid.New().String()[:14]
		seed := int64(i)
		group.Go(func() error {
			if err := fileSystem.Create(name, 0); err != nil {
				return err
			}
			file, err := fileSystem.Open(name)
			if err != nil {
				return err
			}
			defer file.Close()

			// Write the file in odd-sized chunks, then re-read
			// it sequentially a number of times.
			rng := rand.New(rand.NewSource(seed))
			written := 0
			for written < *fileSize {
				chunk := make([]byte, min(*chunkSize, *fileSize-written))
				rng.Read(chunk)
				n, err := file.Write(chunk)
				if err != nil {
					return err
				}
				written += n
			}
			buf := make([]byte, 4096)
			for pass := 0; pass < *passes; pass++ {
				if err := file.Seek(0); err != nil {
					return err
				}
				for {
					n, err := file.Read(buf)
					if err != nil {
						return err
					}
					if n == 0 {
						break
					}
				}
			}
			return nil
		})
	}
	if err := group.Wait(); err != nil {
		log.Fatal("Workload failed: ", err)
	}
	if err := fileSystem.Unmount(); err != nil {
		log.Fatal("Failed to unmount scratch file system: ", err)
	}

	cache := fileSystem.Cache()
	hits, accesses := cache.HitCount(), cache.AccessCount()
	fmt.Printf("cache: %d hits / %d accesses (%.2f%%)\n", hits, accesses, 100*float64(hits)/float64(accesses))
	fmt.Printf("device: %d sector reads, %d sector writes\n", device.ReadCount(), device.WriteCount())
}
