package main

import (
	"log"
	"os"

	"github.com/slate-os/slate-filesystem/pkg/blockdevice"
	"github.com/slate-os/slate-filesystem/pkg/filesys"
	"github.com/slate-os/slate-filesystem/pkg/freemap"
	"github.com/spf13/pflag"
)

func main() {
	var (
		imagePath   = pflag.String("image", "", "Path of the disk image to create")
		sectorCount = pflag.Uint32("sector-count", 4096, "Size of the disk image in sectors")
		overwrite   = pflag.Bool("overwrite", false, "Replace the image if it already exists")
	)
	pflag.Parse()
	if *imagePath == "" {
		log.Fatal("Usage: slate_mkfs --image disk.img [--sector-count N]")
	}
	if *sectorCount <= freemap.ReservedSectors(*sectorCount)+1 {
		log.Fatalf("A %d sector device has no room for file data", *sectorCount)
	}

	flags := os.O_RDWR | os.O_CREATE | os.O_EXCL
	if *overwrite {
		flags = os.O_RDWR | os.O_CREATE | os.O_TRUNC
	}
	file, err := os.OpenFile(*imagePath, flags, 0o666)
	if err != nil {
		log.Fatal("Failed to create disk image: ", err)
	}
	if err := file.Truncate(int64(*sectorCount) * blockdevice.SectorSize); err != nil {
		log.Fatal("Failed to size disk image: ", err)
	}
	if err := file.Close(); err != nil {
		log.Fatal("Failed to close disk image: ", err)
	}

	device, err := blockdevice.NewMemoryMappedBlockDevice(*imagePath, *sectorCount)
	if err != nil {
		log.Fatal("Failed to open disk image: ", err)
	}
	if err := filesys.Format(device); err != nil {
		log.Fatal("Failed to format file system: ", err)
	}
	log.Printf("Formatted %s: %d sectors, %d reserved for the allocation bitmap", *imagePath, *sectorCount, freemap.ReservedSectors(*sectorCount))
}
