package main

import (
	"bufio"
	"fmt"
	"log"
	"os"
	"strconv"
	"strings"

	"github.com/kballard/go-shellquote"
	"github.com/slate-os/slate-filesystem/pkg/blockdevice"
	"github.com/slate-os/slate-filesystem/pkg/filesys"
	"github.com/spf13/pflag"
)

// An interactive debug shell over a disk image. Commands operate on
// the file system the way the system-call surface would, which makes
// it handy for poking at cache behavior by hand.

func main() {
	var (
		imagePath   = pflag.String("image", "", "Path of the disk image to open")
		sectorCount = pflag.Uint32("sector-count", 0, "Size of the disk image in sectors (0 derives it from the file size)")
	)
	pflag.Parse()
	if *imagePath == "" {
		log.Fatal("Usage: slate_fs_shell --image disk.img")
	}
	count := *sectorCount
	if count == 0 {
		info, err := os.Stat(*imagePath)
		if err != nil {
			log.Fatal("Failed to stat disk image: ", err)
		}
		count = uint32(info.Size() / blockdevice.SectorSize)
	}

	device, err := blockdevice.NewMemoryMappedBlockDevice(*imagePath, count)
	if err != nil {
		log.Fatal("Failed to open disk image: ", err)
	}
	fileSystem, err := filesys.Mount(device)
	if err != nil {
		log.Fatal("Failed to mount file system: ", err)
	}
	defer func() {
		if err := fileSystem.Unmount(); err != nil {
			log.Fatal("Failed to unmount file system: ", err)
		}
	}()

	scanner := bufio.NewScanner(os.Stdin)
	for {
		fmt.Print("slate> ")
		if !scanner.Scan() {
			fmt.Println()
			return
		}
		words, err := shellquote.Split(scanner.Text())
		if err != nil {
			fmt.Println("parse error:", err)
			continue
		}
		if len(words) == 0 {
			continue
		}
		if words[0] == "exit" || words[0] == "quit" {
			return
		}
		if err := run(fileSystem, words[0], words[1:]); err != nil {
			fmt.Println("error:", err)
		}
	}
}

func run(fileSystem *filesys.FileSystem, command string, args []string) error {
	switch command {
	case "ls":
		path := "/"
		if len(args) > 0 {
			path = args[0]
		}
		if !strings.HasSuffix(path, "/") {
			path += "/"
		}
		dir, err := fileSystem.Open(path)
		if err != nil {
			return err
		}
		defer dir.Close()
		names, err := dir.ReadNames()
		if err != nil {
			return err
		}
		for _, name := range names {
			fmt.Println(name)
		}
		return nil

	case "cat":
		if len(args) != 1 {
			return fmt.Errorf("usage: cat PATH")
		}
		file, err := fileSystem.Open(args[0])
		if err != nil {
			return err
		}
		defer file.Close()
		buf := make([]byte, blockdevice.SectorSize)
		for {
			n, err := file.Read(buf)
			if err != nil {
				return err
			}
			if n == 0 {
				return nil
			}
			os.Stdout.Write(buf[:n])
		}

	case "put":
		if len(args) != 2 {
			return fmt.Errorf("usage: put HOSTPATH PATH")
		}
		data, err := os.ReadFile(args[0])
		if err != nil {
			return err
		}
		if err := fileSystem.Create(args[1], 0); err != nil {
			return err
		}
		file, err := fileSystem.Open(args[1])
		if err != nil {
			return err
		}
		defer file.Close()
		n, err := file.Write(data)
		if err != nil {
			return err
		}
		fmt.Printf("wrote %d bytes\n", n)
		return nil

	case "get":
		if len(args) != 2 {
			return fmt.Errorf("usage: get PATH HOSTPATH")
		}
		file, err := fileSystem.Open(args[0])
		if err != nil {
			return err
		}
		defer file.Close()
		data := make([]byte, file.Size())
		if _, err := file.Read(data); err != nil {
			return err
		}
		return os.WriteFile(args[1], data, 0o666)

	case "mkdir":
		if len(args) != 1 {
			return fmt.Errorf("usage: mkdir PATH")
		}
		return fileSystem.Mkdir(args[0])

	case "rm":
		if len(args) != 1 {
			return fmt.Errorf("usage: rm PATH")
		}
		return fileSystem.Remove(args[0])

	case "create":
		if len(args) != 2 {
			return fmt.Errorf("usage: create PATH SIZE")
		}
		size, err := strconv.ParseInt(args[1], 10, 64)
		if err != nil {
			return err
		}
		return fileSystem.Create(args[0], size)

	case "stat":
		if len(args) != 1 {
			return fmt.Errorf("usage: stat PATH")
		}
		file, err := fileSystem.Open(args[0])
		if err != nil {
			return err
		}
		defer file.Close()
		kind := "file"
		if file.IsDir() {
			kind = "directory"
		}
		fmt.Printf("%s inumber=%d size=%d\n", kind, file.Inumber(), file.Size())
		return nil

	case "hitrate":
		cache := fileSystem.Cache()
		hits, accesses := cache.HitCount(), cache.AccessCount()
		rate := 0.0
		if accesses > 0 {
			rate = float64(hits) / float64(accesses)
		}
		fmt.Printf("%d hits / %d accesses (%.2f)\n", hits, accesses, rate)
		return nil

	case "resetstats":
		fileSystem.Cache().ResetStatistics()
		return nil

	case "invcache":
		fileSystem.Cache().Invalidate()
		return nil

	case "flush":
		fileSystem.Cache().Flush()
		return nil

	case "free":
		fmt.Printf("%d free sectors\n", fileSystem.FreeMap().FreeCount())
		return nil

	default:
		return fmt.Errorf("unknown command %#v (ls cat put get mkdir rm create stat hitrate resetstats invcache flush free exit)", command)
	}
}
