package main

import (
	"encoding/json"
	"log"
	"net/http"
	"os"

	"github.com/gorilla/mux"
	"github.com/kelseyhightower/envconfig"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/slate-os/slate-filesystem/pkg/blockdevice"
	"github.com/slate-os/slate-filesystem/pkg/filesys"
)

// slate_fs_inspector serves read-only inspection endpoints over a disk
// image, next to the process's Prometheus metrics. It is meant to be
// pointed at an image that no other process is writing to.

type configuration struct {
	ListenAddress string `default:":8080" split_words:"true"`
	ImagePath     string `required:"true" split_words:"true"`
}

type cacheState struct {
	Hits        uint64  `json:"hits"`
	Accesses    uint64  `json:"accesses"`
	HitRate     float64 `json:"hit_rate"`
	EntryCount  int     `json:"entry_count"`
	FreeSectors uint32  `json:"free_sectors"`
}

type fileState struct {
	Name    string `json:"name"`
	Inumber uint32 `json:"inumber"`
	Size    int64  `json:"size"`
	IsDir   bool   `json:"is_dir"`
}

func main() {
	var config configuration
	if err := envconfig.Process("slate_fs_inspector", &config); err != nil {
		log.Fatal("Failed to process configuration: ", err)
	}
	info, err := os.Stat(config.ImagePath)
	if err != nil {
		log.Fatal("Failed to stat disk image: ", err)
	}
	device, err := blockdevice.NewMemoryMappedBlockDevice(config.ImagePath, uint32(info.Size()/blockdevice.SectorSize))
	if err != nil {
		log.Fatal("Failed to open disk image: ", err)
	}
	fileSystem, err := filesys.Mount(blockdevice.NewMetricsBlockDevice(device))
	if err != nil {
		log.Fatal("Failed to mount file system: ", err)
	}

	router := mux.NewRouter()
	router.Handle("/metrics", promhttp.Handler())
	router.HandleFunc("/api/v1/cache", func(w http.ResponseWriter, r *http.Request) {
		cache := fileSystem.Cache()
		hits, accesses := cache.HitCount(), cache.AccessCount()
		state := cacheState{
			Hits:        hits,
			Accesses:    accesses,
			EntryCount:  cache.EntryCount(),
			FreeSectors: fileSystem.FreeMap().FreeCount(),
		}
		if accesses > 0 {
			state.HitRate = float64(hits) / float64(accesses)
		}
		writeJSON(w, state)
	})
	router.HandleFunc("/api/v1/files", func(w http.ResponseWriter, r *http.Request) {
		path := r.URL.Query().Get("path")
		if path == "" {
			path = "/"
		}
		dir, err := fileSystem.Open(path)
		if err != nil {
			http.Error(w, err.Error(), http.StatusNotFound)
			return
		}
		defer dir.Close()
		names, err := dir.ReadNames()
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		files := make([]fileState, 0, len(names))
		for _, name := range names {
			childPath := path
			if childPath[len(childPath)-1] != '/' {
				childPath += "/"
			}
			childPath += name
			file, err := fileSystem.Open(childPath)
			if err != nil {
				continue
			}
			files = append(files, fileState{
				Name:    name,
				Inumber: file.Inumber(),
				Size:    file.Size(),
				IsDir:   file.IsDir(),
			})
			file.Close()
		}
		writeJSON(w, files)
	})

	log.Printf("Serving inspection endpoints for %s on %s", config.ImagePath, config.ListenAddress)
	log.Fatal(http.ListenAndServe(config.ListenAddress, router))
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Print("Failed to encode response: ", err)
	}
}
