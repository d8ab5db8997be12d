// navyctl starts the flash-tier cache engine against a file device,
// recovering its metadata prefix if present, and serves until an
// interrupt or termination signal asks it to flush, persist, and exit.
package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"navy/config"
	"navy/driver"
	"navy/proto"
)

func main() {
	confPath := flag.String("conf", "./conf.yaml", "path to engine config file")
	devicePath := flag.String("device", "./navy.bin", "path to the backing device file")
	deviceSize := flag.Uint64("device-size", 1<<30, "device size in bytes, used only when creating a new file")
	flag.Parse()

	var cfg *config.Config
	if _, err := os.Stat(*confPath); err == nil {
		if err := config.Init(*confPath); err != nil {
			log.Fatalf("navyctl: read config file: %v", err)
		}
		cfg = config.Get()
	} else {
		log.Printf("navyctl: no config file at %s, using defaults against %s", *confPath, *devicePath)
	}

	d, fingerprint, err := buildCache(cfg, *devicePath, *deviceSize)
	if err != nil {
		log.Fatalf("navyctl: build: %v", err)
	}

	ctx := context.Background()
	if err := d.Recover(ctx); err != nil {
		log.Printf("navyctl: no valid metadata found (fingerprint %x), starting cold: %v", fingerprint, err)
	} else {
		log.Println("navyctl: recovered cache state from metadata prefix")
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	log.Println("navyctl: running")
	<-sigCh
	log.Println("navyctl: shutting down, flushing and persisting")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := d.Flush(shutdownCtx); err != nil {
		log.Printf("navyctl: flush error: %v", err)
	}
	if err := d.Persist(shutdownCtx); err != nil {
		log.Printf("navyctl: persist error: %v", err)
	}
	if err := d.Close(shutdownCtx); err != nil {
		log.Printf("navyctl: close error: %v", err)
	}
}

func buildCache(cfg *config.Config, devicePath string, deviceSize uint64) (*driver.Driver, []byte, error) {
	p := proto.NewCacheProto()

	size := deviceSize
	metadataSize := uint64(4096)
	blockSize := uint32(4096)
	fingerprint := []byte("navyctl-v1")

	if cfg != nil {
		if cfg.Device.SizeBytes > 0 {
			size = cfg.Device.SizeBytes
		}
		if cfg.Device.BlockSize > 0 {
			blockSize = cfg.Device.BlockSize
		}
		if cfg.Device.Path != "" {
			devicePath = cfg.Device.Path
		}
		if cfg.Driver.MetadataSize > 0 {
			metadataSize = cfg.Driver.MetadataSize
		}
	}

	dev, err := proto.CreateFileDevice(devicePath, size, false, blockSize, nil, 0)
	if err != nil {
		return nil, nil, err
	}
	p.SetDevice(dev, fingerprint)
	p.SetMetadataSize(metadataSize)

	regionSize := uint32(4 << 20)
	bcBase := metadataSize
	bcSize := size - metadataSize
	smallItemMax := uint32(4096)
	if cfg != nil {
		if cfg.BlockCache.RegionSize > 0 {
			regionSize = cfg.BlockCache.RegionSize
		}
		if cfg.BlockCache.SizeBytes > 0 {
			bcSize = cfg.BlockCache.SizeBytes
		}
		if cfg.BlockCache.BaseOffset > 0 {
			bcBase = cfg.BlockCache.BaseOffset
		}
		if cfg.Driver.SmallItemMaxSize > 0 {
			smallItemMax = cfg.Driver.SmallItemMaxSize
		}
	}

	bc := proto.NewBlockCacheProto()
	bc.SetLayout(bcBase, bcSize, regionSize)
	bc.SetLruEvictionPolicy()
	bc.SetChecksum(true)
	p.SetBlockCache(bc)
	p.SetSmallItemMaxSize(smallItemMax)
	p.SetJobScheduler(4)
	p.SetMaxConcurrentInserts(64)
	p.SetMaxParcelMemory(64 << 20)

	d, err := p.Build()
	if err != nil {
		return nil, nil, err
	}
	return d, fingerprint, nil
}
