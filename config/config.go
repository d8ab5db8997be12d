// Package config loads the engine's tuning knobs from a YAML file and
// watches it for hot-reload, mirroring Viper's change-notification
// pattern. Get exposes the whole loaded Config, including
// construction-time layout (device paths, offsets, sizes), which is not
// reloadable; Reloadable picks out the knobs that are safe to change on a
// live engine.
package config

import (
	"log"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
)

// DeviceConfig describes the backing block device.
type DeviceConfig struct {
	Path               string
	RAIDPaths          []string
	SizeBytes          uint64
	BlockSize          uint32
	MaxDeviceWriteSize uint32
	StripeSize         uint32
	TruncateFile       bool
}

// BlockCacheConfig mirrors proto.BlockCacheProto's knobs.
type BlockCacheConfig struct {
	BaseOffset       uint64
	SizeBytes        uint64
	RegionSize       uint32
	Checksum         bool
	EvictionPolicy   string // "lru", "fifo", "segmented-fifo"
	SegmentRatio     []uint32
	CleanRegionsPool uint32
	NumInMemBuffers  uint32
	ReinsertionHits  uint8
}

// BigHashConfig mirrors proto.BigHashProto's knobs.
type BigHashConfig struct {
	BaseOffset     uint64
	SizeBytes      uint64
	BucketSize     uint32
	BloomNumHashes uint32
	BloomBitSize   uint32
}

// DriverConfig mirrors the top-level driver tuning knobs.
type DriverConfig struct {
	MetadataSize         uint64
	SmallItemMaxSize     uint32
	MaxConcurrentInserts int32
	MaxParcelMemory      int64
	NumRWLanes           int
	RejectRandomProb     float64
}

// Config is the full set of engine-tuning knobs loaded from YAML.
type Config struct {
	Device     DeviceConfig
	BlockCache BlockCacheConfig
	BigHash    BigHashConfig
	Driver     DriverConfig
}

var (
	conf     *Config
	confOnce sync.Once
	mu       sync.RWMutex
)

// Get returns the most recently loaded configuration.
func Get() *Config {
	mu.RLock()
	defer mu.RUnlock()
	return conf
}

func loadConfig(v *viper.Viper) *Config {
	cfg := &Config{}

	cfg.Device.Path = v.GetString("device.path")
	cfg.Device.RAIDPaths = v.GetStringSlice("device.raid_paths")
	cfg.Device.SizeBytes = uint64(v.GetInt64("device.size_bytes"))
	cfg.Device.BlockSize = uint32(v.GetInt("device.block_size"))
	cfg.Device.MaxDeviceWriteSize = uint32(v.GetInt("device.max_write_size"))
	cfg.Device.StripeSize = uint32(v.GetInt("device.stripe_size"))
	cfg.Device.TruncateFile = v.GetBool("device.truncate_file")

	cfg.BlockCache.BaseOffset = uint64(v.GetInt64("block_cache.base_offset"))
	cfg.BlockCache.SizeBytes = uint64(v.GetInt64("block_cache.size_bytes"))
	cfg.BlockCache.RegionSize = uint32(v.GetInt("block_cache.region_size"))
	cfg.BlockCache.Checksum = v.GetBool("block_cache.checksum")
	cfg.BlockCache.EvictionPolicy = v.GetString("block_cache.eviction_policy")
	for _, n := range v.GetIntSlice("block_cache.segment_ratio") {
		cfg.BlockCache.SegmentRatio = append(cfg.BlockCache.SegmentRatio, uint32(n))
	}
	cfg.BlockCache.CleanRegionsPool = uint32(v.GetInt("block_cache.clean_regions_pool"))
	cfg.BlockCache.NumInMemBuffers = uint32(v.GetInt("block_cache.num_in_mem_buffers"))
	cfg.BlockCache.ReinsertionHits = uint8(v.GetInt("block_cache.reinsertion_hits"))

	cfg.BigHash.BaseOffset = uint64(v.GetInt64("big_hash.base_offset"))
	cfg.BigHash.SizeBytes = uint64(v.GetInt64("big_hash.size_bytes"))
	cfg.BigHash.BucketSize = uint32(v.GetInt("big_hash.bucket_size"))
	cfg.BigHash.BloomNumHashes = uint32(v.GetInt("big_hash.bloom_num_hashes"))
	cfg.BigHash.BloomBitSize = uint32(v.GetInt("big_hash.bloom_bit_size"))

	cfg.Driver.MetadataSize = uint64(v.GetInt64("driver.metadata_size"))
	cfg.Driver.SmallItemMaxSize = uint32(v.GetInt("driver.small_item_max_size"))
	cfg.Driver.MaxConcurrentInserts = int32(v.GetInt("driver.max_concurrent_inserts"))
	cfg.Driver.MaxParcelMemory = v.GetInt64("driver.max_parcel_memory")
	cfg.Driver.NumRWLanes = v.GetInt("driver.num_rw_lanes")
	cfg.Driver.RejectRandomProb = v.GetFloat64("driver.reject_random_probability")

	return cfg
}

// Init loads configPath once and starts watching it for changes; later
// calls are no-ops. A change to the file replaces the Config that Get
// returns; of its knobs, only those Reloadable returns (reinsertion hits,
// admission probability) are safe to apply to a running engine, and
// construction-time layout does not change underneath a live driver.
func Init(configPath string) error {
	var initErr error
	confOnce.Do(func() {
		v := viper.New()
		v.SetConfigFile(configPath)

		if err := v.ReadInConfig(); err != nil {
			initErr = err
			log.Printf("navy: read config file failed: %v\n", err)
			return
		}

		mu.Lock()
		conf = loadConfig(v)
		mu.Unlock()

		v.WatchConfig()
		v.OnConfigChange(func(e fsnotify.Event) {
			log.Printf("navy: config file changed: %s\n", e.Name)

			newV := viper.New()
			newV.SetConfigFile(configPath)
			if err := newV.ReadInConfig(); err != nil {
				log.Printf("navy: read config file failed: %v\n", err)
				return
			}

			newConfig := loadConfig(newV)
			mu.Lock()
			conf = newConfig
			mu.Unlock()
		})
	})
	return initErr
}

// Reloadable returns the knobs from cfg that are safe to apply to an
// already-constructed engine, for a caller that wants to react to a
// config change by calling through to the relevant component (e.g.
// swapping a reinsertion policy) rather than rebuilding the driver.
func Reloadable(cfg *Config) (reinsertionHits uint8, rejectRandomProb float64) {
	return cfg.BlockCache.ReinsertionHits, cfg.Driver.RejectRandomProb
}
