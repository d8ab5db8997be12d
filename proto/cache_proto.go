package proto

import (
	"navy/admission"
	"navy/bighash"
	"navy/blockcache"
	"navy/callback"
	"navy/device"
	"navy/driver"
	"navy/errs"
	"navy/scheduler"
)

// CacheProto accumulates the top-level cache configuration: device,
// metadata reservation, the two engine prototypes, admission policy, and
// the concurrency/memory ceilings the driver enforces on insert. Mirrors
// createCacheProto()/CacheProto.
type CacheProto struct {
	dev          device.Device
	metadataSize uint64

	bc *BlockCacheProto
	bh *BigHashProto

	smallItemMaxSize uint32

	maxConcurrentInserts int32
	maxParcelMemory      int64

	numRWLanes int

	destructor callback.Destructor
	admit      admission.Policy

	fingerprint []byte
}

// NewCacheProto mirrors createCacheProto(). Default: 4 rw lanes,
// matching a modest single-device deployment.
func NewCacheProto() *CacheProto {
	return &CacheProto{numRWLanes: 4}
}

// SetDevice sets the backing device and the config fingerprint that
// Persist/Recover use to detect a mismatched device or layout across
// restarts.
func (p *CacheProto) SetDevice(dev device.Device, fingerprint []byte) {
	p.dev = dev
	p.fingerprint = fingerprint
}

// SetMetadataSize reserves the first n bytes of the device for the
// crash-safe metadata prefix.
func (p *CacheProto) SetMetadataSize(n uint64) {
	p.metadataSize = n
}

// SetBlockCache attaches a configured Block Cache prototype.
func (p *CacheProto) SetBlockCache(bc *BlockCacheProto) {
	p.bc = bc
}

// SetBigHash attaches a configured Big Hash prototype.
func (p *CacheProto) SetBigHash(bh *BigHashProto) {
	p.bh = bh
}

// SetSmallItemMaxSize sets the size threshold routing inserts to Big
// Hash (at or below) versus Block Cache (above).
func (p *CacheProto) SetSmallItemMaxSize(n uint32) {
	p.smallItemMaxSize = n
}

// SetJobScheduler sizes the driver's rw lane group, shared by read and
// write jobs.
func (p *CacheProto) SetJobScheduler(numRWLanes int) {
	p.numRWLanes = numRWLanes
}

// SetMaxConcurrentInserts caps the number of inserts in flight at once.
func (p *CacheProto) SetMaxConcurrentInserts(n int32) {
	p.maxConcurrentInserts = n
}

// SetMaxParcelMemory caps the bytes held by inserts waiting between
// acceptance and physical write.
func (p *CacheProto) SetMaxParcelMemory(n int64) {
	p.maxParcelMemory = n
}

// SetDestructorCallback registers the callback fired once per item that
// stops being reachable, whether by explicit remove or reclaim/eviction.
func (p *CacheProto) SetDestructorCallback(d callback.Destructor) {
	p.destructor = d
}

// SetRejectRandomAdmissionPolicy admits every insert with a fixed
// probability regardless of size.
func (p *CacheProto) SetRejectRandomAdmissionPolicy(probability float64) {
	p.admit = admission.NewRejectRandom(probability)
}

// SetDynamicRandomAdmissionPolicy admits with a probability that adapts
// to hold the device's write rate near targetRate bytes/sec, never
// exceeding maxRate. lower/upper bound the probability factor's drift.
func (p *CacheProto) SetDynamicRandomAdmissionPolicy(targetRate, maxRate uint64, itemBaseSize, suffixLength uint32, lower, upper float64) {
	p.admit = admission.NewDynamicRandom(targetRate, maxRate, itemBaseSize, suffixLength, lower, upper)
}

// Build validates the accumulated configuration per spec.md section 6
// and constructs the engines and driver. It never panics: any invalid
// combination returns ErrInvalidArgument.
func (p *CacheProto) Build() (*driver.Driver, error) {
	if p.dev == nil || p.metadataSize == 0 {
		return nil, errs.ErrInvalidArgument
	}
	if p.bc == nil && p.bh == nil {
		return nil, errs.ErrInvalidArgument
	}
	align := p.dev.IOAlignment()
	if p.metadataSize%uint64(align) != 0 {
		return nil, errs.ErrInvalidArgument
	}

	var bcRange, bhRange [2]uint64 // [start, end)
	var bcEngine *blockcache.Engine
	var bhEngine *bighash.Engine
	var err error

	if p.bc != nil {
		if err := p.bc.validateLayout(align, p.dev.Size()); err != nil {
			return nil, err
		}
		bcRange = [2]uint64{p.bc.baseOffset, p.bc.baseOffset + p.bc.size}
		bcEngine, err = blockcache.New(blockcache.Config{
			Device:          p.dev,
			BaseOffset:      p.bc.baseOffset,
			Size:            p.bc.size,
			RegionSize:      p.bc.regionSize,
			BlockSize:       align,
			Alloc:           p.bc.resolvedAllocator(),
			NumInMemBuffers: int(p.bc.numInMemBufs),
			Eviction:        p.bc.resolvedEviction(),
			Reinsertion:     p.bc.reinsert,
			ChecksumEnabled: p.bc.checksum,
			Destructor:      p.destructor,
			IndexShardCount: 16,
			CleanRegionPool: int(p.bc.cleanRegions),
		})
		if err != nil {
			return nil, err
		}
	}

	if p.bh != nil {
		if err := p.bh.validateLayout(align, p.dev.Size()); err != nil {
			return nil, err
		}
		if p.smallItemMaxSize == 0 {
			return nil, errs.ErrInvalidArgument
		}
		payloadCap := p.bh.bucketSize - bucketReservedOverhead
		if p.smallItemMaxSize >= payloadCap {
			return nil, errs.ErrInvalidArgument
		}
		bhRange = [2]uint64{p.bh.baseOffset, p.bh.baseOffset + p.bh.size}
		numHashes, bloomBits := p.bh.numHashes, p.bh.hashBitSize
		if !p.bh.bloomSet {
			numHashes, bloomBits = 0, 0
		}
		bhEngine, err = bighash.New(bighash.Config{
			Device:         p.dev,
			BaseOffset:     p.bh.baseOffset,
			Size:           p.bh.size,
			BucketSize:     p.bh.bucketSize,
			NumStripes:     32,
			BloomBits:      bloomBits,
			BloomNumHashes: numHashes,
			Destructor:     p.destructor,
		})
		if err != nil {
			return nil, err
		}
	}

	if p.bc != nil && p.bh != nil && rangesOverlap(bcRange, bhRange) {
		return nil, errs.ErrInvalidArgument
	}
	for _, rng := range [][2]uint64{bcRange, bhRange} {
		if rng[1] == 0 {
			continue
		}
		if rng[0] < p.metadataSize || rng[1] > p.dev.Size() {
			return nil, errs.ErrInvalidArgument
		}
	}

	sched := scheduler.NewScheduler(p.numRWLanes)

	cfg := driver.Config{
		Device:               p.dev,
		MetadataSize:         p.metadataSize,
		SmallItemMaxSize:     p.smallItemMaxSize,
		Admission:            p.admit,
		MaxConcurrentInserts: p.maxConcurrentInserts,
		MaxParcelMemory:      p.maxParcelMemory,
		Scheduler:            sched,
		Destructor:           p.destructor,
		ConfigFingerprint:    p.fingerprint,
	}
	if bcEngine != nil {
		cfg.BlockCache = bcEngine
	}
	if bhEngine != nil {
		cfg.BigHash = bhEngine
	}
	return driver.New(cfg), nil
}

// bucketReservedOverhead approximates the fixed per-entry/bucket
// bookkeeping bytes a Big Hash bucket reserves (header, trailer, and one
// entry's fixed-size header), so smallItemMaxSize can be validated
// against a bucket's real usable payload rather than its raw size.
const bucketReservedOverhead = 4 + 8 + 14

func rangesOverlap(a, b [2]uint64) bool {
	if a[1] == 0 || b[1] == 0 {
		return false
	}
	return a[0] < b[1] && b[0] < a[1]
}
