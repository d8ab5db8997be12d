// Package bighash implements the small-object cache engine: fixed
// set-associative buckets on device, each indexed by hash(key) mod
// numBuckets and guarded by a striped lock, with an optional per-bucket
// Bloom filter to skip device reads for absent keys.
package bighash

import (
	"context"
	"hash/fnv"
	"sync"

	"navy/bloom"
	"navy/callback"
	"navy/device"
	"navy/errs"
)

func hashKey(key []byte) uint64 {
	h := fnv.New64a()
	h.Write(key)
	return h.Sum64()
}

// Config describes a Big Hash engine's fixed byte range and bucket
// layout.
type Config struct {
	Device         device.Device
	BaseOffset     uint64
	Size           uint64
	BucketSize     uint32
	NumStripes     int
	BloomBits      uint32 // 0 disables the Bloom filter
	BloomNumHashes uint32
	Destructor     callback.Destructor
}

// Engine is the Big Hash cache.
type Engine struct {
	dev        device.Device
	baseOffset uint64
	bucketSize uint32
	numBuckets uint64
	destructor callback.Destructor

	stripes []sync.Mutex
	filters []*bloom.Filter // nil slice if disabled
}

// New builds a Big Hash engine over Size bytes starting at BaseOffset.
func New(cfg Config) (*Engine, error) {
	if cfg.BucketSize == 0 || cfg.Size%uint64(cfg.BucketSize) != 0 {
		return nil, errs.ErrInvalidArgument
	}
	numBuckets := cfg.Size / uint64(cfg.BucketSize)
	if numBuckets == 0 {
		return nil, errs.ErrInvalidArgument
	}
	numStripes := cfg.NumStripes
	if numStripes <= 0 {
		numStripes = 1
	}

	e := &Engine{
		dev:        cfg.Device,
		baseOffset: cfg.BaseOffset,
		bucketSize: cfg.BucketSize,
		numBuckets: numBuckets,
		destructor: cfg.Destructor,
		stripes:    make([]sync.Mutex, numStripes),
	}
	if cfg.BloomBits > 0 {
		e.filters = make([]*bloom.Filter, numBuckets)
		for i := range e.filters {
			e.filters[i] = bloom.New(cfg.BloomBits, cfg.BloomNumHashes)
		}
	}
	return e, nil
}

func (e *Engine) bucketIndex(keyHash uint64) uint64 {
	return keyHash % e.numBuckets
}

func (e *Engine) stripeFor(bucketIdx uint64) *sync.Mutex {
	return &e.stripes[bucketIdx%uint64(len(e.stripes))]
}

func (e *Engine) bucketOffset(bucketIdx uint64) uint64 {
	return e.baseOffset + bucketIdx*uint64(e.bucketSize)
}

func (e *Engine) readBucket(ctx context.Context, bucketIdx uint64) (*bucket, error) {
	raw := make([]byte, e.bucketSize)
	if err := e.dev.Read(ctx, e.bucketOffset(bucketIdx), raw); err != nil {
		return nil, err
	}
	b, ok := decodeBucket(raw, e.bucketSize)
	if !ok {
		// Torn write: contents are unrecoverable, so no destructor fires
		// for whatever the bucket held before the crash.
		if e.filters != nil {
			e.filters[bucketIdx].Reset()
		}
	}
	return b, nil
}

func (e *Engine) writeBucket(ctx context.Context, bucketIdx uint64, b *bucket) error {
	return e.dev.Write(ctx, e.bucketOffset(bucketIdx), b.encode(e.bucketSize))
}

// Insert appends {key, value}, evicting the oldest entries in the target
// bucket to make room if it overflows.
func (e *Engine) Insert(ctx context.Context, key, value []byte) error {
	h := hashKey(key)
	idx := e.bucketIndex(h)

	mu := e.stripeFor(idx)
	mu.Lock()
	defer mu.Unlock()

	b, err := e.readBucket(ctx, idx)
	if err != nil {
		return err
	}
	if e.filters != nil {
		e.filters[idx].Set(key)
	}
	dropped := b.append(bucketEntry{KeyHash: h, Key: append([]byte(nil), key...), Value: append([]byte(nil), value...)})
	if err := e.writeBucket(ctx, idx, b); err != nil {
		return err
	}
	if e.destructor != nil {
		for _, d := range dropped {
			e.destructor(d.Key, d.Value, callback.Recycled)
		}
	}
	return nil
}

// Lookup returns the value for key, consulting the bucket's Bloom filter
// first when one is configured.
func (e *Engine) Lookup(ctx context.Context, key []byte) ([]byte, error) {
	h := hashKey(key)
	idx := e.bucketIndex(h)

	if e.filters != nil && !e.filters[idx].MayContain(key) {
		return nil, errs.ErrNotFound
	}

	mu := e.stripeFor(idx)
	mu.Lock()
	defer mu.Unlock()

	b, err := e.readBucket(ctx, idx)
	if err != nil {
		return nil, err
	}
	entry, ok := b.find(h, key)
	if !ok {
		return nil, errs.ErrNotFound
	}
	return entry.Value, nil
}

// Remove deletes key's entry from its bucket, firing Removed.
func (e *Engine) Remove(ctx context.Context, key []byte) error {
	h := hashKey(key)
	idx := e.bucketIndex(h)

	mu := e.stripeFor(idx)
	mu.Lock()
	defer mu.Unlock()

	b, err := e.readBucket(ctx, idx)
	if err != nil {
		return err
	}
	entry, ok := b.remove(h, key)
	if !ok {
		return errs.ErrNotFound
	}
	if err := e.writeBucket(ctx, idx, b); err != nil {
		return err
	}
	if e.destructor != nil {
		e.destructor(entry.Key, entry.Value, callback.Removed)
	}
	return nil
}

// CouldExist probes the Bloom filter only; it never touches the device.
func (e *Engine) CouldExist(key []byte) bool {
	h := hashKey(key)
	idx := e.bucketIndex(h)
	if e.filters == nil {
		return true
	}
	return e.filters[idx].MayContain(key)
}

// Snapshot serializes every bucket's Bloom filter so a fresh Engine can
// restore them without re-scanning the device. Bucket contents themselves
// are not snapshotted: they are already durable on device and read back
// on demand with their own CRC check.
func (e *Engine) Snapshot() []byte {
	if e.filters == nil {
		return nil
	}
	var buf []byte
	for _, f := range e.filters {
		b := f.Bytes()
		var lenBytes [4]byte
		lenBytes[0] = byte(len(b) >> 24)
		lenBytes[1] = byte(len(b) >> 16)
		lenBytes[2] = byte(len(b) >> 8)
		lenBytes[3] = byte(len(b))
		buf = append(buf, lenBytes[:]...)
		buf = append(buf, b...)
	}
	return buf
}

// Restore replays a blob produced by Snapshot onto a freshly constructed
// Engine's Bloom filters, before any Insert/Lookup traffic begins. A nil
// or empty blob (no Bloom filter configured, or nothing yet persisted)
// is a no-op.
func (e *Engine) Restore(data []byte) error {
	if e.filters == nil || len(data) == 0 {
		return nil
	}
	pos := 0
	for _, f := range e.filters {
		if pos+4 > len(data) {
			return errs.ErrInvalidArgument
		}
		n := int(data[pos])<<24 | int(data[pos+1])<<16 | int(data[pos+2])<<8 | int(data[pos+3])
		pos += 4
		if pos+n > len(data) {
			return errs.ErrInvalidArgument
		}
		f.LoadBytes(data[pos : pos+n])
		pos += n
	}
	return nil
}
