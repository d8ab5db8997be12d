// Package blockcache implements the medium-object cache engine: a
// log-structured stack or size-classed allocator over fixed-size
// regions, backed by a sharded key-hash index.
package blockcache

import (
	"bytes"
	"context"
	"hash/fnv"
	"sync"

	"navy/allocator"
	"navy/callback"
	"navy/device"
	"navy/errs"
	"navy/eviction"
	"navy/index"
	"navy/region"
	"navy/reinsertion"
)

func hashKey(key []byte) uint64 {
	h := fnv.New64a()
	h.Write(key)
	return h.Sum64()
}

// indexEntry is the value side of the Block Cache's region index:
// hash(key) -> {regionId, offsetOrSlot, generation}.
type indexEntry struct {
	RegionID   uint32
	Offset     uint32
	Generation uint32
	Hits       uint8
}

// Config describes a Block Cache engine's fixed byte range and policies.
type Config struct {
	Device          device.Device
	BaseOffset      uint64
	Size            uint64
	RegionSize      uint32
	BlockSize       uint32
	Alloc           allocator.Allocator
	NumInMemBuffers int
	Eviction        eviction.Policy
	Reinsertion     reinsertion.Policy
	ChecksumEnabled bool
	Destructor      callback.Destructor
	IndexShardCount int
	CleanRegionPool int
}

// Engine is the Block Cache cache: insert, lookup, remove, couldExist
// over medium-sized items (spec.md section 4.6).
type Engine struct {
	dev        device.Device
	regionSize uint32
	blockSize  uint32
	alloc      allocator.Allocator
	bufPool    *allocator.BufferPool
	manager    *region.Manager
	idx        *index.ShardedIndex[indexEntry]
	reinsert   reinsertion.Policy
	checksum   bool
	destructor callback.Destructor

	mu   sync.Mutex
	open *region.Region

	// rotateMu serializes region rotation so two goroutines racing to
	// rotate the same full region don't both seal/evict it.
	rotateMu sync.Mutex
}

// New builds a Block Cache engine and opens its first region.
func New(cfg Config) (*Engine, error) {
	if cfg.RegionSize == 0 || cfg.BlockSize == 0 || cfg.RegionSize%cfg.BlockSize != 0 {
		return nil, errs.ErrInvalidArgument
	}
	numRegions := cfg.Size / uint64(cfg.RegionSize)
	if numRegions == 0 {
		return nil, errs.ErrInvalidArgument
	}
	regions := make([]*region.Region, numRegions)
	for i := range regions {
		regions[i] = region.NewRegion(uint32(i), cfg.BaseOffset+uint64(i)*uint64(cfg.RegionSize), cfg.RegionSize)
	}

	reinsert := cfg.Reinsertion
	if reinsert == nil {
		reinsert = reinsertion.None{}
	}

	e := &Engine{
		dev:        cfg.Device,
		regionSize: cfg.RegionSize,
		blockSize:  cfg.BlockSize,
		alloc:      cfg.Alloc,
		bufPool:    allocator.NewBufferPool(cfg.NumInMemBuffers),
		idx:        index.NewShardedIndex[indexEntry](cfg.IndexShardCount, 1024),
		reinsert:   reinsert,
		checksum:   cfg.ChecksumEnabled,
		destructor: cfg.Destructor,
	}
	e.manager = region.NewManager(regions, cfg.Eviction, e.reclaimRegion, cfg.CleanRegionPool)

	first, err := e.manager.Acquire(context.Background())
	if err != nil {
		return nil, err
	}
	if err := e.bufPool.Open(first.ID, e.regionSize); err != nil {
		return nil, err
	}
	e.open = first
	return e, nil
}

// Insert writes {key, value} into the current open region, sealing and
// rotating to a fresh region when it no longer fits.
func (e *Engine) Insert(ctx context.Context, key, value []byte) error {
	h := hashKey(key)
	for {
		full, entry, err := e.tryWrite(h, key, value)
		if err == nil {
			if old, existed := e.idx.Get(h); existed {
				e.notifyDisplaced(old, key, callback.Removed)
			}
			e.idx.Put(h, entry)
			return nil
		}
		if err != errs.ErrQueueFull {
			return err
		}
		if err := e.rotateOpenRegion(ctx, full); err != nil {
			return err
		}
	}
}

// tryWrite attempts to place {key, value} into whatever region is
// currently open, without rotating. It returns the region it attempted
// against (even on failure, so a caller who gets ErrQueueFull knows
// which region to rotate past) and, on success, the index entry to
// install.
func (e *Engine) tryWrite(h uint64, key, value []byte) (*region.Region, indexEntry, error) {
	need := uint32(headerSize) + uint32(len(key)) + uint32(len(value))

	e.mu.Lock()
	defer e.mu.Unlock()
	openRegion := e.open
	slot, err := e.alloc.Alloc(openRegion, need)
	if err != nil {
		return openRegion, indexEntry{}, err
	}

	hdr := header{KeyHash: h, KeyLen: uint8(len(key)), ValueLen: uint32(len(value)), Generation: openRegion.Generation()}
	if e.checksum {
		hdr.Checksum = checksumOf(key, value)
	}
	buf := make([]byte, need)
	hdr.encode(buf)
	copy(buf[headerSize:], key)
	copy(buf[headerSize+len(key):], value)

	if err := e.bufPool.WriteAt(openRegion.ID, slot.Offset, buf); err != nil {
		return openRegion, indexEntry{}, err
	}
	openRegion.AddItem(need)
	entry := indexEntry{RegionID: openRegion.ID, Offset: slot.Offset, Generation: openRegion.Generation()}
	return openRegion, entry, nil
}

// reinsertDuringReclaim places a still-hot item back into the currently
// open region while reclaimRegion is running. Unlike Insert, it never
// rotates: reclaimRegion already runs on the goroutine that is, via
// region.Manager.Acquire, in the middle of acquiring a region, so
// rotating here would recurse into Acquire on the same goroutine. A
// full open region is simply a missed reinsertion, which the caller
// treats the same as any other reinsertion failure.
func (e *Engine) reinsertDuringReclaim(key, value []byte) error {
	h := hashKey(key)
	_, entry, err := e.tryWrite(h, key, value)
	if err != nil {
		return err
	}
	if old, existed := e.idx.Get(h); existed {
		e.notifyDisplaced(old, key, callback.Removed)
	}
	e.idx.Put(h, entry)
	return nil
}

// rotateOpenRegion seals full (the region a caller just found no room
// in), flushes it to device, and acquires a fresh one in its place. It
// must run without e.mu held: acquiring a fresh region can synchronously
// reclaim a sealed one, which may reinsert items still in it, and that
// reinsertion takes e.mu itself. rotateMu instead serializes rotation
// attempts, and a staleness check lets a goroutine that loses the race
// no-op rather than double-rotate.
func (e *Engine) rotateOpenRegion(ctx context.Context, full *region.Region) error {
	e.rotateMu.Lock()
	defer e.rotateMu.Unlock()

	e.mu.Lock()
	current := e.open
	e.mu.Unlock()
	if current != full {
		return nil
	}

	e.manager.Seal(full)
	buf := e.bufPool.Evict(full.ID)
	if err := e.dev.Write(ctx, full.Offset, buf); err != nil {
		return err
	}
	if err := e.dev.Flush(); err != nil {
		return err
	}

	fresh, err := e.manager.Acquire(ctx)
	if err != nil {
		return err
	}
	if err := e.bufPool.Open(fresh.ID, e.regionSize); err != nil {
		return err
	}

	e.mu.Lock()
	e.open = fresh
	e.mu.Unlock()
	return nil
}

// reopenAfterRestore drops the in-memory buffer New() allocated for the
// region it speculatively opened and acquires a genuinely fresh one,
// used when Restore finds that region's ID among the regions the
// snapshot recorded as sealed (its content is already durable on
// device from Snapshot's best-effort flush, so nothing is lost).
func (e *Engine) reopenAfterRestore(ctx context.Context) error {
	e.mu.Lock()
	stale := e.open
	e.mu.Unlock()
	e.bufPool.Evict(stale.ID)

	// Acquire must not run with e.mu held: on an empty clean pool it
	// reclaims synchronously, and a reinsert-eligible item found there
	// takes e.mu itself (see rotateOpenRegion).
	fresh, err := e.manager.Acquire(ctx)
	if err != nil {
		return err
	}
	if err := e.bufPool.Open(fresh.ID, e.regionSize); err != nil {
		return err
	}

	e.mu.Lock()
	e.open = fresh
	e.mu.Unlock()
	return nil
}

// Lookup returns the value stored for key, or ErrNotFound.
func (e *Engine) Lookup(ctx context.Context, key []byte) ([]byte, error) {
	h := hashKey(key)
	entry, ok := e.idx.Get(h)
	if !ok {
		return nil, errs.ErrNotFound
	}
	r := e.manager.Regions()[entry.RegionID]
	if r.Generation() != entry.Generation {
		e.idx.Delete(h)
		return nil, errs.ErrNotFound
	}

	hdrBuf, err := e.readBytes(ctx, r, entry.Offset, headerSize)
	if err != nil {
		return nil, err
	}
	hdr, err := decodeHeader(hdrBuf)
	if err != nil {
		return nil, err
	}
	body, err := e.readBytes(ctx, r, entry.Offset+headerSize, uint32(hdr.KeyLen)+hdr.ValueLen)
	if err != nil {
		return nil, err
	}
	gotKey := body[:hdr.KeyLen]
	value := body[hdr.KeyLen:]
	if hdr.KeyHash != h || !bytes.Equal(gotKey, key) {
		return nil, errs.ErrNotFound
	}
	if e.checksum && checksumOf(gotKey, value) != hdr.Checksum {
		e.idx.Delete(h)
		return nil, errs.ErrNotFound
	}

	entry.Hits = saturatingInc(entry.Hits)
	e.idx.Put(h, entry)
	e.manager.OnAccess(r)
	return value, nil
}

func saturatingInc(v uint8) uint8 {
	if v == 255 {
		return v
	}
	return v + 1
}

// Remove deletes key's index entry and fires its destructor immediately.
// On-device bytes remain until the owning region is reclaimed.
func (e *Engine) Remove(ctx context.Context, key []byte) error {
	h := hashKey(key)
	entry, ok := e.idx.Get(h)
	if !ok {
		return errs.ErrNotFound
	}
	e.idx.Delete(h)
	e.notifyDisplaced(entry, key, callback.Removed)
	return nil
}

// CouldExist is a cheap existence probe that does not touch the device.
func (e *Engine) CouldExist(key []byte) bool {
	h := hashKey(key)
	entry, ok := e.idx.Get(h)
	if !ok {
		return false
	}
	r := e.manager.Regions()[entry.RegionID]
	return r.Generation() == entry.Generation
}

// notifyDisplaced fires the destructor for an index entry that is being
// overwritten or explicitly removed, reading its value back best-effort.
func (e *Engine) notifyDisplaced(entry indexEntry, key []byte, event callback.Event) {
	if e.destructor == nil {
		return
	}
	r := e.manager.Regions()[entry.RegionID]
	if r.Generation() != entry.Generation {
		return
	}
	value, err := e.readValue(context.Background(), r, entry)
	if err != nil {
		return
	}
	e.destructor(key, value, event)
}

func (e *Engine) readValue(ctx context.Context, r *region.Region, entry indexEntry) ([]byte, error) {
	hdrBuf, err := e.readBytes(ctx, r, entry.Offset, headerSize)
	if err != nil {
		return nil, err
	}
	hdr, err := decodeHeader(hdrBuf)
	if err != nil {
		return nil, err
	}
	body, err := e.readBytes(ctx, r, entry.Offset+headerSize, uint32(hdr.KeyLen)+hdr.ValueLen)
	if err != nil {
		return nil, err
	}
	return body[hdr.KeyLen:], nil
}

// readBytes serves a byte-range read either from the open region's
// in-memory buffer or, for sealed/flushed regions, from the device with
// the alignment the device contract requires.
func (e *Engine) readBytes(ctx context.Context, r *region.Region, offset, length uint32) ([]byte, error) {
	if data, ok := e.bufPool.ReadAt(r.ID, offset, length); ok {
		return data, nil
	}
	alignedStart := (offset / e.blockSize) * e.blockSize
	end := offset + length
	alignedEnd := ((end + e.blockSize - 1) / e.blockSize) * e.blockSize
	buf := make([]byte, alignedEnd-alignedStart)
	if err := e.dev.Read(ctx, r.Offset+uint64(alignedStart), buf); err != nil {
		return nil, err
	}
	start := offset - alignedStart
	return buf[start : start+length], nil
}

// reclaimRegion is the region.Manager's ReclaimFunc: it scans r's items
// in on-disk order and, per item, reinserts or drops them with a
// Recycled destructor event.
func (e *Engine) reclaimRegion(r *region.Region) error {
	ctx := context.Background()
	bytesUsed := r.BytesUsed()
	var pos uint32
	for pos < bytesUsed {
		hdrBuf, err := e.readBytes(ctx, r, pos, headerSize)
		if err != nil {
			return err
		}
		hdr, err := decodeHeader(hdrBuf)
		if err != nil {
			return err
		}
		total := headerSize + uint32(hdr.KeyLen) + hdr.ValueLen
		body, err := e.readBytes(ctx, r, pos+headerSize, uint32(hdr.KeyLen)+hdr.ValueLen)
		if err != nil {
			return err
		}
		key := append([]byte(nil), body[:hdr.KeyLen]...)
		value := append([]byte(nil), body[hdr.KeyLen:]...)
		pos += total

		entry, ok := e.idx.Get(hdr.KeyHash)
		live := ok && entry.RegionID == r.ID && entry.Generation == r.Generation()
		if !live {
			continue
		}
		if e.reinsert.ShouldReinsert(hdr.KeyHash, entry.Hits) {
			if err := e.reinsertDuringReclaim(key, value); err != nil && e.destructor != nil {
				e.destructor(key, value, callback.Recycled)
			}
			continue
		}
		e.idx.Delete(hdr.KeyHash)
		if e.destructor != nil {
			e.destructor(key, value, callback.Recycled)
		}
	}
	if rs, ok := e.alloc.(interface{ Reset(regionID uint32) }); ok {
		e.mu.Lock()
		rs.Reset(r.ID)
		e.mu.Unlock()
	}
	return nil
}

// Close stops the region manager's background refill goroutine, if any.
func (e *Engine) Close() {
	e.manager.Close()
}

// Snapshot best-effort flushes the currently open region to device, then
// serializes the region table and key index into a byte blob a fresh
// Engine can replay via Restore after a restart.
func (e *Engine) Snapshot(ctx context.Context) ([]byte, error) {
	e.mu.Lock()
	open := e.open
	full, buffered := e.bufPool.Peek(open.ID)
	e.mu.Unlock()
	if buffered {
		if err := e.dev.Write(ctx, open.Offset, full); err != nil {
			return nil, err
		}
		if err := e.dev.Flush(); err != nil {
			return nil, err
		}
	}

	var buf bytes.Buffer
	regions := e.manager.Regions()
	var nonFree []*region.Region
	for _, r := range regions {
		if r.State() != region.Free {
			nonFree = append(nonFree, r)
		}
	}
	writeUint32(&buf, uint32(len(nonFree)))
	for _, r := range nonFree {
		writeUint32(&buf, r.ID)
		writeUint32(&buf, r.Generation())
		writeUint32(&buf, r.NumItems())
		writeUint32(&buf, r.BytesUsed())
	}

	var entries []struct {
		hash  uint64
		entry indexEntry
	}
	e.idx.ForEach(func(h uint64, v indexEntry) bool {
		entries = append(entries, struct {
			hash  uint64
			entry indexEntry
		}{h, v})
		return true
	})
	writeUint32(&buf, uint32(len(entries)))
	for _, it := range entries {
		writeUint64(&buf, it.hash)
		writeUint32(&buf, it.entry.RegionID)
		writeUint32(&buf, it.entry.Offset)
		writeUint32(&buf, it.entry.Generation)
		buf.WriteByte(it.entry.Hits)
	}
	return buf.Bytes(), nil
}

// Restore replays a blob produced by Snapshot onto a freshly constructed
// Engine, before any Insert/Lookup traffic begins. Regions the snapshot
// recorded as non-Free are marked Sealed with their persisted counters;
// the index is repopulated verbatim.
func (e *Engine) Restore(data []byte) error {
	r := bytes.NewReader(data)
	numRegions, err := readUint32(r)
	if err != nil {
		return errs.ErrInvalidArgument
	}
	e.mu.Lock()
	openID := e.open.ID
	e.mu.Unlock()
	reopenCurrent := false
	for i := uint32(0); i < numRegions; i++ {
		id, err1 := readUint32(r)
		gen, err2 := readUint32(r)
		numItems, err3 := readUint32(r)
		bytesUsed, err4 := readUint32(r)
		if err1 != nil || err2 != nil || err3 != nil || err4 != nil {
			return errs.ErrInvalidArgument
		}
		e.manager.RestoreSealed(id, gen, numItems, bytesUsed)
		if id == openID {
			reopenCurrent = true
		}
	}
	if reopenCurrent {
		if err := e.reopenAfterRestore(context.Background()); err != nil {
			return err
		}
	}

	numEntries, err := readUint32(r)
	if err != nil {
		return errs.ErrInvalidArgument
	}
	for i := uint32(0); i < numEntries; i++ {
		h, err1 := readUint64(r)
		regionID, err2 := readUint32(r)
		offset, err3 := readUint32(r)
		gen, err4 := readUint32(r)
		hitsByte, err5 := r.ReadByte()
		if err1 != nil || err2 != nil || err3 != nil || err4 != nil || err5 != nil {
			return errs.ErrInvalidArgument
		}
		e.idx.Put(h, indexEntry{RegionID: regionID, Offset: offset, Generation: gen, Hits: hitsByte})
	}
	return nil
}
