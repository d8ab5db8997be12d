// Package driver exposes the cache's external API: insert, lookupAsync,
// lookupSync, remove, flush, persist, and recover. It routes by item size
// between the Block Cache and Big Hash engines, enforces admission
// control and bounded parcel memory/insert concurrency, and owns the
// crash-safe metadata prefix.
package driver

import (
	"context"
	"sync/atomic"

	"golang.org/x/sync/singleflight"

	"navy/admission"
	"navy/callback"
	"navy/device"
	"navy/errs"
	"navy/metadata"
	"navy/parcel"
	"navy/scheduler"
)

// engine is the read/write/remove surface both blockcache.Engine and
// bighash.Engine satisfy without any adapter shim.
type engine interface {
	Insert(ctx context.Context, key, value []byte) error
	Lookup(ctx context.Context, key []byte) ([]byte, error)
	Remove(ctx context.Context, key []byte) error
	CouldExist(key []byte) bool
}

// blockCacheEngine adds blockcache.Engine's snapshot/restore pair, used
// to persist and recover its region table and key index.
type blockCacheEngine interface {
	engine
	Snapshot(ctx context.Context) ([]byte, error)
	Restore(data []byte) error
}

// bigHashEngine adds bighash.Engine's snapshot/restore pair, used to
// persist and recover its per-bucket Bloom filters.
type bigHashEngine interface {
	engine
	Snapshot() []byte
	Restore(data []byte) error
}

// Config assembles a Driver from already-built engines and policies. Use
// proto.CacheProto to validate a configuration built from raw knobs
// before constructing one of these directly.
type Config struct {
	Device               device.Device
	MetadataSize         uint64
	SmallItemMaxSize     uint32
	BlockCache           blockCacheEngine // nil if not configured
	BigHash              bigHashEngine    // nil if not configured
	Admission            admission.Policy
	MaxConcurrentInserts int32
	MaxParcelMemory      int64
	Scheduler            *scheduler.Scheduler
	Destructor           callback.Destructor
	ConfigFingerprint    []byte
}

// Driver multiplexes the two engines behind a single insert/lookup/remove
// API, per spec.md section 5.
type Driver struct {
	dev          device.Device
	metadataSize uint64
	smallMax     uint32

	bc blockCacheEngine
	bh bigHashEngine

	admit      admission.Policy
	accountant *parcel.Accountant
	maxInserts int32
	inFlight   atomic.Int32

	sched       *scheduler.Scheduler
	destructor  callback.Destructor
	fingerprint []byte

	lookupGroup singleflight.Group
}

// New assembles a Driver from a validated Config. Prefer building one
// through proto.CacheProto.Build, which performs the finalization checks
// spec.md section 6 requires before calling this.
func New(cfg Config) *Driver {
	return &Driver{
		dev:          cfg.Device,
		metadataSize: cfg.MetadataSize,
		smallMax:     cfg.SmallItemMaxSize,
		bc:           cfg.BlockCache,
		bh:           cfg.BigHash,
		admit:        cfg.Admission,
		accountant:   parcel.NewAccountant(cfg.MaxParcelMemory),
		maxInserts:   cfg.MaxConcurrentInserts,
		sched:        cfg.Scheduler,
		destructor:   cfg.Destructor,
		fingerprint:  cfg.ConfigFingerprint,
	}
}

func (d *Driver) routeFor(valueSize int) engine {
	if uint32(valueSize) <= d.smallMax && d.bh != nil {
		return d.bh
	}
	if d.bc != nil {
		return d.bc
	}
	return d.bh
}

// Insert admits, accounts for, and asynchronously persists {key, value}.
// It does not block beyond admission and parcel accounting: the physical
// write happens on the scheduler's write lane for key's hash, and a
// lookup submitted afterward for the same key is ordered behind it.
func (d *Driver) Insert(ctx context.Context, key, value []byte) error {
	if d.admit != nil && !d.admit.Accept(key, uint32(len(value))) {
		return errs.ErrRejected
	}
	size := int64(len(key) + len(value))
	if !d.accountant.Reserve(size) {
		return errs.ErrQueueFull
	}
	if !d.tryAcquireInsertSlot() {
		d.accountant.Release(size)
		return errs.ErrQueueFull
	}

	e := d.routeFor(len(value))
	if e == nil {
		d.accountant.Release(size)
		d.releaseInsertSlot()
		return errs.ErrInvalidArgument
	}

	keyCopy := append([]byte(nil), key...)
	valueCopy := append([]byte(nil), value...)
	err := d.sched.Enqueue(scheduler.Job{
		Key:  hashKey(key),
		Kind: scheduler.Write,
		Run: func() {
			defer d.accountant.Release(size)
			defer d.releaseInsertSlot()
			e.Insert(context.Background(), keyCopy, valueCopy)
		},
	})
	if err != nil {
		d.accountant.Release(size)
		d.releaseInsertSlot()
		return err
	}
	return nil
}

func (d *Driver) tryAcquireInsertSlot() bool {
	if d.maxInserts <= 0 {
		return true
	}
	for {
		cur := d.inFlight.Load()
		if cur >= d.maxInserts {
			return false
		}
		if d.inFlight.CompareAndSwap(cur, cur+1) {
			return true
		}
	}
}

func (d *Driver) releaseInsertSlot() {
	if d.maxInserts <= 0 {
		return
	}
	d.inFlight.Add(-1)
}

// LookupAsync schedules a read on the key's lane (the same lane group a
// matching insert would have used) and invokes done with the result once
// it runs. done must not block and must not re-enter the driver.
func (d *Driver) LookupAsync(key []byte, done func([]byte, error)) error {
	keyCopy := append([]byte(nil), key...)
	return d.sched.Enqueue(scheduler.Job{
		Key:  hashKey(key),
		Kind: scheduler.Read,
		Run: func() {
			v, err := d.lookup(context.Background(), keyCopy)
			done(v, err)
		},
	})
}

// LookupSync blocks the caller until the lookup completes. It is
// enqueued on the same rw lane LookupAsync and Insert use, so it is
// ordered behind any Insert for the same key still queued or running
// there — the same read-your-writes guarantee LookupAsync gets.
// Concurrent LookupSync calls for the same key are coalesced into a
// single lane round trip via singleflight.
func (d *Driver) LookupSync(ctx context.Context, key []byte) ([]byte, error) {
	v, err, _ := d.lookupGroup.Do(string(key), func() (interface{}, error) {
		return d.lookupOrdered(ctx, key)
	})
	if err != nil {
		return nil, err
	}
	return v.([]byte), nil
}

type lookupResult struct {
	value []byte
	err   error
}

// lookupOrdered enqueues a Read job on key's rw lane and waits for it,
// rather than calling d.lookup directly, so it can never race a
// same-key Insert still sitting in that lane's queue.
func (d *Driver) lookupOrdered(ctx context.Context, key []byte) ([]byte, error) {
	keyCopy := append([]byte(nil), key...)
	done := make(chan lookupResult, 1)
	err := d.sched.Enqueue(scheduler.Job{
		Key:  hashKey(key),
		Kind: scheduler.Read,
		Run: func() {
			v, err := d.lookup(context.Background(), keyCopy)
			done <- lookupResult{v, err}
		},
	})
	if err != nil {
		return nil, err
	}
	select {
	case r := <-done:
		return r.value, r.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (d *Driver) lookup(ctx context.Context, key []byte) ([]byte, error) {
	if d.bh != nil {
		if v, err := d.bh.Lookup(ctx, key); err == nil {
			return v, nil
		} else if err != errs.ErrNotFound {
			return nil, err
		}
	}
	if d.bc != nil {
		return d.bc.Lookup(ctx, key)
	}
	return nil, errs.ErrNotFound
}

// Remove deletes key from whichever engine holds it.
func (d *Driver) Remove(ctx context.Context, key []byte) error {
	var bhErr, bcErr error
	if d.bh != nil {
		bhErr = d.bh.Remove(ctx, key)
	}
	if d.bc != nil {
		bcErr = d.bc.Remove(ctx, key)
	}
	if bhErr == nil || bcErr == nil {
		return nil
	}
	return errs.ErrNotFound
}

// CouldExist is a cheap existence probe across both engines.
func (d *Driver) CouldExist(key []byte) bool {
	if d.bh != nil && d.bh.CouldExist(key) {
		return true
	}
	if d.bc != nil && d.bc.CouldExist(key) {
		return true
	}
	return false
}

// Flush blocks until the job scheduler has drained its write backlog.
// The driver remains usable afterward.
func (d *Driver) Flush(ctx context.Context) error {
	return d.sched.Drain(ctx)
}

// Close permanently shuts the scheduler down; call Flush and Persist
// first if durability across the shutdown matters.
func (d *Driver) Close(ctx context.Context) error {
	return d.sched.Shutdown(ctx)
}

// Persist flushes the scheduler's write backlog, snapshots the Block
// Cache's region table and key index plus the Big Hash Bloom filters,
// and writes the config fingerprint and those snapshots into the
// device's metadata prefix.
func (d *Driver) Persist(ctx context.Context) error {
	if err := d.sched.Drain(ctx); err != nil {
		return err
	}

	var bcBlob, bhBlob []byte
	var err error
	if d.bc != nil {
		bcBlob, err = d.bc.Snapshot(ctx)
		if err != nil {
			return err
		}
	}
	if d.bh != nil {
		bhBlob = d.bh.Snapshot()
	}
	blob := encodeBlob(bcBlob, bhBlob)
	return metadata.Persist(ctx, d.dev, d.metadataSize, d.fingerprint, blob)
}

// Recover validates the metadata prefix and, on success, replays the
// persisted region table, key index, and Bloom filters onto the already
// constructed engines. Any mismatch (magic, version, CRC, fingerprint)
// returns ErrInvalidArgument; the caller should treat that as a signal to
// cold-start with the fresh, empty engines it already built rather than
// trusting stale on-device state.
func (d *Driver) Recover(ctx context.Context) error {
	state, err := metadata.Recover(ctx, d.dev, d.metadataSize, d.fingerprint)
	if err != nil {
		return err
	}
	bcBlob, bhBlob, err := decodeBlob(state.Blob)
	if err != nil {
		return err
	}
	if d.bc != nil {
		if err := d.bc.Restore(bcBlob); err != nil {
			return err
		}
	}
	if d.bh != nil {
		if err := d.bh.Restore(bhBlob); err != nil {
			return err
		}
	}
	return nil
}

// encodeBlob concatenates the two engine snapshots with 4-byte
// big-endian length prefixes so Recover can split them back apart
// without either engine knowing about the other's format.
func encodeBlob(bc, bh []byte) []byte {
	out := make([]byte, 0, 8+len(bc)+len(bh))
	out = append(out, lengthPrefix(len(bc))...)
	out = append(out, bc...)
	out = append(out, lengthPrefix(len(bh))...)
	out = append(out, bh...)
	return out
}

func decodeBlob(data []byte) (bc, bh []byte, err error) {
	if len(data) == 0 {
		return nil, nil, nil
	}
	bc, rest, err := readLengthPrefixed(data)
	if err != nil {
		return nil, nil, err
	}
	bh, _, err = readLengthPrefixed(rest)
	if err != nil {
		return nil, nil, err
	}
	return bc, bh, nil
}

func lengthPrefix(n int) []byte {
	return []byte{byte(n >> 24), byte(n >> 16), byte(n >> 8), byte(n)}
}

func readLengthPrefixed(data []byte) (chunk, rest []byte, err error) {
	if len(data) < 4 {
		return nil, nil, errs.ErrInvalidArgument
	}
	n := int(data[0])<<24 | int(data[1])<<16 | int(data[2])<<8 | int(data[3])
	if len(data) < 4+n {
		return nil, nil, errs.ErrInvalidArgument
	}
	return data[4 : 4+n], data[4+n:], nil
}

func hashKey(key []byte) uint64 {
	var h uint64 = 14695981039346656037
	for _, b := range key {
		h ^= uint64(b)
		h *= 1099511628211
	}
	return h
}
