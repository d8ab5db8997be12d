package proto

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"navy/driver"
	"navy/errs"
)

func newDevice(t *testing.T, size uint64) string {
	dir := t.TempDir()
	t.Cleanup(func() { os.RemoveAll(dir) })
	return filepath.Join(dir, "navy.bin")
}

func TestBuildRejectsMissingDevice(t *testing.T) {
	p := NewCacheProto()
	p.SetMetadataSize(4096)
	bc := NewBlockCacheProto()
	bc.SetLayout(4096, 1<<20, 64*1024)
	p.SetBlockCache(bc)

	if _, err := p.Build(); err != errs.ErrInvalidArgument {
		t.Fatalf("expected ErrInvalidArgument with no device set, got %v", err)
	}
}

func TestBuildRejectsNoEngines(t *testing.T) {
	path := newDevice(t, 8<<20)
	dev, err := CreateFileDevice(path, 8<<20, true, 4096, nil, 0)
	if err != nil {
		t.Fatalf("CreateFileDevice: %v", err)
	}
	defer dev.Close()

	p := NewCacheProto()
	p.SetDevice(dev, []byte("fp"))
	p.SetMetadataSize(4096)

	if _, err := p.Build(); err != errs.ErrInvalidArgument {
		t.Fatalf("expected ErrInvalidArgument with no engines configured, got %v", err)
	}
}

func TestBuildRejectsOverlappingRanges(t *testing.T) {
	path := newDevice(t, 8<<20)
	dev, err := CreateFileDevice(path, 8<<20, true, 4096, nil, 0)
	if err != nil {
		t.Fatalf("CreateFileDevice: %v", err)
	}
	defer dev.Close()

	p := NewCacheProto()
	p.SetDevice(dev, []byte("fp"))
	p.SetMetadataSize(4096)
	p.SetSmallItemMaxSize(256)

	bc := NewBlockCacheProto()
	bc.SetLayout(4096, 4<<20, 64*1024)
	p.SetBlockCache(bc)

	bh := NewBigHashProto()
	bh.SetLayout(2<<20, 4<<20, 4096) // overlaps the block cache range
	p.SetBigHash(bh)

	if _, err := p.Build(); err != errs.ErrInvalidArgument {
		t.Fatalf("expected ErrInvalidArgument for overlapping ranges, got %v", err)
	}
}

func TestBuildRejectsSmallItemMaxTooLarge(t *testing.T) {
	path := newDevice(t, 8<<20)
	dev, err := CreateFileDevice(path, 8<<20, true, 4096, nil, 0)
	if err != nil {
		t.Fatalf("CreateFileDevice: %v", err)
	}
	defer dev.Close()

	p := NewCacheProto()
	p.SetDevice(dev, []byte("fp"))
	p.SetMetadataSize(4096)
	p.SetSmallItemMaxSize(100000) // larger than any bucket's usable payload

	bh := NewBigHashProto()
	bh.SetLayout(4096, 4<<20, 4096)
	p.SetBigHash(bh)

	if _, err := p.Build(); err != errs.ErrInvalidArgument {
		t.Fatalf("expected ErrInvalidArgument for an oversized smallItemMaxSize, got %v", err)
	}
}

func TestBuildSucceedsWithBothEngines(t *testing.T) {
	path := newDevice(t, 8<<20)
	dev, err := CreateFileDevice(path, 8<<20, true, 4096, nil, 0)
	if err != nil {
		t.Fatalf("CreateFileDevice: %v", err)
	}
	defer dev.Close()

	p := NewCacheProto()
	p.SetDevice(dev, []byte("fp-v1"))
	p.SetMetadataSize(4096)
	p.SetSmallItemMaxSize(256)
	p.SetJobScheduler(2)
	p.SetMaxConcurrentInserts(16)
	p.SetMaxParcelMemory(1 << 20)

	bc := NewBlockCacheProto()
	bc.SetLayout(4096, 4<<20, 64*1024)
	bc.SetLruEvictionPolicy()
	bc.SetChecksum(true)
	p.SetBlockCache(bc)

	bh := NewBigHashProto()
	bh.SetLayout(4<<20+4096, 4<<20-4096, 4096)
	bh.SetBloomFilter(4, 2048)
	p.SetBigHash(bh)

	d, err := p.Build()
	if err != nil {
		t.Fatalf("Build: %v", err)
	}

	ctx := context.Background()
	if err := d.Insert(ctx, []byte("small"), []byte("v")); err != nil {
		t.Fatalf("Insert small: %v", err)
	}
	big := make([]byte, 1024)
	if err := d.Insert(ctx, []byte("big"), big); err != nil {
		t.Fatalf("Insert big: %v", err)
	}
	if err := d.Flush(ctx); err != nil {
		t.Fatalf("Flush: %v", err)
	}

	if v, err := d.LookupSync(ctx, []byte("small")); err != nil || string(v) != "v" {
		t.Fatalf("LookupSync(small): v=%q err=%v", v, err)
	}
	if v, err := d.LookupSync(ctx, []byte("big")); err != nil || len(v) != len(big) {
		t.Fatalf("LookupSync(big): len=%d err=%v", len(v), err)
	}
}

func buildDriver(t *testing.T, path string, fingerprint []byte) *driver.Driver {
	dev, err := CreateFileDevice(path, 8<<20, false, 4096, nil, 0)
	if err != nil {
		t.Fatalf("CreateFileDevice: %v", err)
	}
	t.Cleanup(func() { dev.Close() })

	// The metadata prefix holds the Big Hash Bloom snapshot: 1023 buckets
	// of 4-byte length plus 256 filter bytes, about 260 KiB.
	p := NewCacheProto()
	p.SetDevice(dev, fingerprint)
	p.SetMetadataSize(512 << 10)
	p.SetSmallItemMaxSize(256)
	p.SetJobScheduler(2)
	p.SetMaxConcurrentInserts(16)
	p.SetMaxParcelMemory(1 << 20)

	bc := NewBlockCacheProto()
	bc.SetLayout(512<<10, 3584<<10, 64*1024)
	bc.SetLruEvictionPolicy()
	bc.SetChecksum(true)
	p.SetBlockCache(bc)

	bh := NewBigHashProto()
	bh.SetLayout(4<<20+4096, 4<<20-4096, 4096)
	bh.SetBloomFilter(4, 2048)
	p.SetBigHash(bh)

	d, err := p.Build()
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	return d
}

func TestPersistRecoverRoundTrip(t *testing.T) {
	dir := t.TempDir()
	t.Cleanup(func() { os.RemoveAll(dir) })
	path := filepath.Join(dir, "navy.bin")
	ctx := context.Background()

	d1 := buildDriver(t, path, []byte("fp-v1"))
	if err := d1.Insert(ctx, []byte("small"), []byte("v")); err != nil {
		t.Fatalf("Insert small: %v", err)
	}
	big := make([]byte, 1024)
	if err := d1.Insert(ctx, []byte("big"), big); err != nil {
		t.Fatalf("Insert big: %v", err)
	}
	if err := d1.Persist(ctx); err != nil {
		t.Fatalf("Persist: %v", err)
	}
	if err := d1.Close(ctx); err != nil {
		t.Fatalf("Close: %v", err)
	}

	d2 := buildDriver(t, path, []byte("fp-v1"))
	if err := d2.Recover(ctx); err != nil {
		t.Fatalf("Recover: %v", err)
	}
	defer d2.Close(ctx)

	if v, err := d2.LookupSync(ctx, []byte("small")); err != nil || string(v) != "v" {
		t.Fatalf("LookupSync(small) after recover: v=%q err=%v", v, err)
	}
	if v, err := d2.LookupSync(ctx, []byte("big")); err != nil || len(v) != len(big) {
		t.Fatalf("LookupSync(big) after recover: len=%d err=%v", len(v), err)
	}
	if !d2.CouldExist([]byte("small")) {
		t.Fatalf("CouldExist(small) after recover should be true")
	}

	// A mismatched fingerprint must cold-start rather than trust stale state.
	d3 := buildDriver(t, path, []byte("fp-v2"))
	defer d3.Close(ctx)
	if err := d3.Recover(ctx); err != errs.ErrInvalidArgument {
		t.Fatalf("expected ErrInvalidArgument recovering with mismatched fingerprint, got %v", err)
	}
}
