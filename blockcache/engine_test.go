package blockcache

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"navy/allocator"
	"navy/callback"
	"navy/device"
	"navy/errs"
	"navy/eviction"
	"navy/reinsertion"
)

func newTestEngine(t *testing.T, destructor callback.Destructor) (*Engine, func()) {
	return newSizedTestEngine(t, 1<<20, destructor)
}

func newSizedTestEngine(t *testing.T, size uint64, destructor callback.Destructor) (*Engine, func()) {
	dir := t.TempDir()
	dev, err := device.NewFileDevice(filepath.Join(dir, "bc.bin"), size, true, 4096, nil, 0)
	if err != nil {
		t.Fatalf("NewFileDevice: %v", err)
	}
	e, err := New(Config{
		Device:          dev,
		Size:            size,
		RegionSize:      64 * 1024,
		BlockSize:       4096,
		Alloc:           allocator.NewStack(),
		NumInMemBuffers: 2,
		Eviction:        eviction.NewLRU(),
		Reinsertion:     reinsertion.None{},
		ChecksumEnabled: true,
		Destructor:      destructor,
		IndexShardCount: 4,
		CleanRegionPool: 1,
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return e, func() { e.Close(); dev.Close(); os.RemoveAll(dir) }
}

func TestInsertLookupBasic(t *testing.T) {
	// 1000 items of about 4.2 KB need about 67 regions of 64 KiB; a 64 MiB
	// engine holds them all without reclaiming any.
	e, cleanup := newSizedTestEngine(t, 64<<20, nil)
	defer cleanup()

	ctx := context.Background()
	for i := 0; i < 1000; i++ {
		k := []byte(fmt.Sprintf("k%d", i))
		v := []byte(fmt.Sprintf("%0*d", 4096+i%128, i))
		if err := e.Insert(ctx, k, v); err != nil {
			t.Fatalf("Insert(%s): %v", k, err)
		}
	}
	for i := 0; i < 1000; i++ {
		k := []byte(fmt.Sprintf("k%d", i))
		v, err := e.Lookup(ctx, k)
		if err != nil {
			t.Fatalf("Lookup(%s): %v", k, err)
		}
		want := []byte(fmt.Sprintf("%0*d", 4096+i%128, i))
		if string(v) != string(want) {
			t.Fatalf("Lookup(%s) mismatch", k)
		}
	}
}

func TestRemoveFiresDestructor(t *testing.T) {
	var fired []callback.Event
	e, cleanup := newTestEngine(t, func(key, value []byte, event callback.Event) {
		fired = append(fired, event)
	})
	defer cleanup()

	ctx := context.Background()
	if err := e.Insert(ctx, []byte("k"), []byte("v")); err != nil {
		t.Fatalf("Insert: %v", err)
	}
	if err := e.Remove(ctx, []byte("k")); err != nil {
		t.Fatalf("Remove: %v", err)
	}
	if len(fired) != 1 || fired[0] != callback.Removed {
		t.Fatalf("expected one Removed event, got %v", fired)
	}
	if _, err := e.Lookup(ctx, []byte("k")); err != errs.ErrNotFound {
		t.Fatalf("expected ErrNotFound after remove, got %v", err)
	}
}

func TestRemoveIdempotent(t *testing.T) {
	e, cleanup := newTestEngine(t, nil)
	defer cleanup()
	ctx := context.Background()
	e.Insert(ctx, []byte("k"), []byte("v"))
	if err := e.Remove(ctx, []byte("k")); err != nil {
		t.Fatalf("first Remove: %v", err)
	}
	if err := e.Remove(ctx, []byte("k")); err != errs.ErrNotFound {
		t.Fatalf("expected ErrNotFound on second Remove, got %v", err)
	}
}

func TestReclaimReinsertsHotItems(t *testing.T) {
	var recycled int
	e, cleanup := newTestEngine(t, func(key, value []byte, event callback.Event) {
		if event == callback.Recycled {
			recycled++
		}
	})
	defer cleanup()
	e.reinsert = reinsertion.Hits{Threshold: 2}

	ctx := context.Background()
	hotKey := []byte("hot")
	if err := e.Insert(ctx, hotKey, make([]byte, 100)); err != nil {
		t.Fatalf("Insert hot: %v", err)
	}
	for i := 0; i < 3; i++ {
		if _, err := e.Lookup(ctx, hotKey); err != nil {
			t.Fatalf("Lookup hot: %v", err)
		}
	}

	// fill many regions with cold data to force reclaim of the region
	// holding hotKey.
	big := make([]byte, 8192)
	for i := 0; i < 200; i++ {
		k := []byte(fmt.Sprintf("cold%d", i))
		if err := e.Insert(ctx, k, big); err != nil {
			t.Fatalf("Insert cold %d: %v", i, err)
		}
	}

	if _, err := e.Lookup(ctx, hotKey); err != nil {
		t.Fatalf("hot key with >=2 hits should survive reclaim: %v", err)
	}
}

func TestSnapshotRestoreSurvivesRestart(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "bc.bin")

	newEngine := func() (*Engine, device.Device) {
		dev, err := device.NewFileDevice(path, 1<<20, false, 4096, nil, 0)
		if err != nil {
			t.Fatalf("NewFileDevice: %v", err)
		}
		e, err := New(Config{
			Device:          dev,
			Size:            1 << 20,
			RegionSize:      64 * 1024,
			BlockSize:       4096,
			Alloc:           allocator.NewStack(),
			NumInMemBuffers: 2,
			Eviction:        eviction.NewLRU(),
			Reinsertion:     reinsertion.None{},
			ChecksumEnabled: true,
			IndexShardCount: 4,
			CleanRegionPool: 1,
		})
		if err != nil {
			t.Fatalf("New: %v", err)
		}
		return e, dev
	}

	e1, dev1 := newEngine()
	ctx := context.Background()
	if err := e1.Insert(ctx, []byte("k1"), []byte("v1")); err != nil {
		t.Fatalf("Insert: %v", err)
	}
	if err := e1.Insert(ctx, []byte("k2"), []byte("v2")); err != nil {
		t.Fatalf("Insert: %v", err)
	}
	blob, err := e1.Snapshot(ctx)
	if err != nil {
		t.Fatalf("Snapshot: %v", err)
	}
	e1.Close()
	dev1.Close()

	// A fresh Engine over the same device always speculatively opens its
	// own region before Restore runs; this exercises the case where that
	// region's ID collides with the one Snapshot recorded as open.
	e2, dev2 := newEngine()
	defer func() { e2.Close(); dev2.Close() }()

	if err := e2.Restore(blob); err != nil {
		t.Fatalf("Restore: %v", err)
	}

	if v, err := e2.Lookup(ctx, []byte("k1")); err != nil || string(v) != "v1" {
		t.Fatalf("Lookup(k1) after restore: v=%q err=%v", v, err)
	}
	if v, err := e2.Lookup(ctx, []byte("k2")); err != nil || string(v) != "v2" {
		t.Fatalf("Lookup(k2) after restore: v=%q err=%v", v, err)
	}

	// The restored engine must still be able to open its own fresh region
	// and accept new writes without colliding with the restored state.
	if err := e2.Insert(ctx, []byte("k3"), []byte("v3")); err != nil {
		t.Fatalf("Insert after restore: %v", err)
	}
	if v, err := e2.Lookup(ctx, []byte("k3")); err != nil || string(v) != "v3" {
		t.Fatalf("Lookup(k3) after restore: v=%q err=%v", v, err)
	}
}
