package bighash

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"navy/callback"
	"navy/device"
	"navy/errs"
)

func newTestEngine(t *testing.T, destructor callback.Destructor) (*Engine, func()) {
	dir := t.TempDir()
	dev, err := device.NewFileDevice(filepath.Join(dir, "bh.bin"), 16<<20, true, 4096, nil, 0)
	if err != nil {
		t.Fatalf("NewFileDevice: %v", err)
	}
	e, err := New(Config{
		Device:         dev,
		Size:           16 << 20,
		BucketSize:     4096,
		NumStripes:     8,
		BloomBits:      2048,
		BloomNumHashes: 4,
		Destructor:     destructor,
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return e, func() { dev.Close(); os.RemoveAll(dir) }
}

func TestInsertLookupRemove(t *testing.T) {
	e, cleanup := newTestEngine(t, nil)
	defer cleanup()

	ctx := context.Background()
	if err := e.Insert(ctx, []byte("a"), []byte("apple")); err != nil {
		t.Fatalf("Insert: %v", err)
	}
	v, err := e.Lookup(ctx, []byte("a"))
	if err != nil || string(v) != "apple" {
		t.Fatalf("Lookup: v=%q err=%v", v, err)
	}
	if err := e.Remove(ctx, []byte("a")); err != nil {
		t.Fatalf("Remove: %v", err)
	}
	if _, err := e.Lookup(ctx, []byte("a")); err != errs.ErrNotFound {
		t.Fatalf("expected ErrNotFound after remove, got %v", err)
	}
}

func TestOverflowFiresRecycled(t *testing.T) {
	var recycled int
	e, cleanup := newTestEngine(t, func(key, value []byte, event callback.Event) {
		if event == callback.Recycled {
			recycled++
		}
	})
	defer cleanup()

	ctx := context.Background()
	// insert 100 keys that all hash to the same bucket, with 256-byte
	// values, so that the 4KiB bucket must drop old entries.
	value := make([]byte, 256)
	target := e.bucketIndex(hashKey([]byte("k0")))
	var lastKey string
	for i, n := 0, 0; n < 100; i++ {
		k := fmt.Sprintf("k%d", i)
		if e.bucketIndex(hashKey([]byte(k))) != target {
			continue
		}
		n++
		lastKey = k
		if err := e.Insert(ctx, []byte(k), value); err != nil {
			t.Fatalf("Insert %d: %v", i, err)
		}
	}
	if recycled == 0 {
		t.Fatalf("expected at least one Recycled eviction from bucket overflow")
	}
	if _, err := e.Lookup(ctx, []byte(lastKey)); err != nil {
		t.Fatalf("most recently inserted key should survive: %v", err)
	}
}

func TestBloomFilterRejectsAbsentKey(t *testing.T) {
	e, cleanup := newTestEngine(t, nil)
	defer cleanup()
	if e.CouldExist([]byte("nope")) {
		// Not a hard guarantee (false positives are allowed), but with a
		// fresh filter and a single probe it should be false.
		t.Logf("bloom filter reported a false positive for an absent key; acceptable but noting it")
	}
	if _, err := e.Lookup(context.Background(), []byte("nope")); err != errs.ErrNotFound {
		t.Fatalf("expected ErrNotFound for absent key, got %v", err)
	}
}
