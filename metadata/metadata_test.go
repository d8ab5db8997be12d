package metadata

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"navy/device"
	"navy/errs"
)

func TestPersistRecoverRoundTrip(t *testing.T) {
	dir := t.TempDir()
	dev, err := device.NewFileDevice(filepath.Join(dir, "meta.bin"), 1<<20, true, 4096, nil, 0)
	if err != nil {
		t.Fatalf("NewFileDevice: %v", err)
	}
	defer func() { dev.Close(); os.RemoveAll(dir) }()

	ctx := context.Background()
	fp := []byte("fingerprint-v1")
	blob := []byte("region table + index + bloom snapshot")

	if err := Persist(ctx, dev, 4096, fp, blob); err != nil {
		t.Fatalf("Persist: %v", err)
	}
	state, err := Recover(ctx, dev, 4096, fp)
	if err != nil {
		t.Fatalf("Recover: %v", err)
	}
	if string(state.Blob) != string(blob) {
		t.Fatalf("blob mismatch: got %q", state.Blob)
	}
}

func TestRecoverRejectsFingerprintMismatch(t *testing.T) {
	dir := t.TempDir()
	dev, err := device.NewFileDevice(filepath.Join(dir, "meta.bin"), 1<<20, true, 4096, nil, 0)
	if err != nil {
		t.Fatalf("NewFileDevice: %v", err)
	}
	defer func() { dev.Close(); os.RemoveAll(dir) }()

	ctx := context.Background()
	Persist(ctx, dev, 4096, []byte("fp-a"), []byte("blob"))
	if _, err := Recover(ctx, dev, 4096, []byte("fp-b")); err != errs.ErrInvalidArgument {
		t.Fatalf("expected ErrInvalidArgument for mismatched fingerprint, got %v", err)
	}
}

func TestRecoverColdStartsOnUninitializedDevice(t *testing.T) {
	dir := t.TempDir()
	dev, err := device.NewFileDevice(filepath.Join(dir, "meta.bin"), 1<<20, true, 4096, nil, 0)
	if err != nil {
		t.Fatalf("NewFileDevice: %v", err)
	}
	defer func() { dev.Close(); os.RemoveAll(dir) }()

	if _, err := Recover(context.Background(), dev, 4096, []byte("fp")); err != errs.ErrInvalidArgument {
		t.Fatalf("expected ErrInvalidArgument on a never-persisted device, got %v", err)
	}
}
