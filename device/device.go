// Package device provides aligned, direct-I/O block device abstractions for the
// flash-tier cache engine: a single-file device, a RAID0 striped device, and an
// optional per-block encryptor.
package device

import (
	"context"

	"navy/errs"
)

// Device is an abstract sequence of bytes addressable only at IOAlignment()
// granularity. offset and length of every Read/Write must be a multiple of
// IOAlignment(); callers must pass alignment-sized buffers.
type Device interface {
	Read(ctx context.Context, offset uint64, buf []byte) error
	Write(ctx context.Context, offset uint64, buf []byte) error
	Flush() error
	Size() uint64
	IOAlignment() uint32
	Close() error
}

// Encryptor performs in-place, tweakable per-block encryption. The tweak is
// derived from offset/blockSize by the caller.
type Encryptor interface {
	Encrypt(buf []byte, tweak uint64) error
	Decrypt(buf []byte, tweak uint64) error
}

func checkAligned(offset uint64, length int, alignment uint32) error {
	a := uint64(alignment)
	if a == 0 || offset%a != 0 || uint64(length)%a != 0 {
		return &errs.DeviceError{
			Offset: offset,
			Length: uint32(length),
			Kind:   errs.Misaligned,
			Err:    errs.ErrInvalidArgument,
		}
	}
	return nil
}

// splitWriteSizes returns the lengths of sequential sub-writes no larger than
// maxWriteSize that together cover length bytes. No atomicity is promised
// across the splits, per spec.md section 4.1.
func splitWriteSizes(length int, maxWriteSize uint32) []int {
	if maxWriteSize == 0 || uint32(length) <= maxWriteSize {
		return []int{length}
	}
	var sizes []int
	remaining := length
	step := int(maxWriteSize)
	for remaining > 0 {
		n := step
		if n > remaining {
			n = remaining
		}
		sizes = append(sizes, n)
		remaining -= n
	}
	return sizes
}
