package proto

import "navy/errs"

// BigHashProto accumulates Big Hash engine configuration.
type BigHashProto struct {
	baseOffset uint64
	size       uint64
	bucketSize uint32

	bloomSet    bool
	numHashes   uint32
	hashBitSize uint32
}

// NewBigHashProto mirrors createBigHashProto().
func NewBigHashProto() *BigHashProto {
	return &BigHashProto{}
}

// SetLayout sets the engine's device range and bucket size.
func (p *BigHashProto) SetLayout(baseOffset, size uint64, bucketSize uint32) {
	p.baseOffset, p.size, p.bucketSize = baseOffset, size, bucketSize
}

// SetBloomFilter enables a per-bucket Bloom filter with numHashes probes
// over a hashTableBitSize-bit array.
func (p *BigHashProto) SetBloomFilter(numHashes, hashTableBitSize uint32) {
	p.bloomSet = true
	p.numHashes = numHashes
	p.hashBitSize = hashTableBitSize
}

// validateLayout checks the block-alignment and device-capacity
// invariants spec.md section 6 requires before Build finalizes.
func (p *BigHashProto) validateLayout(blockSize uint32, deviceSize uint64) error {
	a := uint64(blockSize)
	if p.size == 0 || p.bucketSize == 0 {
		return errs.ErrInvalidArgument
	}
	if p.baseOffset%a != 0 || p.size%a != 0 {
		return errs.ErrInvalidArgument
	}
	if p.baseOffset+p.size > deviceSize {
		return errs.ErrInvalidArgument
	}
	if uint64(p.bucketSize)%a != 0 || p.size%uint64(p.bucketSize) != 0 {
		return errs.ErrInvalidArgument
	}
	return nil
}
