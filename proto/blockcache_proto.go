// Package proto is a Go port of the original engine's Factory.h builder
// objects: every setter is called no more than once before Build, which
// validates and consumes the accumulated configuration.
package proto

import (
	"navy/allocator"
	"navy/errs"
	"navy/eviction"
	"navy/reinsertion"
)

// BlockCacheProto accumulates Block Cache engine configuration.
type BlockCacheProto struct {
	baseOffset uint64
	size       uint64
	regionSize uint32

	checksum bool

	evictionSet  bool
	eviction     eviction.Policy
	sizeClasses  []uint32
	readBufSize  uint32
	cleanRegions uint32
	numInMemBufs uint32
	reinsert     reinsertion.Policy
}

// NewBlockCacheProto mirrors createBlockCacheProto(). Defaults: clean
// regions pool 1, one in-memory buffer (the slot the open region
// occupies), no reinsertion.
func NewBlockCacheProto() *BlockCacheProto {
	return &BlockCacheProto{cleanRegions: 1, numInMemBufs: 1, reinsert: reinsertion.None{}}
}

// SetLayout sets the engine's device range and region size.
func (p *BlockCacheProto) SetLayout(baseOffset, size uint64, regionSize uint32) {
	p.baseOffset, p.size, p.regionSize = baseOffset, size, regionSize
}

// SetChecksum enables per-item checksumming (default: disabled).
func (p *BlockCacheProto) SetChecksum(enable bool) {
	p.checksum = enable
}

// SetLruEvictionPolicy selects LRU.
func (p *BlockCacheProto) SetLruEvictionPolicy() {
	p.eviction = eviction.NewLRU()
	p.evictionSet = true
}

// SetFifoEvictionPolicy selects FIFO.
func (p *BlockCacheProto) SetFifoEvictionPolicy() {
	p.eviction = eviction.NewFIFO()
	p.evictionSet = true
}

// SetSegmentedFifoEvictionPolicy selects Segmented-FIFO with the given
// per-segment ratios.
func (p *BlockCacheProto) SetSegmentedFifoEvictionPolicy(segmentRatio []uint32) {
	p.eviction = eviction.NewSFIFO(segmentRatio)
	p.evictionSet = true
}

// SetSizeClasses switches the allocator from Stack mode to fixed size
// classes.
func (p *BlockCacheProto) SetSizeClasses(classes []uint32) {
	p.sizeClasses = append([]uint32(nil), classes...)
}

// SetReadBufferSize sets the stack allocator's recommended read-back
// granularity. Must be a multiple of the block size (validated at Build).
func (p *BlockCacheProto) SetReadBufferSize(size uint32) {
	p.readBufSize = size
}

// SetCleanRegionsPool sets the target size of the pre-cleaned region
// pool. 0 disables the background refill goroutine (Open Question 2).
func (p *BlockCacheProto) SetCleanRegionsPool(n uint32) {
	p.cleanRegions = n
}

// SetNumInMemBuffers sets how many open regions may be buffered fully in
// DRAM, counting the currently-open region (Open Question 3).
func (p *BlockCacheProto) SetNumInMemBuffers(n uint32) {
	p.numInMemBufs = n
}

// SetHitsReinsertionPolicy reinserts items with a saturating hit counter
// at or above threshold.
func (p *BlockCacheProto) SetHitsReinsertionPolicy(threshold uint8) {
	p.reinsert = reinsertion.Hits{Threshold: threshold}
}

// SetPercentageReinsertionPolicy reinserts items with probability
// percentage/100.
func (p *BlockCacheProto) SetPercentageReinsertionPolicy(percentage uint32) {
	p.reinsert = reinsertion.Percentage{Percent: percentage}
}

// resolvedAllocator returns the Stack or SizeClass allocator implied by
// whether SetSizeClasses was called.
func (p *BlockCacheProto) resolvedAllocator() allocator.Allocator {
	if len(p.sizeClasses) > 0 {
		return allocator.NewSizeClass(p.sizeClasses)
	}
	return allocator.NewStack()
}

func (p *BlockCacheProto) resolvedEviction() eviction.Policy {
	if p.evictionSet {
		return p.eviction
	}
	return eviction.NewLRU()
}

// validateLayout checks the block-alignment and device-capacity
// invariants spec.md section 6 requires before Build finalizes.
func (p *BlockCacheProto) validateLayout(blockSize uint32, deviceSize uint64) error {
	a := uint64(blockSize)
	if p.size == 0 || p.regionSize == 0 {
		return errs.ErrInvalidArgument
	}
	if p.baseOffset%a != 0 || p.size%a != 0 {
		return errs.ErrInvalidArgument
	}
	if p.baseOffset+p.size > deviceSize {
		return errs.ErrInvalidArgument
	}
	if uint64(p.regionSize)%a != 0 || p.size%uint64(p.regionSize) != 0 {
		return errs.ErrInvalidArgument
	}
	if p.readBufSize != 0 && p.readBufSize%blockSize != 0 {
		return errs.ErrInvalidArgument
	}
	return nil
}
