package admission

import (
	"hash/fnv"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"
)

// DynamicRandom tracks the admitted byte rate and adjusts a probability
// factor once per second to steer it toward TargetRate, capped at
// MaxRate. Per-item admission probability is BaseProb(itemSize) *
// probFactor, and the decision is seeded from the key's last
// SuffixLength bytes so that related keys (sharing a suffix) admit
// together (spec.md section 4.8).
type DynamicRandom struct {
	TargetRate   uint64 // bytes/s the policy steers toward
	MaxRate      uint64 // bytes/s hard cap, never exceeded regardless of probFactor
	ItemBaseSize uint32
	SuffixLength uint32
	LowerBound   float64
	UpperBound   float64

	mu         sync.Mutex
	probFactor float64

	admittedBytes atomic.Uint64

	stop   chan struct{}
	ticker *time.Ticker
}

// NewDynamicRandom starts the 1s rate-tracking ticker goroutine.
func NewDynamicRandom(targetRate, maxRate uint64, itemBaseSize, suffixLength uint32, lower, upper float64) *DynamicRandom {
	d := &DynamicRandom{
		TargetRate:   targetRate,
		MaxRate:      maxRate,
		ItemBaseSize: itemBaseSize,
		SuffixLength: suffixLength,
		LowerBound:   lower,
		UpperBound:   upper,
		probFactor:   1.0,
		stop:         make(chan struct{}),
		ticker:       time.NewTicker(time.Second),
	}
	go d.run()
	return d
}

func (d *DynamicRandom) run() {
	for {
		select {
		case <-d.stop:
			return
		case <-d.ticker.C:
			rate := d.admittedBytes.Swap(0)
			d.mu.Lock()
			switch {
			case rate < d.TargetRate && d.probFactor < d.UpperBound:
				d.probFactor *= 1.1
				if d.probFactor > d.UpperBound {
					d.probFactor = d.UpperBound
				}
			case rate > d.TargetRate && d.probFactor > d.LowerBound:
				d.probFactor *= 0.9
				if d.probFactor < d.LowerBound {
					d.probFactor = d.LowerBound
				}
			}
			d.mu.Unlock()
		}
	}
}

// Close stops the background ticker goroutine.
func (d *DynamicRandom) Close() {
	d.ticker.Stop()
	close(d.stop)
}

func (d *DynamicRandom) baseProb(itemSize uint32) float64 {
	if itemSize == 0 {
		return 1
	}
	p := float64(d.ItemBaseSize) / float64(itemSize)
	if p > 1 {
		p = 1
	}
	return p
}

func (d *DynamicRandom) Accept(key []byte, itemSize uint32) bool {
	if d.admittedBytes.Load() >= d.MaxRate {
		return false
	}

	d.mu.Lock()
	prob := d.baseProb(itemSize) * d.probFactor
	d.mu.Unlock()
	if prob > 1 {
		prob = 1
	}
	if prob <= 0 {
		return false
	}

	seed := suffixSeed(key, int(d.SuffixLength))
	r := rand.New(rand.NewSource(seed))
	admitted := r.Float64() < prob
	if admitted {
		d.admittedBytes.Add(uint64(itemSize))
	}
	return admitted
}

// suffixSeed hashes the last n bytes of key (or all of it, if shorter)
// so that keys sharing a common suffix derive the same admission seed.
func suffixSeed(key []byte, n int) int64 {
	if n <= 0 || n > len(key) {
		n = len(key)
	}
	h := fnv.New64a()
	h.Write(key[len(key)-n:])
	return int64(h.Sum64())
}
