package admission

import (
	"crypto/rand"
	"encoding/binary"
	"math/bits"
	"sync"
	"time"
)

// randSource is the PRNG surface admission policies need: a Float64 in
// [0,1). pcgSource implements it with a PCG-style generator seeded from
// crypto/rand and the clock.
type randSource interface {
	Float64() float64
}

type pcgSource struct {
	mu    sync.Mutex
	state uint64
}

func newRandSource() *pcgSource {
	var entropy [16]byte
	rand.Read(entropy[:8])
	nowNano := uint64(time.Now().UnixNano())
	binary.LittleEndian.PutUint64(entropy[8:], nowNano)

	seed := binary.LittleEndian.Uint64(entropy[:8]) ^ nowNano
	seed = bits.RotateLeft64(seed, 13) ^ binary.LittleEndian.Uint64(entropy[8:])
	return &pcgSource{state: seed}
}

func (p *pcgSource) next() uint64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	old := p.state
	p.state = old*6364136223846793005 + 1

	xorshifted := uint32(((old >> 18) ^ old) >> 27)
	rot := uint32(old >> 59)
	lo := (xorshifted >> rot) | (xorshifted << ((-rot) & 31))

	old = p.state
	p.state = old*6364136223846793005 + 1
	xorshifted = uint32(((old >> 18) ^ old) >> 27)
	rot = uint32(old >> 59)
	hi := (xorshifted >> rot) | (xorshifted << ((-rot) & 31))

	return uint64(lo) | uint64(hi)<<32
}

func (p *pcgSource) Float64() float64 {
	return float64(p.next()>>11) / (1 << 53)
}
