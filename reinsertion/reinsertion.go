// Package reinsertion decides, per item, whether a reclaimed region's
// contents are copied forward or dropped.
package reinsertion

import "math/rand"

// Policy decides whether an item surviving to reclaim time should be
// reinserted into a fresh region (true) or dropped with a Recycled
// destructor event (false).
type Policy interface {
	ShouldReinsert(keyHash uint64, hits uint8) bool
}

// None always drops; it is the default when no reinsertion policy is set.
type None struct{}

func (None) ShouldReinsert(uint64, uint8) bool { return false }

// Hits reinserts items whose saturating hit counter has reached Threshold.
type Hits struct {
	Threshold uint8
}

func (h Hits) ShouldReinsert(_ uint64, hits uint8) bool {
	return hits >= h.Threshold
}

// Percentage reinserts with probability Percent/100, using a PRNG seeded
// by the item's key hash so the decision is reproducible across recovery
// of the same on-disk state (spec.md section 4.5).
type Percentage struct {
	Percent uint32
}

func (p Percentage) ShouldReinsert(keyHash uint64, _ uint8) bool {
	if p.Percent >= 100 {
		return true
	}
	if p.Percent == 0 {
		return false
	}
	r := rand.New(rand.NewSource(int64(keyHash)))
	return uint32(r.Intn(100)) < p.Percent
}
