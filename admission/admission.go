// Package admission gates inserts before they reach the parcel pipeline.
package admission

// Policy decides whether an item of itemSize bytes is admitted.
type Policy interface {
	Accept(key []byte, itemSize uint32) bool
}

// RejectRandom admits with a fixed probability regardless of item size.
type RejectRandom struct {
	Probability float64
	rng         randSource
}

// NewRejectRandom builds a RejectRandom policy admitting with probability p.
func NewRejectRandom(p float64) *RejectRandom {
	return &RejectRandom{Probability: p, rng: newRandSource()}
}

func (r *RejectRandom) Accept(_ []byte, _ uint32) bool {
	if r.Probability >= 1 {
		return true
	}
	if r.Probability <= 0 {
		return false
	}
	return r.rng.Float64() < r.Probability
}
