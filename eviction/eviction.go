// Package eviction orders sealed regions for reclaim.
package eviction

// Policy is the interface every eviction strategy must implement. The
// region manager does not care how a policy tracks state internally; it
// only calls these methods around seal, access, and reclaim events.
type Policy interface {
	// OnSeal records that regionID has just transitioned to Sealed and is
	// now eligible for eviction.
	OnSeal(regionID uint32)

	// OnAccess is called on a read hit against regionID. LRU promotes on
	// this; FIFO ignores it.
	OnAccess(regionID uint32)

	// Remove drops regionID from the policy's bookkeeping, e.g. because it
	// was reclaimed or removed outside the normal victim path.
	Remove(regionID uint32)

	// PickVictim returns the region the policy wants reclaimed next. ok is
	// false if the policy has nothing to offer.
	PickVictim() (regionID uint32, ok bool)
}
