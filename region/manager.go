package region

import (
	"context"
	"sync"

	"navy/errs"
	"navy/eviction"
)

// ReclaimFunc performs engine-specific reclaim work on a region that has
// just transitioned to Reclaiming: scanning its live items and, per the
// engine's own reinsertion policy, either re-inserting them
// through the normal write path or firing the destructor with Recycled.
// The manager itself knows nothing about item formats; it only owns the
// region lifecycle and pool bookkeeping.
type ReclaimFunc func(r *Region) error

// Manager owns the fixed region array, the free list, and a pool of
// pre-cleaned regions kept at a target size so that most Acquire calls
// don't pay the cost of a synchronous reclaim.
type Manager struct {
	regions []*Region
	policy  eviction.Policy
	reclaim ReclaimFunc

	mu        sync.Mutex
	cleanPool chan *Region
	target    int

	refillWake chan struct{}
	stopRefill chan struct{}
	wg         sync.WaitGroup
}

// NewManager builds a manager over regions, all of which must start in the
// Free state. cleanPoolTarget is the number of pre-cleaned regions the
// manager tries to keep on hand (T in spec.md section 4.3); 0 disables the
// background refill goroutine and makes every empty-pool Acquire a
// synchronous reclaim-on-demand (Open Question 2, resolved in DESIGN.md).
func NewManager(regions []*Region, policy eviction.Policy, reclaim ReclaimFunc, cleanPoolTarget int) *Manager {
	m := &Manager{
		regions:    regions,
		policy:     policy,
		reclaim:    reclaim,
		cleanPool:  make(chan *Region, len(regions)+1),
		target:     cleanPoolTarget,
		refillWake: make(chan struct{}, 1),
		stopRefill: make(chan struct{}),
	}
	for _, r := range regions {
		select {
		case m.cleanPool <- r:
		default:
		}
	}
	if cleanPoolTarget > 0 {
		m.wg.Add(1)
		go m.runRefill()
	}
	return m
}

// Acquire returns a region ready to be opened for writes: either one
// already clean in the pool, or the result of a synchronous reclaim of
// the eviction policy's chosen victim.
func (m *Manager) Acquire(ctx context.Context) (*Region, error) {
	select {
	case r := <-m.cleanPool:
		r.setState(Open)
		m.wakeRefill()
		return r, nil
	default:
	}

	victimID, ok := m.policy.PickVictim()
	if !ok {
		return nil, errs.ErrQueueFull
	}
	r := m.regions[victimID]
	if err := m.doReclaim(r); err != nil {
		return nil, err
	}
	r.setState(Open)
	return r, nil
}

// Seal transitions an open region to Sealed and tells the eviction policy
// it is now a reclaim candidate.
func (m *Manager) Seal(r *Region) {
	r.setState(Sealed)
	m.policy.OnSeal(r.ID)
}

// OnAccess notifies the eviction policy of a read hit against r, e.g. for
// LRU promotion (spec.md Open Question 1: fired synchronously inline).
func (m *Manager) OnAccess(r *Region) {
	m.policy.OnAccess(r.ID)
}

func (m *Manager) doReclaim(r *Region) error {
	r.setState(Reclaiming)
	if err := m.reclaim(r); err != nil {
		return err
	}
	r.reset()
	m.policy.Remove(r.ID)
	return nil
}

func (m *Manager) wakeRefill() {
	if m.target == 0 {
		return
	}
	select {
	case m.refillWake <- struct{}{}:
	default:
	}
}

// runRefill keeps the clean pool topped up to target by reclaiming
// victims in the background whenever the pool is below target.
func (m *Manager) runRefill() {
	defer m.wg.Done()
	for {
		select {
		case <-m.stopRefill:
			return
		case <-m.refillWake:
		}
		for len(m.cleanPool) < m.target {
			victimID, ok := m.policy.PickVictim()
			if !ok {
				break
			}
			r := m.regions[victimID]
			if err := m.doReclaim(r); err != nil {
				break
			}
			select {
			case m.cleanPool <- r:
			case <-m.stopRefill:
				return
			}
		}
	}
}

// RestoreSealed pulls regionID out of the clean pool (it starts there, via
// NewManager's initial free-list seeding) and marks it Sealed with the
// given counters, replaying one entry of a persisted region table onto a
// freshly constructed manager. Callers invoke this once per recovered
// region before any Acquire/Seal traffic begins.
func (m *Manager) RestoreSealed(regionID, generation, numItems, bytesUsed uint32) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var kept []*Region
	for {
		select {
		case r := <-m.cleanPool:
			if r.ID != regionID {
				kept = append(kept, r)
			}
		default:
			for _, r := range kept {
				m.cleanPool <- r
			}
			m.regions[regionID].RestoreSealed(generation, numItems, bytesUsed)
			m.policy.OnSeal(regionID)
			return
		}
	}
}

// Close stops the background refill goroutine, if any.
func (m *Manager) Close() {
	if m.target > 0 {
		close(m.stopRefill)
		m.wg.Wait()
	}
}

// Regions returns the manager's fixed region array, indexed by region ID.
func (m *Manager) Regions() []*Region {
	return m.regions
}
