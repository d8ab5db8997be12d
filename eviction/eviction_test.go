package eviction

import "testing"

func TestLRUVictimOrder(t *testing.T) {
	l := NewLRU()
	l.OnSeal(1)
	l.OnSeal(2)
	l.OnSeal(3)
	l.OnAccess(1) // 1 is now most recently used

	id, ok := l.PickVictim()
	if !ok || id != 2 {
		t.Fatalf("expected victim 2, got %d ok=%v", id, ok)
	}
	id, ok = l.PickVictim()
	if !ok || id != 3 {
		t.Fatalf("expected victim 3, got %d ok=%v", id, ok)
	}
	id, ok = l.PickVictim()
	if !ok || id != 1 {
		t.Fatalf("expected victim 1, got %d ok=%v", id, ok)
	}
	if _, ok := l.PickVictim(); ok {
		t.Fatalf("expected empty policy")
	}
}

func TestFIFOVictimOrder(t *testing.T) {
	f := NewFIFO()
	f.OnSeal(10)
	f.OnSeal(20)
	f.OnAccess(10) // ignored by FIFO
	id, ok := f.PickVictim()
	if !ok || id != 10 {
		t.Fatalf("expected victim 10, got %d ok=%v", id, ok)
	}
}

func TestSFIFOVictimFromLastSegment(t *testing.T) {
	s := NewSFIFO([]uint32{1, 1})
	for id := uint32(1); id <= 4; id++ {
		s.OnSeal(id)
	}
	// after four seals with equal ratios, regions 1 and 2 have cascaded
	// into segment 1 and 3 and 4 stay in segment 0; the victim is the
	// oldest region of segment 1.
	id, ok := s.PickVictim()
	if !ok {
		t.Fatalf("expected a victim")
	}
	if id != 1 {
		t.Fatalf("expected victim 1 from segment 1, got %d", id)
	}
}

func TestSFIFORemove(t *testing.T) {
	s := NewSFIFO([]uint32{1, 1})
	s.OnSeal(1)
	s.Remove(1)
	if _, ok := s.PickVictim(); ok {
		t.Fatalf("expected no victims after removal")
	}
}
