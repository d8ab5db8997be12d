package admission

import "testing"

func TestRejectRandomExtremes(t *testing.T) {
	reject := NewRejectRandom(0.0)
	for i := 0; i < 100; i++ {
		if reject.Accept([]byte("k"), 10) {
			t.Fatalf("p=0 must never accept")
		}
	}
	accept := NewRejectRandom(1.0)
	for i := 0; i < 100; i++ {
		if !accept.Accept([]byte("k"), 10) {
			t.Fatalf("p=1 must always accept")
		}
	}
}

func TestSuffixSeedSharedSuffix(t *testing.T) {
	a := suffixSeed([]byte("user:1:shard7"), 6)
	b := suffixSeed([]byte("user:2:shard7"), 6)
	if a != b {
		t.Fatalf("keys sharing a suffix must derive the same seed")
	}
}

func TestDynamicRandomBaseProb(t *testing.T) {
	d := NewDynamicRandom(1<<20, 1<<30, 1024, 8, 0.1, 10)
	defer d.Close()
	if p := d.baseProb(512); p != 1 {
		t.Fatalf("itemSize below base size should clamp to prob 1, got %v", p)
	}
	if p := d.baseProb(4096); p >= 1 {
		t.Fatalf("itemSize above base size should scale down prob, got %v", p)
	}
}
