package reinsertion

import "testing"

func TestNoneAlwaysDrops(t *testing.T) {
	if (None{}).ShouldReinsert(123, 255) {
		t.Fatalf("None must never reinsert")
	}
}

func TestHitsThreshold(t *testing.T) {
	h := Hits{Threshold: 2}
	if h.ShouldReinsert(1, 1) {
		t.Fatalf("1 hit should not meet threshold 2")
	}
	if !h.ShouldReinsert(1, 2) {
		t.Fatalf("2 hits should meet threshold 2")
	}
}

func TestPercentageDeterministic(t *testing.T) {
	p := Percentage{Percent: 50}
	first := p.ShouldReinsert(0xdeadbeef, 0)
	second := p.ShouldReinsert(0xdeadbeef, 0)
	if first != second {
		t.Fatalf("same key hash must yield the same decision across calls")
	}
}

func TestPercentageBounds(t *testing.T) {
	if (Percentage{Percent: 0}).ShouldReinsert(1, 0) {
		t.Fatalf("0%% must never reinsert")
	}
	if !(Percentage{Percent: 100}).ShouldReinsert(1, 0) {
		t.Fatalf("100%% must always reinsert")
	}
}
