package replay

import "testing"

const testLimit = ^uint64(0) - (1 << 13)

func TestFilterSequential(t *testing.T) {
	var f Filter
	for i := uint64(0); i < 1000; i++ {
		if !f.ValidateCounter(i, testLimit) {
			t.Fatalf("fresh counter %d rejected", i)
		}
	}
	for i := uint64(0); i < 1000; i++ {
		if f.ValidateCounter(i, testLimit) {
			t.Fatalf("replayed counter %d accepted", i)
		}
	}
}

func TestFilterOutOfOrder(t *testing.T) {
	var f Filter
	for _, c := range []uint64{0, 1, 2, 5} {
		if !f.ValidateCounter(c, testLimit) {
			t.Fatalf("counter %d rejected", c)
		}
	}
	if f.ValidateCounter(1, testLimit) {
		t.Fatal("duplicate counter 1 accepted")
	}
	if !f.ValidateCounter(3, testLimit) {
		t.Fatal("in-window counter 3 rejected")
	}
	if !f.ValidateCounter(4, testLimit) {
		t.Fatal("in-window counter 4 rejected")
	}
	if f.ValidateCounter(5, testLimit) {
		t.Fatal("duplicate counter 5 accepted")
	}
}

func TestFilterWindowSlide(t *testing.T) {
	var f Filter
	if !f.ValidateCounter(4096, testLimit) {
		t.Fatal("counter 4096 rejected")
	}
	if f.ValidateCounter(4096-CounterBitsTotal, testLimit) {
		t.Fatalf("counter %d accepted behind window", 4096-CounterBitsTotal)
	}
	if !f.ValidateCounter(4096-CounterBitsTotal+1, testLimit) {
		t.Fatalf("counter %d rejected at window edge", 4096-CounterBitsTotal+1)
	}
	if f.ValidateCounter(4096, testLimit) {
		t.Fatal("duplicate counter 4096 accepted")
	}
}

func TestFilterBigJumpClearsWindow(t *testing.T) {
	var f Filter
	for i := uint64(0); i < 100; i++ {
		if !f.ValidateCounter(i, testLimit) {
			t.Fatalf("counter %d rejected", i)
		}
	}
	if !f.ValidateCounter(1<<20, testLimit) {
		t.Fatal("large jump rejected")
	}
	if f.ValidateCounter(50, testLimit) {
		t.Fatal("stale counter accepted after large jump")
	}
}

func TestFilterLimit(t *testing.T) {
	var f Filter
	if f.ValidateCounter(testLimit, testLimit) {
		t.Fatal("exhausted counter accepted")
	}
	if !f.ValidateCounter(testLimit-1, testLimit) {
		t.Fatal("counter just below limit rejected")
	}
}

func TestFilterReset(t *testing.T) {
	var f Filter
	if !f.ValidateCounter(10, testLimit) {
		t.Fatal("counter 10 rejected")
	}
	f.Reset()
	if !f.ValidateCounter(10, testLimit) {
		t.Fatal("counter 10 rejected after reset")
	}
}
