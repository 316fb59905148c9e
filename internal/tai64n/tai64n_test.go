package tai64n

import (
	"testing"
	"time"
)

func TestMonotonicOverWhitening(t *testing.T) {
	old := Now()
	// the nanosecond field is whitened, so only a step larger than the
	// whitener is guaranteed to order
	for i := 0; i < 50; i++ {
		next := stamp(time.Now().Add(time.Duration(i+1) * 25 * time.Millisecond))
		if !next.After(old) {
			t.Fatalf("timestamp %d not after its predecessor", i)
		}
		old = next
	}
}

func TestAfterIsStrict(t *testing.T) {
	ts := Now()
	if ts.After(ts) {
		t.Fatal("timestamp compares after itself")
	}
}

func TestStampOrdersSeconds(t *testing.T) {
	base := time.Unix(1000000, 0)
	a := stamp(base)
	b := stamp(base.Add(time.Second))
	if !b.After(a) {
		t.Fatal("later second does not order after earlier")
	}
	if a.After(b) {
		t.Fatal("earlier second orders after later")
	}
}
