package governor

import "testing"

func TestLoopDetectorTripsOnIdenticalWindow(t *testing.T) {
	d := newLoopDetector(3)
	if d.observe("a.b") {
		t.Error("tripped on first observation")
	}
	if d.observe("a.b") {
		t.Error("tripped before the window filled")
	}
	if !d.observe("a.b") {
		t.Error("did not trip when the window was all one signature")
	}
}

func TestLoopDetectorAlternatingNeverTrips(t *testing.T) {
	d := newLoopDetector(3)
	signatures := []string{"a.b", "c.d", "a.b", "c.d", "a.b", "c.d"}
	for i, sig := range signatures {
		if d.observe(sig) {
			t.Fatalf("tripped at observation %d on alternating signatures", i)
		}
	}
}

func TestLoopDetectorSlidesPastOldCalls(t *testing.T) {
	d := newLoopDetector(3)
	d.observe("c.d")
	d.observe("a.b")
	d.observe("a.b")
	if !d.observe("a.b") {
		t.Error("window did not slide past the old signature")
	}
}

func TestLoopDetectorWiderWindow(t *testing.T) {
	d := newLoopDetector(5)
	for i := 0; i < 4; i++ {
		if d.observe("a.b") {
			t.Fatalf("tripped at %d with window 5", i+1)
		}
	}
	if !d.observe("a.b") {
		t.Error("did not trip at the fifth identical call")
	}
}
