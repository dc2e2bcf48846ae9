package tick

import "testing"

func TestManualClockAdvanceFiresInOrder(t *testing.T) {
	c := NewManualClock()
	var seen []uint64
	unreg := c.Register(func(now uint64) { seen = append(seen, now) })
	defer unreg()

	c.Advance(3)

	want := []uint64{1, 2, 3}
	if len(seen) != len(want) {
		t.Fatalf("ticks seen = %v, want %v", seen, want)
	}
	for i := range want {
		if seen[i] != want[i] {
			t.Fatalf("ticks seen = %v, want %v", seen, want)
		}
	}
	if c.Now() != 3 {
		t.Fatalf("Now() = %d, want 3", c.Now())
	}
}

func TestUnregisterStopsFurtherDelivery(t *testing.T) {
	c := NewManualClock()
	count := 0
	unreg := c.Register(func(now uint64) { count++ })
	c.Advance(1)
	unreg()
	c.Advance(5)

	if count != 1 {
		t.Fatalf("handler fired %d times after unregister, want 1", count)
	}
}

func TestMultipleHandlersAllFire(t *testing.T) {
	c := NewManualClock()
	var a, b int
	c.Register(func(now uint64) { a++ })
	c.Register(func(now uint64) { b++ })
	c.Advance(4)

	if a != 4 || b != 4 {
		t.Fatalf("a=%d b=%d, want both 4", a, b)
	}
}
