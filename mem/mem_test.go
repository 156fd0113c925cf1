package mem

import "testing"

func TestFirstUnsetLowestIndex(t *testing.T) {
	b := NewFrameBitset(128)
	b.Set(0)
	b.Set(1)
	idx, ok := b.FirstUnset()
	if !ok || idx != 2 {
		t.Fatalf("FirstUnset = %d, %v; want 2, true", idx, ok)
	}
}

func TestAllocFirstSetsBit(t *testing.T) {
	b := NewFrameBitset(4)
	for i := uint32(0); i < 4; i++ {
		idx, ok := b.AllocFirst()
		if !ok || idx != i {
			t.Fatalf("AllocFirst() = %d, %v; want %d, true", idx, ok, i)
		}
	}
	if _, ok := b.AllocFirst(); ok {
		t.Fatalf("AllocFirst() on exhausted bitset should fail")
	}
}

func TestAllocFreeRoundTrip(t *testing.T) {
	b := NewFrameBitset(8)
	a, _ := b.AllocFirst()
	c, _ := b.AllocFirst()
	d, _ := b.AllocFirst()
	if a != 0 || c != 1 || d != 2 {
		t.Fatalf("got %d,%d,%d want 0,1,2", a, c, d)
	}
	b.Clear(c)
	next, ok := b.AllocFirst()
	if !ok || next != c {
		t.Fatalf("AllocFirst after free = %d, %v; want %d, true", next, ok, c)
	}
}

func TestSetClearIdempotent(t *testing.T) {
	b := NewFrameBitset(4)
	b.Set(2)
	b.Set(2)
	if b.BitsUsed() != 1 {
		t.Fatalf("BitsUsed = %d; want 1", b.BitsUsed())
	}
	b.Clear(2)
	b.Clear(2)
	if b.BitsUsed() != 0 {
		t.Fatalf("BitsUsed = %d; want 0", b.BitsUsed())
	}
}

func TestIsSetOutOfRangePanics(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Fatalf("expected panic on out-of-range index")
		}
	}()
	b := NewFrameBitset(4)
	b.IsSet(10)
}
