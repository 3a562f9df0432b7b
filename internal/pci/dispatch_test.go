package pci

import "testing"

func TestRangeBusInsertLookupRemove(t *testing.T) {
	r := NewRangeBus()
	dev := newFakeDevice("range-dev")

	if err := r.Insert(dev, 0x1000, 0x100); err != nil {
		t.Fatalf("Insert: %v", err)
	}
	if got, ok := r.Lookup(0x1050, 0x10); !ok || got != dev {
		t.Errorf("Lookup(0x1050, 0x10) = %v, %v, want dev, true", got, ok)
	}

	r.Remove(dev)
	if _, ok := r.Lookup(0x1050, 0x10); ok {
		t.Errorf("expected no entry after Remove")
	}
}

func TestRangeBusRejectsOverlap(t *testing.T) {
	r := NewRangeBus()
	a := newFakeDevice("a")
	b := newFakeDevice("b")

	if err := r.Insert(a, 0x1000, 0x100); err != nil {
		t.Fatalf("Insert a: %v", err)
	}
	if err := r.Insert(b, 0x1080, 0x100); err == nil {
		t.Errorf("expected overlap error inserting b at 0x1080")
	}
	if err := r.Insert(b, 0x1100, 0x100); err != nil {
		t.Errorf("adjacent, non-overlapping insert should succeed: %v", err)
	}
}

func TestRangeBusRejectsZeroLength(t *testing.T) {
	r := NewRangeBus()
	if err := r.Insert(newFakeDevice("z"), 0x1000, 0); err == nil {
		t.Errorf("expected zero-length range to be rejected")
	}
}

func TestRangeBusLookupRequiresFullContainment(t *testing.T) {
	r := NewRangeBus()
	dev := newFakeDevice("dev")
	if err := r.Insert(dev, 0x1000, 0x10); err != nil {
		t.Fatalf("Insert: %v", err)
	}
	if _, ok := r.Lookup(0x1008, 0x10); ok {
		t.Errorf("Lookup spanning past the end of the range should fail")
	}
}

func TestLinearBarAllocatorAlignsAndAdvances(t *testing.T) {
	a := NewLinearBarAllocator(false, 0x1000, 0x10000)

	first, err := a.Allocate(false, 0x10, 0x10)
	if err != nil {
		t.Fatalf("Allocate: %v", err)
	}
	if first != 0x1000 {
		t.Errorf("first allocation = %#x, want 0x1000", first)
	}

	second, err := a.Allocate(false, 0x20, 0x20)
	if err != nil {
		t.Fatalf("Allocate: %v", err)
	}
	if second%0x20 != 0 {
		t.Errorf("second allocation %#x is not aligned to 0x20", second)
	}
	if second < first+0x10 {
		t.Errorf("second allocation %#x overlaps the first", second)
	}
}

func TestLinearBarAllocatorExhaustion(t *testing.T) {
	a := NewLinearBarAllocator(false, 0, 0x100)
	if _, err := a.Allocate(false, 0x100, 0x100); err != nil {
		t.Fatalf("first allocation should fit exactly: %v", err)
	}
	if _, err := a.Allocate(false, 1, 1); err == nil {
		t.Errorf("expected exhaustion error once the region is full")
	}
}

func TestLinearBarAllocatorKindMismatch(t *testing.T) {
	a := NewLinearBarAllocator(true, 0, 0x100)
	if _, err := a.Allocate(false, 0x10, 0x10); err == nil {
		t.Errorf("expected a kind-mismatch error requesting a memory BAR from an I/O allocator")
	}
}
