package pci

import "testing"

func TestPciRootDefaultIdentification(t *testing.T) {
	root := NewPciRoot(RootConfig{})
	got := root.ReadConfigRegister(0)
	want := uint32(0x0d57_8086) // device 0x0D57 : vendor 0x8086, little-endian packed
	if got != want {
		t.Errorf("ReadConfigRegister(0) = %#x, want %#x", got, want)
	}
}

func TestPciRootCustomIdentification(t *testing.T) {
	root := NewPciRoot(RootConfig{VendorID: 0x1af4, DeviceID: 0x1000})
	got := root.ReadConfigRegister(0)
	want := uint32(0x1000_1af4)
	if got != want {
		t.Errorf("ReadConfigRegister(0) = %#x, want %#x", got, want)
	}
}

func TestPciRootClassCode(t *testing.T) {
	root := NewPciRoot(RootConfig{})
	got := root.ReadConfigRegister(2) // DWORD at byte offset 0x08
	want := classBridgeHostBridge
	if got != want {
		t.Errorf("ReadConfigRegister(2) = %#x, want %#x", got, want)
	}
}

func TestPciRootIdentificationRegistersAreReadOnly(t *testing.T) {
	root := NewPciRoot(RootConfig{})
	if _, _, err := root.WriteConfigRegister(0, 0, []byte{0xaa, 0xaa}); err != nil {
		t.Fatalf("WriteConfigRegister: %v", err)
	}
	if got := root.ReadConfigRegister(0); got != 0x0d57_8086 {
		t.Errorf("vendor/device registers must be read-only, got %#x", got)
	}
}

func TestPciRootNeverProducesBarMovesOrBarrier(t *testing.T) {
	root := NewPciRoot(RootConfig{})
	moves, barrier, err := root.WriteConfigRegister(4, 0, []byte{1, 2, 3, 4})
	if err != nil {
		t.Fatalf("WriteConfigRegister: %v", err)
	}
	if moves != nil {
		t.Errorf("expected no BAR moves, got %+v", moves)
	}
	if barrier != nil {
		t.Errorf("expected no barrier")
	}
}

func TestPciRootIsAnonymous(t *testing.T) {
	root := NewPciRoot(RootConfig{})
	if _, ok := root.ID(); ok {
		t.Errorf("host bridge should have no id")
	}
}

func TestPciRootOutOfRangeRegisterReadsAllOnes(t *testing.T) {
	root := NewPciRoot(RootConfig{})
	if got := root.ReadConfigRegister(100); got != 0xffff_ffff {
		t.Errorf("ReadConfigRegister(100) = %#x, want 0xffffffff", got)
	}
}
