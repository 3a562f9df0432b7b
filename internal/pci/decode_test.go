package pci

import "testing"

func TestDecodeCAMRoundTrip(t *testing.T) {
	cases := []ConfigAddress{
		{Bus: 0, Device: 0, Function: 0, Register: 0},
		{Bus: 0xff, Device: 0x1f, Function: 0x7, Register: 0x3f},
		{Bus: 0x12, Device: 0x09, Function: 0x3, Register: 0x2a},
	}
	for _, c := range cases {
		got := decodeCAM(composeCAM(c))
		if got != c {
			t.Errorf("decodeCAM(composeCAM(%+v)) = %+v", c, got)
		}
	}
}

func TestDecodeECAMRoundTrip(t *testing.T) {
	cases := []ConfigAddress{
		{Bus: 0, Device: 0, Function: 0, Register: 0},
		{Bus: 0xff, Device: 0x1f, Function: 0x7, Register: 0x3ff},
		{Bus: 0x34, Device: 0x11, Function: 0x5, Register: 0x0ab},
	}
	for _, c := range cases {
		got := decodeECAM(composeECAM(c))
		if got != c {
			t.Errorf("decodeECAM(composeECAM(%+v)) = %+v", c, got)
		}
	}
}

func TestDecodeCAMBitLayout(t *testing.T) {
	// Enable, bus 0, device 1, function 0, register 0 -> 0x8000_0800.
	addr := uint32(0x8000_0800)
	if !camEnabled(addr) {
		t.Fatalf("expected enable bit set")
	}
	got := decodeCAM(addr)
	want := ConfigAddress{Bus: 0, Device: 1, Function: 0, Register: 0}
	if got != want {
		t.Errorf("decodeCAM(%#x) = %+v, want %+v", addr, got, want)
	}
}

func TestCamEnabledBit(t *testing.T) {
	if camEnabled(0x7fff_ffff) {
		t.Errorf("bit 31 clear should not report enabled")
	}
	if !camEnabled(0x8000_0000) {
		t.Errorf("bit 31 set should report enabled")
	}
}

func TestDecodeECAMFourKiBPerFunction(t *testing.T) {
	// Function 1 of device 0 on bus 0 starts at offset 0x1000 (one function
	// slot up), register 0.
	got := decodeECAM(0x1000)
	want := ConfigAddress{Bus: 0, Device: 0, Function: 1, Register: 0}
	if got != want {
		t.Errorf("decodeECAM(0x1000) = %+v, want %+v", got, want)
	}
}
