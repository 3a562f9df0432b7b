package pci

import (
	"testing"
	"time"
)

func setCAMAddress(t *testing.T, c *PciConfigIo, addr uint32) {
	t.Helper()
	var buf [4]byte
	buf[0] = byte(addr)
	buf[1] = byte(addr >> 8)
	buf[2] = byte(addr >> 16)
	buf[3] = byte(addr >> 24)
	if err := c.WriteIOPort(nil, camAddressPort, buf[:]); err != nil {
		t.Fatalf("WriteIOPort(address latch): %v", err)
	}
}

func readCAMDataDWord(t *testing.T, c *PciConfigIo) uint32 {
	t.Helper()
	var buf [4]byte
	if err := c.ReadIOPort(nil, camDataPort, buf[:]); err != nil {
		t.Fatalf("ReadIOPort(data window): %v", err)
	}
	return uint32(buf[0]) | uint32(buf[1])<<8 | uint32(buf[2])<<16 | uint32(buf[3])<<24
}

func TestConfigIoIdentifiesHostBridge(t *testing.T) {
	bus := newTestBus()
	c := NewPciConfigIo(bus)

	setCAMAddress(t, c, 0x8000_0000) // enable, bus 0, device 0, function 0, register 0
	got := readCAMDataDWord(t, c)
	if got != 0x0d57_8086 {
		t.Errorf("host bridge identification = %#x, want 0x0d578086", got)
	}
}

func TestConfigIoMissingDeviceReadsAllOnes(t *testing.T) {
	bus := newTestBus()
	c := NewPciConfigIo(bus)

	setCAMAddress(t, c, 0x8000_0800) // bus 0, device 1, function 0, register 0 — unpopulated
	got := readCAMDataDWord(t, c)
	if got != 0xffff_ffff {
		t.Errorf("unpopulated device read = %#x, want 0xffffffff", got)
	}
}

func TestConfigIoEnableBitGatesAccess(t *testing.T) {
	bus := newTestBus()
	c := NewPciConfigIo(bus)

	setCAMAddress(t, c, 0x0000_0000) // same bus/device/function/register as the host bridge, enable bit clear
	got := readCAMDataDWord(t, c)
	if got != 0xffff_ffff {
		t.Errorf("disabled CAM access = %#x, want 0xffffffff", got)
	}
}

func TestConfigIoRejectsNonZeroBus(t *testing.T) {
	bus := newTestBus()
	c := NewPciConfigIo(bus)

	setCAMAddress(t, c, 0x8001_0000) // bus 1
	got := readCAMDataDWord(t, c)
	if got != 0xffff_ffff {
		t.Errorf("non-zero bus access = %#x, want 0xffffffff", got)
	}
}

func TestConfigIoAddressLatchByteAccess(t *testing.T) {
	bus := newTestBus()
	c := NewPciConfigIo(bus)
	setCAMAddress(t, c, 0x1234_5678)

	for i, want := range []byte{0x78, 0x56, 0x34, 0x12} {
		var b [1]byte
		if err := c.ReadIOPort(nil, camAddressPort+uint16(i), b[:]); err != nil {
			t.Fatalf("ReadIOPort(address byte %d): %v", i, err)
		}
		if b[0] != want {
			t.Errorf("address byte %d = %#x, want %#x", i, b[0], want)
		}
	}
}

func TestConfigIoAddressLatchBytePastDwordReadsAsFF(t *testing.T) {
	bus := newTestBus()
	c := NewPciConfigIo(bus)
	setCAMAddress(t, c, 0x1234_5678)

	var b [1]byte
	if err := c.ReadIOPort(nil, camAddressPort+3, b[:]); err != nil {
		t.Fatalf("ReadIOPort: %v", err)
	}
	if b[0] != 0x12 {
		t.Fatalf("sanity check failed, got %#x", b[0])
	}
}

func TestConfigIoMalformedLatchWriteIgnored(t *testing.T) {
	bus := newTestBus()
	c := NewPciConfigIo(bus)
	setCAMAddress(t, c, 0x8000_0000)

	// A 3-byte write is malformed and must be silently ignored, leaving the
	// latch untouched.
	if err := c.WriteIOPort(nil, camAddressPort, []byte{1, 2, 3}); err != nil {
		t.Fatalf("WriteIOPort: %v", err)
	}
	got := readCAMDataDWord(t, c)
	if got != 0x0d57_8086 {
		t.Errorf("malformed latch write must be a no-op, got %#x", got)
	}
}

func TestConfigIoWriteRoundTrip(t *testing.T) {
	bus := newTestBus()
	c := NewPciConfigIo(bus)

	slot, err := bus.NextDeviceID()
	if err != nil {
		t.Fatalf("NextDeviceID: %v", err)
	}
	dev := newFakeDevice("io-dev")
	bus.AddDevice(slot, dev)

	addr := uint32(0x8000_0000) | uint32(slot)<<11
	setCAMAddress(t, c, addr)
	if err := c.WriteIOPort(nil, camDataPort, []byte{0xef, 0xbe, 0xad, 0xde}); err != nil {
		t.Fatalf("WriteIOPort(data window): %v", err)
	}

	got := readCAMDataDWord(t, c)
	if got != 0xdeadbeef {
		t.Errorf("read back after write = %#x, want 0xdeadbeef", got)
	}
}

// TestConfigIoWriteWaitsOnBarrier asserts the CAM path's non-posted write
// contract: if a device's WriteConfigRegister returns a Barrier, the write
// does not return to the guest until that barrier is closed.
func TestConfigIoWriteWaitsOnBarrier(t *testing.T) {
	bus := newTestBus()
	c := NewPciConfigIo(bus)

	slot, err := bus.NextDeviceID()
	if err != nil {
		t.Fatalf("NextDeviceID: %v", err)
	}
	dev := newFakeDevice("barrier-dev")
	barrier := NewBarrier()
	dev.nextBarrier = barrier
	bus.AddDevice(slot, dev)

	addr := uint32(0x8000_0000) | uint32(slot)<<11
	setCAMAddress(t, c, addr)

	done := make(chan struct{})
	go func() {
		if err := c.WriteIOPort(nil, camDataPort, []byte{0xef, 0xbe, 0xad, 0xde}); err != nil {
			t.Errorf("WriteIOPort(data window): %v", err)
		}
		close(done)
	}()

	select {
	case <-done:
		t.Fatalf("CAM write returned before its barrier was closed")
	case <-time.After(50 * time.Millisecond):
	}

	barrier.Close()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatalf("CAM write did not return after its barrier was closed")
	}
}

func TestConfigIoBogusPortReadsAllOnes(t *testing.T) {
	bus := newTestBus()
	c := NewPciConfigIo(bus)
	var b [1]byte
	if err := c.ReadIOPort(nil, 0x1234, b[:]); err != nil {
		t.Fatalf("ReadIOPort: %v", err)
	}
	if b[0] != 0xff {
		t.Errorf("read of an unrelated port = %#x, want 0xff", b[0])
	}
}
