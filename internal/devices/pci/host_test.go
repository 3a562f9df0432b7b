package pci

import (
	"fmt"
	"testing"
)

type fakeConfigSpace struct {
	bytes [256]byte
}

func (c *fakeConfigSpace) ReadConfig(offset uint16, size uint8) (uint32, error) {
	if int(offset)+int(size) > len(c.bytes) {
		return 0xffff_ffff, nil
	}
	var value uint32
	for i := uint8(0); i < size; i++ {
		value |= uint32(c.bytes[int(offset)+int(i)]) << (8 * i)
	}
	return value, nil
}

func (c *fakeConfigSpace) WriteConfig(offset uint16, size uint8, value uint32) error {
	if int(offset)+int(size) > len(c.bytes) {
		return fmt.Errorf("out of range")
	}
	for i := uint8(0); i < size; i++ {
		c.bytes[int(offset)+int(i)] = byte(value >> (8 * i))
	}
	return nil
}

type fakeEndpoint struct {
	cfg          *fakeConfigSpace
	reprogrammed []int
}

func (e *fakeEndpoint) ConfigSpace() ConfigSpace { return e.cfg }
func (e *fakeEndpoint) OnBARReprogram(index int, value uint32) error {
	e.reprogrammed = append(e.reprogrammed, index)
	return nil
}

func TestHostBridgeRegisterAndAccessEndpoint(t *testing.T) {
	hb := NewHostBridge(HostBridgeConfig{ConfigBase: 0xe000_0000})
	ep := &fakeEndpoint{cfg: &fakeConfigSpace{}}
	ep.cfg.bytes[0] = 0xf4
	ep.cfg.bytes[1] = 0x1a

	if _, err := hb.RegisterEndpoint(0, 1, 0, ep); err != nil {
		t.Fatalf("RegisterEndpoint: %v", err)
	}

	offset := uint64(1) << 15 // device 1, function 0, register 0
	var buf [2]byte
	if err := hb.ReadMMIO(nil, 0xe000_0000+offset, buf[:]); err != nil {
		t.Fatalf("ReadMMIO: %v", err)
	}
	if buf[0] != 0xf4 || buf[1] != 0x1a {
		t.Errorf("ReadMMIO = %v, want [0xf4 0x1a]", buf)
	}
}

func TestHostBridgeRejectsNonZeroBusOrFunction(t *testing.T) {
	hb := NewHostBridge(HostBridgeConfig{})
	ep := &fakeEndpoint{cfg: &fakeConfigSpace{}}
	if _, err := hb.RegisterEndpoint(1, 0, 0, ep); err == nil {
		t.Errorf("expected an error registering on a non-zero bus")
	}
	if _, err := hb.RegisterEndpoint(0, 0, 1, ep); err == nil {
		t.Errorf("expected an error registering on a non-zero function")
	}
}

func TestHostBridgeBARWriteNotifiesEndpoint(t *testing.T) {
	hb := NewHostBridge(HostBridgeConfig{ConfigBase: 0})
	ep := &fakeEndpoint{cfg: &fakeConfigSpace{}}
	if _, err := hb.RegisterEndpoint(0, 2, 0, ep); err != nil {
		t.Fatalf("RegisterEndpoint: %v", err)
	}

	offset := uint64(2)<<15 + type0BAROffset // device 2, BAR0
	if err := hb.WriteMMIO(nil, offset, []byte{0, 0, 0, 0x20}); err != nil {
		t.Fatalf("WriteMMIO: %v", err)
	}
	if len(ep.reprogrammed) != 1 || ep.reprogrammed[0] != 0 {
		t.Errorf("expected OnBARReprogram(0, ...) exactly once, got %v", ep.reprogrammed)
	}
}

func TestHostBridgeBARProbeDoesNotNotify(t *testing.T) {
	hb := NewHostBridge(HostBridgeConfig{ConfigBase: 0})
	ep := &fakeEndpoint{cfg: &fakeConfigSpace{}}
	if _, err := hb.RegisterEndpoint(0, 3, 0, ep); err != nil {
		t.Fatalf("RegisterEndpoint: %v", err)
	}

	offset := uint64(3)<<15 + type0BAROffset
	if err := hb.WriteMMIO(nil, offset, []byte{0xff, 0xff, 0xff, 0xff}); err != nil {
		t.Fatalf("WriteMMIO: %v", err)
	}
	if len(ep.reprogrammed) != 0 {
		t.Errorf("size-probe write (all ones) must not notify the endpoint, got %v", ep.reprogrammed)
	}
}

func TestHostBridgeBARMoveUpdatesDispatchTable(t *testing.T) {
	hb := NewHostBridge(HostBridgeConfig{MMIOBase: 0x2000_0000, MMIOSize: 0x10000})
	ep := &fakeEndpoint{cfg: &fakeConfigSpace{}}
	handle, err := hb.RegisterEndpoint(0, 5, 0, ep)
	if err != nil {
		t.Fatalf("RegisterEndpoint: %v", err)
	}
	base, err := handle.AllocateMemoryBAR(0, 0x1000, 0x1000)
	if err != nil {
		t.Fatalf("AllocateMemoryBAR: %v", err)
	}

	// Move the BAR away from its originally allocated, RegisterMapping-backed
	// location. This only succeeds cleanly if the move is actually reflected
	// into the RangeBus-backed dispatch table (remove old range, insert new
	// one) rather than left stale.
	newBase := base + 0x1000
	offset := uint64(5)<<15 + type0BAROffset
	var buf [4]byte
	buf[0] = byte(newBase)
	buf[1] = byte(newBase >> 8)
	buf[2] = byte(newBase >> 16)
	buf[3] = byte(newBase >> 24)
	if err := hb.WriteMMIO(nil, offset, buf[:]); err != nil {
		t.Fatalf("WriteMMIO(bar move): %v", err)
	}
	if len(ep.reprogrammed) != 1 || ep.reprogrammed[0] != 0 {
		t.Errorf("expected OnBARReprogram(0, ...) exactly once, got %v", ep.reprogrammed)
	}
}

func TestHostBridgeAllocateMemoryBAR(t *testing.T) {
	hb := NewHostBridge(HostBridgeConfig{MMIOBase: 0x1000_0000, MMIOSize: 0x10000})
	ep := &fakeEndpoint{cfg: &fakeConfigSpace{}}
	handle, err := hb.RegisterEndpoint(0, 4, 0, ep)
	if err != nil {
		t.Fatalf("RegisterEndpoint: %v", err)
	}

	base, err := handle.AllocateMemoryBAR(0, 0x1000, 0x1000)
	if err != nil {
		t.Fatalf("AllocateMemoryBAR: %v", err)
	}
	if base != 0x1000_0000 {
		t.Errorf("AllocateMemoryBAR base = %#x, want 0x10000000", base)
	}
}
