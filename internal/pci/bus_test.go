package pci

import (
	"errors"
	"testing"
)

// fakeDevice is a minimal Device used across bus tests. It echoes back
// whatever 32-bit value was last written to a register, and can be told to
// emit a canned BAR reprogram on the next write.
type fakeDevice struct {
	name string
	regs map[int]uint32

	nextMoves   []BarReprogrammingParams
	nextErr     error
	nextBarrier *Barrier
	writeCalls  int
}

func newFakeDevice(name string) *fakeDevice {
	return &fakeDevice{name: name, regs: make(map[int]uint32)}
}

func (d *fakeDevice) ReadConfigRegister(regIdx int) uint32 {
	v, ok := d.regs[regIdx]
	if !ok {
		return 0xffff_ffff
	}
	return v
}

func (d *fakeDevice) WriteConfigRegister(regIdx, offset int, data []byte) ([]BarReprogrammingParams, *Barrier, error) {
	d.writeCalls++
	if d.nextErr != nil {
		err := d.nextErr
		d.nextErr = nil
		return nil, nil, err
	}
	cur := d.regs[regIdx]
	var buf [4]byte
	buf[0] = byte(cur)
	buf[1] = byte(cur >> 8)
	buf[2] = byte(cur >> 16)
	buf[3] = byte(cur >> 24)
	copy(buf[offset:], data)
	d.regs[regIdx] = uint32(buf[0]) | uint32(buf[1])<<8 | uint32(buf[2])<<16 | uint32(buf[3])<<24

	moves := d.nextMoves
	d.nextMoves = nil
	barrier := d.nextBarrier
	d.nextBarrier = nil
	return moves, barrier, nil
}

func (d *fakeDevice) DowncastHandle() any { return d }
func (d *fakeDevice) ID() (string, bool)  { return d.name, true }

var _ Device = (*fakeDevice)(nil)

func newTestBus() *PciBus {
	return NewPciBus(NewPciRoot(RootConfig{}), nil)
}

func TestSlotZeroReservedForHostBridge(t *testing.T) {
	bus := newTestBus()
	if !bus.occupied[0] {
		t.Fatalf("slot 0 must be occupied at construction")
	}
	dev, ok := bus.deviceAtLocked(0)
	if !ok {
		t.Fatalf("expected a device at slot 0")
	}
	if _, ok := dev.(*PciRoot); !ok {
		t.Fatalf("expected slot 0 to hold the host bridge, got %T", dev)
	}
}

func TestSlotAllocationOrder(t *testing.T) {
	bus := newTestBus()
	for i, want := range []int{1, 2, 3} {
		got, err := bus.NextDeviceID()
		if err != nil {
			t.Fatalf("NextDeviceID() #%d: %v", i, err)
		}
		if got != want {
			t.Errorf("NextDeviceID() #%d = %d, want %d", i, got, want)
		}
	}
}

func TestSlotRecycling(t *testing.T) {
	bus := newTestBus()
	for _, want := range []int{1, 2, 3} {
		got, err := bus.NextDeviceID()
		if err != nil || got != want {
			t.Fatalf("NextDeviceID() = %d, %v, want %d, nil", got, err, want)
		}
	}
	if err := bus.PutDeviceID(2); err != nil {
		t.Fatalf("PutDeviceID(2): %v", err)
	}
	got, err := bus.NextDeviceID()
	if err != nil {
		t.Fatalf("NextDeviceID(): %v", err)
	}
	if got != 2 {
		t.Errorf("NextDeviceID() after recycling slot 2 = %d, want 2", got)
	}
}

func TestNoSlotAvailable(t *testing.T) {
	bus := newTestBus()
	for i := 0; i < SlotCount-1; i++ {
		if _, err := bus.NextDeviceID(); err != nil {
			t.Fatalf("NextDeviceID() #%d: %v", i, err)
		}
	}
	if _, err := bus.NextDeviceID(); !errors.As(err, &NoPciDeviceSlotAvailableError{}) {
		t.Errorf("expected NoPciDeviceSlotAvailableError, got %v", err)
	}
}

func TestGetDeviceIDValidation(t *testing.T) {
	bus := newTestBus()
	if err := bus.GetDeviceID(SlotCount); !errors.As(err, &InvalidPciDeviceSlotError{}) {
		t.Errorf("GetDeviceID(32) = %v, want InvalidPciDeviceSlotError", err)
	}
	if err := bus.GetDeviceID(0); !errors.As(err, &AlreadyInUsePciDeviceSlotError{}) {
		t.Errorf("GetDeviceID(0) = %v, want AlreadyInUsePciDeviceSlotError", err)
	}
	if err := bus.GetDeviceID(5); err != nil {
		t.Fatalf("GetDeviceID(5): %v", err)
	}
	if err := bus.GetDeviceID(5); !errors.As(err, &AlreadyInUsePciDeviceSlotError{}) {
		t.Errorf("GetDeviceID(5) second call = %v, want AlreadyInUsePciDeviceSlotError", err)
	}
}

func TestPutDeviceIDOnFreeSlotIsNotError(t *testing.T) {
	bus := newTestBus()
	if err := bus.PutDeviceID(7); err != nil {
		t.Errorf("PutDeviceID on an already-free slot should not error, got %v", err)
	}
}

func TestSlotOccupancyMatchesDeviceCount(t *testing.T) {
	bus := newTestBus()
	dev := newFakeDevice("dev-1")
	slot, err := bus.NextDeviceID()
	if err != nil {
		t.Fatalf("NextDeviceID(): %v", err)
	}
	bus.AddDevice(slot, dev)

	occupied := 0
	for _, o := range bus.occupied {
		if o {
			occupied++
		}
	}
	if occupied != len(bus.devices) {
		t.Errorf("occupied slot count %d != device map size %d", occupied, len(bus.devices))
	}
}

func TestRemoveByDeviceDoesNotClearSlotFlag(t *testing.T) {
	// Per the open question in the specification: removing the host bridge
	// (or any device) by handle drops the slot-map entry but never clears
	// the slot-occupancy flag.
	bus := newTestBus()
	hostBridge, _ := bus.deviceAtLocked(0)
	bus.RemoveByDevice(hostBridge)

	if _, ok := bus.devices[0]; ok {
		t.Errorf("expected slot 0 device mapping to be removed")
	}
	if !bus.occupied[0] {
		t.Errorf("slot 0 occupancy flag must remain set after remove_by_device")
	}
}

func TestAddDeviceOverwritesExistingSlot(t *testing.T) {
	bus := newTestBus()
	slot, err := bus.NextDeviceID()
	if err != nil {
		t.Fatalf("NextDeviceID(): %v", err)
	}
	first := newFakeDevice("first")
	second := newFakeDevice("second")
	bus.AddDevice(slot, first)
	bus.AddDevice(slot, second) // should overwrite, not error

	dev, ok := bus.deviceAtLocked(slot)
	if !ok || dev != second {
		t.Errorf("expected slot %d to hold the second device after overwrite", slot)
	}
}

func TestMissingDeviceReadsAsAllOnes(t *testing.T) {
	bus := newTestBus()
	if _, ok := bus.ReadConfig(1, 0); ok {
		t.Errorf("expected no device at slot 1")
	}
}

func TestReadWriteRoundTrip(t *testing.T) {
	bus := newTestBus()
	slot, _ := bus.NextDeviceID()
	dev := newFakeDevice("rw")
	bus.AddDevice(slot, dev)

	if _, handled, err := bus.WriteConfig(slot, 3, 0, []byte{0xef, 0xbe, 0xad, 0xde}); err != nil || !handled {
		t.Fatalf("WriteConfig: handled=%v err=%v", handled, err)
	}
	value, ok := bus.ReadConfig(slot, 3)
	if !ok {
		t.Fatalf("expected device to be found")
	}
	if value != 0xdeadbeef {
		t.Errorf("ReadConfig after write = %#x, want 0xdeadbeef", value)
	}
}

type captureReloc struct {
	calls []BarReprogrammingParams
}

func (c *captureReloc) MoveBar(oldBase, newBase, length uint64, device Device, regionType BarRegionType) error {
	c.calls = append(c.calls, BarReprogrammingParams{OldBase: oldBase, NewBase: newBase, Length: length, RegionType: regionType})
	return nil
}

func TestBarRelocationInvokedOnce(t *testing.T) {
	reloc := &captureReloc{}
	bus := NewPciBus(NewPciRoot(RootConfig{}), reloc)
	slot, _ := bus.NextDeviceID()
	dev := newFakeDevice("bar-dev")
	bus.AddDevice(slot, dev)

	dev.nextMoves = []BarReprogrammingParams{{
		OldBase:    0x1000_0000,
		NewBase:    0x2000_0000,
		Length:     0x1000,
		RegionType: RegionMemory32,
	}}

	if _, _, err := bus.WriteConfig(slot, 4, 0, []byte{0, 0, 0, 0x20}); err != nil {
		t.Fatalf("WriteConfig: %v", err)
	}

	if len(reloc.calls) != 1 {
		t.Fatalf("expected exactly one MoveBar call, got %d", len(reloc.calls))
	}
	got := reloc.calls[0]
	if got.OldBase != 0x1000_0000 || got.NewBase != 0x2000_0000 || got.RegionType != RegionMemory32 {
		t.Errorf("unexpected MoveBar call: %+v", got)
	}
}

func TestRelocationFailureDoesNotPropagate(t *testing.T) {
	reloc := &failingReloc{}
	bus := NewPciBus(NewPciRoot(RootConfig{}), reloc)
	slot, _ := bus.NextDeviceID()
	dev := newFakeDevice("bar-dev")
	bus.AddDevice(slot, dev)
	dev.nextMoves = []BarReprogrammingParams{{OldBase: 1, NewBase: 2, Length: 1, RegionType: RegionMemory32}}

	if _, handled, err := bus.WriteConfig(slot, 4, 0, []byte{1}); err != nil || !handled {
		t.Fatalf("guest write must appear to succeed even if relocation fails: handled=%v err=%v", handled, err)
	}
}

type failingReloc struct{}

func (failingReloc) MoveBar(uint64, uint64, uint64, Device, BarRegionType) error {
	return errors.New("dispatch bus conflict")
}

func TestRegisterMappingUsesCorrectBus(t *testing.T) {
	bus := newTestBus()
	io := NewRangeBus()
	mmio := NewRangeBus()
	dev := newFakeDevice("mapped")

	bars := []Bar{
		{Index: 0, Base: 0x1000, Size: 0x100, RegionType: RegionMemory32},
		{Index: 1, Base: 0xc000, Size: 0x8, RegionType: RegionIO},
	}
	if err := bus.RegisterMapping(dev, io, mmio, bars); err != nil {
		t.Fatalf("RegisterMapping: %v", err)
	}

	if _, ok := mmio.Lookup(0x1000, 1); !ok {
		t.Errorf("expected memory BAR registered on the MMIO bus")
	}
	if _, ok := io.Lookup(0xc000, 1); !ok {
		t.Errorf("expected I/O BAR registered on the PIO bus")
	}
}

func TestRegisterMappingConflictReturnsTypedError(t *testing.T) {
	bus := newTestBus()
	mmio := NewRangeBus()
	a := newFakeDevice("a")
	b := newFakeDevice("b")

	if err := bus.RegisterMapping(a, nil, mmio, []Bar{{Base: 0x1000, Size: 0x100, RegionType: RegionMemory32}}); err != nil {
		t.Fatalf("first RegisterMapping: %v", err)
	}
	err := bus.RegisterMapping(b, nil, mmio, []Bar{{Base: 0x1080, Size: 0x100, RegionType: RegionMemory32}})
	var mmioErr MmioInsertError
	if !errors.As(err, &mmioErr) {
		t.Fatalf("expected MmioInsertError, got %v", err)
	}
}
