package pci

import (
	"fmt"
	"log/slog"
	"sync"
)

// SlotCount is the number of device slots on the single bus this subsystem
// emulates. Slot 0 is permanently reserved for the host bridge.
const SlotCount = 32

// PioBus is the opaque I/O-port dispatch bus BARs of type RegionIO are
// inserted into and removed from. It is an external collaborator: this
// package only calls Insert and Remove on it.
type PioBus interface {
	Insert(dev Device, base uint64, size uint64) error
	Remove(dev Device)
}

// MmioBus is the opaque MMIO dispatch bus BARs of type RegionMemory32 or
// RegionMemory64 are inserted into and removed from.
type MmioBus interface {
	Insert(dev Device, base uint64, size uint64) error
	Remove(dev Device)
}

// DeviceRelocation reflects a BAR move into the host's dispatch tables. It is
// invoked while both the bus lock and the target device's lock are held, so
// implementations must not re-enter the bus.
type DeviceRelocation interface {
	MoveBar(oldBase, newBase, length uint64, device Device, regionType BarRegionType) error
}

// Bar describes one BAR a device wants registered with the dispatch buses,
// as passed to PciBus.RegisterMapping.
type Bar struct {
	Index      int
	Base       uint64
	Size       uint64
	RegionType BarRegionType
}

// PciBus owns slot allocation for the single bus this subsystem emulates: a
// 32-entry slot-occupancy table, the mapping from slot to device, and the
// DeviceRelocation collaborator invoked when BARs move.
//
// Locking discipline: PciBus is guarded by a single mutex. All CAM/ECAM
// operations acquire the bus lock, locate the device, then acquire the
// per-device lock (the device's own responsibility) before releasing the bus
// lock. No operation may acquire the bus lock while already holding a device
// lock.
type PciBus struct {
	mu      sync.Mutex
	occupied [SlotCount]bool
	devices  map[int]Device

	reloc DeviceRelocation
}

// NewPciBus constructs a bus with the host bridge installed at slot 0.
// device_reloc is retained for later BAR moves; it may be nil if the caller
// never registers BARs (e.g. a bus with only the host bridge attached).
func NewPciBus(hostBridge Device, deviceReloc DeviceRelocation) *PciBus {
	b := &PciBus{
		devices: make(map[int]Device),
		reloc:   deviceReloc,
	}
	b.occupied[0] = true
	b.devices[0] = hostBridge
	return b
}

// NextDeviceID scans the slot table low-to-high and claims the first free
// slot. Tie-break order is strictly ascending, which determines the
// addresses at which devices subsequently appear to the guest.
func (b *PciBus) NextDeviceID() (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for slot := 0; slot < SlotCount; slot++ {
		if !b.occupied[slot] {
			b.occupied[slot] = true
			return slot, nil
		}
	}
	return 0, NoPciDeviceSlotAvailableError{}
}

// GetDeviceID idempotently reserves a specific slot.
func (b *PciBus) GetDeviceID(slot int) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if slot < 0 || slot >= SlotCount {
		return InvalidPciDeviceSlotError{Slot: slot}
	}
	if b.occupied[slot] {
		return AlreadyInUsePciDeviceSlotError{Slot: slot}
	}
	b.occupied[slot] = true
	return nil
}

// PutDeviceID releases a slot. Releasing an already-free slot is not an
// error.
func (b *PciBus) PutDeviceID(slot int) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if slot < 0 || slot >= SlotCount {
		return InvalidPciDeviceSlotError{Slot: slot}
	}
	b.occupied[slot] = false
	return nil
}

// AddDevice inserts device into the slot map at slot. The caller must have
// pre-allocated the slot via NextDeviceID or GetDeviceID; the map insertion
// itself cannot fail. Overwriting an existing mapping at slot is preserved
// behaviour (the source never guards against it) but is logged, since
// callers are expected to have reserved the slot first.
func (b *PciBus) AddDevice(slot int, device Device) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, exists := b.devices[slot]; exists {
		slog.Warn("pci: add_device overwriting existing mapping", "slot", slot)
	}
	b.devices[slot] = device
}

// RemoveByDevice removes any slot-map entries whose device refers to the
// same underlying device as handle, compared by identity. Note: this never
// clears the slot-occupancy flag, even for slot 0 (the host bridge) — that
// asymmetry is intentional, matching the upstream behaviour this subsystem
// was modeled on.
func (b *PciBus) RemoveByDevice(handle Device) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for slot, dev := range b.devices {
		if sameDevice(dev, handle) {
			delete(b.devices, slot)
		}
	}
}

// RegisterMapping inserts device into the I/O bus (for RegionIO bars) or the
// MMIO bus (for RegionMemory32/RegionMemory64 bars) over each bar's address
// range. This is not transactional: a failure partway through registration
// leaves earlier insertions in place, and unwinding them is the caller's
// responsibility.
func (b *PciBus) RegisterMapping(device Device, ioBus PioBus, mmioBus MmioBus, bars []Bar) error {
	for _, bar := range bars {
		switch bar.RegionType {
		case RegionIO:
			if ioBus == nil {
				return PioInsertError{Base: bar.Base, Size: bar.Size, Err: fmt.Errorf("no I/O dispatch bus configured")}
			}
			if err := ioBus.Insert(device, bar.Base, bar.Size); err != nil {
				return PioInsertError{Base: bar.Base, Size: bar.Size, Err: err}
			}
		case RegionMemory32, RegionMemory64:
			if mmioBus == nil {
				return MmioInsertError{Base: bar.Base, Size: bar.Size, Err: fmt.Errorf("no MMIO dispatch bus configured")}
			}
			if err := mmioBus.Insert(device, bar.Base, bar.Size); err != nil {
				return MmioInsertError{Base: bar.Base, Size: bar.Size, Err: err}
			}
		default:
			return fmt.Errorf("pci: unknown bar region type %v", bar.RegionType)
		}
	}
	return nil
}

// deviceAt looks up the device occupying slot, returning false if the slot
// is unpopulated. Callers must hold b.mu.
func (b *PciBus) deviceAtLocked(slot int) (Device, bool) {
	dev, ok := b.devices[slot]
	return dev, ok
}

// ReadConfig takes the bus lock, locates the device at slot, and delegates
// to its ReadConfigRegister. The second return is false if slot is
// unpopulated, in which case the façade is responsible for returning
// 0xFFFF_FFFF to the guest.
func (b *PciBus) ReadConfig(slot int, reg int) (uint32, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	dev, ok := b.deviceAtLocked(slot)
	if !ok {
		return 0, false
	}
	return dev.ReadConfigRegister(reg), true
}

// WriteConfig takes the bus lock, locates the device at slot, delegates to
// its WriteConfigRegister, and — while still holding the bus lock —
// reflects any BAR moves into the DeviceRelocation collaborator. It returns
// false if slot is unpopulated.
func (b *PciBus) WriteConfig(slot int, reg, offset int, data []byte) (*Barrier, bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	dev, ok := b.deviceAtLocked(slot)
	if !ok {
		return nil, false, nil
	}
	moves, barrier, err := dev.WriteConfigRegister(reg, offset, data)
	if err != nil {
		return nil, true, err
	}
	b.relocate(dev, moves)
	return barrier, true, nil
}

// relocate invokes the DeviceRelocation collaborator for every BAR move a
// write produced. Failures are logged and never propagated: hardware gives
// the guest no signalling channel for a failed BAR move, so its write
// visibly succeeds even if host bus state is left inconsistent.
func (b *PciBus) relocate(device Device, moves []BarReprogrammingParams) {
	if b.reloc == nil {
		return
	}
	for _, m := range moves {
		if err := b.reloc.MoveBar(m.OldBase, m.NewBase, m.Length, device, m.RegionType); err != nil {
			slog.Error("pci: bar relocation failed", "old_base", m.OldBase, "new_base", m.NewBase, "length", m.Length, "err", err)
		}
	}
}
