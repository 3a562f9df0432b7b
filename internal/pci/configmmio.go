package pci

import (
	"encoding/binary"
	"log/slog"

	"github.com/opencore/vmm/internal/hv"
)

// ECAMWindowSize is the size of the ECAM MMIO window this subsystem exposes:
// 256 buses * 32 devices * 8 functions * 4 KiB per function = 2^28 bytes.
// Only bus 0 is ever populated; accesses to other buses read 0xFFFF_FFFF and
// ignore writes.
const ECAMWindowSize = 1 << 28

// PciConfigMmio is the ECAM façade: a memory-mapped window whose offset
// directly encodes the (bus, device, function, register) tuple per
// decodeECAM. Unlike the CAM façade it drops any barrier a device write
// returns, matching the posted-write semantics of memory-mapped
// configuration space.
type PciConfigMmio struct {
	bus  *PciBus
	base uint64
}

// NewPciConfigMmio builds an ECAM façade over bus, based at base.
func NewPciConfigMmio(bus *PciBus, base uint64) *PciConfigMmio {
	return &PciConfigMmio{bus: bus, base: base}
}

// Init implements hv.Device.
func (m *PciConfigMmio) Init(hv.VirtualMachine) error { return nil }

// Base returns the MMIO address the ECAM window is based at.
func (m *PciConfigMmio) Base() uint64 { return m.base }

// MMIORegions implements hv.MemoryMappedIODevice.
func (m *PciConfigMmio) MMIORegions() []hv.MMIORegion {
	return []hv.MMIORegion{{Address: m.base, Size: ECAMWindowSize}}
}

// ReadMMIO implements hv.MemoryMappedIODevice.
func (m *PciConfigMmio) ReadMMIO(ctx hv.ExitContext, addr uint64, data []byte) error {
	offset := addr - m.base
	if len(data)+int(offset%4) > 4 || offset > 0xffff_ffff {
		fillFF(data)
		return nil
	}

	target := decodeECAM(uint32(offset))
	if target.Bus != 0 {
		fillFF(data)
		return nil
	}

	value, ok := m.bus.ReadConfig(int(target.Device), int(target.Register))
	if !ok {
		fillFF(data)
		return nil
	}

	var buf [4]byte
	binary.LittleEndian.PutUint32(buf[:], value)
	sub := offset % 4
	for i := range data {
		data[i] = buf[int(sub)+i]
	}
	return nil
}

// WriteMMIO implements hv.MemoryMappedIODevice.
func (m *PciConfigMmio) WriteMMIO(ctx hv.ExitContext, addr uint64, data []byte) error {
	offset := addr - m.base
	if len(data)+int(offset%4) > 4 || offset > 0xffff_ffff {
		return nil
	}

	target := decodeECAM(uint32(offset))
	if target.Bus != 0 {
		return nil
	}

	sub := int(offset % 4)
	_, handled, err := m.bus.WriteConfig(int(target.Device), int(target.Register), sub, data)
	if !handled {
		return nil
	}
	if err != nil {
		slog.Error("pci: ecam config write failed", "device", target.Device, "register", target.Register, "err", err)
	}
	// Any barrier the device returned is intentionally dropped: MMIO
	// configuration writes are posted, so the caller has no obligation to
	// wait on completion of the BAR move's side effects.
	return nil
}

var _ hv.MemoryMappedIODevice = (*PciConfigMmio)(nil)
