package pci

import "fmt"

// BusDeviceRelocation is the default DeviceRelocation: it removes the device
// from the appropriate dispatch bus at the old base and reinserts it at the
// new one. I/O BAR moves are rejected unless an I/O bus was configured
// (many targets, e.g. this subsystem's ARM64 host bridge, never populate
// one, since the architecture has no I/O port space).
type BusDeviceRelocation struct {
	IOBus   PioBus
	MMIOBus MmioBus
}

// MoveBar implements DeviceRelocation.
func (r *BusDeviceRelocation) MoveBar(oldBase, newBase, length uint64, device Device, regionType BarRegionType) error {
	switch regionType {
	case RegionIO:
		if r.IOBus == nil {
			return fmt.Errorf("pci: no I/O dispatch bus configured for BAR move")
		}
		r.IOBus.Remove(device)
		if newBase == 0 {
			return nil
		}
		if err := r.IOBus.Insert(device, newBase, length); err != nil {
			return PioInsertError{Base: newBase, Size: length, Err: err}
		}
	case RegionMemory32, RegionMemory64:
		if r.MMIOBus == nil {
			return fmt.Errorf("pci: no MMIO dispatch bus configured for BAR move")
		}
		r.MMIOBus.Remove(device)
		if newBase == 0 {
			return nil
		}
		if err := r.MMIOBus.Insert(device, newBase, length); err != nil {
			return MmioInsertError{Base: newBase, Size: length, Err: err}
		}
	default:
		return fmt.Errorf("pci: unknown bar region type %v", regionType)
	}
	return nil
}

var _ DeviceRelocation = (*BusDeviceRelocation)(nil)
