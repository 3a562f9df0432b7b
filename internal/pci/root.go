package pci

import "sync"

// PCI configuration-space offsets used by the host bridge.
const (
	offsetVendorID   = 0x00
	offsetDeviceID   = 0x02
	offsetRevisionID = 0x08
	offsetClassCode  = 0x09 // 3 bytes: prog IF, subclass, base class
	offsetHeaderType = 0x0e
)

// classBridgeHostBridge packs the revision/prog-if/subclass/base-class DWORD
// at offset 0x08: base class 0x06 ("bridge"), subclass 0x00 ("host bridge"),
// prog-if 0x00, revision 0x00.
const classBridgeHostBridge uint32 = 0x06 << 24

// RootConfig configures the identifying registers of a PciRoot. Zero values
// fall back to the defaults used by real host bridges on this platform
// family: vendor 0x8086 (Intel), device 0x0D57.
type RootConfig struct {
	VendorID uint16
	DeviceID uint16
}

// PciRoot is the degenerate PciDevice occupying slot 0: the host bridge. Its
// sole role is to own a well-formed configuration space identifying the
// bridge to the guest. It never produces BAR reprogramming events and has no
// human-readable id.
type PciRoot struct {
	mu  sync.Mutex
	cfg *configSpace
}

// NewPciRoot constructs a host bridge with the given identification. A zero
// RootConfig uses vendor 0x8086, device 0x0D57.
func NewPciRoot(rc RootConfig) *PciRoot {
	vendorID := rc.VendorID
	if vendorID == 0 {
		vendorID = 0x8086
	}
	deviceID := rc.DeviceID
	if deviceID == 0 {
		deviceID = 0x0d57
	}

	cfg := newConfigSpace()
	cfg.putUint16(offsetVendorID, vendorID)
	cfg.putUint16(offsetDeviceID, deviceID)
	// DWORD at 0x08: revision(0x08) | prog-if(0x09) | subclass(0x0a) | base class(0x0b)
	cfg.putUint32(offsetRevisionID, classBridgeHostBridge)
	cfg.bytes[offsetHeaderType] = 0x00 // standard header

	cfg.setReadOnlyRange(offsetVendorID, offsetDeviceID+1)
	cfg.setReadOnlyRange(offsetRevisionID, offsetClassCode+2)
	cfg.setReadOnlyRange(offsetHeaderType, offsetHeaderType)

	return &PciRoot{cfg: cfg}
}

// ReadConfigRegister implements Device.
func (r *PciRoot) ReadConfigRegister(regIdx int) uint32 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.cfg.readRegister(regIdx)
}

// WriteConfigRegister implements Device. The host bridge never reprograms
// BARs and never returns a barrier.
func (r *PciRoot) WriteConfigRegister(regIdx, offset int, data []byte) ([]BarReprogrammingParams, *Barrier, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cfg.writeRegister(regIdx, offset, data)
	return nil, nil, nil
}

// DowncastHandle implements Device.
func (r *PciRoot) DowncastHandle() any { return r }

// ID implements Device: the host bridge is anonymous.
func (r *PciRoot) ID() (string, bool) { return "", false }

var _ Device = (*PciRoot)(nil)
