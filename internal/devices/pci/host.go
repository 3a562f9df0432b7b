package pci

import (
	"fmt"
	"sync"

	"github.com/opencore/vmm/internal/fdt"
	"github.com/opencore/vmm/internal/hv"
	corepci "github.com/opencore/vmm/internal/pci"
)

const (
	type0BAROffset = 0x10
	type0BARCount  = 6
	type0BARStride = 4
)

// ConfigSpace models PCI configuration space access for a single bus/device/function tuple.
type ConfigSpace interface {
	ReadConfig(offset uint16, size uint8) (uint32, error)
	WriteConfig(offset uint16, size uint8, value uint32) error
}

// Endpoint represents a PCI function behind the host bridge.
type Endpoint interface {
	ConfigSpace() ConfigSpace
	OnBARReprogram(index int, value uint32) error
}

// BARAllocator reserves address space for BAR windows.
type BARAllocator = corepci.BarAllocator

// endpointDevice adapts a legacy Endpoint/ConfigSpace pair to the generic
// corepci.Device contract so it can sit behind a corepci.PciBus. Type 0 BAR
// writes are detected the same way the pre-adaptation bridge detected them
// (offset range, probe value, DWORD-aligned): the endpoint's own
// OnBARReprogram callback is notified directly, since the endpoint owns its
// data-path handling of the new address, and a corepci.BarReprogrammingParams
// move is also reported so the bridge's own dispatch-table bookkeeping
// (corepci.RangeBus, via PciBus.relocate) stays in sync.
type endpointDevice struct {
	mu       sync.Mutex
	endpoint Endpoint
	provider ConfigSpace
	barValue [type0BARCount]uint32
	barSize  [type0BARCount]uint32
}

// setBAR records the address and size the host allocated for a BAR, so a
// later guest rewrite of that BAR can be reflected as a proper
// corepci.BarReprogrammingParams move.
func (d *endpointDevice) setBAR(index int, size uint32, base uint64) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.barSize[index] = size
	d.barValue[index] = uint32(base)
}

func (d *endpointDevice) ReadConfigRegister(regIdx int) uint32 {
	d.mu.Lock()
	defer d.mu.Unlock()
	value, err := d.provider.ReadConfig(uint16(regIdx*4), 4)
	if err != nil {
		return 0xffff_ffff
	}
	return value
}

func (d *endpointDevice) WriteConfigRegister(regIdx, subOffset int, data []byte) ([]corepci.BarReprogrammingParams, *corepci.Barrier, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	offset := uint16(regIdx*type0BARStride + subOffset)
	size := uint8(len(data))
	var value uint32
	for i, b := range data {
		value |= uint32(b) << (8 * i)
	}
	if err := d.provider.WriteConfig(offset, size, value); err != nil {
		return nil, nil, nil
	}

	if size != 4 || offset < type0BAROffset || offset >= type0BAROffset+type0BARCount*type0BARStride || offset%type0BARStride != 0 {
		return nil, nil, nil
	}
	if value == 0xffff_ffff {
		return nil, nil, nil
	}
	index := int((offset - type0BAROffset) / type0BARStride)
	oldBase := d.barValue[index] &^ 0xf
	newBase := value &^ 0xf
	d.barValue[index] = value
	if d.endpoint != nil {
		_ = d.endpoint.OnBARReprogram(index, value)
	}

	// In addition to notifying the endpoint directly, reflect the move into
	// the dispatch-table collaborator like any other corepci.Device would:
	// the endpoint owns its data-path handling of the new address, but the
	// host bridge's own MMIO range bookkeeping (corepci.RangeBus, via
	// PciBus.relocate) must track the move too.
	var moves []corepci.BarReprogrammingParams
	if size := d.barSize[index]; size != 0 && oldBase != newBase {
		moves = []corepci.BarReprogrammingParams{{
			OldBase:    uint64(oldBase),
			NewBase:    uint64(newBase),
			Length:     uint64(size),
			RegionType: corepci.RegionMemory32,
		}}
	}
	return moves, nil, nil
}

func (d *endpointDevice) DowncastHandle() any { return d.endpoint }
func (d *endpointDevice) ID() (string, bool)  { return "", false }

var _ corepci.Device = (*endpointDevice)(nil)

// DeviceHandle exposes helper methods for registered endpoints.
type DeviceHandle struct {
	host *HostBridge
	slot int
}

// AllocateMemoryBAR reserves MMIO space for the supplied BAR index.
func (h *DeviceHandle) AllocateMemoryBAR(index int, size uint32, align uint32) (uint64, error) {
	if h == nil || h.host == nil {
		return 0, fmt.Errorf("pci device handle is nil")
	}
	return h.host.allocateBAR(h.slot, index, false, size, align)
}

// AllocateIOBAR reserves legacy I/O space for the supplied BAR index (unsupported on ARM).
func (h *DeviceHandle) AllocateIOBAR(index int, size uint32, align uint32) (uint64, error) {
	return 0, fmt.Errorf("I/O BAR allocation not supported")
}

// HostBridgeConfig describes the MMIO layout for config accesses and BAR windows.
type HostBridgeConfig struct {
	ConfigBase   uint64
	MMIOBase     uint64
	MMIOSize     uint64
	RootVendorID uint16
	RootDeviceID uint16
	MaxBus       uint8
	BARAllocator BARAllocator
}

// HostBridge implements a minimal ECAM-capable PCI root complex: a single bus
// of up to SlotCount single-function devices, reached through a memory-mapped
// configuration window. Dispatch, locking, and address decoding are all
// delegated to a corepci.PciBus plus a corepci.PciConfigMmio façade; this
// type's own job is translating between the legacy Endpoint/ConfigSpace API
// its callers (virtio devices) were written against and that generic core.
type HostBridge struct {
	mmioBase uint64
	mmioSize uint64
	maxBus   uint8

	bus          *corepci.PciBus
	facade       *corepci.PciConfigMmio
	barAllocator BARAllocator
	mmioBus      *corepci.RangeBus

	mu      sync.Mutex
	devices map[int]*endpointDevice
}

// NewHostBridge constructs a host bridge using the supplied config.
func NewHostBridge(cfg HostBridgeConfig) *HostBridge {
	const (
		defaultMMIOBase = 0x20000000
		defaultMMIOSize = 0x10000000
	)

	mmioBase := cfg.MMIOBase
	if mmioBase == 0 {
		mmioBase = defaultMMIOBase
	}
	mmioSize := cfg.MMIOSize
	if mmioSize == 0 {
		mmioSize = defaultMMIOSize
	}
	vendorID := cfg.RootVendorID
	if vendorID == 0 {
		vendorID = 0x1af4
	}
	deviceID := cfg.RootDeviceID
	if deviceID == 0 {
		deviceID = 0x0001
	}
	allocator := cfg.BARAllocator
	if allocator == nil {
		allocator = corepci.NewLinearBarAllocator(false, mmioBase, mmioSize)
	}

	mmioBus := corepci.NewRangeBus()
	reloc := &corepci.BusDeviceRelocation{MMIOBus: mmioBus}

	root := corepci.NewPciRoot(corepci.RootConfig{VendorID: vendorID, DeviceID: deviceID})
	bus := corepci.NewPciBus(root, reloc)

	h := &HostBridge{
		mmioBase:     mmioBase,
		mmioSize:     mmioSize,
		maxBus:       cfg.MaxBus,
		bus:          bus,
		barAllocator: allocator,
		mmioBus:      mmioBus,
		devices:      make(map[int]*endpointDevice),
	}
	h.facade = corepci.NewPciConfigMmio(bus, cfg.ConfigBase)
	return h
}

// Init implements hv.Device.
func (h *HostBridge) Init(vm hv.VirtualMachine) error { return h.facade.Init(vm) }

// MMIORegions implements hv.MemoryMappedIODevice.
func (h *HostBridge) MMIORegions() []hv.MMIORegion { return h.facade.MMIORegions() }

// ReadMMIO implements hv.MemoryMappedIODevice.
func (h *HostBridge) ReadMMIO(ctx hv.ExitContext, addr uint64, data []byte) error {
	return h.facade.ReadMMIO(ctx, addr, data)
}

// WriteMMIO implements hv.MemoryMappedIODevice.
func (h *HostBridge) WriteMMIO(ctx hv.ExitContext, addr uint64, data []byte) error {
	return h.facade.WriteMMIO(ctx, addr, data)
}

// RegisterEndpoint associates an endpoint with the supplied location. Only
// function 0 of bus 0 is supported: the underlying bus models one
// single-function device per slot.
func (h *HostBridge) RegisterEndpoint(bus, device, function uint8, endpoint Endpoint) (*DeviceHandle, error) {
	if endpoint == nil {
		return nil, fmt.Errorf("pci endpoint cannot be nil")
	}
	if bus != 0 {
		return nil, fmt.Errorf("only bus 0 supported (got %d)", bus)
	}
	if function != 0 {
		return nil, fmt.Errorf("only function 0 supported (got %d)", function)
	}
	provider := endpoint.ConfigSpace()
	if provider == nil {
		return nil, fmt.Errorf("endpoint must expose config space")
	}

	slot := int(device)
	if err := h.bus.GetDeviceID(slot); err != nil {
		return nil, err
	}

	dev := &endpointDevice{endpoint: endpoint, provider: provider}
	h.bus.AddDevice(slot, dev)

	h.mu.Lock()
	h.devices[slot] = dev
	h.mu.Unlock()

	return &DeviceHandle{host: h, slot: slot}, nil
}

func (h *HostBridge) allocateBAR(slot int, index int, io bool, size uint32, align uint32) (uint64, error) {
	if index < 0 || index >= type0BARCount {
		return 0, fmt.Errorf("BAR index %d out of range", index)
	}
	if size == 0 {
		return 0, fmt.Errorf("BAR size must be non-zero")
	}
	base, err := h.barAllocator.Allocate(io, size, align)
	if err != nil {
		return 0, corepci.AllocateDeviceAddrsError{Err: err}
	}

	h.mu.Lock()
	dev, ok := h.devices[slot]
	h.mu.Unlock()
	if !ok {
		return 0, fmt.Errorf("device not registered")
	}

	bar := corepci.Bar{Index: index, Base: base, Size: uint64(size), RegionType: corepci.RegionMemory32}
	if err := h.bus.RegisterMapping(dev, nil, h.mmioBus, []corepci.Bar{bar}); err != nil {
		return 0, err
	}
	dev.setBAR(index, size, base)

	return base, nil
}

// DeviceTreeNode returns a device-tree node describing the host bridge.
func (h *HostBridge) DeviceTreeNode() fdt.Node {
	childHigh := uint32(h.mmioBase >> 32)
	childLow := uint32(h.mmioBase & 0xffff_ffff)
	parentHigh := uint32(h.mmioBase >> 32)
	parentLow := uint32(h.mmioBase & 0xffff_ffff)
	sizeHigh := uint32(h.mmioSize >> 32)
	sizeLow := uint32(h.mmioSize & 0xffff_ffff)
	ranges := []uint32{
		0x02000000, childHigh, childLow,
		parentHigh, parentLow,
		sizeHigh, sizeLow,
	}
	return fdt.Node{
		Name: fmt.Sprintf("pcie@%x", h.facade.Base()),
		Properties: map[string]fdt.Property{
			"compatible":           {Strings: []string{"pci-host-ecam-generic"}},
			"device_type":          {Strings: []string{"pci"}},
			"#address-cells":       {U32: []uint32{3}},
			"#size-cells":          {U32: []uint32{2}},
			"linux,pci-probe-only": {U32: []uint32{1}},
			"bus-range":            {U32: []uint32{0, uint32(h.maxBus)}},
			"reg":                  {U64: []uint64{h.facade.Base(), corepci.ECAMWindowSize}},
			"ranges":               {U32: ranges},
			"linux,pci-domain":     {U32: []uint32{0}},
		},
	}
}

var (
	_ hv.Device               = (*HostBridge)(nil)
	_ hv.MemoryMappedIODevice = (*HostBridge)(nil)
)
