package pci

import (
	"fmt"

	"github.com/opencore/vmm/internal/hv"
	corepci "github.com/opencore/vmm/internal/pci"
)

// HostBridge services legacy configuration space accesses through ports
// 0xCF8-0xCFF. Only bus 0 / device 0 / function 0 (the host bridge itself,
// slot 0 of the underlying bus) is ever populated; this is sufficient for
// Linux to probe PCI early in boot without triple faulting. Dispatch,
// locking, and the CAM address-latch protocol are delegated to
// corepci.PciBus and corepci.PciConfigIo; this type only owns construction
// and the hv.Device/hv.X86IOPortDevice surface those collaborators are
// wired behind.
type HostBridge struct {
	vm     hv.VirtualMachine
	bus    *corepci.PciBus
	facade *corepci.PciConfigIo
}

func NewHostBridge() *HostBridge {
	root := corepci.NewPciRoot(corepci.RootConfig{VendorID: 0x8086, DeviceID: 0x1237})
	bus := corepci.NewPciBus(root, nil)
	return &HostBridge{
		bus:    bus,
		facade: corepci.NewPciConfigIo(bus),
	}
}

// Init implements hv.Device.
func (hb *HostBridge) Init(vm hv.VirtualMachine) error {
	if _, ok := vm.(hv.VirtualMachineAmd64); !ok {
		return fmt.Errorf("pci host bridge requires an x86_64 VM")
	}
	hb.vm = vm
	return hb.facade.Init(vm)
}

// IOPorts implements hv.X86IOPortDevice.
func (hb *HostBridge) IOPorts() []uint16 { return hb.facade.IOPorts() }

// ReadIOPort implements hv.X86IOPortDevice.
func (hb *HostBridge) ReadIOPort(ctx hv.ExitContext, port uint16, data []byte) error {
	return hb.facade.ReadIOPort(ctx, port, data)
}

// WriteIOPort implements hv.X86IOPortDevice.
func (hb *HostBridge) WriteIOPort(ctx hv.ExitContext, port uint16, data []byte) error {
	return hb.facade.WriteIOPort(ctx, port, data)
}

var (
	_ hv.Device          = (*HostBridge)(nil)
	_ hv.X86IOPortDevice = (*HostBridge)(nil)
)
