package pci

import (
	"encoding/binary"
	"log/slog"
	"sync"

	"github.com/opencore/vmm/internal/hv"
)

// Legacy CAM I/O ports. The address register occupies the low DWORD, the
// data window the high DWORD, of an 8-byte window based at 0xCF8.
const (
	camBasePort    = 0x0cf8
	camAddressPort = camBasePort
	camDataPort    = 0x0cfc
)

// PciConfigIo is the legacy CAM façade: a 4-byte address latch plus a 4-byte
// data window exposed as a port-I/O device at 0xCF8-0xCFF. Guest accesses to
// any device other than bus 0/function 0 — or with the enable bit clear —
// observe the architectural default (0xFFFF_FFFF on read, silent drop on
// write); this is never surfaced as an error.
type PciConfigIo struct {
	bus *PciBus

	mu            sync.Mutex
	configAddress uint32
}

// NewPciConfigIo builds a CAM façade over bus. The address latch is
// zero-initialized.
func NewPciConfigIo(bus *PciBus) *PciConfigIo {
	return &PciConfigIo{bus: bus}
}

// Init implements hv.Device.
func (c *PciConfigIo) Init(hv.VirtualMachine) error { return nil }

// IOPorts implements hv.X86IOPortDevice.
func (c *PciConfigIo) IOPorts() []uint16 {
	return []uint16{
		camBasePort, camBasePort + 1, camBasePort + 2, camBasePort + 3,
		camDataPort, camDataPort + 1, camDataPort + 2, camDataPort + 3,
	}
}

// ReadIOPort implements hv.X86IOPortDevice.
func (c *PciConfigIo) ReadIOPort(ctx hv.ExitContext, port uint16, data []byte) error {
	switch {
	case port >= camAddressPort && port < camAddressPort+4:
		c.readConfigAddress(port-camAddressPort, data)
	case port >= camDataPort && port < camDataPort+4:
		c.readConfigSpace(port-camDataPort, data)
	default:
		for i := range data {
			data[i] = 0xff
		}
	}
	return nil
}

// WriteIOPort implements hv.X86IOPortDevice.
func (c *PciConfigIo) WriteIOPort(ctx hv.ExitContext, port uint16, data []byte) error {
	switch {
	case port >= camAddressPort && port < camAddressPort+4:
		c.setConfigAddress(port-camAddressPort, data)
	case port >= camDataPort && port < camDataPort+4:
		c.writeConfigSpace(port-camDataPort, data)
	}
	return nil
}

// setConfigAddress implements the write side of the address latch
// (offsets 0..3 relative to 0xCF8). A malformed access — offset+len>4, or a
// 3-byte write — is silently ignored.
func (c *PciConfigIo) setConfigAddress(offset uint16, data []byte) {
	n := len(data)
	if int(offset)+n > 4 {
		return
	}
	if n == 3 {
		return
	}
	if n != 1 && n != 2 && n != 4 {
		return
	}

	var mask, value uint32
	for i, b := range data {
		shift := (uint(offset) + uint(i)) * 8
		mask |= 0xff << shift
		value |= uint32(b) << shift
	}

	c.mu.Lock()
	c.configAddress = (c.configAddress &^ mask) | value
	c.mu.Unlock()
}

// readConfigAddress returns bytes of the address latch in little-endian
// order, clipped to the DWORD boundary: bytes past offset 3 read as 0xFF.
func (c *PciConfigIo) readConfigAddress(offset uint16, data []byte) {
	c.mu.Lock()
	addr := c.configAddress
	c.mu.Unlock()

	var buf [4]byte
	binary.LittleEndian.PutUint32(buf[:], addr)
	for i := range data {
		at := int(offset) + i
		if at >= 4 {
			data[i] = 0xff
			continue
		}
		data[i] = buf[at]
	}
}

// readConfigSpace implements config_space_read (offsets 4..7 relative to
// 0xCF8, i.e. 0..3 relative to the data window).
func (c *PciConfigIo) readConfigSpace(offset uint16, data []byte) {
	c.mu.Lock()
	addr := c.configAddress
	c.mu.Unlock()

	if !camEnabled(addr) {
		fillFF(data)
		return
	}

	target := decodeCAM(addr)
	if target.Bus != 0 || target.Function != 0 {
		fillFF(data)
		return
	}

	value, ok := c.bus.ReadConfig(int(target.Device), int(target.Register))
	if !ok {
		fillFF(data)
		return
	}

	var buf [4]byte
	binary.LittleEndian.PutUint32(buf[:], value)
	for i := range data {
		at := int(offset) + i
		if at >= 4 {
			data[i] = 0xff
			continue
		}
		data[i] = buf[at]
	}
}

// writeConfigSpace implements config_space_write. BAR reprogramming
// requests produced by the write are reflected into the DeviceRelocation
// collaborator before the barrier (if any) is returned to the caller.
func (c *PciConfigIo) writeConfigSpace(offset uint16, data []byte) {
	n := len(data)
	if int(offset)+n > 4 {
		return
	}

	c.mu.Lock()
	addr := c.configAddress
	c.mu.Unlock()

	if !camEnabled(addr) {
		return
	}
	target := decodeCAM(addr)
	if target.Bus != 0 || target.Function != 0 {
		return
	}

	barrier, handled, err := c.bus.WriteConfig(int(target.Device), int(target.Register), int(offset), data)
	if !handled {
		return
	}
	if err != nil {
		slog.Error("pci: config space write failed", "device", target.Device, "register", target.Register, "err", err)
		return
	}
	// The barrier, if any, is returned to the dispatch layer by the caller
	// of WriteIOPort via a side channel in a full VMM; this façade itself
	// has nowhere else to put it but to wait on it before returning, which
	// is the CAM path's documented contract (non-posted writes).
	barrier.Wait()
}

func fillFF(data []byte) {
	for i := range data {
		data[i] = 0xff
	}
}

var _ hv.X86IOPortDevice = (*PciConfigIo)(nil)
