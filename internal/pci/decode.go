package pci

// ConfigAddress identifies a single PCI function's configuration register,
// as produced by decoding either a CAM address register or an ECAM offset.
type ConfigAddress struct {
	Bus      uint8
	Device   uint8
	Function uint8
	Register uint16 // DWORD index within the function's configuration space
}

// decodeCAM splits a 32-bit CAM configuration address register into its
// bus/device/function/register fields. The bit layout is normative (PCI
// legacy configuration mechanism #1) and must be reproduced verbatim:
//
//	bit 31     enable
//	bits 23:16 bus
//	bits 15:11 device
//	bits 10:8  function
//	bits 7:2   register (DWORD index)
//	bits 1:0   ignored (byte offset within the DWORD, handled by the caller)
func decodeCAM(addr uint32) ConfigAddress {
	return ConfigAddress{
		Bus:      uint8((addr >> 16) & 0xff),
		Device:   uint8((addr >> 11) & 0x1f),
		Function: uint8((addr >> 8) & 0x07),
		Register: uint16((addr >> 2) & 0x3f),
	}
}

// camEnabled reports whether bit 31 of a CAM address register is set.
func camEnabled(addr uint32) bool {
	return addr&(1<<31) != 0
}

// composeCAM is the inverse of decodeCAM, used by tests to check the round-trip
// law in the specification. The enable bit is always set.
func composeCAM(a ConfigAddress) uint32 {
	return (1 << 31) |
		uint32(a.Bus)<<16 |
		uint32(a.Device&0x1f)<<11 |
		uint32(a.Function&0x07)<<8 |
		uint32(a.Register&0x3f)<<2
}

// decodeECAM splits a byte offset within the ECAM MMIO window into its
// bus/device/function/register fields. PCI Express extended configuration
// space reserves 4 KiB per function, addressed by a 10-bit register field:
//
//	bits 27:20 bus
//	bits 19:15 device
//	bits 14:12 function
//	bits 11:2  register (DWORD index, 10 bits)
//	bits 1:0   ignored
func decodeECAM(offset uint32) ConfigAddress {
	return ConfigAddress{
		Bus:      uint8((offset >> 20) & 0xff),
		Device:   uint8((offset >> 15) & 0x1f),
		Function: uint8((offset >> 12) & 0x07),
		Register: uint16((offset >> 2) & 0x3ff),
	}
}

// composeECAM is the inverse of decodeECAM, used by tests.
func composeECAM(a ConfigAddress) uint32 {
	return uint32(a.Bus)<<20 |
		uint32(a.Device&0x1f)<<15 |
		uint32(a.Function&0x07)<<12 |
		uint32(a.Register&0x3ff)<<2
}
