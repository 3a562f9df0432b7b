package pci

import "encoding/binary"

// configSpaceSize is the size of legacy (non-extended) PCI configuration
// space: 64 DWORD registers.
const configSpaceSize = 256

// configSpace is a 256-byte configuration-space block backing a simple
// device such as the host bridge: a byte array plus a set of read-only
// byte offsets that silently discard writes. Real device emulators are
// free to back their configuration space however they like; this helper
// exists for devices, like PciRoot, that only need to expose a handful of
// fixed identification registers.
type configSpace struct {
	bytes    [configSpaceSize]byte
	readOnly map[int]struct{}
}

func newConfigSpace() *configSpace {
	return &configSpace{readOnly: make(map[int]struct{})}
}

func (c *configSpace) setReadOnlyRange(start, end int) {
	for i := start; i <= end; i++ {
		c.readOnly[i] = struct{}{}
	}
}

func (c *configSpace) isReadOnly(offset int) bool {
	_, ro := c.readOnly[offset]
	return ro
}

// readRegister reads the DWORD at the given DWORD index. Out-of-range
// indices return 0xFFFF_FFFF per the PciDevice contract.
func (c *configSpace) readRegister(regIdx int) uint32 {
	byteOffset := regIdx * 4
	if byteOffset < 0 || byteOffset+4 > configSpaceSize {
		return 0xffff_ffff
	}
	return binary.LittleEndian.Uint32(c.bytes[byteOffset:])
}

// writeRegister writes 1, 2, or 4 bytes at sub-DWORD offset within regIdx.
// Writes to read-only byte offsets are silently discarded, one byte at a
// time, matching hardware semantics for identification registers.
func (c *configSpace) writeRegister(regIdx, offset int, data []byte) {
	byteOffset := regIdx*4 + offset
	if byteOffset < 0 || byteOffset+len(data) > configSpaceSize {
		return
	}
	for i, b := range data {
		at := byteOffset + i
		if c.isReadOnly(at) {
			continue
		}
		c.bytes[at] = b
	}
}

func (c *configSpace) putUint16(offset int, value uint16) {
	binary.LittleEndian.PutUint16(c.bytes[offset:], value)
}

func (c *configSpace) putUint32(offset int, value uint32) {
	binary.LittleEndian.PutUint32(c.bytes[offset:], value)
}
