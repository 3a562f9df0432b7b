package pci

import "testing"

func TestHostBridgeIdentifiesItself(t *testing.T) {
	hb := NewHostBridge()

	var addr [4]byte
	addr[0], addr[1], addr[2], addr[3] = 0x00, 0x00, 0x00, 0x80 // enable, bus0/dev0/fn0, reg0
	if err := hb.WriteIOPort(nil, 0x0cf8, addr[:]); err != nil {
		t.Fatalf("WriteIOPort(address latch): %v", err)
	}

	var data [4]byte
	if err := hb.ReadIOPort(nil, 0x0cfc, data[:]); err != nil {
		t.Fatalf("ReadIOPort(data window): %v", err)
	}
	got := uint32(data[0]) | uint32(data[1])<<8 | uint32(data[2])<<16 | uint32(data[3])<<24
	if got != 0x1237_8086 {
		t.Errorf("host bridge identification = %#x, want 0x12378086", got)
	}
}

func TestHostBridgeIOPortsMatchCAMWindow(t *testing.T) {
	hb := NewHostBridge()
	ports := hb.IOPorts()
	if len(ports) != 8 {
		t.Fatalf("expected 8 io ports, got %d", len(ports))
	}
}
