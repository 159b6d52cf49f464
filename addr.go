package btvendor

import (
	"fmt"
	"net"
	"strings"

	"github.com/rigado/btvendor/sliceops"
)

// Addr is a BD_ADDR in its natural (display) byte order, most significant byte first.
type Addr [6]byte

// ParseAddr parses "AA:BB:CC:DD:EE:FF" (or '-' separated) into an Addr.
func ParseAddr(s string) (Addr, error) {
	var a Addr
	hw, err := net.ParseMAC(strings.TrimSpace(s))
	if err != nil {
		return a, err
	}
	if len(hw) != len(a) {
		return a, fmt.Errorf("invalid bd address %q: want %d bytes, got %d", s, len(a), len(hw))
	}
	copy(a[:], hw)
	return a, nil
}

// AddrFromWire builds an Addr from the little-endian order used on the HCI wire.
func AddrFromWire(b []byte) Addr {
	var a Addr
	copy(a[:], sliceops.SwapBuf(b))
	return a
}

// Wire returns the address in HCI wire order (least significant byte first).
func (a Addr) Wire() []byte {
	return sliceops.SwapBuf(a[:])
}

// IsZero reports whether the address is unprogrammed.
func (a Addr) IsZero() bool {
	return a == Addr{}
}

func (a Addr) String() string {
	return strings.ToUpper(net.HardwareAddr(a[:]).String())
}
