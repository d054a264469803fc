package pattern

import (
	"net/netip"

	"github.com/natrw/core/flowid"
)

// addrPort assembles a flowid.ID from raw 4-byte addresses and ports.
func addrPort(sa [4]byte, sp uint16, da [4]byte, dp uint16) flowid.ID {
	return flowid.New(netip.AddrFrom4(sa), sp, netip.AddrFrom4(da), dp)
}
