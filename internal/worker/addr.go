package worker

import (
	"net"
	"net/netip"

	"golang.org/x/sys/unix"
)

// sockaddr converts the resolved target into the form connect(2) takes.
func sockaddr(ap netip.AddrPort) (sa unix.Sockaddr, domain int) {
	addr := ap.Addr().Unmap()
	if addr.Is4() {
		return &unix.SockaddrInet4{Port: int(ap.Port()), Addr: addr.As4()}, unix.AF_INET
	}

	sa6 := &unix.SockaddrInet6{Port: int(ap.Port()), Addr: addr.As16()}
	if zone := addr.Zone(); zone != "" {
		if ifi, err := net.InterfaceByName(zone); err == nil {
			sa6.ZoneId = uint32(ifi.Index)
		}
	}

	return sa6, unix.AF_INET6
}
