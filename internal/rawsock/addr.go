//go:build linux

package rawsock

import (
	"net/netip"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

// toSockaddr converts a netip.AddrPort into the unix.Sockaddr variant the
// kernel expects for bind/connect/sendto.
func toSockaddr(ap netip.AddrPort) (unix.Sockaddr, error) {
	addr := ap.Addr()
	if !addr.IsValid() {
		addr = netip.IPv4Unspecified()
	}
	if addr.Is4() || addr.Is4In6() {
		sa := &unix.SockaddrInet4{Port: int(ap.Port())}
		sa.Addr = addr.As4()
		return sa, nil
	}
	if addr.Is6() {
		sa := &unix.SockaddrInet6{Port: int(ap.Port())}
		sa.Addr = addr.As16()
		return sa, nil
	}
	return nil, errors.Errorf("unsupported address family for %s", ap)
}

// fromSockaddr converts a unix.Sockaddr (as returned by getsockname,
// getpeername, accept, recvfrom) into a netip.AddrPort.
func fromSockaddr(sa unix.Sockaddr) (netip.AddrPort, error) {
	switch v := sa.(type) {
	case *unix.SockaddrInet4:
		return netip.AddrPortFrom(netip.AddrFrom4(v.Addr), uint16(v.Port)), nil
	case *unix.SockaddrInet6:
		return netip.AddrPortFrom(netip.AddrFrom16(v.Addr), uint16(v.Port)), nil
	default:
		return netip.AddrPort{}, errors.Errorf("unsupported sockaddr type %T", sa)
	}
}

// domainFor returns AF_INET or AF_INET6 for the given address.
func domainFor(ap netip.AddrPort) int {
	if ap.Addr().Is4() || ap.Addr().Is4In6() || !ap.Addr().IsValid() {
		return unix.AF_INET
	}
	return unix.AF_INET6
}
