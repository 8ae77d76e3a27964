// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package matcher

import (
	"net"
	"net/netip"
	"slices"
)

// addrPort extracts an address from a net.Addr, unmapping IPv4-in-IPv6.
func addrPort(a net.Addr) (netip.AddrPort, bool) {
	if a == nil {
		return netip.AddrPort{}, false
	}
	var ap netip.AddrPort
	switch v := a.(type) {
	case *net.TCPAddr:
		ap = v.AddrPort()
	case *net.UDPAddr:
		ap = v.AddrPort()
	default:
		parsed, err := netip.ParseAddrPort(a.String())
		if err != nil {
			return netip.AddrPort{}, false
		}
		ap = parsed
	}
	if !ap.Addr().IsValid() {
		return netip.AddrPort{}, false
	}
	return netip.AddrPortFrom(ap.Addr().Unmap(), ap.Port()), true
}

func decided(ok bool) Verdict {
	if ok {
		return Accept
	}
	return Reject
}

// Port accepts connections accepted on one of ports (the local port).
func Port(ports ...uint16) Matcher {
	return Func(Needs{}, func(in *Input) Verdict {
		ap, ok := addrPort(in.LocalAddr)
		return decided(ok && slices.Contains(ports, ap.Port()))
	})
}

// Loopback accepts connections from a loopback address.
func Loopback() Matcher {
	return Func(Needs{}, func(in *Input) Verdict {
		ap, ok := addrPort(in.RemoteAddr)
		return decided(ok && ap.Addr().IsLoopback())
	})
}

// PrivateIP accepts connections from RFC 1918 and RFC 4193 addresses.
func PrivateIP() Matcher {
	return Func(Needs{}, func(in *Input) Verdict {
		ap, ok := addrPort(in.RemoteAddr)
		return decided(ok && ap.Addr().IsPrivate())
	})
}

// IPNet accepts connections whose remote address lies in one of prefixes.
func IPNet(prefixes ...netip.Prefix) Matcher {
	return Func(Needs{}, func(in *Input) Verdict {
		ap, ok := addrPort(in.RemoteAddr)
		if !ok {
			return Reject
		}
		for _, p := range prefixes {
			if p.Contains(ap.Addr()) {
				return Accept
			}
		}
		return Reject
	})
}

// SocketAddr accepts connections from exactly addr.
func SocketAddr(addr netip.AddrPort) Matcher {
	want := netip.AddrPortFrom(addr.Addr().Unmap(), addr.Port())
	return Func(Needs{}, func(in *Input) Verdict {
		ap, ok := addrPort(in.RemoteAddr)
		return decided(ok && ap == want)
	})
}
