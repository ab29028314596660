package ice

import (
	"fmt"
	"net"
)

// Address is a transport address: an IP and a port, tagged with the network
// type it was gathered on. It is a value type so candidates and pairs can
// compare and copy addresses cheaply.
type Address struct {
	IP      net.IP
	Port    int
	Network NetworkType
}

// NewAddress builds an Address from a net.IP, port and network type,
// normalizing IPv4-in-IPv6 representations to 4-byte form so Equal behaves
// consistently regardless of how the IP was parsed.
func NewAddress(ip net.IP, port int, network NetworkType) Address {
	if v4 := ip.To4(); v4 != nil {
		ip = v4
	}
	return Address{IP: ip, Port: port, Network: network}
}

func (a Address) String() string {
	return net.JoinHostPort(a.IP.String(), fmt.Sprintf("%d", a.Port))
}

// Equal reports whether two addresses have the same IP, port and network
// type.
func (a Address) Equal(b Address) bool {
	return a.IP.Equal(b.IP) && a.Port == b.Port && a.Network == b.Network
}

// IsZero reports whether the address carries no IP, as returned by the
// zero value.
func (a Address) IsZero() bool {
	return len(a.IP) == 0 || isZeroIP(a.IP)
}

func isZeroIP(ip net.IP) bool {
	for _, b := range ip {
		if b != 0 {
			return false
		}
	}
	return true
}

// IsLoopback reports whether the address's IP is a loopback address.
func (a Address) IsLoopback() bool {
	return a.IP.IsLoopback()
}

// IsLinkLocal reports whether the address's IP is link-local unicast or
// link-local multicast.
func (a Address) IsLinkLocal() bool {
	return a.IP.IsLinkLocalUnicast() || a.IP.IsLinkLocalMulticast()
}

// IsPrivate reports whether the address's IP falls in an RFC 1918 (IPv4) or
// RFC 4193 (IPv6 unique local) private range.
func (a Address) IsPrivate() bool {
	ip4 := a.IP.To4()
	if ip4 != nil {
		switch {
		case ip4[0] == 10:
			return true
		case ip4[0] == 172 && ip4[1]&0xf0 == 16:
			return true
		case ip4[0] == 192 && ip4[1] == 168:
			return true
		default:
			return false
		}
	}
	return len(a.IP) == net.IPv6len && a.IP[0]&0xfe == 0xfc
}

// isSupportedIPv6 matches the teacher's legacy filter: link-local and
// 4-in-6 mapped addresses are not usable as ICE host candidates.
func isSupportedIPv6(ip net.IP) bool {
	if len(ip) != net.IPv6len || ip.To4() != nil {
		return false
	}
	return !ip.IsLinkLocalUnicast() && !(ip[0] == 0x00 && ip[1] == 0x00)
}
