// Package ip implements IPv4 with ARP and ICMP on top of the Ethernet
// dispatcher, plus the CIDR routing table shared with the router.
package ip

import (
	"fmt"
	"net"
	"strconv"
	"strings"

	"firestige.xyz/satcat5/internal/eth"
)

// Addr is an IPv4 address in host order.
type Addr uint32

const (
	AddrNone      Addr = 0
	AddrBroadcast Addr = 0xFFFFFFFF
)

// IP protocol numbers.
const (
	ProtoICMP uint8 = 1
	ProtoTCP  uint8 = 6
	ProtoUDP  uint8 = 17
)

// AddrFrom4 builds an address from dotted-quad parts.
func AddrFrom4(a, b, c, d byte) Addr {
	return Addr(a)<<24 | Addr(b)<<16 | Addr(c)<<8 | Addr(d)
}

// ParseAddr parses dotted-quad notation.
func ParseAddr(s string) (Addr, error) {
	v4 := net.ParseIP(s).To4()
	if v4 == nil {
		return AddrNone, fmt.Errorf("ip: invalid IPv4 address %q", s)
	}
	return AddrFrom4(v4[0], v4[1], v4[2], v4[3]), nil
}

// MustParseAddr is ParseAddr for constants; it panics on error.
func MustParseAddr(s string) Addr {
	a, err := ParseAddr(s)
	if err != nil {
		panic(err)
	}
	return a
}

func (a Addr) String() string {
	return fmt.Sprintf("%d.%d.%d.%d", byte(a>>24), byte(a>>16), byte(a>>8), byte(a))
}

func (a Addr) IsNone() bool      { return a == AddrNone }
func (a Addr) IsBroadcast() bool { return a == AddrBroadcast }
func (a Addr) IsMulticast() bool { return a>>28 == 0xE }

// IsUnicast excludes none, broadcast, multicast and reserved class E.
func (a Addr) IsUnicast() bool { return a != AddrNone && a>>28 < 0xE }

// MulticastMac maps a multicast group to its Ethernet address.
func (a Addr) MulticastMac() eth.MacAddr {
	return eth.MacAddr{0x01, 0x00, 0x5E, byte(a>>16) & 0x7F, byte(a >> 8), byte(a)}
}

// Bytes returns the address in network order.
func (a Addr) Bytes() [4]byte {
	return [4]byte{byte(a >> 24), byte(a >> 16), byte(a >> 8), byte(a)}
}

// Subnet is an address block in CIDR form.
type Subnet struct {
	Addr   Addr
	Prefix uint8
}

// DefaultSubnet matches every address.
var DefaultSubnet = Subnet{}

// ParseSubnet parses "a.b.c.d/n". A bare address is a /32.
func ParseSubnet(s string) (Subnet, error) {
	addr, plen, found := strings.Cut(s, "/")
	a, err := ParseAddr(addr)
	if err != nil {
		return Subnet{}, err
	}
	if !found {
		return Subnet{Addr: a, Prefix: 32}, nil
	}
	n, err := strconv.Atoi(plen)
	if err != nil || n < 0 || n > 32 {
		return Subnet{}, fmt.Errorf("ip: invalid prefix length in %q", s)
	}
	sub := Subnet{Addr: a, Prefix: uint8(n)}
	sub.Addr &= sub.Mask()
	return sub, nil
}

// Mask returns the netmask.
func (s Subnet) Mask() Addr {
	if s.Prefix == 0 {
		return 0
	}
	return AddrBroadcast << (32 - min(s.Prefix, 32))
}

// Base returns the first address of the block.
func (s Subnet) Base() Addr { return s.Addr & s.Mask() }

// Contains reports whether a lies in the block.
func (s Subnet) Contains(a Addr) bool {
	return (a^s.Addr)&s.Mask() == 0
}

// Size returns the number of addresses in the block.
func (s Subnet) Size() uint64 { return 1 << (32 - min(s.Prefix, 32)) }

func (s Subnet) String() string {
	return fmt.Sprintf("%s/%d", s.Base(), s.Prefix)
}
