package router

import (
	"encoding/binary"
	"fmt"

	"firestige.xyz/satcat5/internal/core"
	"firestige.xyz/satcat5/internal/ethsw"
	"firestige.xyz/satcat5/internal/ip"
)

// ARP field offsets.
const (
	arpSpa = 14
	arpTpa = 24
)

// BasicNat is a port plugin that maps an internal subnet one-to-one
// onto an external subnet of the same size. Frames entering the switch
// through the port have external destinations rewritten to internal
// ones; frames leaving through it have internal sources rewritten to
// external ones. Addresses outside both subnets are left alone.
//
// TCP checksums are patched; UDP checksums are cleared, which IPv4
// permits.
type BasicNat struct {
	ext        ip.Subnet
	in         ip.Subnet
	translated uint64
}

// NewBasicNat creates the plugin and attaches it to port when port is
// not nil.
func NewBasicNat(port *ethsw.SwitchPort, external, internal ip.Subnet) (*BasicNat, error) {
	n := &BasicNat{}
	if err := n.Configure(external, internal); err != nil {
		return nil, err
	}
	if port != nil {
		port.AddPlugin(n)
	}
	return n, nil
}

// Configure replaces the mapping. Subnets of different sizes are
// refused and leave the previous mapping in place.
func (n *BasicNat) Configure(external, internal ip.Subnet) error {
	if external.Prefix != internal.Prefix {
		return fmt.Errorf("nat: %s and %s differ in size: %w", external, internal, core.ErrConfigInvalid)
	}
	external.Addr, internal.Addr = external.Base(), internal.Base()
	n.ext, n.in = external, internal
	return nil
}

// Translated returns the number of frames rewritten.
func (n *BasicNat) Translated() uint64 { return n.translated }

// Ingress maps external destinations to internal ones.
func (n *BasicNat) Ingress(p *ethsw.PluginPacket) {
	n.rewrite(p, n.ext, n.in, arpTpa, false)
}

// Egress maps internal sources to external ones.
func (n *BasicNat) Egress(p *ethsw.PluginPacket) {
	n.rewrite(p, n.in, n.ext, arpSpa, true)
}

func (n *BasicNat) rewrite(p *ethsw.PluginPacket, from, to ip.Subnet, arpOff int, src bool) {
	switch {
	case p.IsArp:
		b := p.Arp()
		old := ip.Addr(binary.BigEndian.Uint32(b[arpOff:]))
		if a, ok := mapAddr(old, from, to); ok {
			binary.BigEndian.PutUint32(b[arpOff:], uint32(a))
			p.MarkDirty()
			n.translated++
		}
	case p.IsIPv4:
		old := p.IP.Dst
		if src {
			old = p.IP.Src
		}
		a, ok := mapAddr(old, from, to)
		if !ok {
			return
		}
		if src {
			p.IP.Src = a
		} else {
			p.IP.Dst = a
		}
		p.IP.Chk = ip.UpdateChecksum32(p.IP.Chk, uint32(old), uint32(a))
		p.CommitIP()
		n.fixL4(p, old, a)
		n.translated++
	}
}

// fixL4 repairs transport checksums that cover the pseudo-header.
// Only the first fragment carries the transport header.
func (n *BasicNat) fixL4(p *ethsw.PluginPacket, old, new ip.Addr) {
	if p.IP.Frag&0x1FFF != 0 {
		return
	}
	l4 := p.L4()
	switch p.IP.Proto {
	case ip.ProtoTCP:
		if len(l4) >= 18 {
			chk := binary.BigEndian.Uint16(l4[16:])
			binary.BigEndian.PutUint16(l4[16:], ip.UpdateChecksum32(chk, uint32(old), uint32(new)))
		}
	case ip.ProtoUDP:
		if len(l4) >= 8 {
			l4[6], l4[7] = 0, 0
		}
	}
}

func mapAddr(a ip.Addr, from, to ip.Subnet) (ip.Addr, bool) {
	if !from.Contains(a) {
		return a, false
	}
	return to.Base() | a&^from.Mask(), true
}
