// Package ethsw is the software Ethernet switch: ports sharing one
// packet pool, a forwarding core that consults plugins for every frame,
// and the standard plugins (MAC learning, VLAN policy, BPF filter).
package ethsw

import (
	"fmt"

	"firestige.xyz/satcat5/internal/eth"
	"firestige.xyz/satcat5/internal/ip"
	"firestige.xyz/satcat5/internal/multibuf"
	"firestige.xyz/satcat5/internal/pktio"
)

const (
	MaxPorts = 32
	PmaskAll = ^uint32(0)

	// HeadLen is how much of each frame ingress plugins get to see.
	HeadLen = 128
	// MaxFrame bounds frames on the egress path.
	MaxFrame = 2048

	arpLen = 28
)

// Result is the verdict on a frame.
type Result uint8

const (
	Forward Result = iota
	Divert
	Drop
)

func (r Result) String() string {
	switch r {
	case Forward:
		return "forward"
	case Divert:
		return "divert"
	default:
		return "drop"
	}
}

// Reason explains a drop.
type Reason uint8

const (
	ReasonNone Reason = iota
	ReasonMalformed
	ReasonNoRoute
	ReasonReservedMac
	ReasonBadSource
	ReasonVlanAdmit
	ReasonVlanEgress
	ReasonFilter
	ReasonOverflow
	ReasonTtl
	ReasonPlugin
)

var reasonNames = [...]string{
	ReasonNone:        "none",
	ReasonMalformed:   "malformed",
	ReasonNoRoute:     "no-route",
	ReasonReservedMac: "reserved-mac",
	ReasonBadSource:   "bad-source",
	ReasonVlanAdmit:   "vlan-admit",
	ReasonVlanEgress:  "vlan-egress",
	ReasonFilter:      "filter",
	ReasonOverflow:    "overflow",
	ReasonTtl:         "ttl-expired",
	ReasonPlugin:      "plugin",
}

func (r Reason) String() string {
	if int(r) < len(reasonNames) {
		return reasonNames[r]
	}
	return fmt.Sprintf("reason-%d", uint8(r))
}

// PluginPacket describes one frame to the plugins. On ingress Data holds
// the first HeadLen bytes of the frame and changes to it are written
// back before the frame is queued; on egress Data is the whole frame.
type PluginPacket struct {
	Src      int // ingress port index
	DstMask  uint32
	Priority uint8
	Vtag     eth.VlanTag // VLAN assigned at ingress

	Eth    eth.Header
	EthLen int
	IsIPv4 bool
	IP     ip.Header
	IpOff  int
	IsArp  bool

	Data []byte
	Len  int // length of the whole frame

	pkt    *multibuf.Packet
	result Result
	reason Reason
	dirty  bool
}

func (p *PluginPacket) reset(src int, k *multibuf.Packet, data []byte, length int) {
	*p = PluginPacket{Src: src, DstMask: PmaskAll, Data: data, Len: length, pkt: k}
	if k != nil {
		p.Priority = k.Priority
		p.Vtag = eth.VlanTag(k.Vtag)
	}
}

// parse decodes the Ethernet header and, when present, IPv4 or ARP.
func (p *PluginPacket) parse() bool {
	n, ok := p.Eth.Parse(p.Data)
	if !ok {
		return false
	}
	p.EthLen = n
	if p.Eth.Tagged {
		p.Vtag = p.Eth.Vtag
	}
	switch p.Eth.EType {
	case eth.ETypeIPv4:
		p.IsIPv4 = p.IP.Parse(p.Data[n:]) == nil
		p.IpOff = n
	case eth.ETypeARP:
		p.IsArp = len(p.Data) >= n+arpLen
	}
	return true
}

// Packet returns the pooled frame, or nil on egress.
func (p *PluginPacket) Packet() *multibuf.Packet { return p.pkt }

// Drop discards the frame.
func (p *PluginPacket) Drop(r Reason) { p.result, p.reason = Drop, r }

// Divert marks the frame as consumed by the plugin.
func (p *PluginPacket) Divert() { p.result = Divert }

func (p *PluginPacket) Result() Result { return p.result }
func (p *PluginPacket) Reason() Reason { return p.reason }

// L4 returns the bytes after the IPv4 header that are in Data.
func (p *PluginPacket) L4() []byte {
	if !p.IsIPv4 {
		return nil
	}
	off := p.IpOff + p.IP.HeaderLen()
	if off > len(p.Data) {
		return nil
	}
	return p.Data[off:]
}

// Arp returns the ARP body, or nil.
func (p *PluginPacket) Arp() []byte {
	if !p.IsArp {
		return nil
	}
	return p.Data[p.EthLen : p.EthLen+arpLen]
}

// SetEthDst rewrites the destination address.
func (p *PluginPacket) SetEthDst(mac eth.MacAddr) {
	p.Eth.Dst = mac
	copy(p.Data[0:6], mac[:])
	p.dirty = true
}

// SetEthSrc rewrites the source address.
func (p *PluginPacket) SetEthSrc(mac eth.MacAddr) {
	p.Eth.Src = mac
	copy(p.Data[6:12], mac[:])
	p.dirty = true
}

// CommitIP writes the IP header back into Data after changes to p.IP.
func (p *PluginPacket) CommitIP() {
	if p.IsIPv4 {
		p.IP.Append(p.Data[p.IpOff:p.IpOff])
		p.dirty = true
	}
}

// MarkDirty records a direct change to Data.
func (p *PluginPacket) MarkDirty() { p.dirty = true }

// CopyTo writes the whole frame, including any header changes, to dst
// as one frame.
func (p *PluginPacket) CopyTo(dst pktio.Writeable) bool {
	if p.pkt == nil {
		if dst.WriteSpace() < len(p.Data) {
			return false
		}
		dst.WriteBytes(p.Data)
		return dst.WriteFinalize()
	}
	if dst.WriteSpace() < p.Len {
		return false
	}
	dst.WriteBytes(p.Data)
	var buf [256]byte
	for off := len(p.Data); off < p.Len; {
		n := p.pkt.Peek(off, buf[:])
		dst.WriteBytes(buf[:n])
		off += n
	}
	return dst.WriteFinalize()
}

func (p *PluginPacket) String() string {
	return fmt.Sprintf("port %d %s len %d", p.Src, p.Eth, p.Len)
}
