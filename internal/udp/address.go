package udp

import (
	"firestige.xyz/satcat5/internal/ip"
	"firestige.xyz/satcat5/internal/pktio"
)

// Address is a remote UDP endpoint plus the local source port.
type Address struct {
	udp     *Dispatch
	ip      *ip.Address
	srcPort uint16
	dstPort uint16
}

// NewAddress creates an unconnected address on d.
func NewAddress(d *Dispatch) *Address {
	return &Address{udp: d, ip: ip.NewAddress(d.ip, ip.ProtoUDP)}
}

// Connect targets dst:dstPort from srcPort, picking a free source port
// when srcPort is zero. It returns false while the next hop is still
// being resolved.
func (a *Address) Connect(dst ip.Addr, dstPort, srcPort uint16) bool {
	if srcPort == PortNone {
		srcPort = a.udp.FreePort()
	}
	a.srcPort, a.dstPort = srcPort, dstPort
	return a.ip.Connect(dst)
}

// Retry restarts next-hop resolution after a failure.
func (a *Address) Retry() bool { return a.ip.Retry() }

func (a *Address) Dst() ip.Addr    { return a.ip.Dst() }
func (a *Address) DstPort() uint16 { return a.dstPort }
func (a *Address) SrcPort() uint16 { return a.srcPort }
func (a *Address) Failed() bool    { return a.ip.Failed() }
func (a *Address) Ip() *ip.Address { return a.ip }
func (a *Address) Udp() *Dispatch  { return a.udp }
func (a *Address) Ready() bool     { return a.ip.Ready() && a.dstPort != PortNone }

func (a *Address) OpenWrite(n int) pktio.Writeable {
	if a.dstPort == PortNone {
		return nil
	}
	w := a.ip.OpenWrite(HeaderLen + n)
	if w == nil {
		return nil
	}
	h := Header{Src: a.srcPort, Dst: a.dstPort, Len: uint16(HeaderLen + n)}
	h.WriteTo(w)
	return w
}

func (a *Address) Close() {
	a.ip.Close()
	a.srcPort, a.dstPort = PortNone, PortNone
}
