package udp

import (
	"firestige.xyz/satcat5/internal/core"
	"firestige.xyz/satcat5/internal/eth"
	"firestige.xyz/satcat5/internal/ip"
	"firestige.xyz/satcat5/internal/log"
	"firestige.xyz/satcat5/internal/metrics"
	"firestige.xyz/satcat5/internal/pktio"
)

const maxDatagram = 1472

// Protocol is a handler bound to a local port and optionally to one
// remote port.
type Protocol interface {
	// Ports returns the local port and the remote port, where a zero
	// remote port accepts any sender.
	Ports() (local, remote uint16)
	FrameRcvd(src *pktio.LimitedRead)
}

// Dispatch is the UDP layer of one interface.
type Dispatch struct {
	ip          *ip.Dispatch
	protos      []Protocol
	rcvd        Header
	limit       pktio.LimitedRead
	scratch     [maxDatagram]byte
	next        uint16
	unreachable bool
	frames      uint64
	dropped     uint64
}

// NewDispatch binds UDP to d. Datagrams for unbound ports get an ICMP
// port-unreachable reply.
func NewDispatch(d *ip.Dispatch) *Dispatch {
	u := &Dispatch{ip: d, next: DynamicBase, unreachable: true}
	d.Add(u)
	return u
}

// IP returns the underlying IPv4 layer.
func (d *Dispatch) IP() *ip.Dispatch { return d.ip }

// SetPortUnreachable enables or disables ICMP replies for unbound ports.
func (d *Dispatch) SetPortUnreachable(on bool) { d.unreachable = on }

func (d *Dispatch) Frames() uint64  { return d.frames }
func (d *Dispatch) Dropped() uint64 { return d.dropped }

// Add binds p. Binding twice has no effect.
func (d *Dispatch) Add(p Protocol) {
	for _, q := range d.protos {
		if q == p {
			return
		}
	}
	d.protos = append(d.protos, p)
}

// Remove unbinds p.
func (d *Dispatch) Remove(p Protocol) {
	for i, q := range d.protos {
		if q == p {
			d.protos = append(d.protos[:i], d.protos[i+1:]...)
			return
		}
	}
}

// Bound reports whether any handler uses local port.
func (d *Dispatch) Bound(local uint16) bool {
	for _, p := range d.protos {
		if l, _ := p.Ports(); l == local {
			return true
		}
	}
	return false
}

// FreePort returns an unbound port at or above DynamicBase.
func (d *Dispatch) FreePort() uint16 {
	for i := 0; i < int(^DynamicBase)+1; i++ {
		port := d.next
		d.next++
		if d.next == 0 {
			d.next = DynamicBase
		}
		if !d.Bound(port) {
			return port
		}
	}
	return PortNone
}

// Received returns the header of the datagram being delivered.
func (d *Dispatch) Received() Header { return d.rcvd }

// ReplyAddr returns the sender of the datagram being delivered.
func (d *Dispatch) ReplyAddr() ip.Addr { return d.ip.ReplyAddr() }

func (d *Dispatch) IpProto() uint8 { return ip.ProtoUDP }

func (d *Dispatch) FrameRcvd(src *pktio.LimitedRead) {
	var hb [HeaderLen]byte
	h := &d.rcvd
	if !src.ReadBytes(hb[:]) {
		d.malformed(core.ErrPacketTooShort)
		return
	}
	if err := h.Parse(hb[:]); err != nil {
		d.malformed(err)
		return
	}
	n := h.PayloadLen()
	if n > src.ReadReady() {
		d.malformed(core.ErrPacketTooShort)
		return
	}
	if h.Chk != 0 && n <= len(d.scratch) {
		b := d.scratch[:src.ReadPeek(d.scratch[:n])]
		ih := d.ip.Received()
		if h.Checksum(ih.Src, ih.Dst, b) != h.Chk {
			d.malformed(core.ErrBadChecksum)
			return
		}
	}
	d.limit.Reset(src, n)
	if p := d.find(h.Dst, h.Src); p != nil {
		d.frames++
		p.FrameRcvd(&d.limit)
		return
	}
	d.dropped++
	if d.unreachable && d.ip.Received().Dst == d.ip.Addr() {
		d.ip.Icmp().SendError(d.ip.ReplyMac(), ip.IcmpDestUnreachable,
			ip.CodePortUnreachable, d.ip.Received(), hb[:])
	}
}

// find prefers a handler connected to the sender over one bound to the
// port alone.
func (d *Dispatch) find(local, remote uint16) Protocol {
	var wild Protocol
	for _, p := range d.protos {
		l, r := p.Ports()
		if l != local {
			continue
		}
		if r == remote {
			return p
		}
		if r == PortNone && wild == nil {
			wild = p
		}
	}
	return wild
}

func (d *Dispatch) malformed(err error) {
	d.dropped++
	metrics.MalformedTotal.WithLabelValues("udp").Inc()
	log.GetLogger().WithError(err).Debug("udp: datagram dropped")
}

// OpenReply starts a datagram back to the sender of the one being
// delivered.
func (d *Dispatch) OpenReply(n int) pktio.Writeable {
	w := d.ip.OpenReply(ip.ProtoUDP, HeaderLen+n)
	if w == nil {
		return nil
	}
	h := Header{Src: d.rcvd.Dst, Dst: d.rcvd.Src, Len: uint16(HeaderLen + n)}
	h.WriteTo(w)
	return w
}

// OpenWrite starts a datagram through next-hop mac. The checksum is
// left at zero.
func (d *Dispatch) OpenWrite(mac eth.MacAddr, dst ip.Addr, srcPort, dstPort uint16, n int) pktio.Writeable {
	w := d.ip.OpenWrite(mac, dst, ip.ProtoUDP, HeaderLen+n)
	if w == nil {
		return nil
	}
	h := Header{Src: srcPort, Dst: dstPort, Len: uint16(HeaderLen + n)}
	h.WriteTo(w)
	return w
}
