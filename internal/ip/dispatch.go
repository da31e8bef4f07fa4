package ip

import (
	"firestige.xyz/satcat5/internal/core"
	"firestige.xyz/satcat5/internal/eth"
	"firestige.xyz/satcat5/internal/log"
	"firestige.xyz/satcat5/internal/metrics"
	"firestige.xyz/satcat5/internal/pktio"
	"firestige.xyz/satcat5/internal/poll"
)

// Protocol is an upper layer bound to one IP protocol number.
type Protocol interface {
	IpProto() uint8
	// FrameRcvd delivers the payload of a matching packet. The header
	// is available from the Dispatch until FrameRcvd returns.
	FrameRcvd(src *pktio.LimitedRead)
}

// Dispatch is the IPv4 layer of one interface. It owns the ARP and
// ICMP handlers for that interface.
type Dispatch struct {
	eth     *eth.Dispatch
	sched   *poll.Scheduler
	addr    Addr
	vid     uint16
	table   *Table
	arp     *ProtoArp
	icmp    *ProtoIcmp
	protos  []Protocol
	rcvd    Header
	limit   pktio.LimitedRead
	ident   uint16
	frames  uint64
	dropped uint64
}

// NewDispatch binds an IPv4 layer to e. A nil table creates an empty
// one with room for 8 routes.
func NewDispatch(s *poll.Scheduler, e *eth.Dispatch, addr Addr, table *Table) *Dispatch {
	if table == nil {
		table = NewTable(8)
	}
	d := &Dispatch{eth: e, sched: s, addr: addr, table: table}
	d.arp = NewProtoArp(d, DefaultArpCache, DefaultArpPending)
	d.icmp = NewProtoIcmp(d)
	e.Add(d)
	return d
}

func (d *Dispatch) Eth() *eth.Dispatch         { return d.eth }
func (d *Dispatch) Scheduler() *poll.Scheduler { return d.sched }
func (d *Dispatch) Table() *Table              { return d.table }
func (d *Dispatch) Arp() *ProtoArp             { return d.arp }
func (d *Dispatch) Icmp() *ProtoIcmp           { return d.icmp }
func (d *Dispatch) Addr() Addr                 { return d.addr }
func (d *Dispatch) Frames() uint64             { return d.frames }
func (d *Dispatch) Dropped() uint64            { return d.dropped }

// SetAddr changes the local address and announces it.
func (d *Dispatch) SetAddr(addr Addr) {
	d.addr = addr
	if addr.IsUnicast() {
		d.arp.SendAnnounce()
	}
}

// SetVlan moves the interface to VLAN vid; VidNone accepts any.
func (d *Dispatch) SetVlan(vid uint16) { d.vid = vid }

// Add binds an upper protocol. Binding twice has no effect.
func (d *Dispatch) Add(p Protocol) {
	for _, q := range d.protos {
		if q == p {
			return
		}
	}
	d.protos = append(d.protos, p)
}

// Remove unbinds an upper protocol.
func (d *Dispatch) Remove(p Protocol) {
	for i, q := range d.protos {
		if q == p {
			d.protos = append(d.protos[:i], d.protos[i+1:]...)
			return
		}
	}
}

// Received returns the header of the packet being delivered.
func (d *Dispatch) Received() *Header { return &d.rcvd }

// ReplyAddr returns the sender of the packet being delivered.
func (d *Dispatch) ReplyAddr() Addr { return d.rcvd.Src }

// ReplyMac returns the Ethernet sender of the packet being delivered.
func (d *Dispatch) ReplyMac() eth.MacAddr { return d.eth.ReplyMac() }

func (d *Dispatch) Filter() eth.Type {
	return eth.Type{Vid: d.vid, EType: eth.ETypeIPv4}
}

func (d *Dispatch) FrameRcvd(src *pktio.LimitedRead) {
	h := &d.rcvd
	if err := h.ReadFrom(src); err != nil {
		d.malformed(err)
		return
	}
	switch {
	case !h.ChecksumOK():
		d.malformed(core.ErrBadChecksum)
		return
	case h.PayloadLen() > src.ReadReady():
		d.malformed(core.ErrPacketTooShort)
		return
	case h.IsFragment():
		d.dropped++
		return
	case !d.accepts(h.Dst):
		d.dropped++
		return
	}
	d.limit.Reset(src, h.PayloadLen())
	for _, p := range d.protos {
		if p.IpProto() == h.Proto {
			d.frames++
			p.FrameRcvd(&d.limit)
			return
		}
	}
	d.dropped++
	if h.Dst == d.addr {
		d.icmp.ReplyError(IcmpDestUnreachable, CodeProtoUnreachable)
	}
}

func (d *Dispatch) accepts(dst Addr) bool {
	return dst == d.addr || dst.IsBroadcast() || dst.IsMulticast()
}

func (d *Dispatch) malformed(err error) {
	d.dropped++
	metrics.MalformedTotal.WithLabelValues("ipv4").Inc()
	log.GetLogger().WithError(err).Debug("ip: packet dropped")
}

// NextIdent returns a fresh identification value.
func (d *Dispatch) NextIdent() uint16 {
	d.ident++
	return d.ident
}

// OpenReply starts a packet back to the sender of the packet being
// delivered, for n payload bytes.
func (d *Dispatch) OpenReply(proto uint8, n int) pktio.Writeable {
	return d.OpenWrite(d.eth.ReplyMac(), d.rcvd.Src, proto, n)
}

// OpenWrite starts a packet to dst through next-hop mac, writes the IP
// header and returns a Writeable for n payload bytes. It returns nil if
// the interface is full.
func (d *Dispatch) OpenWrite(mac eth.MacAddr, dst Addr, proto uint8, n int) pktio.Writeable {
	w := d.eth.OpenWrite(mac, eth.Type{Vid: d.vid, EType: eth.ETypeIPv4}, HeaderMin+n)
	if w == nil {
		return nil
	}
	h := NewHeader(d.addr, dst, proto, d.NextIdent(), n)
	h.WriteTo(w)
	return w
}
