package ptp

import (
	"firestige.xyz/satcat5/internal/eth"
	"firestige.xyz/satcat5/internal/ip"
	"firestige.xyz/satcat5/internal/pktio"
	"firestige.xyz/satcat5/internal/udp"
)

// PTP over UDP.
const (
	PortEvent   = udp.PortPtpEvent
	PortGeneral = udp.PortPtpGeneral
)

// AddrMulticast is the primary PTP group address.
var AddrMulticast = ip.AddrFrom4(224, 0, 1, 129)

// transport moves encoded messages for one Client.
type transport interface {
	send(event bool, b []byte) bool
	mac() eth.MacAddr
	close()
}

// receiver copies a message out of the pipeline and timestamps it.
type receiver struct {
	c   *Client
	buf [MaxMessage]byte
}

func (r *receiver) FrameRcvd(src *pktio.LimitedRead) {
	rx := r.c.clock.Now()
	n := min(src.ReadReady(), len(r.buf))
	if !src.ReadBytes(r.buf[:n]) {
		return
	}
	r.c.Receive(r.buf[:n], rx)
}

// l2 carries messages in raw Ethernet frames.
type l2 struct {
	receiver
	d *eth.Dispatch
}

func newL2(c *Client, d *eth.Dispatch) *l2 {
	t := &l2{receiver: receiver{c: c}, d: d}
	d.Add(t)
	return t
}

func (t *l2) Filter() eth.Type { return eth.Type{Vid: eth.VidNone, EType: eth.ETypePTP} }

func (t *l2) send(_ bool, b []byte) bool {
	w := t.d.OpenWrite(MacMulticast, eth.Type{Vid: eth.VidNone, EType: eth.ETypePTP}, len(b))
	if w == nil {
		return false
	}
	w.WriteBytes(b)
	return w.WriteFinalize()
}

func (t *l2) mac() eth.MacAddr { return t.d.MacAddr() }
func (t *l2) close()           { t.d.Remove(t) }

// l3port is one of the two UDP ports.
type l3port struct {
	receiver
	port uint16
}

func (p *l3port) Ports() (uint16, uint16) { return p.port, 0 }

// l3 carries messages in UDP to the PTP multicast group.
type l3 struct {
	u       *udp.Dispatch
	event   *l3port
	general *l3port
}

func newL3(c *Client, u *udp.Dispatch) *l3 {
	t := &l3{
		u:       u,
		event:   &l3port{receiver: receiver{c: c}, port: PortEvent},
		general: &l3port{receiver: receiver{c: c}, port: PortGeneral},
	}
	u.Add(t.event)
	u.Add(t.general)
	return t
}

func (t *l3) send(event bool, b []byte) bool {
	port := uint16(PortGeneral)
	if event {
		port = PortEvent
	}
	w := t.u.OpenWrite(AddrMulticast.MulticastMac(), AddrMulticast, port, port, len(b))
	if w == nil {
		return false
	}
	w.WriteBytes(b)
	return w.WriteFinalize()
}

func (t *l3) mac() eth.MacAddr { return t.u.IP().Eth().MacAddr() }

func (t *l3) close() {
	t.u.Remove(t.event)
	t.u.Remove(t.general)
}
