package eth

import (
	"firestige.xyz/satcat5/internal/log"
	"firestige.xyz/satcat5/internal/metrics"
	"firestige.xyz/satcat5/internal/pktio"
)

// Protocol is an upper layer bound to one Type.
type Protocol interface {
	Filter() Type
	// FrameRcvd delivers the payload of a matching frame. The header is
	// available from the Dispatch until FrameRcvd returns.
	FrameRcvd(src *pktio.LimitedRead)
}

// Dispatch reads frames from one interface and hands each to the first
// Protocol whose filter matches.
type Dispatch struct {
	mac      MacAddr
	src      pktio.Readable
	dst      pktio.Writeable
	protos   []Protocol
	rcvd     Header
	limit    pktio.LimitedRead
	pad      padWriter
	minFrame int
	promisc  bool
	frames   uint64
	dropped  uint64
}

// NewDispatch attaches to an interface. Frames are read from src and
// written to dst; either may be nil for a one-way interface.
func NewDispatch(mac MacAddr, src pktio.Readable, dst pktio.Writeable) *Dispatch {
	d := &Dispatch{mac: mac, src: src, dst: dst, minFrame: MinFrame}
	if src != nil {
		src.SetCallback(d)
	}
	return d
}

// MacAddr returns the local address.
func (d *Dispatch) MacAddr() MacAddr { return d.mac }

// SetMacAddr changes the local address.
func (d *Dispatch) SetMacAddr(mac MacAddr) { d.mac = mac }

// SetMinFrame sets the size outgoing frames are zero-padded to. Zero
// disables padding.
func (d *Dispatch) SetMinFrame(n int) { d.minFrame = n }

// SetPromiscuous accepts unicast frames for any destination.
func (d *Dispatch) SetPromiscuous(on bool) { d.promisc = on }

// Add binds a protocol. Binding the same protocol twice has no effect.
func (d *Dispatch) Add(p Protocol) {
	for _, q := range d.protos {
		if q == p {
			return
		}
	}
	d.protos = append(d.protos, p)
}

// Remove unbinds a protocol.
func (d *Dispatch) Remove(p Protocol) {
	for i, q := range d.protos {
		if q == p {
			d.protos = append(d.protos[:i], d.protos[i+1:]...)
			return
		}
	}
}

// Frames returns the number of frames delivered to a protocol.
func (d *Dispatch) Frames() uint64 { return d.frames }

// Dropped returns the number of frames discarded.
func (d *Dispatch) Dropped() uint64 { return d.dropped }

// Received returns the header of the frame being delivered.
func (d *Dispatch) Received() Header { return d.rcvd }

// ReplyMac returns the sender of the frame being delivered.
func (d *Dispatch) ReplyMac() MacAddr { return d.rcvd.Src }

// ReplyVtag returns the VLAN tag of the frame being delivered.
func (d *Dispatch) ReplyVtag() VlanTag { return d.rcvd.Vtag }

// ReplyType returns the Type of the frame being delivered.
func (d *Dispatch) ReplyType() Type { return d.rcvd.Type() }

func (d *Dispatch) DataRcvd(src pktio.Readable) {
	defer src.ReadFinalize()
	if src.ReadReady() < HeaderLen || !d.rcvd.ReadFrom(src) {
		d.drop("eth", "short frame")
		return
	}
	h := &d.rcvd
	switch {
	case !h.Src.IsUnicast():
		d.drop("eth", "bad source address")
		return
	case h.Dst != d.mac && !h.Dst.IsMulticast() && !d.promisc:
		d.dropped++
		return
	}
	t := h.Type()
	for _, p := range d.protos {
		if p.Filter().Matches(t) {
			d.frames++
			d.limit.Reset(src, src.ReadReady())
			p.FrameRcvd(&d.limit)
			return
		}
	}
	d.dropped++
}

func (d *Dispatch) drop(layer, reason string) {
	d.dropped++
	metrics.MalformedTotal.WithLabelValues(layer).Inc()
	log.GetLogger().WithField("reason", reason).Debug("eth: frame dropped")
}

// OpenReply starts a frame back to the sender of the frame being
// delivered, with the same EtherType and VLAN, for n payload bytes.
func (d *Dispatch) OpenReply(n int) pktio.Writeable {
	return d.open(Header{
		Dst:    d.rcvd.Src,
		Src:    d.mac,
		Vtag:   d.rcvd.Vtag,
		Tagged: d.rcvd.Tagged,
		EType:  d.rcvd.EType,
	}, n)
}

// OpenWrite starts a frame to dst of type t for n payload bytes. It
// returns nil if the interface cannot take the frame right now.
func (d *Dispatch) OpenWrite(dst MacAddr, t Type, n int) pktio.Writeable {
	h := Header{Dst: dst, Src: d.mac, EType: t.EType}
	if t.Vid != VidNone {
		h.Vtag, h.Tagged = NewVlanTag(t.Vid, 0, false), true
	}
	return d.open(h, n)
}

// OpenWriteTagged is OpenWrite with an explicit tag, e.g. to set PCP.
func (d *Dispatch) OpenWriteTagged(dst MacAddr, tag VlanTag, etype uint16, n int) pktio.Writeable {
	return d.open(Header{Dst: dst, Src: d.mac, Vtag: tag, Tagged: true, EType: etype}, n)
}

func (d *Dispatch) open(h Header, n int) pktio.Writeable {
	if d.dst == nil || d.dst.WriteSpace() < max(h.Len()+n, d.minFrame) {
		return nil
	}
	h.WriteTo(d.dst)
	if d.minFrame <= 0 {
		return d.dst
	}
	d.pad.reset(d.dst, d.minFrame-h.Len())
	return &d.pad
}

// padWriter zero-fills a frame up to a minimum length on finalize.
type padWriter struct {
	dst  pktio.Writeable
	need int
}

var zeros [MinFrame]byte

func (p *padWriter) reset(dst pktio.Writeable, need int) {
	p.dst, p.need = dst, need
}

func (p *padWriter) WriteSpace() int { return p.dst.WriteSpace() }

func (p *padWriter) WriteBytes(src []byte) {
	p.dst.WriteBytes(src)
	p.need -= len(src)
}

func (p *padWriter) WriteFinalize() bool {
	for p.need > 0 {
		n := min(p.need, len(zeros))
		p.dst.WriteBytes(zeros[:n])
		p.need -= n
	}
	return p.dst.WriteFinalize()
}

func (p *padWriter) WriteAbort() {
	p.need = 0
	p.dst.WriteAbort()
}
