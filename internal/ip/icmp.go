package ip

import (
	"encoding/binary"

	"firestige.xyz/satcat5/internal/eth"
	"firestige.xyz/satcat5/internal/log"
	"firestige.xyz/satcat5/internal/metrics"
	"firestige.xyz/satcat5/internal/pktio"
)

// ICMP types and codes.
const (
	IcmpEchoReply       uint8 = 0
	IcmpDestUnreachable uint8 = 3
	IcmpEchoRequest     uint8 = 8
	IcmpTimeExceeded    uint8 = 11

	CodeNetUnreachable   uint8 = 0
	CodeHostUnreachable  uint8 = 1
	CodeProtoUnreachable uint8 = 2
	CodePortUnreachable  uint8 = 3
	CodeTtlExceeded      uint8 = 0

	icmpHeaderLen = 8
	icmpMaxLen    = 1480
)

// EchoListener receives echo replies.
type EchoListener interface {
	EchoReply(src Addr, id, seq uint16)
}

// ErrorListener receives ICMP errors about packets this host sent.
type ErrorListener interface {
	IcmpError(typ, code uint8, orig *Header)
}

// ProtoIcmp answers echo requests and generates ICMP errors.
type ProtoIcmp struct {
	ip      *Dispatch
	echo    []EchoListener
	errs    []ErrorListener
	buf     [icmpMaxLen]byte
	out     [icmpHeaderLen + HeaderMax + 8]byte
	replies uint64
}

// NewProtoIcmp binds ICMP to d.
func NewProtoIcmp(d *Dispatch) *ProtoIcmp {
	p := &ProtoIcmp{ip: d}
	d.Add(p)
	return p
}

// AddEchoListener registers l for echo replies.
func (p *ProtoIcmp) AddEchoListener(l EchoListener) {
	for _, x := range p.echo {
		if x == l {
			return
		}
	}
	p.echo = append(p.echo, l)
}

// RemoveEchoListener unregisters l.
func (p *ProtoIcmp) RemoveEchoListener(l EchoListener) {
	for i, x := range p.echo {
		if x == l {
			p.echo = append(p.echo[:i], p.echo[i+1:]...)
			return
		}
	}
}

// AddErrorListener registers l for ICMP errors.
func (p *ProtoIcmp) AddErrorListener(l ErrorListener) {
	p.errs = append(p.errs, l)
}

// Replies returns the number of echo requests answered.
func (p *ProtoIcmp) Replies() uint64 { return p.replies }

func (p *ProtoIcmp) IpProto() uint8 { return ProtoICMP }

func (p *ProtoIcmp) FrameRcvd(src *pktio.LimitedRead) {
	n := src.ReadReady()
	if n < icmpHeaderLen || n > len(p.buf) || !src.ReadBytes(p.buf[:n]) {
		metrics.MalformedTotal.WithLabelValues("icmp").Inc()
		return
	}
	msg := p.buf[:n]
	if Checksum(msg, 0) != 0xFFFF {
		metrics.MalformedTotal.WithLabelValues("icmp").Inc()
		return
	}
	switch msg[0] {
	case IcmpEchoRequest:
		if p.ip.rcvd.Dst != p.ip.addr {
			return
		}
		w := p.ip.OpenReply(ProtoICMP, n)
		if w == nil {
			return
		}
		msg[0] = IcmpEchoReply
		binary.BigEndian.PutUint16(msg[2:], UpdateChecksum(
			binary.BigEndian.Uint16(msg[2:]),
			uint16(IcmpEchoRequest)<<8|uint16(msg[1]),
			uint16(IcmpEchoReply)<<8|uint16(msg[1])))
		w.WriteBytes(msg)
		if w.WriteFinalize() {
			p.replies++
		}
	case IcmpEchoReply:
		id := binary.BigEndian.Uint16(msg[4:])
		seq := binary.BigEndian.Uint16(msg[6:])
		for _, l := range p.echo {
			l.EchoReply(p.ip.rcvd.Src, id, seq)
		}
	case IcmpDestUnreachable, IcmpTimeExceeded:
		var orig Header
		if err := orig.Parse(msg[icmpHeaderLen:]); err != nil {
			return
		}
		log.GetLogger().WithField("type", msg[0]).WithField("code", msg[1]).
			Debugf("icmp: error from %s about %s", p.ip.rcvd.Src, orig.Dst)
		for _, l := range p.errs {
			l.IcmpError(msg[0], msg[1], &orig)
		}
	}
}

// SendEcho sends an echo request through addr.
func (p *ProtoIcmp) SendEcho(addr *Address, id, seq uint16, data []byte) bool {
	w := addr.OpenWrite(icmpHeaderLen + len(data))
	if w == nil {
		return false
	}
	var hdr [icmpHeaderLen]byte
	hdr[0] = IcmpEchoRequest
	binary.BigEndian.PutUint16(hdr[4:], id)
	binary.BigEndian.PutUint16(hdr[6:], seq)
	chk := ^Checksum(data, Checksum(hdr[:], 0))
	binary.BigEndian.PutUint16(hdr[2:], chk)
	w.WriteBytes(hdr[:])
	w.WriteBytes(data)
	return w.WriteFinalize()
}

// ReplyError sends an ICMP error about the packet being delivered by
// the Dispatch.
func (p *ProtoIcmp) ReplyError(typ, code uint8) bool {
	var first [8]byte
	n := p.ip.limit.ReadPeek(first[:])
	return p.SendError(p.ip.eth.ReplyMac(), typ, code, &p.ip.rcvd, first[:n])
}

// SendError sends an ICMP error about orig to its source through
// next-hop mac. data holds the first bytes of the original payload.
// Errors are never sent about ICMP errors or non-unicast packets.
func (p *ProtoIcmp) SendError(mac eth.MacAddr, typ, code uint8, orig *Header, data []byte) bool {
	if !orig.Src.IsUnicast() || !orig.Dst.IsUnicast() && orig.Dst != p.ip.addr {
		return false
	}
	if orig.Proto == ProtoICMP && len(data) > 0 && data[0] != IcmpEchoRequest && data[0] != IcmpEchoReply {
		return false
	}
	data = data[:min(len(data), 8)]
	b := p.out[:0]
	b = append(b, typ, code, 0, 0, 0, 0, 0, 0)
	b = orig.Append(b)
	b = append(b, data...)
	binary.BigEndian.PutUint16(b[2:], ^Checksum(b, 0))
	w := p.ip.OpenWrite(mac, orig.Src, ProtoICMP, len(b))
	if w == nil {
		return false
	}
	w.WriteBytes(b)
	return w.WriteFinalize()
}
