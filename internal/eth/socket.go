package eth

import (
	"firestige.xyz/satcat5/internal/netcore"
	"firestige.xyz/satcat5/internal/pktio"
	"firestige.xyz/satcat5/internal/poll"
)

// Address is a fixed Ethernet destination.
type Address struct {
	d   *Dispatch
	dst MacAddr
	typ Type
}

// NewAddress creates an unconnected address on d.
func NewAddress(d *Dispatch) *Address {
	return &Address{d: d}
}

// Connect sets the destination and outgoing type.
func (a *Address) Connect(dst MacAddr, t Type) {
	a.dst, a.typ = dst, t
}

// Dst returns the destination address.
func (a *Address) Dst() MacAddr { return a.dst }

// Type returns the outgoing type.
func (a *Address) Type() Type { return a.typ }

func (a *Address) OpenWrite(n int) pktio.Writeable {
	if !a.Ready() {
		return nil
	}
	return a.d.OpenWrite(a.dst, a.typ, n)
}

func (a *Address) Ready() bool { return !a.dst.IsNone() }

func (a *Address) Close() { a.dst, a.typ = MacNone, Type{} }

// Socket is a buffered raw Ethernet socket.
type Socket struct {
	*netcore.SocketCore
	d      *Dispatch
	addr   *Address
	filter Type
	bound  bool
}

// NewSocket creates a socket using the supplied buffers.
func NewSocket(s *poll.Scheduler, d *Dispatch, txbuf, rxbuf []byte) *Socket {
	addr := NewAddress(d)
	return &Socket{
		SocketCore: netcore.NewSocketCore(s, addr, "eth_socket", txbuf, rxbuf, 32),
		d:          d,
		addr:       addr,
	}
}

// Connect sends frames of etypeTx to dst and receives frames of
// etypeRx, both on VLAN vid.
func (s *Socket) Connect(dst MacAddr, etypeTx, etypeRx uint16, vid uint16) {
	s.addr.Connect(dst, Type{Vid: vid, EType: etypeTx})
	s.Bind(etypeRx, vid)
}

// Bind receives frames of etype on VLAN vid without a destination.
func (s *Socket) Bind(etype uint16, vid uint16) {
	s.filter = Type{Vid: vid, EType: etype}
	if !s.bound {
		s.d.Add(s)
		s.bound = true
	}
}

// Close unbinds the socket and forgets the destination.
func (s *Socket) Close() {
	s.addr.Close()
	if s.bound {
		s.d.Remove(s)
		s.bound = false
	}
}

// Ready reports whether the socket has a destination.
func (s *Socket) Ready() bool { return s.addr.Ready() }

func (s *Socket) Filter() Type { return s.filter }

func (s *Socket) FrameRcvd(src *pktio.LimitedRead) { s.Deliver(src) }

// ProtoEcho answers every frame of one EtherType by sending the payload
// back to its sender with another EtherType.
type ProtoEcho struct {
	d       *Dispatch
	req     uint16
	reply   uint16
	replies uint64
}

// NewProtoEcho binds an echo server for etypeReq on any VLAN.
func NewProtoEcho(d *Dispatch, etypeReq, etypeReply uint16) *ProtoEcho {
	e := &ProtoEcho{d: d, req: etypeReq, reply: etypeReply}
	d.Add(e)
	return e
}

// Close unbinds the server.
func (e *ProtoEcho) Close() { e.d.Remove(e) }

// Replies returns the number of frames echoed.
func (e *ProtoEcho) Replies() uint64 { return e.replies }

func (e *ProtoEcho) Filter() Type { return Type{EType: e.req} }

func (e *ProtoEcho) FrameRcvd(src *pktio.LimitedRead) {
	rcvd := e.d.Received()
	var w pktio.Writeable
	if rcvd.Tagged {
		w = e.d.OpenWriteTagged(rcvd.Src, rcvd.Vtag, e.reply, src.ReadReady())
	} else {
		w = e.d.OpenWrite(rcvd.Src, Type{EType: e.reply}, src.ReadReady())
	}
	if w != nil && pktio.CopyFrame(w, src) {
		e.replies++
	}
}
