package udp

import (
	"firestige.xyz/satcat5/internal/ip"
	"firestige.xyz/satcat5/internal/netcore"
	"firestige.xyz/satcat5/internal/pktio"
	"firestige.xyz/satcat5/internal/poll"
)

// Socket is a buffered UDP socket. Bind receives on a port; Connect
// also sends to one remote endpoint and only accepts its replies.
type Socket struct {
	*netcore.SocketCore
	d      *Dispatch
	addr   *Address
	local  uint16
	remote uint16
	bound  bool
}

// NewSocket creates a socket over the supplied buffers.
func NewSocket(s *poll.Scheduler, d *Dispatch, txbuf, rxbuf []byte) *Socket {
	addr := NewAddress(d)
	return &Socket{
		SocketCore: netcore.NewSocketCore(s, addr, "udp_socket", txbuf, rxbuf, 32),
		d:          d,
		addr:       addr,
	}
}

// Bind receives datagrams sent to port from any sender.
func (s *Socket) Bind(port uint16) {
	s.addr.Close()
	s.local, s.remote = port, PortNone
	s.attach()
}

// Connect sends to dst:dstPort and receives its replies. A zero srcPort
// picks a free local port.
func (s *Socket) Connect(dst ip.Addr, dstPort, srcPort uint16) bool {
	ok := s.addr.Connect(dst, dstPort, srcPort)
	s.local, s.remote = s.addr.SrcPort(), dstPort
	s.attach()
	return ok
}

func (s *Socket) attach() {
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
	s.local, s.remote = PortNone, PortNone
}

// Ready reports whether the destination is resolved.
func (s *Socket) Ready() bool { return s.addr.Ready() }

// Address returns the remote endpoint.
func (s *Socket) Addr() *Address { return s.addr }

func (s *Socket) Ports() (uint16, uint16) { return s.local, s.remote }

func (s *Socket) FrameRcvd(src *pktio.LimitedRead) { s.Deliver(src) }
