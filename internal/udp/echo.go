package udp

import "firestige.xyz/satcat5/internal/pktio"

// ProtoEcho sends every datagram received on its port back to the
// sender.
type ProtoEcho struct {
	d       *Dispatch
	port    uint16
	replies uint64
}

// NewProtoEcho binds an echo server. A zero port means PortEcho.
func NewProtoEcho(d *Dispatch, port uint16) *ProtoEcho {
	if port == PortNone {
		port = PortEcho
	}
	e := &ProtoEcho{d: d, port: port}
	d.Add(e)
	return e
}

func (e *ProtoEcho) Close()          { e.d.Remove(e) }
func (e *ProtoEcho) Replies() uint64 { return e.replies }

func (e *ProtoEcho) Ports() (uint16, uint16) { return e.port, PortNone }

func (e *ProtoEcho) FrameRcvd(src *pktio.LimitedRead) {
	w := e.d.OpenReply(src.ReadReady())
	if w != nil && pktio.CopyFrame(w, src) {
		e.replies++
	}
}
