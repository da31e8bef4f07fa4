package udp

import (
	"firestige.xyz/satcat5/internal/ip"
	"firestige.xyz/satcat5/internal/pktio"
	"firestige.xyz/satcat5/internal/poll"
)

// KeepAlive holds a port open and, when started, sends a short label
// message at a fixed interval. Anything received on the port is
// counted and discarded.
type KeepAlive struct {
	d     *Dispatch
	addr  *Address
	timer *poll.Timer
	port  uint16
	label []byte
	rcvd  uint64
	sent  uint64
}

// NewKeepAlive binds port and prepares label as the message body. By
// default messages go to the broadcast address on the same port.
func NewKeepAlive(d *Dispatch, port uint16, label string) *KeepAlive {
	k := &KeepAlive{d: d, addr: NewAddress(d), port: port, label: []byte(label)}
	k.timer = poll.NewTimer(d.ip.Scheduler(), func() { k.Send() })
	k.addr.Connect(ip.AddrBroadcast, port, port)
	d.Add(k)
	return k
}

// Connect redirects messages to dst:dstPort.
func (k *KeepAlive) Connect(dst ip.Addr, dstPort uint16) {
	k.addr.Connect(dst, dstPort, k.port)
}

// Start sends a message every msec.
func (k *KeepAlive) Start(msec uint32) { k.timer.Every(msec) }

// Stop cancels periodic messages.
func (k *KeepAlive) Stop() { k.timer.Stop() }

// Close stops and unbinds.
func (k *KeepAlive) Close() {
	k.Stop()
	k.d.Remove(k)
}

func (k *KeepAlive) Received() uint64 { return k.rcvd }
func (k *KeepAlive) Sent() uint64     { return k.sent }

// Send transmits one message now.
func (k *KeepAlive) Send() bool {
	w := k.addr.OpenWrite(len(k.label))
	if w == nil {
		return false
	}
	w.WriteBytes(k.label)
	if !w.WriteFinalize() {
		return false
	}
	k.sent++
	return true
}

func (k *KeepAlive) Ports() (uint16, uint16) { return k.port, PortNone }

func (k *KeepAlive) FrameRcvd(src *pktio.LimitedRead) {
	k.rcvd++
	src.ReadFinalize()
}
