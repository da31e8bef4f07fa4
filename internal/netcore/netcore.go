// Package netcore holds the pieces shared by every protocol layer: the
// Address abstraction that opens outgoing frames and the buffered
// socket built on it.
package netcore

import (
	"firestige.xyz/satcat5/internal/metrics"
	"firestige.xyz/satcat5/internal/pktio"
	"firestige.xyz/satcat5/internal/poll"
)

// Address is a resolved or resolving destination at some layer.
type Address interface {
	// OpenWrite writes the lower-layer headers for a payload of n bytes
	// and returns a Writeable for the payload, or nil if the destination
	// is not ready or the transmit path is full.
	OpenWrite(n int) pktio.Writeable
	// Ready reports whether OpenWrite can succeed.
	Ready() bool
	// Close forgets the destination.
	Close()
}

// SocketCore pairs a transmit and a receive buffer. Frames finalized on
// the transmit side are sent through the Address by a polled task;
// frames delivered with Deliver are read back from the receive side.
type SocketCore struct {
	addr  Address
	tx    *pktio.PacketBuffer
	rx    *pktio.PacketBuffer
	retry *poll.OnDemand
	label string
	drops uint64
}

// NewSocketCore builds a socket over caller-supplied buffers.
func NewSocketCore(s *poll.Scheduler, addr Address, label string, txbuf, rxbuf []byte, maxPkt int) *SocketCore {
	c := &SocketCore{
		addr:  addr,
		tx:    pktio.NewPacketBuffer(s, txbuf, maxPkt),
		rx:    pktio.NewPacketBuffer(s, rxbuf, maxPkt),
		label: label,
	}
	c.retry = poll.NewOnDemand(s, c.flush)
	c.tx.SetCallback(pktio.ListenerFunc(func(pktio.Readable) { c.flush() }))
	return c
}

// SetAddress replaces the destination.
func (c *SocketCore) SetAddress(addr Address) { c.addr = addr }

// Address returns the destination.
func (c *SocketCore) Address() Address { return c.addr }

// Drops returns the number of frames lost on either side.
func (c *SocketCore) Drops() uint64 { return c.drops }

// Deliver copies one received frame into the receive buffer.
func (c *SocketCore) Deliver(src pktio.Readable) {
	if !pktio.CopyFrame(c.rx, src) {
		c.drops++
		metrics.BufferOverflowTotal.WithLabelValues(c.label + "_rx").Inc()
	}
}

func (c *SocketCore) flush() {
	for c.tx.ReadReady() > 0 {
		if c.addr == nil || !c.addr.Ready() {
			c.tx.ReadFinalize()
			c.drops++
			continue
		}
		w := c.addr.OpenWrite(c.tx.ReadReady())
		if w == nil {
			// Transmit path is full; try again on the next pass.
			c.retry.RequestPoll()
			return
		}
		if !pktio.CopyFrame(w, c.tx) {
			c.drops++
			metrics.BufferOverflowTotal.WithLabelValues(c.label + "_tx").Inc()
		}
	}
}

// Rx exposes the receive buffer, e.g. to attach a listener.
func (c *SocketCore) Rx() *pktio.PacketBuffer { return c.rx }

func (c *SocketCore) WriteSpace() int       { return c.tx.WriteSpace() }
func (c *SocketCore) WriteBytes(src []byte) { c.tx.WriteBytes(src) }
func (c *SocketCore) WriteFinalize() bool   { return c.tx.WriteFinalize() }
func (c *SocketCore) WriteAbort()           { c.tx.WriteAbort() }

func (c *SocketCore) ReadReady() int                    { return c.rx.ReadReady() }
func (c *SocketCore) ReadBytes(dst []byte) bool         { return c.rx.ReadBytes(dst) }
func (c *SocketCore) ReadConsume(n int) bool            { return c.rx.ReadConsume(n) }
func (c *SocketCore) ReadPeek(dst []byte) int           { return c.rx.ReadPeek(dst) }
func (c *SocketCore) ReadFinalize()                     { c.rx.ReadFinalize() }
func (c *SocketCore) SetCallback(l pktio.EventListener) { c.rx.SetCallback(l) }
