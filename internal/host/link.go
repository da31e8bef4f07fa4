// Package host connects switch ports to the outside world on a POSIX
// system: UDP tunnels, SLIP serial lines, raw interfaces and PCAP files.
//
// Each Link owns a receive buffer that a reader goroutine fills from the
// wire and the switch drains from the polling loop. Frames the switch
// sends are written to the wire from the polling loop.
package host

import (
	"context"
	"fmt"

	"firestige.xyz/satcat5/internal/config"
	"firestige.xyz/satcat5/internal/core"
	"firestige.xyz/satcat5/internal/log"
	"firestige.xyz/satcat5/internal/metrics"
	"firestige.xyz/satcat5/internal/pktio"
	"firestige.xyz/satcat5/internal/poll"
)

const (
	// MaxFrame bounds frames in either direction, FCS excluded.
	MaxFrame   = 1536
	rxBufBytes = 64 * 1024
	rxBufPkts  = 128
)

// Link is the host side of one switch port.
type Link interface {
	Name() string
	// Rx carries frames from the wire to the switch.
	Rx() pktio.Readable
	// Tx carries frames from the switch to the wire.
	Tx() pktio.Writeable
	// Run reads the wire until ctx ends or the link fails.
	Run(ctx context.Context) error
	Close() error
}

// Open builds the link described by cfg. Ports of type "local" have no
// link and are handled by the caller.
func Open(s *poll.Scheduler, cfg *config.PortConfig) (Link, error) {
	var (
		l   Link
		err error
	)
	switch cfg.Type {
	case "udp":
		l, err = OpenUdp(s, cfg.Name, cfg.Listen, cfg.Remote)
	case "serial":
		l, err = OpenSerial(s, cfg.Name, cfg.Device, cfg.Baud)
	case "afpacket":
		l, err = OpenAfpacket(s, cfg.Name, cfg.Device, cfg.BufferMB, cfg.Filter)
	case "pcap":
		l, err = OpenPcapFile(s, cfg.Name, cfg.Device, cfg.Capture)
	default:
		return nil, fmt.Errorf("port %s: type %q: %w", cfg.Name, cfg.Type, core.ErrConfigInvalid)
	}
	if err != nil {
		return nil, err
	}
	return l, nil
}

// inbox is the receive side shared by the links. push is called from the
// reader goroutine only.
type inbox struct {
	name string
	buf  *pktio.PacketBuffer
}

func newInbox(s *poll.Scheduler, name string) inbox {
	return inbox{name: name, buf: pktio.NewPacketBuffer(s, make([]byte, rxBufBytes), rxBufPkts)}
}

func (b *inbox) Rx() pktio.Readable { return b.buf }

// push copies one frame into the receive buffer, dropping it when full.
func (b *inbox) push(frame []byte) bool {
	if len(frame) > MaxFrame || len(frame) > b.buf.WriteSpace() {
		metrics.BufferOverflowTotal.WithLabelValues(b.name).Inc()
		return false
	}
	b.buf.WriteBytes(frame)
	if !b.buf.WriteFinalize() {
		metrics.BufferOverflowTotal.WithLabelValues(b.name).Inc()
		return false
	}
	return true
}

// outbox collects one frame from the switch and hands it to send on
// finalize, all within the polling loop.
type outbox struct {
	name  string
	limit int
	frame []byte
	over  bool
	send  func(frame []byte) error
	sent  uint64
	fails uint64
}

func newOutbox(name string, limit int, send func([]byte) error) *outbox {
	return &outbox{name: name, limit: limit, frame: make([]byte, 0, limit), send: send}
}

func (o *outbox) WriteSpace() int { return o.limit - len(o.frame) }

func (o *outbox) WriteBytes(src []byte) {
	if o.over || len(src) > o.WriteSpace() {
		o.over = true
		return
	}
	o.frame = append(o.frame, src...)
}

func (o *outbox) WriteFinalize() bool {
	defer o.WriteAbort()
	if o.over {
		return false
	}
	if err := o.send(o.frame); err != nil {
		o.fails++
		log.GetLogger().WithField("port", o.name).WithError(err).Debug("host: send failed")
		return false
	}
	o.sent++
	return true
}

func (o *outbox) WriteAbort() {
	o.frame = o.frame[:0]
	o.over = false
}

// Sent and Failed count frames handed to the wire.
func (o *outbox) Sent() uint64   { return o.sent }
func (o *outbox) Failed() uint64 { return o.fails }
