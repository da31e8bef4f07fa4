package host

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/jpillora/backoff"

	"firestige.xyz/satcat5/internal/codec"
	"firestige.xyz/satcat5/internal/log"
	"firestige.xyz/satcat5/internal/pktio"
	"firestige.xyz/satcat5/internal/poll"
)

// slipLimit covers a maximal frame plus FCS with every byte escaped.
const slipLimit = 2*(MaxFrame+4) + 2

// SerialLink carries SLIP-encoded frames with a CRC32 over a tty. A
// failing device is reopened with exponential backoff.
type SerialLink struct {
	inbox
	dev   string
	baud  int
	fd    atomic.Int32
	codec *codec.SlipCodec
	wire  *outbox
}

// OpenSerial opens dev in raw mode at baud.
func OpenSerial(s *poll.Scheduler, name, dev string, baud int) (*SerialLink, error) {
	fd, err := openTty(dev, baud)
	if err != nil {
		return nil, fmt.Errorf("port %s: %w", name, err)
	}
	l := &SerialLink{inbox: newInbox(s, name), dev: dev, baud: baud}
	l.fd.Store(int32(fd))
	l.wire = newOutbox(name, slipLimit, l.write)
	l.codec = codec.NewSlipCodec(l.wire, nil, l.buf)
	return l, nil
}

func (l *SerialLink) Name() string        { return l.name }
func (l *SerialLink) Tx() pktio.Writeable { return l.codec }

// Codec exposes the SLIP and FCS error counters.
func (l *SerialLink) Codec() *codec.SlipCodec { return l.codec }

func (l *SerialLink) write(b []byte) error {
	fd := int(l.fd.Load())
	if fd < 0 {
		return errClosed
	}
	return writeTty(fd, b)
}

var errClosed = errors.New("serial: device closed")

func (l *SerialLink) Run(ctx context.Context) error {
	b := &backoff.Backoff{Min: 100 * time.Millisecond, Max: 10 * time.Second, Factor: 2}
	buf := make([]byte, 4096)
	dec := l.codec.Decoder()
	for ctx.Err() == nil {
		fd := int(l.fd.Load())
		if fd < 0 {
			if !l.reopen(ctx, b) {
				return nil
			}
			continue
		}
		n, err := readTty(fd, buf)
		if err != nil {
			log.GetLogger().WithField("device", l.dev).WithError(err).Warn("serial: read failed")
			if old := l.fd.Swap(-1); old >= 0 {
				closeTty(int(old))
			}
			continue
		}
		b.Reset()
		dec.Decode(buf[:n])
	}
	return nil
}

func (l *SerialLink) reopen(ctx context.Context, b *backoff.Backoff) bool {
	select {
	case <-ctx.Done():
		return false
	case <-time.After(b.Duration()):
	}
	fd, err := openTty(l.dev, l.baud)
	if err != nil {
		log.GetLogger().WithField("device", l.dev).WithError(err).Debug("serial: reopen failed")
		return true
	}
	log.GetLogger().WithField("device", l.dev).Info("serial: device reopened")
	l.fd.Store(int32(fd))
	return true
}

func (l *SerialLink) Close() error {
	if fd := l.fd.Swap(-1); fd >= 0 {
		return closeTty(int(fd))
	}
	return nil
}

// Tty is a raw serial device opened for reading, e.g. by a log viewer.
type Tty struct {
	fd int
}

// OpenTty opens dev in raw mode at baud.
func OpenTty(dev string, baud int) (*Tty, error) {
	fd, err := openTty(dev, baud)
	if err != nil {
		return nil, err
	}
	return &Tty{fd: fd}, nil
}

// Read returns zero bytes and no error when the line is idle.
func (t *Tty) Read(b []byte) (int, error) { return readTty(t.fd, b) }

func (t *Tty) Close() error { return closeTty(t.fd) }
