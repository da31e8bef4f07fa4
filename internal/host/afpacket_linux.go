//go:build linux && cgo

package host

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/google/gopacket/afpacket"
	"golang.org/x/net/bpf"

	"firestige.xyz/satcat5/internal/ethsw"
	"firestige.xyz/satcat5/internal/pktio"
	"firestige.xyz/satcat5/internal/poll"
)

const pollTimeoutMs = 200

// AfpacketLink attaches a switch port to a host network interface
// through a TPACKET_V3 ring.
type AfpacketLink struct {
	inbox
	handle *afpacket.TPacket
	echoes *echoFilter
	tx     *outbox
}

// OpenAfpacket binds to dev with a ring of bufferMB megabytes. A
// non-empty filter is installed as a classic BPF program on the socket.
func OpenAfpacket(s *poll.Scheduler, name, dev string, bufferMB int, filter [][4]uint32) (*AfpacketLink, error) {
	if bufferMB == 0 {
		bufferMB = 8
	}
	frame, block, blocks, err := ringGeometry(bufferMB, MaxFrame+4, os.Getpagesize())
	if err != nil {
		return nil, fmt.Errorf("port %s: %w", name, err)
	}
	h, err := afpacket.NewTPacket(
		afpacket.OptInterface(dev),
		afpacket.OptFrameSize(frame),
		afpacket.OptBlockSize(block),
		afpacket.OptNumBlocks(blocks),
		afpacket.OptPollTimeout(pollTimeoutMs),
		afpacket.SocketRaw,
		afpacket.TPacketVersion3,
	)
	if err != nil {
		return nil, fmt.Errorf("port %s: %s: %w", name, dev, err)
	}
	if len(filter) > 0 {
		raw, err := bpf.Assemble(ethsw.RawProgram(filter))
		if err == nil {
			err = h.SetBPF(raw)
		}
		if err != nil {
			h.Close()
			return nil, fmt.Errorf("port %s: filter: %w", name, err)
		}
	}
	l := &AfpacketLink{inbox: newInbox(s, name), handle: h, echoes: newEchoFilter()}
	l.tx = newOutbox(name, MaxFrame, func(b []byte) error {
		l.echoes.sent(b)
		return l.handle.WritePacketData(b)
	})
	return l, nil
}

func (l *AfpacketLink) Name() string        { return l.name }
func (l *AfpacketLink) Tx() pktio.Writeable { return l.tx }

func (l *AfpacketLink) Run(ctx context.Context) error {
	for ctx.Err() == nil {
		data, _, err := l.handle.ZeroCopyReadPacketData()
		if errors.Is(err, afpacket.ErrTimeout) || errors.Is(err, afpacket.ErrPoll) {
			continue
		}
		if err != nil {
			return fmt.Errorf("port %s: %w", l.name, err)
		}
		if l.echoes.echo(data) {
			continue
		}
		l.push(data)
	}
	return nil
}

func (l *AfpacketLink) Close() error {
	l.handle.Close()
	return nil
}
