package host

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcapgo"

	"firestige.xyz/satcat5/internal/pktio"
	"firestige.xyz/satcat5/internal/poll"
)

const snapLen = 65536

// PcapTap records every frame written to it into a PCAP file.
type PcapTap struct {
	mu     sync.Mutex
	file   io.WriteCloser
	w      *pcapgo.Writer
	frame  []byte
	over   bool
	frames uint64
}

// NewPcapTap writes the file header to w.
func NewPcapTap(w io.WriteCloser) (*PcapTap, error) {
	pw := pcapgo.NewWriter(w)
	if err := pw.WriteFileHeader(snapLen, layers.LinkTypeEthernet); err != nil {
		return nil, err
	}
	return &PcapTap{file: w, w: pw, frame: make([]byte, 0, MaxFrame)}, nil
}

// CreatePcapTap truncates or creates path.
func CreatePcapTap(path string) (*PcapTap, error) {
	f, err := os.Create(path)
	if err != nil {
		return nil, err
	}
	t, err := NewPcapTap(f)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return t, nil
}

func (t *PcapTap) WriteSpace() int { return MaxFrame - len(t.frame) }

func (t *PcapTap) WriteBytes(src []byte) {
	if t.over || len(src) > t.WriteSpace() {
		t.over = true
		return
	}
	t.frame = append(t.frame, src...)
}

func (t *PcapTap) WriteFinalize() bool {
	defer t.WriteAbort()
	if t.over {
		return false
	}
	ci := gopacket.CaptureInfo{Timestamp: time.Now(), CaptureLength: len(t.frame), Length: len(t.frame)}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.w == nil || t.w.WritePacket(ci, t.frame) != nil {
		return false
	}
	t.frames++
	return true
}

func (t *PcapTap) WriteAbort() {
	t.frame = t.frame[:0]
	t.over = false
}

// Frames counts recorded frames.
func (t *PcapTap) Frames() uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.frames
}

func (t *PcapTap) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.w = nil
	return t.file.Close()
}

// PcapLink replays a capture file into the switch and records whatever
// the switch sends back into a second file.
type PcapLink struct {
	inbox
	in  *os.File
	rd  *pcapgo.Reader
	out *PcapTap
}

// OpenPcapFile replays input. Transmitted frames go to output, or are
// discarded when output is empty.
func OpenPcapFile(s *poll.Scheduler, name, input, output string) (*PcapLink, error) {
	f, err := os.Open(input)
	if err != nil {
		return nil, fmt.Errorf("port %s: %w", name, err)
	}
	rd, err := pcapgo.NewReader(f)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("port %s: %s: %w", name, input, err)
	}
	l := &PcapLink{inbox: newInbox(s, name), in: f, rd: rd}
	if output != "" {
		if l.out, err = CreatePcapTap(output); err != nil {
			f.Close()
			return nil, fmt.Errorf("port %s: %w", name, err)
		}
	}
	return l, nil
}

func (l *PcapLink) Name() string { return l.name }

func (l *PcapLink) Tx() pktio.Writeable {
	if l.out == nil {
		return &pktio.NullSink{}
	}
	return l.out
}

// Run replays every frame, waiting for room rather than dropping, and
// returns at end of file.
func (l *PcapLink) Run(ctx context.Context) error {
	for {
		data, _, err := l.rd.ReadPacketData()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("port %s: %w", l.name, err)
		}
		if len(data) > MaxFrame {
			continue
		}
		for len(data) > l.buf.WriteSpace() || l.buf.ReadPackets() >= rxBufPkts {
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(time.Millisecond):
			}
		}
		l.push(data)
	}
}

func (l *PcapLink) Close() error {
	err := l.in.Close()
	if l.out != nil {
		err = errors.Join(err, l.out.Close())
	}
	return err
}
