package pktio

import (
	"sync/atomic"

	"firestige.xyz/satcat5/internal/poll"
)

// PacketBuffer is a single-producer single-consumer ring over a
// caller-supplied byte slice. In packet mode a parallel ring of frame
// lengths keeps frames whole; in stream mode bytes become readable as
// soon as the writer finalizes.
//
// The producer and consumer may run on different goroutines. A frame's
// bytes and length are written before the commit counter is stored, so
// a reader that observes the counter sees the complete frame.
type PacketBuffer struct {
	buf  []byte
	lens []uint32 // nil in stream mode

	// Shared counters; they only ever increase.
	wrCommit atomic.Uint64 // bytes committed by the writer
	rdTail   atomic.Uint64 // bytes released by the reader
	pktHead  atomic.Uint64 // frames committed
	pktTail  atomic.Uint64 // frames released

	// Writer state.
	wrCount   int
	overflow  bool
	overflows atomic.Uint64

	// Reader state.
	rdPos    int
	callback EventListener
	task     *poll.OnDemand
}

// NewPacketBuffer creates a packet-mode buffer holding up to maxPkt
// frames. A nil scheduler delivers callbacks inline from WriteFinalize,
// which is only safe when producer and consumer share a goroutine.
func NewPacketBuffer(s *poll.Scheduler, buf []byte, maxPkt int) *PacketBuffer {
	p := &PacketBuffer{buf: buf}
	if maxPkt > 0 {
		p.lens = make([]uint32, maxPkt)
	}
	if s != nil {
		p.task = poll.NewOnDemand(s, p.poll)
	}
	return p
}

// NewStreamBuffer creates a stream-mode buffer.
func NewStreamBuffer(s *poll.Scheduler, buf []byte) *PacketBuffer {
	return NewPacketBuffer(s, buf, 0)
}

// IsPacketMode reports whether frame boundaries are kept.
func (p *PacketBuffer) IsPacketMode() bool { return p.lens != nil }

// Capacity returns the size of the byte ring.
func (p *PacketBuffer) Capacity() int { return len(p.buf) }

// Overflows returns the number of frames dropped for lack of space.
func (p *PacketBuffer) Overflows() uint64 { return p.overflows.Load() }

// ReadPackets returns the number of complete frames waiting.
func (p *PacketBuffer) ReadPackets() int {
	return int(p.pktHead.Load() - p.pktTail.Load())
}

// Clear discards all contents. Only call when neither side is active.
func (p *PacketBuffer) Clear() {
	p.rdTail.Store(p.wrCommit.Load())
	p.pktTail.Store(p.pktHead.Load())
	p.wrCount, p.rdPos, p.overflow = 0, 0, false
}

// ─── Writeable ───

func (p *PacketBuffer) WriteSpace() int {
	if p.lens != nil && p.pktHead.Load()-p.pktTail.Load() >= uint64(len(p.lens)) {
		return 0
	}
	used := int(p.wrCommit.Load() - p.rdTail.Load())
	return len(p.buf) - used - p.wrCount
}

func (p *PacketBuffer) WriteBytes(src []byte) {
	if p.overflow {
		return
	}
	if len(src) > p.WriteSpace() {
		p.overflow = true
		return
	}
	start := int((p.wrCommit.Load() + uint64(p.wrCount)) % uint64(len(p.buf)))
	n := copy(p.buf[start:], src)
	copy(p.buf, src[n:])
	p.wrCount += len(src)
}

func (p *PacketBuffer) WriteFinalize() bool {
	if p.overflow {
		p.WriteAbort()
		p.overflows.Add(1)
		return false
	}
	if p.wrCount == 0 {
		return true
	}
	commit := p.wrCommit.Load() + uint64(p.wrCount)
	if p.lens != nil {
		head := p.pktHead.Load()
		if head-p.pktTail.Load() >= uint64(len(p.lens)) {
			p.WriteAbort()
			p.overflows.Add(1)
			return false
		}
		p.lens[head%uint64(len(p.lens))] = uint32(p.wrCount)
		p.wrCommit.Store(commit)
		p.pktHead.Store(head + 1)
	} else {
		p.wrCommit.Store(commit)
		p.pktHead.Add(1)
	}
	p.wrCount = 0
	p.notify()
	return true
}

func (p *PacketBuffer) WriteAbort() {
	p.wrCount = 0
	p.overflow = false
}

// ─── Readable ───

func (p *PacketBuffer) ReadReady() int {
	if p.lens != nil {
		tail := p.pktTail.Load()
		if tail == p.pktHead.Load() {
			return 0
		}
		return int(p.lens[tail%uint64(len(p.lens))]) - p.rdPos
	}
	return int(p.wrCommit.Load()-p.rdTail.Load()) - p.rdPos
}

func (p *PacketBuffer) ReadBytes(dst []byte) bool {
	if p.ReadPeek(dst) < len(dst) {
		return false
	}
	p.rdPos += len(dst)
	return true
}

func (p *PacketBuffer) ReadConsume(n int) bool {
	if n > p.ReadReady() {
		return false
	}
	p.rdPos += n
	return true
}

func (p *PacketBuffer) ReadPeek(dst []byte) int {
	n := min(len(dst), p.ReadReady())
	if n <= 0 {
		return 0
	}
	start := int((p.rdTail.Load() + uint64(p.rdPos)) % uint64(len(p.buf)))
	k := copy(dst[:n], p.buf[start:])
	copy(dst[k:n], p.buf)
	return n
}

func (p *PacketBuffer) ReadFinalize() {
	if p.lens != nil {
		tail := p.pktTail.Load()
		if tail == p.pktHead.Load() {
			p.rdPos = 0
			return
		}
		length := uint64(p.lens[tail%uint64(len(p.lens))])
		p.rdTail.Store(p.rdTail.Load() + length)
		p.pktTail.Store(tail + 1)
	} else {
		p.rdTail.Store(p.rdTail.Load() + uint64(p.rdPos))
	}
	p.rdPos = 0
	if p.task != nil && p.ReadReady() > 0 {
		p.task.RequestPoll()
	}
}

func (p *PacketBuffer) SetCallback(l EventListener) {
	p.callback = l
	if l != nil && p.ReadReady() > 0 {
		p.notify()
	}
}

func (p *PacketBuffer) notify() {
	if p.task != nil {
		p.task.RequestPoll()
	} else {
		p.poll()
	}
}

func (p *PacketBuffer) poll() {
	if p.callback != nil && p.ReadReady() > 0 {
		p.callback.DataRcvd(p)
	}
}
