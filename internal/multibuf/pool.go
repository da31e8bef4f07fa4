// Package multibuf is the shared packet memory of the switch. Frames
// are stored as chains of fixed-size chunks drawn from one Pool and are
// reference counted, so one ingress frame can sit on several egress
// queues without being copied.
package multibuf

import (
	"sync"
	"sync/atomic"

	"firestige.xyz/satcat5/internal/core"
)

const (
	DefaultChunkSize = 256
	chunkNone        = int32(-1)
)

// Pool owns the chunk and packet descriptor storage. Allocation and
// release take a short lock; everything else is owned by whoever holds
// a reference.
type Pool struct {
	mu        sync.Mutex
	chunkSize int
	data      []byte
	link      []int32 // next chunk of a packet, or of the free list
	free      int32
	nfree     int
	pkts      []Packet
	freePkts  []*Packet
}

// NewPool carves buf into chunks of chunkSize bytes and allocates
// maxPkts packet descriptors.
func NewPool(buf []byte, chunkSize, maxPkts int) *Pool {
	if chunkSize <= 0 {
		chunkSize = DefaultChunkSize
	}
	n := len(buf) / chunkSize
	p := &Pool{
		chunkSize: chunkSize,
		data:      buf[:n*chunkSize],
		link:      make([]int32, n),
		pkts:      make([]Packet, maxPkts),
		freePkts:  make([]*Packet, 0, maxPkts),
	}
	p.free = chunkNone
	for i := n - 1; i >= 0; i-- {
		p.link[i] = p.free
		p.free = int32(i)
	}
	p.nfree = n
	for i := maxPkts - 1; i >= 0; i-- {
		p.pkts[i].pool = p
		p.freePkts = append(p.freePkts, &p.pkts[i])
	}
	return p
}

// ChunkSize returns the bytes per chunk.
func (p *Pool) ChunkSize() int { return p.chunkSize }

// Chunks returns the total number of chunks.
func (p *Pool) Chunks() int { return len(p.link) }

// FreeChunks returns the number of unallocated chunks.
func (p *Pool) FreeChunks() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.nfree
}

// FreePackets returns the number of unallocated descriptors.
func (p *Pool) FreePackets() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.freePkts)
}

func (p *Pool) chunk(i int32) []byte {
	off := int(i) * p.chunkSize
	return p.data[off : off+p.chunkSize]
}

func (p *Pool) allocChunk() int32 {
	p.mu.Lock()
	defer p.mu.Unlock()
	i := p.free
	if i == chunkNone {
		return chunkNone
	}
	p.free = p.link[i]
	p.link[i] = chunkNone
	p.nfree--
	return i
}

func (p *Pool) freeChain(head int32) {
	if head == chunkNone {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	for head != chunkNone {
		next := p.link[head]
		p.link[head] = p.free
		p.free = head
		p.nfree++
		head = next
	}
}

func (p *Pool) allocPacket() *Packet {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := len(p.freePkts)
	if n == 0 {
		return nil
	}
	k := p.freePkts[n-1]
	p.freePkts = p.freePkts[:n-1]
	return k
}

func (p *Pool) release(k *Packet) {
	p.freeChain(k.head)
	k.head, k.tail, k.length = chunkNone, chunkNone, 0
	p.mu.Lock()
	p.freePkts = append(p.freePkts, k)
	p.mu.Unlock()
}

// Packet is one frame in the pool. The ingress port and priority are
// set by whoever wrote it; Vtag carries the VLAN tag assigned at
// ingress, if any.
type Packet struct {
	pool     *Pool
	head     int32
	tail     int32
	length   int
	refs     atomic.Int32
	Port     int
	Priority uint8
	Vtag     uint16
}

// Len returns the frame length in bytes.
func (k *Packet) Len() int { return k.length }

// Refs returns the number of holders.
func (k *Packet) Refs() int { return int(k.refs.Load()) }

// Retain adds a holder.
func (k *Packet) Retain() { k.refs.Add(1) }

// Release drops a holder. The last release returns the packet's memory
// to the pool.
func (k *Packet) Release() {
	switch n := k.refs.Add(-1); {
	case n == 0:
		k.pool.release(k)
	case n < 0:
		core.Fatal("multibuf: packet released too many times")
	}
}

// Peek copies bytes starting at off into dst and returns the count.
func (k *Packet) Peek(off int, dst []byte) int {
	return k.walk(off, len(dst), func(c []byte, n int) { copy(dst[n:], c) })
}

// WriteAt overwrites bytes starting at off, e.g. to rewrite a header in
// place. It never extends the frame.
func (k *Packet) WriteAt(off int, src []byte) int {
	return k.walk(off, len(src), func(c []byte, n int) { copy(c, src[n:]) })
}

// AppendTo appends the whole frame to dst.
func (k *Packet) AppendTo(dst []byte) []byte {
	n := len(dst)
	dst = append(dst, make([]byte, k.length)...)
	k.Peek(0, dst[n:])
	return dst
}

// walk visits the chunk pieces covering [off, off+want) in order; fn
// gets each piece and the number of bytes visited before it.
func (k *Packet) walk(off, want int, fn func(c []byte, n int)) int {
	if off >= k.length {
		return 0
	}
	want = min(want, k.length-off)
	cs := k.pool.chunkSize
	i := k.head
	for ; off >= cs; off -= cs {
		i = k.pool.link[i]
	}
	done := 0
	for done < want && i != chunkNone {
		c := k.pool.chunk(i)[off:]
		c = c[:min(len(c), want-done)]
		fn(c, done)
		done += len(c)
		off = 0
		i = k.pool.link[i]
	}
	return done
}
