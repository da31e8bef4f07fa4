package multibuf

import (
	"firestige.xyz/satcat5/internal/pktio"
	"firestige.xyz/satcat5/internal/poll"
)

type ring struct {
	items []*Packet
	head  int
	n     int
}

func (r *ring) push(k *Packet) bool {
	if r.n == len(r.items) {
		return false
	}
	r.items[(r.head+r.n)%len(r.items)] = k
	r.n++
	return true
}

func (r *ring) pop() *Packet {
	if r.n == 0 {
		return nil
	}
	k := r.items[r.head]
	r.items[r.head] = nil
	r.head = (r.head + 1) % len(r.items)
	r.n--
	return k
}

// Reader is an egress queue of shared packets with one FIFO per
// priority level; higher levels are always served first. It presents
// the queued packets as a pktio.Readable.
type Reader struct {
	queues   []ring
	cur      *Packet
	pos      int
	callback pktio.EventListener
	task     *poll.OnDemand
	drops    uint64
}

// NewReader creates a queue holding up to depth packets per priority
// level. Callbacks run from the scheduler.
func NewReader(s *poll.Scheduler, depth, levels int) *Reader {
	levels = max(levels, 1)
	r := &Reader{queues: make([]ring, levels)}
	for i := range r.queues {
		r.queues[i].items = make([]*Packet, depth)
	}
	r.task = poll.NewOnDemand(s, r.poll)
	return r
}

// Levels returns the number of priority levels.
func (r *Reader) Levels() int { return len(r.queues) }

// Drops returns the number of packets refused because a queue was full.
func (r *Reader) Drops() uint64 { return r.drops }

// Queued returns the number of packets waiting, excluding the one being
// read.
func (r *Reader) Queued() int {
	n := 0
	for i := range r.queues {
		n += r.queues[i].n
	}
	return n
}

// Enqueue adds a reference to k and queues it at level prio, clamped
// to the highest level. It returns false if that queue is full.
func (r *Reader) Enqueue(k *Packet, prio int) bool {
	prio = min(max(prio, 0), len(r.queues)-1)
	k.Retain()
	if !r.queues[prio].push(k) {
		k.Release()
		r.drops++
		return false
	}
	r.task.RequestPoll()
	return true
}

// Clear drops everything queued.
func (r *Reader) Clear() {
	if r.cur != nil {
		r.cur.Release()
		r.cur, r.pos = nil, 0
	}
	for i := range r.queues {
		for k := r.queues[i].pop(); k != nil; k = r.queues[i].pop() {
			k.Release()
		}
	}
}

// Current returns the packet being read, or the packet that would be
// read next. It returns nil when the queue is empty. A packet is only
// taken off its queue once reading starts, so a higher-priority packet
// queued meanwhile still goes first.
func (r *Reader) Current() *Packet {
	if r.cur != nil {
		return r.cur
	}
	for i := len(r.queues) - 1; i >= 0; i-- {
		if q := &r.queues[i]; q.n > 0 {
			return q.items[q.head]
		}
	}
	return nil
}

// claim takes the next packet off its queue if none is being read.
func (r *Reader) claim() *Packet {
	if r.cur == nil {
		for i := len(r.queues) - 1; i >= 0 && r.cur == nil; i-- {
			r.cur = r.queues[i].pop()
		}
		r.pos = 0
	}
	return r.cur
}

func (r *Reader) ReadReady() int {
	if k := r.Current(); k != nil {
		return k.length - r.pos
	}
	return 0
}

func (r *Reader) ReadBytes(dst []byte) bool {
	if r.ReadReady() < len(dst) {
		return false
	}
	r.pos += r.claim().Peek(r.pos, dst)
	return true
}

func (r *Reader) ReadConsume(n int) bool {
	if r.ReadReady() < n {
		return false
	}
	r.claim()
	r.pos += n
	return true
}

func (r *Reader) ReadPeek(dst []byte) int {
	if r.ReadReady() == 0 {
		return 0
	}
	return r.Current().Peek(r.pos, dst)
}

func (r *Reader) ReadFinalize() {
	if r.claim() == nil {
		return
	}
	r.cur.Release()
	r.cur, r.pos = nil, 0
	if r.Queued() > 0 {
		r.task.RequestPoll()
	}
}

func (r *Reader) SetCallback(l pktio.EventListener) {
	r.callback = l
	if l != nil && r.ReadReady() > 0 {
		r.task.RequestPoll()
	}
}

func (r *Reader) poll() {
	if r.callback != nil && r.ReadReady() > 0 {
		r.callback.DataRcvd(r)
	}
}
