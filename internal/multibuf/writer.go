package multibuf

// Consumer takes ownership of finished packets. Deliver returns false
// to refuse one, in which case the writer releases it.
type Consumer interface {
	Deliver(k *Packet) bool
}

// ConsumerFunc adapts a function to Consumer.
type ConsumerFunc func(k *Packet) bool

func (f ConsumerFunc) Deliver(k *Packet) bool { return f(k) }

// Writer assembles one packet at a time from pool chunks and hands it
// to a Consumer on WriteFinalize.
type Writer struct {
	pool     *Pool
	dst      Consumer
	port     int
	priority uint8
	maxLen   int
	head     int32
	tail     int32
	length   int
	overflow bool
}

// NewWriter creates a writer for ingress port index port. maxLen caps
// the frame size; zero means no cap beyond the pool.
func NewWriter(pool *Pool, port int, maxLen int, dst Consumer) *Writer {
	return &Writer{pool: pool, dst: dst, port: port, maxLen: maxLen, head: chunkNone, tail: chunkNone}
}

// SetPriority sets the priority of subsequent packets.
func (w *Writer) SetPriority(p uint8) { w.priority = p }

func (w *Writer) WriteSpace() int {
	if w.overflow {
		return 0
	}
	n := w.pool.FreeChunks()*w.pool.chunkSize + w.tailRoom()
	if w.maxLen > 0 {
		n = min(n, w.maxLen-w.length)
	}
	return n
}

func (w *Writer) tailRoom() int {
	if w.tail == chunkNone {
		return 0
	}
	used := w.length % w.pool.chunkSize
	if used == 0 {
		return 0
	}
	return w.pool.chunkSize - used
}

func (w *Writer) WriteBytes(src []byte) {
	if w.overflow {
		return
	}
	if w.maxLen > 0 && w.length+len(src) > w.maxLen {
		w.overflow = true
		return
	}
	cs := w.pool.chunkSize
	for len(src) > 0 {
		used := w.length % cs
		if w.tail == chunkNone || used == 0 {
			i := w.pool.allocChunk()
			if i == chunkNone {
				w.overflow = true
				return
			}
			if w.tail == chunkNone {
				w.head = i
			} else {
				w.pool.link[w.tail] = i
			}
			w.tail = i
		}
		n := copy(w.pool.chunk(w.tail)[used:], src)
		src = src[n:]
		w.length += n
	}
}

func (w *Writer) WriteFinalize() bool {
	if w.overflow || w.length == 0 {
		w.WriteAbort()
		return false
	}
	k := w.pool.allocPacket()
	if k == nil {
		w.WriteAbort()
		return false
	}
	k.head, k.tail, k.length = w.head, w.tail, w.length
	k.Port, k.Priority, k.Vtag = w.port, w.priority, 0
	k.refs.Store(1)
	w.head, w.tail, w.length = chunkNone, chunkNone, 0
	if w.dst == nil || !w.dst.Deliver(k) {
		k.Release()
		return false
	}
	return true
}

func (w *Writer) WriteAbort() {
	w.pool.freeChain(w.head)
	w.head, w.tail, w.length = chunkNone, chunkNone, 0
	w.overflow = false
}
