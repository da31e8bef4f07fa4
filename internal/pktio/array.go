package pktio

// ArrayRead reads a single frame from a byte slice.
type ArrayRead struct {
	buf []byte
	pos int
}

// NewArrayRead wraps buf. The slice is not copied.
func NewArrayRead(buf []byte) *ArrayRead {
	return &ArrayRead{buf: buf}
}

// Reset points the reader at a new frame.
func (r *ArrayRead) Reset(buf []byte) {
	r.buf, r.pos = buf, 0
}

func (r *ArrayRead) ReadReady() int { return len(r.buf) - r.pos }

func (r *ArrayRead) ReadBytes(dst []byte) bool {
	if len(dst) > r.ReadReady() {
		return false
	}
	r.pos += copy(dst, r.buf[r.pos:])
	return true
}

func (r *ArrayRead) ReadConsume(n int) bool {
	if n > r.ReadReady() {
		return false
	}
	r.pos += n
	return true
}

func (r *ArrayRead) ReadPeek(dst []byte) int {
	return copy(dst, r.buf[r.pos:])
}

func (r *ArrayRead) ReadFinalize() { r.pos = len(r.buf) }

// SetCallback is a no-op; an ArrayRead never receives new data.
func (r *ArrayRead) SetCallback(EventListener) {}

// ArrayWrite writes frames into a fixed byte slice. Each finalized
// frame replaces the previous one. Frames in progress are staged in a
// second slice of the same size, so an aborted frame never disturbs the
// last finalized one.
type ArrayWrite struct {
	buf      []byte
	stage    []byte
	wr       int
	last     int
	overflow bool
}

// NewArrayWrite wraps buf as the backing store.
func NewArrayWrite(buf []byte) *ArrayWrite {
	return &ArrayWrite{buf: buf, stage: make([]byte, len(buf))}
}

// Written returns the most recently finalized frame. The slice is only
// valid until the next WriteFinalize.
func (w *ArrayWrite) Written() []byte { return w.buf[:w.last] }

// WrittenLen returns the length of the most recently finalized frame.
func (w *ArrayWrite) WrittenLen() int { return w.last }

func (w *ArrayWrite) WriteSpace() int { return len(w.stage) - w.wr }

func (w *ArrayWrite) WriteBytes(src []byte) {
	if w.overflow || len(src) > w.WriteSpace() {
		w.overflow = true
		return
	}
	w.wr += copy(w.stage[w.wr:], src)
}

func (w *ArrayWrite) WriteFinalize() bool {
	if w.overflow {
		w.WriteAbort()
		return false
	}
	w.buf, w.stage = w.stage, w.buf
	w.last, w.wr = w.wr, 0
	return true
}

func (w *ArrayWrite) WriteAbort() {
	w.wr = 0
	w.overflow = false
}
