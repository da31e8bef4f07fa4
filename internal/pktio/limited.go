package pktio

// LimitedRead exposes at most a fixed number of bytes from another
// Readable. Finalizing it only exhausts the budget; the underlying
// source must be finalized by its owner.
type LimitedRead struct {
	src Readable
	rem int
}

// NewLimitedRead wraps src with a budget of max bytes. A budget larger
// than what src holds is clamped.
func NewLimitedRead(src Readable, max int) *LimitedRead {
	l := &LimitedRead{}
	l.Reset(src, max)
	return l
}

// NewLimitedReadAll wraps everything left in src's current frame.
func NewLimitedReadAll(src Readable) *LimitedRead {
	return NewLimitedRead(src, src.ReadReady())
}

// Reset rebinds the reader.
func (l *LimitedRead) Reset(src Readable, max int) {
	l.src = src
	l.rem = min(max, src.ReadReady())
}

// Source returns the wrapped Readable.
func (l *LimitedRead) Source() Readable { return l.src }

func (l *LimitedRead) ReadReady() int {
	return min(l.rem, l.src.ReadReady())
}

func (l *LimitedRead) ReadBytes(dst []byte) bool {
	if len(dst) > l.ReadReady() || !l.src.ReadBytes(dst) {
		return false
	}
	l.rem -= len(dst)
	return true
}

func (l *LimitedRead) ReadConsume(n int) bool {
	if n > l.ReadReady() || !l.src.ReadConsume(n) {
		return false
	}
	l.rem -= n
	return true
}

func (l *LimitedRead) ReadPeek(dst []byte) int {
	if len(dst) > l.rem {
		dst = dst[:l.rem]
	}
	return l.src.ReadPeek(dst)
}

// ReadFinalize skips whatever remains of the budget.
func (l *LimitedRead) ReadFinalize() {
	l.src.ReadConsume(l.ReadReady())
	l.rem = 0
}

func (l *LimitedRead) SetCallback(EventListener) {}
