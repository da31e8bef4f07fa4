package pktio

import "firestige.xyz/satcat5/internal/poll"

// WriteableThrottle limits the byte rate into another Writeable with a
// token bucket. A frame is only accepted when the bucket holds enough
// tokens for all of it.
type WriteableThrottle struct {
	dst      Writeable
	tv       poll.TimeVal
	rate     uint64 // bytes per second
	burst    uint64
	tokens   uint64
	frac     uint64 // byte-microseconds not yet converted to tokens
	wrCount  int
	overflow bool
}

// NewWriteableThrottle meters dst at bytesPerSec, allowing bursts of up
// to burst bytes. The bucket starts full.
func NewWriteableThrottle(dst Writeable, ref poll.TimeRef, bytesPerSec, burst uint32) *WriteableThrottle {
	return &WriteableThrottle{
		dst:    dst,
		tv:     poll.Now(ref),
		rate:   uint64(bytesPerSec),
		burst:  uint64(burst),
		tokens: uint64(burst),
	}
}

// SetRate changes the metering rate without touching the bucket.
func (t *WriteableThrottle) SetRate(bytesPerSec uint32) {
	t.refill()
	t.rate = uint64(bytesPerSec)
}

func (t *WriteableThrottle) refill() {
	t.frac += uint64(t.tv.CheckpointUsec()) * t.rate
	t.tokens += t.frac / 1000000
	t.frac %= 1000000
	if t.tokens >= t.burst {
		t.tokens, t.frac = t.burst, 0
	}
}

func (t *WriteableThrottle) WriteSpace() int {
	t.refill()
	avail := int(t.tokens) - t.wrCount
	return max(0, min(avail, t.dst.WriteSpace()))
}

func (t *WriteableThrottle) WriteBytes(src []byte) {
	if t.overflow || len(src) > t.WriteSpace() {
		t.overflow = true
		return
	}
	t.dst.WriteBytes(src)
	t.wrCount += len(src)
}

func (t *WriteableThrottle) WriteFinalize() bool {
	if t.overflow {
		t.WriteAbort()
		return false
	}
	n := t.wrCount
	t.wrCount = 0
	if !t.dst.WriteFinalize() {
		return false
	}
	t.tokens -= uint64(n)
	return true
}

func (t *WriteableThrottle) WriteAbort() {
	t.dst.WriteAbort()
	t.wrCount = 0
	t.overflow = false
}
