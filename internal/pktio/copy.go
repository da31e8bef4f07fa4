package pktio

// CopyMode selects how BufferedCopy moves data.
type CopyMode int

const (
	// CopyPacket moves one whole frame per callback, dropping frames the
	// destination cannot hold.
	CopyPacket CopyMode = iota
	// CopyStream moves as many bytes as the destination can take.
	CopyStream
)

// BufferedCopy pumps data from a Readable into a Writeable each time
// the source signals new data.
type BufferedCopy struct {
	src     Readable
	dst     Writeable
	mode    CopyMode
	frames  uint64
	dropped uint64
}

// NewBufferedCopy attaches to src as its listener.
func NewBufferedCopy(src Readable, dst Writeable, mode CopyMode) *BufferedCopy {
	c := &BufferedCopy{src: src, dst: dst, mode: mode}
	src.SetCallback(c)
	return c
}

// Frames returns the number of frames delivered.
func (c *BufferedCopy) Frames() uint64 { return c.frames }

// Dropped returns the number of frames the destination refused.
func (c *BufferedCopy) Dropped() uint64 { return c.dropped }

// Close detaches from the source.
func (c *BufferedCopy) Close() {
	if c.src != nil {
		c.src.SetCallback(nil)
		c.src = nil
	}
}

func (c *BufferedCopy) DataRcvd(src Readable) {
	switch c.mode {
	case CopyStream:
		n := min(src.ReadReady(), c.dst.WriteSpace())
		if n <= 0 {
			return
		}
		Copy(c.dst, NewLimitedRead(src, n))
		src.ReadFinalize()
		if c.dst.WriteFinalize() {
			c.frames++
		} else {
			c.dropped++
		}
	default:
		if CopyFrame(c.dst, src) {
			c.frames++
		} else {
			c.dropped++
		}
	}
}
