package pktio

// NullSink accepts and discards everything.
type NullSink struct {
	frames uint64
}

func (*NullSink) WriteSpace() int       { return 1 << 30 }
func (*NullSink) WriteBytes([]byte)     {}
func (n *NullSink) WriteFinalize() bool { n.frames++; return true }
func (*NullSink) WriteAbort()           {}

// Frames returns the number of frames discarded.
func (n *NullSink) Frames() uint64 { return n.frames }

// NullSource never has data.
type NullSource struct{}

func (NullSource) ReadReady() int            { return 0 }
func (NullSource) ReadBytes(dst []byte) bool { return len(dst) == 0 }
func (NullSource) ReadConsume(n int) bool    { return n == 0 }
func (NullSource) ReadPeek([]byte) int       { return 0 }
func (NullSource) ReadFinalize()             {}
func (NullSource) SetCallback(EventListener) {}
