package codec

import (
	"firestige.xyz/satcat5/internal/metrics"
	"firestige.xyz/satcat5/internal/pktio"
)

// ChecksumTx appends a check sequence to every frame written through it.
type ChecksumTx struct {
	dst     pktio.Writeable
	alg     Algorithm
	crc     uint32
	scratch [4]byte
}

// NewChecksumTx wraps dst with the given algorithm.
func NewChecksumTx(dst pktio.Writeable, alg Algorithm) *ChecksumTx {
	return &ChecksumTx{dst: dst, alg: alg, crc: alg.Init()}
}

func (c *ChecksumTx) WriteSpace() int {
	return max(0, c.dst.WriteSpace()-c.alg.Size())
}

func (c *ChecksumTx) WriteBytes(src []byte) {
	c.crc = c.alg.Update(c.crc, src)
	c.dst.WriteBytes(src)
}

func (c *ChecksumTx) WriteFinalize() bool {
	fcs := c.alg.Append(c.scratch[:0], c.alg.Final(c.crc))
	c.crc = c.alg.Init()
	c.dst.WriteBytes(fcs)
	return c.dst.WriteFinalize()
}

func (c *ChecksumTx) WriteAbort() {
	c.crc = c.alg.Init()
	c.dst.WriteAbort()
}

// ChecksumRx strips and verifies the trailing check sequence of each
// frame. Frames that fail are aborted downstream.
type ChecksumRx struct {
	dst    pktio.Writeable
	alg    Algorithm
	crc    uint32
	delay  [4]byte // last Size() bytes seen, not yet forwarded
	held   int
	fails  uint64
	frames uint64
}

// NewChecksumRx wraps dst with the given algorithm.
func NewChecksumRx(dst pktio.Writeable, alg Algorithm) *ChecksumRx {
	return &ChecksumRx{dst: dst, alg: alg, crc: alg.Init()}
}

// Failures returns the number of frames dropped for a bad check value.
func (c *ChecksumRx) Failures() uint64 { return c.fails }

// Frames returns the number of frames that passed.
func (c *ChecksumRx) Frames() uint64 { return c.frames }

func (c *ChecksumRx) WriteSpace() int {
	return c.dst.WriteSpace() + c.alg.Size() - c.held
}

func (c *ChecksumRx) WriteBytes(src []byte) {
	size := c.alg.Size()
	// Bytes that leave the delay line are payload.
	total := c.held + len(src)
	if total <= size {
		copy(c.delay[c.held:], src)
		c.held = total
		return
	}
	release := total - size
	if release <= c.held {
		c.push(c.delay[:release])
		copy(c.delay[:], c.delay[release:c.held])
		copy(c.delay[c.held-release:], src)
	} else {
		c.push(c.delay[:c.held])
		c.push(src[:release-c.held])
		copy(c.delay[:], src[release-c.held:])
	}
	c.held = size
}

func (c *ChecksumRx) push(p []byte) {
	if len(p) == 0 {
		return
	}
	c.crc = c.alg.Update(c.crc, p)
	c.dst.WriteBytes(p)
}

func (c *ChecksumRx) WriteFinalize() bool {
	size := c.alg.Size()
	var want [4]byte
	expect := c.alg.Append(want[:0], c.alg.Final(c.crc))
	ok := c.held == size && string(expect) == string(c.delay[:size])
	c.crc, c.held = c.alg.Init(), 0
	if !ok {
		c.fails++
		metrics.MalformedTotal.WithLabelValues(c.alg.Name()).Inc()
		c.dst.WriteAbort()
		return false
	}
	c.frames++
	return c.dst.WriteFinalize()
}

func (c *ChecksumRx) WriteAbort() {
	c.crc, c.held = c.alg.Init(), 0
	c.dst.WriteAbort()
}
