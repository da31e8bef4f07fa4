package codec

import (
	"firestige.xyz/satcat5/internal/log"
	"firestige.xyz/satcat5/internal/metrics"
	"firestige.xyz/satcat5/internal/pktio"
)

const (
	SlipEnd    = 0xC0
	SlipEsc    = 0xDB
	SlipEscEnd = 0xDC
	SlipEscEsc = 0xDD
)

// SlipEncoder escapes each frame and terminates it with SlipEnd. The
// encoded frame is finalized downstream as a unit.
type SlipEncoder struct {
	dst      pktio.Writeable
	scratch  [64]byte
	overflow bool
}

// NewSlipEncoder wraps dst, usually a stream buffer feeding a UART.
func NewSlipEncoder(dst pktio.Writeable) *SlipEncoder {
	return &SlipEncoder{dst: dst}
}

// WriteSpace assumes every byte might need escaping.
func (e *SlipEncoder) WriteSpace() int {
	return max(0, (e.dst.WriteSpace()-1)/2)
}

func (e *SlipEncoder) WriteBytes(src []byte) {
	if e.overflow {
		return
	}
	n := 0
	for _, b := range src {
		if n+2 > len(e.scratch) {
			e.flush(n)
			n = 0
		}
		switch b {
		case SlipEnd:
			e.scratch[n], e.scratch[n+1] = SlipEsc, SlipEscEnd
			n += 2
		case SlipEsc:
			e.scratch[n], e.scratch[n+1] = SlipEsc, SlipEscEsc
			n += 2
		default:
			e.scratch[n] = b
			n++
		}
	}
	e.flush(n)
}

func (e *SlipEncoder) flush(n int) {
	if n > e.dst.WriteSpace() {
		e.overflow = true
	}
	if !e.overflow {
		e.dst.WriteBytes(e.scratch[:n])
	}
}

func (e *SlipEncoder) WriteFinalize() bool {
	if e.overflow || e.dst.WriteSpace() < 1 {
		e.WriteAbort()
		return false
	}
	e.dst.WriteBytes([]byte{SlipEnd})
	return e.dst.WriteFinalize()
}

func (e *SlipEncoder) WriteAbort() {
	e.overflow = false
	e.dst.WriteAbort()
}

// SlipDecoder listens to a byte stream and writes decoded frames to
// dst. A framing error drops the current frame and resynchronizes at
// the next SlipEnd.
type SlipDecoder struct {
	dst     pktio.Writeable
	escape  bool
	skip    bool
	count   int
	frames  uint64
	errors  uint64
	scratch [64]byte
}

// NewSlipDecoder decodes everything arriving on src into dst.
func NewSlipDecoder(src pktio.Readable, dst pktio.Writeable) *SlipDecoder {
	d := &SlipDecoder{dst: dst}
	if src != nil {
		src.SetCallback(d)
	}
	return d
}

// Frames returns the number of frames delivered.
func (d *SlipDecoder) Frames() uint64 { return d.frames }

// Errors returns the number of framing errors seen.
func (d *SlipDecoder) Errors() uint64 { return d.errors }

func (d *SlipDecoder) DataRcvd(src pktio.Readable) {
	var chunk [256]byte
	for {
		n := min(src.ReadReady(), len(chunk))
		if n <= 0 {
			break
		}
		src.ReadBytes(chunk[:n])
		d.Decode(chunk[:n])
	}
	src.ReadFinalize()
}

// Decode feeds raw line bytes to the decoder.
func (d *SlipDecoder) Decode(p []byte) {
	out := 0
	for _, b := range p {
		if out == len(d.scratch) {
			d.emit(d.scratch[:out])
			out = 0
		}
		switch {
		case b == SlipEnd:
			d.emit(d.scratch[:out])
			out = 0
			d.endFrame()
		case d.skip:
		case d.escape:
			d.escape = false
			switch b {
			case SlipEscEnd:
				d.scratch[out] = SlipEnd
				out++
			case SlipEscEsc:
				d.scratch[out] = SlipEsc
				out++
			default:
				d.fail()
				out = 0
			}
		case b == SlipEsc:
			d.escape = true
		default:
			d.scratch[out] = b
			out++
		}
	}
	d.emit(d.scratch[:out])
}

func (d *SlipDecoder) emit(p []byte) {
	if len(p) == 0 || d.skip {
		return
	}
	if len(p) > d.dst.WriteSpace() {
		d.fail()
		return
	}
	d.dst.WriteBytes(p)
	d.count += len(p)
}

func (d *SlipDecoder) fail() {
	d.errors++
	d.skip = true
	d.escape = false
	d.count = 0
	d.dst.WriteAbort()
	metrics.MalformedTotal.WithLabelValues("slip").Inc()
	log.GetLogger().Debug("slip framing error, dropping frame")
}

func (d *SlipDecoder) endFrame() {
	switch {
	case d.skip:
		d.skip = false
	case d.escape:
		d.fail()
		d.skip = false
	case d.count > 0:
		if d.dst.WriteFinalize() {
			d.frames++
		} else {
			metrics.BufferOverflowTotal.WithLabelValues("slip").Inc()
		}
	}
	d.escape = false
	d.count = 0
}
