package codec

import "firestige.xyz/satcat5/internal/pktio"

// SlipCodec carries Ethernet frames over a serial byte stream. Outgoing
// frames get a CRC32 then SLIP encoding; incoming bytes are decoded and
// checked, and only frames with a valid FCS reach the receiver with the
// FCS removed.
type SlipCodec struct {
	*ChecksumTx
	enc *SlipEncoder
	dec *SlipDecoder
	chk *ChecksumRx
}

// NewSlipCodec joins a serial pair to a frame receiver. Writes to the
// codec go out on devTx.
func NewSlipCodec(devTx pktio.Writeable, devRx pktio.Readable, rx pktio.Writeable) *SlipCodec {
	c := &SlipCodec{enc: NewSlipEncoder(devTx)}
	c.ChecksumTx = NewChecksumTx(c.enc, Crc32)
	c.chk = NewChecksumRx(rx, Crc32)
	c.dec = NewSlipDecoder(devRx, c.chk)
	return c
}

// Decoder exposes the receive-side framer, e.g. to feed it bytes
// directly.
func (c *SlipCodec) Decoder() *SlipDecoder { return c.dec }

// FramingErrors returns the number of SLIP errors.
func (c *SlipCodec) FramingErrors() uint64 { return c.dec.Errors() }

// FcsErrors returns the number of frames dropped for a bad FCS.
func (c *SlipCodec) FcsErrors() uint64 { return c.chk.Failures() }
