package ip

import (
	"encoding/binary"
	"fmt"

	"firestige.xyz/satcat5/internal/pktio"
)

// HeaderMin is the size of a header without options.
const (
	HeaderMin = 20
	HeaderMax = 60

	DefaultTtl = 64

	flagMF     = 0x2000
	flagDF     = 0x4000
	offsetMask = 0x1FFF
)

// Header is an IPv4 header. Options are kept as raw bytes so a
// forwarded header can be written back unchanged.
type Header struct {
	Ihl     uint8 // header length in 32-bit words
	Tos     uint8
	Len     uint16 // total length
	Ident   uint16
	Frag    uint16 // flags and fragment offset
	Ttl     uint8
	Proto   uint8
	Chk     uint16
	Src     Addr
	Dst     Addr
	Options [HeaderMax - HeaderMin]byte
}

// NewHeader fills a header for a payload of n bytes with a valid
// checksum.
func NewHeader(src, dst Addr, proto uint8, ident uint16, n int) Header {
	h := Header{
		Ihl:   5,
		Len:   uint16(HeaderMin + n),
		Ident: ident,
		Frag:  flagDF,
		Ttl:   DefaultTtl,
		Proto: proto,
		Src:   src,
		Dst:   dst,
	}
	h.Chk = h.ComputeChecksum()
	return h
}

// HeaderLen returns the header size in bytes.
func (h *Header) HeaderLen() int { return int(h.Ihl) * 4 }

// PayloadLen returns the size of the payload per the length field.
func (h *Header) PayloadLen() int { return int(h.Len) - h.HeaderLen() }

// IsFragment is true for any fragment, including the first.
func (h *Header) IsFragment() bool {
	return h.Frag&flagMF != 0 || h.Frag&offsetMask != 0
}

// Append encodes the header onto dst.
func (h *Header) Append(dst []byte) []byte {
	dst = append(dst, 0x40|h.Ihl&0x0F, h.Tos)
	dst = binary.BigEndian.AppendUint16(dst, h.Len)
	dst = binary.BigEndian.AppendUint16(dst, h.Ident)
	dst = binary.BigEndian.AppendUint16(dst, h.Frag)
	dst = append(dst, h.Ttl, h.Proto)
	dst = binary.BigEndian.AppendUint16(dst, h.Chk)
	dst = binary.BigEndian.AppendUint32(dst, uint32(h.Src))
	dst = binary.BigEndian.AppendUint32(dst, uint32(h.Dst))
	if h.Ihl > 5 {
		dst = append(dst, h.Options[:h.HeaderLen()-HeaderMin]...)
	}
	return dst
}

// ComputeChecksum returns the header checksum with the Chk field taken
// as zero.
func (h *Header) ComputeChecksum() uint16 {
	var b [HeaderMax]byte
	tmp := *h
	tmp.Chk = 0
	return ^Checksum(tmp.Append(b[:0]), 0)
}

// ChecksumOK verifies the stored checksum.
func (h *Header) ChecksumOK() bool {
	var b [HeaderMax]byte
	return Checksum(h.Append(b[:0]), 0) == 0xFFFF
}

// Parse decodes a header from b. It checks the version and lengths but
// not the checksum.
func (h *Header) Parse(b []byte) error {
	if len(b) < HeaderMin {
		return fmt.Errorf("ip: header needs %d bytes, have %d", HeaderMin, len(b))
	}
	if b[0]>>4 != 4 {
		return fmt.Errorf("ip: version %d", b[0]>>4)
	}
	h.Ihl = b[0] & 0x0F
	if h.Ihl < 5 || len(b) < h.HeaderLen() {
		return fmt.Errorf("ip: bad header length %d", h.Ihl)
	}
	h.Tos = b[1]
	h.Len = binary.BigEndian.Uint16(b[2:])
	h.Ident = binary.BigEndian.Uint16(b[4:])
	h.Frag = binary.BigEndian.Uint16(b[6:])
	h.Ttl = b[8]
	h.Proto = b[9]
	h.Chk = binary.BigEndian.Uint16(b[10:])
	h.Src = Addr(binary.BigEndian.Uint32(b[12:]))
	h.Dst = Addr(binary.BigEndian.Uint32(b[16:]))
	copy(h.Options[:], b[HeaderMin:h.HeaderLen()])
	if int(h.Len) < h.HeaderLen() {
		return fmt.Errorf("ip: total length %d shorter than header", h.Len)
	}
	return nil
}

// ReadFrom parses and consumes a header from src.
func (h *Header) ReadFrom(src pktio.Readable) error {
	var b [HeaderMax]byte
	if n := src.ReadPeek(b[:]); n < HeaderMin {
		return fmt.Errorf("ip: header needs %d bytes, have %d", HeaderMin, n)
	}
	ihl := int(b[0]&0x0F) * 4
	if err := h.Parse(b[:max(ihl, HeaderMin)]); err != nil {
		return err
	}
	src.ReadConsume(h.HeaderLen())
	return nil
}

// WriteTo writes the encoded header to dst.
func (h *Header) WriteTo(dst pktio.Writeable) {
	var b [HeaderMax]byte
	dst.WriteBytes(h.Append(b[:0]))
}

// DecrementTtl lowers the TTL by one and patches the checksum.
func (h *Header) DecrementTtl() {
	old := uint16(h.Ttl)<<8 | uint16(h.Proto)
	h.Ttl--
	h.Chk = UpdateChecksum(h.Chk, old, uint16(h.Ttl)<<8|uint16(h.Proto))
}

func (h Header) String() string {
	return fmt.Sprintf("%s > %s proto %d len %d ttl %d", h.Src, h.Dst, h.Proto, h.Len, h.Ttl)
}
