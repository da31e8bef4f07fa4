// Package udp implements UDP sockets, the echo and keep-alive services
// and CBOR telemetry on top of the IPv4 layer.
package udp

import (
	"encoding/binary"
	"fmt"

	"firestige.xyz/satcat5/internal/ip"
	"firestige.xyz/satcat5/internal/pktio"
)

const HeaderLen = 8

// Well-known ports.
const (
	PortNone       uint16 = 0
	PortEcho       uint16 = 7
	PortPtpEvent   uint16 = 319
	PortPtpGeneral uint16 = 320

	// DynamicBase is the first port handed out by FreePort.
	DynamicBase uint16 = 0xC000
)

// Header is a UDP header. Chk zero means no checksum.
type Header struct {
	Src uint16
	Dst uint16
	Len uint16
	Chk uint16
}

// PayloadLen returns the payload size per the length field.
func (h *Header) PayloadLen() int { return int(h.Len) - HeaderLen }

func (h *Header) Append(dst []byte) []byte {
	dst = binary.BigEndian.AppendUint16(dst, h.Src)
	dst = binary.BigEndian.AppendUint16(dst, h.Dst)
	dst = binary.BigEndian.AppendUint16(dst, h.Len)
	return binary.BigEndian.AppendUint16(dst, h.Chk)
}

func (h *Header) Parse(b []byte) error {
	if len(b) < HeaderLen {
		return fmt.Errorf("udp: header needs %d bytes, have %d", HeaderLen, len(b))
	}
	h.Src = binary.BigEndian.Uint16(b[0:])
	h.Dst = binary.BigEndian.Uint16(b[2:])
	h.Len = binary.BigEndian.Uint16(b[4:])
	h.Chk = binary.BigEndian.Uint16(b[6:])
	if h.Len < HeaderLen {
		return fmt.Errorf("udp: length %d shorter than header", h.Len)
	}
	return nil
}

func (h *Header) WriteTo(dst pktio.Writeable) {
	var b [HeaderLen]byte
	dst.WriteBytes(h.Append(b[:0]))
}

// Checksum returns the checksum of a datagram sent from src to dst with
// this header and payload. A result of zero is sent as 0xFFFF.
func (h *Header) Checksum(src, dst ip.Addr, payload []byte) uint16 {
	var b [HeaderLen]byte
	tmp := *h
	tmp.Chk = 0
	sum := ip.PseudoHeaderSum(src, dst, ip.ProtoUDP, h.Len)
	sum = ip.Checksum(tmp.Append(b[:0]), sum)
	chk := ^ip.Checksum(payload, sum)
	if chk == 0 {
		chk = 0xFFFF
	}
	return chk
}

func (h Header) String() string {
	return fmt.Sprintf("udp %d > %d len %d", h.Src, h.Dst, h.Len)
}
