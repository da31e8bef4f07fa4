package ptp

import (
	"encoding/binary"
	"fmt"

	ptp "github.com/facebook/time/ptp/protocol"

	"firestige.xyz/satcat5/internal/core"
	"firestige.xyz/satcat5/internal/eth"
)

const (
	HeaderLen = 34
	// Version is the PTP version this client speaks.
	Version = 2

	// Body sizes after the header.
	bodyTimestamp = TimestampLen
	bodyDelayResp = TimestampLen + 10
	bodyAnnounce  = 30

	// MaxMessage bounds messages including TLVs.
	MaxMessage = 256
)

// Flag bits of the header flag field.
const (
	FlagAlternateMaster uint16 = 0x0100
	FlagTwoStep         uint16 = 0x0200
	FlagUnicast         uint16 = 0x0400
	FlagLeap61          uint16 = 0x0001
	FlagLeap59          uint16 = 0x0002
	FlagUtcValid        uint16 = 0x0004
	FlagPtpTimescale    uint16 = 0x0008
)

// Well-known destinations.
var (
	MacMulticast = eth.MacAddr{0x01, 0x1B, 0x19, 0x00, 0x00, 0x00}
	// PdelayMulticast is the non-forwardable address for peer delay.
	PdelayMulticast = eth.MacAddr{0x01, 0x80, 0xC2, 0x00, 0x00, 0x0E}
)

// PortId identifies a PTP port. It is ordered by clock identity, then
// port number.
type PortId ptp.PortIdentity

// Compare returns -1, 0 or +1.
func (p PortId) Compare(q PortId) int {
	switch {
	case p.ClockIdentity < q.ClockIdentity:
		return -1
	case p.ClockIdentity > q.ClockIdentity:
		return 1
	case p.PortNumber < q.PortNumber:
		return -1
	case p.PortNumber > q.PortNumber:
		return 1
	}
	return 0
}

func (p PortId) Less(q PortId) bool { return p.Compare(q) < 0 }

func (p PortId) String() string {
	return fmt.Sprintf("%016x-%d", uint64(p.ClockIdentity), p.PortNumber)
}

func (p PortId) append(b []byte) []byte {
	b = binary.BigEndian.AppendUint64(b, uint64(p.ClockIdentity))
	return binary.BigEndian.AppendUint16(b, p.PortNumber)
}

func readPortId(b []byte) PortId {
	return PortId{
		ClockIdentity: ptp.ClockIdentity(binary.BigEndian.Uint64(b)),
		PortNumber:    binary.BigEndian.Uint16(b[8:]),
	}
}

// ClockIdFromMac derives an EUI-64 clock identity from a MAC address.
func ClockIdFromMac(mac eth.MacAddr) ptp.ClockIdentity {
	return ptp.ClockIdentity(uint64(mac[0])<<56 | uint64(mac[1])<<48 | uint64(mac[2])<<40 |
		0xFFFE<<24 | uint64(mac[3])<<16 | uint64(mac[4])<<8 | uint64(mac[5]))
}

// Header is the common PTPv2 message header.
type Header struct {
	Type        ptp.MessageType
	Version     uint8
	Length      uint16
	Domain      uint8
	SdoId       uint16 // 4-bit major and 8-bit minor
	Flags       uint16
	Correction  ptp.Correction // scaled nanoseconds, i.e. subnanoseconds
	Subtype     uint32         // message type specific
	SrcPort     PortId
	SeqId       uint16
	Control     uint8
	LogInterval ptp.LogInterval
}

// Parse decodes the header from b.
func (h *Header) Parse(b []byte) error {
	if len(b) < HeaderLen {
		return fmt.Errorf("ptp: header: %w", core.ErrPacketTooShort)
	}
	if b[1]&0x0F != Version {
		return fmt.Errorf("ptp: version %d: %w", b[1]&0x0F, core.ErrBadVersion)
	}
	h.Type = ptp.MessageType(b[0] & 0x0F)
	h.Version = b[1]
	h.Length = binary.BigEndian.Uint16(b[2:])
	h.Domain = b[4]
	h.SdoId = uint16(b[0]>>4)<<8 | uint16(b[5])
	h.Flags = binary.BigEndian.Uint16(b[6:])
	h.Correction = ptp.Correction(binary.BigEndian.Uint64(b[8:]))
	h.Subtype = binary.BigEndian.Uint32(b[16:])
	h.SrcPort = readPortId(b[20:])
	h.SeqId = binary.BigEndian.Uint16(b[30:])
	h.Control = b[32]
	h.LogInterval = ptp.LogInterval(b[33])
	if int(h.Length) < HeaderLen || int(h.Length) > len(b) {
		return fmt.Errorf("ptp: length %d of %d: %w", h.Length, len(b), core.ErrMalformed)
	}
	return nil
}

// Append encodes the header.
func (h *Header) Append(b []byte) []byte {
	ver := h.Version
	if ver == 0 {
		ver = Version
	}
	b = append(b, byte(h.SdoId>>8)<<4|byte(h.Type)&0x0F, ver)
	b = binary.BigEndian.AppendUint16(b, h.Length)
	b = append(b, h.Domain, byte(h.SdoId))
	b = binary.BigEndian.AppendUint16(b, h.Flags)
	b = binary.BigEndian.AppendUint64(b, uint64(h.Correction))
	b = binary.BigEndian.AppendUint32(b, h.Subtype)
	b = h.SrcPort.append(b)
	b = binary.BigEndian.AppendUint16(b, h.SeqId)
	return append(b, h.Control, byte(h.LogInterval))
}

// CorrectionTime returns the correction field as an interval.
func (h *Header) CorrectionTime() Time { return FromSubns(int64(h.Correction)) }

// Key identifies the handshake a message belongs to.
func (h *Header) Key() MeasurementKey {
	return MeasurementKey{Domain: h.Domain, SdoId: h.SdoId, SeqId: h.SeqId, SrcPort: h.SrcPort}
}

func (h Header) String() string {
	return fmt.Sprintf("%s from %s seq %d domain %d", h.Type, h.SrcPort, h.SeqId, h.Domain)
}

// bodyLen returns the fixed body size of a message type, or -1 for
// types this client ignores.
func bodyLen(t ptp.MessageType) int {
	switch t {
	case ptp.MessageSync, ptp.MessageDelayReq, ptp.MessageFollowUp:
		return bodyTimestamp
	case ptp.MessageDelayResp:
		return bodyDelayResp
	case ptp.MessageAnnounce:
		return bodyAnnounce
	}
	return -1
}

// controlField is the legacy control value for each type.
func controlField(t ptp.MessageType) uint8 {
	switch t {
	case ptp.MessageSync:
		return 0
	case ptp.MessageDelayReq:
		return 1
	case ptp.MessageFollowUp:
		return 2
	case ptp.MessageDelayResp:
		return 3
	}
	return 5
}

// isEvent reports whether a message type carries a timestamp taken on
// transmit or receive.
func isEvent(t ptp.MessageType) bool { return t < 0x8 }
