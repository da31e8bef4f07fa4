// Package eth is the Ethernet layer: frame headers, the EtherType
// dispatcher that feeds upper protocols, and raw Ethernet sockets.
package eth

import (
	"fmt"
	"net"

	"firestige.xyz/satcat5/internal/pktio"
)

// EtherType values used by this stack.
const (
	ETypeIPv4 uint16 = 0x0800
	ETypeARP  uint16 = 0x0806
	ETypeVlan uint16 = 0x8100
	ETypePTP  uint16 = 0x88F7
)

// HeaderLen is the size of an untagged header; a VLAN tag adds VlanLen.
const (
	HeaderLen = 14
	VlanLen   = 4
	// MinFrame is the minimum frame size without FCS.
	MinFrame = 60
)

// MacAddr is a 48-bit hardware address.
type MacAddr [6]byte

var (
	MacNone      = MacAddr{}
	MacBroadcast = MacAddr{0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF}
)

// ParseMac parses the usual colon or dash notation.
func ParseMac(s string) (MacAddr, error) {
	hw, err := net.ParseMAC(s)
	if err != nil {
		return MacNone, err
	}
	if len(hw) != 6 {
		return MacNone, fmt.Errorf("eth: %q is not a 48-bit address", s)
	}
	var m MacAddr
	copy(m[:], hw)
	return m, nil
}

// MacFromUint64 builds an address from the low 48 bits of v.
func MacFromUint64(v uint64) MacAddr {
	return MacAddr{byte(v >> 40), byte(v >> 32), byte(v >> 24), byte(v >> 16), byte(v >> 8), byte(v)}
}

// Uint64 returns the address as an integer key.
func (m MacAddr) Uint64() uint64 {
	return uint64(m[0])<<40 | uint64(m[1])<<32 | uint64(m[2])<<24 |
		uint64(m[3])<<16 | uint64(m[4])<<8 | uint64(m[5])
}

func (m MacAddr) IsNone() bool      { return m == MacNone }
func (m MacAddr) IsBroadcast() bool { return m == MacBroadcast }

// IsMulticast is true for group addresses, including broadcast.
func (m MacAddr) IsMulticast() bool { return m[0]&0x01 != 0 }

// IsUnicast is true for individual addresses other than MacNone.
func (m MacAddr) IsUnicast() bool { return !m.IsMulticast() && !m.IsNone() }

// IsL2Reserved is true for the 01:80:C2:00:00:0x link-local block.
func (m MacAddr) IsL2Reserved() bool {
	return m[0] == 0x01 && m[1] == 0x80 && m[2] == 0xC2 && m[3] == 0 && m[4] == 0 && m[5]&0xF0 == 0
}

func (m MacAddr) String() string {
	return fmt.Sprintf("%02x:%02x:%02x:%02x:%02x:%02x", m[0], m[1], m[2], m[3], m[4], m[5])
}

// ReadMac reads an address from src.
func ReadMac(src pktio.Readable) (MacAddr, bool) {
	var m MacAddr
	ok := src.ReadBytes(m[:])
	return m, ok
}

// VlanTag is the 16-bit tag control field of an 802.1Q header.
type VlanTag uint16

// VidNone means untagged, or "any VLAN" in a filter.
const VidNone = 0

// NewVlanTag packs the tag fields.
func NewVlanTag(vid uint16, pcp uint8, dei bool) VlanTag {
	t := VlanTag(vid&0xFFF) | VlanTag(pcp&0x7)<<13
	if dei {
		t |= 1 << 12
	}
	return t
}

func (t VlanTag) Vid() uint16 { return uint16(t) & 0xFFF }
func (t VlanTag) Pcp() uint8  { return uint8(t >> 13) }
func (t VlanTag) Dei() bool   { return t&(1<<12) != 0 }

// Type is what a Protocol listens for: an EtherType within a VLAN.
type Type struct {
	Vid   uint16
	EType uint16
}

// Matches reports whether a frame of type t is accepted by filter f. A
// filter VID of VidNone accepts any VLAN.
func (f Type) Matches(t Type) bool {
	return f.EType == t.EType && (f.Vid == VidNone || f.Vid == t.Vid)
}

// Header is a parsed Ethernet header. Vtag is zero for untagged frames.
type Header struct {
	Dst    MacAddr
	Src    MacAddr
	Vtag   VlanTag
	Tagged bool
	EType  uint16
}

// Len returns the encoded size.
func (h *Header) Len() int {
	if h.Tagged {
		return HeaderLen + VlanLen
	}
	return HeaderLen
}

// Type returns the dispatch key of the header.
func (h *Header) Type() Type {
	return Type{Vid: h.Vtag.Vid(), EType: h.EType}
}

// ReadFrom parses a header, consuming it from src.
func (h *Header) ReadFrom(src pktio.Readable) bool {
	var b [HeaderLen + VlanLen]byte
	if !src.ReadBytes(b[:HeaderLen]) {
		return false
	}
	n, ok := h.Parse(b[:HeaderLen])
	if n <= HeaderLen {
		return ok
	}
	if !src.ReadBytes(b[HeaderLen:]) {
		return false
	}
	_, ok = h.Parse(b[:])
	return ok
}

// Parse decodes a header from the start of b and returns its length.
// It fails if b is too short to hold the whole header.
func (h *Header) Parse(b []byte) (int, bool) {
	if len(b) < HeaderLen {
		return 0, false
	}
	copy(h.Dst[:], b[0:6])
	copy(h.Src[:], b[6:12])
	etype := uint16(b[12])<<8 | uint16(b[13])
	if etype != ETypeVlan {
		h.Tagged, h.Vtag, h.EType = false, 0, etype
		return HeaderLen, true
	}
	h.Tagged = true
	if len(b) < HeaderLen+VlanLen {
		return HeaderLen + VlanLen, false
	}
	h.Vtag = VlanTag(uint16(b[14])<<8 | uint16(b[15]))
	h.EType = uint16(b[16])<<8 | uint16(b[17])
	return HeaderLen + VlanLen, true
}

// Append encodes the header onto dst.
func (h *Header) Append(dst []byte) []byte {
	dst = append(dst, h.Dst[:]...)
	dst = append(dst, h.Src[:]...)
	if h.Tagged {
		dst = append(dst, byte(ETypeVlan>>8), byte(ETypeVlan&0xFF), byte(h.Vtag>>8), byte(h.Vtag))
	}
	return append(dst, byte(h.EType>>8), byte(h.EType))
}

// WriteTo writes the encoded header to dst.
func (h *Header) WriteTo(dst pktio.Writeable) {
	var b [HeaderLen + VlanLen]byte
	dst.WriteBytes(h.Append(b[:0]))
}

func (h Header) String() string {
	if h.Tagged {
		return fmt.Sprintf("%s > %s vid %d pcp %d type 0x%04x", h.Src, h.Dst, h.Vtag.Vid(), h.Vtag.Pcp(), h.EType)
	}
	return fmt.Sprintf("%s > %s type 0x%04x", h.Src, h.Dst, h.EType)
}
