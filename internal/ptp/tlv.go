package ptp

import (
	"encoding/binary"
	"fmt"

	"firestige.xyz/satcat5/internal/core"
)

// TLV types used here.
const (
	TlvOrgExtension          uint16 = 0x0003
	TlvOrgExtPropagate       uint16 = 0x4000
	TlvOrgExtDoNotPropagate  uint16 = 0x8000
	TlvPathTrace             uint16 = 0x0008
	TlvAlternateTimeOffset   uint16 = 0x0009
	tlvHeaderLen = 4
	tlvOrgLen    = 6
)

// Tlv is one type-length-value record. Org-extension records also carry
// a 24-bit organization id and subtype.
type Tlv struct {
	Type       uint16
	OrgId      uint32
	OrgSubtype uint32
	Value      []byte
}

// IsOrg reports whether the record carries an organization header.
func (t *Tlv) IsOrg() bool {
	return t.Type == TlvOrgExtension || t.Type == TlvOrgExtPropagate ||
		t.Type == TlvOrgExtDoNotPropagate
}

// Propagates reports whether a transparent clock forwards this record.
func (t *Tlv) Propagates() bool { return TlvPropagates(t.Type) }

// TlvPropagates reports whether records of type typ pass through
// transparent clocks.
func TlvPropagates(typ uint16) bool {
	return (typ >= 0x0008 && typ <= 0x0009) || (typ >= 0x4000 && typ <= 0x7FFF)
}

// Len returns the encoded size.
func (t *Tlv) Len() int {
	n := tlvHeaderLen + len(t.Value)
	if t.IsOrg() {
		n += tlvOrgLen
	}
	return n
}

// Append encodes the record.
func (t *Tlv) Append(b []byte) []byte {
	b = binary.BigEndian.AppendUint16(b, t.Type)
	b = binary.BigEndian.AppendUint16(b, uint16(t.Len()-tlvHeaderLen))
	if t.IsOrg() {
		b = append(b, byte(t.OrgId>>16), byte(t.OrgId>>8), byte(t.OrgId))
		b = append(b, byte(t.OrgSubtype>>16), byte(t.OrgSubtype>>8), byte(t.OrgSubtype))
	}
	return append(b, t.Value...)
}

// ParseTlvs splits b into records. Value slices alias b.
func ParseTlvs(b []byte) ([]Tlv, error) {
	var out []Tlv
	for len(b) > 0 {
		if len(b) < tlvHeaderLen {
			return out, fmt.Errorf("ptp: tlv header: %w", core.ErrPacketTooShort)
		}
		t := Tlv{Type: binary.BigEndian.Uint16(b)}
		n := int(binary.BigEndian.Uint16(b[2:]))
		if n > len(b)-tlvHeaderLen {
			return out, fmt.Errorf("ptp: tlv length %d: %w", n, core.ErrMalformed)
		}
		v := b[tlvHeaderLen : tlvHeaderLen+n]
		if t.IsOrg() {
			if n < tlvOrgLen {
				return out, fmt.Errorf("ptp: org tlv length %d: %w", n, core.ErrMalformed)
			}
			t.OrgId = uint32(v[0])<<16 | uint32(v[1])<<8 | uint32(v[2])
			t.OrgSubtype = uint32(v[3])<<16 | uint32(v[4])<<8 | uint32(v[5])
			v = v[tlvOrgLen:]
		}
		t.Value = v
		out = append(out, t)
		b = b[tlvHeaderLen+n:]
	}
	return out, nil
}

// TlvHandler reads and writes the records attached to messages. Handlers
// are chained on a Client; each sees every record on ingress and may
// append its own on egress.
type TlvHandler interface {
	// TlvRcvd is called once per received record. It returns true if
	// the record was consumed.
	TlvRcvd(h *Header, t *Tlv) bool
	// TlvSend appends records to an outgoing message of type h.Type.
	TlvSend(h *Header, b []byte) []byte
}

// TlvChain runs handlers in order.
type TlvChain struct {
	handlers []TlvHandler
	unknown  uint64
}

// Add appends a handler. Adding twice has no effect.
func (c *TlvChain) Add(h TlvHandler) {
	for _, x := range c.handlers {
		if x == h {
			return
		}
	}
	c.handlers = append(c.handlers, h)
}

func (c *TlvChain) Remove(h TlvHandler) {
	for i, x := range c.handlers {
		if x == h {
			c.handlers = append(c.handlers[:i], c.handlers[i+1:]...)
			return
		}
	}
}

// Unknown counts records no handler consumed.
func (c *TlvChain) Unknown() uint64 { return c.unknown }

// Rcvd offers every record to the handlers until one consumes it.
func (c *TlvChain) Rcvd(h *Header, tlvs []Tlv) {
	for i := range tlvs {
		done := false
		for _, x := range c.handlers {
			if x.TlvRcvd(h, &tlvs[i]) {
				done = true
				break
			}
		}
		if !done {
			c.unknown++
		}
	}
}

// Send lets each handler append its records.
func (c *TlvChain) Send(h *Header, b []byte) []byte {
	for _, x := range c.handlers {
		b = x.TlvSend(h, b)
	}
	return b
}

// Forward keeps the records a transparent clock passes on.
func Forward(b []byte, tlvs []Tlv) []byte {
	for i := range tlvs {
		if tlvs[i].Propagates() {
			b = tlvs[i].Append(b)
		}
	}
	return b
}
