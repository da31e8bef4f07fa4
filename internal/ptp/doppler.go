package ptp

import (
	"encoding/binary"

	ptp "github.com/facebook/time/ptp/protocol"
)

const (
	// DopplerOrgId and DopplerSubtype identify the path-rate extension.
	DopplerOrgId   uint32 = 0x5CA7C5
	DopplerSubtype uint32 = 0x000001
	dopplerLen            = 8

	// RateOne is the fixed-point scale of path rates: a path that grows
	// by one second per second has rate RateOne.
	RateOne int64 = 1 << 32
)

// DopplerTlv carries the accumulated rate of change of path delay. The
// local rate estimate is added to the received value on egress so each
// hop extends the total.
type DopplerTlv struct {
	compensate bool
	local      int64
	rcvd       int64
	valid      bool
}

// NewDopplerTlv creates a handler. With compensate set, completed
// measurements are corrected for the path change during the handshake.
func NewDopplerTlv(compensate bool) *DopplerTlv {
	return &DopplerTlv{compensate: compensate}
}

func (d *DopplerTlv) SetCompensate(on bool) { d.compensate = on }
func (d *DopplerTlv) Compensate() bool      { return d.compensate }

// SetLocalRate sets this hop's own contribution.
func (d *DopplerTlv) SetLocalRate(r int64) { d.local = r }

// Rate returns the last received rate and whether one was seen.
func (d *DopplerTlv) Rate() (int64, bool) { return d.rcvd, d.valid }

func (d *DopplerTlv) TlvRcvd(h *Header, t *Tlv) bool {
	if t.Type != TlvOrgExtPropagate || t.OrgId != DopplerOrgId || t.OrgSubtype != DopplerSubtype {
		return false
	}
	if len(t.Value) < dopplerLen {
		return true
	}
	if h.Type == ptp.MessageSync || h.Type == ptp.MessageFollowUp {
		d.rcvd = int64(binary.BigEndian.Uint64(t.Value))
		d.valid = true
	}
	return true
}

func (d *DopplerTlv) TlvSend(h *Header, b []byte) []byte {
	if h.Type != ptp.MessageSync && h.Type != ptp.MessageFollowUp {
		return b
	}
	t := Tlv{
		Type:       TlvOrgExtPropagate,
		OrgId:      DopplerOrgId,
		OrgSubtype: DopplerSubtype,
		Value:      binary.BigEndian.AppendUint64(nil, uint64(d.rcvd+d.local)),
	}
	return t.Append(b)
}

// Apply corrects m for a path that changes at the received rate. The
// reverse leg is referred back to the instant of t2.
func (d *DopplerTlv) Apply(m *Measurement) {
	if !d.compensate || !d.valid || d.rcvd == 0 {
		return
	}
	shift := m.T3.Sub(m.T2).Scale(d.rcvd, RateOne)
	m.T4 = m.T4.Sub(shift)
}
