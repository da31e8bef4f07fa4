package ptp

import (
	"encoding/binary"
	"fmt"

	ptp "github.com/facebook/time/ptp/protocol"

	"firestige.xyz/satcat5/internal/core"
)

// Time source codes carried in Announce.
const (
	TimeSourceAtomic      uint8 = 0x10
	TimeSourceGnss        uint8 = 0x20
	TimeSourcePtp         uint8 = 0x40
	TimeSourceInternalOsc uint8 = 0xA0
)

// ClockInfo is the grandmaster description carried by Announce messages
// and used for best master selection.
type ClockInfo struct {
	Priority1    uint8
	Quality      ptp.ClockQuality
	Priority2    uint8
	Identity     ptp.ClockIdentity
	StepsRemoved uint16
	TimeSource   uint8
	UtcOffset    int16
}

// DefaultClock describes a free-running clock of the given identity.
func DefaultClock(id ptp.ClockIdentity) ClockInfo {
	return ClockInfo{
		Priority1: 128,
		Quality: ptp.ClockQuality{
			ClockClass:              248,
			ClockAccuracy:           0xFE,
			OffsetScaledLogVariance: 0xFFFF,
		},
		Priority2:  128,
		Identity:   id,
		TimeSource: TimeSourceInternalOsc,
		UtcOffset:  37,
	}
}

// appendAnnounce encodes an Announce body with the given origin time.
func (c ClockInfo) appendAnnounce(b []byte, origin Time) []byte {
	b = AppendTimestamp(b, origin)
	b = binary.BigEndian.AppendUint16(b, uint16(c.UtcOffset))
	b = append(b, 0, c.Priority1, uint8(c.Quality.ClockClass), uint8(c.Quality.ClockAccuracy))
	b = binary.BigEndian.AppendUint16(b, c.Quality.OffsetScaledLogVariance)
	b = append(b, c.Priority2)
	b = binary.BigEndian.AppendUint64(b, uint64(c.Identity))
	b = binary.BigEndian.AppendUint16(b, c.StepsRemoved)
	return append(b, c.TimeSource)
}

// parseAnnounce decodes an Announce body.
func parseAnnounce(b []byte) (ClockInfo, error) {
	var c ClockInfo
	if len(b) < bodyAnnounce {
		return c, fmt.Errorf("ptp: announce: %w", core.ErrPacketTooShort)
	}
	c.UtcOffset = int16(binary.BigEndian.Uint16(b[10:]))
	c.Priority1 = b[13]
	c.Quality.ClockClass = ptp.ClockClass(b[14])
	c.Quality.ClockAccuracy = ptp.ClockAccuracy(b[15])
	c.Quality.OffsetScaledLogVariance = binary.BigEndian.Uint16(b[16:])
	c.Priority2 = b[18]
	c.Identity = ptp.ClockIdentity(binary.BigEndian.Uint64(b[19:]))
	c.StepsRemoved = binary.BigEndian.Uint16(b[27:])
	c.TimeSource = b[29]
	return c, nil
}

// Compare orders two candidate masters; the lesser is better. Port
// identities break ties between announcements of the same grandmaster.
func (c ClockInfo) Compare(cp PortId, d ClockInfo, dp PortId) int {
	if c.Identity == d.Identity {
		switch {
		case c.StepsRemoved+1 < d.StepsRemoved:
			return -1
		case d.StepsRemoved+1 < c.StepsRemoved:
			return 1
		}
		if r := cmp(c.StepsRemoved, d.StepsRemoved); r != 0 {
			return r
		}
		return cp.Compare(dp)
	}
	if r := cmp(c.Priority1, d.Priority1); r != 0 {
		return r
	}
	if r := cmp(c.Quality.ClockClass, d.Quality.ClockClass); r != 0 {
		return r
	}
	if r := cmp(c.Quality.ClockAccuracy, d.Quality.ClockAccuracy); r != 0 {
		return r
	}
	if r := cmp(c.Quality.OffsetScaledLogVariance, d.Quality.OffsetScaledLogVariance); r != 0 {
		return r
	}
	if r := cmp(c.Priority2, d.Priority2); r != 0 {
		return r
	}
	if r := cmp(c.Identity, d.Identity); r != 0 {
		return r
	}
	return cp.Compare(dp)
}

// Better reports whether c from cp beats d from dp.
func (c ClockInfo) Better(cp PortId, d ClockInfo, dp PortId) bool {
	return c.Compare(cp, d, dp) < 0
}

func cmp[T ~uint8 | ~uint16 | ~uint64](a, b T) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	}
	return 0
}
