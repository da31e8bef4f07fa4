// Package ptp is an IEEE 1588 (PTPv2) client: wire formats, the best
// master clock algorithm, the four-timestamp measurement handshake, a
// tracking servo that steers a local clock, and pulse-per-second I/O.
package ptp

import (
	"encoding/binary"
	"fmt"
	"math/bits"
	"time"
)

const (
	NsecPerSec   = 1_000_000_000
	SubnsPerNsec = 1 << 16
	// SubnsPerSec is the number of subnanosecond units in a second.
	SubnsPerSec = NsecPerSec * SubnsPerNsec

	// TimestampLen is the wire size of a timestamp.
	TimestampLen = 10
)

// Time is a PTP timestamp or a signed interval. Nanoseconds and
// subnanoseconds (units of 2^-16 ns) are always normalized into range,
// so a negative interval has a negative Sec and positive fractions.
type Time struct {
	sec   int64
	nsec  uint32
	subns uint16
}

// TimeZero marks an unset timestamp.
var TimeZero = Time{}

// NewTime builds a normalized Time. nsec may be out of range.
func NewTime(sec int64, nsec int64, subns uint16) Time {
	sec += nsec / NsecPerSec
	nsec %= NsecPerSec
	if nsec < 0 {
		sec--
		nsec += NsecPerSec
	}
	return Time{sec: sec, nsec: uint32(nsec), subns: subns}
}

// FromSubns converts an interval in subnanoseconds.
func FromSubns(v int64) Time {
	sec := v / SubnsPerSec
	frac := v % SubnsPerSec
	if frac < 0 {
		sec--
		frac += SubnsPerSec
	}
	return Time{sec: sec, nsec: uint32(frac >> 16), subns: uint16(frac)}
}

// FromDuration converts a Go duration.
func FromDuration(d time.Duration) Time { return NewTime(0, int64(d), 0) }

// FromGo converts a wall-clock time.
func FromGo(t time.Time) Time { return NewTime(t.Unix(), int64(t.Nanosecond()), 0) }

func (t Time) Sec() int64       { return t.sec }
func (t Time) Nsec() uint32     { return t.nsec }
func (t Time) Subns() uint16    { return t.subns }
func (t Time) IsZero() bool     { return t == TimeZero }
func (t Time) Go() time.Time    { return time.Unix(t.sec, int64(t.nsec)) }
func (t Time) frac() uint64     { return uint64(t.nsec)<<16 | uint64(t.subns) }
func (t Time) Neg() Time        { return TimeZero.Sub(t) }
func (t Time) Less(u Time) bool { return t.Compare(u) < 0 }

// Add returns t+u.
func (t Time) Add(u Time) Time {
	f := t.frac() + u.frac()
	sec := t.sec + u.sec
	if f >= SubnsPerSec {
		f -= SubnsPerSec
		sec++
	}
	return Time{sec: sec, nsec: uint32(f >> 16), subns: uint16(f)}
}

// Sub returns t-u.
func (t Time) Sub(u Time) Time {
	sec := t.sec - u.sec
	var f uint64
	if t.frac() >= u.frac() {
		f = t.frac() - u.frac()
	} else {
		f = t.frac() + SubnsPerSec - u.frac()
		sec--
	}
	return Time{sec: sec, nsec: uint32(f >> 16), subns: uint16(f)}
}

// Compare returns -1, 0 or +1.
func (t Time) Compare(u Time) int {
	switch {
	case t.sec != u.sec:
		if t.sec < u.sec {
			return -1
		}
		return 1
	case t.frac() != u.frac():
		if t.frac() < u.frac() {
			return -1
		}
		return 1
	}
	return 0
}

// Half divides an interval by two, rounding toward negative infinity.
func (t Time) Half() Time {
	f := t.frac()
	if t.sec&1 != 0 {
		f += SubnsPerSec
	}
	return Time{sec: t.sec >> 1, nsec: uint32((f >> 1) >> 16), subns: uint16(f >> 1)}
}

// DeltaSubns returns the interval in subnanoseconds, saturating beyond
// about a day and a half.
func (t Time) DeltaSubns() int64 {
	const limit = (1<<63 - 1) / SubnsPerSec
	switch {
	case t.sec >= limit:
		return 1<<63 - 1
	case t.sec < -limit:
		return -1 << 63
	}
	return t.sec*SubnsPerSec + int64(t.frac())
}

// DeltaNsec returns the interval in whole nanoseconds.
func (t Time) DeltaNsec() int64 { return t.DeltaSubns() >> 16 }

// Duration converts an interval to a Go duration.
func (t Time) Duration() time.Duration {
	return time.Duration(t.sec)*time.Second + time.Duration(t.nsec)
}

// Abs returns |t|.
func (t Time) Abs() Time {
	if t.sec < 0 {
		return t.Neg()
	}
	return t
}

// Scale multiplies an interval by num/den, saturating on overflow. den
// must not be zero.
func (t Time) Scale(num, den int64) Time {
	v := t.DeltaSubns()
	neg := (v < 0) != (num < 0)
	d := uint64(abs64(den))
	hi, lo := bits.Mul64(uint64(abs64(v)), uint64(abs64(num)))
	q := uint64(1<<63 - 1)
	if hi < d {
		q, _ = bits.Div64(hi, lo, d)
		q = min(q, 1<<63-1)
	}
	r := FromSubns(int64(q))
	if neg {
		r = r.Neg()
	}
	return r
}

func abs64(v int64) int64 {
	if v < 0 {
		return -v
	}
	return v
}

func (t Time) String() string {
	return fmt.Sprintf("%d.%09d.%04x", t.sec, t.nsec, t.subns)
}

// ReadTimestamp decodes a 48-bit seconds, 32-bit nanoseconds timestamp.
func ReadTimestamp(b []byte) Time {
	sec := int64(binary.BigEndian.Uint16(b[0:]))<<32 | int64(binary.BigEndian.Uint32(b[2:]))
	return Time{sec: sec, nsec: binary.BigEndian.Uint32(b[6:])}
}

// AppendTimestamp encodes t, dropping subnanoseconds.
func AppendTimestamp(b []byte, t Time) []byte {
	b = binary.BigEndian.AppendUint16(b, uint16(t.sec>>32))
	b = binary.BigEndian.AppendUint32(b, uint32(t.sec))
	return binary.BigEndian.AppendUint32(b, t.nsec)
}
