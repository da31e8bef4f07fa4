package ptp

import "firestige.xyz/satcat5/internal/poll"

// Clock is a source of PTP timestamps.
type Clock interface {
	Now() Time
}

// TrackingClock is a clock the servo can steer.
type TrackingClock interface {
	Clock
	// ClockAdjust steps the clock by amount and returns whatever part
	// of the step it could not apply.
	ClockAdjust(amount Time) Time
	// ClockRate sets the frequency offset in subnanoseconds per second.
	ClockRate(rate int64)
}

// SoftwareClock is a TrackingClock that extends a poll.TimeRef. Now must
// be called at least once per wrap of the underlying counter.
type SoftwareClock struct {
	ref  poll.TimeRef
	last uint32
	now  Time
	rate int64
}

// NewSoftwareClock starts at t.
func NewSoftwareClock(ref poll.TimeRef, t Time) *SoftwareClock {
	return &SoftwareClock{ref: ref, last: ref.Raw(), now: t}
}

func (c *SoftwareClock) Now() Time {
	raw := c.ref.Raw()
	ticks := int64(raw - c.last)
	c.last = raw
	if ticks == 0 {
		return c.now
	}
	tps := int64(c.ref.TicksPerSec())
	ns := ticks * NsecPerSec
	el := NewTime(0, ns/tps, uint16((ns%tps)*SubnsPerNsec/tps))
	if c.rate != 0 {
		el = el.Add(el.Scale(c.rate, SubnsPerSec))
	}
	c.now = c.now.Add(el)
	return c.now
}

// Set jumps to t.
func (c *SoftwareClock) Set(t Time) {
	c.Now()
	c.now = t
}

func (c *SoftwareClock) ClockAdjust(amount Time) Time {
	c.Now()
	c.now = c.now.Add(amount)
	return TimeZero
}

func (c *SoftwareClock) ClockRate(rate int64) {
	c.Now()
	c.rate = rate
}

// Rate returns the current frequency offset.
func (c *SoftwareClock) Rate() int64 { return c.rate }
