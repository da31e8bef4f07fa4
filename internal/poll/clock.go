package poll

import (
	"sync/atomic"
	"time"
)

// ClockHost is a TimeRef backed by the monotonic system clock at one tick
// per microsecond.
type ClockHost struct {
	start time.Time
}

// NewClockHost starts a host clock at zero.
func NewClockHost() *ClockHost {
	return &ClockHost{start: time.Now()}
}

func (c *ClockHost) Raw() uint32 {
	return uint32(time.Since(c.start).Microseconds())
}

func (c *ClockHost) TicksPerSec() uint32 { return 1000000 }

// VirtualClock is a TimeRef that only moves when told to. It is safe to
// read from any goroutine.
type VirtualClock struct {
	ticks atomic.Uint32
	tps   uint32
}

// NewVirtualClock creates a simulated clock. A zero rate means one tick
// per microsecond.
func NewVirtualClock(ticksPerSec uint32) *VirtualClock {
	if ticksPerSec == 0 {
		ticksPerSec = 1000000
	}
	return &VirtualClock{tps: ticksPerSec}
}

func (c *VirtualClock) Raw() uint32         { return c.ticks.Load() }
func (c *VirtualClock) TicksPerSec() uint32 { return c.tps }

// Set forces the raw counter, e.g. to test wraparound.
func (c *VirtualClock) Set(raw uint32) { c.ticks.Store(raw) }

// Advance moves the clock forward by the given number of ticks.
func (c *VirtualClock) Advance(ticks uint32) { c.ticks.Add(ticks) }

// AdvanceUsec moves the clock forward in microseconds.
func (c *VirtualClock) AdvanceUsec(usec uint32) {
	c.Advance(unitsToTicks(usec, c.tps, 1000000))
}

// AdvanceMsec moves the clock forward in milliseconds.
func (c *VirtualClock) AdvanceMsec(msec uint32) {
	c.Advance(unitsToTicks(msec, c.tps, 1000))
}
