package poll

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestElapsedNonAdvancing(t *testing.T) {
	clk := NewVirtualClock(0)
	tv := Now(clk)
	assert.Equal(t, uint32(0), tv.ElapsedUsec())
	assert.Equal(t, uint32(0), tv.ElapsedMsec())
}

func TestElapsedWraparound(t *testing.T) {
	clk := NewVirtualClock(0)
	clk.Set(0xFFFFFF00)
	tv := Now(clk)
	clk.Advance(0x200)
	assert.Equal(t, uint32(0x100), clk.Raw())
	assert.Equal(t, uint32(0x200), tv.ElapsedTicks())
}

func TestCheckpointKeepsRemainder(t *testing.T) {
	clk := NewVirtualClock(0)
	tv := Now(clk)
	clk.AdvanceUsec(2500)
	assert.Equal(t, uint32(2), tv.CheckpointMsec())
	clk.AdvanceUsec(600)
	assert.Equal(t, uint32(1), tv.CheckpointMsec())
	assert.Equal(t, uint32(100), tv.ElapsedUsec())
}

func TestCheckpointSlowClock(t *testing.T) {
	// 32768 Hz crystal: one tick is about 30.5 usec.
	clk := NewVirtualClock(32768)
	tv := Now(clk)
	clk.Advance(32768)
	assert.Equal(t, uint32(1000000), tv.CheckpointUsec())
	assert.Equal(t, uint32(0), tv.ElapsedTicks())
}

func TestInterval(t *testing.T) {
	clk := NewVirtualClock(0)
	tv := Now(clk)
	assert.False(t, tv.IntervalMsec(10))
	clk.AdvanceMsec(25)
	assert.True(t, tv.IntervalMsec(10))
	assert.True(t, tv.IntervalMsec(10))
	assert.False(t, tv.IntervalMsec(10))
	assert.Equal(t, uint32(5000), tv.ElapsedUsec())

	// Intervals beyond half the wrap period are rejected.
	clk.Advance(maxInterval)
	assert.False(t, tv.IntervalTicks(maxInterval))
}

func TestClockHostMonotonic(t *testing.T) {
	clk := NewClockHost()
	a := clk.Raw()
	b := clk.Raw()
	assert.GreaterOrEqual(t, b-a, uint32(0))
	assert.Less(t, b-a, uint32(1000000))
}
