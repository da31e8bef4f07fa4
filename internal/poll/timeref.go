package poll

// TimeRef is a free-running tick counter. Raw wraps modulo 2^32; all
// elapsed-time math uses wrapping subtraction, so no single interval may
// exceed half the rollover period.
type TimeRef interface {
	Raw() uint32
	TicksPerSec() uint32
}

const maxInterval = uint32(1) << 31

// TimeVal is a checkpoint taken from a TimeRef.
type TimeVal struct {
	ref  TimeRef
	tval uint32
}

// Now captures the current tick count of ref.
func Now(ref TimeRef) TimeVal {
	return TimeVal{ref: ref, tval: ref.Raw()}
}

// Ref returns the underlying TimeRef.
func (t TimeVal) Ref() TimeRef { return t.ref }

// Raw returns the captured tick count.
func (t TimeVal) Raw() uint32 { return t.tval }

// ElapsedTicks returns ticks since the checkpoint.
func (t TimeVal) ElapsedTicks() uint32 {
	if t.ref == nil {
		return 0
	}
	return t.ref.Raw() - t.tval
}

// ElapsedUsec returns microseconds since the checkpoint.
func (t TimeVal) ElapsedUsec() uint32 {
	return ticksToUnits(t.ElapsedTicks(), t.tps(), 1000000)
}

// ElapsedMsec returns milliseconds since the checkpoint.
func (t TimeVal) ElapsedMsec() uint32 {
	return ticksToUnits(t.ElapsedTicks(), t.tps(), 1000)
}

// CheckpointUsec returns whole microseconds since the checkpoint and
// advances it by that amount, keeping the sub-microsecond remainder.
func (t *TimeVal) CheckpointUsec() uint32 {
	return t.checkpoint(1000000)
}

// CheckpointMsec is CheckpointUsec with millisecond resolution.
func (t *TimeVal) CheckpointMsec() uint32 {
	return t.checkpoint(1000)
}

// IntervalTicks advances the checkpoint by ticks and returns true if at
// least that many have elapsed. Intervals beyond half the wrap period are
// rejected.
func (t *TimeVal) IntervalTicks(ticks uint32) bool {
	if ticks >= maxInterval || t.ElapsedTicks() < ticks {
		return false
	}
	t.tval += ticks
	return true
}

// IntervalUsec is IntervalTicks in microseconds.
func (t *TimeVal) IntervalUsec(usec uint32) bool {
	return t.IntervalTicks(unitsToTicks(usec, t.tps(), 1000000))
}

// IntervalMsec is IntervalTicks in milliseconds.
func (t *TimeVal) IntervalMsec(msec uint32) bool {
	return t.IntervalTicks(unitsToTicks(msec, t.tps(), 1000))
}

func (t *TimeVal) checkpoint(unitsPerSec uint32) uint32 {
	elapsed := t.ElapsedTicks()
	units := ticksToUnits(elapsed, t.tps(), unitsPerSec)
	t.tval += unitsToTicks(units, t.tps(), unitsPerSec)
	return units
}

func (t TimeVal) tps() uint32 {
	if t.ref == nil {
		return 1
	}
	return t.ref.TicksPerSec()
}

func ticksToUnits(ticks, tps, unitsPerSec uint32) uint32 {
	if tps == 0 {
		return 0
	}
	return uint32(uint64(ticks) * uint64(unitsPerSec) / uint64(tps))
}

func unitsToTicks(units, tps, unitsPerSec uint32) uint32 {
	return uint32(uint64(units) * uint64(tps) / uint64(unitsPerSec))
}
