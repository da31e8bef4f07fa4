package util

// AlarmLimits is the number of (duration, threshold) pairs an Alarm holds.
const AlarmLimits = 4

type alarmLimit struct {
	duration  uint32 // msec above threshold before the alarm trips
	threshold uint32
	elapsed   uint32
}

// Alarm trips when a monitored value stays above a threshold for longer
// than the paired duration. The tripped state is sticky until Clear.
type Alarm struct {
	limits [AlarmLimits]alarmLimit
	count  int
	sticky bool
	last   uint32
}

// AddLimit appends a (duration, threshold) pair. Returns false when full.
func (a *Alarm) AddLimit(durationMsec, threshold uint32) bool {
	if a.count >= AlarmLimits {
		return false
	}
	a.limits[a.count] = alarmLimit{duration: durationMsec, threshold: threshold}
	a.count++
	return true
}

// ClearLimits removes all pairs and resets the alarm.
func (a *Alarm) ClearLimits() {
	a.count = 0
	a.Clear()
}

// Push records a new sample taken elapsedMsec after the previous one.
// Returns true if any limit is currently exceeded for its full duration.
func (a *Alarm) Push(value, elapsedMsec uint32) bool {
	a.last = value
	tripped := false
	for i := 0; i < a.count; i++ {
		lim := &a.limits[i]
		if value > lim.threshold {
			if lim.elapsed < ^uint32(0)-elapsedMsec {
				lim.elapsed += elapsedMsec
			} else {
				lim.elapsed = ^uint32(0)
			}
			if lim.elapsed >= lim.duration {
				tripped = true
			}
		} else {
			lim.elapsed = 0
		}
	}
	if tripped {
		a.sticky = true
	}
	return tripped
}

// Sticky reports whether the alarm has tripped since the last Clear.
func (a *Alarm) Sticky() bool { return a.sticky }

// Value returns the most recent sample.
func (a *Alarm) Value() uint32 { return a.last }

// Clear resets the sticky flag and the per-limit counters.
func (a *Alarm) Clear() {
	a.sticky = false
	for i := range a.limits {
		a.limits[i].elapsed = 0
	}
}
