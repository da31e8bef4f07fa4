// Package poll is the cooperative run-to-completion scheduler. All
// protocol code runs from Scheduler.Service; other goroutines may only
// write into single-producer buffers and call OnDemand.RequestPoll.
package poll

import (
	"sync/atomic"

	"firestige.xyz/satcat5/internal/util"
)

// TimerIdle is the sentinel deadline of a stopped timer.
const TimerIdle = ^uint32(0)

// Scheduler owns the task lists. Within one Service call every Always
// task runs, then every pending OnDemand task, then every expired Timer.
type Scheduler struct {
	ref    TimeRef
	last   TimeVal
	always util.List[Always, *Always]
	demand util.List[OnDemand, *OnDemand]
	timers util.List[Timer, *Timer]
	busy   bool
	dirty  bool
	wake   chan struct{}
	count  uint64
}

// NewScheduler creates a scheduler whose timers follow ref.
func NewScheduler(ref TimeRef) *Scheduler {
	return &Scheduler{
		ref:  ref,
		last: Now(ref),
		wake: make(chan struct{}, 1),
	}
}

// TimeRef returns the reference used for timers.
func (s *Scheduler) TimeRef() TimeRef { return s.ref }

// Now returns a checkpoint at the current time.
func (s *Scheduler) Now() TimeVal { return Now(s.ref) }

// Wake is signalled whenever an OnDemand task is requested, so a host
// loop can sleep between service calls.
func (s *Scheduler) Wake() <-chan struct{} { return s.wake }

// ServiceCount returns the number of completed Service calls.
func (s *Scheduler) ServiceCount() uint64 { return s.count }

// Service runs one scheduling pass.
func (s *Scheduler) Service() {
	s.busy = true
	s.always.Each(func(t *Always) {
		if t.active {
			t.fn()
		}
	})
	s.demand.Each(func(t *OnDemand) {
		if t.active && t.pending.CompareAndSwap(true, false) {
			t.fn()
		}
	})
	elapsed := s.last.CheckpointMsec()
	s.timers.Each(func(t *Timer) {
		if t.active {
			t.tick(elapsed)
		}
	})
	s.busy = false
	if s.dirty {
		s.prune()
	}
	s.count++
}

func (s *Scheduler) prune() {
	s.dirty = false
	s.always.Each(func(t *Always) {
		if !t.active {
			s.always.Remove(t)
			t.linked = false
		}
	})
	s.demand.Each(func(t *OnDemand) {
		if !t.active {
			s.demand.Remove(t)
			t.linked = false
		}
	})
	s.timers.Each(func(t *Timer) {
		if !t.active {
			s.timers.Remove(t)
			t.linked = false
		}
	})
}

// Always runs on every Service call.
type Always struct {
	util.Link[Always]
	s      *Scheduler
	fn     func()
	active bool
	linked bool
}

// NewAlways registers fn to run on every Service call.
func NewAlways(s *Scheduler, fn func()) *Always {
	t := &Always{s: s, fn: fn}
	t.Start()
	return t
}

// Start registers the task. Calling it twice has no effect.
func (t *Always) Start() {
	t.active = true
	if !t.linked {
		t.s.always.Add(t)
		t.linked = true
	}
}

// Stop unregisters the task. Safe to call from inside any task.
func (t *Always) Stop() {
	t.active = false
	if t.s.busy {
		t.s.dirty = true
	} else if t.linked {
		t.s.always.Remove(t)
		t.linked = false
	}
}

// OnDemand runs once per RequestPoll. The request flag is cleared before
// the task body runs.
type OnDemand struct {
	util.Link[OnDemand]
	s       *Scheduler
	fn      func()
	pending atomic.Bool
	active  bool
	linked  bool
}

// NewOnDemand registers fn to run after each RequestPoll.
func NewOnDemand(s *Scheduler, fn func()) *OnDemand {
	t := &OnDemand{s: s, fn: fn}
	t.active = true
	t.linked = true
	s.demand.Add(t)
	return t
}

// RequestPoll marks the task for the next Service call. Safe from any
// goroutine.
func (t *OnDemand) RequestPoll() {
	t.pending.Store(true)
	select {
	case t.s.wake <- struct{}{}:
	default:
	}
}

// Pending reports whether a request is outstanding.
func (t *OnDemand) Pending() bool { return t.pending.Load() }

// Stop unregisters the task.
func (t *OnDemand) Stop() {
	t.active = false
	if t.s.busy {
		t.s.dirty = true
	} else if t.linked {
		t.s.demand.Remove(t)
		t.linked = false
	}
}

// Timer runs once or periodically at millisecond resolution.
type Timer struct {
	util.Link[Timer]
	s         *Scheduler
	fn        func()
	remaining uint32
	period    uint32
	active    bool
	linked    bool
}

// NewTimer creates a stopped timer.
func NewTimer(s *Scheduler, fn func()) *Timer {
	return &Timer{s: s, fn: fn, remaining: TimerIdle}
}

// Once arms the timer to fire a single time after msec.
func (t *Timer) Once(msec uint32) {
	t.arm(msec, 0)
}

// Every arms the timer to fire every msec, starting msec from now.
func (t *Timer) Every(msec uint32) {
	t.arm(msec, msec)
}

// Stop cancels the timer.
func (t *Timer) Stop() {
	t.remaining = TimerIdle
	t.period = 0
	t.active = false
	if t.s.busy {
		t.s.dirty = true
	} else if t.linked {
		t.s.timers.Remove(t)
		t.linked = false
	}
}

// Active reports whether the timer is armed.
func (t *Timer) Active() bool { return t.active }

// Remaining returns msec until the next expiry, or TimerIdle.
func (t *Timer) Remaining() uint32 { return t.remaining }

// Period returns the repeat interval, or zero for a one-shot timer.
func (t *Timer) Period() uint32 { return t.period }

func (t *Timer) arm(delay, period uint32) {
	t.remaining = delay
	t.period = period
	t.active = true
	if !t.linked {
		t.s.timers.Add(t)
		t.linked = true
	}
}

func (t *Timer) tick(elapsed uint32) {
	if t.remaining > elapsed {
		t.remaining -= elapsed
		return
	}
	if t.period > 0 {
		over := elapsed - t.remaining
		t.remaining = t.period - over%t.period
	} else {
		t.remaining = TimerIdle
		t.active = false
		t.s.dirty = true
	}
	t.fn()
}
