package ptp

import (
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"

	"firestige.xyz/satcat5/internal/core"
	"firestige.xyz/satcat5/internal/log"
	"firestige.xyz/satcat5/internal/metrics"
)

// Callback receives completed measurements.
type Callback interface {
	PtpReady(m *Measurement)
}

// CallbackFunc adapts a function to Callback.
type CallbackFunc func(m *Measurement)

func (f CallbackFunc) PtpReady(m *Measurement) { f(m) }

// TrackingFilter is one stage of the servo input chain. Offsets are in
// subnanoseconds; elapsed is the time since the previous sample. A stage
// returns false to discard the sample.
type TrackingFilter interface {
	Update(offset int64, elapsed Time) (int64, bool)
	Reset()
}

// AmplitudeReject discards samples far larger than the recent typical
// magnitude. The first warmup samples always pass.
type AmplitudeReject struct {
	Ratio  float64
	Warmup int
	mean   float64
	count  int
}

func NewAmplitudeReject() *AmplitudeReject {
	return &AmplitudeReject{Ratio: 5, Warmup: 8}
}

func (f *AmplitudeReject) Update(x int64, _ Time) (int64, bool) {
	mag := math.Abs(float64(x))
	f.count++
	if f.count <= f.Warmup {
		f.mean += (mag - f.mean) / float64(f.count)
		return x, true
	}
	limit := f.Ratio * f.mean
	if mag > limit {
		// Let the gate widen slowly if the level really changed.
		f.mean += (limit - f.mean) / 16
		return 0, false
	}
	f.mean += (mag - f.mean) / 16
	return x, true
}

func (f *AmplitudeReject) Reset() { f.mean, f.count = 0, 0 }

// Boxcar averages the last N samples.
type Boxcar struct {
	buf  []int64
	next int
	full bool
}

func NewBoxcar(n int) *Boxcar {
	if n < 1 {
		n = 1
	}
	return &Boxcar{buf: make([]int64, n)}
}

func (f *Boxcar) Update(x int64, _ Time) (int64, bool) {
	f.buf[f.next] = x
	f.next = (f.next + 1) % len(f.buf)
	if f.next == 0 {
		f.full = true
	}
	n := len(f.buf)
	if !f.full {
		n = f.next
	}
	var sum float64
	for _, v := range f.buf[:n] {
		sum += float64(v)
	}
	return int64(math.Round(sum / float64(n))), true
}

func (f *Boxcar) Reset() { f.next, f.full = 0, false }

// Median outputs the median of the last N samples.
type Median struct {
	Boxcar
	tmp []int64
}

func NewMedian(n int) *Median {
	b := NewBoxcar(n)
	return &Median{Boxcar: *b, tmp: make([]int64, len(b.buf))}
}

func (f *Median) Update(x int64, t Time) (int64, bool) {
	f.Boxcar.Update(x, t)
	n := len(f.buf)
	if !f.full {
		n = f.next
	}
	s := append(f.tmp[:0], f.buf[:n]...)
	sort.Slice(s, func(i, j int) bool { return s[i] < s[j] })
	if n%2 == 1 {
		return s[n/2], true
	}
	return (s[n/2-1] + s[n/2]) / 2, true
}

// LinearPredictor fits a line to the last N samples against time and
// outputs the fitted value at the newest sample. It removes noise without
// the lag a plain average has on a drifting offset.
type LinearPredictor struct {
	xs, ys []float64
	now    float64
	next   int
	full   bool
}

func NewLinearPredictor(n int) *LinearPredictor {
	if n < 2 {
		n = 2
	}
	return &LinearPredictor{xs: make([]float64, n), ys: make([]float64, n)}
}

func (f *LinearPredictor) Update(y int64, elapsed Time) (int64, bool) {
	f.now += float64(elapsed.DeltaSubns()) / SubnsPerSec
	f.xs[f.next], f.ys[f.next] = f.now, float64(y)
	f.next = (f.next + 1) % len(f.xs)
	if f.next == 0 {
		f.full = true
	}
	n := len(f.xs)
	if !f.full {
		n = f.next
	}
	if n < 2 {
		return y, true
	}
	var sx, sy, sxx, sxy float64
	for i := 0; i < n; i++ {
		x := f.xs[i] - f.now
		sx += x
		sy += f.ys[i]
		sxx += x * x
		sxy += x * f.ys[i]
	}
	den := float64(n)*sxx - sx*sx
	if den == 0 {
		return y, true
	}
	slope := (float64(n)*sxy - sx*sy) / den
	icept := (sy - slope*sx) / float64(n)
	return int64(math.Round(icept)), true
}

func (f *LinearPredictor) Reset() {
	f.now, f.next, f.full = 0, 0, false
}

// ControllerPI turns filtered offsets into a rate correction. The loop
// is critically damped with the given time constant in seconds.
type ControllerPI struct {
	kp, ki float64
	accum  float64
}

func NewControllerPI(tau float64) *ControllerPI {
	if tau <= 0 {
		tau = 10
	}
	wn := 1 / tau
	return &ControllerPI{kp: 2 * wn, ki: wn * wn}
}

// Update returns the new rate in subnanoseconds per second for an offset
// in subnanoseconds. A positive offset means the local clock is ahead.
func (c *ControllerPI) Update(offset int64, elapsed Time) int64 {
	dt := float64(elapsed.DeltaSubns()) / SubnsPerSec
	if dt <= 0 || dt > 60 {
		dt = 1
	}
	x := float64(offset)
	c.accum += c.ki * x * dt
	out := -(c.kp*x + c.accum)
	switch {
	case out > math.MaxInt64/2:
		return math.MaxInt64 / 2
	case out < math.MinInt64/2:
		return math.MinInt64 / 2
	}
	return int64(out)
}

func (c *ControllerPI) Reset() { c.accum = 0 }

// TrackingController steers a TrackingClock from measured offsets. Large
// errors are removed with one coarse step; the rest goes through the
// filter chain and the PI loop into the clock rate.
type TrackingController struct {
	clock    TrackingClock
	filters  []TrackingFilter
	pi       *ControllerPI
	step     Time
	last     Time
	rate     int64
	residual Time
	updates  uint64
	steps    uint64
	rejected uint64
	lockAt   int64
	locked   bool
}

// NewTrackingController steps the clock whenever the offset exceeds
// step; a zero step never steps.
func NewTrackingController(clk TrackingClock, tau float64, step Time) *TrackingController {
	return &TrackingController{clock: clk, pi: NewControllerPI(tau), step: step, lockAt: 10 * SubnsPerNsec * 1000}
}

// AddFilter appends a stage to the input chain.
func (t *TrackingController) AddFilter(f TrackingFilter) { t.filters = append(t.filters, f) }

// Rate returns the last rate sent to the clock.
func (t *TrackingController) Rate() int64 { return t.rate }

// Residual returns what the clock could not apply of the last step.
func (t *TrackingController) Residual() Time { return t.residual }

func (t *TrackingController) Updates() uint64  { return t.updates }
func (t *TrackingController) Steps() uint64    { return t.steps }
func (t *TrackingController) Rejected() uint64 { return t.rejected }
func (t *TrackingController) Locked() bool     { return t.locked }

// Reset clears the loop state and the clock rate.
func (t *TrackingController) Reset() {
	for _, f := range t.filters {
		f.Reset()
	}
	t.pi.Reset()
	t.rate = 0
	t.locked = false
	t.clock.ClockRate(0)
}

// PtpReady consumes a completed measurement.
func (t *TrackingController) PtpReady(m *Measurement) {
	elapsed := TimeZero
	if !t.last.IsZero() {
		elapsed = m.T2.Sub(t.last)
	}
	t.last = m.T2
	t.Update(m.OffsetFromMaster(), elapsed)
}

// Update feeds one offset sample taken elapsed after the previous one.
func (t *TrackingController) Update(offset Time, elapsed Time) {
	t.updates++
	if !t.step.IsZero() && t.step.Less(offset.Abs()) {
		t.residual = t.clock.ClockAdjust(offset.Neg())
		t.steps++
		log.GetLogger().WithField("offset", offset.String()).Info("ptp: clock stepped")
		for _, f := range t.filters {
			f.Reset()
		}
		t.pi.Reset()
		t.locked = false
		return
	}
	x := offset.DeltaSubns()
	for _, f := range t.filters {
		var ok bool
		if x, ok = f.Update(x, elapsed); !ok {
			t.rejected++
			return
		}
	}
	t.rate = t.pi.Update(x, elapsed)
	t.clock.ClockRate(t.rate)
	if locked := abs64(x) < t.lockAt; locked != t.locked {
		t.locked = locked
		log.GetLogger().WithField("locked", locked).Debug("ptp: tracking lock changed")
	}
	metrics.PtpOffsetSeconds.Set(float64(x) / SubnsPerSec)
}

// NewFilter builds a filter stage from a name such as "reject",
// "boxcar:8", "median:5" or "predict:16".
func NewFilter(spec string) (TrackingFilter, error) {
	name, arg, _ := strings.Cut(spec, ":")
	n := 0
	if arg != "" {
		v, err := strconv.Atoi(arg)
		if err != nil || v < 1 {
			return nil, fmt.Errorf("ptp: filter %q: %w", spec, core.ErrConfigInvalid)
		}
		n = v
	}
	switch name {
	case "reject":
		f := NewAmplitudeReject()
		if n > 0 {
			f.Ratio = float64(n)
		}
		return f, nil
	case "boxcar":
		return NewBoxcar(orDefault(n, 4)), nil
	case "median":
		return NewMedian(orDefault(n, 5)), nil
	case "predict":
		return NewLinearPredictor(orDefault(n, 8)), nil
	}
	return nil, fmt.Errorf("ptp: unknown filter %q: %w", spec, core.ErrConfigInvalid)
}

func orDefault(n, d int) int {
	if n == 0 {
		return d
	}
	return n
}
