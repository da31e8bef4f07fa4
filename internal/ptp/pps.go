package ptp

import (
	"firestige.xyz/satcat5/internal/cfgbus"
	"firestige.xyz/satcat5/internal/log"
	"firestige.xyz/satcat5/internal/poll"
)

// PPS capture FIFO word format: bit 30 marks a valid word and bit 31 the
// last word of a record. A record is four words (sec_msb, sec_lsb, nsec,
// subns) as the gateware timestamp FIFO emits them: seconds split into
// two 24-bit halves, then nanoseconds (below 2^30) and subnanoseconds in
// the low bits of their own words.
const (
	ppsLast     uint32 = 1 << 31
	ppsValid    uint32 = 1 << 30
	ppsDataMask uint32 = ppsValid - 1
	ppsSecMask  uint32 = 0xFFFFFF
	ppsWords           = 4

	ppsPollMsec = 10
)

// PpsInput reads captured pulse edges and reports the phase error of the
// local clock against the top of each second to a TrackingController.
type PpsInput struct {
	reg    cfgbus.Register
	ctrl   *TrackingController
	timer  *poll.Timer
	words  [ppsWords]uint32
	n      int
	half   bool
	offset Time
	prev   Time
	last   Time
	pulses uint64
	errors uint64
}

// NewPpsInput polls the FIFO at reg. Pass a nil ctrl to only record
// pulses.
func NewPpsInput(s *poll.Scheduler, reg cfgbus.Register, ctrl *TrackingController) *PpsInput {
	p := &PpsInput{reg: reg, ctrl: ctrl}
	p.timer = poll.NewTimer(s, p.Poll)
	p.timer.Every(ppsPollMsec)
	return p
}

// SetHalfSecond selects both-edges mode, where phase wraps every half
// second.
func (p *PpsInput) SetHalfSecond(on bool) { p.half = on }

// SetOffset compensates a fixed delay of the pulse path.
func (p *PpsInput) SetOffset(t Time) { p.offset = t }

// Last returns the most recent edge timestamp.
func (p *PpsInput) Last() Time { return p.last }

func (p *PpsInput) Pulses() uint64 { return p.pulses }
func (p *PpsInput) Errors() uint64 { return p.errors }

func (p *PpsInput) Stop() { p.timer.Stop() }

// Poll drains the FIFO.
func (p *PpsInput) Poll() {
	for {
		w := p.reg.Read()
		if w&ppsValid == 0 {
			return
		}
		if p.n < ppsWords {
			p.words[p.n] = w & ppsDataMask
		}
		p.n++
		if w&ppsLast == 0 {
			continue
		}
		if p.n == ppsWords {
			p.edge(p.decode())
		} else {
			p.errors++
			log.GetLogger().WithField("words", p.n).Warn("pps: bad capture record")
		}
		p.n = 0
	}
}

func (p *PpsInput) decode() Time {
	w := p.words
	sec := int64(w[0]&ppsSecMask)<<24 | int64(w[1]&ppsSecMask)
	return NewTime(sec, int64(w[2]), uint16(w[3]))
}

// PhaseError returns the signed distance from t to the nearest top of
// period, where period is one second or half a second.
func PhaseError(t Time, half bool) Time {
	frac := int64(t.frac())
	period := int64(SubnsPerSec)
	if half {
		period /= 2
	}
	frac %= period
	if frac >= period/2 {
		frac -= period
	}
	return FromSubns(frac)
}

func (p *PpsInput) edge(t Time) {
	t = t.Sub(p.offset)
	p.pulses++
	p.last = t
	elapsed := TimeZero
	if !p.prev.IsZero() {
		elapsed = t.Sub(p.prev)
	}
	p.prev = t
	if p.ctrl != nil {
		p.ctrl.Update(PhaseError(t, p.half), elapsed)
	}
}

// PpsOutput drives a pulse generator. The configuration is two words:
// bit 31 of the first selects the rising edge and its low 16 bits hold
// the top of the 48-bit phase offset in subnanoseconds; the second word
// holds the rest.
type PpsOutput struct {
	reg     cfgbus.Register
	rising  bool
	offset  int64
	written bool
	writes  uint64
}

func NewPpsOutput(reg cfgbus.Register) *PpsOutput {
	p := &PpsOutput{reg: reg, rising: true}
	p.Apply()
	return p
}

// SetRising selects the active edge.
func (p *PpsOutput) SetRising(on bool) {
	if on != p.rising {
		p.rising, p.written = on, false
	}
	p.Apply()
}

// SetOffset moves the pulse away from the top of the second.
func (p *PpsOutput) SetOffset(t Time) {
	v := PhaseError(t, false).DeltaSubns()
	if v < 0 {
		v += SubnsPerSec
	}
	if v != p.offset {
		p.offset, p.written = v, false
	}
	p.Apply()
}

// Writes counts configuration updates.
func (p *PpsOutput) Writes() uint64 { return p.writes }

// Apply writes the configuration if it changed.
func (p *PpsOutput) Apply() {
	if p.written {
		return
	}
	hi := uint32(p.offset>>32) & 0xFFFF
	if p.rising {
		hi |= 1 << 31
	}
	p.reg.Write(hi)
	p.reg.Write(uint32(p.offset))
	p.written = true
	p.writes++
}
