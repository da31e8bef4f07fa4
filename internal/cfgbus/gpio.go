package cfgbus

// Gpio drives a bank of up to 32 pins through mode, output and input
// registers. Set and clear are read-modify-write sequences run inside
// the bus's critical section.
type Gpio struct {
	cb   *ConfigBus
	mode Register
	out  Register
	in   Register
}

// NewGpio binds the three registers of device dev.
func NewGpio(cb *ConfigBus, dev, regMode, regOut, regIn uint32) *Gpio {
	return &Gpio{
		cb:   cb,
		mode: cb.GetRegister(dev, regMode),
		out:  cb.GetRegister(dev, regOut),
		in:   cb.GetRegister(dev, regIn),
	}
}

// ModeOutput makes the pins in mask outputs.
func (g *Gpio) ModeOutput(mask uint32) { g.rmw(g.mode, mask, 0) }

// ModeInput makes the pins in mask inputs.
func (g *Gpio) ModeInput(mask uint32) { g.rmw(g.mode, 0, mask) }

// Set drives the pins in mask high.
func (g *Gpio) Set(mask uint32) { g.rmw(g.out, mask, 0) }

// Clear drives the pins in mask low.
func (g *Gpio) Clear(mask uint32) { g.rmw(g.out, 0, mask) }

// Write replaces the whole output register.
func (g *Gpio) Write(val uint32) { g.out.Write(val) }

// Output returns the output register.
func (g *Gpio) Output() uint32 { return g.out.Read() }

// Read samples the input register.
func (g *Gpio) Read() uint32 { return g.in.Read() }

func (g *Gpio) rmw(r Register, set, clr uint32) {
	g.cb.atomic(func() {
		r.Write(r.Read()&^clr | set)
	})
}
