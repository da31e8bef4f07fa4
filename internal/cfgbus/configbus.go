package cfgbus

import (
	"sync/atomic"

	"firestige.xyz/satcat5/internal/irq"
	"firestige.xyz/satcat5/internal/log"
	"firestige.xyz/satcat5/internal/util"
)

// Register is a handle to one 32-bit location on a bus.
type Register struct {
	bus  Bus
	addr uint32
}

// Read performs a bus read.
func (r Register) Read() uint32 { return r.bus.Read(r.addr) }

// Write performs a bus write.
func (r Register) Write(val uint32) { r.bus.Write(r.addr, val) }

// Addr returns the bus index.
func (r Register) Addr() uint32 { return r.addr }

// Offset returns the register n words after r.
func (r Register) Offset(n uint32) Register {
	return Register{bus: r.bus, addr: r.addr + n}
}

// Valid reports whether the handle refers to a bus.
func (r Register) Valid() bool { return r.bus != nil }

// ConfigBus owns a Bus and the shared interrupt line behind it.
type ConfigBus struct {
	bus     Bus
	ctl     *irq.Controller
	handler *irq.Handler
	irqs    util.List[Interrupt, *Interrupt]
	count   uint64
	busy    atomic.Bool
	dirty   atomic.Bool
}

// NewConfigBus wraps bus. When ctl is non-nil the bus registers for
// interrupt line irqLine and fans it out to Interrupt handlers.
func NewConfigBus(bus Bus, ctl *irq.Controller, irqLine int) *ConfigBus {
	c := &ConfigBus{bus: bus, ctl: ctl}
	if ctl != nil {
		c.handler = irq.NewHandler("cfgbus", irqLine, func() { c.ServiceIrq() })
		ctl.Register(c.handler)
	}
	return c
}

// Bus returns the underlying bus.
func (c *ConfigBus) Bus() Bus { return c.bus }

// Controller returns the interrupt controller, which may be nil.
func (c *ConfigBus) Controller() *irq.Controller { return c.ctl }

// GetRegister returns a handle to register reg of device dev.
func (c *ConfigBus) GetRegister(dev, reg uint32) Register {
	return Register{bus: c.bus, addr: Addr(dev, reg)}
}

// IrqCount returns the number of interrupts serviced.
func (c *ConfigBus) IrqCount() uint64 { return c.count }

// RegisterIrq adds h to the fan-out chain. A duplicate registration is
// logged and ignored.
func (c *ConfigBus) RegisterIrq(h *Interrupt) {
	c.atomic(func() {
		if h.dead.Swap(false) && c.irqs.Contains(h) {
			return
		}
		if !c.irqs.AddSafe(h) {
			log.GetLogger().WithField("label", h.label).Warn("cfgbus: duplicate interrupt registration")
		}
	})
}

// UnregisterIrq removes h. Safe to call from inside an interrupt
// handler, in which case removal happens when servicing ends.
func (c *ConfigBus) UnregisterIrq(h *Interrupt) {
	if c.busy.Load() {
		h.dead.Store(true)
		c.dirty.Store(true)
		return
	}
	c.atomic(func() { c.irqs.Remove(h) })
}

// ServiceIrq polls each handler in turn until one claims the interrupt.
// Returns false if none did.
func (c *ConfigBus) ServiceIrq() bool {
	c.busy.Store(true)
	c.count++
	claimed := false
	c.irqs.Each(func(h *Interrupt) {
		if !claimed && !h.dead.Load() && h.check() {
			claimed = true
		}
	})
	if c.dirty.Swap(false) {
		c.irqs.Each(func(h *Interrupt) {
			if h.dead.Load() {
				c.irqs.Remove(h)
			}
		})
	}
	c.busy.Store(false)
	return claimed
}

func (c *ConfigBus) atomic(fn func()) {
	if c.ctl != nil {
		c.ctl.Atomic(fn)
	} else {
		fn()
	}
}

// Interrupt control register bits.
const (
	IrqEnable  = 1 << 0
	IrqRequest = 1 << 1
)

// Interrupt is one device on the shared line. With a control register,
// the handler only claims the interrupt when that device's request bit
// is set, and acknowledges it by writing the bit back. Without one, the
// handler always claims.
type Interrupt struct {
	util.Link[Interrupt]
	label string
	ctrl  Register
	event func()
	count uint64
	dead  atomic.Bool
}

// NewInterrupt creates and registers a handler. Pass RegAddrAny as reg
// for a device without a control register.
func NewInterrupt(c *ConfigBus, label string, dev, reg uint32, event func()) *Interrupt {
	h := &Interrupt{label: label, event: event}
	if reg != RegAddrAny {
		h.ctrl = c.GetRegister(dev, reg)
	}
	c.RegisterIrq(h)
	return h
}

// Count returns the number of times the handler claimed an interrupt.
func (h *Interrupt) Count() uint64 { return h.count }

// Enable sets the device's interrupt-enable bit.
func (h *Interrupt) Enable() {
	if h.ctrl.Valid() {
		h.ctrl.Write(IrqEnable)
	}
}

// Disable clears the device's interrupt-enable bit.
func (h *Interrupt) Disable() {
	if h.ctrl.Valid() {
		h.ctrl.Write(0)
	}
}

func (h *Interrupt) check() bool {
	if h.ctrl.Valid() {
		v := h.ctrl.Read()
		if v&IrqRequest == 0 {
			return false
		}
		h.ctrl.Write(v&IrqEnable | IrqRequest)
	}
	h.count++
	h.event()
	return true
}
