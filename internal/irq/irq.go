// Package irq abstracts interrupt delivery. On a host build an interrupt
// is any goroutine calling Controller.Trigger; Pause and Resume exclude
// those handlers from the polling goroutine.
package irq

import (
	"sync"
	"sync/atomic"

	"firestige.xyz/satcat5/internal/log"
	"firestige.xyz/satcat5/internal/util"
)

// Handler is one interrupt source.
type Handler struct {
	util.Link[Handler]
	Label string
	IRQ   int
	event func()
	count atomic.Uint64
}

// NewHandler creates a handler for interrupt line irq.
func NewHandler(label string, irq int, event func()) *Handler {
	return &Handler{Label: label, IRQ: irq, event: event}
}

// Count returns the number of times the handler ran.
func (h *Handler) Count() uint64 { return h.count.Load() }

// Platform is the hardware hook behind a Controller.
type Platform interface {
	Register(h *Handler)
	Unregister(h *Handler)
	Acknowledge(irq int)
}

// Controller dispatches interrupts and provides the nestable critical
// section used by drivers.
type Controller struct {
	plat     Platform
	mu       sync.Mutex
	depth    int32
	handlers util.List[Handler, *Handler]
	timer    *Handler
	ready    bool
}

// NewController wraps a platform. A nil platform uses SoftPlatform.
func NewController(p Platform) *Controller {
	if p == nil {
		p = &SoftPlatform{}
	}
	return &Controller{plat: p}
}

// Init arms the subsystem. The optional timer handler is registered like
// any other source.
func (c *Controller) Init(timer *Handler) {
	c.ready = true
	c.timer = timer
	if timer != nil {
		c.Register(timer)
	}
}

// Ready reports whether Init has been called.
func (c *Controller) Ready() bool { return c.ready }

// Pause enters a critical section. Calls nest; only the polling goroutine
// may call Pause and Resume.
func (c *Controller) Pause() {
	if atomic.AddInt32(&c.depth, 1) == 1 {
		c.mu.Lock()
	}
}

// Resume leaves the critical section opened by the matching Pause.
func (c *Controller) Resume() {
	switch d := atomic.AddInt32(&c.depth, -1); {
	case d == 0:
		c.mu.Unlock()
	case d < 0:
		atomic.StoreInt32(&c.depth, 0)
		log.GetLogger().Warn("irq: resume without pause")
	}
}

// Depth returns the current pause nesting level.
func (c *Controller) Depth() int { return int(atomic.LoadInt32(&c.depth)) }

// Atomic runs fn inside a critical section.
func (c *Controller) Atomic(fn func()) {
	c.Pause()
	defer c.Resume()
	fn()
}

// Register adds a handler. Duplicate registration is logged and ignored.
func (c *Controller) Register(h *Handler) {
	c.Atomic(func() {
		if !c.handlers.AddSafe(h) {
			log.GetLogger().WithField("label", h.Label).Warn("irq: duplicate registration")
			return
		}
		c.plat.Register(h)
	})
}

// Unregister removes a handler.
func (c *Controller) Unregister(h *Handler) {
	c.Atomic(func() {
		if c.handlers.Remove(h) {
			c.plat.Unregister(h)
		}
	})
}

// Trigger runs every handler on line irq, then acknowledges it. Called
// from the goroutine acting as the interrupt source.
func (c *Controller) Trigger(irq int) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	c.handlers.Each(func(h *Handler) {
		if h.IRQ == irq {
			h.count.Add(1)
			h.event()
			n++
		}
	})
	c.plat.Acknowledge(irq)
	return n
}

// SoftPlatform is a Platform with no hardware behind it. It records
// acknowledgements for inspection.
type SoftPlatform struct {
	mu    sync.Mutex
	acks  map[int]int
	lines map[int]int
}

func (p *SoftPlatform) Register(h *Handler) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.lines == nil {
		p.lines = make(map[int]int)
	}
	p.lines[h.IRQ]++
}

func (p *SoftPlatform) Unregister(h *Handler) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.lines[h.IRQ] > 0 {
		p.lines[h.IRQ]--
	}
}

func (p *SoftPlatform) Acknowledge(irq int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.acks == nil {
		p.acks = make(map[int]int)
	}
	p.acks[irq]++
}

// Acks returns how many times irq was acknowledged.
func (p *SoftPlatform) Acks(irq int) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.acks[irq]
}

// Lines returns how many handlers are registered on irq.
func (p *SoftPlatform) Lines(irq int) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.lines[irq]
}
