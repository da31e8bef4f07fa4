// Package cfgbus models the memory-mapped register bus shared with FPGA
// fabric. The address space is split into MaxDevices windows of
// RegsPerDevice 32-bit registers; every access goes straight to the
// backing Bus with no caching.
package cfgbus

import (
	"sync"
	"sync/atomic"
)

const (
	MaxDevices    = 256
	RegsPerDevice = 1024

	// RegAddrAny marks an optional register as absent.
	RegAddrAny = ^uint32(0)

	// BusWords is the size of a full bus in registers.
	BusWords = MaxDevices * RegsPerDevice
)

// Bus performs word accesses by register index, where index is
// device*RegsPerDevice + reg.
type Bus interface {
	Read(addr uint32) uint32
	Write(addr uint32, val uint32)
}

// Addr combines a device and register number into a bus index.
func Addr(dev, reg uint32) uint32 {
	return dev*RegsPerDevice + reg
}

// MemBus is a Bus over ordinary memory. Every access is atomic so that
// the register contents behave like a device visible to other
// goroutines.
type MemBus struct {
	regs []uint32
}

// NewMemBus allocates words registers, or a full bus if words is zero.
func NewMemBus(words int) *MemBus {
	if words <= 0 {
		words = BusWords
	}
	return &MemBus{regs: make([]uint32, words)}
}

// NewMemBusOver uses an existing word slice, e.g. a mapped region.
func NewMemBusOver(regs []uint32) *MemBus {
	return &MemBus{regs: regs}
}

// Len returns the number of registers.
func (m *MemBus) Len() int { return len(m.regs) }

func (m *MemBus) Read(addr uint32) uint32 {
	if int(addr) >= len(m.regs) {
		return 0
	}
	return atomic.LoadUint32(&m.regs[addr])
}

func (m *MemBus) Write(addr uint32, val uint32) {
	if int(addr) >= len(m.regs) {
		return
	}
	atomic.StoreUint32(&m.regs[addr], val)
}

// BusWrite is one entry of a MockBus write log.
type BusWrite struct {
	Addr uint32
	Val  uint32
}

// MockBus is a MemBus that records every write and can replay queued
// values for FIFO-style registers.
type MockBus struct {
	*MemBus
	mu     sync.Mutex
	log    []BusWrite
	queued map[uint32][]uint32
}

// NewMockBus creates a full-size mock bus.
func NewMockBus() *MockBus {
	return &MockBus{MemBus: NewMemBus(0), queued: make(map[uint32][]uint32)}
}

func (m *MockBus) Read(addr uint32) uint32 {
	m.mu.Lock()
	if q := m.queued[addr]; len(q) > 0 {
		m.queued[addr] = q[1:]
		m.mu.Unlock()
		return q[0]
	}
	m.mu.Unlock()
	return m.MemBus.Read(addr)
}

func (m *MockBus) Write(addr uint32, val uint32) {
	m.mu.Lock()
	m.log = append(m.log, BusWrite{Addr: addr, Val: val})
	m.mu.Unlock()
	m.MemBus.Write(addr, val)
}

// QueueRead makes the next reads of addr return vals in order before
// falling back to the stored value.
func (m *MockBus) QueueRead(addr uint32, vals ...uint32) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.queued[addr] = append(m.queued[addr], vals...)
}

// Writes returns a copy of the write log.
func (m *MockBus) Writes() []BusWrite {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]BusWrite(nil), m.log...)
}

// WritesTo returns the values written to one address, in order.
func (m *MockBus) WritesTo(addr uint32) []uint32 {
	m.mu.Lock()
	defer m.mu.Unlock()
	var vals []uint32
	for _, w := range m.log {
		if w.Addr == addr {
			vals = append(vals, w.Val)
		}
	}
	return vals
}

// ClearLog empties the write log.
func (m *MockBus) ClearLog() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.log = nil
}
