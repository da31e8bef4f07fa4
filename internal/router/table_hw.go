package router

import (
	"firestige.xyz/satcat5/internal/cfgbus"
	"firestige.xyz/satcat5/internal/ip"
	"firestige.xyz/satcat5/internal/log"
)

// Table opcodes. Each command is preceded by three data words: port
// and the top of the MAC, the rest of the MAC, and the subnet base.
const (
	opClear   uint32 = 0x10000000
	opDefault uint32 = 0x20000000
	opLoad    uint32 = 0x30000000

	// statusBusy is set in the register while a command executes.
	statusBusy uint32 = 1 << 31
	busyPolls         = 1000
)

// TableHw mirrors an ip.Table into the routing table of the gateware
// through one control register.
type TableHw struct {
	reg   cfgbus.Register
	size  int
	table *ip.Table
	cmds  uint64
}

// NewTableHw drives the hardware table of size entries at register reg
// of device dev and starts mirroring t, which is replayed immediately.
func NewTableHw(cb *cfgbus.ConfigBus, dev, reg uint32, size int, t *ip.Table) *TableHw {
	hw := &TableHw{reg: cb.GetRegister(dev, reg), size: size, table: t}
	if size < t.Capacity() {
		log.GetLogger().Warnf("router: hardware table holds %d of %d routes", size, t.Capacity())
	}
	t.AddListener(hw)
	return hw
}

// Commands returns the number of commands issued.
func (hw *TableHw) Commands() uint64 { return hw.cmds }

func (hw *TableHw) RouteLoaded(idx int, r ip.Route) {
	if idx >= hw.size {
		log.GetLogger().WithField("slot", idx).Warn("router: route beyond hardware table")
		return
	}
	hw.write(r)
	hw.command(opLoad | uint32(r.Subnet.Prefix)<<16 | uint32(idx))
}

func (hw *TableHw) DefaultLoaded(r ip.Route) {
	hw.write(r)
	hw.command(opDefault)
}

// RouteRemoved reloads the whole table, since the hardware has no
// per-slot delete.
func (hw *TableHw) RouteRemoved(int) {
	hw.command(opClear)
	if def, ok := hw.table.Default(); ok {
		hw.DefaultLoaded(def)
	}
	hw.table.Each(hw.RouteLoaded)
}

func (hw *TableHw) TableCleared() {
	hw.command(opClear)
}

func (hw *TableHw) write(r ip.Route) {
	m := r.DstMac
	hw.reg.Write(uint32(r.Port)<<16 | uint32(m[0])<<8 | uint32(m[1]))
	hw.reg.Write(uint32(m[2])<<24 | uint32(m[3])<<16 | uint32(m[4])<<8 | uint32(m[5]))
	hw.reg.Write(uint32(r.Subnet.Base()))
}

func (hw *TableHw) command(op uint32) {
	hw.reg.Write(op)
	hw.cmds++
	for i := 0; hw.reg.Read()&statusBusy != 0; i++ {
		if i == busyPolls {
			log.GetLogger().Warnf("router: table command 0x%08x timed out", op)
			return
		}
	}
}
