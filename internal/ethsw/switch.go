package ethsw

import (
	"strconv"

	"firestige.xyz/satcat5/internal/log"
	"firestige.xyz/satcat5/internal/metrics"
	"firestige.xyz/satcat5/internal/multibuf"
	"firestige.xyz/satcat5/internal/pktio"
	"firestige.xyz/satcat5/internal/poll"
)

const (
	DefaultMaxWork    = 16
	DefaultQueueDepth = 32
	DefaultLevels     = 2
)

// SwitchCore forwards frames between ports. One scheduler task drains
// the ingress queues round-robin, handling at most MaxWork frames per
// pass, and fans each frame out to the egress queues left in its
// destination mask.
type SwitchCore struct {
	sched   *poll.Scheduler
	pool    *multibuf.Pool
	ports   []*SwitchPort
	plugins []PluginCore
	task    *poll.OnDemand
	log     *SwitchLog
	next    int
	maxWork int
	depth   int
	levels  int
	head    [HeadLen]byte
	pkt     PluginPacket
	frames  uint64
}

// NewSwitchCore creates a switch with no ports over pool.
func NewSwitchCore(s *poll.Scheduler, pool *multibuf.Pool) *SwitchCore {
	sw := &SwitchCore{
		sched:   s,
		pool:    pool,
		maxWork: DefaultMaxWork,
		depth:   DefaultQueueDepth,
		levels:  DefaultLevels,
	}
	sw.task = poll.NewOnDemand(s, sw.service)
	return sw
}

// SetMaxWork bounds the frames handled per scheduler pass.
func (sw *SwitchCore) SetMaxWork(n int) { sw.maxWork = max(n, 1) }

// SetQueues sets the egress queue depth and priority levels of ports
// added afterwards.
func (sw *SwitchCore) SetQueues(depth, levels int) {
	sw.depth, sw.levels = max(depth, 1), max(levels, 1)
}

// SetLog records every decision to l; nil disables logging.
func (sw *SwitchCore) SetLog(l *SwitchLog) { sw.log = l }

func (sw *SwitchCore) Scheduler() *poll.Scheduler { return sw.sched }
func (sw *SwitchCore) Pool() *multibuf.Pool       { return sw.pool }
func (sw *SwitchCore) Frames() uint64             { return sw.frames }
func (sw *SwitchCore) PortCount() int             { return len(sw.ports) }

// Port returns the port with index idx, or nil.
func (sw *SwitchCore) Port(idx int) *SwitchPort {
	if idx < 0 || idx >= len(sw.ports) {
		return nil
	}
	return sw.ports[idx]
}

// PortByName returns the named port, or nil.
func (sw *SwitchCore) PortByName(name string) *SwitchPort {
	for _, p := range sw.ports {
		if p.name == name {
			return p
		}
	}
	return nil
}

// PortMask returns a mask with a bit for every port.
func (sw *SwitchCore) PortMask() uint32 {
	if len(sw.ports) >= MaxPorts {
		return PmaskAll
	}
	return uint32(1)<<len(sw.ports) - 1
}

// AddPort attaches a device. Frames read from rx enter the switch;
// frames leaving through the port are written to tx. It returns nil
// once MaxPorts ports exist.
func (sw *SwitchCore) AddPort(name string, rx pktio.Readable, tx pktio.Writeable) *SwitchPort {
	if len(sw.ports) >= MaxPorts {
		log.GetLogger().WithField("port", name).Error("switch: too many ports")
		return nil
	}
	p := newSwitchPort(sw, len(sw.ports), name, rx, tx)
	sw.ports = append(sw.ports, p)
	return p
}

// AddPlugin appends a plugin to the chain. Adding twice has no effect.
func (sw *SwitchCore) AddPlugin(pl PluginCore) {
	for _, x := range sw.plugins {
		if samePlugin(x, pl) {
			return
		}
	}
	sw.plugins = append(sw.plugins, pl)
}

// RemovePlugin takes a plugin out of the chain.
func (sw *SwitchCore) RemovePlugin(pl PluginCore) {
	for i, x := range sw.plugins {
		if samePlugin(x, pl) {
			sw.plugins = append(sw.plugins[:i], sw.plugins[i+1:]...)
			return
		}
	}
}

// PortStats returns the counters of port idx.
func (sw *SwitchCore) PortStats(idx int) PortStats {
	if p := sw.Port(idx); p != nil {
		return p.stats
	}
	return PortStats{}
}

func (sw *SwitchCore) service() {
	n := len(sw.ports)
	if n == 0 {
		return
	}
	work, idle := 0, 0
	for work < sw.maxWork && idle < n {
		p := sw.ports[sw.next]
		sw.next = (sw.next + 1) % n
		k := p.inq.Current()
		if k == nil {
			idle++
			continue
		}
		idle = 0
		sw.process(p, k)
		p.inq.ReadFinalize()
		work++
	}
	if work == sw.maxWork {
		sw.task.RequestPoll()
	}
}

func (sw *SwitchCore) process(port *SwitchPort, k *multibuf.Packet) {
	sw.frames++
	p := &sw.pkt
	n := k.Peek(0, sw.head[:])
	p.reset(port.idx, k, sw.head[:n], k.Len())
	if !p.parse() {
		metrics.MalformedTotal.WithLabelValues("switch").Inc()
		p.Drop(ReasonMalformed)
		sw.finish(port, p)
		return
	}
	p.DstMask = sw.PortMask()
	for _, pl := range port.plugins {
		pl.Ingress(p)
		if p.result != Forward {
			break
		}
	}
	for _, pl := range sw.plugins {
		if p.result != Forward {
			break
		}
		pl.Query(p)
	}
	p.DstMask &^= 1 << port.idx
	if p.dirty {
		k.WriteAt(0, p.Data)
	}
	k.Priority, k.Vtag = p.Priority, uint16(p.Vtag)
	if p.result == Forward {
		if p.DstMask == 0 {
			p.Drop(ReasonNoRoute)
		} else {
			sw.enqueue(p, k)
		}
	}
	sw.finish(port, p)
}

func (sw *SwitchCore) enqueue(p *PluginPacket, k *multibuf.Packet) {
	for i, out := range sw.ports {
		if p.DstMask&(1<<i) == 0 {
			continue
		}
		if !out.outq.Enqueue(k, out.level(p.Priority)) {
			out.stats.TxDrops++
			metrics.BufferOverflowTotal.WithLabelValues("switch_egress").Inc()
		}
	}
}

func (sw *SwitchCore) finish(port *SwitchPort, p *PluginPacket) {
	port.stats.RxFrames++
	if p.result == Drop {
		port.stats.RxDrops++
	}
	metrics.SwitchFramesTotal.WithLabelValues(port.label, p.result.String()).Inc()
	if sw.log != nil {
		sw.log.Record(p)
	}
	if p.result == Drop && log.GetLogger().IsDebugEnabled() {
		log.GetLogger().WithField("reason", p.reason).Debugf("switch: drop %s", p)
	}
}

// PortStats holds the traffic counters of one port.
type PortStats struct {
	RxFrames uint64 `json:"rx_frames"`
	RxDrops  uint64 `json:"rx_drops"`
	TxFrames uint64 `json:"tx_frames"`
	TxDrops  uint64 `json:"tx_drops"`
}

func portLabel(idx int, name string) string {
	if name != "" {
		return name
	}
	return strconv.Itoa(idx)
}
